package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultFeedChannel = "loyalty:documents"
	feedPublishTimeout = 2 * time.Second
)

var (
	errMissingRedisClient = errors.New("docstore: redis client is required")
	errMissingDispatcher  = errors.New("docstore: local dispatcher is required")
)

// RedisFeedConfig configures the cross-process change feed.
type RedisFeedConfig struct {
	Client  *redis.Client
	Channel string
	Local   *Dispatcher
	// Origin identifies this process; messages carrying it are not re-dispatched.
	Origin string
	Logger *zap.Logger
}

// RedisFeed publishes committed changes to Redis and replays changes from other processes
// into the local dispatcher, so subscribers observe writes made by every API instance.
type RedisFeed struct {
	client  *redis.Client
	channel string
	local   *Dispatcher
	origin  string
	logger  *zap.Logger
}

type feedMessage struct {
	Origin string `json:"origin"`
	Change Change `json:"change"`
}

// NewRedisFeed constructs a RedisFeed.
func NewRedisFeed(cfg RedisFeedConfig) (*RedisFeed, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Local == nil {
		return nil, errMissingDispatcher
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultFeedChannel
	}
	origin := cfg.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &RedisFeed{
		client:  cfg.Client,
		channel: channel,
		local:   cfg.Local,
		origin:  origin,
		logger:  logger,
	}, nil
}

// Origin returns the id stamped on messages from this process.
func (f *RedisFeed) Origin() string {
	return f.origin
}

// Publish dispatches locally, then forwards the change to other processes.
// A Redis failure is logged; local subscribers are already notified.
func (f *RedisFeed) Publish(ctx context.Context, change Change) {
	f.local.Publish(ctx, change)

	payload, err := json.Marshal(feedMessage{Origin: f.origin, Change: change})
	if err != nil {
		f.logger.Warn("feed message encoding failed", zap.String("path", change.Path), zap.Error(err))
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, feedPublishTimeout)
	defer cancel()
	if err := f.client.Publish(publishCtx, f.channel, payload).Err(); err != nil {
		f.logger.Warn("feed publish failed",
			zap.String("channel", f.channel),
			zap.String("path", change.Path),
			zap.Error(err))
	}
}

// Run consumes the channel until ctx is cancelled.
func (f *RedisFeed) Run(ctx context.Context) error {
	pubsub := f.client.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	f.logger.Info("document feed subscribed", zap.String("channel", f.channel), zap.String("origin", f.origin))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			f.handle(ctx, message.Payload)
		}
	}
}

// handle reports whether the payload was dispatched locally.
func (f *RedisFeed) handle(ctx context.Context, payload string) bool {
	var message feedMessage
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		f.logger.Warn("feed message decoding failed", zap.Error(err))
		return false
	}
	if message.Origin == f.origin || message.Change.Path == "" {
		return false
	}
	f.local.Publish(ctx, message.Change)
	return true
}
