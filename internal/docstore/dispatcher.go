package docstore

import (
	"context"
	"sync"
	"time"
)

const (
	topicDocumentPrefix   = "doc:"
	topicCollectionPrefix = "col:"
)

// Change announces a committed write to a document.
type Change struct {
	Path       string    `json:"path"`
	Collection string    `json:"collection"`
	Version    int64     `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher receives committed changes from the store.
type Publisher interface {
	Publish(ctx context.Context, change Change)
}

// Dispatcher fans committed changes out to the subscriptions registered in this process.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*Subscription
	nextID      int64
}

// Subscription is a live registration on a document or collection.
// Wake signals coalesce: the delivery goroutine always re-reads the newest committed state.
type Subscription struct {
	id     int64
	topic  string
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*Subscription),
	}
}

// ClosedSubscription returns a subscription that has already terminated.
func ClosedSubscription() *Subscription {
	done := make(chan struct{})
	close(done)
	return &Subscription{
		wake:   make(chan struct{}, 1),
		cancel: func() {},
		done:   done,
	}
}

// Cancel releases the subscription. A callback already in flight may still complete.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.cancel()
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Publish wakes every subscription on the changed document and on its parent collection.
func (d *Dispatcher) Publish(_ context.Context, change Change) {
	if change.Path == "" {
		return
	}
	topics := []string{topicDocumentPrefix + change.Path}
	if change.Collection != "" {
		topics = append(topics, topicCollectionPrefix+change.Collection)
	}

	d.mu.RLock()
	targets := make([]*Subscription, 0)
	for _, topic := range topics {
		for _, subscriber := range d.subscribers[topic] {
			targets = append(targets, subscriber)
		}
	}
	d.mu.RUnlock()

	for _, subscriber := range targets {
		subscriber.signal()
	}
}

// DocumentSubscribers reports the live subscriptions on a document.
func (d *Dispatcher) DocumentSubscribers(ref DocumentRef) int {
	return d.count(topicDocumentPrefix + ref.Path())
}

// CollectionSubscribers reports the live subscriptions on a collection.
func (d *Dispatcher) CollectionSubscribers(ref CollectionRef) int {
	return d.count(topicCollectionPrefix + ref.Path())
}

func (d *Dispatcher) count(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

// subscribe registers on topic and runs refresh once immediately and once per wake signal.
// A refresh error is reported to onError and terminates the subscription.
func (d *Dispatcher) subscribe(ctx context.Context, topic string, refresh func(context.Context) error, onError func(error)) *Subscription {
	subscriptionCtx, cancel := context.WithCancel(ctx)
	subscriber := &Subscription{
		id:     d.nextSequence(),
		topic:  topic,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	d.registerSubscriber(subscriber)
	subscriber.signal()

	go func() {
		defer close(subscriber.done)
		defer d.unregisterSubscriber(topic, subscriber.id)
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case <-subscriber.wake:
			}
			if subscriptionCtx.Err() != nil {
				return
			}
			if err := refresh(subscriptionCtx); err != nil {
				if subscriptionCtx.Err() != nil {
					return
				}
				if onError != nil {
					onError(err)
				}
				cancel()
				return
			}
		}
	}()

	return subscriber
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(subscriber *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[subscriber.topic]; !ok {
		d.subscribers[subscriber.topic] = make(map[int64]*Subscription)
	}
	d.subscribers[subscriber.topic][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
