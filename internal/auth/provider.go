package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IDProvider issues identifiers for anonymous identities.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// FederatedTokenVerifier verifies ID tokens issued by an external identity provider.
type FederatedTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (FederatedClaims, error)
}

// ProviderConfig describes how a Provider resolves tokens to identities.
type ProviderConfig struct {
	Tokens TokenValidator
	// Federated is consulted when Tokens rejects a token. Optional.
	Federated FederatedTokenVerifier
	IDs       IDProvider
	Logger    *zap.Logger
}

// Provider holds the identity of one client. The zero identity "" means signed out.
type Provider struct {
	tokens    TokenValidator
	federated FederatedTokenVerifier
	ids       IDProvider
	logger    *zap.Logger

	// emitMu orders identity changes with their notifications.
	emitMu       sync.Mutex
	mu           sync.Mutex
	subject      string
	listeners    map[int64]func(string)
	nextListener int64
}

// NewProvider constructs a signed-out Provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		tokens:    cfg.Tokens,
		federated: cfg.Federated,
		ids:       ids,
		logger:    logger,
		listeners: make(map[int64]func(string)),
	}, nil
}

// Resolve maps a token to a subject without changing the provider state.
// An empty token yields a fresh anonymous subject.
func (p *Provider) Resolve(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		subject, err := p.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("auth: anonymous identity: %w", err)
		}
		return subject, nil
	}

	subject, err := p.tokens.ValidateToken(token)
	if err == nil {
		return strings.TrimSpace(subject), nil
	}
	if p.federated == nil {
		return "", err
	}
	claims, federatedErr := p.federated.Verify(ctx, token)
	if federatedErr != nil {
		p.logger.Debug("federated token rejected", zap.Error(federatedErr))
		return "", err
	}
	return claims.QualifiedSubject(), nil
}

// SignIn resolves token and makes its subject the current identity.
// A rejected token leaves the current identity unchanged.
func (p *Provider) SignIn(ctx context.Context, token string) (string, error) {
	subject, err := p.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	if subject == "" {
		return "", ErrInvalidToken
	}
	p.setSubject(subject)
	return subject, nil
}

// SignOut clears the current identity.
func (p *Provider) SignOut(context.Context) error {
	p.setSubject("")
	return nil
}

// Current returns the current identity.
func (p *Provider) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subject
}

// OnIdentityChanged calls listener with the current identity now and after every change.
// Listeners run synchronously and observe changes one at a time.
func (p *Provider) OnIdentityChanged(listener func(subject string)) func() {
	p.emitMu.Lock()
	p.mu.Lock()
	p.nextListener++
	listenerID := p.nextListener
	p.listeners[listenerID] = listener
	current := p.subject
	p.mu.Unlock()
	listener(current)
	p.emitMu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, listenerID)
		p.mu.Unlock()
	}
}

func (p *Provider) setSubject(subject string) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if p.subject == subject {
		p.mu.Unlock()
		return
	}
	p.subject = subject
	listeners := make([]func(string), 0, len(p.listeners))
	for _, listener := range p.listeners {
		listeners = append(listeners, listener)
	}
	p.mu.Unlock()

	for _, listener := range listeners {
		listener(subject)
	}
}
