package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultFederatedProvider = "google"
	defaultKeySetTTL         = 10 * time.Minute
)

var defaultGoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var (
	// ErrInvalidVerifierConfig indicates an unusable federated verifier configuration.
	ErrInvalidVerifierConfig = errors.New("auth: invalid federated verifier config")

	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in key set")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
)

// FederatedVerifierConfig describes an external identity provider that signs RS256 ID tokens
// with keys published as a JWKS document.
type FederatedVerifierConfig struct {
	// Provider prefixes verified subjects, as in "google:1234".
	Provider       string
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// FederatedClaims are the verified claims of an external ID token.
type FederatedClaims struct {
	Provider string
	Subject  string
	Issuer   string
	Audience string
	Expiry   time.Time
}

// QualifiedSubject returns the provider-prefixed subject.
func (c FederatedClaims) QualifiedSubject() string {
	return c.Provider + ":" + c.Subject
}

// FederatedVerifier verifies external ID tokens offline against a cached key set.
type FederatedVerifier struct {
	provider string
	audience string
	issuers  map[string]struct{}
	keys     *keySet
	clock    func() time.Time
}

// NewFederatedVerifier validates the configuration and constructs a verifier.
// Without AllowedIssuers the Google issuers are trusted.
func NewFederatedVerifier(cfg FederatedVerifierConfig) (*FederatedVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}

	allowed := cfg.AllowedIssuers
	if len(allowed) == 0 {
		allowed = defaultGoogleIssuers
	}
	issuers := make(map[string]struct{}, len(allowed))
	for _, issuer := range allowed {
		if normalized := strings.TrimSpace(issuer); normalized != "" {
			issuers[normalized] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errNoAllowedIssuers)
	}

	provider := strings.TrimSpace(cfg.Provider)
	if provider == "" {
		provider = defaultFederatedProvider
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &FederatedVerifier{
		provider: provider,
		audience: audience,
		issuers:  issuers,
		keys: &keySet{
			url:        jwksURL,
			ttl:        ttl,
			httpClient: httpClient,
			logger:     logger,
		},
		clock: clock,
	}, nil
}

// Provider returns the subject prefix of this verifier.
func (v *FederatedVerifier) Provider() string {
	return v.provider
}

// Verify validates signature, audience, issuer and expiry of rawToken.
func (v *FederatedVerifier) Verify(ctx context.Context, rawToken string) (FederatedClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return FederatedClaims{}, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			key, err := v.keys.lookup(ctx, keyID, v.clock())
			if err != nil {
				return nil, err
			}
			return key, nil
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return FederatedClaims{}, ErrExpiredToken
		}
		return FederatedClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return FederatedClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, errUntrustedIssuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return FederatedClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, errMissingSubjectClaim)
	}

	verified := FederatedClaims{
		Provider: v.provider,
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Audience: v.audience,
	}
	if claims.ExpiresAt != nil {
		verified.Expiry = claims.ExpiresAt.Time
	}
	return verified, nil
}

type keySet struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func (s *keySet) lookup(ctx context.Context, keyID string, now time.Time) (*rsa.PublicKey, error) {
	if key := s.cached(keyID, now); key != nil {
		return key, nil
	}
	if err := s.refresh(ctx, now); err != nil {
		return nil, err
	}
	if key := s.cached(keyID, now); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (s *keySet) cached(keyID string, now time.Time) *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil || now.After(s.expiresAt) {
		return nil
	}
	return s.keys[keyID]
}

func (s *keySet) refresh(ctx context.Context, fetchedAt time.Time) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || key.Use != "sig" {
			continue
		}
		publicKey, err := key.publicKey()
		if err != nil {
			s.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keys[key.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errors.New("jwks document contained no usable keys")
	}

	s.mu.Lock()
	s.keys = keys
	s.expiresAt = fetchedAt.Add(s.ttl)
	s.mu.Unlock()
	return nil
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, errors.New("invalid exponent value")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: exponent}, nil
}
