package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	bearerPrefix          = "Bearer "
	accessTokenQueryParam = "access_token"
)

var errMissingTokenValidator = errors.New("auth: token validator is required")

// TokenValidator resolves an access token to its subject.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, error)
}

// SessionValidatorConfig describes where requests carry their access token.
type SessionValidatorConfig struct {
	Tokens TokenValidator
	// CookieName is optional; when set the cookie is consulted after the header.
	CookieName string
}

// SessionValidator authenticates HTTP requests.
type SessionValidator struct {
	tokens     TokenValidator
	cookieName string
}

// NewSessionValidator constructs a SessionValidator.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	return &SessionValidator{
		tokens:     cfg.Tokens,
		cookieName: strings.TrimSpace(cfg.CookieName),
	}, nil
}

// ValidateRequest extracts the access token from the request and returns its subject.
// The Authorization bearer header wins over the cookie, which wins over the access_token query
// parameter used by EventSource clients.
func (v *SessionValidator) ValidateRequest(r *http.Request) (string, error) {
	token := TokenFromRequest(r, v.cookieName)
	if token == "" {
		return "", ErrMissingToken
	}
	return v.tokens.ValidateToken(token)
}

// TokenFromRequest returns the raw access token carried by r, or "".
func TokenFromRequest(r *http.Request, cookieName string) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(header, bearerPrefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); token != "" {
			return token
		}
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && cookie != nil {
			if token := strings.TrimSpace(cookie.Value); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam))
}
