package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/loyalty"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	identityContextKey = "loyalty_identity"
	profileContextKey  = "loyalty_profile"

	errorCodeInvalidRequest = "invalid_request"
	errorCodeUnauthorized   = "unauthorized"
	errorCodeForbidden      = "forbidden"
	errorCodeUnknownTarget  = "unknown_target"
	errorCodeInternal       = "internal_error"
)

var (
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingIdentities     = errors.New("identity resolver dependency required")
	errMissingLoyaltyService = errors.New("loyalty service dependency required")
)

// TokenManager issues and validates access tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// IdentityResolver maps a sign-in token to a subject. An empty token requests an anonymous identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Tokens            TokenManager
	Identities        IdentityResolver
	Service           *loyalty.Service
	AllowedOrigins    []string
	CookieName        string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Service == nil {
		return nil, errMissingLoyaltyService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		Tokens:     deps.Tokens,
		CookieName: deps.CookieName,
	})
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:     deps.Tokens,
		identities: deps.Identities,
		validator:  validator,
		service:    deps.Service,
		cookieName: deps.CookieName,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.POST("/auth/session", handler.handleCreateSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/profile", handler.handleGetProfile)
	protected.GET("/profile/stream", handler.handleProfileStream)

	admin := protected.Group("/")
	admin.Use(handler.requireAdmin)
	admin.GET("/roster", handler.handleGetRoster)
	admin.POST("/ledger/adjust", handler.handleLedgerAdjust)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens     TokenManager
	identities IdentityResolver
	validator  *auth.SessionValidator
	service    *loyalty.Service
	cookieName string
	heartbeat  time.Duration
	logger     *zap.Logger
}

type sessionRequestPayload struct {
	Token string `json:"token"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	Identity    string `json:"identity"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	subject, err := h.identities.Resolve(c.Request.Context(), request.Token)
	if err != nil {
		h.logger.Warn("sign in rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	identity, err := loyalty.NewIdentity(subject)
	if err != nil {
		h.logger.Warn("sign in produced an unusable identity", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), identity.String())
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		Identity:    identity.String(),
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	identity := identityFromContext(c)
	profile, created, err := h.service.Profiles().Ensure(c.Request.Context(), identity)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if err := h.service.Mirror().Project(c.Request.Context(), profile); err != nil {
		h.logger.Warn("profile mirror failed",
			zap.String("identity", identity.String()),
			zap.String("code", loyalty.ErrorCode(err)),
			zap.Error(err))
		h.writeServiceError(c, err)
		return
	}
	if created {
		c.JSON(http.StatusCreated, profile)
		return
	}
	c.JSON(http.StatusOK, profile)
}

type rosterResponsePayload struct {
	Entries []loyalty.RosterEntry `json:"entries"`
}

func (h *httpHandler) handleGetRoster(c *gin.Context) {
	entries, err := h.service.Roster().List(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rosterResponsePayload{Entries: entries})
}

type adjustRequestPayload struct {
	Identity string `json:"identity"`
	// CurrentPoints is the balance the caller based its decision on; read from the roster when absent.
	CurrentPoints *int64 `json:"current_points"`
	Delta         int64  `json:"delta"`
}

type adjustResponsePayload struct {
	Identity string `json:"identity"`
	Points   int64  `json:"points"`
}

func (h *httpHandler) handleLedgerAdjust(c *gin.Context) {
	var request adjustRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	target, err := loyalty.NewIdentity(request.Identity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	currentPoints, found, err := h.currentPoints(c.Request.Context(), target, request.CurrentPoints)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeUnknownTarget})
		return
	}

	points, err := h.service.Ledger().Adjust(c.Request.Context(), target, currentPoints, request.Delta)
	if err != nil {
		if errors.Is(err, loyalty.ErrPartialLedgerWrite) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":     loyalty.ErrorCode(err),
				"retryable": true,
				"identity":  target.String(),
				"points":    points,
			})
			return
		}
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, adjustResponsePayload{Identity: target.String(), Points: points})
}

func (h *httpHandler) currentPoints(ctx context.Context, target loyalty.Identity, supplied *int64) (int64, bool, error) {
	if supplied != nil {
		return *supplied, true, nil
	}
	entries, err := h.service.Roster().List(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, entry := range entries {
		if entry.Key == target.String() {
			return entry.Summary.Points, true, nil
		}
	}
	return 0, false, nil
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	identity, err := loyalty.NewIdentity(subject)
	if err != nil {
		h.logger.Warn("token carries an unusable identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	identity := identityFromContext(c)
	profile, _, err := h.service.Profiles().Ensure(c.Request.Context(), identity)
	if err != nil {
		h.writeServiceError(c, err)
		c.Abort()
		return
	}
	if !profile.IsAdmin {
		h.logger.Info("admin route denied", zap.String("identity", identity.String()), zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	code := loyalty.ErrorCode(err)
	if code == "" {
		code = errorCodeInternal
	}
	switch {
	case errors.Is(err, loyalty.ErrInvalidIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"error": code})
	case errors.Is(err, loyalty.ErrNotAdmin):
		c.JSON(http.StatusForbidden, gin.H{"error": code})
	case errors.Is(err, loyalty.ErrUnknownTarget):
		c.JSON(http.StatusNotFound, gin.H{"error": code})
	case loyalty.Retryable(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": code, "retryable": true})
	default:
		h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

func identityFromContext(c *gin.Context) loyalty.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return ""
	}
	identity, _ := value.(loyalty.Identity)
	return identity
}

func tokenFromContext(c *gin.Context, cookieName string) string {
	return strings.TrimSpace(auth.TokenFromRequest(c.Request, cookieName))
}
