package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/loyalty"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventView      = "view"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "loyalty-backend"

	defaultHeartbeatInterval = 25 * time.Second
)

type profileStatePayload struct {
	Phase   loyalty.ProfilePhase    `json:"phase"`
	Profile *loyalty.PrivateProfile `json:"profile,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

type viewPayload struct {
	Phase         loyalty.Phase         `json:"phase"`
	Identity      string                `json:"identity,omitempty"`
	Profile       profileStatePayload   `json:"profile"`
	RosterSyncing bool                  `json:"roster_syncing"`
	Roster        []loyalty.RosterEntry `json:"roster,omitempty"`
	RosterError   string                `json:"roster_error,omitempty"`
	LastError     string                `json:"last_error,omitempty"`
	Revision      uint64                `json:"revision"`
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

func newViewPayload(view loyalty.View) viewPayload {
	payload := viewPayload{
		Phase:         view.Phase,
		Identity:      view.Identity.String(),
		RosterSyncing: view.RosterSyncing,
		Roster:        view.Roster,
		RosterError:   loyalty.ErrorCode(view.RosterErr),
		LastError:     loyalty.ErrorCode(view.LastErr),
		Revision:      view.Revision,
		Profile: profileStatePayload{
			Phase: view.Profile.Phase,
			Error: loyalty.ErrorCode(view.Profile.Err),
		},
	}
	if view.Profile.HasProfile() {
		profile := view.Profile.Profile
		payload.Profile.Profile = &profile
	}
	return payload
}

// handleProfileStream runs a session for the caller and streams every published view as an
// SSE "view" event until the client disconnects.
func (h *httpHandler) handleProfileStream(c *gin.Context) {
	ctx := c.Request.Context()
	identity := identityFromContext(c)

	provider, err := auth.NewProvider(auth.ProviderConfig{Tokens: h.tokens, Logger: h.logger})
	if err != nil {
		h.logger.Error("failed to construct identity provider", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
		return
	}
	session, err := h.service.NewSession(ctx, provider)
	if err != nil {
		h.logger.Error("failed to start session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
		return
	}
	defer session.Close()

	if _, err := session.SignIn(ctx, tokenFromContext(c, h.cookieName)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}

	views := session.Watch(ctx)
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	h.logger.Debug("profile stream opened", zap.String("identity", identity.String()))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case view, ok := <-views:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventView, newViewPayload(view))
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC().Unix(),
			})
			return true
		}
	})
	h.logger.Debug("profile stream closed", zap.String("identity", identity.String()))
}
