package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/database"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/loyalty"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "loyalty_session"
	sessionIssuer        = "loyalty-auth"
	sessionAudience      = "loyalty-api"
	jsonContentType      = "application/json"
)

func TestSessionProfileAndLedgerFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "integration.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	store, err := docstore.NewSQLStore(docstore.StoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	service, err := loyalty.NewService(loyalty.ServiceConfig{Store: store, Namespace: "default-app-id", Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to construct service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		Audience:      sessionAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to construct issuer: %v", err)
	}
	provider, err := auth.NewProvider(auth.ProviderConfig{Tokens: issuer})
	if err != nil {
		testContext.Fatalf("failed to construct provider: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:     issuer,
		Identities: provider,
		Service:    service,
		CookieName: sessionCookieName,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(httpServer.Close)

	sessionResponse, err := http.Post(httpServer.URL+"/auth/session", jsonContentType, http.NoBody)
	if err != nil {
		testContext.Fatalf("session request failed: %v", err)
	}
	var session struct {
		AccessToken string `json:"access_token"`
		Identity    string `json:"identity"`
	}
	if err := json.NewDecoder(sessionResponse.Body).Decode(&session); err != nil {
		testContext.Fatalf("failed to decode session: %v", err)
	}
	_ = sessionResponse.Body.Close()
	if sessionResponse.StatusCode != http.StatusOK || session.AccessToken == "" {
		testContext.Fatalf("unexpected session response: %d %+v", sessionResponse.StatusCode, session)
	}

	profileRequest, err := http.NewRequest(http.MethodGet, httpServer.URL+"/profile", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build profile request: %v", err)
	}
	profileRequest.AddCookie(&http.Cookie{Name: sessionCookieName, Value: session.AccessToken})
	profileResponse, err := http.DefaultClient.Do(profileRequest)
	if err != nil {
		testContext.Fatalf("profile request failed: %v", err)
	}
	var profile loyalty.PrivateProfile
	if err := json.NewDecoder(profileResponse.Body).Decode(&profile); err != nil {
		testContext.Fatalf("failed to decode profile: %v", err)
	}
	_ = profileResponse.Body.Close()
	if profileResponse.StatusCode != http.StatusCreated || profile.Identity.String() != session.Identity {
		testContext.Fatalf("unexpected profile response: %d %+v", profileResponse.StatusCode, profile)
	}

	adminIdentity, err := loyalty.NewIdentity("admin-ops")
	if err != nil {
		testContext.Fatalf("invalid identity: %v", err)
	}
	if _, _, err := service.Profiles().Ensure(context.Background(), adminIdentity); err != nil {
		testContext.Fatalf("failed to ensure admin: %v", err)
	}
	if err := service.Profiles().SetAdmin(context.Background(), adminIdentity, true); err != nil {
		testContext.Fatalf("failed to grant admin: %v", err)
	}
	adminToken, _, err := issuer.IssueToken(context.Background(), adminIdentity.String())
	if err != nil {
		testContext.Fatalf("failed to issue admin token: %v", err)
	}

	adjustBody, err := json.Marshal(map[string]any{"identity": session.Identity, "delta": 300})
	if err != nil {
		testContext.Fatalf("failed to encode adjust body: %v", err)
	}
	adjustRequest, err := http.NewRequest(http.MethodPost, httpServer.URL+"/ledger/adjust", bytes.NewReader(adjustBody))
	if err != nil {
		testContext.Fatalf("failed to build adjust request: %v", err)
	}
	adjustRequest.Header.Set("Authorization", "Bearer "+adminToken)
	adjustRequest.Header.Set("Content-Type", jsonContentType)
	adjustResponse, err := http.DefaultClient.Do(adjustRequest)
	if err != nil {
		testContext.Fatalf("adjust request failed: %v", err)
	}
	var adjusted struct {
		Points int64 `json:"points"`
	}
	if err := json.NewDecoder(adjustResponse.Body).Decode(&adjusted); err != nil {
		testContext.Fatalf("failed to decode adjust response: %v", err)
	}
	_ = adjustResponse.Body.Close()
	if adjustResponse.StatusCode != http.StatusOK || adjusted.Points != 300 {
		testContext.Fatalf("unexpected adjust response: %d %+v", adjustResponse.StatusCode, adjusted)
	}

	rosterRequest, err := http.NewRequest(http.MethodGet, httpServer.URL+"/roster", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build roster request: %v", err)
	}
	rosterRequest.Header.Set("Authorization", "Bearer "+adminToken)
	rosterResponse, err := http.DefaultClient.Do(rosterRequest)
	if err != nil {
		testContext.Fatalf("roster request failed: %v", err)
	}
	var roster struct {
		Entries []loyalty.RosterEntry `json:"entries"`
	}
	if err := json.NewDecoder(rosterResponse.Body).Decode(&roster); err != nil {
		testContext.Fatalf("failed to decode roster: %v", err)
	}
	_ = rosterResponse.Body.Close()
	found := false
	for _, entry := range roster.Entries {
		if entry.Key == session.Identity {
			found = true
			if entry.Summary.Points != 300 {
				testContext.Fatalf("expected mirrored balance 300, got %d", entry.Summary.Points)
			}
		}
	}
	if !found {
		testContext.Fatalf("expected %s in roster, got %+v", session.Identity, roster.Entries)
	}
}
