package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/loyalty"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnvironment struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	service *loyalty.Service
	store   *docstore.SQLStore
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	return newTestEnvironmentWithStore(t, nil)
}

// newTestEnvironmentWithStore lets a test wrap the document store the service writes through.
func newTestEnvironmentWithStore(t *testing.T, wrap func(docstore.Store) docstore.Store) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&docstore.Document{}); err != nil {
		t.Fatalf("failed to migrate documents: %v", err)
	}

	store, err := docstore.NewSQLStore(docstore.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	var serviceStore docstore.Store = store
	if wrap != nil {
		serviceStore = wrap(store)
	}
	service, err := loyalty.NewService(loyalty.ServiceConfig{Store: serviceStore, Namespace: "default-app-id"})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "loyalty-auth",
		Audience:      "loyalty-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	provider, err := auth.NewProvider(auth.ProviderConfig{Tokens: issuer})
	if err != nil {
		t.Fatalf("failed to construct identity provider: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            issuer,
		Identities:        provider,
		Service:           service,
		CookieName:        "loyalty_session",
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testEnvironment{handler: handler, issuer: issuer, service: service, store: store}
}

func (e *testEnvironment) tokenFor(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := e.issuer.IssueToken(context.Background(), subject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (e *testEnvironment) grantAdmin(t *testing.T, subject string) {
	t.Helper()
	identity, err := loyalty.NewIdentity(subject)
	if err != nil {
		t.Fatalf("invalid identity: %v", err)
	}
	ctx := context.Background()
	if _, _, err := e.service.Profiles().Ensure(ctx, identity); err != nil {
		t.Fatalf("failed to ensure profile: %v", err)
	}
	if err := e.service.Profiles().SetAdmin(ctx, identity, true); err != nil {
		t.Fatalf("failed to grant admin: %v", err)
	}
}

func (e *testEnvironment) seedMember(t *testing.T, subject string, points int64) {
	t.Helper()
	identity, err := loyalty.NewIdentity(subject)
	if err != nil {
		t.Fatalf("invalid identity: %v", err)
	}
	ctx := context.Background()
	profile, _, err := e.service.Profiles().Ensure(ctx, identity)
	if err != nil {
		t.Fatalf("failed to ensure profile: %v", err)
	}
	if _, err := e.service.Mirror().Sync(ctx, profile); err != nil {
		t.Fatalf("failed to mirror profile: %v", err)
	}
	if points != 0 {
		if _, err := e.service.Ledger().Adjust(ctx, identity, profile.Points, points); err != nil {
			t.Fatalf("failed to seed points: %v", err)
		}
	}
}

func (e *testEnvironment) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

type failingMergeStore struct {
	docstore.Store
}

func (s failingMergeStore) Merge(context.Context, docstore.DocumentRef, docstore.Fields) error {
	return errors.New("public mirror unavailable")
}
