package docstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const deliveryDeadline = 2 * time.Second

func newTestStore(t *testing.T) (*SQLStore, *gorm.DB) {
	t.Helper()
	return newTestStoreWithConfig(t, &gorm.Config{})
}

func newTestStoreWithConfig(t *testing.T, config *gorm.Config) (*SQLStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "documents.db")), config)
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
	if err := db.AutoMigrate(&Document{}); err != nil {
		t.Fatalf("failed to migrate documents: %v", err)
	}
	store, err := NewSQLStore(StoreConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func mustDoc(t *testing.T, segments ...string) DocumentRef {
	t.Helper()
	ref, err := Doc(segments...)
	if err != nil {
		t.Fatalf("unexpected document ref error: %v", err)
	}
	return ref
}

func mustCollection(t *testing.T, segments ...string) CollectionRef {
	t.Helper()
	ref, err := Collection(segments...)
	if err != nil {
		t.Fatalf("unexpected collection ref error: %v", err)
	}
	return ref
}

func receive[T any](t *testing.T, stream <-chan T) T {
	t.Helper()
	select {
	case value := <-stream:
		return value
	case <-time.After(deliveryDeadline):
		t.Fatal("expected delivery within deadline")
	}
	var zero T
	return zero
}

func TestRefsValidateSegmentParity(t *testing.T) {
	if _, err := Doc("artifacts", "app", "users"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected odd document path to be rejected, got %v", err)
	}
	if _, err := Collection("artifacts", "app"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected even collection path to be rejected, got %v", err)
	}
	if _, err := Doc("artifacts", "a/b"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected separator inside segment to be rejected, got %v", err)
	}
	if _, err := Doc("artifacts", " "); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected blank segment to be rejected, got %v", err)
	}

	collection := mustCollection(t, "artifacts", "app", "public", "data", "all_clients")
	ref, err := collection.Doc("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Path() != "artifacts/app/public/data/all_clients/user-1" {
		t.Fatalf("unexpected path %q", ref.Path())
	}
	if ref.ID() != "user-1" {
		t.Fatalf("unexpected id %q", ref.ID())
	}
	if ref.Parent() != collection {
		t.Fatalf("expected parent %q, got %q", collection.Path(), ref.Parent().Path())
	}
}

func TestGetMissingDocumentReportsAbsence(t *testing.T) {
	store, _ := newTestStore(t)
	snapshot, err := store.Get(context.Background(), mustDoc(t, "things", "missing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Exists {
		t.Fatalf("expected missing document")
	}
}

type capturedGormLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *capturedGormLog) Printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *capturedGormLog) contains(fragment string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range c.lines {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

func TestMissingDocumentLookupsStayQuiet(t *testing.T) {
	captured := &capturedGormLog{}
	store, _ := newTestStoreWithConfig(t, &gorm.Config{
		Logger: gormlogger.New(captured, gormlogger.Config{LogLevel: gormlogger.Warn}),
	})
	ctx := context.Background()
	ref := mustDoc(t, "clients", "fresh")

	if snapshot, err := store.Get(ctx, ref); err != nil || snapshot.Exists {
		t.Fatalf("expected absent document, got %+v err=%v", snapshot, err)
	}
	if err := store.Merge(ctx, ref, Fields{"points": 1}); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if err := store.Update(ctx, mustDoc(t, "clients", "ghost"), Fields{"points": 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if captured.contains("record not found") {
		t.Fatalf("expected no record-not-found log lines, got %q", captured.lines)
	}
}

func TestListUnderReadsNestedDocuments(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	root := mustCollection(t, "artifacts", "app_1", "users")

	nested := []DocumentRef{
		mustDoc(t, "artifacts", "app_1", "users", "b", "profile", "data"),
		mustDoc(t, "artifacts", "app_1", "users", "a", "profile", "data"),
		mustDoc(t, "artifacts", "app_1", "users", "c"),
	}
	outside := []DocumentRef{
		mustDoc(t, "artifacts", "appX1", "users", "d", "profile", "data"),
		mustDoc(t, "artifacts", "app_1", "public", "data", "all_clients", "a"),
		mustDoc(t, "artifacts", "app_1", "usersX", "e"),
	}
	for _, ref := range append(append([]DocumentRef{}, nested...), outside...) {
		if err := store.Set(ctx, ref, Fields{"points": 1}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshots, err := store.ListUnder(ctx, root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{
		"artifacts/app_1/users/a/profile/data",
		"artifacts/app_1/users/b/profile/data",
		"artifacts/app_1/users/c",
	}
	if len(snapshots) != len(want) {
		t.Fatalf("expected %d documents, got %d", len(want), len(snapshots))
	}
	for index, snapshot := range snapshots {
		if snapshot.Ref.Path() != want[index] || !snapshot.Exists {
			t.Fatalf("document %d: expected %q, got %q (exists=%v)", index, want[index], snapshot.Ref.Path(), snapshot.Exists)
		}
	}
}

func TestCreateNeverOverwrites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ref := mustDoc(t, "things", "one")

	created, err := store.Create(ctx, ref, Fields{"points": 3})
	if err != nil || !created {
		t.Fatalf("expected first create to succeed, created=%v err=%v", created, err)
	}
	created, err = store.Create(ctx, ref, Fields{"points": 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Fatalf("expected second create to be skipped")
	}

	snapshot, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	points, ok := snapshot.Fields.Int64("points")
	if !ok || points != 3 {
		t.Fatalf("expected points to remain 3, got %v", snapshot.Fields["points"])
	}
	if snapshot.Version != 1 {
		t.Fatalf("expected version 1, got %d", snapshot.Version)
	}
}

func TestMergeLeavesUnlistedFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ref := mustDoc(t, "things", "one")

	if err := store.Merge(ctx, ref, Fields{"name": "Ada", "points": 1, "extra": "kept"}); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if err := store.Merge(ctx, ref, Fields{"points": 7}); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}

	snapshot, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if extra, _ := snapshot.Fields.String("extra"); extra != "kept" {
		t.Fatalf("expected unlisted field to survive merge, got %v", snapshot.Fields["extra"])
	}
	if points, _ := snapshot.Fields.Int64("points"); points != 7 {
		t.Fatalf("expected merged points 7, got %v", snapshot.Fields["points"])
	}
	if snapshot.Version != 2 {
		t.Fatalf("expected version 2, got %d", snapshot.Version)
	}
}

func TestSetReplacesContent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ref := mustDoc(t, "things", "one")

	if err := store.Set(ctx, ref, Fields{"name": "Ada", "points": 1}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := store.Set(ctx, ref, Fields{"points": 2}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	snapshot, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := snapshot.Fields["name"]; ok {
		t.Fatalf("expected full replace to drop name, got %v", snapshot.Fields)
	}
}

func TestUpdateRequiresExistingDocument(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Update(context.Background(), mustDoc(t, "things", "ghost"), Fields{"points": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribeDocumentDeliversInitialStateAndChanges(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ref := mustDoc(t, "things", "one")

	snapshots := make(chan DocumentSnapshot, 8)
	subscription := store.SubscribeDocument(ctx, ref, func(snapshot DocumentSnapshot) {
		snapshots <- snapshot
	}, func(err error) {
		t.Errorf("unexpected subscription error: %v", err)
	})
	defer subscription.Cancel()

	initial := receive(t, snapshots)
	if initial.Exists {
		t.Fatalf("expected initial state to report a missing document")
	}

	if err := store.Set(ctx, ref, Fields{"points": 4}); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	changed := receive(t, snapshots)
	if !changed.Exists || changed.Version != 1 {
		t.Fatalf("expected created document at version 1, got %+v", changed)
	}
	if points, _ := changed.Fields.Int64("points"); points != 4 {
		t.Fatalf("expected 4 points, got %v", changed.Fields["points"])
	}
}

func TestSubscribeCollectionDeliversFullList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collection := mustCollection(t, "clients")

	lists := make(chan []DocumentSnapshot, 8)
	subscription := store.SubscribeCollection(ctx, collection, func(snapshots []DocumentSnapshot) {
		lists <- snapshots
	}, nil)
	defer subscription.Cancel()

	if initial := receive(t, lists); len(initial) != 0 {
		t.Fatalf("expected empty initial list, got %d", len(initial))
	}

	second, _ := collection.Doc("b")
	first, _ := collection.Doc("a")
	if err := store.Set(ctx, second, Fields{"points": 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for {
		list := receive(t, lists)
		if len(list) == 1 {
			break
		}
	}
	if err := store.Set(ctx, first, Fields{"points": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list []DocumentSnapshot
	for len(list) != 2 {
		list = receive(t, lists)
	}
	if list[0].Ref.ID() != "a" || list[1].Ref.ID() != "b" {
		t.Fatalf("expected documents ordered by id, got %s, %s", list[0].Ref.ID(), list[1].Ref.ID())
	}
}

func TestCancelledSubscriptionUnregisters(t *testing.T) {
	store, _ := newTestStore(t)
	ref := mustDoc(t, "things", "one")

	delivered := make(chan DocumentSnapshot, 8)
	subscription := store.SubscribeDocument(context.Background(), ref, func(snapshot DocumentSnapshot) {
		delivered <- snapshot
	}, nil)
	receive(t, delivered)
	if store.Dispatcher().DocumentSubscribers(ref) != 1 {
		t.Fatalf("expected one live subscriber")
	}

	subscription.Cancel()
	select {
	case <-subscription.Done():
	case <-time.After(deliveryDeadline):
		t.Fatal("expected subscription to terminate")
	}
	if store.Dispatcher().DocumentSubscribers(ref) != 0 {
		t.Fatalf("expected subscriber to be released")
	}

	if err := store.Set(context.Background(), ref, Fields{"points": 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case snapshot := <-delivered:
		t.Fatalf("did not expect delivery after cancel, got %+v", snapshot)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionErrorTerminatesSubscription(t *testing.T) {
	store, db := newTestStore(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close db: %v", err)
	}

	errs := make(chan error, 1)
	subscription := store.SubscribeDocument(context.Background(), mustDoc(t, "things", "one"), func(DocumentSnapshot) {
		t.Errorf("did not expect a snapshot from a failed read")
	}, func(err error) {
		errs <- err
	})

	if err := receive(t, errs); err == nil {
		t.Fatalf("expected subscription error")
	}
	select {
	case <-subscription.Done():
	case <-time.After(deliveryDeadline):
		t.Fatal("expected failed subscription to terminate")
	}
}
