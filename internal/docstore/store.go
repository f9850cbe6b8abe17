package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates an update targeted a document that does not exist.
	ErrNotFound = errors.New("docstore: document not found")

	errMissingDatabase = errors.New("docstore: database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opGet       = "docstore.get"
	opList      = "docstore.list"
	opListUnder = "docstore.list_under"
	opSet       = "docstore.set"
	opCreate    = "docstore.create"
	opMerge     = "docstore.merge"
	opUpdate    = "docstore.update"

	queryPath       = "path = ?"
	queryCollection = "collection = ?"
	queryPathPrefix = "path LIKE ? ESCAPE '\\'"
	orderDocumentID = "document_id ASC"
	orderPath       = "path ASC"
)

// DocumentSnapshot is the committed state of a document at a point in time.
type DocumentSnapshot struct {
	Ref       DocumentRef
	Exists    bool
	Fields    Fields
	Version   int64
	UpdatedAt time.Time
}

// Store is a key-addressed document store with live subscriptions.
type Store interface {
	Get(ctx context.Context, ref DocumentRef) (DocumentSnapshot, error)
	List(ctx context.Context, collection CollectionRef) ([]DocumentSnapshot, error)
	ListUnder(ctx context.Context, root CollectionRef) ([]DocumentSnapshot, error)
	Set(ctx context.Context, ref DocumentRef, fields Fields) error
	Create(ctx context.Context, ref DocumentRef, fields Fields) (bool, error)
	Merge(ctx context.Context, ref DocumentRef, fields Fields) error
	Update(ctx context.Context, ref DocumentRef, fields Fields) error
	SubscribeDocument(ctx context.Context, ref DocumentRef, onSnapshot func(DocumentSnapshot), onError func(error)) *Subscription
	SubscribeCollection(ctx context.Context, collection CollectionRef, onSnapshot func([]DocumentSnapshot), onError func(error)) *Subscription
}

// StoreConfig describes the dependencies of a SQLStore.
type StoreConfig struct {
	Database   *gorm.DB
	Dispatcher *Dispatcher
	// Publisher receives committed changes. Defaults to Dispatcher.
	Publisher Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// SQLStore persists documents through gorm and notifies subscribers after every commit.
type SQLStore struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	publisher  Publisher
	clock      func() time.Time
	logger     *zap.Logger
}

// NewSQLStore constructs a SQLStore.
func NewSQLStore(cfg StoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = dispatcher
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SQLStore{
		db:         cfg.Database,
		dispatcher: dispatcher,
		publisher:  publisher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Dispatcher exposes the in-process change dispatcher.
func (s *SQLStore) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Get reads a document. A missing document yields Exists=false and no error.
func (s *SQLStore) Get(ctx context.Context, ref DocumentRef) (DocumentSnapshot, error) {
	var document Document
	result := s.db.WithContext(ctx).Where(queryPath, ref.Path()).Limit(1).Find(&document)
	if result.Error != nil {
		s.logError(opGet, "query_failed", result.Error, zap.String("path", ref.Path()))
		return DocumentSnapshot{}, fmt.Errorf("%s %s: %w", opGet, ref, result.Error)
	}
	if result.RowsAffected == 0 {
		return DocumentSnapshot{Ref: ref}, nil
	}
	return document.snapshot()
}

// List reads every document directly under the collection, ordered by document id.
func (s *SQLStore) List(ctx context.Context, collection CollectionRef) ([]DocumentSnapshot, error) {
	var documents []Document
	if err := s.db.WithContext(ctx).
		Where(queryCollection, collection.Path()).
		Order(orderDocumentID).
		Find(&documents).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("collection", collection.Path()))
		return nil, fmt.Errorf("%s %s: %w", opList, collection, err)
	}
	return snapshotsOf(documents)
}

// ListUnder reads every document nested anywhere below root, ordered by path.
func (s *SQLStore) ListUnder(ctx context.Context, root CollectionRef) ([]DocumentSnapshot, error) {
	var documents []Document
	if err := s.db.WithContext(ctx).
		Where(queryPathPrefix, escapeLike(root.Path()+pathSeparator)+"%").
		Order(orderPath).
		Find(&documents).Error; err != nil {
		s.logError(opListUnder, "query_failed", err, zap.String("root", root.Path()))
		return nil, fmt.Errorf("%s %s: %w", opListUnder, root, err)
	}
	return snapshotsOf(documents)
}

func snapshotsOf(documents []Document) ([]DocumentSnapshot, error) {
	snapshots := make([]DocumentSnapshot, 0, len(documents))
	for _, document := range documents {
		snapshot, err := document.snapshot()
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}

// Set replaces the document content.
func (s *SQLStore) Set(ctx context.Context, ref DocumentRef, fields Fields) error {
	return s.mutate(ctx, opSet, ref, func(_ *Document, _ Fields) (Fields, error) {
		return fields.Clone(), nil
	})
}

// Merge writes the listed fields and leaves the others untouched. Creates the document when absent.
func (s *SQLStore) Merge(ctx context.Context, ref DocumentRef, fields Fields) error {
	return s.mutate(ctx, opMerge, ref, func(existing *Document, current Fields) (Fields, error) {
		if existing == nil {
			return fields.Clone(), nil
		}
		return mergeFields(current, fields), nil
	})
}

// Update writes the listed fields of an existing document.
func (s *SQLStore) Update(ctx context.Context, ref DocumentRef, fields Fields) error {
	return s.mutate(ctx, opUpdate, ref, func(existing *Document, current Fields) (Fields, error) {
		if existing == nil {
			return nil, ErrNotFound
		}
		return mergeFields(current, fields), nil
	})
}

// Create inserts the document only when it does not exist yet.
func (s *SQLStore) Create(ctx context.Context, ref DocumentRef, fields Fields) (bool, error) {
	encoded, err := encodeFields(fields)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", opCreate, ref, err)
	}
	now := s.clock().UTC()
	document := newDocument(ref, encoded, now)
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&document)
	if result.Error != nil {
		s.logError(opCreate, "insert_failed", result.Error, zap.String("path", ref.Path()))
		return false, fmt.Errorf("%s %s: %w", opCreate, ref, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	s.publish(ctx, document)
	return true, nil
}

// SubscribeDocument delivers the current state of the document and every newer committed state.
func (s *SQLStore) SubscribeDocument(ctx context.Context, ref DocumentRef, onSnapshot func(DocumentSnapshot), onError func(error)) *Subscription {
	delivered := false
	var lastVersion int64
	var lastExists bool
	refresh := func(refreshCtx context.Context) error {
		snapshot, err := s.Get(refreshCtx, ref)
		if err != nil {
			return err
		}
		if delivered && snapshot.Exists == lastExists && snapshot.Version <= lastVersion {
			return nil
		}
		if refreshCtx.Err() != nil {
			return nil
		}
		delivered, lastVersion, lastExists = true, snapshot.Version, snapshot.Exists
		onSnapshot(snapshot)
		return nil
	}
	return s.dispatcher.subscribe(ctx, topicDocumentPrefix+ref.Path(), refresh, onError)
}

// SubscribeCollection delivers the full collection content initially and after every change to it.
func (s *SQLStore) SubscribeCollection(ctx context.Context, collection CollectionRef, onSnapshot func([]DocumentSnapshot), onError func(error)) *Subscription {
	refresh := func(refreshCtx context.Context) error {
		snapshots, err := s.List(refreshCtx, collection)
		if err != nil {
			return err
		}
		if refreshCtx.Err() != nil {
			return nil
		}
		onSnapshot(snapshots)
		return nil
	}
	return s.dispatcher.subscribe(ctx, topicCollectionPrefix+collection.Path(), refresh, onError)
}

func (s *SQLStore) mutate(ctx context.Context, operation string, ref DocumentRef, build func(existing *Document, current Fields) (Fields, error)) error {
	var committed Document
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing Document
		var existingPtr *Document
		current := Fields{}
		lookup := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryPath, ref.Path()).
			Limit(1).
			Find(&existing)
		if lookup.Error != nil {
			return lookup.Error
		}
		if lookup.RowsAffected > 0 {
			existingPtr = &existing
			decoded, err := decodeFields(existing.FieldsJSON)
			if err != nil {
				return err
			}
			current = decoded
		}

		fields, err := build(existingPtr, current)
		if err != nil {
			return err
		}
		encoded, err := encodeFields(fields)
		if err != nil {
			return err
		}

		now := s.clock().UTC()
		committed = newDocument(ref, encoded, now)
		if existingPtr != nil {
			committed.Version = existing.Version + 1
			committed.CreatedAtSeconds = existing.CreatedAtSeconds
		}
		return transaction.Save(&committed).Error
	})
	if transactionError != nil {
		if !errors.Is(transactionError, ErrNotFound) {
			s.logError(operation, "write_failed", transactionError, zap.String("path", ref.Path()))
		}
		return fmt.Errorf("%s %s: %w", operation, ref, transactionError)
	}
	s.publish(ctx, committed)
	return nil
}

func (s *SQLStore) publish(ctx context.Context, document Document) {
	s.publisher.Publish(context.WithoutCancel(ctx), Change{
		Path:       document.Path,
		Collection: document.Collection,
		Version:    document.Version,
		Timestamp:  time.Unix(document.UpdatedAtSeconds, 0).UTC(),
	})
}

func (s *SQLStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("docstore error", attrs...)
}
