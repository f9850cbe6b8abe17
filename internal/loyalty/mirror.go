package loyalty

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
	"go.uber.org/zap"
)

// MirrorSynchronizer projects private profiles into their public summaries.
// Writes are merge writes without a prior read; the store orders concurrent writers.
type MirrorSynchronizer struct {
	store  docstore.Store
	layout Layout
	logger *zap.Logger

	mu   sync.Mutex
	last map[Identity]PublicSummary
}

// Sync writes the projection of profile unless it equals the last projection this synchronizer
// wrote for the identity. wrote reports whether a write happened. A failed write is not recorded,
// so the next observation of the profile writes again.
func (s *MirrorSynchronizer) Sync(ctx context.Context, profile PrivateProfile) (bool, error) {
	summary := profile.Summary()

	s.mu.Lock()
	previous, seen := s.last[profile.Identity]
	s.mu.Unlock()
	if seen && previous == summary {
		return false, nil
	}

	if err := s.project(ctx, opMirrorSync, summary); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.last[profile.Identity] = summary
	s.mu.Unlock()
	return true, nil
}

// Project writes the projection of profile unconditionally.
func (s *MirrorSynchronizer) Project(ctx context.Context, profile PrivateProfile) error {
	return s.project(ctx, opMirrorSync, profile.Summary())
}

// Forget drops the remembered projection so the next Sync for identity always writes.
func (s *MirrorSynchronizer) Forget(identity Identity) {
	s.mu.Lock()
	delete(s.last, identity)
	s.mu.Unlock()
}

// Reconcile re-derives the public summary of identity from its private profile.
func (s *MirrorSynchronizer) Reconcile(ctx context.Context, identity Identity) (PublicSummary, error) {
	ref, err := s.layout.ProfileRef(identity)
	if err != nil {
		return PublicSummary{}, newServiceError(opMirrorReconcile, "invalid_ref", ErrInvalidIdentity, err)
	}
	snapshot, err := s.store.Get(ctx, ref)
	if err != nil {
		s.logError(opMirrorReconcile, "read_failed", err, zap.String("identity", identity.String()))
		return PublicSummary{}, newServiceError(opMirrorReconcile, "read_failed", ErrRead, err)
	}
	if !snapshot.Exists {
		return PublicSummary{}, newServiceError(opMirrorReconcile, "profile_missing", ErrRead, docstore.ErrNotFound)
	}
	summary := profileFromFields(identity, snapshot.Fields).Summary()
	if err := s.project(ctx, opMirrorReconcile, summary); err != nil {
		return PublicSummary{}, err
	}
	s.Forget(identity)
	return summary, nil
}

// ReconcileAll re-derives the public summary of every stored private profile, including profiles
// whose summary was never written. It keeps going past individual failures and returns how many
// summaries were rewritten together with the joined errors.
func (s *MirrorSynchronizer) ReconcileAll(ctx context.Context) (int, error) {
	snapshots, err := s.store.ListUnder(ctx, s.layout.UsersCollection())
	if err != nil {
		s.logError(opMirrorReconcile, "list_failed", err)
		return 0, newServiceError(opMirrorReconcile, "list_failed", ErrRead, err)
	}

	reconciled := 0
	var failures []error
	for _, snapshot := range snapshots {
		identity, ok := s.layout.IdentityOfProfile(snapshot.Ref)
		if !ok || !snapshot.Exists {
			continue
		}
		if err := s.project(ctx, opMirrorReconcile, profileFromFields(identity, snapshot.Fields).Summary()); err != nil {
			failures = append(failures, err)
			continue
		}
		s.Forget(identity)
		reconciled++
	}
	return reconciled, errors.Join(failures...)
}

func (s *MirrorSynchronizer) project(ctx context.Context, operation string, summary PublicSummary) error {
	ref, err := s.layout.SummaryRef(summary.Identity)
	if err != nil {
		return newServiceError(operation, "invalid_ref", ErrInvalidIdentity, err)
	}
	if err := s.store.Merge(ctx, ref, summary.fields()); err != nil {
		s.logError(operation, "merge_failed", err, zap.String("identity", summary.Identity.String()))
		return newServiceError(operation, "merge_failed", ErrWrite, err)
	}
	return nil
}

func (s *MirrorSynchronizer) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(s.logger, operation, reason, err, fields...)
}
