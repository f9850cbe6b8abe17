package loyalty

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
	"go.uber.org/zap"
)

// ProfilePhase distinguishes an optimistic local guess from a server-confirmed value.
type ProfilePhase string

const (
	// ProfileLoading means no callback has arrived yet.
	ProfileLoading ProfilePhase = "loading"
	// ProfilePending holds a locally synthesized default whose create has not round-tripped.
	ProfilePending ProfilePhase = "pending"
	// ProfileConfirmed holds the latest snapshot delivered by the store.
	ProfileConfirmed ProfilePhase = "confirmed"
	// ProfileUnavailable is terminal: the subscription failed and will not be retried.
	ProfileUnavailable ProfilePhase = "unavailable"
)

// ProfileState is the value exposed by the profile manager.
type ProfileState struct {
	Phase   ProfilePhase
	Profile PrivateProfile
	// Err is set for Unavailable, and for Pending when the conditional create failed.
	Err error
}

// HasProfile reports whether Profile holds a usable value.
func (s ProfileState) HasProfile() bool {
	return s.Phase == ProfilePending || s.Phase == ProfileConfirmed
}

// ProfileManager owns the private profile records.
type ProfileManager struct {
	store  docstore.Store
	layout Layout
	clock  func() time.Time
	logger *zap.Logger
}

// Watch subscribes to the private profile of identity and reports every state change to onState.
// On the first callback without a record it adopts DefaultProfile as Pending and issues one
// conditional create; later snapshots replace the state verbatim.
func (m *ProfileManager) Watch(ctx context.Context, identity Identity, onState func(ProfileState)) (*docstore.Subscription, error) {
	ref, err := m.layout.ProfileRef(identity)
	if err != nil {
		return nil, newServiceError(opProfileWatch, "invalid_ref", ErrInvalidIdentity, err)
	}

	createdForAbsence := false
	onSnapshot := func(snapshot docstore.DocumentSnapshot) {
		if snapshot.Exists {
			createdForAbsence = false
			onState(ProfileState{
				Phase:   ProfileConfirmed,
				Profile: profileFromFields(identity, snapshot.Fields),
			})
			return
		}
		if createdForAbsence {
			return
		}
		createdForAbsence = true

		fallback := DefaultProfile(identity, m.clock())
		onState(ProfileState{Phase: ProfilePending, Profile: fallback})
		if _, err := m.store.Create(ctx, ref, fallback.fields()); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logError(opProfileWatch, "create_failed", err, zap.String("identity", identity.String()))
			onState(ProfileState{
				Phase:   ProfilePending,
				Profile: fallback,
				Err:     newServiceError(opProfileWatch, "create_failed", ErrWrite, err),
			})
		}
	}
	onError := func(err error) {
		m.logError(opProfileWatch, "subscription_failed", err, zap.String("identity", identity.String()))
		onState(ProfileState{
			Phase: ProfileUnavailable,
			Err:   newServiceError(opProfileWatch, "subscription_failed", ErrSubscription, err),
		})
	}

	return m.store.SubscribeDocument(ctx, ref, onSnapshot, onError), nil
}

// Ensure returns the private profile of identity, creating the default record when absent.
// An existing record is never modified. created reports whether this call inserted it.
func (m *ProfileManager) Ensure(ctx context.Context, identity Identity) (PrivateProfile, bool, error) {
	ref, err := m.layout.ProfileRef(identity)
	if err != nil {
		return PrivateProfile{}, false, newServiceError(opProfileEnsure, "invalid_ref", ErrInvalidIdentity, err)
	}

	snapshot, err := m.store.Get(ctx, ref)
	if err != nil {
		m.logError(opProfileEnsure, "read_failed", err, zap.String("identity", identity.String()))
		return PrivateProfile{}, false, newServiceError(opProfileEnsure, "read_failed", ErrRead, err)
	}
	if snapshot.Exists {
		return profileFromFields(identity, snapshot.Fields), false, nil
	}

	fallback := DefaultProfile(identity, m.clock())
	created, err := m.store.Create(ctx, ref, fallback.fields())
	if err != nil {
		m.logError(opProfileEnsure, "create_failed", err, zap.String("identity", identity.String()))
		return PrivateProfile{}, false, newServiceError(opProfileEnsure, "create_failed", ErrWrite, err)
	}
	if created {
		m.logger.Info("profile created", zap.String("identity", identity.String()))
		return fallback, true, nil
	}

	// Another writer created the record between the read and the create.
	snapshot, err = m.store.Get(ctx, ref)
	if err != nil {
		return PrivateProfile{}, false, newServiceError(opProfileEnsure, "read_failed", ErrRead, err)
	}
	return profileFromFields(identity, snapshot.Fields), false, nil
}

// SetAdmin flips the admin flag on an existing private profile.
func (m *ProfileManager) SetAdmin(ctx context.Context, identity Identity, isAdmin bool) error {
	ref, err := m.layout.ProfileRef(identity)
	if err != nil {
		return newServiceError(opProfileSetAdmin, "invalid_ref", ErrInvalidIdentity, err)
	}
	if err := m.store.Update(ctx, ref, docstore.Fields{fieldIsAdmin: isAdmin}); err != nil {
		m.logError(opProfileSetAdmin, "update_failed", err, zap.String("identity", identity.String()))
		return newServiceError(opProfileSetAdmin, "update_failed", ErrWrite, err)
	}
	m.logger.Info("admin flag updated", zap.String("identity", identity.String()), zap.Bool("is_admin", isAdmin))
	return nil
}

func (m *ProfileManager) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(m.logger, operation, reason, err, fields...)
}
