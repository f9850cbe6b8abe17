package loyalty

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies shared by the loyalty components.
type ServiceConfig struct {
	Store     docstore.Store
	Namespace string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service wires the profile manager, mirror synchronizer, ledger mutator and roster view
// over one document store and key layout.
type Service struct {
	store    docstore.Store
	layout   Layout
	clock    func() time.Time
	logger   *zap.Logger
	profiles *ProfileManager
	mirror   *MirrorSynchronizer
	ledger   *LedgerMutator
	roster   *RosterView
}

// NewService validates the configuration and constructs the components.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore, nil)
	}
	layout, err := NewLayout(cfg.Namespace)
	if err != nil {
		return nil, newServiceError(opServiceNew, "invalid_namespace", err, nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	service := &Service{
		store:  cfg.Store,
		layout: layout,
		clock:  clock,
		logger: logger,
	}
	service.profiles = &ProfileManager{store: cfg.Store, layout: layout, clock: clock, logger: logger}
	service.mirror = service.newMirror()
	service.ledger = &LedgerMutator{store: cfg.Store, layout: layout, logger: logger}
	service.roster = &RosterView{store: cfg.Store, layout: layout, logger: logger}
	return service, nil
}

// Layout returns the key layout.
func (s *Service) Layout() Layout {
	return s.layout
}

// Profiles returns the profile record manager.
func (s *Service) Profiles() *ProfileManager {
	return s.profiles
}

// Mirror returns the shared mirror synchronizer.
func (s *Service) Mirror() *MirrorSynchronizer {
	return s.mirror
}

// Ledger returns the ledger mutator.
func (s *Service) Ledger() *LedgerMutator {
	return s.ledger
}

// Roster returns the roster view.
func (s *Service) Roster() *RosterView {
	return s.roster
}

// SetAdminRole grants or revokes the admin flag of identity, creating the default profile first when
// none exists, and projects the public summary so the identity is listed on the roster.
func (s *Service) SetAdminRole(ctx context.Context, identity Identity, isAdmin bool) (PrivateProfile, error) {
	profile, _, err := s.profiles.Ensure(ctx, identity)
	if err != nil {
		return PrivateProfile{}, err
	}
	if err := s.profiles.SetAdmin(ctx, identity, isAdmin); err != nil {
		return PrivateProfile{}, err
	}
	profile.IsAdmin = isAdmin
	if err := s.mirror.Project(ctx, profile); err != nil {
		return profile, err
	}
	return profile, nil
}

// NewSession starts a session bound to provider. The session owns its own mirror state.
func (s *Service) NewSession(ctx context.Context, provider IdentityProvider) (*Session, error) {
	return newSession(ctx, SessionConfig{
		Provider: provider,
		Profiles: s.profiles,
		Mirror:   s.newMirror(),
		Ledger:   s.ledger,
		Roster:   s.roster,
		Logger:   s.logger,
	})
}

func (s *Service) newMirror() *MirrorSynchronizer {
	return &MirrorSynchronizer{
		store:  s.store,
		layout: s.layout,
		logger: s.logger,
		last:   make(map[Identity]PublicSummary),
	}
}

func logServiceError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("loyalty service error", attrs...)
}
