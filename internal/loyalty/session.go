package loyalty

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
	"go.uber.org/zap"
)

// Phase is the session-level lifecycle state.
type Phase string

const (
	PhaseUnauthenticated    Phase = "unauthenticated"
	PhaseAuthenticating     Phase = "authenticating"
	PhaseAuthFailed         Phase = "auth_failed"
	PhaseAuthenticated      Phase = "authenticated"
	PhaseProfileLoading     Phase = "profile_loading"
	PhaseProfileReady       Phase = "profile_ready"
	PhaseProfileUnavailable Phase = "profile_unavailable"
)

const sessionEventBuffer = 64

// View is an immutable snapshot of the session state.
type View struct {
	Phase    Phase
	Identity Identity
	Profile  ProfileState
	// RosterSyncing is true while the admin roster subscription is live.
	RosterSyncing bool
	Roster        []RosterEntry
	RosterErr     error
	// LastErr is the most recent non-terminal failure (auth, create, mirror).
	LastErr  error
	Revision uint64
}

// IdentityProvider issues the identity of the session.
// OnIdentityChanged reports the current identity on registration and after every change;
// an empty subject means signed out.
type IdentityProvider interface {
	SignIn(ctx context.Context, token string) (string, error)
	SignOut(ctx context.Context) error
	OnIdentityChanged(listener func(subject string)) (cancel func())
}

// SessionConfig describes the collaborators of a session.
type SessionConfig struct {
	Provider IdentityProvider
	Profiles *ProfileManager
	Mirror   *MirrorSynchronizer
	Ledger   *LedgerMutator
	Roster   *RosterView
	Logger   *zap.Logger
}

// Session binds one identity lifecycle to its profile, mirror and roster subscriptions.
//
// Every notification is applied by a single event loop goroutine. Each identity attachment gets a
// new epoch, and events tagged with an older epoch are dropped, so a late callback from a
// released subscription never reaches the view of the identity that replaced it.
type Session struct {
	provider IdentityProvider
	profiles *ProfileManager
	mirror   *MirrorSynchronizer
	ledger   *LedgerMutator
	roster   *RosterView
	logger   *zap.Logger

	ctx                  context.Context
	cancel               context.CancelFunc
	events               chan any
	loopDone             chan struct{}
	closeOnce            sync.Once
	stopIdentityListener func()

	epoch atomic.Uint64

	mu          sync.RWMutex
	view        View
	watchers    map[int64]chan View
	nextWatcher int64

	// owned by the event loop
	current             View
	profileSubscription *docstore.Subscription
	rosterSubscription  *docstore.Subscription
	rosterEpoch         uint64
	rosterFailed        bool
}

type authStartedEvent struct{}

type authFailedEvent struct {
	err error
}

type identityChangedEvent struct {
	subject string
}

type profileStateEvent struct {
	epoch uint64
	state ProfileState
}

type mirrorFailedEvent struct {
	epoch uint64
	err   error
}

type rosterEvent struct {
	epoch       uint64
	rosterEpoch uint64
	entries     []RosterEntry
}

type rosterFailedEvent struct {
	epoch       uint64
	rosterEpoch uint64
	err         error
}

func newSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Provider == nil {
		return nil, newServiceError(opSessionSignIn, "missing_provider", errMissingProvider, nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	initial := View{Phase: PhaseUnauthenticated}
	session := &Session{
		provider: cfg.Provider,
		profiles: cfg.Profiles,
		mirror:   cfg.Mirror,
		ledger:   cfg.Ledger,
		roster:   cfg.Roster,
		logger:   logger,
		ctx:      sessionCtx,
		cancel:   cancel,
		events:   make(chan any, sessionEventBuffer),
		loopDone: make(chan struct{}),
		view:     initial,
		current:  initial,
		watchers: make(map[int64]chan View),
	}
	go session.run()
	session.stopIdentityListener = cfg.Provider.OnIdentityChanged(func(subject string) {
		session.post(identityChangedEvent{subject: subject})
	})
	return session, nil
}

// SignIn authenticates with token, or anonymously when token is empty.
// The profile attaches asynchronously once the provider reports the identity.
func (s *Session) SignIn(ctx context.Context, token string) (Identity, error) {
	s.post(authStartedEvent{})
	subject, err := s.provider.SignIn(ctx, token)
	if err != nil {
		wrapped := newServiceError(opSessionSignIn, "provider_rejected", ErrIdentity, err)
		s.logger.Warn("sign in failed", zap.Error(err))
		s.post(authFailedEvent{err: wrapped})
		return "", wrapped
	}
	identity, err := NewIdentity(subject)
	if err != nil {
		return "", newServiceError(opSessionSignIn, "invalid_identity", ErrIdentity, err)
	}
	return identity, nil
}

// SignOut ends the identity; every subscription of the session is released.
func (s *Session) SignOut(ctx context.Context) error {
	if err := s.provider.SignOut(ctx); err != nil {
		return newServiceError(opSessionSignOut, "provider_failed", ErrIdentity, err)
	}
	return nil
}

// View returns the latest published state.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Watch streams published views, starting with the current one. Slow readers only miss
// intermediate views, never the newest. The channel closes when ctx ends or the session closes.
func (s *Session) Watch(ctx context.Context) <-chan View {
	stream := make(chan View, 1)
	s.mu.Lock()
	s.nextWatcher++
	watcherID := s.nextWatcher
	stream <- s.view
	s.watchers[watcherID] = stream
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.loopDone:
		}
		s.mu.Lock()
		if _, ok := s.watchers[watcherID]; ok {
			delete(s.watchers, watcherID)
			close(stream)
		}
		s.mu.Unlock()
	}()
	return stream
}

// Await blocks until a published view satisfies predicate.
func (s *Session) Await(ctx context.Context, predicate func(View) bool) (View, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream := s.Watch(watchCtx)
	for {
		select {
		case <-ctx.Done():
			return s.View(), ctx.Err()
		case view, ok := <-stream:
			if !ok {
				return s.View(), errSessionClosed
			}
			if predicate(view) {
				return view, nil
			}
		}
	}
}

// Adjust applies delta to target's balance, using the target's points from the held roster
// as the current value. Only admin sessions may adjust.
func (s *Session) Adjust(ctx context.Context, target Identity, delta int64) (int64, error) {
	view := s.View()
	if view.Phase != PhaseProfileReady || !view.Profile.Profile.IsAdmin {
		return 0, newServiceError(opSessionAdjust, "not_admin", ErrNotAdmin, nil)
	}
	for _, entry := range view.Roster {
		if entry.Key == target.String() {
			return s.ledger.Adjust(ctx, target, entry.Summary.Points, delta)
		}
	}
	return 0, newServiceError(opSessionAdjust, "unknown_target", ErrUnknownTarget, nil)
}

// Close releases every subscription and stops the event loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.stopIdentityListener != nil {
			s.stopIdentityListener()
		}
		<-s.loopDone
	})
}

func (s *Session) post(event any) {
	select {
	case s.events <- event:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			s.detach()
			return
		case event := <-s.events:
			if s.apply(event) {
				s.publish()
			}
		}
	}
}

func (s *Session) apply(event any) bool {
	switch typed := event.(type) {
	case authStartedEvent:
		if s.current.Identity != "" {
			return false
		}
		s.current.Phase = PhaseAuthenticating
		s.current.LastErr = nil
		return true
	case authFailedEvent:
		s.current.LastErr = typed.err
		if s.current.Identity == "" {
			s.current.Phase = PhaseAuthFailed
		}
		return true
	case identityChangedEvent:
		return s.applyIdentity(typed.subject)
	case profileStateEvent:
		if typed.epoch != s.epoch.Load() {
			return false
		}
		return s.applyProfileState(typed.state)
	case mirrorFailedEvent:
		if typed.epoch != s.epoch.Load() {
			return false
		}
		s.current.LastErr = typed.err
		return true
	case rosterEvent:
		if !s.rosterIsCurrent(typed.epoch, typed.rosterEpoch) {
			return false
		}
		s.current.Roster = typed.entries
		return true
	case rosterFailedEvent:
		if !s.rosterIsCurrent(typed.epoch, typed.rosterEpoch) {
			return false
		}
		s.stopRoster()
		s.rosterFailed = true
		s.current.RosterErr = typed.err
		return true
	default:
		return false
	}
}

func (s *Session) applyIdentity(subject string) bool {
	if subject == "" {
		if s.current.Identity == "" {
			return false
		}
		s.logger.Info("session signed out", zap.String("identity", s.current.Identity.String()))
		s.detach()
		s.current = View{Phase: PhaseUnauthenticated}
		return true
	}

	identity, err := NewIdentity(subject)
	if err != nil {
		s.detach()
		s.current = View{
			Phase:   PhaseAuthFailed,
			LastErr: newServiceError(opSessionSignIn, "invalid_identity", ErrIdentity, err),
		}
		return true
	}
	if identity == s.current.Identity {
		return false
	}

	s.detach()
	epoch := s.epoch.Add(1)
	s.current = View{
		Phase:    PhaseAuthenticated,
		Identity: identity,
		Profile:  ProfileState{Phase: ProfileLoading},
	}
	subscription, err := s.profiles.Watch(s.ctx, identity, s.profileListener(epoch))
	if err != nil {
		s.current.Phase = PhaseProfileUnavailable
		s.current.Profile = ProfileState{Phase: ProfileUnavailable, Err: err}
		s.current.LastErr = err
		return true
	}
	s.profileSubscription = subscription
	s.current.Phase = PhaseProfileLoading
	s.logger.Info("session attached", zap.String("identity", identity.String()))
	return true
}

// profileListener runs on the profile subscription goroutine. It forwards the state to the loop
// and mirrors usable profiles from the same goroutine, so mirror writes follow snapshot order.
func (s *Session) profileListener(epoch uint64) func(ProfileState) {
	return func(state ProfileState) {
		s.post(profileStateEvent{epoch: epoch, state: state})
		if !state.HasProfile() || state.Err != nil || s.epoch.Load() != epoch {
			return
		}
		if _, err := s.mirror.Sync(s.ctx, state.Profile); err != nil && s.ctx.Err() == nil {
			s.post(mirrorFailedEvent{epoch: epoch, err: err})
		}
	}
}

func (s *Session) applyProfileState(state ProfileState) bool {
	s.current.Profile = state
	switch state.Phase {
	case ProfileUnavailable:
		s.current.Phase = PhaseProfileUnavailable
		s.current.LastErr = state.Err
		if s.profileSubscription != nil {
			s.profileSubscription.Cancel()
			s.profileSubscription = nil
		}
	case ProfilePending, ProfileConfirmed:
		s.current.Phase = PhaseProfileReady
		if state.Err != nil {
			s.current.LastErr = state.Err
		}
	}
	s.updateRosterGate()
	return true
}

func (s *Session) updateRosterGate() {
	isAdmin := s.current.Phase == PhaseProfileReady && s.current.Profile.Profile.IsAdmin
	if !isAdmin {
		s.stopRoster()
		s.rosterFailed = false
		return
	}
	if s.rosterSubscription != nil || s.rosterFailed {
		return
	}

	s.rosterEpoch++
	epoch, rosterEpoch := s.epoch.Load(), s.rosterEpoch
	s.rosterSubscription = s.roster.Watch(s.ctx, func(entries []RosterEntry) {
		s.post(rosterEvent{epoch: epoch, rosterEpoch: rosterEpoch, entries: entries})
	}, func(err error) {
		s.post(rosterFailedEvent{epoch: epoch, rosterEpoch: rosterEpoch, err: err})
	})
	s.current.RosterSyncing = true
	s.current.RosterErr = nil
}

func (s *Session) rosterIsCurrent(epoch, rosterEpoch uint64) bool {
	return epoch == s.epoch.Load() && rosterEpoch == s.rosterEpoch && s.rosterSubscription != nil
}

func (s *Session) stopRoster() {
	if s.rosterSubscription != nil {
		s.rosterSubscription.Cancel()
		s.rosterSubscription = nil
	}
	s.rosterEpoch++
	s.current.RosterSyncing = false
	s.current.Roster = nil
}

func (s *Session) detach() {
	s.epoch.Add(1)
	if s.profileSubscription != nil {
		s.profileSubscription.Cancel()
		s.profileSubscription = nil
	}
	s.stopRoster()
	s.rosterFailed = false
	if s.current.Identity != "" {
		s.mirror.Forget(s.current.Identity)
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Revision = s.view.Revision + 1
	s.view = s.current
	for _, stream := range s.watchers {
		offerView(stream, s.view)
	}
}

// offerView replaces any unread view in stream with view. Callers hold the session lock.
func offerView(stream chan View, view View) {
	select {
	case stream <- view:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	select {
	case stream <- view:
	default:
	}
}
