package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/storefront-go/identity"
	"github.com/ggoodman/storefront-go/internal/logctx"
	"github.com/ggoodman/storefront-go/metrics"
	"github.com/ggoodman/storefront-go/notice"
	"github.com/ggoodman/storefront-go/storage"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultOpTimeout bounds initialization and sign-in.
	DefaultOpTimeout = 30 * time.Second
	// DefaultSignInPath is the redirect target attached to revocation notices.
	DefaultSignInPath = "/login"
)

// SignedInFunc observes a confirmed sign-in. It is called after the session
// is committed, both for local sign-ins and for sign-in events confirming
// the current user again. ctx carries the holder's op timeout.
type SignedInFunc func(ctx context.Context, st State)

// SignedOutFunc observes a cleared session.
type SignedOutFunc func(ctx context.Context, st State)

// Option configures a Holder.
type Option func(*Holder)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(h *Holder) { h.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) Option {
	return func(h *Holder) { h.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Holder) { h.now = now }
}

// WithOpTimeout overrides DefaultOpTimeout.
func WithOpTimeout(d time.Duration) Option {
	return func(h *Holder) {
		if d > 0 {
			h.opTimeout = d
		}
	}
}

// WithPublisher makes the Holder announce its own transitions (sign-in,
// sign-out, refresh) to other processes.
func WithPublisher(p identity.EventPublisher) Option {
	return func(h *Holder) { h.publisher = p }
}

// WithNotices routes user-visible notices to bus.
func WithNotices(bus *notice.Bus) Option {
	return func(h *Holder) { h.notices = bus }
}

// WithSignInPath overrides DefaultSignInPath.
func WithSignInPath(path string) Option {
	return func(h *Holder) { h.signInPath = path }
}

// Holder owns the session state for one process.
type Holder struct {
	provider   identity.Provider
	store      *storage.Scope
	publisher  identity.EventPublisher
	notices    *notice.Bus
	log        *slog.Logger
	metrics    metrics.Sink
	now        func() time.Time
	opTimeout  time.Duration
	signInPath string

	busy    atomic.Bool
	refresh singleflight.Group

	mu    sync.RWMutex
	state State

	// notifyMu is taken before mu is released so subscribers observe
	// commits in order.
	notifyMu sync.Mutex

	hooksMu   sync.Mutex
	subs      map[int]func(State)
	nextSub   int
	signedIn  []SignedInFunc
	signedOut []SignedOutFunc

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHolder returns a Holder in the Uninitialized state.
func NewHolder(provider identity.Provider, store *storage.Scope, opts ...Option) (*Holder, error) {
	if provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	h := &Holder{
		provider:   provider,
		store:      store,
		log:        slog.New(slog.DiscardHandler),
		metrics:    metrics.Nop{},
		now:        time.Now,
		opTimeout:  DefaultOpTimeout,
		signInPath: DefaultSignInPath,
		state:      State{Status: StatusUninitialized},
		subs:       make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.notices == nil {
		h.notices = notice.NewBus(16, h.log)
	}
	h.bg, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// Close stops background profile fetches and waits for them.
func (h *Holder) Close() {
	h.cancel()
	h.wg.Wait()
}

// State returns the current snapshot.
func (h *Holder) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Notices returns the channel user-visible notices are delivered on.
func (h *Holder) Notices() <-chan notice.Notice {
	return h.notices.C()
}

// Subscribe calls fn with every committed state, in commit order. fn must not
// call mutating Holder methods. The returned function unsubscribes.
func (h *Holder) Subscribe(fn func(State)) func() {
	h.hooksMu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.hooksMu.Unlock()
	return func() {
		h.hooksMu.Lock()
		delete(h.subs, id)
		h.hooksMu.Unlock()
	}
}

// OnSignedIn registers fn to run after every confirmed sign-in.
func (h *Holder) OnSignedIn(fn SignedInFunc) {
	h.hooksMu.Lock()
	h.signedIn = append(h.signedIn, fn)
	h.hooksMu.Unlock()
}

// OnSignedOut registers fn to run after every session clear.
func (h *Holder) OnSignedOut(fn SignedOutFunc) {
	h.hooksMu.Lock()
	h.signedOut = append(h.signedOut, fn)
	h.hooksMu.Unlock()
}

func (h *Holder) begin(ctx context.Context, op string) bool {
	if h.busy.CompareAndSwap(false, true) {
		return true
	}
	h.metrics.IncCounter(metrics.SessionOpRejected, map[string]string{"op": op})
	h.log.InfoContext(ctx, "session.op.rejected", slog.String("op", op))
	return false
}

func (h *Holder) end() { h.busy.Store(false) }

func (h *Holder) logCtx(ctx context.Context, st State) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		UserID:     st.UserID(),
		Generation: st.Generation,
		Status:     string(st.Status),
	})
}

// apply reduces the events plan returns for the current state, commits the
// result, persists it and notifies subscribers. A nil plan result is a no-op.
// Nothing is committed if any event is rejected.
func (h *Holder) apply(ctx context.Context, plan func(cur State) []Event) (State, error) {
	h.mu.Lock()
	prev := h.state
	events := plan(prev)
	if len(events) == 0 {
		h.mu.Unlock()
		return prev, nil
	}

	next := prev
	now := h.now()
	for _, ev := range events {
		var err error
		if next, err = Reduce(next, ev, now); err != nil {
			h.mu.Unlock()
			return prev, err
		}
	}
	h.state = next

	if projectionChanged(prev, next) {
		if err := save(ctx, h.store, next); err != nil {
			h.metrics.IncCounter(metrics.SessionPersistFail, nil)
			h.log.WarnContext(h.logCtx(ctx, next), "session.persist.fail", slog.String("err", err.Error()))
		}
	}

	h.notifyMu.Lock()
	h.mu.Unlock()
	defer h.notifyMu.Unlock()

	if prev.Status != next.Status {
		h.metrics.IncCounter(metrics.SessionTransitions, map[string]string{"from": string(prev.Status), "to": string(next.Status)})
		h.log.InfoContext(h.logCtx(ctx, next), "session.transition", slog.String("from", string(prev.Status)))
	}

	h.hooksMu.Lock()
	subs := make([]func(State), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.hooksMu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
	return next, nil
}

func projectionChanged(prev, next State) bool {
	return prev.Generation != next.Generation || !reflect.DeepEqual(projectionOf(prev), projectionOf(next))
}

// fireSignedIn runs the sign-in hooks under one op timeout. Hooks may run
// while the in-flight guard is held, so they must honor ctx.
func (h *Holder) fireSignedIn(ctx context.Context, st State) {
	h.hooksMu.Lock()
	fns := append([]SignedInFunc(nil), h.signedIn...)
	h.hooksMu.Unlock()
	if len(fns) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	for _, fn := range fns {
		fn(ctx, st)
	}
}

func (h *Holder) fireSignedOut(ctx context.Context, st State) {
	h.hooksMu.Lock()
	fns := append([]SignedOutFunc(nil), h.signedOut...)
	h.hooksMu.Unlock()
	if len(fns) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	for _, fn := range fns {
		fn(ctx, st)
	}
}

func (h *Holder) emit(ctx context.Context, ev identity.Event) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Emit(ctx, ev); err != nil {
		h.log.WarnContext(ctx, "session.event.publish.fail", slog.String("event", string(ev.Kind)), slog.String("err", err.Error()))
	}
}

func sessionState(s *identity.Session) (User, Credential) {
	return User{ID: s.User.ID, Email: s.User.Email},
		Credential{AccessToken: s.AccessToken, RefreshToken: s.RefreshToken, ExpiresAt: s.ExpiresAt}
}

// Initialize restores the session from the store or the provider. Provider
// failures and timeouts resolve to Unauthenticated; the only errors returned
// are ErrAlreadyInitialized and ErrOperationInProgress.
func (h *Holder) Initialize(ctx context.Context) (State, error) {
	if !h.begin(ctx, "initialize") {
		return h.State(), ErrOperationInProgress
	}
	defer h.end()

	if h.State().Status != StatusUninitialized {
		return h.State(), ErrAlreadyInitialized
	}

	start := h.now()
	opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()

	ev, fresh := h.resolveInitial(opCtx)
	st, err := h.apply(ctx, func(State) []Event { return []Event{ev} })
	if err != nil {
		return h.State(), fmt.Errorf("session: initialize: %w", err)
	}
	h.metrics.ObserveHistogram(metrics.SessionOpDuration, time.Since(start).Seconds(), map[string]string{"op": "initialize"})

	if st.Status == StatusAuthenticated {
		h.fetchProfile(st)
		if fresh {
			h.emit(ctx, identity.Event{Kind: identity.EventSignedIn, Session: h.toIdentity(st), Generation: st.Generation})
			h.fireSignedIn(ctx, st)
		}
	}
	return st, nil
}

// resolveInitial decides the Initialized event. fresh reports whether the
// session came from the provider rather than the store.
func (h *Holder) resolveInitial(ctx context.Context) (Initialized, bool) {
	proj, gen, err := load(ctx, h.store)
	if err != nil {
		h.log.WarnContext(ctx, "session.restore.fail", slog.String("err", err.Error()))
	}

	if proj != nil {
		cred := proj.credential()
		if !cred.Expired(h.now()) {
			return Initialized{User: &proj.User, Credential: &cred, Generation: gen}, false
		}
		s, err := h.provider.RefreshSession(ctx, proj.RefreshToken)
		if err != nil || s == nil {
			h.log.InfoContext(ctx, "session.restore.refresh.fail", slog.Any("err", err))
			return Initialized{Generation: gen}, false
		}
		u, c := sessionState(s)
		return Initialized{User: &u, Credential: &c, Generation: gen}, false
	}

	s, err := h.provider.GetSession(ctx)
	if err != nil {
		h.log.WarnContext(ctx, "session.provider.unreachable", slog.String("err", err.Error()))
		return Initialized{Generation: gen}, false
	}
	if s == nil || s.Expired(h.now()) {
		return Initialized{Generation: gen}, false
	}
	u, c := sessionState(s)
	return Initialized{User: &u, Credential: &c, Generation: gen + 1}, true
}

// SignIn exchanges credentials with the provider. On failure the prior
// session is left untouched and an *AuthError is returned.
func (h *Holder) SignIn(ctx context.Context, email, password string) (State, error) {
	return h.authenticate(ctx, "sign_in", func(ctx context.Context) (*identity.Session, error) {
		return h.provider.SignInWithPassword(ctx, email, password)
	})
}

// SignUp creates an account and, when the provider returns a session right
// away, signs in. Without a session the state stays Unauthenticated.
func (h *Holder) SignUp(ctx context.Context, email, password string, opts identity.SignUpOptions) (State, error) {
	return h.authenticate(ctx, "sign_up", func(ctx context.Context) (*identity.Session, error) {
		return h.provider.SignUpWithPassword(ctx, email, password, opts)
	})
}

func (h *Holder) authenticate(ctx context.Context, op string, call func(context.Context) (*identity.Session, error)) (State, error) {
	if !h.begin(ctx, op) {
		return h.State(), ErrOperationInProgress
	}
	defer h.end()

	ctx = logctx.WithOpData(ctx, &logctx.OpData{Name: op})
	start := h.now()
	defer func() {
		h.metrics.ObserveHistogram(metrics.SessionOpDuration, time.Since(start).Seconds(), map[string]string{"op": op})
	}()

	prior := h.State()
	switch prior.Status {
	case StatusUninitialized:
		return prior, ErrNotInitialized
	case StatusUnauthenticated:
		if _, err := h.apply(ctx, func(State) []Event { return []Event{SignInStarted{}} }); err != nil {
			return h.State(), err
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()

	s, err := call(opCtx)
	if err != nil || s == nil {
		h.abandonAttempt(ctx)
		if err == nil {
			h.log.InfoContext(ctx, "session.sign_up.pending_confirmation")
			return h.State(), nil
		}
		aerr := classify(opCtx, err)
		h.log.InfoContext(h.logCtx(ctx, prior), "session.authenticate.fail", slog.String("kind", aerr.Kind.Error()), slog.String("err", err.Error()))
		return h.State(), aerr
	}

	st, err := h.establish(ctx, s, 0)
	if err != nil {
		return h.State(), err
	}
	h.emit(ctx, identity.Event{Kind: identity.EventSignedIn, Session: s, Generation: st.Generation})
	h.fireSignedIn(ctx, st)
	return st, nil
}

// abandonAttempt returns an Authenticating session to Unauthenticated. A
// session established meanwhile (by another process) is left alone.
func (h *Holder) abandonAttempt(ctx context.Context) {
	_, _ = h.apply(ctx, func(cur State) []Event {
		if cur.Status != StatusAuthenticating {
			return nil
		}
		return []Event{SignInFailed{}}
	})
}

func classify(ctx context.Context, err error) *AuthError {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		return &AuthError{Kind: ErrInvalidCredentials, Err: err}
	case errors.Is(err, identity.ErrNetwork), errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		return &AuthError{Kind: ErrNetwork, Err: err}
	default:
		return &AuthError{Kind: ErrUnknown, Err: err}
	}
}

// establish commits s as the current session, replacing any other, and
// starts the profile fetch.
func (h *Holder) establish(ctx context.Context, s *identity.Session, minGen uint64) (State, error) {
	u, c := sessionState(s)
	st, err := h.apply(ctx, func(cur State) []Event {
		succeeded := SignInSucceeded{User: u, Credential: c, MinGeneration: minGen}
		switch cur.Status {
		case StatusAuthenticated:
			return []Event{SignedOut{}, SignInStarted{}, succeeded}
		case StatusUnauthenticated:
			return []Event{SignInStarted{}, succeeded}
		default:
			return []Event{succeeded}
		}
	})
	if err != nil {
		return st, err
	}
	h.fetchProfile(st)
	return st, nil
}

// SignOut clears the session and its persisted projection. Provider sign-out
// is best effort. The cart is not touched.
func (h *Holder) SignOut(ctx context.Context) (State, error) {
	if !h.begin(ctx, "sign_out") {
		return h.State(), ErrOperationInProgress
	}
	defer h.end()

	prior := h.State()
	switch prior.Status {
	case StatusUninitialized:
		return prior, ErrNotInitialized
	case StatusUnauthenticated:
		return prior, nil
	}

	st, err := h.apply(ctx, func(cur State) []Event {
		if cur.Status != StatusAuthenticated {
			return nil
		}
		return []Event{SignedOut{}}
	})
	if err != nil {
		return st, err
	}

	if prior.Credential != nil {
		opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
		if err := h.provider.SignOut(opCtx, prior.Credential.AccessToken); err != nil {
			h.log.InfoContext(h.logCtx(ctx, st), "session.provider.sign_out.fail", slog.String("err", err.Error()))
		}
		cancel()
	}

	h.emit(ctx, identity.Event{Kind: identity.EventSignedOut, Generation: st.Generation})
	h.fireSignedOut(ctx, st)
	return st, nil
}

// OnCredentialRefreshed replaces the credential of userID's session. It
// returns ErrStaleEvent when generation is older than the current one, the
// user differs, or no session is established.
func (h *Holder) OnCredentialRefreshed(ctx context.Context, userID string, cred Credential, generation uint64) error {
	_, err := h.apply(ctx, func(cur State) []Event {
		return []Event{CredentialRefreshed{UserID: userID, Credential: cred, Generation: generation}}
	})
	if errors.Is(err, ErrInvalidTransition) {
		return fmt.Errorf("%w: no established session", ErrStaleEvent)
	}
	return err
}

// OnRevoked clears the session exactly as SignOut does, without calling the
// provider, and publishes a notice redirecting to the sign-in surface.
func (h *Holder) OnRevoked(ctx context.Context) error {
	st, cleared, err := h.clearIfAuthenticated(ctx, Revoked{})
	if err != nil || !cleared {
		return err
	}
	h.notices.Publish(notice.Notice{
		Kind:     notice.SessionRevoked,
		Message:  "Your session has ended. Please sign in again.",
		Redirect: h.signInPath,
		At:       h.now(),
	})
	h.fireSignedOut(ctx, st)
	return nil
}

// OnRefreshFailed clears the session a failed refresh was started under.
func (h *Holder) OnRefreshFailed(ctx context.Context, generation uint64) error {
	st, cleared, err := h.clearIfAuthenticated(ctx, RefreshFailed{Generation: generation})
	if err != nil || !cleared {
		return err
	}
	h.notices.Publish(notice.Notice{
		Kind:     notice.SessionExpired,
		Message:  "Your session expired. Please sign in again.",
		Redirect: h.signInPath,
		At:       h.now(),
	})
	h.fireSignedOut(ctx, st)
	return nil
}

// OnExternalSignIn applies a sign-in observed on the event channel. The same
// user re-confirmed only refreshes the credential if newer, but still runs
// sign-in hooks so pending follow-up work (reconciliation) can retry.
func (h *Holder) OnExternalSignIn(ctx context.Context, s *identity.Session, generation uint64) error {
	if s == nil || s.User.ID == "" {
		return fmt.Errorf("%w: sign-in event without session", ErrStaleEvent)
	}
	cur := h.State()
	switch {
	case cur.Status == StatusUninitialized:
		return ErrNotInitialized
	case generation != 0 && generation < cur.Generation:
		return fmt.Errorf("%w: sign-in from generation %d, current %d", ErrStaleEvent, generation, cur.Generation)
	}

	if cur.Status == StatusAuthenticated && cur.UserID() == s.User.ID {
		if s.ExpiresAt.After(cur.Credential.ExpiresAt) {
			_, c := sessionState(s)
			if err := h.OnCredentialRefreshed(ctx, s.User.ID, c, 0); err != nil {
				return err
			}
		}
		h.fireSignedIn(ctx, h.State())
		return nil
	}

	if s.Expired(h.now()) {
		return fmt.Errorf("%w: sign-in event with expired credential", ErrStaleEvent)
	}
	st, err := h.establish(ctx, s, generation)
	if err != nil {
		return err
	}
	h.fireSignedIn(ctx, st)
	return nil
}

// OnExternalSignOut clears the session after a sign-out observed on the
// event channel.
func (h *Holder) OnExternalSignOut(ctx context.Context, generation uint64) error {
	st, cleared, err := h.clearIfAuthenticated(ctx, SignedOut{MinGeneration: generation})
	if err != nil || !cleared {
		return err
	}
	h.fireSignedOut(ctx, st)
	return nil
}

func (h *Holder) clearIfAuthenticated(ctx context.Context, ev Event) (State, bool, error) {
	var applied bool
	st, err := h.apply(ctx, func(cur State) []Event {
		if cur.Status != StatusAuthenticated {
			return nil
		}
		applied = true
		return []Event{ev}
	})
	return st, applied && err == nil, err
}

// Reload re-reads the persisted projection after a storage change. A
// projection written under a newer generation replaces the local session.
func (h *Holder) Reload(ctx context.Context) error {
	proj, gen, err := load(ctx, h.store)
	if err != nil {
		return err
	}
	cur := h.State()
	if cur.Status == StatusUninitialized || cur.Status == StatusAuthenticating || gen <= cur.Generation {
		return nil
	}

	if proj == nil {
		st, cleared, err := h.clearIfAuthenticated(ctx, SignedOut{MinGeneration: gen})
		if cleared {
			h.log.InfoContext(h.logCtx(ctx, st), "session.reload.signed_out")
			h.fireSignedOut(ctx, st)
		}
		return err
	}

	if cur.Status == StatusAuthenticated && cur.UserID() == proj.User.ID {
		return h.OnCredentialRefreshed(ctx, proj.User.ID, proj.credential(), 0)
	}
	if cred := proj.credential(); cred.Expired(h.now()) {
		return nil
	}
	_, err = h.establish(ctx, &identity.Session{
		User:         identity.User{ID: proj.User.ID, Email: proj.User.Email},
		AccessToken:  proj.AccessToken,
		RefreshToken: proj.RefreshToken,
		ExpiresAt:    proj.ExpiresAt,
	}, proj.Generation)
	return err
}

// AccessToken returns a live access token, refreshing an expired credential
// once. It returns ErrNotAuthenticated without a usable session.
func (h *Holder) AccessToken(ctx context.Context) (string, error) {
	st := h.State()
	if st.IsAuthenticated(h.now()) {
		return st.Credential.AccessToken, nil
	}
	if st.Status != StatusAuthenticated {
		return "", ErrNotAuthenticated
	}
	if err := h.Refresh(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	st = h.State()
	if !st.IsAuthenticated(h.now()) {
		return "", ErrNotAuthenticated
	}
	return st.Credential.AccessToken, nil
}

// Refresh trades the refresh token for a new credential. The result is
// applied only if the session generation is unchanged. A refresh token the
// provider rejects clears the session.
func (h *Holder) Refresh(ctx context.Context) error {
	_, err, _ := h.refresh.Do("refresh", func() (any, error) {
		return nil, h.doRefresh(ctx)
	})
	return err
}

func (h *Holder) doRefresh(ctx context.Context) error {
	st := h.State()
	if st.Status != StatusAuthenticated || st.Credential == nil {
		return ErrNotAuthenticated
	}
	gen, uid := st.Generation, st.UserID()

	opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	s, err := h.provider.RefreshSession(opCtx, st.Credential.RefreshToken)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrSessionNotFound) {
			h.log.InfoContext(h.logCtx(ctx, st), "session.refresh.rejected", slog.String("err", err.Error()))
			if ferr := h.OnRefreshFailed(ctx, gen); ferr != nil && !errors.Is(ferr, ErrStaleEvent) {
				return ferr
			}
			return &AuthError{Kind: ErrInvalidCredentials, Err: err}
		}
		return classify(opCtx, err)
	}

	_, cred := sessionState(s)
	if err := h.OnCredentialRefreshed(ctx, uid, cred, gen); err != nil {
		h.log.DebugContext(h.logCtx(ctx, h.State()), "session.refresh.discarded", slog.String("err", err.Error()))
		return err
	}
	h.emit(ctx, identity.Event{Kind: identity.EventTokenRefreshed, Session: s, Generation: gen})
	return nil
}

func (h *Holder) toIdentity(st State) *identity.Session {
	if st.User == nil || st.Credential == nil {
		return nil
	}
	return &identity.Session{
		User:         identity.User{ID: st.User.ID, Email: st.User.Email},
		AccessToken:  st.Credential.AccessToken,
		RefreshToken: st.Credential.RefreshToken,
		ExpiresAt:    st.Credential.ExpiresAt,
	}
}

// fetchProfile loads the profile in the background and attaches it if the
// session is still the one it was fetched for.
func (h *Holder) fetchProfile(st State) {
	if st.User == nil || st.Credential == nil {
		return
	}
	uid, token, gen := st.User.ID, st.Credential.AccessToken, st.Generation

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.bg, h.opTimeout)
		defer cancel()

		p, err := h.provider.GetProfile(ctx, token, uid)
		if err != nil {
			h.log.DebugContext(ctx, "session.profile.fetch.fail", slog.String("user_id", uid), slog.String("err", err.Error()))
			return
		}
		_, err = h.apply(ctx, func(State) []Event {
			return []Event{ProfileLoaded{
				UserID:     uid,
				Generation: gen,
				Profile:    Profile{DisplayName: p.DisplayName, Role: p.Role, AvatarURL: p.AvatarURL},
			}}
		})
		if err != nil {
			h.log.DebugContext(ctx, "session.profile.discarded", slog.String("err", err.Error()))
		}
	}()
}
