// Package session enforces the single-active-device policy. A signed-in
// device claims its user's active_sessions row, keeps the claim fresh with a
// heartbeat, and watches the row's realtime change feed so a claim taken
// over elsewhere (or revoked by an admin) forces a local sign-out.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cinelane/cinelane/notify"
	"github.com/cinelane/cinelane/store"
)

const sessionsTable = "active_sessions"

// Session flag values stored on the row. "S" marks a started session, "N" a
// closed or administratively disabled one.
const (
	flagStarted = "S"
	flagClosed  = "N"
)

// ErrDeviceConflict is returned by Register when another device holds an
// active claim on the user's session row.
var ErrDeviceConflict = errors.New("session: already active on another device")

// State is the guard's lifecycle position.
type State string

const (
	StateNoSession   State = "no_session"
	StateRegistering State = "registering"
	StateActive      State = "active"
	StateTerminated  State = "terminated"
)

// Row mirrors one active_sessions record. One row per user, upserted in
// place - never appended.
type Row struct {
	UserID        string    `json:"user_id"`
	DeviceID      string    `json:"device_id"`
	IsActive      bool      `json:"is_active"`
	SessionFlag   string    `json:"session_flag"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ChangeFeed delivers realtime changes on a user's session row. Tests
// inject synthetic feeds; production uses RealtimeFeed.
type ChangeFeed interface {
	SessionChanges(ctx context.Context, userID string) (events <-chan store.ChangeEvent, close func(), err error)
}

// RealtimeFeed adapts the datastore realtime client to ChangeFeed.
type RealtimeFeed struct {
	RT *store.Realtime
}

func (f RealtimeFeed) SessionChanges(ctx context.Context, userID string) (<-chan store.ChangeEvent, func(), error) {
	sub, err := f.RT.Subscribe(ctx, sessionsTable, store.Eq("user_id", userID))
	if err != nil {
		return nil, nil, err
	}
	return sub.Events, sub.Close, nil
}

// IdentityService is the slice of the identity provider the guard needs:
// revoking the provider session during a forced or voluntary sign-out.
type IdentityService interface {
	SignOut(ctx context.Context) error
}

// Guard owns one device's session lifecycle:
// NoSession -> Registering -> Active (heartbeating) -> Terminated.
type Guard struct {
	db       *store.Client
	feed     ChangeFeed
	idp      IdentityService
	notifier notify.Notifier
	deviceID string
	interval time.Duration

	mu        sync.Mutex
	state     State
	current   *liveSession
	onSignOut func(reason string)
}

// liveSession is the running machinery of one Active period. A new value is
// created per successful Register, so events from a torn-down session can
// never affect a later one.
type liveSession struct {
	userID   string
	cancel   context.CancelFunc
	closeSub func()
	done     chan struct{} // closed when both loops have exited
}

// NewGuard builds a guard for this device.
func NewGuard(db *store.Client, feed ChangeFeed, idp IdentityService, notifier notify.Notifier, deviceID string, heartbeat time.Duration) *Guard {
	if heartbeat <= 0 {
		heartbeat = 60 * time.Second
	}
	if notifier == nil {
		notifier = notify.Log{}
	}
	return &Guard{
		db:       db,
		feed:     feed,
		idp:      idp,
		notifier: notifier,
		deviceID: deviceID,
		interval: heartbeat,
	}
}

// SetOnSignOut registers the hook invoked whenever the guard terminates a
// session - forced or voluntary. The application controller uses it to drop
// the authenticated surface.
func (g *Guard) SetOnSignOut(fn func(reason string)) {
	g.mu.Lock()
	g.onSignOut = fn
	g.mu.Unlock()
}

func (g *Guard) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// State returns the guard's current lifecycle state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == "" {
		return StateNoSession
	}
	return g.state
}

// Register claims the session row for userID on this device.
//
// If another device holds an active claim the registration is rejected with
// ErrDeviceConflict and the freshly-created provider session is revoked -
// the second device never becomes Active. Otherwise the row is upserted
// (claiming it fresh or reclaiming a stale one) and the heartbeat and
// realtime watcher are started.
//
// The read-then-write here is not atomic against the datastore: two devices
// registering inside one round-trip window can both observe no foreign
// claim and both succeed. Known gap, kept as-is.
func (g *Guard) Register(ctx context.Context, userID string) error {
	g.mu.Lock()
	if g.current != nil {
		g.mu.Unlock()
		return fmt.Errorf("session: already registered for user %s", g.current.userID)
	}
	g.state = StateRegistering
	g.mu.Unlock()

	var existing Row
	err := g.db.SelectOne(ctx, sessionsTable, &existing, store.Eq("user_id", userID))
	switch {
	case err == nil:
		if existing.IsActive && existing.DeviceID != "" && existing.DeviceID != g.deviceID {
			g.setState(StateNoSession)
			if soErr := g.idp.SignOut(ctx); soErr != nil {
				slog.Warn("session: provider sign-out after conflict failed", "error", soErr)
			}
			return ErrDeviceConflict
		}
	case store.IsNotFound(err):
		// First sign-in for this user - claim fresh.
	default:
		g.setState(StateNoSession)
		return fmt.Errorf("session: reading session row: %w", err)
	}

	if err := g.upsertClaim(ctx, userID); err != nil {
		g.setState(StateNoSession)
		return fmt.Errorf("session: claiming session: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	events, closeSub, err := g.feed.SessionChanges(sessCtx, userID)
	if err != nil {
		cancel()
		g.setState(StateNoSession)
		return fmt.Errorf("session: opening change feed: %w", err)
	}

	ls := &liveSession{
		userID:   userID,
		cancel:   cancel,
		closeSub: closeSub,
		done:     make(chan struct{}),
	}

	g.mu.Lock()
	g.current = ls
	g.state = StateActive
	g.mu.Unlock()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		g.heartbeatLoop(sessCtx, ls)
	}()
	go func() {
		defer loops.Done()
		g.watchLoop(sessCtx, ls, events)
	}()
	go func() {
		loops.Wait()
		close(ls.done)
	}()

	slog.Info("session registered", "user", userID, "device", g.deviceID)
	return nil
}

// upsertClaim writes this device's claim on the user's row.
func (g *Guard) upsertClaim(ctx context.Context, userID string) error {
	return g.db.Upsert(ctx, sessionsTable, "user_id", Row{
		UserID:        userID,
		DeviceID:      g.deviceID,
		IsActive:      true,
		SessionFlag:   flagStarted,
		LastHeartbeat: time.Now().UTC(),
	})
}

// heartbeatLoop refreshes the claim at the configured interval. A failed
// heartbeat is logged and retried on the next tick - the realtime feed, not
// the heartbeat, is what detects a lost claim.
func (g *Guard) heartbeatLoop(ctx context.Context, ls *liveSession) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := g.upsertClaim(hbCtx, ls.userID)
			cancel()
			if err != nil && ctx.Err() == nil {
				slog.Warn("session: heartbeat failed", "user", ls.userID, "error", err)
			}
		}
	}
}

// watchLoop reacts to changes on the user's session row.
func (g *Guard) watchLoop(ctx context.Context, ls *liveSession, events <-chan store.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Feed dropped. The session stays up on heartbeats alone;
				// revocation detection degrades until the next sign-in.
				slog.Warn("session: change feed closed", "user", ls.userID)
				return
			}
			if reason, ok := g.evaluate(ev); ok {
				g.forceSignOut(ls, reason)
				return
			}
		}
	}
}

// evaluate decides whether a row change revokes this device's session.
func (g *Guard) evaluate(ev store.ChangeEvent) (string, bool) {
	switch ev.Type {
	case store.EventDelete:
		var old Row
		if len(ev.Old) == 0 || json.Unmarshal(ev.Old, &old) != nil {
			return "", false
		}
		if old.DeviceID == g.deviceID {
			return "Your session has ended.", true
		}
		return "", false

	case store.EventInsert, store.EventUpdate:
		var row Row
		if len(ev.New) == 0 || json.Unmarshal(ev.New, &row) != nil {
			return "", false
		}
		if !row.IsActive || strings.ToUpper(row.SessionFlag) == flagClosed {
			return "Your account has been disabled by an administrator.", true
		}
		if ev.Type == store.EventUpdate && row.DeviceID != "" && row.DeviceID != g.deviceID {
			return "Your account is being used on another device.", true
		}
	}
	return "", false
}

// ForceSignOut tears down the current session locally and revokes the
// provider session. Safe to call any number of times, in any state.
func (g *Guard) ForceSignOut(reason string) {
	g.mu.Lock()
	ls := g.current
	g.mu.Unlock()
	if ls == nil {
		return
	}
	g.forceSignOut(ls, reason)
}

// End closes the session voluntarily. The row is marked closed first so
// other devices and the realtime channel see the closure, then local timers
// and subscriptions are torn down.
func (g *Guard) End(ctx context.Context) error {
	g.mu.Lock()
	ls := g.current
	g.mu.Unlock()
	if ls == nil {
		return nil
	}

	err := g.db.Upsert(ctx, sessionsTable, "user_id", Row{
		UserID:        ls.userID,
		DeviceID:      g.deviceID,
		IsActive:      false,
		SessionFlag:   flagClosed,
		LastHeartbeat: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("session: closing session row failed", "user", ls.userID, "error", err)
	}

	g.teardown(ls, "")
	return err
}

// forceSignOut handles an involuntary termination: teardown plus a
// user-facing notice.
func (g *Guard) forceSignOut(ls *liveSession, reason string) {
	if !g.teardown(ls, reason) {
		return // another path already tore this session down
	}
	g.notifier.Notify(notify.Notice{Level: notify.Warning, Message: reason})
	slog.Info("session force-signed-out", "user", ls.userID, "reason", reason)
}

// teardown stops the heartbeat and watcher, closes the subscription, and
// revokes the provider session (best effort). Returns false if ls was
// already torn down. Idempotent per liveSession.
func (g *Guard) teardown(ls *liveSession, reason string) bool {
	g.mu.Lock()
	if g.current != ls {
		g.mu.Unlock()
		return false
	}
	g.current = nil
	g.state = StateTerminated
	onSignOut := g.onSignOut
	g.mu.Unlock()

	ls.cancel()
	if ls.closeSub != nil {
		ls.closeSub()
	}

	soCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := g.idp.SignOut(soCtx); err != nil {
		slog.Warn("session: provider sign-out failed", "error", err)
	}
	cancel()

	if onSignOut != nil {
		onSignOut(reason)
	}
	return true
}
