// Package app owns the authenticated session context and orchestrates the
// sign-in flow: identity first, then the single-device session claim, then
// entitlement resolution - strictly in that order, never raced - before any
// authenticated surface is shown. Renderers receive read-only views and
// typed command handlers; no component reaches into another's state.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cinelane/cinelane/catalog"
	"github.com/cinelane/cinelane/entitlement"
	"github.com/cinelane/cinelane/identity"
	"github.com/cinelane/cinelane/library"
	"github.com/cinelane/cinelane/notify"
	"github.com/cinelane/cinelane/profile"
	"github.com/cinelane/cinelane/progress"
	"github.com/cinelane/cinelane/session"
)

// ErrSignedOut is returned by commands requiring an authenticated session.
var ErrSignedOut = errors.New("app: not signed in")

// ErrNotEntitled is returned by premium-gated commands when the session's
// resolved entitlement denies them.
var ErrNotEntitled = errors.New("app: account not entitled")

// SessionView is the read-only snapshot handed to renderers.
type SessionView struct {
	SignedIn    bool
	User        identity.User
	Entitlement entitlement.Status
}

// sessionState is the process-wide authenticated state. The epoch fences
// stale reads: any flow that suspends re-checks the epoch before acting on
// what it fetched, so a response landing after sign-out changes nothing.
type sessionState struct {
	epoch int64
	user  *identity.User
	ent   entitlement.Status
}

// Controller is the single authoritative owner of session state.
type Controller struct {
	idp       *identity.Client
	guard     *session.Guard
	gate      *entitlement.Gate
	catalog   *catalog.Client
	history   *library.History
	bookmarks *library.Bookmarks
	profiles  *profile.Service
	tracker   *progress.Tracker
	notifier  notify.Notifier

	mu    sync.Mutex
	state sessionState
}

// NewController wires the controller and hooks the session guard's forced
// sign-out into session-state teardown.
func NewController(idp *identity.Client, guard *session.Guard, gate *entitlement.Gate, cat *catalog.Client, history *library.History, bookmarks *library.Bookmarks, profiles *profile.Service, tracker *progress.Tracker, notifier notify.Notifier) *Controller {
	if notifier == nil {
		notifier = notify.Log{}
	}
	c := &Controller{
		idp:       idp,
		guard:     guard,
		gate:      gate,
		catalog:   cat,
		history:   history,
		bookmarks: bookmarks,
		profiles:  profiles,
		tracker:   tracker,
		notifier:  notifier,
	}
	guard.SetOnSignOut(func(reason string) {
		c.clearSession()
	})
	return c
}

// View returns the current session snapshot.
func (c *Controller) View() SessionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.user == nil {
		return SessionView{}
	}
	return SessionView{SignedIn: true, User: *c.state.user, Entitlement: c.state.ent}
}

// UserID implements player.Viewer.
func (c *Controller) UserID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.user == nil {
		return "", false
	}
	return c.state.user.ID, true
}

// Entitled implements player.Viewer.
func (c *Controller) Entitled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.user != nil && c.state.ent.Allowed
}

// SignIn runs the full authentication flow. On a device conflict the guard
// has already revoked the fresh provider session; the caller's form stays
// usable for retry.
func (c *Controller) SignIn(ctx context.Context, email, password string) error {
	user, err := c.idp.SignIn(ctx, email, password)
	if err != nil {
		c.notifier.Notify(notify.Notice{Level: notify.Error, Message: err.Error()})
		return err
	}

	if err := c.guard.Register(ctx, user.ID); err != nil {
		if errors.Is(err, session.ErrDeviceConflict) {
			c.notifier.Notify(notify.Notice{
				Level:   notify.Error,
				Message: "This account is already active on another device. Sign out there first.",
			})
			return err
		}
		c.notifier.Notify(notify.Notice{Level: notify.Error, Message: "Could not start your session. Try again."})
		// The provider session survives a transient registration failure;
		// drop it so state can't diverge.
		if soErr := c.idp.SignOut(ctx); soErr != nil {
			slog.Warn("app: sign-out after failed registration failed", "error", soErr)
		}
		return err
	}

	ent := c.gate.Check(ctx, user.Email)

	c.mu.Lock()
	c.state.epoch++
	c.state.user = user
	c.state.ent = ent
	c.mu.Unlock()

	slog.Info("signed in", "user", user.ID, "entitled", ent.Allowed)
	return nil
}

// SignUp registers a new account. The user still signs in afterwards - the
// provider may require email confirmation first.
func (c *Controller) SignUp(ctx context.Context, email, password string) error {
	if _, err := c.idp.SignUp(ctx, email, password); err != nil {
		c.notifier.Notify(notify.Notice{Level: notify.Error, Message: err.Error()})
		return err
	}
	c.notifier.Notify(notify.Notice{
		Level:   notify.Success,
		Message: "Account created. Check your email to confirm, then sign in.",
	})
	return nil
}

// ResetPassword asks the provider to send a recovery email.
func (c *Controller) ResetPassword(ctx context.Context, email string) error {
	if err := c.idp.ResetPassword(ctx, email); err != nil {
		c.notifier.Notify(notify.Notice{Level: notify.Error, Message: err.Error()})
		return err
	}
	c.notifier.Notify(notify.Notice{
		Level:   notify.Info,
		Message: "If that address has an account, a reset link is on its way.",
	})
	return nil
}

// SignOut closes the session voluntarily: the session row is marked closed
// first so other devices and the realtime channel see it, then local state
// drops.
func (c *Controller) SignOut(ctx context.Context) error {
	err := c.guard.End(ctx)
	c.clearSession()
	return err
}

// Resume restores a prior session on startup: validate the provider token,
// re-register the device claim, re-resolve entitlement.
func (c *Controller) Resume(ctx context.Context) error {
	user, err := c.idp.RefreshUser(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrNoSession) {
			return nil // nothing to resume
		}
		return fmt.Errorf("app: resuming session: %w", err)
	}
	if err := c.guard.Register(ctx, user.ID); err != nil {
		return err
	}
	ent := c.gate.Check(ctx, user.Email)

	c.mu.Lock()
	c.state.epoch++
	c.state.user = user
	c.state.ent = ent
	c.mu.Unlock()
	return nil
}

// clearSession drops the authenticated state. Idempotent.
func (c *Controller) clearSession() {
	c.mu.Lock()
	c.state.epoch++
	c.state.user = nil
	c.state.ent = entitlement.Status{}
	c.mu.Unlock()
}

// epochNow returns the current session epoch for stale-read fencing.
func (c *Controller) epochNow() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.epoch
}

// epochValid reports whether the session is unchanged since the fence was
// taken. Flows that suspended must call this before acting on the result.
func (c *Controller) epochValid(epoch int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.epoch == epoch
}
