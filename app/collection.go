package app

import (
	"context"

	"github.com/cinelane/cinelane/catalog"
	"github.com/cinelane/cinelane/identity"
	"github.com/cinelane/cinelane/library"
	"github.com/cinelane/cinelane/notify"
	"github.com/cinelane/cinelane/profile"
	"github.com/cinelane/cinelane/progress"
)

// sessionUser returns the signed-in user, or ErrSignedOut.
func (c *Controller) sessionUser() (identity.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.user == nil {
		return identity.User{}, ErrSignedOut
	}
	return *c.state.user, nil
}

// entitledUser gates a premium command: it requires a signed-in session whose
// resolved entitlement allows premium actions. The gate result was fixed at
// sign-in; a denied session gets the upgrade prompt, same as playback.
func (c *Controller) entitledUser() (identity.User, error) {
	user, err := c.sessionUser()
	if err != nil {
		c.notifier.Notify(notify.Notice{Level: notify.Error, Message: "Sign in to continue."})
		return identity.User{}, err
	}
	if !c.Entitled() {
		c.notifier.Notify(notify.Notice{Level: notify.Warning, Message: "Your plan does not include this. Upgrade to continue."})
		return identity.User{}, ErrNotEntitled
	}
	return user, nil
}

// ToggleBookmark saves or removes a title for the signed-in user. Bookmarking
// is premium-gated like playback: a denied entitlement never reaches the
// datastore. Returns whether the title is bookmarked after the call.
func (c *Controller) ToggleBookmark(ctx context.Context, item catalog.MediaItem) (bool, error) {
	user, err := c.entitledUser()
	if err != nil {
		return false, err
	}
	return c.bookmarks.Toggle(ctx, user.ID, item)
}

// Bookmarks returns the signed-in user's saved titles, newest first.
func (c *Controller) Bookmarks(ctx context.Context) ([]library.Bookmark, error) {
	user, err := c.sessionUser()
	if err != nil {
		return nil, err
	}
	return c.bookmarks.List(ctx, user.ID)
}

// IsBookmarked reports whether the signed-in user has saved the title.
func (c *Controller) IsBookmarked(ctx context.Context, mediaID int) (bool, error) {
	user, err := c.sessionUser()
	if err != nil {
		return false, err
	}
	return c.bookmarks.IsBookmarked(ctx, user.ID, mediaID)
}

// ContinueWatching returns the signed-in user's resumable titles.
func (c *Controller) ContinueWatching(ctx context.Context) ([]progress.Entry, error) {
	user, err := c.sessionUser()
	if err != nil {
		return nil, err
	}
	return c.tracker.List(ctx, user.ID)
}

// RemoveContinueWatching drops one title from the signed-in user's
// continue-watching surface.
func (c *Controller) RemoveContinueWatching(ctx context.Context, mediaID int) error {
	user, err := c.sessionUser()
	if err != nil {
		return err
	}
	return c.tracker.Remove(ctx, user.ID, mediaID)
}

// WatchHistory returns the signed-in user's latest watch events.
func (c *Controller) WatchHistory(ctx context.Context, limit int) ([]library.WatchEvent, error) {
	user, err := c.sessionUser()
	if err != nil {
		return nil, err
	}
	return c.history.Recent(ctx, user.ID, limit)
}

// WatchStats returns the signed-in user's aggregate viewing stats.
func (c *Controller) WatchStats(ctx context.Context) (library.WatchStats, error) {
	user, err := c.sessionUser()
	if err != nil {
		return library.WatchStats{}, err
	}
	return c.history.Stats(ctx, user.ID)
}

// Profile returns the signed-in user's display profile.
func (c *Controller) Profile(ctx context.Context) (profile.Profile, error) {
	user, err := c.sessionUser()
	if err != nil {
		return profile.Profile{}, err
	}
	return c.profiles.Get(ctx, user.ID)
}

// SaveProfile updates the signed-in user's display profile. The profile's
// identity always comes from the session, never from the caller.
func (c *Controller) SaveProfile(ctx context.Context, displayName, avatarURL string) error {
	user, err := c.sessionUser()
	if err != nil {
		return err
	}
	return c.profiles.Save(ctx, profile.Profile{
		UserID:      user.ID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
	})
}

// Badges returns the signed-in user's earned badges.
func (c *Controller) Badges(ctx context.Context) ([]profile.Badge, error) {
	user, err := c.sessionUser()
	if err != nil {
		return nil, err
	}
	return c.profiles.Badges(ctx, user.ID)
}

// SubmitUpgrade records a plan-upgrade request for the signed-in user. Open
// to non-entitled sessions on purpose - it is how they become entitled.
func (c *Controller) SubmitUpgrade(ctx context.Context, reference string) error {
	user, err := c.sessionUser()
	if err != nil {
		return err
	}
	if err := c.profiles.SubmitUpgrade(ctx, user.ID, user.Email, reference); err != nil {
		c.notifier.Notify(notify.Notice{Level: notify.Error, Message: "Could not submit your upgrade request."})
		return err
	}
	c.notifier.Notify(notify.Notice{
		Level:   notify.Success,
		Message: "Upgrade request received. Access is enabled after review.",
	})
	return nil
}
