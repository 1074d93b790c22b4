// Package player drives playback of a selected title through external embed
// providers. It owns the source failover state machine: an ordered candidate
// list, per-source retries with linear backoff, a load timeout, and strictly
// sequential advancement - one source loading at a time, never concurrent
// probing.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cinelane/cinelane/catalog"
	"github.com/cinelane/cinelane/notify"
)

// maxSourceRetries is how many additional attempts a source gets after its
// first explicit load error before it is declared failed. A load timeout
// declares the source failed immediately, with no retries.
const maxSourceRetries = 2

var (
	// ErrNotSignedIn is returned by Open when nobody is authenticated.
	ErrNotSignedIn = errors.New("player: sign in to start playback")
	// ErrNotEntitled is returned by Open when the session's entitlement
	// denies playback. No source is ever loaded for a denied identity.
	ErrNotEntitled = errors.New("player: account not entitled for playback")
	// ErrNoSession is returned by episode selection when no playback is open.
	ErrNoSession = errors.New("player: no open playback session")
)

// State is the player's lifecycle position.
type State string

const (
	StateIdle             State = "idle"
	StateSourceLoading    State = "source_loading"
	StatePlaying          State = "playing"
	StateRetrying         State = "retrying"
	StateAllSourcesFailed State = "all_sources_failed"
	StateClosed           State = "closed"
)

// PlaybackSession is the in-memory record of one open playback. It exists
// from Open to Close; closing it triggers the final progress persistence.
type PlaybackSession struct {
	Item      catalog.MediaItem
	UserID    string
	StartedAt time.Time
	Season    int
	Episode   int
	Episodes  []catalog.Episode // populated async for series
}

// Viewer exposes the slice of session state the player gates on.
type Viewer interface {
	// UserID returns the signed-in user's id, or false when signed out.
	UserID() (string, bool)
	// Entitled reports the session's resolved entitlement.
	Entitled() bool
}

// SeriesInfo loads the episode structure for series playback.
type SeriesInfo interface {
	TVSeason(ctx context.Context, id, season int) (*catalog.SeasonDetails, error)
}

// Tracker observes playback lifecycle: started sessions begin periodic
// progress persistence, closed sessions get a final flush. Sessions are
// handed over by value - a snapshot taken under the player's lock - so the
// tracker's goroutine never reads state the player is still mutating. The
// player re-announces the session on episode changes.
type Tracker interface {
	PlaybackStarted(s PlaybackSession)
	PlaybackClosed(ctx context.Context, s PlaybackSession, elapsed time.Duration)
}

// Options tune the failover policy.
type Options struct {
	LoadTimeout    time.Duration // per-source load deadline
	RetryBaseDelay time.Duration // retry n of a source waits n times this
	FailoverDelay  time.Duration // pause before loading the next source
}

func (o *Options) applyDefaults() {
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 10 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 2 * time.Second
	}
	if o.FailoverDelay <= 0 {
		o.FailoverDelay = 1500 * time.Millisecond
	}
}

// OpenRequest starts playback of one title. Season/Episode carry resume
// values for series; zero means start at (1, 1).
type OpenRequest struct {
	Item    catalog.MediaItem
	Season  int
	Episode int
}

// Player is the embed failover state machine. All mutation happens under
// one mutex; timers and surface callbacks re-enter through attempt tokens
// so events from a superseded load can never act on the current one.
type Player struct {
	viewer   Viewer
	series   SeriesInfo
	tracker  Tracker
	surface  Surface
	notifier notify.Notifier
	opts     Options

	mu       sync.Mutex
	state    State
	sess     *PlaybackSession
	sources  []Source
	srcIdx   int
	retries  int
	failures int   // sources declared failed since the last user start
	attempt  int64 // invalidates stale timer/surface callbacks
	loadTim  *time.Timer
	delayTim *time.Timer
}

// New builds a player. A nil notifier falls back to the slog notifier.
func New(viewer Viewer, series SeriesInfo, tracker Tracker, surface Surface, notifier notify.Notifier, opts Options) *Player {
	opts.applyDefaults()
	if notifier == nil {
		notifier = notify.Log{}
	}
	return &Player{
		viewer:   viewer,
		series:   series,
		tracker:  tracker,
		surface:  surface,
		notifier: notifier,
		opts:     opts,
		state:    StateIdle,
	}
}

// State returns the player's current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Session returns a copy of the open playback session, or nil.
func (p *Player) Session() *PlaybackSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return nil
	}
	s := *p.sess
	return &s
}

// CurrentSource returns the candidate currently loading or playing.
func (p *Player) CurrentSource() (Source, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil || p.srcIdx < 0 || p.srcIdx >= len(p.sources) {
		return Source{}, 0, false
	}
	return p.sources[p.srcIdx], p.srcIdx, true
}

// Open gates and starts playback. It requires a signed-in user and an
// allowed entitlement; a denied identity never causes a source load - the
// caller shows an upgrade prompt on ErrNotEntitled. For series the episode
// list is fetched in the background.
func (p *Player) Open(ctx context.Context, req OpenRequest) error {
	userID, ok := p.viewer.UserID()
	if !ok {
		p.notifier.Notify(notify.Notice{Level: notify.Error, Message: "Sign in to start watching."})
		return ErrNotSignedIn
	}
	if !p.viewer.Entitled() {
		p.notifier.Notify(notify.Notice{Level: notify.Warning, Message: "Your plan does not include playback. Upgrade to continue."})
		return ErrNotEntitled
	}

	season, episode := req.Season, req.Episode
	if season <= 0 {
		season = 1
	}
	if episode <= 0 {
		episode = 1
	}

	p.mu.Lock()
	if p.sess != nil {
		p.mu.Unlock()
		return fmt.Errorf("player: playback already open for %q", p.sess.Item.DisplayTitle())
	}
	p.sess = &PlaybackSession{
		Item:      req.Item,
		UserID:    userID,
		StartedAt: time.Now(),
		Season:    season,
		Episode:   episode,
	}
	p.sources = BuildSources(req.Item.MediaType, req.Item.ID, season, episode)
	p.srcIdx = 0
	p.retries = 0
	p.failures = 0
	sess := p.sess
	snap := *p.sess
	p.mu.Unlock()

	if req.Item.MediaType == catalog.TV && p.series != nil {
		go p.loadEpisodeList(ctx, sess, req.Item.ID, season)
	}

	p.tracker.PlaybackStarted(snap)
	p.loadSource(0)
	return nil
}

// loadEpisodeList fetches the episode list for the open season. Best effort:
// failure only degrades the episode picker, never playback.
func (p *Player) loadEpisodeList(ctx context.Context, sess *PlaybackSession, id, season int) {
	det, err := p.series.TVSeason(ctx, id, season)
	if err != nil {
		slog.Warn("player: loading episode list failed", "series", id, "season", season, "error", err)
		return
	}
	p.mu.Lock()
	// Re-check after the suspension point: the session may have been closed
	// or switched while the fetch was in flight.
	if p.sess == sess {
		p.sess.Episodes = det.Episodes
	}
	p.mu.Unlock()
}

// SelectEpisode switches an open series session to another episode. Sources
// are rebuilt from scratch and loading restarts at index 0, so an episode
// switch always re-tries the preferred provider first.
func (p *Player) SelectEpisode(ctx context.Context, season, episode int) error {
	p.mu.Lock()
	if p.sess == nil {
		p.mu.Unlock()
		return ErrNoSession
	}
	if p.sess.Item.MediaType != catalog.TV {
		p.mu.Unlock()
		return fmt.Errorf("player: %q is not a series", p.sess.Item.DisplayTitle())
	}
	p.sess.Season = season
	p.sess.Episode = episode
	p.sess.Episodes = nil
	p.sources = BuildSources(catalog.TV, p.sess.Item.ID, season, episode)
	p.srcIdx = 0
	p.retries = 0
	p.failures = 0
	p.invalidateLocked()
	sess := p.sess
	snap := *p.sess
	id := p.sess.Item.ID
	p.mu.Unlock()

	if p.series != nil {
		go p.loadEpisodeList(ctx, sess, id, season)
	}
	// Restart progress tracking under the new episode's identity.
	p.tracker.PlaybackStarted(snap)
	p.loadSource(0)
	return nil
}

// loadSource starts an unconditional load of the candidate at index. Used
// for user-initiated starts; timer-driven re-entries go through navigate
// with an expectation token.
func (p *Player) loadSource(index int) {
	p.navigate(-1, index)
}

// navigate points the surface at the candidate with the given index and
// arms both failure detectors: the surface's explicit load result and the
// load timeout. When expect is non-negative the navigation only proceeds if
// it still matches the current attempt - a stale timer can't load a source
// into a session that has moved on. Out-of-range indices are a no-op.
func (p *Player) navigate(expect int64, index int) {
	p.mu.Lock()
	if p.sess == nil || index < 0 || index >= len(p.sources) {
		p.mu.Unlock()
		return
	}
	if expect >= 0 && expect != p.attempt {
		p.mu.Unlock()
		return
	}
	p.stopTimersLocked()
	p.attempt++
	token := p.attempt
	p.srcIdx = index
	p.state = StateSourceLoading
	src := p.sources[index]

	p.loadTim = time.AfterFunc(p.opts.LoadTimeout, func() {
		p.onLoadTimeout(token, index)
	})
	p.mu.Unlock()

	// Cache-busting parameter so a provider's stale error page is never
	// replayed from cache on retry.
	sep := "?"
	if containsQuery(src.URL) {
		sep = "&"
	}
	navURL := fmt.Sprintf("%s%st=%d", src.URL, sep, time.Now().UnixMilli())

	slog.Info("player: loading source", "source", src.Name, "index", index)
	p.surface.Navigate(navURL, func(err error) {
		p.onLoadResult(token, index, err)
	})
}

// onLoadResult handles the surface's explicit load signal for one attempt.
func (p *Player) onLoadResult(token int64, index int, err error) {
	p.mu.Lock()
	if token != p.attempt || p.sess == nil {
		p.mu.Unlock()
		return // superseded attempt
	}

	if err == nil {
		p.stopTimersLocked()
		p.retries = 0
		p.state = StatePlaying
		src := p.sources[index]
		p.mu.Unlock()
		slog.Info("player: source playing", "source", src.Name, "index", index)
		return
	}

	if p.retries < maxSourceRetries {
		p.retries++
		retry := p.retries
		p.stopTimersLocked()
		p.state = StateRetrying
		p.attempt++
		tok := p.attempt
		delay := time.Duration(retry) * p.opts.RetryBaseDelay
		p.delayTim = time.AfterFunc(delay, func() {
			p.navigate(tok, index)
		})
		src := p.sources[index]
		p.mu.Unlock()
		slog.Warn("player: source errored, retrying",
			"source", src.Name, "retry", retry, "delay", delay, "error", err)
		return
	}

	p.mu.Unlock()
	p.handleSourceFailure(token, index)
}

// onLoadTimeout fires when no load signal arrived inside the deadline. The
// source is declared failed outright - timeouts get no same-source retries.
func (p *Player) onLoadTimeout(token int64, index int) {
	p.mu.Lock()
	if token != p.attempt || p.sess == nil {
		p.mu.Unlock()
		return
	}
	src := p.sources[index]
	p.mu.Unlock()
	slog.Warn("player: source load timed out", "source", src.Name, "index", index)
	p.handleSourceFailure(token, index)
}

// handleSourceFailure advances the failover ring. Every candidate gets one
// traversal per user-initiated start; once all have failed, a terminal
// notice fires exactly once.
func (p *Player) handleSourceFailure(token int64, index int) {
	p.mu.Lock()
	if token != p.attempt || p.sess == nil {
		p.mu.Unlock()
		return
	}
	p.stopTimersLocked()
	p.retries = 0
	p.failures++

	next := (index + 1) % len(p.sources)
	if next == index || p.failures >= len(p.sources) {
		p.state = StateAllSourcesFailed
		p.mu.Unlock()
		p.notifier.Notify(notify.Notice{
			Level:   notify.Error,
			Message: "Playback failed on every available source. Try again later.",
		})
		slog.Error("player: all sources failed")
		return
	}

	p.attempt++
	tok := p.attempt
	nextName := p.sources[next].Name
	p.delayTim = time.AfterFunc(p.opts.FailoverDelay, func() {
		p.navigate(tok, next)
	})
	p.mu.Unlock()

	p.notifier.Notify(notify.Notice{
		Level:   notify.Info,
		Message: fmt.Sprintf("Source unavailable, switching to %s...", nextName),
	})
}

// Close tears down the open playback session: progress timers stop, the
// surface is blanked, and the tracker gets a final flush with the elapsed
// wall-clock estimate. Safe to call on an already-closed player.
func (p *Player) Close(ctx context.Context) {
	p.mu.Lock()
	if p.sess == nil {
		p.mu.Unlock()
		return
	}
	snap := *p.sess
	p.sess = nil
	p.sources = nil
	p.invalidateLocked()
	p.state = StateClosed
	p.mu.Unlock()

	elapsed := time.Since(snap.StartedAt)
	p.tracker.PlaybackClosed(ctx, snap, elapsed)
	p.surface.Blank()
	slog.Info("player: closed", "title", snap.Item.DisplayTitle(), "elapsed", elapsed)
}

// invalidateLocked cancels pending timers and fences outstanding surface
// callbacks. Caller holds p.mu.
func (p *Player) invalidateLocked() {
	p.attempt++
	p.stopTimersLocked()
}

func (p *Player) stopTimersLocked() {
	if p.loadTim != nil {
		p.loadTim.Stop()
		p.loadTim = nil
	}
	if p.delayTim != nil {
		p.delayTim.Stop()
		p.delayTim = nil
	}
}

func containsQuery(u string) bool {
	for i := 0; i < len(u); i++ {
		if u[i] == '?' {
			return true
		}
	}
	return false
}
