// Package progress persists watch positions for open playback sessions and
// maintains the continue-watching surface. Real media duration is never
// observable - playback runs inside an opaque embedded document - so
// positions are wall-clock estimates against per-type duration estimates.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cinelane/cinelane/player"
	"github.com/cinelane/cinelane/store"
)

const continueWatchingTable = "continue_watching"

// completedRatio is the watched fraction beyond which a title counts as
// finished and leaves the continue-watching surface.
const completedRatio = 0.90

// Entry is one continue-watching record, unique per (user, media).
type Entry struct {
	UserID             string    `json:"user_id"`
	MediaID            int       `json:"media_id"`
	MediaType          string    `json:"media_type"`
	Title              string    `json:"title"`
	PosterPath         string    `json:"poster_path"`
	WatchProgress      int       `json:"watch_progress"`
	TotalDuration      int       `json:"total_duration"`
	ProgressPercentage float64   `json:"progress_percentage"`
	Season             int       `json:"season,omitempty"`
	Episode            int       `json:"episode,omitempty"`
	Completed          bool      `json:"completed"`
	LastWatchedAt      time.Time `json:"last_watched_at"`
}

// NewEntry derives a continue-watching entry from a position and duration,
// both in seconds. Completion flips strictly above the 90% mark.
func NewEntry(s player.PlaybackSession, position, duration int, now time.Time) Entry {
	pct := 0.0
	if duration > 0 {
		pct = float64(position) / float64(duration) * 100
	}
	e := Entry{
		UserID:             s.UserID,
		MediaID:            s.Item.ID,
		MediaType:          string(s.Item.MediaType),
		Title:              s.Item.DisplayTitle(),
		PosterPath:         s.Item.PosterPath,
		WatchProgress:      position,
		TotalDuration:      duration,
		ProgressPercentage: pct,
		Completed:          pct > completedRatio*100,
		LastWatchedAt:      now.UTC(),
	}
	if s.Item.MediaType == "tv" {
		e.Season = s.Season
		e.Episode = s.Episode
	}
	return e
}

// Recorder receives the final close event of a playback session that passed
// the watch-record threshold. The library package uses it to append watch
// history, bump aggregate stats, and trigger badge scoring.
type Recorder interface {
	RecordWatch(ctx context.Context, s player.PlaybackSession, elapsed time.Duration)
}

// Config tunes the tracker.
type Config struct {
	// Interval between periodic persistence runs while playback is open.
	Interval time.Duration
	// MinTrackedSeconds below which no entry is written.
	MinTrackedSeconds int
	// MovieDurationEstimate and EpisodeDurationEstimate are the assumed
	// total durations, in seconds.
	MovieDurationEstimate   int
	EpisodeDurationEstimate int
	// WatchRecordThreshold is the minimum elapsed playback for the close of
	// a session to count as a watch event.
	WatchRecordThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MinTrackedSeconds <= 0 {
		c.MinTrackedSeconds = 60
	}
	if c.MovieDurationEstimate <= 0 {
		c.MovieDurationEstimate = 7200
	}
	if c.EpisodeDurationEstimate <= 0 {
		c.EpisodeDurationEstimate = 2700
	}
	if c.WatchRecordThreshold <= 0 {
		c.WatchRecordThreshold = 30 * time.Second
	}
}

// Tracker persists progress for at most one open playback session at a
// time, mirroring the player it observes.
type Tracker struct {
	db       *store.Client
	cfg      Config
	recorder Recorder

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker builds a tracker. recorder may be nil.
func NewTracker(db *store.Client, cfg Config, recorder Recorder) *Tracker {
	cfg.applyDefaults()
	return &Tracker{db: db, cfg: cfg, recorder: recorder}
}

// PlaybackStarted begins the periodic persistence loop for s.
func (t *Tracker) PlaybackStarted(s player.PlaybackSession) {
	t.mu.Lock()
	if t.cancel != nil {
		// A previous loop is still running; stop it before starting anew.
		t.cancel()
		<-t.done
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.persist(ctx, s)
			}
		}
	}()
}

// PlaybackClosed stops the loop and, if the session lasted past the watch
// threshold, writes the final position and fans out to the recorder.
// Idempotent - closing an already-closed tracker is a no-op beyond the
// final flush guard inside the player.
func (t *Tracker) PlaybackClosed(ctx context.Context, s player.PlaybackSession, elapsed time.Duration) {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		<-t.done
	}
	t.mu.Unlock()

	if elapsed < t.cfg.WatchRecordThreshold {
		return
	}
	t.upsert(ctx, s, int(elapsed.Seconds()))
	if t.recorder != nil {
		t.recorder.RecordWatch(ctx, s, elapsed)
	}
}

// persist writes the current wall-clock position if it has crossed the
// minimum tracked length.
func (t *Tracker) persist(ctx context.Context, s player.PlaybackSession) {
	elapsed := int(time.Since(s.StartedAt).Seconds())
	if elapsed < t.cfg.MinTrackedSeconds {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	t.upsert(opCtx, s, elapsed)
}

func (t *Tracker) upsert(ctx context.Context, s player.PlaybackSession, position int) {
	duration := t.cfg.MovieDurationEstimate
	if s.Item.MediaType == "tv" {
		duration = t.cfg.EpisodeDurationEstimate
	}
	if position > duration {
		position = duration
	}
	entry := NewEntry(s, position, duration, time.Now())
	if err := t.db.Upsert(ctx, continueWatchingTable, "user_id,media_id", entry); err != nil {
		// Best effort: the in-memory session is the source of truth while
		// playback is open; remote sync failures never interrupt it.
		slog.Warn("progress: upsert failed", "media", entry.MediaID, "error", err)
	}
}

// List returns the user's resumable titles: recorded past the minimum and
// not yet completed, most recent first.
func (t *Tracker) List(ctx context.Context, userID string) ([]Entry, error) {
	var rows []Entry
	err := t.db.Select(ctx, continueWatchingTable, store.Query{
		Filters: []store.Filter{store.Eq("user_id", userID)},
		OrderBy: "last_watched_at.desc",
	}, &rows)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		if !r.Completed && r.WatchProgress >= t.cfg.MinTrackedSeconds {
			out = append(out, r)
		}
	}
	return out, nil
}

// Remove deletes the user's entry for one title. This is the only deletion
// path - entries never expire on their own.
func (t *Tracker) Remove(ctx context.Context, userID string, mediaID int) error {
	return t.db.Delete(ctx, continueWatchingTable,
		store.Eq("user_id", userID), store.Eq("media_id", mediaID))
}
