package library

import (
	"context"
	"log/slog"
	"time"

	"github.com/cinelane/cinelane/player"
	"github.com/cinelane/cinelane/store"
)

const (
	watchHistoryTable  = "watch_history"
	watchSessionsTable = "watch_sessions"
	searchHistoryTable = "search_history"
)

// badgeScoringProcedure is the server-side procedure run after every watch
// event. Its scoring rules are opaque to the client.
const badgeScoringProcedure = "score_watch_event"

// WatchEvent is one completed viewing, appended to watch_history.
type WatchEvent struct {
	UserID         string    `json:"user_id"`
	MediaID        int       `json:"media_id"`
	MediaType      string    `json:"media_type"`
	Title          string    `json:"title"`
	Season         int       `json:"season,omitempty"`
	Episode        int       `json:"episode,omitempty"`
	WatchedSeconds int       `json:"watched_seconds"`
	WatchedAt      time.Time `json:"watched_at"`
}

// WatchStats is the per-user viewing aggregate, one row per user.
type WatchStats struct {
	UserID            string    `json:"user_id"`
	TotalWatchSeconds int       `json:"total_watch_seconds"`
	SessionCount      int       `json:"session_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// History appends watch events and keeps the aggregate stats row current.
// It implements the progress recorder hook, so every session that passes the
// watch threshold lands here when the player closes.
type History struct {
	db *store.Client
}

// NewHistory builds the history accessor.
func NewHistory(db *store.Client) *History {
	return &History{db: db}
}

// RecordWatch persists the watch event, bumps aggregate stats, and invokes
// the badge scoring procedure. Everything here is best effort: failures are
// logged, the player has already moved on.
func (h *History) RecordWatch(ctx context.Context, s player.PlaybackSession, elapsed time.Duration) {
	seconds := int(elapsed.Seconds())
	ev := WatchEvent{
		UserID:         s.UserID,
		MediaID:        s.Item.ID,
		MediaType:      string(s.Item.MediaType),
		Title:          s.Item.DisplayTitle(),
		WatchedSeconds: seconds,
		WatchedAt:      time.Now().UTC(),
	}
	if s.Item.MediaType == "tv" {
		ev.Season = s.Season
		ev.Episode = s.Episode
	}
	if err := h.db.Insert(ctx, watchHistoryTable, ev); err != nil {
		slog.Warn("library: recording watch history failed", "media", ev.MediaID, "error", err)
	}

	h.bumpStats(ctx, s.UserID, seconds)

	if err := h.db.CallProcedure(ctx, badgeScoringProcedure, map[string]any{
		"user_id":         s.UserID,
		"media_id":        s.Item.ID,
		"watched_seconds": seconds,
	}); err != nil {
		slog.Warn("library: badge scoring failed", "user", s.UserID, "error", err)
	}
}

// bumpStats folds one session into the user's aggregate row. Read-then-
// upsert, same non-atomicity as the rest of the datastore access - stats
// are cosmetic, drift is tolerable.
func (h *History) bumpStats(ctx context.Context, userID string, seconds int) {
	var stats WatchStats
	err := h.db.SelectOne(ctx, watchSessionsTable, &stats, store.Eq("user_id", userID))
	if err != nil && !store.IsNotFound(err) {
		slog.Warn("library: reading watch stats failed", "user", userID, "error", err)
		return
	}
	stats.UserID = userID
	stats.TotalWatchSeconds += seconds
	stats.SessionCount++
	stats.UpdatedAt = time.Now().UTC()
	if err := h.db.Upsert(ctx, watchSessionsTable, "user_id", stats); err != nil {
		slog.Warn("library: updating watch stats failed", "user", userID, "error", err)
	}
}

// Recent returns the user's latest watch events, newest first.
func (h *History) Recent(ctx context.Context, userID string, limit int) ([]WatchEvent, error) {
	var rows []WatchEvent
	err := h.db.Select(ctx, watchHistoryTable, store.Query{
		Filters: []store.Filter{store.Eq("user_id", userID)},
		OrderBy: "watched_at.desc",
		Limit:   limit,
	}, &rows)
	return rows, err
}

// Stats returns the user's aggregate viewing stats. A user with no recorded
// sessions gets a zero-value row, not an error.
func (h *History) Stats(ctx context.Context, userID string) (WatchStats, error) {
	var stats WatchStats
	err := h.db.SelectOne(ctx, watchSessionsTable, &stats, store.Eq("user_id", userID))
	if store.IsNotFound(err) {
		return WatchStats{UserID: userID}, nil
	}
	return stats, err
}

// SearchEntry is one recorded search query.
type SearchEntry struct {
	UserID     string    `json:"user_id"`
	Query      string    `json:"query"`
	SearchedAt time.Time `json:"searched_at"`
}

// RecordSearch appends a search query to the user's history. Callers
// debounce; this writes unconditionally.
func (h *History) RecordSearch(ctx context.Context, userID, query string) error {
	return h.db.Insert(ctx, searchHistoryTable, SearchEntry{
		UserID:     userID,
		Query:      query,
		SearchedAt: time.Now().UTC(),
	})
}

// RecentSearches returns the user's latest queries, newest first.
func (h *History) RecentSearches(ctx context.Context, userID string, limit int) ([]SearchEntry, error) {
	var rows []SearchEntry
	err := h.db.Select(ctx, searchHistoryTable, store.Query{
		Filters: []store.Filter{store.Eq("user_id", userID)},
		OrderBy: "searched_at.desc",
		Limit:   limit,
	}, &rows)
	return rows, err
}
