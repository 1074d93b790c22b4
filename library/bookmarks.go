// Package library holds the user's collection state: bookmarks, watch
// history and aggregate stats, and search history. Remote writes are best
// effort - the in-memory UI state they mirror is updated optimistically and
// never rolled back on a failed sync.
package library

import (
	"context"
	"fmt"
	"time"

	"github.com/cinelane/cinelane/catalog"
	"github.com/cinelane/cinelane/store"
)

const bookmarksTable = "user_bookmarks"

// Bookmark is one saved title, unique per (user, media).
type Bookmark struct {
	UserID      string    `json:"user_id"`
	MediaID     int       `json:"media_id"`
	MediaType   string    `json:"media_type"`
	Title       string    `json:"title"`
	PosterPath  string    `json:"poster_path"`
	VoteAverage float64   `json:"vote_average"`
	ReleaseDate string    `json:"release_date"`
	AddedAt     time.Time `json:"added_at"`
}

// Bookmarks manages the user_bookmarks table.
type Bookmarks struct {
	db *store.Client
}

// NewBookmarks builds the bookmark accessor.
func NewBookmarks(db *store.Client) *Bookmarks {
	return &Bookmarks{db: db}
}

// Toggle adds the title to the user's bookmarks, or removes it when already
// present. Returns true when the title is bookmarked after the call.
func (b *Bookmarks) Toggle(ctx context.Context, userID string, item catalog.MediaItem) (bool, error) {
	var existing Bookmark
	err := b.db.SelectOne(ctx, bookmarksTable, &existing,
		store.Eq("user_id", userID), store.Eq("media_id", item.ID))
	switch {
	case err == nil:
		if delErr := b.db.Delete(ctx, bookmarksTable,
			store.Eq("user_id", userID), store.Eq("media_id", item.ID)); delErr != nil {
			return true, fmt.Errorf("library: removing bookmark: %w", delErr)
		}
		return false, nil
	case store.IsNotFound(err):
		bm := Bookmark{
			UserID:      userID,
			MediaID:     item.ID,
			MediaType:   string(item.MediaType),
			Title:       item.DisplayTitle(),
			PosterPath:  item.PosterPath,
			VoteAverage: item.VoteAverage,
			ReleaseDate: item.ReleaseOrAirDate(),
			AddedAt:     time.Now().UTC(),
		}
		if insErr := b.db.Insert(ctx, bookmarksTable, bm); insErr != nil {
			return false, fmt.Errorf("library: adding bookmark: %w", insErr)
		}
		return true, nil
	default:
		return false, fmt.Errorf("library: checking bookmark: %w", err)
	}
}

// List returns the user's bookmarks, newest first.
func (b *Bookmarks) List(ctx context.Context, userID string) ([]Bookmark, error) {
	var rows []Bookmark
	err := b.db.Select(ctx, bookmarksTable, store.Query{
		Filters: []store.Filter{store.Eq("user_id", userID)},
		OrderBy: "added_at.desc",
	}, &rows)
	return rows, err
}

// IsBookmarked reports whether the user has saved the title.
func (b *Bookmarks) IsBookmarked(ctx context.Context, userID string, mediaID int) (bool, error) {
	n, err := b.db.Count(ctx, bookmarksTable,
		store.Eq("user_id", userID), store.Eq("media_id", mediaID))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
