package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/cinelane/cinelane/catalog"
	"github.com/cinelane/cinelane/notify"
)

// HomeFeed is the set of sections on the landing surface. Sections fail
// independently: a dead catalog call empties its own section and toasts,
// the rest still populate.
type HomeFeed struct {
	TrendingMovies []catalog.MediaItem
	TrendingTV     []catalog.MediaItem
	PopularMovies  []catalog.MediaItem
	GenreRows      map[int][]catalog.MediaItem
}

// homeGenres are the genre rows rendered on the landing surface.
var homeGenres = []int{28, 35, 18, 27, 10749, 878}

// LoadHomeFeed fetches all landing sections concurrently. Each fetch has
// its own timeout inside the catalog client, so one slow provider call
// cannot hold the page.
func (c *Controller) LoadHomeFeed(ctx context.Context) HomeFeed {
	epoch := c.epochNow()

	feed := HomeFeed{GenreRows: make(map[int][]catalog.MediaItem, len(homeGenres))}
	var mu sync.Mutex
	var wg sync.WaitGroup
	var failed bool

	section := func(name string, fetch func() ([]catalog.MediaItem, error), assign func([]catalog.MediaItem)) {
		defer wg.Done()
		items, err := fetch()
		if err != nil {
			slog.Warn("catalog section failed", "section", name, "error", err)
			mu.Lock()
			failed = true
			mu.Unlock()
			return
		}
		mu.Lock()
		assign(items)
		mu.Unlock()
	}

	wg.Add(3 + len(homeGenres))
	go section("trending-movies",
		func() ([]catalog.MediaItem, error) { return c.catalog.Trending(ctx, catalog.Movie, "week") },
		func(v []catalog.MediaItem) { feed.TrendingMovies = v })
	go section("trending-tv",
		func() ([]catalog.MediaItem, error) { return c.catalog.Trending(ctx, catalog.TV, "week") },
		func(v []catalog.MediaItem) { feed.TrendingTV = v })
	go section("popular-movies",
		func() ([]catalog.MediaItem, error) { return c.catalog.Popular(ctx, catalog.Movie) },
		func(v []catalog.MediaItem) { feed.PopularMovies = v })
	for _, genreID := range homeGenres {
		genreID := genreID
		go section("genre",
			func() ([]catalog.MediaItem, error) { return c.catalog.DiscoverByGenre(ctx, catalog.Movie, genreID) },
			func(v []catalog.MediaItem) { feed.GenreRows[genreID] = v })
	}
	wg.Wait()

	if failed {
		c.notifier.Notify(notify.Notice{
			Level:   notify.Warning,
			Message: "Some sections could not be loaded. Pull to refresh.",
		})
	}
	if !c.epochValid(epoch) {
		// Signed out while fetching: drop the results rather than render a
		// feed for a session that no longer exists.
		return HomeFeed{GenreRows: map[int][]catalog.MediaItem{}}
	}
	return feed
}

// Search runs a multi-search and records the query in the signed-in user's
// search history. Callers debounce input; every call here hits the catalog.
func (c *Controller) Search(ctx context.Context, query string) ([]catalog.MediaItem, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	epoch := c.epochNow()

	items, err := c.catalog.SearchMulti(ctx, query)
	if err != nil {
		c.notifier.Notify(notify.Notice{Level: notify.Error, Message: "Search is unavailable right now."})
		return nil, err
	}
	if !c.epochValid(epoch) {
		return nil, nil
	}

	if userID, ok := c.UserID(); ok {
		if histErr := c.history.RecordSearch(ctx, userID, query); histErr != nil {
			slog.Warn("app: recording search failed", "error", histErr)
		}
	}
	return items, nil
}
