// Package catalog fetches title metadata from the third-party catalog API:
// trending, popular, genre discovery, search, and series/season details.
// Every call carries a client-enforced timeout so one slow section never
// stalls the rest of a page - sections render independently.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Feed-hygiene thresholds applied to list responses. Ratings below the vote
// floor are statistically meaningless; adult titles are always dropped.
const (
	minVoteCount = 20
)

// shownLanguages is the original-language allowlist for discovery feeds.
var shownLanguages = map[string]bool{
	"en": true, "ja": true, "ko": true, "es": true, "fr": true,
	"de": true, "it": true, "pt": true, "zh": true, "hi": true,
}

// Client talks to the catalog API with a bearer credential.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client

	// listCache absorbs bursts of identical trending/popular requests made
	// during page loads. Entries expire on their own; nothing is persisted.
	listCache *ttlcache.Cache[string, []MediaItem]
}

// NewClient builds a catalog client. cacheTTL bounds how long trending and
// popular lists are reused; timeout bounds every individual call.
func NewClient(baseURL, token string, timeout, cacheTTL time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cache := ttlcache.New[string, []MediaItem](
		ttlcache.WithTTL[string, []MediaItem](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, []MediaItem](),
	)
	go cache.Start()

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		listCache: cache,
	}
}

// Stop halts the cache eviction loop. Called once on shutdown.
func (c *Client) Stop() {
	c.listCache.Stop()
}

type pagedResponse struct {
	Page    int         `json:"page"`
	Results []MediaItem `json:"results"`
}

// Trending returns the trending feed for the given media type over the
// time window "day" or "week". Cached briefly.
func (c *Client) Trending(ctx context.Context, mediaType MediaType, window string) ([]MediaItem, error) {
	if window == "" {
		window = "week"
	}
	key := "trending/" + string(mediaType) + "/" + window
	if item := c.listCache.Get(key); item != nil {
		return item.Value(), nil
	}
	items, err := c.fetchList(ctx, "/trending/"+string(mediaType)+"/"+window, nil, mediaType)
	if err != nil {
		return nil, err
	}
	c.listCache.Set(key, items, ttlcache.DefaultTTL)
	return items, nil
}

// Popular returns the popular feed for the given media type. Cached briefly.
func (c *Client) Popular(ctx context.Context, mediaType MediaType) ([]MediaItem, error) {
	key := "popular/" + string(mediaType)
	if item := c.listCache.Get(key); item != nil {
		return item.Value(), nil
	}
	items, err := c.fetchList(ctx, "/"+string(mediaType)+"/popular", nil, mediaType)
	if err != nil {
		return nil, err
	}
	c.listCache.Set(key, items, ttlcache.DefaultTTL)
	return items, nil
}

// DiscoverByGenre returns titles of the given type in one genre, sorted by
// popularity. Not cached - genre rows vary too much to be worth it.
func (c *Client) DiscoverByGenre(ctx context.Context, mediaType MediaType, genreID int) ([]MediaItem, error) {
	q := url.Values{}
	q.Set("with_genres", strconv.Itoa(genreID))
	q.Set("sort_by", "popularity.desc")
	q.Set("include_adult", "false")
	return c.fetchList(ctx, "/discover/"+string(mediaType), q, mediaType)
}

// SearchMulti searches movies and series together. Results keep the media
// type reported per item; person hits and unknown types are dropped.
func (c *Client) SearchMulti(ctx context.Context, query string) ([]MediaItem, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("include_adult", "false")
	return c.fetchList(ctx, "/search/multi", q, "")
}

// TV returns series-level details, including the season list.
func (c *Client) TV(ctx context.Context, id int) (*TVDetails, error) {
	var det TVDetails
	if err := c.get(ctx, "/tv/"+strconv.Itoa(id), nil, &det); err != nil {
		return nil, err
	}
	return &det, nil
}

// TVSeason returns the episode list for one season of a series.
func (c *Client) TVSeason(ctx context.Context, id, season int) (*SeasonDetails, error) {
	var det SeasonDetails
	if err := c.get(ctx, "/tv/"+strconv.Itoa(id)+"/season/"+strconv.Itoa(season), nil, &det); err != nil {
		return nil, err
	}
	return &det, nil
}

// fetchList fetches a paged list and applies feed hygiene. When mediaType is
// non-empty it is stamped onto each item; otherwise the item's own media_type
// must already be movie or tv.
func (c *Client) fetchList(ctx context.Context, path string, q url.Values, mediaType MediaType) ([]MediaItem, error) {
	var resp pagedResponse
	if err := c.get(ctx, path, q, &resp); err != nil {
		return nil, err
	}

	items := make([]MediaItem, 0, len(resp.Results))
	for _, it := range resp.Results {
		if mediaType != "" {
			it.MediaType = mediaType
		}
		if it.MediaType != Movie && it.MediaType != TV {
			continue
		}
		if it.Adult {
			continue
		}
		if it.VoteCount > 0 && it.VoteCount < minVoteCount {
			continue
		}
		if it.OrigLanguage != "" && !shownLanguages[it.OrigLanguage] {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// get performs one catalog call with the client-enforced timeout and decodes
// the JSON response into dest.
func (c *Client) get(ctx context.Context, path string, q url.Values, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("catalog: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("catalog: %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("catalog: decoding %s response: %w", path, err)
	}
	return nil
}
