package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// DatastoreURL is the base URL of the datastore REST API.
	DatastoreURL string `env:"DATASTORE_URL" envDefault:"http://localhost:54321"`
	// DatastoreKey is the public API key sent with every datastore request.
	DatastoreKey string `env:"DATASTORE_KEY"`
	// IdentityURL is the base URL of the identity provider. Defaults to the
	// datastore host, which fronts both services in the usual deployment.
	IdentityURL string `env:"IDENTITY_URL"`
	// CatalogURL is the base URL of the metadata catalog API.
	CatalogURL string `env:"CATALOG_URL" envDefault:"https://api.themoviedb.org/3"`
	// CatalogToken is the bearer credential for the catalog API.
	CatalogToken string `env:"CATALOG_TOKEN"`
	// CatalogTimeout is the client-enforced deadline on every catalog call.
	CatalogTimeout time.Duration `env:"CATALOG_TIMEOUT" envDefault:"10s"`
	// CatalogCacheTTL is how long trending/popular responses are reused
	// before refetching. Short on purpose - it only absorbs bursts.
	CatalogCacheTTL time.Duration `env:"CATALOG_CACHE_TTL" envDefault:"30s"`

	// HeartbeatInterval is how often an active session refreshes its claim.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"60s"`
	// ProgressInterval is how often an open playback session persists its
	// watch position.
	ProgressInterval time.Duration `env:"PROGRESS_INTERVAL" envDefault:"30s"`

	// SourceLoadTimeout is how long the player waits for an embed source to
	// signal a successful load before failing over.
	SourceLoadTimeout time.Duration `env:"SOURCE_LOAD_TIMEOUT" envDefault:"10s"`
	// RetryBaseDelay is the base backoff between retries of the same embed
	// source. Retry n waits n times this delay.
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"2s"`
	// FailoverDelay is the pause before loading the next candidate source
	// after the current one is declared failed.
	FailoverDelay time.Duration `env:"FAILOVER_DELAY" envDefault:"1500ms"`

	// MinTrackedSeconds is the minimum elapsed playback below which no
	// continue-watching entry is recorded.
	MinTrackedSeconds int `env:"MIN_TRACKED_SECONDS" envDefault:"60"`
	// MovieDurationEstimate is the assumed total runtime of a movie, in
	// seconds. Playback happens inside an opaque embedded document, so the
	// real duration is never observable.
	MovieDurationEstimate int `env:"MOVIE_DURATION_ESTIMATE" envDefault:"7200"`
	// EpisodeDurationEstimate is the assumed runtime of a series episode.
	EpisodeDurationEstimate int `env:"EPISODE_DURATION_ESTIMATE" envDefault:"2700"`
	// WatchRecordThreshold is the minimum elapsed playback before closing
	// the player writes a watch-history entry.
	WatchRecordThreshold time.Duration `env:"WATCH_RECORD_THRESHOLD" envDefault:"30s"`
}

// Load parses configuration from environment variables.
// Returns an error if a value cannot be parsed into the expected type.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: parsing environment: %w", err)
	}
	if cfg.IdentityURL == "" {
		cfg.IdentityURL = cfg.DatastoreURL
	}
	return cfg, nil
}
