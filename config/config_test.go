package config_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cinelane/cinelane/config"
)

var _ = Describe("Load", func() {
	// Keys managed by these tests - saved and restored around each spec.
	var envKeys = []string{
		"DATASTORE_URL", "DATASTORE_KEY", "IDENTITY_URL", "CATALOG_URL",
		"CATALOG_TOKEN", "CATALOG_TIMEOUT", "CATALOG_CACHE_TTL",
		"HEARTBEAT_INTERVAL", "PROGRESS_INTERVAL", "SOURCE_LOAD_TIMEOUT",
		"RETRY_BASE_DELAY", "FAILOVER_DELAY", "MIN_TRACKED_SECONDS",
		"MOVIE_DURATION_ESTIMATE", "EPISODE_DURATION_ESTIMATE",
		"WATCH_RECORD_THRESHOLD",
	}

	var saved map[string]string

	BeforeEach(func() {
		saved = make(map[string]string, len(envKeys))
		for _, k := range envKeys {
			saved[k] = os.Getenv(k)
			Expect(os.Unsetenv(k)).To(Succeed())
		}
	})

	AfterEach(func() {
		for k, v := range saved {
			if v == "" {
				Expect(os.Unsetenv(k)).To(Succeed())
			} else {
				Expect(os.Setenv(k, v)).To(Succeed())
			}
		}
	})

	It("returns defaults when no env vars are set", func() {
		cfg, err := config.Load()
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.DatastoreURL).To(Equal("http://localhost:54321"))
		Expect(cfg.CatalogURL).To(Equal("https://api.themoviedb.org/3"))
		Expect(cfg.CatalogTimeout).To(Equal(10 * time.Second))
		Expect(cfg.CatalogCacheTTL).To(Equal(30 * time.Second))
		Expect(cfg.HeartbeatInterval).To(Equal(60 * time.Second))
		Expect(cfg.ProgressInterval).To(Equal(30 * time.Second))
		Expect(cfg.SourceLoadTimeout).To(Equal(10 * time.Second))
		Expect(cfg.RetryBaseDelay).To(Equal(2 * time.Second))
		Expect(cfg.FailoverDelay).To(Equal(1500 * time.Millisecond))
		Expect(cfg.MinTrackedSeconds).To(Equal(60))
		Expect(cfg.MovieDurationEstimate).To(Equal(7200))
		Expect(cfg.EpisodeDurationEstimate).To(Equal(2700))
		Expect(cfg.WatchRecordThreshold).To(Equal(30 * time.Second))
	})

	It("falls back to the datastore URL for the identity provider", func() {
		Expect(os.Setenv("DATASTORE_URL", "https://db.example.com")).To(Succeed())

		cfg, err := config.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.IdentityURL).To(Equal("https://db.example.com"))
	})

	It("keeps an explicit identity URL", func() {
		Expect(os.Setenv("IDENTITY_URL", "https://auth.example.com")).To(Succeed())

		cfg, err := config.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.IdentityURL).To(Equal("https://auth.example.com"))
	})

	It("reads duration values from env vars", func() {
		Expect(os.Setenv("HEARTBEAT_INTERVAL", "90s")).To(Succeed())
		Expect(os.Setenv("SOURCE_LOAD_TIMEOUT", "5s")).To(Succeed())

		cfg, err := config.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.HeartbeatInterval).To(Equal(90 * time.Second))
		Expect(cfg.SourceLoadTimeout).To(Equal(5 * time.Second))
	})

	It("returns an error for an invalid duration", func() {
		Expect(os.Setenv("PROGRESS_INTERVAL", "not-a-duration")).To(Succeed())

		_, err := config.Load()
		Expect(err).To(HaveOccurred())
	})

	It("reads int values from env vars", func() {
		Expect(os.Setenv("MOVIE_DURATION_ESTIMATE", "5400")).To(Succeed())

		cfg, err := config.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.MovieDurationEstimate).To(Equal(5400))
	})

	It("returns an error for an invalid int", func() {
		Expect(os.Setenv("MIN_TRACKED_SECONDS", "sixty")).To(Succeed())

		_, err := config.Load()
		Expect(err).To(HaveOccurred())
	})
})
