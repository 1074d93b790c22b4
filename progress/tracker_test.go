package progress_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cinelane/cinelane/catalog"
	"github.com/cinelane/cinelane/player"
	"github.com/cinelane/cinelane/progress"
	"github.com/cinelane/cinelane/store"
	"github.com/cinelane/cinelane/store/storetest"
)

type fakeRecorder struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRecorder) RecordWatch(ctx context.Context, s player.PlaybackSession, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func movieSession(startedAgo time.Duration) player.PlaybackSession {
	return player.PlaybackSession{
		Item:      catalog.MediaItem{ID: 42, Title: "Night Train", MediaType: catalog.Movie, PosterPath: "/p.jpg"},
		UserID:    "user-1",
		StartedAt: time.Now().Add(-startedAgo),
	}
}

var _ = Describe("NewEntry", func() {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	It("derives the watched percentage", func() {
		e := progress.NewEntry(movieSession(0), 400, 500, now)
		Expect(e.ProgressPercentage).To(BeNumerically("~", 80.0, 0.001))
		Expect(e.Completed).To(BeFalse())
		Expect(e.WatchProgress).To(Equal(400))
		Expect(e.TotalDuration).To(Equal(500))
	})

	It("flips completed strictly above ninety percent", func() {
		Expect(progress.NewEntry(movieSession(0), 450, 500, now).Completed).To(BeFalse())
		Expect(progress.NewEntry(movieSession(0), 460, 500, now).Completed).To(BeTrue())
	})

	It("treats a zero duration as zero progress", func() {
		e := progress.NewEntry(movieSession(0), 400, 0, now)
		Expect(e.ProgressPercentage).To(BeZero())
		Expect(e.Completed).To(BeFalse())
	})

	It("carries season and episode for series only", func() {
		s := player.PlaybackSession{
			Item:    catalog.MediaItem{ID: 7, Name: "Harbor Lights", MediaType: catalog.TV},
			UserID:  "user-1",
			Season:  2,
			Episode: 5,
		}
		e := progress.NewEntry(s, 100, 2700, now)
		Expect(e.Season).To(Equal(2))
		Expect(e.Episode).To(Equal(5))

		m := progress.NewEntry(movieSession(0), 100, 7200, now)
		Expect(m.Season).To(BeZero())
		Expect(m.Episode).To(BeZero())
	})
})

var _ = Describe("Tracker", func() {
	var (
		srv      *storetest.Server
		recorder *fakeRecorder
		tracker  *progress.Tracker
		ctx      context.Context
	)

	cfg := progress.Config{
		Interval:             20 * time.Millisecond,
		MinTrackedSeconds:    60,
		WatchRecordThreshold: 30 * time.Second,
	}

	BeforeEach(func() {
		srv = storetest.New()
		recorder = &fakeRecorder{}
		tracker = progress.NewTracker(store.NewClient(srv.URL(), "k"), cfg, recorder)
		ctx = context.Background()
	})

	AfterEach(func() {
		srv.Close()
	})

	Describe("periodic persistence", func() {
		It("writes positions once playback crosses the minimum tracked length", func() {
			s := movieSession(100 * time.Second)
			tracker.PlaybackStarted(s)
			defer tracker.PlaybackClosed(ctx, s, 100*time.Second)

			Eventually(func() int {
				return len(srv.Rows("continue_watching"))
			}).Should(Equal(1))

			row := srv.Rows("continue_watching")[0]
			Expect(row["user_id"]).To(Equal("user-1"))
			Expect(row["media_id"]).To(BeNumerically("==", 42))
		})

		It("skips sessions still below the minimum tracked length", func() {
			s := movieSession(5 * time.Second)
			tracker.PlaybackStarted(s)
			defer tracker.PlaybackClosed(ctx, s, 5*time.Second)

			Consistently(func() int {
				return len(srv.Rows("continue_watching"))
			}, 100*time.Millisecond).Should(BeZero())
		})
	})

	Describe("PlaybackClosed", func() {
		It("flushes the final position and records the watch", func() {
			s := movieSession(10 * time.Minute)
			tracker.PlaybackStarted(s)
			tracker.PlaybackClosed(ctx, s, 10*time.Minute)

			rows := srv.Rows("continue_watching")
			Expect(rows).To(HaveLen(1))
			Expect(rows[0]["watch_progress"]).To(BeNumerically("==", 600))
			Expect(recorder.count()).To(Equal(1))
		})

		It("ignores sessions below the watch threshold", func() {
			s := movieSession(10 * time.Second)
			tracker.PlaybackStarted(s)
			tracker.PlaybackClosed(ctx, s, 10*time.Second)

			Expect(srv.Rows("continue_watching")).To(BeEmpty())
			Expect(recorder.count()).To(BeZero())
		})

		It("caps the stored position at the duration estimate", func() {
			s := movieSession(3 * time.Hour)
			tracker.PlaybackClosed(ctx, s, 3*time.Hour)

			rows := srv.Rows("continue_watching")
			Expect(rows).To(HaveLen(1))
			Expect(rows[0]["watch_progress"]).To(BeNumerically("==", 7200))
			Expect(rows[0]["completed"]).To(Equal(true))
		})

		It("upserts in place rather than appending", func() {
			s := movieSession(5 * time.Minute)
			tracker.PlaybackClosed(ctx, s, 5*time.Minute)
			tracker.PlaybackClosed(ctx, s, 6*time.Minute)

			Expect(srv.Rows("continue_watching")).To(HaveLen(1))
		})
	})

	Describe("List", func() {
		It("returns resumable entries only", func() {
			srv.Seed("continue_watching",
				storetest.Row{"user_id": "user-1", "media_id": 1, "watch_progress": 600, "completed": false, "last_watched_at": "2026-03-01T10:00:00Z"},
				storetest.Row{"user_id": "user-1", "media_id": 2, "watch_progress": 7100, "completed": true, "last_watched_at": "2026-03-02T10:00:00Z"},
				storetest.Row{"user_id": "user-1", "media_id": 3, "watch_progress": 10, "completed": false, "last_watched_at": "2026-03-03T10:00:00Z"},
				storetest.Row{"user_id": "user-2", "media_id": 4, "watch_progress": 600, "completed": false, "last_watched_at": "2026-03-04T10:00:00Z"},
			)

			entries, err := tracker.List(ctx, "user-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].MediaID).To(Equal(1))
		})
	})

	Describe("Remove", func() {
		It("deletes one user's entry for one title", func() {
			srv.Seed("continue_watching",
				storetest.Row{"user_id": "user-1", "media_id": 1},
				storetest.Row{"user_id": "user-1", "media_id": 2},
				storetest.Row{"user_id": "user-2", "media_id": 1},
			)

			Expect(tracker.Remove(ctx, "user-1", 1)).To(Succeed())

			rows := srv.Rows("continue_watching")
			Expect(rows).To(HaveLen(2))
			for _, r := range rows {
				if r["user_id"] == "user-1" {
					Expect(r["media_id"]).To(BeNumerically("==", 2))
				}
			}
		})
	})
})
