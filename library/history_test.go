package library_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cinelane/cinelane/catalog"
	"github.com/cinelane/cinelane/library"
	"github.com/cinelane/cinelane/player"
	"github.com/cinelane/cinelane/store"
	"github.com/cinelane/cinelane/store/storetest"
)

var _ = Describe("History", func() {
	var (
		srv  *storetest.Server
		hist *library.History
		ctx  context.Context
	)

	BeforeEach(func() {
		srv = storetest.New()
		hist = library.NewHistory(store.NewClient(srv.URL(), "k"))
		ctx = context.Background()
	})

	AfterEach(func() {
		srv.Close()
	})

	episodeSession := func() player.PlaybackSession {
		return player.PlaybackSession{
			Item:    catalog.MediaItem{ID: 7, Name: "Harbor Lights", MediaType: catalog.TV},
			UserID:  "user-1",
			Season:  2,
			Episode: 5,
		}
	}

	Describe("RecordWatch", func() {
		It("appends the event with season and episode", func() {
			hist.RecordWatch(ctx, episodeSession(), 45*time.Minute)

			rows := srv.Rows("watch_history")
			Expect(rows).To(HaveLen(1))
			Expect(rows[0]["title"]).To(Equal("Harbor Lights"))
			Expect(rows[0]["season"]).To(BeNumerically("==", 2))
			Expect(rows[0]["episode"]).To(BeNumerically("==", 5))
			Expect(rows[0]["watched_seconds"]).To(BeNumerically("==", 2700))
		})

		It("folds the session into the aggregate stats row", func() {
			hist.RecordWatch(ctx, episodeSession(), 10*time.Minute)
			hist.RecordWatch(ctx, episodeSession(), 20*time.Minute)

			rows := srv.Rows("watch_sessions")
			Expect(rows).To(HaveLen(1))
			Expect(rows[0]["total_watch_seconds"]).To(BeNumerically("==", 1800))
			Expect(rows[0]["session_count"]).To(BeNumerically("==", 2))
		})

		It("invokes the badge scoring procedure", func() {
			hist.RecordWatch(ctx, episodeSession(), 10*time.Minute)

			calls := srv.RPCCalls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Name).To(Equal("score_watch_event"))
			Expect(calls[0].Args["user_id"]).To(Equal("user-1"))
			Expect(calls[0].Args["watched_seconds"]).To(BeNumerically("==", 600))
		})

		It("keeps going when the history table is down", func() {
			srv.FailTable("watch_history")
			hist.RecordWatch(ctx, episodeSession(), 10*time.Minute)

			Expect(srv.Rows("watch_sessions")).To(HaveLen(1))
			Expect(srv.RPCCalls()).To(HaveLen(1))
		})
	})

	Describe("Stats", func() {
		It("returns a zero row for a user with no sessions", func() {
			stats, err := hist.Stats(ctx, "user-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.UserID).To(Equal("user-1"))
			Expect(stats.SessionCount).To(BeZero())
		})
	})

	Describe("Recent", func() {
		It("returns the newest events first, bounded by limit", func() {
			srv.Seed("watch_history",
				storetest.Row{"user_id": "user-1", "media_id": 1, "title": "A", "watched_at": "2026-03-01T10:00:00Z"},
				storetest.Row{"user_id": "user-1", "media_id": 2, "title": "B", "watched_at": "2026-03-02T10:00:00Z"},
				storetest.Row{"user_id": "user-1", "media_id": 3, "title": "C", "watched_at": "2026-03-03T10:00:00Z"},
			)

			events, err := hist.Recent(ctx, "user-1", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].Title).To(Equal("C"))
			Expect(events[1].Title).To(Equal("B"))
		})
	})

	Describe("search history", func() {
		It("records and recalls queries newest first", func() {
			Expect(hist.RecordSearch(ctx, "user-1", "night")).To(Succeed())
			Expect(hist.RecordSearch(ctx, "user-1", "harbor")).To(Succeed())

			queries, err := hist.RecentSearches(ctx, "user-1", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(queries).To(HaveLen(2))
		})
	})
})
