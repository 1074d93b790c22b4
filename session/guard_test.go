package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cinelane/cinelane/notify"
	"github.com/cinelane/cinelane/session"
	"github.com/cinelane/cinelane/store"
	"github.com/cinelane/cinelane/store/storetest"
)

// fakeFeed hands the guard a channel the test pushes events into.
type fakeFeed struct {
	mu     sync.Mutex
	events chan store.ChangeEvent
	closed bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan store.ChangeEvent, 8)}
}

func (f *fakeFeed) SessionChanges(ctx context.Context, userID string) (<-chan store.ChangeEvent, func(), error) {
	return f.events, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.closed {
			f.closed = true
			close(f.events)
		}
	}, nil
}

func (f *fakeFeed) push(ev store.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

// errFeed refuses every subscription.
type errFeed struct{}

func (errFeed) SessionChanges(ctx context.Context, userID string) (<-chan store.ChangeEvent, func(), error) {
	return nil, nil, errors.New("feed unavailable")
}

type fakeIDP struct {
	mu       sync.Mutex
	signOuts int
}

func (f *fakeIDP) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	return nil
}

func (f *fakeIDP) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOuts
}

type noticeLog struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (l *noticeLog) Notify(n notify.Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *noticeLog) all() []notify.Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notify.Notice(nil), l.notices...)
}

func rowJSON(r session.Row) json.RawMessage {
	b, err := json.Marshal(r)
	Expect(err).NotTo(HaveOccurred())
	return b
}

var _ = Describe("Guard", func() {
	const (
		userID = "user-1"
		myDev  = "device-mine"
	)

	var (
		srv      *storetest.Server
		feed     *fakeFeed
		idp      *fakeIDP
		notices  *noticeLog
		guard    *session.Guard
		signOuts chan string
		ctx      context.Context
	)

	BeforeEach(func() {
		srv = storetest.New()
		feed = newFakeFeed()
		idp = &fakeIDP{}
		notices = &noticeLog{}
		ctx = context.Background()
		guard = session.NewGuard(store.NewClient(srv.URL(), "k"), feed, idp, notices, myDev, time.Hour)
		signOuts = make(chan string, 4)
		guard.SetOnSignOut(func(reason string) { signOuts <- reason })
	})

	AfterEach(func() {
		guard.ForceSignOut("test teardown")
		srv.Close()
	})

	Describe("Register", func() {
		It("claims a fresh row and becomes active", func() {
			Expect(guard.Register(ctx, userID)).To(Succeed())
			Expect(guard.State()).To(Equal(session.StateActive))

			rows := srv.Rows("active_sessions")
			Expect(rows).To(HaveLen(1))
			Expect(rows[0]["device_id"]).To(Equal(myDev))
			Expect(rows[0]["is_active"]).To(Equal(true))
			Expect(rows[0]["session_flag"]).To(Equal("S"))
		})

		It("rejects when another device holds an active claim", func() {
			srv.Seed("active_sessions", storetest.Row{
				"user_id": userID, "device_id": "device-other",
				"is_active": true, "session_flag": "S",
			})

			err := guard.Register(ctx, userID)
			Expect(err).To(MatchError(session.ErrDeviceConflict))
			Expect(guard.State()).To(Equal(session.StateNoSession))
			Expect(idp.count()).To(Equal(1))

			// The losing device must not disturb the winner's claim.
			rows := srv.Rows("active_sessions")
			Expect(rows).To(HaveLen(1))
			Expect(rows[0]["device_id"]).To(Equal("device-other"))
		})

		It("reclaims a row whose previous claim was closed", func() {
			srv.Seed("active_sessions", storetest.Row{
				"user_id": userID, "device_id": "device-other",
				"is_active": false, "session_flag": "N",
			})

			Expect(guard.Register(ctx, userID)).To(Succeed())

			rows := srv.Rows("active_sessions")
			Expect(rows).To(HaveLen(1))
			Expect(rows[0]["device_id"]).To(Equal(myDev))
			Expect(rows[0]["is_active"]).To(Equal(true))
		})

		It("re-registers on the same device without conflict", func() {
			srv.Seed("active_sessions", storetest.Row{
				"user_id": userID, "device_id": myDev,
				"is_active": true, "session_flag": "S",
			})
			Expect(guard.Register(ctx, userID)).To(Succeed())
		})

		It("refuses a second concurrent registration", func() {
			Expect(guard.Register(ctx, userID)).To(Succeed())
			Expect(guard.Register(ctx, "user-2")).To(HaveOccurred())
		})

		It("fails closed when the session row cannot be read", func() {
			srv.FailTable("active_sessions")
			Expect(guard.Register(ctx, userID)).To(HaveOccurred())
			Expect(guard.State()).To(Equal(session.StateNoSession))
		})

		It("returns to no-session when the change feed cannot be opened", func() {
			g := session.NewGuard(store.NewClient(srv.URL(), "k"), errFeed{}, idp, notices, myDev, time.Hour)
			Expect(g.Register(ctx, userID)).To(HaveOccurred())
			Expect(g.State()).To(Equal(session.StateNoSession))
		})
	})

	Describe("realtime reactions", func() {
		BeforeEach(func() {
			Expect(guard.Register(ctx, userID)).To(Succeed())
		})

		It("signs out when the row moves to another device", func() {
			feed.push(store.ChangeEvent{
				Type: store.EventUpdate,
				New: rowJSON(session.Row{
					UserID: userID, DeviceID: "device-other",
					IsActive: true, SessionFlag: "S",
				}),
			})

			Eventually(signOuts).Should(Receive())
			Expect(guard.State()).To(Equal(session.StateTerminated))
			Eventually(notices.all).Should(HaveLen(1))
			Expect(notices.all()[0].Message).To(ContainSubstring("another device"))
		})

		It("signs out when the row is deactivated", func() {
			feed.push(store.ChangeEvent{
				Type: store.EventUpdate,
				New: rowJSON(session.Row{
					UserID: userID, DeviceID: myDev,
					IsActive: false, SessionFlag: "S",
				}),
			})

			Eventually(signOuts).Should(Receive())
			Eventually(notices.all).Should(HaveLen(1))
			Expect(notices.all()[0].Message).To(ContainSubstring("disabled"))
		})

		It("signs out when the session flag is closed", func() {
			feed.push(store.ChangeEvent{
				Type: store.EventUpdate,
				New: rowJSON(session.Row{
					UserID: userID, DeviceID: myDev,
					IsActive: true, SessionFlag: "N",
				}),
			})

			Eventually(signOuts).Should(Receive())
			Expect(notices.all()[0].Message).To(ContainSubstring("disabled"))
		})

		It("signs out when its own row is deleted", func() {
			feed.push(store.ChangeEvent{
				Type: store.EventDelete,
				Old:  rowJSON(session.Row{UserID: userID, DeviceID: myDev}),
			})

			Eventually(signOuts).Should(Receive())
			Expect(notices.all()[0].Message).To(ContainSubstring("ended"))
		})

		It("ignores a delete of another device's row", func() {
			feed.push(store.ChangeEvent{
				Type: store.EventDelete,
				Old:  rowJSON(session.Row{UserID: userID, DeviceID: "device-other"}),
			})

			Consistently(signOuts).ShouldNot(Receive())
			Expect(guard.State()).To(Equal(session.StateActive))
		})

		It("ignores an update confirming its own active claim", func() {
			feed.push(store.ChangeEvent{
				Type: store.EventUpdate,
				New: rowJSON(session.Row{
					UserID: userID, DeviceID: myDev,
					IsActive: true, SessionFlag: "S",
				}),
			})

			Consistently(signOuts).ShouldNot(Receive())
			Expect(guard.State()).To(Equal(session.StateActive))
		})

		It("forces sign-out at most once for a burst of revocations", func() {
			revoked := rowJSON(session.Row{
				UserID: userID, DeviceID: "device-other",
				IsActive: true, SessionFlag: "S",
			})
			feed.push(store.ChangeEvent{Type: store.EventUpdate, New: revoked})
			feed.push(store.ChangeEvent{Type: store.EventUpdate, New: revoked})

			Eventually(signOuts).Should(Receive())
			Consistently(notices.all).Should(HaveLen(1))
			Expect(idp.count()).To(Equal(1))
		})
	})

	Describe("End", func() {
		It("closes the row and terminates without a notice", func() {
			Expect(guard.Register(ctx, userID)).To(Succeed())
			Expect(guard.End(ctx)).To(Succeed())

			Expect(guard.State()).To(Equal(session.StateTerminated))
			rows := srv.Rows("active_sessions")
			Expect(rows).To(HaveLen(1))
			Expect(rows[0]["is_active"]).To(Equal(false))
			Expect(rows[0]["session_flag"]).To(Equal("N"))
			Expect(notices.all()).To(BeEmpty())
			Expect(idp.count()).To(Equal(1))
		})

		It("is a no-op with no session", func() {
			Expect(guard.End(ctx)).To(Succeed())
			Expect(idp.count()).To(BeZero())
		})
	})

	Describe("ForceSignOut", func() {
		It("is idempotent", func() {
			Expect(guard.Register(ctx, userID)).To(Succeed())
			guard.ForceSignOut("first")
			guard.ForceSignOut("second")

			Expect(notices.all()).To(HaveLen(1))
			Expect(notices.all()[0].Message).To(Equal("first"))
			Expect(idp.count()).To(Equal(1))
		})

		It("is a no-op with no session", func() {
			guard.ForceSignOut("nothing")
			Expect(notices.all()).To(BeEmpty())
		})
	})
})
