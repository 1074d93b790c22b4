package entitlement_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cinelane/cinelane/entitlement"
	"github.com/cinelane/cinelane/store"
	"github.com/cinelane/cinelane/store/storetest"
)

var _ = Describe("Gate", func() {
	var (
		srv  *storetest.Server
		gate *entitlement.Gate
		ctx  context.Context
	)

	BeforeEach(func() {
		srv = storetest.New()
		gate = entitlement.NewGate(store.NewClient(srv.URL(), "k"))
		ctx = context.Background()
	})

	AfterEach(func() {
		srv.Close()
	})

	It("denies with not_found when no record exists", func() {
		st := gate.Check(ctx, "nobody@example.com")
		Expect(st.Allowed).To(BeFalse())
		Expect(st.Reason).To(Equal(entitlement.ReasonNotFound))
	})

	It("denies with not_approved for an unapproved record", func() {
		srv.Seed("allowed_users", storetest.Row{"email": "a@example.com", "approved": false})
		st := gate.Check(ctx, "a@example.com")
		Expect(st.Allowed).To(BeFalse())
		Expect(st.Reason).To(Equal(entitlement.ReasonNotApproved))
	})

	It("denies with expired for an approval past its expiry", func() {
		yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
		srv.Seed("allowed_users", storetest.Row{
			"email": "a@example.com", "approved": true, "expiry_date": yesterday,
		})
		st := gate.Check(ctx, "a@example.com")
		Expect(st.Allowed).To(BeFalse())
		Expect(st.Reason).To(Equal(entitlement.ReasonExpired))
		Expect(st.ExpiresAt).NotTo(BeNil())
	})

	It("allows an approval expiring in the future", func() {
		tomorrow := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
		srv.Seed("allowed_users", storetest.Row{
			"email": "a@example.com", "approved": true, "expiry_date": tomorrow,
		})
		st := gate.Check(ctx, "a@example.com")
		Expect(st.Allowed).To(BeTrue())
	})

	It("allows an approval with no expiry", func() {
		srv.Seed("allowed_users", storetest.Row{"email": "a@example.com", "approved": true})
		st := gate.Check(ctx, "a@example.com")
		Expect(st.Allowed).To(BeTrue())
	})

	It("normalizes the email before lookup", func() {
		srv.Seed("allowed_users", storetest.Row{"email": "a@example.com", "approved": true})
		st := gate.Check(ctx, "  A@Example.COM ")
		Expect(st.Allowed).To(BeTrue())
	})

	It("allows a complimentary account listed in special_users", func() {
		srv.Seed("special_users", storetest.Row{"email": "vip@example.com"})
		st := gate.Check(ctx, "vip@example.com")
		Expect(st.Allowed).To(BeTrue())
	})

	It("fails closed on a lookup failure", func() {
		srv.FailTable("allowed_users")
		st := gate.Check(ctx, "a@example.com")
		Expect(st.Allowed).To(BeFalse())
		Expect(st.Reason).To(Equal(entitlement.ReasonError))
	})
})
