// Package entitlement resolves whether an identity may consume premium
// actions (playback, bookmarking). The gate is consulted once per sign-in
// and the result held on the session context for that session's lifetime.
package entitlement

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cinelane/cinelane/store"
)

// Reason explains a denied entitlement check.
type Reason string

const (
	ReasonNotFound    Reason = "not_found"
	ReasonNotApproved Reason = "not_approved"
	ReasonExpired     Reason = "expired"
	ReasonError       Reason = "error"
)

// Status is the resolved entitlement of one identity.
type Status struct {
	Allowed   bool
	Reason    Reason
	ExpiresAt *time.Time
}

// allowedUserRow mirrors the allowed_users table, which is read-only to the
// client - approvals happen out of band.
type allowedUserRow struct {
	Email      string  `json:"email"`
	Approved   bool    `json:"approved"`
	ExpiryDate *string `json:"expiry_date"`
}

type specialUserRow struct {
	Email string `json:"email"`
}

// Gate checks the allowed_users table, with a special_users override for
// complimentary accounts.
type Gate struct {
	db  *store.Client
	now func() time.Time
}

// NewGate builds a gate over the given datastore.
func NewGate(db *store.Client) *Gate {
	return &Gate{db: db, now: time.Now}
}

// Check resolves the entitlement for email. Any lookup failure yields a
// denied status with ReasonError - the gate fails closed.
func (g *Gate) Check(ctx context.Context, email string) Status {
	email = strings.ToLower(strings.TrimSpace(email))

	var row allowedUserRow
	err := g.db.SelectOne(ctx, "allowed_users", &row, store.Eq("email", email))
	if store.IsNotFound(err) {
		// Complimentary accounts bypass the approval list entirely.
		var sp specialUserRow
		if spErr := g.db.SelectOne(ctx, "special_users", &sp, store.Eq("email", email)); spErr == nil {
			return Status{Allowed: true}
		}
		return Status{Reason: ReasonNotFound}
	}
	if err != nil {
		slog.Error("entitlement: lookup failed", "email", email, "error", err)
		return Status{Reason: ReasonError}
	}

	if !row.Approved {
		return Status{Reason: ReasonNotApproved}
	}

	if row.ExpiryDate != nil && *row.ExpiryDate != "" {
		if exp, ok := parseExpiry(*row.ExpiryDate); ok {
			if exp.Before(g.now()) {
				return Status{Reason: ReasonExpired, ExpiresAt: &exp}
			}
			return Status{Allowed: true, ExpiresAt: &exp}
		}
		// Unparseable expiry does not deny an approved account.
	}
	return Status{Allowed: true}
}

// parseExpiry accepts a bare date or a full timestamp. A bare date expires
// at the end of that day, not its midnight, so access lasts through the
// stated day.
func parseExpiry(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Add(24*time.Hour - time.Nanosecond), true
	}
	return time.Time{}, false
}
