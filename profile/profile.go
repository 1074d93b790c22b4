// Package profile covers the account-facing leftovers: the display profile,
// earned badges, and plan-upgrade requests submitted for manual review.
package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cinelane/cinelane/store"
)

const (
	profilesTable        = "user_profiles"
	userBadgesTable      = "user_badges"
	badgeDefsTable       = "badge_definitions"
	pendingPaymentsTable = "pending_payments"
)

// Profile is the user's display profile.
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Badge is one badge the user has earned, joined with its definition.
type Badge struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
	EarnedAt    time.Time `json:"earned_at"`
}

type userBadgeRow struct {
	UserID   string    `json:"user_id"`
	BadgeKey string    `json:"badge_key"`
	EarnedAt time.Time `json:"earned_at"`
}

type badgeDefRow struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// UpgradeRequest is a free-text transaction reference submitted for manual
// review. No payment processing happens client-side.
type UpgradeRequest struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	Reference   string    `json:"reference"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Service reads and writes profile-adjacent tables.
type Service struct {
	db *store.Client
}

// NewService builds the profile accessor.
func NewService(db *store.Client) *Service {
	return &Service{db: db}
}

// Get fetches the user's profile. A user without one gets a zero-value
// profile carrying their id.
func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := s.db.SelectOne(ctx, profilesTable, &p, store.Eq("user_id", userID))
	if store.IsNotFound(err) {
		return Profile{UserID: userID}, nil
	}
	return p, err
}

// Save upserts the user's profile.
func (s *Service) Save(ctx context.Context, p Profile) error {
	p.UpdatedAt = time.Now().UTC()
	if err := s.db.Upsert(ctx, profilesTable, "user_id", p); err != nil {
		return fmt.Errorf("profile: saving profile: %w", err)
	}
	return nil
}

// Badges returns the user's earned badges with their display definitions,
// newest first. A badge whose definition is missing is skipped - the
// definitions table is server-managed and may lag.
func (s *Service) Badges(ctx context.Context, userID string) ([]Badge, error) {
	var earned []userBadgeRow
	err := s.db.Select(ctx, userBadgesTable, store.Query{
		Filters: []store.Filter{store.Eq("user_id", userID)},
		OrderBy: "earned_at.desc",
	}, &earned)
	if err != nil {
		return nil, fmt.Errorf("profile: listing badges: %w", err)
	}
	if len(earned) == 0 {
		return nil, nil
	}

	var defs []badgeDefRow
	if err := s.db.Select(ctx, badgeDefsTable, store.Query{}, &defs); err != nil {
		return nil, fmt.Errorf("profile: loading badge definitions: %w", err)
	}
	byKey := make(map[string]badgeDefRow, len(defs))
	for _, d := range defs {
		byKey[d.Key] = d
	}

	badges := make([]Badge, 0, len(earned))
	for _, e := range earned {
		d, ok := byKey[e.BadgeKey]
		if !ok {
			continue
		}
		badges = append(badges, Badge{
			Key:         d.Key,
			Name:        d.Name,
			Description: d.Description,
			Icon:        d.Icon,
			EarnedAt:    e.EarnedAt,
		})
	}
	return badges, nil
}

// SubmitUpgrade records a plan-upgrade request for manual review. The
// reference is free text; only emptiness is validated here.
func (s *Service) SubmitUpgrade(ctx context.Context, userID, email, reference string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return fmt.Errorf("profile: transaction reference is required")
	}
	req := UpgradeRequest{
		UserID:      userID,
		Email:       strings.ToLower(strings.TrimSpace(email)),
		Reference:   reference,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.db.Insert(ctx, pendingPaymentsTable, req); err != nil {
		return fmt.Errorf("profile: submitting upgrade request: %w", err)
	}
	return nil
}
