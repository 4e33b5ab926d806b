/**
 * @description
 * This file defines the Subscription model and its lifecycle vocabulary.
 * A Subscription is one purchase attempt/period for one user; its payment
 * status moves pending -> paid | failed, and quota consumption is tracked
 * against the max_materials value copied from the plan at purchase time.
 */

package domain

import "time"

// Subscription payment statuses.
const (
	SubscriptionPending = "pending"
	SubscriptionPaid    = "paid"
	SubscriptionFailed  = "failed"
)

// Subscription is one access period for one user. At most one subscription
// per user may simultaneously be active, paid, and unexpired.
type Subscription struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id"`
	PlanID            *int64    `json:"plan_id,omitempty"`
	StartDate         time.Time `json:"start_date"`
	EndDate           time.Time `json:"end_date"`
	MaxMaterials      int       `json:"max_materials"`
	MaterialsAccessed int       `json:"materials_accessed"`
	IsActive          bool      `json:"is_active"`
	PaymentStatus     string    `json:"payment_status"`
	CreatedAt         time.Time `json:"created_at"`
}

// IsValid reports whether the subscription currently grants access. This is
// the single predicate used everywhere entitlement is checked; any variation
// of it elsewhere is policy drift.
func (s *Subscription) IsValid(now time.Time) bool {
	return s.IsActive && s.PaymentStatus == SubscriptionPaid && now.Before(s.EndDate)
}

// CanAccessMaterial reports whether the subscription still has quota left.
// Advisory only: the atomic increment in the store is the authoritative
// check under concurrency.
func (s *Subscription) CanAccessMaterial(now time.Time) bool {
	return s.IsValid(now) && s.MaterialsAccessed < s.MaxMaterials
}

// DaysRemaining reports whole days until expiry, never negative.
func (s *Subscription) DaysRemaining(now time.Time) int {
	if !now.Before(s.EndDate) {
		return 0
	}
	return int(s.EndDate.Sub(now).Hours() / 24)
}
