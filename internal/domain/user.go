/**
 * @description
 * This file defines the core identity and catalog domain models for the
 * entitlement service. These structs map directly to their database tables
 * and carry only the fields the engine needs to grant, meter, and reconcile
 * access.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (senti),
 *   which avoids floating-point inaccuracies with financial data.
 */

package domain

import "time"

// User represents an account holder. Identity is immutable; the admin role
// flag changes only through administrative action.
type User struct {
	ID        int64      `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Phone     string     `json:"phone,omitempty"`
	IsAdmin   bool       `json:"is_admin"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// Material is one purchasable learning item. Only the fields that gate
// payment initiation and entitlement decisions live here; file storage and
// rendering metadata belong to other services.
type Material struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Price     int64     `json:"price"` // in senti
	IsActive  bool      `json:"is_active"`
	IsFree    bool      `json:"is_free"`
	IsVideo   bool      `json:"is_video"`
	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionPlan is a catalog entry. Price, duration, and quota are copied
// into a Subscription at purchase time so later plan edits never
// retroactively alter issued subscriptions.
type SubscriptionPlan struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Price        int64     `json:"price"` // in senti
	DurationDays int       `json:"duration_days"`
	MaxMaterials int       `json:"max_materials"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// MobilePaymentMethod is a named mobile-money channel a subscription can be
// purchased through. Only click-to-pay capable, active methods accept
// payment initiation.
type MobilePaymentMethod struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	DisplayName        string    `json:"display_name"`
	IsActive           bool      `json:"is_active"`
	SupportsClickToPay bool      `json:"supports_click_to_pay"`
	CreatedAt          time.Time `json:"created_at"`
}
