/**
 * @description
 * This file defines the access-tracking models and the AccessDecision type
 * returned by the entitlement evaluator. MaterialView records a user's
 * one-time free first view, LimitedDownload meters the per-day allowance for
 * users without a subscription, and DownloadRecord is the permanent proof of
 * purchase created when a per-material payment settles.
 */

package domain

import "time"

// Limited download types. A video download consumes both the daily total
// allowance and the stricter daily video allowance.
const (
	DownloadTypeDocument = "document"
	DownloadTypeVideo    = "video"
)

// Daily metering allowances for users without an entitling subscription.
const (
	DailyDownloadLimit      = 3
	DailyVideoDownloadLimit = 1
)

// MaterialView marks that a user has consumed their single free first view
// of a material. At most one row exists per (user, material) pair.
type MaterialView struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	MaterialID int64     `json:"material_id"`
	ViewedAt   time.Time `json:"viewed_at"`
}

// LimitedDownload is one consumption of the daily metered allowance.
type LimitedDownload struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	MaterialID   int64     `json:"material_id"`
	DownloadType string    `json:"download_type"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// DownloadRecord is the durable proof that a user bought a specific material
// outright. It never expires and is created at most once per (user, material).
type DownloadRecord struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	MaterialID   int64     `json:"material_id"`
	PurchasedAt  time.Time `json:"purchased_at"`
	PricePaid    int64     `json:"price_paid"` // in senti
	Currency     string    `json:"currency"`
}

// AccessClass names the ladder rung an access decision landed on. The ladder
// is evaluated top down: admin, then free material, then purchased material,
// then paid subscription, then free first view, then the daily metered
// allowance. Purchased material outranks subscription so an outright purchase
// never burns subscription quota.
type AccessClass string

const (
	AccessAdminFull      AccessClass = "admin_full"
	AccessFreeMaterial   AccessClass = "free_material"
	AccessPurchasedFull  AccessClass = "purchased_full"
	AccessSubscriberFull AccessClass = "subscriber_full"
	AccessFreeFirstView  AccessClass = "free_first_view"
	AccessMeteredLimited AccessClass = "metered_limited"
	AccessDenied         AccessClass = "denied"
)

// AccessDecision is the outcome of evaluating the access ladder for one
// (user, material) pair. Subscription is set only for subscriber grants so
// the caller can report remaining quota.
type AccessDecision struct {
	Class        AccessClass   `json:"class"`
	Granted      bool          `json:"granted"`
	Reason       string        `json:"reason,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
}
