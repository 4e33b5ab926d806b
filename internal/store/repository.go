/**
 * @description
 * This file defines the data access layer contracts for the entitlement
 * service. The Repository interface abstracts every persistence operation the
 * application layer performs, which decouples business logic from the
 * database and allows for mocking in tests.
 *
 * @notes
 * - All state transitions that race (settlement, quota consumption, expiry)
 *   are expressed as conditional single-statement operations returning a
 *   boolean so callers can distinguish "applied" from "already done".
 */

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/somolearn/entitlement-service/internal/domain"
)

// Repository defines the persistence operations for the entitlement engine.
type Repository interface {
	// Catalog and identity lookups.
	FindUserByID(ctx context.Context, id int64) (*domain.User, error)
	FindMaterialByID(ctx context.Context, id int64) (*domain.Material, error)
	FindPlanByID(ctx context.Context, id int64) (*domain.SubscriptionPlan, error)
	FindPaymentMethodByID(ctx context.Context, id int64) (*domain.MobilePaymentMethod, error)

	// Subscription lifecycle.
	FindSubscriptionByID(ctx context.Context, id int64) (*domain.Subscription, error)
	FindActivePaidSubscription(ctx context.Context, userID int64, now time.Time) (*domain.Subscription, error)
	FindRecentPendingSubscription(ctx context.Context, userID int64) (*domain.Subscription, error)
	CreatePendingSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	// SettleSubscriptionPaid flips a pending subscription to paid/active and
	// stamps its period. Returns false when the subscription was not pending.
	SettleSubscriptionPaid(ctx context.Context, id int64, startDate, endDate time.Time) (bool, error)
	SettleSubscriptionFailed(ctx context.Context, id int64) (bool, error)
	// IncrementMaterialsAccessed consumes one quota unit if and only if
	// quota remains. Returns false when the subscription is exhausted or not
	// currently entitling.
	IncrementMaterialsAccessed(ctx context.Context, id int64, now time.Time) (bool, error)
	// DeactivateLapsedPaidSubscriptions clears the active flag on the user's
	// paid subscriptions whose period has ended, keepID excepted. Must run
	// before activating a renewal: a lapsed prior period still holds the
	// active flag until something releases it, and the one-active-paid index
	// would reject the renewal otherwise.
	DeactivateLapsedPaidSubscriptions(ctx context.Context, userID, keepID int64, now time.Time) (int64, error)

	// Transaction lifecycle.
	CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error)
	FindTransactionByConversationID(ctx context.Context, conversationID string) (*domain.PaymentTransaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*domain.PaymentTransaction, error)
	MarkTransactionSubmitted(ctx context.Context, id int64, payload json.RawMessage) (bool, error)
	// MarkTransactionCompleted and MarkTransactionFailed apply only to
	// non-terminal transactions; false means the terminal state was already
	// set (webhook replay) and nothing changed.
	MarkTransactionCompleted(ctx context.Context, id int64, payload json.RawMessage) (bool, error)
	MarkTransactionFailed(ctx context.Context, id int64, errorMessage string, payload json.RawMessage) (bool, error)

	// Access tracking.
	HasViewedMaterial(ctx context.Context, userID, materialID int64) (bool, error)
	RegisterMaterialView(ctx context.Context, userID, materialID int64) (bool, error)
	CountLimitedDownloadsForDay(ctx context.Context, userID int64, day time.Time) (total int, video int, err error)
	RecordLimitedDownload(ctx context.Context, userID, materialID int64, downloadType string) error
	HasDownloadRecord(ctx context.Context, userID, materialID int64) (bool, error)
	CreateDownloadRecordIfAbsent(ctx context.Context, rec *domain.DownloadRecord) (bool, error)
	DeleteMaterialViews(ctx context.Context, userID int64) (int64, error)

	// Timeout hygiene.
	FailExpiredPendingSubscriptions(ctx context.Context, cutoff time.Time) (int64, error)
	FailExpiredTransactions(ctx context.Context, cutoff time.Time) (int64, error)
	DeactivateExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error)
}
