/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL for the entitlement engine's tables:
 * users, materials, subscription plans, payment methods, subscriptions,
 * payment transactions, material views, limited downloads, and download
 * records.
 *
 * @dependencies
 * - context, time, encoding/json: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Racy transitions (settlement, quota increment, expiry sweeps) are single
 *   conditional UPDATE statements. The WHERE clause encodes the allowed
 *   source state, so concurrent writers cannot double-apply a transition.
 */

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/somolearn/entitlement-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserByID retrieves a user from the database by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, id int64) (*domain.User, error) {
	var user domain.User
	query := `
		SELECT id, email, first_name, last_name, COALESCE(phone, ''), is_admin, is_active, created_at, last_login
		FROM users WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.Phone,
		&user.IsAdmin,
		&user.IsActive,
		&user.CreatedAt,
		&user.LastLogin,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindMaterialByID retrieves a material from the database by its ID.
func (r *PostgresRepository) FindMaterialByID(ctx context.Context, id int64) (*domain.Material, error) {
	var m domain.Material
	query := `
		SELECT id, title, COALESCE(price, 0), is_active, is_free, is_video, created_at
		FROM materials WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(&m.ID, &m.Title, &m.Price, &m.IsActive, &m.IsFree, &m.IsVideo, &m.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMaterialNotFound
		}
		return nil, err
	}
	return &m, nil
}

// FindPlanByID retrieves a subscription plan from the database by its ID.
func (r *PostgresRepository) FindPlanByID(ctx context.Context, id int64) (*domain.SubscriptionPlan, error) {
	var p domain.SubscriptionPlan
	query := `
		SELECT id, name, price, duration_days, max_materials, is_active, created_at
		FROM subscription_plans WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Price, &p.DurationDays, &p.MaxMaterials, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindPaymentMethodByID retrieves a mobile payment method by its ID.
func (r *PostgresRepository) FindPaymentMethodByID(ctx context.Context, id int64) (*domain.MobilePaymentMethod, error) {
	var m domain.MobilePaymentMethod
	query := `
		SELECT id, name, display_name, is_active, supports_click_to_pay, created_at
		FROM mobile_payment_methods WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(&m.ID, &m.Name, &m.DisplayName, &m.IsActive, &m.SupportsClickToPay, &m.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentMethodNotFound
		}
		return nil, err
	}
	return &m, nil
}

const subscriptionColumns = `id, user_id, plan_id, start_date, end_date, max_materials, materials_accessed, is_active, payment_status, created_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.StartDate,
		&s.EndDate,
		&s.MaxMaterials,
		&s.MaterialsAccessed,
		&s.IsActive,
		&s.PaymentStatus,
		&s.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// FindSubscriptionByID retrieves a subscription by its ID.
func (r *PostgresRepository) FindSubscriptionByID(ctx context.Context, id int64) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, id))
}

// FindActivePaidSubscription retrieves the user's currently entitling
// subscription, if any. The predicate here must match Subscription.IsValid.
func (r *PostgresRepository) FindActivePaidSubscription(ctx context.Context, userID int64, now time.Time) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND is_active = TRUE AND payment_status = 'paid' AND end_date > $2
		ORDER BY end_date DESC
		LIMIT 1
	`
	return scanSubscription(r.db.QueryRow(ctx, query, userID, now))
}

// FindRecentPendingSubscription retrieves the user's newest pending
// subscription regardless of age. The caller decides whether it still blocks
// a new purchase or is stale enough to fail.
func (r *PostgresRepository) FindRecentPendingSubscription(ctx context.Context, userID int64) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND payment_status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanSubscription(r.db.QueryRow(ctx, query, userID))
}

// CreatePendingSubscription inserts a new pending, inactive subscription and
// returns it with its generated ID and timestamps.
func (r *PostgresRepository) CreatePendingSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	query := `
		INSERT INTO subscriptions (user_id, plan_id, start_date, end_date, max_materials, materials_accessed, is_active, payment_status)
		VALUES ($1, $2, $3, $4, $5, 0, FALSE, 'pending')
		RETURNING ` + subscriptionColumns
	return scanSubscription(r.db.QueryRow(ctx, query, sub.UserID, sub.PlanID, sub.StartDate, sub.EndDate, sub.MaxMaterials))
}

// SettleSubscriptionPaid activates a pending subscription and stamps its
// entitlement period. Only a pending subscription can be settled; replays
// return false without touching the row.
func (r *PostgresRepository) SettleSubscriptionPaid(ctx context.Context, id int64, startDate, endDate time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET payment_status = 'paid', is_active = TRUE, start_date = $2, end_date = $3
		WHERE id = $1 AND payment_status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, id, startDate, endDate)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SettleSubscriptionFailed marks a pending subscription failed and inactive.
func (r *PostgresRepository) SettleSubscriptionFailed(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE subscriptions
		SET payment_status = 'failed', is_active = FALSE
		WHERE id = $1 AND payment_status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementMaterialsAccessed consumes one unit of subscription quota. The
// WHERE clause re-checks entitlement and remaining quota so that N concurrent
// callers against quota k succeed exactly k times.
func (r *PostgresRepository) IncrementMaterialsAccessed(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET materials_accessed = materials_accessed + 1
		WHERE id = $1
		  AND is_active = TRUE
		  AND payment_status = 'paid'
		  AND end_date > $2
		  AND materials_accessed < max_materials
	`
	tag, err := r.db.Exec(ctx, query, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeactivateLapsedPaidSubscriptions releases the active flag on the user's
// paid subscriptions whose period has ended, except the one being settled.
// Without this, the partial unique index on (user_id) for active paid rows
// would reject every renewal settled after the prior period lapsed.
func (r *PostgresRepository) DeactivateLapsedPaidSubscriptions(ctx context.Context, userID, keepID int64, now time.Time) (int64, error) {
	query := `
		UPDATE subscriptions
		SET is_active = FALSE
		WHERE user_id = $1 AND id <> $2 AND is_active = TRUE AND payment_status = 'paid' AND end_date <= $3
	`
	tag, err := r.db.Exec(ctx, query, userID, keepID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const transactionColumns = `id, user_id, material_id, msisdn, amount, currency, conversation_id, transaction_reference, status, response_payload, error_message, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.PaymentTransaction, error) {
	var t domain.PaymentTransaction
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.MaterialID,
		&t.MSISDN,
		&t.Amount,
		&t.Currency,
		&t.ConversationID,
		&t.Reference,
		&t.Status,
		&t.ResponsePayload,
		&t.ErrorMessage,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CreateTransaction inserts a new pending payment transaction and returns it
// with its generated ID and timestamps.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	query := `
		INSERT INTO payment_transactions (user_id, material_id, msisdn, amount, currency, conversation_id, transaction_reference, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING ` + transactionColumns
	return scanTransaction(r.db.QueryRow(ctx, query,
		tx.UserID, tx.MaterialID, tx.MSISDN, tx.Amount, tx.Currency, tx.ConversationID, tx.Reference,
	))
}

// FindTransactionByConversationID retrieves a transaction by the gateway
// conversation id.
func (r *PostgresRepository) FindTransactionByConversationID(ctx context.Context, conversationID string) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE conversation_id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, conversationID))
}

// FindTransactionByReference retrieves a transaction by its reference string.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE transaction_reference = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, reference))
}

// MarkTransactionSubmitted moves a pending transaction to submitted and
// stores the gateway's acknowledgement payload.
func (r *PostgresRepository) MarkTransactionSubmitted(ctx context.Context, id int64, payload json.RawMessage) (bool, error) {
	query := `
		UPDATE payment_transactions
		SET status = 'submitted', response_payload = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, id, payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTransactionCompleted moves a non-terminal transaction to completed.
// Returns false on webhook replay: terminal rows are never rewritten.
func (r *PostgresRepository) MarkTransactionCompleted(ctx context.Context, id int64, payload json.RawMessage) (bool, error) {
	query := `
		UPDATE payment_transactions
		SET status = 'completed', response_payload = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'submitted')
	`
	tag, err := r.db.Exec(ctx, query, id, payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTransactionFailed moves a non-terminal transaction to failed with a
// diagnostic message. Returns false when the row was already terminal.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, id int64, errorMessage string, payload json.RawMessage) (bool, error) {
	query := `
		UPDATE payment_transactions
		SET status = 'failed', error_message = $2, response_payload = COALESCE($3, response_payload), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'submitted')
	`
	tag, err := r.db.Exec(ctx, query, id, errorMessage, payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// HasViewedMaterial reports whether the user has already consumed their free
// first view of the material.
func (r *PostgresRepository) HasViewedMaterial(ctx context.Context, userID, materialID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM material_views WHERE user_id = $1 AND material_id = $2)`
	if err := r.db.QueryRow(ctx, query, userID, materialID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// RegisterMaterialView records the free first view. The unique constraint on
// (user_id, material_id) makes this a no-op on repeat; false means the view
// was already registered.
func (r *PostgresRepository) RegisterMaterialView(ctx context.Context, userID, materialID int64) (bool, error) {
	query := `
		INSERT INTO material_views (user_id, material_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, material_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, userID, materialID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CountLimitedDownloadsForDay counts metered downloads for the calendar day
// containing the given instant, total and video separately.
func (r *PostgresRepository) CountLimitedDownloadsForDay(ctx context.Context, userID int64, day time.Time) (int, int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)
	var total, video int
	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE download_type = 'video')
		FROM limited_downloads
		WHERE user_id = $1 AND downloaded_at >= $2 AND downloaded_at < $3
	`
	if err := r.db.QueryRow(ctx, query, userID, start, end).Scan(&total, &video); err != nil {
		return 0, 0, err
	}
	return total, video, nil
}

// RecordLimitedDownload appends one metered download consumption.
func (r *PostgresRepository) RecordLimitedDownload(ctx context.Context, userID, materialID int64, downloadType string) error {
	query := `INSERT INTO limited_downloads (user_id, material_id, download_type) VALUES ($1, $2, $3)`
	_, err := r.db.Exec(ctx, query, userID, materialID, downloadType)
	return err
}

// HasDownloadRecord reports whether the user holds a permanent purchase
// record for the material.
func (r *PostgresRepository) HasDownloadRecord(ctx context.Context, userID, materialID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM download_records WHERE user_id = $1 AND material_id = $2)`
	if err := r.db.QueryRow(ctx, query, userID, materialID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// CreateDownloadRecordIfAbsent inserts the purchase record unless one already
// exists for the (user, material) pair. Settlement replays hit the conflict
// path and return false.
func (r *PostgresRepository) CreateDownloadRecordIfAbsent(ctx context.Context, rec *domain.DownloadRecord) (bool, error) {
	query := `
		INSERT INTO download_records (user_id, material_id, price_paid, currency)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, material_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, rec.UserID, rec.MaterialID, rec.PricePaid, rec.Currency)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteMaterialViews removes all free-first-view markers for a user and
// returns how many were cleared.
func (r *PostgresRepository) DeleteMaterialViews(ctx context.Context, userID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM material_views WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FailExpiredPendingSubscriptions sweeps pending subscriptions created before
// the cutoff into the failed state.
func (r *PostgresRepository) FailExpiredPendingSubscriptions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE subscriptions
		SET payment_status = 'failed', is_active = FALSE
		WHERE payment_status = 'pending' AND created_at < $1
	`
	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeactivateExpiredSubscriptions releases the active flag on every paid
// subscription whose period has ended, so lapsed periods never hold the
// one-active-paid slot against a renewal.
func (r *PostgresRepository) DeactivateExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE subscriptions
		SET is_active = FALSE
		WHERE is_active = TRUE AND payment_status = 'paid' AND end_date <= $1
	`
	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FailExpiredTransactions sweeps non-terminal transactions created before the
// cutoff into the failed state with a timeout diagnostic.
func (r *PostgresRepository) FailExpiredTransactions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE payment_transactions
		SET status = 'failed', error_message = 'payment timed out', updated_at = NOW()
		WHERE status IN ('pending', 'submitted') AND created_at < $1
	`
	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
