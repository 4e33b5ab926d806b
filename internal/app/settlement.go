/**
 * @description
 * This file implements webhook-driven settlement: matching an inbound gateway
 * callback to its transaction, flipping the transaction to its terminal
 * state, and cascading the outcome to the owning subscription or material
 * purchase. Settlement is idempotent end to end; the gateway retries
 * callbacks and every step here tolerates a replay.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/somolearn/entitlement-service/internal/domain"
	"github.com/somolearn/entitlement-service/internal/store"
	"github.com/somolearn/entitlement-service/pkg/rabbitmq"
)

// SettlementResult reports what a callback did.
type SettlementResult struct {
	Found       bool
	Applied     bool // false on replay of an already-terminal transaction
	Success     bool
	Transaction *domain.PaymentTransaction
}

// SettleFromCallback processes one gateway settlement notification.
// subscriptionIDHint comes from the callback URL's query string and is used
// only when the transaction reference cannot name the owning subscription.
func (s *Service) SettleFromCallback(ctx context.Context, cb domain.GatewayCallback, subscriptionIDHint int64) (*SettlementResult, error) {
	tx, err := s.lookupTransaction(ctx, cb)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=settlement msg=\"callback for unknown transaction\" conversation_id=%s reference=%s", cb.ConversationID, cb.Reference)
			return &SettlementResult{Found: false}, nil
		}
		return nil, err
	}

	if tx.IsTerminal() {
		// A replay of a success callback on a completed transaction re-runs
		// the idempotent grant. A paid charge whose grant was lost to a
		// transient failure is repaired here instead of stranding forever.
		if tx.Status == domain.TransactionCompleted && cb.IndicatesSuccess() {
			if err := s.regrantEntitlement(ctx, tx, subscriptionIDHint); err != nil {
				return nil, err
			}
		}
		log.Printf("level=info component=settlement msg=\"callback replay ignored\" transaction_id=%d status=%s", tx.ID, tx.Status)
		return &SettlementResult{Found: true, Applied: false, Success: tx.Status == domain.TransactionCompleted, Transaction: tx}, nil
	}

	if cb.IndicatesSuccess() {
		return s.settleSuccess(ctx, tx, cb, subscriptionIDHint)
	}
	return s.settleFailure(ctx, tx, cb, subscriptionIDHint)
}

// lookupTransaction matches the callback to a transaction, preferring the
// conversation id and falling back to the reference.
func (s *Service) lookupTransaction(ctx context.Context, cb domain.GatewayCallback) (*domain.PaymentTransaction, error) {
	if cb.ConversationID != "" {
		tx, err := s.repo.FindTransactionByConversationID(ctx, cb.ConversationID)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
	}
	if cb.Reference != "" {
		return s.repo.FindTransactionByReference(ctx, cb.Reference)
	}
	return nil, store.ErrTransactionNotFound
}

func (s *Service) settleSuccess(ctx context.Context, tx *domain.PaymentTransaction, cb domain.GatewayCallback, subscriptionIDHint int64) (*SettlementResult, error) {
	now := s.now()
	var subscriptionID *int64

	// Grant before marking the transaction terminal. If the grant fails the
	// transaction stays non-terminal, so the next callback delivery retries
	// the whole settlement instead of stranding a paid charge.
	if subID := s.owningSubscriptionID(tx, subscriptionIDHint); subID > 0 {
		subscriptionID = &subID
		if err := s.activateSubscription(ctx, subID, now); err != nil {
			log.Printf("level=error component=settlement msg=\"failed to activate subscription\" subscription_id=%d transaction_id=%d err=%v", subID, tx.ID, err)
			return nil, err
		}
	} else if tx.MaterialID != nil {
		created, err := s.repo.CreateDownloadRecordIfAbsent(ctx, &domain.DownloadRecord{
			UserID:     tx.UserID,
			MaterialID: *tx.MaterialID,
			PricePaid:  tx.Amount,
			Currency:   tx.Currency,
		})
		if err != nil {
			log.Printf("level=error component=settlement msg=\"failed to create download record\" material_id=%d transaction_id=%d err=%v", *tx.MaterialID, tx.ID, err)
			return nil, err
		}
		if !created {
			log.Printf("level=info component=settlement msg=\"download record already present\" user_id=%d material_id=%d", tx.UserID, *tx.MaterialID)
		}
	}

	applied, err := s.repo.MarkTransactionCompleted(ctx, tx.ID, cb.Raw)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Another callback won the race; the grant above was idempotent.
		return &SettlementResult{Found: true, Applied: false, Success: true, Transaction: tx}, nil
	}
	tx.Status = domain.TransactionCompleted

	s.publishSettlement(ctx, tx, subscriptionID, "")
	log.Printf("level=info component=settlement msg=\"payment completed\" transaction_id=%d reference=%s external_tx_id=%s", tx.ID, tx.Reference, cb.ExternalTxID)
	return &SettlementResult{Found: true, Applied: true, Success: true, Transaction: tx}, nil
}

func (s *Service) settleFailure(ctx context.Context, tx *domain.PaymentTransaction, cb domain.GatewayCallback, subscriptionIDHint int64) (*SettlementResult, error) {
	reason := cb.ResponseDesc
	if reason == "" {
		reason = "payment rejected by gateway"
	}

	applied, err := s.repo.MarkTransactionFailed(ctx, tx.ID, reason, cb.Raw)
	if err != nil {
		return nil, err
	}
	if !applied {
		return &SettlementResult{Found: true, Applied: false, Success: false, Transaction: tx}, nil
	}
	tx.Status = domain.TransactionFailed

	var subscriptionID *int64
	if subID := s.owningSubscriptionID(tx, subscriptionIDHint); subID > 0 {
		subscriptionID = &subID
		if _, err := s.repo.SettleSubscriptionFailed(ctx, subID); err != nil {
			log.Printf("level=error component=settlement msg=\"failed to cascade subscription failure\" subscription_id=%d transaction_id=%d err=%v", subID, tx.ID, err)
			return nil, err
		}
	}

	s.publishSettlement(ctx, tx, subscriptionID, reason)
	log.Printf("level=info component=settlement msg=\"payment failed\" transaction_id=%d reference=%s code=%s desc=%q", tx.ID, tx.Reference, cb.ResponseCode, cb.ResponseDesc)
	return &SettlementResult{Found: true, Applied: true, Success: false, Transaction: tx}, nil
}

// owningSubscriptionID recovers the subscription a transaction pays for, from
// the reference first and the URL hint second. Zero means the transaction
// does not pay for a subscription.
func (s *Service) owningSubscriptionID(tx *domain.PaymentTransaction, hint int64) int64 {
	if parsed, ok := ParseReference(tx.Reference); ok {
		if parsed.Kind == ReferenceKindSubscription {
			return parsed.SubscriptionID
		}
		return 0
	}
	if tx.MaterialID == nil && hint > 0 {
		return hint
	}
	return 0
}

// regrantEntitlement re-applies the grant for an already-completed
// transaction. Every operation it reaches is conditional, so replays after a
// successful grant are no-ops.
func (s *Service) regrantEntitlement(ctx context.Context, tx *domain.PaymentTransaction, subscriptionIDHint int64) error {
	if subID := s.owningSubscriptionID(tx, subscriptionIDHint); subID > 0 {
		return s.activateSubscription(ctx, subID, s.now())
	}
	if tx.MaterialID != nil {
		_, err := s.repo.CreateDownloadRecordIfAbsent(ctx, &domain.DownloadRecord{
			UserID:     tx.UserID,
			MaterialID: *tx.MaterialID,
			PricePaid:  tx.Amount,
			Currency:   tx.Currency,
		})
		return err
	}
	return nil
}

// activateSubscription restamps the entitlement period from the settlement
// instant and flips the subscription to paid. The period length is preserved
// from purchase time, so settlement lag never shortens the subscription.
func (s *Service) activateSubscription(ctx context.Context, subscriptionID int64, now time.Time) error {
	sub, err := s.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	// A lapsed prior period may still hold the active flag; release it so the
	// one-active-subscription constraint admits this renewal.
	if _, err := s.repo.DeactivateLapsedPaidSubscriptions(ctx, sub.UserID, subscriptionID, now); err != nil {
		return err
	}
	duration := sub.EndDate.Sub(sub.StartDate)
	applied, err := s.repo.SettleSubscriptionPaid(ctx, subscriptionID, now, now.Add(duration))
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("level=info component=settlement msg=\"subscription already settled\" subscription_id=%d status=%s", subscriptionID, sub.PaymentStatus)
	}
	return nil
}

func (s *Service) publishSettlement(ctx context.Context, tx *domain.PaymentTransaction, subscriptionID *int64, reason string) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.SettlementEvent{
		TransactionID:  tx.ID,
		UserID:         tx.UserID,
		SubscriptionID: subscriptionID,
		MaterialID:     tx.MaterialID,
		Reference:      tx.Reference,
		Status:         tx.Status,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		Reason:         reason,
		Timestamp:      s.now().UTC(),
	}
	if err := s.eventProducer.PublishSettlementEvent(ctx, event); err != nil {
		// Event delivery is best effort; settlement already committed.
		log.Printf("level=warn component=settlement msg=\"settlement event publish failed\" transaction_id=%d err=%v", tx.ID, err)
	}
}
