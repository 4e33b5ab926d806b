/**
 * @description
 * This file contains the core business logic for the entitlement service. The
 * `Service` struct orchestrates payment initiation for subscriptions and
 * per-material purchases, coordinating between the database repository, the
 * M-Pesa OpenAPI client, the rate limiter, and the message broker.
 *
 * Key features:
 * - Implements the purchase use cases: subscription checkout (with optional
 *   named payment method) and outright material purchase.
 * - Enforces the pending-purchase hygiene rules: an in-flight pending
 *   subscription blocks a new one until it ages out, after which it is
 *   failed inline and the new purchase proceeds.
 * - Creates the payment transaction ledger row before contacting the gateway
 *   so every external attempt is accounted for, success or not.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/mpesaclient, pkg/msisdn, pkg/rabbitmq: For external communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/somolearn/entitlement-service/internal/domain"
	"github.com/somolearn/entitlement-service/internal/store"
	"github.com/somolearn/entitlement-service/pkg/mpesaclient"
	"github.com/somolearn/entitlement-service/pkg/msisdn"
	"github.com/somolearn/entitlement-service/pkg/rabbitmq"
)

var (
	ErrUserInactive              = errors.New("user account is inactive")
	ErrPlanUnavailable           = errors.New("subscription plan is not available for purchase")
	ErrPaymentMethodUnavailable  = errors.New("payment method does not support direct payment")
	ErrAlreadySubscribed         = errors.New("an active subscription already exists")
	ErrPendingSubscriptionExists = errors.New("a pending subscription payment is already in progress")
	ErrMaterialUnavailable       = errors.New("material is not available for purchase")
	ErrMaterialIsFree            = errors.New("material is free and needs no payment")
	ErrAlreadyPurchased          = errors.New("material has already been purchased")
	ErrPhoneNumberMissing        = errors.New("no phone number supplied and none on file")
	ErrNotAuthorized             = errors.New("administrator role required")
)

// RateLimitError reports a denied initiation attempt together with the time
// until the subject's window frees up.
type RateLimitError struct {
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many payment attempts, retry after %ds", e.RetryAfter)
}

// PaymentGateway is the slice of the M-Pesa client the service needs,
// abstracted for testing.
type PaymentGateway interface {
	PaySingleStage(ctx context.Context, params mpesaclient.PaymentParams) (*mpesaclient.Result, error)
	Currency() string
}

// ServiceConfig carries the tunables the purchase and settlement flows need.
type ServiceConfig struct {
	RateLimitWindow            time.Duration
	RateLimitMax               int
	PaymentTimeout             time.Duration
	PendingSubscriptionTimeout time.Duration
	DefaultCountryCode         string
}

// Service provides the core business logic for entitlements and payments.
type Service struct {
	repo          store.Repository
	gateway       PaymentGateway
	eventProducer rabbitmq.Publisher
	limiter       RateLimiter
	cfg           ServiceConfig

	// now is swappable in tests.
	now func() time.Time
}

// NewService creates a new entitlement service instance.
func NewService(repo store.Repository, gateway PaymentGateway, producer rabbitmq.Publisher, limiter RateLimiter, cfg ServiceConfig) *Service {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Hour
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 10
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 30 * time.Minute
	}
	if cfg.PendingSubscriptionTimeout <= 0 {
		cfg.PendingSubscriptionTimeout = time.Hour
	}
	if cfg.DefaultCountryCode == "" {
		cfg.DefaultCountryCode = msisdn.DefaultCountryCode
	}
	return &Service{
		repo:          repo,
		gateway:       gateway,
		eventProducer: producer,
		limiter:       limiter,
		cfg:           cfg,
		now:           time.Now,
	}
}

// checkRateLimit consumes one attempt for each subject. Limiter errors fail
// open: losing Redis must not take down payments.
func (s *Service) checkRateLimit(ctx context.Context, subjects ...string) error {
	if s.limiter == nil {
		return nil
	}
	for _, subject := range subjects {
		if subject == "" {
			continue
		}
		allowed, retryAfter, err := s.limiter.Allow(ctx, subject, s.cfg.RateLimitMax, s.cfg.RateLimitWindow)
		if err != nil {
			log.Printf("level=warn component=service msg=\"rate limiter unavailable, failing open\" subject=%s err=%v", subject, err)
			continue
		}
		if !allowed {
			return &RateLimitError{RetryAfter: retryAfter}
		}
	}
	return nil
}

// resolveMSISDN normalizes the supplied phone number, falling back to the
// number on the user's profile.
func (s *Service) resolveMSISDN(raw string, user *domain.User) (string, error) {
	if raw == "" {
		raw = user.Phone
	}
	if raw == "" {
		return "", ErrPhoneNumberMissing
	}
	return msisdn.Normalize(raw, s.cfg.DefaultCountryCode)
}

// formatAmount renders a senti amount the way the gateway expects: whole
// units, with cents only when present.
func formatAmount(senti int64) string {
	if senti%100 == 0 {
		return fmt.Sprintf("%d", senti/100)
	}
	return fmt.Sprintf("%d.%02d", senti/100, senti%100)
}

// InitiateSubscriptionPurchase starts a mobile-money checkout for a plan.
// paymentMethodID of zero means no named method was chosen. The returned
// transaction is in the submitted state; settlement arrives via webhook.
func (s *Service) InitiateSubscriptionPurchase(ctx context.Context, userID, planID, paymentMethodID int64, phone, clientIP string) (*domain.PaymentTransaction, *domain.Subscription, error) {
	now := s.now()

	// Opportunistic hygiene: age out anything the background reaper has not
	// reached yet, so stale state never blocks this purchase.
	s.sweepExpired(ctx, now)

	if err := s.checkRateLimit(ctx, fmt.Sprintf("user_%d", userID), fmt.Sprintf("ip_%s", clientIP)); err != nil {
		return nil, nil, err
	}

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, ErrUserInactive
	}

	plan, err := s.repo.FindPlanByID(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	if !plan.IsActive || plan.Price <= 0 {
		return nil, nil, ErrPlanUnavailable
	}

	if paymentMethodID > 0 {
		method, err := s.repo.FindPaymentMethodByID(ctx, paymentMethodID)
		if err != nil {
			return nil, nil, err
		}
		if !method.IsActive || !method.SupportsClickToPay {
			return nil, nil, ErrPaymentMethodUnavailable
		}
	}

	if existing, err := s.repo.FindActivePaidSubscription(ctx, userID, now); err == nil && existing.IsValid(now) {
		return nil, nil, ErrAlreadySubscribed
	} else if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, nil, err
	}

	if pending, err := s.repo.FindRecentPendingSubscription(ctx, userID); err == nil {
		if now.Sub(pending.CreatedAt) < s.cfg.PendingSubscriptionTimeout {
			return nil, nil, ErrPendingSubscriptionExists
		}
		// Stale pending purchase: fail it inline and let this one proceed.
		if _, err := s.repo.SettleSubscriptionFailed(ctx, pending.ID); err != nil {
			return nil, nil, fmt.Errorf("failed to expire stale pending subscription: %w", err)
		}
		log.Printf("level=info component=service msg=\"expired stale pending subscription\" subscription_id=%d user_id=%d", pending.ID, userID)
	} else if !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, nil, err
	}

	number, err := s.resolveMSISDN(phone, user)
	if err != nil {
		return nil, nil, err
	}

	// Provisional period. Settlement restamps it from the actual payment
	// time, so a slow payer is never shortchanged.
	sub, err := s.repo.CreatePendingSubscription(ctx, &domain.Subscription{
		UserID:       userID,
		PlanID:       &plan.ID,
		StartDate:    now,
		EndDate:      now.AddDate(0, 0, plan.DurationDays),
		MaxMaterials: plan.MaxMaterials,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pending subscription: %w", err)
	}

	tx, err := s.repo.CreateTransaction(ctx, &domain.PaymentTransaction{
		UserID:         userID,
		MSISDN:         number,
		Amount:         plan.Price,
		Currency:       s.gateway.Currency(),
		ConversationID: NewConversationID(),
		Reference:      MakeSubscriptionReference(sub.ID, paymentMethodID),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create payment transaction: %w", err)
	}

	if err := s.submitToGateway(ctx, tx, fmt.Sprintf("Subscription: %s", plan.Name)); err != nil {
		// The charge never reached the customer. Cascade the failure so the
		// user can immediately retry.
		if _, failErr := s.repo.SettleSubscriptionFailed(ctx, sub.ID); failErr != nil {
			log.Printf("level=error component=service msg=\"failed to cascade subscription failure\" subscription_id=%d err=%v", sub.ID, failErr)
		}
		return nil, nil, err
	}

	log.Printf("level=info component=service msg=\"subscription payment submitted\" user_id=%d subscription_id=%d transaction_id=%d reference=%s", userID, sub.ID, tx.ID, tx.Reference)
	return tx, sub, nil
}

// InitiateMaterialPurchase starts a mobile-money checkout to buy one material
// outright.
func (s *Service) InitiateMaterialPurchase(ctx context.Context, userID, materialID int64, phone, clientIP string) (*domain.PaymentTransaction, error) {
	now := s.now()
	s.sweepExpired(ctx, now)

	if err := s.checkRateLimit(ctx, fmt.Sprintf("user_%d", userID), fmt.Sprintf("ip_%s", clientIP)); err != nil {
		return nil, err
	}

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	material, err := s.repo.FindMaterialByID(ctx, materialID)
	if err != nil {
		return nil, err
	}
	if !material.IsActive {
		return nil, ErrMaterialUnavailable
	}
	if material.IsFree {
		return nil, ErrMaterialIsFree
	}
	if material.Price <= 0 {
		return nil, ErrMaterialUnavailable
	}

	purchased, err := s.repo.HasDownloadRecord(ctx, userID, materialID)
	if err != nil {
		return nil, err
	}
	if purchased {
		return nil, ErrAlreadyPurchased
	}

	number, err := s.resolveMSISDN(phone, user)
	if err != nil {
		return nil, err
	}

	tx, err := s.repo.CreateTransaction(ctx, &domain.PaymentTransaction{
		UserID:         userID,
		MaterialID:     &material.ID,
		MSISDN:         number,
		Amount:         material.Price,
		Currency:       s.gateway.Currency(),
		ConversationID: NewConversationID(),
		Reference:      MakeMaterialReference(material.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment transaction: %w", err)
	}

	if err := s.submitToGateway(ctx, tx, fmt.Sprintf("Material: %s", material.Title)); err != nil {
		return nil, err
	}

	log.Printf("level=info component=service msg=\"material payment submitted\" user_id=%d material_id=%d transaction_id=%d reference=%s", userID, materialID, tx.ID, tx.Reference)
	return tx, nil
}

// submitToGateway pushes the charge to the gateway and records the outcome on
// the transaction. On failure the transaction is marked failed before the
// error is returned.
func (s *Service) submitToGateway(ctx context.Context, tx *domain.PaymentTransaction, description string) error {
	result, err := s.gateway.PaySingleStage(ctx, mpesaclient.PaymentParams{
		Amount:         formatAmount(tx.Amount),
		MSISDN:         tx.MSISDN,
		ConversationID: tx.ConversationID,
		Reference:      tx.Reference,
		Description:    description,
	})
	if err != nil {
		log.Printf("level=error component=service msg=\"gateway submission failed\" transaction_id=%d reference=%s err=%v", tx.ID, tx.Reference, err)
		if _, markErr := s.repo.MarkTransactionFailed(ctx, tx.ID, err.Error(), nil); markErr != nil {
			log.Printf("level=error component=service msg=\"failed to mark transaction failed\" transaction_id=%d err=%v", tx.ID, markErr)
		}
		tx.Status = domain.TransactionFailed
		return fmt.Errorf("payment gateway rejected the charge: %w", err)
	}

	if _, err := s.repo.MarkTransactionSubmitted(ctx, tx.ID, result.Body); err != nil {
		return fmt.Errorf("failed to record gateway submission: %w", err)
	}
	tx.Status = domain.TransactionSubmitted
	tx.ResponsePayload = result.Body
	return nil
}
