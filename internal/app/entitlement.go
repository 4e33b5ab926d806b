/**
 * @description
 * This file implements the access ladder: the single place that decides
 * whether a user may open a material and, when they do, which allowance that
 * consumption is charged against.
 *
 * Two entry points exist. CheckAccess is a read-only preview and consumes
 * nothing. UnlockMaterial is the authoritative path: it consumes quota, the
 * free first view, or the daily metered allowance through conditional store
 * operations, so concurrent unlocks can never overspend an allowance.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/somolearn/entitlement-service/internal/domain"
	"github.com/somolearn/entitlement-service/internal/store"
)

// Denial reasons surfaced to the client.
const (
	reasonUserInactive     = "user account is inactive"
	reasonMaterialInactive = "material is not available"
	reasonQuotaExhausted   = "subscription quota exhausted and daily allowance used up"
	reasonDailyLimitUsed   = "daily download allowance used up"
	reasonVideoLimitUsed   = "daily video allowance used up"
)

// CheckAccess evaluates the access ladder without consuming anything. The
// returned decision reflects what UnlockMaterial would grant right now;
// under concurrency the unlock itself remains authoritative.
func (s *Service) CheckAccess(ctx context.Context, userID, materialID int64) (*domain.AccessDecision, error) {
	now := s.now()

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	material, err := s.repo.FindMaterialByID(ctx, materialID)
	if err != nil {
		return nil, err
	}

	if !user.IsActive {
		return &domain.AccessDecision{Class: domain.AccessDenied, Reason: reasonUserInactive}, nil
	}
	if user.IsAdmin {
		return &domain.AccessDecision{Class: domain.AccessAdminFull, Granted: true}, nil
	}
	if !material.IsActive {
		return &domain.AccessDecision{Class: domain.AccessDenied, Reason: reasonMaterialInactive}, nil
	}
	if material.IsFree {
		return &domain.AccessDecision{Class: domain.AccessFreeMaterial, Granted: true}, nil
	}

	purchased, err := s.repo.HasDownloadRecord(ctx, userID, materialID)
	if err != nil {
		return nil, err
	}
	if purchased {
		return &domain.AccessDecision{Class: domain.AccessPurchasedFull, Granted: true}, nil
	}

	sub, err := s.entitlingSubscription(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if sub != nil && sub.CanAccessMaterial(now) {
		return &domain.AccessDecision{Class: domain.AccessSubscriberFull, Granted: true, Subscription: sub}, nil
	}

	viewed, err := s.repo.HasViewedMaterial(ctx, userID, materialID)
	if err != nil {
		return nil, err
	}
	if !viewed {
		return &domain.AccessDecision{Class: domain.AccessFreeFirstView, Granted: true}, nil
	}

	if decision, err := s.meteredDecision(ctx, userID, material, now, false); err != nil || decision != nil {
		return decision, err
	}
	return s.deniedDecision(material, sub), nil
}

// UnlockMaterial grants access and charges the grant to the highest rung the
// user still has headroom on. A subscription whose quota is exhausted
// degrades to the first-view and metered rungs rather than denying outright.
func (s *Service) UnlockMaterial(ctx context.Context, userID, materialID int64) (*domain.AccessDecision, error) {
	now := s.now()

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	material, err := s.repo.FindMaterialByID(ctx, materialID)
	if err != nil {
		return nil, err
	}

	if !user.IsActive {
		return &domain.AccessDecision{Class: domain.AccessDenied, Reason: reasonUserInactive}, nil
	}
	if user.IsAdmin {
		return &domain.AccessDecision{Class: domain.AccessAdminFull, Granted: true}, nil
	}
	if !material.IsActive {
		return &domain.AccessDecision{Class: domain.AccessDenied, Reason: reasonMaterialInactive}, nil
	}
	if material.IsFree {
		return &domain.AccessDecision{Class: domain.AccessFreeMaterial, Granted: true}, nil
	}

	purchased, err := s.repo.HasDownloadRecord(ctx, userID, materialID)
	if err != nil {
		return nil, err
	}
	if purchased {
		return &domain.AccessDecision{Class: domain.AccessPurchasedFull, Granted: true}, nil
	}

	sub, err := s.entitlingSubscription(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		// The conditional increment is the authoritative quota check; the
		// in-memory counter may be stale under concurrency.
		consumed, err := s.repo.IncrementMaterialsAccessed(ctx, sub.ID, now)
		if err != nil {
			return nil, err
		}
		if consumed {
			sub.MaterialsAccessed++
			log.Printf("level=info component=entitlement msg=\"subscription quota consumed\" user_id=%d material_id=%d subscription_id=%d used=%d max=%d", userID, materialID, sub.ID, sub.MaterialsAccessed, sub.MaxMaterials)
			return &domain.AccessDecision{Class: domain.AccessSubscriberFull, Granted: true, Subscription: sub}, nil
		}
		log.Printf("level=info component=entitlement msg=\"subscription quota exhausted, degrading\" user_id=%d subscription_id=%d", userID, sub.ID)
	}

	// Free first view: the conditional insert decides the winner when two
	// unlocks race on the same pair.
	registered, err := s.repo.RegisterMaterialView(ctx, userID, materialID)
	if err != nil {
		return nil, err
	}
	if registered {
		return &domain.AccessDecision{Class: domain.AccessFreeFirstView, Granted: true}, nil
	}

	if decision, err := s.meteredDecision(ctx, userID, material, now, true); err != nil || decision != nil {
		return decision, err
	}
	return s.deniedDecision(material, sub), nil
}

// entitlingSubscription returns the user's currently valid subscription or
// nil when none exists.
func (s *Service) entitlingSubscription(ctx context.Context, userID int64, now time.Time) (*domain.Subscription, error) {
	sub, err := s.repo.FindActivePaidSubscription(ctx, userID, now)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !sub.IsValid(now) {
		return nil, nil
	}
	return sub, nil
}

// meteredDecision checks the daily allowance and, when consume is set,
// records the download. A nil decision with nil error means the allowance is
// used up and the caller should deny.
func (s *Service) meteredDecision(ctx context.Context, userID int64, material *domain.Material, now time.Time, consume bool) (*domain.AccessDecision, error) {
	total, video, err := s.repo.CountLimitedDownloadsForDay(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if total >= domain.DailyDownloadLimit {
		return nil, nil
	}
	if material.IsVideo && video >= domain.DailyVideoDownloadLimit {
		return &domain.AccessDecision{Class: domain.AccessDenied, Reason: reasonVideoLimitUsed}, nil
	}

	if consume {
		downloadType := domain.DownloadTypeDocument
		if material.IsVideo {
			downloadType = domain.DownloadTypeVideo
		}
		if err := s.repo.RecordLimitedDownload(ctx, userID, material.ID, downloadType); err != nil {
			return nil, err
		}
		log.Printf("level=info component=entitlement msg=\"daily allowance consumed\" user_id=%d material_id=%d type=%s used=%d", userID, material.ID, downloadType, total+1)
	}
	return &domain.AccessDecision{Class: domain.AccessMeteredLimited, Granted: true}, nil
}

// deniedDecision picks the most specific denial reason once every rung has
// been exhausted.
func (s *Service) deniedDecision(material *domain.Material, sub *domain.Subscription) *domain.AccessDecision {
	reason := reasonDailyLimitUsed
	if sub != nil {
		reason = reasonQuotaExhausted
	}
	return &domain.AccessDecision{Class: domain.AccessDenied, Reason: reason, Subscription: sub}
}
