/**
 * @description
 * This file implements timeout hygiene for in-flight payments. Gateways
 * sometimes never call back; without a sweep, abandoned pending rows would
 * block users from retrying forever. The sweep runs two ways: inline before
 * every initiation (so a single-user deadlock clears itself) and on a ticker
 * goroutine owned by main.
 */

package app

import (
	"context"
	"log"
	"time"
)

// sweepExpired fails pending subscriptions and non-terminal transactions that
// have outlived their timeouts. Errors are logged, not returned; hygiene must
// never block the purchase that triggered it.
func (s *Service) sweepExpired(ctx context.Context, now time.Time) {
	subs, err := s.repo.FailExpiredPendingSubscriptions(ctx, now.Add(-s.cfg.PendingSubscriptionTimeout))
	if err != nil {
		log.Printf("level=warn component=reaper msg=\"pending subscription sweep failed\" err=%v", err)
	} else if subs > 0 {
		log.Printf("level=info component=reaper msg=\"expired pending subscriptions\" count=%d", subs)
	}

	txs, err := s.repo.FailExpiredTransactions(ctx, now.Add(-s.cfg.PaymentTimeout))
	if err != nil {
		log.Printf("level=warn component=reaper msg=\"transaction sweep failed\" err=%v", err)
	} else if txs > 0 {
		log.Printf("level=info component=reaper msg=\"timed out transactions\" count=%d", txs)
	}

	// Release the active flag on lapsed paid periods so the
	// one-active-subscription slot is free for the user's next renewal.
	lapsed, err := s.repo.DeactivateExpiredSubscriptions(ctx, now)
	if err != nil {
		log.Printf("level=warn component=reaper msg=\"lapsed subscription sweep failed\" err=%v", err)
	} else if lapsed > 0 {
		log.Printf("level=info component=reaper msg=\"deactivated lapsed subscriptions\" count=%d", lapsed)
	}
}

// SweepExpiredPayments runs one hygiene pass immediately.
func (s *Service) SweepExpiredPayments(ctx context.Context) {
	s.sweepExpired(ctx, s.now())
}

// RunExpiryReaper sweeps on the given interval until the context is
// cancelled. Intended to run as a goroutine from main.
func (s *Service) RunExpiryReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("level=info component=reaper msg=\"expiry reaper started\" interval=%s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=reaper msg=\"expiry reaper stopped\"")
			return
		case <-ticker.C:
			s.sweepExpired(ctx, s.now())
		}
	}
}
