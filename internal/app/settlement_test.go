package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/somolearn/entitlement-service/internal/domain"
)

// purchase drives a full subscription initiation so settlement tests start
// from the same state production would.
func purchase(t *testing.T, svc *Service, repo *fakeRepo) (*domain.PaymentTransaction, *domain.Subscription) {
	t.Helper()
	user := activeUser(repo)
	plan := monthlyPlan(repo)
	tx, sub, err := svc.InitiateSubscriptionPurchase(context.Background(), user.ID, plan.ID, 0, "", "10.0.0.1")
	if err != nil {
		t.Fatalf("purchase setup failed: %v", err)
	}
	return tx, sub
}

func successCallback(tx *domain.PaymentTransaction) domain.GatewayCallback {
	raw := json.RawMessage(`{"output_ResponseCode":"INS-0","output_ResponseDesc":"Request processed successfully"}`)
	return domain.GatewayCallback{
		ConversationID: tx.ConversationID,
		Reference:      tx.Reference,
		ResponseCode:   "INS-0",
		ResponseDesc:   "Request processed successfully",
		Raw:            raw,
	}
}

func TestSettleFromCallback_SuccessActivatesSubscription(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, &fakeGateway{}, pub)
	tx, sub := purchase(t, svc, repo)

	result, err := svc.SettleFromCallback(context.Background(), successCallback(tx), 0)
	if err != nil {
		t.Fatalf("SettleFromCallback returned error: %v", err)
	}
	if !result.Found || !result.Applied || !result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}

	settled, _ := repo.FindSubscriptionByID(context.Background(), sub.ID)
	if settled.PaymentStatus != domain.SubscriptionPaid || !settled.IsActive {
		t.Fatalf("subscription not activated: status=%q active=%v", settled.PaymentStatus, settled.IsActive)
	}
	// The entitlement period is restamped from settlement time with the
	// purchased duration preserved.
	wantDuration := sub.EndDate.Sub(sub.StartDate)
	if got := settled.EndDate.Sub(settled.StartDate); got != wantDuration {
		t.Fatalf("period length changed at settlement: got %v want %v", got, wantDuration)
	}

	if len(pub.events) != 1 || pub.events[0].Status != domain.TransactionCompleted {
		t.Fatalf("expected one completed settlement event, got %+v", pub.events)
	}
	if pub.events[0].SubscriptionID == nil || *pub.events[0].SubscriptionID != sub.ID {
		t.Fatalf("settlement event does not name subscription %d", sub.ID)
	}
}

func TestSettleFromCallback_ReplayIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, &fakeGateway{}, pub)
	tx, sub := purchase(t, svc, repo)

	cb := successCallback(tx)
	if _, err := svc.SettleFromCallback(context.Background(), cb, 0); err != nil {
		t.Fatalf("first settlement failed: %v", err)
	}
	result, err := svc.SettleFromCallback(context.Background(), cb, 0)
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if !result.Found || result.Applied {
		t.Fatalf("expected found, not applied on replay: %+v", result)
	}

	settled, _ := repo.FindSubscriptionByID(context.Background(), sub.ID)
	if settled.PaymentStatus != domain.SubscriptionPaid {
		t.Fatalf("replay disturbed subscription: %q", settled.PaymentStatus)
	}
	if len(pub.events) != 1 {
		t.Fatalf("replay published a second event: %d", len(pub.events))
	}
}

// A renewal purchased after the previous period lapsed must settle even
// though the lapsed row still holds the active flag: activation releases it
// before claiming the one-active-subscription slot.
func TestSettleFromCallback_RenewalAfterPriorPeriodLapsed(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{}, &fakePublisher{})
	tx, sub := purchase(t, svc, repo)

	// The prior period expired between initiation and settlement, so no sweep
	// has released its active flag yet.
	lapsed := repo.addSubscription(domain.Subscription{
		UserID:        tx.UserID,
		StartDate:     time.Now().Add(-31 * 24 * time.Hour),
		EndDate:       time.Now().Add(-time.Hour),
		MaxMaterials:  20,
		IsActive:      true,
		PaymentStatus: domain.SubscriptionPaid,
		CreatedAt:     time.Now().Add(-31 * 24 * time.Hour),
	})

	result, err := svc.SettleFromCallback(context.Background(), successCallback(tx), 0)
	if err != nil {
		t.Fatalf("renewal settlement failed: %v", err)
	}
	if !result.Applied || !result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}

	renewed, _ := repo.FindSubscriptionByID(context.Background(), sub.ID)
	if renewed.PaymentStatus != domain.SubscriptionPaid || !renewed.IsActive {
		t.Fatalf("renewal not activated: status=%q active=%v", renewed.PaymentStatus, renewed.IsActive)
	}
	old, _ := repo.FindSubscriptionByID(context.Background(), lapsed.ID)
	if old.IsActive {
		t.Fatal("lapsed period still holds the active flag after renewal settlement")
	}
}

// A transaction that completed without its grant (a transient failure between
// the two steps) must be repaired by a callback replay, not ignored.
func TestSettleFromCallback_ReplayRepairsMissingGrant(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{}, &fakePublisher{})
	tx, sub := purchase(t, svc, repo)

	// Strand the transaction: completed, but the subscription never settled.
	if applied, err := repo.MarkTransactionCompleted(context.Background(), tx.ID, nil); err != nil || !applied {
		t.Fatalf("setup failed: applied=%v err=%v", applied, err)
	}

	result, err := svc.SettleFromCallback(context.Background(), successCallback(tx), 0)
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if !result.Found || result.Applied {
		t.Fatalf("expected found, not applied on replay: %+v", result)
	}

	repaired, _ := repo.FindSubscriptionByID(context.Background(), sub.ID)
	if repaired.PaymentStatus != domain.SubscriptionPaid || !repaired.IsActive {
		t.Fatalf("replay did not repair the grant: status=%q active=%v", repaired.PaymentStatus, repaired.IsActive)
	}
}

// When the grant itself fails, the transaction must stay non-terminal so the
// next callback delivery can retry the whole settlement.
func TestSettleFromCallback_GrantFailureLeavesTransactionRetryable(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{}, &fakePublisher{})
	tx, sub := purchase(t, svc, repo)

	// An unexpired paid subscription blocks activation: it is not lapsed, so
	// settlement cannot release its active flag.
	blocker := repo.addSubscription(domain.Subscription{
		UserID:        tx.UserID,
		StartDate:     time.Now().Add(-time.Hour),
		EndDate:       time.Now().Add(24 * time.Hour),
		MaxMaterials:  20,
		IsActive:      true,
		PaymentStatus: domain.SubscriptionPaid,
		CreatedAt:     time.Now().Add(-time.Hour),
	})

	if _, err := svc.SettleFromCallback(context.Background(), successCallback(tx), 0); err == nil {
		t.Fatal("expected settlement to fail while another paid subscription is active")
	}
	stranded, _ := repo.FindTransactionByConversationID(context.Background(), tx.ConversationID)
	if stranded.IsTerminal() {
		t.Fatalf("failed grant marked the transaction terminal: %q", stranded.Status)
	}

	// Once the blocker lapses, the retry settles everything.
	repo.mu.Lock()
	repo.subs[blocker.ID].EndDate = time.Now().Add(-time.Minute)
	repo.mu.Unlock()

	result, err := svc.SettleFromCallback(context.Background(), successCallback(tx), 0)
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("retry did not settle: %+v", result)
	}
	settled, _ := repo.FindSubscriptionByID(context.Background(), sub.ID)
	if settled.PaymentStatus != domain.SubscriptionPaid || !settled.IsActive {
		t.Fatalf("retry did not activate subscription: status=%q active=%v", settled.PaymentStatus, settled.IsActive)
	}
}

func TestSettleFromCallback_FailureCascades(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, &fakeGateway{}, pub)
	tx, sub := purchase(t, svc, repo)

	result, err := svc.SettleFromCallback(context.Background(), domain.GatewayCallback{
		ConversationID: tx.ConversationID,
		ResponseCode:   "INS-2051",
		ResponseDesc:   "Insufficient balance",
		Raw:            json.RawMessage(`{"output_ResponseCode":"INS-2051"}`),
	}, 0)
	if err != nil {
		t.Fatalf("SettleFromCallback returned error: %v", err)
	}
	if !result.Applied || result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}

	settledTx, _ := repo.FindTransactionByConversationID(context.Background(), tx.ConversationID)
	if settledTx.Status != domain.TransactionFailed {
		t.Fatalf("expected failed transaction, got %q", settledTx.Status)
	}
	if settledTx.ErrorMessage == nil || *settledTx.ErrorMessage != "Insufficient balance" {
		t.Fatalf("expected gateway description as error message, got %v", settledTx.ErrorMessage)
	}
	settledSub, _ := repo.FindSubscriptionByID(context.Background(), sub.ID)
	if settledSub.PaymentStatus != domain.SubscriptionFailed || settledSub.IsActive {
		t.Fatalf("subscription failure not cascaded: %+v", settledSub)
	}
	if len(pub.events) != 1 || pub.events[0].Status != domain.TransactionFailed {
		t.Fatalf("expected one failed event, got %+v", pub.events)
	}
}

func TestSettleFromCallback_UnknownTransaction(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{}, &fakePublisher{})

	result, err := svc.SettleFromCallback(context.Background(), domain.GatewayCallback{
		ConversationID: "deadbeef",
		Reference:      "SUB999ABCDEF",
		ResponseCode:   "INS-0",
	}, 0)
	if err != nil {
		t.Fatalf("SettleFromCallback returned error: %v", err)
	}
	if result.Found {
		t.Fatal("expected unknown transaction to report not found")
	}
}

func TestSettleFromCallback_ReferenceFallbackLookup(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{}, &fakePublisher{})
	tx, sub := purchase(t, svc, repo)

	// Some gateway deployments omit the conversation id on the callback.
	cb := successCallback(tx)
	cb.ConversationID = ""
	result, err := svc.SettleFromCallback(context.Background(), cb, 0)
	if err != nil {
		t.Fatalf("SettleFromCallback returned error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected settlement via reference lookup: %+v", result)
	}
	settled, _ := repo.FindSubscriptionByID(context.Background(), sub.ID)
	if settled.PaymentStatus != domain.SubscriptionPaid {
		t.Fatalf("subscription not settled via reference: %q", settled.PaymentStatus)
	}
}

func TestSettleFromCallback_MaterialPurchaseCreatesDownloadRecord(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{}, &fakePublisher{})
	user := activeUser(repo)
	material := repo.addMaterial(domain.Material{Title: "Physics Paper", Price: 200000, IsActive: true})

	tx, err := svc.InitiateMaterialPurchase(context.Background(), user.ID, material.ID, "", "10.0.0.1")
	if err != nil {
		t.Fatalf("material purchase setup failed: %v", err)
	}

	if _, err := svc.SettleFromCallback(context.Background(), successCallback(tx), 0); err != nil {
		t.Fatalf("SettleFromCallback returned error: %v", err)
	}

	owned, err := repo.HasDownloadRecord(context.Background(), user.ID, material.ID)
	if err != nil || !owned {
		t.Fatalf("expected download record after settlement, owned=%v err=%v", owned, err)
	}
	rec := repo.records[[2]int64{user.ID, material.ID}]
	if rec.PricePaid != material.Price {
		t.Fatalf("download record price %d, want %d", rec.PricePaid, material.Price)
	}

	// Replay must not duplicate the record.
	if _, err := svc.SettleFromCallback(context.Background(), successCallback(tx), 0); err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if len(repo.records) != 1 {
		t.Fatalf("replay duplicated download records: %d", len(repo.records))
	}
}

func TestSettleFromCallback_SuccessByDescriptionOnly(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{}, &fakePublisher{})
	tx, sub := purchase(t, svc, repo)

	result, err := svc.SettleFromCallback(context.Background(), domain.GatewayCallback{
		ConversationID: tx.ConversationID,
		ResponseCode:   "",
		ResponseDesc:   "Processed Successfully",
		Raw:            json.RawMessage(`{}`),
	}, 0)
	if err != nil {
		t.Fatalf("SettleFromCallback returned error: %v", err)
	}
	if !result.Success {
		t.Fatal("expected description-only success to settle as completed")
	}
	settled, _ := repo.FindSubscriptionByID(context.Background(), sub.ID)
	if settled.PaymentStatus != domain.SubscriptionPaid {
		t.Fatalf("subscription not settled: %q", settled.PaymentStatus)
	}
}

func TestSettleFromCallback_HintUsedWhenReferenceUnparseable(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeGateway{}, &fakePublisher{})
	user := activeUser(repo)
	sub := repo.addSubscription(domain.Subscription{
		UserID: user.ID, PaymentStatus: domain.SubscriptionPending, CreatedAt: time.Now(),
		StartDate: time.Now(), EndDate: time.Now().Add(30 * 24 * time.Hour), MaxMaterials: 20,
	})
	// A legacy reference shape the parser does not recognize.
	tx, err := repo.CreateTransaction(context.Background(), &domain.PaymentTransaction{
		UserID: user.ID, MSISDN: "255744123456", Amount: 500000, Currency: "TZS",
		ConversationID: NewConversationID(), Reference: "LEGACY-42",
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	result, err := svc.SettleFromCallback(context.Background(), domain.GatewayCallback{
		ConversationID: tx.ConversationID,
		ResponseCode:   "INS-0",
		Raw:            json.RawMessage(`{}`),
	}, sub.ID)
	if err != nil {
		t.Fatalf("SettleFromCallback returned error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("unexpected result: %+v", result)
	}
	settled, _ := repo.FindSubscriptionByID(context.Background(), sub.ID)
	if settled.PaymentStatus != domain.SubscriptionPaid {
		t.Fatalf("hint did not settle subscription: %q", settled.PaymentStatus)
	}
}
