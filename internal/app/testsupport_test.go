package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/somolearn/entitlement-service/internal/domain"
	"github.com/somolearn/entitlement-service/internal/store"
	"github.com/somolearn/entitlement-service/pkg/mpesaclient"
	"github.com/somolearn/entitlement-service/pkg/rabbitmq"
)

// fakeRepo is an in-memory Repository with the same conditional-transition
// semantics as the SQL implementation, so concurrency-sensitive tests are
// meaningful.
type fakeRepo struct {
	mu sync.Mutex

	users     map[int64]*domain.User
	materials map[int64]*domain.Material
	plans     map[int64]*domain.SubscriptionPlan
	methods   map[int64]*domain.MobilePaymentMethod
	subs      map[int64]*domain.Subscription
	txs       map[int64]*domain.PaymentTransaction

	views     map[[2]int64]bool
	downloads []domain.LimitedDownload
	records   map[[2]int64]*domain.DownloadRecord

	nextID int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:     make(map[int64]*domain.User),
		materials: make(map[int64]*domain.Material),
		plans:     make(map[int64]*domain.SubscriptionPlan),
		methods:   make(map[int64]*domain.MobilePaymentMethod),
		subs:      make(map[int64]*domain.Subscription),
		txs:       make(map[int64]*domain.PaymentTransaction),
		views:     make(map[[2]int64]bool),
		records:   make(map[[2]int64]*domain.DownloadRecord),
	}
}

func (f *fakeRepo) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeRepo) addUser(u domain.User) *domain.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.ID == 0 {
		u.ID = f.id()
	}
	f.users[u.ID] = &u
	return &u
}

func (f *fakeRepo) addMaterial(m domain.Material) *domain.Material {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == 0 {
		m.ID = f.id()
	}
	f.materials[m.ID] = &m
	return &m
}

func (f *fakeRepo) addPlan(p domain.SubscriptionPlan) *domain.SubscriptionPlan {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == 0 {
		p.ID = f.id()
	}
	f.plans[p.ID] = &p
	return &p
}

func (f *fakeRepo) addMethod(m domain.MobilePaymentMethod) *domain.MobilePaymentMethod {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == 0 {
		m.ID = f.id()
	}
	f.methods[m.ID] = &m
	return &m
}

func (f *fakeRepo) addSubscription(s domain.Subscription) *domain.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == 0 {
		s.ID = f.id()
	}
	f.subs[s.ID] = &s
	return &s
}

func (f *fakeRepo) FindUserByID(ctx context.Context, id int64) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, store.ErrUserNotFound
}

func (f *fakeRepo) FindMaterialByID(ctx context.Context, id int64) (*domain.Material, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.materials[id]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, store.ErrMaterialNotFound
}

func (f *fakeRepo) FindPlanByID(ctx context.Context, id int64) (*domain.SubscriptionPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.plans[id]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, store.ErrPlanNotFound
}

func (f *fakeRepo) FindPaymentMethodByID(ctx context.Context, id int64) (*domain.MobilePaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.methods[id]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, store.ErrPaymentMethodNotFound
}

func (f *fakeRepo) FindSubscriptionByID(ctx context.Context, id int64) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subs[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, store.ErrSubscriptionNotFound
}

func (f *fakeRepo) FindActivePaidSubscription(ctx context.Context, userID int64, now time.Time) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *domain.Subscription
	for _, s := range f.subs {
		if s.UserID == userID && s.IsActive && s.PaymentStatus == domain.SubscriptionPaid && now.Before(s.EndDate) {
			if best == nil || s.EndDate.After(best.EndDate) {
				best = s
			}
		}
	}
	if best == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	copied := *best
	return &copied, nil
}

func (f *fakeRepo) FindRecentPendingSubscription(ctx context.Context, userID int64) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *domain.Subscription
	for _, s := range f.subs {
		if s.UserID == userID && s.PaymentStatus == domain.SubscriptionPending {
			if best == nil || s.CreatedAt.After(best.CreatedAt) {
				best = s
			}
		}
	}
	if best == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	copied := *best
	return &copied, nil
}

func (f *fakeRepo) CreatePendingSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := *sub
	created.ID = f.id()
	created.PaymentStatus = domain.SubscriptionPending
	created.IsActive = false
	created.MaterialsAccessed = 0
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	f.subs[created.ID] = &created
	copied := created
	return &copied, nil
}

func (f *fakeRepo) SettleSubscriptionPaid(ctx context.Context, id int64, startDate, endDate time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok || s.PaymentStatus != domain.SubscriptionPending {
		return false, nil
	}
	// Mirror the partial unique index: at most one active paid subscription
	// per user.
	for _, other := range f.subs {
		if other.ID != id && other.UserID == s.UserID && other.IsActive && other.PaymentStatus == domain.SubscriptionPaid {
			return false, errors.New(`duplicate key value violates unique constraint "uq_subscriptions_one_active_paid"`)
		}
	}
	s.PaymentStatus = domain.SubscriptionPaid
	s.IsActive = true
	s.StartDate = startDate
	s.EndDate = endDate
	return true, nil
}

func (f *fakeRepo) DeactivateLapsedPaidSubscriptions(ctx context.Context, userID, keepID int64, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var released int64
	for _, s := range f.subs {
		if s.UserID == userID && s.ID != keepID && s.IsActive && s.PaymentStatus == domain.SubscriptionPaid && !s.EndDate.After(now) {
			s.IsActive = false
			released++
		}
	}
	return released, nil
}

func (f *fakeRepo) SettleSubscriptionFailed(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok || s.PaymentStatus != domain.SubscriptionPending {
		return false, nil
	}
	s.PaymentStatus = domain.SubscriptionFailed
	s.IsActive = false
	return true, nil
}

func (f *fakeRepo) IncrementMaterialsAccessed(ctx context.Context, id int64, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return false, nil
	}
	if !s.IsActive || s.PaymentStatus != domain.SubscriptionPaid || !now.Before(s.EndDate) || s.MaterialsAccessed >= s.MaxMaterials {
		return false, nil
	}
	s.MaterialsAccessed++
	return true, nil
}

func (f *fakeRepo) CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := *tx
	created.ID = f.id()
	created.Status = domain.TransactionPending
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	f.txs[created.ID] = &created
	copied := created
	return &copied, nil
}

func (f *fakeRepo) FindTransactionByConversationID(ctx context.Context, conversationID string) (*domain.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.ConversationID == conversationID {
			copied := *tx
			return &copied, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (f *fakeRepo) FindTransactionByReference(ctx context.Context, reference string) (*domain.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.Reference == reference {
			copied := *tx
			return &copied, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (f *fakeRepo) MarkTransactionSubmitted(ctx context.Context, id int64, payload json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || tx.Status != domain.TransactionPending {
		return false, nil
	}
	tx.Status = domain.TransactionSubmitted
	tx.ResponsePayload = payload
	return true, nil
}

func (f *fakeRepo) MarkTransactionCompleted(ctx context.Context, id int64, payload json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || (tx.Status != domain.TransactionPending && tx.Status != domain.TransactionSubmitted) {
		return false, nil
	}
	tx.Status = domain.TransactionCompleted
	tx.ResponsePayload = payload
	tx.ErrorMessage = nil
	return true, nil
}

func (f *fakeRepo) MarkTransactionFailed(ctx context.Context, id int64, errorMessage string, payload json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || (tx.Status != domain.TransactionPending && tx.Status != domain.TransactionSubmitted) {
		return false, nil
	}
	tx.Status = domain.TransactionFailed
	tx.ErrorMessage = &errorMessage
	if payload != nil {
		tx.ResponsePayload = payload
	}
	return true, nil
}

func (f *fakeRepo) HasViewedMaterial(ctx context.Context, userID, materialID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.views[[2]int64{userID, materialID}], nil
}

func (f *fakeRepo) RegisterMaterialView(ctx context.Context, userID, materialID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]int64{userID, materialID}
	if f.views[key] {
		return false, nil
	}
	f.views[key] = true
	return true, nil
}

func (f *fakeRepo) CountLimitedDownloadsForDay(ctx context.Context, userID int64, day time.Time) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)
	total, video := 0, 0
	for _, d := range f.downloads {
		if d.UserID == userID && !d.DownloadedAt.Before(start) && d.DownloadedAt.Before(end) {
			total++
			if d.DownloadType == domain.DownloadTypeVideo {
				video++
			}
		}
	}
	return total, video, nil
}

func (f *fakeRepo) RecordLimitedDownload(ctx context.Context, userID, materialID int64, downloadType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, domain.LimitedDownload{
		ID:           f.id(),
		UserID:       userID,
		MaterialID:   materialID,
		DownloadType: downloadType,
		DownloadedAt: time.Now(),
	})
	return nil
}

func (f *fakeRepo) HasDownloadRecord(ctx context.Context, userID, materialID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[[2]int64{userID, materialID}]
	return ok, nil
}

func (f *fakeRepo) CreateDownloadRecordIfAbsent(ctx context.Context, rec *domain.DownloadRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]int64{rec.UserID, rec.MaterialID}
	if _, ok := f.records[key]; ok {
		return false, nil
	}
	created := *rec
	created.ID = f.id()
	created.PurchasedAt = time.Now()
	f.records[key] = &created
	return true, nil
}

func (f *fakeRepo) DeleteMaterialViews(ctx context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cleared int64
	for key := range f.views {
		if key[0] == userID {
			delete(f.views, key)
			cleared++
		}
	}
	return cleared, nil
}

func (f *fakeRepo) FailExpiredPendingSubscriptions(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var swept int64
	for _, s := range f.subs {
		if s.PaymentStatus == domain.SubscriptionPending && s.CreatedAt.Before(cutoff) {
			s.PaymentStatus = domain.SubscriptionFailed
			s.IsActive = false
			swept++
		}
	}
	return swept, nil
}

func (f *fakeRepo) FailExpiredTransactions(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var swept int64
	for _, tx := range f.txs {
		if (tx.Status == domain.TransactionPending || tx.Status == domain.TransactionSubmitted) && tx.CreatedAt.Before(cutoff) {
			tx.Status = domain.TransactionFailed
			msg := "payment timed out"
			tx.ErrorMessage = &msg
			swept++
		}
	}
	return swept, nil
}

func (f *fakeRepo) DeactivateExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var released int64
	for _, s := range f.subs {
		if s.IsActive && s.PaymentStatus == domain.SubscriptionPaid && !s.EndDate.After(now) {
			s.IsActive = false
			released++
		}
	}
	return released, nil
}

// fakeGateway records submitted charges and returns a canned result or error.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []mpesaclient.PaymentParams
	err      error
	currency string
}

func (g *fakeGateway) PaySingleStage(ctx context.Context, params mpesaclient.PaymentParams) (*mpesaclient.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, params)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &mpesaclient.Result{StatusCode: 201, Body: json.RawMessage(`{"output_ResponseCode":"INS-0"}`)}, nil
}

func (g *fakeGateway) Currency() string {
	if g.currency == "" {
		return "TZS"
	}
	return g.currency
}

// fakePublisher captures settlement events.
type fakePublisher struct {
	mu     sync.Mutex
	events []rabbitmq.SettlementEvent
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *fakePublisher) PublishSettlementEvent(ctx context.Context, event rabbitmq.SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() {}

var errGatewayDown = errors.New("gateway unreachable")

// newTestService wires a Service around the fakes with a controllable clock.
func newTestService(repo *fakeRepo, gw *fakeGateway, pub *fakePublisher) *Service {
	svc := NewService(repo, gw, pub, nil, ServiceConfig{})
	return svc
}
