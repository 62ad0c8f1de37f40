// internal/service/reservation/application/service_test.go
package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"atelier/internal/service/reservation/domain"
	"atelier/internal/service/reservation/domain/port"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace/noop"
)

// fakeStore 是四个存储接口的内存实现，事务即全局互斥锁。
// 与真实实现一样通过 ctx 标记事务边界，事务内的调用不再抢锁。
type fakeStore struct {
	mu       sync.Mutex
	variants map[string]*domain.Variant
	records  map[string]*domain.Reservation
}

type fakeTxMarker struct{}

func newFakeStore() *fakeStore {
	return &fakeStore{
		variants: make(map[string]*domain.Variant),
		records:  make(map[string]*domain.Reservation),
	}
}

func (s *fakeStore) addVariant(v domain.Variant) {
	s.variants[v.ID] = &v
}

func (s *fakeStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(context.WithValue(ctx, fakeTxMarker{}, true))
}

func (s *fakeStore) lock(ctx context.Context) func() {
	if ctx.Value(fakeTxMarker{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *fakeStore) Create(ctx context.Context, r *domain.Reservation) error {
	defer s.lock(ctx)()
	clone := *r
	s.records[r.ID] = &clone
	return nil
}

func (s *fakeStore) FindByID(ctx context.Context, id string) (*domain.Reservation, error) {
	defer s.lock(ctx)()
	r, ok := s.records[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	clone := *r
	return &clone, nil
}

func (s *fakeStore) FindByIDForUpdate(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.FindByID(ctx, id)
}

func (s *fakeStore) Update(ctx context.Context, r *domain.Reservation) error {
	defer s.lock(ctx)()
	if _, ok := s.records[r.ID]; !ok {
		return domain.ErrReservationNotFound
	}
	clone := *r
	s.records[r.ID] = &clone
	return nil
}

func (s *fakeStore) FindActiveByHolder(ctx context.Context, holderID string) ([]*domain.Reservation, error) {
	defer s.lock(ctx)()
	var out []*domain.Reservation
	for _, r := range s.records {
		if r.HolderID == holderID && r.State == domain.StateActive {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	defer s.lock(ctx)()
	var out []*domain.Reservation
	for _, r := range s.records {
		if r.State == domain.StateActive && now.After(r.ExpiresAt) {
			clone := *r
			out = append(out, &clone)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) Adjust(ctx context.Context, variantID string, delta int) (int, error) {
	defer s.lock(ctx)()
	v, ok := s.variants[variantID]
	if !ok {
		return 0, domain.ErrVariantNotFound
	}
	next := v.ReservedQty + delta
	if next > v.TotalStock || next < 0 {
		return 0, domain.ErrInsufficientStock
	}
	v.ReservedQty = next
	return v.TotalStock - v.ReservedQty, nil
}

func (s *fakeStore) FindVariant(ctx context.Context, variantID string) (*domain.Variant, error) {
	defer s.lock(ctx)()
	v, ok := s.variants[variantID]
	if !ok {
		return nil, domain.ErrVariantNotFound
	}
	clone := *v
	return &clone, nil
}

func (s *fakeStore) FindVariantForUpdate(ctx context.Context, variantID string) (*domain.Variant, error) {
	return s.FindVariant(ctx, variantID)
}

func (s *fakeStore) reservedQty(variantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variants[variantID].ReservedQty
}

// recordingPublisher 记录所有发布的事件。
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StockEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.StockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) byKind(kind domain.StockEventKind) []domain.StockEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.StockEvent
	for _, e := range p.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// stubPolicy 返回固定的 backorder 上限。
type stubPolicy struct{ max int }

func (p stubPolicy) MaxBackorder(_ context.Context, _ port.BackorderFact) (int, error) {
	return p.max, nil
}

// stubAvailability 返回固定的预检结果。
type stubAvailability struct {
	hasStock bool
	known    bool
}

func (a stubAvailability) Precheck(_ context.Context, _ string) (bool, bool, error) {
	return a.hasStock, a.known, nil
}

func (a stubAvailability) Refresh(_ context.Context, _ string, _ int) error { return nil }

// reservationStore 聚合四个存储端口，让测试桩可以整体注入。
type reservationStore interface {
	domain.ReservationRepository
	domain.StockLedger
	domain.VariantReader
	domain.TxRunner
}

func newTestManager(store reservationStore, publisher port.StockEventPublisher, policy port.BackorderPolicy) *ReservationManager {
	tracer := noop.NewTracerProvider().Tracer("test")
	return NewReservationManager(store, store, store, store,
		publisher, policy, nil, tracer, 10*time.Minute, 30*time.Minute)
}

func TestReserveFullGrant(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", ProductName: "oak chair", TotalStock: 10, LowStockThreshold: 2})
	publisher := &recordingPublisher{}
	m := newTestManager(store, publisher, stubPolicy{max: 0})

	res, err := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 3})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.Quantity != 3 || res.BackorderedQty != 0 {
		t.Fatalf("expected full grant of 3, got quantity=%d backordered=%d", res.Quantity, res.BackorderedQty)
	}
	if res.State != domain.StateActive {
		t.Fatalf("expected ACTIVE state, got %s", res.State)
	}
	if got := store.reservedQty("v1"); got != 3 {
		t.Fatalf("expected ledger reservedQty=3, got %d", got)
	}

	events := publisher.byKind(domain.EventStockReserved)
	if len(events) != 1 {
		t.Fatalf("expected 1 stock-reserved event, got %d", len(events))
	}
	e := events[0]
	if e.Delta != -3 || e.Available != 7 || e.ExcludeHolder != "buyer-1" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestReservePartialGrantWithBackorder(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10, ReservedQty: 8})
	publisher := &recordingPublisher{}
	m := newTestManager(store, publisher, stubPolicy{max: 100})

	res, err := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 5})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.Quantity != 2 {
		t.Fatalf("expected granted=2 (the remaining stock), got %d", res.Quantity)
	}
	if res.BackorderedQty != 3 {
		t.Fatalf("expected backordered=3, got %d", res.BackorderedQty)
	}
	if got := store.reservedQty("v1"); got != 10 {
		t.Fatalf("backordered units must not occupy the ledger, reservedQty=%d", got)
	}
}

func TestReservePartialGrantPolicyCapped(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10, ReservedQty: 8})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{max: 1})

	res, err := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 5})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.Quantity != 2 || res.BackorderedQty != 1 {
		t.Fatalf("expected granted=2 backordered=1, got %d/%d", res.Quantity, res.BackorderedQty)
	}
}

func TestReserveOutOfStock(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 5, ReservedQty: 5})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{max: 100})

	_, err := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 1})
	if !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
}

func TestReserveInvalidQuantity(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 5})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})

	for _, qty := range []int{0, -1} {
		_, err := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: qty})
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Fatalf("quantity=%d: expected ErrInvalidRequest, got %v", qty, err)
		}
	}
}

func TestReservePrecheckShortCircuit(t *testing.T) {
	// 镜像明确显示无货时直接拒绝，不触达事务存储
	store := newFakeStore()
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})
	m.avail = stubAvailability{hasStock: false, known: true}

	_, err := m.Reserve(context.Background(), ReserveCommand{VariantID: "missing", HolderID: "buyer-1", Quantity: 1})
	if !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock from precheck, got %v", err)
	}
}

func TestReleaseRestoresAvailability(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10})
	publisher := &recordingPublisher{}
	m := newTestManager(store, publisher, stubPolicy{})

	res, err := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 4})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	ok, err := m.Release(context.Background(), res.ID)
	if err != nil || !ok {
		t.Fatalf("Release failed: ok=%v err=%v", ok, err)
	}
	if got := store.reservedQty("v1"); got != 0 {
		t.Fatalf("expected ledger restored to 0, got %d", got)
	}

	stored, _ := store.FindByID(context.Background(), res.ID)
	if stored.State != domain.StateReleased {
		t.Fatalf("expected RELEASED state, got %s", stored.State)
	}
	events := publisher.byKind(domain.EventStockReleased)
	if len(events) != 1 || events[0].Delta != 4 {
		t.Fatalf("expected one stock-released event with delta 4, got %+v", events)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})

	res, _ := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 2})

	if ok, err := m.Release(context.Background(), res.ID); err != nil || !ok {
		t.Fatalf("first release: ok=%v err=%v", ok, err)
	}
	// 第二次释放是空操作成功，库存绝不能被归还两次
	if ok, err := m.Release(context.Background(), res.ID); err != nil || ok {
		t.Fatalf("second release should be a no-op success, got ok=%v err=%v", ok, err)
	}
	if got := store.reservedQty("v1"); got != 0 {
		t.Fatalf("double release corrupted the ledger: reservedQty=%d", got)
	}
}

func TestReleaseAfterFinalize(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})

	res, _ := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 3})
	if _, err := m.Finalize(context.Background(), res.ID); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	_, err := m.Release(context.Background(), res.ID)
	if !errors.Is(err, domain.ErrReservationAlreadyFinalized) {
		t.Fatalf("expected ErrReservationAlreadyFinalized, got %v", err)
	}
	// 成交的库存已永久划走，台账不回退
	if got := store.reservedQty("v1"); got != 3 {
		t.Fatalf("finalized stock must stay on the ledger, reservedQty=%d", got)
	}
}

func TestExtendLeaseClampsToMax(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	res, _ := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 1})

	extended, err := m.Extend(context.Background(), res.ID, 2*time.Hour)
	if err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if want := base.Add(30 * time.Minute); !extended.ExpiresAt.Equal(want) {
		t.Fatalf("expected lease clamped to max (%v), got %v", want, extended.ExpiresAt)
	}
}

func TestReleaseAllForHolder(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})

	ctx := context.Background()
	m.Reserve(ctx, ReserveCommand{VariantID: "v1", HolderID: "holder-a", Quantity: 2})
	m.Reserve(ctx, ReserveCommand{VariantID: "v1", HolderID: "holder-a", Quantity: 3})
	other, _ := m.Reserve(ctx, ReserveCommand{VariantID: "v1", HolderID: "holder-b", Quantity: 1})

	released, err := m.ReleaseAllForHolder(ctx, "holder-a")
	if err != nil {
		t.Fatalf("ReleaseAllForHolder failed: %v", err)
	}
	if released != 2 {
		t.Fatalf("expected 2 released, got %d", released)
	}
	if got := store.reservedQty("v1"); got != 1 {
		t.Fatalf("expected only holder-b's unit on the ledger, reservedQty=%d", got)
	}
	stored, _ := store.FindByID(ctx, other.ID)
	if stored.State != domain.StateActive {
		t.Fatalf("holder-b's reservation must be untouched, got %s", stored.State)
	}
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{max: 0})

	const workers = 4
	var wg sync.WaitGroup
	granted := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Reserve(context.Background(), ReserveCommand{
				VariantID: "v1", HolderID: "buyer", Quantity: 6,
			})
			if err != nil {
				if !errors.Is(err, domain.ErrOutOfStock) {
					t.Errorf("unexpected reserve error: %v", err)
				}
				return
			}
			granted[i] = res.Quantity
		}(i)
	}
	wg.Wait()

	total := 0
	for _, g := range granted {
		total += g
	}
	if total != 10 {
		t.Fatalf("expected exactly the full stock granted across workers, got %d", total)
	}
	if got := store.reservedQty("v1"); got != 10 {
		t.Fatalf("ledger diverged from grants: reservedQty=%d", got)
	}
}

func TestConcurrentReserveContentionWithBackorder(t *testing.T) {
	// 两个并发请求各要 6 件、总库存 10：先提交者全额拿到 6，
	// 后提交者拿到剩余 4 并把 2 件记为 backorder，可用库存绝不为负。
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{max: 100})

	results := make(chan *domain.Reservation, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Reserve(context.Background(), ReserveCommand{
				VariantID: "v1", HolderID: "buyer", Quantity: 6,
			})
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	granted, backordered := 0, 0
	for res := range results {
		granted += res.Quantity
		backordered += res.BackorderedQty
	}
	if granted != 10 {
		t.Fatalf("combined granted must equal the full stock, got %d", granted)
	}
	if backordered != 2 {
		t.Fatalf("expected 2 backordered on the losing request, got %d", backordered)
	}
	if got := store.reservedQty("v1"); got != 10 {
		t.Fatalf("ledger diverged, reservedQty=%d", got)
	}
}

// snapshotStore 模拟 REPEATABLE READ 的读行为：
// 普通读返回事务开始时的快照，锁定读返回已提交的最新数据。
type snapshotStore struct {
	*fakeStore
	stale domain.Variant
}

func (s *snapshotStore) FindVariant(_ context.Context, _ string) (*domain.Variant, error) {
	clone := s.stale
	return &clone, nil
}

func TestReserveObservesCommittedLedger(t *testing.T) {
	// 台账已被并发提交消耗（reserved=6），但事务快照里还是满库存。
	// 授予决策必须走锁定读看到真实可用量 4，给出部分授予；
	// 若走快照读，重试只会按过期数据反复碰壁直至耗尽。
	inner := newFakeStore()
	inner.addVariant(domain.Variant{ID: "v1", TotalStock: 10, ReservedQty: 6})
	store := &snapshotStore{
		fakeStore: inner,
		stale:     domain.Variant{ID: "v1", TotalStock: 10, ReservedQty: 0},
	}
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{max: 100})

	res, err := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 6})
	if err != nil {
		t.Fatalf("Reserve must grant the remaining stock, got %v", err)
	}
	if res.Quantity != 4 || res.BackorderedQty != 2 {
		t.Fatalf("expected granted=4 backordered=2, got %d/%d", res.Quantity, res.BackorderedQty)
	}
	if got := inner.reservedQty("v1"); got != 10 {
		t.Fatalf("expected reservedQty=10, got %d", got)
	}
}

func TestReserveBackorderDisabled(t *testing.T) {
	// 未注入策略即关闭 backorder：超出可用库存的部分按 0 处理
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10, ReservedQty: 8})
	m := newTestManager(store, &recordingPublisher{}, nil)

	res, err := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 5})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if res.Quantity != 2 || res.BackorderedQty != 0 {
		t.Fatalf("expected granted=2 backordered=0, got %d/%d", res.Quantity, res.BackorderedQty)
	}
}

func TestStockSnapshot(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", ProductName: "teak bench", TotalStock: 10, ReservedQty: 9, LowStockThreshold: 2})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})

	snap, err := m.StockSnapshot(context.Background(), "v1")
	if err != nil {
		t.Fatalf("StockSnapshot failed: %v", err)
	}
	if snap.Available != 1 || !snap.LowStock {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if _, err := m.StockSnapshot(context.Background(), "missing"); !errors.Is(err, domain.ErrVariantNotFound) {
		t.Fatalf("expected ErrVariantNotFound, got %v", err)
	}
}

func TestLowStockCrossingPublishesUpdate(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10, LowStockThreshold: 3})
	publisher := &recordingPublisher{}
	m := newTestManager(store, publisher, stubPolicy{})

	// 10 -> 2 跨过阈值 3，应追加一条 stock-updated 驱动"仅剩 N 件"提示
	if _, err := m.Reserve(context.Background(), ReserveCommand{VariantID: "v1", HolderID: "buyer-1", Quantity: 8}); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	updated := publisher.byKind(domain.EventStockUpdated)
	if len(updated) != 1 {
		t.Fatalf("expected one stock-updated event on threshold crossing, got %d", len(updated))
	}
	if !updated[0].LowStock || updated[0].Available != 2 {
		t.Fatalf("unexpected low-stock event: %+v", updated[0])
	}
	if updated[0].ExcludeHolder != "" {
		t.Fatalf("low-stock update must reach every viewer, got exclude=%q", updated[0].ExcludeHolder)
	}
}
