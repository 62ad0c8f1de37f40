// internal/service/reservation/application/sweeper_test.go
package application

import (
	"context"
	"testing"
	"time"

	"atelier/internal/service/reservation/domain"

	"go.opentelemetry.io/otel/trace/noop"
)

// flakyStore 让指定预留的行锁读取失败，用于验证单条失败的隔离。
type flakyStore struct {
	*fakeStore
	failID string
}

func (s *flakyStore) FindByIDForUpdate(ctx context.Context, id string) (*domain.Reservation, error) {
	if id == s.failID {
		return nil, domain.ErrTransientStore
	}
	return s.fakeStore.FindByIDForUpdate(ctx, id)
}

func newTestSweeper(m *ReservationManager, repo domain.ReservationRepository, at time.Time) *Sweeper {
	s := NewSweeper(m, repo, 100, 4, noop.NewTracerProvider().Tracer("test"))
	s.now = func() time.Time { return at }
	return s
}

func TestSweeperReleasesExpired(t *testing.T) {
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	ctx := context.Background()
	stale1, _ := m.Reserve(ctx, ReserveCommand{VariantID: "v1", HolderID: "h1", Quantity: 2, Lease: time.Minute})
	stale2, _ := m.Reserve(ctx, ReserveCommand{VariantID: "v1", HolderID: "h2", Quantity: 3, Lease: time.Minute})
	fresh, _ := m.Reserve(ctx, ReserveCommand{VariantID: "v1", HolderID: "h3", Quantity: 1, Lease: time.Hour})

	// 两分钟后：前两条已过租约，第三条仍然有效
	sweeper := newTestSweeper(m, store, base.Add(2*time.Minute))
	released, err := sweeper.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if released != 2 {
		t.Fatalf("expected 2 released, got %d", released)
	}

	for _, id := range []string{stale1.ID, stale2.ID} {
		r, _ := store.FindByID(ctx, id)
		if r.State != domain.StateExpired {
			t.Fatalf("reservation %s: expected EXPIRED, got %s", id, r.State)
		}
	}
	r, _ := store.FindByID(ctx, fresh.ID)
	if r.State != domain.StateActive {
		t.Fatalf("fresh reservation must survive the sweep, got %s", r.State)
	}
	// 台账只保留未过期的那 1 件
	if got := store.reservedQty("v1"); got != 1 {
		t.Fatalf("expected reservedQty=1 after sweep, got %d", got)
	}
}

func TestSweeperEmptyPass(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})
	sweeper := newTestSweeper(m, store, time.Now())

	released, err := sweeper.RunPass(context.Background())
	if err != nil || released != 0 {
		t.Fatalf("empty pass: released=%d err=%v", released, err)
	}
}

func TestSweeperSkipsRenewedLease(t *testing.T) {
	// 清扫候选名单生成后持有者续了租：释放路径必须在行锁下
	// 复核 expiresAt 并放过这条记录，而不是按过期名单直接回收。
	store := newFakeStore()
	store.addVariant(domain.Variant{ID: "v1", TotalStock: 10})
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	ctx := context.Background()
	res, err := m.Reserve(ctx, ReserveCommand{VariantID: "v1", HolderID: "h1", Quantity: 2, Lease: time.Minute})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// 两分钟后该记录已被扫进候选名单，但持有者抢先续期到 +12min
	now = base.Add(2 * time.Minute)
	if _, err := m.Extend(ctx, res.ID, 10*time.Minute); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	ok, err := m.release(ctx, res.ID, releaseExpired)
	if err != nil {
		t.Fatalf("release on renewed lease must be a no-op, got %v", err)
	}
	if ok {
		t.Fatal("sweeper must not release a freshly extended reservation")
	}

	r, _ := store.FindByID(ctx, res.ID)
	if r.State != domain.StateActive {
		t.Fatalf("reservation must stay ACTIVE, got %s", r.State)
	}
	if got := store.reservedQty("v1"); got != 2 {
		t.Fatalf("ledger must keep the renewed hold, reservedQty=%d", got)
	}
}

func TestSweeperIsolatesPerItemFailures(t *testing.T) {
	inner := newFakeStore()
	inner.addVariant(domain.Variant{ID: "v1", TotalStock: 10})

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	setup := newTestManager(inner, &recordingPublisher{}, stubPolicy{})
	setup.now = func() time.Time { return base }

	ctx := context.Background()
	bad, _ := setup.Reserve(ctx, ReserveCommand{VariantID: "v1", HolderID: "h1", Quantity: 2, Lease: time.Minute})
	good, _ := setup.Reserve(ctx, ReserveCommand{VariantID: "v1", HolderID: "h2", Quantity: 3, Lease: time.Minute})

	store := &flakyStore{fakeStore: inner, failID: bad.ID}
	m := newTestManager(store, &recordingPublisher{}, stubPolicy{})
	sweeper := newTestSweeper(m, store, base.Add(2*time.Minute))

	released, err := sweeper.RunPass(ctx)
	if err != nil {
		t.Fatalf("a single failing item must not fail the pass: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 released despite the failure, got %d", released)
	}
	r, _ := inner.FindByID(ctx, good.ID)
	if r.State != domain.StateExpired {
		t.Fatalf("healthy reservation should be swept, got %s", r.State)
	}

	// 故障消失后，下一轮清扫自然补上遗留的那条
	store.failID = ""
	released, err = sweeper.RunPass(ctx)
	if err != nil || released != 1 {
		t.Fatalf("retry pass: released=%d err=%v", released, err)
	}
	r, _ = inner.FindByID(ctx, bad.ID)
	if r.State != domain.StateExpired {
		t.Fatalf("reservation should be recovered on the next pass, got %s", r.State)
	}
}
