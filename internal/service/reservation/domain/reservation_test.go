// internal/service/reservation/domain/reservation_test.go
package domain

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func newTestReservation(t *testing.T) *Reservation {
	t.Helper()
	r, err := NewReservation("r1", "v1", "h1", 2, 0, 10*time.Minute, testNow)
	if err != nil {
		t.Fatalf("NewReservation failed: %v", err)
	}
	return r
}

func TestNewReservationValidation(t *testing.T) {
	cases := []struct {
		name                   string
		id, variantID, holderID string
		quantity               int
	}{
		{"empty id", "", "v1", "h1", 1},
		{"empty variant", "r1", "", "h1", 1},
		{"empty holder", "r1", "v1", "", 1},
		{"zero quantity", "r1", "v1", "h1", 0},
		{"negative quantity", "r1", "v1", "h1", -3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := NewReservation(c.id, c.variantID, c.holderID, c.quantity, 0, time.Minute, testNow); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestNewReservationStartsActive(t *testing.T) {
	r := newTestReservation(t)
	if r.State != StateActive {
		t.Fatalf("expected ACTIVE, got %s", r.State)
	}
	if want := testNow.Add(10 * time.Minute); !r.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, r.ExpiresAt)
	}
}

func TestIsExpiredBoundary(t *testing.T) {
	r := newTestReservation(t)
	// 恰好等于到期时间不算过期
	if r.IsExpired(r.ExpiresAt) {
		t.Fatal("reservation must not be expired exactly at expiresAt")
	}
	if !r.IsExpired(r.ExpiresAt.Add(time.Nanosecond)) {
		t.Fatal("reservation must be expired after expiresAt")
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	transitions := map[string]func(*Reservation) error{
		"fulfilled": func(r *Reservation) error { return r.MarkFulfilled(testNow) },
		"released":  func(r *Reservation) error { return r.MarkReleased(testNow) },
		"expired":   func(r *Reservation) error { return r.MarkExpired(testNow) },
	}
	for name, terminal := range transitions {
		t.Run(name, func(t *testing.T) {
			r := newTestReservation(t)
			if err := terminal(r); err != nil {
				t.Fatalf("transition from ACTIVE failed: %v", err)
			}
			if !r.State.IsTerminal() {
				t.Fatalf("state %s should be terminal", r.State)
			}
			// 终态之后任何转移都被拒绝
			for _, again := range transitions {
				if err := again(r); !errors.Is(err, ErrReservationAlreadyFinalized) {
					t.Fatalf("expected ErrReservationAlreadyFinalized, got %v", err)
				}
			}
			if err := r.ExtendLease(time.Minute, testNow); !errors.Is(err, ErrReservationAlreadyFinalized) {
				t.Fatalf("terminal reservation must not be extendable, got %v", err)
			}
		})
	}
}

func TestExtendLeaseResetsExpiry(t *testing.T) {
	r := newTestReservation(t)
	later := testNow.Add(5 * time.Minute)
	if err := r.ExtendLease(20*time.Minute, later); err != nil {
		t.Fatalf("ExtendLease failed: %v", err)
	}
	if want := later.Add(20 * time.Minute); !r.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, r.ExpiresAt)
	}
}

func TestVariantSnapshot(t *testing.T) {
	v := &Variant{ID: "v1", ProductName: "walnut desk", TotalStock: 10, ReservedQty: 8, LowStockThreshold: 3}
	snap := v.Snapshot()
	if snap.Available != 2 {
		t.Fatalf("expected available=2, got %d", snap.Available)
	}
	if !snap.LowStock {
		t.Fatal("available below threshold must flag lowStock")
	}
}
