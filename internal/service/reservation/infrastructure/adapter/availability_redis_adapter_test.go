// internal/service/reservation/infrastructure/adapter/availability_redis_adapter_test.go
package adapter

import (
	"testing"
	"time"
)

func TestAvailabilityMirrorTTL(t *testing.T) {
	a := &AvailabilityRedisAdapter{
		ttl:     5 * time.Minute,
		zeroTTL: 15 * time.Second,
	}

	// 有货走长 TTL
	if got := a.ttlFor(7); got != 5*time.Minute {
		t.Fatalf("expected 5m for positive availability, got %v", got)
	}
	// "无货"会直接导致拒单，陈旧零值的存活窗口必须很短
	for _, avail := range []int{0, -1} {
		if got := a.ttlFor(avail); got != 15*time.Second {
			t.Fatalf("available=%d: expected short TTL, got %v", avail, got)
		}
	}
}
