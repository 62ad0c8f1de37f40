// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 预留/释放相关的核心业务指标。
// 全部通过 promauto 注册到默认 Registry，由各服务的 /metrics 端点暴露。
var (
	ReservationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "reservation",
		Name:      "created_total",
		Help:      "Number of reservations created, by grant result.",
	}, []string{"result"}) // full / partial

	ReservationsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "reservation",
		Name:      "released_total",
		Help:      "Number of reservations returned to the pool, by cause.",
	}, []string{"cause"}) // explicit / expired / holder_sweep

	ReservationsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "reservation",
		Name:      "finalized_total",
		Help:      "Number of reservations committed into orders.",
	})

	ReservationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "reservation",
		Name:      "rejected_total",
		Help:      "Number of reserve attempts rejected, by reason.",
	}, []string{"reason"}) // out_of_stock / invalid

	SweepReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "sweeper",
		Name:      "released_total",
		Help:      "Number of expired reservations released by the sweeper.",
	})

	SweepPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atelier",
		Subsystem: "sweeper",
		Name:      "pass_duration_seconds",
		Help:      "Wall-clock duration of a single sweep pass.",
		Buckets:   prometheus.DefBuckets,
	})

	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "atelier",
		Subsystem: "stock_gateway",
		Name:      "active_connections",
		Help:      "Currently connected stock viewers.",
	})
)
