// cmd/reservation-service/main.go
package main

import (
	"context"
	"strings"
	"time"

	"atelier/internal/pkg/bootstrap"
	"atelier/internal/pkg/logger"
	"atelier/internal/pkg/mq"
	redispkg "atelier/internal/pkg/redis"
	"atelier/internal/pkg/session"
	"atelier/internal/pkg/zkutil"
	"atelier/internal/service/checkout"
	"atelier/internal/service/reservation/application"
	"atelier/internal/service/reservation/domain/port"
	"atelier/internal/service/reservation/infrastructure"
	"atelier/internal/service/reservation/infrastructure/adapter"
	"atelier/internal/service/reservation/infrastructure/rule"
	"atelier/internal/service/reservation/interfaces"

	"go.opentelemetry.io/otel"
)

const (
	serviceName           = "reservation-service"
	servicePort           = 8080
	backorderPolicyDataID = "reservation.backorder_policy"
	sweepLockName         = "reservation-sweep"
)

// main 函数是应用的"组装根" (Composition Root)：
// 创建并组装所有依赖项，然后启动应用。
func main() {
	bootstrap.Init()
	logger.Init(serviceName)
	cfg := bootstrap.GetCurrentConfig()
	ctx := context.Background()

	// 事务存储：台账 + 预留记录
	db, err := infrastructure.NewDB(cfg.Infra.MysqlDSN)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to connect to mysql")
	}
	store := infrastructure.NewGormStore(db)

	// Redis：可用量镜像 + 结算会话
	redisClient, err := redispkg.NewClient(ctx, cfg.Infra.Redis.Addr)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to connect to redis")
	}
	var availability port.AvailabilityCache
	if cfg.App.FeatureFlags.EnableAvailabilityPrecheck {
		availability, err = adapter.NewAvailabilityRedisAdapter(redisClient)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to init availability adapter")
		}
	}

	// Kafka：库存事件广播
	writer := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.StockEventTopic)
	broadcaster := adapter.NewKafkaBroadcaster(writer)
	defer broadcaster.Close()

	// 缺货策略。功能开关关闭时不注入策略，超出可用库存的部分一律按 0 处理
	var (
		policy    port.BackorderPolicy
		celPolicy *rule.CELBackorderPolicy
	)
	if cfg.App.FeatureFlags.EnableBackorder {
		celPolicy, err = rule.NewCELBackorderPolicy(cfg.App.BackorderPolicy)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("invalid backorder policy expression")
		}
		policy = celPolicy
	}

	tracer := otel.Tracer(serviceName)
	manager := application.NewReservationManager(
		store, store, store, store,
		broadcaster, policy, availability,
		tracer, cfg.App.DefaultLease.Std(), cfg.App.MaxLease.Std(),
	)
	sweeper := application.NewSweeper(manager, store, cfg.App.Sweep.BatchSize, cfg.App.Sweep.Parallelism, tracer)

	sessions := session.NewManager(redisClient.GetClient())
	coordinator := checkout.NewCoordinator(sessions, manager, tracer)

	handler := interfaces.NewReservationHandler(manager, sweeper, coordinator, cfg.App.CleanupSecret)

	// 多副本下的清扫去重锁，连不上 ZooKeeper 时退化为无锁清扫
	var sweepLock *zkutil.TryLock
	if len(cfg.Infra.Zookeeper.Addrs) > 0 {
		if conn, err := zkutil.Connect(cfg.Infra.Zookeeper.Addrs, 10*time.Second); err != nil {
			logger.Logger().Warn().Err(err).Msg("zookeeper unavailable, sweep dedup disabled")
		} else if sweepLock, err = zkutil.NewTryLock(conn, sweepLockName); err != nil {
			logger.Logger().Warn().Err(err).Msg("failed to create sweep lock, sweep dedup disabled")
			sweepLock = nil
		}
	}
	cron := interfaces.NewSweepCron(sweeper, cfg.App.Sweep.Interval.Std(), sweepLock)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)

			// 配置中心热更新缺货策略表达式
			if appCtx.Nacos != nil && celPolicy != nil {
				err := appCtx.Nacos.WatchConfig(backorderPolicyDataID, func(content string) {
					expr := strings.TrimSpace(content)
					if err := celPolicy.SetExpression(expr); err != nil {
						logger.Logger().Error().Err(err).Msg("rejected invalid backorder policy from config center")
						return
					}
					// 同步配置快照，保证 GetCurrentConfig 反映实际生效的表达式
					bootstrap.UpdateConfig(func(cfg *bootstrap.Config) {
						cfg.App.BackorderPolicy = expr
					})
				})
				if err != nil {
					logger.Logger().Warn().Err(err).Msg("failed to watch backorder policy config")
				}
			}
		},
		BackgroundTasks: []func(ctx context.Context){
			cron.Run,
		},
	})
}
