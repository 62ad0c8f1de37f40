// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"atelier/internal/pkg/logger"
	"atelier/internal/pkg/nacos"
	"atelier/internal/pkg/tracing"
	"atelier/internal/pkg/utils"
)

type AppCtx struct {
	Mux   *http.ServeMux
	Nacos *nacos.Client
}

// AppInfo 包含了启动一个服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// RegisterHandlers 允许每个服务注册自己独特的 HTTP 路由
	RegisterHandlers func(appCtx AppCtx)
	// BackgroundTasks 随服务启动的常驻任务（如清扫定时器、消费循环），
	// 传入的 ctx 在关停时被取消
	BackgroundTasks []func(ctx context.Context)
}

// StartService 封装了所有服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	logger.Init(info.ServiceName)
	cfg := GetCurrentConfig()

	// 1. 初始化 Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. 可选的 Nacos 注册
	var (
		nacosClient *nacos.Client
		ip          string
	)
	if cfg.Infra.Nacos.Enabled {
		nacosClient, err = nacos.NewClient(cfg.Infra.Nacos.Addrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		ip, err = utils.GetOutboundIP()
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := nacosClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 3. 创建并启动 HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: nacosClient})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}
	go func() {
		logger.Logger().Info().Msgf("%s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger().Fatal().Err(err).Msgf("could not listen on %s", server.Addr)
		}
	}()

	// 4. 启动后台任务
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	for _, task := range info.BackgroundTasks {
		go task(taskCtx)
	}

	// 5. 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Logger().Info().Msgf("Shutting down service %s...", info.ServiceName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 关停顺序：先摘流量，再停后台任务，最后冲刷追踪数据 (后进先出)
	if nacosClient != nil {
		if err := nacosClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.Logger().Error().Err(err).Msg("Error deregistering from Nacos")
		}
		nacosClient.Close()
	}

	cancelTasks()

	if err := server.Shutdown(ctx); err != nil {
		logger.Logger().Error().Err(err).Msg("Error shutting down http server")
	} else {
		logger.Logger().Info().Msg("HTTP server shut down.")
	}

	if err := tp.Shutdown(ctx); err != nil {
		logger.Logger().Error().Err(err).Msg("Error shutting down tracer provider")
	} else {
		logger.Logger().Info().Msg("Tracer provider shut down.")
	}

	logger.Logger().Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}
