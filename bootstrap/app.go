package bootstrap

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/wangyingjie930/nexus-repair/alerts"
	"github.com/wangyingjie930/nexus-repair/constants"
	"github.com/wangyingjie930/nexus-repair/engine"
	"github.com/wangyingjie930/nexus-repair/httpclient"
	"github.com/wangyingjie930/nexus-repair/logger"
	"github.com/wangyingjie930/nexus-repair/nacos"
	"github.com/wangyingjie930/nexus-repair/redis"
	"github.com/wangyingjie930/nexus-repair/repair"
	"github.com/wangyingjie930/nexus-repair/scheduler"
	"github.com/wangyingjie930/nexus-repair/tracing"
	"github.com/wangyingjie930/nexus-repair/utils"
	"github.com/wangyingjie930/nexus-repair/zookeeper"
)

// AppCtx 包含了在组装阶段可以使用的核心依赖
type AppCtx struct {
	Mux       *http.ServeMux
	Nacos     *nacos.Client
	DB        *gorm.DB
	Scheduler *scheduler.Scheduler
}

// AppInfo 包含了启动修复服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 允许宿主注册自己额外的 HTTP 路由
}

// StartService 封装了修复服务的通用启动和优雅关停逻辑：
// 配置、日志、追踪、数据库、Kafka、Redis、ZooKeeper、三个修复/告警作业
// 和一个健康检查端点
func StartService(info AppInfo) {
	// 首先，初始化配置（它会决定是否使用本地文件模式）
	Init()
	logger.Init(info.ServiceName)

	isLocalMode := getEnv("NEXUS_REPAIR_CONFIG_PATH", "") != ""

	var namingClient *nacos.Client
	var err error
	if !isLocalMode {
		logger.Logger.Info().Msg("Nacos integration is enabled.")
		serverConfigs, err := createNacosServerConfigs(nacosServerAddrs)
		if err != nil {
			logger.Logger.Fatal().Msgf("FATAL: Invalid Nacos server address format: %v", err)
		}
		clientConfig := createNacosClientConfig(nacosNamespace)
		namingClient, err = nacos.NewNacosClientWithConfigs(serverConfigs, &clientConfig, nacosGroup)
		if err != nil {
			logger.Logger.Fatal().Msgf("failed to initialize nacos client: %v", err)
		}
	} else {
		logger.Logger.Info().Msg("Nacos integration is disabled (local mode).")
	}

	// 初始化 Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, GetCurrentConfig().Infra.Jaeger.Endpoint)
	if err != nil {
		logger.Logger.Fatal().Msgf("failed to initialize tracer provider: %v", err)
	}

	cfg := GetCurrentConfig()

	// 记录存储
	db, err := gorm.Open(mysql.Open(cfg.Infra.Mysql.Dsn), &gorm.Config{})
	if err != nil {
		logger.Logger.Fatal().Msgf("failed to connect to MySQL: %v", err)
	}

	// 修复服务：配置通过快照函数注入，Nacos 热更新在下一次调用时生效
	settings := func() repair.Settings {
		return GetCurrentConfig().App.Asynch.RepairSettings()
	}
	brokers := strings.Split(cfg.Infra.Kafka.Brokers, ",")
	tracer := otel.Tracer(info.ServiceName)

	var fatalHandler engine.FatalErrorHandler
	if cfg.App.Asynch.FatalErrorNotifier == "http" && namingClient != nil {
		fatalHandler = engine.NewHTTPFatalErrorHandler(
			httpclient.NewClient(tracer, namingClient),
			constants.ProcessingEngineService,
			constants.EngineErrorFatalPath,
		)
	} else {
		fatalHandler = engine.NewKafkaFatalErrorHandler(brokers, constants.ErrorFatalTopic, tracer)
	}
	msgService := repair.NewMessageService(repair.NewGormMessageStore(db), fatalHandler, settings)
	callService := repair.NewExternalCallService(repair.NewGormExternalCallStore(db), settings)

	// 告警检查：Kafka 通知 + 可选的 Redis 节流
	kafkaAlerts := alerts.NewKafkaListener(brokers, constants.AlertTopic)
	var alertListener alerts.Listener = kafkaAlerts
	if cfg.Infra.Redis.Addrs != "" {
		if rdb, err := redis.NewClient(cfg.Infra.Redis.Addrs); err != nil {
			logger.Logger.Warn().Err(err).Msg("redis unavailable, alert throttling disabled")
		} else {
			window := time.Duration(cfg.App.Alerts.ThrottleSeconds) * time.Second
			if window <= 0 {
				window = 10 * time.Minute
			}
			if throttled, err := alerts.NewThrottledListener(alertListener, rdb, window); err == nil {
				alertListener = throttled
			}
		}
	}
	alertService := alerts.NewCheckingService(
		alerts.NewGormDao(db),
		func() []alerts.AlertInfo { return GetCurrentConfig().App.Alerts.AlertInfos() },
		alertListener,
	)

	// 可选的 ZooKeeper 锁：多实例部署时保证每个作业单实例执行
	var lockFactory scheduler.LockFactory
	if cfg.Infra.Zookeeper.Addrs != "" {
		zkConn, err := zookeeper.InitZookeeper(strings.Split(cfg.Infra.Zookeeper.Addrs, ","))
		if err != nil {
			logger.Logger.Warn().Err(err).Msg("zookeeper unavailable, running without cross-instance job locks")
		} else {
			lockFactory = func(jobName string) scheduler.Lock {
				lock, err := zookeeper.NewDistributedLock(zkConn, jobName)
				if err != nil {
					// 锁构造失败不是致命的，本周期退化为不加锁执行
					logger.Logger.Warn().Err(err).Str("job", jobName).Msg("job lock unavailable, running cycle unlocked")
					return nil
				}
				return lock
			}
		}
	}

	// 修复作业的调度周期与卡住判定阈值是同一个配置值
	repairInterval := time.Duration(cfg.App.Asynch.RepairRepeatIntervalSeconds) * time.Second
	if repairInterval <= 0 {
		repairInterval = repair.DefaultRepairRepeatInterval
	}
	alertInterval := time.Duration(cfg.App.Alerts.CheckIntervalSeconds) * time.Second
	if alertInterval <= 0 {
		alertInterval = repairInterval
	}

	sched := scheduler.New(lockFactory)
	sched.Add(scheduler.JobFunc{JobName: constants.JobRepairMessages, Fn: msgService.RepairProcessingMessages}, repairInterval)
	sched.Add(scheduler.JobFunc{JobName: constants.JobRepairExternalCalls, Fn: callService.RepairProcessingExternalCalls}, repairInterval)
	sched.Add(scheduler.JobFunc{JobName: constants.JobCheckAlerts, Fn: alertService.CheckAlerts}, alertInterval)

	// 只有在非本地模式下才获取IP并注册服务
	var ip string
	if !isLocalMode && namingClient != nil {
		ip, err = utils.GetOutboundIP()
		if err != nil {
			logger.Logger.Fatal().Msgf("failed to get outbound IP address: %v", err)
		}
		err = namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port)
		if err != nil {
			logger.Logger.Fatal().Msgf("failed to register service with nacos: %v", err)
		}
	}

	// HTTP Server：健康检查 + 宿主自定义路由
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: namingClient, DB: db, Scheduler: sched})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}

	runCtx, stop := context.WithCancel(context.Background())
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return sched.Start(runCtx)
	})
	g.Go(func() error {
		logger.Logger.Printf("%s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Logger.Printf("Shutting down service %s...", info.ServiceName)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 只有在非本地模式下才执行注销和关闭客户端
	if !isLocalMode && namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.Logger.Printf("Error deregistering from Nacos: %v", err)
		} else {
			logger.Logger.Printf("Service %s deregistered from Nacos.", info.ServiceName)
		}
		if nacosConfigClient != nil {
			nacosConfigClient.CloseClient()
		}
	}

	// 关闭 Tracer Provider
	if err := tp.Shutdown(ctx); err != nil {
		logger.Logger.Printf("Error shutting down tracer provider: %v", err)
	}

	// 关闭 HTTP Server
	if err := server.Shutdown(ctx); err != nil {
		logger.Logger.Printf("Error shutting down http server: %v", err)
	}

	// 关闭 Kafka 生产者（HTTP 通知器没有需要关闭的资源）
	if closer, ok := fatalHandler.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Logger.Printf("Error closing fatal error handler: %v", err)
		}
	}
	if err := kafkaAlerts.Close(); err != nil {
		logger.Logger.Printf("Error closing alert listener: %v", err)
	}

	if err := g.Wait(); err != nil {
		logger.Logger.Printf("Service %s stopped with error: %v", info.ServiceName, err)
	}
	logger.Logger.Printf("Service %s gracefully shut down.", info.ServiceName)
}
