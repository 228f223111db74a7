package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"gopkg.in/yaml.v3"

	"github.com/wangyingjie930/nexus-repair/alerts"
	"github.com/wangyingjie930/nexus-repair/logger"
	"github.com/wangyingjie930/nexus-repair/repair"
)

// InfraConfig 存放基础设施配置
type InfraConfig struct {
	Kafka struct {
		Brokers string `yaml:"brokers"`
	} `yaml:"kafka"`
	Redis struct {
		Addrs string `yaml:"addrs"`
	} `yaml:"redis"`
	Jaeger struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"jaeger"`
	Zookeeper struct {
		Addrs string `yaml:"addrs"`
	} `yaml:"zookeeper"`
	Mysql struct {
		Dsn string `yaml:"dsn"`
	} `yaml:"mysql"`
}

// AppConfig 存放业务逻辑配置，全部可被配置中心热更新，
// 修复服务在每次调用时通过快照读取
type AppConfig struct {
	Asynch AsynchConfig `yaml:"asynch"`
	Alerts AlertsConfig `yaml:"alerts"`
}

// AsynchConfig 是修复循环的配置
type AsynchConfig struct {
	// RepairRepeatIntervalSeconds 既是修复作业的调度周期，也是消息的卡住判定阈值
	RepairRepeatIntervalSeconds  int `yaml:"repairRepeatIntervalSeconds"`
	CountPartlyFailsBeforeFailed int `yaml:"countPartlyFailsBeforeFailed"`
	MessageBatchSize             int `yaml:"messageBatchSize"`
	MaxMessagesInOneQuery        int `yaml:"maxMessagesInOneQuery"`
	ExternalCallBatchSize        int `yaml:"externalCallBatchSize"`
	// FatalErrorNotifier 选择 FAILED 升级的通知通道："kafka"（默认）把事件
	// 发到致命错误 topic；"http" 通过 Nacos 发现处理引擎实例并回调其
	// 致命错误端点（仅在启用了 Nacos 的部署下可用）
	FatalErrorNotifier string `yaml:"fatalErrorNotifier"`
}

// AlertsConfig 是告警检查的配置
type AlertsConfig struct {
	CheckIntervalSeconds int               `yaml:"checkIntervalSeconds"`
	ThrottleSeconds      int               `yaml:"throttleSeconds"`
	Definitions          []AlertDefinition `yaml:"definitions"`
}

// AlertDefinition 是单条告警定义的配置形态
type AlertDefinition struct {
	ID                  string `yaml:"id"`
	Enabled             bool   `yaml:"enabled"`
	Sql                 string `yaml:"sql"`
	Limit               int64  `yaml:"limit"`
	NotificationSubject string `yaml:"notificationSubject"`
	NotificationBody    string `yaml:"notificationBody"`
}

// RepairSettings 把配置转换成修复服务使用的快照，零值由 repair 包收敛为默认值
func (c AsynchConfig) RepairSettings() repair.Settings {
	return repair.Settings{
		RepairRepeatInterval:         time.Duration(c.RepairRepeatIntervalSeconds) * time.Second,
		CountPartlyFailsBeforeFailed: c.CountPartlyFailsBeforeFailed,
		MessageBatchSize:             c.MessageBatchSize,
		MaxMessagesInOneQuery:        c.MaxMessagesInOneQuery,
		ExternalCallBatchSize:        c.ExternalCallBatchSize,
	}
}

// AlertInfos 把告警配置转换成检查器使用的定义列表
func (c AlertsConfig) AlertInfos() []alerts.AlertInfo {
	infos := make([]alerts.AlertInfo, 0, len(c.Definitions))
	for _, d := range c.Definitions {
		infos = append(infos, alerts.AlertInfo{
			ID:                  d.ID,
			Enabled:             d.Enabled,
			Sql:                 d.Sql,
			Limit:               d.Limit,
			NotificationSubject: d.NotificationSubject,
			NotificationBody:    d.NotificationBody,
		})
	}
	return infos
}

// Config 是整个应用唯一的全局配置入口
type Config struct {
	Infra InfraConfig
	App   AppConfig
}

var (
	// 全局配置实例
	GlobalConfig = new(Config)
	// 用于保护全局配置的读写
	configLock = new(sync.RWMutex)
	// Nacos 配置客户端，在Init中创建，在StartService的优雅关停中关闭
	nacosConfigClient config_client.IConfigClient

	nacosServerAddrs string
	nacosNamespace   string
	nacosGroup       string
)

const (
	infraDataID = "nexus-repair-infra.yaml"
	appDataID   = "nexus-repair-app.yaml"
)

// Init 是应用启动的第一步，负责加载所有配置。
// 设置了 NEXUS_REPAIR_CONFIG_PATH 时从本地目录读取 yaml（本地/测试模式），
// 否则从 Nacos 拉取并监听热更新
func Init() {
	logger.Init("bootstrap")

	if localPath := getEnv("NEXUS_REPAIR_CONFIG_PATH", ""); localPath != "" {
		loadLocalConfig(localPath)
		logger.Logger.Info().Str("path", localPath).Msg("✅ Bootstrap Phase 1: configurations loaded from local files.")
		return
	}

	// 1. 获取最基础的引导配置 (Nacos地址)
	nacosServerAddrs = getEnv("NACOS_SERVER_ADDRS", "localhost:8848")
	nacosNamespace = getEnv("NACOS_NAMESPACE", "")
	nacosGroup = getEnv("NACOS_GROUP", "DEFAULT_GROUP")

	// 2. 创建 Nacos 客户端配置
	serverConfigs, err := createNacosServerConfigs(nacosServerAddrs)
	if err != nil {
		logger.Logger.Fatal().Msgf("FATAL: Invalid Nacos server address format: %v", err)
	}
	clientConfig := createNacosClientConfig(nacosNamespace)

	// 3. 创建 Nacos 配置客户端
	nacosConfigClient, err = clients.NewConfigClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		logger.Logger.Fatal().Msgf("FATAL: Failed to create Nacos config client: %v", err)
	}

	// 4. 拉取并监听两个配置文件
	// a. 基础设施配置
	initAndWatchSingleConfig(infraDataID, nacosGroup, &GlobalConfig.Infra)
	// b. 应用业务配置（修复阈值、批大小、告警定义）
	initAndWatchSingleConfig(appDataID, nacosGroup, &GlobalConfig.App)

	logger.Logger.Info().Any("GlobalConfig", GlobalConfig).Msg("✅ Bootstrap Phase 1: All configurations loaded and watched successfully.")
}

// GetCurrentConfig 返回一个线程安全的配置副本
func GetCurrentConfig() Config {
	configLock.RLock()
	defer configLock.RUnlock()
	return *GlobalConfig
}

// loadLocalConfig 从本地目录加载两个配置文件，文件名与 Nacos dataId 一致
func loadLocalConfig(dir string) {
	for _, f := range []struct {
		name string
		ptr  interface{}
	}{
		{infraDataID, &GlobalConfig.Infra},
		{appDataID, &GlobalConfig.App},
	} {
		content, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			logger.Logger.Fatal().Msgf("FATAL: Failed to read local config '%s': %v", f.name, err)
		}
		updateConfig(string(content), f.ptr)
	}
}

// initAndWatchSingleConfig 是一个通用函数，用于拉取、解析和监听单个配置文件
func initAndWatchSingleConfig(dataId, group string, configPtr interface{}) {
	content, err := nacosConfigClient.GetConfig(vo.ConfigParam{DataId: dataId, Group: group})
	if err != nil {
		logger.Logger.Fatal().Msgf("FATAL: Failed to get initial config for DataId '%s': %v", dataId, err)
	}

	updateConfig(content, configPtr) // 加载初始配置

	err = nacosConfigClient.ListenConfig(vo.ConfigParam{
		DataId: dataId,
		Group:  group,
		OnChange: func(_, _, _, data string) {
			logger.Logger.Printf("🔔 Nacos config changed for DataId: %s. Applying new config...", dataId)
			updateConfig(data, configPtr)
		},
	})
	if err != nil {
		logger.Logger.Fatal().Msgf("FATAL: Failed to listen config for DataId '%s': %v", dataId, err)
	}
}

// updateConfig 线程安全地更新配置
func updateConfig(content string, configPtr interface{}) {
	configLock.Lock()
	defer configLock.Unlock()
	if err := yaml.Unmarshal([]byte(content), configPtr); err != nil {
		logger.Logger.Printf("❌ ERROR: Failed to unmarshal config: %v", err)
	}
}

// createNacosServerConfigs 是 Nacos ServerConfig 工厂函数
func createNacosServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		parts := strings.Split(addr, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}
	return serverConfigs, nil
}

// createNacosClientConfig 是 Nacos ClientConfig 工厂函数
func createNacosClientConfig(namespaceId string) constant.ClientConfig {
	return *constant.NewClientConfig(
		constant.WithNamespaceId(namespaceId),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
	)
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
