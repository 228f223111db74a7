package constants

// 定义修复平台相关的标准服务名
// 这些名称将用于服务注册、服务发现、日志记录和监控等场景
const (
	// RepairService 状态修复子系统自身
	RepairService = "nexus-repair"
	// ProcessingEngineService 执行消息处理与外部调用的路由引擎
	ProcessingEngineService = "nexus-engine"
	// NotificationService 消费告警事件的外部通知系统
	NotificationService = "notification-service"
)

// Kafka topics
const (
	// ErrorFatalTopic 修复循环把消息升级为 FAILED 时发布致命错误事件的 topic
	ErrorFatalTopic = "nexus.asynch.error.fatal"
	// AlertTopic 告警检查器发布超限告警事件的 topic
	AlertTopic = "nexus.alerts.notification"
)

// HTTP 回调路径
const (
	// EngineErrorFatalPath 处理引擎的致命错误回调端点
	EngineErrorFatalPath = "/asynch/error/fatal"
)

// 调度作业名，同时也是分布式锁的资源ID
const (
	JobRepairMessages      = "repair-messages"
	JobRepairExternalCalls = "repair-external-calls"
	JobCheckAlerts         = "check-alerts"
)
