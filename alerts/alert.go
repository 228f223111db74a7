package alerts

import (
	"fmt"
	"strings"
)

// AlertInfo 描述一条配置化的告警检查：一个计数聚合查询、一个阈值
// 和超限时使用的通知文案。只读配置，检查器不会修改它
type AlertInfo struct {
	ID      string
	Enabled bool
	// Sql 是针对记录存储执行的计数查询，例如
	// "SELECT COUNT(*) FROM asynch_messages WHERE state = 'FAILED' AND last_update_timestamp > NOW() - INTERVAL 1 HOUR"
	Sql   string
	Limit int64
	// 通知文案支持 %d 占位（实际计数），为空时使用默认文案
	NotificationSubject string
	NotificationBody    string
}

// ConfigurationError 表示某条告警定义本身不合法。
// 只隔离该条定义：记日志、跳过，不影响其余定义的评估
type ConfigurationError struct {
	AlertID string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid alert definition '%s': %s", e.AlertID, e.Reason)
}

// Validate 校验告警定义的完整性
func (a AlertInfo) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return &ConfigurationError{AlertID: a.ID, Reason: "empty id"}
	}
	if strings.TrimSpace(a.Sql) == "" {
		return &ConfigurationError{AlertID: a.ID, Reason: "empty count query"}
	}
	if a.Limit < 0 {
		return &ConfigurationError{AlertID: a.ID, Reason: "negative limit"}
	}
	return nil
}
