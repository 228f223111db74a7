package repair

import (
	"time"
)

const (
	// DefaultRepairRepeatInterval 修复循环的默认调度间隔，同时也是消息的
	// “卡住”判定阈值：一条消息必须至少静默一个完整修复周期才会被触碰，
	// 避免误伤只是还没来得及更新时间戳的活跃处理引擎
	DefaultRepairRepeatInterval = 5 * time.Minute

	// DefaultCountPartlyFailsBeforeFailed 消息被升级为 FAILED 前允许的降级次数
	DefaultCountPartlyFailsBeforeFailed = 3

	// DefaultMessageBatchSize 每个消息修复事务的批大小
	DefaultMessageBatchSize = 50

	// DefaultMaxMessagesInOneQuery 单次修复调用最多捞取的消息数，
	// 剩余积压留给下一个调度周期
	DefaultMaxMessagesInOneQuery = 50

	// DefaultExternalCallBatchSize 外部调用修复事务的批大小。
	// 比消息批次更小，因为这里的更新是不带重试语义的强制失败
	DefaultExternalCallBatchSize = 10
)

// Settings 是一次修复调用所使用的配置快照。
// 配置可以被外部配置中心热更新，服务通过 SettingsProvider 在每次调用时
// 取一份当前快照，调用期间不再变化，测试也因此可以逐次调整阈值
type Settings struct {
	RepairRepeatInterval         time.Duration
	CountPartlyFailsBeforeFailed int
	MessageBatchSize             int
	MaxMessagesInOneQuery        int
	ExternalCallBatchSize        int
}

// SettingsProvider 返回当前生效的配置快照
type SettingsProvider func() Settings

// DefaultSettings 返回内置默认值
func DefaultSettings() Settings {
	return Settings{
		RepairRepeatInterval:         DefaultRepairRepeatInterval,
		CountPartlyFailsBeforeFailed: DefaultCountPartlyFailsBeforeFailed,
		MessageBatchSize:             DefaultMessageBatchSize,
		MaxMessagesInOneQuery:        DefaultMaxMessagesInOneQuery,
		ExternalCallBatchSize:        DefaultExternalCallBatchSize,
	}
}

// StaticSettings 返回一个始终返回同一份配置的 SettingsProvider
func StaticSettings(s Settings) SettingsProvider {
	return func() Settings { return s }
}

// normalized 把空值/非法值收敛到默认值，保证修复逻辑总能推进
func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.RepairRepeatInterval <= 0 {
		s.RepairRepeatInterval = d.RepairRepeatInterval
	}
	if s.CountPartlyFailsBeforeFailed <= 0 {
		s.CountPartlyFailsBeforeFailed = d.CountPartlyFailsBeforeFailed
	}
	if s.MessageBatchSize <= 0 {
		s.MessageBatchSize = d.MessageBatchSize
	}
	if s.MaxMessagesInOneQuery <= 0 {
		s.MaxMessagesInOneQuery = d.MaxMessagesInOneQuery
	}
	if s.ExternalCallBatchSize <= 0 {
		s.ExternalCallBatchSize = d.ExternalCallBatchSize
	}
	return s
}
