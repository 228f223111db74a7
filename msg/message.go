package msg

import (
	"time"
)

// Message 对应数据库中的异步消息表 (asynch_messages)
// 消息记录由存储层独占所有权，修复循环和处理引擎是并发写入方，
// 只通过存储层的事务语义协调（乐观策略，最后提交者生效）
type Message struct {
	ID            int64  `gorm:"primaryKey"`
	MsgID         string `gorm:"type:varchar(100);not null;uniqueIndex"`
	SourceSystem  string `gorm:"type:varchar(60)"`
	OperationName string `gorm:"type:varchar(100)"`
	ObjectID      string `gorm:"type:varchar(100)"`
	Payload       []byte `gorm:"type:blob"`
	State         State  `gorm:"type:varchar(20);not null;index:idx_msg_state_update,priority:1"`
	// FailedCount 记录消息被降级为 PARTLY_FAILED 的累计次数
	// 在到达终态之前单调不减，到达终态之后不再变化
	FailedCount   int    `gorm:"not null;default:0"`
	FailedErrCode string `gorm:"type:varchar(30)"`
	FailedDesc    string `gorm:"type:varchar(1000)"`
	// MsgTimestamp 消息提交时间；StartProcessTimestamp 开始处理时间；
	// LastUpdateTimestamp 最近一次状态变更时间，是判断消息是否“卡住”的依据
	MsgTimestamp          time.Time
	StartProcessTimestamp time.Time
	LastUpdateTimestamp   time.Time `gorm:"index:idx_msg_state_update,priority:2"`
}

func (Message) TableName() string {
	return "asynch_messages"
}

// Transition 校验并应用一次状态变更，非法边返回 *StateTransitionError 且记录保持不变
func (m *Message) Transition(to State) error {
	if err := CheckTransition(m.State, to); err != nil {
		return err
	}
	m.State = to
	m.LastUpdateTimestamp = time.Now()
	return nil
}

// Stale 判断消息是否在 before 之前就没有任何更新了
func (m *Message) Stale(before time.Time) bool {
	return m.LastUpdateTimestamp.Before(before)
}
