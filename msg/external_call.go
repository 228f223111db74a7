package msg

import (
	"time"
)

// CallState 定义了外部调用记录的状态
type CallState string

const (
	// CallStateProcessing 调用已发出，等待响应
	CallStateProcessing CallState = "PROCESSING"
	// CallStateOK 已确认成功
	CallStateOK CallState = "OK"
	// CallStateFailed 已确认失败，或超过修复期限后被推定失败
	CallStateFailed CallState = "FAILED"
)

// Terminal 判断调用记录是否已经有了结论
func (s CallState) Terminal() bool {
	return s == CallStateOK || s == CallStateFailed
}

// ExternalCall 对应数据库中的外部调用表 (external_calls)
// 每条记录对应处理引擎向外部系统发出的一次调用，用来支持对该调用的幂等重试，
// 记录只会被更新、永远不会被删除（保留为审计轨迹）
type ExternalCall struct {
	ID            int64  `gorm:"primaryKey"`
	MsgID         string `gorm:"type:varchar(100);not null;index"`
	OperationName string `gorm:"type:varchar(100);not null"`
	// EntityID 是消息ID与操作标识的确定性组合，用于识别重复调用
	EntityID            string    `gorm:"type:varchar(220);not null;uniqueIndex"`
	State               CallState `gorm:"type:varchar(20);not null;index:idx_call_state_update,priority:1"`
	LastUpdateTimestamp time.Time `gorm:"index:idx_call_state_update,priority:2"`
}

func (ExternalCall) TableName() string {
	return "external_calls"
}

// CallKey 根据消息ID和操作标识生成外部调用的去重键
func CallKey(msgID, operationName string) string {
	return msgID + ":" + operationName
}
