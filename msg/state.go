package msg

import (
	"fmt"
)

// State 定义了异步消息的生命周期状态
// 状态集合是封闭的，任何状态变更都必须走 CheckTransition 校验
type State string

const (
	// StateNew 消息已入库，等待处理
	StateNew State = "NEW"
	// StateProcessing 处理引擎正在处理该消息
	StateProcessing State = "PROCESSING"
	// StateOK 处理成功，终态。只有处理引擎可以把消息置为 OK
	StateOK State = "OK"
	// StatePartlyFailed 部分失败，等待处理引擎重新尝试
	StatePartlyFailed State = "PARTLY_FAILED"
	// StateFailed 处理失败，终态
	StateFailed State = "FAILED"
	// StatePostponed 消息被推迟，稍后由处理引擎重新拉起
	StatePostponed State = "POSTPONED"
	// StateWaiting 消息在等待子消息/外部确认
	StateWaiting State = "WAITING"
	// StateCancel 消息被外部取消，终态
	StateCancel State = "CANCEL"
)

// legalTransitions 是状态机的全部合法边
// 终态（OK/FAILED/CANCEL）没有出边，修复循环永远不会触碰终态
var legalTransitions = map[State][]State{
	StateNew:          {StateProcessing, StateCancel},
	StateProcessing:   {StateOK, StatePartlyFailed, StateFailed, StatePostponed, StateWaiting},
	StatePartlyFailed: {StateProcessing, StateFailed, StateCancel},
	StatePostponed:    {StateProcessing, StateCancel},
	StateWaiting:      {StateProcessing, StateOK, StateFailed},
	StateOK:           {},
	StateFailed:       {},
	StateCancel:       {},
}

// Known 判断该值是否属于封闭的状态枚举
func (s State) Known() bool {
	_, ok := legalTransitions[s]
	return ok
}

// Terminal 判断该状态是否为终态
func (s State) Terminal() bool {
	switch s {
	case StateOK, StateFailed, StateCancel:
		return true
	}
	return false
}

// StateTransitionError 表示一次非法的状态变更请求
// 正常运行时不应该出现，一旦出现说明有编程错误或数据被破坏
type StateTransitionError struct {
	From State
	To   State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("illegal message state transition from %s to %s", e.From, e.To)
}

// CheckTransition 校验一条状态机边是否合法，非法时返回 *StateTransitionError
// 纯函数，不做任何 I/O，可以独立于持久层单独测试
func CheckTransition(from, to State) error {
	targets, ok := legalTransitions[from]
	if !ok {
		return &StateTransitionError{From: from, To: to}
	}
	for _, t := range targets {
		if t == to {
			return nil
		}
	}
	return &StateTransitionError{From: from, To: to}
}
