package engine

import (
	"context"

	"github.com/wangyingjie930/nexus-repair/msg"
)

// FatalErrorHandler 是修复子系统通向处理引擎的错误通知出口。
// 当修复循环把一条消息升级为 FAILED 时会恰好调用一次，携带消息本身和
// 一个标记“修复重试次数已耗尽”的合成错误，让引擎自己的致命错误处理
// 路径（告警、下游补偿等）像处理引擎内部致命错误一样被触发。
type FatalErrorHandler interface {
	OnFatalError(ctx context.Context, m *msg.Message, cause error) error
}

// FatalErrorHandlerFunc 让普通函数可以作为 FatalErrorHandler 使用
type FatalErrorHandlerFunc func(ctx context.Context, m *msg.Message, cause error) error

func (f FatalErrorHandlerFunc) OnFatalError(ctx context.Context, m *msg.Message, cause error) error {
	return f(ctx, m, cause)
}
