package repair

import (
	"fmt"

	"github.com/pkg/errors"
)

// PersistenceError 表示记录存储不可用或事务冲突。
// 这是可恢复错误：对应批次记录警告日志后留给下一个调度周期重试，
// 不会向上传播去中断其它批次
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// wrapPersistence 把底层存储错误包装成 PersistenceError，保留原始错误链
func wrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: errors.WithStack(err)}
}

// ErrRepairThresholdExceeded 是修复循环把消息升级为 FAILED 时使用的合成错误，
// 会随致命错误通知一起交给处理引擎的错误处理路径
var ErrRepairThresholdExceeded = errors.New("message stayed in PROCESSING and repair exceeded the partly-failed retry threshold")

// FailedErrCodeRepair 写入被修复循环置为 FAILED 的消息的错误码标记
const FailedErrCodeRepair = "MSG_REPAIR_THRESHOLD"
