package repair

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wangyingjie930/nexus-repair/engine"
	"github.com/wangyingjie930/nexus-repair/logger"
	"github.com/wangyingjie930/nexus-repair/msg"
)

// MessageService 负责修复卡在 PROCESSING 状态的消息。
// 这是一个对持久状态的对账循环：无入参、幂等、进程内不保留任何调用间状态，
// 与处理引擎并发运行是安全的（冲突在存储层事务边界解决）
type MessageService struct {
	store    MessageStore
	handler  engine.FatalErrorHandler
	settings SettingsProvider
}

// NewMessageService 创建消息修复服务
// handler 可以为 nil，此时 FAILED 升级只落库、不另行通知
func NewMessageService(store MessageStore, handler engine.FatalErrorHandler, settings SettingsProvider) *MessageService {
	if settings == nil {
		settings = DefaultSettings
	}
	return &MessageService{
		store:    store,
		handler:  handler,
		settings: settings,
	}
}

// RepairProcessingMessages 执行一轮消息修复。
// 查找静默超过一个修复周期的 PROCESSING 消息，按批次在独立事务中处理：
// 累加 failedCount，未达到阈值降级为 PARTLY_FAILED，达到阈值升级为 FAILED
// 并向处理引擎发出一次致命错误通知。单个批次失败只记日志，不阻塞后续批次
func (s *MessageService) RepairProcessingMessages(ctx context.Context) error {
	cfg := s.settings().normalized()
	log := logger.Ctx(ctx)

	tracer := otel.Tracer("repair")
	ctx, span := tracer.Start(ctx, "repair_processing_messages")
	defer span.End()

	staleBefore := time.Now().Add(-cfg.RepairRepeatInterval)
	messages, err := s.store.FindStaleProcessing(ctx, staleBefore, cfg.MaxMessagesInOneQuery)
	if err != nil {
		log.Error().Err(err).Msg("failed to find stuck messages")
		return err
	}

	if len(messages) == 0 {
		return nil
	}

	log.Info().Int("count", len(messages)).Msg("found stuck PROCESSING messages to repair")

	// 批次严格串行执行，每批一个事务，批间互不影响
	for start := 0; start < len(messages); start += cfg.MessageBatchSize {
		end := start + cfg.MessageBatchSize
		if end > len(messages) {
			end = len(messages)
		}
		if err := s.repairBatch(ctx, messages[start:end], staleBefore, cfg); err != nil {
			log.Warn().Err(err).
				Int("batch_start", start).
				Int("batch_size", end-start).
				Msg("message repair batch failed, continuing with next batch")
		}
	}
	return nil
}

func (s *MessageService) repairBatch(ctx context.Context, batch []*msg.Message, staleBefore time.Time, cfg Settings) error {
	log := logger.Ctx(ctx)

	toPersist := make([]*msg.Message, 0, len(batch))
	for _, m := range batch {
		next := msg.StatePartlyFailed
		if m.FailedCount+1 >= cfg.CountPartlyFailsBeforeFailed {
			next = msg.StateFailed
		}

		if err := m.Transition(next); err != nil {
			// 非法边意味着数据被并发推进或已损坏，大声记录并跳过该条
			log.Error().Err(err).Str("msg_id", m.MsgID).Msg("illegal repair transition, skipping message")
			continue
		}

		m.FailedCount++
		if next == msg.StateFailed {
			m.FailedErrCode = FailedErrCodeRepair
			m.FailedDesc = ErrRepairThresholdExceeded.Error()
		}

		log.Warn().
			Str("msg_id", m.MsgID).
			Str("new_state", string(m.State)).
			Int("failed_count", m.FailedCount).
			Msg("repairing stuck message")
		toPersist = append(toPersist, m)
	}

	if len(toPersist) == 0 {
		return nil
	}

	applied, err := s.store.SaveRepairedBatch(ctx, toPersist, staleBefore)
	if err != nil {
		return err
	}

	// 通知在事务提交之后发出：离开 PROCESSING 的状态变更本身就是
	// at-most-once 的闸门，重复的修复调用不会再次命中同一条消息
	for _, m := range applied {
		if m.State != msg.StateFailed || s.handler == nil {
			continue
		}
		if err := s.handler.OnFatalError(ctx, m, ErrRepairThresholdExceeded); err != nil {
			log.Warn().Err(err).Str("msg_id", m.MsgID).Msg("fatal error notification failed")
		}
	}
	return nil
}
