package repair

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wangyingjie930/nexus-repair/logger"
)

// ExternalCallService 负责修复卡在 PROCESSING 状态的外部调用记录。
// 超过修复期限仍无响应的调用被推定失败：平台用可能的假失败换取有界的陈旧度，
// 而不是无限期等待。这里不需要单独的通知通道——被强制置为 FAILED 的记录
// 会在处理引擎下次查询该调用（例如决定是否重发）时自然可见
type ExternalCallService struct {
	store    ExternalCallStore
	settings SettingsProvider
}

// NewExternalCallService 创建外部调用修复服务
func NewExternalCallService(store ExternalCallStore, settings SettingsProvider) *ExternalCallService {
	if settings == nil {
		settings = DefaultSettings
	}
	return &ExternalCallService{store: store, settings: settings}
}

// RepairProcessingExternalCalls 执行一轮外部调用修复。
// 幂等；批次串行，每批一个事务，单批失败只记日志不阻塞后续批次
func (s *ExternalCallService) RepairProcessingExternalCalls(ctx context.Context) error {
	cfg := s.settings().normalized()
	log := logger.Ctx(ctx)

	tracer := otel.Tracer("repair")
	ctx, span := tracer.Start(ctx, "repair_processing_external_calls")
	defer span.End()

	staleBefore := time.Now().Add(-cfg.RepairRepeatInterval)
	calls, err := s.store.FindStaleProcessing(ctx, staleBefore)
	if err != nil {
		log.Error().Err(err).Msg("failed to find stuck external calls")
		return err
	}

	log.Debug().Int("count", len(calls)).Msg("found external calls for repairing")
	if len(calls) == 0 {
		return nil
	}

	for start := 0; start < len(calls); start += cfg.ExternalCallBatchSize {
		end := start + cfg.ExternalCallBatchSize
		if end > len(calls) {
			end = len(calls)
		}
		batch := calls[start:end]

		for _, c := range batch {
			log.Warn().
				Str("entity_id", c.EntityID).
				Str("operation", c.OperationName).
				Msg("external call stuck in PROCESSING, forcing FAILED")
		}

		updated, err := s.store.FailBatch(ctx, batch, staleBefore)
		if err != nil {
			log.Warn().Err(err).
				Int("batch_start", start).
				Msg("external call repair batch failed, continuing with next batch")
			continue
		}
		log.Info().Int("updated", updated).Msg("forced stuck external calls to FAILED")
	}
	return nil
}
