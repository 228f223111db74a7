package engine

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wangyingjie930/nexus-repair/logger"
	"github.com/wangyingjie930/nexus-repair/mq"
	"github.com/wangyingjie930/nexus-repair/msg"
)

// 致命错误事件随消息体一起携带的 Header，处理引擎按这些键还原上下文
const (
	HeaderMsgID        = "repair-msg-id"
	HeaderSourceSystem = "repair-source-system"
	HeaderOperation    = "repair-operation"
	HeaderFailedCount  = "repair-failed-count"
	HeaderErrorCode    = "repair-error-code"
	HeaderErrorMessage = "repair-error-message"
)

// KafkaFatalErrorHandler 把修复升级事件发布到处理引擎订阅的致命错误 topic。
// 事件 Value 是消息的原始 Payload，引擎的错误处理路由因此可以像处理
// 自己检测到的致命错误一样做补偿
type KafkaFatalErrorHandler struct {
	writer *kafka.Writer
	tracer trace.Tracer
}

// NewKafkaFatalErrorHandler 创建基于 Kafka 的致命错误通知器
func NewKafkaFatalErrorHandler(brokers []string, topic string, tracer trace.Tracer) *KafkaFatalErrorHandler {
	return &KafkaFatalErrorHandler{
		writer: mq.NewKafkaWriter(brokers, topic),
		tracer: tracer,
	}
}

func (h *KafkaFatalErrorHandler) OnFatalError(ctx context.Context, m *msg.Message, cause error) error {
	ctx, span := h.tracer.Start(ctx, "FatalErrorHandler.OnFatalError")
	defer span.End()

	span.SetAttributes(
		attribute.String("msg.id", m.MsgID),
		attribute.Int("msg.failed_count", m.FailedCount),
	)

	event := kafka.Message{
		Key:   []byte(m.MsgID),
		Value: m.Payload,
		Headers: []kafka.Header{
			{Key: HeaderMsgID, Value: []byte(m.MsgID)},
			{Key: HeaderSourceSystem, Value: []byte(m.SourceSystem)},
			{Key: HeaderOperation, Value: []byte(m.OperationName)},
			{Key: HeaderFailedCount, Value: []byte(strconv.Itoa(m.FailedCount))},
			{Key: HeaderErrorCode, Value: []byte(m.FailedErrCode)},
			{Key: HeaderErrorMessage, Value: []byte(cause.Error())},
		},
	}
	mq.InjectTraceContext(ctx, &event.Headers)

	if err := h.writer.WriteMessages(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish fatal error event")
		return err
	}

	logger.Ctx(ctx).Info().
		Str("msg_id", m.MsgID).
		Str("topic", h.writer.Topic).
		Msg("fatal error event published to processing engine")
	return nil
}

// Close 关闭底层的 Kafka 生产者
func (h *KafkaFatalErrorHandler) Close() error {
	return h.writer.Close()
}
