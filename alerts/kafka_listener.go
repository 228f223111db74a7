package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wangyingjie930/nexus-repair/mq"
)

// AlertEvent 是发布到告警 topic 的事件体
type AlertEvent struct {
	AlertID   string    `json:"alert_id"`
	Count     int64     `json:"count"`
	Limit     int64     `json:"limit"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// KafkaListener 把触发的告警作为事件发布到 Kafka，由外部通知系统消费
type KafkaListener struct {
	writer *kafka.Writer
}

// NewKafkaListener 创建基于 Kafka 的告警监听器
func NewKafkaListener(brokers []string, topic string) *KafkaListener {
	return &KafkaListener{writer: mq.NewKafkaWriter(brokers, topic)}
}

// renderNotification 生成通知文案。正文模板只有包含 %d 占位时才做格式化，
// 普通文本模板原样使用，不会产生 fmt 的 EXTRA 噪音
func renderNotification(alert AlertInfo, count int64) (subject, body string) {
	subject = alert.NotificationSubject
	if subject == "" {
		subject = fmt.Sprintf("alert %s limit exceeded", alert.ID)
	}
	body = alert.NotificationBody
	switch {
	case body == "":
		body = fmt.Sprintf("count query returned %d, limit is %d", count, alert.Limit)
	case strings.Contains(body, "%d"):
		body = fmt.Sprintf(body, count)
	}
	return subject, body
}

func (l *KafkaListener) OnAlert(ctx context.Context, alert AlertInfo, count int64) error {
	subject, body := renderNotification(alert, count)

	event := AlertEvent{
		AlertID:   alert.ID,
		Count:     count,
		Limit:     alert.Limit,
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return mq.ProduceMessage(ctx, l.writer, []byte(alert.ID), payload)
}

// Close 关闭底层的 Kafka 生产者
func (l *KafkaListener) Close() error {
	return l.writer.Close()
}
