package alerts

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/wangyingjie930/nexus-repair/logger"
)

// Listener 接收被触发的告警。实现方可以发 Kafka 事件、打回调等
type Listener interface {
	OnAlert(ctx context.Context, alert AlertInfo, count int64) error
}

// Provider 返回当前生效的告警定义快照，定义可被配置中心热更新
type Provider func() []AlertInfo

// StaticAlerts 返回一个始终返回同一组定义的 Provider
func StaticAlerts(infos []AlertInfo) Provider {
	return func() []AlertInfo { return infos }
}

// CheckingService 周期性评估配置的告警定义。
// 每条检查彼此独立：单条定义的配置错误或查询失败只记日志、跳过，
// 不妨碍其余定义的评估
type CheckingService struct {
	dao       Dao
	provider  Provider
	listeners []Listener
}

// NewCheckingService 创建告警检查服务
func NewCheckingService(dao Dao, provider Provider, listeners ...Listener) *CheckingService {
	return &CheckingService{
		dao:       dao,
		provider:  provider,
		listeners: listeners,
	}
}

// CheckAlerts 执行一轮告警检查：逐条运行计数查询，计数超过阈值时
// 通知所有 Listener
func (s *CheckingService) CheckAlerts(ctx context.Context) error {
	log := logger.Ctx(ctx)

	tracer := otel.Tracer("alerts")
	ctx, span := tracer.Start(ctx, "check_alerts")
	defer span.End()

	infos := s.provider()
	log.Debug().Int("count", len(infos)).Msg("start checking alert definitions")

	for _, a := range infos {
		if !a.Enabled {
			continue
		}
		if err := a.Validate(); err != nil {
			log.Warn().Err(err).Str("alert_id", a.ID).Msg("skipping invalid alert definition")
			continue
		}

		count, err := s.dao.RunQuery(ctx, a.Sql)
		if err != nil {
			log.Warn().Err(err).Str("alert_id", a.ID).Msg("alert count query failed, skipping definition")
			continue
		}

		if count <= a.Limit {
			continue
		}

		log.Warn().
			Str("alert_id", a.ID).
			Int64("count", count).
			Int64("limit", a.Limit).
			Msg("alert limit exceeded")

		for _, l := range s.listeners {
			if err := l.OnAlert(ctx, a, count); err != nil {
				log.Warn().Err(err).Str("alert_id", a.ID).Msg("alert listener failed")
			}
		}
	}
	return nil
}
