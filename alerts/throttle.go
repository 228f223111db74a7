package alerts

import (
	"context"
	"time"

	"github.com/wangyingjie930/nexus-repair/logger"
)

const throttleScriptName = "alert_throttle"

// 原子地累计冷却窗口内的触发次数：第一次触发时设置过期时间，
// 返回值 1 表示窗口内的首次触发
const throttleScript = `
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`

// ScriptRunner 是节流器对 Redis 的最小依赖，redis.Client 实现了它
type ScriptRunner interface {
	LoadScriptFromContent(scriptName, content string) error
	RunScript(ctx context.Context, scriptName string, keys []string, args ...interface{}) (interface{}, error)
}

// ThrottledListener 包装另一个 Listener，在冷却窗口内抑制同一条告警的重复通知。
// 告警检查每个调度周期都会重新评估同一批定义，持续超限的定义会在每个周期
// 都触发一次——没有节流时通知通道会被同一条告警刷屏
type ThrottledListener struct {
	next   Listener
	client ScriptRunner
	window time.Duration
}

// NewThrottledListener 创建告警节流包装器
func NewThrottledListener(next Listener, client ScriptRunner, window time.Duration) (*ThrottledListener, error) {
	if err := client.LoadScriptFromContent(throttleScriptName, throttleScript); err != nil {
		return nil, err
	}
	return &ThrottledListener{next: next, client: client, window: window}, nil
}

func (l *ThrottledListener) OnAlert(ctx context.Context, alert AlertInfo, count int64) error {
	log := logger.Ctx(ctx)

	res, err := l.client.RunScript(ctx, throttleScriptName,
		[]string{"alert_throttle:" + alert.ID}, int64(l.window.Seconds()))
	if err != nil {
		// 告警通道不能因为 Redis 故障而静默：降级为直接转发
		log.Warn().Err(err).Str("alert_id", alert.ID).Msg("alert throttle unavailable, forwarding without suppression")
		return l.next.OnAlert(ctx, alert, count)
	}

	if hits, ok := res.(int64); ok && hits > 1 {
		log.Debug().Str("alert_id", alert.ID).Int64("hits", hits).Msg("alert suppressed inside throttle window")
		return nil
	}
	return l.next.OnAlert(ctx, alert, count)
}
