package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScriptRunner 模拟节流脚本的 INCR/EXPIRE 语义
type fakeScriptRunner struct {
	loaded map[string]string
	hits   map[string]int64
	err    error
}

func newFakeScriptRunner() *fakeScriptRunner {
	return &fakeScriptRunner{loaded: make(map[string]string), hits: make(map[string]int64)}
}

func (r *fakeScriptRunner) LoadScriptFromContent(scriptName, content string) error {
	r.loaded[scriptName] = content
	return nil
}

func (r *fakeScriptRunner) RunScript(_ context.Context, scriptName string, keys []string, _ ...interface{}) (interface{}, error) {
	if r.err != nil {
		return nil, r.err
	}
	if _, ok := r.loaded[scriptName]; !ok {
		return nil, errors.Errorf("script '%s' not loaded", scriptName)
	}
	r.hits[keys[0]]++
	return r.hits[keys[0]], nil
}

func TestThrottledListener_SuppressesRepeatsInsideWindow(t *testing.T) {
	runner := newFakeScriptRunner()
	next := &recordingListener{}
	throttled, err := NewThrottledListener(next, runner, 10*time.Minute)
	require.NoError(t, err)

	alert := alertDef("too-many-failed", "q", 10)

	require.NoError(t, throttled.OnAlert(context.Background(), alert, 11))
	require.NoError(t, throttled.OnAlert(context.Background(), alert, 12))
	require.NoError(t, throttled.OnAlert(context.Background(), alert, 13))

	require.Len(t, next.raised, 1, "repeats inside the cooldown window are suppressed")
	assert.Equal(t, int64(11), next.raised[0].count)
}

func TestThrottledListener_DistinctAlertsNotCoupled(t *testing.T) {
	runner := newFakeScriptRunner()
	next := &recordingListener{}
	throttled, err := NewThrottledListener(next, runner, 10*time.Minute)
	require.NoError(t, err)

	require.NoError(t, throttled.OnAlert(context.Background(), alertDef("a", "q1", 1), 2))
	require.NoError(t, throttled.OnAlert(context.Background(), alertDef("b", "q2", 1), 3))

	require.Len(t, next.raised, 2, "throttle windows are per alert id")
}

func TestThrottledListener_RedisFailureDegradesToForward(t *testing.T) {
	runner := newFakeScriptRunner()
	next := &recordingListener{}
	throttled, err := NewThrottledListener(next, runner, 10*time.Minute)
	require.NoError(t, err)
	runner.err = errors.New("connection refused")

	alert := alertDef("too-many-failed", "q", 10)
	require.NoError(t, throttled.OnAlert(context.Background(), alert, 11))
	require.NoError(t, throttled.OnAlert(context.Background(), alert, 12))

	require.Len(t, next.raised, 2, "redis outage must not silence the alert channel")
}
