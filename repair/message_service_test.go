package repair

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangyingjie930/nexus-repair/msg"
)

// fakeMessageStore 是内存版的 MessageStore，带与 GORM 实现一致的
// 事务内谓词重校验语义，用于确定性的单元测试
type fakeMessageStore struct {
	mu       sync.Mutex
	messages map[int64]*msg.Message

	findErr        error
	failNextBatches int // 前 N 次 SaveRepairedBatch 模拟持久化失败
	batchCalls      int
	// findOverride 不为 nil 时 FindStaleProcessing 原样返回它，
	// 用于模拟查找快照与内存处理之间被并发推进/损坏的行
	findOverride []*msg.Message
}

func newFakeMessageStore(msgs ...*msg.Message) *fakeMessageStore {
	s := &fakeMessageStore{messages: make(map[int64]*msg.Message)}
	for _, m := range msgs {
		cp := *m
		s.messages[m.ID] = &cp
	}
	return s
}

func (s *fakeMessageStore) FindStaleProcessing(_ context.Context, staleBefore time.Time, limit int) ([]*msg.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findOverride != nil {
		return s.findOverride, nil
	}

	var result []*msg.Message
	for _, m := range s.messages {
		if m.State == msg.StateProcessing && m.LastUpdateTimestamp.Before(staleBefore) {
			cp := *m
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *fakeMessageStore) SaveRepairedBatch(_ context.Context, batch []*msg.Message, staleBefore time.Time) ([]*msg.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	if s.failNextBatches > 0 {
		s.failNextBatches--
		return nil, wrapPersistence("save repaired message batch", assert.AnError)
	}

	var applied []*msg.Message
	for _, m := range batch {
		cur, ok := s.messages[m.ID]
		if !ok || cur.State != msg.StateProcessing || !cur.LastUpdateTimestamp.Before(staleBefore) {
			continue
		}
		cp := *m
		s.messages[m.ID] = &cp
		applied = append(applied, m)
	}
	return applied, nil
}

func (s *fakeMessageStore) get(id int64) msg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

func (s *fakeMessageStore) countInState(state msg.State) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.State == state {
			n++
		}
	}
	return n
}

// recordingHandler 记录收到的致命错误通知
type recordingHandler struct {
	mu     sync.Mutex
	msgIDs []string
	causes []error
	err    error
}

func (h *recordingHandler) OnFatalError(_ context.Context, m *msg.Message, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgIDs = append(h.msgIDs, m.MsgID)
	h.causes = append(h.causes, cause)
	return h.err
}

func (h *recordingHandler) notifications() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.msgIDs...)
}

func staleMessage(id int64, failedCount int) *msg.Message {
	stamp := time.Now().Add(-time.Hour)
	return &msg.Message{
		ID:                    id,
		MsgID:                 fmt.Sprintf("msg-%d", id),
		State:                 msg.StateProcessing,
		FailedCount:           failedCount,
		MsgTimestamp:          stamp,
		StartProcessTimestamp: stamp,
		LastUpdateTimestamp:   stamp,
	}
}

func testSettings() Settings {
	return Settings{
		RepairRepeatInterval:         time.Minute,
		CountPartlyFailsBeforeFailed: 3,
		MessageBatchSize:             50,
		MaxMessagesInOneQuery:        50,
		ExternalCallBatchSize:        10,
	}
}

func TestRepairProcessingMessages_DemotesStaleToPartlyFailed(t *testing.T) {
	store := newFakeMessageStore(staleMessage(1, 0), staleMessage(2, 0), staleMessage(3, 1))
	handler := &recordingHandler{}
	svc := NewMessageService(store, handler, StaticSettings(testSettings()))

	require.NoError(t, svc.RepairProcessingMessages(context.Background()))

	for _, id := range []int64{1, 2, 3} {
		found := store.get(id)
		assert.Equal(t, msg.StatePartlyFailed, found.State, "message %d", id)
	}
	assert.Equal(t, 1, store.get(1).FailedCount)
	assert.Equal(t, 2, store.get(3).FailedCount)
	assert.Empty(t, handler.notifications(), "demotion must not emit fatal error notifications")
	assert.Zero(t, store.countInState(msg.StateProcessing), "no message may be left in PROCESSING")
}

func TestRepairProcessingMessages_FreshMessagesUntouched(t *testing.T) {
	fresh := staleMessage(1, 0)
	fresh.LastUpdateTimestamp = time.Now()
	store := newFakeMessageStore(fresh)
	svc := NewMessageService(store, &recordingHandler{}, StaticSettings(testSettings()))

	require.NoError(t, svc.RepairProcessingMessages(context.Background()))

	found := store.get(1)
	assert.Equal(t, msg.StateProcessing, found.State)
	assert.Equal(t, 0, found.FailedCount)
}

func TestRepairProcessingMessages_EscalatesToFailedWithOneNotification(t *testing.T) {
	m := staleMessage(7, 2)
	store := newFakeMessageStore(m)
	handler := &recordingHandler{}
	cfg := testSettings()
	cfg.CountPartlyFailsBeforeFailed = 2
	svc := NewMessageService(store, handler, StaticSettings(cfg))

	require.NoError(t, svc.RepairProcessingMessages(context.Background()))

	found := store.get(7)
	assert.Equal(t, msg.StateFailed, found.State)
	assert.Equal(t, 3, found.FailedCount)
	assert.Equal(t, FailedErrCodeRepair, found.FailedErrCode)

	require.Len(t, handler.notifications(), 1, "exactly one fatal error notification")
	assert.Equal(t, m.MsgID, handler.notifications()[0])
	assert.ErrorIs(t, handler.causes[0], ErrRepairThresholdExceeded)

	// FAILED 是终态：再次修复对该消息是 no-op，也不会重复通知
	require.NoError(t, svc.RepairProcessingMessages(context.Background()))
	assert.Equal(t, msg.StateFailed, store.get(7).State)
	assert.Equal(t, 3, store.get(7).FailedCount, "failedCount is immutable after terminal state")
	assert.Len(t, handler.notifications(), 1)
}

func TestRepairProcessingMessages_BacklogDrainedAcrossInvocations(t *testing.T) {
	msgs := make([]*msg.Message, 0, 119)
	for i := int64(1); i <= 119; i++ {
		msgs = append(msgs, staleMessage(i, 0))
	}
	store := newFakeMessageStore(msgs...)
	svc := NewMessageService(store, &recordingHandler{}, StaticSettings(testSettings()))

	// 单次调用最多捞取 50 条，119 条积压需要 3 次调度周期
	require.NoError(t, svc.RepairProcessingMessages(context.Background()))
	assert.Equal(t, 50, store.countInState(msg.StatePartlyFailed))

	require.NoError(t, svc.RepairProcessingMessages(context.Background()))
	require.NoError(t, svc.RepairProcessingMessages(context.Background()))

	assert.Equal(t, 119, store.countInState(msg.StatePartlyFailed))
	assert.Zero(t, store.countInState(msg.StateProcessing))
	assert.Equal(t, 3, store.batchCalls, "ceil(119/50) batch transactions")

	for i := int64(1); i <= 119; i++ {
		assert.Equal(t, 1, store.get(i).FailedCount, "failedCount incremented by exactly one")
	}
}

func TestRepairProcessingMessages_BatchFailureDoesNotBlockOtherBatches(t *testing.T) {
	msgs := make([]*msg.Message, 0, 10)
	for i := int64(1); i <= 10; i++ {
		msgs = append(msgs, staleMessage(i, 0))
	}
	store := newFakeMessageStore(msgs...)
	store.failNextBatches = 1

	cfg := testSettings()
	cfg.MessageBatchSize = 3
	cfg.MaxMessagesInOneQuery = 10
	svc := NewMessageService(store, &recordingHandler{}, StaticSettings(cfg))

	// 第一批（3条）持久化失败，其余 7 条仍然被修复
	require.NoError(t, svc.RepairProcessingMessages(context.Background()))
	assert.Equal(t, 7, store.countInState(msg.StatePartlyFailed))
	assert.Equal(t, 3, store.countInState(msg.StateProcessing))
	assert.Equal(t, 4, store.batchCalls)

	// 失败的批次留给下一个周期
	require.NoError(t, svc.RepairProcessingMessages(context.Background()))
	assert.Equal(t, 10, store.countInState(msg.StatePartlyFailed))
	assert.Zero(t, store.countInState(msg.StateProcessing))
}

func TestRepairProcessingMessages_FindErrorPropagates(t *testing.T) {
	store := newFakeMessageStore()
	store.findErr = wrapPersistence("find stale processing messages", assert.AnError)
	svc := NewMessageService(store, &recordingHandler{}, StaticSettings(testSettings()))

	err := svc.RepairProcessingMessages(context.Background())
	require.Error(t, err)
	var pErr *PersistenceError
	assert.ErrorAs(t, err, &pErr)
}

func TestRepairProcessingMessages_HandlerFailureDoesNotUndoTransition(t *testing.T) {
	store := newFakeMessageStore(staleMessage(1, 5))
	handler := &recordingHandler{err: assert.AnError}
	svc := NewMessageService(store, handler, StaticSettings(testSettings()))

	require.NoError(t, svc.RepairProcessingMessages(context.Background()))
	assert.Equal(t, msg.StateFailed, store.get(1).State)
	assert.Len(t, handler.notifications(), 1)
}

func TestRepairProcessingMessages_RowInUnexpectedStateSkippedUnchanged(t *testing.T) {
	stuck := staleMessage(1, 1)
	store := newFakeMessageStore(stuck)

	// 查找快照里混入一条已经到达终态的行（并发推进或数据损坏）
	advanced := staleMessage(2, 1)
	advanced.State = msg.StateOK
	cp1, cp2 := *stuck, *advanced
	store.findOverride = []*msg.Message{&cp1, &cp2}

	handler := &recordingHandler{}
	svc := NewMessageService(store, handler, StaticSettings(testSettings()))

	require.NoError(t, svc.RepairProcessingMessages(context.Background()))

	assert.Equal(t, msg.StatePartlyFailed, store.get(1).State)
	assert.Equal(t, 1, cp2.FailedCount, "skipped row must not have its failedCount touched")
	assert.Equal(t, msg.StateOK, cp2.State)
	assert.Empty(t, handler.notifications())
}

func TestRepairProcessingMessages_NilHandler(t *testing.T) {
	store := newFakeMessageStore(staleMessage(1, 5))
	svc := NewMessageService(store, nil, StaticSettings(testSettings()))

	require.NoError(t, svc.RepairProcessingMessages(context.Background()))
	assert.Equal(t, msg.StateFailed, store.get(1).State)
}
