//go:build integration
// +build integration

package repair_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/wangyingjie930/nexus-repair/msg"
	"github.com/wangyingjie930/nexus-repair/repair"
)

var (
	db        *gorm.DB
	msgStore  repair.MessageStore
	callStore repair.ExternalCallStore
)

// TestMain 在包中所有测试运行前执行一次，负责集成测试的初始化
func TestMain(m *testing.M) {
	// 从环境变量中读取连接信息
	mysqlDSN := os.Getenv("MYSQL_DSN")

	// 没有设置环境变量时跳过所有集成测试，
	// 本地不启动 docker 也能正常运行 go test ./...
	if mysqlDSN == "" {
		fmt.Println("Skipping integration tests: MYSQL_DSN not set.")
		os.Exit(0)
	}

	var err error
	db, err = gorm.Open(mysql.Open(mysqlDSN), &gorm.Config{})
	if err != nil {
		panic(fmt.Sprintf("Failed to connect to MySQL: %v", err))
	}
	msgStore = repair.NewGormMessageStore(db)
	callStore = repair.NewGormExternalCallStore(db)

	os.Exit(m.Run())
}

func cleanTables(t *testing.T) {
	t.Helper()
	require.NoError(t, db.Exec("DELETE FROM asynch_messages").Error)
	require.NoError(t, db.Exec("DELETE FROM external_calls").Error)
}

func seedMessage(t *testing.T, msgID string, state msg.State, failedCount int, lastUpdate time.Time) int64 {
	t.Helper()
	m := &msg.Message{
		MsgID:               msgID,
		SourceSystem:        "CRM",
		OperationName:       "createOrder",
		State:               state,
		FailedCount:         failedCount,
		MsgTimestamp:        lastUpdate,
		LastUpdateTimestamp: lastUpdate,
	}
	require.NoError(t, db.Create(m).Error)
	return m.ID
}

func TestMessageRepair_EndToEnd(t *testing.T) {
	cleanTables(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stale := time.Now().Add(-time.Hour)
	staleID := seedMessage(t, "it-msg-stale", msg.StateProcessing, 0, stale)
	nearID := seedMessage(t, "it-msg-near-limit", msg.StateProcessing, 2, stale)
	freshID := seedMessage(t, "it-msg-fresh", msg.StateProcessing, 0, time.Now())

	settings := repair.Settings{
		RepairRepeatInterval:         5 * time.Minute,
		CountPartlyFailsBeforeFailed: 3,
		MessageBatchSize:             50,
		MaxMessagesInOneQuery:        50,
	}
	svc := repair.NewMessageService(msgStore, nil, repair.StaticSettings(settings))
	require.NoError(t, svc.RepairProcessingMessages(ctx))

	var repaired msg.Message
	require.NoError(t, db.First(&repaired, staleID).Error)
	assert.Equal(t, msg.StatePartlyFailed, repaired.State)
	assert.Equal(t, 1, repaired.FailedCount)

	var escalated msg.Message
	require.NoError(t, db.First(&escalated, nearID).Error)
	assert.Equal(t, msg.StateFailed, escalated.State)
	assert.Equal(t, 3, escalated.FailedCount)
	assert.NotEmpty(t, escalated.FailedErrCode)

	var fresh msg.Message
	require.NoError(t, db.First(&fresh, freshID).Error)
	assert.Equal(t, msg.StateProcessing, fresh.State)
	assert.Equal(t, 0, fresh.FailedCount)

	// 第二轮幂等：FAILED 是终态，PARTLY_FAILED 不再满足查找谓词
	require.NoError(t, svc.RepairProcessingMessages(ctx))
	var second msg.Message
	require.NoError(t, db.First(&second, staleID).Error)
	assert.Equal(t, msg.StatePartlyFailed, second.State)
	assert.Equal(t, 1, second.FailedCount)
}

func TestMessageRepair_ConcurrentEngineUpdateSkipped(t *testing.T) {
	cleanTables(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stale := time.Now().Add(-time.Hour)
	id := seedMessage(t, "it-msg-raced", msg.StateProcessing, 0, stale)

	// 模拟处理引擎在查找和保存之间把消息推进到了 OK
	batch, err := msgStore.FindStaleProcessing(ctx, time.Now().Add(-5*time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, db.Model(&msg.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{"state": msg.StateOK, "last_update_timestamp": time.Now()}).Error)

	require.NoError(t, batch[0].Transition(msg.StatePartlyFailed))
	batch[0].FailedCount++
	applied, err := msgStore.SaveRepairedBatch(ctx, batch, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, applied, "row advanced by the engine must not be overwritten")

	var final msg.Message
	require.NoError(t, db.First(&final, id).Error)
	assert.Equal(t, msg.StateOK, final.State)
}

func TestExternalCallRepair_EndToEnd(t *testing.T) {
	cleanTables(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stale := time.Now().Add(-time.Hour)
	seedCall := func(msgID string, state msg.CallState, lastUpdate time.Time) int64 {
		c := &msg.ExternalCall{
			MsgID:               msgID,
			OperationName:       "createOrder",
			EntityID:            msg.CallKey(msgID, "createOrder"),
			State:               state,
			LastUpdateTimestamp: lastUpdate,
		}
		require.NoError(t, db.Create(c).Error)
		return c.ID
	}

	staleID := seedCall("it-call-stale", msg.CallStateProcessing, stale)
	okID := seedCall("it-call-ok", msg.CallStateOK, stale)
	freshID := seedCall("it-call-fresh", msg.CallStateProcessing, time.Now())

	svc := repair.NewExternalCallService(callStore, repair.StaticSettings(repair.Settings{
		RepairRepeatInterval:  5 * time.Minute,
		ExternalCallBatchSize: 10,
	}))
	require.NoError(t, svc.RepairProcessingExternalCalls(ctx))

	var forced msg.ExternalCall
	require.NoError(t, db.First(&forced, staleID).Error)
	assert.Equal(t, msg.CallStateFailed, forced.State)

	var ok msg.ExternalCall
	require.NoError(t, db.First(&ok, okID).Error)
	assert.Equal(t, msg.CallStateOK, ok.State)

	var fresh msg.ExternalCall
	require.NoError(t, db.First(&fresh, freshID).Error)
	assert.Equal(t, msg.CallStateProcessing, fresh.State)
}
