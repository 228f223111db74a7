package repair

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/wangyingjie930/nexus-repair/msg"
)

// MessageStore 定义了消息修复循环对记录存储的全部依赖
type MessageStore interface {
	// FindStaleProcessing 查找 state=PROCESSING 且最近更新早于 staleBefore 的消息，
	// 最多返回 limit 条，剩余积压留给下一个修复周期
	FindStaleProcessing(ctx context.Context, staleBefore time.Time, limit int) ([]*msg.Message, error)
	// SaveRepairedBatch 在一个事务里持久化一批已在内存中完成状态变更的消息。
	// 写入前会在同一事务内重新校验谓词（仍然是 PROCESSING 且仍然过期），
	// 返回真正落库的消息；在查找窗口内被处理引擎并发推进的行会被跳过
	SaveRepairedBatch(ctx context.Context, batch []*msg.Message, staleBefore time.Time) ([]*msg.Message, error)
}

// ExternalCallStore 定义了外部调用修复循环对记录存储的全部依赖
type ExternalCallStore interface {
	FindStaleProcessing(ctx context.Context, staleBefore time.Time) ([]*msg.ExternalCall, error)
	// FailBatch 在一个事务里把一批调用强制置为 FAILED，返回真正被更新的行数。
	// 同样带状态谓词重校验：已被引擎标记为 OK/FAILED 的调用不会被覆盖
	FailBatch(ctx context.Context, batch []*msg.ExternalCall, staleBefore time.Time) (int, error)
}

// gormMessageStore 是 MessageStore 接口的 GORM 实现
type gormMessageStore struct {
	db *gorm.DB
}

// NewGormMessageStore 创建一个新的 GORM MessageStore 实例
// 这个 *gorm.DB 实例应该是从业务代码中已经初始化好的数据库连接
func NewGormMessageStore(db *gorm.DB) MessageStore {
	// 建议在启动时执行一次 AutoMigrate，以确保表结构存在
	if err := db.AutoMigrate(&msg.Message{}); err != nil {
		panic(err)
	}
	return &gormMessageStore{db: db}
}

func (s *gormMessageStore) FindStaleProcessing(ctx context.Context, staleBefore time.Time, limit int) ([]*msg.Message, error) {
	var messages []*msg.Message
	err := s.db.WithContext(ctx).
		Where("state = ?", msg.StateProcessing).
		Where("last_update_timestamp < ?", staleBefore).
		Order("id asc").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, wrapPersistence("find stale processing messages", err)
	}
	return messages, nil
}

func (s *gormMessageStore) SaveRepairedBatch(ctx context.Context, batch []*msg.Message, staleBefore time.Time) ([]*msg.Message, error) {
	applied := make([]*msg.Message, 0, len(batch))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range batch {
			res := tx.Model(&msg.Message{}).
				Where("id = ?", m.ID).
				Where("state = ?", msg.StateProcessing).
				Where("last_update_timestamp < ?", staleBefore).
				Updates(map[string]interface{}{
					"state":                 m.State,
					"failed_count":          m.FailedCount,
					"failed_err_code":       m.FailedErrCode,
					"failed_desc":           m.FailedDesc,
					"last_update_timestamp": m.LastUpdateTimestamp,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				applied = append(applied, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapPersistence("save repaired message batch", err)
	}
	return applied, nil
}

// gormExternalCallStore 是 ExternalCallStore 接口的 GORM 实现
type gormExternalCallStore struct {
	db *gorm.DB
}

// NewGormExternalCallStore 创建一个新的 GORM ExternalCallStore 实例
func NewGormExternalCallStore(db *gorm.DB) ExternalCallStore {
	if err := db.AutoMigrate(&msg.ExternalCall{}); err != nil {
		panic(err)
	}
	return &gormExternalCallStore{db: db}
}

func (s *gormExternalCallStore) FindStaleProcessing(ctx context.Context, staleBefore time.Time) ([]*msg.ExternalCall, error) {
	var calls []*msg.ExternalCall
	err := s.db.WithContext(ctx).
		Where("state = ?", msg.CallStateProcessing).
		Where("last_update_timestamp < ?", staleBefore).
		Order("id asc").
		Find(&calls).Error
	if err != nil {
		return nil, wrapPersistence("find stale processing external calls", err)
	}
	return calls, nil
}

func (s *gormExternalCallStore) FailBatch(ctx context.Context, batch []*msg.ExternalCall, staleBefore time.Time) (int, error) {
	ids := make([]int64, 0, len(batch))
	for _, c := range batch {
		ids = append(ids, c.ID)
	}

	var updated int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&msg.ExternalCall{}).
			Where("id IN ?", ids).
			Where("state = ?", msg.CallStateProcessing).
			Where("last_update_timestamp < ?", staleBefore).
			Updates(map[string]interface{}{
				"state":                 msg.CallStateFailed,
				"last_update_timestamp": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		updated = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, wrapPersistence("fail external call batch", err)
	}
	return int(updated), nil
}
