package alerts

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Dao 定义了告警检查对记录存储的唯一依赖：执行任意计数查询
type Dao interface {
	RunQuery(ctx context.Context, sql string) (int64, error)
}

// gormDao 是 Dao 接口的 GORM 实现
type gormDao struct {
	db *gorm.DB
}

// NewGormDao 创建一个新的 GORM Dao 实例
func NewGormDao(db *gorm.DB) Dao {
	return &gormDao{db: db}
}

func (d *gormDao) RunQuery(ctx context.Context, sql string) (int64, error) {
	var count int64
	if err := d.db.WithContext(ctx).Raw(sql).Scan(&count).Error; err != nil {
		return 0, errors.Wrap(err, "failed to run alert count query")
	}
	return count, nil
}
