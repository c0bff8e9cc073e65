package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"sketchroom/internal/domain"
	"sketchroom/internal/repository"
)

// mysqlDuplicateEntry MySQL 唯一约束冲突错误码
const mysqlDuplicateEntry = 1062

// GormArchiveRepository 是 ArchiveRepository 接口的 GORM 实现
type GormArchiveRepository struct {
	db *gorm.DB
}

// NewGormArchiveRepository 创建 GormArchiveRepository 实例
func NewGormArchiveRepository(db *gorm.DB) *GormArchiveRepository {
	if db == nil {
		panic("database connection cannot be nil for GormArchiveRepository")
	}
	return &GormArchiveRepository{db: db}
}

// Save 保存一条房间摘要
func (r *GormArchiveRepository) Save(ctx context.Context, archive *domain.RoomArchive) error {
	if archive == nil {
		return fmt.Errorf("gorm: save room archive: nil archive")
	}
	if err := r.db.WithContext(ctx).Create(archive).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: save room archive (code: %s): %w", archive.Code, err)
	}
	return nil
}
