package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"sketchroom/internal/domain"
)

// MigrateDB 迁移归档库的表结构。返回错误以便调用者知道迁移是否成功。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}

	var count int64
	db.Raw("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		domain.RoomArchive{}.TableName()).Count(&count)
	if count == 0 {
		logrus.Infof("Table %s not found, creating", domain.RoomArchive{}.TableName())
	}

	if err := db.AutoMigrate(&domain.RoomArchive{}); err != nil {
		logrus.Errorf("Failed to auto-migrate room archive table: %v", err)
		return fmt.Errorf("failed to auto-migrate tables: %w", err)
	}

	logrus.Info("Database migration completed successfully")
	return nil
}
