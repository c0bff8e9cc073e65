package repository

import (
	"context"

	"sketchroom/internal/domain"
)

// ArchiveRepository 定义了已清理房间摘要的持久化操作。
type ArchiveRepository interface {
	// Save 保存一条房间摘要。
	Save(ctx context.Context, archive *domain.RoomArchive) error
}
