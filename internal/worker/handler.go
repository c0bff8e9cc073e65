package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"sketchroom/internal/repository"
	"sketchroom/internal/tasks"
)

// RoomArchiveHandler 处理房间归档任务
type RoomArchiveHandler struct {
	archiveRepo repository.ArchiveRepository
}

// NewRoomArchiveHandler 创建 Handler 实例
func NewRoomArchiveHandler(archiveRepo repository.ArchiveRepository) *RoomArchiveHandler {
	if archiveRepo == nil {
		panic("ArchiveRepository cannot be nil for RoomArchiveHandler")
	}
	return &RoomArchiveHandler{archiveRepo: archiveRepo}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomArchiveHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})

	payload, err := tasks.ParseRoomArchiveTask(t.Payload())
	if err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithField("room_code", payload.Archive.Code)

	archive := payload.Archive
	if err := h.archiveRepo.Save(ctx, &archive); err != nil {
		if errors.Is(err, repository.ErrDuplicateEntry) {
			// 重试导致的重复写入，视为成功
			logCtx.Warn("Room archive already saved, skipping")
			return nil
		}
		logCtx.WithError(err).Error("Failed to save room archive")
		return fmt.Errorf("failed to save room archive %s: %w", archive.Code, err)
	}

	logCtx.WithFields(logrus.Fields{
		"strokes": archive.StrokeCount,
		"images":  archive.ImageCount,
		"reason":  archive.Reason,
	}).Info("Room archive task processed successfully")
	return nil
}
