package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"sketchroom/internal/domain"
	"sketchroom/internal/tasks"
)

// TaskEnqueuer 是 asynq.Client 中归档用到的部分
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqArchiver 将房间归档摘要作为 asynq 任务提交，由 WorkerServer 写入数据库
type AsynqArchiver struct {
	client TaskEnqueuer
}

// NewAsynqArchiver 创建 AsynqArchiver
func NewAsynqArchiver(client TaskEnqueuer) *AsynqArchiver {
	if client == nil {
		panic("asynq client cannot be nil for AsynqArchiver")
	}
	return &AsynqArchiver{client: client}
}

// EnqueueArchive 实现 service.Archiver
func (a *AsynqArchiver) EnqueueArchive(ctx context.Context, archive domain.RoomArchive) error {
	payload, err := tasks.NewRoomArchiveTask(archive)
	if err != nil {
		return err
	}
	task := asynq.NewTask(tasks.TypeRoomArchive, payload)
	info, err := a.client.EnqueueContext(ctx, task,
		asynq.Queue("low"),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue room archive for %s: %w", archive.Code, err)
	}
	logrus.WithFields(logrus.Fields{"room_code": archive.Code, "task_id": info.ID}).Debug("Room archive task enqueued")
	return nil
}
