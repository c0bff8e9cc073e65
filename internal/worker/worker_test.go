package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sketchroom/internal/domain"
	"sketchroom/internal/repository"
	"sketchroom/internal/repository/mocks"
	"sketchroom/internal/service"
	"sketchroom/internal/store"
	"sketchroom/internal/tasks"
)

func testArchive() domain.RoomArchive {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return domain.RoomArchive{
		Code:        "482913",
		CreatorID:   "A",
		RoomCreated: now.Add(-2 * time.Hour),
		LastActive:  now.Add(-61 * time.Minute),
		StrokeCount: 12,
		ImageCount:  1,
		EvictedAt:   now,
		Reason:      service.EvictReasonSweep,
	}
}

func newArchiveTask(t *testing.T, archive domain.RoomArchive) *asynq.Task {
	t.Helper()
	payload, err := tasks.NewRoomArchiveTask(archive)
	require.NoError(t, err)
	return asynq.NewTask(tasks.TypeRoomArchive, payload)
}

func TestRoomArchiveHandler_ProcessTask(t *testing.T) {
	repo := new(mocks.ArchiveRepository)
	archive := testArchive()
	repo.On("Save", mock.Anything, mock.MatchedBy(func(a *domain.RoomArchive) bool {
		return a.Code == archive.Code && a.StrokeCount == 12 && a.LastActive.Equal(archive.LastActive)
	})).Return(nil).Once()

	err := NewRoomArchiveHandler(repo).ProcessTask(context.Background(), newArchiveTask(t, archive))
	assert.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestRoomArchiveHandler_DuplicateIsSuccess(t *testing.T) {
	repo := new(mocks.ArchiveRepository)
	repo.On("Save", mock.Anything, mock.Anything).Return(repository.ErrDuplicateEntry).Once()

	err := NewRoomArchiveHandler(repo).ProcessTask(context.Background(), newArchiveTask(t, testArchive()))
	assert.NoError(t, err, "重试导致的重复写入视为成功")
}

func TestRoomArchiveHandler_Errors(t *testing.T) {
	repo := new(mocks.ArchiveRepository)
	repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	h := NewRoomArchiveHandler(repo)

	err := h.ProcessTask(context.Background(), newArchiveTask(t, testArchive()))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry), "数据库错误应重试")

	err = h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeRoomArchive, []byte("{broken")))
	assert.ErrorIs(t, err, asynq.SkipRetry, "无法解析的负载不重试")

	err = h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeRoomArchive, []byte(`{"archive":{}}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	repo.AssertNumberOfCalls(t, "Save", 1)
}

func TestWorkerServer_MuxRoutesArchiveTasks(t *testing.T) {
	repo := new(mocks.ArchiveRepository)
	repo.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	log := logrus.New()
	ws := NewWorkerServer(asynq.RedisClientOpt{Addr: "127.0.0.1:1"}, repo, log)

	err := ws.Mux().ProcessTask(context.Background(), newArchiveTask(t, testArchive()))
	assert.NoError(t, err)
	repo.AssertExpectations(t)
}

// fakeEnqueuer 记录提交的任务
type fakeEnqueuer struct {
	task *asynq.Task
	opts []asynq.Option
	err  error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.task = task
	f.opts = opts
	return &asynq.TaskInfo{ID: "task-1", Queue: "low"}, nil
}

func TestAsynqArchiver_EnqueueArchive(t *testing.T) {
	enq := &fakeEnqueuer{}
	archiver := NewAsynqArchiver(enq)
	archive := testArchive()

	require.NoError(t, archiver.EnqueueArchive(context.Background(), archive))
	require.NotNil(t, enq.task)
	assert.Equal(t, tasks.TypeRoomArchive, enq.task.Type())
	parsed, err := tasks.ParseRoomArchiveTask(enq.task.Payload())
	require.NoError(t, err)
	assert.Equal(t, archive.Code, parsed.Archive.Code)
	assert.Equal(t, archive.StrokeCount, parsed.Archive.StrokeCount)

	var queue string
	for _, opt := range enq.opts {
		if opt.Type() == asynq.QueueOpt {
			queue = opt.Value().(string)
		}
	}
	assert.Equal(t, "low", queue)

	enq.err = errors.New("redis down")
	err = archiver.EnqueueArchive(context.Background(), archive)
	assert.ErrorContains(t, err, "482913")
}

func TestSweeper_RunEvictsAndHandlesExpiry(t *testing.T) {
	repo := mocks.NewMemoryStateRepository()
	st := store.NewAdapter(repo, store.Options{})
	rooms := service.NewRoomService(st, service.RoomOptions{})
	presence := service.NewPresenceTracker(rooms)
	images := service.NewImageService(rooms, st, service.DefaultImageOptions())
	lifecycle := service.NewLifecycleService(rooms, presence, images, st, service.LifecycleOptions{
		InactivityTimeout: 50 * time.Millisecond,
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _, err := rooms.EnsureRoom(ctx, "111111", "A")
	require.NoError(t, err)
	_, _, err = rooms.EnsureRoom(ctx, "222222", "B")
	require.NoError(t, err)
	presence.Join("B", "222222")

	done := make(chan struct{})
	go func() {
		NewSweeper(lifecycle, st, 10*time.Millisecond, time.Hour).Run(ctx)
		close(done)
	}()

	// 空闲的空房间被清理，有成员的房间保留
	require.Eventually(t, func() bool {
		_, ok := rooms.Get("111111")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := rooms.Get("222222")
	assert.True(t, ok)

	// 成员离开后，房间由清理任务或存储侧过期通知移除
	presence.Leave("B")
	require.Eventually(t, func() bool { return repo.Calls("SubscribeExpired") > 0 }, time.Second, 5*time.Millisecond)
	repo.Expire("222222")
	require.Eventually(t, func() bool { return rooms.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sweeper 应在 ctx 取消后退出")
	}
}
