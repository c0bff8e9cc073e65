package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sketchroom/internal/domain"
)

// mockArchiver 是 Archiver 的 testify mock
type mockArchiver struct {
	mock.Mock
}

func (m *mockArchiver) EnqueueArchive(ctx context.Context, archive domain.RoomArchive) error {
	args := m.Called(ctx, archive)
	return args.Error(0)
}

// countNotifier 记录成员数通知
type countNotifier struct {
	mu     sync.Mutex
	counts map[string]int
}

func (n *countNotifier) NotifyMemberCount(code string, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.counts == nil {
		n.counts = make(map[string]int)
	}
	n.counts[code] = count
}

func newLifecycle(f *fixture, notifier Notifier, archiver Archiver) *LifecycleService {
	l := NewLifecycleService(f.rooms, f.presence, f.images, f.store, LifecycleOptions{
		InactivityTimeout: time.Hour,
		ActiveTTL:         testActiveTTL,
		EmptyTTL:          testEmptyTTL,
	}, notifier, archiver)
	l.now = f.clock.Now
	return l
}

func TestLifecycleService_SweepEvictsInactiveEmptyRooms(t *testing.T) {
	cases := []struct {
		name    string
		idle    time.Duration
		evicted bool
	}{
		{"idle 61 minutes", 61 * time.Minute, true},
		{"idle 59 minutes", 59 * time.Minute, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, _, err := f.rooms.EnsureRoom(ctx, "482913", "A")
			require.NoError(t, err)
			_, err = f.drawing.SubmitStroke(ctx, "482913", testStroke, domain.Identity{ConnID: "A"}, nil)
			require.NoError(t, err)
			l := newLifecycle(f, nil, nil)

			f.clock.Advance(tc.idle)
			report := l.Sweep(ctx)

			assert.Equal(t, 1, report.Scanned)
			_, cached := f.rooms.Get("482913")
			_, stored := f.repo.Room("482913")
			if tc.evicted {
				assert.Equal(t, []string{"482913"}, report.Evicted)
				assert.False(t, cached)
				assert.False(t, stored, "存储中的房间状态应被删除")
				assert.Zero(t, f.repo.StrokeCount("482913"))
			} else {
				assert.Empty(t, report.Evicted)
				assert.True(t, cached)
				assert.True(t, stored)
				assert.Equal(t, 1, report.Refreshed)
				assert.Equal(t, testEmptyTTL, f.repo.TTL("482913"))
			}
		})
	}
}

func TestLifecycleService_SweepCorrectsDriftAndKeepsOccupiedRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.rooms.EnsureRoom(ctx, "482913", "A")
	require.NoError(t, err)
	f.presence.Join("A", "482913")
	f.presence.Join("B", "482913")
	notifier := &countNotifier{}
	l := newLifecycle(f, notifier, nil)

	f.clock.Advance(3 * time.Hour)
	report := l.Sweep(ctx)

	assert.Empty(t, report.Evicted, "有成员的房间不会因空闲被清理")
	require.Len(t, report.Corrections, 1)
	assert.Equal(t, CountChange{Code: "482913", Old: 0, New: 2}, report.Corrections[0])
	assert.Equal(t, 2, notifier.counts["482913"])
	assert.Equal(t, testActiveTTL, f.repo.TTL("482913"))

	// 第二轮没有漂移
	report = l.Sweep(ctx)
	assert.Empty(t, report.Corrections)
}

func TestLifecycleService_EvictArchivesAndDiscardsTransfers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.clock.Now()
	_, _, err := f.rooms.EnsureRoom(ctx, "482913", "A")
	require.NoError(t, err)
	a := domain.Identity{ConnID: "A"}
	_, err = f.drawing.SubmitStroke(ctx, "482913", testStroke, a, nil)
	require.NoError(t, err)
	_, err = f.drawing.SubmitStroke(ctx, "482913", testStroke, a, nil)
	require.NoError(t, err)
	_, err = f.images.AcceptChunk(ctx, "482913", domain.ImageChunk{ChunkIndex: 0, TotalChunks: 2, Timestamp: 1, ChunkData: "x"}, a, nil)
	require.NoError(t, err)

	archiver := new(mockArchiver)
	archiver.On("EnqueueArchive", mock.Anything, mock.MatchedBy(func(ar domain.RoomArchive) bool {
		return ar.Code == "482913" &&
			ar.CreatorID == "A" &&
			ar.StrokeCount == 2 &&
			ar.ImageCount == 0 &&
			ar.Reason == EvictReasonSweep &&
			ar.RoomCreated.Equal(created)
	})).Return(errors.New("queue unavailable")).Once()
	l := newLifecycle(f, nil, archiver)

	f.clock.Advance(2 * time.Hour)
	report := l.Sweep(ctx)

	assert.Equal(t, []string{"482913"}, report.Evicted, "归档失败不影响清理")
	assert.Zero(t, f.images.PendingSessions())
	archiver.AssertExpectations(t)
}

func TestLifecycleService_HandleExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.rooms.EnsureRoom(ctx, "111111", "A")
	require.NoError(t, err)
	_, _, err = f.rooms.EnsureRoom(ctx, "222222", "B")
	require.NoError(t, err)
	f.presence.Join("B", "222222")
	f.presence.Reconcile(ctx, "222222")

	archiver := new(mockArchiver)
	archiver.On("EnqueueArchive", mock.Anything, mock.MatchedBy(func(ar domain.RoomArchive) bool {
		return ar.Code == "111111" && ar.Reason == EvictReasonExpired
	})).Return(nil).Once()
	l := newLifecycle(f, nil, archiver)

	// 空房间过期：从注册表移除
	f.repo.Expire("111111")
	l.HandleExpired(ctx, "111111")
	_, cached := f.rooms.Get("111111")
	assert.False(t, cached)

	// 仍有成员的房间过期：重新写回存储
	f.repo.Expire("222222")
	l.HandleExpired(ctx, "222222")
	_, cached = f.rooms.Get("222222")
	assert.True(t, cached)
	stored, ok := f.repo.Room("222222")
	require.True(t, ok)
	assert.Equal(t, "B", stored.CreatorID)
	assert.Equal(t, 1, stored.MemberCount)
	assert.Equal(t, testActiveTTL, f.repo.TTL("222222"))

	// 注册表中没有的房间忽略
	l.HandleExpired(ctx, "333333")
	archiver.AssertExpectations(t)
}

func TestLifecycleService_Diagnostics(t *testing.T) {
	f := newMemoryOnlyFixture(t)
	ctx := context.Background()
	_, _, err := f.rooms.EnsureRoom(ctx, "482913", "A")
	require.NoError(t, err)
	f.presence.Join("A", "482913")
	l := newLifecycle(f, nil, nil)

	report := l.Diagnostics()
	assert.Equal(t, 1, report.Rooms)
	assert.Equal(t, 1, report.Connections)
	assert.Zero(t, report.ImageSessions)
	assert.Positive(t, report.Goroutines)
	assert.Positive(t, report.SysMB)
}

func TestLifecycleService_SweepAppliesPendingClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := domain.Identity{ConnID: "A"}
	_, _, err := f.rooms.EnsureRoom(ctx, "482913", "A")
	require.NoError(t, err)
	_, err = f.drawing.SubmitStroke(ctx, "482913", testStroke, a, nil)
	require.NoError(t, err)

	f.repo.SetDown(true)
	require.NoError(t, f.drawing.Clear(ctx, "482913", a))
	f.repo.SetDown(false)
	assert.Equal(t, 1, f.repo.StrokeCount("482913"), "存储故障期间清空未写入")

	report := newLifecycle(f, nil, nil).Sweep(ctx)

	assert.Empty(t, report.Evicted)
	assert.Zero(t, f.repo.StrokeCount("482913"), "清理轮次补做清空")
}

func TestLifecycleService_JoinDuringEvictionGetsFreshRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.rooms.EnsureRoom(ctx, "482913", "A")
	require.NoError(t, err)
	_, err = f.drawing.SubmitStroke(ctx, "482913", testStroke, domain.Identity{ConnID: "A"}, nil)
	require.NoError(t, err)

	type joinResult struct {
		room    domain.Room
		created bool
		err     error
	}
	joined := make(chan joinResult, 1)
	archiver := new(mockArchiver)
	archiver.On("EnqueueArchive", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		// 清理进行中 B 加入同一房间码，必须等存储状态删除后再加载
		go func() {
			room, created, err := f.rooms.EnsureRoom(ctx, "482913", "B")
			joined <- joinResult{room: room, created: created, err: err}
		}()
		select {
		case res := <-joined:
			t.Error("清理完成前不应加载房间")
			joined <- res
		case <-time.After(50 * time.Millisecond):
		}
	}).Return(nil).Once()

	f.clock.Advance(61 * time.Minute)
	report := newLifecycle(f, nil, archiver).Sweep(ctx)
	require.Equal(t, []string{"482913"}, report.Evicted)

	var res joinResult
	select {
	case res = <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("清理结束后加入仍被阻塞")
	}
	require.NoError(t, res.err)
	assert.True(t, res.created, "清理后加入得到新房间")
	assert.Equal(t, "B", res.room.CreatorID)

	cached, ok := f.rooms.Get("482913")
	require.True(t, ok)
	assert.Equal(t, "B", cached.CreatorID)
	stored, ok := f.repo.Room("482913")
	require.True(t, ok, "新房间写入存储")
	assert.Equal(t, "B", stored.CreatorID)
	assert.Zero(t, f.repo.StrokeCount("482913"), "旧房间的历史已删除")
	archiver.AssertExpectations(t)
}
