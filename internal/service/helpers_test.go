package service

import (
	"sync"
	"testing"
	"time"

	"sketchroom/internal/repository/mocks"
	"sketchroom/internal/store"
)

const (
	testActiveTTL = 24 * time.Hour
	testEmptyTTL  = 2 * time.Hour
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fixture 组装一套共享同一个内存存储的服务
type fixture struct {
	repo     *mocks.MemoryStateRepository
	store    *store.Adapter
	clock    *fakeClock
	rooms    *RoomService
	presence *PresenceTracker
	drawing  *DrawingService
	images   *ImageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := mocks.NewMemoryStateRepository()
	return buildFixture(repo, store.NewAdapter(repo, store.Options{MaxFailures: 3, ProbeInterval: time.Hour}))
}

// newMemoryOnlyFixture 未配置外部存储
func newMemoryOnlyFixture(t *testing.T) *fixture {
	t.Helper()
	return buildFixture(nil, store.Disabled())
}

func buildFixture(repo *mocks.MemoryStateRepository, st *store.Adapter) *fixture {
	clock := newFakeClock()
	rooms := NewRoomService(st, RoomOptions{ActiveTTL: testActiveTTL, EmptyTTL: testEmptyTTL})
	rooms.now = clock.Now
	imageOpts := DefaultImageOptions()
	imageOpts.MaxSessionsPerOrigin = 2
	return &fixture{
		repo:     repo,
		store:    st,
		clock:    clock,
		rooms:    rooms,
		presence: NewPresenceTracker(rooms),
		drawing:  NewDrawingService(rooms, st, testActiveTTL),
		images:   NewImageService(rooms, st, imageOpts),
	}
}

// recorder 收集 relay 回调的内容
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) relay(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

// sequence 依次返回给定房间码，用尽后重复最后一个
func sequence(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return code, nil
	}
}
