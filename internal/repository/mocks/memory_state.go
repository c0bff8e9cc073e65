package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sketchroom/internal/domain"
	"sketchroom/internal/repository"
)

// ErrStoreDown 由 MemoryStateRepository 在 SetDown(true) 后返回
var ErrStoreDown = errors.New("memory store: unavailable")

// MemoryStateRepository 是行为接近 Redis 实现的内存 StateRepository，供测试使用。
// creatorId 按"不存在才设置"写入，UpdateRoom 在房间不存在时返回 ErrRoomNotFound。
type MemoryStateRepository struct {
	mu       sync.Mutex
	down     bool
	rooms    map[string]domain.Room
	strokes  map[string][]domain.StrokeSegment
	images   map[string][]domain.ImageRecord
	ttls     map[string]time.Duration
	counters map[string]int
	calls    map[string]int
	expired  func(code string)
}

var _ repository.StateRepository = (*MemoryStateRepository)(nil)

// NewMemoryStateRepository 创建空的内存存储
func NewMemoryStateRepository() *MemoryStateRepository {
	return &MemoryStateRepository{
		rooms:    make(map[string]domain.Room),
		strokes:  make(map[string][]domain.StrokeSegment),
		images:   make(map[string][]domain.ImageRecord),
		ttls:     make(map[string]time.Duration),
		counters: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// SetDown 模拟存储不可用
func (m *MemoryStateRepository) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// Calls 返回某个方法被调用的次数 (包括失败的调用)
func (m *MemoryStateRepository) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Room 直接读取存储中的房间
func (m *MemoryStateRepository) Room(code string) (domain.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[code]
	return room, ok
}

// PutRoom 直接写入房间 (预置数据)
func (m *MemoryStateRepository) PutRoom(room domain.Room) {
	m.mu.Lock()
	m.rooms[room.Code] = room
	m.mu.Unlock()
}

// TTL 返回房间最近一次设置的 TTL
func (m *MemoryStateRepository) TTL(code string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[code]
}

// StrokeCount 直接读取线段数量
func (m *MemoryStateRepository) StrokeCount(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.strokes[code])
}

// ImageCount 直接读取图片数量
func (m *MemoryStateRepository) ImageCount(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images[code])
}

// Expire 模拟房间哈希过期：删除哈希并通知订阅者
func (m *MemoryStateRepository) Expire(code string) {
	m.mu.Lock()
	delete(m.rooms, code)
	handler := m.expired
	m.mu.Unlock()
	if handler != nil {
		handler(code)
	}
}

// enter 记录调用并检查可用性，必须在持有 m.mu 时调用
func (m *MemoryStateRepository) enter(method string) error {
	m.calls[method]++
	if m.down {
		return ErrStoreDown
	}
	return nil
}

func (m *MemoryStateRepository) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *MemoryStateRepository) LoadRoom(ctx context.Context, code string) (*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LoadRoom"); err != nil {
		return nil, err
	}
	room, ok := m.rooms[code]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	return &room, nil
}

func (m *MemoryStateRepository) RoomExists(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RoomExists"); err != nil {
		return false, err
	}
	_, ok := m.rooms[code]
	return ok, nil
}

func (m *MemoryStateRepository) SaveRoom(ctx context.Context, room domain.Room, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveRoom"); err != nil {
		return "", err
	}
	if existing, ok := m.rooms[room.Code]; ok && existing.CreatorID != "" {
		room.CreatorID = existing.CreatorID
	}
	m.rooms[room.Code] = room
	m.ttls[room.Code] = ttl
	return room.CreatorID, nil
}

func (m *MemoryStateRepository) UpdateRoom(ctx context.Context, code string, patch repository.RoomPatch, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateRoom"); err != nil {
		return err
	}
	room, ok := m.rooms[code]
	if !ok {
		return repository.ErrRoomNotFound
	}
	if patch.LastActive != nil {
		room.LastActive = *patch.LastActive
	}
	if patch.MemberCount != nil {
		room.MemberCount = *patch.MemberCount
	}
	if patch.DrawingEnabled != nil {
		room.DrawingEnabled = *patch.DrawingEnabled
	}
	m.rooms[code] = room
	m.ttls[code] = ttl
	return nil
}

func (m *MemoryStateRepository) ExpireRoom(ctx context.Context, code string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ExpireRoom"); err != nil {
		return err
	}
	m.ttls[code] = ttl
	return nil
}

func (m *MemoryStateRepository) DeleteRoom(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteRoom"); err != nil {
		return err
	}
	delete(m.rooms, code)
	delete(m.strokes, code)
	delete(m.images, code)
	delete(m.ttls, code)
	return nil
}

func (m *MemoryStateRepository) AppendStroke(ctx context.Context, code string, seg domain.StrokeSegment, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendStroke"); err != nil {
		return err
	}
	m.strokes[code] = append(m.strokes[code], seg)
	return nil
}

func (m *MemoryStateRepository) LoadStrokes(ctx context.Context, code string) ([]domain.StrokeSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LoadStrokes"); err != nil {
		return nil, err
	}
	return append([]domain.StrokeSegment(nil), m.strokes[code]...), nil
}

func (m *MemoryStateRepository) AppendImage(ctx context.Context, code string, img domain.ImageRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendImage"); err != nil {
		return err
	}
	m.images[code] = append(m.images[code], img)
	return nil
}

func (m *MemoryStateRepository) LoadImages(ctx context.Context, code string) ([]domain.ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LoadImages"); err != nil {
		return nil, err
	}
	return append([]domain.ImageRecord(nil), m.images[code]...), nil
}

func (m *MemoryStateRepository) ClearCanvas(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ClearCanvas"); err != nil {
		return err
	}
	delete(m.strokes, code)
	delete(m.images, code)
	return nil
}

func (m *MemoryStateRepository) HistorySize(ctx context.Context, code string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("HistorySize"); err != nil {
		return 0, 0, err
	}
	return int64(len(m.strokes[code])), int64(len(m.images[code])), nil
}

func (m *MemoryStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CheckRateLimit"); err != nil {
		return false, err
	}
	m.counters[key]++
	return m.counters[key] > limit, nil
}

// SubscribeExpired 记录 handler 并阻塞直到 ctx 结束
func (m *MemoryStateRepository) SubscribeExpired(ctx context.Context, handler func(code string)) error {
	m.mu.Lock()
	if err := m.enter("SubscribeExpired"); err != nil {
		m.mu.Unlock()
		return err
	}
	m.expired = handler
	m.mu.Unlock()
	<-ctx.Done()
	m.mu.Lock()
	m.expired = nil
	m.mu.Unlock()
	return fmt.Errorf("memory store: subscription ended: %w", ctx.Err())
}
