package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"sketchroom/internal/domain"
	"sketchroom/internal/metrics"
	"sketchroom/internal/repository"
	"sketchroom/internal/store"
)

const (
	// maxCodeAttempts 生成房间码的最大尝试次数
	maxCodeAttempts = 50
	// touchPersistInterval 同一房间 lastActive 写回存储的最小间隔
	touchPersistInterval = 30 * time.Second
)

// RoomOptions 房间在存储中的过期策略
type RoomOptions struct {
	ActiveTTL time.Duration // 有成员时的 TTL
	EmptyTTL  time.Duration // 房间为空后的宽限 TTL
}

// roomEntry 缓存中的单个房间。mu 串行化对房间字段的修改，
// persistMu 保证写回存储按版本顺序进行，旧版本的写回会被跳过。
// clearPending 表示存储中的画布历史尚未被清空，由 clearMu 保护。
type roomEntry struct {
	mu          sync.Mutex
	room        domain.Room
	version     uint64
	lastPersist time.Time

	persistMu        sync.Mutex
	persistedVersion uint64

	clearMu      sync.Mutex
	clearPending bool
}

// RoomService 是房间元数据的进程内权威缓存，并尽力同步到外部存储。
type RoomService struct {
	store *store.Adapter
	opts  RoomOptions

	mu       sync.RWMutex
	rooms    map[string]*roomEntry
	evicting map[string]chan struct{} // 正在清理的房间码，清理完成前不允许重新加载
	loads    singleflight.Group

	now     func() time.Time
	newCode func() (string, error)
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(st *store.Adapter, opts RoomOptions) *RoomService {
	if st == nil {
		panic("store adapter cannot be nil for RoomService")
	}
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = 24 * time.Hour
	}
	if opts.EmptyTTL <= 0 {
		opts.EmptyTTL = 2 * time.Hour
	}
	return &RoomService{
		store:   st,
		opts:    opts,
		rooms:    make(map[string]*roomEntry),
		evicting: make(map[string]chan struct{}),
		now:      time.Now,
		newCode:  randomRoomCode,
	}
}

// ensureResult 是 singleflight 中共享的加载结果
type ensureResult struct {
	entry   *roomEntry
	created bool
}

// EnsureRoom 返回已存在的房间 (缓存优先，其次存储)，不存在则以 requestedCreatorID 为创建者创建。
// 存储错误不会返回给调用方：即使持久化失败，内存中的房间仍然被创建并返回。
// 同一房间码的并发首次加载会被合并，创建者绑定以第一次成功的"不存在才设置"为准。
func (s *RoomService) EnsureRoom(ctx context.Context, code, requestedCreatorID string) (domain.Room, bool, error) {
	if !domain.IsValidRoomCode(code) {
		return domain.Room{}, false, ErrInvalidRoomCode
	}
	if entry := s.lookup(code); entry != nil {
		return entry.snapshot(), false, nil
	}
	if requestedCreatorID == "" {
		return domain.Room{}, false, fmt.Errorf("ensure room %s: empty creator id", code)
	}

	v, err, _ := s.loads.Do(code, func() (interface{}, error) {
		if err := s.waitEviction(ctx, code); err != nil {
			return nil, fmt.Errorf("ensure room %s: %w", code, err)
		}
		return s.loadOrCreate(ctx, code, requestedCreatorID), nil
	})
	if err != nil {
		return domain.Room{}, false, err
	}
	res := v.(ensureResult)
	return res.entry.snapshot(), res.created, nil
}

// loadOrCreate 在 singleflight 内执行：缓存 → 存储 → 新建。
func (s *RoomService) loadOrCreate(ctx context.Context, code, requestedCreatorID string) ensureResult {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "operation": "EnsureRoom"})
	if entry := s.lookup(code); entry != nil {
		return ensureResult{entry: entry}
	}

	now := s.now()
	if stored, ok := s.store.LoadRoom(ctx, code); ok {
		room := *stored
		// 成员数只信任本进程的实时连接集合
		room.MemberCount = 0
		if room.CreatorID == "" {
			// 存储中的记录缺少创建者，按"不存在才设置"补齐
			room.CreatorID = requestedCreatorID
			if winner, persisted := s.store.SaveRoom(ctx, room, s.opts.ActiveTTL); persisted && winner != "" {
				room.CreatorID = winner
			}
		}
		entry, inserted := s.insert(room)
		if inserted {
			logCtx.WithField("creator_id", entry.room.CreatorID).Info("Room loaded from store into registry")
		}
		return ensureResult{entry: entry}
	}

	room := domain.NewRoom(code, requestedCreatorID, now)
	if winner, persisted := s.store.SaveRoom(ctx, room, s.opts.ActiveTTL); persisted && winner != "" && winner != room.CreatorID {
		// 另一个进程先完成了创建者绑定
		logCtx.WithField("creator_id", winner).Warn("Creator already claimed in store, adopting stored creator")
		room.CreatorID = winner
	} else if !persisted {
		logCtx.Debug("Room created in memory only (store unavailable)")
	}
	entry, inserted := s.insert(room)
	if inserted {
		logCtx.WithField("creator_id", entry.room.CreatorID).Info("Room created")
	}
	return ensureResult{entry: entry, created: inserted}
}

// CreateRoom 生成一个未使用的房间码并以 creatorID 为创建者创建房间。
func (s *RoomService) CreateRoom(ctx context.Context, creatorID string) (domain.Room, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.GenerateUniqueCode(ctx)
		if err != nil {
			return domain.Room{}, err
		}
		room, _, err := s.EnsureRoom(ctx, code, creatorID)
		if err != nil {
			return domain.Room{}, err
		}
		if room.CreatorID == creatorID {
			return room, nil
		}
		// 房间码在检查与创建之间被别人占用，重新生成
		logrus.WithField("room_code", code).Warn("Room code taken concurrently, regenerating")
	}
	return domain.Room{}, ErrCodeSpaceExhausted
}

// GenerateUniqueCode 随机生成房间码，直到找到一个缓存和存储中都不存在的码。
// 重试次数有上限，耗尽视为配置错误 (房间码空间相对活跃房间数过小)。
func (s *RoomService) GenerateUniqueCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate room code: %w", err)
		}
		if !s.Exists(ctx, code) {
			logrus.WithField("room_code", code).Debugf("Generated unused room code after %d attempt(s)", attempt+1)
			return code, nil
		}
		logrus.WithField("room_code", code).Debugf("Room code already in use, retrying (attempt %d)", attempt+1)
	}
	logrus.Errorf("Failed to generate an unused room code after %d attempts", maxCodeAttempts)
	return "", ErrCodeSpaceExhausted
}

// Exists 检查房间是否存在 (缓存或存储)，不会创建房间。
func (s *RoomService) Exists(ctx context.Context, code string) bool {
	if !domain.IsValidRoomCode(code) {
		return false
	}
	if s.lookup(code) != nil {
		return true
	}
	return s.store.RoomExists(ctx, code)
}

// Get 返回缓存中的房间快照
func (s *RoomService) Get(code string) (domain.Room, bool) {
	entry := s.lookup(code)
	if entry == nil {
		return domain.Room{}, false
	}
	return entry.snapshot(), true
}

// Codes 返回缓存中所有房间码 (已排序)
func (s *RoomService) Codes() []string {
	s.mu.RLock()
	codes := make([]string, 0, len(s.rooms))
	for code := range s.rooms {
		codes = append(codes, code)
	}
	s.mu.RUnlock()
	sort.Strings(codes)
	return codes
}

// Len 缓存中的房间数量
func (s *RoomService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// SetDrawingEnabled 只有创建者可以切换绘图权限，其他人返回 ErrPermissionDenied 且不修改任何状态。
func (s *RoomService) SetDrawingEnabled(ctx context.Context, code string, enabled bool, requester domain.Identity) (domain.Room, error) {
	entry := s.lookup(code)
	if entry == nil {
		return domain.Room{}, ErrRoomNotFound
	}
	entry.mu.Lock()
	if !entry.room.IsCreator(requester) {
		entry.mu.Unlock()
		logrus.WithFields(logrus.Fields{"room_code": code, "conn_id": requester.ConnID}).Warn("Drawing permission change denied")
		return domain.Room{}, ErrPermissionDenied
	}
	entry.room.DrawingEnabled = enabled
	entry.room.LastActive = s.now()
	snap, version := entry.bump()
	entry.mu.Unlock()

	s.mirror(ctx, entry, snap, version)
	return snap, nil
}

// Touch 更新房间最后活跃时间。写回存储按 touchPersistInterval 节流。
func (s *RoomService) Touch(ctx context.Context, code string) {
	entry := s.lookup(code)
	if entry == nil {
		return
	}
	now := s.now()
	entry.mu.Lock()
	entry.room.LastActive = now
	snap, version := entry.bump()
	persist := now.Sub(entry.lastPersist) >= touchPersistInterval
	entry.mu.Unlock()

	if persist {
		s.mirror(ctx, entry, snap, version)
	}
}

// SetMemberCount 写入重新计算后的成员数，返回旧值以及是否发生变化。
func (s *RoomService) SetMemberCount(ctx context.Context, code string, count int) (old int, changed bool, found bool) {
	entry := s.lookup(code)
	if entry == nil {
		return 0, false, false
	}
	entry.mu.Lock()
	old = entry.room.MemberCount
	if old == count {
		entry.mu.Unlock()
		return old, false, true
	}
	entry.room.MemberCount = count
	snap, version := entry.bump()
	entry.mu.Unlock()

	s.mirror(ctx, entry, snap, version)
	return old, true, true
}

// Repersist 将缓存中的房间完整写回存储 (用于存储侧过期但房间仍有成员的情况)。
func (s *RoomService) Repersist(ctx context.Context, code string) bool {
	entry := s.lookup(code)
	if entry == nil {
		return false
	}
	entry.persistMu.Lock()
	defer entry.persistMu.Unlock()
	snap := entry.snapshot()
	_, ok := s.store.SaveRoom(ctx, snap, s.ttlFor(snap))
	return ok
}

// Remove 从缓存中删除房间
func (s *RoomService) Remove(code string) (domain.Room, bool) {
	return s.EvictIf(code, nil, nil)
}

// RemoveIf 在持有注册表写锁时检查 cond，满足才删除。cond 为 nil 时无条件删除。
func (s *RoomService) RemoveIf(code string, cond func(domain.Room) bool) (domain.Room, bool) {
	return s.EvictIf(code, cond, nil)
}

// EvictIf 在持有注册表写锁时检查 cond，满足才从缓存删除，然后执行 cleanup。
// cleanup 返回前同一房间码的 EnsureRoom 会等待，不会从存储中读到正在删除的旧状态。
func (s *RoomService) EvictIf(code string, cond func(domain.Room) bool, cleanup func(domain.Room)) (domain.Room, bool) {
	s.mu.Lock()
	entry, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		return domain.Room{}, false
	}
	snap := entry.snapshot()
	if cond != nil && !cond(snap) {
		s.mu.Unlock()
		return snap, false
	}
	delete(s.rooms, code)
	metrics.ActiveRooms.Set(float64(len(s.rooms)))
	if cleanup == nil {
		s.mu.Unlock()
		return snap, true
	}
	done := make(chan struct{})
	s.evicting[code] = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.evicting, code)
		s.mu.Unlock()
		close(done)
	}()
	cleanup(snap)
	return snap, true
}

// ClearCanvas 删除存储中房间的线段和图片列表。写入失败时记下待清空标记，
// 标记存在期间 SettleCanvas 会先重试清空，读写存储中的历史之前都要经过它。
func (s *RoomService) ClearCanvas(ctx context.Context, code string) bool {
	entry := s.lookup(code)
	if entry == nil {
		return false
	}
	entry.clearMu.Lock()
	defer entry.clearMu.Unlock()
	if !s.store.Configured() || s.store.ClearCanvas(ctx, code) {
		entry.clearPending = false
		return true
	}
	entry.clearPending = true
	logrus.WithField("room_code", code).Warn("Canvas clear not persisted, will retry before the next history access")
	return false
}

// SettleCanvas 重试尚未写入存储的清空操作。返回 false 表示清空仍未完成，
// 此时存储中的历史已作废，调用方不能读取或追加。
func (s *RoomService) SettleCanvas(ctx context.Context, code string) bool {
	entry := s.lookup(code)
	if entry == nil {
		return true
	}
	entry.clearMu.Lock()
	defer entry.clearMu.Unlock()
	if !entry.clearPending {
		return true
	}
	if !s.store.ClearCanvas(ctx, code) {
		return false
	}
	entry.clearPending = false
	logrus.WithField("room_code", code).Info("Pending canvas clear applied to store")
	return true
}

// --- 私有辅助函数 ---

// waitEviction 等待同一房间码正在进行的清理结束
func (s *RoomService) waitEviction(ctx context.Context, code string) error {
	s.mu.RLock()
	done := s.evicting[code]
	s.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RoomService) lookup(code string) *roomEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[code]
}

// insert 不存在才插入，返回最终生效的 entry
func (s *RoomService) insert(room domain.Room) (*roomEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rooms[room.Code]; ok {
		return existing, false
	}
	entry := &roomEntry{room: room, version: 1, lastPersist: s.now()}
	s.rooms[room.Code] = entry
	metrics.ActiveRooms.Set(float64(len(s.rooms)))
	return entry, true
}

func (s *RoomService) ttlFor(room domain.Room) time.Duration {
	if room.MemberCount > 0 {
		return s.opts.ActiveTTL
	}
	return s.opts.EmptyTTL
}

// mirror 将房间快照尽力写回存储。房间哈希在存储中已不存在时整体重建。
func (s *RoomService) mirror(ctx context.Context, entry *roomEntry, snap domain.Room, version uint64) {
	if !s.store.Available() {
		return
	}
	entry.persistMu.Lock()
	defer entry.persistMu.Unlock()
	if version <= entry.persistedVersion {
		return
	}
	patch := repository.RoomPatch{
		LastActive:     &snap.LastActive,
		MemberCount:    &snap.MemberCount,
		DrawingEnabled: &snap.DrawingEnabled,
	}
	ttl := s.ttlFor(snap)
	if missing := s.store.UpdateRoom(ctx, snap.Code, patch, ttl); missing {
		s.store.SaveRoom(ctx, snap, ttl)
	}
	entry.persistedVersion = version

	entry.mu.Lock()
	entry.lastPersist = s.now()
	entry.mu.Unlock()
}

func (e *roomEntry) snapshot() domain.Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

// bump 必须在持有 e.mu 时调用
func (e *roomEntry) bump() (domain.Room, uint64) {
	e.version++
	return e.room, e.version
}

// randomRoomCode 生成 6 位数字房间码，每一位均匀分布
func randomRoomCode() (string, error) {
	return roomCodeFrom(rand.Reader)
}

// roomCodeFrom 从 src 读取随机字节，丢弃 >= 250 的字节以避免取模偏差
func roomCodeFrom(src io.Reader) (string, error) {
	const digits = "0123456789"
	code := make([]byte, 0, domain.RoomCodeLength)
	buf := make([]byte, domain.RoomCodeLength)
	for len(code) < domain.RoomCodeLength {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			code = append(code, digits[int(b)%len(digits)])
			if len(code) == domain.RoomCodeLength {
				break
			}
		}
	}
	return string(code), nil
}
