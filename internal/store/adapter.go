// Package store 提供外部状态存储的降级适配层。
//
// 所有对 repository.StateRepository 的调用都经过 Adapter：先检查可用性，再在有界超时内执行，
// 失败时记录日志并返回"无数据"，错误不会越过这一层。连续失败达到上限后进入降级状态，
// 之后每隔 ProbeInterval 放行一次探测调用，成功即恢复。
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sketchroom/internal/domain"
	"sketchroom/internal/metrics"
	"sketchroom/internal/repository"
)

// Options 控制超时与降级策略
type Options struct {
	OpTimeout     time.Duration // 单次存储调用的超时
	MaxFailures   int           // 连续失败多少次后进入降级
	ProbeInterval time.Duration // 降级期间探测间隔
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{
		OpTimeout:     2 * time.Second,
		MaxFailures:   3,
		ProbeInterval: 30 * time.Second,
	}
}

// Adapter 包装 StateRepository，实现"存储不可用即降级为内存模式"的约定。
type Adapter struct {
	repo repository.StateRepository // 为 nil 表示未配置存储
	opts Options
	log  *logrus.Entry
	now  func() time.Time

	mu        sync.Mutex
	failures  int
	degraded  bool
	lastProbe time.Time
}

// NewAdapter 创建 Adapter。repo 为 nil 时所有操作都是空操作。
func NewAdapter(repo repository.StateRepository, opts Options) *Adapter {
	def := DefaultOptions()
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = def.OpTimeout
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = def.MaxFailures
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = def.ProbeInterval
	}
	a := &Adapter{
		repo: repo,
		opts: opts,
		log:  logrus.WithField("component", "store"),
		now:  time.Now,
	}
	metrics.StoreAvailable.Set(boolToFloat(a.Available()))
	return a
}

// Disabled 返回一个未配置存储的 Adapter
func Disabled() *Adapter {
	return NewAdapter(nil, Options{})
}

// Configured 是否配置了外部存储
func (a *Adapter) Configured() bool {
	return a != nil && a.repo != nil
}

// Available 存储是否已配置且未处于降级状态
func (a *Adapter) Available() bool {
	if !a.Configured() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.degraded
}

// begin 检查可用性并返回带超时的 context。ok 为 false 时调用方应直接走降级路径。
func (a *Adapter) begin(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	if !a.Configured() {
		return ctx, func() {}, false
	}
	a.mu.Lock()
	if a.degraded {
		now := a.now()
		if now.Sub(a.lastProbe) < a.opts.ProbeInterval {
			a.mu.Unlock()
			return ctx, func() {}, false
		}
		// 放行一次探测
		a.lastProbe = now
	}
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, a.opts.OpTimeout)
	return opCtx, cancel, true
}

// finish 记录调用结果，维护失败计数与降级状态。
func (a *Adapter) finish(op, code string, err error) {
	success := err == nil || errors.Is(err, repository.ErrNotFound)
	a.mu.Lock()
	defer a.mu.Unlock()
	if success {
		a.failures = 0
		if a.degraded {
			a.degraded = false
			metrics.StoreAvailable.Set(1)
			a.log.WithField("operation", op).Info("Store recovered, leaving degraded mode")
		}
		return
	}

	metrics.StoreErrors.WithLabelValues(op).Inc()
	a.failures++
	logCtx := a.log.WithFields(logrus.Fields{"operation": op, "room_code": code, "failures": a.failures})
	logCtx.WithError(err).Warn("Store operation failed, falling back to memory-only behavior")
	if !a.degraded && a.failures >= a.opts.MaxFailures {
		a.degraded = true
		a.lastProbe = a.now()
		metrics.StoreAvailable.Set(0)
		logCtx.Errorf("Store marked degraded after %d consecutive failures", a.failures)
	}
}

// Ping 主动探测存储，结果计入降级状态
func (a *Adapter) Ping(ctx context.Context) bool {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return false
	}
	defer cancel()
	err := a.repo.Ping(opCtx)
	a.finish("ping", "", err)
	return err == nil
}

// LoadRoom 读取房间，不存在或存储不可用时返回 nil, false
func (a *Adapter) LoadRoom(ctx context.Context, code string) (*domain.Room, bool) {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return nil, false
	}
	defer cancel()
	room, err := a.repo.LoadRoom(opCtx, code)
	a.finish("load_room", code, err)
	if err != nil || room == nil {
		return nil, false
	}
	return room, true
}

// RoomExists 存储中是否存在该房间，存储不可用时返回 false
func (a *Adapter) RoomExists(ctx context.Context, code string) bool {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return false
	}
	defer cancel()
	exists, err := a.repo.RoomExists(opCtx, code)
	a.finish("room_exists", code, err)
	return err == nil && exists
}

// SaveRoom 写入房间，返回存储中生效的 creatorId。ok 为 false 表示未能持久化。
func (a *Adapter) SaveRoom(ctx context.Context, room domain.Room, ttl time.Duration) (string, bool) {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return "", false
	}
	defer cancel()
	creatorID, err := a.repo.SaveRoom(opCtx, room, ttl)
	a.finish("save_room", room.Code, err)
	if err != nil {
		return "", false
	}
	return creatorID, true
}

// UpdateRoom 更新房间部分字段。missing 为 true 表示存储明确回答房间哈希不存在。
func (a *Adapter) UpdateRoom(ctx context.Context, code string, patch repository.RoomPatch, ttl time.Duration) (missing bool) {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return false
	}
	defer cancel()
	err := a.repo.UpdateRoom(opCtx, code, patch, ttl)
	a.finish("update_room", code, err)
	return errors.Is(err, repository.ErrRoomNotFound)
}

// ExpireRoom 为房间相关 key 设置 TTL
func (a *Adapter) ExpireRoom(ctx context.Context, code string, ttl time.Duration) bool {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return false
	}
	defer cancel()
	err := a.repo.ExpireRoom(opCtx, code, ttl)
	a.finish("expire_room", code, err)
	return err == nil
}

// DeleteRoom 删除房间全部持久化状态
func (a *Adapter) DeleteRoom(ctx context.Context, code string) bool {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return false
	}
	defer cancel()
	err := a.repo.DeleteRoom(opCtx, code)
	a.finish("delete_room", code, err)
	return err == nil
}

// AppendStroke 持久化线段
func (a *Adapter) AppendStroke(ctx context.Context, code string, seg domain.StrokeSegment, ttl time.Duration) bool {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return false
	}
	defer cancel()
	err := a.repo.AppendStroke(opCtx, code, seg, ttl)
	a.finish("append_stroke", code, err)
	return err == nil
}

// LoadStrokes 读取线段日志，存储不可用时返回空切片
func (a *Adapter) LoadStrokes(ctx context.Context, code string) []domain.StrokeSegment {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return []domain.StrokeSegment{}
	}
	defer cancel()
	segments, err := a.repo.LoadStrokes(opCtx, code)
	a.finish("load_strokes", code, err)
	if err != nil || segments == nil {
		return []domain.StrokeSegment{}
	}
	return segments
}

// AppendImage 持久化图片记录
func (a *Adapter) AppendImage(ctx context.Context, code string, img domain.ImageRecord, ttl time.Duration) bool {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return false
	}
	defer cancel()
	err := a.repo.AppendImage(opCtx, code, img, ttl)
	a.finish("append_image", code, err)
	return err == nil
}

// LoadImages 读取图片记录，存储不可用时返回空切片
func (a *Adapter) LoadImages(ctx context.Context, code string) []domain.ImageRecord {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return []domain.ImageRecord{}
	}
	defer cancel()
	images, err := a.repo.LoadImages(opCtx, code)
	a.finish("load_images", code, err)
	if err != nil || images == nil {
		return []domain.ImageRecord{}
	}
	return images
}

// ClearCanvas 删除线段和图片列表
func (a *Adapter) ClearCanvas(ctx context.Context, code string) bool {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return false
	}
	defer cancel()
	err := a.repo.ClearCanvas(opCtx, code)
	a.finish("clear_canvas", code, err)
	return err == nil
}

// HistorySize 返回线段/图片数量，存储不可用时为 0
func (a *Adapter) HistorySize(ctx context.Context, code string) (int64, int64) {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return 0, 0
	}
	defer cancel()
	strokes, images, err := a.repo.HistorySize(opCtx, code)
	a.finish("history_size", code, err)
	if err != nil {
		return 0, 0
	}
	return strokes, images
}

// Allow 基于存储的限流判断。存储不可用时放行。
func (a *Adapter) Allow(ctx context.Context, key string, limit int, window time.Duration) bool {
	opCtx, cancel, ok := a.begin(ctx)
	if !ok {
		return true
	}
	defer cancel()
	exceeded, err := a.repo.CheckRateLimit(opCtx, key, limit, window)
	a.finish("rate_limit", "", err)
	if err != nil {
		return true
	}
	return !exceeded
}

// WatchExpired 持续订阅房间过期通知直到 ctx 结束。订阅失败后按退避时间重试，
// 退避上限为 ProbeInterval；存储处于降级状态时等待恢复再订阅。
func (a *Adapter) WatchExpired(ctx context.Context, handler func(code string)) {
	if !a.Configured() {
		return
	}
	backoff := time.Second
	for {
		if a.Available() {
			err := a.repo.SubscribeExpired(ctx, handler)
			if ctx.Err() != nil {
				return
			}
			a.log.WithError(err).Warn("Expiry subscription ended, will retry")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.opts.ProbeInterval {
			backoff = a.opts.ProbeInterval
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
