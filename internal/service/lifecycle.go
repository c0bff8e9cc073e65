package service

import (
	"context"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"sketchroom/internal/domain"
	"sketchroom/internal/metrics"
	"sketchroom/internal/store"
)

const (
	EvictReasonSweep   = "sweep"
	EvictReasonExpired = "expired"
)

// Notifier 接收成员数修正通知 (由 hub 实现，负责广播 userCountUpdated)
type Notifier interface {
	NotifyMemberCount(code string, count int)
}

// Archiver 在房间被清理前提交归档摘要
type Archiver interface {
	EnqueueArchive(ctx context.Context, archive domain.RoomArchive) error
}

// LifecycleOptions 清理策略
type LifecycleOptions struct {
	InactivityTimeout time.Duration // 空房间超过此时间未活跃即被清理
	ActiveTTL         time.Duration
	EmptyTTL          time.Duration
}

// SweepReport 一次清理的结果
type SweepReport struct {
	Scanned     int
	Corrections []CountChange
	Evicted     []string
	Refreshed   int
}

// DiagnosticsReport 周期性诊断信息
type DiagnosticsReport struct {
	Rooms         int
	Connections   int
	ImageSessions int
	Goroutines    int
	HeapAllocMB   float64
	SysMB         float64
}

// LifecycleService 负责成员数校正、TTL 续期、空闲房间清理以及响应存储侧过期通知。
// 只做校正和清理，从不拒绝客户端的实时操作。
type LifecycleService struct {
	rooms    *RoomService
	presence *PresenceTracker
	images   *ImageService
	store    *store.Adapter
	opts     LifecycleOptions

	notifier Notifier
	archiver Archiver

	now func() time.Time
}

// NewLifecycleService 创建 LifecycleService 实例。notifier 与 archiver 可以为 nil。
func NewLifecycleService(rooms *RoomService, presence *PresenceTracker, images *ImageService, st *store.Adapter, opts LifecycleOptions, notifier Notifier, archiver Archiver) *LifecycleService {
	if rooms == nil || presence == nil || images == nil || st == nil {
		panic("rooms, presence, images and store must be non-nil for LifecycleService")
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = time.Hour
	}
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = 24 * time.Hour
	}
	if opts.EmptyTTL <= 0 {
		opts.EmptyTTL = 2 * time.Hour
	}
	return &LifecycleService{
		rooms:    rooms,
		presence: presence,
		images:   images,
		store:    st,
		opts:     opts,
		notifier: notifier,
		archiver: archiver,
		now:      time.Now,
	}
}

// Sweep 对缓存中的每个房间执行一轮：校正成员数，清理空闲空房间，续期存储 TTL。
func (l *LifecycleService) Sweep(ctx context.Context) SweepReport {
	codes := l.rooms.Codes()
	report := SweepReport{Scanned: len(codes)}
	now := l.now()

	for _, code := range codes {
		if ctx.Err() != nil {
			break
		}
		if change, changed := l.presence.Reconcile(ctx, code); changed {
			metrics.PresenceCorrections.Inc()
			report.Corrections = append(report.Corrections, change)
			logrus.WithFields(logrus.Fields{
				"room_code": code,
				"old_count": change.Old,
				"new_count": change.New,
			}).Info("Sweeper corrected member count drift")
			if l.notifier != nil {
				l.notifier.NotifyMemberCount(code, change.New)
			}
		}

		// 条件在注册表写锁内检查，join 会先登记 presence，因此不会清理到正在加入的房间
		_, removed := l.rooms.EvictIf(code, func(r domain.Room) bool {
			return l.presence.Count(code) == 0 && r.Inactive(now, l.opts.InactivityTimeout)
		}, func(r domain.Room) {
			l.evict(ctx, r, EvictReasonSweep)
		})
		if removed {
			report.Evicted = append(report.Evicted, code)
			continue
		}

		l.rooms.SettleCanvas(ctx, code)

		ttl := l.opts.EmptyTTL
		if l.presence.Count(code) > 0 {
			ttl = l.opts.ActiveTTL
		}
		if l.store.ExpireRoom(ctx, code, ttl) {
			report.Refreshed++
		}
	}

	logrus.WithFields(logrus.Fields{
		"scanned":     report.Scanned,
		"corrections": len(report.Corrections),
		"evicted":     len(report.Evicted),
		"refreshed":   report.Refreshed,
	}).Debug("Sweep finished")
	return report
}

// HandleExpired 响应存储侧房间哈希过期。房间为空时与清理同样处理；
// 仍有成员时将缓存中的房间重新写回存储。
func (l *LifecycleService) HandleExpired(ctx context.Context, code string) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "operation": "HandleExpired"})
	_, removed := l.rooms.EvictIf(code, func(domain.Room) bool {
		return l.presence.Count(code) == 0
	}, func(r domain.Room) {
		logCtx.Info("Room expired in store, removing from registry")
		l.evict(ctx, r, EvictReasonExpired)
	})
	if removed {
		return
	}
	if _, cached := l.rooms.Get(code); !cached {
		logCtx.Debug("Expired room not in registry, nothing to do")
		return
	}
	if l.rooms.Repersist(ctx, code) {
		l.store.ExpireRoom(ctx, code, l.opts.ActiveTTL)
		logCtx.Warn("Room expired in store while members are connected, re-persisted")
	}
}

// evict 房间已从缓存移除后：提交归档、删除存储中的全部状态、丢弃未完成的图片传输。不可恢复。
// 在 EvictIf 的 cleanup 中执行，期间同一房间码不会被重新加载。
func (l *LifecycleService) evict(ctx context.Context, room domain.Room, reason string) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": room.Code, "reason": reason})
	if l.archiver != nil {
		strokes, images := l.store.HistorySize(ctx, room.Code)
		archive := domain.RoomArchive{
			Code:        room.Code,
			CreatorID:   room.CreatorID,
			RoomCreated: room.CreatedAt,
			LastActive:  room.LastActive,
			StrokeCount: strokes,
			ImageCount:  images,
			EvictedAt:   l.now(),
			Reason:      reason,
		}
		if err := l.archiver.EnqueueArchive(ctx, archive); err != nil {
			logCtx.WithError(err).Warn("Failed to enqueue room archive")
		}
	}
	l.store.DeleteRoom(ctx, room.Code)
	l.images.DiscardRoom(room.Code)
	metrics.RoomsEvicted.WithLabelValues(reason).Inc()
	logCtx.WithField("last_active", room.LastActive).Info("Room evicted")
}

// Diagnostics 汇总房间、连接和运行时内存信息并写日志。
func (l *LifecycleService) Diagnostics() DiagnosticsReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	report := DiagnosticsReport{
		Rooms:         l.rooms.Len(),
		Connections:   l.presence.Connections(),
		ImageSessions: l.images.PendingSessions(),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(ms.HeapAlloc) / 1024 / 1024,
		SysMB:         float64(ms.Sys) / 1024 / 1024,
	}
	logrus.WithFields(logrus.Fields{
		"rooms":          report.Rooms,
		"connections":    report.Connections,
		"image_sessions": report.ImageSessions,
		"goroutines":     report.Goroutines,
		"heap_alloc_mb":  report.HeapAllocMB,
		"sys_mb":         report.SysMB,
		"store":          l.store.Available(),
	}).Info("Diagnostics")
	return report
}
