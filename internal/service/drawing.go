package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sketchroom/internal/domain"
	"sketchroom/internal/metrics"
	"sketchroom/internal/store"
)

// DrawingService 负责房间线段日志与绘图权限闸门。
// 权限状态机: Enabled ⇄ Disabled，初始为 Enabled，只能通过 RoomService.SetDrawingEnabled 切换。
type DrawingService struct {
	rooms *RoomService
	store *store.Adapter
	ttl   time.Duration // 线段列表的 TTL，每次追加时刷新
}

// NewDrawingService 创建 DrawingService 实例。
func NewDrawingService(rooms *RoomService, st *store.Adapter, ttl time.Duration) *DrawingService {
	if rooms == nil || st == nil {
		panic("RoomService and store adapter must be non-nil for DrawingService")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DrawingService{rooms: rooms, store: st, ttl: ttl}
}

// CanWrite 判断 origin 当前是否可以向房间写入 (绘图开启，或 origin 是创建者)。
func CanWrite(room domain.Room, origin domain.Identity) bool {
	return room.DrawingEnabled || room.IsCreator(origin)
}

// SubmitStroke 提交一条线段。
// 被接受时先调用 relay 广播给其他成员，再追加到存储 (广播不等待持久化)。
// 未被授权的线段被静默丢弃：返回 accepted=false 且 err 为 nil。
func (s *DrawingService) SubmitStroke(ctx context.Context, code string, seg domain.StrokeSegment, origin domain.Identity, relay func(domain.StrokeSegment)) (bool, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "conn_id": origin.ConnID, "operation": "SubmitStroke"})
	if err := seg.Validate(); err != nil {
		logCtx.WithError(err).Warn("Dropping malformed stroke")
		return false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	room, ok := s.rooms.Get(code)
	if !ok {
		return false, ErrRoomNotFound
	}
	if !CanWrite(room, origin) {
		metrics.StrokesTotal.WithLabelValues("dropped").Inc()
		logCtx.Debug("Drawing disabled, stroke dropped")
		return false, nil
	}

	if relay != nil {
		relay(seg)
	}
	s.rooms.Touch(ctx, code)
	if !s.rooms.SettleCanvas(ctx, code) {
		logCtx.Debug("Stroke not persisted (canvas clear pending)")
	} else if !s.store.AppendStroke(ctx, code, seg, s.ttl) {
		logCtx.Debug("Stroke not persisted (store unavailable)")
	}
	metrics.StrokesTotal.WithLabelValues("accepted").Inc()
	return true, nil
}

// Clear 清空房间的线段日志和图片序列，仅创建者可执行。非创建者返回 ErrPermissionDenied 且无副作用。
// 存储暂时不可写时清空仍然生效：回放返回空，存储恢复后补做删除。
func (s *DrawingService) Clear(ctx context.Context, code string, requester domain.Identity) error {
	room, ok := s.rooms.Get(code)
	if !ok {
		return ErrRoomNotFound
	}
	if !room.IsCreator(requester) {
		logrus.WithFields(logrus.Fields{"room_code": code, "conn_id": requester.ConnID}).Warn("Clear canvas denied")
		return ErrPermissionDenied
	}
	s.rooms.ClearCanvas(ctx, code)
	s.rooms.Touch(ctx, code)
	logrus.WithFields(logrus.Fields{"room_code": code, "conn_id": requester.ConnID}).Info("Canvas cleared")
	return nil
}

// Replay 返回房间完整的线段日志，存储不可用、清空尚未写入存储或无历史时返回空切片。
func (s *DrawingService) Replay(ctx context.Context, code string) []domain.StrokeSegment {
	if !s.rooms.SettleCanvas(ctx, code) {
		return []domain.StrokeSegment{}
	}
	return s.store.LoadStrokes(ctx, code)
}
