package repository

import (
	"context"
	"time"

	"sketchroom/internal/domain"
)

// RoomPatch 描述对房间哈希中部分标量字段的更新，nil 字段不修改。
type RoomPatch struct {
	LastActive     *time.Time
	MemberCount    *int
	DrawingEnabled *bool
}

// Empty 判断是否没有任何字段需要更新。
func (p RoomPatch) Empty() bool {
	return p.LastActive == nil && p.MemberCount == nil && p.DrawingEnabled == nil
}

// StateRepository 定义了房间共享状态在外部键值/列表存储中的读写操作，通常由 Redis 实现。
// 所有方法都可能因存储不可用而返回错误，调用方 (store.Adapter) 负责降级处理。
type StateRepository interface {
	// Ping 检查存储是否可达。
	Ping(ctx context.Context) error

	// === Room Hash ===

	// LoadRoom 读取房间标量字段。房间不存在时返回 ErrRoomNotFound。
	LoadRoom(ctx context.Context, code string) (*domain.Room, error)

	// RoomExists 检查房间哈希是否存在。
	RoomExists(ctx context.Context, code string) (bool, error)

	// SaveRoom 写入房间全部标量字段并设置 TTL。
	// creatorId 只在不存在时写入 (HSETNX)，返回存储中最终生效的 creatorId。
	SaveRoom(ctx context.Context, room domain.Room, ttl time.Duration) (string, error)

	// UpdateRoom 更新部分字段并刷新 TTL。房间哈希不存在时不应凭空创建不完整的记录。
	UpdateRoom(ctx context.Context, code string, patch RoomPatch, ttl time.Duration) error

	// ExpireRoom 为房间哈希及其线段、图片列表统一设置 TTL。
	ExpireRoom(ctx context.Context, code string, ttl time.Duration) error

	// DeleteRoom 删除房间哈希及所有关联列表 (不可恢复)。
	DeleteRoom(ctx context.Context, code string) error

	// === Stroke Log ===

	// AppendStroke 在房间线段列表尾部追加一条记录并刷新 TTL。
	AppendStroke(ctx context.Context, code string, seg domain.StrokeSegment, ttl time.Duration) error

	// LoadStrokes 按追加顺序返回全部线段。无法解析的条目被跳过并记录日志。
	LoadStrokes(ctx context.Context, code string) ([]domain.StrokeSegment, error)

	// === Image Records ===

	// AppendImage 在房间图片列表尾部追加一条记录并刷新 TTL。
	AppendImage(ctx context.Context, code string, img domain.ImageRecord, ttl time.Duration) error

	// LoadImages 按追加顺序返回全部图片记录。无法解析的条目被跳过并记录日志。
	LoadImages(ctx context.Context, code string) ([]domain.ImageRecord, error)

	// ClearCanvas 删除房间的线段列表和图片列表，保留房间哈希。
	ClearCanvas(ctx context.Context, code string) error

	// HistorySize 返回线段列表和图片列表的长度。
	HistorySize(ctx context.Context, code string) (strokes int64, images int64, err error)

	// === Rate Limiting ===

	// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
	// 返回 true 如果超限，false 如果未超限。
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// === Expiry Notifications ===

	// SubscribeExpired 订阅房间哈希的过期通知，每个过期的房间码调用一次 handler。
	// 阻塞直到 ctx 结束或订阅失败。
	SubscribeExpired(ctx context.Context, handler func(code string)) error
}
