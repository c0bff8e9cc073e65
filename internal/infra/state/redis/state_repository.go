package redisstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// 导入 Redis 客户端库
	"github.com/go-redis/redis/v8"

	"sketchroom/internal/domain"
	"sketchroom/internal/repository"

	"github.com/sirupsen/logrus" // 用于日志记录
)

// 房间哈希中的字段名
const (
	fieldCreatedAt      = "createdAt"
	fieldLastActive     = "lastActive"
	fieldMemberCount    = "memberCount"
	fieldCreatorID      = "creatorId"
	fieldDrawingEnabled = "drawingEnabled"
)

// updateIfExistsScript 只在房间哈希存在时更新字段并刷新过期时间，避免写出不完整的房间记录。
// ARGV[1] 为毫秒 TTL (<=0 表示不修改)，其后为 field/value 对。
var updateIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if #ARGV > 1 then
	redis.call('HSET', KEYS[1], unpack(ARGV, 2))
end
if tonumber(ARGV[1]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 1
`)

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    *redis.Client // 依赖 Redis 客户端
	keyPrefix string        // Redis key 前缀
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "wb:" // 默认前缀 "wb:" (whiteboard)
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// --- Key Generation Helpers ---
func (r *RedisStateRepository) roomKey(code string) string {
	return r.keyPrefix + "room:" + code
}

func (r *RedisStateRepository) roomStrokesKey(code string) string {
	return r.roomKey(code) + ":strokes"
}

func (r *RedisStateRepository) roomImagesKey(code string) string {
	return r.roomKey(code) + ":images"
}

// codeFromRoomKey 从房间哈希 key 中解析出房间码，非房间哈希 key 返回 false。
func (r *RedisStateRepository) codeFromRoomKey(key string) (string, bool) {
	prefix := r.keyPrefix + "room:"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	code := strings.TrimPrefix(key, prefix)
	if code == "" || strings.Contains(code, ":") {
		return "", false
	}
	return code, true
}

// --- StateRepository Interface Implementation ---

// Ping 检查 Redis 是否可达
func (r *RedisStateRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}
	return nil
}

// LoadRoom 读取房间哈希并解析为 domain.Room
func (r *RedisStateRepository) LoadRoom(ctx context.Context, code string) (*domain.Room, error) {
	key := r.roomKey(code)
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to load room %s from %s: %w", code, key, err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrRoomNotFound
	}
	room, err := parseRoomFields(code, fields)
	if err != nil {
		return nil, fmt.Errorf("redis: malformed room hash %s: %w", key, err)
	}
	return room, nil
}

// RoomExists 检查房间哈希是否存在
func (r *RedisStateRepository) RoomExists(ctx context.Context, code string) (bool, error) {
	key := r.roomKey(code)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to check room %s existence: %w", code, err)
	}
	return n > 0, nil
}

// SaveRoom 写入房间全部标量字段，creatorId 使用 HSETNX 保证只绑定一次。
func (r *RedisStateRepository) SaveRoom(ctx context.Context, room domain.Room, ttl time.Duration) (string, error) {
	key := r.roomKey(room.Code)
	var creatorCmd *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldCreatedAt, formatMillis(room.CreatedAt),
			fieldLastActive, formatMillis(room.LastActive),
			fieldMemberCount, strconv.Itoa(room.MemberCount),
			fieldDrawingEnabled, strconv.FormatBool(room.DrawingEnabled),
		)
		if room.CreatorID != "" {
			pipe.HSetNX(ctx, key, fieldCreatorID, room.CreatorID)
		}
		creatorCmd = pipe.HGet(ctx, key, fieldCreatorID)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis: failed to save room %s on key %s: %w", room.Code, key, err)
	}
	creatorID, err := creatorCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis: failed to read creator of room %s: %w", room.Code, err)
	}
	return creatorID, nil
}

// UpdateRoom 在房间哈希存在时更新部分字段
func (r *RedisStateRepository) UpdateRoom(ctx context.Context, code string, patch repository.RoomPatch, ttl time.Duration) error {
	key := r.roomKey(code)
	args := []interface{}{ttl.Milliseconds()}
	if patch.LastActive != nil {
		args = append(args, fieldLastActive, formatMillis(*patch.LastActive))
	}
	if patch.MemberCount != nil {
		args = append(args, fieldMemberCount, strconv.Itoa(*patch.MemberCount))
	}
	if patch.DrawingEnabled != nil {
		args = append(args, fieldDrawingEnabled, strconv.FormatBool(*patch.DrawingEnabled))
	}
	updated, err := updateIfExistsScript.Run(ctx, r.client, []string{key}, args...).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to update room %s on key %s: %w", code, key, err)
	}
	if updated == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

// ExpireRoom 为房间的三个 key 统一设置 TTL
func (r *RedisStateRepository) ExpireRoom(ctx context.Context, code string, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	for _, key := range r.roomKeys(code) {
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		} else {
			pipe.Persist(ctx, key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: failed to set ttl %s for room %s: %w", ttl, code, err)
	}
	return nil
}

// DeleteRoom 删除房间哈希和所有关联列表
func (r *RedisStateRepository) DeleteRoom(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, r.roomKeys(code)...).Err(); err != nil {
		return fmt.Errorf("redis: failed to delete room %s: %w", code, err)
	}
	return nil
}

// AppendStroke 追加线段并刷新列表 TTL
func (r *RedisStateRepository) AppendStroke(ctx context.Context, code string, seg domain.StrokeSegment, ttl time.Duration) error {
	raw, err := domain.MarshalStroke(seg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return r.appendToList(ctx, r.roomStrokesKey(code), raw, ttl)
}

// LoadStrokes 读取全部线段
func (r *RedisStateRepository) LoadStrokes(ctx context.Context, code string) ([]domain.StrokeSegment, error) {
	key := r.roomStrokesKey(code)
	raws, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to load strokes for room %s from %s: %w", code, key, err)
	}
	segments := make([]domain.StrokeSegment, 0, len(raws))
	for _, raw := range raws {
		seg, err := domain.UnmarshalStroke(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{"room_code": code, "key": key}).WithError(err).Warn("redis: dropping malformed stroke entry")
			continue
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// AppendImage 追加图片记录并刷新列表 TTL
func (r *RedisStateRepository) AppendImage(ctx context.Context, code string, img domain.ImageRecord, ttl time.Duration) error {
	raw, err := domain.MarshalImage(img)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return r.appendToList(ctx, r.roomImagesKey(code), raw, ttl)
}

// LoadImages 读取全部图片记录
func (r *RedisStateRepository) LoadImages(ctx context.Context, code string) ([]domain.ImageRecord, error) {
	key := r.roomImagesKey(code)
	raws, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to load images for room %s from %s: %w", code, key, err)
	}
	images := make([]domain.ImageRecord, 0, len(raws))
	for _, raw := range raws {
		img, err := domain.UnmarshalImage(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{"room_code": code, "key": key}).WithError(err).Warn("redis: dropping malformed image entry")
			continue
		}
		images = append(images, img)
	}
	return images, nil
}

// ClearCanvas 删除线段和图片列表
func (r *RedisStateRepository) ClearCanvas(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, r.roomStrokesKey(code), r.roomImagesKey(code)).Err(); err != nil {
		return fmt.Errorf("redis: failed to clear canvas of room %s: %w", code, err)
	}
	return nil
}

// HistorySize 返回线段和图片列表长度
func (r *RedisStateRepository) HistorySize(ctx context.Context, code string) (int64, int64, error) {
	pipe := r.client.Pipeline()
	strokesCmd := pipe.LLen(ctx, r.roomStrokesKey(code))
	imagesCmd := pipe.LLen(ctx, r.roomImagesKey(code))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("redis: failed to read history size of room %s: %w", code, err)
	}
	return strokesCmd.Val(), imagesCmd.Val(), nil
}

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := r.keyPrefix + "ratelimit:" + key
	// 使用 Pipeline 减少网络往返
	pipe := r.client.Pipeline()
	incrCmd := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: pipeline failed for rate limit check on key %s: %w", fullKey, err)
	}
	count, err := incrCmd.Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to get incr result for rate limit on key %s: %w", fullKey, err)
	}
	return count > int64(limit), nil
}

// SubscribeExpired 订阅 key 过期事件，只关心房间哈希。
// 需要 Redis 开启 notify-keyspace-events 的 Ex 选项，这里会尝试自动开启。
func (r *RedisStateRepository) SubscribeExpired(ctx context.Context, handler func(code string)) error {
	logCtx := logrus.WithField("component", "redis_expiry_subscriber")
	if err := r.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		// 托管 Redis 可能禁止 CONFIG 命令，此时依赖运维侧配置
		logCtx.WithError(err).Warn("Could not enable keyspace expiry notifications, relying on server config")
	}

	channel := fmt.Sprintf("__keyevent@%d__:expired", r.client.Options().DB)
	pubsub := r.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	// 等待订阅确认
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: failed to subscribe to %s: %w", channel, err)
	}
	logCtx.Infof("Subscribed to %s", channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis: expiry subscription channel %s closed", channel)
			}
			if code, isRoom := r.codeFromRoomKey(msg.Payload); isRoom {
				logCtx.WithField("room_code", code).Debug("Room hash expired in store")
				handler(code)
			}
		}
	}
}

// --- helpers ---

func (r *RedisStateRepository) roomKeys(code string) []string {
	return []string{r.roomKey(code), r.roomStrokesKey(code), r.roomImagesKey(code)}
}

func (r *RedisStateRepository) appendToList(ctx context.Context, key, raw string, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	pipe.RPush(ctx, key, raw)
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to append to %s: %w", key, err)
	}
	return nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// parseRoomFields 将哈希字段解析为 Room。缺失的字段使用默认值。
func parseRoomFields(code string, fields map[string]string) (*domain.Room, error) {
	room := &domain.Room{Code: code, DrawingEnabled: true, CreatorID: fields[fieldCreatorID]}
	if v, ok := fields[fieldCreatedAt]; ok {
		t, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fieldCreatedAt, err)
		}
		room.CreatedAt = t
	}
	if v, ok := fields[fieldLastActive]; ok {
		t, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fieldLastActive, err)
		}
		room.LastActive = t
	} else {
		room.LastActive = room.CreatedAt
	}
	if v, ok := fields[fieldMemberCount]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fieldMemberCount, err)
		}
		if n < 0 {
			n = 0
		}
		room.MemberCount = n
	}
	if v, ok := fields[fieldDrawingEnabled]; ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fieldDrawingEnabled, err)
		}
		room.DrawingEnabled = enabled
	}
	return room, nil
}
