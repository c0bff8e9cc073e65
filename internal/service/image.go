package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sketchroom/internal/domain"
	"sketchroom/internal/metrics"
	"sketchroom/internal/store"
)

// ImageOptions 图片传输的容量限制
type ImageOptions struct {
	ChunkThreshold       int           // 超过此大小的图片应走分片路径 (发送方使用)
	MaxSessionsPerOrigin int           // 每个来源同时缓存的分片会话上限
	MaxTotalChunks       int           // 单张图片的分片数上限
	MaxChunkBytes        int           // 单个分片数据的字节上限
	TTL                  time.Duration // 图片列表的 TTL
}

// DefaultImageOptions 默认配置
func DefaultImageOptions() ImageOptions {
	return ImageOptions{
		ChunkThreshold:       64 * 1024,
		MaxSessionsPerOrigin: 4,
		MaxTotalChunks:       256,
		MaxChunkBytes:        256 * 1024,
		TTL:                  24 * time.Hour,
	}
}

// imageSession 一次分片传输的缓冲区。chunks 按索引存放，未收到的位置为空。
type imageSession struct {
	code      string
	total     int
	chunks    []string
	have      []bool
	received  int
	placement *domain.ImagePlacement
}

// ImageService 实现图片的直接传输与分片传输协议，并负责已完成图片的持久化。
type ImageService struct {
	rooms *RoomService
	store *store.Adapter
	opts  ImageOptions

	mu        sync.Mutex
	sessions  map[domain.ImageSessionKey]*imageSession
	byOrigin  map[string]map[domain.ImageSessionKey]struct{}
	discarded map[domain.ImageSessionKey]*imageSession // 被清空画布中断的传输，剩余分片到达后移除
}

// NewImageService 创建 ImageService 实例。
func NewImageService(rooms *RoomService, st *store.Adapter, opts ImageOptions) *ImageService {
	if rooms == nil || st == nil {
		panic("RoomService and store adapter must be non-nil for ImageService")
	}
	def := DefaultImageOptions()
	if opts.ChunkThreshold <= 0 {
		opts.ChunkThreshold = def.ChunkThreshold
	}
	if opts.MaxSessionsPerOrigin <= 0 {
		opts.MaxSessionsPerOrigin = def.MaxSessionsPerOrigin
	}
	if opts.MaxTotalChunks <= 0 {
		opts.MaxTotalChunks = def.MaxTotalChunks
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = def.MaxChunkBytes
	}
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	return &ImageService{
		rooms:    rooms,
		store:    st,
		opts:     opts,
		sessions:  make(map[domain.ImageSessionKey]*imageSession),
		byOrigin:  make(map[string]map[domain.ImageSessionKey]struct{}),
		discarded: make(map[domain.ImageSessionKey]*imageSession),
	}
}

// Options 返回生效的配置
func (s *ImageService) Options() ImageOptions { return s.opts }

// PasteImage 直接路径：图片作为一条记录发送，先广播再持久化。
// 返回持久化后的记录 (Synced 表示是否已写入存储)。权限不足时静默丢弃，返回 nil, nil。
func (s *ImageService) PasteImage(ctx context.Context, code string, rec domain.ImageRecord, origin domain.Identity, relay func(domain.ImageRecord)) (*domain.ImageRecord, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "conn_id": origin.ConnID, "operation": "PasteImage"})
	if rec.ImageData == "" {
		logCtx.Warn("Dropping image with empty payload")
		return nil, fmt.Errorf("%w: empty image data", ErrMalformedPayload)
	}
	room, ok := s.rooms.Get(code)
	if !ok {
		return nil, ErrRoomNotFound
	}
	if !CanWrite(room, origin) {
		logCtx.Debug("Drawing disabled, image dropped")
		return nil, nil
	}

	rec.UserID = origin.ConnID
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	rec.Synced = false
	if relay != nil {
		relay(rec)
	}
	s.rooms.Touch(ctx, code)
	stored := s.persist(ctx, code, rec)
	metrics.ImagesTotal.WithLabelValues("direct").Inc()
	logCtx.WithFields(logrus.Fields{"size": len(rec.ImageData), "synced": stored.Synced}).Info("Image pasted")
	return &stored, nil
}

// AcceptChunk 分片路径：缓存分片并转发给其他成员，全部分片到齐后按索引顺序拼接，
// 使用 0 号分片上的位置信息生成图片记录并持久化 (每张图片只持久化一次)。
// 未完成时返回 nil, nil；超出容量限制返回 ErrCapacityExceeded，分片被丢弃且不转发。
func (s *ImageService) AcceptChunk(ctx context.Context, code string, chunk domain.ImageChunk, origin domain.Identity, relay func(domain.ImageChunk)) (*domain.ImageRecord, error) {
	chunk.UserID = origin.ConnID
	logCtx := logrus.WithFields(logrus.Fields{
		"room_code":   code,
		"conn_id":     origin.ConnID,
		"timestamp":   chunk.Timestamp,
		"chunk_index": chunk.ChunkIndex,
		"operation":   "AcceptChunk",
	})
	if err := chunk.Validate(); err != nil {
		logCtx.WithError(err).Warn("Dropping malformed image chunk")
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if chunk.TotalChunks > s.opts.MaxTotalChunks || len(chunk.ChunkData) > s.opts.MaxChunkBytes {
		logCtx.WithFields(logrus.Fields{"total_chunks": chunk.TotalChunks, "chunk_size": len(chunk.ChunkData)}).Warn("Image chunk exceeds limits, dropped")
		return nil, ErrCapacityExceeded
	}
	room, ok := s.rooms.Get(code)
	if !ok {
		return nil, ErrRoomNotFound
	}

	key := chunk.Key()
	s.mu.Lock()
	if s.absorbDiscardedLocked(key, chunk) {
		s.mu.Unlock()
		logCtx.Debug("Chunk of a transfer interrupted by canvas clear dropped")
		return nil, nil
	}
	sess, exists := s.sessions[key]
	if !exists {
		// 权限只在会话开始时检查，已开始的传输不会因中途关闭绘图而残缺
		if !CanWrite(room, origin) {
			s.mu.Unlock()
			logCtx.Debug("Drawing disabled, image transfer dropped")
			return nil, nil
		}
		if len(s.byOrigin[origin.ConnID]) >= s.opts.MaxSessionsPerOrigin {
			s.mu.Unlock()
			logCtx.Warnf("Origin already has %d open image transfers, chunk dropped", s.opts.MaxSessionsPerOrigin)
			return nil, ErrCapacityExceeded
		}
		sess = &imageSession{
			code:   code,
			total:  chunk.TotalChunks,
			chunks: make([]string, chunk.TotalChunks),
			have:   make([]bool, chunk.TotalChunks),
		}
		s.sessions[key] = sess
		if s.byOrigin[origin.ConnID] == nil {
			s.byOrigin[origin.ConnID] = make(map[domain.ImageSessionKey]struct{})
		}
		s.byOrigin[origin.ConnID][key] = struct{}{}
		metrics.ImageChunkSessions.Set(float64(len(s.sessions)))
	} else if sess.total != chunk.TotalChunks || sess.code != code {
		s.mu.Unlock()
		logCtx.Warnf("Image chunk conflicts with open transfer (totalChunks %d vs %d)", chunk.TotalChunks, sess.total)
		return nil, fmt.Errorf("%w: conflicting chunk for open image transfer", ErrMalformedPayload)
	}

	if sess.have[chunk.ChunkIndex] {
		s.mu.Unlock()
		logCtx.Debug("Duplicate image chunk ignored")
		return nil, nil
	}
	sess.chunks[chunk.ChunkIndex] = chunk.ChunkData
	sess.have[chunk.ChunkIndex] = true
	sess.received++
	if chunk.ChunkIndex == 0 && chunk.Placement != nil {
		p := *chunk.Placement
		sess.placement = &p
	}
	complete := sess.received == sess.total
	if complete {
		s.removeLocked(key)
	}
	s.mu.Unlock()

	if relay != nil {
		relay(chunk)
	}
	if !complete {
		return nil, nil
	}

	rec := domain.ImageRecord{
		ImageData: strings.Join(sess.chunks, ""),
		UserID:    origin.ConnID,
		Timestamp: chunk.Timestamp,
	}
	if sess.placement != nil {
		rec.ImagePlacement = *sess.placement
	} else {
		logCtx.Warn("Image transfer completed without placement on chunk 0")
	}
	s.rooms.Touch(ctx, code)
	stored := s.persist(ctx, code, rec)
	metrics.ImagesTotal.WithLabelValues("chunked").Inc()
	logCtx.WithFields(logrus.Fields{"size": len(rec.ImageData), "total_chunks": sess.total, "synced": stored.Synced}).Info("Image transfer completed")
	return &stored, nil
}

// DiscardOrigin 丢弃某个来源所有未完成的分片会话 (连接断开时调用)。
func (s *ImageService) DiscardOrigin(origin string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.byOrigin[origin]
	n := len(keys)
	for key := range keys {
		s.removeLocked(key)
	}
	for key := range s.discarded {
		if key.Origin == origin {
			delete(s.discarded, key)
		}
	}
	if n > 0 {
		logrus.WithFields(logrus.Fields{"conn_id": origin, "sessions": n}).Info("Abandoned unfinished image transfers")
	}
	return n
}

// DiscardRoom 丢弃某个房间所有未完成的分片会话 (清空画布或清理房间时调用)。
// 这些传输之后到达的分片会被直接丢弃，不会重新打开会话占用来源的会话配额。
func (s *ImageService) DiscardRoom(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, sess := range s.sessions {
		if sess.code == code {
			s.removeLocked(key)
			sess.chunks = nil
			s.discarded[key] = sess
			n++
		}
	}
	return n
}

// absorbDiscardedLocked 分片属于已丢弃的传输时返回 true，该传输的分片全部到达后移除记录。
// 必须在持有 s.mu 时调用。
func (s *ImageService) absorbDiscardedLocked(key domain.ImageSessionKey, chunk domain.ImageChunk) bool {
	sess, ok := s.discarded[key]
	if !ok {
		return false
	}
	if chunk.ChunkIndex < len(sess.have) && !sess.have[chunk.ChunkIndex] {
		sess.have[chunk.ChunkIndex] = true
		sess.received++
	}
	if sess.received >= sess.total {
		delete(s.discarded, key)
	}
	return true
}

// PendingSessions 当前未完成的分片会话数
func (s *ImageService) PendingSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ReplayImages 返回房间完整的图片记录序列，存储不可用或清空尚未写入存储时返回空切片。
func (s *ImageService) ReplayImages(ctx context.Context, code string) []domain.ImageRecord {
	if !s.rooms.SettleCanvas(ctx, code) {
		return []domain.ImageRecord{}
	}
	return s.store.LoadImages(ctx, code)
}

// persist 写入存储，成功时记录标记为 Synced
func (s *ImageService) persist(ctx context.Context, code string, rec domain.ImageRecord) domain.ImageRecord {
	rec.Synced = s.rooms.SettleCanvas(ctx, code) && s.store.AppendImage(ctx, code, rec, s.opts.TTL)
	return rec
}

// removeLocked 必须在持有 s.mu 时调用
func (s *ImageService) removeLocked(key domain.ImageSessionKey) {
	delete(s.sessions, key)
	if keys, ok := s.byOrigin[key.Origin]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.byOrigin, key.Origin)
		}
	}
	metrics.ImageChunkSessions.Set(float64(len(s.sessions)))
}

// SplitImage 将图片记录按 chunkSize 切分为有序分片，位置信息只放在 0 号分片上。
// payload 不超过 chunkSize 时也会返回一个分片。
func SplitImage(rec domain.ImageRecord, chunkSize int) []domain.ImageChunk {
	if chunkSize <= 0 {
		chunkSize = len(rec.ImageData)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	total := (len(rec.ImageData) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	chunks := make([]domain.ImageChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(rec.ImageData) {
			end = len(rec.ImageData)
		}
		c := domain.ImageChunk{
			ChunkIndex:  i,
			TotalChunks: total,
			UserID:      rec.UserID,
			Timestamp:   rec.Timestamp,
			ChunkData:   rec.ImageData[start:end],
		}
		if i == 0 {
			p := rec.ImagePlacement
			c.Placement = &p
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// NeedsChunking 判断图片是否应走分片路径
func (s *ImageService) NeedsChunking(rec domain.ImageRecord) bool {
	return len(rec.ImageData) > s.opts.ChunkThreshold
}
