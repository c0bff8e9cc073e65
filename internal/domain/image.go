package domain

import (
	"encoding/json"
	"fmt"
)

// ImagePlacement 图片在画布上的位置和尺寸
type ImagePlacement struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ImageRecord 表示一次粘贴/拖入图片的事件。记录后不可修改。
type ImageRecord struct {
	ImageData string `json:"imageData"` // 编码后的图片数据 (通常是 data URL)
	ImagePlacement
	UserID    string `json:"userId"`    // 来源身份
	Timestamp int64  `json:"timestamp"` // 客户端生成的毫秒时间戳
	Synced    bool   `json:"synced"`    // 已确认持久化
}

// ImageChunk 是大图片分片传输中的一个分片。
// Placement 只在 ChunkIndex == 0 的分片上携带。
type ImageChunk struct {
	ChunkIndex  int             `json:"chunkIndex"`
	TotalChunks int             `json:"totalChunks"`
	UserID      string          `json:"userId"`
	Timestamp   int64           `json:"timestamp"`
	ChunkData   string          `json:"chunkData"`
	Placement   *ImagePlacement `json:"placement,omitempty"`
}

// ImageSessionKey 唯一标识一次分片传输
type ImageSessionKey struct {
	Timestamp int64
	Origin    string
}

// Key 返回分片所属的传输会话键。
func (c ImageChunk) Key() ImageSessionKey {
	return ImageSessionKey{Timestamp: c.Timestamp, Origin: c.UserID}
}

// Validate 检查分片的索引和总数。
func (c ImageChunk) Validate() error {
	if c.TotalChunks <= 0 {
		return fmt.Errorf("totalChunks must be positive, got %d", c.TotalChunks)
	}
	if c.ChunkIndex < 0 || c.ChunkIndex >= c.TotalChunks {
		return fmt.Errorf("chunkIndex %d out of range [0,%d)", c.ChunkIndex, c.TotalChunks)
	}
	return nil
}

// MarshalImage 序列化图片记录，用于写入存储列表。
func MarshalImage(img ImageRecord) (string, error) {
	b, err := json.Marshal(img)
	if err != nil {
		return "", fmt.Errorf("failed to marshal image record: %w", err)
	}
	return string(b), nil
}

// UnmarshalImage 解析存储中的图片记录。
func UnmarshalImage(raw string) (ImageRecord, error) {
	var img ImageRecord
	if err := json.Unmarshal([]byte(raw), &img); err != nil {
		return img, fmt.Errorf("failed to unmarshal image record: %w", err)
	}
	return img, nil
}
