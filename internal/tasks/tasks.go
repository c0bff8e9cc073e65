package tasks

import (
	"encoding/json"
	"fmt"

	"sketchroom/internal/domain"
)

// 定义任务类型常量
const (
	TypeRoomArchive = "room:archive" // 房间清理前的归档摘要
)

// RoomArchivePayload 定义了房间归档任务的数据结构
type RoomArchivePayload struct {
	Archive domain.RoomArchive `json:"archive"`
}

// NewRoomArchiveTask 序列化房间归档任务的 payload
func NewRoomArchiveTask(archive domain.RoomArchive) ([]byte, error) {
	payloadBytes, err := json.Marshal(RoomArchivePayload{Archive: archive})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room archive payload: %w", err)
	}
	return payloadBytes, nil
}

// ParseRoomArchiveTask 反序列化房间归档任务的 payload
func ParseRoomArchiveTask(payload []byte) (RoomArchivePayload, error) {
	var p RoomArchivePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal room archive payload: %w", err)
	}
	if p.Archive.Code == "" {
		return p, fmt.Errorf("room archive payload missing room code")
	}
	return p, nil
}
