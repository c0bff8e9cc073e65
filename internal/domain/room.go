package domain

import "time"

// RoomCodeLength 房间码固定为 6 位数字
const RoomCodeLength = 6

// Room 表示一个协作画板房间的元数据。
// MemberCount 只由 Presence 根据实时连接集合重新计算后写回，不作为独立计数器。
type Room struct {
	Code           string    `json:"code"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActive     time.Time `json:"lastActive"`
	MemberCount    int       `json:"memberCount"`
	CreatorID      string    `json:"creatorId"`      // 创建者身份：连接 ID 或创建者令牌中的 ID
	DrawingEnabled bool      `json:"drawingEnabled"` // 默认 true
}

// NewRoom 创建一个新房间，创建者绑定后不可更改。
func NewRoom(code, creatorID string, now time.Time) Room {
	return Room{
		Code:           code,
		CreatedAt:      now,
		LastActive:     now,
		CreatorID:      creatorID,
		DrawingEnabled: true,
	}
}

// IsCreator 判断给定身份是否为房间创建者。
func (r Room) IsCreator(id Identity) bool {
	return r.CreatorID != "" && id.Matches(r.CreatorID)
}

// Inactive 判断房间在 now 时刻是否已超过 threshold 未活跃。
func (r Room) Inactive(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastActive) > threshold
}

// IsValidRoomCode 校验房间码格式 (6 位数字)。
func IsValidRoomCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Identity 描述一个请求方的身份。
// ConnID 是连接身份；CreatorID 来自已验证的创建者令牌 (可为空)。
type Identity struct {
	ConnID    string
	CreatorID string
}

// Matches 任一身份与 creatorID 相同即视为匹配。
func (id Identity) Matches(creatorID string) bool {
	if creatorID == "" {
		return false
	}
	return id.ConnID == creatorID || (id.CreatorID != "" && id.CreatorID == creatorID)
}

// Primary 返回用于绑定创建者的身份：优先使用令牌中的 ID。
func (id Identity) Primary() string {
	if id.CreatorID != "" {
		return id.CreatorID
	}
	return id.ConnID
}
