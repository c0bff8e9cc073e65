package hub

import (
	"encoding/json"

	"sketchroom/internal/domain"
)

// 客户端 → 服务端事件
const (
	EventCreateRoom         = "createRoom"
	EventCheckRoom          = "checkRoom"
	EventJoinRoom           = "joinRoom"
	EventToggleDrawing      = "toggleDrawing"
	EventDraw               = "draw"
	EventImageChunk         = "imageChunk"
	EventPasteImage         = "pasteImage"
	EventClearCanvas        = "clearCanvas"
	EventRequestDrawingData = "requestDrawingData"
	EventRequestImageData   = "requestImageData"
)

// 服务端 → 客户端事件 (draw / imageChunk / pasteImage / clearCanvas 复用上面的名字)
const (
	EventRoomCreated              = "roomCreated"
	EventRoomChecked              = "roomChecked"
	EventRoomJoined               = "roomJoined"
	EventUserJoined               = "userJoined"
	EventUserLeft                 = "userLeft"
	EventUserCountUpdated         = "userCountUpdated"
	EventLoadDrawing              = "loadDrawing"
	EventLoadImages               = "loadImages"
	EventDrawingPermissionChanged = "drawingPermissionChanged"
	EventError                    = "error"
)

// CreatorTokenHeader websocket 升级请求中携带创建者令牌的请求头
const CreatorTokenHeader = "X-Creator-Token"

// Envelope 是所有 websocket 消息的外层结构
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound 是发往客户端的消息
type Outbound struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// --- 入站负载 ---

type CheckRoomPayload struct {
	Code string `json:"code"`
}

type JoinRoomPayload struct {
	Code         string `json:"code"`
	CreatorToken string `json:"creatorToken,omitempty"`
}

type ToggleDrawingPayload struct {
	Enabled bool `json:"enabled"`
}

type DrawPayload struct {
	Segment domain.StrokeSegment `json:"segment"`
}

type ImageChunkPayload struct {
	Chunk domain.ImageChunk `json:"chunk"`
}

type PasteImagePayload struct {
	Image domain.ImageRecord `json:"image"`
}

// --- 出站负载 ---

type RoomCreatedPayload struct {
	Code         string `json:"code"`
	CreatorToken string `json:"creatorToken"`
}

type RoomCheckedPayload struct {
	Code   string `json:"code"`
	Exists bool   `json:"exists"`
}

type RoomJoinedPayload struct {
	Code           string `json:"code"`
	Identity       string `json:"identity"`
	MemberCount    int    `json:"memberCount"`
	IsCreator      bool   `json:"isCreator"`
	DrawingEnabled bool   `json:"drawingEnabled"`
}

type MemberPayload struct {
	Identity    string `json:"identity"`
	MemberCount int    `json:"memberCount"`
}

type MemberCountPayload struct {
	MemberCount int `json:"memberCount"`
}

type LoadDrawingPayload struct {
	Segments []domain.StrokeSegment `json:"segments"`
}

type LoadImagesPayload struct {
	Images []domain.ImageRecord `json:"images"`
}

type PermissionChangedPayload struct {
	Enabled   bool   `json:"enabled"`
	ChangedBy string `json:"changedBy"`
}

type ClearCanvasPayload struct {
	ClearedBy string `json:"clearedBy"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func encode(eventType string, data interface{}) ([]byte, error) {
	return json.Marshal(Outbound{Type: eventType, Data: data})
}
