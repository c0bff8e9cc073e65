package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sketchroom/internal/domain"
	"sketchroom/internal/middleware"
	"sketchroom/internal/service"
)

// RoomHandler 封装了与房间管理相关的 HTTP 处理逻辑
type RoomHandler struct {
	roomService  *service.RoomService
	tokenService *service.CreatorTokenService
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, tokenService *service.CreatorTokenService) *RoomHandler {
	if roomService == nil || tokenService == nil {
		panic("RoomService and CreatorTokenService cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService, tokenService: tokenService}
}

// CreateRoomResponse 创建房间成功的响应
type CreateRoomResponse struct {
	Code         string `json:"code"`
	CreatorToken string `json:"creatorToken"`
}

// CheckRoomResponse 房间存在性检查的响应
type CheckRoomResponse struct {
	Code      string `json:"code"`
	Exists    bool   `json:"exists"`
	IsCreator bool   `json:"isCreator"` // 请求携带了该房间有效的创建者令牌
}

// CreateRoom 处理 POST /api/rooms。
// HTTP 创建的房间没有连接身份，创建者是一个新生成的 ID，只能凭返回的令牌行使创建者权限。
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	creatorID := uuid.NewString()
	logCtx := logrus.WithField("creator_id", creatorID)

	room, err := h.roomService.CreateRoom(c.Request.Context(), creatorID)
	if err != nil {
		logCtx.WithError(err).Error("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}
	token, err := h.tokenService.Issue(room.Code, room.CreatorID)
	if err != nil {
		logCtx.WithError(err).Error("Handler.CreateRoom: Failed to issue creator token")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("room_code", room.Code).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusCreated, CreateRoomResponse{Code: room.Code, CreatorToken: token})
}

// CheckRoom 处理 GET /api/rooms/:code，只检查不创建。
func (h *RoomHandler) CheckRoom(c *gin.Context) {
	code := c.Param("code")
	if !domain.IsValidRoomCode(code) {
		HandleServiceError(c, service.ErrInvalidRoomCode)
		return
	}
	resp := CheckRoomResponse{Code: code, Exists: h.roomService.Exists(c.Request.Context(), code)}
	if claims, ok := middleware.ClaimsFrom(c); ok && claims.RoomCode == code {
		resp.IsCreator = resp.Exists
	}
	SuccessResponse(c, http.StatusOK, resp)
}
