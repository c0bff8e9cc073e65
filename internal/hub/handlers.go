package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"sketchroom/internal/domain"
	"sketchroom/internal/service"
)

// eventHandler 处理一种入站事件。返回的错误由 Dispatch 统一处理。
type eventHandler func(ctx context.Context, c *Client, data json.RawMessage) error

func (h *Hub) routes() map[string]eventHandler {
	return map[string]eventHandler{
		EventCreateRoom:         h.handleCreateRoom,
		EventCheckRoom:          h.handleCheckRoom,
		EventJoinRoom:           h.handleJoinRoom,
		EventToggleDrawing:      h.handleToggleDrawing,
		EventDraw:               h.handleDraw,
		EventImageChunk:         h.handleImageChunk,
		EventPasteImage:         h.handlePasteImage,
		EventClearCanvas:        h.handleClearCanvas,
		EventRequestDrawingData: h.handleRequestDrawingData,
		EventRequestImageData:   h.handleRequestImageData,
	}
}

// Dispatch 解析并处理一条客户端消息。只有权限不足和未加入房间两类错误会回复给客户端。
func (h *Hub) Dispatch(c *Client, raw []byte) {
	logCtx := logrus.WithField("conn_id", c.id)
	if !c.limiter.Allow() {
		logCtx.Debug("Inbound event rate exceeded, message dropped")
		return
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logCtx.WithError(err).Warn("Dropping malformed message")
		return
	}
	handler, ok := h.handlers[env.Type]
	if !ok {
		logCtx.Warnf("Unknown event type: %s", env.Type)
		return
	}

	ctx := context.Background()
	if err := handler(ctx, c, env.Data); err != nil {
		if msg, visible := service.ClientMessage(err); visible {
			h.sendTo(c, EventError, ErrorPayload{Message: msg})
			return
		}
		logCtx.WithError(err).WithField("event", env.Type).Warn("Event handling failed")
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", service.ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", service.ErrMalformedPayload, err)
	}
	return nil
}

// currentRoom 返回连接当前所在房间，未加入时返回 ErrNotJoined
func (h *Hub) currentRoom(c *Client) (string, error) {
	code, ok := h.svc.Presence.RoomOf(c.id)
	if !ok {
		return "", service.ErrNotJoined
	}
	return code, nil
}

func (h *Hub) handleCreateRoom(ctx context.Context, c *Client, _ json.RawMessage) error {
	room, err := h.svc.Rooms.CreateRoom(ctx, c.id)
	if err != nil {
		if errors.Is(err, service.ErrCodeSpaceExhausted) {
			logrus.WithField("conn_id", c.id).WithError(err).Error("Room code space exhausted, check configuration")
		}
		return err
	}
	token, err := h.svc.Tokens.Issue(room.Code, room.CreatorID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"conn_id": c.id, "room_code": room.Code}).WithError(err).Error("Failed to issue creator token")
	}
	h.sendTo(c, EventRoomCreated, RoomCreatedPayload{Code: room.Code, CreatorToken: token})
	return nil
}

func (h *Hub) handleCheckRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	var p CheckRoomPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	h.sendTo(c, EventRoomChecked, RoomCheckedPayload{Code: p.Code, Exists: h.svc.Rooms.Exists(ctx, p.Code)})
	return nil
}

// handleJoinRoom 加入流程：先登记 presence (防止清理任务在加入途中删除房间)，再确保房间存在，
// 然后重新计算成员数，回复 roomJoined 并广播 userJoined，最后下发线段和图片历史。
func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, data json.RawMessage) error {
	var p JoinRoomPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if !domain.IsValidRoomCode(p.Code) {
		return fmt.Errorf("%w: %q", service.ErrInvalidRoomCode, p.Code)
	}
	token := p.CreatorToken
	if token == "" {
		token = c.headerToken
	}
	identity := h.svc.Tokens.IdentityFor(c.id, p.Code, token)
	logCtx := logrus.WithFields(logrus.Fields{"conn_id": c.id, "room_code": p.Code})

	previous, _ := h.svc.Presence.Join(c.id, p.Code)
	if previous != "" {
		h.svc.Images.DiscardOrigin(c.id)
		h.afterLeave(c.id, previous)
	}

	room, created, err := h.svc.Rooms.EnsureRoom(ctx, p.Code, identity.Primary())
	if err != nil {
		h.svc.Presence.Leave(c.id)
		return err
	}
	c.setCreatorID(identity.CreatorID)
	h.svc.Presence.Reconcile(ctx, p.Code)
	h.svc.Rooms.Touch(ctx, p.Code)
	count := h.svc.Presence.Count(p.Code)

	h.sendTo(c, EventRoomJoined, RoomJoinedPayload{
		Code:           room.Code,
		Identity:       c.id,
		MemberCount:    count,
		IsCreator:      room.IsCreator(identity),
		DrawingEnabled: room.DrawingEnabled,
	})
	h.BroadcastRoom(p.Code, EventUserJoined, MemberPayload{Identity: c.id, MemberCount: count}, c.id)
	h.sendTo(c, EventLoadDrawing, LoadDrawingPayload{Segments: h.svc.Drawing.Replay(ctx, p.Code)})
	h.sendTo(c, EventLoadImages, LoadImagesPayload{Images: h.svc.Images.ReplayImages(ctx, p.Code)})

	logCtx.WithFields(logrus.Fields{"created": created, "member_count": count, "is_creator": room.IsCreator(identity)}).Info("Client joined room")
	return nil
}

// afterLeave 连接离开房间后重新计算成员数并通知剩余成员
func (h *Hub) afterLeave(connID, code string) {
	ctx := context.Background()
	h.svc.Presence.Reconcile(ctx, code)
	h.svc.Rooms.Touch(ctx, code)
	count := h.svc.Presence.Count(code)
	h.BroadcastRoom(code, EventUserLeft, MemberPayload{Identity: connID, MemberCount: count}, connID)
	logrus.WithFields(logrus.Fields{"conn_id": connID, "room_code": code, "member_count": count}).Info("Client left room")
}

func (h *Hub) handleToggleDrawing(ctx context.Context, c *Client, data json.RawMessage) error {
	code, err := h.currentRoom(c)
	if err != nil {
		return err
	}
	var p ToggleDrawingPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	room, err := h.svc.Rooms.SetDrawingEnabled(ctx, code, p.Enabled, c.Identity())
	if err != nil {
		return err
	}
	h.BroadcastRoom(code, EventDrawingPermissionChanged, PermissionChangedPayload{Enabled: room.DrawingEnabled, ChangedBy: c.id}, "")
	return nil
}

func (h *Hub) handleDraw(ctx context.Context, c *Client, data json.RawMessage) error {
	code, err := h.currentRoom(c)
	if err != nil {
		return err
	}
	var p DrawPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	_, err = h.svc.Drawing.SubmitStroke(ctx, code, p.Segment, c.Identity(), func(seg domain.StrokeSegment) {
		h.BroadcastRoom(code, EventDraw, DrawPayload{Segment: seg}, c.id)
	})
	return err
}

func (h *Hub) handleImageChunk(ctx context.Context, c *Client, data json.RawMessage) error {
	code, err := h.currentRoom(c)
	if err != nil {
		return err
	}
	var p ImageChunkPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	_, err = h.svc.Images.AcceptChunk(ctx, code, p.Chunk, c.Identity(), func(chunk domain.ImageChunk) {
		h.BroadcastRoom(code, EventImageChunk, ImageChunkPayload{Chunk: chunk}, c.id)
	})
	return err
}

func (h *Hub) handlePasteImage(ctx context.Context, c *Client, data json.RawMessage) error {
	code, err := h.currentRoom(c)
	if err != nil {
		return err
	}
	var p PasteImagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	_, err = h.svc.Images.PasteImage(ctx, code, p.Image, c.Identity(), func(rec domain.ImageRecord) {
		h.BroadcastRoom(code, EventPasteImage, PasteImagePayload{Image: rec}, c.id)
	})
	return err
}

func (h *Hub) handleClearCanvas(ctx context.Context, c *Client, _ json.RawMessage) error {
	code, err := h.currentRoom(c)
	if err != nil {
		return err
	}
	if err := h.svc.Drawing.Clear(ctx, code, c.Identity()); err != nil {
		return err
	}
	h.svc.Images.DiscardRoom(code)
	h.BroadcastRoom(code, EventClearCanvas, ClearCanvasPayload{ClearedBy: c.id}, c.id)
	return nil
}

func (h *Hub) handleRequestDrawingData(ctx context.Context, c *Client, _ json.RawMessage) error {
	code, err := h.currentRoom(c)
	if err != nil {
		return err
	}
	h.sendTo(c, EventLoadDrawing, LoadDrawingPayload{Segments: h.svc.Drawing.Replay(ctx, code)})
	return nil
}

func (h *Hub) handleRequestImageData(ctx context.Context, c *Client, _ json.RawMessage) error {
	code, err := h.currentRoom(c)
	if err != nil {
		return err
	}
	h.sendTo(c, EventLoadImages, LoadImagesPayload{Images: h.svc.Images.ReplayImages(ctx, code)})
	return nil
}
