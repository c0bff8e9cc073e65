package hub

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sketchroom/internal/metrics"
	"sketchroom/internal/service"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// 图片分片可达数百 KB，读取上限需要覆盖一个分片加上信封
	defaultMaxMessageSize = 1 << 20

	sendBufferSize = 256
)

// Services 是 Hub 处理事件时依赖的业务服务
type Services struct {
	Rooms    *service.RoomService
	Presence *service.PresenceTracker
	Drawing  *service.DrawingService
	Images   *service.ImageService
	Tokens   *service.CreatorTokenService
}

// Options 连接级别的限制
type Options struct {
	EventsPerSecond float64 // 每个连接的入站事件速率
	EventBurst      int
	MaxMessageBytes int64
}

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type   string // "unregister"
	Client *Client
	Reason string
}

// Hub 维护活跃客户端集合，按事件类型分派处理函数，并负责房间内广播。
// 事件在各自连接的读 goroutine 中同步处理，保证同一连接的事件按到达顺序生效。
type Hub struct {
	messageChan chan HubMessage

	clients   map[string]*Client // connID -> client
	clientsMu sync.RWMutex

	svc      Services
	opts     Options
	handlers map[string]eventHandler

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(svc Services, opts Options) *Hub {
	if svc.Rooms == nil || svc.Presence == nil || svc.Drawing == nil || svc.Images == nil || svc.Tokens == nil {
		panic("all services must be non-nil for Hub")
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 200
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 400
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageSize
	}
	h := &Hub{
		messageChan: make(chan HubMessage, 512),
		clients:     make(map[string]*Client),
		svc:         svc,
		opts:        opts,
		done:        make(chan struct{}),
	}
	h.handlers = h.routes()
	return h
}

// Run 启动 Hub 的主循环，串行处理连接注销。应在单独的 goroutine 中运行。
func (h *Hub) Run() {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")
	for {
		select {
		case msg := <-h.messageChan:
			switch msg.Type {
			case "unregister":
				h.Unregister(msg.Client, msg.Reason)
			default:
				log.Warnf("Hub: Received unknown message type: %s", msg.Type)
			}
		case <-h.done:
			log.Info("Hub is shutting down...")
			return
		}
	}
}

// Stop 停止主循环并关闭所有客户端连接
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.clientsMu.RLock()
		clients := make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.clientsMu.RUnlock()
		for _, c := range clients {
			c.CloseConn()
		}
	})
}

// Register 登记新连接。必须在启动客户端读写 goroutine 之前调用。
func (h *Hub) Register(c *Client) {
	if c == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return
	}
	h.clientsMu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.clientsMu.Unlock()
	metrics.WsConnections.Set(float64(n))
	logrus.WithField("conn_id", c.id).Info("Client registered to Hub")
}

// QueueUnregister 将注销请求放入 Hub 队列 (非阻塞)，队列满时直接同步处理。
func (h *Hub) QueueUnregister(c *Client, reason string) {
	msg := HubMessage{Type: "unregister", Client: c, Reason: reason}
	select {
	case h.messageChan <- msg:
	default:
		logrus.WithField("conn_id", c.id).Warn("Hub message channel full, unregistering inline")
		h.Unregister(c, reason)
	}
}

// Unregister 处理连接断开：移除成员关系、丢弃未完成的图片传输、重新计算成员数并通知房间。幂等。
func (h *Hub) Unregister(c *Client, reason string) {
	if c == nil {
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"conn_id": c.id, "reason": reason, "action": "unregisterClient"})

	h.clientsMu.Lock()
	current, ok := h.clients[c.id]
	if ok && current == c {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.clientsMu.Unlock()
	if !ok || current != c {
		logCtx.Debug("Client already unregistered")
		return
	}
	metrics.WsConnections.Set(float64(n))

	h.svc.Images.DiscardOrigin(c.id)
	if code, left := h.svc.Presence.Leave(c.id); left {
		h.afterLeave(c.id, code)
	}
	logCtx.Info("Client unregistered from Hub")
}

// NotifyMemberCount 向房间广播成员数修正 (清理任务调用)
func (h *Hub) NotifyMemberCount(code string, count int) {
	h.BroadcastRoom(code, EventUserCountUpdated, MemberCountPayload{MemberCount: count}, "")
}

// ClientCount 当前已注册的连接数
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// BroadcastRoom 将消息发送给房间内除 except 之外的所有连接
func (h *Hub) BroadcastRoom(code, eventType string, data interface{}, except string) {
	message, err := encode(eventType, data)
	if err != nil {
		logrus.WithError(err).WithField("event", eventType).Error("Failed to marshal broadcast message")
		return
	}
	members := h.svc.Presence.Members(code)
	if len(members) == 0 {
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{
		"room_code":    code,
		"event":        eventType,
		"message_size": len(message),
	})

	// 持有读锁发送，Unregister 关闭通道需要写锁，因此不会向已关闭的通道发送
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, connID := range members {
		if connID == except {
			continue
		}
		client, ok := h.clients[connID]
		if !ok {
			continue
		}
		select {
		case client.send <- message:
		default:
			// 慢客户端不阻塞广播
			logCtx.WithField("receiver_conn_id", connID).Warn("Client send channel full during broadcast, skipping this client")
		}
	}
}

// sendTo 向单个连接发送消息
func (h *Hub) sendTo(c *Client, eventType string, data interface{}) {
	message, err := encode(eventType, data)
	if err != nil {
		logrus.WithError(err).WithField("event", eventType).Error("Failed to marshal message")
		return
	}
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	if current, ok := h.clients[c.id]; !ok || current != c {
		return
	}
	select {
	case c.send <- message:
	default:
		logrus.WithFields(logrus.Fields{"conn_id": c.id, "event": eventType}).Warn("Client send channel full, message dropped")
	}
}
