package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	authjwt "disposms/backend/internal/auth/jwt"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/monitoring"
)

const (
	sendBufferSize = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxFrameSize = 4096

	// 每个连接每秒最多处理的客户端帧数
	inboundRate  = 5
	inboundBurst = 10
)

// 客户端发送的帧类型
const (
	frameTypePing     = "ping"
	frameTypeMarkRead = "mark_message_read"
)

// TokenValidator 校验连接携带的访问令牌
type TokenValidator interface {
	ValidateToken(token string) (*authjwt.Claims, error)
}

// MessageMarker 处理客户端的已读标记请求
type MessageMarker interface {
	MarkRead(ctx context.Context, ownerID, id string) (*domain.Message, error)
}

// clientFrame 客户端发送的数据帧
type clientFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID      string
	UserID  string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	limiter *rate.Limiter
	log     *zap.Logger
}

// Hub 按用户管理所有WebSocket连接，并实现 domain.Publisher
type Hub struct {
	mu      sync.RWMutex
	users   map[string]map[string]*Client // userID -> clientID -> Client
	clients int

	tokens         TokenValidator
	marker         MessageMarker
	allowedOrigins []string
	metrics        *monitoring.Metrics
	log            *zap.Logger
}

// Option Hub 可选配置
type Option func(*Hub)

// WithAllowedOrigins 设置允许的 Origin 列表
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.allowedOrigins = origins }
}

// WithMetrics 设置监控指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - tokens: 访问令牌校验器
//   - log: 日志
//   - opts: 可选配置
func NewHub(tokens TokenValidator, log *zap.Logger, opts ...Option) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		users:  make(map[string]map[string]*Client),
		tokens: tokens,
		log:    log,
	}
	for _, opt := range opts {
		opt(h)
	}
	// 如果没有配置，默认允许所有
	if len(h.allowedOrigins) == 0 {
		h.allowedOrigins = []string{"*"}
	}
	return h
}

// SetMessageMarker 设置已读标记服务，消息服务依赖 Hub 作为推送目标，因此在构造后注入
func (h *Hub) SetMessageMarker(m MessageMarker) {
	h.marker = m
}

// Run 阻塞直到 ctx 取消，随后关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAllClients()
	h.log.Info("websocket hub stopped")
}

// Publish 向用户的所有连接推送事件，从不阻塞
func (h *Hub) Publish(userID, event string, payload any) {
	data, err := encodeFrame(event, payload, time.Now().UTC())
	if err != nil {
		h.log.Error("failed to marshal frame", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(userID, data)
}

// ConnectionCount 返回当前连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients
}

// deliver 将已编码的帧非阻塞地写入每个连接的发送队列
func (h *Hub) deliver(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.users[userID] {
		select {
		case client.send <- data:
		default:
			h.metrics.RecordFanoutDropped()
			h.log.Warn("client channel blocked, dropping frame",
				zap.String("clientID", client.ID),
				zap.String("userID", userID),
			)
		}
	}
}

// Subscribe 注册连接并启动读写协程
func (h *Hub) Subscribe(userID string, conn *websocket.Conn) *Client {
	client := &Client{
		ID:      uuid.NewString(),
		UserID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		hub:     h,
		limiter: rate.NewLimiter(inboundRate, inboundBurst),
		log:     h.log,
	}
	h.register(client)

	client.sendEvent(domain.EventConnected, map[string]string{"userId": userID})

	go client.writePump()
	go client.readPump()
	return client
}

// Unsubscribe 注销连接，重复调用无效
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.users[client.UserID]
	if !ok {
		return
	}
	if _, ok := clients[client.ID]; !ok {
		return
	}
	delete(clients, client.ID)
	if len(clients) == 0 {
		delete(h.users, client.UserID)
	}
	h.clients--
	close(client.send)

	h.metrics.UpdateWSConnections(h.clients)
	h.log.Info("client unregistered", zap.String("id", client.ID), zap.String("userID", client.UserID))
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.users[client.UserID] == nil {
		h.users[client.UserID] = make(map[string]*Client)
	}
	h.users[client.UserID][client.ID] = client
	h.clients++

	h.metrics.UpdateWSConnections(h.clients)
	h.log.Info("client registered", zap.String("id", client.ID), zap.String("userID", client.UserID))
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.users {
		for _, client := range clients {
			close(client.send)
		}
	}
	h.users = make(map[string]map[string]*Client)
	h.clients = 0
	h.metrics.UpdateWSConnections(0)
}

// authenticate 从URL参数或Header获取并校验令牌
func (h *Hub) authenticate(c *gin.Context) (domain.Identity, error) {
	token := c.Query("token")
	if token == "" {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		return domain.Identity{}, errors.New("missing authentication token")
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		return domain.Identity{}, err
	}
	return claims.Identity(), nil
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		identity, err := hub.authenticate(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"code": domain.CodeSignature, "msg": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		hub.Subscribe(identity.UserID, conn)
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.log.Debug("client frame throttled", zap.String("clientID", c.ID))
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("invalid frame")
			continue
		}
		c.handleFrame(&frame)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame 处理接收到的客户端帧
func (c *Client) handleFrame(frame *clientFrame) {
	switch frame.Type {
	case frameTypePing:
		c.sendEvent(domain.EventPong, nil)
	case frameTypeMarkRead:
		c.markRead(frame.MessageID)
	default:
		c.log.Debug("unknown frame type", zap.String("type", frame.Type))
		c.sendError("unknown frame type")
	}
}

// markRead 已读结果通过 message_read_update 推送给该用户的所有连接
func (c *Client) markRead(messageID string) {
	if messageID == "" {
		c.sendError("messageId is required")
		return
	}
	if c.hub.marker == nil {
		c.sendError("read receipts are not available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	if _, err := c.hub.marker.MarkRead(ctx, c.UserID, messageID); err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			c.sendError(de.Message)
			return
		}
		c.log.Error("failed to mark message read", zap.String("messageID", messageID), zap.Error(err))
		c.sendError("failed to mark message read")
	}
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(msg string) {
	c.sendEvent(domain.EventError, map[string]string{"message": msg})
}

// sendEvent 仅发送给当前连接
func (c *Client) sendEvent(event string, payload any) {
	data, err := encodeFrame(event, payload, time.Now().UTC())
	if err != nil {
		c.log.Error("failed to marshal frame", zap.Error(err))
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.users[c.UserID][c.ID]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.metrics.RecordFanoutDropped()
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}

func encodeFrame(event string, payload any, ts time.Time) ([]byte, error) {
	return json.Marshal(domain.Frame{Event: event, Payload: payload, Timestamp: ts})
}
