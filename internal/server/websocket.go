package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/life2you_mini/fundingarb/internal/cache"
	"github.com/life2you_mini/fundingarb/internal/model"
)

// DefaultBroadcastInterval 推送间隔
const DefaultBroadcastInterval = 10 * time.Second

// Hub WebSocket订阅管理器
// 按固定间隔把当前缓存内容推给所有订阅方，推送本身不触发刷新
type Hub struct {
	upgrader websocket.Upgrader
	orch     *cache.Orchestrator
	logger   *zap.Logger
	interval time.Duration

	mu      sync.RWMutex
	clients map[*Client]bool
}

// Client 单个WebSocket订阅方
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub 创建WebSocket订阅管理器
func NewHub(orch *cache.Orchestrator, logger *zap.Logger, allowedOrigins []string, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		orch:     orch,
		logger:   logger,
		interval: interval,
		clients:  make(map[*Client]bool),
	}
}

// originChecker 构造来源校验函数，列表为空时放行所有来源
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowedOrigins) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
}

// Serve 处理WebSocket握手请求
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket升级失败", zap.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 16),
		hub:  h,
	}
	h.register(client)

	go client.writePump()
	go client.readPump()

	// 连接建立后立即推一次当前缓存，订阅方不用等下一个播发周期
	if payload, err := h.currentPayload(); err == nil {
		h.deliver(client, payload)
	}
}

// Run 启动周期播发，直到上下文取消
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket播发任务停止")
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast()
		}
	}
}

// broadcast 把当前缓存内容推给所有订阅方
// 单个订阅方推送失败只影响它自己，缓冲打满视为掉线并剔除
func (h *Hub) broadcast() {
	h.mu.RLock()
	count := len(h.clients)
	h.mu.RUnlock()
	if count == 0 {
		return
	}

	payload, err := h.currentPayload()
	if err != nil {
		h.logger.Error("序列化推送消息失败", zap.Error(err))
		return
	}

	// 投递必须持着读锁对注册表成员进行：send通道的close只发生在
	// unregister持写锁把订阅方摘出注册表之后，二者互斥
	h.mu.RLock()
	var full []*Client
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			full = append(full, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range full {
		h.logger.Warn("订阅方发送缓冲已满，断开连接")
		h.unregister(client)
	}
}

// deliver 在订阅方仍在注册表内时做一次非阻塞投递
func (h *Hub) deliver(client *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// currentPayload 组装推送消息体
func (h *Hub) currentPayload() ([]byte, error) {
	msg := model.PushMessage{
		Type:      "opportunities",
		Data:      h.orch.CachedSnapshot(),
		Timestamp: time.Now().UnixMilli(),
	}
	return json.Marshal(msg)
}

// register 注册订阅方
func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	h.logger.Info("新的WebSocket订阅方", zap.Int("total", len(h.clients)))
}

// unregister 剔除订阅方并关闭连接
// 摘除与close在同一个写临界区内完成，投递方在读锁内看不到已关闭的通道
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, exists := h.clients[client]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	remaining := len(h.clients)
	h.mu.Unlock()

	client.conn.Close()
	h.logger.Info("WebSocket订阅方已断开", zap.Int("total", remaining))
}

// closeAll 关闭所有订阅方连接
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.unregister(client)
	}
}

// writePump 把发送缓冲里的消息写到连接上
func (c *Client) writePump() {
	pingTicker := time.NewTicker(30 * time.Second)
	defer func() {
		pingTicker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 消费入站消息，感知断线
func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket读取错误", zap.Error(err))
			}
			return
		}
	}
}
