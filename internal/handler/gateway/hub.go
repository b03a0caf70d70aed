package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Hub 在线连接登记。同一用户只保留最新的连接，并记住其最近的 chat。
type Hub struct {
	mu       sync.Mutex
	conns    map[string]*Conn
	byUser   map[string]string
	lastChat map[string]string
}

func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]*Conn),
		byUser:   make(map[string]string),
		lastChat: make(map[string]string),
	}
}

// Add 登记连接，同一用户的旧连接会被关闭。
func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	var old *Conn
	if c.userID != "" {
		if sid, ok := h.byUser[c.userID]; ok {
			old = h.conns[sid]
			delete(h.conns, sid)
		}
		h.byUser[c.userID] = c.sessionID
	}
	h.conns[c.sessionID] = c
	h.mu.Unlock()

	if old != nil {
		old.logger.Info().Msg("replaced by newer connection")
		old.closeWith(websocket.CloseNormalClosure, "replaced")
	}
}

// Remove 连接结束时调用，不会误删同一用户的新连接。
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.conns[c.sessionID]; ok && cur == c {
		delete(h.conns, c.sessionID)
	}
	if c.userID != "" && h.byUser[c.userID] == c.sessionID {
		delete(h.byUser, c.userID)
	}
}

func (h *Hub) RememberChat(userID, chatID string) {
	if userID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastChat[userID] = chatID
}

func (h *Hub) LastChat(userID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastChat[userID]
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll 关闭所有连接，服务退出时使用。
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for sid, c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, sid)
	}
	h.byUser = make(map[string]string)
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
}
