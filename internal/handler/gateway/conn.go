package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/protocol"
)

const (
	closeReasonBackpressure = "backpressure"
	controlWriteWait        = time.Second
)

// Conn 一条已鉴权的 WebSocket 连接。写操作只在 writePump 中进行，
// 其他 goroutine 通过有界队列投递事件。
type Conn struct {
	ws        *websocket.Conn
	sessionID string
	userID    string
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newConn(ws *websocket.Conn, sessionID, userID string, cfg Config, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:           ws,
		sessionID:    sessionID,
		userID:       userID,
		out:          make(chan []byte, cfg.OutboundQueue),
		closed:       make(chan struct{}),
		logger:       logger,
		pingInterval: cfg.HeartbeatInterval,
		readTimeout:  cfg.HeartbeatTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Emit 非阻塞投递；队列满说明对端读得太慢，直接断开。
func (c *Conn) Emit(event protocol.Event) {
	select {
	case <-c.closed:
		return
	default:
	}

	data, err := protocol.EncodeEvent(event)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event.EventType()).Msg("encode event failed")
		return
	}

	select {
	case c.out <- data:
	default:
		c.logger.Warn().Int("queue", cap(c.out)).Msg("outbound queue full, closing")
		go c.closeWith(websocket.ClosePolicyViolation, closeReasonBackpressure)
	}
}

// closeWith 发送关闭帧后断开，可重复调用。code 为 0 时不发关闭帧。
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if code == 0 {
			c.ws.Close()
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait)); err != nil {
			c.logger.Debug().Err(err).Msg("write close frame failed")
		}
		c.ws.Close()
	})
}

// readLoop 读取并解码上行帧，退出时关闭 frames。
func (c *Conn) readLoop(frames chan<- protocol.Frame, maxMessage int64) {
	defer close(frames)

	if maxMessage > 0 {
		c.ws.SetReadLimit(maxMessage)
	}
	c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				select {
				case <-c.closed:
				default:
					c.logger.Warn().Err(err).Msg("read failed")
				}
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("malformed frame")
			c.Emit(protocol.Error("无法解析的消息"))
			continue
		}

		select {
		case frames <- frame:
		case <-c.closed:
			return
		}
	}
}

// writePump 唯一的写者：排空下行队列并定时发送 ping。
func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.closeWith(0, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.closeWith(0, "")
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain 正常结束前尽量把剩余事件写出去。
func (c *Conn) drain() {
	for {
		select {
		case data := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
