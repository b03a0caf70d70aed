package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/auth"
	"github.com/bloomware/voicechat/backend/internal/protocol"
	"github.com/bloomware/voicechat/backend/internal/session"
)

// TokenVerifier 连接令牌校验，失败时返回 *auth.Error。
type TokenVerifier interface {
	Verify(raw string) (auth.Identity, error)
}

// Config 连接层参数，零值字段使用默认值。
type Config struct {
	OutboundQueue     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64

	MaxAudioBytes int
	SpeakingHold  time.Duration
	Care          emotion.CareConfig
}

func (c Config) withDefaults() Config {
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		c.HeartbeatTimeout = c.HeartbeatInterval + 10*time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	return c
}

// Gateway WebSocket 入口：鉴权、建立会话、驱动读写。
type Gateway struct {
	verifier TokenVerifier
	deps     session.Deps
	cfg      Config
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func New(verifier TokenVerifier, deps session.Deps, cfg Config, hub *Hub, logger zerolog.Logger) *Gateway {
	if hub == nil {
		hub = NewHub()
	}
	return &Gateway{
		verifier: verifier,
		deps:     deps,
		cfg:      cfg.withDefaults(),
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

func (g *Gateway) RegisterRoutes(r chi.Router) {
	r.Get("/ws", g.ServeWS)
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

// ServeWS 鉴权失败也先升级，再用 4001-4003 关闭，便于客户端区分原因。
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	identity, verifyErr := g.verifier.Verify(token)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	if verifyErr != nil {
		code, reason := closeFor(verifyErr)
		g.logger.Info().Str("reason", reason).Str("remote", r.RemoteAddr).Msg("connection rejected")
		ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(controlWriteWait))
		ws.Close()
		return
	}

	g.serve(r.Context(), ws, identity)
}

func closeFor(err error) (int, string) {
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		return protocol.CloseTokenMalformed, string(auth.ReasonMalformed)
	}
	switch authErr.Reason {
	case auth.ReasonMissing:
		return protocol.CloseTokenMissing, string(authErr.Reason)
	case auth.ReasonExpired:
		return protocol.CloseTokenExpired, string(authErr.Reason)
	default:
		return protocol.CloseTokenMalformed, string(auth.ReasonMalformed)
	}
}

func (g *Gateway) serve(parent context.Context, ws *websocket.Conn, identity auth.Identity) {
	sessionID := uuid.NewString()
	logger := g.logger.With().Str("session_id", sessionID).Str("user_id", identity.UserID).Logger()

	c := newConn(ws, sessionID, identity.UserID, g.cfg, logger)
	g.hub.Add(c)
	defer g.hub.Remove(c)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	chatID := g.hub.LastChat(identity.UserID)
	machine := session.NewMachine(session.Config{
		SessionID:     sessionID,
		UserID:        identity.UserID,
		UserName:      identity.Name,
		ChatID:        chatID,
		MaxAudioBytes: g.cfg.MaxAudioBytes,
		SpeakingHold:  g.cfg.SpeakingHold,
		Care:          g.cfg.Care,
		OnChat: func(id string) {
			g.hub.RememberChat(identity.UserID, id)
		},
	}, g.deps, c, logger)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump(ctx)
	}()

	frames := make(chan protocol.Frame, 32)
	go c.readLoop(frames, g.cfg.MaxMessageBytes)

	logger.Info().Msg("session opened")
	c.Emit(protocol.System("connected", chatID))

	if err := machine.Run(ctx, frames); err != nil {
		logger.Error().Err(err).Msg("session ended with error")
	}

	cancel()
	<-pumpDone
	c.drain()
	c.closeWith(websocket.CloseNormalClosure, "")
}
