package chat

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/auth"
	"github.com/bloomware/voicechat/backend/internal/model/chat"
	chatService "github.com/bloomware/voicechat/backend/internal/service/chat"
	"github.com/bloomware/voicechat/backend/pkg/utils"
)

const maxTurnsPerPage = 200

type TokenVerifier interface {
	Verify(raw string) (auth.Identity, error)
}

// TurnReader 只读的对话存储。
type TurnReader interface {
	GetChat(ctx context.Context, chatID string) (chat.Chat, error)
	ListTurns(ctx context.Context, chatID string, limit int) ([]chat.Turn, error)
}

// Handler 对话记录的HTTP处理器
type Handler struct {
	store    TurnReader
	verifier TokenVerifier
	logger   zerolog.Logger
}

// New 创建对话处理器
func New(store TurnReader, verifier TokenVerifier, logger zerolog.Logger) *Handler {
	return &Handler{store: store, verifier: verifier, logger: logger}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats/{chatID}/turns", h.handleListTurns)
}

type turnsResponse struct {
	ChatID string      `json:"chatId"`
	Turns  []chat.Turn `json:"turns"`
}

// handleListTurns 只允许对话的所有者读取
func (h *Handler) handleListTurns(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(auth.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		var authErr *auth.Error
		reason := string(auth.ReasonMalformed)
		if errors.As(err, &authErr) {
			reason = string(authErr.Reason)
		}
		utils.RespondError(w, http.StatusUnauthorized, reason)
		return
	}

	chatID := chi.URLParam(r, "chatID")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTurnsPerPage)
	}

	c, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, chatService.ErrChatNotFound) {
			utils.RespondError(w, http.StatusNotFound, "chat not found")
			return
		}
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("load chat failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	// 不暴露他人对话是否存在
	if c.UserID != identity.UserID {
		utils.RespondError(w, http.StatusNotFound, "chat not found")
		return
	}

	turns, err := h.store.ListTurns(r.Context(), chatID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("chat_id", chatID).Msg("list turns failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to load turns")
		return
	}
	if turns == nil {
		turns = []chat.Turn{}
	}
	utils.RespondJSON(w, http.StatusOK, turnsResponse{ChatID: chatID, Turns: turns})
}
