package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bloomware/voicechat/backend/internal/model/chat"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrChatRequired = errors.New("chat id is required")
)

// Store 对话与轮次的持久化。
type Store interface {
	CreateChat(ctx context.Context, userID string) (chat.Chat, error)
	GetChat(ctx context.Context, chatID string) (chat.Chat, error)
	SaveTurn(ctx context.Context, turn chat.Turn) error
	// ListTurns 按时间升序返回最近 limit 轮，limit<=0 表示全部。
	ListTurns(ctx context.Context, chatID string, limit int) ([]chat.Turn, error)
}

// Service 内存存储，未配置 DATABASE_URL 时使用。
type Service struct {
	mu    sync.RWMutex
	chats map[string]chat.Chat
	turns map[string][]chat.Turn
}

func NewService() *Service {
	return &Service{
		chats: make(map[string]chat.Chat),
		turns: make(map[string][]chat.Turn),
	}
}

// CreateChat 为用户新建一段对话。
func (s *Service) CreateChat(_ context.Context, userID string) (chat.Chat, error) {
	c := chat.Chat{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.chats[c.ID] = c
	s.turns[c.ID] = make([]chat.Turn, 0, 16)
	s.mu.Unlock()

	return c, nil
}

func (s *Service) GetChat(_ context.Context, chatID string) (chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return chat.Chat{}, ErrChatNotFound
	}
	return c, nil
}

// SaveTurn 追加一轮到对话末尾。
func (s *Service) SaveTurn(_ context.Context, turn chat.Turn) error {
	if turn.ChatID == "" {
		return ErrChatRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[turn.ChatID]; !ok {
		return ErrChatNotFound
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CompletedAt.IsZero() {
		turn.CompletedAt = time.Now().UTC()
	}

	turns := append(s.turns[turn.ChatID], turn)
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].StartedAt.Before(turns[j].StartedAt) })
	s.turns[turn.ChatID] = turns
	return nil
}

func (s *Service) ListTurns(_ context.Context, chatID string, limit int) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns, ok := s.turns[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}

// TurnLister 读取历史所需的最小接口。
type TurnLister interface {
	ListTurns(ctx context.Context, chatID string, limit int) ([]chat.Turn, error)
}

// History 最近 limit 轮展开为模型历史消息。
func History(ctx context.Context, store TurnLister, chatID string, limit int) ([]chat.Message, error) {
	if chatID == "" {
		return nil, nil
	}
	turns, err := store.ListTurns(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	return chat.HistoryFromTurns(turns), nil
}
