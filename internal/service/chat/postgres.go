package chat

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/model/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore 基于 pgxpool 的持久化存储。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres 建立连接池并执行迁移。
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CreateChat(ctx context.Context, userID string) (chat.Chat, error) {
	c := chat.Chat{ID: uuid.NewString(), UserID: userID, CreatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, user_id, created_at) VALUES ($1, $2, $3)`,
		c.ID, c.UserID, c.CreatedAt)
	if err != nil {
		return chat.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (chat.Chat, error) {
	if _, err := uuid.Parse(chatID); err != nil {
		return chat.Chat{}, ErrChatNotFound
	}

	var c chat.Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, user_id, title, created_at FROM chats WHERE id = $1`, chatID).
		Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return chat.Chat{}, fmt.Errorf("select chat: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, turn chat.Turn) error {
	if turn.ChatID == "" {
		return ErrChatRequired
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CompletedAt.IsZero() {
		turn.CompletedAt = time.Now().UTC()
	}

	emotionJSON, err := sonic.Marshal(turn.Emotion)
	if err != nil {
		return fmt.Errorf("encode emotion: %w", err)
	}
	var toolJSON []byte
	if turn.ToolInvocation != nil {
		if toolJSON, err = sonic.Marshal(turn.ToolInvocation); err != nil {
			return fmt.Errorf("encode tool invocation: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO turns (id, chat_id, session_id, user_id, input_text, input_source, emotion,
			tool_invocation, response_text, response_style, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		turn.ID, turn.ChatID, turn.SessionID, turn.UserID, turn.InputText, string(turn.InputSource),
		emotionJSON, toolJSON, turn.ResponseText, string(turn.ResponseStyle), turn.StartedAt, turn.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, chatID string, limit int) ([]chat.Turn, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1 << 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT id::text, chat_id::text, session_id, user_id, input_text, input_source, emotion,
				tool_invocation, response_text, response_style, started_at, completed_at
			FROM turns WHERE chat_id = $1
			ORDER BY started_at DESC
			LIMIT $2
		) recent ORDER BY started_at ASC`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("select turns: %w", err)
	}
	defer rows.Close()

	var turns []chat.Turn
	for rows.Next() {
		var (
			t                   chat.Turn
			source, style       string
			emotionJSON, toolJS []byte
		)
		if err := rows.Scan(&t.ID, &t.ChatID, &t.SessionID, &t.UserID, &t.InputText, &source, &emotionJSON,
			&toolJS, &t.ResponseText, &style, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.InputSource = chat.InputSource(source)
		t.ResponseStyle = chat.ResponseStyle(style)

		var fused emotion.Fused
		if err := sonic.Unmarshal(emotionJSON, &fused); err != nil {
			return nil, fmt.Errorf("decode emotion: %w", err)
		}
		t.Emotion = fused
		if len(toolJS) > 0 {
			t.ToolInvocation = &chat.ToolInvocation{}
			if err := sonic.Unmarshal(toolJS, t.ToolInvocation); err != nil {
				return nil, fmt.Errorf("decode tool invocation: %w", err)
			}
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
