package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/model/chat"
)

// ErrEmptyResponse 模型返回了空文本。
var ErrEmptyResponse = errors.New("model returned empty response")

// GenerationError 回复生成失败。
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Config 生成器配置。
type Config struct {
	Timeout      time.Duration
	HistoryLimit int
}

// Request 一轮回复所需的输入。
type Request struct {
	Input    string
	History  []chat.Message
	Emotion  emotion.Fused
	CareMode bool
	Tool     *chat.ToolInvocation
	Env      string
	UserName string
}

// Response 生成结果。
type Response struct {
	Text  string
	Style chat.ResponseStyle
}

// Generator 基于 eino chain 的回复生成。
type Generator struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	prompts      *PromptManager
	timeout      time.Duration
	historyLimit int
	logger       zerolog.Logger
}

// NewGenerator chatModel 通常来自 config.AIConfig.NewChatModel。
func NewGenerator(ctx context.Context, chatModel model.BaseChatModel, cfg Config, logger zerolog.Logger) (*Generator, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 10
	}

	return &Generator{
		chain:        runnable,
		prompts:      NewPromptManager(),
		timeout:      timeout,
		historyLimit: historyLimit,
		logger:       logger,
	}, nil
}

// Generate 关怀模式使用 supportive 风格。
func (g *Generator) Generate(ctx context.Context, req Request) (Response, error) {
	style := chat.StyleStandard
	if req.CareMode {
		style = chat.StyleSupportive
	}

	input := map[string]any{
		"system": g.prompts.BuildSystemPrompt(PromptContext{
			Style:    style,
			Emotion:  req.Emotion,
			Tool:     req.Tool,
			Env:      req.Env,
			UserName: req.UserName,
		}),
		"history": g.buildHistoryMessages(req.History),
		"query":   req.Input,
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	started := time.Now()
	msg, err := g.chain.Invoke(callCtx, input)
	if err != nil {
		return Response{}, &GenerationError{Err: err}
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return Response{}, &GenerationError{Err: ErrEmptyResponse}
	}

	g.logger.Debug().
		Str("style", string(style)).
		Int("length", len(msg.Content)).
		Dur("took", time.Since(started)).
		Msg("generated response")
	return Response{Text: strings.TrimSpace(msg.Content), Style: style}, nil
}

func (g *Generator) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	start := max(len(messages)-g.historyLimit*2, 0)
	history := make([]*schema.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.SenderAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
