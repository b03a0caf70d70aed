package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/model/chat"
)

// Kind 意图分类结果。
type Kind string

const (
	KindNoTool   Kind = "no_tool"
	KindToolCall Kind = "tool_call"
)

// Decision 分类结果；Kind 为 tool_call 时 ToolName 与 Arguments 已通过工具校验。
type Decision struct {
	Kind      Kind           `json:"kind"`
	ToolName  string         `json:"toolName,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// NoTool 默认结果。
func NoTool() Decision {
	return Decision{Kind: KindNoTool}
}

// Context 分类所需的上下文。
type Context struct {
	Input   string
	History []chat.Message
	Env     string
}

// ToolCatalog 提供工具定义与参数校验。
type ToolCatalog interface {
	ToolInfos() []*schema.ToolInfo
	Validate(name string, args map[string]any) error
}

// Config 分类器配置。
type Config struct {
	Timeout      time.Duration
	CacheTTL     time.Duration
	HistoryLimit int
}

// Classifier 通过模型的工具调用能力判断是否需要调用工具，任何不确定都偏向 no_tool。
type Classifier struct {
	model        model.BaseChatModel
	tools        ToolCatalog
	cache        Cache
	timeout      time.Duration
	cacheTTL     time.Duration
	historyLimit int
	logger       zerolog.Logger
}

func NewClassifier(chatModel model.BaseChatModel, tools ToolCatalog, cache Cache, cfg Config, logger zerolog.Logger) *Classifier {
	if cache == nil {
		cache = NoopCache{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 6
	}
	return &Classifier{
		model:        chatModel,
		tools:        tools,
		cache:        cache,
		timeout:      timeout,
		cacheTTL:     cfg.CacheTTL,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// Classify 返回错误时调用方按 no_tool 处理。
func (c *Classifier) Classify(ctx context.Context, in Context) (Decision, error) {
	input := strings.TrimSpace(in.Input)
	if input == "" {
		return NoTool(), nil
	}

	infos := c.tools.ToolInfos()
	if len(infos) == 0 {
		return NoTool(), nil
	}

	// 只有无历史的单句输入才可缓存，否则上下文会影响结果
	cacheKey := ""
	if len(in.History) == 0 && c.cacheTTL > 0 {
		cacheKey = cacheKeyFor(input, in.Env)
		if d, ok, err := c.cache.Get(ctx, cacheKey); err != nil {
			c.logger.Warn().Err(err).Msg("intent cache get failed")
		} else if ok {
			c.logger.Debug().Str("kind", string(d.Kind)).Msg("intent cache hit")
			return d, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.model.Generate(callCtx, c.buildMessages(in), model.WithTools(infos))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return NoTool(), fmt.Errorf("intent classification timed out: %w", err)
		}
		return NoTool(), fmt.Errorf("intent classification failed: %w", err)
	}

	decision := c.decide(msg)
	if cacheKey != "" {
		if err := c.cache.Set(ctx, cacheKey, decision, c.cacheTTL); err != nil {
			c.logger.Warn().Err(err).Msg("intent cache set failed")
		}
	}
	return decision, nil
}

func (c *Classifier) decide(msg *schema.Message) Decision {
	if msg == nil || len(msg.ToolCalls) == 0 {
		return NoTool()
	}

	first := msg.ToolCalls[0].Function
	for _, call := range msg.ToolCalls[1:] {
		if call.Function.Name != first.Name {
			c.logger.Info().Int("calls", len(msg.ToolCalls)).Msg("multiple distinct tool calls, fall back to no_tool")
			return NoTool()
		}
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(first.Arguments); raw != "" {
		if err := sonic.UnmarshalString(raw, &args); err != nil {
			c.logger.Info().Err(err).Str("tool", first.Name).Msg("unparsable tool arguments, fall back to no_tool")
			return NoTool()
		}
	}

	if err := c.tools.Validate(first.Name, args); err != nil {
		c.logger.Info().Err(err).Str("tool", first.Name).Msg("tool call rejected, fall back to no_tool")
		return NoTool()
	}

	return Decision{Kind: KindToolCall, ToolName: first.Name, Arguments: args}
}

func (c *Classifier) buildMessages(in Context) []*schema.Message {
	system := classifierSystemPrompt
	if env := strings.TrimSpace(in.Env); env != "" {
		system += "\n\n使用者環境：" + env
	}

	messages := []*schema.Message{schema.SystemMessage(system)}
	history := in.History
	if len(history) > c.historyLimit {
		history = history[len(history)-c.historyLimit:]
	}
	for _, m := range history {
		switch m.Sender {
		case chat.SenderUser:
			messages = append(messages, schema.UserMessage(m.Content))
		case chat.SenderAssistant:
			messages = append(messages, schema.AssistantMessage(m.Content, nil))
		}
	}
	return append(messages, schema.UserMessage(strings.TrimSpace(in.Input)))
}

// 环境描述会进入系统提示词，工具参数随之变化，必须参与缓存键
func cacheKeyFor(input, env string) string {
	return normalizeInput(input) + "\x00" + strings.TrimSpace(env)
}

func normalizeInput(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, "?？!！。.～~ ")
}

const classifierSystemPrompt = `你是意圖判斷器。只有當使用者明確要求查詢即時資料（例如天氣、時間）時才呼叫對應工具，並且只呼叫一個工具。
閒聊、情緒表達、問候或一般知識問題都不要呼叫工具，直接回覆一個字「無」。
工具參數必須符合定義，城市名稱使用英文。`
