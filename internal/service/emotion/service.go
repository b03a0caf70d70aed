package emotion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	analysis "github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/model/chat"
)

// Config 控制文本情绪分析服务的行为。
type Config struct {
	Enabled      bool
	HistoryLimit int
	Timeout      time.Duration
}

// Service 使用大模型对文本情绪进行分类，失败时回退到关键词规则。
type Service struct {
	enabled      bool
	classifier   compose.Runnable[map[string]any, *schema.Message]
	fallback     func(text string) analysis.Estimate
	historyLimit int
	timeout      time.Duration
	logger       zerolog.Logger
}

// NewService 创建情绪分析服务。chatModel 可重用现有的大模型实例。
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config, logger zerolog.Logger) (*Service, error) {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 6
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	svc := &Service{
		enabled:      cfg.Enabled && chatModel != nil,
		fallback:     analysis.Analyze,
		historyLimit: historyLimit,
		timeout:      timeout,
		logger:       logger,
	}

	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(emotionSystemPrompt),
		schema.UserMessage(emotionUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile emotion classifier chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回大模型分类是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// EstimateText 估计用户文本的情绪，任何失败都回退到规则结果，不会返回错误。
func (s *Service) EstimateText(ctx context.Context, history []chat.Message, text string) analysis.Estimate {
	if !s.Enabled() {
		return s.fallback(text)
	}

	input := map[string]any{
		"history":      formatHistory(history, s.historyLimit),
		"user_message": strings.TrimSpace(text),
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.classifier.Invoke(callCtx, input)
	if err != nil {
		s.logger.Warn().Err(err).Msg("emotion classifier invoke failed, use fallback")
		return s.fallback(text)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return s.fallback(text)
	}

	result, err := parseClassifierOutput(msg.Content)
	if err != nil {
		s.logger.Warn().Err(err).Msg("emotion classifier output parse failed, use fallback")
		return s.fallback(text)
	}

	label, ok := analysis.ParseLabel(result.Emotion)
	if !ok {
		return s.fallback(text)
	}

	confidence := result.Confidence
	if confidence <= 0 {
		confidence = 0.6
	}
	if confidence > 1 {
		confidence = 1
	}

	return analysis.Estimate{Label: label, Confidence: confidence, Source: analysis.SourceText}
}

// parseClassifierOutput 解析大模型返回的 JSON。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := sonic.UnmarshalString(trimmed[start:end+1], payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func formatHistory(messages []chat.Message, limit int) string {
	if len(messages) == 0 {
		return "无历史对话"
	}
	if limit < 1 {
		limit = 1
	}
	start := max(len(messages)-limit, 0)

	var builder strings.Builder
	for i := start; i < len(messages); i++ {
		msg := messages[i]
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		role := "用户"
		if msg.Sender == chat.SenderAssistant {
			role = "AI"
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(role)
		builder.WriteString(": ")
		builder.WriteString(content)
	}
	if builder.Len() == 0 {
		return "无历史对话"
	}
	return builder.String()
}

type classifierPayload struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

const emotionSystemPrompt = "你是一名情绪分析师。请阅读历史对话与用户最新输入，判断用户当前情绪。\n输出要求：只返回一个 JSON 对象，字段如下：emotion (必须是 neutral/happy/sad/angry/fear/surprise 之一)、confidence (0~1 之间的小数)。不得输出多余文本。"

const emotionUserPrompt = "最近对话：\n{history}\n\n用户最新输入：\n{user_message}\n\n请给出 JSON。"
