package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/model/chat"
	"github.com/bloomware/voicechat/backend/internal/service/ai"
	chatservice "github.com/bloomware/voicechat/backend/internal/service/chat"
	"github.com/bloomware/voicechat/backend/internal/service/intent"
	"github.com/bloomware/voicechat/backend/internal/service/tools"
)

// TextEstimator 文本情绪估计，失败时自行回退，不返回错误。
type TextEstimator interface {
	EstimateText(ctx context.Context, history []chat.Message, text string) emotion.Estimate
}

type IntentClassifier interface {
	Classify(ctx context.Context, in intent.Context) (intent.Decision, error)
}

type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (tools.Envelope, error)
}

type ResponseGenerator interface {
	Generate(ctx context.Context, req ai.Request) (ai.Response, error)
}

// TurnStore 轮次的读写。
type TurnStore interface {
	SaveTurn(ctx context.Context, turn chat.Turn) error
	ListTurns(ctx context.Context, chatID string, limit int) ([]chat.Turn, error)
}

// Deps 编排所需的协作方，均可被多个会话共享。
type Deps struct {
	Emotion    TextEstimator
	Fuser      *emotion.Fuser
	Classifier IntentClassifier
	Tools      ToolInvoker
	Generator  ResponseGenerator
	Store      TurnStore
}

// Config 编排配置。
type Config struct {
	HistoryLimit int
}

// Request 单轮输入。Care 为会话级的关怀状态，可为空。
type Request struct {
	TurnID    string
	SessionID string
	ChatID    string
	UserID    string
	UserName  string
	Input     string
	Source    chat.InputSource
	Audio     *emotion.Estimate
	Env       string
	Care      *emotion.CareTracker
	StartedAt time.Time
}

// Orchestrator 一轮对话：情绪融合 → 意图（关怀模式跳过）→ 工具 → 生成 → 持久化。
type Orchestrator struct {
	deps         Deps
	historyLimit int
	logger       zerolog.Logger
}

func New(deps Deps, cfg Config, logger zerolog.Logger) *Orchestrator {
	if deps.Fuser == nil {
		deps.Fuser = emotion.NewFuser(emotion.FuserConfig{})
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &Orchestrator{deps: deps, historyLimit: historyLimit, logger: logger}
}

// Run 返回的 Turn 已持久化（持久化失败仅记录日志）。ctx 取消时不持久化并返回 ctx 错误。
func (o *Orchestrator) Run(ctx context.Context, req Request) (chat.Turn, error) {
	turn := chat.Turn{
		ID:          req.TurnID,
		SessionID:   req.SessionID,
		ChatID:      req.ChatID,
		UserID:      req.UserID,
		InputText:   req.Input,
		InputSource: req.Source,
		StartedAt:   req.StartedAt,
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.StartedAt.IsZero() {
		turn.StartedAt = time.Now().UTC()
	}
	if turn.InputSource == "" {
		turn.InputSource = chat.SourceText
	}

	logger := o.logger.With().Str("turn_id", turn.ID).Str("chat_id", turn.ChatID).Logger()

	history := o.loadHistory(ctx, turn.ChatID, logger)

	turn.Emotion = o.fuse(ctx, history, req)
	careMode := turn.Emotion.CareMode

	if !careMode {
		turn.ToolInvocation = o.runTool(ctx, req, history, logger)
	} else {
		logger.Info().Str("emotion", string(turn.Emotion.Label)).Msg("care mode, skip intent classification")
	}

	if err := ctx.Err(); err != nil {
		return chat.Turn{}, err
	}

	resp, err := o.deps.Generator.Generate(ctx, ai.Request{
		Input:    req.Input,
		History:  history,
		Emotion:  turn.Emotion,
		CareMode: careMode,
		Tool:     turn.ToolInvocation,
		Env:      req.Env,
		UserName: req.UserName,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return chat.Turn{}, ctxErr
		}
		logger.Error().Err(err).Msg("response generation failed")
		return turn, err
	}
	turn.ResponseText = resp.Text
	turn.ResponseStyle = resp.Style
	turn.CompletedAt = time.Now().UTC()

	if err := ctx.Err(); err != nil {
		return chat.Turn{}, err
	}

	if o.deps.Store != nil {
		if err := o.deps.Store.SaveTurn(ctx, turn); err != nil {
			logger.Error().Err(err).Msg("persist turn failed")
		}
	}

	logger.Info().
		Str("emotion", string(turn.Emotion.Label)).
		Bool("care_mode", careMode).
		Bool("tool", turn.ToolInvocation != nil).
		Dur("took", turn.CompletedAt.Sub(turn.StartedAt)).
		Msg("turn completed")
	return turn, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, chatID string, logger zerolog.Logger) []chat.Message {
	if o.deps.Store == nil || chatID == "" {
		return nil
	}
	history, err := chatservice.History(ctx, o.deps.Store, chatID, o.historyLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("load history failed, continue without history")
		return nil
	}
	return history
}

func (o *Orchestrator) fuse(ctx context.Context, history []chat.Message, req Request) emotion.Fused {
	text := emotion.Estimate{Label: emotion.Neutral, Confidence: 0.5, Source: emotion.SourceText}
	if o.deps.Emotion != nil {
		text = o.deps.Emotion.EstimateText(ctx, history, req.Input)
	}

	fused := o.deps.Fuser.Fuse(text, req.Audio)
	if req.Care != nil {
		fused.CareMode = req.Care.Observe(fused, req.Input)
	}
	return fused
}

// runTool 分类失败按 no_tool 处理；工具失败记录在调用记录中，本轮继续。
func (o *Orchestrator) runTool(ctx context.Context, req Request, history []chat.Message, logger zerolog.Logger) *chat.ToolInvocation {
	if o.deps.Classifier == nil || o.deps.Tools == nil {
		return nil
	}

	decision, err := o.deps.Classifier.Classify(ctx, intent.Context{Input: req.Input, History: history, Env: req.Env})
	if err != nil {
		logger.Warn().Err(err).Msg("intent classification failed, treat as no_tool")
		return nil
	}
	if decision.Kind != intent.KindToolCall {
		return nil
	}

	inv := &chat.ToolInvocation{ToolName: decision.ToolName, Arguments: decision.Arguments}
	env, err := o.deps.Tools.Invoke(ctx, decision.ToolName, decision.Arguments)
	if err != nil {
		failure := tools.Failure(err)
		inv.ErrorCode = failure.Code
		inv.ErrorMessage = failure.Error

		var te *tools.ToolError
		if errors.As(err, &te) {
			logger.Warn().Err(err).Str("tool", decision.ToolName).Str("code", string(te.Code)).Msg("tool failed")
		} else {
			logger.Warn().Err(err).Str("tool", decision.ToolName).Msg("tool rejected")
		}
		return inv
	}

	inv.Content = env.Content
	inv.Data = env.Data
	return inv
}
