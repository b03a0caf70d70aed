package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/model/chat"
	"github.com/bloomware/voicechat/backend/internal/service/ai"
	"github.com/bloomware/voicechat/backend/internal/service/intent"
	"github.com/bloomware/voicechat/backend/internal/service/tools"
)

type stubEstimator struct{ est emotion.Estimate }

func (s stubEstimator) EstimateText(context.Context, []chat.Message, string) emotion.Estimate {
	return s.est
}

type spyClassifier struct {
	mu       sync.Mutex
	calls    int
	decision intent.Decision
	err      error
}

func (s *spyClassifier) Classify(context.Context, intent.Context) (intent.Decision, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.decision, s.err
}

type spyInvoker struct {
	calls int
	env   tools.Envelope
	err   error
}

func (s *spyInvoker) Invoke(context.Context, string, map[string]any) (tools.Envelope, error) {
	s.calls++
	return s.env, s.err
}

type fakeGenerator struct {
	got   ai.Request
	err   error
	block bool
}

func (f *fakeGenerator) Generate(ctx context.Context, req ai.Request) (ai.Response, error) {
	f.got = req
	if f.block {
		<-ctx.Done()
		return ai.Response{}, &ai.GenerationError{Err: ctx.Err()}
	}
	if f.err != nil {
		return ai.Response{}, f.err
	}
	style := chat.StyleStandard
	if req.CareMode {
		style = chat.StyleSupportive
	}
	return ai.Response{Text: "回覆：" + req.Input, Style: style}, nil
}

type memoryStore struct {
	mu    sync.Mutex
	saved []chat.Turn
	err   error
}

func (m *memoryStore) SaveTurn(_ context.Context, t chat.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, t)
	return nil
}

func (m *memoryStore) ListTurns(context.Context, string, int) ([]chat.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Turn(nil), m.saved...), nil
}

func neutralText() stubEstimator {
	return stubEstimator{est: emotion.Estimate{Label: emotion.Neutral, Confidence: 0.5, Source: emotion.SourceText}}
}

func newOrchestrator(deps Deps) *Orchestrator {
	if deps.Fuser == nil {
		deps.Fuser = emotion.NewFuser(emotion.FuserConfig{AudioAcceptThreshold: 0.6, CareThreshold: 0.6, TextWeight: 0.4, AudioWeight: 0.6})
	}
	return New(deps, Config{}, zerolog.Nop())
}

func TestRunWeatherToolCall(t *testing.T) {
	classifier := &spyClassifier{decision: intent.Decision{
		Kind:      intent.KindToolCall,
		ToolName:  "weather_query",
		Arguments: map[string]any{"city": "Taipei"},
	}}
	invoker := &spyInvoker{env: tools.Envelope{
		Success: true,
		Content: "Taipei：晴，氣溫 25.0°C",
		Data:    map[string]any{"city": "Taipei", "temperature": 25.0},
	}}
	gen := &fakeGenerator{}
	store := &memoryStore{}

	o := newOrchestrator(Deps{Emotion: neutralText(), Classifier: classifier, Tools: invoker, Generator: gen, Store: store})
	turn, err := o.Run(context.Background(), Request{SessionID: "s1", ChatID: "c1", Input: "台北天氣如何", Source: chat.SourceText})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if invoker.calls != 1 {
		t.Fatalf("expected one tool invocation, got %d", invoker.calls)
	}
	if !turn.ToolInvocation.Succeeded() || turn.ToolInvocation.Data["city"] != "Taipei" {
		t.Fatalf("unexpected tool invocation: %+v", turn.ToolInvocation)
	}
	if gen.got.Tool == nil || gen.got.Tool.Content == "" {
		t.Fatal("generator should receive the tool result")
	}
	if turn.ResponseStyle != chat.StyleStandard || turn.ResponseText == "" {
		t.Fatalf("unexpected response: %+v", turn)
	}
	if len(store.saved) != 1 || store.saved[0].ID != turn.ID {
		t.Fatalf("expected turn persisted, got %+v", store.saved)
	}
}

func TestRunCareModeSkipsClassifier(t *testing.T) {
	classifier := &spyClassifier{decision: intent.Decision{Kind: intent.KindToolCall, ToolName: "weather_query"}}
	invoker := &spyInvoker{}
	gen := &fakeGenerator{}
	care := emotion.NewCareTracker(emotion.CareConfig{TTL: time.Minute, Cooldown: time.Minute})

	o := newOrchestrator(Deps{
		Emotion:    stubEstimator{est: emotion.Estimate{Label: emotion.Sad, Confidence: 0.85, Source: emotion.SourceText}},
		Classifier: classifier,
		Tools:      invoker,
		Generator:  gen,
		Store:      &memoryStore{},
	})

	turn, err := o.Run(context.Background(), Request{ChatID: "c1", Input: "我好難過", Care: care})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if classifier.calls != 0 || invoker.calls != 0 {
		t.Fatalf("care mode must not classify or invoke tools (classify=%d invoke=%d)", classifier.calls, invoker.calls)
	}
	if !turn.Emotion.CareMode || turn.Emotion.Label != emotion.Sad {
		t.Fatalf("expected sad care mode, got %+v", turn.Emotion)
	}
	if turn.ResponseStyle != chat.StyleSupportive || !gen.got.CareMode {
		t.Fatalf("expected supportive style, got %s", turn.ResponseStyle)
	}
	if turn.ToolInvocation != nil {
		t.Fatalf("expected no tool invocation, got %+v", turn.ToolInvocation)
	}
}

func TestRunAudioEstimateParticipates(t *testing.T) {
	gen := &fakeGenerator{}
	o := newOrchestrator(Deps{Emotion: neutralText(), Generator: gen})

	audio := &emotion.Estimate{Label: emotion.Angry, Confidence: 0.9, Source: emotion.SourceAudio}
	turn, err := o.Run(context.Background(), Request{Input: "好啦", Source: chat.SourceAudio, Audio: audio})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !turn.Emotion.AudioUsed || turn.Emotion.Label != emotion.Angry {
		t.Fatalf("expected audio-driven angry, got %+v", turn.Emotion)
	}
}

func TestRunToolTimeoutStillResponds(t *testing.T) {
	classifier := &spyClassifier{decision: intent.Decision{Kind: intent.KindToolCall, ToolName: "weather_query", Arguments: map[string]any{"city": "Tokyo"}}}
	invoker := &spyInvoker{err: &tools.ToolError{Tool: "weather_query", Code: tools.CodeTimeout, Err: context.DeadlineExceeded}}
	store := &memoryStore{}

	o := newOrchestrator(Deps{Emotion: neutralText(), Classifier: classifier, Tools: invoker, Generator: &fakeGenerator{}, Store: store})
	turn, err := o.Run(context.Background(), Request{ChatID: "c1", Input: "東京天氣"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if turn.ToolInvocation == nil || turn.ToolInvocation.Succeeded() {
		t.Fatalf("expected failed tool invocation, got %+v", turn.ToolInvocation)
	}
	if turn.ToolInvocation.ErrorCode != "timeout" || turn.ToolInvocation.Data != nil {
		t.Fatalf("unexpected invocation record: %+v", turn.ToolInvocation)
	}
	if turn.ResponseText == "" || len(store.saved) != 1 {
		t.Fatal("expected a response and a persisted turn")
	}
}

func TestRunClassifierErrorTreatedAsNoTool(t *testing.T) {
	invoker := &spyInvoker{}
	o := newOrchestrator(Deps{
		Emotion:    neutralText(),
		Classifier: &spyClassifier{err: errors.New("timeout")},
		Tools:      invoker,
		Generator:  &fakeGenerator{},
	})

	turn, err := o.Run(context.Background(), Request{Input: "台北天氣"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if invoker.calls != 0 || turn.ToolInvocation != nil {
		t.Fatal("classifier error must not invoke tools")
	}
}

func TestRunGenerationError(t *testing.T) {
	store := &memoryStore{}
	o := newOrchestrator(Deps{
		Emotion:   neutralText(),
		Generator: &fakeGenerator{err: &ai.GenerationError{Err: ai.ErrEmptyResponse}},
		Store:     store,
	})

	_, err := o.Run(context.Background(), Request{ChatID: "c1", Input: "hi"})
	var genErr *ai.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatal("failed turn must not be persisted")
	}
}

func TestRunCancelledPersistsNothing(t *testing.T) {
	store := &memoryStore{}
	o := newOrchestrator(Deps{Emotion: neutralText(), Generator: &fakeGenerator{block: true}, Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := o.Run(ctx, Request{ChatID: "c1", Input: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatalf("expected nothing persisted, got %d", len(store.saved))
	}
}

func TestRunPersistFailureStillReturnsTurn(t *testing.T) {
	o := newOrchestrator(Deps{Emotion: neutralText(), Generator: &fakeGenerator{}, Store: &memoryStore{err: errors.New("db down")}})

	turn, err := o.Run(context.Background(), Request{ChatID: "c1", Input: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if turn.ResponseText == "" {
		t.Fatal("expected response despite persistence failure")
	}
}
