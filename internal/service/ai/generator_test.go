package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/bloomware/voicechat/backend/internal/analysis/emotion"
	"github.com/bloomware/voicechat/backend/internal/model/chat"
)

type recordingModel struct {
	got   []*schema.Message
	reply string
	err   error
}

func (m *recordingModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.got = input
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *recordingModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func (m *recordingModel) BindTools([]*schema.ToolInfo) error { return nil }

func newTestGenerator(t *testing.T, m *recordingModel, historyLimit int) *Generator {
	t.Helper()
	g, err := NewGenerator(context.Background(), m, Config{HistoryLimit: historyLimit}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerateStandard(t *testing.T) {
	m := &recordingModel{reply: " 台北現在晴天，25 度。 "}
	g := newTestGenerator(t, m, 10)

	resp, err := g.Generate(context.Background(), Request{
		Input: "台北天氣如何",
		Tool: &chat.ToolInvocation{
			ToolName: "weather_query",
			Content:  "Taipei：晴，氣溫 25.0°C，濕度 70%",
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "台北現在晴天，25 度。" || resp.Style != chat.StyleStandard {
		t.Fatalf("unexpected response: %+v", resp)
	}

	system := m.got[0].Content
	if !strings.Contains(system, "Taipei：晴") {
		t.Fatalf("expected tool result in system prompt, got %q", system)
	}
	if last := m.got[len(m.got)-1]; last.Role != schema.User || last.Content != "台北天氣如何" {
		t.Fatalf("unexpected user message: %+v", last)
	}
}

func TestGenerateSupportiveInCareMode(t *testing.T) {
	m := &recordingModel{reply: "聽見你說好難過，想聊聊嗎？"}
	g := newTestGenerator(t, m, 10)

	resp, err := g.Generate(context.Background(), Request{
		Input:    "我好難過",
		Emotion:  emotion.Fused{Label: emotion.Sad, Confidence: 0.8, CareMode: true},
		CareMode: true,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Style != chat.StyleSupportive {
		t.Fatalf("expected supportive style, got %s", resp.Style)
	}
	system := m.got[0].Content
	if !strings.Contains(system, "情緒關懷") || !strings.Contains(system, "用戶情緒：sad") {
		t.Fatalf("expected care prompt, got %q", system)
	}
}

func TestGenerateToolFailureNote(t *testing.T) {
	m := &recordingModel{reply: "抱歉，暫時查不到天氣。"}
	g := newTestGenerator(t, m, 10)

	_, err := g.Generate(context.Background(), Request{
		Input: "東京天氣",
		Tool:  &chat.ToolInvocation{ToolName: "weather_query", ErrorCode: "timeout", ErrorMessage: "工具调用超时"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(m.got[0].Content, "沒有成功") {
		t.Fatalf("expected failure note in system prompt, got %q", m.got[0].Content)
	}
}

func TestGenerateTrimsHistory(t *testing.T) {
	m := &recordingModel{reply: "ok"}
	g := newTestGenerator(t, m, 1)

	history := []chat.Message{
		{Sender: chat.SenderUser, Content: "old question"},
		{Sender: chat.SenderAssistant, Content: "old answer"},
		{Sender: chat.SenderUser, Content: "recent question"},
		{Sender: chat.SenderAssistant, Content: "recent answer"},
	}
	if _, err := g.Generate(context.Background(), Request{Input: "now", History: history}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// system + 1 轮历史 + 当前输入
	if len(m.got) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(m.got))
	}
	if m.got[1].Content != "recent question" {
		t.Fatalf("expected oldest turn trimmed, got %q", m.got[1].Content)
	}
}

func TestGenerateErrors(t *testing.T) {
	var genErr *GenerationError

	_, err := newTestGenerator(t, &recordingModel{reply: "   "}, 10).Generate(context.Background(), Request{Input: "hi"})
	if !errors.As(err, &genErr) || !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected empty-response GenerationError, got %v", err)
	}

	_, err = newTestGenerator(t, &recordingModel{err: errors.New("upstream 500")}, 10).Generate(context.Background(), Request{Input: "hi"})
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
}
