package protocol

import "github.com/bytedance/sonic"

// 下行事件类型
const (
	EventSystem          = "system"
	EventTyping          = "typing"
	EventSTTPartial      = "stt_partial"
	EventSTTDelta        = "stt_delta"
	EventSTTFinal        = "stt_final"
	EventBotMessage      = "bot_message"
	EventEmotionDetected = "emotion_detected"
	EventChatReady       = "chat_ready"
	EventError           = "error"
)

// 鉴权失败时的关闭码，与普通传输错误区分开。
const (
	CloseTokenMissing   = 4001
	CloseTokenExpired   = 4002
	CloseTokenMalformed = 4003
)

// Event 任何下行事件。
type Event interface {
	EventType() string
}

type SystemEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	ChatID  string `json:"chat_id,omitempty"`
}

type TypingEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TranscriptEvent stt_partial / stt_delta / stt_final 共用。
type TranscriptEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type BotMessageEvent struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	ToolName string `json:"tool_name,omitempty"`
	ToolData any    `json:"tool_data,omitempty"`
	CareMode bool   `json:"care_mode,omitempty"`
}

type EmotionEvent struct {
	Type     string `json:"type"`
	Emotion  string `json:"emotion"`
	CareMode bool   `json:"care_mode"`
}

type ChatReadyEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e SystemEvent) EventType() string     { return e.Type }
func (e TypingEvent) EventType() string     { return e.Type }
func (e TranscriptEvent) EventType() string { return e.Type }
func (e BotMessageEvent) EventType() string { return e.Type }
func (e EmotionEvent) EventType() string    { return e.Type }
func (e ChatReadyEvent) EventType() string  { return e.Type }
func (e ErrorEvent) EventType() string      { return e.Type }

func System(message, chatID string) SystemEvent {
	return SystemEvent{Type: EventSystem, Message: message, ChatID: chatID}
}

func Thinking() TypingEvent {
	return TypingEvent{Type: EventTyping, Message: "thinking"}
}

func STTPartial(text string) TranscriptEvent {
	return TranscriptEvent{Type: EventSTTPartial, Text: text}
}

func STTDelta(text string) TranscriptEvent {
	return TranscriptEvent{Type: EventSTTDelta, Text: text}
}

func STTFinal(text string) TranscriptEvent {
	return TranscriptEvent{Type: EventSTTFinal, Text: text}
}

func BotMessage(message, toolName string, toolData any, careMode bool) BotMessageEvent {
	return BotMessageEvent{Type: EventBotMessage, Message: message, ToolName: toolName, ToolData: toolData, CareMode: careMode}
}

func EmotionDetected(emotion string, careMode bool) EmotionEvent {
	return EmotionEvent{Type: EventEmotionDetected, Emotion: emotion, CareMode: careMode}
}

func ChatReady(chatID string) ChatReadyEvent {
	return ChatReadyEvent{Type: EventChatReady, ChatID: chatID}
}

func Error(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}

// EncodeEvent 序列化下行事件。
func EncodeEvent(e Event) ([]byte, error) {
	return sonic.Marshal(e)
}
