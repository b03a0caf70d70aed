package chat

import (
	"time"

	"github.com/bloomware/voicechat/backend/internal/analysis/emotion"
)

// InputSource 本轮输入来自语音还是文字。
type InputSource string

const (
	SourceText  InputSource = "text"
	SourceAudio InputSource = "audio"
)

// ResponseStyle 回复风格，关怀模式下为 supportive。
type ResponseStyle string

const (
	StyleStandard   ResponseStyle = "standard"
	StyleSupportive ResponseStyle = "supportive"
)

// ToolInvocation 本轮的工具调用记录，失败时 ErrorCode 非空。
type ToolInvocation struct {
	ToolName     string         `json:"toolName"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Content      string         `json:"content,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// Succeeded 工具是否成功返回并通过输出校验。
func (t *ToolInvocation) Succeeded() bool {
	return t != nil && t.ErrorCode == ""
}

// Turn 一次完整的问答，发出后不再修改。
type Turn struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"sessionId"`
	ChatID         string          `json:"chatId"`
	UserID         string          `json:"userId,omitempty"`
	InputText      string          `json:"inputText"`
	InputSource    InputSource     `json:"inputSource"`
	Emotion        emotion.Fused   `json:"emotion"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
	ResponseText   string          `json:"responseText"`
	ResponseStyle  ResponseStyle   `json:"responseStyle"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    time.Time       `json:"completedAt"`
}
