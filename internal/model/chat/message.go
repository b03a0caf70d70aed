package chat

// Message 提供给模型的历史消息，由已完成的 Turn 展开得到。
type Message struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// HistoryFromTurns 按时间顺序展开为 user/assistant 交替的消息。
func HistoryFromTurns(turns []Turn) []Message {
	messages := make([]Message, 0, len(turns)*2)
	for _, t := range turns {
		if t.InputText != "" {
			messages = append(messages, Message{Sender: SenderUser, Content: t.InputText})
		}
		if t.ResponseText != "" {
			messages = append(messages, Message{Sender: SenderAssistant, Content: t.ResponseText})
		}
	}
	return messages
}
