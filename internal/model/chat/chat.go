package chat

import "time"

// Chat 一段对话，多轮 Turn 挂在同一个 chat 下。
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
