package speech

// EventKind 转写事件类型
type EventKind string

const (
	KindPartial EventKind = "partial" // 全量的中间结果
	KindDelta   EventKind = "delta"   // 增量片段
	KindFinal   EventKind = "final"
)

// TranscriptEvent 转写阶段输出的事件，Err 非空时为终止错误。
type TranscriptEvent struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text"`
	Err  error     `json:"-"`
}

// Terminal 是否为本轮最后一个事件。
func (e TranscriptEvent) Terminal() bool {
	return e.Err != nil || e.Kind == KindFinal
}
