package speech

// Options 单轮转写参数
type Options struct {
	SessionID  string `json:"sessionId"`
	TurnID     string `json:"turnId"`
	SampleRate int    `json:"sampleRate"` // 默认 16000
	Language   string `json:"language"`   // zh-CN, en-US, etc.
}

// Rate 返回有效采样率。
func (o Options) Rate() int {
	if o.SampleRate <= 0 {
		return 16000
	}
	return o.SampleRate
}
