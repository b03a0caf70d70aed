package emotion

// FuserConfig 融合参数，零值字段使用默认值。
type FuserConfig struct {
	AudioAcceptThreshold float64
	CareThreshold        float64
	TextWeight           float64
	AudioWeight          float64
}

// Fused 每轮对话唯一的情绪结论。
type Fused struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
	CareMode   bool    `json:"care_mode"`
	AudioUsed  bool    `json:"audio_used"`
}

// Fuser 文本与语音情绪的双轨融合，纯函数，无内部状态。
type Fuser struct {
	cfg FuserConfig
}

func NewFuser(cfg FuserConfig) *Fuser {
	if cfg.AudioAcceptThreshold <= 0 {
		cfg.AudioAcceptThreshold = 0.6
	}
	if cfg.CareThreshold <= 0 {
		cfg.CareThreshold = 0.6
	}
	if cfg.TextWeight <= 0 {
		cfg.TextWeight = 0.4
	}
	if cfg.AudioWeight <= 0 {
		cfg.AudioWeight = 0.6
	}
	return &Fuser{cfg: cfg}
}

// NeutralResult 情绪阶段失败时的默认结论。
func NeutralResult() Fused {
	return Fused{Label: Neutral, Confidence: 0}
}

// Fuse 语音估计仅在置信度达到阈值时参与融合，否则只看文本。
// 平局时优先文本标签，其次按 Labels 顺序。
func (f *Fuser) Fuse(text Estimate, audio *Estimate) Fused {
	text = sanitize(text)

	scores := map[Label]float64{text.Label: text.Confidence * f.cfg.TextWeight}
	total := f.cfg.TextWeight

	audioUsed := false
	if audio != nil {
		a := sanitize(*audio)
		if a.Confidence >= f.cfg.AudioAcceptThreshold {
			scores[a.Label] += a.Confidence * f.cfg.AudioWeight
			total += f.cfg.AudioWeight
			audioUsed = true
		}
	}

	best, bestScore := text.Label, scores[text.Label]
	for _, label := range Labels {
		if scores[label] > bestScore {
			best, bestScore = label, scores[label]
		}
	}

	confidence := clamp01(bestScore / total)
	return Fused{
		Label:      best,
		Confidence: confidence,
		CareMode:   best.Negative() && confidence >= f.cfg.CareThreshold,
		AudioUsed:  audioUsed,
	}
}

func sanitize(e Estimate) Estimate {
	label, ok := ParseLabel(string(e.Label))
	if !ok {
		label = Neutral
	}
	e.Label = label
	e.Confidence = clamp01(e.Confidence)
	return e
}

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
