package emotion

import (
	"strings"
)

// Label 固定的六类情绪标签。
type Label string

const (
	Neutral  Label = "neutral"
	Happy    Label = "happy"
	Sad      Label = "sad"
	Angry    Label = "angry"
	Fear     Label = "fear"
	Surprise Label = "surprise"
)

// Labels 固定顺序，融合时用于打破平局。
var Labels = []Label{Neutral, Happy, Sad, Angry, Fear, Surprise}

// ParseLabel 宽松解析模型或外部服务返回的标签。
func ParseLabel(raw string) (Label, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "neutral", "calm":
		return Neutral, true
	case "happy", "joy":
		return Happy, true
	case "sad", "sadness":
		return Sad, true
	case "angry", "anger":
		return Angry, true
	case "fear", "fearful", "afraid":
		return Fear, true
	case "surprise", "surprised":
		return Surprise, true
	default:
		return "", false
	}
}

// Negative 高强度负面情绪，可触发关怀模式。
func (l Label) Negative() bool {
	return l == Sad || l == Angry || l == Fear
}

// Source 估计值来源。
type Source string

const (
	SourceText  Source = "text"
	SourceAudio Source = "audio"
)

// Estimate 单一来源的情绪估计。
type Estimate struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

var keywordBuckets = map[Label][]string{
	Happy: {
		"開心", "开心", "高興", "高兴", "快樂", "快乐", "太好了", "太棒了", "好耶", "哈哈", "喜歡", "喜欢", "滿意",
		"happy", "great", "awesome", "amazing", "love", "glad", "yay",
	},
	Sad: {
		"難過", "难过", "傷心", "伤心", "失落", "沮喪", "沮丧", "心情不好", "想哭", "哭", "寂寞", "孤單", "孤单", "心碎", "低落", "委屈",
		"sad", "unhappy", "depressed", "cry", "lonely", "heartbroken", "upset", "down",
	},
	Angry: {
		"生氣", "生气", "憤怒", "愤怒", "火大", "氣死", "气死", "煩死", "烦死", "受夠了", "受够了", "抓狂", "討厭", "讨厌",
		"angry", "furious", "mad", "annoyed", "pissed", "hate",
	},
	Fear: {
		"害怕", "好怕", "恐懼", "恐惧", "擔心", "担心", "緊張", "紧张", "不安", "焦慮", "焦虑", "怎麼辦", "怎么办",
		"scared", "afraid", "fear", "worried", "anxious", "panic", "nervous",
	},
	Surprise: {
		"驚訝", "惊讶", "真的假的", "什麼！", "什么！", "沒想到", "没想到", "居然", "竟然", "哇",
		"wow", "surprised", "no way", "unbelievable", "omg",
	},
}

// Analyze 基于关键词的文本情绪估计，作为模型不可用时的兜底。
func Analyze(text string) Estimate {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Estimate{Label: Neutral, Confidence: 0.5, Source: SourceText}
	}

	hits := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, strings.ToLower(word)) {
				hits[label]++
			}
		}
	}

	if n := strings.Count(text, "!") + strings.Count(text, "！"); n > 0 && hits[Surprise] > 0 {
		hits[Surprise]++
	}

	best, bestHits := Neutral, 0
	for _, label := range Labels {
		if hits[label] > bestHits {
			best, bestHits = label, hits[label]
		}
	}

	if bestHits == 0 {
		return Estimate{Label: Neutral, Confidence: 0.5, Source: SourceText}
	}

	// 命中越多越确定，上限 0.9，留给模型判断更高的置信度。
	confidence := 0.55 + 0.15*float64(bestHits-1)
	if confidence > 0.9 {
		confidence = 0.9
	}
	return Estimate{Label: best, Confidence: confidence, Source: SourceText}
}
