package emotion

import (
	"strings"
	"sync"
	"time"
)

// CareConfig 关怀模式的存活与冷却时间。
type CareConfig struct {
	TTL             time.Duration
	Cooldown        time.Duration
	ReleaseKeywords []string
}

// DefaultReleaseKeywords 用户表示情绪好转的说法。
var DefaultReleaseKeywords = []string{
	"我沒事了", "我没事了", "沒事了", "没事了", "我好了", "好多了", "好一點了", "好一点了",
	"不用擔心", "不用担心", "別擔心我", "别担心我", "謝謝關心", "谢谢关心", "心情好多了", "安心了",
	"i'm fine", "i am fine", "i'm ok", "i'm okay", "i feel better", "feeling better",
	"much better", "all good", "no worries", "thank you", "thanks",
}

// CareTracker 单个会话内的关怀模式状态。进入后跨轮保持，
// 直到出现解除关键词、正面情绪或超过 TTL；退出后冷却期内不再进入持续状态，
// 但本轮融合结果达到阈值时该轮仍为关怀模式。
type CareTracker struct {
	mu        sync.Mutex
	cfg       CareConfig
	active    bool
	enteredAt time.Time
	exitedAt  time.Time
	now       func() time.Time
}

func NewCareTracker(cfg CareConfig) *CareTracker {
	if cfg.TTL <= 0 {
		cfg.TTL = 8 * time.Minute
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.ReleaseKeywords == nil {
		cfg.ReleaseKeywords = DefaultReleaseKeywords
	}
	return &CareTracker{cfg: cfg, now: time.Now}
}

// Observe 记录本轮融合结果与用户原话，返回本轮是否处于关怀模式。
// fused.CareMode 为真时结果恒为真。
func (c *CareTracker) Observe(fused Fused, utterance string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if c.active {
		switch {
		case now.Sub(c.enteredAt) >= c.cfg.TTL,
			c.released(utterance),
			!fused.Label.Negative():
			c.active = false
			c.exitedAt = now
		default:
			return true
		}
	}

	if !fused.CareMode {
		return false
	}
	if !c.exitedAt.IsZero() && now.Sub(c.exitedAt) < c.cfg.Cooldown {
		return true
	}

	c.active = true
	c.enteredAt = now
	return true
}

// Active 当前是否处于关怀模式。
func (c *CareTracker) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *CareTracker) released(utterance string) bool {
	normalized := strings.ToLower(strings.TrimSpace(utterance))
	if normalized == "" {
		return false
	}
	for _, kw := range c.cfg.ReleaseKeywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}
