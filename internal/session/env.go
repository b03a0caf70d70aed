package session

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bloomware/voicechat/backend/internal/protocol"
)

const (
	defaultMinDistanceM  = 100.0
	defaultMinHeadingDeg = 30.0
	earthRadiusM         = 6371000.0
)

// Env 当前会话的环境上下文，用于拼入提示词。
type Env struct {
	Lat        *float64
	Lon        *float64
	AccuracyM  *float64
	HeadingDeg *float64
	TZ         string
	Locale     string
	Device     string
	UpdatedAt  time.Time
}

func (e Env) hasPosition() bool {
	return e.Lat != nil && e.Lon != nil
}

// Describe 环境的提示词描述，无数据时返回空串。
func (e Env) Describe() string {
	var parts []string
	if e.hasPosition() {
		parts = append(parts, fmt.Sprintf("位置 %.5f,%.5f", *e.Lat, *e.Lon))
	}
	if e.HeadingDeg != nil {
		parts = append(parts, "朝向 "+headingCardinal(*e.HeadingDeg))
	}
	if e.TZ != "" {
		parts = append(parts, "时区 "+e.TZ)
	}
	if e.Locale != "" {
		parts = append(parts, "语言 "+e.Locale)
	}
	if e.Device != "" {
		parts = append(parts, "设备 "+e.Device)
	}
	return strings.Join(parts, "，")
}

// EnvTracker 环境快照节流：位移不足且朝向、时区、语言都没变时忽略。
type EnvTracker struct {
	minDistance float64
	minHeading  float64
	current     Env
	seen        bool
	now         func() time.Time
}

func NewEnvTracker() *EnvTracker {
	return &EnvTracker{minDistance: defaultMinDistanceM, minHeading: defaultMinHeadingDeg, now: time.Now}
}

// Update 返回快照是否被采纳。带 error 的快照只清空坐标。
func (t *EnvTracker) Update(snap *protocol.EnvSnapshot) bool {
	if snap == nil {
		return false
	}

	next := Env{
		Lat:        snap.Lat,
		Lon:        snap.Lon,
		AccuracyM:  snap.AccuracyM,
		HeadingDeg: snap.HeadingDeg,
		TZ:         snap.TZ,
		Locale:     snap.Locale,
		Device:     snap.Device,
	}
	if snap.Error != "" || !validCoordinates(next.Lat, next.Lon) {
		next.Lat, next.Lon, next.AccuracyM = nil, nil, nil
	}

	if t.seen && !t.changed(next) {
		return false
	}

	next.UpdatedAt = t.now()
	t.current = next
	t.seen = true
	return true
}

// Current 最近一次采纳的环境。
func (t *EnvTracker) Current() Env {
	return t.current
}

func (t *EnvTracker) changed(next Env) bool {
	prev := t.current
	if prev.TZ != next.TZ || prev.Locale != next.Locale {
		return true
	}
	if prev.hasPosition() != next.hasPosition() {
		return true
	}
	if next.hasPosition() && haversineM(*prev.Lat, *prev.Lon, *next.Lat, *next.Lon) >= t.minDistance {
		return true
	}
	if (prev.HeadingDeg == nil) != (next.HeadingDeg == nil) {
		return true
	}
	if next.HeadingDeg != nil {
		diff := math.Abs(*next.HeadingDeg - *prev.HeadingDeg)
		diff = math.Min(diff, 360-diff)
		return diff >= t.minHeading
	}
	return false
}

func validCoordinates(lat, lon *float64) bool {
	if lat == nil || lon == nil {
		return false
	}
	return *lat >= -90 && *lat <= 90 && *lon >= -180 && *lon <= 180
}

func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

var cardinals = []string{"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE", "S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW"}

func headingCardinal(deg float64) string {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return cardinals[int(deg/22.5+0.5)%len(cardinals)]
}
