package session

import (
	"strings"
	"testing"

	"github.com/bloomware/voicechat/backend/internal/protocol"
)

func ptr(v float64) *float64 { return &v }

func snapshot(lat, lon float64) *protocol.EnvSnapshot {
	return &protocol.EnvSnapshot{Lat: ptr(lat), Lon: ptr(lon), TZ: "Asia/Taipei", Locale: "zh-TW", Device: "ios"}
}

func TestEnvTrackerThrottle(t *testing.T) {
	tr := NewEnvTracker()

	if !tr.Update(snapshot(25.0330, 121.5654)) {
		t.Fatal("first snapshot should be accepted")
	}
	// 约 30 m
	if tr.Update(snapshot(25.0333, 121.5654)) {
		t.Fatal("small move should be throttled")
	}
	// 约 550 m
	if !tr.Update(snapshot(25.0380, 121.5654)) {
		t.Fatal("move beyond 100 m should be accepted")
	}

	changed := snapshot(25.0380, 121.5654)
	changed.Locale = "en-US"
	if !tr.Update(changed) {
		t.Fatal("locale change should be accepted")
	}
}

func TestEnvTrackerHeadingChange(t *testing.T) {
	tr := NewEnvTracker()
	s := snapshot(25.0330, 121.5654)
	s.HeadingDeg = ptr(350)
	tr.Update(s)

	s2 := snapshot(25.0330, 121.5654)
	s2.HeadingDeg = ptr(10)
	if tr.Update(s2) {
		t.Fatal("20 degree turn across north should be throttled")
	}

	s3 := snapshot(25.0330, 121.5654)
	s3.HeadingDeg = ptr(90)
	if !tr.Update(s3) {
		t.Fatal("large heading change should be accepted")
	}
}

func TestEnvTrackerErrorClearsCoordinates(t *testing.T) {
	tr := NewEnvTracker()
	tr.Update(snapshot(25.0330, 121.5654))

	failed := snapshot(25.0330, 121.5654)
	failed.Error = "permission denied"
	if !tr.Update(failed) {
		t.Fatal("losing position should be accepted")
	}
	if cur := tr.Current(); cur.Lat != nil || cur.Lon != nil || cur.TZ != "Asia/Taipei" {
		t.Fatalf("expected coordinates cleared and tz kept, got %+v", cur)
	}
}

func TestEnvDescribe(t *testing.T) {
	tr := NewEnvTracker()
	if tr.Current().Describe() != "" {
		t.Fatal("expected empty description before any snapshot")
	}
	s := snapshot(25.0330, 121.5654)
	s.HeadingDeg = ptr(92)
	tr.Update(s)

	desc := tr.Current().Describe()
	for _, want := range []string{"25.03300", "朝向 E", "Asia/Taipei", "zh-TW"} {
		if !strings.Contains(desc, want) {
			t.Fatalf("expected %q in %q", want, desc)
		}
	}
}

func TestHaversine(t *testing.T) {
	// 台北 101 到台北车站约 5 km
	d := haversineM(25.0339, 121.5645, 25.0478, 121.5170)
	if d < 4500 || d > 5300 {
		t.Fatalf("unexpected distance %.0f", d)
	}
}
