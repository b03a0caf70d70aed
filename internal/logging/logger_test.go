package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bloomware/voicechat/backend/internal/config"
)

func TestComponentLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	root := newWithWriter(config.LogConfig{Level: "debug", Format: "json"}, &buf)

	logger := Component(root, "gateway")
	logger.Info().Str("session_id", "s1").Msg("connected")

	out := buf.String()
	for _, want := range []string{`"component":"gateway"`, `"session_id":"s1"`, `"message":"connected"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	root := newWithWriter(config.LogConfig{Level: "chatty", Format: "json"}, &buf)

	root.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered, got %s", buf.String())
	}
}
