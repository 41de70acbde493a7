package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := New(tt.level).GetLevel(); got != tt.want {
				t.Errorf("New(%q) level = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	log.Info().Msg("test message")

	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("Expected output to contain 'test message', got: %s", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	retrieved := FromContext(ctx)
	retrieved.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("Expected log output from retrieved logger")
	}
}

func TestFromContext_DefaultLogger(t *testing.T) {
	log := FromContext(context.Background())
	if log.GetLevel() == zerolog.Disabled {
		t.Error("Expected default logger to be enabled")
	}
}

func TestWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := WithFields(NewWithWriter(buf), map[string]interface{}{
		"inbox_id": "inb-1",
		"score":    0.95,
	})
	log.Info().Msg("matched")

	out := buf.String()
	if !strings.Contains(out, `"inbox_id":"inb-1"`) || !strings.Contains(out, `"score":0.95`) {
		t.Errorf("Expected fields in output, got: %s", out)
	}
}

func TestComponentAndTeam(t *testing.T) {
	buf := &bytes.Buffer{}
	log := ForTeam(Component(NewWithWriter(buf), "reconcile"), "team-a")
	log.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"reconcile"`) || !strings.Contains(out, `"team_id":"team-a"`) {
		t.Errorf("Expected component and team fields, got: %s", out)
	}
}
