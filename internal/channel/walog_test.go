package channel

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestWALogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := newWALogger(base, "client", slog.LevelWarn)

	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warnf("warn %d", 3)
	l.Errorf("error %d", 4)

	out := buf.String()
	if strings.Contains(out, "debug 1") || strings.Contains(out, "info 2") {
		t.Errorf("records below warn should be dropped: %s", out)
	}
	if !strings.Contains(out, "warn 3") || !strings.Contains(out, "error 4") {
		t.Errorf("expected warn and error records: %s", out)
	}
	if !strings.Contains(out, "module=client") {
		t.Errorf("expected module attribute: %s", out)
	}
}

func TestWALogger_SubModule(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	l := newWALogger(base, "client", slog.LevelInfo).Sub("Socket")

	l.Infof("connected to %s", "web.whatsapp.com")

	out := buf.String()
	if !strings.Contains(out, "module=client/Socket") {
		t.Errorf("expected nested module name: %s", out)
	}
	if !strings.Contains(out, "connected to web.whatsapp.com") {
		t.Errorf("expected formatted message: %s", out)
	}
}

func TestWALogger_RespectsHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))
	l := newWALogger(base, "store", slog.LevelDebug)

	l.Warnf("should not appear")
	if buf.Len() != 0 {
		t.Errorf("handler level should still apply: %s", buf.String())
	}
}
