package plshare

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLoggerWithWriter(log.New(&buf, "", 0), "svc", LogLevelInfo)

	lg.DLogf("hidden debug detail")
	lg.ILogf("visible info")
	lg.ELogf("visible error")

	out := buf.String()
	if strings.Contains(out, "hidden debug detail") {
		t.Errorf("debug output leaked through an info-level logger: %q", out)
	}
	if !strings.Contains(out, "svc: visible info") {
		t.Errorf("info output missing or unprefixed: %q", out)
	}
	if !strings.Contains(out, "svc: visible error") {
		t.Errorf("error output missing: %q", out)
	}
}

func TestLoggerFork(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLoggerWithWriter(log.New(&buf, "", 0), "server", LogLevelDebug)
	sub := lg.Fork("conn %d", 3)

	if sub.Prefix() != "server: conn 3" {
		t.Errorf("fork prefix = %q, want %q", sub.Prefix(), "server: conn 3")
	}
	sub.DLogf("ready")
	if !strings.Contains(buf.String(), "server: conn 3: ready") {
		t.Errorf("forked output missing compound prefix: %q", buf.String())
	}
}

func TestLoggerErrorf(t *testing.T) {
	lg := NewLogger("unit", LogLevelError)
	err := lg.Errorf("bad state %d", 7)
	if err.Error() != "unit: bad state 7" {
		t.Errorf("Errorf = %q", err.Error())
	}
}

func TestStringToLogLevel(t *testing.T) {
	if StringToLogLevel("DEBUG") != LogLevelDebug {
		t.Error("level names should be case-insensitive")
	}
	if StringToLogLevel("nonsense") != LogLevelUnknown {
		t.Error("unknown names map to LogLevelUnknown")
	}
	if LogLevelWarning.String() != "warning" {
		t.Errorf("String() = %q", LogLevelWarning.String())
	}
}
