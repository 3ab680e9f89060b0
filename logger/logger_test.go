package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace":   TRACE,
		"DEBUG":   DEBUG,
		" info ":  INFO,
		"warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, true)
	defer SetOutput(os.Stdout, false)

	prev := GetLevel()
	defer SetLevel(prev)
	SetLevel(WARN)

	Info("abc12345 Scanner", "should not appear")
	Warn("abc12345 Scanner", "link %s lost", "peer-1")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("INFO message leaked through WARN level: %s", out)
	}
	if !strings.Contains(out, "link peer-1 lost") {
		t.Errorf("WARN message missing: %s", out)
	}
	if !strings.Contains(out, "abc12345 Scanner") {
		t.Errorf("component prefix missing: %s", out)
	}
}

func TestToJSON(t *testing.T) {
	got := ToJSON(map[string]int{"rssi": -45})
	if !strings.Contains(got, `"rssi": -45`) {
		t.Errorf("ToJSON = %s", got)
	}
}
