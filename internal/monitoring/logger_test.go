package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("listener %d", 27020)
	if got != "listener 27020" {
		t.Errorf("custom logger got %q", got)
	}

	// nil installs a no-op; must not panic
	SetLogger(nil)
	Logf("dropped")
}

func TestPrefixed(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	logf := Prefixed("osc:27020")
	logf("bad message from %s", "127.0.0.1")

	if len(lines) != 1 || lines[0] != "[osc:27020] bad message from 127.0.0.1" {
		t.Errorf("Prefixed output = %q", lines)
	}
}
