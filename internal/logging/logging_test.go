package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevelDefaultsToInfoOnGarbage(t *testing.T) {
	if got := ParseLevel("not-a-level"); got != zapcore.InfoLevel {
		t.Fatalf("ParseLevel(garbage) = %v, want InfoLevel", got)
	}
	if got := ParseLevel("debug"); got != zapcore.DebugLevel {
		t.Fatalf("ParseLevel(debug) = %v, want DebugLevel", got)
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("console") != FormatConsole {
		t.Fatalf("ParseFormat(console) != FormatConsole")
	}
	if ParseFormat("json") != FormatJSON {
		t.Fatalf("ParseFormat(json) != FormatJSON")
	}
	if ParseFormat("") != FormatJSON {
		t.Fatalf("ParseFormat(\"\") should default to FormatJSON")
	}
}

func TestGetPanicsBeforeInitUnlessSafe(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Get(false) to panic before Init")
		}
	}()
	// This test assumes it runs before any other test in the package calls
	// Init; logging.Init uses sync.Once globally so ordering matters only
	// within this package's test binary.
	if IsInitialized() {
		t.Skip("logger already initialized by another test in this run")
	}
	if Get(true) == nil {
		t.Fatalf("expected Get(true) to return a no-op logger before Init")
	}
	Get(false)
}
