// Package logging is CCIndex's process-wide structured logger: a
// package-level zap.Logger behind sync.Once Init, JSON vs. console encoding
// switched by format, stderr sinks opened via zap.Open. No OpenTelemetry
// resource-tagging layer — nothing in this tree exports traces.
package logging

import (
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Format selects the zapcore encoder.
type Format int

const (
	// FormatJSON emits one JSON object per line, for log aggregation.
	FormatJSON Format = iota
	// FormatConsole emits a human-readable line, for local/dev runs.
	FormatConsole
)

var (
	devMode    bool
	instanceID string
	logger     *zap.Logger
	loggerInit sync.Once
)

// DevMode reports whether Init was called with development=true.
func DevMode() bool { return devMode }

// InstanceID is a process-unique id generated at Init time, attached to
// every log line once initialized in non-development mode.
func InstanceID() string { return instanceID }

// Get retrieves the initialized global logger. If safe is true and Init
// has not been called, it returns a no-op logger instead of panicking —
// library code that might run before main() calls Init should pass true.
func Get(safe bool) *zap.Logger {
	if logger == nil {
		if safe {
			return zap.NewNop()
		}
		panic("logging: Get called before Init")
	}
	return logger
}

// Init initializes the package logger. Subsequent calls are no-ops; the
// returned func flushes buffered log entries and should be deferred in
// main().
func Init(component string, level zapcore.Level, format Format, development bool) (sync func() error) {
	loggerInit.Do(func() {
		logger = build(component, level, format, development)
	})
	return logger.Sync
}

// IsInitialized reports whether Init has run.
func IsInitialized() bool { return logger != nil }

func build(component string, level zapcore.Level, format Format, development bool) *zap.Logger {
	devMode = development

	out, errOut, err := openStderrSinks()
	if err != nil {
		panic(err.Error())
	}

	options := []zap.Option{zap.ErrorOutput(errOut), zap.AddCaller()}
	if development {
		options = append(options, zap.Development())
	}

	l := zap.New(zapcore.NewCore(buildEncoder(format, development), out, level), options...)
	l = l.With(zap.String("component", component))

	if development {
		return l
	}

	instanceID = uuid.New().String()
	return l.With(zap.String("instance_id", instanceID))
}

func buildEncoder(format Format, development bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if development {
		cfg = zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if format == FormatConsole {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

// openStderrSinks mirrors zap's own config.go idiom for building distinct
// output/error write syncers against the same stream.
func openStderrSinks() (zapcore.WriteSyncer, zapcore.WriteSyncer, error) {
	out, closeOut, err := zap.Open("stderr")
	if err != nil {
		return nil, nil, err
	}
	errOut, _, err := zap.Open("stderr")
	if err != nil {
		closeOut()
		return nil, nil, err
	}
	return out, errOut, nil
}

// ParseLevel parses a level name ("debug", "info", "warn", "error") the
// way the orchestrator's --log-level flag expects, defaulting to Info on
// an unrecognized value rather than erroring — a bad flag value should
// degrade, not crash a long-running pipeline.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// ParseFormat parses a format name ("json", "console"), defaulting to
// FormatJSON.
func ParseFormat(s string) Format {
	if s == "console" {
		return FormatConsole
	}
	return FormatJSON
}

// FormatFromEnv resolves the log format from CCINDEX_LOG_FORMAT; an
// interactive terminal without the variable set defaults to console.
func FormatFromEnv() Format {
	if v := os.Getenv("CCINDEX_LOG_FORMAT"); v != "" {
		return ParseFormat(v)
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return FormatConsole
	}
	return FormatJSON
}
