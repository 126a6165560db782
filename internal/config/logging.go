package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below debug and carries serialized payloads. -8 is
// the value other slog extensions use for trace.
const LevelTrace = slog.Level(-8)

var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a log_level setting to an [slog.Level]. Matching
// ignores case and surrounding space; empty means info.
//
// At info the log shows link and transport transitions, at debug one
// line per cycle, at trace every payload.
func ParseLogLevel(s string) (slog.Level, error) {
	if l, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// NewLogger returns a logger writing to w. format "json" selects
// [slog.JSONHandler], anything else [slog.TextHandler]. At trace level
// records also carry their source location.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level <= LevelTrace,
		ReplaceAttr: traceLevelName,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// traceLevelName prints LevelTrace as TRACE rather than DEBUG-4.
func traceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
