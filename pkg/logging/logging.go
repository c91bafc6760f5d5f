package logging

import (
	"log/slog"
	"os"
	"strings"
)

var (
	level  = new(slog.LevelVar)
	root   = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	levels = map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
)

// Off is above every level slog emits.
const Off = slog.Level(64)

func init() {
	level.Set(parseLevel(os.Getenv("KVFS_LOG_LEVEL")))
	if os.Getenv("KVFS_DEBUG") != "" {
		level.Set(slog.LevelDebug)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none", "0":
		return Off
	case "info", "1":
		return slog.LevelInfo
	case "debug", "verbose", "2":
		return slog.LevelDebug
	}
	if l, ok := levels[strings.ToLower(s)]; ok {
		return l
	}
	return Off
}

// SetLevel accepts the same names as KVFS_LOG_LEVEL.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

// For returns a logger tagged with the component name.
func For(component string) *slog.Logger {
	return root.With("component", component)
}
