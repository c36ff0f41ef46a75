// Package logging provides the process-wide zerolog setup used by every
// other package in this module.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config controls the one-time global logger initialization.
type Config struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error", "fatal").
	Level string
	// Console selects the human-readable console writer instead of JSON.
	Console bool
	// DebugComponents raises just these components to debug level even when
	// Level is less verbose, mirroring CAMEL_DEBUG's category list.
	DebugComponents []string
}

var (
	once          sync.Once
	root          zerolog.Logger
	debugComps    map[string]bool
	debugCompsMu  sync.RWMutex
)

// Init configures the global logger. Safe to call once; later calls are
// ignored so packages that eagerly call WithComponent before Init runs
// still get a usable (default) logger.
func Init(cfg Config) {
	once.Do(func() {
		level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			level = zerolog.InfoLevel
		}
		if cfg.Console {
			root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
		} else {
			root = zerolog.New(os.Stderr).With().Timestamp().Logger()
		}
		root = root.Level(level)

		setDebugComponents(cfg.DebugComponents)
	})
}

func setDebugComponents(comps []string) {
	debugCompsMu.Lock()
	defer debugCompsMu.Unlock()
	debugComps = make(map[string]bool, len(comps))
	for _, c := range comps {
		debugComps[strings.ToLower(strings.TrimSpace(c))] = true
	}
}

// InitFromEnv reads CAMEL_DEBUG (comma-separated component names, e.g.
// "sqlite,vfolder") and sets those components to debug level regardless of
// the global level. Call after Init.
func InitFromEnv() {
	raw := os.Getenv("CAMEL_DEBUG")
	if raw == "" {
		return
	}
	setDebugComponents(strings.Split(raw, ","))
}

func isDebugComponent(name string) bool {
	debugCompsMu.RLock()
	defer debugCompsMu.RUnlock()
	return debugComps[name]
}

// WithComponent returns a logger tagged with "component"=name. If the
// component is named in CAMEL_DEBUG, its effective level is forced to
// debug even when the global level is higher.
func WithComponent(name string) zerolog.Logger {
	once.Do(func() {
		root = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
	l := root.With().Str("component", name).Logger()
	if isDebugComponent(name) {
		l = l.Level(zerolog.DebugLevel)
	}
	return l
}
