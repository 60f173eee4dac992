// Package logging provides categorized subsystem logging for clawd.
// Each core component logs under its own category so that a single
// noisy subsystem (the scheduler tick, say) can be silenced without
// losing pipeline or store logs. Output is handled by zap.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // startup and wiring
	CategoryKernel   Category = "kernel"   // inbound message dispatch
	CategoryStore    Category = "store"    // sqlite store operations
	CategorySkills   Category = "skills"   // skill runtime and loader
	CategoryRouter   Category = "router"   // NL routing decisions
	CategorySched    Category = "sched"    // scheduler ticks and job fires
	CategoryPipeline Category = "pipeline" // orchestrator stages
	CategoryChats    Category = "chats"    // chat registry and fan-out
	CategoryCost     Category = "cost"     // cost tracking
	CategoryAdapters Category = "adapters" // external adapter calls
	CategoryWebhook  Category = "webhook"  // source-control event ingress
)

// Options controls logger construction.
type Options struct {
	Level      string          // debug, info, warn, error
	JSONFormat bool            // structured JSON instead of console output
	Categories map[string]bool // per-category enablement; empty means all enabled
}

// Logger wraps a zap sugared logger with a category and enablement check.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	enabled  bool
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*Logger)
	root    *zap.SugaredLogger
	opts    Options
)

// Initialize builds the zap backend. Safe to call more than once; later
// calls replace the backend (used by tests and the nl-set live tuning path).
func Initialize(o Options) error {
	level, err := parseLevel(o.Level)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if o.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)

	mu.Lock()
	defer mu.Unlock()
	root = zap.New(core).Sugar()
	opts = o
	loggers = make(map[Category]*Logger)
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	if root == nil {
		// Fallback for code paths that log before Initialize (tests mostly).
		root = zap.NewNop().Sugar()
	}
	enabled := true
	if len(opts.Categories) > 0 {
		enabled = opts.Categories[string(cat)]
	}
	l := &Logger{
		category: cat,
		sugar:    root.Named(string(cat)),
		enabled:  enabled,
	}
	loggers[cat] = l
	return l
}

// Debug logs at debug level with printf formatting.
func (l *Logger) Debug(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs at info level with printf formatting.
func (l *Logger) Info(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs at warn level with printf formatting.
func (l *Logger) Warn(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs at error level with printf formatting.
func (l *Logger) Error(format string, args ...any) {
	if !l.enabled {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying an extra key/value pair on every entry.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{
		category: l.category,
		sugar:    l.sugar.With(key, value),
		enabled:  l.enabled,
	}
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Convenience functions for the most chatty categories, matching the
// call sites' preference for logging.Kernel(...) over
// logging.Get(logging.CategoryKernel).Info(...).

// Kernel logs an info message under the kernel category.
func Kernel(format string, args ...any) { Get(CategoryKernel).Info(format, args...) }

// KernelDebug logs a debug message under the kernel category.
func KernelDebug(format string, args ...any) { Get(CategoryKernel).Debug(format, args...) }

// Store logs an info message under the store category.
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs a debug message under the store category.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// Skills logs an info message under the skills category.
func Skills(format string, args ...any) { Get(CategorySkills).Info(format, args...) }

// SkillsDebug logs a debug message under the skills category.
func SkillsDebug(format string, args ...any) { Get(CategorySkills).Debug(format, args...) }

// Router logs an info message under the router category.
func Router(format string, args ...any) { Get(CategoryRouter).Info(format, args...) }

// RouterDebug logs a debug message under the router category.
func RouterDebug(format string, args ...any) { Get(CategoryRouter).Debug(format, args...) }

// Sched logs an info message under the sched category.
func Sched(format string, args ...any) { Get(CategorySched).Info(format, args...) }

// SchedDebug logs a debug message under the sched category.
func SchedDebug(format string, args ...any) { Get(CategorySched).Debug(format, args...) }

// Pipeline logs an info message under the pipeline category.
func Pipeline(format string, args ...any) { Get(CategoryPipeline).Info(format, args...) }

// PipelineDebug logs a debug message under the pipeline category.
func PipelineDebug(format string, args ...any) { Get(CategoryPipeline).Debug(format, args...) }
