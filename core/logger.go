package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Log levels in ascending severity order.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ProductionLoggerConfig configures the production logger.
type ProductionLoggerConfig struct {
	// ServiceName appears in every entry under "service".
	ServiceName string

	// Level is the minimum level to emit. Default: INFO.
	Level string

	// Output defaults to os.Stdout.
	Output io.Writer

	// RatePerSecond caps info/warn/debug throughput. Error entries are
	// never dropped. Default: 1000.
	RatePerSecond int

	// AdaptiveLevel raises the minimum level to WARN while the limiter
	// is under sustained overflow.
	AdaptiveLevel bool

	// RedactPII rewrites emails and phone numbers in field values.
	// Default: true (disable only in tests).
	RedactPII *bool
}

// sustainedOverflow is how long continuous dropping must last before the
// adaptive level floor engages.
const sustainedOverflow = 30 * time.Second

// dropSummaryInterval caps drop-summary warnings to one per minute.
const dropSummaryInterval = time.Minute

// loggerState is the shared mutable state behind every component view of
// one ProductionLogger.
type loggerState struct {
	limiter        *rate.Limiter
	dropped        atomic.Int64
	lastSummary    atomic.Int64 // unix nanos of last drop summary
	overflowSince  atomic.Int64 // unix nanos when sustained overflow began
	adaptiveActive atomic.Bool

	mu     sync.Mutex
	output io.Writer
}

// ProductionLogger writes structured JSON log entries with per-second
// rate limiting and PII redaction. Error-level entries bypass the
// limiter; when lower-level entries are dropped, a single summary
// warning is emitted at most once per minute.
type ProductionLogger struct {
	config    ProductionLoggerConfig
	component string
	redact    bool
	state     *loggerState
}

// NewProductionLogger creates a logger with defaults applied.
func NewProductionLogger(config ProductionLoggerConfig) *ProductionLogger {
	if config.ServiceName == "" {
		config.ServiceName = "flowhook"
	}
	if config.Level == "" {
		config.Level = LevelInfo
	}
	config.Level = strings.ToUpper(config.Level)
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 1000
	}
	redact := true
	if config.RedactPII != nil {
		redact = *config.RedactPII
	}
	return &ProductionLogger{
		config: config,
		redact: redact,
		state: &loggerState{
			limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RatePerSecond),
			output:  config.Output,
		},
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{})  { l.log(LevelInfo, msg, fields) }
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{})  { l.log(LevelWarn, msg, fields) }
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) { l.log(LevelError, msg, fields) }
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) { l.log(LevelDebug, msg, fields) }

// WithComponent returns a logger view whose entries carry the component
// name. The rate limiter and output are shared with the parent.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		config:    l.config,
		component: component,
		redact:    l.redact,
		state:     l.state,
	}
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	// Error entries always go through; everything else pays the limiter.
	if level != LevelError {
		if !l.state.limiter.Allow() {
			l.recordDrop()
			return
		}
		l.clearOverflow()
	}

	l.write(level, msg, fields)
}

func (l *ProductionLogger) shouldLog(level string) bool {
	minLevel := l.config.Level
	if l.config.AdaptiveLevel && l.state.adaptiveActive.Load() && levelRank[minLevel] < levelRank[LevelWarn] {
		minLevel = LevelWarn
	}
	return levelRank[level] >= levelRank[minLevel]
}

// recordDrop counts a throttled entry and emits the once-per-minute
// summary warning. The summary itself bypasses the limiter.
func (l *ProductionLogger) recordDrop() {
	dropped := l.state.dropped.Add(1)

	now := time.Now().UnixNano()
	if since := l.state.overflowSince.Load(); since == 0 {
		l.state.overflowSince.CompareAndSwap(0, now)
	} else if l.config.AdaptiveLevel && now-since > int64(sustainedOverflow) {
		if l.state.adaptiveActive.CompareAndSwap(false, true) {
			l.write(LevelWarn, "Log volume overflow sustained, raising minimum level to WARN", map[string]interface{}{
				"operation":       "log_adaptive_level",
				"rate_per_second": l.config.RatePerSecond,
			})
		}
	}

	last := l.state.lastSummary.Load()
	if now-last >= int64(dropSummaryInterval) && l.state.lastSummary.CompareAndSwap(last, now) {
		l.write(LevelWarn, "Log entries dropped by rate limiter", map[string]interface{}{
			"operation":       "log_rate_limit_summary",
			"dropped_total":   dropped,
			"rate_per_second": l.config.RatePerSecond,
		})
	}
}

// clearOverflow resets the adaptive floor once entries flow again.
func (l *ProductionLogger) clearOverflow() {
	if l.state.overflowSince.Load() != 0 {
		l.state.overflowSince.Store(0)
		if l.state.adaptiveActive.CompareAndSwap(true, false) {
			l.write(LevelInfo, "Log volume recovered, restoring configured level", map[string]interface{}{
				"operation": "log_adaptive_level_restore",
				"level":     l.config.Level,
			})
		}
	}
}

func (l *ProductionLogger) write(level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"service":   l.config.ServiceName,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}

	if l.redact {
		fields = RedactFields(fields)
	}
	for k, v := range fields {
		if k == "timestamp" || k == "level" || k == "service" || k == "message" || k == "component" {
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fall back to a flat line rather than losing the entry.
		data = []byte(fmt.Sprintf(`{"level":%q,"message":%q,"marshal_error":%q}`, level, msg, err.Error()))
	}

	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	fmt.Fprintln(l.state.output, string(data))
}

// DroppedCount returns the number of throttled entries so far.
func (l *ProductionLogger) DroppedCount() int64 {
	return l.state.dropped.Load()
}

// Compile-time interface compliance checks
var (
	_ Logger               = (*ProductionLogger)(nil)
	_ ComponentAwareLogger = (*ProductionLogger)(nil)
	_ Logger               = (*NoOpLogger)(nil)
)
