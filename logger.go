package edgeguard

import (
	"sync"
	"time"

	"github.com/oarkflow/log"
)

// NewLogger builds the process logger. Level accepts the usual names
// (debug, info, warn, error); anything unrecognized falls back to info.
func NewLogger(level string) *log.Logger {
	lvl := log.InfoLevel
	switch level {
	case "debug":
		lvl = log.DebugLevel
	case "warn":
		lvl = log.WarnLevel
	case "error":
		lvl = log.ErrorLevel
	}
	return &log.Logger{
		Level:      lvl,
		TimeField:  "ts",
		TimeFormat: time.RFC3339,
		Writer:     &log.ConsoleWriter{},
	}
}

// degradeLog rate-limits repeated degraded-dependency log lines so an
// unreachable backend does not flood the log on every request.
type degradeLog struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

func newDegradeLog(interval time.Duration) *degradeLog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &degradeLog{interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether a message for the given key should be logged now.
func (d *degradeLog) Allow(key string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.last[key]; ok && now.Sub(t) < d.interval {
		return false
	}
	d.last[key] = now
	return true
}
