package stream

import (
	"sync"
	"time"
)

// logLimiter allows one log line per key per window, so a stream of
// undecodable frames cannot flood the log.
type logLimiter struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

func newLogLimiter(window time.Duration) *logLimiter {
	return &logLimiter{
		window: window,
		last:   make(map[string]time.Time),
	}
}

func (l *logLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.window {
		return false
	}
	l.last[key] = now

	return true
}
