package fwdproxy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger emits at most one event per interval and counts what it
// dropped in between.
type rateLimitedLogger struct {
	log      zerolog.Logger
	interval time.Duration

	mu      sync.Mutex
	lastAt  time.Time
	dropped int
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Error(err error, msg string) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.lastAt = now
	l.dropped = 0
	l.mu.Unlock()

	l.log.Error().Err(err).Int("suppressed", dropped).Msg(msg)
}
