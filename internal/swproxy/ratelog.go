package swproxy

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// rateLimitedLogger emits at most one warning per interval and reports how
// many were suppressed in between.
type rateLimitedLogger struct {
	log      *logrus.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(log *logrus.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(err error, fields logrus.Fields, msg string) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	suppressed := l.suppressed
	l.lastAt = now
	l.suppressed = 0
	l.mu.Unlock()

	entry := l.log.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	if suppressed > 0 {
		entry = entry.WithField("suppressed", suppressed)
	}
	entry.Warn(msg)
}
