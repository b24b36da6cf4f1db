package httpserver

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// limiter throttles rating submissions across all callers.
type limiter struct {
	logger *zap.Logger
	l      *rate.Limiter
}

func newLimiter(logger *zap.Logger, limit float64, burst int) *limiter {
	if limit <= 0 {
		return &limiter{logger: logger, l: rate.NewLimiter(rate.Inf, 0)}
	}
	return &limiter{logger: logger, l: rate.NewLimiter(rate.Limit(limit), burst)}
}

// Limit reports whether the current request must be rejected.
func (l *limiter) Limit() bool {
	allowed := l.l.Allow()
	if !allowed {
		l.logger.Debug("rating submission throttled",
			zap.Float64("limit", float64(l.l.Limit())),
			zap.Int("burst", l.l.Burst()))
	}
	return !allowed
}
