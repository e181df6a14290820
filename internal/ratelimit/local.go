package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter paces calls per subject inside one process. It backs the
// provider throttle and the submit limit when no redis is configured.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewLocalLimiter(capacity int, window time.Duration) (*LocalLimiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}

	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(capacity) / window.Seconds()),
		burst:    capacity,
	}, nil
}

func (l *LocalLimiter) Wait(ctx context.Context, subject string) error {
	return l.limiter(subject).Wait(ctx)
}

func (l *LocalLimiter) Allow(_ context.Context, subject string) (Decision, error) {
	lim := l.limiter(subject)
	r := lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return Decision{Allowed: false, Remaining: 0, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int64(lim.Tokens())}, nil
}

func (l *LocalLimiter) limiter(subject string) *rate.Limiter {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[subject]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[subject] = lim
	}
	return lim
}
