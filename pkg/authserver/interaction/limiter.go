// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package interaction

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Login attempts allowed per username: a burst of 5, refilled at one every 12s.
const (
	DefaultLoginBurst = 5
	DefaultLoginRate  = rate.Limit(1.0 / 12)

	// limiterSweepSize is the map size above which idle limiters are dropped.
	limiterSweepSize = 4096
)

// loginLimiter damps password guessing per username.
type loginLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLoginLimiter(limit rate.Limit, burst int) *loginLimiter {
	return &loginLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow reports whether an attempt for username may proceed at now.
func (l *loginLimiter) allow(username string, now time.Time) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}
	key := strings.ToLower(strings.TrimSpace(username))

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= limiterSweepSize {
			l.sweepLocked(now)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim.AllowN(now, 1)
}

// sweepLocked drops limiters that have refilled completely.
func (l *loginLimiter) sweepLocked(now time.Time) {
	for k, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, k)
		}
	}
}
