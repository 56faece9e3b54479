package binance

import (
	"log"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Binance futures request-weight budget per minute.
const maxWeightPerMinute = 2400

// RateLimiter implements proactive weight-window limiting with a ban-aware
// circuit: a 429/418 opens the circuit until the advertised ban expires.
type RateLimiter struct {
	mu sync.Mutex

	currentWeight int
	windowResetAt time.Time

	circuitOpen bool
	banUntil    time.Time
}

var (
	limiterOnce sync.Once
	limiter     *RateLimiter
)

// GetRateLimiter returns the process-wide limiter shared by all REST calls.
func GetRateLimiter() *RateLimiter {
	limiterOnce.Do(func() {
		limiter = &RateLimiter{windowResetAt: time.Now().Add(time.Minute)}
	})
	return limiter
}

// Allow reports whether a request of the given weight may proceed now. On
// denial the second return is the suggested wait.
func (r *RateLimiter) Allow(weight int) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if r.circuitOpen {
		if now.Before(r.banUntil) {
			return false, time.Until(r.banUntil)
		}
		r.circuitOpen = false
		log.Printf("[BINANCE] rate-limit circuit closed")
	}

	if now.After(r.windowResetAt) {
		r.currentWeight = 0
		r.windowResetAt = now.Add(time.Minute)
	}

	if r.currentWeight+weight > maxWeightPerMinute {
		return false, time.Until(r.windowResetAt)
	}
	r.currentWeight += weight
	return true, 0
}

// WaitForSlot blocks until a slot is available or maxWait elapses.
func (r *RateLimiter) WaitForSlot(weight int, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for {
		ok, wait := r.Allow(weight)
		if ok {
			return true
		}
		if time.Now().Add(wait).After(deadline) {
			return false
		}
		if wait > time.Second {
			wait = time.Second
		}
		time.Sleep(wait)
	}
}

// UpdateUsedWeight syncs the window with the X-MBX-USED-WEIGHT-1M header.
func (r *RateLimiter) UpdateUsedWeight(used int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if used > r.currentWeight {
		r.currentWeight = used
	}
}

// RecordRateLimitError opens the circuit until banUntil (or one minute when
// the exchange did not advertise a ban window).
func (r *RateLimiter) RecordRateLimitError(banUntil time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if banUntil.IsZero() {
		banUntil = time.Now().Add(time.Minute)
	}
	r.circuitOpen = true
	r.banUntil = banUntil
	log.Printf("[BINANCE] rate-limit circuit open until %s", banUntil.Format(time.RFC3339))
}

var banUntilRe = regexp.MustCompile(`banned until (\d{13})`)

// ParseBanUntilFromError extracts the ban deadline from a -1003 message.
func ParseBanUntilFromError(body string) time.Time {
	m := banUntilRe.FindStringSubmatch(body)
	if len(m) != 2 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
