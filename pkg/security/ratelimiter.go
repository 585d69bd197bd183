package security

import (
	"sync"
	"time"
)

const maxBuckets = 10000 // Limit to 10k unique IPs to prevent memory exhaustion

// RateLimiter throttles webhook senders: each IP gets maxTokens requests per
// fixed window. A maxTokens of 0 or less disables limiting.
type RateLimiter struct {
	buckets    map[string]*bucket
	stopCh     chan struct{}
	cleanupWG  sync.WaitGroup
	window     time.Duration
	maxTokens  int
	maxBuckets int
	mu         sync.Mutex
	stopOnce   sync.Once
}

type bucket struct {
	resetTime time.Time
	count     int
}

// NewRateLimiter creates a rate limiter and starts its cleanup goroutine.
// A window of 0 or less means one minute. Call Stop when done.
func NewRateLimiter(maxTokens int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		window:     window,
		maxTokens:  maxTokens,
		maxBuckets: maxBuckets,
		stopCh:     make(chan struct{}),
	}

	rl.cleanupWG.Add(1)
	go rl.cleanupRoutine()

	return rl
}

// Allow checks if a request from the given IP is allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.maxTokens <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.buckets[ip]

	if !exists || now.After(b.resetTime) {
		if !exists && len(rl.buckets) >= rl.maxBuckets {
			rl.evictOldest()
		}
		rl.buckets[ip] = &bucket{
			count:     1,
			resetTime: now.Add(rl.window),
		}
		return true
	}

	if b.count >= rl.maxTokens {
		return false
	}

	b.count++
	return true
}

func (rl *RateLimiter) cleanupRoutine() {
	defer rl.cleanupWG.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes expired buckets.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, b := range rl.buckets {
		if now.After(b.resetTime) {
			delete(rl.buckets, ip)
		}
	}
}

// evictOldest removes the bucket closest to expiry (called with lock held).
func (rl *RateLimiter) evictOldest() {
	var oldestIP string
	var oldestTime time.Time

	for ip, b := range rl.buckets {
		if oldestIP == "" || b.resetTime.Before(oldestTime) {
			oldestIP = ip
			oldestTime = b.resetTime
		}
	}

	if oldestIP != "" {
		delete(rl.buckets, oldestIP)
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	rl.cleanupWG.Wait()
}
