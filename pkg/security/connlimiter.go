package security

import (
	"sync"
	"time"

	"github.com/codeGROOVE-dev/gitnotify/pkg/logger"
)

// ConnectionLimiter caps concurrent subscriber connections per IP and in total.
// Subscribers that never register still hold a slot until they disconnect,
// so this is the server's only bound on idle handshakes.
type ConnectionLimiter struct {
	perIP       map[string]int
	stopCleanup chan struct{}
	total       int
	maxPerIP    int
	maxTotal    int
	mu          sync.Mutex
	stopOnce    sync.Once
}

// NewConnectionLimiter creates a connection limiter. A limit of zero or less disables that limit.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:       make(map[string]int),
		maxPerIP:    maxPerIP,
		maxTotal:    maxTotal,
		stopCleanup: make(chan struct{}),
	}
	go cl.reportLoop()
	return cl
}

// Add reserves a slot for ip, or reports false when a limit is reached.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxTotal > 0 && cl.total >= cl.maxTotal {
		return false
	}
	if cl.maxPerIP > 0 && cl.perIP[ip] >= cl.maxPerIP {
		return false
	}

	cl.perIP[ip]++
	cl.total++
	return true
}

// Remove releases a slot for ip.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count, ok := cl.perIP[ip]
	if !ok {
		return
	}
	if count <= 1 {
		delete(cl.perIP, ip)
	} else {
		cl.perIP[ip] = count - 1
	}
	cl.total--
}

// Total returns the number of held slots.
func (cl *ConnectionLimiter) Total() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

// reportLoop logs when the limiter is close to its total cap.
func (cl *ConnectionLimiter) reportLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.mu.Lock()
			total, ips := cl.total, len(cl.perIP)
			cl.mu.Unlock()
			if cl.maxTotal > 0 && total*10 >= cl.maxTotal*9 {
				logger.Warn("connection limiter near capacity", logger.Fields{
					"total":     total,
					"max_total": cl.maxTotal,
					"ips":       ips,
				})
			}
		case <-cl.stopCleanup:
			return
		}
	}
}

// Stop stops the background goroutine. Safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stopCleanup) })
}
