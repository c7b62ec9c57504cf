package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/migadu/dewey/logger"
)

// ConnectionStats is a snapshot of a limiter's counters.
type ConnectionStats struct {
	Protocol         string
	TotalConnections int64
	MaxConnections   int64
	MaxPerIP         int64
	IPConnections    map[string]int64
}

// ConnectionLimiter manages connection limits for protocol servers
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.Mutex
	protocol         string
}

// NewConnectionLimiter creates a new connection limiter. A limit of zero or less disables that check.
func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		protocol:         protocol,
	}
}

func addrIP(remoteAddr net.Addr) string {
	ip, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return remoteAddr.String()
	}
	return ip
}

// Accept registers a new connection and returns a function to release it.
// The check and the increment happen under one lock so concurrent accepts
// cannot overshoot the limits.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	ip := addrIP(remoteAddr)

	cl.mu.Lock()
	if cl.maxConnections > 0 {
		if current := cl.currentTotal.Load(); current >= int64(cl.maxConnections) {
			cl.mu.Unlock()
			return nil, fmt.Errorf("maximum connections reached (%d/%d)", current, cl.maxConnections)
		}
	}

	var ipCounter *atomic.Int64
	if cl.maxPerIP > 0 {
		ipCounter = cl.perIPConnections[ip]
		if ipCounter == nil {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[ip] = ipCounter
		}
		if current := ipCounter.Load(); current >= int64(cl.maxPerIP) {
			cl.mu.Unlock()
			return nil, fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)
		}
		ipCounter.Add(1)
	}
	total := cl.currentTotal.Add(1)
	cl.mu.Unlock()

	logger.Debug("Connection limiter: Connection accepted", "protocol", cl.protocol, "ip", ip, "total", total, "max_total", cl.maxConnections)

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.mu.Lock()
			defer cl.mu.Unlock()
			cl.currentTotal.Add(-1)
			if ipCounter != nil && ipCounter.Add(-1) <= 0 {
				delete(cl.perIPConnections, ip)
			}
			logger.Debug("Connection limiter: Connection released", "protocol", cl.protocol, "ip", ip, "total", cl.currentTotal.Load())
		})
	}, nil
}

// GetStats returns current connection statistics
func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	stats := ConnectionStats{
		Protocol:         cl.protocol,
		TotalConnections: cl.currentTotal.Load(),
		MaxConnections:   int64(cl.maxConnections),
		MaxPerIP:         int64(cl.maxPerIP),
		IPConnections:    make(map[string]int64, len(cl.perIPConnections)),
	}
	for ip, counter := range cl.perIPConnections {
		stats.IPConnections[ip] = counter.Load()
	}
	return stats
}
