// Package limits rate-limits WebSocket handshakes. Established connections
// are never throttled here; slow consumers are handled by the per-connection
// send queue instead.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomnagengast/revurb-sub002/internal/monitoring"
)

const cleanupInterval = time.Minute

// ConnectionRateLimiter gates handshakes with two token buckets: one per
// client IP and one global. The global bucket is checked first so a
// distributed flood is rejected without growing the IP map.
type ConnectionRateLimiter struct {
	logger zerolog.Logger

	global *rate.Limiter

	mu      sync.RWMutex
	perIP   map[string]*ipEntry
	ipRate  rate.Limit
	ipBurst int
	ipTTL   time.Duration

	ticker *time.Ticker
	stop   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterConfig tunes the two buckets. Zero values fall back to
// defaults that allow legitimate reconnect bursts.
type RateLimiterConfig struct {
	IPRate      float64
	IPBurst     int
	IPTTL       time.Duration
	GlobalRate  float64
	GlobalBurst int
}

// NewConnectionRateLimiter starts a limiter and its cleanup loop. Call Stop
// on shutdown.
func NewConnectionRateLimiter(logger zerolog.Logger, cfg RateLimiterConfig) *ConnectionRateLimiter {
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}

	l := &ConnectionRateLimiter{
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		perIP:   make(map[string]*ipEntry),
		ipRate:  rate.Limit(cfg.IPRate),
		ipBurst: cfg.IPBurst,
		ipTTL:   cfg.IPTTL,
		ticker:  time.NewTicker(cleanupInterval),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()

	l.logger.Info().
		Float64("ip_rate", cfg.IPRate).
		Int("ip_burst", cfg.IPBurst).
		Float64("global_rate", cfg.GlobalRate).
		Int("global_burst", cfg.GlobalBurst).
		Msg("Connection rate limiter initialized")

	return l
}

// Allow reports whether a handshake from ip may proceed, recording the
// rejection scope when it may not.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		monitoring.IncrementConnectionRateLimit("global")
		l.logger.Debug().Str("ip", ip).Msg("Handshake rejected by global rate limit")
		return false
	}
	if !l.limiterFor(ip).Allow() {
		monitoring.IncrementConnectionRateLimit("per_ip")
		l.logger.Debug().Str("ip", ip).Msg("Handshake rejected by per-IP rate limit")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.RLock()
	entry, ok := l.perIP[ip]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		entry.lastSeen = time.Now()
		l.mu.Unlock()
		return entry.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.perIP[ip]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}
	entry = &ipEntry{limiter: rate.NewLimiter(l.ipRate, l.ipBurst), lastSeen: time.Now()}
	l.perIP[ip] = entry
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	defer monitoring.RecoverPanic(l.logger, "rate_limiter_cleanup", nil)
	for {
		select {
		case <-l.ticker.C:
			l.expire()
		case <-l.stop:
			l.ticker.Stop()
			return
		}
	}
}

// expire drops IP buckets idle past the TTL so the map cannot grow without
// bound.
func (l *ConnectionRateLimiter) expire() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.perIP {
		if now.Sub(entry.lastSeen) > l.ipTTL {
			delete(l.perIP, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.perIP)).Msg("Expired idle IP buckets")
	}
}

// TrackedIPs reports how many client IPs currently hold a bucket.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.perIP)
}

// Stop ends the cleanup loop.
func (l *ConnectionRateLimiter) Stop() {
	close(l.stop)
}
