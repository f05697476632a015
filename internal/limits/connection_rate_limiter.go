package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/parkdog_dm/internal/monitoring"
)

// ConnectionRateLimiter throttles WebSocket upgrade attempts before any
// token is verified, so a flood from one address (or from everywhere) never
// reaches the auth path.
//
// Per-IP and global token buckets. Per-user attempt limits are applied later
// by the sliding-window Limiter once the caller is known.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	logger zerolog.Logger
	now    func() time.Time

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type ConnectionRateLimiterConfig struct {
	IPBurst int
	IPRate  float64 // sustained attempts/sec per IP
	IPTTL   time.Duration

	GlobalBurst int
	GlobalRate  float64

	Logger zerolog.Logger
}

// NewConnectionRateLimiter applies defaults (10 burst, 1/s per IP, 5m TTL;
// 300 burst, 50/s global) and starts the stale-IP cleanup loop.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		now:           time.Now,
		stopCleanup:   make(chan struct{}),
	}

	go crl.cleanupLoop(time.Minute)

	crl.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return crl
}

// CheckConnectionAllowed reports whether an upgrade from ip may proceed.
// The global bucket is checked first so a rejected flood never grows the
// per-IP map.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	now := crl.now()

	if !crl.globalLimiter.AllowN(now, 1) {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("global")
		return false
	}

	if !crl.ipLimiter(ip, now).AllowN(now, 1) {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("per_ip")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string, now time.Time) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	if entry, ok := crl.ipLimiters[ip]; ok {
		entry.lastAccess = now
		return entry.limiter
	}

	l := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{limiter: l, lastAccess: now}
	return l
}

func (crl *ConnectionRateLimiter) cleanupLoop(every time.Duration) {
	defer monitoring.RecoverPanic(crl.logger, "connection_rate_limiter_cleanup", nil)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := crl.now()
	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
}

func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() { close(crl.stopCleanup) })
}

// GetStats feeds the health endpoint.
func (crl *ConnectionRateLimiter) GetStats() map[string]any {
	crl.ipMu.Lock()
	tracked := len(crl.ipLimiters)
	crl.ipMu.Unlock()

	return map[string]any{
		"tracked_ips":  tracked,
		"ip_burst":     crl.ipBurst,
		"ip_rate":      crl.ipRate,
		"ip_ttl":       crl.ipTTL.String(),
		"global_burst": crl.globalBurst,
		"global_rate":  crl.globalRate,
	}
}
