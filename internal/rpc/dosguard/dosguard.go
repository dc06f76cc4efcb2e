// Package dosguard implements per-IP admission control for the RPC
// engine (§4.5b): every client IP gets a token-bucket request limiter,
// which refills continuously, and a byte budget, which each sweep resets;
// either one tripping makes Allow return false, and the web server then
// rejects the request (SlowDown over HTTP). Whitelisted IPs bypass
// both checks entirely (local admin tooling, trusted forwarders).
package dosguard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config mirrors internal/config.DoSGuardConfig.
type Config struct {
	SweepInterval time.Duration
	MaxFetches    int
	MaxBytes      int64
	Whitelist     []string
}

type perIP struct {
	limiter   *rate.Limiter
	bytesUsed int64
}

// Guard tracks one limiter + byte counter per client IP, swept back to
// zero every SweepInterval.
type Guard struct {
	cfg       Config
	whitelist map[string]struct{}

	mu   sync.Mutex
	seen map[string]*perIP
}

func New(cfg Config) *Guard {
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, ip := range cfg.Whitelist {
		wl[ip] = struct{}{}
	}
	return &Guard{cfg: cfg, whitelist: wl, seen: make(map[string]*perIP)}
}

// Allow reports whether a request of approxBytes from ip should proceed.
// It always returns true for whitelisted IPs without touching any
// counters, matching the spec's "whitelist bypasses admission control
// entirely" requirement.
func (g *Guard) Allow(ip string, approxBytes int64) bool {
	if _, ok := g.whitelist[ip]; ok {
		return true
	}

	g.mu.Lock()
	p, ok := g.seen[ip]
	if !ok {
		p = &perIP{limiter: rate.NewLimiter(rate.Limit(g.cfg.MaxFetches), g.cfg.MaxFetches)}
		g.seen[ip] = p
	}
	g.mu.Unlock()

	if !p.limiter.Allow() {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if p.bytesUsed+approxBytes > g.cfg.MaxBytes {
		return false
	}
	p.bytesUsed += approxBytes
	return true
}

// Sweep resets every tracked IP's byte counter; called on a ticker at
// SweepInterval. The rate.Limiter itself refills continuously and needs
// no explicit reset.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.seen {
		p.bytesUsed = 0
	}
}

// Run drives Sweep on cfg.SweepInterval until stop is closed. Callers
// that don't need cancellation can just call Sweep on their own ticker.
func (g *Guard) Run(stop <-chan struct{}) {
	interval := g.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}
