package security

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	PublicRate  float64
	PublicBurst int

	TapUserRate  float64
	TapUserBurst int

	AuthFailWindow    time.Duration
	AuthFailThreshold int
	Ban               time.Duration

	EntryTTL time.Duration
}

// DefaultConfig takes the per-user tap limit from configuration; the rest are
// fixed.
func DefaultConfig(tapRate float64, tapBurst int) Config {
	return Config{
		PublicRate:        40,
		PublicBurst:       80,
		TapUserRate:       tapRate,
		TapUserBurst:      tapBurst,
		AuthFailWindow:    20 * time.Second,
		AuthFailThreshold: 40,
		Ban:               2 * time.Minute,
		EntryTTL:          15 * time.Minute,
	}
}

// Guard keeps token-bucket limiters per client IP and per player, and bans IPs
// that keep failing authentication.
type Guard struct {
	cfg Config
	Now func() time.Time

	mu sync.Mutex

	ipLimiters   map[string]*limiter
	userLimiters map[string]*limiter
	authFails    map[string]*failState
	bannedUntil  map[string]time.Time

	lastCleanup time.Time
}

type limiter struct {
	*rate.Limiter
	LastSeen time.Time
}

type failState struct {
	Count      int
	WindowFrom time.Time
	LastSeen   time.Time
}

func NewGuard(cfg Config) *Guard {
	if cfg.PublicRate <= 0 {
		cfg.PublicRate = 1
	}
	if cfg.PublicBurst < 1 {
		cfg.PublicBurst = 1
	}
	if cfg.TapUserRate <= 0 {
		cfg.TapUserRate = 1
	}
	if cfg.TapUserBurst < 1 {
		cfg.TapUserBurst = 1
	}
	if cfg.AuthFailThreshold < 1 {
		cfg.AuthFailThreshold = 1
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 15 * time.Minute
	}
	return &Guard{
		cfg:          cfg,
		Now:          time.Now,
		ipLimiters:   map[string]*limiter{},
		userLimiters: map[string]*limiter{},
		authFails:    map[string]*failState{},
		bannedUntil:  map[string]time.Time{},
		lastCleanup:  time.Now(),
	}
}

func (g *Guard) ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	get := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return ""
		}
		if strings.Contains(s, ",") {
			s = strings.TrimSpace(strings.Split(s, ",")[0])
		}
		return s
	}
	if ip := get(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := get(r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func (g *Guard) IsBanned(ip string) bool {
	if g == nil || strings.TrimSpace(ip) == "" {
		return false
	}
	now := g.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.bannedUntil[ip]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(g.bannedUntil, ip)
		return false
	}
	return true
}

// AllowPublic limits unauthenticated endpoints per client IP.
func (g *Guard) AllowPublic(ip string) bool {
	if g == nil || strings.TrimSpace(ip) == "" {
		return true
	}
	if g.IsBanned(ip) {
		return false
	}
	return g.allow(g.ipLimiters, ip, g.cfg.PublicRate, g.cfg.PublicBurst)
}

// AllowTapUser limits taps per player.
func (g *Guard) AllowTapUser(userID string) bool {
	if g == nil || userID == "" {
		return true
	}
	return g.allow(g.userLimiters, userID, g.cfg.TapUserRate, g.cfg.TapUserBurst)
}

func (g *Guard) allow(m map[string]*limiter, key string, r float64, burst int) bool {
	now := g.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanupLocked(now)

	l := m[key]
	if l == nil {
		l = &limiter{Limiter: rate.NewLimiter(rate.Limit(r), burst)}
		m[key] = l
	}
	l.LastSeen = now
	return l.AllowN(now, 1)
}

func (g *Guard) RecordAuthFail(ip string) {
	if g == nil {
		return
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return
	}
	now := g.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanupLocked(now)

	fs := g.authFails[ip]
	if fs == nil {
		fs = &failState{WindowFrom: now}
		g.authFails[ip] = fs
	}
	if now.Sub(fs.WindowFrom) > g.cfg.AuthFailWindow {
		fs.Count = 0
		fs.WindowFrom = now
	}
	fs.Count++
	fs.LastSeen = now
	if fs.Count >= g.cfg.AuthFailThreshold {
		g.bannedUntil[ip] = now.Add(g.cfg.Ban)
		fs.Count = 0
		fs.WindowFrom = now
	}
}

func (g *Guard) cleanupLocked(now time.Time) {
	if now.Sub(g.lastCleanup) < 30*time.Second {
		return
	}
	g.lastCleanup = now
	ttl := g.cfg.EntryTTL

	for k, l := range g.ipLimiters {
		if now.Sub(l.LastSeen) > ttl {
			delete(g.ipLimiters, k)
		}
	}
	for k, l := range g.userLimiters {
		if now.Sub(l.LastSeen) > ttl {
			delete(g.userLimiters, k)
		}
	}
	for ip, fs := range g.authFails {
		if now.Sub(fs.LastSeen) > ttl {
			delete(g.authFails, ip)
		}
	}
	for ip, until := range g.bannedUntil {
		if now.After(until) {
			delete(g.bannedUntil, ip)
		}
	}
}
