package shield

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is a token bucket per client IP on every path under Prefix.
type Limit struct {
	Prefix string
	// Every is the refill interval of one token.
	Every time.Duration
	Burst int
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces Limits per client IP and prefix. Idle clients are
// forgotten after ten minutes.
type RateLimiter struct {
	limits  []Limit
	trusted []netip.Prefix
	logger  *slog.Logger
	mu      sync.Mutex
	clients map[string]*client
	lastGC  time.Time
	now     func() time.Time
}

// NewRateLimiter creates an in-memory RateLimiter. Clients are identified
// with ClientIP against the trusted proxy ranges.
func NewRateLimiter(limits []Limit, trusted []netip.Prefix, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limits:  limits,
		trusted: trusted,
		logger:  logger,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

func (rl *RateLimiter) match(path string) (Limit, bool) {
	for _, l := range rl.limits {
		if strings.HasPrefix(path, l.Prefix) {
			return l, true
		}
	}
	return Limit{}, false
}

func (rl *RateLimiter) allow(ip string, l Limit) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.lastGC) > time.Minute {
		for k, c := range rl.clients {
			if now.Sub(c.lastSeen) > 10*time.Minute {
				delete(rl.clients, k)
			}
		}
		rl.lastGC = now
	}
	key := ip + " " + l.Prefix
	c, ok := rl.clients[key]
	if !ok {
		burst := max(l.Burst, 1)
		c = &client{limiter: rate.NewLimiter(rate.Every(l.Every), burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Middleware answers 429 with a JSON error once a client exhausts its
// bucket.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l, ok := rl.match(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ip := ClientIP(r, rl.trusted)
		if rl.allow(ip, l) {
			next.ServeHTTP(w, r)
			return
		}
		rl.logger.Warn("ratelimit: request blocked", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Retry-After", strconv.Itoa(max(int(l.Every.Seconds()), 1)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ParseTrustedProxies parses a comma-separated list of CIDRs or bare IPs.
// An empty list trusts no proxy.
func ParseTrustedProxies(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !strings.Contains(f, "/") {
			addr, err := netip.ParseAddr(f)
			if err != nil {
				return nil, fmt.Errorf("shield: trusted proxy %q: %w", f, err)
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(f)
		if err != nil {
			return nil, fmt.Errorf("shield: trusted proxy %q: %w", f, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// ClientIP returns the address the request is attributed to. X-Forwarded-For
// is read only when the peer is a trusted proxy, and then from the right:
// the first hop outside the trusted ranges is the client. Without trusted
// proxies the peer address is the client.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := remoteHost(r.RemoteAddr)
	if len(trusted) == 0 || !isTrusted(peer, trusted) {
		return peer
	}
	var hops []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(h, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			return client
		}
		client = addr.Unmap().String()
		if !isTrusted(client, trusted) {
			return client
		}
	}
	return client
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
