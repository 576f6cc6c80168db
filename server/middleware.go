package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/stream-recorder/config"
)

// commandGuard sits in front of the recording commands. It checks admin
// credentials, then throttles each client per streamer: a client looping on
// start/stop for one streamer is slowed down without touching its commands
// for other streamers.
type commandGuard struct {
	access config.Access
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*commandBucket
}

type commandBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCommandGuard(ctx context.Context, access config.Access) *commandGuard {
	if !access.AuthEnabled() {
		slog.Warn("admin authentication not configured: recording commands are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production", slog.String("component", "http"))
	}
	g := &commandGuard{access: access, now: time.Now, buckets: make(map[string]*commandBucket)}
	if access.CommandBurst > 0 {
		go g.evictLoop(ctx)
	}
	return g
}

func (g *commandGuard) wrap(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := slog.Default().With(slog.String("component", "http"), slog.String("path", r.URL.Path))
		if !g.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="stream-recorder"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			logger.Warn("admin auth failed", slog.String("remote_addr", r.RemoteAddr))
			return
		}

		client, streamer := clientIP(r), streamerID(r)
		if wait, ok := g.reserve(client + "|" + streamer); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			http.Error(w, "too many commands for this streamer", http.StatusTooManyRequests)
			logger.Warn("command rate limit exceeded", slog.String("client", client), slog.String("streamer_id", streamer), slog.Duration("retry_after", wait))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized accepts an X-Admin-Token first, then Basic Auth.
func (g *commandGuard) authorized(r *http.Request) bool {
	a := g.access
	if !a.AuthEnabled() {
		return true
	}
	if a.AdminToken != "" {
		if token := r.Header.Get("X-Admin-Token"); token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.AdminToken)) == 1 {
			return true
		}
	}
	if a.AdminUsername != "" && a.AdminPassword != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.AdminUsername)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.AdminPassword)) == 1
			return userOK && passOK
		}
	}
	return false
}

// reserve takes one command from key's bucket. When the bucket is empty it
// returns how long until the next command would be accepted.
func (g *commandGuard) reserve(key string) (time.Duration, bool) {
	if g.access.CommandBurst <= 0 {
		return 0, true
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[key]
	if !ok {
		every := g.access.CommandWindow / time.Duration(g.access.CommandBurst)
		b = &commandBucket{limiter: rate.NewLimiter(rate.Every(every), g.access.CommandBurst)}
		g.buckets[key] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return g.access.CommandWindow, false
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return d, false
	}
	return 0, true
}

// evictLoop drops buckets idle for a full window; they would be full again anyway.
func (g *commandGuard) evictLoop(ctx context.Context) {
	window := g.access.CommandWindow
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.evict(g.now().Add(-window))
		case <-ctx.Done():
			return
		}
	}
}

func (g *commandGuard) evict(before time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, b := range g.buckets {
		if b.lastSeen.Before(before) {
			delete(g.buckets, key)
		}
	}
}

// clientIP prefers the first X-Forwarded-For entry and strips any port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	// SplitHostPort also unwraps [v6]:port
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ip
}

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"
)

// withCORS lets the dashboard call the API: any origin in permissive mode,
// otherwise only the configured ones (with credentials).
func withCORS(next http.Handler, access config.Access) http.Handler {
	if !access.CORSPermissive && len(access.CORSOrigins) == 0 {
		slog.Warn("CORS restricted mode enabled but no CORS_ALLOWED_ORIGINS configured - all CORS requests will be blocked", slog.String("component", "http"))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case access.CORSPermissive:
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		case origin != "" && isOriginAllowed(origin, access.CORSOrigins):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed matches exact origins and "*.example.com" wildcards.
func isOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if origin == a {
			return true
		}
		if domain, ok := strings.CutPrefix(a, "*."); ok {
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}
