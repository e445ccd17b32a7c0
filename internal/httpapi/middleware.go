package httpapi

import (
	"compress/gzip"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// wrap applies the shared middleware chain to one route: CORS, per-IP rate
// limiting, optional gzip, then request metrics and an access log line.
func (s *Server) wrap(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w}

		if s.cors.preflight(rec, r) {
			s.metrics.ObserveRequest(route, r.Method, rec.code(), time.Since(start))
			return
		}
		if !s.cors.allow(rec, r) {
			http.Error(rec, "origin not allowed", http.StatusForbidden)
			s.metrics.ObserveRequest(route, r.Method, rec.code(), time.Since(start))
			return
		}
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(rec, "too many requests", http.StatusTooManyRequests)
			s.metrics.ObserveRequest(route, r.Method, rec.code(), time.Since(start))
			return
		}

		if gz := maybeGzip(rec, r); gz != nil {
			next(gz, r)
			_ = gz.Close()
		} else {
			next(rec, r)
		}

		dur := time.Since(start)
		s.metrics.ObserveRequest(route, r.Method, rec.code(), dur)
		log.Printf("http %s %s %d %s %s", r.Method, r.URL.Path, rec.code(), dur.Round(time.Millisecond), remoteIP(r))
	}
}

// wrapWS applies only the middleware an upgrade can survive. The raw
// ResponseWriter is passed through so the hijack required by the websocket
// handshake still works.
func (s *Server) wrapWS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

/***************
 * Status capture
 ***************/

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	if sw.status == 0 {
		sw.status = status
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) code() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

/***************
 * Gzip
 ***************/

type gzipWriter struct {
	*statusWriter
	gz *gzip.Writer
}

func (g *gzipWriter) Write(b []byte) (int, error) {
	if g.statusWriter.status == 0 {
		g.statusWriter.status = http.StatusOK
	}
	return g.gz.Write(b)
}

func (g *gzipWriter) Close() error { return g.gz.Close() }

// maybeGzip returns a compressing writer when the client accepts gzip and the
// request is not an upgrade; nil otherwise.
func maybeGzip(sw *statusWriter, r *http.Request) *gzipWriter {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return nil
	}
	if r.Header.Get("Upgrade") != "" {
		return nil
	}
	sw.Header().Set("Content-Encoding", "gzip")
	sw.Header().Add("Vary", "Accept-Encoding")
	return &gzipWriter{statusWriter: sw, gz: gzip.NewWriter(sw.ResponseWriter)}
}

/***************
 * Per-IP rate limiting
 ***************/

type ipRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*ipClient
	limit   rate.Limit
	burst   int
}

type ipClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdleLifetime = 5 * time.Minute

// newIPRateLimiter returns nil when limiting is disabled; a nil limiter
// allows everything.
func newIPRateLimiter(rps, burst int) *ipRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		clients: make(map[string]*ipClient),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

func (l *ipRateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	c, ok := l.clients[ip]
	if !ok {
		c = &ipClient{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now

	if len(l.clients) > 1024 {
		l.evictIdle(now)
	}
	return c.limiter.Allow()
}

func (l *ipRateLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-limiterIdleLifetime)
	for ip, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}

func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if p := strings.TrimSpace(part); p != "" {
				return p
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

/***************
 * CORS
 ***************/

type corsPolicy struct {
	allowAll bool
	origins  map[string]struct{}
}

// newCORSPolicy returns nil when no origins are configured; a nil policy
// skips CORS handling entirely (same-origin dashboards).
func newCORSPolicy(origins []string) *corsPolicy {
	if len(origins) == 0 {
		return nil
	}
	p := &corsPolicy{origins: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return &corsPolicy{allowAll: true}
		}
		p.origins[o] = struct{}{}
	}
	return p
}

func (p *corsPolicy) allowed(origin string) bool {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	if p.allowAll {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// preflight answers CORS OPTIONS requests. It reports whether the request
// was fully handled.
func (p *corsPolicy) preflight(w http.ResponseWriter, r *http.Request) bool {
	if p == nil || r.Method != http.MethodOptions {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if !p.allowed(origin) {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET,PUT,DELETE,OPTIONS")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
	}
	w.Header().Add("Vary", "Origin")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// allow adds response headers for cross-origin requests; false means the
// origin is present and rejected.
func (p *corsPolicy) allow(w http.ResponseWriter, r *http.Request) bool {
	if p == nil {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if !p.allowed(origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}
