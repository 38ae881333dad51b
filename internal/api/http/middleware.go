package apihttp

import (
	"bufio"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"torrentdeck/internal/metrics"
)

type middleware func(http.Handler) http.Handler

// chain wraps h so that the first middleware is the outermost.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusRecorder remembers what a handler wrote so outer middleware can log
// and count it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func recordStatus(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Hijack lets the /ws upgrade pass through the chain.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// route describes how a request path is labelled and treated by the chain.
type route struct {
	label string
	// quiet requests log at debug level and bypass the rate limiter.
	quiet bool
}

func classify(path string) route {
	switch path {
	case "/health", "/metrics":
		return route{label: path, quiet: true}
	case "/ws", "/selection", "/transfers":
		return route{label: path}
	}
	if rest, ok := strings.CutPrefix(path, "/transfers/"); ok {
		if strings.Contains(rest, "/files/") {
			return route{label: "/transfers/:id/files/:index"}
		}
		return route{label: "/transfers/:id"}
	}
	if strings.HasPrefix(path, "/blobs/") {
		return route{label: "/blobs/:token"}
	}
	if strings.HasPrefix(path, "/settings/") {
		return route{label: "/settings"}
	}
	return route{label: "/other"}
}

// transferIDFromPath returns the {id} segment of /transfers/{id}/..., if any.
func transferIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/transfers/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}

// recoveryMiddleware turns a handler panic into a 500 envelope, unless the
// handler already started its response.
func recoveryMiddleware(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := recordStatus(w)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("handler panic",
					slog.Any("panic", v),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				if !rec.wroteHeader {
					writeError(rec, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// rateLimitMiddleware shares one token bucket across all clients. Health
// checks and scrapes are never throttled.
func rateLimitMiddleware(rps float64, burst int) middleware {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	retryAfter := strconv.Itoa(retryAfterSeconds(rps))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if classify(r.URL.Path).quiet || limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", retryAfter)
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		})
	}
}

// retryAfterSeconds is the time to refill one token, between 1s and 60s.
func retryAfterSeconds(rps float64) int {
	if rps <= 0 {
		return 60
	}
	secs := math.Ceil(1 / rps)
	return int(min(max(secs, 1), 60))
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := recordStatus(w)
		next.ServeHTTP(rec, r)

		label := classify(r.URL.Path).label
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, label, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, label).Observe(time.Since(start).Seconds())
	})
}

type originPolicy map[string]struct{}

func newOriginPolicy(allowed []string) originPolicy {
	p := make(originPolicy, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			p[origin] = struct{}{}
		}
	}
	return p
}

// allows reports whether origin may read responses. An empty policy allows
// every origin.
func (p originPolicy) allows(origin string) bool {
	if len(p) == 0 {
		return true
	}
	_, ok := p[origin]
	return ok
}

// corsMiddleware reflects a permitted Origin. Requests without an Origin
// header are same-origin and get no CORS headers. Content-Disposition is
// exposed so browsers can read blob file names.
func corsMiddleware(allowed []string) middleware {
	policy := newOriginPolicy(allowed)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && policy.allows(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				h.Set("Access-Control-Expose-Headers", "Content-Disposition, Content-Length")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := recordStatus(w)
			next.ServeHTTP(rec, r)

			rt := classify(r.URL.Path)
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", rt.label),
				slog.Int("status", rec.status),
				slog.Int("bytes", rec.bytes),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("client", clientIP(r)),
			}
			if id := transferIDFromPath(r.URL.Path); id != "" {
				attrs = append(attrs, slog.String("transferId", id))
			}
			if ua := r.UserAgent(); ua != "" {
				attrs = append(attrs, slog.String("userAgent", truncate(ua, 120)))
			}
			logger.LogAttrs(r.Context(), requestLogLevel(rt, rec.status), "http request", attrs...)
		})
	}
}

func requestLogLevel(rt route, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case rt.quiet:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func clientIP(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}
