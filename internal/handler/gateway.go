package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/fabian4/dynamic-router/internal/acme"
	"github.com/fabian4/dynamic-router/internal/config"
	"github.com/fabian4/dynamic-router/internal/engine"
	fwd "github.com/fabian4/dynamic-router/internal/forward"
	"github.com/fabian4/dynamic-router/internal/lb"
	"github.com/fabian4/dynamic-router/internal/logging"
	"github.com/fabian4/dynamic-router/internal/metrics"
	"github.com/fabian4/dynamic-router/internal/ratelimit"
	"github.com/fabian4/dynamic-router/internal/resolver"
	"github.com/fabian4/dynamic-router/internal/route"
)

const requestIDHeader = "X-Request-Id"

// Matcher resolves the route for a request.
type Matcher interface {
	Match(ctx context.Context, host, path string, req *http.Request) (engine.Match, bool)
}

// State is the part of the gateway that changes on config reload.
type State struct {
	UpstreamTimeout time.Duration
	AccessLog       config.AccessLogConfig
	// RateLimits is keyed by RouteKey; DefaultRateLimit covers the rest.
	RateLimits       map[string]ratelimit.Config
	DefaultRateLimit ratelimit.Config
}

type Options struct {
	Transports *fwd.Registry
	AccessLog  io.Writer
	Metrics    *metrics.Registry
	Limiter    *ratelimit.Limiter
	ACME       http.Handler // serves /.well-known/acme-challenge/ when set
	Logger     *log.Logger
	State      State
}

type Gateway struct {
	matcher    Matcher
	transports *fwd.Registry
	accessLog  io.Writer
	accessMu   sync.Mutex
	metrics    *metrics.Registry
	limiter    *ratelimit.Limiter
	acme       http.Handler
	log        *log.Logger

	stateMu  sync.RWMutex
	state    State
	notFound http.Handler
}

var _ http.Handler = (*Gateway)(nil)

func NewGateway(m Matcher, opts Options) *Gateway {
	g := &Gateway{
		matcher:    m,
		transports: opts.Transports,
		accessLog:  opts.AccessLog,
		metrics:    opts.Metrics,
		limiter:    opts.Limiter,
		acme:       opts.ACME,
		log:        logging.Or(opts.Logger).WithPrefix("gateway"),
		state:      opts.State,
	}
	if g.transports == nil {
		g.transports = fwd.NewDefaultRegistry()
	}
	if g.accessLog == nil {
		g.accessLog = io.Discard
	}
	if g.limiter == nil {
		g.limiter = ratelimit.NewLimiter()
	}
	return g
}

// UpdateState swaps the reloadable settings.
func (g *Gateway) UpdateState(s State) {
	g.stateMu.Lock()
	g.state = s
	g.stateMu.Unlock()
}

// SetNotFoundHandler replaces the responder used when no route matches.
// A nil handler restores the default 404.
func (g *Gateway) SetNotFoundHandler(h http.Handler) {
	g.stateMu.Lock()
	g.notFound = h
	g.stateMu.Unlock()
}

// RouteKey is the rate limit key of a routing table route, matching engine.Match.Key.
func RouteKey(host, path string) string { return host + path }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.stateMu.RLock()
	state, notFound := g.state, g.notFound
	g.stateMu.RUnlock()

	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	host := route.NormalizeHost(r.Host)
	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
		r.Header.Set(requestIDHeader, reqID)
	}
	// metric labels stay empty unless the host is a registered one
	var routePath, upstream, metricHost string
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		g.writeAccessLog(state.AccessLog, AccessLog{
			Time:         start,
			RequestID:    reqID,
			Method:       r.Method,
			Host:         host,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Status:       status,
			Duration:     duration.Milliseconds(),
			RemoteIP:     r.RemoteAddr,
			UserAgent:    r.UserAgent(),
			Referer:      r.Referer(),
			Route:        routePath,
			Upstream:     upstream,
			BytesWritten: lw.bytes,
		})
		g.metrics.IncRequest(metricHost, routePath, r.Method, strconv.Itoa(status))
		if upstream != "" {
			g.metrics.ObserveLatency(metricHost, routePath, duration)
		}
	}()

	if g.acme != nil && acme.IsChallengePath(r.URL.Path) {
		g.acme.ServeHTTP(lw, r)
		return
	}

	m, ok := g.matcher.Match(r.Context(), r.Host, r.URL.Path, r)
	if !ok {
		serveNotFound(lw, r, notFound)
		return
	}
	routePath = m.Route.Path
	if m.Resolver == resolver.TableName {
		metricHost = host
	}

	// limit before selection so a rejected request does not take a target's turn
	limit, ok := state.RateLimits[m.Key]
	if !ok {
		limit = state.DefaultRateLimit
	}
	if !g.limiter.Allow(m.Key, limit) {
		http.Error(lw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	sel, ok := lb.Select(m.Route, r.URL.Path)
	if !ok {
		serveNotFound(lw, r, notFound)
		return
	}

	u := sel.Target.URL()
	u.Path = sel.Path
	u.RawQuery = r.URL.RawQuery
	upstream = u.String()

	hdr := cloneHeader(r.Header)
	upgrade := upgradeType(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)
	lw.Header().Set(requestIDHeader, reqID)

	ctx := r.Context()
	if state.UpstreamTimeout > 0 && upgrade == "" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, state.UpstreamTimeout)
		defer cancel()
	}

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, upstream, r.Body)
	if err != nil {
		http.Error(lw, "bad request", http.StatusBadRequest)
		return
	}
	reqUp.Header = hdr
	reqUp.ContentLength = r.ContentLength
	if sel.Target.UseTargetHostHeader() {
		reqUp.Host = sel.Target.Host()
	} else {
		reqUp.Host = r.Host
	}

	if upgrade != "" {
		reqUp.Header.Set("Connection", "Upgrade")
		reqUp.Header.Set("Upgrade", upgrade)
		g.tunnel(lw, reqUp, sel)
		return
	}

	resUp, err := g.transports.For(sel.Target).RoundTrip(reqUp)
	if err != nil {
		g.log.Warn("upstream error", "request_id", reqID, "upstream", upstream, "err", err)
		writeUpstreamError(lw, err)
		return
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			g.log.Debug("error closing upstream body", "err", err)
		}
	}(resUp.Body)

	dropHopByHop(resUp.Header)
	copyHeaders(lw.Header(), resUp.Header)

	if len(resUp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		lw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	lw.WriteHeader(resUp.StatusCode)
	lw.Flush()
	_, _ = io.Copy(lw, resUp.Body)

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			lw.Header().Add(k, v)
		}
	}
}

func serveNotFound(w http.ResponseWriter, r *http.Request, h http.Handler) {
	if h != nil {
		h.ServeHTTP(w, r)
		return
	}
	defaultNotFound(w)
}

func defaultNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, "Not Found")
}

// writeUpstreamError maps a transport failure to 502 (refused) or 500.
// Nothing is written once the response has started.
func writeUpstreamError(w *loggingResponseWriter, err error) {
	if w.statusCode != 0 {
		return
	}
	status := http.StatusInternalServerError
	if isConnRefused(err) {
		status = http.StatusBadGateway
	}
	http.Error(w, http.StatusText(status), status)
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// --- helpers ---

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

// upgradeType returns the requested protocol when the client asks for a
// connection upgrade (e.g. websocket), or "".
func upgradeType(h http.Header) string {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if strings.EqualFold(textproto.TrimString(k), "upgrade") {
				return h.Get("Upgrade")
			}
		}
	}
	return ""
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

type AccessLog struct {
	Time         time.Time `json:"time"`
	RequestID    string    `json:"request_id"`
	Method       string    `json:"method"`
	Host         string    `json:"host"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	Route        string    `json:"route,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
}

func (e AccessLog) fields() map[string]any {
	return map[string]any{
		"time":          e.Time,
		"request_id":    e.RequestID,
		"method":        e.Method,
		"host":          e.Host,
		"path":          e.Path,
		"protocol":      e.Protocol,
		"status":        e.Status,
		"duration_ms":   e.Duration,
		"remote_ip":     e.RemoteIP,
		"user_agent":    e.UserAgent,
		"referer":       e.Referer,
		"route":         e.Route,
		"upstream":      e.Upstream,
		"bytes_written": e.BytesWritten,
	}
}

func (g *Gateway) writeAccessLog(cfg config.AccessLogConfig, entry AccessLog) {
	if !cfg.Enabled {
		return
	}
	if cfg.Sampling < 1.0 && rand.Float64() >= cfg.Sampling {
		return
	}
	var out any = entry
	if len(cfg.Fields) > 0 {
		all := entry.fields()
		m := make(map[string]any, len(cfg.Fields))
		for _, f := range cfg.Fields {
			if v, ok := all[f]; ok {
				m[f] = v
			}
		}
		out = m
	}
	g.accessMu.Lock()
	defer g.accessMu.Unlock()
	if err := json.NewEncoder(g.accessLog).Encode(out); err != nil {
		g.log.Error("access log", "err", err)
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
