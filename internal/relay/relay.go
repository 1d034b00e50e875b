// Package relay forwards HTTP requests to configured upstreams through
// per-upstream circuit breakers. Requests are addressed as
// /relay/{upstream}/rest-of-path; the rest of the path and the query string
// are passed through unchanged.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dkrall/relaycore/internal/apierror"
	"github.com/dkrall/relaycore/internal/breaker"
	"github.com/dkrall/relaycore/internal/config"
	"github.com/dkrall/relaycore/internal/metrics"
)

// PathPrefix is the URL prefix under which upstreams are addressed.
const PathPrefix = "/relay/"

// upstream bundles everything needed to forward a request to one backend:
// its HTTP client with a dedicated connection pool, its circuit breaker,
// and its failure classification settings.
type upstream struct {
	name          string
	target        *url.URL
	client        *http.Client
	breaker       *breaker.Breaker
	timeout       time.Duration
	slowThreshold time.Duration

	// sem bounds in-flight requests to this upstream. nil means unbounded.
	sem chan struct{}
}

// Handler routes /relay/{upstream}/... requests to the matching upstream.
type Handler struct {
	upstreams map[string]*upstream
	logger    *slog.Logger
}

// New builds a Handler from the configured upstreams. Breakers are obtained
// from (or created in) the registry so the admin API and health checks see
// the same instances.
func New(cfg *config.Config, reg *breaker.Registry, logger *slog.Logger) (*Handler, error) {
	ups := make(map[string]*upstream, len(cfg.Upstreams))

	for _, uc := range cfg.Upstreams {
		target, err := url.Parse(uc.URL)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: invalid URL: %w", uc.Name, err)
		}

		b := reg.Add(uc.Name, uc.BreakerConfig(cfg.Breaker))

		u := &upstream{
			name:          uc.Name,
			target:        target,
			client:        newClient(uc.ConnectionPool),
			breaker:       b,
			timeout:       uc.Timeout(),
			slowThreshold: uc.SlowThreshold,
		}
		if uc.MaxConcurrent > 0 {
			u.sem = make(chan struct{}, uc.MaxConcurrent)
		}
		ups[uc.Name] = u
	}

	return &Handler{upstreams: ups, logger: logger}, nil
}

// newClient builds an http.Client with a per-upstream transport so one
// upstream's connection churn cannot starve another's pool. Timeouts are
// applied per request via context, not on the client.
func newClient(cp *config.ConnectionPoolConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if cp != nil {
		if cp.MaxIdleConns > 0 {
			transport.MaxIdleConns = cp.MaxIdleConns
		}
		if cp.MaxIdlePerHost > 0 {
			transport.MaxIdleConnsPerHost = cp.MaxIdlePerHost
		}
		if cp.IdleTimeout > 0 {
			transport.IdleConnTimeout = cp.IdleTimeout
		}
	}
	return &http.Client{Transport: transport}
}

// upstreamStatusError marks a response that was relayed to the client but
// must still count as a failure (5xx from the upstream).
type upstreamStatusError struct {
	status int
}

func (e *upstreamStatusError) Error() string {
	return "upstream returned " + strconv.Itoa(e.status)
}

// slowResponseError marks a successful response that exceeded the upstream's
// slow_threshold and therefore counts as a failure.
type slowResponseError struct {
	elapsed time.Duration
}

func (e *slowResponseError) Error() string {
	return "upstream response took " + e.elapsed.Round(time.Millisecond).String()
}

// forwardResult records what the forward closure managed to do, so the
// handler knows whether an error response still needs to be written.
type forwardResult struct {
	wrote  bool
	status int
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, rest := splitPath(r.URL.Path)
	u, ok := h.upstreams[name]
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.UpstreamNotFound, "no such upstream")
		return
	}

	if u.sem != nil {
		select {
		case u.sem <- struct{}{}:
			defer func() { <-u.sem }()
		default:
			metrics.RelayConcurrencyRejections.WithLabelValues(u.name).Inc()
			apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.ConcurrencyLimit, "upstream concurrency limit reached")
			return
		}
	}

	metrics.RelayInFlight.WithLabelValues(u.name).Inc()
	defer metrics.RelayInFlight.WithLabelValues(u.name).Dec()

	start := time.Now()
	var res forwardResult

	err := u.breaker.Execute(r.Context(), func(ctx context.Context) error {
		return u.forward(ctx, w, r, rest, &res)
	})

	if err != nil && !res.wrote {
		var oe *breaker.OpenError
		switch {
		case errors.As(err, &oe):
			res.status = http.StatusServiceUnavailable
			apierror.WriteCircuitOpen(w, u.name, oe.FailureCount, oe.LastFailureAt, oe.NextRetryAt, oe.RetryAfter)
		case errors.Is(err, context.DeadlineExceeded):
			res.status = http.StatusGatewayTimeout
			apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled")
			h.logger.Warn("upstream timeout", "upstream", u.name, "path", r.URL.Path, "error", err)
		default:
			res.status = http.StatusBadGateway
			apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream service unavailable")
			h.logger.Warn("upstream error", "upstream", u.name, "path", r.URL.Path, "error", err)
		}
	}

	metrics.RelayRequestsTotal.WithLabelValues(u.name, r.Method, strconv.Itoa(res.status)).Inc()
	metrics.RelayRequestDuration.WithLabelValues(u.name).Observe(time.Since(start).Seconds())
}

// forward sends the request to the upstream and streams the response back.
// Returning a non-nil error counts the call as a failure on the breaker;
// 5xx and over-threshold-slow responses are relayed to the client verbatim
// but still returned as errors.
func (u *upstream) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, rest string, res *forwardResult) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	outURL := *u.target
	outURL.Path = joinPath(u.target.Path, rest)
	outURL.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), r.Body)
	if err != nil {
		return fmt.Errorf("building upstream request: %w", err)
	}
	req.ContentLength = r.ContentLength

	copyHeaders(req.Header, r.Header)
	setForwardedHeaders(req, r)

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s: %w", u.name, err)
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	res.wrote = true
	res.status = resp.StatusCode

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Response already committed; count the broken transfer as a failure.
		return fmt.Errorf("upstream %s: streaming response: %w", u.name, err)
	}

	elapsed := time.Since(start)
	if resp.StatusCode >= 500 {
		return &upstreamStatusError{status: resp.StatusCode}
	}
	if u.slowThreshold > 0 && elapsed > u.slowThreshold {
		return &slowResponseError{elapsed: elapsed}
	}
	return nil
}

// splitPath extracts the upstream name and the remaining path from a
// /relay/{upstream}/... request path.
func splitPath(path string) (name, rest string) {
	if !strings.HasPrefix(path, PathPrefix) {
		return "", ""
	}
	trimmed := path[len(PathPrefix):]
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:]
	}
	return trimmed, "/"
}

func joinPath(base, rest string) string {
	base = strings.TrimSuffix(base, "/")
	if rest == "" {
		rest = "/"
	}
	return base + rest
}

// hopHeaders are the hop-by-hop headers stripped when relaying in either
// direction, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// setForwardedHeaders appends the client to X-Forwarded-For and records the
// original host and scheme, mirroring what httputil.ReverseProxy does.
func setForwardedHeaders(out *http.Request, in *http.Request) {
	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
	scheme := "http"
	if in.TLS != nil {
		scheme = "https"
	}
	out.Header.Set("X-Forwarded-Proto", scheme)
}
