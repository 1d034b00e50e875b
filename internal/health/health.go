// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkrall/relaycore/internal/breaker"
	"github.com/dkrall/relaycore/internal/config"
	"github.com/dkrall/relaycore/internal/ws"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints.
type Handler struct {
	upstreams []config.UpstreamConfig
	registry  *breaker.Registry
	wsStatus  func() []ws.Status
	logger    *slog.Logger

	// Cached readiness result to avoid TCP-dialling every upstream on
	// every /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health check Handler. wsStatus supplies WebSocket pool
// snapshots for the readiness body; pass nil when no pools exist.
func New(upstreams []config.UpstreamConfig, registry *breaker.Registry, wsStatus func() []ws.Status, logger *slog.Logger) *Handler {
	return &Handler{upstreams: upstreams, registry: registry, wsStatus: wsStatus, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	type upstreamResult struct {
		name   string
		status string
		ok     bool
	}

	ch := make(chan upstreamResult, len(h.upstreams))
	for _, uc := range h.upstreams {
		go func(uc config.UpstreamConfig) {
			// Fast path: breaker state decides without touching the network.
			if b, exists := h.registry.Get(uc.Name); exists {
				switch b.State() {
				case breaker.StateOpen:
					ch <- upstreamResult{name: uc.Name, status: "circuit-open", ok: false}
					return
				case breaker.StateHalfOpen:
					ch <- upstreamResult{name: uc.Name, status: "circuit-half-open", ok: true}
					return
				}
				// Closed — fall through to TCP dial for a definitive check.
			}

			u, err := url.Parse(uc.URL)
			if err != nil {
				ch <- upstreamResult{name: uc.Name, status: "invalid URL", ok: false}
				return
			}

			host := u.Host
			if !hasPort(host) {
				switch u.Scheme {
				case "https":
					host += ":443"
				default:
					host += ":80"
				}
			}

			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
			cancel()

			if err != nil {
				h.logger.Warn("upstream unreachable", "upstream", uc.Name, "error", err)
				ch <- upstreamResult{name: uc.Name, status: "unreachable", ok: false}
				return
			}
			conn.Close()
			ch <- upstreamResult{name: uc.Name, status: "ok", ok: true}
		}(uc)
	}

	results := make(map[string]string, len(h.upstreams))
	anyDown := false
	for range h.upstreams {
		res := <-ch
		results[res.name] = res.status
		if !res.ok {
			anyDown = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyDown {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	payload := map[string]interface{}{
		"status":    statusStr,
		"upstreams": results,
	}

	// WebSocket pools are informational: a suspended cable connection does
	// not make the relay unready for HTTP traffic.
	if h.wsStatus != nil {
		wsStates := make(map[string]string)
		for _, s := range h.wsStatus() {
			wsStates[s.Upstream] = s.State
		}
		payload["websockets"] = wsStates
	}

	body, _ := json.Marshal(payload)
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
