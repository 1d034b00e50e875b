// Package admin provides admin API endpoints for runtime inspection and
// manual breaker control. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/dkrall/relaycore/internal/breaker"
	"github.com/dkrall/relaycore/internal/config"
	"github.com/dkrall/relaycore/internal/ws"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	registry    *breaker.Registry
	wsManager   WSManager
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// WSManager abstracts the WebSocket pool for testability. May be nil when
// no upstream declares a ws_url.
type WSManager interface {
	Status() []ws.Status
	Reconnect(upstream string) error
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reloader ConfigProvider, registry *breaker.Registry, wsManager WSManager, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		registry:    registry,
		wsManager:   wsManager,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("POST /admin/breakers/{name}/{action}", h.guard(h.breakerActionHandler))
	mux.HandleFunc("GET /admin/config", h.guard(h.configHandler))
	mux.HandleFunc("GET /admin/connections", h.guard(h.connectionsHandler))
	mux.HandleFunc("POST /admin/connections/{upstream}/reconnect", h.guard(h.reconnectHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// breakerStatus is the per-dependency entry for /admin/breakers.
type breakerStatus struct {
	Stats   breaker.Stats   `json:"stats"`
	Metrics breaker.Metrics `json:"metrics"`
	Healthy bool            `json:"healthy"`
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	all := h.registry.All()
	statuses := make([]breakerStatus, len(all))
	for i, b := range all {
		statuses[i] = breakerStatus{
			Stats:   b.Stats(),
			Metrics: b.Metrics(),
			Healthy: b.Healthy(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": statuses})
}

func (h *Handler) breakerActionHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	action := r.PathValue("action")

	b, ok := h.registry.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no such breaker",
		})
		return
	}

	switch action {
	case "reset":
		b.Reset()
	case "force-open":
		b.ForceOpen()
	case "force-close":
		b.ForceClose()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown action, want reset, force-open or force-close",
		})
		return
	}

	h.logger.Info("manual breaker action", "breaker", name, "action", action,
		"client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breaker": name,
		"action":  action,
		"stats":   b.Stats(),
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reloader.Current())
}

func (h *Handler) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	var statuses []ws.Status
	if h.wsManager != nil {
		statuses = h.wsManager.Status()
	}
	if statuses == nil {
		statuses = []ws.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": statuses})
}

func (h *Handler) reconnectHandler(w http.ResponseWriter, r *http.Request) {
	upstream := r.PathValue("upstream")

	if h.wsManager == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no websocket pools configured",
		})
		return
	}
	if err := h.wsManager.Reconnect(upstream); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
		return
	}

	h.logger.Info("manual websocket reconnect", "upstream", upstream,
		"client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{
		"upstream": upstream,
		"action":   "reconnect",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
