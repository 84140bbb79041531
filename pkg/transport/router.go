// Package transport routes requests to one of the five named
// connection pools of §4.8 and builds the outbound HTTP requests for
// the wire paths of §6. It never mixes pool types for the same
// request: each PoolKey always maps to the same *http.Client.
package transport

import (
	"net/http"
	"sync"

	"github.com/tinkerlabs/tinker-go-core/pkg/tinkerconfig"
)

// Router owns one *http.Client per (base_url, pool_type) key, each
// with its own connection-reuse domain sized per §4.8's rationale.
type Router struct {
	cfg tinkerconfig.Config

	mu      sync.RWMutex
	clients map[tinkerconfig.PoolKey]*http.Client
}

// NewRouter builds a router bound to cfg. Clients are created lazily
// on first use and cached for the life of the router.
func NewRouter(cfg tinkerconfig.Config) *Router {
	return &Router{
		cfg:     cfg,
		clients: make(map[tinkerconfig.PoolKey]*http.Client),
	}
}

// poolMaxConnsPerHost returns the §4.8 sizing rationale for pt.
func (r *Router) poolMaxConnsPerHost(pt tinkerconfig.PoolType) int {
	switch pt {
	case tinkerconfig.PoolSampling:
		if r.cfg.Pools.Sampling > 0 {
			return r.cfg.Pools.Sampling
		}
		return 100
	case tinkerconfig.PoolTraining:
		if r.cfg.Pools.Training > 0 {
			return r.cfg.Pools.Training
		}
		return 5
	case tinkerconfig.PoolFutures:
		if r.cfg.Pools.Futures > 0 {
			return r.cfg.Pools.Futures
		}
		return 50
	case tinkerconfig.PoolSession:
		if r.cfg.Pools.Session > 0 {
			return r.cfg.Pools.Session
		}
		return 5
	case tinkerconfig.PoolTelemetry:
		if r.cfg.Pools.Telemetry > 0 {
			return r.cfg.Pools.Telemetry
		}
		return 5
	default:
		return 10
	}
}

// Client returns the cached *http.Client for (cfg.BaseURL, pt),
// creating it on first access. Identical pool keys always return the
// identical *http.Client instance (§3 invariant).
func (r *Router) Client(pt tinkerconfig.PoolType) *http.Client {
	key := tinkerconfig.KeyFor(r.cfg.BaseURL, pt)

	r.mu.RLock()
	c, ok := r.clients[key]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c
	}

	maxConns := r.poolMaxConnsPerHost(pt)
	base := r.cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	rt := base
	if t, ok := base.(*http.Transport); ok {
		cloned := t.Clone()
		cloned.MaxConnsPerHost = maxConns
		cloned.MaxIdleConnsPerHost = maxConns
		rt = cloned
	}

	c = &http.Client{
		Transport: rt,
		Timeout:   r.cfg.RequestTimeout,
	}
	r.clients[key] = c
	return c
}

// PoolForPath picks the pool type for a wire path, per the §6 table.
func PoolForPath(path string) tinkerconfig.PoolType {
	switch {
	case hasAnyPrefix(path, "/get_server_capabilities", "/healthz", "/create_model",
		"/create_sampling_session", "/session_heartbeat"):
		return tinkerconfig.PoolSession
	case hasAnyPrefix(path, "/forward", "/forward_backward", "/optim_step",
		"/save_weights", "/load_weights", "/save_weights_for_sampler",
		"/get_info", "/unload_model", "/sessions", "/training_runs",
		"/checkpoints", "/weights/info"):
		return tinkerconfig.PoolTraining
	case hasAnyPrefix(path, "/asample", "/stream_sample", "/samplers"):
		return tinkerconfig.PoolSampling
	case hasAnyPrefix(path, "/future/retrieve"):
		return tinkerconfig.PoolFutures
	case hasAnyPrefix(path, "/telemetry"):
		return tinkerconfig.PoolTelemetry
	default:
		return tinkerconfig.PoolDefault
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// BuildHeaders assembles the required outbound headers of §6.
func BuildHeaders(cfg tinkerconfig.Config, credentialHeader string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("Accept-Encoding", "gzip")
	if cfg.Credential != "" {
		h.Set(credentialHeader, cfg.Credential)
	}
	if cfg.ZeroTrust != nil {
		h.Set("X-Zero-Trust-Client-Id", cfg.ZeroTrust.ClientID)
		h.Set("X-Zero-Trust-Client-Secret", cfg.ZeroTrust.ClientSecret)
	}
	for k, v := range cfg.DefaultHeaders {
		h.Set(k, v)
	}
	return h
}

// APIPath joins the /api/v1/ root with path, per §6.
func APIPath(baseURL, path string) string {
	return tinkerconfig.NormalizeBaseURL(baseURL) + "/api/v1" + path
}
