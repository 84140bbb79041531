// Package tinkerconfig holds the immutable configuration snapshot
// shared by every request issued through the client core, plus the
// pool-key derivation used to route requests to the right connection
// pool (§3, §4.8).
package tinkerconfig

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PoolType selects one of the five named connection-reuse domains, or
// the fallback "default" pool for anything unmapped.
type PoolType string

const (
	PoolDefault   PoolType = "default"
	PoolTraining  PoolType = "training"
	PoolSampling  PoolType = "sampling"
	PoolFutures   PoolType = "futures"
	PoolSession   PoolType = "session"
	PoolTelemetry PoolType = "telemetry"
)

// PoolKey identifies a connection pool. Identical keys must always
// route to identical pools (§3 invariant).
type PoolKey struct {
	BaseURL  string
	PoolType PoolType
}

// NormalizeBaseURL lower-cases the scheme/host and strips a trailing
// slash, so "https://Api.Example.com/" and "https://api.example.com"
// produce the same pool key.
func NormalizeBaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// KeyFor derives the pool key for a base URL and pool type.
func KeyFor(baseURL string, pt PoolType) PoolKey {
	return PoolKey{BaseURL: NormalizeBaseURL(baseURL), PoolType: pt}
}

// PoolBindings names the default per-pool sizing rationale of §4.8.
// These are dial/idle-connection hints for the HTTP transport, not
// hard admission limits (those live in pkg/dispatch).
type PoolBindings struct {
	Training  int // sequential, small (~5)
	Sampling  int // high concurrency (~100)
	Futures   int // polling (~50)
	Session   int // small, low traffic
	Telemetry int // small but isolated so it never starves critical paths
}

// DefaultPoolBindings returns the sizing defaults named in §4.8.
func DefaultPoolBindings() PoolBindings {
	return PoolBindings{
		Training:  5,
		Sampling:  100,
		Futures:   50,
		Session:   5,
		Telemetry: 5,
	}
}

// ZeroTrustCredentials carries the optional client ID/secret pair
// named in §6's header table.
type ZeroTrustCredentials struct {
	ClientID     string
	ClientSecret string
}

// Config is the immutable snapshot referenced by every request. It is
// safe to share across goroutines without synchronization, same as
// the teacher's HTTPTransportConfig value object.
type Config struct {
	BaseURL        string
	Credential     string
	DefaultQuery   map[string]string
	RequestTimeout time.Duration
	MaxRetries     int // 0 means unbounded, per §4.7 default
	DefaultHeaders map[string]string
	Pools          PoolBindings
	DumpHeaders    bool

	ZeroTrust *ZeroTrustCredentials

	// Transport is the injectable HTTP round tripper; nil means
	// http.DefaultTransport.
	Transport http.RoundTripper
}
