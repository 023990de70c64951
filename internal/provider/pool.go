package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/user/llmgate/pkg/llm"
)

// DefaultMaxConnections is the per-vendor connection bound when none is set.
const DefaultMaxConnections = 8

// PoolConfig bounds outbound traffic to one vendor.
type PoolConfig struct {
	MaxConnections int
	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
}

// Pool is the shared connection budget for one vendor. It is the only
// resource shared across sessions.
type Pool struct {
	ID      string
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	client  *http.Client
}

func newPool(id string, cfg PoolConfig) *Pool {
	conns := cfg.MaxConnections
	if conns <= 0 {
		conns = DefaultMaxConnections
	}
	limit := rate.Inf
	burst := 0
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = conns
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        conns,
		MaxIdleConnsPerHost: conns,
		MaxConnsPerHost:     conns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Pool{
		ID:      id,
		sem:     semaphore.NewWeighted(int64(conns)),
		limiter: rate.NewLimiter(limit, burst),
		// No client timeout: streams are bounded by the idle watchdog.
		client: &http.Client{Transport: transport},
	}
}

// Acquire waits for a connection slot and the rate limiter. The returned
// func releases the slot.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("pool %s: %w", p.ID, err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("pool %s: %w", p.ID, err)
	}
	return func() { p.sem.Release(1) }, nil
}

// Client returns the HTTP client bound to this pool.
func (p *Pool) Client() *http.Client { return p.client }

// Pools is the static vendor to pool table.
type Pools struct {
	byID map[string]*Pool
}

// PoolID is the pool identity of vendor.
func PoolID(vendor llm.Vendor) string { return "pool:" + string(vendor) }

// NewPools creates one pool per vendor. Vendors missing from cfg get the
// defaults.
func NewPools(vendors []llm.Vendor, cfg map[llm.Vendor]PoolConfig) *Pools {
	p := &Pools{byID: make(map[string]*Pool, len(vendors))}
	for _, v := range vendors {
		id := PoolID(v)
		p.byID[id] = newPool(id, cfg[v])
	}
	return p
}

// Get returns the pool with the given identity.
func (p *Pools) Get(id string) (*Pool, error) {
	pool, ok := p.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown pool %q", llm.ErrInvalidProvider, id)
	}
	return pool, nil
}
