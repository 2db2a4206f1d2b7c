package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tesseradata/tessera/platform/go/tenant"
)

// Router resolves tenant identifiers to connection descriptors and supplies
// the pooled connections behind them. It is constructed explicitly and passed
// to every consumer; there is no process-wide instance.
type Router struct {
	logger *zap.Logger

	mu     sync.RWMutex
	routes map[tenant.ID]*routeEntry
}

// routeEntry pairs a descriptor with its lazily created pool. The pool is
// initialized on the tenant's first resolution and reused afterwards.
type routeEntry struct {
	desc Descriptor

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewRouter builds a router over the given descriptors. Duplicate or invalid
// tenant identifiers are rejected up front.
func NewRouter(logger *zap.Logger, descriptors ...Descriptor) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	routes, err := buildRoutes(descriptors)
	if err != nil {
		return nil, err
	}

	return &Router{logger: logger, routes: routes}, nil
}

func buildRoutes(descriptors []Descriptor) (map[tenant.ID]*routeEntry, error) {
	routes := make(map[tenant.ID]*routeEntry, len(descriptors))
	for _, desc := range descriptors {
		if !desc.Tenant.Valid() {
			return nil, fmt.Errorf("descriptor without tenant identifier")
		}
		if desc.ConnString == "" {
			return nil, fmt.Errorf("tenant %q: conn string is required", desc.Tenant)
		}
		if _, exists := routes[desc.Tenant]; exists {
			return nil, fmt.Errorf("duplicate tenant %q", desc.Tenant)
		}
		routes[desc.Tenant] = &routeEntry{desc: desc}
	}
	return routes, nil
}

// Resolve returns the descriptor for the tenant. Unknown tenants fail with
// TenantNotFound; the condition is terminal and must not be retried.
func (r *Router) Resolve(id tenant.ID) (Descriptor, error) {
	entry, err := r.entry(id)
	if err != nil {
		return Descriptor{}, err
	}
	return entry.desc, nil
}

func (r *Router) entry(id tenant.ID) (*routeEntry, error) {
	r.mu.RLock()
	entry, ok := r.routes[id]
	r.mu.RUnlock()

	if !ok {
		return nil, newError(KindTenantNotFound, fmt.Errorf("tenant %q is not configured", id))
	}
	return entry, nil
}

// Pool returns the tenant's connection pool, initializing it on first use.
// Two resolutions of the same tenant (without a reload in between) always
// refer to the same pool.
func (r *Router) Pool(ctx context.Context, id tenant.ID) (*pgxpool.Pool, error) {
	entry, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.pool != nil {
		return entry.pool, nil
	}

	pool, err := newPool(ctx, entry.desc)
	if err != nil {
		return nil, newError(KindConnectivityFailure, fmt.Errorf("init pool for tenant %q: %w", id, err))
	}

	r.logger.Info("tenant pool initialized", zap.String("tenant", id.String()))
	entry.pool = pool
	return pool, nil
}

// Reload atomically swaps the routing table for the given descriptors.
// Readers never observe a half-updated entry: each tenant's descriptor is
// replaced whole. Pools whose connection string is unchanged are carried
// over; pools for dropped or rewired tenants are closed.
func (r *Router) Reload(descriptors ...Descriptor) error {
	routes, err := buildRoutes(descriptors)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.routes
	for id, entry := range routes {
		prev, ok := old[id]
		if !ok {
			continue
		}
		prev.mu.Lock()
		if prev.desc.ConnString == entry.desc.ConnString {
			entry.pool = prev.pool
			prev.pool = nil
		}
		prev.mu.Unlock()
	}
	r.routes = routes
	r.mu.Unlock()

	for id, entry := range old {
		entry.mu.Lock()
		if entry.pool != nil {
			entry.pool.Close()
			r.logger.Info("tenant pool closed on reload", zap.String("tenant", id.String()))
		}
		entry.pool = nil
		entry.mu.Unlock()
	}

	return nil
}

// Tenants returns the identifiers currently routable.
func (r *Router) Tenants() []tenant.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]tenant.ID, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts down every initialized pool; safe to call once at shutdown.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.routes {
		entry.mu.Lock()
		if entry.pool != nil {
			entry.pool.Close()
			entry.pool = nil
		}
		entry.mu.Unlock()
	}
}

// acquire draws a connection from the tenant's pool, waiting at most the
// descriptor's acquire timeout. Exhausted pools therefore surface as
// ConnectivityFailure, which callers may retry with backoff.
func (r *Router) acquire(ctx context.Context, id tenant.ID) (scopeConn, error) {
	entry, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	pool, err := r.Pool(ctx, id)
	if err != nil {
		return nil, err
	}

	acquireCtx, cancel := context.WithTimeout(ctx, entry.desc.acquireTimeout())
	defer cancel()

	conn, err := pool.Acquire(acquireCtx)
	if err != nil {
		return nil, newError(KindConnectivityFailure, fmt.Errorf("acquire connection for tenant %q: %w", id, err))
	}
	return conn, nil
}
