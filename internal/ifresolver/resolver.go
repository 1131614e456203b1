package ifresolver

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jellydator/ttlcache/v3"

	"github.com/mediamesh/flowmediator/internal/flowstate"
)

const defaultCacheTTL = 5 * time.Minute

// querier is the subset of the ClickHouse connection the resolver uses.
// This allows for mocking in tests.
type querier interface {
	QueryRow(ctx context.Context, query string, args ...any) chdriver.Row
}

// Resolver maps (parameter group, interface index) pairs to physical
// interface identifiers by querying the mapping table, fronted by a TTL
// cache so repeated polls do not hammer the database. Implements
// flowstate.PhysicalResolver.
type Resolver struct {
	db         string
	addr       string
	user       string
	pass       string
	disableTLS bool
	cacheTTL   time.Duration
	conn       querier
	logger     *slog.Logger

	cache   *ttlcache.Cache[string, string]
	cacheMu sync.RWMutex
}

type ResolverOption func(*Resolver)

func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func WithResolverDB(db string) ResolverOption {
	return func(r *Resolver) {
		r.db = db
	}
}

func WithResolverAddr(addr string) ResolverOption {
	return func(r *Resolver) {
		r.addr = addr
	}
}

func WithResolverUser(user string) ResolverOption {
	return func(r *Resolver) {
		r.user = user
	}
}

func WithResolverPassword(pass string) ResolverOption {
	return func(r *Resolver) {
		r.pass = pass
	}
}

func WithResolverTLSDisabled(disableTLS bool) ResolverOption {
	return func(r *Resolver) {
		r.disableTLS = disableTLS
	}
}

func WithResolverCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cacheTTL = ttl
	}
}

// withResolverConn is used by tests to inject a mock connection.
func withResolverConn(conn querier) ResolverOption {
	return func(r *Resolver) {
		r.conn = conn
	}
}

func New(opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		db:       "flowmediator",
		addr:     "localhost:9440",
		user:     "default",
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	r.cache = ttlcache.New(
		ttlcache.WithTTL[string, string](r.cacheTTL),
	)

	if r.conn != nil {
		return r, nil
	}

	chOpts := &clickhouse.Options{
		Addr: []string{r.addr},
		Auth: clickhouse.Auth{
			Database: r.db,
			Username: r.user,
			Password: r.pass,
		},
	}
	if !r.disableTLS {
		chOpts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	return r, nil
}

// Resolve returns the physical interface identifier mapped to the given
// parameter group and index, or flowstate.ErrPhysicalNotFound when the
// mapping table has no row for it. Negative results are cached too, so an
// unmapped interface does not trigger a query every poll.
func (r *Resolver) Resolve(ctx context.Context, group, index string) (string, error) {
	key := group + "/" + index
	if ref, ok := r.cachedRef(key); ok {
		if ref == "" {
			return "", flowstate.ErrPhysicalNotFound
		}
		return ref, nil
	}

	var ref string
	row := r.conn.QueryRow(ctx,
		"SELECT physical_ref FROM physical_interfaces WHERE parameter_group = ? AND if_index = ? LIMIT 1",
		group, index,
	)
	if err := row.Scan(&ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.setCachedRef(key, "")
			return "", flowstate.ErrPhysicalNotFound
		}
		return "", fmt.Errorf("failed to query physical interface: %w", err)
	}

	r.setCachedRef(key, ref)
	return ref, nil
}

func (r *Resolver) cachedRef(key string) (string, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	cached := r.cache.Get(key)
	if cached == nil {
		return "", false
	}
	return cached.Value(), true
}

func (r *Resolver) setCachedRef(key, ref string) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache.Set(key, ref, r.cacheTTL)
}
