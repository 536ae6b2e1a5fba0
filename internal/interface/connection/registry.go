package connection

import (
	"context"
	"sync"

	"connector/internal/domain"

	"github.com/pkg/errors"
)

// Driver はURIスキームごとに接続とプールを作成する.
type Driver interface {
	// Open はプールに属さない接続を作成する. 呼び出し元がCloseする.
	Open(ctx context.Context, key domain.ConnectionKey) (domain.Connection, error)
	// NewPool はkeyに束縛されたプールを作成する.
	NewPool(key domain.ConnectionKey, opts PoolOptions) (domain.ConnectionPool, error)
}

// discarder はプールに戻さずに破棄できる接続.
type discarder interface {
	Discard() error
}

type poolEntry struct {
	pool domain.ConnectionPool
	opts PoolOptions
}

// Registry はConnectionKeyごとのプールを管理するConnectionSource.
type Registry struct {
	mu      sync.Mutex
	drivers map[string]Driver
	pools   []*poolEntry
	closed  bool
	logger  domain.Logger
	metrics domain.MetricsCollector
}

var _ domain.ConnectionSource = (*Registry)(nil)

// NewRegistry は新しいRegistryインスタンスを作成
func NewRegistry(logger domain.Logger, metrics domain.MetricsCollector) *Registry {
	return &Registry{
		drivers: make(map[string]Driver),
		logger:  logger,
		metrics: metrics,
	}
}

// Register はスキームにドライバーを登録する.
func (r *Registry) Register(scheme string, driver Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[scheme] = driver
}

// GetConnection は接続を取得する.
// usePoolingがfalseならプールを経由せずに新しい接続を作成する.
func (r *Registry) GetConnection(
	ctx context.Context, uri string, properties map[string]string, usePooling bool,
) (domain.Connection, error) {
	key := domain.ConnectionKey{URI: uri, Properties: copyProperties(properties)}

	driver, err := r.driverFor(key)
	if err != nil {
		return nil, err
	}

	if !usePooling {
		return r.open(ctx, driver, key)
	}

	entry, err := r.lookupOrCreate(driver, key)
	if err != nil {
		return nil, err
	}

	// 借用はプール自身の排他制御に任せる
	conn, err := entry.pool.Borrow(ctx)
	if err == nil {
		if !entry.opts.TestOnBorrow {
			return conn, nil
		}
		perr := conn.Ping(ctx)
		if perr == nil {
			return conn, nil
		}
		r.logger.Warn("Discarding dead pooled connection", map[string]interface{}{
			"uri":   uri,
			"error": perr.Error(),
		})
		discard(conn)
	} else if !domain.IsConnectorError(err) {
		return nil, &domain.ErrConnectionFailed{URI: uri, Err: err}
	} else {
		r.logger.Warn("Pool borrow failed, retrying with a fresh connection", map[string]interface{}{
			"uri":   uri,
			"error": err.Error(),
		})
	}

	// 1回だけ新しい接続で再試行
	return r.open(ctx, driver, key)
}

// lookupOrCreate は一致するプールを線形探索し, 無ければ作成して登録する.
func (r *Registry) lookupOrCreate(driver Driver, key domain.ConnectionKey) (*poolEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, &domain.ErrConnectionFailed{URI: key.URI, Err: domain.ErrPoolClosed}
	}

	for _, entry := range r.pools {
		if entry.pool.Key().Equal(key) {
			return entry, nil
		}
	}

	opts, err := ParsePoolOptions(key.Properties)
	if err != nil {
		return nil, &domain.ErrConnectionFailed{URI: key.URI, Err: err}
	}

	pool, err := driver.NewPool(key, opts)
	if err != nil {
		return nil, &domain.ErrConnectionFailed{URI: key.URI, Err: err}
	}

	entry := &poolEntry{pool: pool, opts: opts}
	r.pools = append(r.pools, entry)
	r.metrics.RecordPoolCreated()
	r.logger.Info("Connection pool created", map[string]interface{}{
		"uri":         key.URI,
		"max_open":    opts.MaxOpen,
		"max_idle":    opts.MaxIdle,
		"pools_total": len(r.pools),
	})
	return entry, nil
}

func (r *Registry) driverFor(key domain.ConnectionKey) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	driver, ok := r.drivers[key.Scheme()]
	if !ok {
		return nil, &domain.ErrConnectionFailed{
			URI: key.URI,
			Err: errors.Wrapf(domain.ErrUnknownScheme, "scheme %q", key.Scheme()),
		}
	}
	return driver, nil
}

func (r *Registry) open(ctx context.Context, driver Driver, key domain.ConnectionKey) (domain.Connection, error) {
	conn, err := driver.Open(ctx, key)
	if err != nil {
		if domain.IsConnectorError(err) {
			return nil, err
		}
		return nil, &domain.ErrConnectionFailed{URI: key.URI, Err: err}
	}
	if conn == nil {
		return nil, &domain.ErrConnectionFailed{URI: key.URI, Err: errors.New("driver returned no connection")}
	}
	return conn, nil
}

// Pools は登録済みプールの一覧を返す.
func (r *Registry) Pools() []domain.ConnectionPool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.ConnectionPool, 0, len(r.pools))
	for _, entry := range r.pools {
		out = append(out, entry.pool)
	}
	return out
}

// Stats は各プールの状態を返す.
func (r *Registry) Stats() []domain.PoolStats {
	pools := r.Pools()
	stats := make([]domain.PoolStats, 0, len(pools))
	for _, pool := range pools {
		stats = append(stats, pool.Stats())
	}
	return stats
}

// Close は全てのプールを閉じる
func (r *Registry) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = nil
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	for _, entry := range pools {
		if err := entry.pool.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing pool %s", entry.pool.Key().URI)
		}
	}
	return firstErr
}

func discard(conn domain.Connection) {
	if d, ok := conn.(discarder); ok {
		d.Discard()
		return
	}
	conn.Close()
}

func copyProperties(properties map[string]string) map[string]string {
	out := make(map[string]string, len(properties))
	for name, value := range properties {
		out[name] = value
	}
	return out
}
