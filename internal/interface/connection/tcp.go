package connection

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"connector/internal/domain"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// TCPDriver は"tcp://host:port"への接続を作成する.
type TCPDriver struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration
}

var _ Driver = (*TCPDriver)(nil)

// NewTCPDriver は新しいTCPDriverインスタンスを作成
func NewTCPDriver() *TCPDriver {
	return &TCPDriver{
		DialTimeout: 10 * time.Second,
		KeepAlive:   30 * time.Second,
	}
}

func (d *TCPDriver) dial(ctx context.Context, key domain.ConnectionKey) (net.Conn, error) {
	addr, err := tcpAddress(key.URI)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{
		Timeout:   d.DialTimeout,
		KeepAlive: d.KeepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &domain.ErrConnectionFailed{URI: key.URI, Err: err}
	}
	return conn, nil
}

// Open はプールに属さない接続を作成.
func (d *TCPDriver) Open(ctx context.Context, key domain.ConnectionKey) (domain.Connection, error) {
	conn, err := d.dial(ctx, key)
	if err != nil {
		return nil, err
	}
	return &NetConn{Conn: conn, createdAt: time.Now()}, nil
}

// NewPool はkeyに対する接続プールを作成.
func (d *TCPDriver) NewPool(key domain.ConnectionKey, opts PoolOptions) (domain.ConnectionPool, error) {
	if _, err := tcpAddress(key.URI); err != nil {
		return nil, err
	}
	return newNetPool(key, opts, d.dial), nil
}

func tcpAddress(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "parsing %q", uri)
	}
	if u.Scheme != "tcp" || u.Host == "" || u.Port() == "" {
		return "", errors.Errorf("invalid tcp connection uri %q", uri)
	}
	return u.Host, nil
}

// NetConn はプールから借りた, またはプール外のTCP接続.
type NetConn struct {
	net.Conn

	pool      *netPool
	createdAt time.Time
	broken    bool
	once      sync.Once
}

// MarkBroken は返却時にプールへ戻さず閉じるよう指示する.
func (c *NetConn) MarkBroken() {
	c.broken = true
}

// Ping は相手側が接続を閉じていないかを短い読み込みで確認.
func (c *NetConn) Ping(ctx context.Context) error {
	if err := c.Conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return err
	}
	defer c.Conn.SetReadDeadline(time.Time{})

	var one [1]byte
	n, err := c.Conn.Read(one[:])
	if n > 0 {
		return errors.New("unexpected data on idle connection")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nil
	}
	if err == nil {
		return nil
	}
	return errors.Wrap(err, "connection closed by peer")
}

// Close はプールに返却する. プール外の接続なら閉じる.
func (c *NetConn) Close() error {
	var err error
	c.once.Do(func() {
		if c.pool == nil {
			err = c.Conn.Close()
			return
		}
		c.pool.release(c)
	})
	return err
}

// Discard はプールに戻さずに閉じる.
func (c *NetConn) Discard() error {
	c.MarkBroken()
	return c.Close()
}

type pooledConn struct {
	conn      *NetConn
	createdAt time.Time
	lastUsed  time.Time
}

// netPool はコネクションプールを管理する
type netPool struct {
	key  domain.ConnectionKey
	opts PoolOptions
	dial func(context.Context, domain.ConnectionKey) (net.Conn, error)
	sem  *semaphore.Weighted

	mu     sync.Mutex
	idle   []*pooledConn
	inUse  int
	closed bool
	done   chan struct{}
}

func newNetPool(
	key domain.ConnectionKey, opts PoolOptions,
	dial func(context.Context, domain.ConnectionKey) (net.Conn, error),
) *netPool {
	p := &netPool{
		key:  key,
		opts: opts,
		dial: dial,
		sem:  semaphore.NewWeighted(int64(opts.MaxOpen)),
		done: make(chan struct{}),
	}

	// 定期的なクリーンアップを開始
	if opts.IdleTimeout > 0 {
		go p.periodicCleanup()
	}

	return p
}

func (p *netPool) Key() domain.ConnectionKey { return p.key }

// Borrow は接続を取得または新規作成
func (p *netPool) Borrow(ctx context.Context) (domain.Connection, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "waiting for pooled connection")
		}
		return nil, &domain.ErrConnectionUnavailable{URI: p.key.URI, Wait: p.opts.AcquireTimeout.String()}
	}

	if conn := p.takeIdle(); conn != nil {
		return conn, nil
	}

	// 新しい接続を作成
	raw, err := p.dial(ctx, p.key)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		raw.Close()
		p.sem.Release(1)
		return nil, domain.ErrPoolClosed
	}
	p.inUse++
	return &NetConn{Conn: raw, pool: p, createdAt: time.Now()}, nil
}

// takeIdle はプールから有効な接続を探す
func (p *netPool) takeIdle() *NetConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(pc, time.Now()) {
			// 期限切れの接続は閉じる
			pc.conn.Conn.Close()
			continue
		}
		p.inUse++
		// 有効な接続を見つけた
		return &NetConn{Conn: pc.conn.Conn, pool: p, createdAt: pc.createdAt}
	}
	return nil
}

// release は使用済みの接続をプールに返却
func (p *netPool) release(c *NetConn) {
	defer p.sem.Release(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse--
	now := time.Now()
	if c.broken || p.closed || len(p.idle) >= p.opts.MaxIdle ||
		(p.opts.MaxLifetime > 0 && now.Sub(c.createdAt) > p.opts.MaxLifetime) {
		// プールが一杯なら接続を閉じる
		c.Conn.Close()
		return
	}

	// 接続をプールに追加
	p.idle = append(p.idle, &pooledConn{
		conn:      c,
		createdAt: c.createdAt,
		lastUsed:  now,
	})
}

func (p *netPool) expired(pc *pooledConn, now time.Time) bool {
	if p.opts.IdleTimeout > 0 && now.Sub(pc.lastUsed) > p.opts.IdleTimeout {
		return true
	}
	return p.opts.MaxLifetime > 0 && now.Sub(pc.createdAt) > p.opts.MaxLifetime
}

func (p *netPool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PoolStats{URI: p.key.URI, InUse: p.inUse, Idle: len(p.idle)}
}

// Close は全てのアイドル接続を閉じる. 貸出中の接続は返却時に閉じる.
func (p *netPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	for _, pc := range p.idle {
		pc.conn.Conn.Close()
	}
	p.idle = nil
	return nil
}

// periodicCleanup は定期的に古い接続を削除
func (p *netPool) periodicCleanup() {
	ticker := time.NewTicker(p.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.done:
			return
		}
	}
}

// cleanup は期限切れの接続を削除
func (p *netPool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var active []*pooledConn
	for _, pc := range p.idle {
		if p.expired(pc, now) {
			pc.conn.Conn.Close()
			continue
		}
		active = append(active, pc)
	}
	p.idle = active
}
