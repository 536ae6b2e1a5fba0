package connection

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/url"
	"sort"
	"strings"

	"connector/internal/domain"

	"github.com/pkg/errors"
)

// SQLDriver は"jdbc:<driver>:<dsn>"形式のURIをdatabase/sqlのドライバーで開く.
// プールはドライバーごとの*sql.DBが受け持つ.
type SQLDriver struct{}

var _ Driver = SQLDriver{}

// SQLConn はdatabase/sqlの単一接続.
type SQLConn struct {
	*sql.Conn

	// db はプール外の接続の場合だけ設定され, Closeで一緒に閉じる.
	db *sql.DB
}

// Ping は接続が生きているか確認.
func (c *SQLConn) Ping(ctx context.Context) error {
	return c.Conn.PingContext(ctx)
}

// Close はプールに返却する. プール外ならDBごと閉じる.
func (c *SQLConn) Close() error {
	err := c.Conn.Close()
	if c.db != nil {
		if cerr := c.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Discard はドライバー接続を不正とマークしてプールから外す.
func (c *SQLConn) Discard() error {
	c.Conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	if err := c.Close(); err != nil && err != sql.ErrConnDone {
		return err
	}
	return nil
}

// ParseSQLURI はURIからdatabase/sqlのドライバー名とDSNを取り出す.
// プール設定以外のプロパティはDSNのクエリパラメータとして付与する.
func ParseSQLURI(key domain.ConnectionKey) (string, string, error) {
	rest := key.URI
	if i := strings.IndexByte(rest, ':'); i >= 0 && strings.EqualFold(rest[:i], "jdbc") {
		rest = rest[i+1:]
	} else {
		return "", "", errors.Errorf("not a jdbc uri: %q", key.URI)
	}

	i := strings.IndexByte(rest, ':')
	if i <= 0 {
		return "", "", errors.Errorf("missing driver name in %q", key.URI)
	}
	name := rest[:i]
	dsn := rest

	props := driverProperties(key.Properties)
	if len(props) > 0 {
		names := make([]string, 0, len(props))
		for n := range props {
			names = append(names, n)
		}
		sort.Strings(names)

		values := url.Values{}
		for _, n := range names {
			values.Set(n, props[n])
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + values.Encode()
	}
	return name, dsn, nil
}

func (SQLDriver) openDB(key domain.ConnectionKey) (*sql.DB, error) {
	name, dsn, err := ParseSQLURI(key)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sql driver %q", name)
	}
	return db, nil
}

// Open はプールに属さない接続を作成.
func (d SQLDriver) Open(ctx context.Context, key domain.ConnectionKey) (domain.Connection, error) {
	db, err := d.openDB(key)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, &domain.ErrConnectionFailed{URI: key.URI, Err: err}
	}
	return &SQLConn{Conn: conn, db: db}, nil
}

// NewPool はkey専用の*sql.DBを作成しプール設定を反映する.
func (d SQLDriver) NewPool(key domain.ConnectionKey, opts PoolOptions) (domain.ConnectionPool, error) {
	db, err := d.openDB(key)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(opts.MaxOpen)
	db.SetMaxIdleConns(opts.MaxIdle)
	db.SetConnMaxIdleTime(opts.IdleTimeout)
	db.SetConnMaxLifetime(opts.MaxLifetime)

	return &sqlPool{key: key, opts: opts, db: db}, nil
}

type sqlPool struct {
	key  domain.ConnectionKey
	opts PoolOptions
	db   *sql.DB
}

func (p *sqlPool) Key() domain.ConnectionKey { return p.key }

// Borrow は*sql.DBの待ち行列から接続を取得する. 待ち時間はAcquireTimeoutまで.
func (p *sqlPool) Borrow(ctx context.Context) (domain.Connection, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		if ctx.Err() == nil && acquireCtx.Err() != nil {
			return nil, &domain.ErrConnectionUnavailable{URI: p.key.URI, Wait: p.opts.AcquireTimeout.String()}
		}
		return nil, &domain.ErrConnectionFailed{URI: p.key.URI, Err: err}
	}
	return &SQLConn{Conn: conn}, nil
}

func (p *sqlPool) Stats() domain.PoolStats {
	s := p.db.Stats()
	return domain.PoolStats{URI: p.key.URI, InUse: s.InUse, Idle: s.Idle}
}

func (p *sqlPool) Close() error {
	return p.db.Close()
}
