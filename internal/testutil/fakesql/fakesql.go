// Package fakesql はテスト用のdatabase/sqlドライバー.
// クエリ結果は事前に登録し, 実行されたSQLは記録する.
package fakesql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DriverName はsql.Registerで登録する名前.
const DriverName = "test"

// Result は登録済みクエリの結果.
type Result struct {
	Columns []string
	Rows    [][]driver.Value
}

type store struct {
	mu       sync.Mutex
	opened   map[string]int
	results  map[string]Result
	executed []string
	conns    []*conn
	lastID   int64
	refuse   bool
}

var state = newStore()

func newStore() *store {
	return &store{
		opened:  make(map[string]int),
		results: make(map[string]Result),
	}
}

func init() {
	sql.Register(DriverName, &Driver{})
}

// Reset は記録と登録をすべて消す.
func Reset() {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.opened = make(map[string]int)
	state.results = make(map[string]Result)
	state.executed = nil
	state.conns = nil
	state.lastID = 0
	state.refuse = false
}

// SetResult はクエリに対する結果を登録.
func SetResult(query string, r Result) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.results[query] = r
}

// Opened はdsnで開かれた接続の数.
func Opened(dsn string) int {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.opened[dsn]
}

// OpenedTotal は開かれた接続の総数.
func OpenedTotal() int {
	state.mu.Lock()
	defer state.mu.Unlock()
	total := 0
	for _, n := range state.opened {
		total += n
	}
	return total
}

// Executed は実行されたSQLを順に返す.
func Executed() []string {
	state.mu.Lock()
	defer state.mu.Unlock()
	out := make([]string, len(state.executed))
	copy(out, state.executed)
	return out
}

// KillOpen は現在開いている接続をすべて切断状態にする.
func KillOpen() {
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, c := range state.conns {
		c.dead = true
	}
}

// RefuseConnections が有効な間は新しい接続を拒否する.
func RefuseConnections(refuse bool) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.refuse = refuse
}

// Driver はdriver.Driverの実装.
type Driver struct{}

func (d *Driver) Open(dsn string) (driver.Conn, error) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.refuse {
		return nil, errors.Errorf("connection refused: %s", dsn)
	}
	c := &conn{dsn: dsn}
	state.opened[dsn]++
	state.conns = append(state.conns, c)
	return c, nil
}

type conn struct {
	dsn    string
	dead   bool
	closed bool
}

var (
	_ driver.ExecerContext  = (*conn)(nil)
	_ driver.QueryerContext = (*conn)(nil)
	_ driver.Pinger         = (*conn)(nil)
)

func (c *conn) isDead() bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	return c.dead
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("fakesql: prepared statements are not supported")
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return tx{}, nil
}

func (c *conn) Ping(ctx context.Context) error {
	if c.isDead() {
		return driver.ErrBadConn
	}
	return nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if c.isDead() {
		return nil, driver.ErrBadConn
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if strings.HasPrefix(strings.ToUpper(query), "FAIL") {
		return nil, errors.Errorf("fakesql: syntax error near %q", query)
	}
	state.executed = append(state.executed, query)
	state.lastID++
	return result{lastID: state.lastID, affected: 1}, nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if c.isDead() {
		return nil, driver.ErrBadConn
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	state.executed = append(state.executed, query)
	r, ok := state.results[query]
	if !ok {
		return nil, errors.Errorf("fakesql: no result registered for %q", query)
	}
	return &rows{columns: r.Columns, data: r.Rows}, nil
}

type tx struct{}

func (tx) Commit() error   { return nil }
func (tx) Rollback() error { return nil }

type result struct {
	lastID   int64
	affected int64
}

func (r result) LastInsertId() (int64, error) { return r.lastID, nil }
func (r result) RowsAffected() (int64, error) { return r.affected, nil }

type rows struct {
	columns []string
	data    [][]driver.Value
	pos     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}
