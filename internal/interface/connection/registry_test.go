package connection

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"connector/internal/domain"
	"connector/internal/interface/repository/metrics"
	"connector/internal/testutil"
	"connector/internal/testutil/fakesql"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *testutil.Logger, *metrics.Repository) {
	t.Helper()
	fakesql.Reset()

	logger := &testutil.Logger{}
	m := metrics.New("")
	r := NewRegistry(logger, m)
	r.Register("jdbc", SQLDriver{})
	r.Register("tcp", NewTCPDriver())
	t.Cleanup(func() { r.Close() })
	return r, logger, m
}

func TestGetConnectionReusesPool(t *testing.T) {
	r, _, m := newTestRegistry(t)
	ctx := context.Background()

	c1, err := r.GetConnection(ctx, "jdbc:test://host/db", map[string]string{"user": "a"}, true)
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := r.GetConnection(ctx, "JDBC:test://host/db", map[string]string{"user": "a"}, true)
	require.NoError(t, err)
	require.NoError(t, c2.Close())

	assert.Len(t, r.Pools(), 1)
	assert.Equal(t, int64(1), m.GetSnapshot()["pools_created"])
	// 返却された接続は再利用される
	assert.Equal(t, 1, fakesql.Opened("test://host/db?user=a"))

	c3, err := r.GetConnection(ctx, "jdbc:test://host/db", map[string]string{"user": "b"}, true)
	require.NoError(t, err)
	require.NoError(t, c3.Close())

	pools := r.Pools()
	require.Len(t, pools, 2)
	assert.Equal(t, "a", pools[0].Key().Properties["user"])
	assert.Equal(t, "b", pools[1].Key().Properties["user"])
}

func TestGetConnectionWithoutPooling(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		conn, err := r.GetConnection(ctx, "jdbc:test://host/db", nil, false)
		require.NoError(t, err)
		_, isSQL := conn.(*SQLConn)
		assert.True(t, isSQL)
		require.NoError(t, conn.Close())
	}

	assert.Empty(t, r.Pools())
	assert.Equal(t, 3, fakesql.Opened("test://host/db"))
}

func TestGetConnectionCallerPropertiesAreCopied(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	props := map[string]string{"user": "a"}

	conn, err := r.GetConnection(context.Background(), "jdbc:test://host/db", props, true)
	require.NoError(t, err)
	conn.Close()

	props["user"] = "changed"
	assert.Equal(t, "a", r.Pools()[0].Key().Properties["user"])
}

func TestGetConnectionRetriesDeadConnection(t *testing.T) {
	r, logger, _ := newTestRegistry(t)
	ctx := context.Background()
	uri := "jdbc:test://host/db"

	conn, err := r.GetConnection(ctx, uri, nil, true)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	fakesql.KillOpen()

	conn, err = r.GetConnection(ctx, uri, nil, true)
	require.NoError(t, err)
	assert.NoError(t, conn.Ping(ctx))
	require.NoError(t, conn.Close())

	assert.Equal(t, 1, logger.Count("WARN"))
	assert.Equal(t, 2, fakesql.OpenedTotal())
}

func TestGetConnectionFailures(t *testing.T) {
	testCases := []struct {
		name       string
		uri        string
		properties map[string]string
		usePooling bool
		refuse     bool
	}{
		{"unknown scheme", "ldap://host", nil, true, false},
		{"unregistered sql driver", "jdbc:nosuch://host/db", nil, true, false},
		{"missing sql driver name", "jdbc:", nil, true, false},
		{"invalid pool option", "jdbc:test://host/db", map[string]string{"pool.maxOpen": "many"}, true, false},
		{"unknown pool option", "jdbc:test://host/db", map[string]string{"pool.bogus": "1"}, true, false},
		{"refused without pooling", "jdbc:test://host/db", nil, false, true},
		{"refused with pooling", "jdbc:test://host/db", nil, true, true},
		{"bad tcp uri", "tcp://", nil, true, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := newTestRegistry(t)
			fakesql.RefuseConnections(tc.refuse)

			conn, err := r.GetConnection(context.Background(), tc.uri, tc.properties, tc.usePooling)
			assert.Nil(t, conn)
			require.Error(t, err)
			assert.True(t, domain.IsConnectorError(err), "got %v", err)
		})
	}
}

func TestUnknownSchemeCause(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.GetConnection(context.Background(), "ldap://host", nil, false)
	failed, ok := errors.Cause(err).(*domain.ErrConnectionFailed)
	require.True(t, ok)
	assert.Equal(t, domain.ErrUnknownScheme, errors.Cause(failed.Err))
}

func TestConcurrentGetConnectionCreatesOnePoolPerKey(t *testing.T) {
	r, _, m := newTestRegistry(t)
	ctx := context.Background()

	const workers = 64
	const keys = 4

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			props := map[string]string{"user": fmt.Sprintf("u%d", i%keys)}
			conn, err := r.GetConnection(ctx, "jdbc:test://host/db", props, true)
			if err != nil {
				errs <- err
				return
			}
			errs <- conn.Close()
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, r.Pools(), keys)
	assert.Equal(t, int64(keys), m.GetSnapshot()["pools_created"])
}

func TestClosedRegistry(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Close())

	_, err := r.GetConnection(context.Background(), "jdbc:test://host/db", nil, true)
	require.Error(t, err)
	assert.True(t, domain.IsConnectorError(err))
}

func TestParsePoolOptions(t *testing.T) {
	opts, err := ParsePoolOptions(map[string]string{
		"user":                "a",
		"pool.maxOpen":        "2",
		"pool.maxIdle":        "5",
		"pool.idleTimeout":    "10s",
		"pool.acquireTimeout": "250ms",
		"pool.testOnBorrow":   "false",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, opts.MaxOpen)
	assert.Equal(t, 2, opts.MaxIdle)
	assert.Equal(t, "10s", opts.IdleTimeout.String())
	assert.Equal(t, "250ms", opts.AcquireTimeout.String())
	assert.False(t, opts.TestOnBorrow)

	opts, err = ParsePoolOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPoolOptions(), opts)

	_, err = ParsePoolOptions(map[string]string{"pool.maxOpen": "0"})
	assert.Error(t, err)
}

func TestParseSQLURI(t *testing.T) {
	testCases := []struct {
		name       string
		key        domain.ConnectionKey
		driverName string
		dsn        string
		wantErr    bool
	}{
		{"plain", domain.ConnectionKey{URI: "jdbc:test://host/db"}, "test", "test://host/db", false},
		{
			"properties become query",
			domain.ConnectionKey{URI: "jdbc:test://host/db", Properties: map[string]string{
				"user": "a", "password": "p w", "pool.maxOpen": "3",
			}},
			"test", "test://host/db?password=p+w&user=a", false,
		},
		{
			"existing query",
			domain.ConnectionKey{URI: "jdbc:test://host/db?ssl=true", Properties: map[string]string{"user": "a"}},
			"test", "test://host/db?ssl=true&user=a", false,
		},
		{"not jdbc", domain.ConnectionKey{URI: "odbc:test://x"}, "", "", true},
		{"no driver", domain.ConnectionKey{URI: "jdbc::x"}, "", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			name, dsn, err := ParseSQLURI(tc.key)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.driverName, name)
			assert.Equal(t, tc.dsn, dsn)
		})
	}
}
