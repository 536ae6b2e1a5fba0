package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"connector/internal/config"
	"connector/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Listeners = []config.ListenerConfig{
		{Name: "web", Protocol: config.ProtocolHTTP, Address: "127.0.0.1:0", ReadTimeout: 5 * time.Second},
		{Name: "ajp", Protocol: config.ProtocolAJP, Address: "127.0.0.1:0"},
	}
	cfg.Access.File = filepath.Join(dir, "configs", "blocked.yaml")
	cfg.Access.WatchInterval = 0
	cfg.Log.Dir = dir
	cfg.SQL = &config.SQLConfig{Pattern: "/sql", DefaultURI: "jdbc:none://x"}
	cfg.Redirects = []config.RedirectConfig{{Pattern: "/api/*", Target: "tcp://127.0.0.1:1", StripPrefix: "/api"}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestServerServesUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	logger := &testutil.Logger{}

	srv, err := newServer(cfg, logger)
	require.NoError(t, err)
	require.NotEmpty(t, srv.addr("web"))
	require.NotEmpty(t, srv.addr("ajp"))
	assert.Empty(t, srv.addr("missing"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.run(ctx) }()

	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + srv.addr("web") + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"up"`)

	resp, err = client.Get("http://" + srv.addr("web") + "/nowhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	// 停止時にメトリクスが保存される
	_, err = os.Stat(filepath.Join(cfg.Log.Dir, "metrics.json"))
	assert.NoError(t, err)
	// ブロックリストが無ければ既定のものが作られる
	_, err = os.Stat(cfg.Access.File)
	assert.NoError(t, err)
}

func TestNewServerFailures(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(cfg *config.Config)
	}{
		{"unroutable address", func(cfg *config.Config) {
			cfg.Listeners = append(cfg.Listeners, config.ListenerConfig{
				Name: "dup", Protocol: config.ProtocolHTTP, Address: "256.0.0.1:80",
			})
		}},
		{"missing certificate", func(cfg *config.Config) {
			cfg.Listeners = []config.ListenerConfig{{
				Name: "tls", Protocol: config.ProtocolHTTPS, Address: "127.0.0.1:0",
				CertFile: "missing.pem", KeyFile: "missing.key",
			}}
		}},
		{"invalid redirect pattern", func(cfg *config.Config) {
			cfg.Redirects[0].Pattern = "api"
		}},
		{"unknown protocol", func(cfg *config.Config) {
			cfg.Listeners[0].Protocol = "gopher"
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.modify(cfg)
			_, err := newServer(cfg, &testutil.Logger{})
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connector.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: {level: warn, dir: /from/file}\n"), 0o644))

	testCases := []struct {
		name   string
		args   []string
		logDir string
		level  string
	}{
		{"defaults", nil, "./logs", "INFO"},
		{"config file", []string{"--config", path}, "/from/file", "WARN"},
		{"log dir override", []string{"--config", path, "--log-dir", "/override"}, "/override", "WARN"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			app := buildApp()
			set := flag.NewFlagSet("connector", flag.ContinueOnError)
			for _, f := range app.Flags {
				f.Apply(set)
			}
			require.NoError(t, set.Parse(tc.args))

			cfg, err := loadConfig(cli.NewContext(app, set, nil))
			require.NoError(t, err)
			assert.Equal(t, tc.logDir, cfg.Log.Dir)
			assert.Equal(t, tc.level, cfg.Log.Level)
		})
	}
}
