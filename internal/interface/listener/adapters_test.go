package listener

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapters(t *testing.T) {
	adapters := []struct {
		name string
		new  func(s *testServer) Runner
	}{
		{"servlet", func(s *testServer) Runner {
			return NewServlet(s.dispatcher, s.logger, s.metrics, HTTPOptions{ReadTimeout: 5 * time.Second})
		}},
		{"fasthttp", func(s *testServer) Runner {
			return NewFastHTTP(s.dispatcher, s.logger, s.metrics, HTTPOptions{ReadTimeout: 5 * time.Second})
		}},
	}

	for _, a := range adapters {
		t.Run(a.name, func(t *testing.T) {
			s := newTestServer(t)
			addr, stop := s.start(t, a.new(s))
			defer stop()

			client := &http.Client{
				Timeout:   5 * time.Second,
				Transport: &http.Transport{DisableKeepAlives: true},
			}
			base := "http://" + addr

			t.Run("echo", func(t *testing.T) {
				req, err := http.NewRequest("POST", base+"/echo", strings.NewReader("payload"))
				require.NoError(t, err)
				req.Header.Add("X-Foo", "a")
				req.Header.Add("X-Foo", "b")

				resp, err := client.Do(req)
				require.NoError(t, err)
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)

				assert.Equal(t, 200, resp.StatusCode)
				assert.Equal(t, []string{"a", "b"}, resp.Header["X-Echo"])
				assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
				assert.Equal(t, "payload", string(body))
			})

			t.Run("method not allowed", func(t *testing.T) {
				req, err := http.NewRequest("PUT", base+"/post-only", strings.NewReader("x"))
				require.NoError(t, err)
				resp, err := client.Do(req)
				require.NoError(t, err)
				defer resp.Body.Close()

				assert.Equal(t, 405, resp.StatusCode)
				assert.Equal(t, "POST", resp.Header.Get("Allow"))
			})

			t.Run("unknown length entity", func(t *testing.T) {
				resp, err := client.Get(base + "/stream")
				require.NoError(t, err)
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, "streamed body", string(body))
			})

			t.Run("empty entity", func(t *testing.T) {
				resp, err := client.Get(base + "/empty")
				require.NoError(t, err)
				defer resp.Body.Close()
				assert.Equal(t, 200, resp.StatusCode)
				assert.Equal(t, int64(0), resp.ContentLength)
			})

			t.Run("client address", func(t *testing.T) {
				resp, err := client.Get(base + "/info")
				require.NoError(t, err)
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Contains(t, string(body), "client=127.0.0.1:")
				assert.Contains(t, string(body), "confidential=false")
				// 設定されていないヘッダーは付け加えられない
				assert.NotContains(t, resp.Header, "Content-Type")
				assert.NotContains(t, resp.Header, "Server")
			})

			assert.Equal(t, int64(5), s.metrics.GetSnapshot()["total_requests"])
		})
	}
}

func TestRunnerClosedBeforeServe(t *testing.T) {
	s := newTestServer(t)
	runners := []Runner{
		New(NewHTTP(s.dispatcher, s.logger, s.metrics, HTTPOptions{}), s.logger, s.metrics),
		NewServlet(s.dispatcher, s.logger, s.metrics, HTTPOptions{}),
		NewFastHTTP(s.dispatcher, s.logger, s.metrics, HTTPOptions{}),
	}
	for _, r := range runners {
		require.NoError(t, r.Close())
		_, stop := s.start(t, r)
		stop()
	}
}

func TestShortEntityIsLoggedAsError(t *testing.T) {
	runners := []struct {
		name string
		new  func(s *testServer) Runner
	}{
		{"http", func(s *testServer) Runner {
			return New(NewHTTP(s.dispatcher, s.logger, s.metrics, HTTPOptions{ReadTimeout: 5 * time.Second}), s.logger, s.metrics)
		}},
		{"servlet", func(s *testServer) Runner {
			return NewServlet(s.dispatcher, s.logger, s.metrics, HTTPOptions{ReadTimeout: 5 * time.Second})
		}},
	}

	for _, r := range runners {
		t.Run(r.name, func(t *testing.T) {
			s := newTestServer(t)
			addr, stop := s.start(t, r.new(s))
			defer stop()

			client := &http.Client{
				Timeout:   5 * time.Second,
				Transport: &http.Transport{DisableKeepAlives: true},
			}
			resp, err := client.Get("http://" + addr + "/short")
			if err == nil {
				// 宣言より短い本文は途中で切れる
				_, err = io.ReadAll(resp.Body)
				resp.Body.Close()
			}
			assert.Error(t, err)

			assert.Eventually(t, func() bool {
				return s.logger.Count("ERROR") == 1
			}, time.Second, 10*time.Millisecond)
			for _, e := range s.logger.Entries() {
				assert.NotEqual(t, "Client closed connection during response", e.Message)
			}
		})
	}
}
