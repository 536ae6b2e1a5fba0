package listener

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawClient struct {
	conn net.Conn
	br   *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &rawClient{conn: conn, br: bufio.NewReader(conn)}
}

func (c *rawClient) send(t *testing.T, raw string) {
	t.Helper()
	_, err := io.WriteString(c.conn, raw)
	require.NoError(t, err)
}

func (c *rawClient) read(t *testing.T, method string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(c.br, &http.Request{Method: method})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func (c *rawClient) closedByServer(t *testing.T) bool {
	t.Helper()
	_, err := c.br.ReadByte()
	return err == io.EOF
}

func TestHTTPKeepAlive(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	for i := 0; i < 2; i++ {
		c.send(t, "GET /hello HTTP/1.1\r\nHost: example.com\r\n\r\n")
		resp, body := c.read(t, "GET")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "hello", body)
		assert.False(t, resp.Close)
		assert.NotEmpty(t, resp.Header.Get("Date"))
	}

	snapshot := s.metrics.GetSnapshot()
	assert.Equal(t, int64(2), snapshot["total_requests"])
	assert.Equal(t, int64(1), snapshot["current_connections"])
	assert.Eventually(t, func() bool {
		return s.metrics.GetSnapshot()["bytes_transferred"] == int64(10)
	}, time.Second, 10*time.Millisecond)
}

func TestHTTPRepeatedHeadersRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	c.send(t, "POST /echo HTTP/1.1\r\nHost: h\r\nX-Foo: a\r\nX-Other: z\r\nX-Foo: b\r\nContent-Length: 5\r\n\r\nhello")
	resp, body := c.read(t, "POST")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"a", "b"}, resp.Header["X-Echo"])
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))
	assert.Equal(t, "hello", body)
}

func TestHTTPZeroLengthEntity(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	c.send(t, "GET /empty HTTP/1.1\r\nHost: h\r\n\r\n")
	resp, body := c.read(t, "GET")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("Content-Length"))
	assert.Empty(t, resp.TransferEncoding)
	assert.Empty(t, body)
}

func TestHTTPLongLinesWithinHeaderLimit(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	// 読み込みバッファより長いリクエスト行とヘッダー行
	query := strings.Repeat("a", 5000)
	cookie := strings.Repeat("b", 9000)
	c.send(t, "GET /hello?q="+query+" HTTP/1.1\r\nHost: h\r\nCookie: "+cookie+"\r\n\r\n")
	resp, body := c.read(t, "GET")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", body)

	c.send(t, "GET /hello HTTP/1.1\r\nHost: h\r\n\r\n")
	resp, _ = c.read(t, "GET")
	assert.Equal(t, 200, resp.StatusCode)
}

func TestHTTPMethodNotAllowed(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	c.send(t, "PUT /post-only HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabc")
	resp, body := c.read(t, "PUT")
	assert.Equal(t, 405, resp.StatusCode)
	assert.Equal(t, "POST", resp.Header.Get("Allow"))
	assert.Contains(t, body, "not allowed")

	// 読まれなかったボディは読み捨てられ, 次のリクエストが通る
	c.send(t, "GET /hello HTTP/1.1\r\nHost: h\r\n\r\n")
	resp, body = c.read(t, "GET")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", body)
}

func TestHTTPMalformedRequests(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	testCases := []struct {
		name   string
		raw    string
		status int
	}{
		{"garbage request line", "garbage\r\n\r\n", 400},
		{"unsupported version", "GET / HTTP/2.0\r\n\r\n", 505},
		{"malformed version", "GET / HTTX/1.1\r\n\r\n", 400},
		{"unsupported transfer coding", "POST /echo HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", 501},
		{"invalid content length", "POST /echo HTTP/1.1\r\nContent-Length: -1\r\n\r\n", 400},
		{"conflicting content length", "POST /echo HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n", 400},
		{"header without colon", "GET / HTTP/1.1\r\nNoColon\r\n\r\n", 400},
		{"folded header", "GET / HTTP/1.1\r\nX-A: 1\r\n  continued\r\n\r\n", 400},
		{"oversized header", "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 70<<10) + "\r\n\r\n", 431},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := dialRaw(t, addr)
			defer c.conn.Close()

			c.send(t, tc.raw)
			resp, _ := c.read(t, "GET")
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.True(t, resp.Close)
			assert.True(t, c.closedByServer(t))
		})
	}

	// 不正なリクエストの後もリスナーは受け付けを続ける
	c := dialRaw(t, addr)
	defer c.conn.Close()
	c.send(t, "GET /hello HTTP/1.1\r\nHost: h\r\n\r\n")
	resp, _ := c.read(t, "GET")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, len(testCases), s.logger.Count("WARN"))
}

func TestHTTPChunked(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	c.send(t, "POST /echo HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"6\r\nhello \r\n5\r\nworld\r\n0\r\nX-Trailer: t\r\n\r\n")
	resp, body := c.read(t, "POST")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello world", body)

	c.send(t, "GET /stream HTTP/1.1\r\nHost: h\r\n\r\n")
	resp, body = c.read(t, "GET")
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "streamed body", body)
	assert.False(t, resp.Close)
}

func TestHTTP10UnknownLengthClosesConnection(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	c.send(t, "GET /stream HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	resp, body := c.read(t, "GET")
	assert.Empty(t, resp.TransferEncoding)
	assert.True(t, resp.Close)
	assert.Equal(t, "streamed body", body)
}

func TestHTTP10KeepAlive(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	c.send(t, "GET /hello HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	resp, _ := c.read(t, "GET")
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))

	c.send(t, "GET /hello HTTP/1.0\r\n\r\n")
	resp, _ = c.read(t, "GET")
	assert.True(t, resp.Close)
	assert.True(t, c.closedByServer(t))
}

func TestHTTPHead(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	c.send(t, "HEAD /hello HTTP/1.1\r\nHost: h\r\n\r\n")
	resp, body := c.read(t, "HEAD")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))
	assert.Empty(t, body)

	// エンティティが書かれていなければ同じ接続で次の応答が読める
	c.send(t, "GET /hello HTTP/1.1\r\nHost: h\r\n\r\n")
	resp, body = c.read(t, "GET")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", body)
}

func TestHTTPExpectContinue(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	c.send(t, "POST /echo HTTP/1.1\r\nHost: h\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")
	resp, _ := c.read(t, "POST")
	require.Equal(t, 100, resp.StatusCode)

	c.send(t, "ping")
	resp, body := c.read(t, "POST")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ping", body)
}

func TestHTTPExpectContinueWithoutReadingBody(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)
	defer stop()

	c := dialRaw(t, addr)
	defer c.conn.Close()

	c.send(t, "POST /post-only HTTP/1.1\r\nHost: h\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")
	resp, _ := c.read(t, "POST")
	assert.Equal(t, 202, resp.StatusCode)
	assert.True(t, resp.Close)
}

func TestHTTPOverTLS(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	certFile, keyFile := writeSelfSignedCert(t)
	config, err := LoadTLSConfig(certFile, keyFile)
	require.NoError(t, err)

	protocol := NewHTTP(s.dispatcher, s.logger, s.metrics, HTTPOptions{ReadTimeout: 5 * time.Second})
	addr, stop := s.start(t, NewTLS(protocol, config, s.logger, s.metrics))
	defer stop()

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	c := &rawClient{conn: conn, br: bufio.NewReader(conn)}

	c.send(t, "GET /info?a=1 HTTP/1.1\r\nHost: h\r\n\r\n")
	resp, body := c.read(t, "GET")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, body, "client=127.0.0.1:")
	assert.Contains(t, body, "confidential=true")
	assert.Contains(t, body, "proto=HTTP/1.1")
}

func TestListenerCloseDropsConnections(t *testing.T) {
	defer leaktest.Check(t)()
	s := newTestServer(t)
	addr, stop := s.startHTTP(t)

	c := dialRaw(t, addr)
	defer c.conn.Close()
	c.send(t, "GET /hello HTTP/1.1\r\nHost: h\r\n\r\n")
	c.read(t, "GET")

	stop()
	assert.True(t, c.closedByServer(t))
	assert.Equal(t, int64(0), s.metrics.GetSnapshot()["current_connections"])

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}
