package listener

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connector/internal/domain"
	"connector/internal/interface/repository/metrics"
	"connector/internal/testutil"
	"connector/internal/usecase"

	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, call domain.ServerCall) error {
	body, err := call.RequestBody()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	for _, v := range call.RequestHeaders().Values("X-Foo") {
		call.ResponseHeaders().Add("X-Echo", v)
	}
	call.ResponseHeaders().Set("Content-Type", "text/plain")
	if err := call.SetStatus(domain.StatusOK); err != nil {
		return err
	}
	return call.SetResponseBody(bytes.NewReader(data), int64(len(data)))
}

func textHandler(text string, size int64) domain.MethodHandler {
	return func(ctx context.Context, call domain.ServerCall) error {
		call.ResponseHeaders().Set("Content-Type", "text/plain")
		return call.SetResponseBody(strings.NewReader(text), size)
	}
}

func infoHandler(ctx context.Context, call domain.ServerCall) error {
	info := fmt.Sprintf("client=%s:%d confidential=%t proto=%s query=%s",
		call.ClientAddress(), call.ClientPort(), call.Confidential(), call.Protocol(),
		call.Attributes()["query_string"])
	return call.SetResponseBody(strings.NewReader(info), int64(len(info)))
}

func ignoreBodyHandler(ctx context.Context, call domain.ServerCall) error {
	return call.SetStatus(domain.NewStatus(202))
}

type testServer struct {
	dispatcher *usecase.Dispatcher
	metrics    *metrics.Repository
	logger     *testutil.Logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := &testutil.Logger{}
	m := metrics.New("")
	d := usecase.NewDispatcher(nil, m, logger)

	require.NoError(t, d.Attach("/echo", usecase.Methods{"GET": echoHandler, "POST": echoHandler, "PUT": echoHandler}))
	require.NoError(t, d.Attach("/hello", usecase.Methods{"GET": textHandler("hello", 5)}))
	require.NoError(t, d.Attach("/empty", usecase.Methods{"GET": textHandler("", 0)}))
	require.NoError(t, d.Attach("/stream", usecase.Methods{"GET": textHandler("streamed body", -1)}))
	require.NoError(t, d.Attach("/short", usecase.Methods{"GET": textHandler("short", 10)}))
	require.NoError(t, d.Attach("/info", usecase.Methods{"GET": infoHandler}))
	require.NoError(t, d.Attach("/post-only", usecase.Methods{"POST": ignoreBodyHandler}))

	return &testServer{dispatcher: d, metrics: m, logger: logger}
}

// start はrunnerをループバックで起動し, アドレスと停止関数を返す.
func (s *testServer) start(t *testing.T, runner Runner) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runner.Serve(ctx, ln) }()

	stopped := false
	return ln.Addr().String(), func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		runner.Close()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("listener did not stop")
		}
	}
}

func (s *testServer) startHTTP(t *testing.T) (string, func()) {
	t.Helper()
	opts := HTTPOptions{ReadTimeout: 5 * time.Second, IdleTimeout: 5 * time.Second}
	return s.start(t, New(NewHTTP(s.dispatcher, s.logger, s.metrics, opts), s.logger, s.metrics))
}

// writeSelfSignedCert はループバック用の自己署名証明書をPEMで書き出す.
func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadTLSConfig(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)

	config, err := LoadTLSConfig(certFile, keyFile)
	require.NoError(t, err)
	require.Len(t, config.Certificates, 1)
	require.Equal(t, uint16(tls.VersionTLS12), config.MinVersion)

	_, err = LoadTLSConfig(certFile, filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)
}

func TestIsConnectionClosed(t *testing.T) {
	require.True(t, isConnectionClosed(io.EOF))
	require.True(t, isConnectionClosed(net.ErrClosed))
	require.True(t, isConnectionClosed(&net.OpError{Op: "write", Err: fmt.Errorf("write: broken pipe")}))
	require.False(t, isConnectionClosed(fmt.Errorf("boom")))
}

func TestCopyEntity(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		size    int64
		written string
		short   bool
	}{
		{"exact size", "hello", 5, "hello", false},
		{"longer than declared", "hello world", 5, "hello", false},
		{"unknown size", "hello", -1, "hello", false},
		{"shorter than declared", "short", 10, "short", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := copyEntity(&buf, strings.NewReader(tc.body), tc.size)
			require.Equal(t, int64(len(tc.written)), n)
			require.Equal(t, tc.written, buf.String())
			if tc.short {
				require.IsType(t, &errShortEntity{}, err)
				// 切断とは区別される
				require.False(t, isConnectionClosed(err))
				return
			}
			require.NoError(t, err)
		})
	}
}
