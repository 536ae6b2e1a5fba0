package listener

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"connector/internal/domain"
	"connector/internal/interface/servercall"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

// FastHTTP はfasthttpのサーバーが解析したリクエストをcallとして処理するアダプター.
// fasthttpはリクエストボディを先に読み切るため, callのボディはメモリ上にある.
type FastHTTP struct {
	handler domain.Handler
	logger  domain.Logger
	metrics domain.MetricsCollector
	opts    HTTPOptions

	mu     sync.Mutex
	server *fasthttp.Server
	ln     net.Listener
	closed bool
}

var _ Runner = (*FastHTTP)(nil)

// NewFastHTTP は新しいFastHTTPインスタンスを作成.
func NewFastHTTP(
	handler domain.Handler, logger domain.Logger, metrics domain.MetricsCollector, opts HTTPOptions,
) *FastHTTP {
	return &FastHTTP{handler: handler, logger: logger, metrics: metrics, opts: opts}
}

// fasthttpLogger はfasthttp内部のログを構造化ログに流す.
type fasthttpLogger struct {
	logger domain.Logger
}

func (l fasthttpLogger) Printf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), map[string]interface{}{"protocol": "fasthttp"})
}

// Serve はlnでfasthttpのサーバーを動かす.
func (f *FastHTTP) Serve(ctx context.Context, ln net.Listener) error {
	srv := &fasthttp.Server{
		Handler: func(rc *fasthttp.RequestCtx) {
			f.handle(ctx, rc)
		},
		ReadTimeout:           f.opts.ReadTimeout,
		WriteTimeout:          f.opts.WriteTimeout,
		IdleTimeout:           f.opts.IdleTimeout,
		ReadBufferSize:        f.opts.maxHeaderBytes(),
		NoDefaultServerHeader: true,
		NoDefaultContentType:  true,
		Logger:                fasthttpLogger{logger: f.logger},
		ConnState: func(_ net.Conn, state fasthttp.ConnState) {
			switch state {
			case fasthttp.StateNew:
				f.metrics.IncrementConnections()
			case fasthttp.StateClosed, fasthttp.StateHijacked:
				f.metrics.DecrementConnections()
			}
		},
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		ln.Close()
		return nil
	}
	f.server, f.ln = srv, ln
	f.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-stop:
		}
	}()

	f.logger.Info("Listener started", map[string]interface{}{
		"protocol": "fasthttp",
		"address":  ln.Addr().String(),
	})
	if err := srv.Serve(ln); err != nil {
		if f.isClosed() {
			return nil
		}
		return errors.Wrap(err, "fasthttp listener")
	}
	return nil
}

func (f *FastHTTP) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close は待ち受けを閉じ, 開いている接続が終わるまで待つ.
func (f *FastHTTP) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	srv, ln := f.server, f.ln
	f.mu.Unlock()
	if srv == nil {
		return nil
	}

	ln.Close()
	return srv.Shutdown()
}

func (f *FastHTTP) handle(ctx context.Context, rc *fasthttp.RequestCtx) {
	t := &fasthttpTransport{rc: rc}
	call := servercall.New(t)

	f.handler.Handle(ctx, call)
	if err := call.Commit(); err != nil {
		f.logger.Error("Writing response failed", err, map[string]interface{}{
			"protocol": "fasthttp",
			"remote":   rc.RemoteAddr().String(),
			"call_id":  call.ID(),
		})
	}
	f.metrics.AddBytesTransferred(call.Written())
}

// fasthttpTransport はfasthttp.RequestCtxを包む転送層.
type fasthttpTransport struct {
	rc *fasthttp.RequestCtx
}

func (t *fasthttpTransport) Method() string     { return string(t.rc.Method()) }
func (t *fasthttpTransport) RequestURI() string { return string(t.rc.RequestURI()) }
func (t *fasthttpTransport) Protocol() string   { return string(t.rc.Request.Header.Protocol()) }
func (t *fasthttpTransport) Confidential() bool { return t.rc.IsTLS() }

func (t *fasthttpTransport) Headers() *domain.Headers {
	h := domain.NewHeaders()
	t.rc.Request.Header.VisitAll(func(key, value []byte) {
		h.Add(string(key), string(value))
	})
	return h
}

func (t *fasthttpTransport) Body() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(t.rc.PostBody()))
}

func (t *fasthttpTransport) Client() servercall.Endpoint {
	return servercall.EndpointOf(t.rc.RemoteAddr())
}

func (t *fasthttpTransport) Server() servercall.Endpoint {
	return servercall.EndpointOf(t.rc.LocalAddr())
}

// WriteResponse はレスポンスをRequestCtxに写す. エンティティはここで読み切る.
// 理由句はfasthttpが標準のものを使う.
func (t *fasthttpTransport) WriteResponse(resp *servercall.Response) (int64, error) {
	out := &t.rc.Response
	out.Reset()
	// Resetで既定のContent-Type抑止も戻る
	out.Header.SetNoDefaultContentType(true)
	out.SetStatusCode(resp.Status.Code)
	for _, h := range resp.Headers.All() {
		switch strings.ToLower(h.Name) {
		case "content-length", "transfer-encoding":
		case "connection":
			if strings.EqualFold(strings.TrimSpace(h.Value), "close") {
				t.rc.SetConnectionClose()
			}
		case "content-type":
			out.Header.SetContentType(h.Value)
		default:
			out.Header.Add(h.Name, h.Value)
		}
	}

	if !resp.Status.HasBody() || resp.Body == nil {
		return 0, nil
	}
	n, err := copyEntity(out.BodyWriter(), resp.Body, resp.Size)
	if err != nil {
		return n, errors.Wrap(err, "buffering entity")
	}
	return n, nil
}
