package listener

import (
	"context"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"connector/internal/domain"
	"connector/internal/interface/servercall"

	"github.com/pkg/errors"
)

const shutdownTimeout = 5 * time.Second

// Servlet はnet/httpのサーバーが解析したリクエストをcallとして処理するアダプター.
// 理由句はnet/httpが標準のものを使う.
type Servlet struct {
	handler domain.Handler
	logger  domain.Logger
	metrics domain.MetricsCollector
	opts    HTTPOptions

	mu     sync.Mutex
	server *http.Server
	closed bool
}

var (
	_ Runner       = (*Servlet)(nil)
	_ http.Handler = (*Servlet)(nil)
)

// NewServlet は新しいServletインスタンスを作成.
func NewServlet(
	handler domain.Handler, logger domain.Logger, metrics domain.MetricsCollector, opts HTTPOptions,
) *Servlet {
	return &Servlet{handler: handler, logger: logger, metrics: metrics, opts: opts}
}

// Serve はlnでnet/httpのサーバーを動かす.
func (s *Servlet) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:        s,
		ReadTimeout:    s.opts.ReadTimeout,
		WriteTimeout:   s.opts.WriteTimeout,
		IdleTimeout:    s.opts.IdleTimeout,
		MaxHeaderBytes: s.opts.maxHeaderBytes(),
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				s.metrics.IncrementConnections()
			case http.StateClosed, http.StateHijacked:
				s.metrics.DecrementConnections()
			}
		},
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	s.logger.Info("Listener started", map[string]interface{}{
		"protocol": "servlet",
		"address":  ln.Addr().String(),
	})
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "servlet listener")
	}
	return nil
}

// Close は処理中のリクエストの完了を待ってサーバーを止める.
func (s *Servlet) Close() error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}

// ServeHTTP はリクエストをcallに変換してディスパッチし, コミットする.
func (s *Servlet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := &servletTransport{w: w, r: r}
	call := servercall.New(t)

	s.handler.Handle(r.Context(), call)
	if err := call.Commit(); err != nil {
		fields := map[string]interface{}{
			"protocol": "servlet",
			"remote":   r.RemoteAddr,
			"call_id":  call.ID(),
		}
		if t.writeErr != nil && isConnectionClosed(t.writeErr) {
			s.logger.Debug("Client closed connection during response", fields)
		} else {
			s.logger.Error("Writing response failed", err, fields)
		}
	}
	s.metrics.AddBytesTransferred(call.Written())
}

// servletTransport はnet/httpのリクエストとResponseWriterを包む転送層.
type servletTransport struct {
	w        http.ResponseWriter
	r        *http.Request
	writeErr error
}

func (t *servletTransport) Method() string      { return t.r.Method }
func (t *servletTransport) RequestURI() string  { return t.r.RequestURI }
func (t *servletTransport) Protocol() string    { return t.r.Proto }
func (t *servletTransport) Body() io.ReadCloser { return t.r.Body }
func (t *servletTransport) Confidential() bool  { return t.r.TLS != nil }

// Headers はnet/httpが取り除いたHostとTransfer-Encodingを戻して返す.
// net/httpは受信順を保持しないため名前順に並べる.
func (t *servletTransport) Headers() *domain.Headers {
	h := domain.NewHeaders()
	if t.r.Host != "" {
		h.Add("Host", t.r.Host)
	}
	names := make([]string, 0, len(t.r.Header))
	for name := range t.r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range t.r.Header[name] {
			h.Add(name, value)
		}
	}
	for _, te := range t.r.TransferEncoding {
		h.Add("Transfer-Encoding", te)
	}
	return h
}

func (t *servletTransport) Client() servercall.Endpoint {
	return servercall.ParseEndpoint(t.r.RemoteAddr)
}

func (t *servletTransport) Server() servercall.Endpoint {
	addr, _ := t.r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	return servercall.EndpointOf(addr)
}

// WriteResponse はcallのヘッダーでResponseWriterのヘッダーを置き換えて書き出す.
func (t *servletTransport) WriteResponse(resp *servercall.Response) (int64, error) {
	out := t.w.Header()
	for name := range out {
		delete(out, name)
	}
	for _, h := range resp.Headers.All() {
		out.Add(h.Name, h.Value)
	}
	// 未設定ならnet/httpに推測させない
	if _, ok := out["Content-Type"]; !ok {
		out["Content-Type"] = nil
	}
	entity := resp.Status.HasBody()
	if entity && resp.Size >= 0 {
		out.Set("Content-Length", strconv.FormatInt(resp.Size, 10))
	} else {
		out.Del("Content-Length")
	}
	t.w.WriteHeader(resp.Status.Code)

	var n int64
	var err error
	if entity && t.r.Method != http.MethodHead && resp.Body != nil {
		n, err = copyEntity(t.w, resp.Body, resp.Size)
	}
	if err != nil {
		t.writeErr = err
		return n, errors.Wrap(err, "writing entity")
	}
	if f, ok := t.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, nil
}
