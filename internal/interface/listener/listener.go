// Package listener はソケットから受け取ったバイト列をServerCallに変換し,
// Dispatcherに渡してレスポンスを書き戻す転送層ごとのアダプター.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"connector/internal/domain"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

// Runner は起動と停止ができるリスナー.
type Runner interface {
	// Serve はlnで接続を受け付ける. Closeまたはctxの終了で nil を返す.
	Serve(ctx context.Context, ln net.Listener) error
	Close() error
}

// Protocol は1つの接続上で届くcallを順に処理する.
type Protocol interface {
	Name() string
	ServeConn(ctx context.Context, conn net.Conn)
}

// Listener は接続ごとにゴルーチンを起動する受付ループ.
type Listener struct {
	protocol  Protocol
	tlsConfig *tls.Config
	logger    domain.Logger
	metrics   domain.MetricsCollector

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ Runner = (*Listener)(nil)

// New は新しいListenerインスタンスを作成.
func New(protocol Protocol, logger domain.Logger, metrics domain.MetricsCollector) *Listener {
	return &Listener{
		protocol: protocol,
		logger:   logger,
		metrics:  metrics,
		conns:    make(map[net.Conn]struct{}),
	}
}

// NewTLS は受け付けた接続をTLSで包むListenerを作成.
func NewTLS(protocol Protocol, config *tls.Config, logger domain.Logger, metrics domain.MetricsCollector) *Listener {
	l := New(protocol, logger, metrics)
	l.tlsConfig = config
	return l
}

// LoadTLSConfig は証明書と秘密鍵のファイルからTLS設定を作成.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading tls key pair")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Addr は待ち受けアドレス. Serve前はnil.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve は接続を受け付ける. 一時的なエラーはバックオフして再試行する.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	if l.tlsConfig != nil {
		ln = tls.NewListener(ln, l.tlsConfig)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ln.Close()
		return nil
	}
	l.ln = ln
	l.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()

	l.logger.Info("Listener started", map[string]interface{}{
		"protocol": l.protocol.Name(),
		"address":  ln.Addr().String(),
		"tls":      l.tlsConfig != nil,
	})

	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
		Jitter: true,
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() || isTemporary(err) {
				delay := b.Duration()
				l.logger.Warn("Accept failed, retrying", map[string]interface{}{
					"protocol": l.protocol.Name(),
					"error":    err.Error(),
					"delay":    delay.String(),
				})
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return errors.Wrapf(err, "%s listener accept", l.protocol.Name())
		}
		b.Reset()

		if !l.track(conn) {
			conn.Close()
			return nil
		}
		go l.handleConn(ctx, conn)
	}
}

func isTemporary(err error) bool {
	te, ok := err.(interface{ Temporary() bool })
	return ok && te.Temporary()
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	l.wg.Add(1)
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	l.wg.Done()
}

// handleConn は1つの接続を処理する. パニックしても受付ループは続く.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	l.metrics.IncrementConnections()
	defer func() {
		if r := recover(); r != nil {
			l.metrics.RecordError()
			l.logger.Error("Connection handler panicked", errors.Errorf("%v", r), map[string]interface{}{
				"protocol": l.protocol.Name(),
				"remote":   conn.RemoteAddr().String(),
			})
		}
		conn.Close()
		l.metrics.DecrementConnections()
		l.untrack(conn)
	}()

	l.protocol.ServeConn(ctx, conn)
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close は待ち受けと全ての接続を閉じ, 接続の処理が終わるまで待つ.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.wg.Wait()
		return nil
	}
	l.closed = true
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

// errShortEntity はエンティティが宣言したサイズより短かったことを表す.
// ハンドラーの誤りであり, クライアントの切断とは区別する.
type errShortEntity struct {
	declared int64
	written  int64
}

func (e *errShortEntity) Error() string {
	return fmt.Sprintf("entity shorter than declared %d bytes (got %d)", e.declared, e.written)
}

// copyEntity はbodyをwに書き出す. sizeが0以上ならsizeバイトちょうどを要求する.
func copyEntity(w io.Writer, body io.Reader, size int64) (int64, error) {
	if size < 0 {
		return io.Copy(w, body)
	}
	n, err := io.CopyN(w, body, size)
	if err == io.EOF {
		return n, &errShortEntity{declared: size, written: n}
	}
	return n, err
}

// isConnectionClosed は相手側の切断によるエラーかを判断
func isConnectionClosed(err error) bool {
	err = errors.Cause(err)
	if err == io.EOF || err == io.ErrUnexpectedEOF || errors.Is(err, net.ErrClosed) {
		return true
	}
	if operr, ok := err.(*net.OpError); ok {
		msg := operr.Err.Error()
		return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
	}
	return false
}

// connFields はログ用の接続情報.
func connFields(protocol string, conn net.Conn) map[string]interface{} {
	return map[string]interface{}{
		"protocol": protocol,
		"remote":   conn.RemoteAddr().String(),
	}
}
