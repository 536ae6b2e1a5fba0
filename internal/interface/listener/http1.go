package listener

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"connector/internal/domain"
	"connector/internal/interface/servercall"

	"github.com/pkg/errors"
)

const (
	defaultMaxHeaderBytes = 64 << 10
	// maxDrainBytes を超える未読のリクエストボディが残っていれば接続を閉じる.
	maxDrainBytes = 256 << 10
	lingerTimeout = 500 * time.Millisecond
)

// HTTPOptions はHTTP系リスナーの共通設定.
type HTTPOptions struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
}

func (o HTTPOptions) maxHeaderBytes() int {
	if o.MaxHeaderBytes <= 0 {
		return defaultMaxHeaderBytes
	}
	return o.MaxHeaderBytes
}

// HTTP は1つの接続上でHTTP/1.xのリクエストを順に処理する.
type HTTP struct {
	handler domain.Handler
	logger  domain.Logger
	metrics domain.MetricsCollector
	opts    HTTPOptions
}

var _ Protocol = (*HTTP)(nil)

// NewHTTP は新しいHTTPインスタンスを作成.
func NewHTTP(
	handler domain.Handler, logger domain.Logger, metrics domain.MetricsCollector, opts HTTPOptions,
) *HTTP {
	return &HTTP{handler: handler, logger: logger, metrics: metrics, opts: opts}
}

func (p *HTTP) Name() string { return "http" }

// ServeConn はkeep-aliveが続く限りリクエストを読み, callとして処理する.
func (p *HTTP) ServeConn(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	for served := 0; ctx.Err() == nil; served++ {
		if !p.awaitRequest(conn, br, served) {
			return
		}

		req, err := readRequest(br, p.opts.maxHeaderBytes())
		if err != nil {
			p.rejectRequest(conn, bw, err)
			return
		}

		t := &httpTransport{conn: conn, br: br, bw: bw, req: req, opts: p.opts}
		t.body = newHTTPBody(t)
		call := servercall.New(t)

		p.handler.Handle(ctx, call)
		if err := call.Commit(); err != nil {
			p.logCommitError(conn, call, t, err)
		}
		p.metrics.AddBytesTransferred(call.Written())

		if !t.keepAlive || !t.body.drain() {
			return
		}
	}
}

// awaitRequest は次のリクエストの先頭バイトが届くまで待つ.
func (p *HTTP) awaitRequest(conn net.Conn, br *bufio.Reader, served int) bool {
	wait := p.opts.ReadTimeout
	if served > 0 && p.opts.IdleTimeout > 0 {
		wait = p.opts.IdleTimeout
	}
	conn.SetReadDeadline(deadline(wait))
	if _, err := br.Peek(1); err != nil {
		if !isConnectionClosed(err) {
			p.logger.Debug("Connection idle timeout", connFields(p.Name(), conn))
		}
		return false
	}
	conn.SetReadDeadline(deadline(p.opts.ReadTimeout))
	return true
}

// rejectRequest は解析できなかったリクエストに応答して接続を閉じる.
func (p *HTTP) rejectRequest(conn net.Conn, bw *bufio.Writer, err error) {
	fields := connFields(p.Name(), conn)
	pe, ok := domain.AsProtocolError(err)
	if !ok {
		if !isConnectionClosed(err) {
			fields["error"] = err.Error()
			p.logger.Debug("Reading request failed", fields)
		}
		return
	}

	fields["status"] = pe.Status.Code
	fields["error"] = pe.Message
	p.logger.Warn("Malformed request", fields)
	p.metrics.RecordStatus(pe.Status)

	conn.SetWriteDeadline(deadline(p.opts.WriteTimeout))
	body := pe.Message + "\n"
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", pe.Status.Code, pe.Status.Reason)
	fmt.Fprintf(bw, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(bw, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(bw, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(bw, "Connection: close\r\n\r\n%s", body)
	if bw.Flush() == nil {
		lingerClose(conn)
	}
}

// lingerClose は送信側だけを閉じ, 未読の入力を読み捨ててから切断する.
// 未読データを残して閉じるとRSTで応答が失われる.
func lingerClose(conn net.Conn) {
	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok || cw.CloseWrite() != nil {
		return
	}
	conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	io.CopyN(io.Discard, conn, maxDrainBytes)
}

func (p *HTTP) logCommitError(conn net.Conn, call domain.ServerCall, t *httpTransport, err error) {
	fields := connFields(p.Name(), conn)
	fields["call_id"] = call.ID()
	fields["status"] = call.Status().Code
	if errors.Cause(err) == domain.ErrStatusUnset {
		p.logger.Error("Call committed without status", err, fields)
		return
	}
	if t.writeErr != nil && isConnectionClosed(t.writeErr) {
		p.logger.Debug("Client closed connection during response", fields)
		return
	}
	p.logger.Error("Writing response failed", err, fields)
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// httpRequest は解析済みのリクエスト行とヘッダー.
type httpRequest struct {
	method         string
	uri            string
	proto          string
	minor          int
	headers        *domain.Headers
	contentLength  int64
	chunked        bool
	expectContinue bool
	keepAlive      bool
}

// readRequest はリクエスト行とヘッダーを読む. 不正な入力はErrProtocolを返す.
func readRequest(br *bufio.Reader, maxHeaderBytes int) (*httpRequest, error) {
	remaining := maxHeaderBytes

	line, err := readLine(br, &remaining)
	if err != nil {
		return nil, err
	}
	// 先行する空行は読み飛ばす
	for line == "" {
		if line, err = readLine(br, &remaining); err != nil {
			return nil, err
		}
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, domain.NewProtocolError(http.StatusBadRequest, "malformed request line %q", line)
	}
	req := &httpRequest{method: parts[0], uri: parts[1], proto: parts[2], contentLength: -1}
	if !isToken(req.method) {
		return nil, domain.NewProtocolError(http.StatusBadRequest, "invalid method %q", req.method)
	}
	major, minor, ok := http.ParseHTTPVersion(req.proto)
	if !ok {
		return nil, domain.NewProtocolError(http.StatusBadRequest, "malformed protocol version %q", req.proto)
	}
	if major != 1 {
		return nil, domain.NewProtocolError(http.StatusHTTPVersionNotSupported, "unsupported protocol version %q", req.proto)
	}
	req.minor = minor

	req.headers = domain.NewHeaders()
	for {
		line, err := readLine(br, &remaining)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, domain.NewProtocolError(http.StatusBadRequest, "obsolete header line folding")
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 || !isToken(line[:i]) {
			return nil, domain.NewProtocolError(http.StatusBadRequest, "malformed header line %q", line)
		}
		req.headers.Add(line[:i], strings.Trim(line[i+1:], " \t"))
	}

	if err := req.frame(); err != nil {
		return nil, err
	}
	return req, nil
}

// readLine はCRLFまたはLFで終わる1行を読む. バッファより長い行は断片をつなぐ.
// remainingを使い切れば431.
func readLine(br *bufio.Reader, remaining *int) (string, error) {
	var long []byte
	for {
		frag, err := br.ReadSlice('\n')
		*remaining -= len(frag)
		if *remaining < 0 {
			return "", domain.NewProtocolError(http.StatusRequestHeaderFieldsTooLarge, "request header too large")
		}
		if err == bufio.ErrBufferFull {
			long = append(long, frag...)
			continue
		}
		if err != nil {
			return "", err
		}
		line := frag
		if long != nil {
			line = append(long, frag...)
		}
		line = bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'})
		return string(line), nil
	}
}

// frame はヘッダーからボディの区切り方と接続の再利用可否を決める.
func (r *httpRequest) frame() error {
	if te := r.headers.Values("Transfer-Encoding"); len(te) > 0 {
		codings := strings.Split(strings.ToLower(strings.Join(te, ",")), ",")
		if len(codings) != 1 || strings.TrimSpace(codings[0]) != "chunked" {
			return domain.NewProtocolError(http.StatusNotImplemented, "unsupported transfer coding %q", strings.Join(te, ", "))
		}
		r.chunked = true
	} else if cl := r.headers.Values("Content-Length"); len(cl) > 0 {
		for _, v := range cl[1:] {
			if v != cl[0] {
				return domain.NewProtocolError(http.StatusBadRequest, "conflicting Content-Length values")
			}
		}
		n, err := strconv.ParseInt(strings.TrimSpace(cl[0]), 10, 64)
		if err != nil || n < 0 {
			return domain.NewProtocolError(http.StatusBadRequest, "invalid Content-Length %q", cl[0])
		}
		r.contentLength = n
	} else {
		r.contentLength = 0
	}

	if r.minor >= 1 {
		r.keepAlive = !r.hasConnectionToken("close")
	} else {
		r.keepAlive = r.hasConnectionToken("keep-alive")
	}
	r.expectContinue = r.minor >= 1 && strings.EqualFold(r.headers.Get("Expect"), "100-continue")
	return nil
}

func (r *httpRequest) hasConnectionToken(token string) bool {
	for _, v := range r.headers.Values("Connection") {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`"(),/:;<=>?@[\]{}`, c) >= 0 {
			return false
		}
	}
	return s != ""
}

// httpTransport はHTTP/1.xの1リクエスト分の転送層.
type httpTransport struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	req  *httpRequest
	body *httpBody
	opts HTTPOptions

	keepAlive bool
	writeErr  error
}

func (t *httpTransport) Method() string           { return t.req.method }
func (t *httpTransport) RequestURI() string       { return t.req.uri }
func (t *httpTransport) Protocol() string         { return t.req.proto }
func (t *httpTransport) Headers() *domain.Headers { return t.req.headers }
func (t *httpTransport) Body() io.ReadCloser      { return t.body }

func (t *httpTransport) Client() servercall.Endpoint {
	return servercall.EndpointOf(t.conn.RemoteAddr())
}

func (t *httpTransport) Server() servercall.Endpoint {
	return servercall.EndpointOf(t.conn.LocalAddr())
}

func (t *httpTransport) Confidential() bool {
	_, ok := t.conn.(*tls.Conn)
	return ok
}

var headerValueReplacer = strings.NewReplacer("\r", " ", "\n", " ")

// WriteResponse はステータス行, ヘッダー, エンティティを書き出す.
// 長さが分からないエンティティはHTTP/1.1ならchunked, HTTP/1.0なら切断で区切る.
func (t *httpTransport) WriteResponse(resp *servercall.Response) (int64, error) {
	t.conn.SetWriteDeadline(deadline(t.opts.WriteTimeout))
	t.keepAlive = t.req.keepAlive

	entity := resp.Status.HasBody()
	sendBody := entity && t.req.method != "HEAD"
	chunked := false

	bw := t.bw
	fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", resp.Status.Code, headerValueReplacer.Replace(resp.Status.Reason))
	for _, h := range resp.Headers.All() {
		switch strings.ToLower(h.Name) {
		case "content-length", "transfer-encoding":
			continue
		case "connection":
			if strings.EqualFold(strings.TrimSpace(h.Value), "close") {
				t.keepAlive = false
			}
			continue
		}
		fmt.Fprintf(bw, "%s: %s\r\n", h.Name, headerValueReplacer.Replace(h.Value))
	}
	if !resp.Headers.Has("Date") {
		fmt.Fprintf(bw, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	}
	if entity {
		switch {
		case resp.Size >= 0:
			fmt.Fprintf(bw, "Content-Length: %d\r\n", resp.Size)
		case t.req.minor >= 1:
			chunked = true
			bw.WriteString("Transfer-Encoding: chunked\r\n")
		default:
			t.keepAlive = false
		}
	}
	// 100-continueに応じていないボディは読まずに閉じる
	if t.body.awaitingContinue() {
		t.keepAlive = false
	}
	switch {
	case !t.keepAlive:
		bw.WriteString("Connection: close\r\n")
	case t.req.minor == 0:
		bw.WriteString("Connection: keep-alive\r\n")
	}
	bw.WriteString("\r\n")

	var n int64
	var err error
	if sendBody {
		n, err = t.writeEntity(resp, chunked)
	}
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		t.keepAlive = false
		t.writeErr = err
		return n, err
	}
	return n, nil
}

func (t *httpTransport) writeEntity(resp *servercall.Response, chunked bool) (int64, error) {
	body := resp.Body
	if body == nil {
		body = bytes.NewReader(nil)
	}

	switch {
	case chunked:
		cw := httputil.NewChunkedWriter(t.bw)
		n, err := io.Copy(cw, body)
		if err != nil {
			return n, errors.Wrap(err, "writing chunked entity")
		}
		if err := cw.Close(); err != nil {
			return n, err
		}
		_, err = t.bw.WriteString("\r\n")
		return n, err
	default:
		return copyEntity(t.bw, body, resp.Size)
	}
}

// httpBody はContent-Lengthまたはchunkedで区切られたリクエストボディ.
type httpBody struct {
	t         *httpTransport
	r         io.Reader
	continued bool
	eof       bool
	err       error
}

func newHTTPBody(t *httpTransport) *httpBody {
	b := &httpBody{t: t}
	switch {
	case t.req.chunked:
		b.r = httputil.NewChunkedReader(t.br)
	case t.req.contentLength > 0:
		b.r = io.LimitReader(t.br, t.req.contentLength)
	default:
		b.eof = true
	}
	return b
}

func (b *httpBody) awaitingContinue() bool {
	return b.t.req.expectContinue && !b.continued && !b.eof
}

func (b *httpBody) Read(p []byte) (int, error) {
	if b.eof {
		return 0, io.EOF
	}
	if b.err != nil {
		return 0, b.err
	}
	if b.awaitingContinue() {
		b.continued = true
		b.t.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
		if err := b.t.bw.Flush(); err != nil {
			b.err = err
			return 0, err
		}
	}

	n, err := b.r.Read(p)
	switch {
	case err == io.EOF:
		if b.t.req.chunked {
			if terr := b.readTrailer(); terr != nil {
				b.err = terr
				return n, terr
			}
		} else if b.t.req.contentLength > 0 && b.consumedShort() {
			b.err = io.ErrUnexpectedEOF
			return n, b.err
		}
		b.eof = true
	case err != nil:
		b.err = err
	}
	return n, err
}

// consumedShort は宣言された長さに達する前に接続が切れたか.
func (b *httpBody) consumedShort() bool {
	lr, ok := b.r.(*io.LimitedReader)
	return ok && lr.N > 0
}

// readTrailer はchunkedボディの末尾のトレーラーを読み捨てる.
func (b *httpBody) readTrailer() error {
	remaining := b.t.opts.maxHeaderBytes()
	for {
		line, err := readLine(b.t.br, &remaining)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func (b *httpBody) Close() error { return nil }

// drain は次のリクエストを読めるよう未読のボディを読み捨てる.
func (b *httpBody) drain() bool {
	if b.awaitingContinue() {
		return false
	}
	if b.eof {
		return true
	}
	_, err := io.CopyN(io.Discard, b, maxDrainBytes+1)
	return err == io.EOF && b.eof
}
