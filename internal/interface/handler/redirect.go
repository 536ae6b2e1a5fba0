package handler

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"connector/internal/domain"
	"connector/internal/usecase"

	"github.com/pkg/errors"
)

// hopHeaders は転送しないホップ間ヘッダー.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// breakable はプールに戻さず閉じるよう指示できる接続.
type breakable interface {
	MarkBroken()
}

// RedirectHandler はリクエストをtcp://のバックエンドへHTTP/1.1で転送する.
// バックエンドへの接続はConnectionSourceのプールから借りる.
type RedirectHandler struct {
	source      domain.ConnectionSource
	target      string
	properties  map[string]string
	stripPrefix string
	logger      domain.Logger
}

// RedirectConfig はRedirectHandlerの設定.
type RedirectConfig struct {
	// Target は"tcp://host:port"形式のバックエンド.
	Target string
	// Properties はプール設定などの接続プロパティ.
	Properties map[string]string
	// StripPrefix が空でなければ転送前にパスから取り除く.
	StripPrefix string
}

// NewRedirectHandler は新しいRedirectHandlerインスタンスを作成
func NewRedirectHandler(
	source domain.ConnectionSource, config RedirectConfig, logger domain.Logger,
) *RedirectHandler {
	return &RedirectHandler{
		source:      source,
		target:      config.Target,
		properties:  config.Properties,
		stripPrefix: strings.TrimSuffix(config.StripPrefix, "/"),
		logger:      logger,
	}
}

// Methods は全ての既知メソッドを転送する表.
func (h *RedirectHandler) Methods() usecase.Methods {
	methods := usecase.Methods{}
	for _, m := range []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"} {
		methods[m] = h.Handle
	}
	return methods
}

// Handle はcallをバックエンドへ転送し, 応答をそのまま中継する.
func (h *RedirectHandler) Handle(ctx context.Context, call domain.ServerCall) error {
	fields := map[string]interface{}{
		"call_id": call.ID(),
		"target":  h.target,
		"method":  call.Method(),
		"uri":     call.RequestURI(),
	}

	req, err := h.outboundRequest(ctx, call)
	if err != nil {
		return err
	}

	conn, err := h.source.GetConnection(ctx, h.target, h.properties, true)
	if err != nil {
		h.logger.Error("Backend connection failed", err, fields)
		return respondText(call, domain.StatusBadGateway, "backend unavailable")
	}

	rw, ok := conn.(io.ReadWriter)
	if !ok {
		conn.Close()
		return errors.Errorf("connection to %s is not a stream", h.target)
	}

	resp, order, err := roundTrip(rw, req)
	if err != nil {
		markBroken(conn)
		conn.Close()
		h.logger.Error("Backend request failed", err, fields)
		return respondText(call, domain.StatusBadGateway, "backend request failed")
	}
	if !domain.NewStatus(resp.StatusCode).IsValid() {
		resp.Body.Close()
		markBroken(conn)
		conn.Close()
		h.logger.Error("Backend returned invalid status", errors.Errorf("status code %d", resp.StatusCode), fields)
		return respondText(call, domain.StatusBadGateway, "backend returned invalid status")
	}

	if err := h.relay(call, resp, order, conn); err != nil {
		resp.Body.Close()
		markBroken(conn)
		conn.Close()
		return err
	}
	return nil
}

func (h *RedirectHandler) outboundRequest(ctx context.Context, call domain.ServerCall) (*http.Request, error) {
	token := domain.TokenOf(call)
	path := token.Path
	if h.stripPrefix != "" {
		path = strings.TrimPrefix(path, h.stripPrefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	if token.Query != "" {
		path += "?" + token.Query
	}

	body, err := call.RequestBody()
	if err != nil {
		return nil, err
	}

	headers := call.RequestHeaders()
	host := headers.Get("Host")
	if host == "" {
		host = strings.TrimPrefix(h.target, "tcp://")
	}

	req, err := http.NewRequestWithContext(ctx, token.Method, "http://"+host+path, nil)
	if err != nil {
		body.Close()
		return nil, domain.NewProtocolError(400, "invalid request target: %v", err)
	}

	for _, e := range headers.All() {
		if isHopHeader(e.Name) || strings.EqualFold(e.Name, "Host") || strings.EqualFold(e.Name, "Content-Length") {
			continue
		}
		req.Header.Add(e.Name, e.Value)
	}
	forwarded := call.ClientAddress()
	if prior := headers.Get("X-Forwarded-For"); prior != "" {
		forwarded = prior + ", " + forwarded
	}
	req.Header.Set("X-Forwarded-For", forwarded)

	req.ContentLength = requestLength(headers)
	switch req.ContentLength {
	case 0:
		body.Close()
		req.Body = http.NoBody
	default:
		req.Body = body
	}
	return req, nil
}

// requestLength はリクエストボディの長さ. chunkedなら-1.
func requestLength(headers *domain.Headers) int64 {
	if n, err := strconv.ParseInt(headers.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
		return n
	}
	if strings.Contains(strings.ToLower(headers.Get("Transfer-Encoding")), "chunked") {
		return -1
	}
	return 0
}

// roundTrip はreqを書き込み応答を読む. 応答ヘッダー名を現れた順に返す.
func roundTrip(rw io.ReadWriter, req *http.Request) (*http.Response, []string, error) {
	if err := req.Write(rw); err != nil {
		return nil, nil, errors.Wrap(err, "writing request to backend")
	}
	rec := &headerRecorder{r: rw, on: true}
	resp, err := http.ReadResponse(bufio.NewReader(rec), req)
	rec.on = false
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading backend response")
	}
	return resp, headerOrder(rec.raw), nil
}

// headerRecorder は応答ヘッダーを読む間だけ生のバイト列を記録する.
type headerRecorder struct {
	r   io.Reader
	raw []byte
	on  bool
}

func (h *headerRecorder) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if h.on {
		h.raw = append(h.raw, p[:n]...)
	}
	return n, err
}

// headerOrder はステータス行に続くヘッダーブロックから名前を初出順に取り出す.
func headerOrder(raw []byte) []string {
	if end := bytes.Index(raw, []byte("\r\n\r\n")); end >= 0 {
		raw = raw[:end]
	}
	lines := strings.Split(string(raw), "\n")
	seen := make(map[string]bool)
	var names []string
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		name := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:i]))
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// relay はバックエンドの応答をcallに設定する. 本文を閉じた時点で接続を返却する.
// ヘッダーはorderの順に, 同名の値はバックエンドが送った順に並べる.
func (h *RedirectHandler) relay(
	call domain.ServerCall, resp *http.Response, order []string, conn domain.Connection,
) error {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if err := call.SetStatus(domain.Status{Code: resp.StatusCode, Reason: reason}); err != nil {
		return err
	}

	names := make([]string, 0, len(resp.Header))
	listed := make(map[string]bool, len(order))
	for _, name := range order {
		if _, ok := resp.Header[name]; ok && !listed[name] {
			listed[name] = true
			names = append(names, name)
		}
	}
	var rest []string
	for name := range resp.Header {
		if !listed[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	out := call.ResponseHeaders()
	for _, name := range names {
		if isHopHeader(name) || name == "Content-Length" {
			continue
		}
		for _, value := range resp.Header[name] {
			out.Add(name, value)
		}
	}

	size := resp.ContentLength
	if call.Method() == "HEAD" || !domain.NewStatus(resp.StatusCode).HasBody() {
		size = 0
	}
	return call.SetResponseBody(&relayBody{ReadCloser: resp.Body, conn: conn, reuse: !resp.Close}, size)
}

// relayBody は中継する本文. Closeで接続をプールに返す.
type relayBody struct {
	io.ReadCloser
	conn  domain.Connection
	reuse bool
}

func (b *relayBody) Close() error {
	err := b.ReadCloser.Close()
	if err != nil || !b.reuse {
		markBroken(b.conn)
	}
	if cerr := b.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func markBroken(conn domain.Connection) {
	if b, ok := conn.(breakable); ok {
		b.MarkBroken()
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
