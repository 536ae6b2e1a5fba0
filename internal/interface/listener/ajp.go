package listener

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"

	"connector/internal/domain"
	"connector/internal/interface/servercall"

	"github.com/pkg/errors"
)

// AJP13のパケット種別
const (
	ajpForwardRequest = 2
	ajpSendBodyChunk  = 3
	ajpSendHeaders    = 4
	ajpEndResponse    = 5
	ajpGetBodyChunk   = 6
	ajpShutdown       = 7
	ajpCPong          = 9
	ajpCPing          = 10
)

const (
	ajpMaxPacketSize = 8192
	ajpHeaderSize    = 4
	// ajpMaxReadChunk はGET_BODY_CHUNKで要求する最大長.
	ajpMaxReadChunk = ajpMaxPacketSize - ajpHeaderSize - 2
	// ajpMaxSendChunk はSEND_BODY_CHUNK 1つに載せる最大長.
	ajpMaxSendChunk = ajpMaxPacketSize - ajpHeaderSize - 4
)

var ajpMethods = []string{
	"", "OPTIONS", "GET", "HEAD", "POST", "PUT", "DELETE", "TRACE",
	"PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK",
	"ACL", "REPORT", "VERSION-CONTROL", "CHECKIN", "CHECKOUT", "UNCHECKOUT",
	"SEARCH", "MKWORKSPACE", "UPDATE", "LABEL", "MERGE", "BASELINE-CONTROL", "MKACTIVITY",
}

var ajpRequestHeaders = map[uint16]string{
	0xA001: "Accept",
	0xA002: "Accept-Charset",
	0xA003: "Accept-Encoding",
	0xA004: "Accept-Language",
	0xA005: "Authorization",
	0xA006: "Connection",
	0xA007: "Content-Type",
	0xA008: "Content-Length",
	0xA009: "Cookie",
	0xA00A: "Cookie2",
	0xA00B: "Host",
	0xA00C: "Pragma",
	0xA00D: "Referer",
	0xA00E: "User-Agent",
}

var ajpResponseHeaders = map[string]uint16{
	"content-type":     0xA001,
	"content-language": 0xA002,
	"content-length":   0xA003,
	"date":             0xA004,
	"last-modified":    0xA005,
	"location":         0xA006,
	"set-cookie":       0xA007,
	"set-cookie2":      0xA008,
	"servlet-engine":   0xA009,
	"status":           0xA00A,
	"www-authenticate": 0xA00B,
}

// リクエスト属性のコード
const (
	ajpAttrContext      = 0x01
	ajpAttrServletPath  = 0x02
	ajpAttrRemoteUser   = 0x03
	ajpAttrAuthType     = 0x04
	ajpAttrQueryString  = 0x05
	ajpAttrJvmRoute     = 0x06
	ajpAttrSSLCert      = 0x07
	ajpAttrSSLCipher    = 0x08
	ajpAttrSSLSession   = 0x09
	ajpAttrReqAttribute = 0x0A
	ajpAttrSSLKeySize   = 0x0B
	ajpAttrSecret       = 0x0C
	ajpAttrStoredMethod = 0x0D
	ajpAttrEnd          = 0xFF
)

var ajpAttributeNames = map[byte]string{
	ajpAttrContext:     "context",
	ajpAttrServletPath: "servlet_path",
	ajpAttrRemoteUser:  "remote_user",
	ajpAttrAuthType:    "auth_type",
	ajpAttrJvmRoute:    "jvm_route",
	ajpAttrSSLCert:     "ssl_cert",
	ajpAttrSSLCipher:   "ssl_cipher",
	ajpAttrSSLSession:  "ssl_session",
	ajpAttrSecret:      "secret",
}

// AJP はWebサーバーからAJP13で転送されたリクエストを処理する.
type AJP struct {
	handler domain.Handler
	logger  domain.Logger
	metrics domain.MetricsCollector
	opts    HTTPOptions
}

var _ Protocol = (*AJP)(nil)

// NewAJP は新しいAJPインスタンスを作成.
func NewAJP(
	handler domain.Handler, logger domain.Logger, metrics domain.MetricsCollector, opts HTTPOptions,
) *AJP {
	return &AJP{handler: handler, logger: logger, metrics: metrics, opts: opts}
}

func (p *AJP) Name() string { return "ajp" }

// ServeConn はパケットを読み, FORWARD_REQUESTごとにcallを処理する.
func (p *AJP) ServeConn(ctx context.Context, conn net.Conn) {
	c := &ajpConn{conn: conn, br: bufio.NewReaderSize(conn, ajpMaxPacketSize)}

	for served := 0; ctx.Err() == nil; served++ {
		wait := p.opts.ReadTimeout
		if served > 0 && p.opts.IdleTimeout > 0 {
			wait = p.opts.IdleTimeout
		}
		conn.SetReadDeadline(deadline(wait))

		payload, err := c.readPacket()
		if err != nil {
			if !isConnectionClosed(err) {
				fields := connFields(p.Name(), conn)
				fields["error"] = err.Error()
				p.logger.Debug("Reading packet failed", fields)
			}
			return
		}
		conn.SetReadDeadline(deadline(p.opts.ReadTimeout))
		if len(payload) == 0 {
			p.logger.Warn("Empty packet", connFields(p.Name(), conn))
			return
		}

		switch payload[0] {
		case ajpForwardRequest:
			if !p.serveRequest(ctx, c, payload) {
				return
			}
		case ajpCPing:
			if err := c.writePacket([]byte{ajpCPong}); err != nil {
				return
			}
		case ajpShutdown:
			p.logger.Debug("Ignoring shutdown packet", connFields(p.Name(), conn))
		default:
			fields := connFields(p.Name(), conn)
			fields["type"] = payload[0]
			p.logger.Warn("Unexpected packet", fields)
			return
		}
	}
}

// serveRequest は1つのFORWARD_REQUESTを処理する. 接続を再利用できればtrue.
func (p *AJP) serveRequest(ctx context.Context, c *ajpConn, payload []byte) bool {
	req, err := parseForwardRequest(payload)
	if err != nil {
		fields := connFields(p.Name(), c.conn)
		fields["error"] = err.Error()
		p.logger.Warn("Malformed forward request", fields)
		p.metrics.RecordStatus(domain.StatusBadRequest)
		c.writeBadRequest()
		return false
	}

	t := &ajpTransport{c: c, req: req, opts: p.opts}
	t.body = newAJPBody(c, req.contentLength())
	call := servercall.New(t)

	p.handler.Handle(ctx, call)
	if err := call.Commit(); err != nil {
		fields := connFields(p.Name(), c.conn)
		fields["call_id"] = call.ID()
		if t.writeErr != nil && isConnectionClosed(t.writeErr) {
			p.logger.Debug("Web server closed connection during response", fields)
		} else {
			p.logger.Error("Writing response failed", err, fields)
		}
	}
	p.metrics.AddBytesTransferred(call.Written())
	return t.reuse
}

// ajpConn はパケット単位の読み書き.
type ajpConn struct {
	conn net.Conn
	br   *bufio.Reader
}

// readPacket は0x1234で始まるWebサーバーからのパケットを読み, ペイロードを返す.
func (c *ajpConn) readPacket() ([]byte, error) {
	var header [ajpHeaderSize]byte
	if _, err := io.ReadFull(c.br, header[:]); err != nil {
		return nil, err
	}
	if header[0] != 0x12 || header[1] != 0x34 {
		return nil, errors.Errorf("invalid packet magic %#x%02x", header[0], header[1])
	}
	size := int(binary.BigEndian.Uint16(header[2:]))
	if size > ajpMaxPacketSize-ajpHeaderSize {
		return nil, errors.Errorf("packet of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return nil, errors.Wrap(err, "reading packet payload")
	}
	return payload, nil
}

// writePacket は"AB"で始まるパケットとしてペイロードを送る.
func (c *ajpConn) writePacket(payload []byte) error {
	if len(payload) > ajpMaxPacketSize-ajpHeaderSize {
		return errors.Errorf("packet of %d bytes exceeds limit", len(payload))
	}
	packet := make([]byte, ajpHeaderSize, ajpHeaderSize+len(payload))
	packet[0], packet[1] = 'A', 'B'
	binary.BigEndian.PutUint16(packet[2:], uint16(len(payload)))
	packet = append(packet, payload...)
	_, err := c.conn.Write(packet)
	return err
}

func (c *ajpConn) writeBadRequest() {
	var m ajpMessage
	m.appendByte(ajpSendHeaders)
	m.appendInt16(400)
	m.appendString("Bad Request")
	m.appendInt16(0)
	if c.writePacket(m.buf) == nil {
		c.writePacket([]byte{ajpEndResponse, 0})
	}
}

// ajpMessage はコンテナからWebサーバーへのメッセージを組み立てる.
type ajpMessage struct {
	buf []byte
}

func (m *ajpMessage) appendByte(b byte) { m.buf = append(m.buf, b) }

func (m *ajpMessage) appendInt16(v int) {
	m.buf = binary.BigEndian.AppendUint16(m.buf, uint16(v))
}

func (m *ajpMessage) appendString(s string) {
	m.appendInt16(len(s))
	m.buf = append(m.buf, s...)
	m.buf = append(m.buf, 0)
}

// ajpDecoder はペイロードを先頭から読む. 最初のエラーを保持する.
type ajpDecoder struct {
	buf []byte
	pos int
	err error
}

func (d *ajpDecoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = errors.Errorf(format, args...)
	}
}

func (d *ajpDecoder) readByte() byte {
	if d.err != nil || d.pos >= len(d.buf) {
		d.fail("truncated packet at offset %d", d.pos)
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

func (d *ajpDecoder) readUint16() uint16 {
	if d.err != nil || d.pos+2 > len(d.buf) {
		d.fail("truncated packet at offset %d", d.pos)
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v
}

func (d *ajpDecoder) readBool() bool { return d.readByte() != 0 }

// string は長さ付きでNUL終端の文字列を読む. 長さ0xFFFFはnull.
func (d *ajpDecoder) readString() (string, bool) {
	n := d.readUint16()
	if d.err != nil {
		return "", false
	}
	if n == 0xFFFF {
		return "", false
	}
	end := d.pos + int(n)
	if end+1 > len(d.buf) || d.buf[end] != 0 {
		d.fail("malformed string at offset %d", d.pos)
		return "", false
	}
	s := string(d.buf[d.pos:end])
	d.pos = end + 1
	return s, true
}

// ajpRequest はFORWARD_REQUESTの内容.
type ajpRequest struct {
	method     string
	protocol   string
	uri        string
	remoteAddr string
	remoteHost string
	remotePort int
	serverName string
	serverPort int
	ssl        bool
	headers    *domain.Headers
	attributes map[string]string
}

// contentLength は宣言されたボディ長. 無ければ-1.
func (r *ajpRequest) contentLength() int64 {
	v := r.headers.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func parseForwardRequest(payload []byte) (*ajpRequest, error) {
	d := &ajpDecoder{buf: payload}
	if d.readByte() != ajpForwardRequest {
		return nil, errors.New("not a forward request")
	}

	req := &ajpRequest{headers: domain.NewHeaders(), attributes: make(map[string]string)}
	code := d.readByte()
	switch {
	case code == 0xFF:
	case int(code) > 0 && int(code) < len(ajpMethods):
		req.method = ajpMethods[code]
	default:
		d.fail("unknown method code %d", code)
	}

	req.protocol, _ = d.readString()
	req.uri, _ = d.readString()
	req.remoteAddr, _ = d.readString()
	req.remoteHost, _ = d.readString()
	req.serverName, _ = d.readString()
	req.serverPort = int(d.readUint16())
	req.ssl = d.readBool()

	count := int(d.readUint16())
	for i := 0; i < count && d.err == nil; i++ {
		var name string
		if d.pos < len(d.buf) && d.buf[d.pos] == 0xA0 {
			c := d.readUint16()
			known, ok := ajpRequestHeaders[c]
			if !ok {
				d.fail("unknown header code %#x", c)
				break
			}
			name = known
		} else {
			name, _ = d.readString()
		}
		value, _ := d.readString()
		req.headers.Add(name, value)
	}

	query := ""
	for d.err == nil {
		attr := d.readByte()
		if attr == ajpAttrEnd || d.err != nil {
			break
		}
		switch attr {
		case ajpAttrQueryString:
			query, _ = d.readString()
		case ajpAttrReqAttribute:
			name, _ := d.readString()
			value, _ := d.readString()
			if name == "AJP_REMOTE_PORT" {
				req.remotePort, _ = strconv.Atoi(value)
			}
			req.attributes[name] = value
		case ajpAttrSSLKeySize:
			req.attributes["ssl_key_size"] = strconv.Itoa(int(d.readUint16()))
		case ajpAttrStoredMethod:
			req.method, _ = d.readString()
		default:
			name, ok := ajpAttributeNames[attr]
			if !ok {
				d.fail("unknown attribute code %#x", attr)
				break
			}
			req.attributes[name], _ = d.readString()
		}
	}
	if d.err != nil {
		return nil, d.err
	}

	if req.method == "" {
		return nil, errors.New("request method missing")
	}
	if req.uri == "" {
		return nil, errors.New("request uri missing")
	}
	if query != "" {
		req.uri += "?" + query
		req.attributes["query_string"] = query
	}
	if !req.headers.Has("Host") && req.serverName != "" {
		req.headers.Add("Host", net.JoinHostPort(req.serverName, strconv.Itoa(req.serverPort)))
	}
	return req, nil
}

// ajpTransport はAJP13の1リクエスト分の転送層.
type ajpTransport struct {
	c    *ajpConn
	req  *ajpRequest
	body *ajpBody
	opts HTTPOptions

	reuse    bool
	writeErr error
}

func (t *ajpTransport) Method() string                { return t.req.method }
func (t *ajpTransport) RequestURI() string            { return t.req.uri }
func (t *ajpTransport) Protocol() string              { return t.req.protocol }
func (t *ajpTransport) Headers() *domain.Headers      { return t.req.headers }
func (t *ajpTransport) Body() io.ReadCloser           { return t.body }
func (t *ajpTransport) Confidential() bool            { return t.req.ssl }
func (t *ajpTransport) Attributes() map[string]string { return t.req.attributes }

func (t *ajpTransport) Client() servercall.Endpoint {
	return servercall.Endpoint{Address: t.req.remoteAddr, Port: t.req.remotePort}
}

func (t *ajpTransport) Server() servercall.Endpoint {
	return servercall.Endpoint{Address: t.req.serverName, Port: t.req.serverPort}
}

// WriteResponse はSEND_HEADERS, SEND_BODY_CHUNK, END_RESPONSEを順に送る.
func (t *ajpTransport) WriteResponse(resp *servercall.Response) (int64, error) {
	t.c.conn.SetWriteDeadline(deadline(t.opts.WriteTimeout))

	n, err := t.writeResponse(resp)
	if err == nil {
		// 最初のボディパケットが未読なら読み捨てる
		err = t.body.swallowFirst()
	}
	t.reuse = err == nil
	end := []byte{ajpEndResponse, 0}
	if t.reuse {
		end[1] = 1
	}
	if werr := t.c.writePacket(end); err == nil && werr != nil {
		t.reuse = false
		err = werr
	}
	if err != nil {
		t.writeErr = err
	}
	return n, err
}

func (t *ajpTransport) writeResponse(resp *servercall.Response) (int64, error) {
	entity := resp.Status.HasBody()

	var m ajpMessage
	m.appendByte(ajpSendHeaders)
	m.appendInt16(resp.Status.Code)
	m.appendString(resp.Status.Reason)

	var headers []domain.Header
	for _, h := range resp.Headers.All() {
		switch strings.ToLower(h.Name) {
		case "content-length", "transfer-encoding", "connection":
			continue
		}
		headers = append(headers, h)
	}
	if entity && resp.Size >= 0 {
		headers = append(headers, domain.Header{Name: "Content-Length", Value: strconv.FormatInt(resp.Size, 10)})
	}
	m.appendInt16(len(headers))
	for _, h := range headers {
		if code, ok := ajpResponseHeaders[strings.ToLower(h.Name)]; ok {
			m.appendInt16(int(code))
		} else {
			m.appendString(h.Name)
		}
		m.appendString(h.Value)
	}
	if err := t.c.writePacket(m.buf); err != nil {
		return 0, errors.Wrap(err, "sending headers")
	}

	if !entity || t.req.method == "HEAD" || resp.Body == nil {
		return 0, nil
	}
	body := resp.Body
	if resp.Size >= 0 {
		body = io.LimitReader(body, resp.Size)
	}

	var written int64
	chunk := make([]byte, ajpMaxSendChunk)
	for {
		nr, rerr := io.ReadFull(body, chunk)
		if nr > 0 {
			var cm ajpMessage
			cm.appendByte(ajpSendBodyChunk)
			cm.appendInt16(nr)
			cm.buf = append(cm.buf, chunk[:nr]...)
			cm.appendByte(0)
			if err := t.c.writePacket(cm.buf); err != nil {
				return written, errors.Wrap(err, "sending body chunk")
			}
			written += int64(nr)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return written, errors.Wrap(rerr, "reading entity")
		}
	}
	if resp.Size >= 0 && written != resp.Size {
		return written, errors.Errorf("entity shorter than declared %d bytes", resp.Size)
	}
	return written, nil
}

// ajpBody はWebサーバーからボディパケットを受け取るリーダー.
// 最初のパケットはFORWARD_REQUESTに続いて届き, 以降はGET_BODY_CHUNKで要求する.
type ajpBody struct {
	c         *ajpConn
	remaining int64
	first     bool
	buf       []byte
	eof       bool
	err       error
}

func newAJPBody(c *ajpConn, contentLength int64) *ajpBody {
	return &ajpBody{
		c:         c,
		remaining: contentLength,
		first:     contentLength > 0,
		eof:       contentLength == 0,
	}
}

func (b *ajpBody) Read(p []byte) (int, error) {
	for len(b.buf) == 0 {
		if b.eof {
			return 0, io.EOF
		}
		if b.err != nil {
			return 0, b.err
		}
		if err := b.fetch(); err != nil {
			b.err = err
			return 0, err
		}
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *ajpBody) fetch() error {
	if b.first {
		b.first = false
	} else {
		size := int64(ajpMaxReadChunk)
		if b.remaining >= 0 && b.remaining < size {
			size = b.remaining
		}
		var m ajpMessage
		m.appendByte(ajpGetBodyChunk)
		m.appendInt16(int(size))
		if err := b.c.writePacket(m.buf); err != nil {
			return errors.Wrap(err, "requesting body chunk")
		}
	}

	payload, err := b.c.readPacket()
	if err != nil {
		return errors.Wrap(err, "reading body chunk")
	}
	if len(payload) < 2 {
		b.eof = true
		return nil
	}
	size := int(binary.BigEndian.Uint16(payload))
	if size == 0 {
		b.eof = true
		return nil
	}
	if size > len(payload)-2 {
		return errors.Errorf("body chunk declares %d bytes but carries %d", size, len(payload)-2)
	}
	b.buf = payload[2 : 2+size]
	if b.remaining >= 0 {
		b.remaining -= int64(size)
		if b.remaining <= 0 {
			b.eof = true
		}
	}
	return nil
}

// swallowFirst はWebサーバーが自発的に送った最初のボディパケットを読み捨てる.
func (b *ajpBody) swallowFirst() error {
	if !b.first {
		return nil
	}
	b.first = false
	if _, err := b.c.readPacket(); err != nil {
		return errors.Wrap(err, "discarding body chunk")
	}
	return nil
}

func (b *ajpBody) Close() error { return nil }
