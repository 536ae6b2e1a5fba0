// Package servercall は転送層ごとのリクエストを統一的なServerCallに正規化する.
package servercall

import (
	"io"
	"net"
	"strconv"
	"sync"

	"connector/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Endpoint は接続の片側のアドレスとポート.
type Endpoint struct {
	Address string
	Port    int
}

// EndpointOf はnet.AddrからEndpointを作成.
func EndpointOf(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	return ParseEndpoint(addr.String())
}

// ParseEndpoint は"host:port"形式の文字列を分解する. ポートが無ければ0.
func ParseEndpoint(hostport string) Endpoint {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{Address: hostport}
	}
	p, _ := strconv.Atoi(port)
	return Endpoint{Address: host, Port: p}
}

// Response はコミット時に転送層へ渡すレスポンス.
type Response struct {
	Status  domain.Status
	Headers *domain.Headers
	// Body がnilなら長さ0のエンティティ.
	Body io.Reader
	// Size は-1なら長さ不明.
	Size int64
}

// Transport は転送層固有のリクエスト/レスポンス処理.
// Callはこれに委譲して統一的な振る舞いを提供する.
type Transport interface {
	Method() string
	RequestURI() string
	Protocol() string
	// Headers は高々1回だけ呼ばれる.
	Headers() *domain.Headers
	// Body は高々1回だけ呼ばれる.
	Body() io.ReadCloser
	Client() Endpoint
	Server() Endpoint
	Confidential() bool
	// WriteResponse はステータス, ヘッダー, エンティティを書き出しフラッシュする.
	// 書き込んだエンティティのバイト数を返す.
	WriteResponse(resp *Response) (int64, error)
}

// Call はTransportに委譲するServerCallの実装.
type Call struct {
	id        string
	transport Transport

	mu    sync.Mutex
	state domain.CallState

	headersOnce sync.Once
	headers     *domain.Headers
	bodyTaken   bool

	attributes map[string]string

	status   domain.Status
	respHdrs *domain.Headers
	respBody io.Reader
	respSize int64
	written  int64
}

var _ domain.ServerCall = (*Call)(nil)

// attributeSource は転送層が独自の属性を持つ場合に実装する.
type attributeSource interface {
	Attributes() map[string]string
}

// New はTransportからCallを作成.
func New(transport Transport) *Call {
	c := &Call{
		id:         uuid.NewString(),
		transport:  transport,
		state:      domain.CallCreated,
		attributes: make(map[string]string),
		respHdrs:   domain.NewHeaders(),
		respSize:   -1,
	}
	if src, ok := transport.(attributeSource); ok {
		for name, value := range src.Attributes() {
			c.attributes[name] = value
		}
	}
	return c
}

func (c *Call) ID() string         { return c.id }
func (c *Call) Method() string     { return c.transport.Method() }
func (c *Call) RequestURI() string { return c.transport.RequestURI() }
func (c *Call) Protocol() string   { return c.transport.Protocol() }

// RequestHeaders は初回だけ転送層から解析し, 以降はキャッシュを返す.
func (c *Call) RequestHeaders() *domain.Headers {
	c.headersOnce.Do(func() {
		c.headers = c.transport.Headers()
		if c.headers == nil {
			c.headers = domain.NewHeaders()
		}
		c.headers.Seal()
	})
	return c.headers
}

// RequestBody はリクエストボディを返す. 2回目以降はErrBodyConsumed.
func (c *Call) RequestBody() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bodyTaken {
		return nil, domain.ErrBodyConsumed
	}
	c.bodyTaken = true

	body := c.transport.Body()
	if body == nil {
		body = io.NopCloser(eofReader{})
	}
	return body, nil
}

func (c *Call) ClientAddress() string { return c.transport.Client().Address }
func (c *Call) ClientPort() int       { return c.transport.Client().Port }
func (c *Call) ServerAddress() string { return c.transport.Server().Address }
func (c *Call) ServerPort() int       { return c.transport.Server().Port }
func (c *Call) Confidential() bool    { return c.transport.Confidential() }

func (c *Call) Attributes() map[string]string { return c.attributes }

// State は現在の状態.
func (c *Call) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start はCREATEDからHANDLINGへ遷移する.
func (c *Call) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.CallCreated {
		return errors.Wrapf(domain.ErrInvalidState, "start from %s", c.state)
	}
	c.state = domain.CallHandling
	return nil
}

func (c *Call) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus はレスポンスのステータスを設定. 理由句が空なら標準のものを使う.
// 100から599以外のコードはErrInvalidStatus.
func (c *Call) SetStatus(status domain.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == domain.CallCommitted {
		return domain.ErrCommitted
	}
	if !status.IsValid() {
		return errors.Wrapf(domain.ErrInvalidStatus, "code %d", status.Code)
	}
	if status.Reason == "" {
		status.Reason = domain.ReasonPhrase(status.Code)
	}
	c.status = status
	return nil
}

func (c *Call) ResponseHeaders() *domain.Headers { return c.respHdrs }

// SetResponseBody はエンティティを設定.
func (c *Call) SetResponseBody(body io.Reader, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == domain.CallCommitted {
		return domain.ErrCommitted
	}
	c.respBody = body
	c.respSize = size
	if body == nil {
		c.respSize = 0
	}
	return nil
}

// HasResponseBody はエンティティが設定済みか.
func (c *Call) HasResponseBody() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respBody != nil
}

// Written はコミットで書き出したエンティティのバイト数.
func (c *Call) Written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Commit はレスポンスを転送層に書き出す.
// ステータスが未設定または不正な場合は500を送り, その旨のエラーを返す.
// 書き込みに失敗しても状態はCOMMITTEDのまま.
func (c *Call) Commit() error {
	c.mu.Lock()
	if c.state == domain.CallCommitted {
		c.mu.Unlock()
		return domain.ErrCommitted
	}
	c.state = domain.CallCommitted

	var unset error
	if !c.status.IsValid() {
		unset = domain.ErrStatusUnset
		if c.status.IsSet() {
			unset = errors.Wrapf(domain.ErrInvalidStatus, "code %d", c.status.Code)
		}
		c.status = domain.StatusInternalServerError
		c.respBody, c.respSize = nil, 0
	}
	resp := &Response{
		Status:  c.status,
		Headers: c.respHdrs,
		Body:    c.respBody,
		Size:    c.respSize,
	}
	if resp.Body == nil {
		resp.Size = 0
	}
	c.respHdrs.Seal()
	c.mu.Unlock()

	if closer, ok := resp.Body.(io.Closer); ok {
		defer closer.Close()
	}

	n, err := c.transport.WriteResponse(resp)

	c.mu.Lock()
	c.written = n
	c.mu.Unlock()

	if err != nil {
		return &domain.ErrCommitFailed{Method: c.Method(), URI: c.RequestURI(), Err: err}
	}
	return unset
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
