package servercall

import (
	"bytes"
	"io"
	"strings"

	"connector/internal/domain"
)

// LocalRequest はプロセス内呼び出しのリクエスト.
type LocalRequest struct {
	Method  string
	URI     string
	Headers []domain.Header
	Body    []byte
	Client  Endpoint
}

// LocalTransport はソケットを介さずにServerCallを作る転送層.
// コミットされたレスポンスはメモリに保持する.
type LocalTransport struct {
	req LocalRequest

	Committed *Response
	Entity    bytes.Buffer
	// Fail が設定されていればWriteResponseはこのエラーを返す.
	Fail error
}

// NewLocal はプロセス内呼び出しのCallとその転送層を作成.
func NewLocal(req LocalRequest) (*Call, *LocalTransport) {
	if req.Method == "" {
		req.Method = "GET"
	}
	if req.URI == "" {
		req.URI = "/"
	}
	t := &LocalTransport{req: req}
	return New(t), t
}

func (t *LocalTransport) Method() string     { return strings.ToUpper(t.req.Method) }
func (t *LocalTransport) RequestURI() string { return t.req.URI }
func (t *LocalTransport) Protocol() string   { return "RIAP/1.0" }

func (t *LocalTransport) Headers() *domain.Headers {
	h := domain.NewHeaders()
	for _, e := range t.req.Headers {
		h.Add(e.Name, e.Value)
	}
	return h
}

func (t *LocalTransport) Body() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(t.req.Body))
}

func (t *LocalTransport) Client() Endpoint {
	if t.req.Client.Address == "" {
		return Endpoint{Address: "127.0.0.1"}
	}
	return t.req.Client
}

func (t *LocalTransport) Server() Endpoint   { return Endpoint{Address: "127.0.0.1"} }
func (t *LocalTransport) Confidential() bool { return false }

func (t *LocalTransport) WriteResponse(resp *Response) (int64, error) {
	t.Committed = resp
	if t.Fail != nil {
		return 0, t.Fail
	}
	if resp.Body == nil {
		return 0, nil
	}
	return io.Copy(&t.Entity, resp.Body)
}
