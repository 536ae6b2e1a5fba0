package domain

import (
	"context"
	"io"
	"strings"
)

// CallState はServerCallの状態.
type CallState int32

const (
	// CallCreated はリクエストの解析済みでレスポンスが未設定の状態.
	CallCreated CallState = iota
	// CallHandling はアプリケーション処理中の状態.
	CallHandling
	// CallCommitted はレスポンス送信済みの終端状態.
	CallCommitted
)

func (s CallState) String() string {
	switch s {
	case CallCreated:
		return "CREATED"
	case CallHandling:
		return "HANDLING"
	case CallCommitted:
		return "COMMITTED"
	}
	return "UNKNOWN"
}

// ServerCall は転送層に依存しない1回のリクエスト/レスポンスを表す.
// 1つのインスタンスは1つのリクエストを処理するゴルーチンが専有する.
type ServerCall interface {
	ID() string
	Method() string
	RequestURI() string
	Protocol() string

	// RequestHeaders は初回アクセス時に解析され, 以降は同じインスタンスを返す.
	RequestHeaders() *Headers
	// RequestBody は1回だけ取得できる. 2回目はErrBodyConsumed.
	RequestBody() (io.ReadCloser, error)

	ClientAddress() string
	ClientPort() int
	ServerAddress() string
	ServerPort() int
	Confidential() bool

	// Attributes はルーティングで得た変数などを保持する.
	Attributes() map[string]string

	State() CallState
	Start() error

	Status() Status
	SetStatus(status Status) error
	ResponseHeaders() *Headers
	// SetResponseBody はエンティティを設定する. sizeが-1なら長さ不明.
	SetResponseBody(body io.Reader, size int64) error
	HasResponseBody() bool

	// Commit はレスポンスを転送層に書き出す. 終端の状態遷移.
	Commit() error
}

// Handler は統一的な呼び出し契約. すべてのリスナーがこれを呼ぶ.
type Handler interface {
	Handle(ctx context.Context, call ServerCall)
}

// MethodHandler はリソースの1メソッドを処理する.
type MethodHandler func(ctx context.Context, call ServerCall) error

// RoutingToken はディスパッチに使うメソッドとパスの組.
type RoutingToken struct {
	Method string
	Path   string
	Query  string
}

// TokenOf はServerCallからRoutingTokenを導出.
func TokenOf(call ServerCall) RoutingToken {
	uri := call.RequestURI()
	// 絶対URI形式のリクエストターゲット
	if i := strings.Index(uri, "://"); i >= 0 {
		rest := uri[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			uri = rest[j:]
		} else {
			uri = "/"
		}
	}
	token := RoutingToken{Method: strings.ToUpper(call.Method()), Path: uri}
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		token.Path = uri[:i]
		token.Query = uri[i+1:]
	}
	if token.Path == "" {
		token.Path = "/"
	}
	return token
}
