package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// 呼び出しのライフサイクルに関するエラー.
var (
	ErrCommitted     = errors.New("call already committed")
	ErrBodyConsumed  = errors.New("request body already consumed")
	ErrStatusUnset   = errors.New("response status was not set before commit")
	ErrInvalidStatus = errors.New("status code outside 100-599")
	ErrInvalidState  = errors.New("invalid call state transition")
	ErrPoolClosed    = errors.New("connection pool closed")
	ErrUnknownScheme = errors.New("no driver registered for connection scheme")
)

// ErrNotAllowed はアクセス拒否エラー.
type ErrNotAllowed struct {
	ClientIP string
	Host     string
}

func (e *ErrNotAllowed) Error() string {
	return fmt.Sprintf("access not allowed for client %s to host %s", e.ClientIP, e.Host)
}

// ErrCommitFailed はレスポンスを転送層に書き出せなかったことを表す.
type ErrCommitFailed struct {
	Method string
	URI    string
	Err    error
}

func (e *ErrCommitFailed) Error() string {
	return fmt.Sprintf("failed to commit response to %s %s: %v", e.Method, e.URI, e.Err)
}

func (e *ErrCommitFailed) Unwrap() error { return e.Err }

// ErrConnectionFailed は接続失敗エラー.
// プール作成の失敗もこのエラーとして呼び出し元に返す.
type ErrConnectionFailed struct {
	URI string
	Err error
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.URI, e.Err)
}

func (e *ErrConnectionFailed) Unwrap() error { return e.Err }

// ErrConnectionUnavailable はプールからの取得がタイムアウトしたことを表す.
type ErrConnectionUnavailable struct {
	URI  string
	Wait string
}

func (e *ErrConnectionUnavailable) Error() string {
	return fmt.Sprintf("no connection to %s available after %s", e.URI, e.Wait)
}

// ErrProtocol はクライアント側の誤りを表し, 4xxステータスに変換される.
type ErrProtocol struct {
	Status  Status
	Message string
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// NewProtocolError はErrProtocolを作成.
func NewProtocolError(code int, format string, args ...interface{}) *ErrProtocol {
	return &ErrProtocol{Status: NewStatus(code), Message: fmt.Sprintf(format, args...)}
}

// IsConnectorError は接続層のエラーかどうかを判断.
func IsConnectorError(err error) bool {
	switch errors.Cause(err).(type) {
	case *ErrConnectionFailed, *ErrConnectionUnavailable:
		return true
	}
	return false
}

// AsProtocolError はエラーチェーンからErrProtocolを取り出す.
func AsProtocolError(err error) (*ErrProtocol, bool) {
	pe, ok := errors.Cause(err).(*ErrProtocol)
	return pe, ok
}
