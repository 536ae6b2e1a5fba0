package domain

import (
	"context"
	"io"
	"strings"
)

// ConnectionKey は接続設定の同一性を表す.
type ConnectionKey struct {
	URI        string
	Properties map[string]string
}

// Equal はURIが大文字小文字を無視して一致し, プロパティが完全に一致するか確認.
func (k ConnectionKey) Equal(other ConnectionKey) bool {
	if !strings.EqualFold(k.URI, other.URI) {
		return false
	}
	if len(k.Properties) != len(other.Properties) {
		return false
	}
	for name, value := range k.Properties {
		v, ok := other.Properties[name]
		if !ok || v != value {
			return false
		}
	}
	return true
}

// Scheme はURIのスキーム部分を小文字で返す.
func (k ConnectionKey) Scheme() string {
	if i := strings.IndexByte(k.URI, ':'); i > 0 {
		return strings.ToLower(k.URI[:i])
	}
	return ""
}

// Connection はバックエンドへの接続.
// プールから借りた接続のCloseはプールへの返却を意味する.
type Connection interface {
	io.Closer
	Ping(ctx context.Context) error
}

// PoolStats はプールの状態.
type PoolStats struct {
	URI   string `json:"uri"`
	InUse int    `json:"in_use"`
	Idle  int    `json:"idle"`
}

// ConnectionPool は1つのConnectionKeyに対する接続の集合.
type ConnectionPool interface {
	Key() ConnectionKey
	Borrow(ctx context.Context) (Connection, error)
	Stats() PoolStats
	Close() error
}

// ConnectionSource は接続を提供する.
type ConnectionSource interface {
	GetConnection(
		ctx context.Context, uri string, properties map[string]string, usePooling bool,
	) (Connection, error)
}
