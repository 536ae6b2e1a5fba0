package domain

// AccessController はアクセス制御のインターフェース.
// ディスパッチャーがルーティングの前に参照する.
type AccessController interface {
	IsAllowed(clientIP, host string) (bool, error)
	Reload() error
}
