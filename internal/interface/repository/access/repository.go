package access

import (
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"connector/internal/domain"
)

// Repository はアクセス制御のリポジトリ実装
type Repository struct {
	mu             sync.RWMutex
	configFile     string
	blockedIPs     map[string]bool
	blockedDomains map[string]bool
	lastModTime    time.Time
	logger         domain.Logger
	done           chan struct{}
	once           sync.Once
}

var _ domain.AccessController = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成.
// watchIntervalが0より大きければファイルの変更を監視して再読み込みする.
func New(configFile string, logger domain.Logger, watchInterval time.Duration) *Repository {
	r := &Repository{
		configFile:     configFile,
		blockedIPs:     make(map[string]bool),
		blockedDomains: make(map[string]bool),
		logger:         logger,
		done:           make(chan struct{}),
	}

	// 初期ロード
	if err := r.loadConfig(); err != nil {
		logger.Error("Failed to load initial access config", err, map[string]interface{}{
			"file": configFile,
		})
	}

	// 設定の自動リロードを開始
	if watchInterval > 0 {
		go r.watchConfig(watchInterval)
	}

	return r
}

// IsAllowed は指定されたIPアドレスとホストがアクセスを許可されているか確認
func (r *Repository) IsAllowed(clientIP, host string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// IPアドレスのチェック
	if r.blockedIPs[clientIP] {
		return false, nil
	}

	// ドメインのチェック
	host = strings.ToLower(stripPort(host))
	if host == "" {
		return true, nil
	}
	if r.blockedDomains[host] {
		return false, nil
	}

	// ワイルドカードドメインのチェック
	parts := strings.Split(host, ".")
	for i := 0; i < len(parts)-1; i++ {
		wildcard := "*." + strings.Join(parts[i+1:], ".")
		if r.blockedDomains[wildcard] {
			return false, nil
		}
	}

	return true, nil
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Reload は設定を再読み込み
func (r *Repository) Reload() error {
	return r.loadConfig()
}

// loadConfig は設定ファイルから設定を読み込む
func (r *Repository) loadConfig() error {
	list, err := loadBlockList(r.configFile)
	if err != nil {
		return err
	}
	ips, domains := list.prepare()

	var modTime time.Time
	if stat, err := os.Stat(r.configFile); err == nil {
		modTime = stat.ModTime()
	}

	r.mu.Lock()
	r.blockedIPs = ips
	r.blockedDomains = domains
	r.lastModTime = modTime
	r.mu.Unlock()

	r.logger.Info("Access config loaded", map[string]interface{}{
		"file":            r.configFile,
		"blocked_ips":     len(ips),
		"blocked_domains": len(domains),
	})
	return nil
}

// watchConfig は設定ファイルの変更を監視
func (r *Repository) watchConfig(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		stat, err := os.Stat(r.configFile)
		if err != nil {
			r.logger.Warn("Error checking access config", map[string]interface{}{
				"file":  r.configFile,
				"error": err.Error(),
			})
			continue
		}

		r.mu.RLock()
		changed := stat.ModTime().After(r.lastModTime)
		r.mu.RUnlock()

		if changed {
			if err := r.loadConfig(); err != nil {
				r.logger.Error("Error reloading access config", err, map[string]interface{}{
					"file": r.configFile,
				})
			}
		}
	}
}

// Close は監視を停止する.
func (r *Repository) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}
