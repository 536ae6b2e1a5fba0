package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"connector/internal/domain"
)

// Repository はメトリクスのリポジトリ実装
type Repository struct {
	mu           sync.RWMutex
	metricsFile  string
	startTime    time.Time
	connections  int64
	requests     int64
	bytes        int64
	clientErrors int64
	serverErrors int64
	blocked      int64
	pools        int64
	errors       int64
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(metricsFile string) *Repository {
	return &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
	}
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.metricsFile == "" {
		return nil
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) IncrementConnections() {
	atomic.AddInt64(&r.connections, 1)
}

func (r *Repository) DecrementConnections() {
	atomic.AddInt64(&r.connections, -1)
}

func (r *Repository) AddBytesTransferred(bytes int64) {
	atomic.AddInt64(&r.bytes, bytes)
}

func (r *Repository) RecordRequest() {
	atomic.AddInt64(&r.requests, 1)
}

func (r *Repository) RecordStatus(status domain.Status) {
	switch {
	case status.IsClientError():
		atomic.AddInt64(&r.clientErrors, 1)
	case status.IsServerError():
		atomic.AddInt64(&r.serverErrors, 1)
	}
}

func (r *Repository) RecordBlockedRequest() {
	atomic.AddInt64(&r.blocked, 1)
}

func (r *Repository) RecordPoolCreated() {
	atomic.AddInt64(&r.pools, 1)
}

func (r *Repository) RecordError() {
	atomic.AddInt64(&r.errors, 1)
}

func (r *Repository) GetSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":           time.Now(),
		"start_time":          r.startTime,
		"current_connections": atomic.LoadInt64(&r.connections),
		"total_requests":      atomic.LoadInt64(&r.requests),
		"bytes_transferred":   atomic.LoadInt64(&r.bytes),
		"client_errors":       atomic.LoadInt64(&r.clientErrors),
		"server_errors":       atomic.LoadInt64(&r.serverErrors),
		"blocked_requests":    atomic.LoadInt64(&r.blocked),
		"pools_created":       atomic.LoadInt64(&r.pools),
		"errors":              atomic.LoadInt64(&r.errors),
		"uptime":              time.Since(r.startTime).String(),
	}
}
