package usecase

import (
	"context"
	"sync"
	"time"

	"connector/internal/domain"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	pools        PoolLister
	logger       domain.Logger
	saveInterval time.Duration
	done         chan struct{}
	once         sync.Once
}

// PoolLister はプールの状態を列挙する. connection.Registryが実装する.
type PoolLister interface {
	Stats() []domain.PoolStats
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	SaveInterval time.Duration
}

// Stats は/statsで返す詳細情報.
type Stats struct {
	*domain.MetricsSnapshot
	Pools []domain.PoolStats `json:"pools"`
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成.
// poolsはnilでもよい.
func NewMetricsUseCase(
	metrics domain.MetricsCollector, pools PoolLister, logger domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval == 0 {
		config.SaveInterval = 1 * time.Minute
	}

	return &MetricsUseCase{
		metrics:      metrics,
		pools:        pools,
		logger:       logger,
		saveInterval: config.SaveInterval,
		done:         make(chan struct{}),
	}
}

// Start はメトリクスの定期保存を開始
func (uc *MetricsUseCase) Start() error {
	uc.logger.Info("Starting metrics collection", map[string]interface{}{
		"save_interval": uc.saveInterval.String(),
	})
	go uc.startPeriodicSave()
	return nil
}

// Stop はメトリクス収集を停止し, 最後のスナップショットを保存する
func (uc *MetricsUseCase) Stop() error {
	uc.once.Do(func() {
		uc.logger.Info("Stopping metrics collection", nil)
		close(uc.done)
	})
	return uc.saveMetrics()
}

// startPeriodicSave は定期的なメトリクス保存を開始
func (uc *MetricsUseCase) startPeriodicSave() {
	ticker := time.NewTicker(uc.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.saveMetrics(); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
		case <-uc.done:
			return
		}
	}
}

// saveMetrics は現在のメトリクスを保存
func (uc *MetricsUseCase) saveMetrics() error {
	snapshot, err := uc.GetMetricsSnapshot()
	if err != nil {
		return errors.Wrap(err, "failed to get metrics snapshot")
	}

	// メトリクスの保存処理をリポジトリに委譲
	if saver, ok := uc.metrics.(interface {
		SaveMetrics(*domain.MetricsSnapshot) error
	}); ok {
		return saver.SaveMetrics(snapshot)
	}

	return nil
}

// GetMetricsSnapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) GetMetricsSnapshot() (
	*domain.MetricsSnapshot, error,
) {
	data := uc.metrics.GetSnapshot()

	snapshot := &domain.MetricsSnapshot{Timestamp: time.Now()}
	var ok bool
	fields := []struct {
		key string
		dst *int64
	}{
		{"current_connections", &snapshot.CurrentConnections},
		{"total_requests", &snapshot.TotalRequests},
		{"bytes_transferred", &snapshot.BytesTransferred},
		{"client_errors", &snapshot.ClientErrors},
		{"server_errors", &snapshot.ServerErrors},
		{"blocked_requests", &snapshot.BlockedRequests},
		{"pools_created", &snapshot.PoolsCreated},
		{"errors", &snapshot.Errors},
	}
	for _, f := range fields {
		if *f.dst, ok = data[f.key].(int64); !ok {
			return nil, errors.Errorf("metric %q missing or not int64", f.key)
		}
	}
	if snapshot.StartTime, ok = data["start_time"].(time.Time); !ok {
		return nil, errors.New(`metric "start_time" missing`)
	}
	snapshot.Uptime, _ = data["uptime"].(string)
	snapshot.BytesHuman = humanize.Bytes(uint64(snapshot.BytesTransferred))

	return snapshot, nil
}

// GetStats はスナップショットとプールの状態を返す
func (uc *MetricsUseCase) GetStats() (*Stats, error) {
	snapshot, err := uc.GetMetricsSnapshot()
	if err != nil {
		return nil, err
	}
	stats := &Stats{MetricsSnapshot: snapshot, Pools: []domain.PoolStats{}}
	if uc.pools != nil {
		stats.Pools = uc.pools.Stats()
	}
	return stats, nil
}

// GetPrometheusMetrics はPrometheus形式のメトリクスを取得
func (uc *MetricsUseCase) GetPrometheusMetrics(ctx context.Context) (
	string, error,
) {
	snapshot, err := uc.GetMetricsSnapshot()
	if err != nil {
		return "", err
	}

	return snapshot.ToPrometheusFormat(), nil
}
