package usecase

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connector/internal/domain"
	"connector/internal/interface/repository/metrics"
	"connector/internal/testutil"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedPools []domain.PoolStats

func (p fixedPools) Stats() []domain.PoolStats { return p }

func TestMetricsSnapshot(t *testing.T) {
	m := metrics.New("")
	m.IncrementConnections()
	m.RecordRequest()
	m.AddBytesTransferred(2048)
	m.RecordStatus(domain.StatusNotFound)
	m.RecordPoolCreated()

	uc := NewMetricsUseCase(m, nil, &testutil.Logger{}, MetricsConfig{})
	snapshot, err := uc.GetMetricsSnapshot()
	require.NoError(t, err)

	assert.Equal(t, int64(1), snapshot.CurrentConnections)
	assert.Equal(t, int64(2048), snapshot.BytesTransferred)
	assert.Equal(t, "2.0 kB", snapshot.BytesHuman)
	assert.Equal(t, int64(1), snapshot.ClientErrors)
	assert.Equal(t, int64(1), snapshot.PoolsCreated)

	text, err := uc.GetPrometheusMetrics(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "connector_total_requests 1\n")
	assert.Contains(t, text, "# TYPE connector_current_connections gauge")
	assert.True(t, strings.HasSuffix(text, "\n"))
}

func TestMetricsStatsIncludePools(t *testing.T) {
	pools := fixedPools{{URI: "jdbc:test://host/db", InUse: 1, Idle: 2}}
	uc := NewMetricsUseCase(metrics.New(""), pools, &testutil.Logger{}, MetricsConfig{})

	stats, err := uc.GetStats()
	require.NoError(t, err)

	data, err := json.Marshal(stats)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Contains(t, decoded, "total_requests")
	assert.Equal(t, "0 B", decoded["bytes_transferred_human"])
	require.Len(t, decoded["pools"], 1)
}

func TestMetricsPeriodicSave(t *testing.T) {
	defer leaktest.Check(t)()

	path := filepath.Join(t.TempDir(), "metrics.json")
	m := metrics.New(path)
	m.RecordRequest()

	uc := NewMetricsUseCase(m, nil, &testutil.Logger{}, MetricsConfig{SaveInterval: 10 * time.Millisecond})
	require.NoError(t, uc.Start())

	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, uc.Stop())
	require.NoError(t, uc.Stop())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved domain.MetricsSnapshot
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, int64(1), saved.TotalRequests)
}
