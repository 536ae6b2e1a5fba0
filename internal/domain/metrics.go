package domain

import (
	"fmt"
	"strings"
	"time"
)

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	IncrementConnections()
	DecrementConnections()
	AddBytesTransferred(bytes int64)
	RecordRequest()
	RecordStatus(status Status)
	RecordBlockedRequest()
	RecordPoolCreated()
	RecordError()
	GetSnapshot() map[string]interface{}
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	StartTime          time.Time `json:"start_time"`
	CurrentConnections int64     `json:"current_connections"`
	TotalRequests      int64     `json:"total_requests"`
	BytesTransferred   int64     `json:"bytes_transferred"`
	BytesHuman         string    `json:"bytes_transferred_human,omitempty"`
	ClientErrors       int64     `json:"client_errors"`
	ServerErrors       int64     `json:"server_errors"`
	BlockedRequests    int64     `json:"blocked_requests"`
	PoolsCreated       int64     `json:"pools_created"`
	Errors             int64     `json:"errors"`
	Uptime             string    `json:"uptime"`
}

// ToPrometheusFormat はスナップショットをPrometheus形式に変換
func (ms *MetricsSnapshot) ToPrometheusFormat() string {
	return formatMetricsToPrometheus(ms)
}

// formatMetricsToPrometheus はメトリクスをPrometheus形式にフォーマット
func formatMetricsToPrometheus(ms *MetricsSnapshot) string {
	var metrics []string

	metrics = append(metrics,
		fmt.Sprintf("# HELP connector_current_connections Current number of accepted connections\n"+
			"# TYPE connector_current_connections gauge\n"+
			"connector_current_connections %d", ms.CurrentConnections),

		fmt.Sprintf("# HELP connector_total_requests Total number of dispatched calls\n"+
			"# TYPE connector_total_requests counter\n"+
			"connector_total_requests %d", ms.TotalRequests),

		fmt.Sprintf("# HELP connector_bytes_transferred Total number of response bytes written\n"+
			"# TYPE connector_bytes_transferred counter\n"+
			"connector_bytes_transferred %d", ms.BytesTransferred),

		fmt.Sprintf("# HELP connector_client_errors Total number of 4xx responses\n"+
			"# TYPE connector_client_errors counter\n"+
			"connector_client_errors %d", ms.ClientErrors),

		fmt.Sprintf("# HELP connector_server_errors Total number of 5xx responses\n"+
			"# TYPE connector_server_errors counter\n"+
			"connector_server_errors %d", ms.ServerErrors),

		fmt.Sprintf("# HELP connector_blocked_requests Total number of blocked requests\n"+
			"# TYPE connector_blocked_requests counter\n"+
			"connector_blocked_requests %d", ms.BlockedRequests),

		fmt.Sprintf("# HELP connector_pools_created Total number of connection pools created\n"+
			"# TYPE connector_pools_created counter\n"+
			"connector_pools_created %d", ms.PoolsCreated),

		fmt.Sprintf("# HELP connector_errors Total number of errors\n"+
			"# TYPE connector_errors counter\n"+
			"connector_errors %d", ms.Errors),
	)

	return strings.Join(metrics, "\n\n") + "\n"
}
