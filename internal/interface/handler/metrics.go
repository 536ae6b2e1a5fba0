package handler

import (
	"context"

	"connector/internal/domain"
	"connector/internal/usecase"
)

// MetricsHandler はメトリクス関連のリクエストを処理
type MetricsHandler struct {
	metricsUseCase *usecase.MetricsUseCase
	logger         domain.Logger
}

// NewMetricsHandler は新しいMetricsHandlerインスタンスを作成
func NewMetricsHandler(
	metricsUseCase *usecase.MetricsUseCase, logger domain.Logger,
) *MetricsHandler {
	return &MetricsHandler{
		metricsUseCase: metricsUseCase,
		logger:         logger,
	}
}

// Attach は/metrics, /stats, /healthをDispatcherに登録する.
func (h *MetricsHandler) Attach(d *usecase.Dispatcher) error {
	routes := map[string]domain.MethodHandler{
		"/metrics": h.HandleMetrics,
		"/stats":   h.HandleStats,
		"/health":  h.HandleHealth,
	}
	for _, pattern := range []string{"/metrics", "/stats", "/health"} {
		if err := d.Attach(pattern, usecase.Methods{"GET": routes[pattern]}); err != nil {
			return err
		}
	}
	return nil
}

// HandleMetrics はPrometheus形式のメトリクスを提供
func (h *MetricsHandler) HandleMetrics(ctx context.Context, call domain.ServerCall) error {
	metrics, err := h.metricsUseCase.GetPrometheusMetrics(ctx)
	if err != nil {
		return err
	}

	return respond(call, domain.StatusOK, "text/plain; version=0.0.4", []byte(metrics))
}

// HandleStats はJSON形式の詳細な統計情報を提供
func (h *MetricsHandler) HandleStats(_ context.Context, call domain.ServerCall) error {
	stats, err := h.metricsUseCase.GetStats()
	if err != nil {
		return err
	}

	return respondJSON(call, domain.StatusOK, stats)
}

// HandleHealth はヘルスチェックエンドポイントを提供
func (h *MetricsHandler) HandleHealth(_ context.Context, call domain.ServerCall) error {
	return respondJSON(call, domain.StatusOK, map[string]string{
		"status": "up",
	})
}
