package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/childwatch/internal/api/models"
	"github.com/smazurov/childwatch/internal/metrics"
)

// registerMetricsRoutes registers the JSON metrics summary. The Prometheus
// exposition is mounted on /metrics by NewServer.
func (s *Server) registerMetricsRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "metrics-summary",
		Method:      http.MethodGet,
		Path:        "/api/metrics/summary",
		Summary:     "Metrics Summary",
		Description: "Spawn, exit, timeout and signal counters since the server started",
		Tags:        []string{"metrics"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.MetricsResponse, error) {
		snap := metrics.Get()
		return &models.MetricsResponse{
			Body: models.MetricsData{
				Spawns:        snap.Spawns,
				SpawnFailures: snap.SpawnFailures,
				Exits:         snap.Exits,
				Timeouts:      snap.Timeouts,
				Signals:       snap.Signals,
				Outstanding:   snap.Outstanding,
				Deliveries:    snap.Deliveries,
				Uptime:        time.Since(s.startedAt),
			},
		}, nil
	})
}
