// Package api wires the status API routes onto the router.
package api

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"go-shot-diagnostics/internal/api/docs"
	"go-shot-diagnostics/internal/api/handler"
	"go-shot-diagnostics/pkg/router"
)

func RegisterRoutes(r *router.Router, h *handler.Handler) {
	r.GET("/api/v1/health", h.Health)
	r.GET("/api/v1/shards", h.ListShards)
	// More specific routes first
	r.GET("/api/v1/shards/*/stats", h.GetShardStats)
	r.GET("/api/v1/shards/*/index/*", h.GetShardIndex)
	r.GET("/api/v1/shots/*/records", h.GetShotRecords)
	r.GET("/api/v1/shots/*/anomalies", h.GetShotAnomalies)
	r.GET("/api/v1/shots/*/index", h.GetShotIndex)
	r.GET("/api/v1/runs", h.ListRuns)
	r.GET("/api/v1/runs/*/errors", h.GetRunErrors)
	r.GET("/api/v1/runs/*/report", h.DownloadRunReport)
	r.GET("/api/v1/runs/*", h.GetRun)
	r.GET("/api/v1/sync", h.GetSyncStatus)
	r.GET("/api/v1/detectors", h.ListDetectors)

	r.Mount("/metrics", promhttp.Handler())
	r.Mount("/swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

// NewRouter returns a router with every status route registered.
func NewRouter(h *handler.Handler) *router.Router {
	docs.SwaggerInfo.BasePath = "/api/v1"
	r := router.New()
	RegisterRoutes(r, h)
	return r
}
