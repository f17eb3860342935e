package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"rocket-groundstation/common"
	"rocket-groundstation/config"
)

// statusSource - текущее состояние порта для /healthz
type statusSource interface {
	Status() common.SerialStatus
}

// viewerCounter - число подключенных зрителей
type viewerCounter interface {
	Count() int
}

type healthResponse struct {
	Status  string              `json:"status"`
	Serial  common.SerialStatus `json:"serial"`
	Viewers int                 `json:"viewers"`
}

func newMux(cfg config.ServerConfig, ws http.Handler, status statusSource, viewers viewerCounter, metricsHandler http.Handler, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("GET /healthz", healthHandler(status, viewers))
	if cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, metricsHandler)
	}

	if info, err := os.Stat(cfg.StaticDir); err == nil && info.IsDir() {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
		logger.Info("serving viewer", "dir", cfg.StaticDir)
	} else {
		logger.Warn("static dir not found, viewer disabled", "dir", cfg.StaticDir)
	}
	return mux
}

func healthHandler(status statusSource, viewers viewerCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			Status:  "ok",
			Serial:  status.Status(),
			Viewers: viewers.Count(),
		})
	}
}
