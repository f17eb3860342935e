// Package metrics публикует счетчики наземной станции для Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rocket-groundstation/common"
)

const (
	metricPrefix = "groundstation_"

	resultAccepted = "accepted"
	resultSuccess  = "success"
	resultError    = "error"
)

// Metrics реализует hub.Stats и session.Stats и принимает события CSV буфера
type Metrics struct {
	registry *prometheus.Registry

	frames        *prometheus.CounterVec
	csvFlushes    *prometheus.CounterVec
	csvRecords    prometheus.Counter
	csvPending    prometheus.Gauge
	commands      *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	viewers       prometheus.Gauge
	sessionOpen   prometheus.Gauge
}

// New создает метрики в собственном реестре вместе со стандартными
// коллекторами Go и процесса
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "frames_total",
				Help: "Total received lines by decode result",
			},
			[]string{"result"},
		),
		csvFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "csv_flushes_total",
				Help: "Total CSV batch writes by result",
			},
			[]string{"result"},
		),
		csvRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "csv_records_written_total",
				Help: "Total records persisted to CSV",
			},
		),
		csvPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "csv_pending_records",
				Help: "Records waiting in the CSV buffer",
			},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Total operator commands by result",
			},
			[]string{"result"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "viewer_events_dropped_total",
				Help: "Total events dropped for slow viewers",
			},
			[]string{"event"},
		),
		viewers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "viewers",
				Help: "Connected viewers",
			},
		),
		sessionOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "session_open",
				Help: "1 while a serial session is open",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.frames,
		m.csvFlushes,
		m.csvRecords,
		m.csvPending,
		m.commands,
		m.eventsDropped,
		m.viewers,
		m.sessionOpen,
	)
	return m
}

// Handler отдает метрики в формате Prometheus
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FrameDecoded реализует session.Stats
func (m *Metrics) FrameDecoded(accepted bool, reason string) {
	if accepted {
		m.frames.WithLabelValues(resultAccepted).Inc()
		return
	}
	m.frames.WithLabelValues(reason).Inc()
}

// CommandSent реализует session.Stats
func (m *Metrics) CommandSent(result string) {
	m.commands.WithLabelValues(result).Inc()
}

// SessionOpen реализует session.Stats
func (m *Metrics) SessionOpen(open bool) {
	if open {
		m.sessionOpen.Set(1)
	} else {
		m.sessionOpen.Set(0)
	}
}

// EventDropped реализует hub.Stats
func (m *Metrics) EventDropped(event string) {
	m.eventsDropped.WithLabelValues(event).Inc()
}

// Viewers реализует hub.Stats
func (m *Metrics) Viewers(n int) {
	m.viewers.Set(float64(n))
}

// CSVFlushed учитывает попытку записи пачки
func (m *Metrics) CSVFlushed(records int, err error) {
	if err != nil {
		m.csvFlushes.WithLabelValues(resultError).Inc()
		return
	}
	m.csvFlushes.WithLabelValues(resultSuccess).Inc()
	m.csvRecords.Add(float64(records))
}

// CSVBuffer обновляет заполненность CSV буфера
func (m *Metrics) CSVBuffer(status common.BufferStatus) {
	m.csvPending.Set(float64(status.BufferSize))
}
