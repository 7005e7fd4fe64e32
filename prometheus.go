package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cwsl/ipserver/intercom"
)

// PrometheusMetrics holds all Prometheus metric collectors for the station
// loops and the host
type PrometheusMetrics struct {
	periodsTotal      *prometheus.CounterVec   // Completed periods per station
	routeDecisions    *prometheus.CounterVec   // Route taken per station and period
	deviceFaults      *prometheus.CounterVec   // Short or failed device transfers
	tabletDatagrams   *prometheus.CounterVec   // Panel datagrams by outcome
	transitions       *prometheus.CounterVec   // Talk state changes by field
	processingSeconds *prometheus.HistogramVec // Route and mix time per period

	hostCPUPercent    prometheus.Gauge       // Host CPU utilisation
	hostLoad          *prometheus.GaugeVec   // Host load averages
	wsConnections     prometheus.Gauge       // Open status websockets
	mqttMessagesTotal *prometheus.CounterVec // MQTT publishes by kind and outcome

	// Children resolved once so the real-time path never hashes label values
	periods [intercom.NumStations]prometheus.Counter
	routes  [intercom.NumStations][intercom.NumRoutes]prometheus.Counter
	elapsed [intercom.NumStations]prometheus.Observer
	tablets [intercom.NumStations][3]prometheus.Counter
}

// NewPrometheusMetrics creates and registers all Prometheus metrics
func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		periodsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipserver_periods_total",
				Help: "Audio periods completed by each station",
			},
			[]string{"station"},
		),
		routeDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipserver_route_decisions_total",
				Help: "Periods routed to each audio path",
			},
			[]string{"station", "route"},
		),
		deviceFaults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipserver_audio_xruns_total",
				Help: "Short or failed audio device transfers",
			},
			[]string{"station", "direction"},
		),
		tabletDatagrams: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipserver_tablet_polls_total",
				Help: "Panel socket polls by outcome (none, updated, ignored)",
			},
			[]string{"station", "result"},
		),
		transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipserver_talk_transitions_total",
				Help: "Changes of mic_int, mic_en and offside talk states",
			},
			[]string{"station", "field"},
		),
		processingSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ipserver_period_processing_seconds",
				Help:    "Time spent routing and mixing one period",
				Buckets: prometheus.ExponentialBuckets(1e-6, 2, 12),
			},
			[]string{"station"},
		),
		hostCPUPercent: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipserver_host_cpu_percent",
				Help: "Host CPU utilisation in percent",
			},
		),
		hostLoad: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ipserver_host_load",
				Help: "Host load average",
			},
			[]string{"window"},
		),
		wsConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipserver_status_websockets",
				Help: "Open status websocket connections",
			},
		),
		mqttMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipserver_mqtt_messages_total",
				Help: "MQTT publishes by kind and outcome",
			},
			[]string{"kind", "result"},
		),
	}

	for _, id := range intercom.Identities {
		station := id.Code()
		pm.periods[id] = pm.periodsTotal.WithLabelValues(station)
		pm.elapsed[id] = pm.processingSeconds.WithLabelValues(station)
		for r := 0; r < intercom.NumRoutes; r++ {
			pm.routes[id][r] = pm.routeDecisions.WithLabelValues(station, intercom.Route(r).String())
		}
		for _, res := range []intercom.TabletResult{intercom.TabletNone, intercom.TabletUpdated, intercom.TabletIgnored} {
			pm.tablets[id][res] = pm.tabletDatagrams.WithLabelValues(station, res.String())
		}
	}

	return pm
}

// RecordPeriod counts a completed period and its route
func (pm *PrometheusMetrics) RecordPeriod(id intercom.Identity, route intercom.Route, elapsed time.Duration) {
	pm.periods[id].Inc()
	pm.routes[id][route].Inc()
	pm.elapsed[id].Observe(elapsed.Seconds())
}

// RecordTablet counts a panel poll outcome
func (pm *PrometheusMetrics) RecordTablet(id intercom.Identity, result intercom.TabletResult) {
	pm.tablets[id][result].Inc()
}

// RecordDeviceFault counts an audio xrun
func (pm *PrometheusMetrics) RecordDeviceFault(id intercom.Identity, dir intercom.Direction) {
	pm.deviceFaults.WithLabelValues(id.Code(), dir.String()).Inc()
}

// RecordTransition counts a talk state change
func (pm *PrometheusMetrics) RecordTransition(t intercom.Transition) {
	pm.transitions.WithLabelValues(t.Station.Code(), t.Field).Inc()
}

// UpdateHostLoad records a host load sample
func (pm *PrometheusMetrics) UpdateHostLoad(sample LoadSample) {
	pm.hostCPUPercent.Set(sample.CPUPercent)
	pm.hostLoad.WithLabelValues("1m").Set(sample.Load1Min)
	pm.hostLoad.WithLabelValues("5m").Set(sample.Load5Min)
	pm.hostLoad.WithLabelValues("15m").Set(sample.Load15Min)
}

// RecordWSConnection increments the open websocket gauge
func (pm *PrometheusMetrics) RecordWSConnection() {
	pm.wsConnections.Inc()
}

// RecordWSDisconnect decrements the open websocket gauge
func (pm *PrometheusMetrics) RecordWSDisconnect() {
	pm.wsConnections.Dec()
}

// RecordMQTTPublish counts an MQTT publish
func (pm *PrometheusMetrics) RecordMQTTPublish(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pm.mqttMessagesTotal.WithLabelValues(kind, result).Inc()
}
