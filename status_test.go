package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/ipserver/intercom"
)

var _ intercom.EventObserver = (*stationObserver)(nil)

type statsDevice struct {
	received, dropped uint64
}

func (d *statsDevice) Read(buf []int16) (int, error) { return len(buf), nil }

func (d *statsDevice) Write(buf []int16) (int, error) { return len(buf), nil }

func (d *statsDevice) Recover(intercom.Direction) error { return nil }

func (d *statsDevice) Close() error { return nil }

func (d *statsDevice) Stats() (received, dropped uint64) { return d.received, d.dropped }

func newTestHub(t *testing.T) *StatusHub {
	t.Helper()
	registry, err := intercom.NewRegistry(48)
	require.NoError(t, err)

	devices := map[intercom.Identity]intercom.AudioDevice{
		intercom.Captain: &statsDevice{received: 10, dropped: 2},
	}
	observer := newStationObserver(nil, 1)
	return NewStatusHub(DefaultConfig(), "intercom", registry, devices, observer, nil, nil, log.New(io.Discard))
}

func TestStatusReport(t *testing.T) {
	hub := newTestHub(t)
	hub.observer.Transition(intercom.Transition{})
	hub.observer.Transition(intercom.Transition{})

	report := hub.Report()
	assert.Equal(t, Version, report.Version)
	assert.Equal(t, "portaudio", report.Backend)
	// Every station publishes an idle status before its first period
	require.Len(t, report.Stations, intercom.NumStations)
	for _, st := range report.Stations {
		assert.Equal(t, intercom.RouteMute.String(), st.Route)
	}
	assert.Len(t, report.Periods, intercom.NumStations)
	assert.Equal(t, RTPStats{Received: 10, Dropped: 2}, report.RTP["C"])
	assert.Nil(t, report.Load)
	assert.Equal(t, uint64(1), report.DroppedEvents)
}

func TestHandleStatus(t *testing.T) {
	hub := newTestHub(t)

	rec := httptest.NewRecorder()
	hub.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report StatusReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "intercom", report.Mode)
	assert.Equal(t, 48, report.Period)

	rec = httptest.NewRecorder()
	hub.handleStatus(rec, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusWebSocketPushesReport(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(hub.handleStatusWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var report StatusReport
	require.NoError(t, conn.ReadJSON(&report))
	assert.Equal(t, Version, report.Version)
	assert.Equal(t, 1, report.StatusWebsocket)
}

func TestPrometheusHandlerChecksAllowedHosts(t *testing.T) {
	pc := &PrometheusConfig{AllowedHosts: []string{"10.0.0.0/8"}}
	require.NoError(t, pc.parseAllowedHosts())
	handler := handlePrometheusMetrics(pc)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.7:4000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.RemoteAddr = "10.1.2.3:4000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestObserverDropsWhenQueueFull(t *testing.T) {
	o := newStationObserver(nil, 2)
	for i := 0; i < 5; i++ {
		o.Transition(intercom.Transition{Station: intercom.Observer, Field: "mic_int", Period: uint64(i)})
	}
	assert.Equal(t, uint64(3), o.Dropped())
	assert.Len(t, o.Events(), 2)

	first := <-o.Events()
	assert.Equal(t, uint64(0), first.Period)

	// Without metrics the other callbacks are no-ops
	o.Period(intercom.Captain, intercom.Decision{}, 0)
	o.Tablet(intercom.Captain, intercom.TabletUpdated)
	o.DeviceFault(intercom.Captain, intercom.Capture, nil)
}

func TestGroupMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	routes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ipserver_route_decisions_total", Help: "routes"}, []string{"station", "route"})
	load := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "ipserver_host_load", Help: "load"}, []string{"window"})
	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "unrelated_gauge", Help: "other"})
	reg.MustRegister(routes, load, other)

	routes.WithLabelValues("C", "radio").Add(3)
	routes.WithLabelValues("F", "flight").Inc()
	load.WithLabelValues("1m").Set(0.5)
	other.Set(9)

	families, err := reg.Gather()
	require.NoError(t, err)

	grouped := groupMetrics(families)
	assert.Equal(t, map[string]map[string]float64{
		"C":    {"route_decisions_total_radio": 3},
		"F":    {"route_decisions_total_flight": 1},
		"host": {"host_load_1m": 0.5},
	}, grouped)
}

func TestLoadStatus(t *testing.T) {
	assert.Equal(t, "ok", loadStatus(5, 0))
	assert.Equal(t, "ok", loadStatus(1, 4))
	assert.Equal(t, "warning", loadStatus(3, 4))
	assert.Equal(t, "critical", loadStatus(4, 4))
}

func TestLoadHistoryKeepsOneMinute(t *testing.T) {
	lht := NewLoadHistoryTracker(nil, log.New(io.Discard))
	_, ok := lht.Latest()
	assert.False(t, ok)

	for i := 0; i < 75; i++ {
		lht.record(LoadSample{CPUPercent: float64(i)})
	}
	history := lht.GetHistory()
	require.Len(t, history, 60)
	assert.Equal(t, 15.0, history[0].CPUPercent)

	latest, ok := lht.Latest()
	require.True(t, ok)
	assert.Equal(t, 74.0, latest.CPUPercent)
}

func TestRRPriority(t *testing.T) {
	assert.Equal(t, uint32(maxRRPriority), rrPriority(0))
	assert.Equal(t, uint32(maxRRPriority), rrPriority(150))
	assert.Equal(t, uint32(40), rrPriority(40))
	assert.Nil(t, realtimeThreadSetup(RealtimeConfig{}))
	assert.NotNil(t, realtimeThreadSetup(RealtimeConfig{Enabled: true}))
}
