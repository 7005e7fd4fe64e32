package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwsl/ipserver/intercom"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		// Status is read-only; any origin may watch it
		return true
	},
}

// rtpStatser is implemented by devices that can report packet counters
type rtpStatser interface {
	Stats() (received, dropped uint64)
}

// RTPStats reports one seat's AoIP packet counters
type RTPStats struct {
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
}

// StatusReport is the document served on /api/status and pushed on /ws/status
type StatusReport struct {
	Version         string              `json:"version"`
	Mode            string              `json:"mode"`
	Backend         string              `json:"backend"`
	SampleRate      int                 `json:"sample_rate"`
	Period          int                 `json:"period"`
	UptimeSeconds   int64               `json:"uptime_seconds"`
	Stations        []*intercom.Status  `json:"stations"`
	Periods         map[string]uint64   `json:"periods"`
	RTP             map[string]RTPStats `json:"rtp,omitempty"`
	Load            *LoadSample         `json:"load,omitempty"`
	DroppedEvents   uint64              `json:"dropped_events"`
	StatusWebsocket int                 `json:"status_websockets"`
	Timestamp       time.Time           `json:"timestamp"`
}

// StatusHub serves station status over HTTP and WebSocket
type StatusHub struct {
	config      *Config
	mode        string
	registry    *intercom.Registry
	devices     map[intercom.Identity]intercom.AudioDevice
	observer    *stationObserver
	loadTracker *LoadHistoryTracker
	metrics     *PrometheusMetrics
	startTime   time.Time
	logger      *log.Logger

	mu      sync.Mutex
	clients map[string]*websocket.Conn
}

// NewStatusHub creates a status hub. Any of loadTracker, metrics and observer may be nil.
func NewStatusHub(config *Config, mode string, registry *intercom.Registry, devices map[intercom.Identity]intercom.AudioDevice,
	observer *stationObserver, loadTracker *LoadHistoryTracker, metrics *PrometheusMetrics, logger *log.Logger) *StatusHub {
	return &StatusHub{
		config:      config,
		mode:        mode,
		registry:    registry,
		devices:     devices,
		observer:    observer,
		loadTracker: loadTracker,
		metrics:     metrics,
		startTime:   time.Now(),
		logger:      logger,
		clients:     make(map[string]*websocket.Conn),
	}
}

// Report builds the current status document
func (h *StatusHub) Report() StatusReport {
	report := StatusReport{
		Version:       Version,
		Mode:          h.mode,
		Backend:       h.config.Audio.Backend,
		SampleRate:    h.config.Audio.SampleRate,
		Period:        h.config.Audio.Period,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Periods:       make(map[string]uint64, intercom.NumStations),
		Timestamp:     time.Now(),
	}

	if h.registry != nil {
		for _, st := range h.registry.Statuses() {
			if st != nil {
				report.Stations = append(report.Stations, st)
			}
		}
		for _, id := range intercom.Identities {
			report.Periods[id.Code()] = h.registry.Station(id).Periods()
		}
	}

	for id, dev := range h.devices {
		rs, ok := dev.(rtpStatser)
		if !ok {
			continue
		}
		if report.RTP == nil {
			report.RTP = make(map[string]RTPStats)
		}
		received, dropped := rs.Stats()
		report.RTP[id.Code()] = RTPStats{Received: received, Dropped: dropped}
	}

	if h.loadTracker != nil {
		if sample, ok := h.loadTracker.Latest(); ok {
			report.Load = &sample
		}
	}
	if h.observer != nil {
		report.DroppedEvents = h.observer.Dropped()
	}

	h.mu.Lock()
	report.StatusWebsocket = len(h.clients)
	h.mu.Unlock()

	return report
}

// handleStatus serves the status document as JSON
func (h *StatusHub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.Report()); err != nil {
		h.logger.Debug("error encoding status", "err", err)
	}
}

// handleStatusWebSocket pushes the status document every status interval
// until the client goes away
func (h *StatusHub) handleStatusWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "err", err)
		return
	}

	clientID := uuid.NewString()
	h.mu.Lock()
	h.clients[clientID] = conn
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.RecordWSConnection()
	}
	h.logger.Debug("status websocket connected", "client", clientID, "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, clientID)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.RecordWSDisconnect()
		}
		conn.Close()
		h.logger.Debug("status websocket disconnected", "client", clientID)
	}()

	// Read pump: the only inbound traffic is control frames, and a read
	// error means the peer has gone
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := time.Duration(h.config.Server.StatusInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := h.send(conn); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := h.send(conn); err != nil {
				return
			}
		}
	}
}

func (h *StatusHub) send(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(h.Report())
}

// handlePrometheusMetrics serves /metrics to allowed hosts only
func handlePrometheusMetrics(config *PrometheusConfig) http.Handler {
	metricsHandler := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := r.RemoteAddr
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
		if !config.IsIPAllowed(clientIP) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		metricsHandler.ServeHTTP(w, r)
	})
}

// handleHealth handles health check requests
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
