package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/cwsl/ipserver/intercom"
)

// MQTTPublisher publishes metrics, station status and talk state
// transitions to an MQTT broker
type MQTTPublisher struct {
	client   mqtt.Client
	config   *MQTTConfig
	metrics  *PrometheusMetrics
	registry *intercom.Registry
	events   <-chan intercom.Transition
	logger   *log.Logger
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// generateClientID creates a unique client ID for the MQTT connection
func generateClientID() string {
	return "ipserver_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config *MQTTConfig, metrics *PrometheusMetrics, registry *intercom.Registry, events <-chan intercom.Transition, logger *log.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("MQTT: connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn("MQTT: connection lost", "err", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Info("MQTT: attempting to reconnect")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTPublisher{
		client:   client,
		config:   config,
		metrics:  metrics,
		registry: registry,
		events:   events,
		logger:   logger,
	}, nil
}

// StartPublisher starts the background publishing goroutines
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	go mp.periodicPublisher(ctx)
	go mp.eventPublisher(ctx)
}

// periodicPublisher publishes metrics and station status at the configured interval
func (mp *MQTTPublisher) periodicPublisher(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
	defer ticker.Stop()

	mp.logger.Info("MQTT: publisher started", "interval_sec", mp.config.PublishInterval)

	for {
		select {
		case <-ctx.Done():
			mp.logger.Info("MQTT: publisher stopped")
			return
		case <-ticker.C:
			mp.publishAllMetrics()
			mp.publishStatus()
		}
	}
}

// eventPublisher forwards talk state transitions as they happen
func (mp *MQTTPublisher) eventPublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-mp.events:
			topic := fmt.Sprintf("%s/%s/events", mp.config.TopicPrefix, t.Station.Code())
			mp.publishJSON("event", topic, t)
		}
	}
}

// publishAllMetrics gathers this server's Prometheus metrics and publishes
// one message per station plus one for host-wide figures
func (mp *MQTTPublisher) publishAllMetrics() {
	timestamp := time.Now().Unix()

	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		mp.logger.Error("MQTT: failed to gather Prometheus metrics", "err", err)
		return
	}

	grouped := groupMetrics(metricFamilies)
	for group, values := range grouped {
		topic := fmt.Sprintf("%s/metrics/%s", mp.config.TopicPrefix, group)
		mp.publishJSON("metrics", topic, MetricPayload{Timestamp: timestamp, Metrics: values})
	}
}

// groupMetrics flattens ipserver_* families into per-station maps keyed by
// metric name and remaining label values. Series without a station label go
// to the "host" group.
func groupMetrics(families []*dto.MetricFamily) map[string]map[string]float64 {
	grouped := make(map[string]map[string]float64)

	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "ipserver_") {
			continue
		}
		key := strings.TrimPrefix(name, "ipserver_")

		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}

			group := "host"
			parts := []string{key}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "station" {
					group = lp.GetValue()
					continue
				}
				parts = append(parts, lp.GetValue())
			}

			if grouped[group] == nil {
				grouped[group] = make(map[string]float64)
			}
			grouped[group][strings.Join(parts, "_")] = value
		}
	}
	return grouped
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue(), true
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue(), true
	case m.GetHistogram() != nil:
		h := m.GetHistogram()
		if h.GetSampleCount() == 0 {
			return 0, true
		}
		// Mean is more useful on a dashboard than the running sum
		return h.GetSampleSum() / float64(h.GetSampleCount()), true
	case m.GetSummary() != nil:
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publishStatus publishes each station's latest status
func (mp *MQTTPublisher) publishStatus() {
	for _, st := range mp.registry.Statuses() {
		if st == nil {
			continue
		}
		topic := fmt.Sprintf("%s/%s/status", mp.config.TopicPrefix, st.Code)
		mp.publishJSON("status", topic, st)
	}
}

// publishJSON marshals a payload and sends it to an MQTT topic
func (mp *MQTTPublisher) publishJSON(kind, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		mp.logger.Error("MQTT: failed to marshal payload", "topic", topic, "err", err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	token.Wait()
	err = token.Error()
	if mp.metrics != nil {
		mp.metrics.RecordMQTTPublish(kind, err)
	}
	if err != nil {
		mp.logger.Error("MQTT: failed to publish", "topic", topic, "err", err)
	}
}

// Disconnect closes the broker connection
func (mp *MQTTPublisher) Disconnect() {
	mp.client.Disconnect(250)
	mp.logger.Info("MQTT: disconnected")
}
