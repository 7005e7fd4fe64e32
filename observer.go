package main

import (
	"sync/atomic"
	"time"

	"github.com/cwsl/ipserver/intercom"
)

// stationObserver fans station loop events out to metrics and, for talk
// state transitions, to a queue drained by the MQTT publisher. It never
// blocks the station loops.
type stationObserver struct {
	metrics *PrometheusMetrics
	events  chan intercom.Transition
	dropped atomic.Uint64
}

func newStationObserver(metrics *PrometheusMetrics, queue int) *stationObserver {
	return &stationObserver{
		metrics: metrics,
		events:  make(chan intercom.Transition, queue),
	}
}

func (o *stationObserver) Period(id intercom.Identity, d intercom.Decision, elapsed time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordPeriod(id, d.Route, elapsed)
	}
}

func (o *stationObserver) Transition(t intercom.Transition) {
	if o.metrics != nil {
		o.metrics.RecordTransition(t)
	}
	select {
	case o.events <- t:
	default:
		o.dropped.Add(1)
	}
}

func (o *stationObserver) DeviceFault(id intercom.Identity, dir intercom.Direction, _ error) {
	if o.metrics != nil {
		o.metrics.RecordDeviceFault(id, dir)
	}
}

func (o *stationObserver) Tablet(id intercom.Identity, result intercom.TabletResult) {
	if o.metrics != nil {
		o.metrics.RecordTablet(id, result)
	}
}

// Events returns the transition queue
func (o *stationObserver) Events() <-chan intercom.Transition {
	return o.events
}

// Dropped returns how many transitions were discarded because the queue was full
func (o *stationObserver) Dropped() uint64 {
	return o.dropped.Load()
}
