package intercom

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cwsl/ipserver/tablet"
)

// DefaultStatusInterval is how often, in periods, a station republishes its
// status even when nothing changed.
const DefaultStatusInterval = 1000

// LoopConfig wires a station loop to its collaborators.
type LoopConfig struct {
	Registry *Registry
	Identity Identity
	Device   AudioDevice
	Tablet   TabletSource
	Sources  SourceProvider
	Observer EventObserver
	Logger   *log.Logger

	// ThreadSetup runs on the loop's locked OS thread before the first period.
	ThreadSetup func() error

	StatusInterval uint64
}

// Loop drives one station: capture, panel poll, barrier, route, playback.
type Loop struct {
	id       Identity
	station  *Station
	peers    [2]Peer
	barrier  *Barrier
	device   AudioDevice
	tablet   TabletSource
	sources  SourceProvider
	observer EventObserver
	logger   *log.Logger
	setup    func() error
	interval uint64

	datagram     []byte
	lastDatagram [tablet.PacketSize]byte
	dirty        bool
}

// NewLoop validates cfg and returns a loop ready to Run.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Registry == nil {
		return nil, errors.New("loop needs a registry")
	}
	if cfg.Device == nil {
		return nil, fmt.Errorf("station %s has no audio device", cfg.Identity.Code())
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}

	return &Loop{
		id:       cfg.Identity,
		station:  cfg.Registry.Station(cfg.Identity),
		peers:    cfg.Registry.Neighbors(cfg.Identity),
		barrier:  cfg.Registry.Barrier(),
		device:   cfg.Device,
		tablet:   cfg.Tablet,
		sources:  cfg.Sources,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		setup:    cfg.ThreadSetup,
		interval: cfg.StatusInterval,
		// Larger than a valid datagram so oversize ones are seen as such
		datagram: make([]byte, 2048),
	}, nil
}

// Run executes periods until ctx is cancelled. Cancelling ctx breaks the
// shared barrier so every loop returns.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if l.setup != nil {
		if err := l.setup(); err != nil {
			l.barrier.Break()
			return fmt.Errorf("station %s thread setup: %w", l.id.Code(), err)
		}
	}

	stop := context.AfterFunc(ctx, l.barrier.Break)
	defer stop()

	l.logger.Info("station loop started", "period", l.station.PeriodSize())

	for p := uint64(0); ; p++ {
		if err := l.step(p); err != nil {
			if errors.Is(err, ErrBarrierBroken) {
				l.logger.Info("station loop stopped", "periods", p)
				return nil
			}
			l.barrier.Break()
			return err
		}
	}
}

// step runs period p.
func (l *Loop) step(p uint64) error {
	st := l.station

	in := st.inboundSlot(p)
	n, err := l.device.Read(in)
	n = max(n, 0)
	if n < len(in) {
		clear(in[n:])
	}
	if err != nil || n < len(in) {
		l.fault(Capture, n, len(in), err)
	}

	l.pollTablet()
	st.publishSnapshot(p)

	if err := l.barrier.Wait(); err != nil {
		return err
	}

	start := time.Now()

	n1 := l.peers[0].Snapshot(p)
	n2 := l.peers[1].Snapshot(p)
	d := Decide(&st.current, &n1, &n2)
	st.route(p, d, l.peers, l.sources)

	elapsed := time.Since(start)
	l.observer.Period(l.id, d, elapsed)

	if d != st.last {
		l.transitions(p, st.last, d)
	}
	if d != st.last || l.dirty || p%l.interval == 0 {
		st.publish(p, d)
		l.dirty = false
	}
	st.last = d
	st.periods.Add(1)

	out := st.Outbound()
	n, err = l.device.Write(out)
	if err != nil || n < len(out) {
		l.fault(Playback, n, len(out), err)
	}
	return nil
}

// pollTablet picks up the newest panel datagram, if any. Datagrams of the
// wrong length are ignored and the previous snapshot is kept.
func (l *Loop) pollTablet() {
	if l.tablet == nil {
		return
	}

	n, err := l.tablet.Poll(l.datagram)
	if err != nil {
		l.logger.Debug("tablet poll failed", "err", err)
		return
	}
	if n == 0 {
		l.observer.Tablet(l.id, TabletNone)
		return
	}

	raw := l.datagram[:n]
	snap, err := tablet.Decode(raw)
	if err != nil {
		l.logger.Debug("ignoring tablet datagram", "err", err)
		l.observer.Tablet(l.id, TabletIgnored)
		return
	}

	l.station.current = snap
	l.observer.Tablet(l.id, TabletUpdated)

	if !bytes.Equal(raw, l.lastDatagram[:]) {
		copy(l.lastDatagram[:], raw)
		l.dirty = true
		if l.logger.GetLevel() <= log.DebugLevel {
			l.logger.Debug("tablet changed", "raw", hex.EncodeToString(raw))
		}
	}
}

// transitions reports edges in the talk states that changed between periods.
func (l *Loop) transitions(p uint64, prev, cur Decision) {
	emit := func(field string, from, to fmt.Stringer) {
		t := Transition{Station: l.id, Field: field, From: from.String(), To: to.String(), Period: p}
		l.logger.Info("talk state changed", "field", field, "from", t.From, "to", t.To)
		l.observer.Transition(t)
	}

	if prev.MicInt != cur.MicInt {
		emit("mic_int", prev.MicInt, cur.MicInt)
	}
	if prev.MicEn != cur.MicEn {
		emit("mic_en", prev.MicEn, cur.MicEn)
	}
	if prev.Offside[0] != cur.Offside[0] {
		emit("offside_1", prev.Offside[0], cur.Offside[0])
	}
	if prev.Offside[1] != cur.Offside[1] {
		emit("offside_2", prev.Offside[1], cur.Offside[1])
	}
}

// fault records a short or failed transfer and re-primes the device.
func (l *Loop) fault(dir Direction, got, want int, err error) {
	l.logger.Debug("audio xrun", "direction", dir, "samples", got, "want", want, "err", err)
	l.observer.DeviceFault(l.id, dir, err)
	if rerr := l.device.Recover(dir); rerr != nil {
		l.logger.Warn("audio recovery failed", "direction", dir, "err", rerr)
	}
}

// Passthrough copies capture straight to playback for one station until ctx
// is cancelled. It is used to bring up a single seat's audio path.
func Passthrough(ctx context.Context, id Identity, dev AudioDevice, size int, observer EventObserver, logger *log.Logger) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if observer == nil {
		observer = NopObserver{}
	}
	buf := make([]int16, size)
	logger.Info("loopback started", "station", id.Code(), "period", size)

	for ctx.Err() == nil {
		n, err := dev.Read(buf)
		n = max(n, 0)
		if n < len(buf) {
			clear(buf[n:])
		}
		if err != nil || n < len(buf) {
			observer.DeviceFault(id, Capture, err)
			if rerr := dev.Recover(Capture); rerr != nil {
				logger.Warn("audio recovery failed", "direction", Capture, "err", rerr)
			}
		}

		n, err = dev.Write(buf)
		if err != nil || n < len(buf) {
			observer.DeviceFault(id, Playback, err)
			if rerr := dev.Recover(Playback); rerr != nil {
				logger.Warn("audio recovery failed", "direction", Playback, "err", rerr)
			}
		}
	}

	logger.Info("loopback stopped", "station", id.Code())
	return nil
}
