package intercom

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/ipserver/mixer"
	"github.com/cwsl/ipserver/tablet"
)

// fakeDevice captures a ramp that identifies station and period, and records
// everything written to playback.
type fakeDevice struct {
	base     int16
	reads    int
	shortAt  int
	writes   [][]int16
	recovers []Direction
	onWrite  func(n int)
}

func (d *fakeDevice) Read(buf []int16) (int, error) {
	v := d.base + int16(d.reads%1000)
	d.reads++
	for i := range buf {
		buf[i] = v
	}
	if d.shortAt > 0 && d.reads == d.shortAt {
		return len(buf) / 2, nil
	}
	return len(buf), nil
}

func (d *fakeDevice) Write(buf []int16) (int, error) {
	d.writes = append(d.writes, append([]int16(nil), buf...))
	if d.onWrite != nil {
		d.onWrite(len(d.writes))
	}
	return len(buf), nil
}

func (d *fakeDevice) Recover(dir Direction) error {
	d.recovers = append(d.recovers, dir)
	return nil
}

func (d *fakeDevice) Close() error { return nil }

// fakeTablet delivers its datagram once.
type fakeTablet struct {
	datagram []byte
	sent     bool
}

func (f *fakeTablet) Poll(buf []byte) (int, error) {
	if f.sent || f.datagram == nil {
		return 0, nil
	}
	f.sent = true
	return copy(buf, f.datagram), nil
}

var (
	_ EventObserver = NopObserver{}
	_ EventObserver = (*countingObserver)(nil)
)

type countingObserver struct {
	mu          sync.Mutex
	routes      map[Identity]map[Route]int
	faults      map[Identity][]Direction
	tablets     map[TabletResult]int
	transitions []Transition
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		routes:  make(map[Identity]map[Route]int),
		faults:  make(map[Identity][]Direction),
		tablets: make(map[TabletResult]int),
	}
}

func (o *countingObserver) Period(id Identity, d Decision, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.routes[id] == nil {
		o.routes[id] = make(map[Route]int)
	}
	o.routes[id][d.Route]++
}

func (o *countingObserver) Transition(t Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, t)
}

func (o *countingObserver) DeviceFault(id Identity, dir Direction, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults[id] = append(o.faults[id], dir)
}

func (o *countingObserver) Tablet(_ Identity, r TabletResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tablets[r]++
}

func TestLoopsCrossReadNeighborAudioOfSamePeriod(t *testing.T) {
	const size, periods = 48, 400

	reg, err := NewRegistry(size)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var capt, fo, obs tablet.Snapshot
	capt.VolumeSelect[tablet.FLT] = true
	capt.Volume[tablet.FLT] = mixer.MaxVolume
	fo.MicSwitch = tablet.SwitchFlight

	devices := map[Identity]*fakeDevice{
		Captain: {base: 1000, onWrite: func(n int) {
			if n == periods {
				cancel()
			}
		}},
		FirstOfficer: {base: 2000, shortAt: 3},
		Observer:     {base: 3000},
	}
	tablets := map[Identity]*fakeTablet{
		Captain:      {datagram: tablet.Encode(capt)},
		FirstOfficer: {datagram: tablet.Encode(fo)},
		Observer:     {datagram: tablet.Encode(obs)[:12]},
	}

	observer := newCountingObserver()
	logger := log.New(io.Discard)

	var wg sync.WaitGroup
	errs := make(chan error, NumStations)
	for _, id := range Identities {
		loop, err := NewLoop(LoopConfig{
			Registry: reg,
			Identity: id,
			Device:   devices[id],
			Tablet:   tablets[id],
			Observer: observer,
			Logger:   logger.With("station", id.Code()),
		})
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- loop.Run(ctx)
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("station loops did not stop")
	}
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// The captain hears exactly the first officer's capture of the same period.
	// A write already past the barrier when the context is cancelled may land
	// after the last counted one.
	captWrites := devices[Captain].writes
	require.GreaterOrEqual(t, len(captWrites), periods)
	for p, out := range captWrites[:periods] {
		want := 2000 + int16(p%1000)
		if p == 2 {
			// short read: second half zero-filled
			assert.Equal(t, want, out[0])
			assert.Equal(t, int16(0), out[size-1])
			continue
		}
		for _, v := range out {
			if !assert.Equalf(t, want, v, "period %d", p) {
				break
			}
		}
	}

	// Neither neighbor has anything selected
	for _, out := range devices[FirstOfficer].writes {
		assert.Equal(t, make([]int16, size), out)
	}

	assert.Equal(t, []Direction{Capture}, devices[FirstOfficer].recovers)
	assert.Equal(t, []Direction{Capture}, observer.faults[FirstOfficer])
	assert.Equal(t, 1, observer.tablets[TabletIgnored])
	assert.Equal(t, 2, observer.tablets[TabletUpdated])
	assert.GreaterOrEqual(t, observer.routes[Captain][RouteFlight], periods)

	st := reg.Station(Captain).Status()
	require.NotNil(t, st)
	assert.Equal(t, "flight", st.Route)
	assert.Equal(t, [2]string{"INT", "OFF"}, st.Offside)

	var fields []string
	for _, tr := range observer.transitions {
		if tr.Station == FirstOfficer {
			fields = append(fields, tr.Field)
		}
	}
	assert.Equal(t, []string{"mic_int"}, fields)
}

func TestLoopThreadSetupFailureStopsAll(t *testing.T) {
	reg, err := NewRegistry(4)
	require.NoError(t, err)

	loop, err := NewLoop(LoopConfig{
		Registry:    reg,
		Identity:    Observer,
		Device:      &fakeDevice{},
		Logger:      log.New(io.Discard),
		ThreadSetup: func() error { return assert.AnError },
	})
	require.NoError(t, err)

	err = loop.Run(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.ErrorIs(t, reg.Barrier().Wait(), ErrBarrierBroken)
}

func TestPassthroughCopiesCapture(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dev := &fakeDevice{base: 42}
	dev.onWrite = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	require.NoError(t, Passthrough(ctx, Captain, dev, 4, nil, log.New(io.Discard)))
	require.Len(t, dev.writes, 3)
	assert.Equal(t, []int16{43, 43, 43, 43}, dev.writes[1])
}
