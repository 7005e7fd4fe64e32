package intercom

import (
	"encoding/hex"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cwsl/ipserver/mixer"
	"github.com/cwsl/ipserver/tablet"
)

// Station holds everything one seat's loop owns. Inbound audio and the panel
// snapshot are double-buffered by period parity: a station writes slot p&1
// before the barrier of period p and its neighbors read that slot after it.
// No station can pass the barrier of period p+1 until every station has
// finished reading period p, so the other slot is always free to fill.
type Station struct {
	id   Identity
	size int

	inbound  [2][]int16
	snapshot [2]tablet.Snapshot
	current  tablet.Snapshot
	outbound []int16

	radioBufs    [tablet.NumRadioSources][]int16
	radioSources [][]int16
	radioEnables [tablet.NumRadioSources]bool
	radioVolumes [tablet.NumRadioSources]uint16

	flightBufs    [2][]int16
	flightSources [][]int16
	flightEnables [2]bool
	flightVolumes [2]uint16
	flightOut     []int16

	last    Decision
	periods atomic.Uint64
	status  atomic.Pointer[Status]
}

// NewStation allocates a station for periods of size samples.
func NewStation(id Identity, size int) *Station {
	s := &Station{
		id:        id,
		size:      size,
		outbound:  make([]int16, size),
		flightOut: make([]int16, size),
	}
	for i := range s.inbound {
		s.inbound[i] = make([]int16, size)
	}
	for i := range s.radioBufs {
		s.radioBufs[i] = make([]int16, size)
	}
	s.radioSources = s.radioBufs[:]
	for i := range s.flightBufs {
		s.flightBufs[i] = make([]int16, size)
	}
	s.flightSources = s.flightBufs[:]

	s.publish(0, Decision{})
	return s
}

// Identity returns the seat this station serves.
func (s *Station) Identity() Identity {
	return s.id
}

// PeriodSize returns the number of samples per period.
func (s *Station) PeriodSize() int {
	return s.size
}

// Periods returns the number of periods the station has completed.
func (s *Station) Periods() uint64 {
	return s.periods.Load()
}

// Status returns the most recently published status. It is safe to call
// from any goroutine.
func (s *Station) Status() *Status {
	return s.status.Load()
}

// Outbound returns the buffer the station hands to playback each period.
func (s *Station) Outbound() []int16 {
	return s.outbound
}

// inboundSlot returns the capture buffer for period p.
func (s *Station) inboundSlot(p uint64) []int16 {
	return s.inbound[p&1]
}

// publishSnapshot makes the current snapshot visible to neighbors for period p.
func (s *Station) publishSnapshot(p uint64) {
	s.snapshot[p&1] = s.current
}

// Peer is a read-only view of another station. It only exposes state that
// was finalized before the current period's barrier.
type Peer struct {
	s *Station
}

// Identity returns the seat the peer serves.
func (p Peer) Identity() Identity {
	return p.s.id
}

// Snapshot returns the peer's panel snapshot for period n.
func (p Peer) Snapshot(n uint64) tablet.Snapshot {
	return p.s.snapshot[n&1]
}

// CopyInbound copies the peer's capture audio for period n into dst.
func (p Peer) CopyInbound(n uint64, dst []int16) int {
	return copy(dst, p.s.inbound[n&1])
}

// Status is a point-in-time report of a station for status endpoints.
type Status struct {
	Station          string            `json:"station"`
	Code             string            `json:"code"`
	Period           uint64            `json:"period"`
	Route            string            `json:"route"`
	MicInt           string            `json:"mic_int"`
	MicEn            string            `json:"mic_en"`
	Offside          [2]string         `json:"offside"`
	RadioEnabled     bool              `json:"radio_enabled"`
	FlightEnabled    bool              `json:"flight_volume_enabled"`
	MicSwitch        string            `json:"mic_switch"`
	NavSelect        string            `json:"nav_select"`
	AppSelect        string            `json:"app_select"`
	VBRSelect        uint8             `json:"vbr_select"`
	FunctionalStatus string            `json:"functional_status"`
	Selected         []string          `json:"selected"`
	Volumes          map[string]uint16 `json:"volumes"`
	GainDB           map[string]string `json:"gain_db,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// publish replaces the station's status. Called by the owning loop only.
func (s *Station) publish(period uint64, d Decision) {
	snap := &s.current
	st := &Status{
		Station:          s.id.String(),
		Code:             s.id.Code(),
		Period:           period,
		Route:            d.Route.String(),
		MicInt:           d.MicInt.String(),
		MicEn:            d.MicEn.String(),
		Offside:          [2]string{d.Offside[0].String(), d.Offside[1].String()},
		RadioEnabled:     d.RadioEnabled,
		FlightEnabled:    d.FlightVolumeEnabled,
		MicSwitch:        snap.MicSwitch.String(),
		NavSelect:        snap.NavSelect.String(),
		AppSelect:        snap.AppSelect.String(),
		VBRSelect:        snap.VBRSelect,
		FunctionalStatus: hex.EncodeToString(snap.FunctionalStatus[:]),
		Volumes:          make(map[string]uint16, tablet.NumSources),
		UpdatedAt:        time.Now(),
	}
	for src := 0; src < tablet.NumSources; src++ {
		name := tablet.Source(src).String()
		st.Volumes[name] = snap.Volume[src]
		if snap.VolumeSelect[src] {
			st.Selected = append(st.Selected, name)
			if st.GainDB == nil {
				st.GainDB = make(map[string]string)
			}
			st.GainDB[name] = formatDB(mixer.GainDB(snap.Volume[src]))
		}
	}
	s.status.Store(st)
}

func formatDB(db float64) string {
	if math.IsInf(db, -1) {
		return "mute"
	}
	return strconv.FormatFloat(db, 'f', 1, 64) + " dB"
}
