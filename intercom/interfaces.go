package intercom

import (
	"time"

	"github.com/cwsl/ipserver/tablet"
)

// Direction distinguishes the two halves of an audio device.
type Direction uint8

const (
	Capture Direction = iota
	Playback
)

func (d Direction) String() string {
	if d == Playback {
		return "playback"
	}
	return "capture"
}

// AudioDevice is a full-duplex period-oriented audio endpoint. Read blocks
// until one period of capture audio is available; a short count or an error
// means samples were lost. Write hands one period to playback. Recover
// re-primes the given direction after a fault.
type AudioDevice interface {
	Read(buf []int16) (int, error)
	Write(buf []int16) (int, error)
	Recover(dir Direction) error
	Close() error
}

// TabletSource delivers panel datagrams without blocking. Poll copies the
// newest pending datagram into buf and returns its length, or 0 when nothing
// has arrived since the last call.
type TabletSource interface {
	Poll(buf []byte) (int, error)
}

// SourceProvider produces one period of audio for a radio source.
type SourceProvider interface {
	Next(src tablet.Source, snap *tablet.Snapshot, dst []int16)
}

// TabletResult classifies what a station's tablet poll produced.
type TabletResult uint8

const (
	TabletNone TabletResult = iota
	TabletUpdated
	TabletIgnored
)

func (r TabletResult) String() string {
	switch r {
	case TabletUpdated:
		return "updated"
	case TabletIgnored:
		return "ignored"
	default:
		return "none"
	}
}

// Transition records a change in one of a station's talk states.
type Transition struct {
	Station Identity `json:"-"`
	Field   string   `json:"field"`
	From    string   `json:"from"`
	To      string   `json:"to"`
	Period  uint64   `json:"period"`
}

// EventObserver receives per-period events from the station loops. Methods are
// called on the real-time path and must not block.
type EventObserver interface {
	Period(id Identity, d Decision, elapsed time.Duration)
	Transition(t Transition)
	DeviceFault(id Identity, dir Direction, err error)
	Tablet(id Identity, result TabletResult)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) Period(Identity, Decision, time.Duration) {}
func (NopObserver) Transition(Transition)                    {}
func (NopObserver) DeviceFault(Identity, Direction, error)   {}
func (NopObserver) Tablet(Identity, TabletResult)            {}
