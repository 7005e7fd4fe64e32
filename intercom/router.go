package intercom

import (
	"github.com/cwsl/ipserver/mixer"
	"github.com/cwsl/ipserver/tablet"
)

// Route is the audio path chosen for a station in one period.
type Route uint8

const (
	RouteMute Route = iota
	RouteFlight
	RouteMic
	RouteRadio

	NumRoutes = int(RouteRadio) + 1
)

func (r Route) String() string {
	switch r {
	case RouteFlight:
		return "flight"
	case RouteMic:
		return "mic"
	case RouteRadio:
		return "radio"
	default:
		return "mute"
	}
}

// Decision is the outcome of routing one station for one period.
type Decision struct {
	Route               Route
	MicInt              tablet.TalkState
	MicEn               tablet.MicTarget
	Offside             [2]tablet.TalkState
	RadioEnabled        bool
	FlightVolumeEnabled bool
}

// OffsideState is how a neighbor's panel looks from another seat: keyed on
// the flight interphone, talking on interphone, or silent.
func OffsideState(s *tablet.Snapshot) tablet.TalkState {
	switch {
	case s.MicSwitch == tablet.SwitchMic && (s.MicOn[tablet.MicFLT] || s.VolumeSelect[tablet.FLT]):
		return tablet.TalkMic
	case s.MicSwitch == tablet.SwitchFlight:
		return tablet.TalkInterphone
	default:
		return tablet.TalkOff
	}
}

// MicIntState maps the mic selector to a talk state.
func MicIntState(sw tablet.MicSwitch) tablet.TalkState {
	switch sw {
	case tablet.SwitchMic:
		return tablet.TalkMic
	case tablet.SwitchFlight:
		return tablet.TalkInterphone
	default:
		return tablet.TalkOff
	}
}

// ActiveMic scans the mic-on flags in priority order; the last one set wins.
func ActiveMic(s *tablet.Snapshot) tablet.MicTarget {
	active := tablet.MicOff
	for _, m := range tablet.MicPriority {
		if s.MicOn[m] {
			active = m
		}
	}
	return active
}

// Decide picks the route for a station from its own panel and those of its
// two neighbors, in flight slot order.
func Decide(own, n1, n2 *tablet.Snapshot) Decision {
	d := Decision{
		RadioEnabled:        own.RadioSelected(),
		Offside:             [2]tablet.TalkState{OffsideState(n1), OffsideState(n2)},
		FlightVolumeEnabled: own.VolumeSelect[tablet.FLT],
		MicInt:              MicIntState(own.MicSwitch),
		MicEn:               ActiveMic(own),
	}

	neighborTalking := d.Offside[0] != tablet.TalkOff || d.Offside[1] != tablet.TalkOff

	switch {
	case !d.RadioEnabled && !neighborTalking:
		d.Route = RouteMute
	case neighborTalking && d.FlightVolumeEnabled:
		d.Route = RouteFlight
	case d.MicEn != tablet.MicOff:
		// Keyed transmitter: radio is suppressed and there is no sidetone.
		d.Route = RouteMic
	case d.RadioEnabled:
		d.Route = RouteRadio
	default:
		d.Route = RouteMute
	}
	return d
}

// route produces the station's outbound audio for period p. The station's
// inbound slot for p must already hold this period's capture.
func (s *Station) route(p uint64, d Decision, peers [2]Peer, sources SourceProvider) {
	switch d.Route {
	case RouteFlight:
		flt := s.current.Volume[tablet.FLT]
		for slot, peer := range peers {
			if d.Offside[slot] == tablet.TalkOff {
				continue
			}
			peer.CopyInbound(p, s.flightBufs[slot])
			s.flightEnables[slot] = true
			s.flightVolumes[slot] = flt
		}

		clear(s.flightOut)
		mixer.Mix(s.flightOut, s.flightSources, s.flightEnables[:], s.flightVolumes[:])
		copy(s.outbound, s.flightOut)

		s.flightEnables = [2]bool{}

	case RouteRadio:
		copy(s.outbound, s.inboundSlot(p))
		for k := 0; k < tablet.NumRadioSources; k++ {
			src := tablet.Source(k)
			s.radioEnables[k] = s.current.VolumeSelect[k]
			s.radioVolumes[k] = s.current.Volume[k]
			if s.radioEnables[k] && sources != nil {
				sources.Next(src, &s.current, s.radioBufs[k])
			} else if s.radioEnables[k] {
				clear(s.radioBufs[k])
			}
		}
		mixer.Mix(s.outbound, s.radioSources, s.radioEnables[:], s.radioVolumes[:])

	default:
		// Mute and Mic both hand silence to playback.
		clear(s.outbound)
	}
}
