// Package intercom runs the three crew stations: it decides each period what
// a seat hears and keeps the three station loops in lock step.
package intercom

import (
	"fmt"
	"strings"
)

// Identity names a crew seat.
type Identity uint8

const (
	Captain Identity = iota
	FirstOfficer
	Observer

	NumStations = 3
)

// Identities lists every seat in registry order.
var Identities = [NumStations]Identity{Captain, FirstOfficer, Observer}

func (id Identity) String() string {
	switch id {
	case Captain:
		return "captain"
	case FirstOfficer:
		return "first_officer"
	case Observer:
		return "observer"
	default:
		return fmt.Sprintf("identity(%d)", uint8(id))
	}
}

// Code returns the single letter used on the command line and in logs.
func (id Identity) Code() string {
	switch id {
	case Captain:
		return "C"
	case FirstOfficer:
		return "F"
	case Observer:
		return "O"
	default:
		return "?"
	}
}

// ParseIdentity accepts a seat letter (C, F, O) or name.
func ParseIdentity(s string) (Identity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c", "capt", "captain":
		return Captain, nil
	case "f", "fo", "first_officer":
		return FirstOfficer, nil
	case "o", "obs", "observer":
		return Observer, nil
	}
	return 0, fmt.Errorf("unknown station identity %q (want C, F or O)", s)
}

// neighborSlots fixes which flight-interphone slot each neighbor occupies.
var neighborSlots = [NumStations][2]Identity{
	Captain:      {FirstOfficer, Observer},
	FirstOfficer: {Captain, Observer},
	Observer:     {FirstOfficer, Captain},
}

// Neighbors returns the seats occupying flight slots 1 and 2 for id.
func (id Identity) Neighbors() (Identity, Identity) {
	n := neighborSlots[id]
	return n[0], n[1]
}
