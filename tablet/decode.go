package tablet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PacketSize is the only datagram length the panel sends.
	PacketSize = 40

	// MaxVolume is the largest dial code; the panel may send more and it is clamped.
	MaxVolume = 4095
)

// ErrLength is returned for datagrams that are not PacketSize bytes long.
var ErrLength = errors.New("tablet: wrong datagram length")

// Byte offsets within the datagram
const (
	offStatus     = 4
	offVolSelLow  = 9
	offVolSelHigh = 10
	offCodes      = 11
	offVolumes    = 12
	offMicOnLow   = 36
	offMicOnHigh  = 37
	offSpkVolume  = 38
)

// volumeOrder is the order of the big-endian volume words starting at offVolumes.
var volumeOrder = [...]Source{
	VHFC, VHFL, FLT, VHFR, PA, CAB, HFR, HFL, SAT2, SAT1, APP, NAV,
}

// volSelLow maps bits 0..4 of byte 9.
var volSelLow = [...]Source{SAT1, SAT2, NAV, APP, SPK}

// volSelHigh maps bits 0..7 of byte 10.
var volSelHigh = [...]Source{VHFL, VHFC, VHFR, FLT, CAB, PA, HFL, HFR}

// micOnLow maps bits 0..1 of byte 36.
var micOnLow = [...]MicTarget{MicSAT1, MicSAT2}

// micOnHigh maps bits 0..7 of byte 37.
var micOnHigh = [...]MicTarget{MicVHFL, MicVHFC, MicVHFR, MicFLT, MicCAB, MicPA, MicHFL, MicHFR}

// Decode parses a panel datagram. Any length other than PacketSize yields
// ErrLength and a zero Snapshot; callers keep their previous value.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	if len(b) != PacketSize {
		return s, fmt.Errorf("%w: %d bytes", ErrLength, len(b))
	}

	copy(s.FunctionalStatus[:], b[offStatus:offStatus+4])

	for bit, src := range volSelLow {
		s.VolumeSelect[src] = b[offVolSelLow]&(1<<bit) != 0
	}
	for bit, src := range volSelHigh {
		s.VolumeSelect[src] = b[offVolSelHigh]&(1<<bit) != 0
	}

	codes := b[offCodes]
	s.NavSelect = NavCode(codes & 0x03)
	s.AppSelect = AppCode((codes >> 2) & 0x03)
	s.VBRSelect = (codes >> 4) & 0x03
	switch (codes >> 6) & 0x03 {
	case 1:
		s.MicSwitch = SwitchMic
	case 2:
		s.MicSwitch = SwitchFlight
	default:
		s.MicSwitch = SwitchOff
	}

	for i, src := range volumeOrder {
		s.Volume[src] = clampVolume(binary.BigEndian.Uint16(b[offVolumes+2*i:]))
	}
	s.Volume[SPK] = clampVolume(binary.BigEndian.Uint16(b[offSpkVolume:]))

	for bit, m := range micOnLow {
		s.MicOn[m] = b[offMicOnLow]&(1<<bit) != 0
	}
	for bit, m := range micOnHigh {
		s.MicOn[m] = b[offMicOnHigh]&(1<<bit) != 0
	}

	return s, nil
}

func clampVolume(v uint16) uint16 {
	if v > MaxVolume {
		return MaxVolume
	}
	return v
}

// Encode is the inverse of Decode. Tests use it to build panel datagrams.
func Encode(s Snapshot) []byte {
	b := make([]byte, PacketSize)
	copy(b[offStatus:], s.FunctionalStatus[:])

	for bit, src := range volSelLow {
		if s.VolumeSelect[src] {
			b[offVolSelLow] |= 1 << bit
		}
	}
	for bit, src := range volSelHigh {
		if s.VolumeSelect[src] {
			b[offVolSelHigh] |= 1 << bit
		}
	}

	b[offCodes] = byte(s.NavSelect&0x03) |
		byte(s.AppSelect&0x03)<<2 |
		(s.VBRSelect&0x03)<<4 |
		byte(s.MicSwitch&0x03)<<6

	for i, src := range volumeOrder {
		binary.BigEndian.PutUint16(b[offVolumes+2*i:], s.Volume[src])
	}
	binary.BigEndian.PutUint16(b[offSpkVolume:], s.Volume[SPK])

	for bit, m := range micOnLow {
		if s.MicOn[m] {
			b[offMicOnLow] |= 1 << bit
		}
	}
	for bit, m := range micOnHigh {
		if s.MicOn[m] {
			b[offMicOnHigh] |= 1 << bit
		}
	}
	return b
}
