// Package mixer implements the fixed-point gain table and the saturating
// additive mixer shared by every station.
package mixer

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// Radix is the number of fractional bits in a gain value.
	Radix = 14

	// Unity is a gain of 1.0.
	Unity = 1 << Radix

	// VolumeLevels is the number of distinct dial codes.
	VolumeLevels = 4096

	// MaxVolume is the largest dial code.
	MaxVolume = VolumeLevels - 1

	// FloorDB is the attenuation applied at dial code 1. Code 0 is mute.
	FloorDB = -60.0
)

var gainTable = buildGainTable()

// buildGainTable spaces codes 1..MaxVolume evenly in decibels between FloorDB
// and 0 dB.
func buildGainTable() [VolumeLevels]int32 {
	var table [VolumeLevels]int32

	taper := floats.LogSpan(make([]float64, MaxVolume), math.Pow(10, FloorDB/20), 1)
	for i, g := range taper {
		table[i+1] = int32(math.Round(g * Unity))
	}
	table[MaxVolume] = Unity

	return table
}

// Gain returns the fixed-point gain for a dial code. Codes above MaxVolume
// are treated as MaxVolume.
func Gain(code uint16) int32 {
	if code > MaxVolume {
		code = MaxVolume
	}
	return gainTable[code]
}

// GainDB returns the gain for a dial code in decibels, or -Inf for mute.
func GainDB(code uint16) float64 {
	g := Gain(code)
	if g == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(float64(g)/Unity)
}
