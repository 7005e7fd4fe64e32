package mixer

import "math"

const rounding = 1 << (Radix - 1)

// Mix adds each enabled source, scaled by the gain of its volume code, onto
// dst in place. Sources, enables and volumes are parallel; extra entries in
// any of them are ignored. A source shorter than dst contributes silence past
// its end. When nothing is enabled dst is left untouched.
func Mix(dst []int16, sources [][]int16, enables []bool, volumes []uint16) {
	n := min(len(sources), len(enables), len(volumes))

	active := false
	for k := 0; k < n; k++ {
		if enables[k] {
			active = true
			break
		}
	}
	if !active {
		return
	}

	for i := range dst {
		acc := int64(dst[i]) << Radix
		for k := 0; k < n; k++ {
			if !enables[k] || i >= len(sources[k]) {
				continue
			}
			acc += int64(sources[k][i]) * int64(Gain(volumes[k]))
		}
		acc += rounding
		acc >>= Radix
		dst[i] = saturate(acc)
	}
}

func saturate(v int64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
