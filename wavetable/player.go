package wavetable

import "github.com/cwsl/ipserver/tablet"

// Player reads looped recordings from a shared Library. A Player belongs to
// exactly one station and is not safe for concurrent use.
type Player struct {
	lib     *Library
	cursors [NumAssets]int
}

// NewPlayer returns a Player positioned at the start of every recording.
func NewPlayer(lib *Library) *Player {
	return &Player{lib: lib}
}

// Next fills dst with the next len(dst) samples of the recording feeding src,
// wrapping at the end of the recording. Sources without a recording get
// silence.
func (p *Player) Next(src tablet.Source, snap *tablet.Snapshot, dst []int16) {
	asset, ok := AssetFor(src, snap)
	if !ok {
		clear(dst)
		return
	}
	p.Read(asset, dst)
}

// Read fills dst from an asset and advances its cursor.
func (p *Player) Read(a Asset, dst []int16) {
	samples := p.lib.samples[a]
	if len(samples) == 0 {
		clear(dst)
		return
	}

	pos := p.cursors[a]
	for n := 0; n < len(dst); {
		c := copy(dst[n:], samples[pos:])
		n += c
		pos += c
		if pos == len(samples) {
			pos = 0
		}
	}
	p.cursors[a] = pos
}

// Cursor returns the current read position within an asset.
func (p *Player) Cursor(a Asset) int {
	return p.cursors[a]
}
