// Package wavetable supplies the synthetic radio receiver audio. Each receiver
// is a looped WAV recording; every station plays them back with its own
// cursors so seats never disturb each other's position.
package wavetable

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cwsl/ipserver/tablet"
)

// Asset names one looped recording.
type Asset uint8

const (
	VHFL Asset = iota
	VHFC
	VHFR
	CAB
	PA
	HFL
	HFR
	SAT1
	SAT2
	SPKR
	VORL
	VORR
	ADFL
	ADFR
	APPL
	APPR
	APPMKR

	NumAssets = int(APPMKR) + 1
)

// ErrUnknownAsset is returned for configuration keys that name no asset.
var ErrUnknownAsset = errors.New("wavetable: unknown asset")

var assetKeys = [NumAssets]string{
	"VHF_L", "VHF_C", "VHF_R", "CAB", "PA", "HF_L", "HF_R", "SAT_1", "SAT_2",
	"SPKR", "VOR_L", "VOR_R", "ADF_L", "ADF_R", "APP_L", "APP_R", "APP_MKR",
}

func (a Asset) String() string {
	if int(a) < NumAssets {
		return assetKeys[a]
	}
	return "UNKNOWN"
}

// ParseAsset maps a configuration key to an Asset.
func ParseAsset(key string) (Asset, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	for i, k := range assetKeys {
		if k == key {
			return Asset(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAsset, key)
}

// radioAssets maps the fixed radio sources to their recordings. NAV and APP
// depend on the panel's selector codes and are resolved in AssetFor.
var radioAssets = map[tablet.Source]Asset{
	tablet.VHFL: VHFL,
	tablet.VHFC: VHFC,
	tablet.VHFR: VHFR,
	tablet.CAB:  CAB,
	tablet.PA:   PA,
	tablet.HFL:  HFL,
	tablet.HFR:  HFR,
	tablet.SAT1: SAT1,
	tablet.SAT2: SAT2,
	tablet.SPK:  SPKR,
}

var navAssets = [...]Asset{
	tablet.NavVORL: VORL,
	tablet.NavVORR: VORR,
	tablet.NavADFL: ADFL,
	tablet.NavADFR: ADFR,
}

var appAssets = [...]Asset{
	tablet.AppL:   APPL,
	tablet.AppR:   APPR,
	tablet.AppMKR: APPMKR,
}

// AssetFor returns the recording that feeds src given the panel state. The
// second result is false when the source has no recording, for example an
// unused APP selector code.
func AssetFor(src tablet.Source, snap *tablet.Snapshot) (Asset, bool) {
	switch src {
	case tablet.NAV:
		if int(snap.NavSelect) < len(navAssets) {
			return navAssets[snap.NavSelect], true
		}
		return 0, false
	case tablet.APP:
		if int(snap.AppSelect) < len(appAssets) {
			return appAssets[snap.AppSelect], true
		}
		return 0, false
	}
	a, ok := radioAssets[src]
	return a, ok
}
