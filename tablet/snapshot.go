// Package tablet decodes the 40-byte control panel datagram each crew seat
// publishes on its multicast group.
package tablet

// Source identifies an audible source on the panel. The first NumRadioSources
// values are the radio sources, in the order the mixer consumes them.
type Source uint8

const (
	VHFL Source = iota
	VHFC
	VHFR
	CAB
	PA
	HFL
	HFR
	SAT1
	SAT2
	SPK
	NAV
	APP
	FLT

	NumSources      = int(FLT) + 1
	NumRadioSources = int(APP) + 1
)

var sourceNames = [NumSources]string{
	"VHF_L", "VHF_C", "VHF_R", "CAB", "PA", "HF_L", "HF_R",
	"SAT_1", "SAT_2", "SPK", "NAV", "APP", "FLT",
}

func (s Source) String() string {
	if int(s) < NumSources {
		return sourceNames[s]
	}
	return "UNKNOWN"
}

// MicTarget is the transmitter a crew member has keyed. MicOff means none.
type MicTarget uint8

const (
	MicOff MicTarget = iota
	MicFLT
	MicCAB
	MicPA
	MicSAT1
	MicSAT2
	MicVHFL
	MicVHFC
	MicVHFR
	MicHFL
	MicHFR

	micSlots = int(MicHFR) + 1
)

// MicPriority lists the mic targets in scan order. When several mic-on flags
// are set at once the last one in this order wins.
var MicPriority = [...]MicTarget{
	MicFLT, MicCAB, MicPA, MicSAT1, MicSAT2,
	MicVHFL, MicVHFC, MicVHFR, MicHFL, MicHFR,
}

var micNames = [micSlots]string{
	"OFF", "FLT", "CAB", "PA", "SAT_1", "SAT_2",
	"VHF_L", "VHF_C", "VHF_R", "HF_L", "HF_R",
}

func (m MicTarget) String() string {
	if int(m) < micSlots {
		return micNames[m]
	}
	return "UNKNOWN"
}

// MicSwitch is the position of the three-way mic selector.
type MicSwitch uint8

const (
	SwitchOff MicSwitch = iota
	SwitchMic
	SwitchFlight
)

func (m MicSwitch) String() string {
	switch m {
	case SwitchMic:
		return "MIC"
	case SwitchFlight:
		return "FLT"
	default:
		return "OFF"
	}
}

// TalkState is what a seat is doing with its microphone: nothing, keying a
// transmitter, or talking on the flight deck interphone.
type TalkState uint8

const (
	TalkOff TalkState = iota
	TalkMic
	TalkInterphone
)

func (t TalkState) String() string {
	switch t {
	case TalkMic:
		return "MIC"
	case TalkInterphone:
		return "INT"
	default:
		return "OFF"
	}
}

// NavCode selects which navigation receiver feeds the NAV source.
type NavCode uint8

const (
	NavVORL NavCode = iota
	NavVORR
	NavADFL
	NavADFR
)

func (n NavCode) String() string {
	switch n {
	case NavVORL:
		return "VOR_L"
	case NavVORR:
		return "VOR_R"
	case NavADFL:
		return "ADF_L"
	default:
		return "ADF_R"
	}
}

// AppCode selects which approach receiver feeds the APP source.
type AppCode uint8

const (
	AppL AppCode = iota
	AppR
	AppMKR
	AppNone // code 3, no receiver
)

func (a AppCode) String() string {
	switch a {
	case AppL:
		return "APP_L"
	case AppR:
		return "APP_R"
	case AppMKR:
		return "MKR"
	case AppNone:
		return "NONE"
	default:
		return "INVALID"
	}
}

// Snapshot is the decoded state of one panel at one instant.
type Snapshot struct {
	// FunctionalStatus holds status bytes 4, 3, 2 and 1 in wire order.
	FunctionalStatus [4]byte

	MicSwitch MicSwitch
	NavSelect NavCode
	AppSelect AppCode
	VBRSelect uint8

	// VolumeSelect and Volume are indexed by Source. Volumes are already
	// clamped to MaxVolume.
	VolumeSelect [NumSources]bool
	Volume       [NumSources]uint16

	// MicOn is indexed by MicTarget; MicOn[MicOff] is always false.
	MicOn [micSlots]bool
}

// RadioSelected reports whether any of the radio sources is selected for
// listening. The flight interphone is not a radio source.
func (s *Snapshot) RadioSelected() bool {
	for k := 0; k < NumRadioSources; k++ {
		if s.VolumeSelect[k] {
			return true
		}
	}
	return false
}
