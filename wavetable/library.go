package wavetable

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/go-audio/wav"
)

// Library holds the decoded recordings. It is immutable once loaded and is
// shared by every station.
type Library struct {
	samples [NumAssets][]int16
	paths   [NumAssets]string
}

// Load decodes every recording named in cfg. Relative paths are resolved
// against baseDir. Recordings whose rate differs from sampleRate are used
// as-is with a warning.
func Load(cfg Config, baseDir string, sampleRate int, logger *log.Logger) (*Library, error) {
	lib := &Library{}

	for asset, path := range cfg {
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}

		samples, rate, err := readWAV(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", asset, err)
		}
		if rate != sampleRate {
			logger.Warn("wave file sample rate differs", "asset", asset, "path", path, "rate", rate, "want", sampleRate)
		}

		lib.samples[asset] = samples
		lib.paths[asset] = path
		logger.Debug("loaded wave file", "asset", asset, "path", path, "samples", len(samples))
	}

	return lib, nil
}

// NewLibrary builds a library from in-memory recordings.
func NewLibrary(samples map[Asset][]int16) *Library {
	lib := &Library{}
	for asset, s := range samples {
		lib.samples[asset] = s
	}
	return lib
}

// Len returns the length in samples of an asset, zero if it is not loaded.
func (l *Library) Len(a Asset) int {
	if int(a) >= NumAssets {
		return 0
	}
	return len(l.samples[a])
}

// Path returns the file an asset was loaded from.
func (l *Library) Path(a Asset) string {
	if int(a) >= NumAssets {
		return ""
	}
	return l.paths[a]
}

// readWAV decodes a PCM WAV file to mono 16-bit samples, keeping the first
// channel of multichannel files.
func readWAV(path string) ([]int16, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid WAV file", path)
	}
	if d.WavAudioFormat != 1 {
		return nil, 0, fmt.Errorf("%s: unsupported WAV format %d, want PCM", path, d.WavAudioFormat)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}

	frames := len(buf.Data) / channels
	samples := make([]int16, frames)
	for i := range samples {
		samples[i] = toInt16(buf.Data[i*channels], int(d.BitDepth))
	}

	return samples, int(d.SampleRate), nil
}

// toInt16 rescales a decoded sample of the given bit depth to 16 bits.
func toInt16(v, depth int) int16 {
	switch depth {
	case 8:
		// 8-bit WAV is unsigned
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}
