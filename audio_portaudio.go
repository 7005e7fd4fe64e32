package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/cwsl/ipserver/intercom"
)

// PortAudioDevice is a full-duplex mono sound card opened in blocking mode
// with one period per buffer
type PortAudioDevice struct {
	name   string
	stream *portaudio.Stream
	in     []int16
	out    []int16
	logger *log.Logger
}

// findPortAudioDevice looks a sound card up by exact name, then by
// case-insensitive substring
func findPortAudioDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get device list: %w", err)
	}

	duplex := func(d *portaudio.DeviceInfo) bool {
		return d.MaxInputChannels > 0 && d.MaxOutputChannels > 0
	}

	for _, d := range devices {
		if d.Name == name && duplex(d) {
			return d, nil
		}
	}
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) && duplex(d) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no full-duplex audio device matching %q", name)
}

// openPortAudioDevice opens and starts the named sound card. Capture and
// playback must end up with the same buffering or the seat would drift.
func openPortAudioDevice(name string, cfg AudioConfig, logger *log.Logger) (*PortAudioDevice, error) {
	dev, err := findPortAudioDevice(name)
	if err != nil {
		return nil, err
	}

	latency := time.Duration(cfg.BufferPeriods*cfg.Period) * time.Second / time.Duration(cfg.SampleRate)
	pd := &PortAudioDevice{
		name:   dev.Name,
		in:     make([]int16, cfg.Period),
		out:    make([]int16, cfg.Period),
		logger: logger,
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  latency,
		},
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  latency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.Period,
	}

	pd.stream, err = portaudio.OpenStream(params, pd.in, pd.out)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dev.Name, err)
	}

	info := pd.stream.Info()
	inFrames := int(info.InputLatency.Seconds() * info.SampleRate)
	outFrames := int(info.OutputLatency.Seconds() * info.SampleRate)
	if abs(inFrames-outFrames) >= cfg.Period {
		pd.stream.Close()
		return nil, fmt.Errorf("%s: capture buffer (%d frames) does not match playback buffer (%d frames)", dev.Name, inFrames, outFrames)
	}

	if err := pd.stream.Start(); err != nil {
		pd.stream.Close()
		return nil, fmt.Errorf("failed to start %s: %w", dev.Name, err)
	}
	if err := pd.Recover(intercom.Playback); err != nil {
		pd.Close()
		return nil, fmt.Errorf("failed to prime %s: %w", dev.Name, err)
	}

	logger.Info("audio device opened", "device", dev.Name, "rate", cfg.SampleRate, "period", cfg.Period, "buffer_frames", inFrames)
	return pd, nil
}

// Read blocks for one period of capture audio. An input overflow still
// delivers a full period.
func (pd *PortAudioDevice) Read(buf []int16) (int, error) {
	err := pd.stream.Read()
	if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return 0, err
	}
	return copy(buf, pd.in), err
}

// Write queues one period for playback
func (pd *PortAudioDevice) Write(buf []int16) (int, error) {
	n := copy(pd.out, buf)
	clear(pd.out[n:])
	err := pd.stream.Write()
	if err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
		return 0, err
	}
	return n, err
}

// Recover primes playback with two periods of silence. Capture needs no
// action: the next Read picks up from the current position.
func (pd *PortAudioDevice) Recover(dir intercom.Direction) error {
	if dir != intercom.Playback {
		return nil
	}
	clear(pd.out)
	for i := 0; i < 2; i++ {
		if err := pd.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return err
		}
	}
	return nil
}

// Close stops and closes the stream
func (pd *PortAudioDevice) Close() error {
	if err := pd.stream.Stop(); err != nil {
		pd.logger.Debug("stopping stream", "device", pd.name, "err", err)
	}
	return pd.stream.Close()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
