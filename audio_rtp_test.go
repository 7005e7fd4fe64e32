package main

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwsl/ipserver/intercom"
)

// loopbackRTPDevice sends to its own receive socket over unicast loopback
func loopbackRTPDevice(t *testing.T, period int) *RTPDevice {
	t.Helper()
	rx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	tx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	d := &RTPDevice{
		rxAddr:      rx.LocalAddr().(*net.UDPAddr),
		txAddr:      rx.LocalAddr().(*net.UDPAddr),
		rx:          rx,
		tx:          tx,
		payloadType: 96,
		ssrc:        0x49500000,
		frames:      make(chan []int16, 4),
		timeout:     200 * time.Millisecond,
		timer:       time.NewTimer(time.Hour),
		payloadBuf:  make([]byte, 2*period),
		packetBuf:   make([]byte, 12+2*period),
		logger:      log.New(io.Discard),
	}
	d.timer.Stop()
	d.running.Store(true)
	d.wg.Add(1)
	go d.receiveLoop()
	t.Cleanup(func() { d.Close() })
	return d
}

func TestBytesToInt16Samples(t *testing.T) {
	assert.Equal(t, []int16{0x0102, -1, -32768}, bytesToInt16Samples([]byte{0x01, 0x02, 0xff, 0xff, 0x80, 0x00, 0x7f}))
}

func TestRTPDeviceRoundTrip(t *testing.T) {
	d := loopbackRTPDevice(t, 4)

	out := []int16{1, -2, 300, -32768}
	n, err := d.Write(out)
	require.NoError(t, err)
	require.Equal(t, len(out), n)

	in := make([]int16, 4)
	n, err = d.Read(in)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	assert.Equal(t, out, in)

	assert.Equal(t, uint16(1), d.seq)
	assert.Equal(t, uint32(4), d.timestamp)

	received, dropped := d.Stats()
	assert.Equal(t, uint64(1), received)
	assert.Zero(t, dropped)
}

func TestRTPDeviceReadTimesOut(t *testing.T) {
	d := loopbackRTPDevice(t, 4)

	in := make([]int16, 4)
	n, err := d.Read(in)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRTPDeviceRecoverDrainsCapture(t *testing.T) {
	d := loopbackRTPDevice(t, 4)
	d.frames <- []int16{1, 2, 3, 4}
	d.pending = []int16{5}

	require.NoError(t, d.Recover(intercom.Capture))
	assert.Empty(t, d.pending)
	assert.Len(t, d.frames, 0)
	assert.NoError(t, d.Recover(intercom.Playback))
}
