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
	"github.com/cwsl/ipserver/tablet"
)

func loopbackReceiver(t *testing.T) (*TabletReceiver, *net.UDPConn) {
	t.Helper()
	rx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := rx.LocalAddr().(*net.UDPAddr)

	tx, err := net.DialUDP("udp4", nil, addr)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Close() })

	tr := newTabletReceiver(intercom.Captain, addr, rx, log.New(io.Discard))
	t.Cleanup(func() { tr.Close() })
	return tr, tx
}

func datagram(fill byte) []byte {
	b := make([]byte, tablet.PacketSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

// send writes datagrams and waits until the receiver has taken all of them
func send(t *testing.T, tr *TabletReceiver, tx *net.UDPConn, datagrams ...[]byte) {
	t.Helper()
	want := tr.received.Load() + uint64(len(datagrams))
	for _, b := range datagrams {
		_, err := tx.Write(b)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return tr.received.Load() >= want }, 2*time.Second, time.Millisecond)
}

func TestTabletPollEmpty(t *testing.T) {
	tr, _ := loopbackReceiver(t)
	buf := make([]byte, 2048)

	n, err := tr.Poll(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTabletPollDeliversQueuedDatagram(t *testing.T) {
	tr, tx := loopbackReceiver(t)
	buf := make([]byte, 2048)

	send(t, tr, tx, datagram(7))

	// Poll must not miss a datagram that is already waiting
	n, err := tr.Poll(buf)
	require.NoError(t, err)
	require.Equal(t, tablet.PacketSize, n)
	assert.Equal(t, datagram(7), buf[:n])
}

func TestTabletPollKeepsNewestValid(t *testing.T) {
	tr, tx := loopbackReceiver(t)
	buf := make([]byte, 2048)

	send(t, tr, tx, datagram(1), datagram(2), []byte{9, 9, 9})

	n, err := tr.Poll(buf)
	require.NoError(t, err)
	require.Equal(t, tablet.PacketSize, n)
	assert.Equal(t, datagram(2), buf[:n])

	// Each datagram is handed out once
	n, err = tr.Poll(buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTabletPollReportsMalformed(t *testing.T) {
	tr, tx := loopbackReceiver(t)
	buf := make([]byte, 2048)

	send(t, tr, tx, make([]byte, 41))

	n, err := tr.Poll(buf)
	require.NoError(t, err)
	assert.Equal(t, 41, n)
}

func TestTabletReceiverCloseIsIdempotent(t *testing.T) {
	tr, _ := loopbackReceiver(t)
	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}
