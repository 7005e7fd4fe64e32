package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cwsl/ipserver/intercom"
	"github.com/cwsl/ipserver/tablet"
)

// TabletReceiver reads a seat's panel datagrams from its multicast group.
// A receive goroutine keeps the newest datagram so Poll never blocks the
// station loop.
type TabletReceiver struct {
	id     intercom.Identity
	addr   *net.UDPAddr
	conn   *net.UDPConn
	logger *log.Logger

	mu        sync.Mutex
	valid     [tablet.PacketSize]byte
	haveValid bool
	other     []byte // newest malformed datagram, kept only while no valid one is pending
	otherLen  int

	running  atomic.Bool
	wg       sync.WaitGroup
	received atomic.Uint64
}

// newTabletReceiver wraps a bound socket and starts receiving
func newTabletReceiver(id intercom.Identity, addr *net.UDPAddr, conn *net.UDPConn, logger *log.Logger) *TabletReceiver {
	tr := &TabletReceiver{
		id:     id,
		addr:   addr,
		conn:   conn,
		logger: logger,
		other:  make([]byte, 2048),
	}
	tr.running.Store(true)
	tr.wg.Add(1)
	go tr.receiveLoop()
	return tr
}

// openTabletReceiver binds the seat's panel group, retrying while the
// network comes up
func openTabletReceiver(ctx context.Context, id intercom.Identity, st StationConfig, cfg TabletConfig, logger *log.Logger) (*TabletReceiver, error) {
	addr, err := net.ResolveUDPAddr("udp4", st.TabletGroup)
	if err != nil {
		return nil, fmt.Errorf("invalid tablet group %q: %w", st.TabletGroup, err)
	}

	interval := time.Duration(cfg.BindRetryInterval) * time.Second
	deadline := time.Now().Add(time.Duration(cfg.BindRetryMax) * time.Second)

	for {
		conn, err := bindTablet(ctx, addr, st.Interface, logger)
		if err == nil {
			logger.Info("tablet receiver listening", "group", addr)
			return newTabletReceiver(id, addr, conn, logger), nil
		}

		if time.Now().Add(interval).After(deadline) {
			return nil, fmt.Errorf("giving up binding tablet group %s: %w", addr, err)
		}
		logger.Warn("tablet bind failed, retrying", "group", addr, "err", err, "retry_in", interval)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func bindTablet(ctx context.Context, addr *net.UDPAddr, ifaceName string, logger *log.Logger) (*net.UDPConn, error) {
	iface, err := resolveInterface(ifaceName)
	if err != nil {
		return nil, err
	}
	return listenMulticast(ctx, addr, iface, 64*1024, logger)
}

// receiveLoop blocks on the socket and keeps the newest datagram for Poll
func (tr *TabletReceiver) receiveLoop() {
	defer tr.wg.Done()
	buffer := make([]byte, 2048)

	for tr.running.Load() {
		n, _, err := tr.conn.ReadFromUDP(buffer)
		if err != nil {
			if !tr.running.Load() {
				break
			}
			tr.logger.Warn("error reading tablet datagram", "group", tr.addr, "err", err)
			continue
		}

		tr.mu.Lock()
		switch {
		case n == tablet.PacketSize:
			copy(tr.valid[:], buffer[:n])
			tr.haveValid = true
			tr.otherLen = 0
		case !tr.haveValid:
			tr.otherLen = copy(tr.other, buffer[:n])
		}
		tr.mu.Unlock()
		tr.received.Add(1)
	}
}

// Poll copies the newest datagram of the right length received since the
// last call into buf. If only malformed datagrams arrived the newest of
// those is returned so the caller can account for it. It returns 0 when
// nothing arrived and never blocks.
func (tr *TabletReceiver) Poll(buf []byte) (int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	n := 0
	switch {
	case tr.haveValid:
		n = copy(buf, tr.valid[:])
	case tr.otherLen > 0:
		n = copy(buf, tr.other[:tr.otherLen])
	}
	tr.haveValid = false
	tr.otherLen = 0
	return n, nil
}

// Close stops the receiver and closes the socket
func (tr *TabletReceiver) Close() error {
	if !tr.running.Swap(false) {
		return nil
	}
	err := tr.conn.Close()
	tr.wg.Wait()
	return err
}
