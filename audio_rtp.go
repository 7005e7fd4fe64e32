package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"

	"github.com/cwsl/ipserver/intercom"
)

// RTPDevice exchanges a seat's audio as L16 mono RTP over multicast, the
// packet format AES67 audio-over-IP gear speaks
type RTPDevice struct {
	rxAddr *net.UDPAddr
	txAddr *net.UDPAddr
	rx     *net.UDPConn
	tx     *net.UDPConn

	payloadType uint8
	ssrc        uint32
	seq         uint16
	timestamp   uint32

	frames     chan []int16
	pending    []int16
	timeout    time.Duration
	timer      *time.Timer
	packet     rtp.Packet
	payloadBuf []byte
	packetBuf  []byte

	running atomic.Bool
	wg      sync.WaitGroup
	logger  *log.Logger

	receivedPackets atomic.Uint64
	droppedPackets  atomic.Uint64
}

// openRTPDevice joins the seat's source group and prepares its destination
func openRTPDevice(ctx context.Context, st StationConfig, cfg AudioConfig, logger *log.Logger) (*RTPDevice, error) {
	rxAddr, err := net.ResolveUDPAddr("udp4", st.RTP.Source)
	if err != nil {
		return nil, fmt.Errorf("invalid rtp source %q: %w", st.RTP.Source, err)
	}
	txAddr, err := net.ResolveUDPAddr("udp4", st.RTP.Destination)
	if err != nil {
		return nil, fmt.Errorf("invalid rtp destination %q: %w", st.RTP.Destination, err)
	}
	iface, err := resolveInterface(st.Interface)
	if err != nil {
		return nil, err
	}

	rx, err := listenMulticast(ctx, rxAddr, iface, 1024*1024, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup rtp receive socket: %w", err)
	}
	tx, err := dialMulticast(txAddr, iface, logger)
	if err != nil {
		rx.Close()
		return nil, fmt.Errorf("failed to setup rtp send socket: %w", err)
	}

	periodDuration := time.Duration(cfg.Period) * time.Second / time.Duration(cfg.SampleRate)
	d := &RTPDevice{
		rxAddr:      rxAddr,
		txAddr:      txAddr,
		rx:          rx,
		tx:          tx,
		payloadType: cfg.PayloadType,
		ssrc:        st.RTP.SSRC,
		frames:      make(chan []int16, cfg.JitterPeriods),
		timeout:     time.Duration(cfg.BufferPeriods) * periodDuration,
		timer:       time.NewTimer(time.Hour),
		payloadBuf:  make([]byte, 2*cfg.Period),
		packetBuf:   make([]byte, 12+2*cfg.Period),
		logger:      logger,
	}
	d.timer.Stop()

	d.running.Store(true)
	d.wg.Add(1)
	go d.receiveLoop()

	logger.Info("rtp audio device opened", "source", rxAddr, "destination", txAddr, "ssrc", fmt.Sprintf("0x%08x", d.ssrc))
	return d, nil
}

// receiveLoop continuously receives audio packets and queues their samples
func (d *RTPDevice) receiveLoop() {
	defer d.wg.Done()
	buffer := make([]byte, 65536)

	for d.running.Load() {
		n, _, err := d.rx.ReadFromUDP(buffer)
		if err != nil {
			if !d.running.Load() {
				break
			}
			d.logger.Warn("error reading rtp packet", "err", err)
			continue
		}

		if n < 12 {
			// Too small to be valid RTP
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buffer[:n]); err != nil {
			d.logger.Debug("error parsing rtp packet", "err", err)
			continue
		}
		if packet.PayloadType != d.payloadType {
			continue
		}
		d.receivedPackets.Add(1)

		samples := bytesToInt16Samples(packet.Payload)

		// Never block: when the queue is full the oldest period goes
		select {
		case d.frames <- samples:
		default:
			select {
			case <-d.frames:
				d.droppedPackets.Add(1)
			default:
			}
			select {
			case d.frames <- samples:
			default:
			}
		}
	}
}

// bytesToInt16Samples converts big-endian L16 payload bytes to samples
func bytesToInt16Samples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.BigEndian.Uint16(data[2*i:]))
	}
	return samples
}

// Read fills buf from received packets, waiting at most one device buffer
// for audio to arrive. A short count means the stream stalled.
func (d *RTPDevice) Read(buf []int16) (int, error) {
	n := 0
	for n < len(buf) {
		if len(d.pending) == 0 {
			select {
			case d.pending = <-d.frames:
			default:
				d.timer.Reset(d.timeout)
				select {
				case d.pending = <-d.frames:
					d.timer.Stop()
				case <-d.timer.C:
					return n, nil
				}
			}
		}

		c := copy(buf[n:], d.pending)
		n += c
		d.pending = d.pending[c:]
	}
	return n, nil
}

// Write sends buf as one RTP packet
func (d *RTPDevice) Write(buf []int16) (int, error) {
	if len(d.payloadBuf) < 2*len(buf) {
		d.payloadBuf = make([]byte, 2*len(buf))
		d.packetBuf = make([]byte, 12+2*len(buf))
	}
	payload := d.payloadBuf[:2*len(buf)]
	for i, s := range buf {
		binary.BigEndian.PutUint16(payload[2*i:], uint16(s))
	}

	d.packet.Header = rtp.Header{
		Version:        2,
		PayloadType:    d.payloadType,
		SequenceNumber: d.seq,
		Timestamp:      d.timestamp,
		SSRC:           d.ssrc,
	}
	d.packet.Payload = payload

	size, err := d.packet.MarshalTo(d.packetBuf)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal rtp packet: %w", err)
	}

	d.seq++
	d.timestamp += uint32(len(buf))

	if _, err := d.tx.WriteToUDP(d.packetBuf[:size], d.txAddr); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Recover drops any queued capture audio so the next Read starts on fresh
// packets. Playback needs no priming: packets are sent as they are produced.
func (d *RTPDevice) Recover(dir intercom.Direction) error {
	if dir != intercom.Capture {
		return nil
	}
	d.pending = nil
	for {
		select {
		case <-d.frames:
		default:
			return nil
		}
	}
}

// Stats returns the number of received and dropped packets
func (d *RTPDevice) Stats() (received, dropped uint64) {
	return d.receivedPackets.Load(), d.droppedPackets.Load()
}

// Close stops the receiver and closes both sockets
func (d *RTPDevice) Close() error {
	if !d.running.Swap(false) {
		return nil
	}
	rxErr := d.rx.Close()
	txErr := d.tx.Close()
	d.wg.Wait()
	return errors.Join(rxErr, txErr)
}
