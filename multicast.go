package main

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/charmbracelet/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// resolveInterface returns the named interface, or the first up,
// multicast-capable, non-loopback interface when name is empty
func resolveInterface(name string) (*net.Interface, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", name, err)
		}
		return iface, nil
	}
	return getDefaultInterface()
}

// getDefaultInterface returns the default network interface
func getDefaultInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		// Skip loopback and down interfaces
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		return &iface, nil
	}

	return nil, fmt.Errorf("no suitable interface found")
}

// getLoopbackInterface returns the loopback interface
func getLoopbackInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			return &iface, nil
		}
	}

	return nil, fmt.Errorf("loopback interface not found")
}

// joinGroup joins addr on iface and on loopback so panels and audio sources
// running on this host are heard too
func joinGroup(p *ipv4.PacketConn, iface *net.Interface, addr *net.UDPAddr, logger *log.Logger) {
	if iface != nil {
		if err := p.JoinGroup(iface, addr); err != nil {
			logger.Warn("failed to join multicast group", "group", addr, "iface", iface.Name, "err", err)
		}
	}

	loopback, err := getLoopbackInterface()
	if err == nil && loopback != nil && (iface == nil || loopback.Index != iface.Index) {
		if err := p.JoinGroup(loopback, addr); err != nil {
			logger.Warn("failed to join multicast group on loopback", "group", addr, "err", err)
		}
	}
}

// listenMulticast binds a UDP socket on a multicast group:port and joins the
// group. Several processes may share the port.
func listenMulticast(ctx context.Context, addr *net.UDPAddr, iface *net.Interface, readBuffer int, logger *log.Logger) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	udpConn := conn.(*net.UDPConn)
	if readBuffer > 0 {
		if err := udpConn.SetReadBuffer(readBuffer); err != nil {
			logger.Warn("failed to set read buffer size", "err", err)
		}
	}

	joinGroup(ipv4.NewPacketConn(udpConn), iface, addr, logger)
	return udpConn, nil
}

// dialMulticast creates a UDP socket for sending to a multicast group. Local
// listeners receive the traffic and it never leaves the local network.
func dialMulticast(addr *net.UDPAddr, iface *net.Interface, logger *log.Logger) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get raw connection: %w", err)
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 1); err != nil {
			sockErr = fmt.Errorf("failed to set IP_MULTICAST_LOOP: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, 1); err != nil {
			sockErr = fmt.Errorf("failed to set IP_MULTICAST_TTL: %w", err)
			return
		}
		if iface != nil {
			mreqn := unix.IPMreqn{Ifindex: int32(iface.Index)}
			if err := unix.SetsockoptIPMreqn(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_IF, &mreqn); err != nil {
				sockErr = fmt.Errorf("failed to set IP_MULTICAST_IF: %w", err)
				return
			}
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to control socket: %w", err)
	}
	if sockErr != nil {
		conn.Close()
		return nil, sockErr
	}

	// Joining the group on the sending socket avoids IGMP snooping switches
	// pruning the stream
	joinGroup(ipv4.NewPacketConn(conn), iface, addr, logger)
	return conn, nil
}
