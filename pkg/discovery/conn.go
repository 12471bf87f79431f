package discovery

import (
	"net"

	"golang.org/x/net/ipv4"
)

// PacketConn is the subset of *ipv4.PacketConn the responder uses.
// Declared as an interface so tests can inject a fake transport.
type PacketConn interface {
	JoinGroup(ifi *net.Interface, group net.Addr) error
	LeaveGroup(ifi *net.Interface, group net.Addr) error
	ReadFrom(b []byte) (n int, cm *ipv4.ControlMessage, src net.Addr, err error)
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (n int, err error)
	Close() error
}

// Ensure the real connection satisfies the seam.
var _ PacketConn = (*ipv4.PacketConn)(nil)

// ConnFactory opens the multicast socket a responder reads from.
// If nil, the responder binds a UDP socket on the group port.
// Set this in tests to inject a fake transport.
type ConnFactory func(group *net.UDPAddr) (PacketConn, error)

// InterfaceProvider lists candidate interfaces for group membership.
// If nil, the responder uses the system's up, multicast-capable
// interfaces. Set this in tests to inject a fake interface list.
type InterfaceProvider func() ([]net.Interface, error)

// defaultConnFactory binds a UDP socket on the group port and wraps it
// for multicast group control.
func defaultConnFactory(group *net.UDPAddr) (PacketConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: group.Port})
	if err != nil {
		return nil, err
	}
	return ipv4.NewPacketConn(conn), nil
}
