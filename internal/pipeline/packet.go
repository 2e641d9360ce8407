package pipeline

import (
	"net"
	"net/netip"
	"time"

	"github.com/danmuck/dgpipe/internal/message"
)

// Packet is a message plus its peer address: the destination on the way out,
// the source on the way in.
type Packet struct {
	Message message.Message
	Addr    netip.AddrPort
}

func sentinelPacket() Packet {
	return Packet{Message: message.Sentinel()}
}

func (p Packet) IsSentinel() bool {
	return p.Message.IsSentinel()
}

// deliverable is the accept predicate for both queues: degenerate packets are
// dropped instead of queued.
func deliverable(p Packet) bool {
	return !p.IsSentinel() && !p.Message.Empty()
}

// Conn is the datagram socket surface the workers need. *net.UDPConn satisfies it.
type Conn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// unmap folds IPv4-mapped IPv6 addresses to plain IPv4 so they can be written
// on either socket family.
func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
