package relay

import (
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"sbc-server/pkg/util"
)

// Side identifies one half of a relay
type Side int

const (
	Left Side = iota
	Right
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	return 1 - s
}

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Event is delivered to a relay's owner
type Event interface {
	relayEvent()
}

// PeerChanged reports a datagram on Side from an address other than the
// side's current peer. The relay does not adopt the address; the owner
// decides and calls SetPeer.
type PeerChanged struct {
	Side Side
	Addr util.PeerAddress
	// SSRC of the datagram when it is RTP
	SSRC uint32
	// SameStream is set when the datagram carries the SSRC already seen
	// from the side's committed peer, i.e. the same source moved address
	SameStream bool
}

// Terminated is delivered exactly once, after every socket has stopped
type Terminated struct{}

func (PeerChanged) relayEvent() {}
func (Terminated) relayEvent()  {}

// Events receives relay notifications. PeerChanged is delivered from a
// socket worker; the handler must not block.
type Events interface {
	OnRelayEvent(r *Relay, ev Event)
}

// EventsFunc adapts a function to Events
type EventsFunc func(r *Relay, ev Event)

func (f EventsFunc) OnRelayEvent(r *Relay, ev Event) { f(r, ev) }

// Interception mirrors relayed traffic to a sink
type Interception struct {
	Sink util.PeerAddress
	// Active interception mirrors without relaying
	Active bool
}

// TransportPolicy selects the relay variant
type TransportPolicy struct {
	// InterPacketTime is the minimum spacing of forwarded datagrams, 0 disables shaping
	InterPacketTime time.Duration
	// ShapeEgress queues outgoing datagrams instead of pausing the receive worker
	ShapeEgress  bool
	Interception *Interception
}

// Variant names the relay flavour for logs and metrics
func (p TransportPolicy) Variant() string {
	switch {
	case p.Interception != nil:
		return "intercepting"
	case p.InterPacketTime > 0:
		return "rate-shaped"
	default:
		return "plain"
	}
}

// Transport opens relay sockets
type Transport interface {
	Listen(host string, port int) (net.PacketConn, error)
}

// UDPTransport binds UDP sockets, optionally resizing their kernel buffers
type UDPTransport struct {
	ReadBuffer  int
	WriteBuffer int
	Logger      *logrus.Logger
}

func (t UDPTransport) Listen(host string, port int) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return conn, nil
	}
	if t.ReadBuffer > 0 {
		if err := udp.SetReadBuffer(t.ReadBuffer); err != nil && t.Logger != nil {
			t.Logger.WithError(err).Warn("Failed to set UDP read buffer size, using system default")
		}
	}
	if t.WriteBuffer > 0 {
		if err := udp.SetWriteBuffer(t.WriteBuffer); err != nil && t.Logger != nil {
			t.Logger.WithError(err).Warn("Failed to set UDP write buffer size, using system default")
		}
	}
	return conn, nil
}

// Stats are the forwarding counters of a relay, indexed by ingress side
type Stats struct {
	Packets [2]uint64
	Bytes   [2]uint64
	Dropped uint64
	// SSRC is the RTP source last seen from each side's committed peer, 0 if none
	SSRC [2]uint32
}
