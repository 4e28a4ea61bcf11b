package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	sbcerrors "sbc-server/pkg/errors"
	"sbc-server/pkg/metrics"
	"sbc-server/pkg/scheduler"
	"sbc-server/pkg/util"
)

const (
	stateActive     = "active"
	stateHalting    = "halting"
	stateTerminated = "terminated"

	eventHalt      = "halt"
	eventTerminate = "terminate"

	readTimeout = 100 * time.Millisecond
	maxDatagram = 65535
)

// Config describes the sockets and peers of one relay
type Config struct {
	// ID defaults to a random UUID
	ID     string
	CallID string
	// Host is the local address every socket binds to
	Host string
	// Ports are the local ports, indexed by Side. Port 0 binds an ephemeral port.
	Ports [2]int
	// InterceptPorts are used only when the policy intercepts
	InterceptPorts [2]int
	Peers          [2]util.PeerAddress
	// Timeout halts the relay after this long without traffic, 0 disables
	Timeout time.Duration
	Policy  TransportPolicy
}

type socket struct {
	conn      net.PacketConn
	side      Side
	intercept bool
	egress    *shapedSender
}

// Relay forwards UDP datagrams between two peers through two local
// sockets. Traffic arriving on one side's socket is sent to the other
// side's peer from the other side's socket, so that each peer sees a
// single symmetric address.
type Relay struct {
	id      string
	callID  string
	variant string
	policy  TransportPolicy
	timeout time.Duration

	mu         sync.Mutex
	peers      [2]util.PeerAddress
	lastChange [2]time.Time
	expireAt   time.Time
	ssrc       [2]uint32
	ssrcKnown  [2]bool

	main      [2]*socket
	intercept [2]*socket
	sink      net.Addr

	state    *fsm.FSM
	stopping atomic.Bool
	workers  sync.WaitGroup
	activity scheduler.Handle
	done     chan struct{}

	packets [2]atomic.Uint64
	bytes   [2]atomic.Uint64
	dropped atomic.Uint64

	events Events
	sched  scheduler.Scheduler
	panics *util.PanicHandler
	log    *logrus.Entry
}

// New opens every socket of the relay and starts forwarding. When a
// socket cannot be bound the sockets already opened are closed and an
// error matching errors.ErrRelayBind is returned.
func New(cfg Config, events Events, sched scheduler.Scheduler, transport Transport, logger *logrus.Logger) (*Relay, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if transport == nil {
		transport = UDPTransport{Logger: logger}
	}

	r := &Relay{
		id:      cfg.ID,
		callID:  cfg.CallID,
		variant: cfg.Policy.Variant(),
		policy:  cfg.Policy,
		timeout: cfg.Timeout,
		peers:   cfg.Peers,
		done:    make(chan struct{}),
		events:  events,
		sched:   sched,
		panics:  util.NewPanicHandler(logger),
		state: fsm.NewFSM(
			stateActive,
			fsm.Events{
				{Name: eventHalt, Src: []string{stateActive}, Dst: stateHalting},
				{Name: eventTerminate, Src: []string{stateHalting}, Dst: stateTerminated},
			},
			nil,
		),
	}
	r.log = logger.WithFields(logrus.Fields{
		"relay_id": r.id,
		"call_id":  r.callID,
		"variant":  r.variant,
	})

	if err := r.open(cfg, transport); err != nil {
		r.closeAll()
		r.log.WithError(err).Error("Failed to open relay sockets")
		return nil, err
	}

	if r.timeout > 0 {
		r.expireAt = time.Now().Add(r.timeout)
	}
	for _, s := range r.sockets() {
		r.workers.Add(1)
		s := s
		go r.serve(s)
	}
	metrics.RelayStarted(r.variant)

	// workers must be counted before the first check can halt the relay
	if r.timeout > 0 {
		handle := sched.ScheduleRepeating(r.timeout/2, r.checkActivity)
		r.mu.Lock()
		r.activity = handle
		r.mu.Unlock()
		if r.stopping.Load() {
			handle.Cancel()
		}
	}

	r.log.WithFields(logrus.Fields{
		"left_port":  r.LocalPort(Left),
		"right_port": r.LocalPort(Right),
		"left_peer":  r.peers[Left].String(),
		"right_peer": r.peers[Right].String(),
		"timeout":    r.timeout,
	}).Info("Media relay started")
	return r, nil
}

func (r *Relay) open(cfg Config, transport Transport) error {
	for _, side := range []Side{Left, Right} {
		conn, err := transport.Listen(cfg.Host, cfg.Ports[side])
		if err != nil {
			return sbcerrors.NewRelayBind(cfg.Host, cfg.Ports[side], err)
		}
		r.main[side] = &socket{conn: conn, side: side}
		if cfg.Policy.InterPacketTime > 0 && cfg.Policy.ShapeEgress {
			r.main[side].egress = newShapedSender(conn, cfg.Policy.InterPacketTime, r.sched, r.write)
		}
	}

	if cfg.Policy.Interception == nil {
		return nil
	}
	sink, err := cfg.Policy.Interception.Sink.UDPAddr()
	if err != nil {
		return sbcerrors.NewRelayBind(cfg.Policy.Interception.Sink.Host, cfg.Policy.Interception.Sink.Port, err)
	}
	r.sink = sink
	for _, side := range []Side{Left, Right} {
		conn, err := transport.Listen(cfg.Host, cfg.InterceptPorts[side])
		if err != nil {
			return sbcerrors.NewRelayBind(cfg.Host, cfg.InterceptPorts[side], err)
		}
		r.intercept[side] = &socket{conn: conn, side: side, intercept: true}
	}
	return nil
}

func (r *Relay) sockets() []*socket {
	var out []*socket
	for _, s := range r.main {
		if s != nil {
			out = append(out, s)
		}
	}
	for _, s := range r.intercept {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (r *Relay) closeAll() {
	for _, s := range r.sockets() {
		s.conn.Close()
	}
}

// serve is the receive worker of one socket
func (r *Relay) serve(s *socket) {
	defer r.workers.Done()
	defer s.conn.Close()
	defer r.panics.Recover("relay")

	shapeIngress := r.policy.InterPacketTime > 0 && !r.policy.ShapeEgress
	buf := make([]byte, maxDatagram)
	for !r.stopping.Load() {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !r.stopping.Load() {
				r.log.WithError(err).WithField("side", s.side.String()).Error("Relay socket failed")
				r.Halt()
			}
			return
		}
		if n == 0 || r.stopping.Load() {
			continue
		}

		r.receive(s, buf[:n], util.FromNetAddr(from))
		if shapeIngress {
			time.Sleep(r.policy.InterPacketTime)
		}
	}
}

func (r *Relay) receive(s *socket, pkt []byte, src util.PeerAddress) {
	out := s.side.Opposite()

	r.mu.Lock()
	if r.timeout > 0 {
		r.expireAt = time.Now().Add(r.timeout)
	}
	peer := r.peers[s.side]
	dest := r.peers[out]
	streamSSRC, tracked := r.ssrc[s.side], r.ssrcKnown[s.side]
	r.mu.Unlock()

	if s.intercept {
		// injected traffic continues the flow of the intercept socket's side
		r.forward(out, pkt, dest, s.side)
		return
	}

	ssrc, isRTP := rtpSSRC(pkt)
	if src != peer {
		r.peerChanged(s.side, src, ssrc, isRTP && tracked && ssrc == streamSSRC)
	} else if isRTP && (!tracked || ssrc != streamSSRC) {
		r.mu.Lock()
		r.ssrc[s.side], r.ssrcKnown[s.side] = ssrc, true
		r.mu.Unlock()
	}

	if r.sink != nil {
		r.write(r.intercept[s.side].conn, outPacket{data: pkt, dest: r.sink})
		if r.policy.Interception.Active {
			return
		}
	}
	r.forward(out, pkt, dest, s.side)
}

func (r *Relay) forward(out Side, pkt []byte, dest util.PeerAddress, ingress Side) {
	if dest.IsZero() {
		r.dropped.Add(1)
		metrics.RecordRelayDrop("no_peer")
		return
	}
	addr, err := dest.UDPAddr()
	if err != nil {
		r.dropped.Add(1)
		metrics.RecordRelayDrop("unresolvable_peer")
		return
	}

	r.packets[ingress].Add(1)
	r.bytes[ingress].Add(uint64(len(pkt)))
	metrics.RecordRelayPacket(r.variant, ingress.String(), len(pkt))

	s := r.main[out]
	if s.egress != nil {
		s.egress.enqueue(pkt, addr)
		return
	}
	r.write(s.conn, outPacket{data: pkt, dest: addr})
}

// write errors are counted and otherwise ignored
func (r *Relay) write(conn net.PacketConn, p outPacket) {
	if _, err := conn.WriteTo(p.data, p.dest); err != nil {
		r.dropped.Add(1)
		metrics.RecordRelayDrop("send_error")
	}
}

// rtpSSRC decodes the synchronization source of an RTP datagram
func rtpSSRC(pkt []byte) (uint32, bool) {
	var header rtp.Header
	if _, err := header.Unmarshal(pkt); err != nil || header.Version != 2 {
		return 0, false
	}
	return header.SSRC, true
}

func (r *Relay) peerChanged(side Side, src util.PeerAddress, ssrc uint32, sameStream bool) {
	r.log.WithFields(logrus.Fields{
		"side":        side.String(),
		"new_peer":    src.String(),
		"ssrc":        ssrc,
		"same_stream": sameStream,
	}).Debug("Datagram from unexpected peer")

	if r.events != nil {
		r.events.OnRelayEvent(r, PeerChanged{Side: side, Addr: src, SSRC: ssrc, SameStream: sameStream})
	}
}

func (r *Relay) checkActivity() {
	r.mu.Lock()
	expired := time.Now().After(r.expireAt)
	r.mu.Unlock()

	if expired {
		r.log.WithField("timeout", r.timeout).Info("Media relay inactive, halting")
		r.Halt()
	}
}

// Halt stops every socket. Terminated is delivered once all socket
// workers have returned. Calling Halt more than once has no effect.
func (r *Relay) Halt() {
	if err := r.state.Event(context.Background(), eventHalt); err != nil {
		return
	}
	r.stopping.Store(true)
	r.mu.Lock()
	activity := r.activity
	r.mu.Unlock()
	if activity != nil {
		activity.Cancel()
	}
	for _, s := range r.main {
		if s.egress != nil {
			s.egress.stop()
		}
	}

	go func() {
		r.workers.Wait()
		if err := r.state.Event(context.Background(), eventTerminate); err != nil {
			r.log.WithError(err).Warn("Unexpected relay state transition")
		}
		close(r.done)
		metrics.RelayStopped(r.variant)

		stats := r.Stats()
		r.log.WithFields(logrus.Fields{
			"left_packets":  stats.Packets[Left],
			"right_packets": stats.Packets[Right],
			"dropped":       stats.Dropped,
		}).Info("Media relay terminated")

		if r.events != nil {
			r.events.OnRelayEvent(r, Terminated{})
		}
	}()
}

// ID returns the relay identifier
func (r *Relay) ID() string { return r.id }

// CallID returns the call the relay belongs to
func (r *Relay) CallID() string { return r.callID }

// Variant returns "plain", "rate-shaped" or "intercepting"
func (r *Relay) Variant() string { return r.variant }

// State returns the lifecycle state
func (r *Relay) State() string { return r.state.Current() }

// IsHalted reports whether Halt has been called
func (r *Relay) IsHalted() bool { return r.stopping.Load() }

// Done is closed once the relay has terminated
func (r *Relay) Done() <-chan struct{} { return r.done }

// Peer returns the current peer of side
func (r *Relay) Peer(side Side) util.PeerAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[side]
}

// SetPeer commits a new peer for side and records the change time
func (r *Relay) SetPeer(side Side, addr util.PeerAddress) {
	r.mu.Lock()
	old := r.peers[side]
	r.peers[side] = addr
	r.lastChange[side] = time.Now()
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"side":     side.String(),
		"old_peer": old.String(),
		"new_peer": addr.String(),
	}).Info("Media relay peer changed")
}

// LastChange returns when SetPeer last changed side, zero if never
func (r *Relay) LastChange(side Side) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastChange[side]
}

// LocalPort returns the bound port of side's relay socket
func (r *Relay) LocalPort(side Side) int {
	return portOf(r.main[side])
}

// InterceptPort returns the bound port of side's intercept socket, 0 if none
func (r *Relay) InterceptPort(side Side) int {
	return portOf(r.intercept[side])
}

func portOf(s *socket) int {
	if s == nil {
		return 0
	}
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Stats returns a snapshot of the forwarding counters
func (r *Relay) Stats() Stats {
	var st Stats
	for _, side := range []Side{Left, Right} {
		st.Packets[side] = r.packets[side].Load()
		st.Bytes[side] = r.bytes[side].Load()
	}
	st.Dropped = r.dropped.Load()
	r.mu.Lock()
	for _, side := range []Side{Left, Right} {
		if r.ssrcKnown[side] {
			st.SSRC[side] = r.ssrc[side]
		}
	}
	r.mu.Unlock()
	return st
}
