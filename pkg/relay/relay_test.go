package relay

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sbcerrors "sbc-server/pkg/errors"
	"sbc-server/pkg/scheduler"
	"sbc-server/pkg/util"
)

type recorder struct {
	mu         sync.Mutex
	changes    []PeerChanged
	terminated int
	changedCh  chan PeerChanged
	doneCh     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		changedCh: make(chan PeerChanged, 16),
		doneCh:    make(chan struct{}, 4),
	}
}

func (rec *recorder) OnRelayEvent(r *Relay, ev Event) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch e := ev.(type) {
	case PeerChanged:
		rec.changes = append(rec.changes, e)
		rec.changedCh <- e
	case Terminated:
		rec.terminated++
		rec.doneCh <- struct{}{}
	}
}

func (rec *recorder) changeCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.changes)
}

func (rec *recorder) terminations() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.terminated
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newSchedulerService(t *testing.T) *scheduler.Service {
	s := scheduler.NewService(testLogger())
	t.Cleanup(s.Stop)
	return s
}

func listenPeer(t *testing.T) *net.UDPConn {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func addrOf(conn *net.UDPConn) util.PeerAddress {
	return util.FromNetAddr(conn.LocalAddr())
}

func sendTo(t *testing.T, from *net.UDPConn, port int, payload string) {
	_, err := from.WriteToUDP([]byte(payload), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
}

func expectPacket(t *testing.T, conn *net.UDPConn, payload string, fromPort int) {
	t.Helper()
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf[:n]))
	if fromPort != 0 {
		assert.Equal(t, fromPort, from.Port)
	}
}

func expectSilence(t *testing.T, conn *net.UDPConn, wait time.Duration) {
	t.Helper()
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(wait))
	_, _, err := conn.ReadFromUDP(buf)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected datagram")
}

func newTestRelay(t *testing.T, cfg Config, events Events) *Relay {
	cfg.Host = "127.0.0.1"
	r, err := New(cfg, events, newSchedulerService(t), nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Halt()
		<-r.Done()
	})
	return r
}

func TestSymmetricForwarding(t *testing.T) {
	a, b := listenPeer(t), listenPeer(t)
	rec := newRecorder()
	r := newTestRelay(t, Config{CallID: "call-1", Peers: [2]util.PeerAddress{addrOf(a), addrOf(b)}}, rec)

	assert.Equal(t, "plain", r.Variant())
	assert.Equal(t, stateActive, r.State())

	sendTo(t, a, r.LocalPort(Left), "from-a")
	expectPacket(t, b, "from-a", r.LocalPort(Right))

	sendTo(t, b, r.LocalPort(Right), "from-b")
	expectPacket(t, a, "from-b", r.LocalPort(Left))

	assert.Equal(t, 0, rec.changeCount())
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Packets[Left])
	assert.Equal(t, uint64(1), stats.Packets[Right])
	assert.Equal(t, uint64(len("from-a")), stats.Bytes[Left])
}

func TestPeerChangeIsReportedNotAdopted(t *testing.T) {
	a, b, moved := listenPeer(t), listenPeer(t), listenPeer(t)
	rec := newRecorder()
	r := newTestRelay(t, Config{Peers: [2]util.PeerAddress{addrOf(a), addrOf(b)}}, rec)

	sendTo(t, moved, r.LocalPort(Left), "roaming")
	expectPacket(t, b, "roaming", r.LocalPort(Right))

	select {
	case ev := <-rec.changedCh:
		assert.Equal(t, Left, ev.Side)
		assert.Equal(t, addrOf(moved), ev.Addr)
	case <-time.After(2 * time.Second):
		t.Fatal("no PeerChanged event")
	}
	assert.Equal(t, addrOf(a), r.Peer(Left))
	assert.True(t, r.LastChange(Left).IsZero())

	// replies still go to the committed peer
	sendTo(t, b, r.LocalPort(Right), "reply")
	expectPacket(t, a, "reply", r.LocalPort(Left))

	r.SetPeer(Left, addrOf(moved))
	assert.False(t, r.LastChange(Left).IsZero())
	sendTo(t, b, r.LocalPort(Right), "reply-2")
	expectPacket(t, moved, "reply-2", r.LocalPort(Left))
}

func TestInactivityHaltsWithSingleTermination(t *testing.T) {
	a, b := listenPeer(t), listenPeer(t)
	rec := newRecorder()
	r := newTestRelay(t, Config{
		Peers:   [2]util.PeerAddress{addrOf(a), addrOf(b)},
		Timeout: 200 * time.Millisecond,
	}, rec)

	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not expire")
	}
	<-rec.doneCh

	r.Halt()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.terminations())
	assert.Equal(t, stateTerminated, r.State())
	assert.True(t, r.IsHalted())
}

func TestTrafficKeepsRelayAlive(t *testing.T) {
	a, b := listenPeer(t), listenPeer(t)
	rec := newRecorder()
	r := newTestRelay(t, Config{
		Peers:   [2]util.PeerAddress{addrOf(a), addrOf(b)},
		Timeout: 300 * time.Millisecond,
	}, rec)

	for i := 0; i < 8; i++ {
		sendTo(t, a, r.LocalPort(Left), "keep")
		expectPacket(t, b, "keep", 0)
		time.Sleep(100 * time.Millisecond)
	}
	assert.False(t, r.IsHalted())
}

func TestHaltIsIdempotent(t *testing.T) {
	a, b := listenPeer(t), listenPeer(t)
	rec := newRecorder()
	r := newTestRelay(t, Config{Peers: [2]util.PeerAddress{addrOf(a), addrOf(b)}}, rec)

	r.Halt()
	r.Halt()
	<-r.Done()
	<-rec.doneCh
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.terminations())

	// the sockets are closed once terminated
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.LocalPort(Left)})
	require.NoError(t, err)
	conn.Close()
}

func TestPassiveInterception(t *testing.T) {
	a, b, sink := listenPeer(t), listenPeer(t), listenPeer(t)
	r := newTestRelay(t, Config{
		Peers:  [2]util.PeerAddress{addrOf(a), addrOf(b)},
		Policy: TransportPolicy{Interception: &Interception{Sink: addrOf(sink)}},
	}, newRecorder())

	assert.Equal(t, "intercepting", r.Variant())
	require.NotZero(t, r.InterceptPort(Left))
	require.NotZero(t, r.InterceptPort(Right))

	sendTo(t, a, r.LocalPort(Left), "voice")
	expectPacket(t, b, "voice", r.LocalPort(Right))
	expectPacket(t, sink, "voice", r.InterceptPort(Left))

	sendTo(t, b, r.LocalPort(Right), "answer")
	expectPacket(t, a, "answer", r.LocalPort(Left))
	expectPacket(t, sink, "answer", r.InterceptPort(Right))
}

func TestActiveInterception(t *testing.T) {
	a, b, sink := listenPeer(t), listenPeer(t), listenPeer(t)
	r := newTestRelay(t, Config{
		Peers:  [2]util.PeerAddress{addrOf(a), addrOf(b)},
		Policy: TransportPolicy{Interception: &Interception{Sink: addrOf(sink), Active: true}},
	}, newRecorder())

	sendTo(t, a, r.LocalPort(Left), "voice")
	expectPacket(t, sink, "voice", r.InterceptPort(Left))
	expectSilence(t, b, 200*time.Millisecond)

	// the sink injects into the left to right flow
	sendTo(t, sink, r.InterceptPort(Left), "injected")
	expectPacket(t, b, "injected", r.LocalPort(Right))
}

func TestIngressShaping(t *testing.T) {
	a, b := listenPeer(t), listenPeer(t)
	r := newTestRelay(t, Config{
		Peers:  [2]util.PeerAddress{addrOf(a), addrOf(b)},
		Policy: TransportPolicy{InterPacketTime: 30 * time.Millisecond},
	}, newRecorder())
	assert.Equal(t, "rate-shaped", r.Variant())

	start := time.Now()
	for i := 0; i < 5; i++ {
		sendTo(t, a, r.LocalPort(Left), "p")
	}
	for i := 0; i < 5; i++ {
		expectPacket(t, b, "p", r.LocalPort(Right))
	}
	assert.GreaterOrEqual(t, time.Since(start), 4*30*time.Millisecond)
}

func TestEgressShaping(t *testing.T) {
	a, b := listenPeer(t), listenPeer(t)
	r := newTestRelay(t, Config{
		Peers:  [2]util.PeerAddress{addrOf(a), addrOf(b)},
		Policy: TransportPolicy{InterPacketTime: 30 * time.Millisecond, ShapeEgress: true},
	}, newRecorder())

	start := time.Now()
	for i := 0; i < 5; i++ {
		sendTo(t, a, r.LocalPort(Left), "q")
	}
	for i := 0; i < 5; i++ {
		expectPacket(t, b, "q", r.LocalPort(Right))
	}
	assert.GreaterOrEqual(t, time.Since(start), 4*30*time.Millisecond)
}

type failingTransport struct {
	inner  UDPTransport
	failAt int
	calls  int
	opened []net.PacketConn
}

func (f *failingTransport) Listen(host string, port int) (net.PacketConn, error) {
	f.calls++
	if f.calls == f.failAt {
		return nil, errors.New("address already in use")
	}
	conn, err := f.inner.Listen(host, port)
	if err == nil {
		f.opened = append(f.opened, conn)
	}
	return conn, err
}

func TestBindFailureClosesOpenedSockets(t *testing.T) {
	transport := &failingTransport{failAt: 2}
	rec := newRecorder()

	r, err := New(Config{Host: "127.0.0.1"}, rec, newSchedulerService(t), transport, testLogger())
	require.Error(t, err)
	assert.Nil(t, r)
	assert.ErrorIs(t, err, sbcerrors.ErrRelayBind)

	require.Len(t, transport.opened, 1)
	_, err = transport.opened[0].WriteTo([]byte("x"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	assert.Error(t, err, "socket should be closed")
	assert.Equal(t, 0, rec.terminations())
}

func TestPolicyVariant(t *testing.T) {
	assert.Equal(t, "plain", TransportPolicy{}.Variant())
	assert.Equal(t, "rate-shaped", TransportPolicy{InterPacketTime: time.Millisecond}.Variant())
	assert.Equal(t, "intercepting", TransportPolicy{
		InterPacketTime: time.Millisecond,
		Interception:    &Interception{},
	}.Variant())
	assert.Equal(t, Right, Left.Opposite())
	assert.Equal(t, "right", Right.String())
}

// eagerScheduler runs the first tick of a repeating job before
// ScheduleRepeating returns
type eagerScheduler struct {
	mu        sync.Mutex
	scheduled int
	cancelled int
}

type eagerHandle struct {
	s    *eagerScheduler
	once sync.Once
}

func (h *eagerHandle) Cancel() {
	h.once.Do(func() {
		h.s.mu.Lock()
		h.s.cancelled++
		h.s.mu.Unlock()
	})
}

type timerStop struct{ t *time.Timer }

func (h timerStop) Cancel() { h.t.Stop() }

func (s *eagerScheduler) ScheduleOnce(delay time.Duration, fn func()) scheduler.Handle {
	return timerStop{t: time.AfterFunc(delay, fn)}
}

func (s *eagerScheduler) ScheduleRepeating(period time.Duration, fn func()) scheduler.Handle {
	s.mu.Lock()
	s.scheduled++
	s.mu.Unlock()
	time.Sleep(4 * period)
	fn()
	return &eagerHandle{s: s}
}

func (s *eagerScheduler) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled, s.cancelled
}

func TestExpiryDuringStartCancelsActivityCheck(t *testing.T) {
	a, b := listenPeer(t), listenPeer(t)
	rec := newRecorder()
	sched := &eagerScheduler{}

	r, err := New(Config{
		Host:    "127.0.0.1",
		Peers:   [2]util.PeerAddress{addrOf(a), addrOf(b)},
		Timeout: 2 * time.Millisecond,
	}, rec, sched, nil, testLogger())
	require.NoError(t, err)

	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not terminate")
	}
	<-rec.doneCh

	scheduled, cancelled := sched.counts()
	assert.Equal(t, 1, scheduled)
	assert.Equal(t, 1, cancelled)
	assert.True(t, r.IsHalted())
	assert.Equal(t, 1, rec.terminations())

	// every socket was released before termination was reported
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.LocalPort(Left)})
	require.NoError(t, err)
	conn.Close()
}

func rtpPacket(t *testing.T, ssrc uint32, seq uint16) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: seq, SSRC: ssrc},
		Payload: []byte{0xff, 0xff},
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	return data
}

func sendRTP(t *testing.T, from *net.UDPConn, port int, data []byte) {
	_, err := from.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
}

func drain(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
}

func TestPeerChangeReportsRTPStream(t *testing.T) {
	a, b, moved, stranger := listenPeer(t), listenPeer(t), listenPeer(t), listenPeer(t)
	rec := newRecorder()
	r := newTestRelay(t, Config{Peers: [2]util.PeerAddress{addrOf(a), addrOf(b)}}, rec)

	sendRTP(t, a, r.LocalPort(Left), rtpPacket(t, 0xCAFE, 1))
	drain(t, b)
	assert.Equal(t, uint32(0xCAFE), r.Stats().SSRC[Left])

	// same source after a NAT rebinding
	sendRTP(t, moved, r.LocalPort(Left), rtpPacket(t, 0xCAFE, 2))
	drain(t, b)
	select {
	case ev := <-rec.changedCh:
		assert.Equal(t, addrOf(moved), ev.Addr)
		assert.Equal(t, uint32(0xCAFE), ev.SSRC)
		assert.True(t, ev.SameStream)
	case <-time.After(2 * time.Second):
		t.Fatal("no PeerChanged event")
	}

	sendRTP(t, stranger, r.LocalPort(Left), rtpPacket(t, 0xBEEF, 9))
	drain(t, b)
	select {
	case ev := <-rec.changedCh:
		assert.Equal(t, addrOf(stranger), ev.Addr)
		assert.Equal(t, uint32(0xBEEF), ev.SSRC)
		assert.False(t, ev.SameStream)
	case <-time.After(2 * time.Second):
		t.Fatal("no PeerChanged event")
	}

	// non-RTP datagrams never count as the same stream
	sendTo(t, moved, r.LocalPort(Left), "plain")
	expectPacket(t, b, "plain", r.LocalPort(Right))
	select {
	case ev := <-rec.changedCh:
		assert.False(t, ev.SameStream)
	case <-time.After(2 * time.Second):
		t.Fatal("no PeerChanged event")
	}
}
