package relay

import (
	"net"
	"sync"
	"time"

	"sbc-server/pkg/metrics"
	"sbc-server/pkg/scheduler"
)

const egressQueueLimit = 256

type outPacket struct {
	data []byte
	dest net.Addr
}

// shapedSender releases queued datagrams on conn no faster than one per
// interval. At most one timer is pending at any time.
type shapedSender struct {
	mu       sync.Mutex
	conn     net.PacketConn
	interval time.Duration
	sched    scheduler.Scheduler
	queue    []outPacket
	pending  scheduler.Handle
	stopped  bool
	send     func(conn net.PacketConn, p outPacket)
}

func newShapedSender(conn net.PacketConn, interval time.Duration, sched scheduler.Scheduler, send func(net.PacketConn, outPacket)) *shapedSender {
	return &shapedSender{
		conn:     conn,
		interval: interval,
		sched:    sched,
		send:     send,
	}
}

func (s *shapedSender) enqueue(data []byte, dest net.Addr) {
	p := outPacket{data: append([]byte(nil), data...), dest: dest}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.pending == nil {
		// idle: send now and open the next slot
		s.pending = s.sched.ScheduleOnce(s.interval, s.release)
		s.mu.Unlock()
		s.send(s.conn, p)
		return
	}
	if len(s.queue) >= egressQueueLimit {
		s.queue = s.queue[1:]
		metrics.RecordRelayDrop("egress_queue_full")
	}
	s.queue = append(s.queue, p)
	s.mu.Unlock()
}

func (s *shapedSender) release() {
	s.mu.Lock()
	if s.stopped || len(s.queue) == 0 {
		s.pending = nil
		s.mu.Unlock()
		return
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	s.pending = s.sched.ScheduleOnce(s.interval, s.release)
	s.mu.Unlock()

	s.send(s.conn, p)
}

func (s *shapedSender) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.queue = nil
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
}

func (s *shapedSender) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
