package sip

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sbc-server/pkg/binding"
	"sbc-server/pkg/scheduler"
	"sbc-server/pkg/util"
)

// keepAlivePayload is the CRLF ping used to keep SIP NAT pinholes open
var keepAlivePayload = []byte("\r\n")

// KeepAlive periodically sends a keep-alive datagram to one destination.
// It stops on Halt or after a set number of packets.
type KeepAlive struct {
	id     string
	conn   net.PacketConn
	period time.Duration
	sched  scheduler.Scheduler
	log    *logrus.Entry

	mu        sync.Mutex
	dest      util.PeerAddress
	remaining int // packets left before stopping, -1 for unlimited
	handle    scheduler.Handle
	running   bool
	sent      uint64
}

// NewKeepAlive starts sending keep-alives to dest through conn every period
func NewKeepAlive(conn net.PacketConn, dest util.PeerAddress, period time.Duration, sched scheduler.Scheduler, logger *logrus.Logger) *KeepAlive {
	ka := &KeepAlive{
		id:        uuid.New().String(),
		conn:      conn,
		period:    period,
		sched:     sched,
		dest:      dest,
		remaining: -1,
	}
	ka.log = logger.WithField("keepalive_id", ka.id)
	ka.Restart()
	return ka
}

// KeepAliveFactory returns a binding.KeepAliveFactory creating keep-alives
// that share conn
func KeepAliveFactory(conn net.PacketConn, period time.Duration, sched scheduler.Scheduler, logger *logrus.Logger) binding.KeepAliveFactory {
	return func(dest util.PeerAddress) binding.KeepAliver {
		return NewKeepAlive(conn, dest, period, sched, logger)
	}
}

func (ka *KeepAlive) tick() {
	ka.mu.Lock()
	if !ka.running {
		ka.mu.Unlock()
		return
	}
	dest := ka.dest
	if ka.remaining > 0 {
		ka.remaining--
	}
	stop := ka.remaining == 0
	ka.sent++
	ka.mu.Unlock()

	if addr, err := dest.UDPAddr(); err == nil {
		if _, err := ka.conn.WriteTo(keepAlivePayload, addr); err != nil {
			ka.log.WithError(err).WithField("destination", dest.String()).Debug("Keep-alive send failed")
		}
	} else {
		ka.log.WithError(err).WithField("destination", dest.String()).Debug("Keep-alive destination not resolvable")
	}

	if stop {
		ka.log.WithField("destination", dest.String()).Debug("Keep-alive expired")
		ka.Halt()
	}
}

// SetDestination retargets the keep-alive without restarting it
func (ka *KeepAlive) SetDestination(dest util.PeerAddress) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	ka.dest = dest
}

// Destination returns the current target
func (ka *KeepAlive) Destination() util.PeerAddress {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.dest
}

// SetExpiration stops the keep-alive after packets more sends. A value
// of zero or less removes the limit.
func (ka *KeepAlive) SetExpiration(packets int) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if packets <= 0 {
		ka.remaining = -1
		return
	}
	ka.remaining = packets
}

// Halt stops sending. It is safe to call more than once.
func (ka *KeepAlive) Halt() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if !ka.running {
		return
	}
	ka.running = false
	if ka.handle != nil {
		ka.handle.Cancel()
		ka.handle = nil
	}
}

// IsRunning reports whether the keep-alive is still sending
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// Restart resumes a stopped keep-alive. Any expiration is cleared.
func (ka *KeepAlive) Restart() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.running {
		return
	}
	ka.running = true
	ka.remaining = -1
	ka.handle = ka.sched.ScheduleRepeating(ka.period, ka.tick)
}

// Sent returns the number of keep-alives sent so far
func (ka *KeepAlive) Sent() uint64 {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.sent
}
