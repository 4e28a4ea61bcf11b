package media

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"sbc-server/pkg/errors"
	"sbc-server/pkg/metrics"
)

// PortPool hands out even local UDP ports from a fixed range. A port is
// never handed out twice before it is released.
type PortPool struct {
	minPort int
	maxPort int

	mu        sync.Mutex
	usedPorts map[int]bool
	stats     PortPoolStats
	logger    *logrus.Logger
}

// PortPoolStats tracks allocation statistics
type PortPoolStats struct {
	TotalPorts        int
	UsedPorts         int
	AvailablePorts    int
	AllocationCount   int64
	DeallocationCount int64
	Exhaustions       int64
}

// portAvailable probes whether the OS lets us bind a port. Tests replace it.
var portAvailable = func(port int) bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// setPortAvailabilityChecker swaps the bind probe and returns a restore func
func setPortAvailabilityChecker(check func(int) bool) func() {
	previous := portAvailable
	portAvailable = check
	return func() { portAvailable = previous }
}

// NewPortPool creates a pool over the even ports of [minPort, maxPort]
func NewPortPool(minPort, maxPort int, logger *logrus.Logger) *PortPool {
	if minPort <= 0 || maxPort <= 0 || minPort >= maxPort {
		logger.WithFields(logrus.Fields{
			"min_port": minPort,
			"max_port": maxPort,
		}).Warn("Invalid media port range, using 35000-65000")
		minPort, maxPort = 35000, 65000
	}
	if minPort%2 != 0 {
		minPort++
	}

	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		usedPorts: make(map[int]bool),
		logger:    logger,
		stats: PortPoolStats{
			TotalPorts: (maxPort-minPort)/2 + 1,
		},
	}
}

// Allocate returns the lowest free port that the OS also reports as bindable
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.minPort; port <= p.maxPort; port += 2 {
		if p.usedPorts[port] || !portAvailable(port) {
			continue
		}
		p.usedPorts[port] = true
		p.stats.AllocationCount++
		metrics.SetPortsInUse(len(p.usedPorts))
		return port, nil
	}

	p.stats.Exhaustions++
	p.logger.WithFields(logrus.Fields{
		"min_port": p.minPort,
		"max_port": p.maxPort,
		"in_use":   len(p.usedPorts),
	}).Warn("Media port pool exhausted")
	return 0, errors.NewPoolExhausted(p.minPort, p.maxPort)
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.usedPorts[port] {
		delete(p.usedPorts, port)
		p.stats.DeallocationCount++
		metrics.SetPortsInUse(len(p.usedPorts))
	}
}

// InUse reports whether port is currently allocated
func (p *PortPool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedPorts[port]
}

// Range returns the configured port range
func (p *PortPool) Range() (min, max int) {
	return p.minPort, p.maxPort
}

// Stats returns allocation statistics
func (p *PortPool) Stats() PortPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.UsedPorts = len(p.usedPorts)
	stats.AvailablePorts = stats.TotalPorts - stats.UsedPorts
	return stats
}
