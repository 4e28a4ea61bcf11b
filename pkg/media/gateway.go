package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"

	"sbc-server/pkg/errors"
	"sbc-server/pkg/metrics"
	"sbc-server/pkg/relay"
	"sbc-server/pkg/scheduler"
	"sbc-server/pkg/util"
)

// Leg is one party of a call
type Leg string

const (
	Caller Leg = "caller"
	Callee Leg = "callee"
)

// Masquerade pairs a party's real media address with the local address
// advertised in its place. It never changes once created.
type Masquerade struct {
	Peer       util.PeerAddress
	Masquerade util.PeerAddress
}

// MasqueradeKey identifies the masquerade of one media type of one leg
func MasqueradeKey(callID string, leg Leg, mediaType string) string {
	return fmt.Sprintf("%s-%s-%s", callID, leg, mediaType)
}

// GatewayConfig configures the media gateway
type GatewayConfig struct {
	// Address is advertised in rewritten SDP and relay sockets bind to it
	Address string
	// BindHost overrides the relay bind address, e.g. 0.0.0.0 behind 1:1 NAT
	BindHost string
	// RelayTimeout halts a relay after this long without traffic, 0 disables
	RelayTimeout time.Duration
	// HandoverTime is the minimum interval between two peer changes of a relay side
	HandoverTime time.Duration
	// HalfCallTimeout releases calls whose second leg never answered, 0 disables
	HalfCallTimeout time.Duration
	Policy          relay.TransportPolicy
	Transport       relay.Transport
}

type call struct {
	id         string
	created    time.Time
	complete   bool
	ending     bool
	ports      []int
	keys       []string
	mediaTypes map[Leg][]string
	relays     map[string]*relay.Relay
}

func (c *call) hasMediaType(leg Leg, mediaType string) bool {
	for _, t := range c.mediaTypes[leg] {
		if t == mediaType {
			return true
		}
	}
	return false
}

// Gateway masquerades the media addresses of calls and creates the relays
// carrying their media once both legs have described their sessions.
type Gateway struct {
	cfg    GatewayConfig
	pool   *PortPool
	sched  scheduler.Scheduler
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.Mutex
	masquerades map[string]Masquerade
	calls       map[string]*call
	sweep       scheduler.Handle
	onRelease   func(callID string)
}

// GatewayOption configures a Gateway
type GatewayOption func(*Gateway)

// WithGatewayClock overrides the time source used for half-call expiry
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// OnRelease registers fn to be told when the media of a call has been
// released. fn runs with the gateway locked and must not call back into it.
func (g *Gateway) OnRelease(fn func(callID string)) {
	g.mu.Lock()
	g.onRelease = fn
	g.mu.Unlock()
}

// NewGateway creates a media gateway allocating relay ports from pool
func NewGateway(cfg GatewayConfig, pool *PortPool, sched scheduler.Scheduler, logger *logrus.Logger, opts ...GatewayOption) *Gateway {
	if cfg.BindHost == "" {
		cfg.BindHost = cfg.Address
	}
	g := &Gateway{
		cfg:         cfg,
		pool:        pool,
		sched:       sched,
		logger:      logger,
		now:         time.Now,
		masquerades: make(map[string]Masquerade),
		calls:       make(map[string]*call),
	}
	for _, opt := range opts {
		opt(g)
	}

	if cfg.HalfCallTimeout > 0 {
		g.sweep = sched.ScheduleRepeating(cfg.HalfCallTimeout/2, g.expireHalfCalls)
	}

	logger.WithFields(logrus.Fields{
		"address":           cfg.Address,
		"bind_host":         cfg.BindHost,
		"relay_timeout":     cfg.RelayTimeout,
		"handover_time":     cfg.HandoverTime,
		"half_call_timeout": cfg.HalfCallTimeout,
		"variant":           cfg.Policy.Variant(),
	}).Info("Media gateway initialized")
	return g
}

// ProcessBody rewrites an SDP body of leg and returns the rewritten body
// together with any relays created because the call became complete
func (g *Gateway) ProcessBody(callID string, leg Leg, body []byte) ([]byte, []*relay.Relay, error) {
	sd, err := ParseSessionDescription(body)
	if err != nil {
		return nil, nil, err
	}
	relays, err := g.ProcessSessionDescription(callID, leg, sd)
	if err != nil {
		return nil, nil, err
	}
	out, err := sd.Marshal()
	if err != nil {
		return nil, nil, errors.NewInvalidSDP(err.Error())
	}
	return out, relays, nil
}

// ProcessSessionDescription masquerades every media description of sd in
// place. When both legs of the call have been seen for the first media
// type, one relay per media type common to both legs is created; this
// happens at most once per call.
func (g *Gateway) ProcessSessionDescription(callID string, leg Leg, sd *sdp.SessionDescription) ([]*relay.Relay, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.calls[callID]
	if !ok {
		c = &call{
			id:         callID,
			created:    g.now(),
			mediaTypes: make(map[Leg][]string),
			relays:     make(map[string]*relay.Relay),
		}
		g.calls[callID] = c
		metrics.SetActiveCalls(len(g.calls))
	}
	if c.ending {
		return nil, errors.Wrap(errors.ErrCallNotFound, "call is being torn down").WithField("call_id", callID)
	}

	var (
		firstType  string
		newPorts   []int
		newKeys    []string
		mediaTypes []string
		masqPorts  []int
	)
	rollback := func() {
		for _, port := range newPorts {
			g.pool.Release(port)
		}
		for _, key := range newKeys {
			delete(g.masquerades, key)
		}
		c.ports = c.ports[:len(c.ports)-len(newPorts)]
		c.keys = c.keys[:len(c.keys)-len(newKeys)]
		if len(c.keys) == 0 && len(c.relays) == 0 {
			delete(g.calls, callID)
			metrics.SetActiveCalls(len(g.calls))
		}
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		mediaType := md.MediaName.Media
		if firstType == "" {
			firstType = mediaType
		}

		key := MasqueradeKey(callID, leg, mediaType)
		masq, exists := g.masquerades[key]
		if !exists {
			host := connectionAddress(sd, md)
			if host == "" {
				rollback()
				return nil, errors.NewInvalidSDP("media description without connection address", map[string]interface{}{
					"call_id": callID,
					"media":   mediaType,
				})
			}
			if host == unspecifiedAddress {
				host = "127.0.0.1"
			}

			port, err := g.pool.Allocate()
			if err != nil {
				rollback()
				g.logger.WithError(err).WithFields(logrus.Fields{
					"call_id": callID,
					"leg":     leg,
					"media":   mediaType,
				}).Error("Cannot masquerade media, no relay port available")
				return nil, err
			}
			newPorts = append(newPorts, port)
			newKeys = append(newKeys, key)
			c.ports = append(c.ports, port)
			c.keys = append(c.keys, key)

			masq = Masquerade{
				Peer:       util.NewPeerAddress(host, md.MediaName.Port.Value),
				Masquerade: util.NewPeerAddress(g.cfg.Address, port),
			}
			g.masquerades[key] = masq
			if !c.hasMediaType(leg, mediaType) {
				c.mediaTypes[leg] = append(c.mediaTypes[leg], mediaType)
			}

			g.logger.WithFields(logrus.Fields{
				"call_id":    callID,
				"leg":        leg,
				"media":      mediaType,
				"peer":       masq.Peer.String(),
				"masquerade": masq.Masquerade.String(),
			}).Debug("Media masquerade created")
		}

		mediaTypes = append(mediaTypes, mediaType)
		masqPorts = append(masqPorts, masq.Masquerade.Port)
	}

	RewriteSessionDescription(sd, g.cfg.Address, mediaTypes, masqPorts)

	if c.complete || firstType == "" {
		return nil, nil
	}
	_, haveCaller := g.masquerades[MasqueradeKey(callID, Caller, firstType)]
	_, haveCallee := g.masquerades[MasqueradeKey(callID, Callee, firstType)]
	if !haveCaller || !haveCallee {
		return nil, nil
	}

	relays, err := g.createRelays(c)
	if err != nil {
		return nil, err
	}
	c.complete = true
	return relays, nil
}

// createRelays builds one relay per media type offered by both legs.
// The socket receiving the caller's media is the callee's masquerade
// port, and the other way round.
func (g *Gateway) createRelays(c *call) ([]*relay.Relay, error) {
	var created []*relay.Relay
	fail := func(err error) ([]*relay.Relay, error) {
		for _, r := range created {
			r.Halt()
		}
		return nil, err
	}

	for _, mediaType := range c.mediaTypes[Caller] {
		callerMasq, ok := g.masquerades[MasqueradeKey(c.id, Caller, mediaType)]
		if !ok {
			continue
		}
		calleeMasq, ok := g.masquerades[MasqueradeKey(c.id, Callee, mediaType)]
		if !ok {
			continue
		}

		cfg := relay.Config{
			CallID:  c.id,
			Host:    g.cfg.BindHost,
			Ports:   [2]int{calleeMasq.Masquerade.Port, callerMasq.Masquerade.Port},
			Peers:   [2]util.PeerAddress{callerMasq.Peer, calleeMasq.Peer},
			Timeout: g.cfg.RelayTimeout,
			Policy:  g.cfg.Policy,
		}
		if g.cfg.Policy.Interception != nil {
			for _, side := range []relay.Side{relay.Left, relay.Right} {
				port, err := g.pool.Allocate()
				if err != nil {
					return fail(err)
				}
				c.ports = append(c.ports, port)
				cfg.InterceptPorts[side] = port
			}
		}

		r, err := relay.New(cfg, g, g.sched, g.cfg.Transport, g.logger)
		if err != nil {
			return fail(err)
		}
		c.relays[r.ID()] = r
		created = append(created, r)

		g.logger.WithFields(logrus.Fields{
			"call_id":     c.id,
			"media":       mediaType,
			"relay_id":    r.ID(),
			"caller_peer": callerMasq.Peer.String(),
			"callee_peer": calleeMasq.Peer.String(),
		}).Info("Call media relay created")
	}
	return created, nil
}

// OnRelayEvent applies the handover policy to peer changes and releases
// a call's resources once its last relay has terminated
func (g *Gateway) OnRelayEvent(r *relay.Relay, ev relay.Event) {
	switch e := ev.(type) {
	case relay.PeerChanged:
		g.handover(r, e)
	case relay.Terminated:
		g.relayTerminated(r)
	}
}

func (g *Gateway) handover(r *relay.Relay, e relay.PeerChanged) {
	log := g.logger.WithFields(logrus.Fields{
		"call_id":     r.CallID(),
		"relay_id":    r.ID(),
		"side":        e.Side.String(),
		"new_peer":    e.Addr.String(),
		"same_stream": e.SameStream,
	})
	last := r.LastChange(e.Side)
	if !last.IsZero() && time.Since(last) < g.cfg.HandoverTime {
		metrics.RecordHandover(false, e.SameStream)
		log.Debug("Peer change suppressed by handover interval")
		return
	}
	metrics.RecordHandover(true, e.SameStream)
	r.SetPeer(e.Side, e.Addr)
}

func (g *Gateway) relayTerminated(r *relay.Relay) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.calls[r.CallID()]
	if !ok {
		return
	}
	delete(c.relays, r.ID())
	if len(c.relays) == 0 && (c.complete || c.ending) {
		g.release(c)
	}
}

// release frees the masquerades and ports of c. Must hold g.mu and c
// must have no live relay.
func (g *Gateway) release(c *call) {
	for _, key := range c.keys {
		delete(g.masquerades, key)
	}
	for _, port := range c.ports {
		g.pool.Release(port)
	}
	delete(g.calls, c.id)
	metrics.SetActiveCalls(len(g.calls))

	g.logger.WithFields(logrus.Fields{
		"call_id": c.id,
		"ports":   c.ports,
	}).Info("Call media released")

	if g.onRelease != nil {
		g.onRelease(c.id)
	}
}

// EndCall halts the relays of a call; its ports return to the pool once
// every relay has terminated
func (g *Gateway) EndCall(callID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.calls[callID]
	if !ok {
		return errors.Wrap(errors.ErrCallNotFound, callID)
	}
	g.end(c)
	return nil
}

func (g *Gateway) end(c *call) {
	if c.ending {
		return
	}
	c.ending = true
	if len(c.relays) == 0 {
		g.release(c)
		return
	}
	for _, r := range c.relays {
		r.Halt()
	}
}

func (g *Gateway) expireHalfCalls() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for _, c := range g.calls {
		if c.complete || c.ending || now.Sub(c.created) <= g.cfg.HalfCallTimeout {
			continue
		}
		g.logger.WithField("call_id", c.id).Info("Half call expired")
		g.end(c)
	}
}

// Masquerade returns the masquerade stored under key
func (g *Gateway) Masquerade(key string) (Masquerade, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.masquerades[key]
	return m, ok
}

// Relays returns the live relays of a call
func (g *Gateway) Relays(callID string) []*relay.Relay {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.calls[callID]
	if !ok {
		return nil
	}
	out := make([]*relay.Relay, 0, len(c.relays))
	for _, r := range c.relays {
		out = append(out, r)
	}
	return out
}

// IsComplete reports whether the relays of a call have been created
func (g *Gateway) IsComplete(callID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.calls[callID]
	return ok && c.complete
}

// ActiveCalls returns the number of calls holding media resources
func (g *Gateway) ActiveCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Close stops the half-call sweep and ends every call
func (g *Gateway) Close() {
	if g.sweep != nil {
		g.sweep.Cancel()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.calls {
		g.end(c)
	}
}
