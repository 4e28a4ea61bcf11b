package sip

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"sbc-server/pkg/binding"
	"sbc-server/pkg/errors"
	"sbc-server/pkg/media"
	"sbc-server/pkg/metrics"
	"sbc-server/pkg/scheduler"
	"sbc-server/pkg/util"
)

const (
	defaultSIPPort = 5060
	// defaultExpires applies to a registered Contact without any expiry
	defaultExpires = 3600
)

// Destination classifies where a request is headed
type Destination int

const (
	ToRemoteUA Destination = iota
	ToLocalUser
)

func (d Destination) String() string {
	if d == ToLocalUser {
		return "local_user"
	}
	return "remote_ua"
}

// CoreConfig configures the session border controller core
type CoreConfig struct {
	// Host and Port are the signalling address stuffed contacts point at
	Host string
	Port int
	// LocalHosts are further host names or addresses identifying this node
	LocalHosts []string
	// BackendProxy receives every request that did not come from it. Zero disables.
	BackendProxy util.PeerAddress
	// KeepAliveTime is the keep-alive period for registered contacts, 0 disables
	KeepAliveTime time.Duration
	// KeepAliveAggressive leaves keep-alives to the binding cache, which
	// pings every UA it has seen rather than registered contacts only
	KeepAliveAggressive bool
}

// Core applies contact, request line and body mangling plus NAT binding
// learning to the messages a proxy forwards, and keeps registered
// contacts reachable with keep-alives
type Core struct {
	cfg      CoreConfig
	mangler  *Mangler
	bindings *binding.Cache
	gateway  *media.Gateway
	sched    scheduler.Scheduler
	conn     net.PacketConn
	logger   *logrus.Logger

	mu         sync.Mutex
	keepAlives map[util.PeerAddress]*KeepAlive
	callerTags map[string]string
}

// NewCore creates the core. conn is the socket keep-alives are sent from
// and may be nil when keep-alives are disabled.
func NewCore(cfg CoreConfig, gateway *media.Gateway, bindings *binding.Cache, sched scheduler.Scheduler, conn net.PacketConn, logger *logrus.Logger) *Core {
	if cfg.Port == 0 {
		cfg.Port = defaultSIPPort
	}
	c := &Core{
		cfg:        cfg,
		mangler:    NewMangler(gateway, logger),
		bindings:   bindings,
		gateway:    gateway,
		sched:      sched,
		conn:       conn,
		logger:     logger,
		keepAlives: make(map[util.PeerAddress]*KeepAlive),
		callerTags: make(map[string]string),
	}
	if gateway != nil {
		gateway.OnRelease(c.forgetCall)
	}

	logger.WithFields(logrus.Fields{
		"host":          cfg.Host,
		"port":          cfg.Port,
		"backend_proxy": cfg.BackendProxy.String(),
		"keepalive":     cfg.KeepAliveTime,
	}).Info("SBC core initialized")
	return c
}

// Mangler returns the message mangler used by the core
func (c *Core) Mangler() *Mangler {
	return c.mangler
}

func uriAddress(uri sip.Uri) util.PeerAddress {
	port := uri.Port
	if port == 0 {
		port = defaultSIPPort
	}
	return util.NewPeerAddress(uri.Host, port)
}

// isLocal reports whether uri addresses this node
func (c *Core) isLocal(uri sip.Uri) bool {
	port := uri.Port
	if port == 0 {
		port = defaultSIPPort
	}
	if port != c.cfg.Port {
		return false
	}
	if strings.EqualFold(uri.Host, c.cfg.Host) {
		return true
	}
	for _, host := range c.cfg.LocalHosts {
		if strings.EqualFold(uri.Host, host) {
			return true
		}
	}
	return false
}

func (c *Core) isBackend(addr util.PeerAddress) bool {
	if c.cfg.BackendProxy.IsZero() {
		return false
	}
	backend := c.cfg.BackendProxy
	if !strings.EqualFold(addr.Host, backend.Host) {
		return false
	}
	return backend.Port == 0 || addr.Port == backend.Port
}

// ClassifyRequest unmangles the request line and decides whether the
// request is for a user served by this node or for a remote UA
func (c *Core) ClassifyRequest(req *sip.Request) (Destination, error) {
	if err := c.mangler.UnmangleRequestLine(req); err != nil {
		return ToRemoteUA, err
	}
	if c.isLocal(req.Recipient) && !c.mangler.IsRequestLineMangled(req) {
		return ToLocalUser, nil
	}
	return ToRemoteUA, nil
}

// ProcessRequest rewrites a request before it is forwarded
func (c *Core) ProcessRequest(req *sip.Request) error {
	callID := callIDOf(req)
	log := c.logger.WithFields(logrus.Fields{
		"method":  req.Method.String(),
		"call_id": callID,
	})

	c.learnBinding(req)

	if !c.cfg.BackendProxy.IsZero() {
		source, err := util.ParsePeerAddress(req.Source())
		if err != nil || !c.isBackend(source) {
			c.addBackendRoute(req)
		}
	}

	if callID != "" {
		leg := c.requestLeg(req, callID)
		if _, err := c.mangler.MangleSessionBody(req, callID, leg); err != nil {
			return err
		}
	}

	c.mangler.MangleContact(req, c.cfg.Host, c.cfg.Port)

	if (req.Method == sip.BYE || req.Method == sip.CANCEL) && callID != "" {
		c.endCall(callID)
	}

	log.Debug("Request processed")
	return nil
}

// learnBinding maps the top Via sent-by address to the packet source
func (c *Core) learnBinding(req *sip.Request) {
	if c.bindings == nil {
		return
	}
	via := req.Via()
	if via == nil || req.Source() == "" {
		return
	}
	actual, err := util.ParsePeerAddress(req.Source())
	if err != nil {
		return
	}
	port := via.Port
	if port == 0 {
		port = defaultSIPPort
	}
	c.bindings.UpdateBinding(util.NewPeerAddress(via.Host, port), actual)
}

func routeHeaders(req *sip.Request) []*sip.RouteHeader {
	var out []*sip.RouteHeader
	for _, h := range req.GetHeaders("Route") {
		if route, ok := h.(*sip.RouteHeader); ok {
			out = append(out, route)
		}
	}
	return out
}

// addBackendRoute inserts a loose route to the backend proxy right after
// any leading self routes, unless the backend already is the next hop
func (c *Core) addBackendRoute(req *sip.Request) {
	routes := routeHeaders(req)
	idx := 0
	for idx < len(routes) && c.isLocal(routes[idx].Address) {
		idx++
	}

	var next util.PeerAddress
	if idx < len(routes) {
		next = uriAddress(routes[idx].Address)
	} else {
		next = uriAddress(req.Recipient)
	}
	if c.isBackend(next) {
		return
	}

	backend := &sip.RouteHeader{
		Address: sip.Uri{
			Scheme:    "sip",
			Host:      c.cfg.BackendProxy.Host,
			Port:      c.cfg.BackendProxy.Port,
			UriParams: sip.HeaderParams{"lr": ""},
		},
	}

	for req.RemoveHeader("Route") {
	}
	for _, route := range routes[:idx] {
		req.AppendHeader(route)
	}
	req.AppendHeader(backend)
	for _, route := range routes[idx:] {
		req.AppendHeader(route)
	}
}

// PopSelfRoutes removes the leading Route headers addressing this node
func (c *Core) PopSelfRoutes(req *sip.Request) {
	routes := routeHeaders(req)
	idx := 0
	for idx < len(routes) && c.isLocal(routes[idx].Address) {
		idx++
	}
	if idx == 0 {
		return
	}
	for req.RemoveHeader("Route") {
	}
	for _, route := range routes[idx:] {
		req.AppendHeader(route)
	}
}

// ResolveTarget sets the request destination to the next hop, replaced
// by the address its packets were seen from when a binding exists
func (c *Core) ResolveTarget(req *sip.Request) string {
	target := uriAddress(req.Recipient)
	for _, route := range routeHeaders(req) {
		if !c.isLocal(route.Address) {
			target = uriAddress(route.Address)
			break
		}
	}
	if c.bindings != nil {
		if actual, ok := c.bindings.Resolve(target); ok {
			target = actual
		}
	}
	req.SetDestination(target.String())
	return target.String()
}

// ProcessResponse rewrites a response before it is relayed back
func (c *Core) ProcessResponse(res *sip.Response) error {
	callID := callIDOf(res)
	if callID != "" {
		leg := c.responseLeg(res, callID)
		if _, err := c.mangler.MangleSessionBody(res, callID, leg); err != nil {
			return err
		}
	}

	cseq := res.CSeq()
	if callID != "" && cseq != nil && cseq.MethodName == sip.INVITE && res.StatusCode >= 300 && !c.callEstablished(callID) {
		// the call attempt failed and nothing will end it with a BYE
		c.endCall(callID)
	}

	if cseq != nil && cseq.MethodName == sip.REGISTER {
		if err := c.mangler.UnmangleContact(res); err != nil {
			return err
		}
		c.UpdateKeepAlives(res)
	} else {
		c.mangler.MangleContact(res, c.cfg.Host, c.cfg.Port)
	}

	metrics.RecordSIPResponse(res.StatusCode)
	return nil
}

// contactExpires returns the expiry of contact in seconds
func contactExpires(res *sip.Response, contact *sip.ContactHeader) int {
	if contact.Params != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return n
		}
	}
	return defaultExpires
}

// UpdateKeepAlives maintains one keep-alive per registered contact
// address of a successful REGISTER response. A contact with expiry 0
// stops the keep-alive for its address.
func (c *Core) UpdateKeepAlives(res *sip.Response) {
	if c.cfg.KeepAliveTime <= 0 || c.cfg.KeepAliveAggressive || c.conn == nil || res.StatusCode < 200 || res.StatusCode >= 300 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, contact := range contactHeaders(res) {
		if contact.Address.Wildcard || contact.Address.Host == "" {
			continue
		}
		reference := uriAddress(contact.Address)
		dest := reference
		if c.bindings != nil {
			if actual, ok := c.bindings.Resolve(reference); ok {
				dest = actual
			}
		}
		expires := contactExpires(res, contact)
		log := c.logger.WithFields(logrus.Fields{
			"contact":     reference.String(),
			"destination": dest.String(),
			"expires":     expires,
		})

		ka, exists := c.keepAlives[reference]
		if expires == 0 {
			if exists {
				ka.Halt()
				delete(c.keepAlives, reference)
				log.Debug("Keep-alive removed")
			}
			continue
		}

		switch {
		case !exists:
			ka = NewKeepAlive(c.conn, dest, c.cfg.KeepAliveTime, c.sched, c.logger)
			c.keepAlives[reference] = ka
			log.Debug("Keep-alive started")
		case !ka.IsRunning():
			ka.SetDestination(dest)
			ka.Restart()
			log.Debug("Keep-alive restarted")
		default:
			ka.SetDestination(dest)
		}
		ka.SetExpiration(int(time.Duration(expires) * time.Second / c.cfg.KeepAliveTime))
	}
	metrics.SetKeepAlives(len(c.keepAlives))
}

// KeepAlive returns the keep-alive registered for a contact address
func (c *Core) KeepAlive(contact util.PeerAddress) (*KeepAlive, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ka, ok := c.keepAlives[contact]
	return ka, ok
}

func callIDOf(msg interface{ CallID() *sip.CallIDHeader }) string {
	h := msg.CallID()
	if h == nil {
		return ""
	}
	return h.Value()
}

func fromTag(msg interface{ From() *sip.FromHeader }) string {
	from := msg.From()
	if from == nil || from.Params == nil {
		return ""
	}
	tag, _ := from.Params.Get("tag")
	return tag
}

func isInitialInvite(req *sip.Request) bool {
	if req.Method != sip.INVITE {
		return false
	}
	to := req.To()
	if to == nil || to.Params == nil {
		return true
	}
	tag, _ := to.Params.Get("tag")
	return tag == ""
}

// requestLeg tells which party sent a request. The From-tag of the
// initial INVITE identifies the caller for the rest of the call.
func (c *Core) requestLeg(req *sip.Request, callID string) media.Leg {
	tag := fromTag(req)

	c.mu.Lock()
	defer c.mu.Unlock()
	callerTag, known := c.callerTags[callID]
	if !known {
		if isInitialInvite(req) {
			c.callerTags[callID] = tag
		}
		return media.Caller
	}
	if tag == callerTag {
		return media.Caller
	}
	return media.Callee
}

// responseLeg tells which party sent a response: the peer of whoever
// sent the request it answers
func (c *Core) responseLeg(res *sip.Response, callID string) media.Leg {
	tag := fromTag(res)

	c.mu.Lock()
	defer c.mu.Unlock()
	callerTag, known := c.callerTags[callID]
	if !known || tag == callerTag {
		return media.Callee
	}
	return media.Caller
}

func (c *Core) callEstablished(callID string) bool {
	return c.gateway != nil && c.gateway.IsComplete(callID)
}

// forgetCall drops the leg bookkeeping of a call
func (c *Core) forgetCall(callID string) {
	c.mu.Lock()
	delete(c.callerTags, callID)
	c.mu.Unlock()
}

func (c *Core) endCall(callID string) {
	c.forgetCall(callID)

	if c.gateway == nil {
		return
	}
	if err := c.gateway.EndCall(callID); err != nil && !errors.IsErrorType(err, errors.ErrCallNotFound) {
		c.logger.WithError(err).WithField("call_id", callID).Warn("Failed to end call media")
	}
}

// Close stops every keep-alive
func (c *Core) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, ka := range c.keepAlives {
		ka.Halt()
		delete(c.keepAlives, addr)
	}
	metrics.SetKeepAlives(0)
}
