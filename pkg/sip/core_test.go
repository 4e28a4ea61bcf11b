package sip

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sbc-server/pkg/binding"
	"sbc-server/pkg/errors"
	"sbc-server/pkg/media"
	"sbc-server/pkg/scheduler"
	"sbc-server/pkg/stuffing"
	"sbc-server/pkg/util"
)

const sbcHost = "10.0.0.100"

type coreFixture struct {
	core     *Core
	sched    *scheduler.Manual
	bindings *binding.Cache
	gateway  *media.Gateway
	pool     *media.PortPool
}

func newCoreFixture(t *testing.T, cfg CoreConfig, conn net.PacketConn) *coreFixture {
	sched := scheduler.NewManual(time.Now())
	pool := media.NewPortPool(42000, 42100, quietLogger())
	f := &coreFixture{
		sched:    sched,
		bindings: binding.New(time.Hour, sched, quietLogger(), binding.WithClock(sched.Now)),
		pool:     pool,
	}
	f.gateway = media.NewGateway(media.GatewayConfig{
		Address:   sbcHost,
		Transport: loopbackTransport{},
	}, pool, sched, quietLogger())

	if cfg.Host == "" {
		cfg.Host = sbcHost
	}
	f.core = NewCore(cfg, f.gateway, f.bindings, sched, conn, quietLogger())
	t.Cleanup(func() {
		f.core.Close()
		f.gateway.Close()
		f.bindings.Close()
	})
	return f
}

func routeURIs(req *sip.Request) []sip.Uri {
	var out []sip.Uri
	for _, route := range routeHeaders(req) {
		out = append(out, route.Address)
	}
	return out
}

func TestClassifyRequest(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{LocalHosts: []string{"sbc.example.com"}}, nil)

	local := sip.NewRequest(sip.INVITE, mustURI(t, "sip:bob@10.0.0.100"))
	dest, err := f.core.ClassifyRequest(local)
	require.NoError(t, err)
	assert.Equal(t, ToLocalUser, dest)

	alias := sip.NewRequest(sip.INVITE, mustURI(t, "sip:bob@SBC.example.com:5060"))
	dest, err = f.core.ClassifyRequest(alias)
	require.NoError(t, err)
	assert.Equal(t, ToLocalUser, dest)

	otherPort := sip.NewRequest(sip.INVITE, mustURI(t, "sip:bob@10.0.0.100:5080"))
	dest, err = f.core.ClassifyRequest(otherPort)
	require.NoError(t, err)
	assert.Equal(t, ToRemoteUA, dest)

	remote := sip.NewRequest(sip.INVITE, mustURI(t, "sip:bob@example.org"))
	dest, err = f.core.ClassifyRequest(remote)
	require.NoError(t, err)
	assert.Equal(t, ToRemoteUA, dest)
}

func TestClassifyMangledRequest(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{}, nil)

	original := mustURI(t, "sip:alice@192.168.1.10:5062")
	req := sip.NewRequest(sip.INVITE, stuffing.Stuff(original, sbcHost, 5060))
	dest, err := f.core.ClassifyRequest(req)
	require.NoError(t, err)
	assert.Equal(t, ToRemoteUA, dest)
	assert.Equal(t, "alice", req.Recipient.User)
	assert.Equal(t, "192.168.1.10", req.Recipient.Host)
	assert.Equal(t, 5062, req.Recipient.Port)

	// a contact stuffed by another node through this one is still mangled
	// after one round of unstuffing
	inner := stuffing.Stuff(original, sbcHost, 5060)
	outer := sip.Uri{
		Scheme: "sip",
		User:   stuffing.Cookie + stuffing.Escape(inner.User+"@"+sbcHost+":5060"),
		Host:   sbcHost,
		Port:   5060,
	}
	twice := sip.NewRequest(sip.INVITE, outer)
	dest, err = f.core.ClassifyRequest(twice)
	require.NoError(t, err)
	assert.Equal(t, ToRemoteUA, dest)
	assert.True(t, stuffing.IsStuffed(twice.Recipient))

	broken := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: stuffing.Cookie, Host: sbcHost, Port: 5060})
	_, err = f.core.ClassifyRequest(broken)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformedMangledURI)
}

func TestProcessRequestLearnsBinding(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{}, nil)
	req := newRequest(t, requestSpec{
		method:  sip.REGISTER,
		target:  "sip:example.com",
		fromTag: "r1",
		contact: "sip:alice@192.168.1.10",
	})

	require.NoError(t, f.core.ProcessRequest(req))

	actual, ok := f.bindings.Resolve(util.NewPeerAddress("192.168.1.10", 5060))
	require.True(t, ok)
	assert.Equal(t, util.NewPeerAddress("203.0.113.5", 40123), actual)

	contact := req.Contact()
	assert.True(t, stuffing.IsStuffed(contact.Address))
	assert.Equal(t, sbcHost, contact.Address.Host)
	assert.Equal(t, 5060, contact.Address.Port)
}

func TestBackendRouteInjection(t *testing.T) {
	backend := util.NewPeerAddress("10.0.0.50", 5070)
	f := newCoreFixture(t, CoreConfig{BackendProxy: backend}, nil)

	t.Run("no route set", func(t *testing.T) {
		req := newRequest(t, requestSpec{method: sip.INVITE, target: "sip:bob@example.org", fromTag: "b1"})
		require.NoError(t, f.core.ProcessRequest(req))

		routes := routeURIs(req)
		require.Len(t, routes, 1)
		assert.Equal(t, "10.0.0.50", routes[0].Host)
		assert.Equal(t, 5070, routes[0].Port)
		_, lr := routes[0].UriParams.Get("lr")
		assert.True(t, lr)
	})

	t.Run("after self route", func(t *testing.T) {
		req := newRequest(t, requestSpec{method: sip.INVITE, target: "sip:bob@example.org", fromTag: "b2"})
		req.AppendHeader(&sip.RouteHeader{Address: mustURI(t, "sip:10.0.0.100;lr")})
		req.AppendHeader(&sip.RouteHeader{Address: mustURI(t, "sip:edge.example.org;lr")})
		require.NoError(t, f.core.ProcessRequest(req))

		routes := routeURIs(req)
		require.Len(t, routes, 3)
		assert.Equal(t, sbcHost, routes[0].Host)
		assert.Equal(t, "10.0.0.50", routes[1].Host)
		assert.Equal(t, "edge.example.org", routes[2].Host)

		f.core.PopSelfRoutes(req)
		routes = routeURIs(req)
		require.Len(t, routes, 2)
		assert.Equal(t, "10.0.0.50", routes[0].Host)
		assert.Equal(t, "10.0.0.50:5070", f.core.ResolveTarget(req))
	})

	t.Run("request from backend", func(t *testing.T) {
		req := newRequest(t, requestSpec{
			method:  sip.INVITE,
			target:  "sip:bob@example.org",
			fromTag: "b3",
			source:  "10.0.0.50:5070",
		})
		require.NoError(t, f.core.ProcessRequest(req))
		assert.Empty(t, routeURIs(req))
	})

	t.Run("backend already next hop", func(t *testing.T) {
		req := newRequest(t, requestSpec{method: sip.INVITE, target: "sip:bob@example.org", fromTag: "b4"})
		req.AppendHeader(&sip.RouteHeader{Address: mustURI(t, "sip:10.0.0.50:5070;lr")})
		require.NoError(t, f.core.ProcessRequest(req))
		assert.Len(t, routeURIs(req), 1)

		direct := newRequest(t, requestSpec{method: sip.OPTIONS, target: "sip:10.0.0.50:5070", fromTag: "b5"})
		require.NoError(t, f.core.ProcessRequest(direct))
		assert.Empty(t, routeURIs(direct))
	})
}

func TestResolveTargetUsesBinding(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{}, nil)
	f.bindings.UpdateBinding(util.NewPeerAddress("192.168.1.10", 5060), util.NewPeerAddress("203.0.113.5", 40123))

	req := sip.NewRequest(sip.INVITE, mustURI(t, "sip:alice@192.168.1.10"))
	assert.Equal(t, "203.0.113.5:40123", f.core.ResolveTarget(req))
	assert.Equal(t, "203.0.113.5:40123", req.Destination())

	unknown := sip.NewRequest(sip.INVITE, mustURI(t, "sip:carol@198.51.100.9:5080"))
	assert.Equal(t, "198.51.100.9:5080", f.core.ResolveTarget(unknown))
}

func TestCallMediaLifecycle(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{}, nil)

	invite := newRequest(t, requestSpec{
		method:  sip.INVITE,
		target:  "sip:bob@172.16.0.20",
		callID:  "call-media",
		fromTag: "caller",
		contact: "sip:alice@192.168.1.10",
		body:    callerOffer,
	})
	require.NoError(t, f.core.ProcessRequest(invite))
	offer := string(invite.Body())
	assert.Contains(t, offer, "c=IN IP4 10.0.0.100")
	callerMasq, ok := f.gateway.Masquerade(media.MasqueradeKey("call-media", media.Caller, "audio"))
	require.True(t, ok)
	assert.Equal(t, util.NewPeerAddress("192.168.1.10", 5004), callerMasq.Peer)
	assert.Contains(t, offer, fmt.Sprintf("m=audio %d RTP/AVP 0", callerMasq.Masquerade.Port))
	assert.False(t, f.gateway.IsComplete("call-media"))

	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:bob@172.16.0.20:5060"), Params: sip.HeaderParams{}})
	withSDP(res, calleeAnswer)
	require.NoError(t, f.core.ProcessResponse(res))

	answer := string(res.Body())
	assert.Contains(t, answer, "c=IN IP4 10.0.0.100")
	assert.True(t, f.gateway.IsComplete("call-media"))
	assert.True(t, stuffing.IsStuffed(res.Contact().Address))

	relays := f.gateway.Relays("call-media")
	require.Len(t, relays, 1)

	calleeMasq, ok := f.gateway.Masquerade(media.MasqueradeKey("call-media", media.Callee, "audio"))
	require.True(t, ok)
	assert.Equal(t, util.NewPeerAddress("172.16.0.20", 6004), calleeMasq.Peer)
	assert.Contains(t, answer, fmt.Sprintf("m=audio %d RTP/AVP 0", calleeMasq.Masquerade.Port))
	assert.NotEqual(t, callerMasq.Masquerade.Port, calleeMasq.Masquerade.Port)

	bye := newRequest(t, requestSpec{
		method:  sip.BYE,
		target:  "sip:alice@192.168.1.10",
		callID:  "call-media",
		fromTag: "callee",
		toTag:   "caller",
	})
	require.NoError(t, f.core.ProcessRequest(bye))

	<-relays[0].Done()
	assert.Eventually(t, func() bool { return f.gateway.ActiveCalls() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.pool.Stats().UsedPorts)
}

func trackedCalls(c *Core) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callerTags)
}

func TestRejectedInvitesReleaseMedia(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{}, nil)

	for i := 0; i < 20; i++ {
		invite := newRequest(t, requestSpec{
			method:  sip.INVITE,
			target:  "sip:bob@172.16.0.20",
			callID:  fmt.Sprintf("busy-%d", i),
			fromTag: "caller",
			body:    callerOffer,
		})
		require.NoError(t, f.core.ProcessRequest(invite))
		require.NoError(t, f.core.ProcessResponse(sip.NewResponseFromRequest(invite, 180, "Ringing", nil)))
		require.NoError(t, f.core.ProcessResponse(sip.NewResponseFromRequest(invite, 486, "Busy Here", nil)))
	}

	assert.Equal(t, 0, f.gateway.ActiveCalls())
	assert.Equal(t, 0, f.pool.Stats().UsedPorts)
	assert.Equal(t, 0, trackedCalls(f.core))
}

func TestFailedReinviteKeepsCall(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{}, nil)

	invite := newRequest(t, requestSpec{method: sip.INVITE, target: "sip:bob@172.16.0.20", callID: "c4", fromTag: "caller", body: callerOffer})
	require.NoError(t, f.core.ProcessRequest(invite))
	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	withSDP(res, calleeAnswer)
	require.NoError(t, f.core.ProcessResponse(res))
	require.True(t, f.gateway.IsComplete("c4"))

	reinvite := newRequest(t, requestSpec{method: sip.INVITE, target: "sip:bob@172.16.0.20", callID: "c4", fromTag: "caller", toTag: "callee"})
	require.NoError(t, f.core.ProcessRequest(reinvite))
	require.NoError(t, f.core.ProcessResponse(sip.NewResponseFromRequest(reinvite, 491, "Request Pending", nil)))

	assert.Equal(t, 1, f.gateway.ActiveCalls())
	assert.Len(t, f.gateway.Relays("c4"), 1)
	assert.Equal(t, 1, trackedCalls(f.core))
}

func TestReleasedCallForgetsCaller(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{}, nil)

	invite := newRequest(t, requestSpec{method: sip.INVITE, target: "sip:bob@172.16.0.20", callID: "c5", fromTag: "caller", body: callerOffer})
	require.NoError(t, f.core.ProcessRequest(invite))
	assert.Equal(t, 1, trackedCalls(f.core))

	// the gateway ends a half call on its own, e.g. on expiry
	require.NoError(t, f.gateway.EndCall("c5"))
	assert.Equal(t, 0, f.gateway.ActiveCalls())
	assert.Equal(t, 0, trackedCalls(f.core))
}

func TestReinviteFromCalleeKeepsLegs(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{}, nil)

	invite := newRequest(t, requestSpec{method: sip.INVITE, target: "sip:bob@172.16.0.20", callID: "c2", fromTag: "caller", body: callerOffer})
	require.NoError(t, f.core.ProcessRequest(invite))

	// a request from the callee side answers with the callee's media
	reinvite := newRequest(t, requestSpec{method: sip.INVITE, target: "sip:alice@192.168.1.10", callID: "c2", fromTag: "callee", toTag: "caller", body: calleeAnswer})
	require.NoError(t, f.core.ProcessRequest(reinvite))
	assert.True(t, f.gateway.IsComplete("c2"))

	_, ok := f.gateway.Masquerade(media.MasqueradeKey("c2", media.Callee, "audio"))
	assert.True(t, ok)
}

func TestProcessResponseRejectsBadSDP(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{}, nil)
	invite := newRequest(t, requestSpec{method: sip.INVITE, target: "sip:bob@172.16.0.20", callID: "c3", fromTag: "caller"})
	require.NoError(t, f.core.ProcessRequest(invite))

	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	withSDP(res, "garbage")
	err := f.core.ProcessResponse(res)
	require.Error(t, err)
	assert.Equal(t, errors.StatusNotAcceptableHere, errors.SIPStatusFromError(err))
}

func TestContactManglingAsymmetry(t *testing.T) {
	f := newCoreFixture(t, CoreConfig{}, nil)
	original := mustURI(t, "sip:bob@172.16.0.20:5062")

	// non-REGISTER responses get their contact mangled, and unmangling
	// restores it
	invite := newRequest(t, requestSpec{method: sip.INVITE, target: "sip:bob@172.16.0.20", callID: "c4", fromTag: "caller"})
	res := sip.NewResponseFromRequest(invite, 180, "Ringing", nil)
	res.AppendHeader(&sip.ContactHeader{Address: original, Params: sip.HeaderParams{}})
	require.NoError(t, f.core.ProcessResponse(res))
	assert.True(t, stuffing.IsStuffed(res.Contact().Address))
	require.NoError(t, f.core.Mangler().UnmangleContact(res))
	assert.Equal(t, original.User, res.Contact().Address.User)
	assert.Equal(t, original.Host, res.Contact().Address.Host)
	assert.Equal(t, original.Port, res.Contact().Address.Port)

	// REGISTER responses are never mangled
	register := newRequest(t, requestSpec{method: sip.REGISTER, target: "sip:example.com", callID: "r1", fromTag: "reg"})
	plain := sip.NewResponseFromRequest(register, 200, "OK", nil)
	plain.AppendHeader(&sip.ContactHeader{Address: original, Params: sip.HeaderParams{}})
	require.NoError(t, f.core.ProcessResponse(plain))
	assert.False(t, stuffing.IsStuffed(plain.Contact().Address))
	assert.Equal(t, original.Host, plain.Contact().Address.Host)
}

func TestRegisterKeepAlives(t *testing.T) {
	sender, _ := listenUA(t)
	ua, uaAddr := listenUA(t)
	f := newCoreFixture(t, CoreConfig{KeepAliveTime: 30 * time.Second}, sender)

	register := newRequest(t, requestSpec{
		method:  sip.REGISTER,
		target:  "sip:example.com",
		callID:  "reg-1",
		fromTag: "reg",
		contact: "sip:alice@192.168.1.10",
		source:  uaAddr.String(),
	})
	require.NoError(t, f.core.ProcessRequest(register))
	mangled := register.Contact().Address
	require.True(t, stuffing.IsStuffed(mangled))

	respond := func(expires string) *sip.Response {
		res := sip.NewResponseFromRequest(register, 200, "OK", nil)
		res.AppendHeader(&sip.ContactHeader{Address: mangled, Params: sip.HeaderParams{"expires": expires}})
		require.NoError(t, f.core.ProcessResponse(res))
		return res
	}

	res := respond("120")
	assert.Equal(t, "192.168.1.10", res.Contact().Address.Host)
	assert.False(t, stuffing.IsStuffed(res.Contact().Address))

	contact := util.NewPeerAddress("192.168.1.10", 5060)
	ka, ok := f.core.KeepAlive(contact)
	require.True(t, ok)
	assert.Equal(t, uaAddr, ka.Destination())

	// 120s of registration at one ping per 30s
	for i := 0; i < 4; i++ {
		f.sched.Advance(30 * time.Second)
		expectPing(t, ua)
	}
	assert.False(t, ka.IsRunning())

	// a refresh restarts the stopped keep-alive
	respond("60")
	again, ok := f.core.KeepAlive(contact)
	require.True(t, ok)
	assert.Same(t, ka, again)
	assert.True(t, ka.IsRunning())
	f.sched.Advance(30 * time.Second)
	expectPing(t, ua)

	// expires=0 unregisters
	respond("0")
	_, ok = f.core.KeepAlive(contact)
	assert.False(t, ok)
	assert.False(t, ka.IsRunning())
}

func TestAggressiveModeLeavesKeepAlivesToBindings(t *testing.T) {
	sender, _ := listenUA(t)
	f := newCoreFixture(t, CoreConfig{KeepAliveTime: 30 * time.Second, KeepAliveAggressive: true}, sender)

	register := newRequest(t, requestSpec{method: sip.REGISTER, target: "sip:example.com", callID: "reg-2", fromTag: "reg"})
	res := sip.NewResponseFromRequest(register, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: mustURI(t, "sip:alice@192.168.1.10"), Params: sip.HeaderParams{"expires": "300"}})
	require.NoError(t, f.core.ProcessResponse(res))

	_, ok := f.core.KeepAlive(util.NewPeerAddress("192.168.1.10", 5060))
	assert.False(t, ok)
}
