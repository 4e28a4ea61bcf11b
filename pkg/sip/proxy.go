package sip

import (
	"context"
	"net"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"sbc-server/pkg/errors"
	"sbc-server/pkg/metrics"
	"sbc-server/pkg/util"
	"sbc-server/pkg/version"
)

// proxiedMethods are forwarded statefully; ACK is handled separately
var proxiedMethods = []sip.RequestMethod{
	sip.INVITE, sip.BYE, sip.CANCEL, sip.REGISTER, sip.OPTIONS, sip.UPDATE,
	sip.INFO, sip.MESSAGE, sip.SUBSCRIBE, sip.NOTIFY, sip.REFER, sip.PRACK,
}

// Proxy is the stateful SIP proxy that runs every forwarded message
// through the core
type Proxy struct {
	core   *Core
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	logger *logrus.Logger
}

// NewProxy creates the proxy. hostname is used in Via and Record-Route
// headers this node adds.
func NewProxy(core *Core, hostname string, logger *logrus.Logger) (*Proxy, error) {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(version.UserAgent()),
		sipgo.WithUserAgentHostname(hostname),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create user agent")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, errors.Wrap(err, "failed to create SIP server")
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(hostname))
	if err != nil {
		ua.Close()
		return nil, errors.Wrap(err, "failed to create SIP client")
	}

	p := &Proxy{
		core:   core,
		ua:     ua,
		server: server,
		client: client,
		logger: logger,
	}
	for _, method := range proxiedMethods {
		server.OnRequest(method, p.recoverMiddleware(p.handleRequest))
	}
	server.OnAck(p.recoverMiddleware(p.handleAck))
	return p, nil
}

// ListenAndServe serves SIP on network/addr until ctx is done
func (p *Proxy) ListenAndServe(ctx context.Context, network, addr string) error {
	return p.server.ListenAndServe(ctx, network, addr)
}

// ServeUDP serves SIP on an existing socket, the one keep-alives are
// sent from, so that NAT pinholes see a single local address
func (p *Proxy) ServeUDP(conn net.PacketConn) error {
	return p.server.ServeUDP(conn)
}

// Close shuts the SIP stack down
func (p *Proxy) Close() error {
	p.client.Close()
	p.server.Close()
	return p.ua.Close()
}

func (p *Proxy) recoverMiddleware(handler func(*sip.Request, sip.ServerTransaction)) func(*sip.Request, sip.ServerTransaction) {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithFields(logrus.Fields{
					"call_id": callIDOf(req),
					"method":  req.Method.String(),
					"panic":   r,
				}).Error("Recovered from panic in SIP handler")
				if tx != nil {
					tx.Respond(sip.NewResponseFromRequest(req, errors.StatusInternalServerError, "Server Internal Error", nil))
				}
			}
		}()
		handler(req, tx)
	}
}

// localReply answers requests for local users when there is no backend
// proxy to hand them to
func localReply(method sip.RequestMethod) (int, string) {
	if method == sip.OPTIONS {
		return 200, "OK"
	}
	return 404, "Not Found"
}

func (p *Proxy) reply(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"call_id": callIDOf(req),
			"status":  code,
		}).Error("Failed to send response")
	}
}

func (p *Proxy) replyError(tx sip.ServerTransaction, req *sip.Request, err error) {
	code := errors.SIPStatusFromError(err)
	p.reply(tx, req, code, errors.SIPReason(code))
}

// prepare runs a request through the core and returns its next hop. ok
// is false when the request has nowhere to go but this node.
func (p *Proxy) prepare(req *sip.Request) (target string, dest Destination, ok bool, err error) {
	dest, err = p.core.ClassifyRequest(req)
	if err != nil {
		return "", dest, false, err
	}
	if err := p.core.ProcessRequest(req); err != nil {
		return "", dest, false, err
	}
	p.core.PopSelfRoutes(req)
	target = p.core.ResolveTarget(req)

	next, perr := util.ParsePeerAddress(target)
	if perr == nil && p.core.isLocal(sip.Uri{Host: next.Host, Port: next.Port}) {
		return target, dest, false, nil
	}
	return target, dest, true, nil
}

func (p *Proxy) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	log := p.logger.WithFields(logrus.Fields{
		"method":  req.Method.String(),
		"call_id": callIDOf(req),
		"source":  req.Source(),
	})

	target, dest, ok, err := p.prepare(req)
	if err != nil {
		log.WithError(err).Warn("Rejecting request")
		p.replyError(tx, req, err)
		return
	}
	metrics.RecordSIPRequest(req.Method.String(), dest.String())
	if !ok {
		code, reason := localReply(req.Method)
		p.reply(tx, req, code, reason)
		return
	}

	log = log.WithField("target", target)
	log.Debug("Forwarding request")
	p.forward(req, tx, log)
}

func (p *Proxy) forward(req *sip.Request, tx sip.ServerTransaction, log *logrus.Entry) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clTx, err := p.client.TransactionRequest(ctx, req,
		sipgo.ClientRequestAddVia,
		sipgo.ClientRequestAddRecordRoute,
		sipgo.ClientRequestDecreaseMaxForward,
	)
	if err != nil {
		log.WithError(err).Error("Failed to forward request")
		p.reply(tx, req, errors.StatusServiceUnavailable, errors.SIPReason(errors.StatusServiceUnavailable))
		return
	}
	defer clTx.Terminate()

	final := false
	for {
		select {
		case res, more := <-clTx.Responses():
			if !more {
				return
			}
			res.RemoveHeader("Via")
			if err := p.core.ProcessResponse(res); err != nil {
				log.WithError(err).Warn("Failed to process response")
				p.replyError(tx, req, err)
				return
			}
			if err := tx.Respond(res); err != nil {
				log.WithError(err).Error("Failed to relay response")
				return
			}
			if res.StatusCode >= 200 {
				final = true
			}
		case <-clTx.Done():
			if err := clTx.Err(); err != nil && !final {
				log.WithError(err).Warn("Downstream transaction failed")
				p.reply(tx, req, errors.StatusServiceUnavailable, errors.SIPReason(errors.StatusServiceUnavailable))
			}
			return
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				log.WithError(err).Debug("Server transaction ended")
			}
			return
		}
	}
}

// handleAck forwards end-to-end ACKs, which have no transaction
func (p *Proxy) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	log := p.logger.WithFields(logrus.Fields{
		"method":  req.Method.String(),
		"call_id": callIDOf(req),
	})

	target, dest, ok, err := p.prepare(req)
	if err != nil {
		log.WithError(err).Warn("Dropping ACK")
		return
	}
	metrics.RecordSIPRequest(req.Method.String(), dest.String())
	if !ok {
		return
	}
	if err := p.client.WriteRequest(req, sipgo.ClientRequestAddVia); err != nil {
		log.WithError(err).WithField("target", target).Warn("Failed to forward ACK")
	}
}
