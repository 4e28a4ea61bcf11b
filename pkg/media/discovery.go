package media

import (
	"context"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"

	"sbc-server/pkg/errors"
	"sbc-server/pkg/util"
)

var defaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.nextcloud.com:3478",
}

const (
	defaultDiscoveryRTO      = 500 * time.Millisecond
	defaultDiscoveryAttempts = 4
)

// AddressDiscovery learns the public address of the media host by sending
// STUN binding requests from an unconnected UDP socket
type AddressDiscovery struct {
	servers  []string
	rto      time.Duration
	attempts int
	logger   *logrus.Logger
}

// DiscoveryOption configures an AddressDiscovery
type DiscoveryOption func(*AddressDiscovery)

// WithRetransmit sets the initial retransmission timeout and the number
// of requests sent to each server. The timeout doubles after every
// unanswered request.
func WithRetransmit(rto time.Duration, attempts int) DiscoveryOption {
	return func(d *AddressDiscovery) {
		d.rto = rto
		d.attempts = attempts
	}
}

// NewAddressDiscovery queries servers in order. An empty list falls back
// to public servers.
func NewAddressDiscovery(servers []string, logger *logrus.Logger, opts ...DiscoveryOption) *AddressDiscovery {
	if len(servers) == 0 {
		servers = defaultSTUNServers
	}
	d := &AddressDiscovery{
		servers:  servers,
		rto:      defaultDiscoveryRTO,
		attempts: defaultDiscoveryAttempts,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.attempts < 1 {
		d.attempts = 1
	}
	return d
}

// Discover returns the reflexive address of the first server that
// answers. It fails with ErrAddressDiscovery when none does.
func (d *AddressDiscovery) Discover(ctx context.Context) (util.PeerAddress, error) {
	for _, server := range d.servers {
		if err := ctx.Err(); err != nil {
			return util.PeerAddress{}, err
		}

		mapped, err := d.bind(ctx, server)
		if err != nil {
			d.logger.WithError(err).WithField("server", server).Debug("STUN binding failed")
			continue
		}

		d.logger.WithFields(logrus.Fields{
			"server":  server,
			"address": mapped.String(),
		}).Info("Discovered public media address")
		return mapped, nil
	}

	if err := ctx.Err(); err != nil {
		return util.PeerAddress{}, err
	}
	return util.PeerAddress{}, errors.Wrap(errors.ErrAddressDiscovery, "no STUN server answered",
		map[string]interface{}{"servers": d.servers})
}

// bind runs one binding transaction against server, retransmitting the
// request until an answer arrives or the attempts run out
func (d *AddressDiscovery) bind(ctx context.Context, server string) (util.PeerAddress, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return util.PeerAddress{}, err
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return util.PeerAddress{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return util.PeerAddress{}, err
	}

	rto := d.rto
	buf := make([]byte, 1500)
	for attempt := 0; attempt < d.attempts; attempt++ {
		if _, err := conn.WriteTo(request.Raw, serverAddr); err != nil {
			return util.PeerAddress{}, err
		}
		conn.SetReadDeadline(time.Now().Add(rto))

		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return util.PeerAddress{}, ctxErr
				}
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					break
				}
				return util.PeerAddress{}, err
			}
			if udp, ok := from.(*net.UDPAddr); !ok || !udp.IP.Equal(serverAddr.IP) || udp.Port != serverAddr.Port {
				continue
			}

			response := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := response.Decode(); err != nil || response.TransactionID != request.TransactionID {
				continue
			}
			return mappedAddress(response)
		}
		rto *= 2
	}
	return util.PeerAddress{}, errors.New("binding request timed out", map[string]interface{}{"attempts": d.attempts})
}

// mappedAddress extracts the reflexive address of a binding response,
// preferring XOR-MAPPED-ADDRESS over the legacy MAPPED-ADDRESS
func mappedAddress(response *stun.Message) (util.PeerAddress, error) {
	if response.Type != stun.BindingSuccess {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(response); err == nil {
			return util.PeerAddress{}, errors.New("binding rejected", map[string]interface{}{
				"code":   int(code.Code),
				"reason": string(code.Reason),
			})
		}
		return util.PeerAddress{}, errors.New("unexpected STUN message " + response.Type.String())
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(response); err == nil {
		return util.NewPeerAddress(xor.IP.String(), xor.Port), nil
	}
	var legacy stun.MappedAddress
	if err := legacy.GetFrom(response); err == nil {
		return util.NewPeerAddress(legacy.IP.String(), legacy.Port), nil
	}
	return util.PeerAddress{}, errors.New("binding response carries no mapped address")
}
