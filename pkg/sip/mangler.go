package sip

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"sbc-server/pkg/media"
	"sbc-server/pkg/metrics"
	"sbc-server/pkg/relay"
	"sbc-server/pkg/stuffing"
)

// Message is the part of a SIP request or response the mangler rewrites
type Message interface {
	GetHeader(name string) sip.Header
	GetHeaders(name string) []sip.Header
	Body() []byte
	SetBody(body []byte)
}

// Mangler rewrites Contact headers, request lines and SDP bodies so that
// signalling and media of a call flow through this node
type Mangler struct {
	gateway *media.Gateway
	logger  *logrus.Logger
}

// NewMangler creates a mangler. gateway may be nil when only static body
// rewriting is used.
func NewMangler(gateway *media.Gateway, logger *logrus.Logger) *Mangler {
	return &Mangler{
		gateway: gateway,
		logger:  logger,
	}
}

func contactHeaders(msg Message) []*sip.ContactHeader {
	var out []*sip.ContactHeader
	for _, h := range msg.GetHeaders("Contact") {
		if contact, ok := h.(*sip.ContactHeader); ok {
			out = append(out, contact)
		}
	}
	return out
}

// MangleContact replaces every non-wildcard Contact with its stuffed form
// targeting host:port. Contact parameters such as expires are kept.
func (m *Mangler) MangleContact(msg Message, host string, port int) {
	for _, contact := range contactHeaders(msg) {
		if contact.Address.Wildcard {
			continue
		}
		contact.Address = stuffing.Stuff(contact.Address, host, port)
	}
	metrics.RecordMangling("mangle_contact", nil)
}

// UnmangleContact restores every stuffed Contact
func (m *Mangler) UnmangleContact(msg Message) error {
	for _, contact := range contactHeaders(msg) {
		if !stuffing.IsStuffed(contact.Address) {
			continue
		}
		original, err := stuffing.Unstuff(contact.Address)
		if err != nil {
			metrics.RecordMangling("unmangle_contact", err)
			return err
		}
		contact.Address = original
	}
	metrics.RecordMangling("unmangle_contact", nil)
	return nil
}

// UnmangleRequestLine restores a stuffed request URI
func (m *Mangler) UnmangleRequestLine(req *sip.Request) error {
	if !stuffing.IsStuffed(req.Recipient) {
		return nil
	}
	original, err := stuffing.Unstuff(req.Recipient)
	metrics.RecordMangling("unmangle_request_line", err)
	if err != nil {
		return err
	}
	req.Recipient = original
	return nil
}

// IsRequestLineMangled reports whether the request URI is stuffed
func (m *Mangler) IsRequestLineMangled(req *sip.Request) bool {
	return stuffing.IsStuffed(req.Recipient)
}

// hasSDPBody reports whether msg carries an SDP body
func hasSDPBody(msg Message) bool {
	if len(msg.Body()) == 0 {
		return false
	}
	h := msg.GetHeader("Content-Type")
	if h == nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(h.Value())), "application/sdp")
}

// MangleBody points the SDP body of msg at masqAddr. Media descriptions of
// type mediaTypes[i] get port masqPorts[i]. Messages without an SDP body
// are left alone.
func (m *Mangler) MangleBody(msg Message, masqAddr string, mediaTypes []string, masqPorts []int) error {
	if !hasSDPBody(msg) {
		return nil
	}
	sd, err := media.ParseSessionDescription(msg.Body())
	if err != nil {
		metrics.RecordMangling("mangle_body", err)
		return err
	}
	media.RewriteSessionDescription(sd, masqAddr, mediaTypes, masqPorts)
	body, err := sd.Marshal()
	if err != nil {
		metrics.RecordMangling("mangle_body", err)
		return err
	}
	msg.SetBody(body)
	metrics.RecordMangling("mangle_body", nil)
	return nil
}

// MangleSessionBody masquerades the SDP body of leg through the media
// gateway and returns the relays created if the call became complete
func (m *Mangler) MangleSessionBody(msg Message, callID string, leg media.Leg) ([]*relay.Relay, error) {
	if m.gateway == nil || !hasSDPBody(msg) {
		return nil, nil
	}
	body, relays, err := m.gateway.ProcessBody(callID, leg, msg.Body())
	metrics.RecordMangling("mangle_session_body", err)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"call_id": callID,
			"leg":     leg,
		}).Warn("Failed to masquerade session description")
		return nil, err
	}
	msg.SetBody(body)
	return relays, nil
}
