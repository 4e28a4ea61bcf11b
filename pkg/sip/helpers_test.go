package sip

import (
	"net"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri(s, &uri))
	return uri
}

type requestSpec struct {
	method  sip.RequestMethod
	target  string
	callID  string
	fromTag string
	toTag   string
	viaHost string
	viaPort int
	source  string
	contact string
	body    string
}

func newRequest(t *testing.T, spec requestSpec) *sip.Request {
	t.Helper()
	if spec.callID == "" {
		spec.callID = "call-1"
	}
	if spec.viaHost == "" {
		spec.viaHost = "192.168.1.10"
	}
	if spec.source == "" {
		spec.source = "203.0.113.5:40123"
	}

	req := sip.NewRequest(spec.method, mustURI(t, spec.target))
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            spec.viaHost,
		Port:            spec.viaPort,
		Params:          sip.HeaderParams{"branch": "z9hG4bK-" + spec.fromTag + string(spec.method)},
	})
	req.AppendHeader(&sip.FromHeader{
		Address: mustURI(t, "sip:alice@example.com"),
		Params:  sip.HeaderParams{"tag": spec.fromTag},
	})
	toParams := sip.HeaderParams{}
	if spec.toTag != "" {
		toParams["tag"] = spec.toTag
	}
	req.AppendHeader(&sip.ToHeader{
		Address: mustURI(t, "sip:bob@example.com"),
		Params:  toParams,
	})
	callID := sip.CallIDHeader(spec.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: spec.method})
	if spec.contact != "" {
		req.AppendHeader(&sip.ContactHeader{
			Address: mustURI(t, spec.contact),
			Params:  sip.HeaderParams{"expires": "600"},
		})
	}
	if spec.body != "" {
		contentType := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&contentType)
		req.SetBody([]byte(spec.body))
	}
	req.SetSource(spec.source)
	return req
}

func withSDP(msg interface {
	AppendHeader(sip.Header)
	SetBody([]byte)
}, body string) {
	contentType := sip.ContentTypeHeader("application/sdp")
	msg.AppendHeader(&contentType)
	msg.SetBody([]byte(body))
}

// loopbackTransport binds relay sockets on ephemeral loopback ports
type loopbackTransport struct{}

func (loopbackTransport) Listen(host string, port int) (net.PacketConn, error) {
	return net.ListenPacket("udp", "127.0.0.1:0")
}

const callerOffer = "v=0\r\n" +
	"o=alice 1 1 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 5004 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

const calleeAnswer = "v=0\r\n" +
	"o=bob 2 2 IN IP4 172.16.0.20\r\n" +
	"s=-\r\n" +
	"c=IN IP4 172.16.0.20\r\n" +
	"t=0 0\r\n" +
	"m=audio 6004 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"
