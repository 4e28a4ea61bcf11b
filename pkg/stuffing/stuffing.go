// Package stuffing encodes a SIP URI's user, host and port into the
// username of a URI pointing at the SBC, so that the original target can
// be recovered when a request comes back through the proxy.
//
// A stuffed username is Cookie followed by the escaped "user@host:port"
// text. Escaping is a single left to right pass:
//
//	_  ->  _~
//	@  ->  _AT-
//	:  ->  _PORT-
//	[  ->  _V6-
//	]  ->  _-V6
//
// Brackets of IPv6 hosts are escaped since they may not appear in a
// SIP userinfo.
package stuffing

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"sbc-server/pkg/errors"
)

const (
	// Esc prefixes every escape marker
	Esc = "_"

	// Cookie marks a username produced by Stuff
	Cookie = Esc + "MjSBC2U-"

	escSelf  = Esc + "~"
	escAt    = Esc + "AT-"
	escPort  = Esc + "PORT-"
	escOpen  = Esc + "V6-"
	escClose = Esc + "-V6"
)

// Escape replaces the reserved characters of s with their markers
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case Esc[0]:
			b.WriteString(escSelf)
		case '@':
			b.WriteString(escAt)
		case ':':
			b.WriteString(escPort)
		case '[':
			b.WriteString(escOpen)
		case ']':
			b.WriteString(escClose)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Unescape reverses Escape. An escape character that does not start a
// known marker is copied literally.
func Unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != Esc[0] {
			b.WriteByte(s[i])
			i++
			continue
		}
		rest := s[i:]
		switch {
		case strings.HasPrefix(rest, escSelf):
			b.WriteString(Esc)
			i += len(escSelf)
		case strings.HasPrefix(rest, escAt):
			b.WriteByte('@')
			i += len(escAt)
		case strings.HasPrefix(rest, escPort):
			b.WriteByte(':')
			i += len(escPort)
		case strings.HasPrefix(rest, escOpen):
			b.WriteByte('[')
			i += len(escOpen)
		case strings.HasPrefix(rest, escClose):
			b.WriteByte(']')
			i += len(escClose)
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

// IsStuffedUser reports whether a username carries the cookie. The
// prefix is trusted: a genuine username starting with the cookie is
// treated as stuffed.
func IsStuffedUser(user string) bool {
	return strings.HasPrefix(user, Cookie)
}

// IsStuffed reports whether the URI's username carries the cookie
func IsStuffed(uri sip.Uri) bool {
	return IsStuffedUser(uri.User)
}

// addressText renders [user@]host[:port]
func addressText(uri sip.Uri) string {
	var b strings.Builder
	if uri.User != "" {
		b.WriteString(uri.User)
		b.WriteByte('@')
	}
	b.WriteString(uri.Host)
	if uri.Port > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(uri.Port))
	}
	return b.String()
}

// Stuff returns a URI targeting host:port whose username encodes the
// original URI's user, host and port. Scheme and URI parameters are kept.
// A URI that is already stuffed is returned unchanged.
func Stuff(uri sip.Uri, host string, port int) sip.Uri {
	if IsStuffed(uri) {
		return uri
	}

	stuffed := sip.Uri{
		Scheme:    uri.Scheme,
		User:      Cookie + Escape(addressText(uri)),
		Host:      host,
		Port:      port,
		UriParams: uri.UriParams,
		Headers:   uri.Headers,
	}
	if stuffed.Scheme == "" {
		stuffed.Scheme = "sip"
	}
	return stuffed
}

// Unstuff restores the URI encoded by Stuff. URIs without the cookie are
// returned unchanged. A cookie-prefixed username that does not decode to
// a parseable URI yields an error matching errors.ErrMalformedMangledURI.
func Unstuff(uri sip.Uri) (sip.Uri, error) {
	if !IsStuffed(uri) {
		return uri, nil
	}

	text := Unescape(strings.TrimPrefix(uri.User, Cookie))
	scheme := uri.Scheme
	if scheme == "" {
		scheme = "sip"
	}

	var original sip.Uri
	if text == "" {
		return uri, errors.NewMalformedURI(uri.User, errors.ErrInvalidInput)
	}
	if err := sip.ParseUri(scheme+":"+text, &original); err != nil {
		return uri, errors.NewMalformedURI(uri.User, err)
	}
	if original.Host == "" {
		return uri, errors.NewMalformedURI(uri.User, errors.ErrInvalidInput)
	}

	original.Scheme = scheme
	original.UriParams = uri.UriParams
	original.Headers = uri.Headers
	return original, nil
}
