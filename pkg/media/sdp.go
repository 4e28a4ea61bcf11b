package media

import (
	"net"

	"github.com/pion/sdp/v3"

	"sbc-server/pkg/errors"
)

const unspecifiedAddress = "0.0.0.0"

// ParseSessionDescription decodes an SDP body
func ParseSessionDescription(body []byte) (*sdp.SessionDescription, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, errors.NewInvalidSDP(err.Error())
	}
	return sd, nil
}

// connectionAddress returns the media address of md, falling back to the
// session level connection field
func connectionAddress(sd *sdp.SessionDescription, md *sdp.MediaDescription) string {
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		return md.ConnectionInformation.Address.Address
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		return sd.ConnectionInformation.Address.Address
	}
	return ""
}

func addressType(addr string) string {
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

func setConnection(ci *sdp.ConnectionInformation, addr string) {
	ci.NetworkType = "IN"
	ci.AddressType = addressType(addr)
	if ci.Address == nil {
		ci.Address = &sdp.Address{}
	}
	ci.Address.Address = addr
}

// RewriteSessionDescription points the connection fields of sd at
// masqAddr. A media description whose type is mediaTypes[i] gets port
// masqPorts[i]; formats and attributes are left alone and descriptions of
// other types pass through unchanged.
func RewriteSessionDescription(sd *sdp.SessionDescription, masqAddr string, mediaTypes []string, masqPorts []int) {
	if sd.ConnectionInformation != nil {
		setConnection(sd.ConnectionInformation, masqAddr)
	}

	for _, md := range sd.MediaDescriptions {
		for i, mediaType := range mediaTypes {
			if md.MediaName.Media != mediaType || i >= len(masqPorts) {
				continue
			}
			md.MediaName.Port = sdp.RangedPort{Value: masqPorts[i]}
			if md.ConnectionInformation != nil {
				setConnection(md.ConnectionInformation, masqAddr)
			}
			break
		}
	}
}
