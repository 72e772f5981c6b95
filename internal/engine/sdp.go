package engine

import (
	"github.com/pion/sdp/v3"
)

// rewriteSDPAddress replaces the origin and connection addresses in an SDP
// body. The engine answers with whatever address it binds locally; SIP peers
// must instead be pointed at the address this host advertises on the LAN.
func rewriteSDPAddress(raw, addr string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", err
	}

	desc.Origin.UnicastAddress = addr
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		desc.ConnectionInformation.Address.Address = addr
	}
	for _, media := range desc.MediaDescriptions {
		if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
			media.ConnectionInformation.Address.Address = addr
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
