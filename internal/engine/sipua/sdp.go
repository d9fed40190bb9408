package sipua

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/sebas/sipcaller/internal/audio"
	"github.com/sebas/sipcaller/internal/engine"
)

const telephoneEventPT = "101"

// offeredFormats lists the payload types we put in every offer, in
// preference order.
var offeredFormats = []string{"0", "8", telephoneEventPT}

var rtpmapMap = map[string]string{
	"0":              "PCMU/8000",
	"8":              "PCMA/8000",
	telephoneEventPT: "telephone-event/8000",
}

// mediaOffer describes our side of the audio stream.
type mediaOffer struct {
	Address string
	Port    int
	// SecureProfile selects RTP/SAVP instead of RTP/AVP.
	SecureProfile bool
	Crypto        *sdesKey
}

func buildOffer(o mediaOffer) ([]byte, error) {
	protos := []string{"RTP", "AVP"}
	if o.SecureProfile {
		protos = []string{"RTP", "SAVP"}
	}

	attrs := codecAttributes(offeredFormats)
	if o.Crypto != nil {
		attrs = append([]sdp.Attribute{{Key: "crypto", Value: o.Crypto.Attribute()}}, attrs...)
	}

	sessionID := uint64(time.Now().UnixNano())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "sipcaller",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    addressType(o.Address),
			UnicastAddress: o.Address,
		},
		SessionName: "sipcaller",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(o.Address),
			Address:     &sdp.Address{Address: o.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: o.Port},
					Protos:  protos,
					Formats: offeredFormats,
				},
				Attributes: attrs,
			},
		},
	}
	return desc.Marshal()
}

func codecAttributes(formats []string) []sdp.Attribute {
	attrs := []sdp.Attribute{}
	for _, format := range formats {
		if rtpmap, ok := rtpmapMap[format]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: format + " " + rtpmap})
		}
	}
	for _, format := range formats {
		if format == telephoneEventPT {
			attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: telephoneEventPT + " 0-16"})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)
	return attrs
}

func addressType(addr string) string {
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

// mediaAnswer is the remote side of the negotiated audio stream.
type mediaAnswer struct {
	Address       string
	Port          int
	Codec         audio.Codec
	Direction     engine.MediaDirection
	SecureProfile bool
	Crypto        *sdesKey
}

func parseAnswer(body []byte) (*mediaAnswer, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("no SDP in response")
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse SDP: %w", err)
	}

	var media *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			media = m
			break
		}
	}
	if media == nil {
		return nil, fmt.Errorf("no audio media in SDP")
	}

	ans := &mediaAnswer{Port: media.MediaName.Port.Value, Direction: engine.DirectionSendRecv}
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		ans.Address = media.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		ans.Address = desc.ConnectionInformation.Address.Address
	}
	for _, p := range media.MediaName.Protos {
		if p == "SAVP" {
			ans.SecureProfile = true
		}
	}

	found := false
	for _, f := range media.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		if codec, err := audio.CodecForPayloadType(uint8(pt)); err == nil {
			ans.Codec = codec
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("no common codec in %v", media.MediaName.Formats)
	}

	for _, a := range media.Attributes {
		switch a.Key {
		case "sendonly":
			ans.Direction = engine.DirectionSendOnly
		case "recvonly":
			ans.Direction = engine.DirectionRecvOnly
		case "inactive":
			ans.Direction = engine.DirectionInactive
		case "crypto":
			if ans.Crypto != nil {
				continue
			}
			key, err := parseCryptoAttribute(a.Value)
			if err == nil && key.Suite == cryptoSuite {
				ans.Crypto = &key
			}
		}
	}
	return ans, nil
}

func (a *mediaAnswer) udpAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(a.Address)
	if ip == nil {
		addrs, err := net.LookupIP(a.Address)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("resolve media address %q: %v", a.Address, err)
		}
		ip = addrs[0]
	}
	return &net.UDPAddr{IP: ip, Port: a.Port}, nil
}
