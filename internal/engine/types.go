package engine

import (
	"fmt"
	"strings"
)

// CallState is the invite session state reported by the engine.
type CallState int

const (
	CallStateNull CallState = iota
	CallStateCalling
	CallStateEarly
	CallStateConnecting
	CallStateConfirmed
	CallStateDisconnected
)

// String returns the string representation of CallState.
func (s CallState) String() string {
	switch s {
	case CallStateNull:
		return "NULL"
	case CallStateCalling:
		return "CALLING"
	case CallStateEarly:
		return "EARLY"
	case CallStateConnecting:
		return "CONNECTING"
	case CallStateConfirmed:
		return "CONFIRMED"
	case CallStateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// MediaType is the kind of a media stream.
type MediaType int

const (
	MediaTypeNone MediaType = iota
	MediaTypeAudio
	MediaTypeVideo
)

// MediaStatus is the activity of a media stream.
type MediaStatus int

const (
	MediaStatusNone MediaStatus = iota
	MediaStatusActive
	MediaStatusLocalHold
	MediaStatusRemoteHold
	MediaStatusError
)

// String returns the string representation of MediaStatus.
func (s MediaStatus) String() string {
	switch s {
	case MediaStatusNone:
		return "None"
	case MediaStatusActive:
		return "Active"
	case MediaStatusLocalHold:
		return "LocalHold"
	case MediaStatusRemoteHold:
		return "RemoteHold"
	case MediaStatusError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// MediaDirection is the negotiated stream direction.
type MediaDirection int

const (
	DirectionSendRecv MediaDirection = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

// String returns the SDP attribute name of the direction.
func (d MediaDirection) String() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// TransportKind selects the signaling or relay transport.
type TransportKind int

const (
	TransportUDP TransportKind = iota
	TransportTCP
	TransportTLS
)

// String returns the lowercase transport name used in URIs.
func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcp"
	case TransportTLS:
		return "tls"
	default:
		return "udp"
	}
}

// ParseTransportKind parses "udp", "tcp" or "tls".
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "udp":
		return TransportUDP, nil
	case "tcp":
		return TransportTCP, nil
	case "tls":
		return TransportTLS, nil
	default:
		return TransportUDP, fmt.Errorf("unknown transport %q", s)
	}
}

// SRTPPolicy selects media encryption.
type SRTPPolicy int

const (
	SRTPDisabled SRTPPolicy = iota
	SRTPOptional
	SRTPMandatory
)

// String returns the config spelling of the policy.
func (p SRTPPolicy) String() string {
	switch p {
	case SRTPOptional:
		return "optional"
	case SRTPMandatory:
		return "mandatory"
	default:
		return "disabled"
	}
}

// ParseSRTPPolicy parses "disabled", "optional" or "mandatory".
func ParseSRTPPolicy(s string) (SRTPPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disabled":
		return SRTPDisabled, nil
	case "optional":
		return SRTPOptional, nil
	case "mandatory":
		return SRTPMandatory, nil
	default:
		return SRTPDisabled, fmt.Errorf("unknown srtp mode %q", s)
	}
}

// Log levels used in LogEntry.Level.
const (
	LevelError = 1
	LevelWarn  = 2
	LevelInfo  = 3
	LevelDebug = 4
	LevelTrace = 5
	LevelWire  = 6
)
