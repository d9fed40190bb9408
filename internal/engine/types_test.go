package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTransportKind(t *testing.T) {
	for in, want := range map[string]TransportKind{"": TransportUDP, "udp": TransportUDP, " TCP ": TransportTCP, "tls": TransportTLS} {
		got, err := ParseTransportKind(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTransportKind("sctp")
	assert.Error(t, err)
	assert.Equal(t, "tls", TransportTLS.String())
}

func TestParseSRTPPolicy(t *testing.T) {
	for in, want := range map[string]SRTPPolicy{"": SRTPDisabled, "disabled": SRTPDisabled, "Optional": SRTPOptional, "mandatory": SRTPMandatory} {
		got, err := ParseSRTPPolicy(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSRTPPolicy("always")
	assert.Error(t, err)
	assert.Equal(t, "optional", SRTPOptional.String())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "CONFIRMED", CallStateConfirmed.String())
	assert.Equal(t, "Active", MediaStatusActive.String())
	assert.Equal(t, "recvonly", DirectionRecvOnly.String())
	assert.Equal(t, "Unknown(99)", CallState(99).String())
}
