package caller

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sebas/sipcaller/internal/config"
)

// BuildURI turns a number or SIP URI into the URI to dial. sip: and sips:
// URIs pass through unchanged. Otherwise the configured server is used, the
// port is omitted when it is the transport default, and the transport
// parameter is always present so the engine never falls back to NAPTR/SRV
// selection.
func BuildURI(destination string, sip config.SIPConfig) string {
	if strings.HasPrefix(destination, "sip:") || strings.HasPrefix(destination, "sips:") {
		return destination
	}
	tp := ";transport=" + sip.Transport
	if sip.Port != sip.DefaultPort() {
		return fmt.Sprintf("%s:%s@%s:%d%s", sip.Scheme(), destination, sip.Server, sip.Port, tp)
	}
	return fmt.Sprintf("%s:%s@%s%s", sip.Scheme(), destination, sip.Server, tp)
}

// accountURI is the identity of the registered account.
func accountURI(sip config.SIPConfig) string {
	return fmt.Sprintf("%s:%s@%s", sip.Scheme(), sip.User, sip.Server)
}

// registrarURI always carries the port and transport.
func registrarURI(sip config.SIPConfig) string {
	return fmt.Sprintf("%s:%s:%d;transport=%s", sip.Scheme(), sip.Server, sip.Port, sip.Transport)
}

// LocalAddressFor returns the local IP the kernel would use to reach host.
// Connecting a UDP socket sends nothing.
func LocalAddressFor(host string, port int) (string, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "", fmt.Errorf("route to %s: %w", host, err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("route to %s: unexpected local address %v", host, conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
