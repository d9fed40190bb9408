package sipua

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun"
	"github.com/pion/turn/v2"

	"github.com/sebas/sipcaller/internal/engine"
)

const (
	defaultSTUNPort = "3478"
	natDialTimeout  = 5 * time.Second
)

func withDefaultPort(server, port string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, port)
}

// discoverMappedAddress asks each STUN server in turn for our
// server-reflexive address and returns the first answer.
func discoverMappedAddress(ctx context.Context, log engineLog, servers []string) (string, error) {
	var errs []error
	for _, server := range servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		addr, err := stunBinding(ctx, withDefaultPort(server, defaultSTUNPort))
		if err != nil {
			log.warnf("stun", "Binding request to %s failed: %v", server, err)
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		log.infof("stun", "Mapped address %s via %s", addr, server)
		return addr, nil
	}
	if len(errs) == 0 {
		return "", errors.New("no STUN servers configured")
	}
	return "", errors.Join(errs...)
}

func stunBinding(ctx context.Context, server string) (string, error) {
	c, err := stun.Dial("udp4", server)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	type result struct {
		ip  string
		err error
	}
	done := make(chan result, 1)
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	go func() {
		var res result
		err := c.Do(msg, func(ev stun.Event) {
			if ev.Error != nil {
				res.err = ev.Error
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				res.err = err
				return
			}
			res.ip = xor.IP.String()
		})
		if err != nil && res.err == nil {
			res.err = err
		}
		done <- res
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		return res.ip, res.err
	}
}

// turnRelay is an allocation on a TURN server. conn carries RTP.
type turnRelay struct {
	client *turn.Client
	base   net.PacketConn
	conn   net.PacketConn
}

func (r *turnRelay) relayedAddr() *net.UDPAddr {
	addr, _ := r.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

func (r *turnRelay) close() error {
	err := r.conn.Close()
	r.client.Close()
	if cerr := r.base.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// allocateRelay opens a TURN allocation over the configured transport.
func allocateRelay(log engineLog, nat engine.NATConfig) (*turnRelay, error) {
	server := withDefaultPort(nat.TURNServer, defaultSTUNPort)

	var base net.PacketConn
	switch nat.TURNTransport {
	case engine.TransportTCP:
		c, err := net.DialTimeout("tcp", server, natDialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dial turn server: %w", err)
		}
		base = turn.NewSTUNConn(c)
	case engine.TransportTLS:
		host, _, _ := net.SplitHostPort(server)
		dialer := &net.Dialer{Timeout: natDialTimeout}
		c, err := tls.DialWithDialer(dialer, "tcp", server, &tls.Config{ServerName: host})
		if err != nil {
			return nil, fmt.Errorf("dial turn server: %w", err)
		}
		base = turn.NewSTUNConn(c)
	default:
		c, err := net.ListenPacket("udp4", "0.0.0.0:0")
		if err != nil {
			return nil, fmt.Errorf("listen for turn: %w", err)
		}
		base = c
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: server,
		TURNServerAddr: server,
		Conn:           base,
		Username:       nat.TURNUsername,
		Password:       nat.TURNPassword,
	})
	if err != nil {
		base.Close()
		return nil, fmt.Errorf("turn client: %w", err)
	}
	if err := client.Listen(); err != nil {
		client.Close()
		base.Close()
		return nil, fmt.Errorf("turn listen: %w", err)
	}
	relay, err := client.Allocate()
	if err != nil {
		client.Close()
		base.Close()
		return nil, fmt.Errorf("turn allocate: %w", err)
	}

	r := &turnRelay{client: client, base: base, conn: relay}
	log.infof("turn", "Relay allocated at %s via %s/%s", relay.LocalAddr(), server, nat.TURNTransport)
	return r, nil
}
