// Package sipua is the telephony engine built on sipgo for signaling and
// the pion RTP stack for media.
//
// One Endpoint owns a single signaling transport, a conference bridge that
// mixes 8 kHz audio in 20 ms frames, and the accounts registered through it.
// Native log lines go to the configured engine.LogSink.
package sipua

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sipcaller/internal/engine"
)

const (
	defaultUserAgent = "sipcaller"
	destroyGrace     = time.Second

	listenReadyTimeout = 2 * time.Second
)

// Engine creates sipgo backed endpoints.
type Engine struct{}

// New returns the engine.
func New() *Engine {
	return &Engine{}
}

// CreateEndpoint implements engine.Engine.
func (e *Engine) CreateEndpoint(cfg engine.EndpointConfig) (engine.Endpoint, error) {
	return NewEndpoint(cfg)
}

type transport struct {
	id        engine.TransportID
	kind      engine.TransportKind
	host      string
	port      int
	stop      context.CancelFunc
	served    chan struct{}
	publicSet bool
}

// Endpoint implements engine.Endpoint.
type Endpoint struct {
	cfg  engine.EndpointConfig
	log  engineLog
	conf *conference

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	ua        *sipgo.UserAgent
	server    *sipgo.Server
	client    *sipgo.Client
	transport *transport
	accounts  []*account
	calls     map[string]*call
	started   bool
	destroyed bool
}

// NewEndpoint creates an endpoint. The signaling stack is created with the
// first transport.
func NewEndpoint(cfg engine.EndpointConfig) (*Endpoint, error) {
	if cfg.LogSink == nil {
		return nil, errors.New("endpoint: log sink is required")
	}
	if cfg.LogLevel < 0 {
		cfg.LogLevel = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	log := engineLog{sink: cfg.LogSink, level: cfg.LogLevel}
	ctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		cfg:    cfg,
		log:    log,
		conf:   newConference(log),
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]*call),
	}
	log.infof("endpoint", "Endpoint created, user agent %s", cfg.UserAgent)
	return ep, nil
}

// CreateTransport binds the signaling listener. Only one transport is
// supported per endpoint.
func (ep *Endpoint) CreateTransport(cfg engine.TransportConfig) (engine.TransportID, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.destroyed {
		return 0, engine.ErrDestroyed
	}
	if ep.transport != nil {
		return 0, errors.New("endpoint: transport already created")
	}

	uaOpts := []sipgo.UserAgentOption{sipgo.WithUserAgent(ep.cfg.UserAgent)}
	if cfg.Kind == engine.TransportTLS {
		uaOpts = append(uaOpts, sipgo.WithUserAgenTLSConfig(&tls.Config{
			InsecureSkipVerify: !cfg.TLSVerifyServer,
		}))
	}
	ua, err := sipgo.NewUA(uaOpts...)
	if err != nil {
		return 0, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return 0, fmt.Errorf("failed to create server: %w", err)
	}

	srv.OnRequest(sip.BYE, ep.handleBYE)
	srv.OnRequest(sip.INVITE, ep.handleINVITE)
	srv.OnRequest(sip.OPTIONS, ep.handleOPTIONS)
	srv.OnRequest(sip.ACK, func(req *sip.Request, tx sip.ServerTransaction) {})

	tp := &transport{id: 1, kind: cfg.Kind, host: cfg.BindAddress, port: cfg.Port}
	clientOpts := []sipgo.ClientOption{sipgo.WithClientHostname(cfg.BindAddress)}

	switch cfg.Kind {
	case engine.TransportUDP, engine.TransportTCP:
		network := cfg.Kind.String()
		if tp.port == 0 {
			if tp.port, err = freePort(network, cfg.BindAddress); err != nil {
				ua.Close()
				return 0, err
			}
		}
		bind := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(tp.port))
		ctx, stop := context.WithCancel(ep.ctx)
		tp.stop = stop
		if tp.served, err = ep.serve(ctx, srv, network, bind); err != nil {
			stop()
			ua.Close()
			return 0, err
		}
		if cfg.Kind == engine.TransportUDP {
			// Requests leave through the listening socket, so the Via
			// sent-by must name it exactly.
			clientOpts = append(clientOpts, sipgo.WithClientPort(tp.port))
		}
	case engine.TransportTLS:
		// Client only: requests from the peer arrive on the connection we
		// opened to it.
		if tp.port == 0 {
			tp.port = 5061
		}
	}

	if cfg.PublicAddress != "" {
		tp.host = cfg.PublicAddress
		tp.publicSet = true
	}

	client, err := sipgo.NewClient(ua, clientOpts...)
	if err != nil {
		if tp.stop != nil {
			tp.stop()
		}
		ua.Close()
		return 0, fmt.Errorf("failed to create client: %w", err)
	}

	ep.ua = ua
	ep.server = srv
	ep.client = client
	ep.transport = tp

	ep.log.infof("transport", "SIP %s transport created, advertising %s:%d (bind %s)",
		strings.ToUpper(cfg.Kind.String()), tp.host, tp.port, net.JoinHostPort(cfg.BindAddress, strconv.Itoa(tp.port)))
	return tp.id, nil
}

// Start resolves the public address via STUN when configured and starts the
// media clock.
func (ep *Endpoint) Start(ctx context.Context) error {
	ep.mu.Lock()
	if ep.destroyed {
		ep.mu.Unlock()
		return engine.ErrDestroyed
	}
	if ep.started {
		ep.mu.Unlock()
		return nil
	}
	tp := ep.transport
	ep.mu.Unlock()

	if len(ep.cfg.STUNServers) > 0 && tp != nil && !tp.publicSet {
		stunCtx, cancel := context.WithTimeout(ctx, natDialTimeout)
		mapped, err := discoverMappedAddress(stunCtx, ep.log, ep.cfg.STUNServers)
		cancel()
		switch {
		case err == nil:
			ep.mu.Lock()
			tp.host = mapped
			ep.mu.Unlock()
		case ep.cfg.STUNIgnoreFailure:
			ep.log.warnf("stun", "STUN failed, continuing with local address: %v", err)
		default:
			return fmt.Errorf("stun: %w", err)
		}
	}

	ep.conf.start()

	ep.mu.Lock()
	ep.started = true
	ep.mu.Unlock()
	ep.log.infof("endpoint", "Endpoint started")
	return nil
}

// UseNullAudioDevice implements engine.Endpoint. The bridge never opens
// sound hardware, so this only records the choice.
func (ep *Endpoint) UseNullAudioDevice() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.destroyed {
		return engine.ErrDestroyed
	}
	ep.log.debugf("endpoint", "Null audio device selected")
	return nil
}

// CreateAccount registers a new account and starts its refresh loop.
func (ep *Endpoint) CreateAccount(ctx context.Context, cfg engine.AccountConfig) (engine.Account, error) {
	ep.mu.Lock()
	if ep.destroyed {
		ep.mu.Unlock()
		return nil, engine.ErrDestroyed
	}
	if ep.transport == nil || ep.transport.id != cfg.TransportID {
		ep.mu.Unlock()
		return nil, fmt.Errorf("account: unknown transport %d", cfg.TransportID)
	}
	ep.mu.Unlock()

	acc, err := newAccount(ep, cfg)
	if err != nil {
		return nil, err
	}
	if err := acc.register(ctx); err != nil {
		acc.stopLoops()
		return nil, err
	}
	acc.startLoops()

	ep.mu.Lock()
	ep.accounts = append(ep.accounts, acc)
	ep.mu.Unlock()
	return acc, nil
}

// CreatePlayer opens a WAV file as a bridge source.
func (ep *Endpoint) CreatePlayer(path string, loop bool) (engine.Player, error) {
	return newPlayer(ep.conf, path, loop)
}

// CreateRecorder creates a bridge sink that writes a WAV file.
func (ep *Endpoint) CreateRecorder(path string) (engine.Recorder, error) {
	return newRecorder(ep.conf, ep.log, path)
}

// CreateFramePort creates a bridge sink that hands each frame to handler.
func (ep *Endpoint) CreateFramePort(name string, handler engine.FrameHandler) (engine.FramePort, error) {
	return newFramePort(ep.conf, name, handler)
}

// Destroy hangs up live calls, unregisters accounts and tears down the
// bridge and transport.
func (ep *Endpoint) Destroy() error {
	ep.mu.Lock()
	if ep.destroyed {
		ep.mu.Unlock()
		return nil
	}
	ep.destroyed = true
	calls := make([]*call, 0, len(ep.calls))
	for _, c := range ep.calls {
		calls = append(calls, c)
	}
	accounts := ep.accounts
	ep.accounts = nil
	ep.mu.Unlock()

	for _, c := range calls {
		_ = c.Hangup()
	}
	for _, c := range calls {
		select {
		case <-c.done:
		case <-time.After(destroyGrace):
			c.disconnect(0, "Endpoint destroyed")
		}
	}
	for _, acc := range accounts {
		if err := acc.Shutdown(); err != nil {
			ep.log.warnf("endpoint", "Account shutdown: %v", err)
		}
	}

	ep.conf.destroy()
	ep.cancel()

	ep.mu.Lock()
	defer ep.mu.Unlock()
	var errs []error
	if ep.transport != nil && ep.transport.served != nil {
		ep.transport.stop()
		select {
		case <-ep.transport.served:
		case <-time.After(destroyGrace):
			ep.log.warnf("transport", "Listener did not stop within %s", destroyGrace)
		}
	}
	if ep.ua != nil {
		if err := ep.ua.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ep.log.infof("endpoint", "Endpoint destroyed")
	return errors.Join(errs...)
}

// serve runs ListenAndServe until ctx ends and returns once the socket is
// registered with the transport layer. The returned channel closes when
// ListenAndServe returns.
func (ep *Endpoint) serve(ctx context.Context, srv *sipgo.Server, network, bind string) (chan struct{}, error) {
	ready := make(chan struct{})
	failed := make(chan error, 1)
	served := make(chan struct{})
	ctx = context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyCtxValue(ready))
	go func() {
		defer close(served)
		err := srv.ListenAndServe(ctx, network, bind)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			ep.log.errorf("transport", "%s listener stopped: %v", strings.ToUpper(network), err)
		}
		failed <- err
	}()

	timeout := time.NewTimer(listenReadyTimeout)
	defer timeout.Stop()
	select {
	case <-ready:
	case err := <-failed:
		return nil, fmt.Errorf("listen %s %s: %w", network, bind, err)
	case <-timeout.C:
		return nil, fmt.Errorf("listen %s %s: not ready after %s", network, bind, listenReadyTimeout)
	}
	if network != "udp" {
		return served, nil
	}

	// The ready signal fires before the socket joins the connection pool.
	// Outbound requests look it up there by the Via address.
	host, _, _ := net.SplitHostPort(bind)
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		return served, nil
	}
	tl := srv.TransportLayer()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if c, err := tl.GetConnection(network, bind); err == nil && c != nil {
			return served, nil
		}
		select {
		case <-tick.C:
		case err := <-failed:
			return nil, fmt.Errorf("listen %s %s: %w", network, bind, err)
		case <-timeout.C:
			return nil, fmt.Errorf("listen %s %s: socket not registered after %s", network, bind, listenReadyTimeout)
		}
	}
}

// freePort asks the kernel for an unused port on host.
func freePort(network, host string) (int, error) {
	addr := net.JoinHostPort(host, "0")
	if network == "udp" {
		conn, err := net.ListenPacket(network, addr)
		if err != nil {
			return 0, fmt.Errorf("listen %s %s: %w", network, addr, err)
		}
		defer conn.Close()
		return conn.LocalAddr().(*net.UDPAddr).Port, nil
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return 0, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// advertised returns the host and port put in Contact and SDP.
func (ep *Endpoint) advertised() (string, int, engine.TransportKind) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.transport == nil {
		return "", 0, engine.TransportUDP
	}
	return ep.transport.host, ep.transport.port, ep.transport.kind
}

func (ep *Endpoint) trackCall(c *call) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.destroyed {
		return engine.ErrDestroyed
	}
	ep.calls[c.id] = c
	return nil
}

func (ep *Endpoint) forgetCall(id string) {
	ep.mu.Lock()
	delete(ep.calls, id)
	ep.mu.Unlock()
}

func (ep *Endpoint) lookupCall(req *sip.Request) *call {
	if req.CallID() == nil {
		return nil
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.calls[req.CallID().Value()]
}

func (ep *Endpoint) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string, body []byte) {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if body != nil {
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
	}
	if err := tx.Respond(res); err != nil {
		ep.log.warnf("sip", "Failed to send %d for %s: %v", code, req.Method, err)
	}
}

func (ep *Endpoint) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	ep.log.wire("RX", req.Source(), req.String())
	c := ep.lookupCall(req)
	if c == nil {
		ep.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
		return
	}
	ep.respond(req, tx, sip.StatusOK, "OK", nil)
	c.remoteHangup()
}

// handleINVITE answers session refreshes for known calls and rejects new
// inbound calls.
func (ep *Endpoint) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	ep.log.wire("RX", req.Source(), req.String())
	c := ep.lookupCall(req)
	if c == nil {
		ep.log.infof("sip", "Rejecting inbound call from %s", req.Source())
		ep.respond(req, tx, 486, "Busy Here", nil)
		return
	}
	ep.respond(req, tx, sip.StatusOK, "OK", c.localSDP)
}

func (ep *Endpoint) handleOPTIONS(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		ep.log.debugf("sip", "Failed to answer OPTIONS: %v", err)
	}
}

var _ engine.Endpoint = (*Endpoint)(nil)
