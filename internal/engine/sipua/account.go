package sipua

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/sipcaller/internal/engine"
)

const (
	registerExpires  = 300
	registerTimeout  = 10 * time.Second
	registerRetry    = 30 * time.Second
	minRefresh       = 5 * time.Second
	unregisterWindow = 3 * time.Second
)

// RegistrationError carries the registrar's final response.
type RegistrationError struct {
	StatusCode int
	Reason     string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected: %d %s", e.StatusCode, e.Reason)
}

type account struct {
	ep  *Endpoint
	cfg engine.AccountConfig
	log engineLog

	aor       sip.Uri
	registrar sip.Uri
	callID    string
	fromTag   string
	pool      *portPool

	mu         sync.Mutex
	cseq       uint32
	registered bool
	granted    time.Duration
	shutdown   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func newAccount(ep *Endpoint, cfg engine.AccountConfig) (*account, error) {
	a := &account{
		ep:      ep,
		cfg:     cfg,
		log:     ep.log,
		callID:  uuid.New().String(),
		fromTag: generateTag(),
		pool:    newPortPool(cfg.Media.PortMin, cfg.Media.PortMax),
		stop:    make(chan struct{}),
	}
	if err := sip.ParseUri(cfg.IDURI, &a.aor); err != nil {
		return nil, fmt.Errorf("invalid account URI %q: %w", cfg.IDURI, err)
	}
	if err := sip.ParseUri(cfg.RegistrarURI, &a.registrar); err != nil {
		return nil, fmt.Errorf("invalid registrar URI %q: %w", cfg.RegistrarURI, err)
	}
	if cfg.NAT.ICEEnabled {
		a.log.warnf("account", "ICE requested but not supported, media uses direct RTP")
	}
	return a, nil
}

func (a *account) nextCSeq() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cseq++
	return a.cseq
}

// sentCSeq keeps the counter ahead of a CSeq bumped by a digest retry.
func (a *account) sentCSeq(req *sip.Request) {
	cseq := req.CSeq()
	if cseq == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if cseq.SeqNo > a.cseq {
		a.cseq = cseq.SeqNo
	}
}

func (a *account) scheme() string {
	if a.cfg.SecureSignaling {
		return "sips"
	}
	return "sip"
}

func (a *account) contactURI() sip.Uri {
	host, port, kind := a.ep.advertised()
	uri := sip.Uri{
		Scheme: a.scheme(),
		User:   a.aor.User,
		Host:   host,
		Port:   port,
	}
	if kind != engine.TransportUDP {
		uri.UriParams = sip.NewParams()
		uri.UriParams.Add("transport", kind.String())
	}
	return uri
}

func (a *account) transportName() string {
	_, _, kind := a.ep.advertised()
	return strings.ToUpper(kind.String())
}

func (a *account) buildRegister(expires int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, a.registrar)
	req.SetTransport(a.transportName())

	fromParams := sip.NewParams()
	fromParams.Add("tag", a.fromTag)
	req.AppendHeader(&sip.FromHeader{Address: a.aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: a.aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(a.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: a.nextCSeq(), MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: a.contactURI()})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req
}

// register sends REGISTER and records the granted interval.
func (a *account) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	req := a.buildRegister(registerExpires)
	a.log.infof("registrar", "Registering %s at %s", a.aor.String(), a.registrar.String())
	res, err := a.ep.doAuthenticated(ctx, req, a.cfg.Credentials)
	a.sentCSeq(req)
	if err != nil {
		return fmt.Errorf("register %s: %w", a.aor.String(), err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		a.log.errorf("registrar", "Registration failed: %d %s", res.StatusCode, res.Reason)
		return &RegistrationError{StatusCode: int(res.StatusCode), Reason: res.Reason}
	}

	granted := grantedExpires(res, registerExpires)
	a.mu.Lock()
	a.registered = true
	a.granted = granted
	a.mu.Unlock()
	a.log.infof("registrar", "Registration successful, expires in %s", granted)
	return nil
}

// grantedExpires reads the interval from the Contact expires parameter or
// the Expires header.
func grantedExpires(res *sip.Response, fallback int) time.Duration {
	seconds := fallback
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			seconds = v
		}
	}
	if c := res.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				seconds = n
			}
		}
	}
	return time.Duration(seconds) * time.Second
}

func (a *account) refreshInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.granted / 2
	if d < minRefresh {
		d = minRefresh
	}
	return d
}

// startLoops runs registration refresh and the optional keepalive.
func (a *account) startLoops() {
	a.wg.Add(1)
	go a.refreshLoop()
	if a.cfg.NAT.KeepaliveInterval > 0 {
		a.wg.Add(1)
		go a.keepaliveLoop(a.cfg.NAT.KeepaliveInterval)
	}
}

func (a *account) stopLoops() {
	a.mu.Lock()
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *account) refreshLoop() {
	defer a.wg.Done()
	timer := time.NewTimer(a.refreshInterval())
	defer timer.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-timer.C:
			if err := a.register(a.ep.ctx); err != nil {
				a.log.errorf("registrar", "Refresh failed: %v", err)
				timer.Reset(registerRetry)
				continue
			}
			timer.Reset(a.refreshInterval())
		}
	}
}

func (a *account) keepaliveLoop(interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.sendKeepalive()
		}
	}
}

func (a *account) sendKeepalive() {
	req := sip.NewRequest(sip.OPTIONS, a.registrar)
	req.SetTransport(a.transportName())
	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	req.AppendHeader(&sip.FromHeader{Address: a.aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: a.registrar, Params: sip.NewParams()})
	callID := sip.CallIDHeader(uuid.New().String())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if data := a.cfg.NAT.KeepaliveData; data != "" {
		req.AppendHeader(sip.NewHeader("Subject", data))
	}

	ctx, cancel := context.WithTimeout(a.ep.ctx, registerTimeout)
	defer cancel()
	res, err := a.ep.roundTrip(ctx, req)
	if err != nil {
		a.log.warnf("keepalive", "OPTIONS to %s failed: %v", a.registrar.String(), err)
		return
	}
	a.log.tracef("keepalive", "OPTIONS answered %d %s", res.StatusCode, res.Reason)
}

// Shutdown stops refreshing and unregisters best-effort.
func (a *account) Shutdown() error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	registered := a.registered
	a.mu.Unlock()

	a.stopLoops()
	if !registered {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), unregisterWindow)
	defer cancel()
	req := a.buildRegister(0)
	res, err := a.ep.doAuthenticated(ctx, req, a.cfg.Credentials)
	a.sentCSeq(req)
	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	if res.StatusCode >= 300 {
		return &RegistrationError{StatusCode: int(res.StatusCode), Reason: res.Reason}
	}
	a.log.infof("registrar", "Unregistered %s", a.aor.String())
	return nil
}

// MakeCall sends an INVITE. The call proceeds on its own goroutine and
// reports through handler.
func (a *account) MakeCall(ctx context.Context, destURI string, handler engine.CallHandler) (engine.Call, error) {
	if handler == nil {
		return nil, errors.New("make call: nil handler")
	}
	a.mu.Lock()
	shut := a.shutdown
	a.mu.Unlock()
	if shut {
		return nil, engine.ErrDestroyed
	}

	var target sip.Uri
	if err := sip.ParseUri(destURI, &target); err != nil {
		return nil, fmt.Errorf("invalid destination %q: %w", destURI, err)
	}

	c, err := newCall(ctx, a, target, handler)
	if err != nil {
		return nil, err
	}
	if err := a.ep.trackCall(c); err != nil {
		c.releaseMedia()
		return nil, err
	}
	go c.run()
	return c, nil
}

func generateTag() string {
	return uuid.New().String()[:8]
}

var _ engine.Account = (*account)(nil)
