package sipua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/sipcaller/internal/audio"
	"github.com/sebas/sipcaller/internal/engine"
)

const (
	cancelWait   = 5 * time.Second
	byeTimeout   = 5 * time.Second
	reasonNormal = "Normal call clearing"
)

// call is one outbound INVITE session.
type call struct {
	acc     *account
	ep      *Endpoint
	log     engineLog
	handler engine.CallHandler

	id       string
	localTag string
	target   sip.Uri
	invite   *sip.Request
	localSDP []byte
	localKey *sdesKey

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	// hangupCh is closed when a local hangup is requested before answer.
	hangupCh chan struct{}

	stream  *rtpStream
	relay   *turnRelay
	rtpPort int

	mu           sync.Mutex
	state        engine.CallState
	code         int
	reason       string
	media        []engine.MediaInfo
	mediaHandle  *bridgeHandle
	remoteTag    string
	remoteTarget sip.Uri
	signalDest   string
	routes       []string
	cseq         uint32
	hangupAsked  bool
	byeSent      bool
}

func newCall(ctx context.Context, acc *account, target sip.Uri, handler engine.CallHandler) (*call, error) {
	ep := acc.ep
	cctx, cancel := context.WithCancel(ep.ctx)
	c := &call{
		acc:      acc,
		ep:       ep,
		log:      ep.log,
		handler:  handler,
		id:       uuid.New().String(),
		localTag: generateTag(),
		target:   target,
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		hangupCh: make(chan struct{}),
		state:    engine.CallStateNull,
		cseq:     1,
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}
	if err := c.setupMedia(); err != nil {
		cancel()
		return nil, err
	}
	invite, err := c.buildINVITE()
	if err != nil {
		c.releaseMedia()
		cancel()
		return nil, err
	}
	c.invite = invite
	return c, nil
}

// setupMedia binds the RTP socket (or TURN relay) and builds the offer.
func (c *call) setupMedia() error {
	host, _, _ := c.ep.advertised()
	cfg := c.acc.cfg

	var conn net.PacketConn
	offerAddr, offerPort := host, 0
	if cfg.NAT.TURNEnabled {
		relay, err := allocateRelay(c.log, cfg.NAT)
		if err != nil {
			return fmt.Errorf("media relay: %w", err)
		}
		c.relay = relay
		conn = relay.conn
		if addr := relay.relayedAddr(); addr != nil {
			offerAddr, offerPort = addr.IP.String(), addr.Port
		}
	} else {
		port, err := c.acc.pool.Allocate()
		if err != nil {
			return fmt.Errorf("media port: %w", err)
		}
		bind := net.JoinHostPort(cfg.Media.BindAddress, strconv.Itoa(port))
		udp, err := net.ListenPacket("udp", bind)
		if err != nil {
			c.acc.pool.Release(port)
			return fmt.Errorf("listen rtp %s: %w", bind, err)
		}
		c.rtpPort = port
		conn = udp
		offerPort = udp.LocalAddr().(*net.UDPAddr).Port
		if cfg.Media.PublicAddress != "" {
			offerAddr = cfg.Media.PublicAddress
		}
	}

	c.stream = newRTPStream(c.log, conn, audio.CodecPCMU)

	offer := mediaOffer{Address: offerAddr, Port: offerPort}
	if cfg.SRTP != engine.SRTPDisabled {
		key, err := newSDESKey(1)
		if err != nil {
			c.releaseMedia()
			return err
		}
		c.localKey = &key
		offer.Crypto = &key
		offer.SecureProfile = cfg.SRTP == engine.SRTPMandatory
	}
	body, err := buildOffer(offer)
	if err != nil {
		c.releaseMedia()
		return fmt.Errorf("build offer: %w", err)
	}
	c.localSDP = body
	c.log.debugf("media", "RTP bound to %s, offering %s:%d srtp=%s",
		conn.LocalAddr(), offerAddr, offerPort, cfg.SRTP)
	return nil
}

func (c *call) buildINVITE() (*sip.Request, error) {
	invite := sip.NewRequest(sip.INVITE, c.target)
	invite.SetTransport(c.acc.transportName())

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.localTag)
	invite.AppendHeader(&sip.FromHeader{Address: c.acc.aor, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: c.target, Params: sip.NewParams()})

	callID := sip.CallIDHeader(c.id)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: c.acc.contactURI()})
	invite.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))

	ct := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&ct)
	invite.SetBody(c.localSDP)
	return invite, nil
}

func (c *call) ID() string { return c.id }

func (c *call) Info() engine.CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked()
}

func (c *call) infoLocked() engine.CallInfo {
	media := make([]engine.MediaInfo, len(c.media))
	copy(media, c.media)
	return engine.CallInfo{
		State:          c.state,
		StateText:      c.state.String(),
		LastStatusCode: c.code,
		LastReason:     c.reason,
		Media:          media,
	}
}

// AudioMedia returns the bridge port of the call's audio stream.
func (c *call) AudioMedia(index int) (engine.AudioMedia, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index != 0 || c.mediaHandle == nil {
		return nil, fmt.Errorf("call %s: no active audio media at index %d", c.id, index)
	}
	return c.mediaHandle, nil
}

// setState records a transition and reports it outside the lock.
func (c *call) setState(state engine.CallState, code int, reason string) {
	c.mu.Lock()
	if c.state == engine.CallStateDisconnected || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	if code != 0 {
		c.code = code
		c.reason = reason
	}
	info := c.infoLocked()
	c.mu.Unlock()

	c.log.infof("call", "Call %s state changed to %s (%d %s)", c.id, state, info.LastStatusCode, info.LastReason)
	c.handler.OnStateChanged(c, info)
}

// run drives the INVITE transaction to a final response.
func (c *call) run() {
	c.setState(engine.CallStateCalling, 0, "")

	authTried := false
	for {
		tx, err := c.ep.client.TransactionRequest(c.ctx, c.invite, sipgo.ClientRequestBuild)
		if err != nil {
			c.log.errorf("call", "INVITE failed: %v", err)
			c.disconnect(503, "Transaction failed")
			return
		}
		c.log.wire("TX", c.invite.Destination(), c.invite.String())
		c.log.infof("call", "INVITE sent to %s", c.target.String())

		retry, finished := c.awaitFinal(tx, &authTried)
		tx.Terminate()
		if finished {
			return
		}
		if !retry {
			c.disconnect(408, statusReason(408, "Request Timeout"))
			return
		}
	}
}

// awaitFinal consumes responses of one INVITE transaction. It returns
// retry=true when the INVITE was re-authorised and must be resent.
func (c *call) awaitFinal(tx sip.ClientTransaction, authTried *bool) (retry, finished bool) {
	var cancelDeadline <-chan time.Time
	hangupCh := c.hangupCh
	for {
		select {
		case <-c.ctx.Done():
			c.disconnect(0, "Endpoint destroyed")
			return false, true

		case <-hangupCh:
			hangupCh = nil
			c.sendCANCEL()
			cancelDeadline = time.After(cancelWait)

		case <-cancelDeadline:
			c.disconnect(487, statusReason(487, "Request Terminated"))
			return false, true

		case res := <-tx.Responses():
			if res == nil {
				return false, false
			}
			c.log.wire("RX", res.Source(), res.String())
			if done := c.handleResponse(res, authTried, &retry); done || retry {
				return retry, done
			}

		case <-tx.Done():
			return false, false
		}
	}
}

func (c *call) handleResponse(res *sip.Response, authTried *bool, retry *bool) bool {
	code := int(res.StatusCode)
	switch {
	case code == 100:
		c.log.tracef("call", "100 Trying")
		return false

	case code < 200:
		c.setState(engine.CallStateEarly, code, res.Reason)
		return false

	case code < 300:
		c.handle2xx(res)
		return true

	case needsAuth(res) && !*authTried && c.acc.cfg.Credentials.Username != "":
		*authTried = true
		if err := authorize(c.invite, res, c.acc.cfg.Credentials); err != nil {
			c.log.errorf("call", "Authentication failed: %v", err)
			c.disconnect(code, statusReason(code, res.Reason))
			return true
		}
		c.mu.Lock()
		c.cseq = c.invite.CSeq().SeqNo
		c.mu.Unlock()
		*retry = true
		return false

	default:
		c.log.infof("call", "Call rejected: %d %s", code, res.Reason)
		c.disconnect(code, statusReason(code, res.Reason))
		return true
	}
}

// statusReason is the disconnect reason reported for a final failure
// response, e.g. "486 Busy Here".
func statusReason(code int, reason string) string {
	return strconv.Itoa(code) + " " + reason
}

// handle2xx acknowledges the answer and brings up media.
func (c *call) handle2xx(res *sip.Response) {
	c.mu.Lock()
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	c.remoteTarget = c.invite.Recipient
	if contact := res.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	}
	c.signalDest = responseSource(res, c.remoteTarget)
	c.routes = nil
	rr := res.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		c.routes = append(c.routes, rr[i].Value())
	}
	cancelled := c.hangupAsked
	c.mu.Unlock()

	c.setState(engine.CallStateConnecting, int(res.StatusCode), res.Reason)
	if err := c.sendACK(res); err != nil {
		c.log.errorf("call", "Failed to send ACK: %v", err)
	}
	c.setState(engine.CallStateConfirmed, int(res.StatusCode), res.Reason)

	if cancelled {
		// answered while our CANCEL was in flight
		c.sendBYE()
		return
	}

	if err := c.startMedia(res.Body()); err != nil {
		c.log.errorf("media", "Media setup failed: %v", err)
		c.mu.Lock()
		c.media = []engine.MediaInfo{{Index: 0, Type: engine.MediaTypeAudio, Status: engine.MediaStatusError}}
		media := append([]engine.MediaInfo(nil), c.media...)
		c.mu.Unlock()
		c.handler.OnMediaState(c, media)
		c.sendBYE()
	}
}

// responseSource picks where in-dialog requests go: the address the answer
// came from, then the Via received/rport, then the remote target.
func responseSource(res *sip.Response, target sip.Uri) string {
	if src := res.Source(); src != "" {
		return src
	}
	if via := res.Via(); via != nil {
		host, port := via.Host, via.Port
		if received, ok := via.Params.Get("received"); ok {
			host = received
		}
		if rport, ok := via.Params.Get("rport"); ok {
			if p, err := strconv.Atoi(rport); err == nil {
				port = p
			}
		}
		if port == 0 {
			port = 5060
		}
		return net.JoinHostPort(host, strconv.Itoa(port))
	}
	port := target.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(target.Host, strconv.Itoa(port))
}

func (c *call) startMedia(body []byte) error {
	ans, err := parseAnswer(body)
	if err != nil {
		return err
	}
	remote, err := ans.udpAddr()
	if err != nil {
		return err
	}

	policy := c.acc.cfg.SRTP
	secure := false
	switch {
	case ans.Crypto != nil && c.localKey != nil:
		out, in, err := srtpContexts(*c.localKey, *ans.Crypto)
		if err != nil {
			return err
		}
		c.stream.setSRTP(out, in)
		secure = true
	case policy == engine.SRTPMandatory:
		return errors.New("srtp is mandatory but the answer carries no usable crypto")
	}

	c.stream.setRemote(remote, ans.Codec)
	id, err := c.ep.conf.add("call:"+c.id, c.stream)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.stream.run(gctx) })

	status := engine.MediaStatusActive
	if ans.Direction == engine.DirectionSendOnly || ans.Direction == engine.DirectionInactive {
		status = engine.MediaStatusRemoteHold
	}
	info := engine.MediaInfo{
		Index:     0,
		Type:      engine.MediaTypeAudio,
		Status:    status,
		Direction: ans.Direction,
		Codec:     ans.Codec.Name,
		Secure:    secure,
	}

	c.mu.Lock()
	c.group = g
	c.mediaHandle = &bridgeHandle{conf: c.ep.conf, id: id}
	c.media = []engine.MediaInfo{info}
	media := append([]engine.MediaInfo(nil), c.media...)
	c.mu.Unlock()

	c.log.infof("media", "Audio active: %s to %s, srtp=%t", ans.Codec.Name, remote, secure)
	c.handler.OnMediaState(c, media)
	return nil
}

func (c *call) newInDialogRequest(method sip.RequestMethod) *sip.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := sip.NewRequest(method, c.remoteTarget)
	req.SetTransport(c.acc.transportName())
	for _, r := range c.routes {
		req.AppendHeader(sip.NewHeader("Route", r))
	}
	sip.CopyHeaders("From", c.invite, req)
	if to := c.invite.To(); to != nil {
		toHdr := &sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: sip.NewParams()}
		if c.remoteTag != "" {
			toHdr.Params.Add("tag", c.remoteTag)
		}
		req.AppendHeader(toHdr)
	}
	sip.CopyHeaders("Call-ID", c.invite, req)

	seq := c.cseq
	if method != sip.ACK {
		c.cseq++
		seq = c.cseq
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.SetDestination(c.signalDest)
	return req
}

// sendACK acknowledges a 2xx outside the INVITE transaction.
func (c *call) sendACK(res *sip.Response) error {
	ack := c.newInDialogRequest(sip.ACK)
	c.log.wire("TX", ack.Destination(), ack.String())
	if err := c.ep.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("write ACK: %w", err)
	}
	c.log.debugf("call", "ACK sent to %s", ack.Destination())
	return nil
}

func (c *call) sendCANCEL() {
	cancelReq := sip.NewRequest(sip.CANCEL, c.invite.Recipient)
	cancelReq.SetTransport(c.acc.transportName())
	sip.CopyHeaders("Via", c.invite, cancelReq)
	sip.CopyHeaders("From", c.invite, cancelReq)
	sip.CopyHeaders("To", c.invite, cancelReq)
	sip.CopyHeaders("Call-ID", c.invite, cancelReq)
	if cseq := c.invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(c.ctx, cancelWait)
	defer cancel()
	res, err := c.ep.roundTrip(ctx, cancelReq)
	if err != nil {
		c.log.warnf("call", "CANCEL failed: %v", err)
		return
	}
	c.log.infof("call", "CANCEL answered %d %s", res.StatusCode, res.Reason)
}

// sendBYE ends a confirmed call and reports the disconnect.
func (c *call) sendBYE() {
	c.mu.Lock()
	if c.byeSent || c.state == engine.CallStateDisconnected {
		c.mu.Unlock()
		return
	}
	c.byeSent = true
	c.mu.Unlock()

	bye := c.newInDialogRequest(sip.BYE)
	c.log.infof("call", "Sending BYE for %s", c.id)

	ctx, cancel := context.WithTimeout(c.ctx, byeTimeout)
	res, err := c.ep.doAuthenticated(ctx, bye, c.acc.cfg.Credentials)
	cancel()
	switch {
	case err != nil:
		c.log.warnf("call", "BYE failed: %v", err)
	default:
		c.log.debugf("call", "BYE answered %d %s", res.StatusCode, res.Reason)
	}
	c.disconnect(200, reasonNormal)
}

// Hangup ends the call: CANCEL while ringing, BYE once answered.
func (c *call) Hangup() error {
	c.mu.Lock()
	state := c.state
	switch state {
	case engine.CallStateDisconnected:
		c.mu.Unlock()
		return nil
	case engine.CallStateNull, engine.CallStateCalling, engine.CallStateEarly:
		if !c.hangupAsked {
			c.hangupAsked = true
			close(c.hangupCh)
		}
		c.mu.Unlock()
		return nil
	}
	c.hangupAsked = true
	c.mu.Unlock()

	go c.sendBYE()
	return nil
}

// remoteHangup handles an in-dialog BYE from the peer.
func (c *call) remoteHangup() {
	c.log.infof("call", "BYE received for %s", c.id)
	c.mu.Lock()
	c.byeSent = true
	c.mu.Unlock()
	c.disconnect(200, reasonNormal)
}

// disconnect moves the call to DISCONNECTED once and frees its media.
func (c *call) disconnect(code int, reason string) {
	c.mu.Lock()
	if c.state == engine.CallStateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = engine.CallStateDisconnected
	c.code = code
	c.reason = reason
	for i := range c.media {
		c.media[i].Status = engine.MediaStatusNone
	}
	info := c.infoLocked()
	handle := c.mediaHandle
	c.mediaHandle = nil
	group := c.group
	c.mu.Unlock()

	if handle != nil {
		c.ep.conf.remove(handle.id, false)
	}
	c.releaseMedia()
	c.cancel()
	if group != nil {
		go func() {
			if err := group.Wait(); err != nil {
				c.log.warnf("media", "RTP reader for %s stopped: %v", c.id, err)
			}
		}()
	}
	c.ep.forgetCall(c.id)
	close(c.done)

	c.log.infof("call", "Call %s disconnected: %d %s", c.id, info.LastStatusCode, info.LastReason)
	c.handler.OnStateChanged(c, info)
}

func (c *call) releaseMedia() {
	if c.stream != nil {
		_ = c.stream.close()
	}
	if c.relay != nil {
		_ = c.relay.close()
		c.relay = nil
	}
	if c.rtpPort != 0 {
		c.acc.pool.Release(c.rtpPort)
		c.rtpPort = 0
	}
}

var _ engine.Call = (*call)(nil)
