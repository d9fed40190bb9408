package sipua

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/require"

	"github.com/sebas/sipcaller/internal/engine"
)

const (
	uasRealm    = "sipcaller.test"
	uasNonce    = "7c1e5bd2a0f4"
	uasUser     = "1001"
	uasPassword = "secret"
	waitTimeout = 3 * time.Second
)

// inviteBehavior scripts how the loopback peer treats an INVITE.
type inviteBehavior func(u *testUAS, req *sip.Request, tx sip.ServerTransaction)

// testUAS is a loopback SIP peer acting as registrar and callee.
type testUAS struct {
	network string
	port    int
	tag     string
	ua      *sipgo.UserAgent
	client  *sipgo.Client
	rtp     net.PacketConn
	invite  inviteBehavior
	stop    chan struct{}

	mu       sync.Mutex
	requests []*sip.Request
	invites  []*sip.Request
}

func newTestUAS(t *testing.T, network string, invite inviteBehavior) *testUAS {
	t.Helper()

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("loopback-uas"))
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)
	port, err := freePort(network, "127.0.0.1")
	require.NoError(t, err)

	clientOpts := []sipgo.ClientOption{sipgo.WithClientHostname("127.0.0.1")}
	if network == "udp" {
		clientOpts = append(clientOpts, sipgo.WithClientPort(port))
	}
	client, err := sipgo.NewClient(ua, clientOpts...)
	require.NoError(t, err)
	rtp, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	u := &testUAS{
		network: network,
		port:    port,
		tag:     generateTag(),
		ua:      ua,
		client:  client,
		rtp:     rtp,
		invite:  invite,
		stop:    make(chan struct{}),
	}
	srv.OnRegister(u.onRegister)
	srv.OnInvite(u.onInvite)
	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) { u.record(req) })
	srv.OnBye(u.onBye)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	failed := make(chan error, 1)
	go func() {
		failed <- srv.ListenAndServe(context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyCtxValue(ready)), network, u.addr())
	}()
	select {
	case <-ready:
	case err := <-failed:
		t.Fatalf("uas listen: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("uas listener not ready")
	}
	if network == "udp" {
		require.Eventually(t, func() bool {
			c, err := ua.TransportLayer().GetConnection(network, u.addr())
			return err == nil && c != nil
		}, waitTimeout, 5*time.Millisecond)
	}

	t.Cleanup(func() {
		close(u.stop)
		cancel()
		ua.Close()
		rtp.Close()
	})
	return u
}

func (u *testUAS) addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(u.port))
}

// uri returns a SIP URI for user at the peer.
func (u *testUAS) uri(user string) string {
	s := "sip:"
	if user != "" {
		s += user + "@"
	}
	s += u.addr()
	if u.network != "udp" {
		s += ";transport=" + u.network
	}
	return s
}

func (u *testUAS) record(req *sip.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, req)
}

// received returns the requests of one method in arrival order.
func (u *testUAS) received(method sip.RequestMethod) []*sip.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*sip.Request
	for _, r := range u.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (u *testUAS) waitFor(t *testing.T, method sip.RequestMethod, n int) []*sip.Request {
	t.Helper()
	require.Eventually(t, func() bool { return len(u.received(method)) >= n },
		waitTimeout, 10*time.Millisecond, "peer expected %d %s", n, method)
	return u.received(method)
}

// reply builds a response carrying the peer's dialog tag.
func (u *testUAS) reply(req *sip.Request, code sip.StatusCode, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if code > 100 {
		res.To().Params.Add("tag", u.tag)
	}
	return res
}

// send ignores write errors; the dialer side asserts on what arrives.
func (u *testUAS) send(tx sip.ServerTransaction, res *sip.Response) {
	_ = tx.Respond(res)
}

func (u *testUAS) challenge() *digest.Challenge {
	return &digest.Challenge{Realm: uasRealm, Nonce: uasNonce, Algorithm: "MD5"}
}

func (u *testUAS) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	u.record(req)
	h := req.GetHeader("Authorization")
	if h == nil {
		res := u.reply(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", u.challenge().String()))
		u.send(tx, res)
		return
	}
	cred, err := digest.ParseCredentials(h.Value())
	if err != nil || !u.authorized(req, cred) {
		u.send(tx, u.reply(req, 403, "Forbidden", nil))
		return
	}
	res := u.reply(req, sip.StatusOK, "OK", nil)
	if exp := req.GetHeader("Expires"); exp != nil {
		res.AppendHeader(sip.NewHeader("Expires", exp.Value()))
	}
	u.send(tx, res)
}

func (u *testUAS) authorized(req *sip.Request, cred *digest.Credentials) bool {
	if cred.Username != uasUser || cred.URI != req.Recipient.String() {
		return false
	}
	want, err := digest.Digest(u.challenge(), digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: uasUser,
		Password: uasPassword,
	})
	return err == nil && want.Response == cred.Response
}

func (u *testUAS) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	u.record(req)
	u.mu.Lock()
	u.invites = append(u.invites, req)
	u.mu.Unlock()
	u.invite(u, req, tx)
}

func (u *testUAS) onBye(req *sip.Request, tx sip.ServerTransaction) {
	u.record(req)
	u.send(tx, u.reply(req, sip.StatusOK, "OK", nil))
}

func (u *testUAS) answerSDP() []byte {
	port := u.rtp.LocalAddr().(*net.UDPAddr).Port
	return []byte("v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 127.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio " + strconv.Itoa(port) + " RTP/AVP 0 101\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=rtpmap:101 telephone-event/8000\r\n" +
		"a=sendrecv\r\n")
}

// answerCall rings briefly, then answers with PCMU.
func answerCall(u *testUAS, req *sip.Request, tx sip.ServerTransaction) {
	u.send(tx, u.reply(req, sip.StatusRinging, "Ringing", nil))
	time.Sleep(20 * time.Millisecond)
	res := u.reply(req, sip.StatusOK, "OK", u.answerSDP())
	ct := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&ct)
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", Host: "127.0.0.1", Port: u.port}})
	u.send(tx, res)
}

// ringForever rings until the INVITE is cancelled. The transaction layer
// answers the CANCEL and sends the 487.
func ringForever(u *testUAS, req *sip.Request, tx sip.ServerTransaction) {
	u.send(tx, u.reply(req, sip.StatusRinging, "Ringing", nil))
	select {
	case <-tx.Done():
	case <-u.stop:
	}
}

func rejectCall(code sip.StatusCode, reason string) inviteBehavior {
	return func(u *testUAS, req *sip.Request, tx sip.ServerTransaction) {
		u.send(tx, u.reply(req, code, reason, nil))
	}
}

// sendBYE ends the last answered call from the peer side.
func (u *testUAS) sendBYE(t *testing.T) *sip.Response {
	t.Helper()
	u.mu.Lock()
	invites := append([]*sip.Request(nil), u.invites...)
	u.mu.Unlock()
	require.NotEmpty(t, invites)
	inv := invites[len(invites)-1]

	contact := inv.Contact()
	require.NotNil(t, contact)
	bye := sip.NewRequest(sip.BYE, contact.Address)
	fromParams := sip.NewParams()
	fromParams.Add("tag", u.tag)
	bye.AppendHeader(&sip.FromHeader{Address: inv.To().Address, Params: fromParams})
	bye.AppendHeader(&sip.ToHeader{Address: inv.From().Address, Params: inv.From().Params})
	sip.CopyHeaders("Call-ID", inv, bye)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := u.client.Do(ctx, bye)
	require.NoError(t, err)
	return res
}

// callRecorder is an engine.CallHandler that queues every callback.
type callRecorder struct {
	states chan engine.CallInfo
	media  chan []engine.MediaInfo
}

func newCallRecorder() *callRecorder {
	return &callRecorder{
		states: make(chan engine.CallInfo, 32),
		media:  make(chan []engine.MediaInfo, 8),
	}
}

func (r *callRecorder) OnStateChanged(_ engine.Call, info engine.CallInfo) { r.states <- info }

func (r *callRecorder) OnMediaState(_ engine.Call, media []engine.MediaInfo) { r.media <- media }

// waitState skips callbacks until state is reported.
func (r *callRecorder) waitState(t *testing.T, state engine.CallState) engine.CallInfo {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case info := <-r.states:
			if info.State == state {
				return info
			}
		case <-deadline:
			t.Fatalf("call never reached %s", state)
			return engine.CallInfo{}
		}
	}
}

func (r *callRecorder) waitMedia(t *testing.T) []engine.MediaInfo {
	t.Helper()
	select {
	case m := <-r.media:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("no media callback")
		return nil
	}
}

// dialer returns a started endpoint and an account registered at u.
func dialer(t *testing.T, u *testUAS) (*Endpoint, engine.Account, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	ep, err := NewEndpoint(engine.EndpointConfig{LogSink: sink, LogLevel: engine.LevelWire})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Destroy() })

	kind, err := engine.ParseTransportKind(u.network)
	require.NoError(t, err)
	id, err := ep.CreateTransport(engine.TransportConfig{Kind: kind, BindAddress: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, ep.Start(context.Background()))

	acc, err := ep.CreateAccount(context.Background(), engine.AccountConfig{
		IDURI:        "sip:" + uasUser + "@127.0.0.1",
		RegistrarURI: u.uri(""),
		TransportID:  id,
		Credentials:  engine.Credentials{Username: uasUser, Password: uasPassword},
		Media:        engine.MediaTransportConfig{BindAddress: "127.0.0.1"},
	})
	require.NoError(t, err)
	return ep, acc, sink
}
