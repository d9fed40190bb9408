package caller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/sipcaller/internal/audio"
	"github.com/sebas/sipcaller/internal/config"
	"github.com/sebas/sipcaller/internal/engine"
)

// fakeEngine is an in-memory engine. Each test scripts the remote party by
// setting fakeAccount.script, which runs on its own goroutine the way engine
// callbacks do.
type fakeEngine struct {
	ep          *fakeEndpoint
	endpointErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{ep: &fakeEndpoint{account: &fakeAccount{}}}
}

func (e *fakeEngine) CreateEndpoint(cfg engine.EndpointConfig) (engine.Endpoint, error) {
	if e.endpointErr != nil {
		return nil, e.endpointErr
	}
	e.ep.mu.Lock()
	e.ep.cfg = cfg
	e.ep.mu.Unlock()
	return e.ep, nil
}

type fakeEndpoint struct {
	mu         sync.Mutex
	cfg        engine.EndpointConfig
	transport  engine.TransportConfig
	acctCfg    engine.AccountConfig
	started    bool
	nullAudio  bool
	destroyed  int
	accountErr error
	players    []*fakePort
	recorders  []*fakePort
	frames     []*fakePort
	nextPort   int
	account    *fakeAccount
}

func (e *fakeEndpoint) port(kind string) *fakePort {
	e.nextPort++
	return &fakePort{id: e.nextPort, kind: kind}
}

func (e *fakeEndpoint) CreateTransport(cfg engine.TransportConfig) (engine.TransportID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transport = cfg
	return 1, nil
}

func (e *fakeEndpoint) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return nil
}

func (e *fakeEndpoint) UseNullAudioDevice() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nullAudio = true
	return nil
}

func (e *fakeEndpoint) CreateAccount(_ context.Context, cfg engine.AccountConfig) (engine.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.accountErr != nil {
		return nil, e.accountErr
	}
	e.acctCfg = cfg
	e.account.ep = e
	return e.account, nil
}

func (e *fakeEndpoint) CreatePlayer(path string, loop bool) (engine.Player, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.port("player:" + filepath.Base(path))
	e.players = append(e.players, p)
	return p, nil
}

func (e *fakeEndpoint) CreateRecorder(path string) (engine.Recorder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.port("recorder:" + filepath.Base(path))
	e.recorders = append(e.recorders, p)
	return p, nil
}

func (e *fakeEndpoint) CreateFramePort(name string, h engine.FrameHandler) (engine.FramePort, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.port("frames:" + name)
	p.handler = h
	e.frames = append(e.frames, p)
	return p, nil
}

func (e *fakeEndpoint) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed++
	return nil
}

func (e *fakeEndpoint) framePort() *fakePort {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.frames) == 0 {
		return nil
	}
	return e.frames[len(e.frames)-1]
}

func (e *fakeEndpoint) lastPlayer() *fakePort {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.players) == 0 {
		return nil
	}
	return e.players[len(e.players)-1]
}

type fakeAccount struct {
	ep        *fakeEndpoint
	script    func(c *fakeCall)
	makeErr   error
	mu        sync.Mutex
	calls     []*fakeCall
	shutdowns int
}

func (a *fakeAccount) MakeCall(_ context.Context, uri string, h engine.CallHandler) (engine.Call, error) {
	if a.makeErr != nil {
		return nil, a.makeErr
	}
	a.mu.Lock()
	c := &fakeCall{
		id:               fmt.Sprintf("call-%d", len(a.calls)+1),
		uri:              uri,
		handler:          h,
		media:            &fakePort{id: 100, kind: "call"},
		disconnectOnHang: true,
		done:             make(chan struct{}),
	}
	a.calls = append(a.calls, c)
	script := a.script
	a.mu.Unlock()
	if script != nil {
		go script(c)
	}
	return c, nil
}

func (a *fakeAccount) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdowns++
	return nil
}

func (a *fakeAccount) lastCall() *fakeCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.calls) == 0 {
		return nil
	}
	return a.calls[len(a.calls)-1]
}

type fakeCall struct {
	id      string
	uri     string
	handler engine.CallHandler
	media   *fakePort

	// disconnectOnHang makes Hangup report a disconnect, as a responsive
	// remote party would.
	disconnectOnHang bool
	// hangupErr is returned by every Hangup.
	hangupErr error

	mu      sync.Mutex
	hangups int
	ended   bool
	done    chan struct{}
}

func (c *fakeCall) ID() string { return c.id }

func (c *fakeCall) Info() engine.CallInfo { return engine.CallInfo{} }

func (c *fakeCall) AudioMedia(index int) (engine.AudioMedia, error) {
	if index != 0 {
		return nil, fmt.Errorf("no media at %d", index)
	}
	return c.media, nil
}

func (c *fakeCall) Hangup() error {
	c.mu.Lock()
	c.hangups++
	auto, err := c.disconnectOnHang, c.hangupErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		go c.disconnect(200, "Normal call clearing")
	}
	return nil
}

func (c *fakeCall) hangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangups
}

func (c *fakeCall) ring() {
	c.handler.OnStateChanged(c, engine.CallInfo{State: engine.CallStateEarly, StateText: "EARLY", LastStatusCode: 180, LastReason: "Ringing"})
}

func (c *fakeCall) answer() {
	c.handler.OnStateChanged(c, engine.CallInfo{State: engine.CallStateConfirmed, StateText: "CONFIRMED", LastStatusCode: 200, LastReason: "OK"})
}

func (c *fakeCall) activateMedia() {
	c.handler.OnMediaState(c, []engine.MediaInfo{{
		Index:  0,
		Type:   engine.MediaTypeAudio,
		Status: engine.MediaStatusActive,
		Codec:  "PCMU/8000",
	}})
}

func (c *fakeCall) disconnect(code int, reason string) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	close(c.done)
	c.mu.Unlock()
	c.handler.OnStateChanged(c, engine.CallInfo{State: engine.CallStateDisconnected, StateText: "DISCONNECTED", LastStatusCode: code, LastReason: reason})
}

// fakePort stands in for every bridge port kind.
type fakePort struct {
	id      int
	kind    string
	handler engine.FrameHandler

	mu       sync.Mutex
	starts   int
	stops    int
	released int
	sinks    []engine.AudioMedia
}

func (p *fakePort) StartTransmit(sink engine.AudioMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.sinks = append(p.sinks, sink)
	return nil
}

func (p *fakePort) StopTransmit(engine.AudioMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakePort) PortID() int { return p.id }

func (p *fakePort) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	return nil
}

func (p *fakePort) counts() (starts, stops, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops, p.released
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SIP.Server = "pbx.example.com"
	cfg.SIP.User = "1001"
	cfg.SIP.Password = "secret"
	return cfg
}

// writeClip writes a mono 16-bit 8 kHz WAV of length d.
func writeClip(t *testing.T, d time.Duration) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	frames := int(d.Seconds() * 8000)
	data := make([]byte, frames*2)
	require.NoError(t, audio.WriteWAVFile(path, audio.Format{NumChannels: 1, SampleRate: 8000, BitsPerSample: 16}, data))
	return path
}

// startedCaller returns a started Caller on a fresh fake engine.
func startedCaller(t *testing.T, opts ...Option) (*Caller, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	opts = append([]Option{
		WithLogger(discardLogger()),
		WithLocalAddressResolver(func(string, int) (string, error) { return "192.0.2.10", nil }),
		WithMediaReadyTimeout(300 * time.Millisecond),
		WithHangupTimeout(300 * time.Millisecond),
	}, opts...)
	c, err := New(testConfig(), eng, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, eng
}

// answerWithMedia is the script of a party who picks up at once.
func answerWithMedia(c *fakeCall) {
	c.ring()
	c.answer()
	c.activateMedia()
}
