// Package caller places outbound calls that play a WAV clip.
//
// A Caller owns one engine endpoint and one registered account for its
// lifetime. MakeCall dials, waits for answer and media, optionally waits for
// the callee to stop talking, plays the clip a configured number of times and
// always leaves the call disconnected when it returns. Calls on one Caller
// must not overlap.
package caller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sebas/sipcaller/internal/audio"
	"github.com/sebas/sipcaller/internal/config"
	"github.com/sebas/sipcaller/internal/engine"
	"github.com/sebas/sipcaller/internal/silence"
)

const (
	defaultMediaReadyTimeout = 5 * time.Second
	defaultHangupTimeout     = 5 * time.Second
	silenceGrace             = 10 * time.Second
	keepaliveData            = "\r\n"
	userAgent                = "sipcaller"
)

// CallOptions are the per-call settings. A zero Timeout or Repeat takes the
// configured value; the delays are used as given.
type CallOptions struct {
	Timeout        time.Duration
	PreDelay       time.Duration
	PostDelay      time.Duration
	InterDelay     time.Duration
	Repeat         int
	WaitForSilence time.Duration
	// RecordPath receives the remote party's audio when set.
	RecordPath string
}

// Caller is the call orchestrator.
type Caller struct {
	cfg     *config.Config
	engine  engine.Engine
	log     *slog.Logger
	metrics *Metrics
	router  *LogRouter
	orphans *orphanStore

	engineLevel       int
	logCapacity       int
	resolveLocal      func(host string, port int) (string, error)
	now               func() time.Time
	mediaReadyTimeout time.Duration
	hangupTimeout     time.Duration
	silenceThreshold  int

	mu       sync.Mutex
	endpoint engine.Endpoint
	account  engine.Account
	started  bool
	last     *CallResult
}

// Option configures a Caller.
type Option func(*Caller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) { c.log = l }
}

// WithMetrics replaces the instruments created on the global meter provider.
func WithMetrics(m *Metrics) Option {
	return func(c *Caller) { c.metrics = m }
}

// WithEngineLogLevel overrides the configured engine log level (0..6).
func WithEngineLogLevel(level int) Option {
	return func(c *Caller) { c.engineLevel = level }
}

// WithLogCapacity sets how many engine log lines are retained.
func WithLogCapacity(n int) Option {
	return func(c *Caller) { c.logCapacity = n }
}

// WithLocalAddressResolver replaces LocalAddressFor.
func WithLocalAddressResolver(fn func(host string, port int) (string, error)) Option {
	return func(c *Caller) { c.resolveLocal = fn }
}

// WithMediaReadyTimeout sets how long an answered call may take to get
// active audio.
func WithMediaReadyTimeout(d time.Duration) Option {
	return func(c *Caller) { c.mediaReadyTimeout = d }
}

// WithHangupTimeout sets how long to wait for the engine to confirm a local
// hangup.
func WithHangupTimeout(d time.Duration) Option {
	return func(c *Caller) { c.hangupTimeout = d }
}

// WithSilenceThreshold sets the RMS level treated as silence.
func WithSilenceThreshold(rms int) Option {
	return func(c *Caller) { c.silenceThreshold = rms }
}

// New validates cfg and returns a stopped Caller using eng.
func New(cfg *config.Config, eng engine.Engine, opts ...Option) (*Caller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrConfiguration)
	}

	c := &Caller{
		cfg:               cfg,
		engine:            eng,
		log:               slog.Default(),
		orphans:           &orphanStore{},
		engineLevel:       -1,
		logCapacity:       DefaultLogCapacity,
		resolveLocal:      LocalAddressFor,
		now:               time.Now,
		mediaReadyTimeout: defaultMediaReadyTimeout,
		hangupTimeout:     defaultHangupTimeout,
		silenceThreshold:  silence.DefaultThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.engineLevel < 0 {
		c.engineLevel = cfg.Log.EngineLevel
	}
	if c.metrics == nil {
		m, err := defaultMetrics()
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		c.metrics = m
	}
	c.router = NewLogRouter(c.log, c.logCapacity)
	return c, nil
}

// DefaultCallOptions returns the configured per-call settings.
func (c *Caller) DefaultCallOptions() CallOptions {
	cc := c.cfg.Call
	return CallOptions{
		Timeout:        cc.TimeoutDuration(),
		PreDelay:       config.Seconds(cc.PreDelay),
		PostDelay:      config.Seconds(cc.PostDelay),
		InterDelay:     config.Seconds(cc.InterDelay),
		Repeat:         cc.Repeat,
		WaitForSilence: config.Seconds(cc.WaitForSilence),
	}
}

func (c *Caller) accountConfig(local string, tid engine.TransportID) engine.AccountConfig {
	sip, nat := c.cfg.SIP, c.cfg.NAT
	srtp, _ := engine.ParseSRTPPolicy(sip.SRTP)
	turnKind, _ := engine.ParseTransportKind(nat.TURNTransport)

	acfg := engine.AccountConfig{
		IDURI:        accountURI(sip),
		RegistrarURI: registrarURI(sip),
		TransportID:  tid,
		Credentials: engine.Credentials{
			Realm:    "*",
			Username: sip.User,
			Password: sip.Password,
		},
		SRTP:            srtp,
		SecureSignaling: sip.Transport == "tls",
		Media: engine.MediaTransportConfig{
			BindAddress:   local,
			PublicAddress: nat.PublicAddress,
		},
		NAT: engine.NATConfig{
			ICEEnabled:    nat.ICEEnabled,
			TURNEnabled:   nat.TURNEnabled,
			TURNServer:    nat.TURNServer,
			TURNUsername:  nat.TURNUsername,
			TURNPassword:  nat.TURNPassword,
			TURNTransport: turnKind,
		},
	}
	if nat.KeepaliveSec > 0 {
		acfg.NAT.KeepaliveInterval = nat.KeepaliveInterval()
		acfg.NAT.KeepaliveData = keepaliveData
	}
	return acfg
}

// Start creates the endpoint and transport and registers the account. On
// failure everything created so far is torn down and a *RegistrationError
// is returned; the Caller must not be used for calls.
func (c *Caller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	sip, nat := c.cfg.SIP, c.cfg.NAT
	id := accountURI(sip)
	fail := func(stage string, err error) error {
		c.teardownLocked()
		return &RegistrationError{Account: id, Stage: stage, Cause: err}
	}

	local, err := c.resolveLocal(sip.Server, sip.Port)
	if err != nil {
		return fail("resolve", err)
	}
	c.log.Info("[Caller] Local address for SIP server", "server", sip.Server, "local_ip", local)

	ep, err := c.engine.CreateEndpoint(engine.EndpointConfig{
		LogSink:           c.router,
		LogLevel:          c.engineLevel,
		UserAgent:         userAgent,
		STUNServers:       nat.STUNServers,
		STUNIgnoreFailure: nat.STUNIgnoreFailure,
	})
	if err != nil {
		return fail("endpoint", err)
	}
	c.endpoint = ep
	if len(nat.STUNServers) > 0 {
		c.log.Info("[Caller] STUN servers", "servers", nat.STUNServers, "ignore_failure", nat.STUNIgnoreFailure)
	}

	kind, err := engine.ParseTransportKind(sip.Transport)
	if err != nil {
		return fail("transport", err)
	}
	tid, err := ep.CreateTransport(engine.TransportConfig{
		Kind:            kind,
		BindAddress:     local,
		Port:            sip.LocalPort,
		PublicAddress:   nat.PublicAddress,
		TLSVerifyServer: sip.TLSVerifyServer,
	})
	if err != nil {
		return fail("transport", err)
	}
	if nat.PublicAddress != "" {
		c.log.Info("[Caller] Public address override", "public_address", nat.PublicAddress, "local_bind", local)
	}

	if err := ep.Start(ctx); err != nil {
		return fail("start", err)
	}
	if err := ep.UseNullAudioDevice(); err != nil {
		return fail("start", err)
	}
	c.log.Info("[Caller] Endpoint started (null audio device)")

	acfg := c.accountConfig(local, tid)
	if acfg.SRTP != engine.SRTPDisabled {
		c.log.Info("[Caller] SRTP", "mode", acfg.SRTP)
	}
	c.logNATPolicy()

	acct, err := ep.CreateAccount(ctx, acfg)
	if err != nil {
		return fail("account", err)
	}
	c.account = acct
	c.started = true
	c.log.Info("[Caller] SIP account registered", "account", acfg.IDURI)
	return nil
}

func (c *Caller) logNATPolicy() {
	nat := c.cfg.NAT
	if len(nat.STUNServers) == 0 && !nat.ICEEnabled && !nat.TURNEnabled && nat.KeepaliveSec == 0 {
		c.log.Info("[Caller] NAT traversal disabled")
		return
	}
	if nat.ICEEnabled {
		c.log.Info("[Caller] ICE enabled for media transport")
	}
	if nat.TURNEnabled {
		c.log.Info("[Caller] TURN relay",
			"server", nat.TURNServer,
			"transport", nat.TURNTransport,
			"user", nat.TURNUsername,
		)
	}
	if nat.KeepaliveSec > 0 {
		c.log.Info("[Caller] Keepalive", "interval_sec", nat.KeepaliveSec)
	}
}

// Stop unregisters the account, releases orphaned media handles and destroys
// the endpoint. Errors are logged. Safe to call more than once.
func (c *Caller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasStarted := c.started || c.endpoint != nil
	c.teardownLocked()
	if wasStarted {
		c.log.Info("[Caller] Endpoint stopped")
	}
}

func (c *Caller) teardownLocked() {
	if c.account != nil {
		if err := c.account.Shutdown(); err != nil {
			c.log.Debug("[Caller] Account shutdown failed", "error", err)
		}
		c.account = nil
	}
	// The bridge still exists here, so orphans detach cleanly.
	if n := c.orphans.len(); n > 0 {
		if err := c.orphans.drain(); err != nil {
			c.log.Debug("[Caller] Releasing orphaned media failed", "count", n, "error", err)
		}
	}
	if c.endpoint != nil {
		if err := c.endpoint.Destroy(); err != nil {
			c.log.Debug("[Caller] Endpoint destroy failed", "error", err)
		}
		c.endpoint = nil
	}
	c.started = false
}

// LastResult is the result of the most recent MakeCall, or nil.
func (c *Caller) LastResult() *CallResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// EngineLogs returns the retained engine log lines, oldest first.
func (c *Caller) EngineLogs() []string {
	return c.router.Messages()
}

// MakeCall dials destination and plays the WAV at audioPath. Expected call
// outcomes (no answer, media failure, remote hangup) are reported in the
// result. Errors are returned only for misuse (ErrNotStarted), a bad asset
// (ErrAsset) or an engine that could not start the call (*CallError).
func (c *Caller) MakeCall(ctx context.Context, destination, audioPath string, opts CallOptions) (*CallResult, error) {
	c.mu.Lock()
	c.last = nil
	started, acct, ep := c.started, c.account, c.endpoint
	c.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("%w: call Start first", ErrNotStarted)
	}

	def := c.DefaultCallOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Repeat <= 0 {
		opts.Repeat = def.Repeat
	}

	asset, err := audio.Open(audioPath)
	if err != nil {
		return nil, assetError(err)
	}
	for _, w := range asset.Validate() {
		c.log.Warn("[Caller] " + string(w))
	}
	c.log.Info("[Caller] WAV", "asset", asset.String())

	if opts.RecordPath != "" {
		abs, err := filepath.Abs(opts.RecordPath)
		if err == nil {
			opts.RecordPath = abs
		}
		if err := os.MkdirAll(filepath.Dir(opts.RecordPath), 0o755); err != nil {
			return nil, &CallError{Destination: destination, Cause: fmt.Errorf("create record directory: %w", err)}
		}
	}

	uri := BuildURI(destination, c.cfg.SIP)
	c.log.Info("[Caller] Calling",
		"uri", uri,
		"timeout", opts.Timeout,
		"repeat", opts.Repeat,
		"pre_delay", opts.PreDelay,
		"inter_delay", opts.InterDelay,
		"post_delay", opts.PostDelay,
	)

	b := &resultBuilder{
		res: CallResult{
			Destination: destination,
			URI:         uri,
			CallStart:   c.now(),
			RecordPath:  opts.RecordPath,
		},
		now: c.now,
	}

	sess := newSession(ep, c.orphans, c.log)
	call, err := acct.MakeCall(ctx, uri, sess)
	if err != nil {
		return nil, &CallError{Destination: destination, URI: uri, Cause: err}
	}
	sess.bind(call)

	c.metrics.ActiveCalls.Add(ctx, 1)
	res := c.run(ctx, sess, asset, opts, b)
	c.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
	c.metrics.recordResult(context.WithoutCancel(ctx), res)

	c.mu.Lock()
	c.last = res
	c.mu.Unlock()
	c.log.Info("[Caller] Call finished",
		"success", res.Success,
		"outcome", res.Outcome,
		"duration", res.CallDuration,
		"reason", res.DisconnectReason,
	)
	return res, nil
}

// run is the call algorithm once the INVITE is out. Its deferred cleanup
// guarantees the session is never left connected.
func (c *Caller) run(ctx context.Context, sess *Session, asset *audio.Asset, opts CallOptions, b *resultBuilder) *CallResult {
	defer func() {
		sess.StopPlayback()
		sess.StopRecording()
		c.failsafeHangup(ctx, sess)
	}()

	reason := func(fallback string) string {
		if r := sess.DisconnectReason(); r != "" {
			return r
		}
		if err := ctx.Err(); err != nil {
			return "cancelled: " + err.Error()
		}
		return fallback
	}

	if !sess.WaitConfirmed(ctx, opts.Timeout) || sess.IsDisconnected() {
		r := reason("timeout / no answer")
		c.log.Warn("[Caller] Call not answered", "reason", r)
		sess.Hangup()
		return b.finish(false, false, OutcomeNotAnswered, r)
	}
	c.log.Info("[Caller] Call answered")

	if !sess.WaitMediaReady(ctx, c.mediaReadyTimeout) {
		c.log.Error("[Caller] Media channel not ready, hanging up", "waited", c.mediaReadyTimeout)
		sess.Hangup()
		return b.finish(false, true, OutcomeAnsweredNoPlayback, "media not ready")
	}
	if mi, ok := sess.MediaInfo(); ok {
		c.log.Debug("[Caller] Audio media",
			"dir", mi.Direction,
			"status", mi.Status,
			"codec", mi.Codec,
			"secure", mi.Secure,
		)
	}

	if opts.RecordPath != "" {
		if err := sess.StartRecording(opts.RecordPath); err != nil {
			c.log.Error("[Caller] Failed to start recording", "error", err)
		}
	}

	if opts.PreDelay > 0 {
		c.log.Info("[Caller] Pre-delay", "delay", opts.PreDelay)
		if sess.WaitDisconnected(ctx, opts.PreDelay) {
			c.log.Info("[Caller] Remote party hung up during pre-delay")
			return b.finish(true, true, OutcomeAnsweredNoPlayback, reason(""))
		}
	}

	if opts.WaitForSilence > 0 && ctx.Err() == nil {
		b.res.SilenceDetected = c.waitForSilence(ctx, sess, opts)
		if sess.IsDisconnected() {
			c.log.Info("[Caller] Remote party hung up while waiting for silence")
			return b.finish(true, true, OutcomeAnsweredNoPlayback, reason(""))
		}
	}

	played := false
	if ctx.Err() == nil {
		if err := sess.StartPlayback(asset.Path, true); err != nil {
			c.log.Error("[Caller] Failed to play WAV", "error", err)
		} else {
			played = true
		}
		b.res.PlaybackPasses = c.playLoop(ctx, sess, asset.Duration(), opts)
	}
	sess.StopPlayback()
	sess.StopRecording()

	if !sess.IsDisconnected() && opts.PostDelay > 0 && ctx.Err() == nil {
		c.log.Info("[Caller] Post-delay", "delay", opts.PostDelay)
		if sess.WaitDisconnected(ctx, opts.PostDelay) {
			c.log.Info("[Caller] Remote party hung up during post-delay")
		}
	}

	if !sess.IsDisconnected() {
		c.log.Info("[Caller] Playback completed, hanging up")
		sess.Hangup()
		sess.WaitDisconnected(context.WithoutCancel(ctx), c.hangupTimeout)
	}

	outcome := OutcomeAnsweredNoPlayback
	if played {
		outcome = OutcomePlayed
	}
	return b.finish(true, true, outcome, reason(""))
}

// failsafeHangup leaves no call active when run returns. A hangup never
// sent goes out now; one the engine did not confirm within the hangup
// timeout is sent once more.
func (c *Caller) failsafeHangup(ctx context.Context, sess *Session) {
	if sess.IsDisconnected() {
		return
	}
	if sess.Hangup() {
		c.log.Warn("[Caller] Failsafe hangup, call still active on exit")
		return
	}
	if sess.WaitDisconnected(context.WithoutCancel(ctx), c.hangupTimeout) {
		return
	}
	if sess.RetryHangup() {
		c.log.Warn("[Caller] Failsafe hangup repeated, disconnect never confirmed", "waited", c.hangupTimeout)
	}
}

// playLoop waits out repeat passes of the looping player, pausing
// transmission between passes. It returns the number of passes started.
func (c *Caller) playLoop(ctx context.Context, sess *Session, clip time.Duration, opts CallOptions) int {
	passes := 0
	for i := 0; i < opts.Repeat; i++ {
		if sess.IsDisconnected() {
			c.log.Info("[Caller] Remote party hung up during playback")
			break
		}
		passes++
		if opts.Repeat > 1 {
			c.log.Info("[Caller] Playing WAV pass", "pass", i+1, "of", opts.Repeat)
		}
		if sess.WaitDisconnected(ctx, clip) {
			c.log.Info("[Caller] Remote party hung up during playback")
			break
		}
		if ctx.Err() != nil {
			break
		}

		if opts.InterDelay > 0 && i < opts.Repeat-1 {
			sess.PauseTransmit()
			c.log.Info("[Caller] Inter-delay", "delay", opts.InterDelay)
			if sess.WaitDisconnected(ctx, opts.InterDelay) {
				c.log.Info("[Caller] Remote party hung up during inter-delay")
				break
			}
			if ctx.Err() != nil {
				break
			}
			sess.ResumeTransmit()
		}
	}
	return passes
}

// waitForSilence attaches a detector to the call's receive path and waits
// for it, a disconnect, or min(wait+10s, timeout). It reports whether
// silence was detected.
func (c *Caller) waitForSilence(ctx context.Context, sess *Session, opts CallOptions) bool {
	bound := opts.WaitForSilence + silenceGrace
	if opts.Timeout < bound {
		bound = opts.Timeout
	}
	c.log.Info("[Caller] Waiting for silence", "required", opts.WaitForSilence, "timeout", bound)

	det := silence.New(opts.WaitForSilence,
		silence.WithThreshold(c.silenceThreshold),
		silence.WithLogger(c.log),
	)
	detach, err := sess.AttachFrameHandler("silence_det", det)
	if err != nil {
		c.log.Warn("[Caller] Silence detection failed, proceeding with playback", "error", err)
		return false
	}
	defer detach()

	timer := time.NewTimer(bound)
	defer timer.Stop()
	select {
	case <-det.Done():
		return true
	case <-sess.Disconnected():
	case <-ctx.Done():
	case <-timer.C:
		c.log.Warn("[Caller] Silence wait timed out, proceeding with playback")
	}
	return false
}

// IsStarted reports whether Start succeeded and Stop has not been called.
func (c *Caller) IsStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
