package caller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/sipcaller/internal/engine"
)

// errNoMedia is returned by media operations before the session is media-ready.
var errNoMedia = errors.New("session: no active audio media")

// Session wraps one engine call. Engine callbacks move it through
// SessionState; the orchestrator goroutine waits on the transitions and
// drives playback and recording.
//
// Reaching Disconnected closes every wait channel, so no waiter outlives the
// call.
type Session struct {
	ep      engine.Endpoint
	orphans *orphanStore
	log     *slog.Logger

	mu           sync.Mutex
	call         engine.Call
	state        SessionState
	answered     bool
	mediaReached bool
	code         int
	reason       string
	media        engine.AudioMedia
	mediaInfo    engine.MediaInfo
	pending      engine.AudioMedia
	pendingInfo  engine.MediaInfo
	player       engine.Player
	paused       bool
	recorder     engine.Recorder
	hangupSent   bool

	confirmed    chan struct{}
	mediaReady   chan struct{}
	disconnected chan struct{}
}

func newSession(ep engine.Endpoint, orphans *orphanStore, log *slog.Logger) *Session {
	return &Session{
		ep:           ep,
		orphans:      orphans,
		log:          log,
		state:        StateInitiating,
		confirmed:    make(chan struct{}),
		mediaReady:   make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

// bind records the call handle returned by the engine. Callbacks that arrive
// first bind it themselves.
func (s *Session) bind(call engine.Call) {
	s.mu.Lock()
	if s.call == nil {
		s.call = call
	}
	s.mu.Unlock()
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// transitionLocked applies next if the state machine allows it.
func (s *Session) transitionLocked(next SessionState) bool {
	if !s.state.CanTransitionTo(next) {
		return false
	}
	s.state = next
	switch next {
	case StateConfirmed:
		s.answered = true
		closeOnce(s.confirmed)
	case StateMediaReady:
		s.mediaReached = true
		closeOnce(s.mediaReady)
	case StateDisconnected:
		closeOnce(s.disconnected)
		closeOnce(s.confirmed)
		closeOnce(s.mediaReady)
	}
	return true
}

// OnStateChanged implements engine.CallHandler.
func (s *Session) OnStateChanged(call engine.Call, info engine.CallInfo) {
	s.mu.Lock()
	if s.call == nil {
		s.call = call
	}
	from := s.state
	changed := false
	switch info.State {
	case engine.CallStateEarly:
		changed = s.transitionLocked(StateRinging)
	case engine.CallStateConfirmed:
		changed = s.transitionLocked(StateConfirmed)
		if changed && s.pending != nil {
			s.media, s.mediaInfo = s.pending, s.pendingInfo
			s.pending = nil
			s.transitionLocked(StateMediaReady)
		}
	case engine.CallStateDisconnected:
		s.code = info.LastStatusCode
		s.reason = info.LastReason
		changed = s.transitionLocked(StateDisconnected)
	}
	to := s.state
	s.mu.Unlock()

	s.log.Info("[Session] Call state",
		"state", info.StateText,
		"last_code", info.LastStatusCode,
		"last_reason", info.LastReason,
	)
	if changed {
		s.log.Debug("[Session] Transition", "from", from, "to", to)
	}
}

// OnMediaState implements engine.CallHandler. The first active audio stream
// makes a confirmed session media-ready; later callbacks are no-ops.
func (s *Session) OnMediaState(call engine.Call, media []engine.MediaInfo) {
	var (
		found engine.MediaInfo
		ok    bool
	)
	for _, mi := range media {
		if mi.Type == engine.MediaTypeAudio && mi.Status == engine.MediaStatusActive {
			found, ok = mi, true
			break
		}
	}
	if !ok {
		return
	}
	am, err := call.AudioMedia(found.Index)
	if err != nil {
		s.log.Warn("[Session] Active audio without a port", "index", found.Index, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		s.call = call
	}
	switch s.state {
	case StateConfirmed:
		s.media, s.mediaInfo = am, found
		s.transitionLocked(StateMediaReady)
	case StateInitiating, StateRinging:
		s.pending, s.pendingInfo = am, found
	}
}

func wait(ctx context.Context, ch <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// WaitConfirmed blocks until the call is answered, disconnected, timeout
// elapses or ctx ends. It reports whether the call was answered.
func (s *Session) WaitConfirmed(ctx context.Context, timeout time.Duration) bool {
	wait(ctx, s.confirmed, timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

// WaitMediaReady is WaitConfirmed for the media-ready transition.
func (s *Session) WaitMediaReady(ctx context.Context, timeout time.Duration) bool {
	wait(ctx, s.mediaReady, timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaReached
}

// WaitDisconnected reports whether the call ended within d.
func (s *Session) WaitDisconnected(ctx context.Context, d time.Duration) bool {
	return wait(ctx, s.disconnected, d)
}

// Disconnected is closed once the call has ended.
func (s *Session) Disconnected() <-chan struct{} {
	return s.disconnected
}

// IsDisconnected reports whether the call has ended.
func (s *Session) IsDisconnected() bool {
	select {
	case <-s.disconnected:
		return true
	default:
		return false
	}
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DisconnectReason is the engine's reason text, empty until disconnected.
func (s *Session) DisconnectReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// MediaInfo describes the negotiated audio stream once media-ready.
func (s *Session) MediaInfo() (engine.MediaInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaInfo, s.media != nil
}

// Hangup asks the engine to end the call. Once the engine accepts a
// hangup, later calls are no-ops until RetryHangup; a rejected one may be
// tried again. It reports whether this call reached the engine. Engine
// errors are logged, never returned.
func (s *Session) Hangup() bool {
	s.mu.Lock()
	if s.state.IsTerminal() || s.hangupSent || s.call == nil {
		s.mu.Unlock()
		return false
	}
	s.hangupSent = true
	call := s.call
	s.mu.Unlock()

	if err := call.Hangup(); err != nil {
		s.log.Warn("[Session] Hangup failed", "call_id", call.ID(), "error", err)
		s.mu.Lock()
		s.hangupSent = false
		s.mu.Unlock()
	}
	return true
}

// RetryHangup repeats a hangup the engine accepted but never confirmed with
// a disconnect. It reports whether the request reached the engine.
func (s *Session) RetryHangup() bool {
	s.mu.Lock()
	if s.state.IsTerminal() || !s.hangupSent || s.call == nil {
		s.mu.Unlock()
		return false
	}
	call := s.call
	s.mu.Unlock()

	if err := call.Hangup(); err != nil {
		s.log.Warn("[Session] Hangup retry failed", "call_id", call.ID(), "error", err)
	}
	return true
}

func (s *Session) activeMedia() (engine.AudioMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == nil || s.state.IsTerminal() {
		return nil, errNoMedia
	}
	return s.media, nil
}

// StartPlayback connects a player for path to the call. A second call while
// playing is a no-op.
func (s *Session) StartPlayback(path string, loop bool) error {
	media, err := s.activeMedia()
	if err != nil {
		return err
	}
	s.mu.Lock()
	playing := s.player != nil
	s.mu.Unlock()
	if playing {
		return nil
	}

	player, err := s.ep.CreatePlayer(path, loop)
	if err != nil {
		return err
	}
	if err := player.StartTransmit(media); err != nil {
		s.orphans.add(player)
		return err
	}
	s.mu.Lock()
	s.player = player
	s.paused = false
	s.mu.Unlock()
	s.log.Info("[Session] Playing WAV", "path", path)
	return nil
}

// PauseTransmit disconnects the player from the call without stopping it,
// so the remote side hears silence.
func (s *Session) PauseTransmit() {
	s.mu.Lock()
	player, media := s.player, s.media
	if player == nil || media == nil || s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.mu.Unlock()
	_ = player.StopTransmit(media)
}

// ResumeTransmit reconnects a paused player.
func (s *Session) ResumeTransmit() {
	s.mu.Lock()
	player, media := s.player, s.media
	if player == nil || media == nil || !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.mu.Unlock()
	if err := player.StartTransmit(media); err != nil {
		s.log.Warn("[Session] Resume playback failed", "error", err)
	}
}

// StopPlayback detaches the player and parks it in the orphan store.
func (s *Session) StopPlayback() {
	s.mu.Lock()
	player, media := s.player, s.media
	s.player = nil
	s.paused = false
	s.mu.Unlock()
	if player == nil {
		return
	}
	if media != nil {
		_ = player.StopTransmit(media)
	}
	s.orphans.add(player)
}

// StartRecording connects the call's audio to a recorder writing path.
func (s *Session) StartRecording(path string) error {
	media, err := s.activeMedia()
	if err != nil {
		return err
	}
	s.mu.Lock()
	recording := s.recorder != nil
	s.mu.Unlock()
	if recording {
		return nil
	}

	rec, err := s.ep.CreateRecorder(path)
	if err != nil {
		return err
	}
	if err := media.StartTransmit(rec); err != nil {
		s.orphans.add(rec)
		return err
	}
	s.mu.Lock()
	s.recorder = rec
	s.mu.Unlock()
	s.log.Info("[Session] Recording remote audio", "path", path)
	return nil
}

// StopRecording detaches the recorder and parks it in the orphan store.
func (s *Session) StopRecording() {
	s.mu.Lock()
	rec, media := s.recorder, s.media
	s.recorder = nil
	s.mu.Unlock()
	if rec == nil {
		return
	}
	if media != nil {
		_ = media.StopTransmit(rec)
	}
	s.orphans.add(rec)
}

// AttachFrameHandler feeds the call's received audio to h. The returned
// detach function is safe to call from the waiting goroutine.
func (s *Session) AttachFrameHandler(name string, h engine.FrameHandler) (func(), error) {
	media, err := s.activeMedia()
	if err != nil {
		return nil, err
	}
	port, err := s.ep.CreateFramePort(name, h)
	if err != nil {
		return nil, err
	}
	if err := media.StartTransmit(port); err != nil {
		s.orphans.add(port)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = media.StopTransmit(port)
			s.orphans.add(port)
		})
	}, nil
}

var _ engine.CallHandler = (*Session)(nil)
