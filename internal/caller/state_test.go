package caller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/sipcaller/internal/engine"
)

func TestSessionStateTransitions(t *testing.T) {
	assert.True(t, StateInitiating.CanTransitionTo(StateConfirmed))
	assert.True(t, StateRinging.CanTransitionTo(StateDisconnected))
	assert.False(t, StateMediaReady.CanTransitionTo(StateConfirmed))
	assert.False(t, StateDisconnected.CanTransitionTo(StateRinging))
	assert.True(t, StateDisconnected.IsTerminal())
	assert.False(t, StateMediaReady.IsTerminal())
	assert.Equal(t, "MediaReady", StateMediaReady.String())
	assert.Equal(t, "Unknown(42)", SessionState(42).String())
}

func newTestSession(t *testing.T) (*Session, *fakeCall) {
	t.Helper()
	s := newSession(&fakeEndpoint{}, &orphanStore{}, discardLogger())
	call := &fakeCall{id: "c1", handler: s, media: &fakePort{id: 7}, done: make(chan struct{})}
	s.bind(call)
	return s, call
}

func TestDisconnectUnblocksEveryWait(t *testing.T) {
	s, call := newTestSession(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		call.disconnect(487, "487 Request Terminated")
	}()

	begin := time.Now()
	assert.False(t, s.WaitConfirmed(context.Background(), 5*time.Second))
	assert.False(t, s.WaitMediaReady(context.Background(), 5*time.Second))
	assert.True(t, s.WaitDisconnected(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, "487 Request Terminated", s.DisconnectReason())
	assert.False(t, s.Hangup(), "no hangup after disconnect")
}

func TestSessionIgnoresStaleCallbacks(t *testing.T) {
	s, call := newTestSession(t)
	call.answer()
	call.activateMedia()
	require.Equal(t, StateMediaReady, s.State())

	call.ring()
	assert.Equal(t, StateMediaReady, s.State(), "ringing after answer is ignored")

	mi, ok := s.MediaInfo()
	require.True(t, ok)
	assert.Equal(t, "PCMU/8000", mi.Codec)
}

func TestSessionIgnoresInactiveMedia(t *testing.T) {
	s, call := newTestSession(t)
	call.answer()
	s.OnMediaState(call, []engine.MediaInfo{{Type: engine.MediaTypeAudio, Status: engine.MediaStatusLocalHold}})
	assert.Equal(t, StateConfirmed, s.State())
	assert.False(t, s.WaitMediaReady(context.Background(), 10*time.Millisecond))
}

func TestHangupReachesEngineOnce(t *testing.T) {
	s, call := newTestSession(t)
	call.answer()
	assert.True(t, s.Hangup())
	assert.False(t, s.Hangup())
	assert.Equal(t, 1, call.hangupCount())
}

func TestRejectedHangupCanBeRetried(t *testing.T) {
	s, call := newTestSession(t)
	call.answer()
	call.hangupErr = errors.New("transport closed")
	assert.True(t, s.Hangup())
	assert.True(t, s.Hangup())
	assert.False(t, s.RetryHangup(), "nothing accepted yet")

	call.mu.Lock()
	call.hangupErr = nil
	call.mu.Unlock()
	assert.True(t, s.Hangup())
	assert.False(t, s.Hangup())
	assert.Equal(t, 3, call.hangupCount())
}

func TestRetryHangupRepeatsUnconfirmedHangup(t *testing.T) {
	s, call := newTestSession(t)
	call.answer()
	assert.False(t, s.RetryHangup(), "no hangup sent yet")
	assert.True(t, s.Hangup())
	assert.True(t, s.RetryHangup())
	assert.Equal(t, 2, call.hangupCount())

	call.disconnect(200, "Normal call clearing")
	assert.False(t, s.RetryHangup())
	assert.Equal(t, 2, call.hangupCount())
}

func TestMediaOperationsNeedMedia(t *testing.T) {
	s, call := newTestSession(t)
	call.answer()
	assert.ErrorIs(t, s.StartPlayback("x.wav", true), errNoMedia)
	assert.ErrorIs(t, s.StartRecording("x.wav"), errNoMedia)
	_, err := s.AttachFrameHandler("silence_det", nil)
	assert.ErrorIs(t, err, errNoMedia)
	s.StopPlayback()
	s.StopRecording()
}

func TestPauseResumeIsEdgeTriggered(t *testing.T) {
	ep := &fakeEndpoint{}
	s := newSession(ep, &orphanStore{}, discardLogger())
	call := &fakeCall{id: "c1", handler: s, media: &fakePort{id: 7}, done: make(chan struct{})}
	s.bind(call)
	call.answer()
	call.activateMedia()

	require.NoError(t, s.StartPlayback("clip.wav", true))
	require.NoError(t, s.StartPlayback("clip.wav", true))
	require.Len(t, ep.players, 1)

	s.PauseTransmit()
	s.PauseTransmit()
	s.ResumeTransmit()
	s.ResumeTransmit()
	starts, stops, _ := ep.players[0].counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
}
