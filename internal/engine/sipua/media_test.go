package sipua

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/sipcaller/internal/audio"
	"github.com/sebas/sipcaller/internal/engine"
)

type captureSink struct {
	mu      sync.Mutex
	entries []engine.LogEntry
}

func (s *captureSink) Write(e engine.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *captureSink) contains(level int, substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func testLog(level int) (engineLog, *captureSink) {
	sink := &captureSink{}
	return engineLog{sink: sink, level: level}, sink
}

// constPort produces a fixed frame and records what it receives.
type constPort struct {
	mu    sync.Mutex
	value int16
	got   [][]int16
}

func (p *constPort) readFrame() []int16 {
	f := make([]int16, frameSamples)
	for i := range f {
		f[i] = p.value
	}
	return f
}

func (p *constPort) writeFrame(samples []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, samples)
}

func (p *constPort) frames() [][]int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.got
}

func TestPortPoolAllocatesEvenPorts(t *testing.T) {
	pool := newPortPool(10001, 10008)
	assert.Equal(t, 3, pool.Available())

	first, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 10002, first)

	second, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 10004, second)
	assert.Equal(t, 2, pool.Allocated())

	pool.Release(first)
	again, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 10002, again)

	_, err = pool.Allocate()
	require.NoError(t, err)
	_, err = pool.Allocate()
	assert.Error(t, err, "pool of three pairs must be exhausted")
}

func TestPortPoolEphemeral(t *testing.T) {
	pool := newPortPool(0, 0)
	port, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 0, port)
	pool.Release(0)
	assert.Equal(t, 0, pool.Allocated())
}

func TestConferenceMixesSourcesIntoSink(t *testing.T) {
	log, _ := testLog(engine.LevelDebug)
	conf := newConference(log)

	a := &constPort{value: 100}
	b := &constPort{value: 250}
	sink := &constPort{}
	aID, err := conf.add("a", a)
	require.NoError(t, err)
	bID, err := conf.add("b", b)
	require.NoError(t, err)
	sinkID, err := conf.add("sink", sink)
	require.NoError(t, err)

	require.NoError(t, conf.connect(aID, sinkID))
	require.NoError(t, conf.connect(bID, sinkID))
	conf.tick()

	frames := sink.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, int16(350), frames[0][0])
	assert.Empty(t, a.frames(), "unconnected sinks receive nothing")

	require.NoError(t, conf.disconnect(bID, sinkID))
	conf.tick()
	frames = sink.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, int16(100), frames[1][0])
}

func TestConferenceClipsMix(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	conf := newConference(log)
	a := &constPort{value: 30000}
	b := &constPort{value: 30000}
	sink := &constPort{}
	aID, _ := conf.add("a", a)
	bID, _ := conf.add("b", b)
	sinkID, _ := conf.add("sink", sink)
	require.NoError(t, conf.connect(aID, sinkID))
	require.NoError(t, conf.connect(bID, sinkID))

	conf.tick()
	assert.Equal(t, int16(32767), sink.frames()[0][0])
}

func TestConferenceRemoveConnectedPortWarns(t *testing.T) {
	log, sink := testLog(engine.LevelDebug)
	conf := newConference(log)
	src := &constPort{value: 1}
	dst := &constPort{}
	srcID, _ := conf.add("src", src)
	dstID, _ := conf.add("dst", dst)
	require.NoError(t, conf.connect(srcID, dstID))

	conf.remove(srcID, true)
	assert.True(t, sink.contains(engine.LevelWarn, "remove port failed"))
	assert.Equal(t, 1, conf.count())

	conf.tick()
	assert.Empty(t, dst.frames())
}

func TestConferenceRemoveDisconnectedPortIsQuiet(t *testing.T) {
	log, sink := testLog(engine.LevelDebug)
	conf := newConference(log)
	src := &constPort{value: 1}
	dst := &constPort{}
	srcID, _ := conf.add("src", src)
	dstID, _ := conf.add("dst", dst)
	require.NoError(t, conf.connect(srcID, dstID))
	require.NoError(t, conf.disconnect(srcID, dstID))

	conf.remove(srcID, true)
	assert.False(t, sink.contains(engine.LevelWarn, "remove port failed"))
}

func TestConferenceAfterDestroy(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	conf := newConference(log)
	conf.start()
	id, err := conf.add("p", &constPort{})
	require.NoError(t, err)

	conf.destroy()
	conf.destroy()

	_, err = conf.add("late", &constPort{})
	assert.ErrorIs(t, err, engine.ErrDestroyed)
	assert.ErrorIs(t, conf.connect(id, id), engine.ErrDestroyed)
	assert.NotPanics(t, func() { conf.remove(id, true) })
}

func writeTone(t *testing.T, frames int) string {
	t.Helper()
	samples := make([]int16, frames)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	format := audio.Format{AudioFormat: 1, NumChannels: 1, SampleRate: clockRate, BitsPerSample: 16}
	require.NoError(t, audio.WriteWAVFile(path, format, audio.SamplesToBytes(samples)))
	return path
}

func TestPlayerLoops(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	conf := newConference(log)
	p, err := newPlayer(conf, writeTone(t, 240), true)
	require.NoError(t, err)

	first := p.readFrame()
	second := p.readFrame()
	require.Len(t, first, frameSamples)
	require.Len(t, second, frameSamples)
	assert.Equal(t, int16(0), first[0])
	assert.Equal(t, int16(160), second[0])
	assert.Equal(t, int16(0), second[80], "playback wraps to the start")
	assert.Equal(t, 1, p.Passes())
}

func TestPlayerWithoutLoopStops(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	conf := newConference(log)
	p, err := newPlayer(conf, writeTone(t, 200), false)
	require.NoError(t, err)

	assert.Len(t, p.readFrame(), frameSamples)
	assert.Len(t, p.readFrame(), 40)
	assert.Empty(t, p.readFrame())
}

func TestRecorderWritesMixedFrames(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	conf := newConference(log)
	path := filepath.Join(t.TempDir(), "rec.wav")
	rec, err := newRecorder(conf, log, path)
	require.NoError(t, err)

	src := &constPort{value: 42}
	srcID, _ := conf.add("src", src)
	require.NoError(t, conf.connect(srcID, rec.PortID()))
	for i := 0; i < 5; i++ {
		conf.tick()
	}
	require.NoError(t, conf.disconnect(srcID, rec.PortID()))
	require.NoError(t, rec.Release())
	require.NoError(t, rec.Release())

	asset, err := audio.Open(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5*frameSamples), asset.FrameCount)
	assert.Equal(t, clockRate, asset.SampleRateHz)
}

type frameCounter struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *frameCounter) OnFrame(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func TestFramePortDeliversPCM(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	conf := newConference(log)
	counter := &frameCounter{}
	fp, err := newFramePort(conf, "detector", counter)
	require.NoError(t, err)

	src := &constPort{value: -3}
	srcID, _ := conf.add("src", src)
	require.NoError(t, conf.connect(srcID, fp.PortID()))
	conf.tick()

	require.Len(t, counter.frames, 1)
	assert.Len(t, counter.frames[0], frameSamples*2)
	assert.Equal(t, int16(-3), audio.BytesToSamples(counter.frames[0])[0])
}

func TestFramePortRequiresHandler(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	_, err := newFramePort(newConference(log), "x", nil)
	assert.Error(t, err)
}

func loopbackPair(t *testing.T) (net.PacketConn, net.PacketConn) {
	t.Helper()
	a, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	b, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	return a, b
}

func runStream(t *testing.T, s *rtpStream) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = s.close()
		<-done
	})
}

func waitFrame(t *testing.T, s *rtpStream) []int16 {
	t.Helper()
	var got []int16
	require.Eventually(t, func() bool {
		got = s.readFrame()
		return got != nil
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestRTPStreamLoopback(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	connA, connB := loopbackPair(t)
	sender := newRTPStream(log, connA, audio.CodecPCMU)
	receiver := newRTPStream(log, connB, audio.CodecPCMU)
	sender.setRemote(connB.LocalAddr(), audio.CodecPCMU)
	runStream(t, receiver)
	t.Cleanup(func() { _ = sender.close() })

	frame := make([]int16, frameSamples)
	for i := range frame {
		frame[i] = 8000
	}
	sender.writeFrame(frame)

	got := waitFrame(t, receiver)
	require.Len(t, got, frameSamples)
	assert.InDelta(t, 8000, got[0], 300, "G.711 is lossy but close")
	assert.Equal(t, uint64(1), sender.sent.Load())
}

func TestRTPStreamWithoutRemoteSendsNothing(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	connA, connB := loopbackPair(t)
	defer connB.Close()
	s := newRTPStream(log, connA, audio.CodecPCMA)
	defer s.close()

	s.writeFrame(make([]int16, frameSamples))
	assert.Equal(t, uint64(0), s.sent.Load())
}

func TestSRTPLoopback(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	connA, connB := loopbackPair(t)

	keyA, err := newSDESKey(1)
	require.NoError(t, err)
	keyB, err := newSDESKey(1)
	require.NoError(t, err)

	outA, inA, err := srtpContexts(keyA, keyB)
	require.NoError(t, err)
	outB, inB, err := srtpContexts(keyB, keyA)
	require.NoError(t, err)

	sender := newRTPStream(log, connA, audio.CodecPCMA)
	sender.setSRTP(outA, inA)
	sender.setRemote(connB.LocalAddr(), audio.CodecPCMA)
	receiver := newRTPStream(log, connB, audio.CodecPCMA)
	receiver.setSRTP(outB, inB)
	runStream(t, receiver)
	t.Cleanup(func() { _ = sender.close() })

	frame := make([]int16, frameSamples)
	for i := range frame {
		frame[i] = -4000
	}
	sender.writeFrame(frame)

	got := waitFrame(t, receiver)
	assert.InDelta(t, -4000, got[0], 200)
	assert.True(t, sender.secure())
}

func TestSRTPKeyMismatchDropsPacket(t *testing.T) {
	log, _ := testLog(engine.LevelError)
	connA, connB := loopbackPair(t)

	key, err := newSDESKey(1)
	require.NoError(t, err)
	other, err := newSDESKey(2)
	require.NoError(t, err)
	out, in, err := srtpContexts(key, other)
	require.NoError(t, err)

	sender := newRTPStream(log, connA, audio.CodecPCMU)
	sender.setSRTP(out, in)
	sender.setRemote(connB.LocalAddr(), audio.CodecPCMU)

	// receiver expects a different key
	wrongOut, wrongIn, err := srtpContexts(other, other)
	require.NoError(t, err)
	receiver := newRTPStream(log, connB, audio.CodecPCMU)
	receiver.setSRTP(wrongOut, wrongIn)
	runStream(t, receiver)
	t.Cleanup(func() { _ = sender.close() })

	sender.writeFrame(make([]int16, frameSamples))
	require.Eventually(t, func() bool { return receiver.dropped.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, receiver.readFrame())
}

func TestEngineLogLevelFilter(t *testing.T) {
	log, sink := testLog(engine.LevelInfo)
	log.debugf("x", "hidden")
	log.infof("x", "shown %d", 1)
	log.errorf("x", "bad")
	log.wire("TX", "1.2.3.4:5060", "INVITE sip:a@b SIP/2.0\r\n")

	require.Len(t, sink.entries, 2)
	assert.Equal(t, engine.LevelInfo, sink.entries[0].Level)
	assert.Contains(t, sink.entries[0].Message, "shown 1")
	assert.Equal(t, engine.LevelError, sink.entries[1].Level)
}
