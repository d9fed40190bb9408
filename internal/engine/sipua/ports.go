package sipua

import (
	"fmt"
	"sync"

	"github.com/sebas/sipcaller/internal/audio"
	"github.com/sebas/sipcaller/internal/engine"
)

// bridgeHandle implements engine.AudioMedia for any slot on the bridge.
type bridgeHandle struct {
	conf *conference
	id   int
}

func (h *bridgeHandle) PortID() int { return h.id }

func (h *bridgeHandle) StartTransmit(sink engine.AudioMedia) error {
	if sink == nil {
		return fmt.Errorf("start transmit: nil sink")
	}
	return h.conf.connect(h.id, sink.PortID())
}

func (h *bridgeHandle) StopTransmit(sink engine.AudioMedia) error {
	if sink == nil {
		return fmt.Errorf("stop transmit: nil sink")
	}
	return h.conf.disconnect(h.id, sink.PortID())
}

// player streams a WAV file, converted to the bridge rate, into its sinks.
type player struct {
	bridgeHandle
	path string
	loop bool

	mu      sync.Mutex
	samples []int16
	pos     int
	passes  int
}

func newPlayer(conf *conference, path string, loop bool) (*player, error) {
	samples, err := audio.LoadMono(path, clockRate)
	if err != nil {
		return nil, fmt.Errorf("create player: %w", err)
	}
	p := &player{path: path, loop: loop, samples: samples}
	id, err := conf.add("player:"+path, p)
	if err != nil {
		return nil, err
	}
	p.bridgeHandle = bridgeHandle{conf: conf, id: id}
	return p, nil
}

func (p *player) readFrame() []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.samples) == 0 {
		return nil
	}
	out := make([]int16, frameSamples)
	for i := 0; i < frameSamples; i++ {
		if p.pos >= len(p.samples) {
			p.passes++
			if !p.loop {
				return out[:i]
			}
			p.pos = 0
		}
		out[i] = p.samples[p.pos]
		p.pos++
	}
	return out
}

func (p *player) writeFrame([]int16) {}

// Passes returns how many times the file has played to the end.
func (p *player) Passes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.passes
}

func (p *player) Release() error {
	p.conf.remove(p.id, true)
	return nil
}

// recorder writes everything it receives into an 8 kHz mono WAV file.
type recorder struct {
	bridgeHandle
	log engineLog

	mu     sync.Mutex
	writer *audio.Writer
}

func newRecorder(conf *conference, log engineLog, path string) (*recorder, error) {
	w, err := audio.CreateWAV(path, clockRate)
	if err != nil {
		return nil, fmt.Errorf("create recorder: %w", err)
	}
	r := &recorder{log: log, writer: w}
	id, err := conf.add("recorder:"+path, r)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	r.bridgeHandle = bridgeHandle{conf: conf, id: id}
	return r, nil
}

func (r *recorder) readFrame() []int16 { return nil }

func (r *recorder) writeFrame(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.WriteSamples(samples); err != nil {
		r.log.warnf("recorder", "Write failed: %v", err)
	}
}

func (r *recorder) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}

func (r *recorder) Release() error {
	r.conf.remove(r.id, true)
	return r.close()
}

// framePort hands every mixed frame to a FrameHandler as little-endian PCM.
type framePort struct {
	bridgeHandle
	handler engine.FrameHandler
}

func newFramePort(conf *conference, name string, handler engine.FrameHandler) (*framePort, error) {
	if handler == nil {
		return nil, fmt.Errorf("create frame port: nil handler")
	}
	fp := &framePort{handler: handler}
	id, err := conf.add("frames:"+name, fp)
	if err != nil {
		return nil, err
	}
	fp.bridgeHandle = bridgeHandle{conf: conf, id: id}
	return fp, nil
}

func (f *framePort) readFrame() []int16 { return nil }

func (f *framePort) writeFrame(samples []int16) {
	f.handler.OnFrame(audio.SamplesToBytes(samples))
}

func (f *framePort) Release() error {
	f.conf.remove(f.id, true)
	return nil
}

var (
	_ engine.Player    = (*player)(nil)
	_ engine.Recorder  = (*recorder)(nil)
	_ engine.FramePort = (*framePort)(nil)
)
