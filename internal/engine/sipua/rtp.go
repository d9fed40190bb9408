package sipua

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"

	"github.com/sebas/sipcaller/internal/audio"
)

const (
	rtpMTU       = 1500
	inboxFrames  = 8
	readDeadline = 200 * time.Millisecond
)

func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5ca11e12
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomSequenceStart() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// rtpStream is the bridge port of one call's audio. Frames written by the
// bridge are encoded and sent to the remote party; received packets are
// decoded into a small inbox the bridge drains each tick.
type rtpStream struct {
	log  engineLog
	conn net.PacketConn

	mu        sync.Mutex
	remote    net.Addr
	codec     audio.Codec
	ssrc      uint32
	seq       uint16
	timestamp uint32
	marker    bool
	srtpOut   *srtp.Context
	srtpIn    *srtp.Context

	inbox  chan []int16
	closed atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

func newRTPStream(log engineLog, conn net.PacketConn, codec audio.Codec) *rtpStream {
	return &rtpStream{
		log:       log,
		conn:      conn,
		codec:     codec,
		ssrc:      randomSSRC(),
		seq:       randomSequenceStart(),
		timestamp: randomSSRC(),
		marker:    true,
		inbox:     make(chan []int16, inboxFrames),
	}
}

// setRemote points the stream at the negotiated peer.
func (s *rtpStream) setRemote(addr net.Addr, codec audio.Codec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = addr
	s.codec = codec
}

// setSRTP installs the outbound and inbound crypto contexts.
func (s *rtpStream) setSRTP(out, in *srtp.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srtpOut = out
	s.srtpIn = in
}

func (s *rtpStream) secure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srtpOut != nil
}

func (s *rtpStream) localPort() int {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// readFrame pops the oldest decoded frame, or nil when nothing arrived.
func (s *rtpStream) readFrame() []int16 {
	select {
	case f := <-s.inbox:
		return f
	default:
		return nil
	}
}

// writeFrame sends one ptime of audio to the remote party.
func (s *rtpStream) writeFrame(samples []int16) {
	if s.closed.Load() {
		return
	}
	if err := s.send(samples); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.debugf("rtp", "Send failed: %v", err)
	}
}

func (s *rtpStream) send(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote == nil {
		return nil
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         s.marker,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: s.codec.Encode(samples),
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if s.srtpOut != nil {
		data, err = s.srtpOut.EncryptRTP(nil, data, &pkt.Header)
		if err != nil {
			return err
		}
	}
	if _, err := s.conn.WriteTo(data, s.remote); err != nil {
		return err
	}

	s.marker = false
	s.seq++
	s.timestamp += uint32(len(samples))
	s.sent.Add(1)
	return nil
}

// run reads packets until ctx is done or the socket is closed.
func (s *rtpStream) run(ctx context.Context) error {
	buf := make([]byte, rtpMTU)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.handlePacket(buf[:n])
	}
}

func (s *rtpStream) handlePacket(data []byte) {
	s.mu.Lock()
	in := s.srtpIn
	s.mu.Unlock()

	if in != nil {
		var hdr rtp.Header
		plain, err := in.DecryptRTP(nil, data, &hdr)
		if err != nil {
			s.dropped.Add(1)
			s.log.tracef("srtp", "Decrypt failed: %v", err)
			return
		}
		data = plain
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		s.dropped.Add(1)
		return
	}
	codec, err := audio.CodecForPayloadType(pkt.PayloadType)
	if err != nil {
		// telephone-event and anything else we did not offer
		return
	}
	s.received.Add(1)

	frame := codec.Decode(pkt.Payload)
	select {
	case s.inbox <- frame:
	default:
		// the bridge fell behind; drop the oldest frame
		select {
		case <-s.inbox:
		default:
		}
		select {
		case s.inbox <- frame:
		default:
		}
	}
}

func (s *rtpStream) close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.log.debugf("rtp", "Stream closed: sent=%d received=%d dropped=%d",
		s.sent.Load(), s.received.Load(), s.dropped.Load())
	return s.conn.Close()
}
