package sipua

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sebas/sipcaller/internal/engine"
)

const (
	clockRate    = 8000
	ptime        = 20 * time.Millisecond
	frameSamples = clockRate / 1000 * int(ptime/time.Millisecond)
)

// mediaPort is anything that can sit on the conference bridge.
type mediaPort interface {
	// readFrame returns the next frame for connected sinks. nil is silence.
	readFrame() []int16
	// writeFrame receives the mix of every source connected to the port.
	writeFrame(samples []int16)
}

// closer is implemented by ports that hold files or sockets which must be
// finalised when the bridge goes away.
type closer interface {
	close() error
}

type confSlot struct {
	id    int
	name  string
	port  mediaPort
	sinks map[int]bool
}

type route struct {
	src   mediaPort
	sinks []mediaPort
}

// conference mixes audio between ports every ptime. Connections are
// directional: a source's frames are summed into each of its sinks.
//
// The slot table is only touched under mu. Port callbacks run outside the
// lock so a sink may call back into the bridge without deadlocking.
type conference struct {
	log engineLog

	mu        sync.Mutex
	nextID    int
	slots     map[int]*confSlot
	destroyed bool
	running   bool
	stop      chan struct{}
	done      chan struct{}
}

func newConference(log engineLog) *conference {
	return &conference{
		log:   log,
		slots: make(map[int]*confSlot),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *conference) add(name string, port mediaPort) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return 0, engine.ErrDestroyed
	}
	id := c.nextID
	c.nextID++
	c.slots[id] = &confSlot{id: id, name: name, port: port, sinks: make(map[int]bool)}
	c.log.debugf("conference", "Port %d (%s) added", id, name)
	return id, nil
}

func (c *conference) connect(src, dst int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return engine.ErrDestroyed
	}
	s, ok := c.slots[src]
	if !ok {
		return fmt.Errorf("conference: unknown source port %d", src)
	}
	if _, ok := c.slots[dst]; !ok {
		return fmt.Errorf("conference: unknown sink port %d", dst)
	}
	if !s.sinks[dst] {
		s.sinks[dst] = true
		c.log.debugf("conference", "Port %d (%s) transmitting to port %d (%s)", src, s.name, dst, c.slots[dst].name)
	}
	return nil
}

func (c *conference) disconnect(src, dst int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil
	}
	s, ok := c.slots[src]
	if !ok {
		return fmt.Errorf("conference: unknown source port %d", src)
	}
	if s.sinks[dst] {
		delete(s.sinks, dst)
		c.log.debugf("conference", "Port %d stop transmitting to port %d", src, dst)
	}
	return nil
}

// connected reports whether src currently transmits to dst.
func (c *conference) connected(src, dst int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[src]
	return ok && s.sinks[dst]
}

// remove takes a port off the bridge. A port that is still connected is
// detached anyway; when strict is set this is reported as a failed removal.
func (c *conference) remove(id int, strict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	slot, ok := c.slots[id]
	if !ok {
		return
	}

	live := len(slot.sinks) > 0
	for _, other := range c.slots {
		if other.sinks[id] {
			live = true
			delete(other.sinks, id)
		}
	}
	if live && strict {
		c.log.warnf("conference", "remove port failed: port %d (%s) still has active connections", id, slot.name)
	}
	delete(c.slots, id)
	c.log.debugf("conference", "Port %d (%s) removed", id, slot.name)
}

func (c *conference) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// start runs the mixer clock until destroy.
func (c *conference) start() {
	c.mu.Lock()
	if c.running || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(ptime)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

// tick moves one frame from every source to its sinks.
func (c *conference) tick() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	routes := make([]route, 0, len(c.slots))
	for _, s := range c.slots {
		if len(s.sinks) == 0 {
			continue
		}
		r := route{src: s.port}
		for id := range s.sinks {
			if dst, ok := c.slots[id]; ok {
				r.sinks = append(r.sinks, dst.port)
			}
		}
		routes = append(routes, r)
	}
	c.mu.Unlock()

	mixed := make(map[mediaPort][]int32)
	order := make([]mediaPort, 0)
	for _, r := range routes {
		frame := r.src.readFrame()
		for _, dst := range r.sinks {
			acc, ok := mixed[dst]
			if !ok {
				acc = make([]int32, frameSamples)
				mixed[dst] = acc
				order = append(order, dst)
			}
			for i := 0; i < len(frame) && i < frameSamples; i++ {
				acc[i] += int32(frame[i])
			}
		}
	}
	for _, dst := range order {
		dst.writeFrame(clip(mixed[dst]))
	}
}

func clip(acc []int32) []int16 {
	out := make([]int16, len(acc))
	for i, v := range acc {
		switch {
		case v > math.MaxInt16:
			out[i] = math.MaxInt16
		case v < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// destroy stops the mixer and finalises every remaining port. Later
// operations on the bridge are no-ops or return ErrDestroyed.
func (c *conference) destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	running := c.running
	remaining := make([]*confSlot, 0, len(c.slots))
	for _, s := range c.slots {
		remaining = append(remaining, s)
	}
	c.slots = make(map[int]*confSlot)
	c.mu.Unlock()

	close(c.stop)
	if running {
		<-c.done
	}
	for _, s := range remaining {
		if cl, ok := s.port.(closer); ok {
			if err := cl.close(); err != nil {
				c.log.warnf("conference", "Closing port %d (%s): %v", s.id, s.name, err)
			}
		}
	}
	c.log.infof("conference", "Bridge destroyed, %d ports released", len(remaining))
}
