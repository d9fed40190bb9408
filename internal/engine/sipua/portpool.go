package sipua

import (
	"fmt"
	"sort"
	"sync"
)

// portPool hands out even RTP ports from a configured range. RTCP uses the
// odd port above each RTP port, so ports are leased in pairs.
//
// A zero range means "let the kernel choose": Allocate returns 0 and the
// socket is bound to an ephemeral port.
type portPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	available []int
	allocated map[int]bool
}

func newPortPool(minPort, maxPort int) *portPool {
	p := &portPool{allocated: make(map[int]bool)}
	if minPort <= 0 || maxPort <= 0 {
		return p
	}
	if minPort%2 != 0 {
		minPort++
	}
	p.minPort = minPort
	p.maxPort = maxPort
	for port := minPort; port < maxPort; port += 2 {
		p.available = append(p.available, port)
	}
	return p
}

func (p *portPool) ephemeral() bool {
	return p.minPort == 0
}

// Allocate leases the lowest free RTP port.
func (p *portPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ephemeral() {
		return 0, nil
	}
	if len(p.available) == 0 {
		return 0, fmt.Errorf("no ports available in pool (range %d-%d)", p.minPort, p.maxPort)
	}
	port := p.available[0]
	p.available = p.available[1:]
	p.allocated[port] = true
	return port, nil
}

// Release returns a leased port. Unknown ports are ignored.
func (p *portPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allocated[port] {
		return
	}
	delete(p.allocated, port)
	p.available = append(p.available, port)
	sort.Ints(p.available)
}

func (p *portPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

func (p *portPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
