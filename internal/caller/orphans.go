package caller

import (
	"errors"
	"sync"

	"github.com/sebas/sipcaller/internal/engine"
)

// orphanStore holds players, recorders and frame ports that have been
// detached from a call but must not be released until the bridge they were
// attached to is being torn down.
type orphanStore struct {
	mu    sync.Mutex
	items []engine.Releaser
}

func (o *orphanStore) add(r engine.Releaser) {
	if r == nil {
		return
	}
	o.mu.Lock()
	o.items = append(o.items, r)
	o.mu.Unlock()
}

func (o *orphanStore) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// drain releases every held handle and empties the store.
func (o *orphanStore) drain() error {
	o.mu.Lock()
	items := o.items
	o.items = nil
	o.mu.Unlock()

	var errs []error
	for _, r := range items {
		if err := r.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
