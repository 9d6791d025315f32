package p2p

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ServerRegistry records the listeners bound by this process, one per port, so repeated bind
// requests reuse the running listener.
type ServerRegistry struct {
	mu      sync.Mutex
	servers map[string]*Listener
}

func NewServerRegistry() *ServerRegistry {
	return &ServerRegistry{servers: make(map[string]*Listener)}
}

func serverKey(port int) string {
	return fmt.Sprintf("*.%d", port)
}

// Get returns the listener bound to port, nil when none is running.
func (r *ServerRegistry) Get(port int) *Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers[serverKey(port)]
}

func (r *ServerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Listeners returns the registered listeners ordered by port.
func (r *ServerRegistry) Listeners() []*Listener {
	r.mu.Lock()
	out := make([]*Listener, 0, len(r.servers))
	for _, l := range r.servers {
		out = append(out, l)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].port < out[j].port })
	return out
}

// Reset closes every registered listener and empties the registry.
func (r *ServerRegistry) Reset() error {
	r.mu.Lock()
	servers := r.servers
	r.servers = make(map[string]*Listener)
	r.mu.Unlock()

	var errs []error
	for key, l := range servers {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
