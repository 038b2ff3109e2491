package wda

import (
	"sync"
)

// Registry tracks every live Server in the process so a shutdown hook can
// close them all, and hands out the per-UDID start locks that serialize
// start sequences per device.
type Registry struct {
	lock       sync.Mutex
	servers    map[*Server]bool
	startLocks map[string]*sync.Mutex
}

// NewRegistry creates an empty registry.  One is constructed at process
// start and wired into each provider.
func NewRegistry() *Registry {
	return &Registry{
		servers:    make(map[*Server]bool),
		startLocks: make(map[string]*sync.Mutex),
	}
}

func (r *Registry) add(s *Server) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.servers[s] = true
}

func (r *Registry) remove(s *Server) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.servers, s)
}

// startLock returns the mutex serializing start sequences for a UDID.
func (r *Registry) startLock(udid string) *sync.Mutex {
	r.lock.Lock()
	defer r.lock.Unlock()

	mutex, ok := r.startLocks[udid]
	if !ok {
		mutex = new(sync.Mutex)
		r.startLocks[udid] = mutex
	}
	return mutex
}

// CloseAll closes every registered server.  Used by the process shutdown hook.
func (r *Registry) CloseAll() {
	r.lock.Lock()
	servers := make([]*Server, 0, len(r.servers))
	for s := range r.servers {
		servers = append(servers, s)
	}
	r.lock.Unlock()

	for _, s := range servers {
		s.Close()
	}
}
