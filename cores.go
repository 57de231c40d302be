package corelog

import (
	"crypto/ed25519"
	"sync"
)

// Cores is a container for storing and quickly accessing multiple logs.
// Stored cores can be resolved by public key or by discovery key, which is
// what a replication session needs when a peer opens a channel: the Open
// carries only the opaque discovery key.
//
// Safe for concurrent use.
type Cores struct {
	mu          sync.RWMutex
	byPublic    map[[KeySize]byte]*Core
	byDiscovery map[[KeySize]byte]*Core
}

// NewCores returns an empty registry.
func NewCores() *Cores {
	return &Cores{
		byPublic:    make(map[[KeySize]byte]*Core),
		byDiscovery: make(map[[KeySize]byte]*Core),
	}
}

// Insert stores a core under its public key, replacing any core already
// registered for it.
func (cs *Cores) Insert(core *Core) {
	var pub [KeySize]byte
	copy(pub[:], core.PublicKey())

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.byPublic[pub] = core
	cs.byDiscovery[DiscoveryKey(core.PublicKey())] = core
}

// ByPublic resolves a core by its public key.
func (cs *Cores) ByPublic(pub ed25519.PublicKey) (*Core, bool) {
	var key [KeySize]byte
	copy(key[:], pub)

	cs.mu.RLock()
	defer cs.mu.RUnlock()
	core, ok := cs.byPublic[key]
	return core, ok
}

// ByDiscovery resolves a core by its discovery key.
func (cs *Cores) ByDiscovery(dk [KeySize]byte) (*Core, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	core, ok := cs.byDiscovery[dk]
	return core, ok
}

// Len returns the number of stored cores.
func (cs *Cores) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.byPublic)
}

// PublicKeys returns the public keys of all stored cores in arbitrary order.
func (cs *Cores) PublicKeys() []ed25519.PublicKey {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	out := make([]ed25519.PublicKey, 0, len(cs.byPublic))
	for pub := range cs.byPublic {
		out = append(out, append(ed25519.PublicKey(nil), pub[:]...))
	}
	return out
}

// DiscoveryKeys returns the discovery keys of all stored cores in arbitrary
// order.
func (cs *Cores) DiscoveryKeys() [][KeySize]byte {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	out := make([][KeySize]byte, 0, len(cs.byDiscovery))
	for dk := range cs.byDiscovery {
		out = append(out, dk)
	}
	return out
}
