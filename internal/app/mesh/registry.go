package mesh

import "github.com/dkeye/studio/internal/domain"

// Registry maps participant identities to their current transport
// addresses and back. It is owned by the coordinator goroutine and is not
// safe for concurrent use.
type Registry struct {
	byIdentity map[domain.Identity]domain.Address
	byAddress  map[domain.Address]domain.Identity
}

func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[domain.Identity]domain.Address),
		byAddress:  make(map[domain.Address]domain.Identity),
	}
}

// Bind maps identity to address, dropping any previous address of the
// identity and any identity previously holding address. It returns the
// previous address of identity, if it had one.
func (r *Registry) Bind(id domain.Identity, addr domain.Address) (domain.Address, bool) {
	prev, had := r.byIdentity[id]
	if had && prev == addr {
		return prev, true
	}
	if had {
		delete(r.byAddress, prev)
	}
	if owner, ok := r.byAddress[addr]; ok && owner != id {
		delete(r.byIdentity, owner)
	}
	r.byIdentity[id] = addr
	r.byAddress[addr] = id
	return prev, had
}

func (r *Registry) ResolveAddress(id domain.Identity) (domain.Address, bool) {
	addr, ok := r.byIdentity[id]
	return addr, ok
}

func (r *Registry) ResolveIdentity(addr domain.Address) (domain.Identity, bool) {
	id, ok := r.byAddress[addr]
	return id, ok
}

// Forget removes both directions of the mapping for id.
func (r *Registry) Forget(id domain.Identity) {
	if addr, ok := r.byIdentity[id]; ok {
		delete(r.byAddress, addr)
		delete(r.byIdentity, id)
	}
}

func (r *Registry) Len() int { return len(r.byIdentity) }

// Members returns a copy of the identity to address mapping.
func (r *Registry) Members() map[domain.Identity]domain.Address {
	out := make(map[domain.Identity]domain.Address, len(r.byIdentity))
	for id, addr := range r.byIdentity {
		out[id] = addr
	}
	return out
}

func (r *Registry) Reset() {
	clear(r.byIdentity)
	clear(r.byAddress)
}
