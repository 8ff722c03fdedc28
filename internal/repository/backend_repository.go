package repository

import (
	"fmt"
	"net/netip"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
)

// InMemoryBackendPool holds the configured backend pool in configuration
// order. The pool is fixed for the process lifetime, so reads take no lock.
type InMemoryBackendPool struct {
	backends []*domain.Backend
	byID     map[string]*domain.Backend
	byIP     map[netip.Addr]*domain.Backend
}

// NewInMemoryBackendPool validates and indexes the pool
func NewInMemoryBackendPool(backends []*domain.Backend) (*InMemoryBackendPool, error) {
	if len(backends) == 0 {
		return nil, lberrors.NewEmptyPoolError()
	}

	p := &InMemoryBackendPool{
		backends: make([]*domain.Backend, 0, len(backends)),
		byID:     make(map[string]*domain.Backend, len(backends)),
		byIP:     make(map[netip.Addr]*domain.Backend, len(backends)),
	}
	for _, b := range backends {
		if b == nil {
			return nil, fmt.Errorf("backend cannot be nil")
		}
		if b.ID == "" {
			return nil, fmt.Errorf("backend ID cannot be empty")
		}
		if !b.IP.Is4() {
			return nil, fmt.Errorf("backend %s: IPv4 address required, got %s", b.ID, b.IP)
		}
		if _, dup := p.byID[b.ID]; dup {
			return nil, fmt.Errorf("duplicate backend ID '%s'", b.ID)
		}
		if _, dup := p.byIP[b.IP]; dup {
			return nil, fmt.Errorf("duplicate backend address %s", b.IP)
		}
		p.backends = append(p.backends, b)
		p.byID[b.ID] = b
		p.byIP[b.IP] = b
	}
	return p, nil
}

// GetAll returns the pool in configuration order
func (p *InMemoryBackendPool) GetAll() []*domain.Backend {
	out := make([]*domain.Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// GetByID returns a backend by its ID
func (p *InMemoryBackendPool) GetByID(id string) (*domain.Backend, error) {
	b, ok := p.byID[id]
	if !ok {
		return nil, fmt.Errorf("backend with ID '%s' not found", id)
	}
	return b, nil
}

// GetByIP returns the pool member with the given address
func (p *InMemoryBackendPool) GetByIP(ip netip.Addr) (*domain.Backend, bool) {
	b, ok := p.byIP[ip]
	return b, ok
}

// Len returns the pool size
func (p *InMemoryBackendPool) Len() int {
	return len(p.backends)
}
