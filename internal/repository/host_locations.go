package repository

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
)

// HostLocationTable is the static host attachment table. Read-only after construction.
type HostLocationTable struct {
	entries map[netip.Addr]domain.HostLocation
}

// NewHostLocationTable indexes the configured attachment points
func NewHostLocationTable(locations []domain.HostLocation) (*HostLocationTable, error) {
	t := &HostLocationTable{entries: make(map[netip.Addr]domain.HostLocation, len(locations))}
	for _, loc := range locations {
		if !loc.IP.IsValid() {
			return nil, fmt.Errorf("host location with invalid address")
		}
		if _, dup := t.entries[loc.IP]; dup {
			return nil, fmt.Errorf("duplicate host location for %s", loc.IP)
		}
		t.entries[loc.IP] = loc
	}
	return t, nil
}

// Lookup returns the attachment point of ip or an UnknownHostLocation error
func (t *HostLocationTable) Lookup(ip netip.Addr) (domain.HostLocation, error) {
	loc, ok := t.entries[ip]
	if !ok {
		return domain.HostLocation{}, lberrors.NewUnknownHostLocationError(ip.String())
	}
	return loc, nil
}

// All returns every entry ordered by address
func (t *HostLocationTable) All() []domain.HostLocation {
	out := make([]domain.HostLocation, 0, len(t.entries))
	for _, loc := range t.entries {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}
