package repository

import (
	"sort"
	"sync"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
)

// AdjacencyTable records, per switch, the local port leading to each neighbour.
// Entries only exist once link discovery has reported the pair.
type AdjacencyTable struct {
	mu    sync.RWMutex
	ports map[domain.DPID]map[domain.DPID]domain.PortNo
}

// NewAdjacencyTable creates an empty adjacency table
func NewAdjacencyTable() *AdjacencyTable {
	return &AdjacencyTable{
		ports: make(map[domain.DPID]map[domain.DPID]domain.PortNo),
	}
}

// RecordLink stores both directions of a link. Returns true if anything changed.
func (t *AdjacencyTable) RecordLink(a, b domain.DPID, portOnA, portOnB domain.PortNo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := t.set(a, b, portOnA)
	if t.set(b, a, portOnB) {
		changed = true
	}
	return changed
}

func (t *AdjacencyTable) set(from, toward domain.DPID, port domain.PortNo) bool {
	neighbours, ok := t.ports[from]
	if !ok {
		neighbours = make(map[domain.DPID]domain.PortNo)
		t.ports[from] = neighbours
	}
	if old, ok := neighbours[toward]; ok && old == port {
		return false
	}
	neighbours[toward] = port
	return true
}

// PortToward returns the port on from that reaches toward
func (t *AdjacencyTable) PortToward(from, toward domain.DPID) (domain.PortNo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if port, ok := t.ports[from][toward]; ok {
		return port, nil
	}
	return 0, lberrors.NewUnknownAdjacencyError(from.String(), toward.String())
}

// Forget drops every adjacency involving dpid
func (t *AdjacencyTable) Forget(dpid domain.DPID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := len(t.ports[dpid])
	delete(t.ports, dpid)
	for _, neighbours := range t.ports {
		delete(neighbours, dpid)
	}
	return removed
}

// Links returns each known link once, ordered by the lower DPID
func (t *AdjacencyTable) Links() []domain.Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var links []domain.Link
	for a, neighbours := range t.ports {
		for b, portA := range neighbours {
			if a > b {
				continue
			}
			link := domain.Link{DPID1: a, Port1: portA, DPID2: b, Port2: domain.PortNone}
			if portB, ok := t.ports[b][a]; ok {
				link.Port2 = portB
			}
			links = append(links, link)
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].DPID1 != links[j].DPID1 {
			return links[i].DPID1 < links[j].DPID1
		}
		return links[i].DPID2 < links[j].DPID2
	})
	return links
}
