package repository

import (
	"net/netip"
	"sync"
	"time"

	"github.com/mir00r/openflow-lb/internal/domain"
)

// LoadTable keeps the per-backend rule counts gathered by statistics polling.
//
// Each poll cycle fills a pending generation that starts at zero for every
// backend. Readers only ever see the last published generation, so the
// reset at the start of a cycle is never visible to selection. A generation
// is published once every expected switch has answered, or when the next
// cycle begins.
type LoadTable struct {
	mu        sync.Mutex
	order     []string
	byIP      map[netip.Addr]string
	published domain.LoadSnapshot
	at        time.Time
	xid       uint32
	pending   *generation
	onPublish func(domain.LoadSnapshot)
}

type generation struct {
	xid      uint32
	counts   domain.LoadSnapshot
	expected map[domain.DPID]struct{}
	reported map[domain.DPID]struct{}
}

// NewLoadTable creates a table with every backend at zero
func NewLoadTable(pool []*domain.Backend) *LoadTable {
	t := &LoadTable{
		order: make([]string, 0, len(pool)),
		byIP:  make(map[netip.Addr]string, len(pool)),
	}
	for _, b := range pool {
		t.order = append(t.order, b.ID)
		t.byIP[b.IP] = b.ID
	}
	t.published = t.zero()
	return t
}

// OnPublish registers a callback run with every newly published snapshot.
// The callback runs under the table lock and must not call back into it.
func (t *LoadTable) OnPublish(fn func(domain.LoadSnapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPublish = fn
}

func (t *LoadTable) zero() domain.LoadSnapshot {
	s := make(domain.LoadSnapshot, len(t.order))
	for _, id := range t.order {
		s[id] = 0
	}
	return s
}

// BeginCycle publishes whatever the previous cycle gathered and opens a new
// zeroed generation expecting one reply from each of switches. A previous
// cycle in which no switch answered is discarded instead.
func (t *LoadTable) BeginCycle(xid uint32, switches []domain.DPID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil && len(t.pending.reported) > 0 {
		t.publish()
	}

	gen := &generation{
		xid:      xid,
		counts:   t.zero(),
		expected: make(map[domain.DPID]struct{}, len(switches)),
		reported: make(map[domain.DPID]struct{}, len(switches)),
	}
	for _, dpid := range switches {
		gen.expected[dpid] = struct{}{}
	}
	t.pending = gen
	t.maybeComplete()
}

// Skip removes a switch the poller could not reach from the current cycle
func (t *LoadTable) Skip(xid uint32, dpid domain.DPID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == nil || t.pending.xid != xid {
		return
	}
	delete(t.pending.expected, dpid)
	t.maybeComplete()
}

// Apply counts the flows of one statistics reply. Flows aimed at a backend
// increment only that backend. Replies for another cycle, from an
// unexpected switch, or repeated replies are ignored and Apply returns false.
func (t *LoadTable) Apply(dpid domain.DPID, xid uint32, flows []domain.FlowStats) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	gen := t.pending
	if gen == nil || gen.xid != xid {
		return false
	}
	if _, ok := gen.expected[dpid]; !ok {
		return false
	}
	if _, dup := gen.reported[dpid]; dup {
		return false
	}
	gen.reported[dpid] = struct{}{}

	for _, f := range flows {
		if !f.Match.NWDst.IsValid() {
			continue
		}
		if id, ok := t.byIP[f.Match.NWDst]; ok {
			gen.counts[id]++
		}
	}
	t.maybeComplete()
	return true
}

func (t *LoadTable) maybeComplete() {
	if len(t.pending.reported) >= len(t.pending.expected) && len(t.pending.expected) > 0 {
		t.publish()
	}
}

func (t *LoadTable) publish() {
	t.published = t.pending.counts
	t.xid = t.pending.xid
	t.at = time.Now()
	t.pending = nil
	if t.onPublish != nil {
		t.onPublish(t.copyPublished())
	}
}

func (t *LoadTable) copyPublished() domain.LoadSnapshot {
	out := make(domain.LoadSnapshot, len(t.published))
	for k, v := range t.published {
		out[k] = v
	}
	return out
}

// Snapshot returns a copy of the last published generation
func (t *LoadTable) Snapshot() domain.LoadSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyPublished()
}

// Load returns the published load of one backend
func (t *LoadTable) Load(backendID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published[backendID]
}

// Generation returns the xid and time of the last published generation.
// A zero xid means no cycle has completed yet.
func (t *LoadTable) Generation() (uint32, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.xid, t.at
}
