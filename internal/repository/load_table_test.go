package repository

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mir00r/openflow-lb/internal/domain"
)

func testPool() []*domain.Backend {
	pool := make([]*domain.Backend, 0, 4)
	for i := 1; i <= 4; i++ {
		pool = append(pool, &domain.Backend{
			ID:  "s" + string(rune('0'+i)),
			IP:  netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}),
			MAC: []byte{0, 0, 0, 0, 0, byte(i)},
		})
	}
	return pool
}

func flowTo(ip string) domain.FlowStats {
	return domain.FlowStats{Match: domain.FlowMatch{NWDst: netip.MustParseAddr(ip)}}
}

func TestLoadTable_StartsAtZero(t *testing.T) {
	table := NewLoadTable(testPool())

	assert.Equal(t, domain.LoadSnapshot{"s1": 0, "s2": 0, "s3": 0, "s4": 0}, table.Snapshot())
	xid, _ := table.Generation()
	assert.Zero(t, xid)
}

func TestLoadTable_ResponseCountsOnlyReportedBackends(t *testing.T) {
	table := NewLoadTable(testPool())
	table.BeginCycle(1, []domain.DPID{3})

	accepted := table.Apply(3, 1, []domain.FlowStats{
		flowTo("10.0.0.1"),
		flowTo("10.0.0.1"),
		flowTo("10.0.0.2"),
		flowTo("10.0.0.100"),
		{Match: domain.FlowMatch{DLType: domain.EtherTypeIPv4}},
	})

	assert.True(t, accepted)
	assert.Equal(t, domain.LoadSnapshot{"s1": 2, "s2": 1, "s3": 0, "s4": 0}, table.Snapshot())
}

func TestLoadTable_SnapshotHiddenUntilCycleCompletes(t *testing.T) {
	table := NewLoadTable(testPool())
	table.BeginCycle(1, []domain.DPID{1})
	table.Apply(1, 1, []domain.FlowStats{flowTo("10.0.0.3")})
	assert.Equal(t, int64(1), table.Load("s3"))

	table.BeginCycle(2, []domain.DPID{1, 3})
	assert.Equal(t, int64(1), table.Load("s3"), "reset must not be visible")

	table.Apply(1, 2, []domain.FlowStats{flowTo("10.0.0.4")})
	assert.Equal(t, int64(1), table.Load("s3"), "half a cycle must not be visible")
	assert.Equal(t, int64(0), table.Load("s4"))

	table.Apply(3, 2, []domain.FlowStats{flowTo("10.0.0.4")})
	assert.Equal(t, domain.LoadSnapshot{"s1": 0, "s2": 0, "s3": 0, "s4": 2}, table.Snapshot())
}

func TestLoadTable_SwitchIsolation(t *testing.T) {
	table := NewLoadTable(testPool())
	table.BeginCycle(7, []domain.DPID{1, 3})

	table.Apply(3, 7, []domain.FlowStats{flowTo("10.0.0.1"), flowTo("10.0.0.1")})
	table.Apply(1, 7, []domain.FlowStats{flowTo("10.0.0.2")})

	snap := table.Snapshot()
	assert.Equal(t, int64(2), snap["s1"], "s1 is only counted from switch 3")
	assert.Equal(t, int64(1), snap["s2"])
}

func TestLoadTable_IgnoresStaleAndForeignReplies(t *testing.T) {
	table := NewLoadTable(testPool())
	table.BeginCycle(1, []domain.DPID{1, 3})
	table.BeginCycle(2, []domain.DPID{1, 3})

	assert.False(t, table.Apply(1, 1, []domain.FlowStats{flowTo("10.0.0.1")}), "stale xid")
	assert.False(t, table.Apply(5, 2, []domain.FlowStats{flowTo("10.0.0.1")}), "switch not polled")
	assert.True(t, table.Apply(1, 2, []domain.FlowStats{flowTo("10.0.0.1")}))
	assert.False(t, table.Apply(1, 2, []domain.FlowStats{flowTo("10.0.0.1")}), "duplicate reply")

	table.BeginCycle(3, []domain.DPID{1, 3})
	assert.Equal(t, int64(1), table.Load("s1"), "partial cycle published when next begins")
}

func TestLoadTable_SkipCompletesCycle(t *testing.T) {
	table := NewLoadTable(testPool())
	table.BeginCycle(1, []domain.DPID{1, 3})

	table.Apply(1, 1, []domain.FlowStats{flowTo("10.0.0.2")})
	table.Skip(1, 3)

	assert.Equal(t, int64(1), table.Load("s2"))
	xid, at := table.Generation()
	assert.Equal(t, uint32(1), xid)
	assert.False(t, at.IsZero())
}

func TestLoadTable_SilentCycleKeepsPreviousSnapshot(t *testing.T) {
	table := NewLoadTable(testPool())
	table.BeginCycle(1, []domain.DPID{1})
	table.Apply(1, 1, []domain.FlowStats{flowTo("10.0.0.2")})

	table.BeginCycle(2, []domain.DPID{1})
	table.BeginCycle(3, []domain.DPID{1})

	assert.Equal(t, int64(1), table.Load("s2"))
}

func TestLoadTable_OnPublish(t *testing.T) {
	table := NewLoadTable(testPool())
	var got []domain.LoadSnapshot
	table.OnPublish(func(s domain.LoadSnapshot) { got = append(got, s) })

	table.BeginCycle(1, []domain.DPID{1})
	table.Apply(1, 1, []domain.FlowStats{flowTo("10.0.0.4")})

	assert.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0]["s4"])
}
