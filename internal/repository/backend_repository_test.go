package repository

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
)

func TestInMemoryBackendPool_KeepsOrder(t *testing.T) {
	pool, err := NewInMemoryBackendPool(testPool())
	require.NoError(t, err)

	ids := make([]string, 0, pool.Len())
	for _, b := range pool.GetAll() {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, ids)

	b, ok := pool.GetByIP(netip.MustParseAddr("10.0.0.3"))
	require.True(t, ok)
	assert.Equal(t, "s3", b.ID)

	_, ok = pool.GetByIP(netip.MustParseAddr("10.0.0.9"))
	assert.False(t, ok)

	_, err = pool.GetByID("nope")
	assert.Error(t, err)
}

func TestInMemoryBackendPool_Validation(t *testing.T) {
	_, err := NewInMemoryBackendPool(nil)
	assert.True(t, errors.Is(err, lberrors.ErrEmptyPool))

	dup := testPool()
	dup[1].IP = dup[0].IP
	_, err = NewInMemoryBackendPool(dup)
	assert.Error(t, err)

	_, err = NewInMemoryBackendPool([]*domain.Backend{{ID: "v6", IP: netip.MustParseAddr("::1")}})
	assert.Error(t, err)
}

func TestHostLocationTable_Lookup(t *testing.T) {
	table, err := NewHostLocationTable([]domain.HostLocation{
		{IP: netip.MustParseAddr("10.0.0.5"), DPID: 5, Port: 2},
		{IP: netip.MustParseAddr("10.0.0.1"), DPID: 1, Port: 3},
	})
	require.NoError(t, err)

	loc, err := table.Lookup(netip.MustParseAddr("10.0.0.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.DPID(5), loc.DPID)
	assert.Equal(t, domain.PortNo(2), loc.Port)

	_, err = table.Lookup(netip.MustParseAddr("10.0.0.77"))
	assert.True(t, errors.Is(err, lberrors.ErrUnknownHostLocation))

	all := table.All()
	require.Len(t, all, 2)
	assert.Equal(t, "10.0.0.1", all[0].IP.String())
}
