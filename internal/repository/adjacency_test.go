package repository

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
)

func TestAdjacencyTable_RecordLinkBothDirections(t *testing.T) {
	table := NewAdjacencyTable()

	assert.True(t, table.RecordLink(1, 2, 2, 1))

	port, err := table.PortToward(1, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.PortNo(2), port)

	port, err = table.PortToward(2, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PortNo(1), port)
}

func TestAdjacencyTable_RecordLinkIdempotent(t *testing.T) {
	table := NewAdjacencyTable()

	assert.True(t, table.RecordLink(1, 2, 2, 1))
	assert.False(t, table.RecordLink(1, 2, 2, 1), "same link reported twice")
	assert.False(t, table.RecordLink(2, 1, 1, 2), "same link reported from the other side")
	assert.Len(t, table.Links(), 1)

	assert.True(t, table.RecordLink(1, 2, 5, 1), "port change is recorded")
	port, err := table.PortToward(1, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.PortNo(5), port)
}

func TestAdjacencyTable_UnknownPair(t *testing.T) {
	table := NewAdjacencyTable()
	table.RecordLink(1, 2, 2, 1)

	_, err := table.PortToward(1, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lberrors.ErrUnknownAdjacency))
}

func TestAdjacencyTable_Forget(t *testing.T) {
	table := NewAdjacencyTable()
	table.RecordLink(1, 2, 2, 1)
	table.RecordLink(2, 3, 2, 1)

	assert.Equal(t, 2, table.Forget(2))

	_, err := table.PortToward(1, 2)
	assert.Error(t, err)
	_, err = table.PortToward(3, 2)
	assert.Error(t, err)
	assert.Empty(t, table.Links())
}

func TestAdjacencyTable_Links(t *testing.T) {
	table := NewAdjacencyTable()
	table.RecordLink(3, 2, 1, 2)
	table.RecordLink(1, 2, 2, 1)

	assert.Equal(t, []domain.Link{
		{DPID1: 1, Port1: 2, DPID2: 2, Port2: 1},
		{DPID1: 2, Port1: 2, DPID2: 3, Port2: 1},
	}, table.Links())
}

func TestAdjacencyTable_ConcurrentAccess(t *testing.T) {
	table := NewAdjacencyTable()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			table.RecordLink(domain.DPID(i), domain.DPID(i+1), 2, 1)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = table.PortToward(domain.DPID(i), domain.DPID(i+1))
		}(i)
	}
	wg.Wait()

	assert.Len(t, table.Links(), 20)
}
