package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
)

func newTestResolver(t *testing.T, topo *fakeTopology, cfg PathResolverConfig) (*PathResolver, *Metrics) {
	t.Helper()
	metrics := NewMetrics()
	resolver, err := NewPathResolver(cfg, topo, metrics, discard())
	require.NoError(t, err)
	topo.mu.Lock()
	topo.resolver = resolver
	topo.mu.Unlock()
	t.Cleanup(resolver.Close)
	return resolver, metrics
}

func TestPathResolver_Resolve(t *testing.T) {
	topo := newFakeTopology().route(clientSwitch, middleSwitch, backendSwitch)
	resolver, metrics := newTestResolver(t, topo, PathResolverConfig{Timeout: time.Second})

	path, err := resolver.Resolve(context.Background(), clientSwitch, backendSwitch)
	require.NoError(t, err)
	assert.Equal(t, []domain.DPID{clientSwitch, middleSwitch, backendSwitch}, path)
	assert.Equal(t, 0, resolver.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.pathRequests.WithLabelValues("resolved")))

	topo.mu.Lock()
	req := topo.requests[0]
	topo.mu.Unlock()
	assert.NotEmpty(t, req.Token)
	assert.Equal(t, clientSwitch, req.Ingress)
	assert.Equal(t, backendSwitch, req.Egress)
}

func TestPathResolver_SameSwitchNeedsNoRequest(t *testing.T) {
	topo := newFakeTopology()
	resolver, _ := newTestResolver(t, topo, PathResolverConfig{Timeout: time.Second})

	path, err := resolver.Resolve(context.Background(), middleSwitch, middleSwitch)
	require.NoError(t, err)
	assert.Equal(t, []domain.DPID{middleSwitch}, path)
	assert.Zero(t, topo.requestCount())
}

func TestPathResolver_Timeout(t *testing.T) {
	topo := newFakeTopology()
	resolver, metrics := newTestResolver(t, topo, PathResolverConfig{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := resolver.Resolve(context.Background(), clientSwitch, backendSwitch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lberrors.ErrPathResolutionTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, resolver.Pending())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.pathRequests.WithLabelValues("timeout")))
}

func TestPathResolver_LateResponseIsDropped(t *testing.T) {
	topo := newFakeTopology()
	resolver, _ := newTestResolver(t, topo, PathResolverConfig{Timeout: 20 * time.Millisecond})

	_, err := resolver.Resolve(context.Background(), clientSwitch, backendSwitch)
	require.Error(t, err)

	topo.mu.Lock()
	token := topo.requests[0].Token
	topo.mu.Unlock()
	assert.False(t, resolver.HandlePathResponse(domain.PathResponse{Token: token, Path: []domain.DPID{clientSwitch, backendSwitch}}))
	assert.False(t, resolver.HandlePathResponse(domain.PathResponse{Token: "unknown"}))
}

func TestPathResolver_NotFound(t *testing.T) {
	topo := newFakeTopology()
	resolver, _ := newTestResolver(t, topo, PathResolverConfig{Timeout: time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := resolver.Resolve(context.Background(), clientSwitch, backendSwitch)
		done <- err
	}()

	require.Eventually(t, func() bool { return resolver.Pending() == 1 }, time.Second, time.Millisecond)
	topo.mu.Lock()
	token := topo.requests[0].Token
	topo.mu.Unlock()
	require.True(t, resolver.HandlePathResponse(domain.PathResponse{Token: token, NotFound: true}))

	err := <-done
	assert.True(t, errors.Is(err, lberrors.ErrPathNotFound))
}

func TestPathResolver_RejectsMismatchedEndpoints(t *testing.T) {
	topo := newFakeTopology()
	topo.paths[[2]domain.DPID{clientSwitch, backendSwitch}] = []domain.DPID{middleSwitch, backendSwitch}
	resolver, _ := newTestResolver(t, topo, PathResolverConfig{Timeout: time.Second})

	_, err := resolver.Resolve(context.Background(), clientSwitch, backendSwitch)
	assert.True(t, errors.Is(err, lberrors.ErrPathNotFound))
}

func TestPathResolver_IndependentRequests(t *testing.T) {
	topo := newFakeTopology().
		route(clientSwitch, middleSwitch, backendSwitch).
		route(backendSwitch, middleSwitch, clientSwitch).
		route(clientSwitch, middleSwitch)
	topo.release = make(chan struct{})
	resolver, _ := newTestResolver(t, topo, PathResolverConfig{Timeout: 5 * time.Second})

	pairs := [][2]domain.DPID{
		{clientSwitch, backendSwitch},
		{backendSwitch, clientSwitch},
		{clientSwitch, middleSwitch},
	}
	results := make([][]domain.DPID, len(pairs))
	var wg sync.WaitGroup
	for i, pair := range pairs {
		wg.Add(1)
		go func(i int, pair [2]domain.DPID) {
			defer wg.Done()
			path, err := resolver.Resolve(context.Background(), pair[0], pair[1])
			assert.NoError(t, err)
			results[i] = path
		}(i, pair)
	}

	require.Eventually(t, func() bool { return resolver.Pending() == 3 }, time.Second, time.Millisecond)
	close(topo.release)
	wg.Wait()

	assert.Equal(t, []domain.DPID{clientSwitch, middleSwitch, backendSwitch}, results[0])
	assert.Equal(t, []domain.DPID{backendSwitch, middleSwitch, clientSwitch}, results[1])
	assert.Equal(t, []domain.DPID{clientSwitch, middleSwitch}, results[2])
}

func TestPathResolver_CoalescesSamePair(t *testing.T) {
	topo := newFakeTopology().route(clientSwitch, middleSwitch, backendSwitch)
	topo.release = make(chan struct{})
	resolver, _ := newTestResolver(t, topo, PathResolverConfig{Timeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := resolver.Resolve(context.Background(), clientSwitch, backendSwitch)
			assert.NoError(t, err)
			assert.Len(t, path, 3)
		}()
	}

	require.Eventually(t, func() bool { return resolver.Pending() == 1 }, time.Second, time.Millisecond)
	// Give the remaining callers time to join the outstanding request.
	time.Sleep(20 * time.Millisecond)
	close(topo.release)
	wg.Wait()

	assert.Equal(t, 1, topo.requestCount())
}

func TestPathResolver_CacheServesBothDirections(t *testing.T) {
	topo := newFakeTopology().route(clientSwitch, middleSwitch, backendSwitch)
	resolver, metrics := newTestResolver(t, topo, PathResolverConfig{
		Timeout:   time.Second,
		CacheTTL:  time.Minute,
		CacheSize: 16,
	})

	_, err := resolver.Resolve(context.Background(), clientSwitch, backendSwitch)
	require.NoError(t, err)

	path, err := resolver.Resolve(context.Background(), clientSwitch, backendSwitch)
	require.NoError(t, err)
	assert.Equal(t, []domain.DPID{clientSwitch, middleSwitch, backendSwitch}, path)

	path, err = resolver.Resolve(context.Background(), backendSwitch, clientSwitch)
	require.NoError(t, err)
	assert.Equal(t, []domain.DPID{backendSwitch, middleSwitch, clientSwitch}, path)

	assert.Equal(t, 1, topo.requestCount())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.pathRequests.WithLabelValues("cached")))

	resolver.InvalidateCache()
	_, err = resolver.Resolve(context.Background(), clientSwitch, backendSwitch)
	require.NoError(t, err)
	assert.Equal(t, 2, topo.requestCount())
}

func TestPathResolver_ContextCancellation(t *testing.T) {
	topo := newFakeTopology()
	resolver, _ := newTestResolver(t, topo, PathResolverConfig{Timeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := resolver.Resolve(ctx, clientSwitch, backendSwitch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewPathResolver_RequiresTimeout(t *testing.T) {
	_, err := NewPathResolver(PathResolverConfig{}, newFakeTopology(), NewMetrics(), discard())
	assert.Error(t, err)
}
