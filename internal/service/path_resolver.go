package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
	"github.com/mir00r/openflow-lb/internal/ports"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

// PathResolverConfig controls path resolution
type PathResolverConfig struct {
	// Timeout bounds the wait for a path response.
	Timeout time.Duration
	// CacheTTL keeps resolved paths for reuse. Zero disables the cache.
	CacheTTL time.Duration
	// CacheSize bounds the number of cached switch pairs.
	CacheSize int
}

type pathKey struct {
	ingress domain.DPID
	egress  domain.DPID
}

// PathResolver asks the topology service for switch paths. Each request
// carries its own correlation token and waits on its own channel, so
// unrelated requests never see each other's answers. Concurrent callers
// asking for the same pair share one request.
type PathResolver struct {
	requester ports.PathRequester
	timeout   time.Duration
	pending   *xsync.Map[string, chan domain.PathResponse]
	inflight  singleflight.Group
	cache     otter.Cache[pathKey, []domain.DPID]
	cached    bool
	metrics   *Metrics
	logger    *logger.Logger
}

// NewPathResolver creates a resolver publishing requests through requester
func NewPathResolver(cfg PathResolverConfig, requester ports.PathRequester, metrics *Metrics, log *logger.Logger) (*PathResolver, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("path resolution timeout must be positive")
	}

	r := &PathResolver{
		requester: requester,
		timeout:   cfg.Timeout,
		pending:   xsync.NewMap[string, chan domain.PathResponse](),
		metrics:   metrics,
		logger:    log.PathLogger(),
	}

	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 1024
		}
		cache, err := otter.MustBuilder[pathKey, []domain.DPID](size).
			Cost(func(_ pathKey, _ []domain.DPID) uint32 { return 1 }).
			WithTTL(cfg.CacheTTL).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create path cache: %w", err)
		}
		r.cache = cache
		r.cached = true
	}
	return r, nil
}

// Resolve returns the switch path from ingress to egress, both inclusive.
func (r *PathResolver) Resolve(ctx context.Context, ingress, egress domain.DPID) ([]domain.DPID, error) {
	if ingress == egress {
		return []domain.DPID{ingress}, nil
	}

	if path, ok := r.lookup(ingress, egress); ok {
		r.metrics.ObservePathRequest("cached")
		return path, nil
	}

	key := fmt.Sprintf("%d>%d", ingress, egress)
	ch := r.inflight.DoChan(key, func() (interface{}, error) {
		return r.request(ingress, egress)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clonePath(res.Val.([]domain.DPID)), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("path %s -> %s: %w", ingress, egress, ctx.Err())
	}
}

func (r *PathResolver) request(ingress, egress domain.DPID) ([]domain.DPID, error) {
	req := domain.PathRequest{
		Token:   uuid.NewString(),
		Ingress: ingress,
		Egress:  egress,
	}
	log := r.logger.WithFields(map[string]interface{}{
		"token":   req.Token,
		"ingress": ingress.String(),
		"egress":  egress.String(),
	})

	wait := make(chan domain.PathResponse, 1)
	r.pending.Store(req.Token, wait)
	defer r.pending.Delete(req.Token)

	if err := r.requester.RequestPath(req); err != nil {
		r.metrics.ObservePathRequest("error")
		log.WithError(err).Warn("Failed to publish path request")
		return nil, lberrors.WrapError(err, lberrors.ErrCodeInternalError, "path_resolver", "failed to publish path request")
	}
	log.Debug("Path request sent")

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-wait:
		path, err := validatePath(resp, ingress, egress)
		if err != nil {
			r.metrics.ObservePathRequest("not_found")
			log.WithError(err).Info("Path not found")
			return nil, err
		}
		r.metrics.ObservePathRequest("resolved")
		r.store(ingress, egress, path)
		log.WithField("hops", len(path)).Debug("Path resolved")
		return path, nil
	case <-timer.C:
		r.metrics.ObservePathRequest("timeout")
		log.WithField("timeout", r.timeout.String()).Warn("Path request timed out")
		return nil, lberrors.NewPathResolutionTimeoutError(ingress.String(), egress.String(), r.timeout)
	}
}

func validatePath(resp domain.PathResponse, ingress, egress domain.DPID) ([]domain.DPID, error) {
	notFound := lberrors.NewPathNotFoundError(ingress.String(), egress.String())
	if resp.NotFound || len(resp.Path) == 0 {
		return nil, notFound
	}
	if resp.Path[0] != ingress || resp.Path[len(resp.Path)-1] != egress {
		return nil, notFound.WithMetadata("reason", "path endpoints do not match request")
	}
	return clonePath(resp.Path), nil
}

// HandlePathResponse wakes the request whose token matches resp. Responses
// for unknown or expired tokens are dropped and false is returned.
func (r *PathResolver) HandlePathResponse(resp domain.PathResponse) bool {
	wait, ok := r.pending.LoadAndDelete(resp.Token)
	if !ok {
		r.logger.WithField("token", resp.Token).Debug("Dropping path response with unknown token")
		return false
	}
	wait <- resp
	return true
}

// Pending returns the number of requests awaiting a response
func (r *PathResolver) Pending() int {
	return r.pending.Size()
}

// InvalidateCache forgets every cached path. Called whenever the topology changes.
func (r *PathResolver) InvalidateCache() {
	if r.cached {
		r.cache.Clear()
	}
}

// Close releases the path cache
func (r *PathResolver) Close() {
	if r.cached {
		r.cache.Close()
	}
}

// lookup also serves a request from the cached path of the opposite
// direction, reversed.
func (r *PathResolver) lookup(ingress, egress domain.DPID) ([]domain.DPID, bool) {
	if !r.cached {
		return nil, false
	}
	if path, ok := r.cache.Get(pathKey{ingress, egress}); ok {
		return clonePath(path), true
	}
	if path, ok := r.cache.Get(pathKey{egress, ingress}); ok {
		return reversePath(path), true
	}
	return nil, false
}

func (r *PathResolver) store(ingress, egress domain.DPID, path []domain.DPID) {
	if r.cached {
		r.cache.Set(pathKey{ingress, egress}, clonePath(path))
	}
}

func clonePath(path []domain.DPID) []domain.DPID {
	return append([]domain.DPID(nil), path...)
}

func reversePath(path []domain.DPID) []domain.DPID {
	out := make([]domain.DPID, len(path))
	for i, dpid := range path {
		out[len(path)-1-i] = dpid
	}
	return out
}
