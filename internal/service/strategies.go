package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
)

// StrategyStats holds thread-safe statistics for strategies
type StrategyStats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	LastUsed        int64 // Unix timestamp
	mu              sync.RWMutex
	selections      map[string]int64
}

// NewStrategyStats creates a new thread-safe statistics collector
func NewStrategyStats() *StrategyStats {
	return &StrategyStats{
		selections: make(map[string]int64),
	}
}

// IncrementTotal atomically increments total request count
func (s *StrategyStats) IncrementTotal() {
	atomic.AddInt64(&s.TotalRequests, 1)
	atomic.StoreInt64(&s.LastUsed, time.Now().Unix())
}

// IncrementFailed atomically increments failed request count
func (s *StrategyStats) IncrementFailed() {
	atomic.AddInt64(&s.FailedRequests, 1)
}

// RecordSelection counts a successful pick of backendID
func (s *StrategyStats) RecordSelection(backendID string) {
	atomic.AddInt64(&s.SuccessRequests, 1)
	s.mu.Lock()
	s.selections[backendID]++
	s.mu.Unlock()
}

// GetStats returns a snapshot of current statistics
func (s *StrategyStats) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	selections := make(map[string]int64, len(s.selections))
	for k, v := range s.selections {
		selections[k] = v
	}

	return map[string]interface{}{
		"total_requests":   atomic.LoadInt64(&s.TotalRequests),
		"success_requests": atomic.LoadInt64(&s.SuccessRequests),
		"failed_requests":  atomic.LoadInt64(&s.FailedRequests),
		"last_used":        atomic.LoadInt64(&s.LastUsed),
		"selections":       selections,
	}
}

// SelectLeastLoaded returns the backend with the lowest load. Equal loads
// resolve to the backend that comes first in pool order. Backends missing
// from loads count as zero.
func SelectLeastLoaded(pool []*domain.Backend, loads domain.LoadSnapshot) (*domain.Backend, error) {
	if len(pool) == 0 {
		return nil, lberrors.NewEmptyPoolError()
	}

	best := pool[0]
	bestLoad := loads[best.ID]
	for _, b := range pool[1:] {
		if l := loads[b.ID]; l < bestLoad {
			best, bestLoad = b, l
		}
	}
	return best, nil
}

// LeastLoadStrategy picks the least-loaded backend and tracks how often each
// backend was chosen
type LeastLoadStrategy struct {
	stats *StrategyStats
}

// NewLeastLoadStrategy creates a least-load selection strategy
func NewLeastLoadStrategy() *LeastLoadStrategy {
	return &LeastLoadStrategy{stats: NewStrategyStats()}
}

func (s *LeastLoadStrategy) Select(pool []*domain.Backend, loads domain.LoadSnapshot) (*domain.Backend, error) {
	s.stats.IncrementTotal()

	backend, err := SelectLeastLoaded(pool, loads)
	if err != nil {
		s.stats.IncrementFailed()
		return nil, err
	}

	s.stats.RecordSelection(backend.ID)
	return backend, nil
}

func (s *LeastLoadStrategy) Name() string {
	return "Least Connections"
}

func (s *LeastLoadStrategy) GetStats() map[string]interface{} {
	return s.stats.GetStats()
}
