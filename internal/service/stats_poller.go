package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mir00r/openflow-lb/internal/domain"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

// CycleTracker receives poll cycle boundaries. Implemented by the load table.
type CycleTracker interface {
	BeginCycle(xid uint32, switches []domain.DPID)
	Skip(xid uint32, dpid domain.DPID)
}

// StatsPollerConfig controls statistics polling
type StatsPollerConfig struct {
	Interval time.Duration
	Switches []domain.DPID
}

// StatsPoller periodically asks the aggregation switches for their flow
// tables. Replies arrive asynchronously as FlowStatsReceived events.
type StatsPoller struct {
	config    StatsPollerConfig
	switches  MessageSender
	loads     CycleTracker
	metrics   *Metrics
	logger    *logger.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
	xid       uint32
}

// NewStatsPoller creates a poller
func NewStatsPoller(config StatsPollerConfig, switches MessageSender, loads CycleTracker, metrics *Metrics, log *logger.Logger) (*StatsPoller, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	return &StatsPoller{
		config:   config,
		switches: switches,
		loads:    loads,
		metrics:  metrics,
		logger:   log.StatsLogger(),
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the polling loop. Calling Start on a running poller is a no-op.
func (p *StatsPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return nil
	}

	p.isRunning = true
	p.logger.WithFields(map[string]interface{}{
		"interval": p.config.Interval.String(),
		"switches": len(p.config.Switches),
	}).Info("Starting statistics poller")

	p.wg.Add(1)
	go p.pollLoop(ctx, p.stopChan)
	return nil
}

// Stop ends the polling loop and waits for it to exit
func (p *StatsPoller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return nil
	}

	close(p.stopChan)
	p.wg.Wait()
	p.isRunning = false
	p.stopChan = make(chan struct{})

	p.logger.Info("Statistics poller stopped")
	return nil
}

// IsRunning reports whether the loop is active
func (p *StatsPoller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRunning
}

func (p *StatsPoller) pollLoop(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.PollOnce()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Poll loop stopped due to context cancellation")
			return
		case <-stop:
			return
		case <-ticker.C:
			p.PollOnce()
		}
	}
}

// PollOnce runs a single poll cycle and returns its transaction id.
// Unreachable switches are skipped; the others are still polled.
func (p *StatsPoller) PollOnce() uint32 {
	p.xid++
	if p.xid == 0 {
		p.xid = 1
	}
	xid := p.xid

	p.loads.BeginCycle(xid, p.config.Switches)
	p.metrics.ObservePollCycle()

	for _, dpid := range p.config.Switches {
		if err := p.switches.Deliver(dpid, &domain.FlowStatsRequest{Xid: xid}); err != nil {
			p.logger.WithError(err).WithFields(map[string]interface{}{
				"dpid": dpid.String(),
				"xid":  xid,
			}).Debug("Skipping switch this cycle")
			p.loads.Skip(xid, dpid)
		}
	}
	return xid
}
