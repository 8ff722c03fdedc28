package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
	"github.com/mir00r/openflow-lb/internal/ports"
	"github.com/mir00r/openflow-lb/internal/repository"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

// PacketInLimiter throttles flow setups per switch
type PacketInLimiter interface {
	AllowSwitch(dpid domain.DPID) bool
}

// ControllerConfig tunes the packet-in pipeline
type ControllerConfig struct {
	// MaxPendingFlows bounds flow setups in progress. Packets arriving when
	// the bound is reached are dropped.
	MaxPendingFlows int64
	// FlowSetupTimeout bounds one flow setup from selection to packet release.
	FlowSetupTimeout time.Duration
}

// ControllerDeps are the collaborators a Controller drives
type ControllerDeps struct {
	Service   domain.VirtualService
	Pool      *repository.InMemoryBackendPool
	Hosts     *repository.HostLocationTable
	Loads     *repository.LoadTable
	Switches  *repository.SwitchRegistry
	Adjacency *repository.AdjacencyTable
	Strategy  domain.SelectionStrategy
	Proxy     *VirtualServiceProxy
	Resolver  *PathResolver
	Installer *FlowInstaller
	Poller    *StatsPoller
	Limiter   PacketInLimiter
	Metrics   *Metrics
	Logger    *logger.Logger
}

// Controller consumes switch events and runs the load-balancing pipeline:
// classify, select, resolve a path, install rules, release the packet.
// Flow setups run off the event path so a flow waiting for its path never
// holds up other flows, other switches, or the statistics poller.
type Controller struct {
	config ControllerConfig
	deps   ControllerDeps
	logger *logger.Logger

	slots  *semaphore.Weighted
	flows  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	isRunning bool
	startedAt time.Time
	// stopping refuses new flow setups between Stop and the next Start;
	// drained closes once the setups running at Stop have returned.
	stopping bool
	drained  chan struct{}
}

var (
	_ ports.ConnectionListener   = (*Controller)(nil)
	_ ports.PacketInListener     = (*Controller)(nil)
	_ ports.FlowStatsListener    = (*Controller)(nil)
	_ ports.LinkListener         = (*Controller)(nil)
	_ ports.PathResponseListener = (*Controller)(nil)
)

// NewController wires a controller
func NewController(config ControllerConfig, deps ControllerDeps) (*Controller, error) {
	if deps.Pool == nil || deps.Pool.Len() == 0 {
		return nil, lberrors.NewEmptyPoolError()
	}
	if deps.Hosts == nil || deps.Loads == nil || deps.Switches == nil || deps.Adjacency == nil ||
		deps.Strategy == nil || deps.Proxy == nil || deps.Resolver == nil || deps.Installer == nil ||
		deps.Poller == nil || deps.Metrics == nil || deps.Logger == nil {
		return nil, fmt.Errorf("controller: missing dependency")
	}
	if config.MaxPendingFlows <= 0 {
		return nil, fmt.Errorf("controller: max pending flows must be positive")
	}
	if config.FlowSetupTimeout <= 0 {
		return nil, fmt.Errorf("controller: flow setup timeout must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		config: config,
		deps:   deps,
		logger: deps.Logger.ControllerLogger(),
		slots:  semaphore.NewWeighted(config.MaxPendingFlows),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the statistics poller. Starting twice is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return nil
	}
	if c.drained != nil {
		select {
		case <-c.drained:
			c.drained = nil
		case <-ctx.Done():
			return fmt.Errorf("flow setups from the previous run still pending: %w", ctx.Err())
		}
	}
	c.stopping = false
	if c.ctx.Err() != nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	if err := c.deps.Poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start statistics poller: %w", err)
	}

	c.isRunning = true
	c.startedAt = time.Now()
	c.logger.WithFields(map[string]interface{}{
		"vip":      c.deps.Service.IP.String(),
		"backends": c.deps.Pool.Len(),
		"strategy": c.deps.Strategy.Name(),
	}).Info("Controller started")
	return nil
}

// Stop halts the poller, cancels flow setups still waiting on a path and
// waits for them to return or for ctx to expire.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning {
		return nil
	}
	c.logger.Info("Stopping controller")

	if err := c.deps.Poller.Stop(); err != nil {
		c.logger.WithError(err).Error("Failed to stop statistics poller")
	}
	c.stopping = true
	c.cancel()

	done := make(chan struct{})
	c.drained = done
	go func() {
		c.flows.Wait()
		close(done)
	}()

	c.isRunning = false
	select {
	case <-done:
		c.logger.Info("Controller stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for flow setups: %w", ctx.Err())
	}
}

// IsRunning reports whether Start has been called without a matching Stop
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunning
}

func (c *Controller) OnConnectionUp(ev ports.ConnectionUp) {
	c.deps.Switches.OnConnect(ev.DPID, ev.Channel)
}

// OnConnectionDown also forgets the switch's links, so no plan routes
// through it until discovery reports them again.
func (c *Controller) OnConnectionDown(ev ports.ConnectionDown) {
	if ev.Channel != nil {
		if !c.deps.Switches.OnDisconnectChannel(ev.DPID, ev.Channel) {
			return
		}
	} else {
		c.deps.Switches.OnDisconnect(ev.DPID)
	}

	if n := c.deps.Adjacency.Forget(ev.DPID); n > 0 {
		c.logger.WithField("dpid", ev.DPID.String()).WithField("links", n).Debug("Forgot links of disconnected switch")
	}
	c.deps.Resolver.InvalidateCache()
}

func (c *Controller) OnLinkDiscovered(ev ports.LinkDiscovered) {
	l := ev.Link
	if c.deps.Adjacency.RecordLink(l.DPID1, l.DPID2, l.Port1, l.Port2) {
		c.deps.Resolver.InvalidateCache()
		c.logger.WithFields(map[string]interface{}{
			"dpid1": l.DPID1.String(),
			"port1": l.Port1.String(),
			"dpid2": l.DPID2.String(),
			"port2": l.Port2.String(),
		}).Info("Link recorded")
	}
}

func (c *Controller) OnPathResponse(ev ports.PathResponseReceived) {
	c.deps.Resolver.HandlePathResponse(ev.Response)
}

func (c *Controller) OnFlowStats(ev ports.FlowStatsReceived) {
	accepted := c.deps.Loads.Apply(ev.DPID, ev.Xid, ev.Flows)
	c.deps.Metrics.ObserveStatsReply(accepted)
	if !accepted {
		c.logger.WithFields(map[string]interface{}{
			"dpid": ev.DPID.String(),
			"xid":  ev.Xid,
		}).Debug("Ignoring statistics reply outside the current cycle")
	}
}

// OnPacketIn answers ARP inline and hands IPv4 flows to a flow worker
func (c *Controller) OnPacketIn(ev ports.PacketIn) {
	class := c.deps.Proxy.Classify(ev.Frame)
	c.deps.Metrics.ObservePacketIn(class)

	switch class {
	case ClassARPVirtual, ClassARPOther:
		c.replyARP(ev)
	case ClassClientToService, ClassServiceToClient:
		c.dispatchFlow(ev, class)
	}
}

func (c *Controller) replyARP(ev ports.PacketIn) {
	reply, ok := c.deps.Proxy.ARPReply(ev.Frame, ev.InPort)
	if !ok {
		return
	}
	if c.deps.Switches.Send(ev.DPID, reply) {
		c.deps.Metrics.ObserveARPReply()
		c.logger.WithFields(map[string]interface{}{
			"dpid":   ev.DPID.String(),
			"target": ev.Frame.ARP.TargetIP.String(),
			"port":   ev.InPort.String(),
		}).Debug("Sent ARP reply")
	}
}

func (c *Controller) dispatchFlow(ev ports.PacketIn, class Classification) {
	if c.deps.Limiter != nil && !c.deps.Limiter.AllowSwitch(ev.DPID) {
		c.deps.Metrics.ObserveDrop("rate_limited")
		return
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		c.deps.Metrics.ObserveDrop("stopping")
		return
	}
	if !c.slots.TryAcquire(1) {
		c.mu.Unlock()
		c.deps.Metrics.ObserveDrop("saturated")
		c.logger.WithField("dpid", ev.DPID.String()).Warn("Too many pending flow setups, dropping packet")
		return
	}
	base := c.ctx
	c.flows.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.flows.Done()
		defer c.slots.Release(1)

		ctx, cancel := context.WithTimeout(base, c.config.FlowSetupTimeout)
		defer cancel()
		_ = c.handleFlow(ctx, ev, class)
	}()
}

// SetupFlow runs the flow pipeline for a packet-in synchronously
func (c *Controller) SetupFlow(ctx context.Context, ev ports.PacketIn) error {
	class := c.deps.Proxy.Classify(ev.Frame)
	if class != ClassClientToService && class != ClassServiceToClient {
		return lberrors.NewError(lberrors.ErrCodeFlowSetupRejected, "controller",
			fmt.Sprintf("packet classified as %s", class))
	}
	return c.handleFlow(ctx, ev, class)
}

// WaitForFlows blocks until every dispatched flow setup has returned
func (c *Controller) WaitForFlows() {
	c.flows.Wait()
}

func (c *Controller) handleFlow(ctx context.Context, ev ports.PacketIn, class Classification) error {
	var (
		plan *InstallPlan
		err  error
		dir  = DirectionClientToService
	)
	if class == ClassServiceToClient {
		dir = DirectionServiceToClient
		plan, err = c.planServiceToClient(ctx, ev)
	} else {
		plan, err = c.planClientToService(ctx, ev)
	}

	log := c.logger.WithFields(map[string]interface{}{
		"dpid":      ev.DPID.String(),
		"direction": dir.String(),
		"src":       ev.Frame.IPv4.Src.String(),
		"dst":       ev.Frame.IPv4.Dst.String(),
	})

	if err != nil {
		c.deps.Metrics.ObserveFlowSetup(dir, resultLabel(err))
		logFlowFailure(log.WithError(err), err, "Flow setup failed, packet dropped")
		return err
	}

	result, err := c.deps.Installer.Install(plan)
	if err != nil {
		c.deps.Metrics.ObserveFlowSetup(dir, resultLabel(err))
		logFlowFailure(log.WithError(err).WithField("installed", result.Installed), err, "Flow installation incomplete")
		return err
	}

	outcome := "ok"
	if len(result.Skipped) > 0 {
		outcome = "partial"
	}
	c.deps.Metrics.ObserveFlowSetup(dir, outcome)
	log.WithFields(map[string]interface{}{
		"hops":    len(plan.Rules),
		"skipped": len(result.Skipped),
	}).Info("Flow installed")
	return nil
}

func (c *Controller) planClientToService(ctx context.Context, ev ports.PacketIn) (*InstallPlan, error) {
	frame := ev.Frame
	clientLoc, err := c.deps.Hosts.Lookup(frame.IPv4.Src)
	if err != nil {
		return nil, err
	}

	backend, err := c.deps.Strategy.Select(c.deps.Pool.GetAll(), c.deps.Loads.Snapshot())
	if err != nil {
		return nil, err
	}
	backendLoc, err := c.deps.Hosts.Lookup(backend.IP)
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(map[string]interface{}{
		"backend_id": backend.ID,
		"client":     frame.IPv4.Src.String(),
	}).Debug("Selected backend for flow")

	path, err := c.deps.Resolver.Resolve(ctx, clientLoc.DPID, backendLoc.DPID)
	if err != nil {
		return nil, err
	}
	return c.deps.Installer.PlanClientToService(path, frame, backend, backendLoc.Port)
}

func (c *Controller) planServiceToClient(ctx context.Context, ev ports.PacketIn) (*InstallPlan, error) {
	frame := ev.Frame
	backendLoc, err := c.deps.Hosts.Lookup(frame.IPv4.Src)
	if err != nil {
		return nil, err
	}
	clientLoc, err := c.deps.Hosts.Lookup(frame.IPv4.Dst)
	if err != nil {
		return nil, err
	}

	path, err := c.deps.Resolver.Resolve(ctx, backendLoc.DPID, clientLoc.DPID)
	if err != nil {
		return nil, err
	}
	return c.deps.Installer.PlanServiceToClient(path, frame, c.deps.Service, clientLoc.Port)
}

// logFlowFailure logs failures that clear on their own, such as a link not
// yet discovered or a switch reconnecting, at Info and the rest at Warn.
func logFlowFailure(log *logger.Logger, err error, msg string) {
	if lberrors.IsRetryable(err) {
		log.WithField("retryable", true).Info(msg)
		return
	}
	log.Warn(msg)
}

func resultLabel(err error) string {
	return strings.ToLower(string(lberrors.GetErrorCode(err)))
}

// GetStats returns controller statistics
func (c *Controller) GetStats() map[string]interface{} {
	c.mu.Lock()
	running, startedAt := c.isRunning, c.startedAt
	c.mu.Unlock()

	xid, publishedAt := c.deps.Loads.Generation()
	stats := map[string]interface{}{
		"running":            running,
		"strategy":           c.deps.Strategy.Name(),
		"strategy_stats":     c.deps.Strategy.GetStats(),
		"connected_switches": c.deps.Switches.Count(),
		"known_links":        len(c.deps.Adjacency.Links()),
		"pending_paths":      c.deps.Resolver.Pending(),
		"load_generation":    xid,
		"poller_running":     c.deps.Poller.IsRunning(),
	}
	if running {
		stats["uptime"] = time.Since(startedAt).Round(time.Second).String()
	}
	if !publishedAt.IsZero() {
		stats["loads_published_at"] = publishedAt.Format(time.RFC3339)
	}
	return stats
}
