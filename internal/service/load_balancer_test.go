package service

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
	"github.com/mir00r/openflow-lb/internal/ports"
	"github.com/mir00r/openflow-lb/internal/repository"
)

type denyAll struct{}

func (denyAll) AllowSwitch(domain.DPID) bool { return false }

type testEnv struct {
	ctrl     *Controller
	deps     ControllerDeps
	topo     *fakeTopology
	channels map[domain.DPID]*fakeChannel
	metrics  *Metrics
}

func newTestEnv(t *testing.T, cfg ControllerConfig, pathTimeout time.Duration, limiter PacketInLimiter) *testEnv {
	t.Helper()
	log := discard()
	metrics := NewMetrics()
	pool := testPool(t)
	switches := repository.NewSwitchRegistry(log)
	adjacency := testAdjacency()
	loads := repository.NewLoadTable(pool.GetAll())

	topo := newFakeTopology()
	resolver, err := NewPathResolver(PathResolverConfig{Timeout: pathTimeout}, topo, metrics, log)
	require.NoError(t, err)
	topo.resolver = resolver
	t.Cleanup(resolver.Close)

	installer, err := NewFlowInstaller(FlowInstallerConfig{
		IdleTimeout: 2 * time.Second,
		HardTimeout: 5 * time.Second,
	}, adjacency, switches, metrics, log)
	require.NoError(t, err)

	poller, err := NewStatsPoller(StatsPollerConfig{
		Interval: time.Hour,
		Switches: []domain.DPID{backendSwitch},
	}, switches, loads, metrics, log)
	require.NoError(t, err)

	deps := ControllerDeps{
		Service:   vip,
		Pool:      pool,
		Hosts:     testHosts(t),
		Loads:     loads,
		Switches:  switches,
		Adjacency: adjacency,
		Strategy:  NewLeastLoadStrategy(),
		Proxy:     NewVirtualServiceProxy(vip, pool, ProxyConfig{}),
		Resolver:  resolver,
		Installer: installer,
		Poller:    poller,
		Limiter:   limiter,
		Metrics:   metrics,
		Logger:    log,
	}
	if cfg.MaxPendingFlows == 0 {
		cfg.MaxPendingFlows = 16
	}
	if cfg.FlowSetupTimeout == 0 {
		cfg.FlowSetupTimeout = 5 * time.Second
	}
	ctrl, err := NewController(cfg, deps)
	require.NoError(t, err)

	env := &testEnv{
		ctrl:     ctrl,
		deps:     deps,
		topo:     topo,
		channels: make(map[domain.DPID]*fakeChannel),
		metrics:  metrics,
	}
	for _, dpid := range []domain.DPID{clientSwitch, middleSwitch, backendSwitch} {
		ch := &fakeChannel{}
		env.channels[dpid] = ch
		ctrl.OnConnectionUp(ports.ConnectionUp{DPID: dpid, Channel: ch})
	}
	return env
}

func (e *testEnv) sentAnything() bool {
	for _, ch := range e.channels {
		if len(ch.messages()) > 0 {
			return true
		}
	}
	return false
}

func TestController_ClientToService(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)
	env.topo.route(clientSwitch, middleSwitch, backendSwitch)

	err := env.ctrl.SetupFlow(context.Background(), ports.PacketIn{DPID: clientSwitch, InPort: 1, BufferID: 42, Frame: clientFrame()})
	require.NoError(t, err)

	// All loads are zero, so s1 (first in pool order) serves the flow.
	s1 := testBackends()[0]
	ingress := flowMods(env.channels[clientSwitch].messages())
	require.Len(t, ingress, 1)
	assert.Contains(t, ingress[0].Actions, domain.Action(domain.SetNWDst{Addr: s1.IP}))
	assert.Equal(t, domain.PortNo(2), ingress[0].OutputPort())

	require.Len(t, flowMods(env.channels[middleSwitch].messages()), 1)

	egress := env.channels[backendSwitch].messages()
	require.Len(t, egress, 2)
	out := egress[1].(*domain.PacketOut)
	assert.Equal(t, domain.PortNo(3), out.Actions[0].(domain.Output).Port)
	assert.Equal(t, s1.IP, out.Frame.IPv4.Dst)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.flowSetups.WithLabelValues("client_to_service", "ok")))
}

func TestController_SelectsLeastLoadedFromStatistics(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)
	env.topo.route(clientSwitch, middleSwitch)

	env.deps.Loads.BeginCycle(7, []domain.DPID{backendSwitch})
	env.ctrl.OnFlowStats(ports.FlowStatsReceived{DPID: backendSwitch, Xid: 7, Flows: []domain.FlowStats{
		{Match: domain.FlowMatch{NWDst: netip.MustParseAddr("10.0.0.1")}},
		{Match: domain.FlowMatch{NWDst: netip.MustParseAddr("10.0.0.1")}},
		{Match: domain.FlowMatch{NWDst: netip.MustParseAddr("10.0.0.2")}},
	}})
	assert.Equal(t, int64(2), env.deps.Loads.Load("s1"))
	assert.Equal(t, int64(1), env.deps.Loads.Load("s2"))

	err := env.ctrl.SetupFlow(context.Background(), ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: clientFrame()})
	require.NoError(t, err)

	// s3 is the first backend at zero and sits on the middle switch.
	outs := packetOuts(env.channels[middleSwitch].messages())
	require.Len(t, outs, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.3"), outs[0].Frame.IPv4.Dst)
	assert.Empty(t, env.channels[backendSwitch].messages())

	// A reply for an old cycle changes nothing.
	env.ctrl.OnFlowStats(ports.FlowStatsReceived{DPID: backendSwitch, Xid: 6})
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.statsReplies.WithLabelValues("ignored")))
}

func TestController_ServiceToClient(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)
	env.topo.route(backendSwitch, middleSwitch, clientSwitch)
	s1 := testBackends()[0]

	err := env.ctrl.SetupFlow(context.Background(), ports.PacketIn{DPID: backendSwitch, InPort: 3, Frame: replyFrame(s1)})
	require.NoError(t, err)

	outs := packetOuts(env.channels[clientSwitch].messages())
	require.Len(t, outs, 1)
	assert.Equal(t, vip.IP, outs[0].Frame.IPv4.Src)
	assert.Equal(t, vip.MAC, outs[0].Frame.Src)
	assert.Equal(t, domain.Output{Port: 1}, outs[0].Actions[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.flowSetups.WithLabelValues("service_to_client", "ok")))
}

func TestController_PathTimeoutDropsPacket(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, 50*time.Millisecond, nil)

	err := env.ctrl.SetupFlow(context.Background(), ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: clientFrame()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, lberrors.ErrPathResolutionTimeout))
	assert.False(t, env.sentAnything(), "no rule and no packet may leave the controller")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.flowSetups.WithLabelValues("client_to_service", "path_resolution_timeout")))
}

func TestController_UnknownHostLocation(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)
	frame := clientFrame()
	frame.IPv4.Src = netip.MustParseAddr("10.0.0.9")

	err := env.ctrl.SetupFlow(context.Background(), ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: frame})
	assert.True(t, errors.Is(err, lberrors.ErrUnknownHostLocation))
	assert.Zero(t, env.topo.requestCount())
	assert.False(t, env.sentAnything())
}

func TestController_SetupFlowRejectsNonFlowTraffic(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)

	err := env.ctrl.SetupFlow(context.Background(), ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: arpRequest("10.0.0.5", "10.0.0.100")})
	assert.True(t, errors.Is(err, lberrors.ErrFlowSetupRejected))
}

func TestController_AnswersARPInline(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)

	env.ctrl.OnPacketIn(ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: arpRequest("10.0.0.5", "10.0.0.100")})

	outs := packetOuts(env.channels[clientSwitch].messages())
	require.Len(t, outs, 1)
	assert.Equal(t, vip.MAC, outs[0].Frame.ARP.SenderMAC)
	assert.Empty(t, flowMods(env.channels[clientSwitch].messages()))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.arpReplies))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.packetIns.WithLabelValues("arp_virtual")))
}

func TestController_IgnoresUnclassifiedTraffic(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)
	frame := clientFrame()
	frame.IPv4.Dst = netip.MustParseAddr("10.0.0.6")

	env.ctrl.OnPacketIn(ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: frame})
	env.ctrl.WaitForFlows()
	assert.False(t, env.sentAnything())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.packetIns.WithLabelValues("unclassified")))
}

func TestController_DispatchesFlowsAsynchronously(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)
	env.topo.route(clientSwitch, middleSwitch, backendSwitch)

	env.ctrl.OnPacketIn(ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: clientFrame()})
	env.ctrl.WaitForFlows()

	assert.Len(t, packetOuts(env.channels[backendSwitch].messages()), 1)
}

func TestController_DropsWhenSaturated(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{MaxPendingFlows: 1}, 5*time.Second, nil)
	env.topo.route(clientSwitch, middleSwitch, backendSwitch)
	env.topo.release = make(chan struct{})

	env.ctrl.OnPacketIn(ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: clientFrame()})
	env.ctrl.OnPacketIn(ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: clientFrame()})
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.packetDrops.WithLabelValues("saturated")))

	close(env.topo.release)
	env.ctrl.WaitForFlows()
	assert.Len(t, packetOuts(env.channels[backendSwitch].messages()), 1)
}

func TestController_RateLimitedSwitch(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, denyAll{})

	env.ctrl.OnPacketIn(ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: clientFrame()})
	env.ctrl.WaitForFlows()
	assert.Zero(t, env.topo.requestCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.packetDrops.WithLabelValues("rate_limited")))
}

func TestController_TopologyEvents(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)

	env.ctrl.OnLinkDiscovered(ports.LinkDiscovered{Link: domain.Link{DPID1: 1, Port1: 2, DPID2: 4, Port2: 1}})
	port, err := env.deps.Adjacency.PortToward(1, 4)
	require.NoError(t, err)
	assert.Equal(t, domain.PortNo(2), port)
	port, err = env.deps.Adjacency.PortToward(4, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PortNo(1), port)

	// A disconnect from a channel that was already replaced is ignored.
	env.ctrl.OnConnectionDown(ports.ConnectionDown{DPID: middleSwitch, Channel: &fakeChannel{}})
	assert.Equal(t, 3, env.deps.Switches.Count())

	env.ctrl.OnConnectionDown(ports.ConnectionDown{DPID: middleSwitch, Channel: env.channels[middleSwitch]})
	assert.Equal(t, 2, env.deps.Switches.Count())
	_, err = env.deps.Adjacency.PortToward(clientSwitch, middleSwitch)
	assert.True(t, errors.Is(err, lberrors.ErrUnknownAdjacency))

	env.ctrl.OnConnectionDown(ports.ConnectionDown{DPID: backendSwitch})
	assert.Equal(t, 1, env.deps.Switches.Count())
}

func TestController_PathResponseEvent(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, 5*time.Second, nil)

	done := make(chan error, 1)
	go func() {
		done <- env.ctrl.SetupFlow(context.Background(), ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: clientFrame()})
	}()

	require.Eventually(t, func() bool { return env.topo.requestCount() == 1 }, time.Second, time.Millisecond)
	env.topo.mu.Lock()
	req := env.topo.requests[0]
	env.topo.mu.Unlock()

	env.ctrl.OnPathResponse(ports.PathResponseReceived{Response: domain.PathResponse{
		Token: req.Token,
		Path:  []domain.DPID{clientSwitch, middleSwitch, backendSwitch},
	}})
	require.NoError(t, <-done)
	assert.Len(t, packetOuts(env.channels[backendSwitch].messages()), 1)
}

func TestController_StartStop(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)

	require.NoError(t, env.ctrl.Start(context.Background()))
	assert.True(t, env.ctrl.IsRunning())
	assert.True(t, env.deps.Poller.IsRunning())

	require.Eventually(t, func() bool {
		return len(env.channels[backendSwitch].ofType(domain.MessageFlowStatsRequest)) == 1
	}, time.Second, time.Millisecond)

	stats := env.ctrl.GetStats()
	assert.Equal(t, true, stats["running"])
	assert.Equal(t, 3, stats["connected_switches"])
	assert.Equal(t, "Least Connections", stats["strategy"])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.ctrl.Stop(ctx))
	assert.False(t, env.ctrl.IsRunning())
	assert.False(t, env.deps.Poller.IsRunning())
}

func TestNewController_Validation(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)

	deps := env.deps
	deps.Resolver = nil
	_, err := NewController(ControllerConfig{MaxPendingFlows: 1, FlowSetupTimeout: time.Second}, deps)
	assert.Error(t, err)

	_, err = NewController(ControllerConfig{FlowSetupTimeout: time.Second}, env.deps)
	assert.Error(t, err)
}

func entryWithMessage(hook *logtest.Hook, msg string) *logrus.Entry {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return e
		}
	}
	return nil
}

func TestController_LogsTransientFailuresAtInfo(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, 50*time.Millisecond, nil)
	env.deps.Logger.SetLevel(logrus.DebugLevel)
	hook := logtest.NewLocal(env.deps.Logger.Logger)

	// Path timeouts clear once the path service catches up.
	err := env.ctrl.SetupFlow(context.Background(), ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: clientFrame()})
	require.Error(t, err)
	entry := entryWithMessage(hook, "Flow setup failed, packet dropped")
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, true, entry.Data["retryable"])

	hook.Reset()
	frame := clientFrame()
	frame.IPv4.Src = netip.MustParseAddr("10.0.0.9")
	err = env.ctrl.SetupFlow(context.Background(), ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: frame})
	require.Error(t, err)
	entry = entryWithMessage(hook, "Flow setup failed, packet dropped")
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
}

func TestController_RefusesFlowsAfterStop(t *testing.T) {
	env := newTestEnv(t, ControllerConfig{}, time.Second, nil)
	env.topo.route(clientSwitch, middleSwitch, backendSwitch)
	require.NoError(t, env.ctrl.Start(context.Background()))

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	_ = env.ctrl.Stop(expired)

	env.ctrl.OnPacketIn(ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: clientFrame()})
	env.ctrl.WaitForFlows()
	assert.Zero(t, env.topo.requestCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.packetDrops.WithLabelValues("stopping")))

	require.NoError(t, env.ctrl.Start(context.Background()))
	env.ctrl.OnPacketIn(ports.PacketIn{DPID: clientSwitch, InPort: 1, Frame: clientFrame()})
	env.ctrl.WaitForFlows()
	assert.Len(t, packetOuts(env.channels[backendSwitch].messages()), 1)

	ctx, cancelStop := context.WithTimeout(context.Background(), time.Second)
	defer cancelStop()
	require.NoError(t, env.ctrl.Stop(ctx))
}
