package service

import (
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
	"github.com/mir00r/openflow-lb/internal/repository"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

// Test topology: client switch 1, middle switch 2, backend switch 3.
//
//	[client 10.0.0.5]--p1--(1)--p2----p1--(2)--p2----p1--(3)--p3--[s1 10.0.0.1]
const (
	clientSwitch  domain.DPID = 1
	middleSwitch  domain.DPID = 2
	backendSwitch domain.DPID = 3
)

var (
	vip    = domain.VirtualService{IP: netip.MustParseAddr("10.0.0.100"), MAC: mustMAC("0a:00:00:64:00:00")}
	client = netip.MustParseAddr("10.0.0.5")
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func testBackends() []*domain.Backend {
	backends := make([]*domain.Backend, 0, 4)
	for i := 1; i <= 4; i++ {
		backends = append(backends, &domain.Backend{
			ID:  "s" + string(rune('0'+i)),
			IP:  netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}),
			MAC: net.HardwareAddr{0, 0, 0, 0, 0, byte(i)},
		})
	}
	return backends
}

func testPool(t *testing.T) *repository.InMemoryBackendPool {
	t.Helper()
	pool, err := repository.NewInMemoryBackendPool(testBackends())
	require.NoError(t, err)
	return pool
}

func testHosts(t *testing.T) *repository.HostLocationTable {
	t.Helper()
	hosts, err := repository.NewHostLocationTable([]domain.HostLocation{
		{IP: netip.MustParseAddr("10.0.0.1"), DPID: backendSwitch, Port: 3},
		{IP: netip.MustParseAddr("10.0.0.2"), DPID: backendSwitch, Port: 4},
		{IP: netip.MustParseAddr("10.0.0.3"), DPID: middleSwitch, Port: 3},
		{IP: netip.MustParseAddr("10.0.0.4"), DPID: middleSwitch, Port: 4},
		{IP: client, DPID: clientSwitch, Port: 1},
		{IP: netip.MustParseAddr("10.0.0.6"), DPID: clientSwitch, Port: 3},
	})
	require.NoError(t, err)
	return hosts
}

func testAdjacency() *repository.AdjacencyTable {
	adj := repository.NewAdjacencyTable()
	adj.RecordLink(clientSwitch, middleSwitch, 2, 1)
	adj.RecordLink(middleSwitch, backendSwitch, 2, 1)
	return adj
}

func clientFrame() *domain.Frame {
	return &domain.Frame{
		Src:       mustMAC("00:00:00:00:00:05"),
		Dst:       cloneHW(vip.MAC),
		EtherType: domain.EtherTypeIPv4,
		IPv4:      &domain.IPv4Packet{Src: client, Dst: vip.IP, Protocol: 6},
	}
}

func replyFrame(backend *domain.Backend) *domain.Frame {
	return &domain.Frame{
		Src:       cloneHW(backend.MAC),
		Dst:       mustMAC("00:00:00:00:00:05"),
		EtherType: domain.EtherTypeIPv4,
		IPv4:      &domain.IPv4Packet{Src: backend.IP, Dst: client, Protocol: 6},
	}
}

func arpRequest(sender, target string) *domain.Frame {
	senderIP := netip.MustParseAddr(sender)
	senderMAC := net.HardwareAddr{0, 0, 0, 0, 0, senderIP.As4()[3]}
	return &domain.Frame{
		Src:       senderMAC,
		Dst:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EtherType: domain.EtherTypeARP,
		ARP: &domain.ARPPacket{
			Opcode:    domain.ARPRequest,
			SenderMAC: senderMAC,
			SenderIP:  senderIP,
			TargetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0},
			TargetIP:  netip.MustParseAddr(target),
		},
	}
}

// fakeSender records delivered messages per switch. Switches listed in down
// refuse delivery.
type fakeSender struct {
	mu    sync.Mutex
	order []domain.DPID
	sent  map[domain.DPID][]domain.Message
	down  map[domain.DPID]bool
}

func newFakeSender(down ...domain.DPID) *fakeSender {
	s := &fakeSender{
		sent: make(map[domain.DPID][]domain.Message),
		down: make(map[domain.DPID]bool),
	}
	for _, d := range down {
		s.down[d] = true
	}
	return s
}

func (s *fakeSender) Deliver(dpid domain.DPID, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down[dpid] {
		return lberrors.NewSwitchUnavailableError(dpid.String(), nil)
	}
	s.order = append(s.order, dpid)
	s.sent[dpid] = append(s.sent[dpid], msg)
	return nil
}

func (s *fakeSender) messages(dpid domain.DPID) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.sent[dpid]...)
}

func (s *fakeSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// fakeChannel is a switch connection recording what it was sent
type fakeChannel struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (c *fakeChannel) Send(msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeChannel) messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.msgs...)
}

func (c *fakeChannel) ofType(t domain.MessageType) []domain.Message {
	var out []domain.Message
	for _, m := range c.messages() {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeTopology answers path requests through a resolver. A nil paths entry
// leaves the request unanswered.
type fakeTopology struct {
	mu       sync.Mutex
	requests []domain.PathRequest
	paths    map[[2]domain.DPID][]domain.DPID
	resolver *PathResolver
	release  chan struct{}
}

func newFakeTopology() *fakeTopology {
	return &fakeTopology{paths: make(map[[2]domain.DPID][]domain.DPID)}
}

func (f *fakeTopology) route(path ...domain.DPID) *fakeTopology {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[[2]domain.DPID{path[0], path[len(path)-1]}] = path
	return f
}

func (f *fakeTopology) RequestPath(req domain.PathRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	path, ok := f.paths[[2]domain.DPID{req.Ingress, req.Egress}]
	resolver, release := f.resolver, f.release
	f.mu.Unlock()

	if !ok || resolver == nil {
		return nil
	}
	go func() {
		if release != nil {
			<-release
		}
		resolver.HandlePathResponse(domain.PathResponse{Token: req.Token, Path: path})
	}()
	return nil
}

func (f *fakeTopology) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func flowMods(msgs []domain.Message) []*domain.FlowMod {
	var out []*domain.FlowMod
	for _, m := range msgs {
		if fm, ok := m.(*domain.FlowMod); ok {
			out = append(out, fm)
		}
	}
	return out
}

func packetOuts(msgs []domain.Message) []*domain.PacketOut {
	var out []*domain.PacketOut
	for _, m := range msgs {
		if po, ok := m.(*domain.PacketOut); ok {
			out = append(out, po)
		}
	}
	return out
}

func discard() *logger.Logger {
	return logger.NewDiscard()
}
