package service

import (
	"fmt"
	"time"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

// DefaultFlowPriority is the OpenFlow default entry priority
const DefaultFlowPriority uint16 = 0x8000

// Direction of a load-balanced flow
type Direction int

const (
	DirectionClientToService Direction = iota
	DirectionServiceToClient
)

func (d Direction) String() string {
	if d == DirectionServiceToClient {
		return "service_to_client"
	}
	return "client_to_service"
}

// Position of a switch along a path
type Position int

const (
	PositionIngress Position = iota
	PositionInterior
	PositionEgress
	// PositionEdge is a single-switch path, ingress and egress at once.
	PositionEdge
)

func (p Position) String() string {
	switch p {
	case PositionIngress:
		return "ingress"
	case PositionInterior:
		return "interior"
	case PositionEgress:
		return "egress"
	default:
		return "edge"
	}
}

func positionOf(i, n int) Position {
	switch {
	case n == 1:
		return PositionEdge
	case i == 0:
		return PositionIngress
	case i == n-1:
		return PositionEgress
	default:
		return PositionInterior
	}
}

// AdjacencyLookup resolves the local port leading to a neighbour switch
type AdjacencyLookup interface {
	PortToward(from, toward domain.DPID) (domain.PortNo, error)
}

// MessageSender hands messages to connected switches
type MessageSender interface {
	Deliver(dpid domain.DPID, msg domain.Message) error
}

// FlowInstallerConfig holds rule parameters shared by every installed flow
type FlowInstallerConfig struct {
	IdleTimeout time.Duration
	HardTimeout time.Duration
	Priority    uint16
}

// HopRule is the rule destined for one switch of a path
type HopRule struct {
	DPID     domain.DPID
	Position Position
	FlowMod  *domain.FlowMod
}

// InstallPlan is the complete, ordered set of messages for one flow
type InstallPlan struct {
	Direction Direction
	// Rules run from the ingress switch to the egress switch.
	Rules     []HopRule
	Egress    domain.DPID
	PacketOut *domain.PacketOut
}

// InstallResult reports what Install managed to hand to switches
type InstallResult struct {
	Installed  int
	Skipped    []domain.DPID
	PacketSent bool
}

// FlowInstaller turns a resolved path into per-hop forwarding rules.
//
// The first switch of a client-to-service path rewrites the destination to
// the chosen backend; the last switch of a service-to-client path rewrites
// the source back to the virtual service. All other hops forward the real
// addresses unchanged.
type FlowInstaller struct {
	adjacency AdjacencyLookup
	switches  MessageSender
	idle      uint16
	hard      uint16
	priority  uint16
	metrics   *Metrics
	logger    *logger.Logger
}

// NewFlowInstaller creates an installer
func NewFlowInstaller(cfg FlowInstallerConfig, adjacency AdjacencyLookup, switches MessageSender, metrics *Metrics, log *logger.Logger) (*FlowInstaller, error) {
	idle, err := timeoutSeconds(cfg.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("idle timeout: %w", err)
	}
	hard, err := timeoutSeconds(cfg.HardTimeout)
	if err != nil {
		return nil, fmt.Errorf("hard timeout: %w", err)
	}
	priority := cfg.Priority
	if priority == 0 {
		priority = DefaultFlowPriority
	}

	return &FlowInstaller{
		adjacency: adjacency,
		switches:  switches,
		idle:      idle,
		hard:      hard,
		priority:  priority,
		metrics:   metrics,
		logger:    log.FlowLogger(),
	}, nil
}

func timeoutSeconds(d time.Duration) (uint16, error) {
	if d < 0 || d > 0xffff*time.Second {
		return 0, fmt.Errorf("%s out of range", d)
	}
	if d%time.Second != 0 {
		return 0, fmt.Errorf("%s is not a whole number of seconds", d)
	}
	return uint16(d / time.Second), nil
}

// PlanClientToService plans the rules that carry a client's packet to the
// chosen backend. path starts at the client's switch and ends at the
// backend's; backendPort is the backend's access port on the last switch.
func (f *FlowInstaller) PlanClientToService(path []domain.DPID, frame *domain.Frame, backend *domain.Backend, backendPort domain.PortNo) (*InstallPlan, error) {
	if err := requireIPv4(frame); err != nil {
		return nil, err
	}
	client := frame.IPv4.Src

	ingress := domain.FlowMatch{
		DLSrc:  frame.Src,
		DLDst:  frame.Dst,
		DLType: domain.EtherTypeIPv4,
		NWSrc:  client,
		NWDst:  frame.IPv4.Dst,
	}
	transit := domain.FlowMatch{
		DLSrc:  frame.Src,
		DLDst:  backend.MAC,
		DLType: domain.EtherTypeIPv4,
		NWSrc:  client,
		NWDst:  backend.IP,
	}
	rewrite := []domain.Action{
		domain.SetDLDst{Addr: backend.MAC},
		domain.SetNWDst{Addr: backend.IP},
	}

	packet := frame.Clone()
	packet.Dst = cloneHW(backend.MAC)
	packet.IPv4.Dst = backend.IP

	return f.plan(DirectionClientToService, path, ingress, rewrite, transit, nil, backendPort, packet)
}

// PlanServiceToClient plans the rules that carry a backend's reply back to
// the client. path starts at the backend's switch and ends at the client's;
// clientPort is the client's access port on the last switch.
func (f *FlowInstaller) PlanServiceToClient(path []domain.DPID, frame *domain.Frame, service domain.VirtualService, clientPort domain.PortNo) (*InstallPlan, error) {
	if err := requireIPv4(frame); err != nil {
		return nil, err
	}

	match := domain.FlowMatch{
		DLSrc:  frame.Src,
		DLDst:  frame.Dst,
		DLType: domain.EtherTypeIPv4,
		NWSrc:  frame.IPv4.Src,
		NWDst:  frame.IPv4.Dst,
	}
	rewrite := []domain.Action{
		domain.SetDLSrc{Addr: service.MAC},
		domain.SetNWSrc{Addr: service.IP},
	}

	packet := frame.Clone()
	packet.Src = cloneHW(service.MAC)
	packet.IPv4.Src = service.IP

	return f.plan(DirectionServiceToClient, path, match, nil, match, rewrite, clientPort, packet)
}

func requireIPv4(frame *domain.Frame) error {
	if frame == nil || frame.IPv4 == nil {
		return lberrors.NewError(lberrors.ErrCodeInternalError, "flow_installer", "flow setup requires an IPv4 frame")
	}
	return nil
}

// plan resolves every hop's output port before anything is sent, so an
// unknown adjacency aborts the flow without leaving half a path installed.
func (f *FlowInstaller) plan(
	dir Direction,
	path []domain.DPID,
	ingressMatch domain.FlowMatch,
	ingressRewrite []domain.Action,
	transitMatch domain.FlowMatch,
	egressRewrite []domain.Action,
	accessPort domain.PortNo,
	packet *domain.Frame,
) (*InstallPlan, error) {
	if len(path) == 0 {
		return nil, lberrors.NewError(lberrors.ErrCodePathNotFound, "flow_installer", "empty path")
	}

	last := len(path) - 1
	rules := make([]HopRule, 0, len(path))
	for i, dpid := range path {
		out := accessPort
		if i < last {
			port, err := f.adjacency.PortToward(dpid, path[i+1])
			if err != nil {
				return nil, err
			}
			out = port
		}

		match := transitMatch
		var actions []domain.Action
		if i == 0 {
			match = ingressMatch
			actions = append(actions, ingressRewrite...)
		}
		if i == last {
			actions = append(actions, egressRewrite...)
		}
		actions = append(actions, domain.Output{Port: out})

		rules = append(rules, HopRule{
			DPID:     dpid,
			Position: positionOf(i, len(path)),
			FlowMod: &domain.FlowMod{
				Command:     domain.FlowAdd,
				Priority:    f.priority,
				Match:       match,
				Actions:     actions,
				IdleTimeout: f.idle,
				HardTimeout: f.hard,
			},
		})
	}

	return &InstallPlan{
		Direction: dir,
		Rules:     rules,
		Egress:    path[last],
		PacketOut: &domain.PacketOut{
			BufferID: domain.NoBuffer,
			InPort:   domain.PortNone,
			Frame:    packet,
			Actions:  []domain.Action{domain.Output{Port: accessPort}},
		},
	}, nil
}

// Install sends the plan starting from the egress switch and working back
// to the ingress switch, then releases the buffered packet at the egress.
// A disconnected switch only loses its own rule. If the egress rule could
// not be sent the packet is held back and a SwitchUnavailable error is
// returned.
func (f *FlowInstaller) Install(plan *InstallPlan) (InstallResult, error) {
	var result InstallResult
	egressInstalled := false

	for i := len(plan.Rules) - 1; i >= 0; i-- {
		rule := plan.Rules[i]
		log := f.logger.WithFields(map[string]interface{}{
			"dpid":      rule.DPID.String(),
			"position":  rule.Position.String(),
			"direction": plan.Direction.String(),
		})

		if err := f.switches.Deliver(rule.DPID, rule.FlowMod); err != nil {
			log.WithError(err).Warn("Skipping hop, rule not installed")
			result.Skipped = append(result.Skipped, rule.DPID)
			continue
		}
		if i == len(plan.Rules)-1 {
			egressInstalled = true
		}
		result.Installed++
		f.metrics.ObserveRuleInstalled(rule.Position)
		log.WithFields(map[string]interface{}{
			"match":    rule.FlowMod.Match.String(),
			"out_port": rule.FlowMod.OutputPort().String(),
		}).Debug("Flow rule sent")
	}

	if !egressInstalled {
		return result, lberrors.NewSwitchUnavailableError(plan.Egress.String(), nil)
	}

	if err := f.switches.Deliver(plan.Egress, plan.PacketOut); err != nil {
		f.logger.WithError(err).WithField("dpid", plan.Egress.String()).Warn("Buffered packet not released")
		return result, err
	}
	result.PacketSent = true
	return result, nil
}
