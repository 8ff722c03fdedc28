package southbound

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/mir00r/openflow-lb/internal/domain"
	"github.com/mir00r/openflow-lb/internal/ports"
)

// Event types accepted on POST /southbound/events
const (
	EventConnectionUp   = "connection_up"
	EventConnectionDown = "connection_down"
	EventPacketIn       = "packet_in"
	EventFlowStats      = "flow_stats"
	EventLinkDiscovered = "link_discovered"
	EventPathResponse   = "path_response"
)

// EventDTO is the JSON form of an event reported by the datapath agent.
// Only the fields of the named type are read.
type EventDTO struct {
	Type string `json:"type"`
	DPID string `json:"dpid,omitempty"`

	// packet_in
	InPort   uint16    `json:"in_port,omitempty"`
	BufferID *uint32   `json:"buffer_id,omitempty"`
	Frame    *FrameDTO `json:"frame,omitempty"`

	// flow_stats
	Xid   uint32         `json:"xid,omitempty"`
	Flows []FlowStatsDTO `json:"flows,omitempty"`

	// link_discovered
	Link *LinkDTO `json:"link,omitempty"`

	// path_response
	Token    string   `json:"token,omitempty"`
	Path     []string `json:"path,omitempty"`
	NotFound bool     `json:"not_found,omitempty"`
}

// FrameDTO is a decoded Ethernet frame
type FrameDTO struct {
	Src       string   `json:"src"`
	Dst       string   `json:"dst"`
	EtherType uint16   `json:"ether_type"`
	ARP       *ARPDTO  `json:"arp,omitempty"`
	IPv4      *IPv4DTO `json:"ipv4,omitempty"`
	Payload   []byte   `json:"payload,omitempty"`
}

// ARPDTO is an ARP payload
type ARPDTO struct {
	Opcode    uint16 `json:"opcode"`
	SenderMAC string `json:"sender_mac"`
	SenderIP  string `json:"sender_ip"`
	TargetMAC string `json:"target_mac"`
	TargetIP  string `json:"target_ip"`
}

// IPv4DTO holds the IPv4 header fields
type IPv4DTO struct {
	Src      string `json:"src"`
	Dst      string `json:"dst"`
	Protocol uint8  `json:"protocol,omitempty"`
}

// MatchDTO is a flow match. Empty fields are wildcards.
type MatchDTO struct {
	DLSrc  string `json:"dl_src,omitempty"`
	DLDst  string `json:"dl_dst,omitempty"`
	DLType uint16 `json:"dl_type,omitempty"`
	NWSrc  string `json:"nw_src,omitempty"`
	NWDst  string `json:"nw_dst,omitempty"`
}

// FlowStatsDTO is one flow of a statistics reply
type FlowStatsDTO struct {
	Match       MatchDTO `json:"match"`
	PacketCount uint64   `json:"packet_count,omitempty"`
	ByteCount   uint64   `json:"byte_count,omitempty"`
	DurationSec uint32   `json:"duration_sec,omitempty"`
}

// LinkDTO is a discovered link
type LinkDTO struct {
	DPID1 string `json:"dpid1"`
	Port1 uint16 `json:"port1"`
	DPID2 string `json:"dpid2"`
	Port2 uint16 `json:"port2"`
}

// ActionDTO is a flow or packet-out action
type ActionDTO struct {
	Type string `json:"type"`
	Port uint16 `json:"port,omitempty"`
	Addr string `json:"addr,omitempty"`
}

// MessageDTO is the JSON form of a controller-to-switch message
type MessageDTO struct {
	Type string `json:"type"`

	// flow_mod
	Command     string    `json:"command,omitempty"`
	Priority    uint16    `json:"priority,omitempty"`
	Match       *MatchDTO `json:"match,omitempty"`
	IdleTimeout uint16    `json:"idle_timeout,omitempty"`
	HardTimeout uint16    `json:"hard_timeout,omitempty"`

	// packet_out
	BufferID uint32    `json:"buffer_id,omitempty"`
	InPort   uint16    `json:"in_port,omitempty"`
	Frame    *FrameDTO `json:"frame,omitempty"`

	// flow_mod and packet_out
	Actions []ActionDTO `json:"actions,omitempty"`

	// flow_stats_request
	Xid uint32 `json:"xid,omitempty"`
}

// PathRequestDTO is a path request awaiting the topology service
type PathRequestDTO struct {
	Token   string `json:"token"`
	Ingress string `json:"ingress"`
	Egress  string `json:"egress"`
}

// decodeEvent turns a DTO into a controller event. Connection events are
// completed by the bridge, which owns the channels.
func decodeEvent(dto EventDTO) (ports.Event, error) {
	switch dto.Type {
	case EventConnectionUp, EventConnectionDown:
		dpid, err := domain.ParseDPID(dto.DPID)
		if err != nil {
			return nil, err
		}
		if dto.Type == EventConnectionUp {
			return ports.ConnectionUp{DPID: dpid}, nil
		}
		return ports.ConnectionDown{DPID: dpid}, nil

	case EventPacketIn:
		dpid, err := domain.ParseDPID(dto.DPID)
		if err != nil {
			return nil, err
		}
		if dto.Frame == nil {
			return nil, fmt.Errorf("packet_in without frame")
		}
		frame, err := decodeFrame(*dto.Frame)
		if err != nil {
			return nil, err
		}
		bufferID := domain.NoBuffer
		if dto.BufferID != nil {
			bufferID = *dto.BufferID
		}
		return ports.PacketIn{DPID: dpid, InPort: domain.PortNo(dto.InPort), BufferID: bufferID, Frame: frame}, nil

	case EventFlowStats:
		dpid, err := domain.ParseDPID(dto.DPID)
		if err != nil {
			return nil, err
		}
		flows := make([]domain.FlowStats, 0, len(dto.Flows))
		for _, f := range dto.Flows {
			match, err := decodeMatch(f.Match)
			if err != nil {
				return nil, err
			}
			flows = append(flows, domain.FlowStats{
				Match:       match,
				PacketCount: f.PacketCount,
				ByteCount:   f.ByteCount,
				DurationSec: f.DurationSec,
			})
		}
		return ports.FlowStatsReceived{DPID: dpid, Xid: dto.Xid, Flows: flows}, nil

	case EventLinkDiscovered:
		if dto.Link == nil {
			return nil, fmt.Errorf("link_discovered without link")
		}
		a, err := domain.ParseDPID(dto.Link.DPID1)
		if err != nil {
			return nil, err
		}
		b, err := domain.ParseDPID(dto.Link.DPID2)
		if err != nil {
			return nil, err
		}
		return ports.LinkDiscovered{Link: domain.Link{
			DPID1: a,
			Port1: domain.PortNo(dto.Link.Port1),
			DPID2: b,
			Port2: domain.PortNo(dto.Link.Port2),
		}}, nil

	case EventPathResponse:
		if dto.Token == "" {
			return nil, fmt.Errorf("path_response without token")
		}
		path := make([]domain.DPID, 0, len(dto.Path))
		for _, s := range dto.Path {
			dpid, err := domain.ParseDPID(s)
			if err != nil {
				return nil, err
			}
			path = append(path, dpid)
		}
		return ports.PathResponseReceived{Response: domain.PathResponse{
			Token:    dto.Token,
			Path:     path,
			NotFound: dto.NotFound,
		}}, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", dto.Type)
	}
}

func decodeFrame(dto FrameDTO) (*domain.Frame, error) {
	src, err := net.ParseMAC(dto.Src)
	if err != nil {
		return nil, fmt.Errorf("frame src: %w", err)
	}
	dst, err := net.ParseMAC(dto.Dst)
	if err != nil {
		return nil, fmt.Errorf("frame dst: %w", err)
	}
	frame := &domain.Frame{Src: src, Dst: dst, EtherType: dto.EtherType, Payload: dto.Payload}

	switch {
	case dto.ARP != nil:
		arp := &domain.ARPPacket{Opcode: dto.ARP.Opcode}
		if arp.SenderMAC, err = net.ParseMAC(dto.ARP.SenderMAC); err != nil {
			return nil, fmt.Errorf("arp sender_mac: %w", err)
		}
		if arp.SenderIP, err = netip.ParseAddr(dto.ARP.SenderIP); err != nil {
			return nil, fmt.Errorf("arp sender_ip: %w", err)
		}
		if dto.ARP.TargetMAC != "" {
			if arp.TargetMAC, err = net.ParseMAC(dto.ARP.TargetMAC); err != nil {
				return nil, fmt.Errorf("arp target_mac: %w", err)
			}
		}
		if arp.TargetIP, err = netip.ParseAddr(dto.ARP.TargetIP); err != nil {
			return nil, fmt.Errorf("arp target_ip: %w", err)
		}
		frame.ARP = arp
		if frame.EtherType == 0 {
			frame.EtherType = domain.EtherTypeARP
		}
	case dto.IPv4 != nil:
		ip := &domain.IPv4Packet{Protocol: dto.IPv4.Protocol}
		if ip.Src, err = netip.ParseAddr(dto.IPv4.Src); err != nil {
			return nil, fmt.Errorf("ipv4 src: %w", err)
		}
		if ip.Dst, err = netip.ParseAddr(dto.IPv4.Dst); err != nil {
			return nil, fmt.Errorf("ipv4 dst: %w", err)
		}
		frame.IPv4 = ip
		if frame.EtherType == 0 {
			frame.EtherType = domain.EtherTypeIPv4
		}
	}
	return frame, nil
}

func decodeMatch(dto MatchDTO) (domain.FlowMatch, error) {
	var (
		m   domain.FlowMatch
		err error
	)
	m.DLType = dto.DLType
	if dto.DLSrc != "" {
		if m.DLSrc, err = net.ParseMAC(dto.DLSrc); err != nil {
			return m, fmt.Errorf("match dl_src: %w", err)
		}
	}
	if dto.DLDst != "" {
		if m.DLDst, err = net.ParseMAC(dto.DLDst); err != nil {
			return m, fmt.Errorf("match dl_dst: %w", err)
		}
	}
	if dto.NWSrc != "" {
		if m.NWSrc, err = netip.ParseAddr(dto.NWSrc); err != nil {
			return m, fmt.Errorf("match nw_src: %w", err)
		}
	}
	if dto.NWDst != "" {
		if m.NWDst, err = netip.ParseAddr(dto.NWDst); err != nil {
			return m, fmt.Errorf("match nw_dst: %w", err)
		}
	}
	return m, nil
}

// EncodeMessage renders a controller message for the datapath agent
func EncodeMessage(msg domain.Message) (MessageDTO, error) {
	switch m := msg.(type) {
	case *domain.FlowMod:
		match := encodeMatch(m.Match)
		return MessageDTO{
			Type:        string(m.Type()),
			Command:     flowCommandName(m.Command),
			Priority:    m.Priority,
			Match:       &match,
			IdleTimeout: m.IdleTimeout,
			HardTimeout: m.HardTimeout,
			Actions:     encodeActions(m.Actions),
		}, nil
	case *domain.PacketOut:
		return MessageDTO{
			Type:     string(m.Type()),
			BufferID: m.BufferID,
			InPort:   uint16(m.InPort),
			Frame:    encodeFrame(m.Frame),
			Actions:  encodeActions(m.Actions),
		}, nil
	case *domain.FlowStatsRequest:
		return MessageDTO{Type: string(m.Type()), Xid: m.Xid}, nil
	default:
		return MessageDTO{}, fmt.Errorf("unsupported message %T", msg)
	}
}

func flowCommandName(c domain.FlowCommand) string {
	switch c {
	case domain.FlowModify:
		return "modify"
	case domain.FlowDelete:
		return "delete"
	default:
		return "add"
	}
}

func encodeMatch(m domain.FlowMatch) MatchDTO {
	dto := MatchDTO{DLType: m.DLType}
	if m.DLSrc != nil {
		dto.DLSrc = m.DLSrc.String()
	}
	if m.DLDst != nil {
		dto.DLDst = m.DLDst.String()
	}
	if m.NWSrc.IsValid() {
		dto.NWSrc = m.NWSrc.String()
	}
	if m.NWDst.IsValid() {
		dto.NWDst = m.NWDst.String()
	}
	return dto
}

func encodeActions(actions []domain.Action) []ActionDTO {
	out := make([]ActionDTO, 0, len(actions))
	for _, a := range actions {
		switch act := a.(type) {
		case domain.Output:
			out = append(out, ActionDTO{Type: "output", Port: uint16(act.Port)})
		case domain.SetDLSrc:
			out = append(out, ActionDTO{Type: "set_dl_src", Addr: act.Addr.String()})
		case domain.SetDLDst:
			out = append(out, ActionDTO{Type: "set_dl_dst", Addr: act.Addr.String()})
		case domain.SetNWSrc:
			out = append(out, ActionDTO{Type: "set_nw_src", Addr: act.Addr.String()})
		case domain.SetNWDst:
			out = append(out, ActionDTO{Type: "set_nw_dst", Addr: act.Addr.String()})
		}
	}
	return out
}

func encodeFrame(f *domain.Frame) *FrameDTO {
	if f == nil {
		return nil
	}
	dto := &FrameDTO{
		Src:       f.Src.String(),
		Dst:       f.Dst.String(),
		EtherType: f.EtherType,
		Payload:   f.Payload,
	}
	if f.ARP != nil {
		dto.ARP = &ARPDTO{
			Opcode:    f.ARP.Opcode,
			SenderMAC: f.ARP.SenderMAC.String(),
			SenderIP:  f.ARP.SenderIP.String(),
			TargetMAC: f.ARP.TargetMAC.String(),
			TargetIP:  f.ARP.TargetIP.String(),
		}
	}
	if f.IPv4 != nil {
		dto.IPv4 = &IPv4DTO{
			Src:      f.IPv4.Src.String(),
			Dst:      f.IPv4.Dst.String(),
			Protocol: f.IPv4.Protocol,
		}
	}
	return dto
}
