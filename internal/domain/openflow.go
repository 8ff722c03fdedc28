package domain

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// MessageType names a controller-to-switch message
type MessageType string

const (
	MessageFlowMod          MessageType = "flow_mod"
	MessagePacketOut        MessageType = "packet_out"
	MessageFlowStatsRequest MessageType = "flow_stats_request"
)

// NoBuffer marks a packet-out that carries its frame inline
const NoBuffer uint32 = 0xffffffff

// Message is anything the controller sends down a switch channel
type Message interface {
	Type() MessageType
}

// FlowCommand is the flow-mod command
type FlowCommand uint8

const (
	// FlowAdd replaces any entry with an identical match and priority.
	FlowAdd FlowCommand = iota
	FlowModify
	FlowDelete
)

// FlowMatch selects packets. Nil MACs, zero DLType and invalid addresses are wildcards.
type FlowMatch struct {
	DLSrc  net.HardwareAddr `json:"dl_src,omitempty"`
	DLDst  net.HardwareAddr `json:"dl_dst,omitempty"`
	DLType uint16           `json:"dl_type,omitempty"`
	NWSrc  netip.Addr       `json:"nw_src,omitempty"`
	NWDst  netip.Addr       `json:"nw_dst,omitempty"`
}

// Equal reports whether two matches select the same packets
func (m FlowMatch) Equal(o FlowMatch) bool {
	return bytes.Equal(m.DLSrc, o.DLSrc) &&
		bytes.Equal(m.DLDst, o.DLDst) &&
		m.DLType == o.DLType &&
		m.NWSrc == o.NWSrc &&
		m.NWDst == o.NWDst
}

func (m FlowMatch) String() string {
	var parts []string
	if m.DLSrc != nil {
		parts = append(parts, "dl_src="+m.DLSrc.String())
	}
	if m.DLDst != nil {
		parts = append(parts, "dl_dst="+m.DLDst.String())
	}
	if m.DLType != 0 {
		parts = append(parts, fmt.Sprintf("dl_type=0x%04x", m.DLType))
	}
	if m.NWSrc.IsValid() {
		parts = append(parts, "nw_src="+m.NWSrc.String())
	}
	if m.NWDst.IsValid() {
		parts = append(parts, "nw_dst="+m.NWDst.String())
	}
	return strings.Join(parts, ",")
}

// Action is a flow or packet-out action
type Action interface {
	fmt.Stringer
	isAction()
}

// SetDLSrc rewrites the Ethernet source
type SetDLSrc struct{ Addr net.HardwareAddr }

// SetDLDst rewrites the Ethernet destination
type SetDLDst struct{ Addr net.HardwareAddr }

// SetNWSrc rewrites the IPv4 source
type SetNWSrc struct{ Addr netip.Addr }

// SetNWDst rewrites the IPv4 destination
type SetNWDst struct{ Addr netip.Addr }

// Output forwards out a port
type Output struct{ Port PortNo }

func (SetDLSrc) isAction() {}
func (SetDLDst) isAction() {}
func (SetNWSrc) isAction() {}
func (SetNWDst) isAction() {}
func (Output) isAction()   {}

func (a SetDLSrc) String() string { return "set_dl_src:" + a.Addr.String() }
func (a SetDLDst) String() string { return "set_dl_dst:" + a.Addr.String() }
func (a SetNWSrc) String() string { return "set_nw_src:" + a.Addr.String() }
func (a SetNWDst) String() string { return "set_nw_dst:" + a.Addr.String() }
func (a Output) String() string   { return "output:" + a.Port.String() }

// FlowMod installs a forwarding rule. Timeouts are in seconds.
type FlowMod struct {
	Command     FlowCommand
	Priority    uint16
	Match       FlowMatch
	Actions     []Action
	IdleTimeout uint16
	HardTimeout uint16
}

func (*FlowMod) Type() MessageType { return MessageFlowMod }

// OutputPort returns the port of the last output action, or PortNone.
func (f *FlowMod) OutputPort() PortNo {
	for i := len(f.Actions) - 1; i >= 0; i-- {
		if out, ok := f.Actions[i].(Output); ok {
			return out.Port
		}
	}
	return PortNone
}

// PacketOut emits a frame from the controller
type PacketOut struct {
	BufferID uint32
	InPort   PortNo
	Frame    *Frame
	Actions  []Action
}

func (*PacketOut) Type() MessageType { return MessagePacketOut }

// FlowStatsRequest asks a switch for its installed flows. Xid ties the reply to a poll cycle.
type FlowStatsRequest struct {
	Xid   uint32
	Match FlowMatch
}

func (*FlowStatsRequest) Type() MessageType { return MessageFlowStatsRequest }

// FlowStats describes one installed flow in a statistics reply
type FlowStats struct {
	Match       FlowMatch
	PacketCount uint64
	ByteCount   uint64
	DurationSec uint32
}
