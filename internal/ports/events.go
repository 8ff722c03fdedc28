package ports

import "github.com/mir00r/openflow-lb/internal/domain"

// Event is a notification delivered by the event substrate
type Event interface {
	EventName() string
}

// SwitchEvent is an event scoped to one switch. Events of the same switch
// are delivered in order and never concurrently.
type SwitchEvent interface {
	Event
	SwitchID() domain.DPID
}

// ConnectionUp signals a new control channel
type ConnectionUp struct {
	DPID    domain.DPID
	Channel Channel
}

// ConnectionDown signals a closed control channel. Channel, when set,
// names the connection that closed.
type ConnectionDown struct {
	DPID    domain.DPID
	Channel Channel
}

// PacketIn carries a frame punted by a switch
type PacketIn struct {
	DPID     domain.DPID
	InPort   domain.PortNo
	BufferID uint32
	Frame    *domain.Frame
}

// FlowStatsReceived carries a flow statistics reply
type FlowStatsReceived struct {
	DPID  domain.DPID
	Xid   uint32
	Flows []domain.FlowStats
}

// LinkDiscovered carries a link-discovery notification
type LinkDiscovered struct {
	Link domain.Link
}

// PathResponseReceived carries an answer from the topology service
type PathResponseReceived struct {
	Response domain.PathResponse
}

func (ConnectionUp) EventName() string         { return "connection_up" }
func (ConnectionDown) EventName() string       { return "connection_down" }
func (PacketIn) EventName() string             { return "packet_in" }
func (FlowStatsReceived) EventName() string    { return "flow_stats" }
func (LinkDiscovered) EventName() string       { return "link_discovered" }
func (PathResponseReceived) EventName() string { return "path_response" }

func (e ConnectionUp) SwitchID() domain.DPID      { return e.DPID }
func (e ConnectionDown) SwitchID() domain.DPID    { return e.DPID }
func (e PacketIn) SwitchID() domain.DPID          { return e.DPID }
func (e FlowStatsReceived) SwitchID() domain.DPID { return e.DPID }
