// Package ports declares the contracts between the controller core and the
// collaborators around it: switch channels, the topology service and the
// event substrate.
//
// A component declares which events it consumes by implementing the
// matching listener interfaces. The substrate discovers them on Register.
package ports

import "github.com/mir00r/openflow-lb/internal/domain"

// Channel is a live control connection to one switch
type Channel interface {
	Send(msg domain.Message) error
}

// PathRequester publishes path requests to the topology service
type PathRequester interface {
	RequestPath(req domain.PathRequest) error
}

// ConnectionListener consumes switch connect and disconnect notifications
type ConnectionListener interface {
	OnConnectionUp(ev ConnectionUp)
	OnConnectionDown(ev ConnectionDown)
}

// PacketInListener consumes packets punted to the controller
type PacketInListener interface {
	OnPacketIn(ev PacketIn)
}

// FlowStatsListener consumes flow statistics replies
type FlowStatsListener interface {
	OnFlowStats(ev FlowStatsReceived)
}

// LinkListener consumes link-discovery notifications
type LinkListener interface {
	OnLinkDiscovered(ev LinkDiscovered)
}

// PathResponseListener consumes topology service answers
type PathResponseListener interface {
	OnPathResponse(ev PathResponseReceived)
}
