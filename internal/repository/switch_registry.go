package repository

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
	"github.com/mir00r/openflow-lb/internal/ports"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

// SwitchRegistry holds the live control channel of every connected switch
type SwitchRegistry struct {
	channels *xsync.Map[domain.DPID, ports.Channel]
	logger   *logger.Logger
}

// NewSwitchRegistry creates an empty registry
func NewSwitchRegistry(log *logger.Logger) *SwitchRegistry {
	return &SwitchRegistry{
		channels: xsync.NewMap[domain.DPID, ports.Channel](),
		logger:   log,
	}
}

// OnConnect records the channel of a switch, replacing any previous one.
func (r *SwitchRegistry) OnConnect(dpid domain.DPID, ch ports.Channel) {
	_, replaced := r.channels.LoadAndStore(dpid, ch)
	r.logger.SwitchLogger(dpid.String()).WithField("replaced", replaced).Info("Switch connected")
}

// OnDisconnect forgets the channel of a switch
func (r *SwitchRegistry) OnDisconnect(dpid domain.DPID) {
	if _, ok := r.channels.LoadAndDelete(dpid); ok {
		r.logger.SwitchLogger(dpid.String()).Info("Switch disconnected")
	}
}

// OnDisconnectChannel forgets the switch only while it still holds ch, so a
// late disconnect of an old channel cannot remove a newer one.
func (r *SwitchRegistry) OnDisconnectChannel(dpid domain.DPID, ch ports.Channel) bool {
	removed := false
	r.channels.Compute(dpid, func(current ports.Channel, loaded bool) (ports.Channel, xsync.ComputeOp) {
		if loaded && current == ch {
			removed = true
			return current, xsync.DeleteOp
		}
		return current, xsync.CancelOp
	})
	if removed {
		r.logger.SwitchLogger(dpid.String()).Info("Switch disconnected")
	}
	return removed
}

// Get returns the channel of a connected switch
func (r *SwitchRegistry) Get(dpid domain.DPID) (ports.Channel, bool) {
	return r.channels.Load(dpid)
}

// Deliver sends msg to the switch. A missing switch or a failed write yields
// a SwitchUnavailable error.
func (r *SwitchRegistry) Deliver(dpid domain.DPID, msg domain.Message) error {
	ch, ok := r.channels.Load(dpid)
	if !ok {
		return lberrors.NewSwitchUnavailableError(dpid.String(), nil)
	}
	if err := ch.Send(msg); err != nil {
		return lberrors.NewSwitchUnavailableError(dpid.String(), err)
	}
	return nil
}

// Send forwards msg and reports whether it was handed to the switch
func (r *SwitchRegistry) Send(dpid domain.DPID, msg domain.Message) bool {
	if err := r.Deliver(dpid, msg); err != nil {
		r.logger.SwitchLogger(dpid.String()).WithError(err).
			WithField("message", string(msg.Type())).Warn("Message not delivered")
		return false
	}
	return true
}

// Connected returns the DPIDs of all connected switches in ascending order
func (r *SwitchRegistry) Connected() []domain.DPID {
	out := make([]domain.DPID, 0, r.channels.Size())
	r.channels.Range(func(dpid domain.DPID, _ ports.Channel) bool {
		out = append(out, dpid)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of connected switches
func (r *SwitchRegistry) Count() int {
	return r.channels.Size()
}
