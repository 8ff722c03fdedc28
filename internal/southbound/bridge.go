// Package southbound connects an external datapath agent to the controller
// over HTTP/JSON. The agent owns the OpenFlow sessions: it posts the events
// it sees and collects the messages the controller queued for each switch,
// along with the path requests meant for the topology service.
package southbound

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
	"github.com/mir00r/openflow-lb/internal/ports"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

var (
	// ErrOutboxFull is returned when the agent is not collecting messages fast enough.
	ErrOutboxFull = errors.New("outbox is full")
	// ErrNotConnected is returned for a switch without a live channel.
	ErrNotConnected = errors.New("switch is not connected")
)

const (
	defaultOutboxSize = 4096
	defaultMaxWait    = 20 * time.Second
)

// EventPusher accepts events for delivery to the controller
type EventPusher interface {
	Push(ev ports.Event) error
}

// Config sizes the bridge outboxes. MaxWait caps how long a collect call
// waits for its first item; it must stay below the HTTP write timeout, or a
// batch taken off an outbox near the deadline is never delivered.
type Config struct {
	OutboxSize int
	MaxWait    time.Duration
}

// SwitchChannel is a switch connection held by the agent. Messages sent on
// it wait in an outbox until the agent collects them.
type SwitchChannel struct {
	dpid   domain.DPID
	out    chan MessageDTO
	closed atomic.Bool
}

var _ ports.Channel = (*SwitchChannel)(nil)

func newSwitchChannel(dpid domain.DPID, size int) *SwitchChannel {
	return &SwitchChannel{dpid: dpid, out: make(chan MessageDTO, size)}
}

// Send queues msg for the agent. It never blocks.
func (c *SwitchChannel) Send(msg domain.Message) error {
	if c.closed.Load() {
		return lberrors.NewSwitchUnavailableError(c.dpid.String(), ErrNotConnected)
	}
	dto, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	select {
	case c.out <- dto:
		return nil
	default:
		return lberrors.NewSwitchUnavailableError(c.dpid.String(), ErrOutboxFull)
	}
}

// Bridge is the controller side of the agent connection
type Bridge struct {
	loop       EventPusher
	outboxSize int
	maxWait    time.Duration
	channels   *xsync.Map[domain.DPID, *SwitchChannel]
	paths      chan PathRequestDTO
	logger     *logger.Logger
}

var _ ports.PathRequester = (*Bridge)(nil)

// NewBridge creates a bridge publishing agent events to loop
func NewBridge(cfg Config, loop EventPusher, log *logger.Logger) *Bridge {
	size := cfg.OutboxSize
	if size <= 0 {
		size = defaultOutboxSize
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &Bridge{
		loop:       loop,
		outboxSize: size,
		maxWait:    maxWait,
		channels:   xsync.NewMap[domain.DPID, *SwitchChannel](),
		paths:      make(chan PathRequestDTO, size),
		logger:     log.WithField("component", "southbound"),
	}
}

// RequestPath queues a request for the topology service
func (b *Bridge) RequestPath(req domain.PathRequest) error {
	dto := PathRequestDTO{
		Token:   req.Token,
		Ingress: req.Ingress.String(),
		Egress:  req.Egress.String(),
	}
	select {
	case b.paths <- dto:
		return nil
	default:
		return fmt.Errorf("path request %s: %w", req.Token, ErrOutboxFull)
	}
}

// Publish decodes an agent event and hands it to the controller. A
// connection_up replaces any previous channel of the switch; a
// connection_down names the channel it closes.
func (b *Bridge) Publish(dto EventDTO) error {
	ev, err := decodeEvent(dto)
	if err != nil {
		return err
	}

	switch e := ev.(type) {
	case ports.ConnectionUp:
		ch := newSwitchChannel(e.DPID, b.outboxSize)
		if old, loaded := b.channels.LoadAndStore(e.DPID, ch); loaded {
			old.closed.Store(true)
		}
		e.Channel = ch
		ev = e
		b.logger.WithField("dpid", e.DPID.String()).Info("Switch connected through agent")
	case ports.ConnectionDown:
		if old, loaded := b.channels.LoadAndDelete(e.DPID); loaded {
			old.closed.Store(true)
			e.Channel = old
		}
		ev = e
		b.logger.WithField("dpid", e.DPID.String()).Info("Switch disconnected through agent")
	}

	return b.loop.Push(ev)
}

// Connected returns the number of switches with a live channel
func (b *Bridge) Connected() int {
	return b.channels.Size()
}

// CollectMessages returns up to limit queued messages of dpid. When the
// outbox is empty it waits up to wait, capped at MaxWait, for the first one.
func (b *Bridge) CollectMessages(ctx context.Context, dpid domain.DPID, limit int, wait time.Duration) ([]MessageDTO, error) {
	ch, ok := b.channels.Load(dpid)
	if !ok {
		return nil, ErrNotConnected
	}
	return drain(ctx, ch.out, limit, b.capWait(wait)), nil
}

// CollectPathRequests returns up to limit queued path requests, waiting up to
// wait for the first one.
func (b *Bridge) CollectPathRequests(ctx context.Context, limit int, wait time.Duration) []PathRequestDTO {
	return drain(ctx, b.paths, limit, b.capWait(wait))
}

func (b *Bridge) capWait(wait time.Duration) time.Duration {
	if wait > b.maxWait {
		return b.maxWait
	}
	return wait
}

func drain[T any](ctx context.Context, src <-chan T, limit int, wait time.Duration) []T {
	if limit <= 0 {
		limit = 1
	}
	out := make([]T, 0)

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case v := <-src:
			out = append(out, v)
		case <-timer.C:
			return out
		case <-ctx.Done():
			return out
		}
	}

	for len(out) < limit {
		select {
		case v := <-src:
			out = append(out, v)
		default:
			return out
		}
	}
	return out
}
