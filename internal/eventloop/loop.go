// Package eventloop delivers switch events to the listeners registered with
// it. Events of one switch are handled in order by a dedicated worker, so a
// listener never sees two events of the same switch at once; different
// switches proceed in parallel. Events not tied to a switch share a worker.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mir00r/openflow-lb/internal/domain"
	"github.com/mir00r/openflow-lb/internal/ports"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

var (
	// ErrClosedLoop is returned by Push after Stop.
	ErrClosedLoop = errors.New("event loop was closed")
	// ErrEventQueueFull is returned when a queue has no room left.
	ErrEventQueueFull = errors.New("event queue is full")
)

const defaultQueueSize = 1024

// Loop is an in-process event substrate
type Loop struct {
	queueSize int
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// pushes hold closeMu shared, so once Stop has set closed no event can
	// reach a queue whose worker already drained it.
	closeMu sync.RWMutex
	closed  bool

	mu       sync.Mutex
	queues   map[domain.DPID]chan ports.Event
	shared   chan ports.Event
	handlers handlers
}

type handlers struct {
	connection []ports.ConnectionListener
	packetIn   []ports.PacketInListener
	flowStats  []ports.FlowStatsListener
	link       []ports.LinkListener
	path       []ports.PathResponseListener
}

// New creates a running loop. queueSize bounds each per-switch queue.
func New(queueSize int, log *logger.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		queueSize: queueSize,
		logger:    log.WithField("component", "event_loop"),
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[domain.DPID]chan ports.Event),
		shared:    make(chan ports.Event, queueSize),
	}
	l.wg.Add(1)
	go l.worker("shared", l.shared)
	return l
}

// Register subscribes listener to every event type it has a handler for
// and returns how many it matched. Registering a value that handles
// nothing is an error.
func (l *Loop) Register(listener interface{}) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	matched := 0
	if h, ok := listener.(ports.ConnectionListener); ok {
		l.handlers.connection = append(l.handlers.connection, h)
		matched++
	}
	if h, ok := listener.(ports.PacketInListener); ok {
		l.handlers.packetIn = append(l.handlers.packetIn, h)
		matched++
	}
	if h, ok := listener.(ports.FlowStatsListener); ok {
		l.handlers.flowStats = append(l.handlers.flowStats, h)
		matched++
	}
	if h, ok := listener.(ports.LinkListener); ok {
		l.handlers.link = append(l.handlers.link, h)
		matched++
	}
	if h, ok := listener.(ports.PathResponseListener); ok {
		l.handlers.path = append(l.handlers.path, h)
		matched++
	}
	if matched == 0 {
		return 0, fmt.Errorf("%T does not handle any event", listener)
	}
	return matched, nil
}

// Push enqueues ev without blocking
func (l *Loop) Push(ev ports.Event) error {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return ErrClosedLoop
	}

	queue := l.queueFor(ev)
	select {
	case queue <- ev:
		return nil
	default:
		return ErrEventQueueFull
	}
}

func (l *Loop) queueFor(ev ports.Event) chan ports.Event {
	se, ok := ev.(ports.SwitchEvent)
	if !ok {
		return l.shared
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dpid := se.SwitchID()
	queue, exists := l.queues[dpid]
	if !exists {
		queue = make(chan ports.Event, l.queueSize)
		l.queues[dpid] = queue
		l.wg.Add(1)
		go l.worker(dpid.String(), queue)
	}
	return queue
}

// Stop refuses further events, lets every worker deliver what is already
// queued and waits for them to exit.
func (l *Loop) Stop() {
	l.closeMu.Lock()
	l.closed = true
	l.closeMu.Unlock()

	l.cancel()
	l.wg.Wait()
}

func (l *Loop) worker(name string, queue <-chan ports.Event) {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			l.drain(name, queue)
			return
		case ev := <-queue:
			l.deliver(name, ev)
		}
	}
}

func (l *Loop) drain(name string, queue <-chan ports.Event) {
	for {
		select {
		case ev := <-queue:
			l.deliver(name, ev)
		default:
			return
		}
	}
}

func (l *Loop) snapshot() handlers {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers
}

func (l *Loop) deliver(queue string, ev ports.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(map[string]interface{}{
				"queue": queue,
				"event": ev.EventName(),
				"panic": fmt.Sprint(r),
			}).Error("Event handler panicked")
		}
	}()

	h := l.snapshot()
	switch e := ev.(type) {
	case ports.ConnectionUp:
		for _, c := range h.connection {
			c.OnConnectionUp(e)
		}
	case ports.ConnectionDown:
		for _, c := range h.connection {
			c.OnConnectionDown(e)
		}
	case ports.PacketIn:
		for _, c := range h.packetIn {
			c.OnPacketIn(e)
		}
	case ports.FlowStatsReceived:
		for _, c := range h.flowStats {
			c.OnFlowStats(e)
		}
	case ports.LinkDiscovered:
		for _, c := range h.link {
			c.OnLinkDiscovered(e)
		}
	case ports.PathResponseReceived:
		for _, c := range h.path {
			c.OnPathResponse(e)
		}
	default:
		l.logger.WithField("event", ev.EventName()).Warn("No handler for event type")
	}
}
