package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/auth"
)

// DefaultHubQueueSize is the inbound event buffer used when none is given.
const DefaultHubQueueSize = 256

// envelope carries an event and the connections that were members when it
// was published.
type envelope struct {
	event    Event
	audience map[string]struct{}
}

// Hub fans events out to every member of a Registry.
//
// Events from all connections are queued on one channel and dispatched by a
// single Run goroutine, so events from one sender reach each recipient in
// the order they were published. An event reaches the members present when
// it was published that are still present when it is dispatched; a
// connection admitted in between does not see it. Delivery to a recipient
// never blocks: a full or closed recipient misses the event and the others
// still get it.
type Hub struct {
	registry *Registry
	events   chan envelope
	logger   *zap.Logger
	metrics  Metrics
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithQueueSize sets the inbound event buffer.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.events = make(chan envelope, n)
		}
	}
}

// WithHubLogger sets the logger.
func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithHubMetrics sets the metrics sink.
func WithHubMetrics(m Metrics) HubOption {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// NewHub creates a hub delivering to the members of registry. Call Run to
// start dispatching.
func NewHub(registry *Registry, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry: registry,
		events:   make(chan envelope, DefaultHubQueueSize),
		logger:   zap.NewNop(),
		metrics:  NopMetrics{},
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AnnounceJoin tells every member except connID that identity joined.
func (h *Hub) AnnounceJoin(ctx context.Context, connID string, identity auth.Identity) error {
	return h.publish(ctx, JoinEvent(identity), connID)
}

// BroadcastChat delivers "sender: text" to every member, sender included.
func (h *Hub) BroadcastChat(ctx context.Context, sender auth.Identity, text string) error {
	return h.publish(ctx, ChatEvent(sender, text), "")
}

// AnnounceLeave tells the remaining members that identity left.
func (h *Hub) AnnounceLeave(ctx context.Context, identity auth.Identity) error {
	return h.publish(ctx, LeaveEvent(identity), "")
}

func (h *Hub) publish(ctx context.Context, event Event, exclude string) error {
	select {
	case <-h.ctx.Done():
		return ErrHubStopped
	default:
	}

	env := envelope{event: event, audience: h.audience(exclude)}

	select {
	case h.events <- env:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches queued events until Shutdown is called. It should be
// started in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			return
		case env := <-h.events:
			h.dispatch(env)
		}
	}
}

func (h *Hub) audience(exclude string) map[string]struct{} {
	members := h.registry.Snapshot()
	ids := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.ID != exclude {
			ids[m.ID] = struct{}{}
		}
	}
	return ids
}

func (h *Hub) dispatch(env envelope) {
	start := time.Now()

	payload, err := env.event.Encode()
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("event", env.event.Kind), zap.Error(err))
		return
	}

	members := h.registry.Snapshot()
	delivered := 0
	for _, m := range members {
		if _, ok := env.audience[m.ID]; !ok {
			continue
		}
		if err := h.deliver(m, payload); err != nil {
			h.metrics.DeliveryDropped(Reason(err))
			h.logger.Debug("Dropped event for recipient",
				zap.String("event", env.event.Kind),
				zap.String("conn_id", m.ID),
				zap.String("identity", m.Identity.String()),
				zap.Error(err))
			continue
		}
		delivered++
	}

	h.metrics.EventBroadcast(env.event.Kind, delivered, time.Since(start))
	h.logger.Debug("Broadcast event",
		zap.String("event", env.event.Kind),
		zap.Int("recipients", delivered),
		zap.Int("audience", len(env.audience)))
}

// deliver isolates one recipient: a panicking Conn is reported as a failed
// delivery.
func (h *Hub) deliver(m Member, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: recovered from panic: %v", ErrConnectionClosed, r)
		}
	}()
	return m.Conn.Send(payload)
}

// Shutdown stops Run and waits for it to return, or for timeout. Events
// still queued are discarded.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
