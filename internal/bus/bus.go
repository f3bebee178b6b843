// Package bus is the in-process coordination channel between the router,
// the dispatcher and the worker registry. Delivery is at-least-once per
// subscriber and ordered per channel: each subscriber drains its own FIFO,
// and a handler error triggers redelivery of the same message before any
// later one. Handlers must therefore be idempotent; step messages carry a
// sequence number so consumers can dedupe against the action ledger.
package bus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/wardenhq/warden/internal/log"
)

// Channel naming convention: one channel per task for step-level events,
// plus a broadcast channel for registration/heartbeat events.
const (
	RegistryChannel = "workers.registry"
	// DispatchChannel is the broadcast channel the router announces newly
	// routed tasks on; the dispatcher subscribes to it at startup.
	DispatchChannel = "tasks.dispatch"
)

// TaskChannel returns the per-task channel name.
func TaskChannel(taskID string) string {
	return "task." + taskID
}

// Message is the only envelope that travels on the bus.
type Message struct {
	TaskID     string          `json:"task_id"`
	Seq        int             `json:"seq"`
	ActionType string          `json:"action_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DedupeKey is a stable content hash consumers can use to recognize a
// redelivered message.
func (m Message) DedupeKey() string {
	h := blake3.New()
	fmt.Fprintf(h, "%s|%d|%s|", m.TaskID, m.Seq, m.ActionType)
	_, _ = h.Write(m.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Handler processes one message. Returning an error requests redelivery.
type Handler func(ctx context.Context, msg Message) error

const (
	deliveryAttempts = 3
	subscriberBuffer = 256
	replayBuffer     = 64
)

type subscriber struct {
	queue     chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// channelState carries its own lock so a publisher blocked on one channel's
// slow subscriber never stalls publishers on another channel.
type channelState struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	// recent is a bounded replay buffer so a subscriber attaching just
	// after a publish still sees the message (late clients, crash
	// recovery). Oldest entries are dropped once full.
	recent []Message
}

// Bus is an in-process publish/subscribe bus.
type Bus struct {
	mu       sync.Mutex
	channels map[string]*channelState
	subs     map[int]*subscriber
	nextSub  int
	backoff  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   bool
}

func New() *Bus {
	return &Bus{
		channels: make(map[string]*channelState),
		subs:     make(map[int]*subscriber),
		backoff:  10 * time.Millisecond,
		logger:   log.WithComponent("bus"),
	}
}

func (b *Bus) channelLocked(channel string) *channelState {
	cs, ok := b.channels[channel]
	if !ok {
		cs = &channelState{subs: make(map[int]*subscriber)}
		b.channels[channel] = cs
	}
	return cs
}

// Publish delivers msg to every current subscriber of channel. It is
// fire-and-forget: delivery to handlers happens asynchronously.
func (b *Bus) Publish(channel string, msg Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	cs := b.channelLocked(channel)
	b.mu.Unlock()

	// Enqueue under the channel's own lock: publish order stays preserved
	// per channel, and unrelated channels never contend.
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.recent = append(cs.recent, msg)
	if len(cs.recent) > replayBuffer {
		cs.recent = cs.recent[len(cs.recent)-replayBuffer:]
	}
	for _, sub := range cs.subs {
		select {
		case sub.queue <- msg:
		case <-sub.closed:
		}
	}
}

// Subscribe registers handler for channel and returns a cancel func.
// The handler runs on a dedicated goroutine, one message at a time, in
// publish order. A failing handler is retried with backoff; after the
// attempt budget the message is dropped to keep the channel moving (the
// dispatcher's crash recovery re-derives work from persisted task state).
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) (cancel func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}

	id := b.nextSub
	b.nextSub++
	sub := &subscriber{
		queue:  make(chan Message, subscriberBuffer),
		closed: make(chan struct{}),
	}
	b.subs[id] = sub
	cs := b.channelLocked(channel)
	b.mu.Unlock()

	cs.mu.Lock()
	cs.subs[id] = sub
	// Replay buffered messages so a late subscriber misses nothing recent.
	for _, msg := range cs.recent {
		select {
		case sub.queue <- msg:
		default:
			b.logger.Warn("replay dropped for late subscriber",
				"channel", channel, "task_id", msg.TaskID, "action", msg.ActionType)
		}
	}
	cs.mu.Unlock()

	b.wg.Add(1)
	go b.deliverLoop(ctx, sub, handler)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			cs.mu.Lock()
			delete(cs.subs, id)
			cs.mu.Unlock()
			sub.close()
		})
	}
}

func (b *Bus) deliverLoop(ctx context.Context, sub *subscriber, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.closed:
			return
		case msg := <-sub.queue:
			b.deliver(ctx, handler, msg)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, handler Handler, msg Message) {
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if err := handler(ctx, msg); err == nil {
			return
		}
		if attempt == deliveryAttempts {
			b.logger.Warn("message dropped after final delivery attempt",
				"task_id", msg.TaskID, "seq", msg.Seq,
				"action", msg.ActionType, "attempts", deliveryAttempts)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.backoff * time.Duration(attempt)):
		}
	}
}

// Close stops accepting publishes and waits for in-flight deliveries.
// Subscribers are closed under the bus lock only, so a publisher blocked
// on a full queue unwedges via the closed signal.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = make(map[int]*subscriber)
	b.channels = make(map[string]*channelState)
	b.mu.Unlock()
	b.wg.Wait()
}
