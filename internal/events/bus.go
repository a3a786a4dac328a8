package events

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrBusClosed = errors.New("event bus is closed")

// Handler consumes one event. Returning an error causes redelivery, so handlers
// must be idempotent.
type Handler func(ctx context.Context, evt Event) error

type Options struct {
	Partitions  int           // workers per subscription
	QueueSize   int           // buffered events per worker
	MaxAttempts int           // deliveries before an event is dead-lettered
	RetryDelay  time.Duration // first redelivery delay, doubled per attempt
	Outbox      *Outbox       // optional durable journal
}

func DefaultOptions() Options {
	return Options{
		Partitions:  4,
		QueueSize:   1024,
		MaxAttempts: 5,
		RetryDelay:  200 * time.Millisecond,
	}
}

type subscription struct {
	name      string
	topic     Topic
	eventType Type
	handler   Handler
	parts     []chan Event
}

func (s *subscription) matches(evt Event) bool {
	return s.topic == evt.Topic && (s.eventType == "" || s.eventType == evt.Type)
}

// Bus dispatches events to subscriptions keyed by topic and event type.
// Within a subscription, events sharing a key are handled in publish order.
type Bus struct {
	opts Options

	seq     atomic.Uint64
	closed  atomic.Bool
	pending atomic.Int64

	mu   sync.RWMutex
	subs []*subscription

	ackMu sync.Mutex
	acks  map[uint64]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBus(opts Options) *Bus {
	def := DefaultOptions()
	if opts.Partitions <= 0 {
		opts.Partitions = def.Partitions
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		opts:   opts,
		acks:   make(map[uint64]int),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a handler for topic events of eventType. An empty
// eventType receives every event on the topic.
func (b *Bus) Subscribe(name string, topic Topic, eventType Type, handler Handler) {
	sub := &subscription{
		name:      name,
		topic:     topic,
		eventType: eventType,
		handler:   handler,
		parts:     make([]chan Event, b.opts.Partitions),
	}
	for i := range sub.parts {
		sub.parts[i] = make(chan Event, b.opts.QueueSize)
		b.wg.Add(1)
		go b.run(sub, sub.parts[i])
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	log.Debug().
		Str("subscription", name).
		Str("topic", string(topic)).
		Str("event_type", string(eventType)).
		Msg("subscribed to events")
}

// Publish assigns the next sequence number, journals the event when an outbox
// is configured and enqueues it for every matching subscription. Once the
// event is sequenced only bus shutdown stops its enqueue; ctx is not consulted.
func (b *Bus) Publish(_ context.Context, evt Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	evt.Seq = b.seq.Add(1)
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	return b.dispatch(evt, true)
}

// Recover redelivers events left in the outbox by a previous process
func (b *Bus) Recover(ctx context.Context) (int, error) {
	if b.opts.Outbox == nil {
		return 0, nil
	}
	pending, err := b.opts.Outbox.Pending()
	if err != nil {
		return 0, err
	}
	for _, evt := range pending {
		if evt.Seq > b.seq.Load() {
			b.seq.Store(evt.Seq)
		}
	}
	for _, evt := range pending {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := b.dispatch(evt, false); err != nil {
			return 0, err
		}
	}
	if len(pending) > 0 {
		log.Info().Int("events", len(pending)).Msg("redelivering events from outbox")
	}
	return len(pending), nil
}

func (b *Bus) dispatch(evt Event, journal bool) error {
	b.mu.RLock()
	var targets []*subscription
	for _, sub := range b.subs {
		if sub.matches(evt) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		if !journal && b.opts.Outbox != nil {
			return b.opts.Outbox.Ack(evt.Seq)
		}
		return nil
	}

	if journal && b.opts.Outbox != nil {
		if err := b.opts.Outbox.Append(evt); err != nil {
			return fmt.Errorf("journal event %s: %w", evt.ID, err)
		}
	}

	b.ackMu.Lock()
	b.acks[evt.Seq] = len(targets)
	b.ackMu.Unlock()
	b.pending.Add(int64(len(targets)))

	part := partition(evt.Key, b.opts.Partitions)
	for i, sub := range targets {
		select {
		case sub.parts[part] <- evt:
		case <-b.ctx.Done():
			// The outbox still holds the event; undelivered targets are released here.
			for range targets[i:] {
				b.settle()
			}
			return ErrBusClosed
		}
	}
	return nil
}

func (b *Bus) run(sub *subscription, ch chan Event) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case evt := <-ch:
			b.deliver(sub, evt)
		}
	}
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	logger := log.With().
		Str("subscription", sub.name).
		Str("event_id", evt.ID).
		Str("event_type", string(evt.Type)).
		Str("key", evt.Key).
		Uint64("seq", evt.Seq).
		Logger()

	delay := b.opts.RetryDelay
	for attempt := 1; ; attempt++ {
		err := invoke(b.ctx, sub.handler, evt)
		if err == nil {
			b.settle()
			b.ack(evt.Seq)
			return
		}
		if attempt >= b.opts.MaxAttempts || b.ctx.Err() != nil {
			logger.Error().Err(err).Int("attempts", attempt).Msg("event dead-lettered")
			b.settle()
			b.ack(evt.Seq)
			return
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("event handler failed, redelivering")
		select {
		case <-time.After(delay):
		case <-b.ctx.Done():
		}
		delay *= 2
	}
}

func invoke(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

func (b *Bus) settle() {
	b.pending.Add(-1)
}

func (b *Bus) ack(seq uint64) {
	b.ackMu.Lock()
	b.acks[seq]--
	done := b.acks[seq] <= 0
	if done {
		delete(b.acks, seq)
	}
	b.ackMu.Unlock()

	if done && b.opts.Outbox != nil {
		if err := b.opts.Outbox.Ack(seq); err != nil {
			log.Error().Err(err).Uint64("seq", seq).Msg("failed to acknowledge outbox event")
		}
	}
}

// Flush blocks until every enqueued delivery has been handled or ctx ends
func (b *Bus) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting events, drains in-flight deliveries until ctx ends and
// stops the workers. Undelivered events stay in the outbox.
func (b *Bus) Close(ctx context.Context) error {
	b.closed.Store(true)
	err := b.Flush(ctx)
	b.cancel()
	b.wg.Wait()
	return err
}

func partition(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
