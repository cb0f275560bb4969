// Package stream fans job events out to live subscribers. Delivery is
// best-effort: every subscriber has a bounded buffer and a slow consumer
// loses its oldest undelivered events rather than ever blocking the
// publishing path. Consumers detect loss via Dropped and recover by
// replaying the durable event log from their last seen cursor.
package stream

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/oduya/ebb/ebb/job"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 256

// TopicFirehose receives every event regardless of scope.
const TopicFirehose = "firehose"

func TenantTopic(tenant string) string { return "tenant:" + tenant }

func JobTopic(jobID string) string { return "job:" + jobID }

type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*Subscriber
	nextID atomic.Uint64
	closed bool

	bufferSize int
	logger     *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

type BrokerOption func(*Broker)

func WithBufferSize(n int) BrokerOption {
	return func(b *Broker) { b.bufferSize = n }
}

func NewBroker(logger *zap.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		topics:     make(map[string]map[uint64]*Subscriber),
		bufferSize: DefaultBufferSize,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a consumer on the given topics. The returned
// subscriber must be closed when the consumer goes away.
func (b *Broker) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{
		id:     b.nextID.Add(1),
		ch:     make(chan *job.Event, b.bufferSize),
		broker: b,
		topics: topics,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.markClosed()
		return sub
	}
	for _, topic := range topics {
		subs, ok := b.topics[topic]
		if !ok {
			subs = make(map[uint64]*Subscriber)
			b.topics[topic] = subs
		}
		subs[sub.id] = sub
	}
	return sub
}

// Publish delivers an event to the firehose, the tenant topic and the
// job topic. It never blocks.
func (b *Broker) Publish(e *job.Event) {
	if e == nil {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	seen := make(map[uint64]struct{}, 4)
	for _, topic := range []string{TopicFirehose, TenantTopic(e.ScopeTenant), JobTopic(e.JobID)} {
		for id, sub := range b.topics[topic] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			sub.offer(e)
		}
	}
}

// Published returns the total number of events published.
func (b *Broker) Published() int64 { return b.published.Load() }

// Dropped returns the total number of deliveries shed broker-wide.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

// Close terminates all subscribers. Publish becomes a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.logger.Debug("stream broker closing",
		zap.Int64("published", b.published.Load()),
		zap.Int64("dropped", b.dropped.Load()))
	closed := make(map[uint64]struct{})
	for _, subs := range b.topics {
		for id, sub := range subs {
			if _, done := closed[id]; done {
				continue
			}
			closed[id] = struct{}{}
			sub.markClosed()
		}
	}
	b.topics = make(map[string]map[uint64]*Subscriber)
}

func (b *Broker) remove(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		if subs, ok := b.topics[topic]; ok {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
	}
}

// Subscriber is one consumer's bounded view of the stream.
type Subscriber struct {
	id     uint64
	ch     chan *job.Event
	broker *Broker
	topics []string

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// C is the subscriber's event channel. It is closed when the subscriber
// or the broker shuts down.
func (s *Subscriber) C() <-chan *job.Event { return s.ch }

// Dropped reports how many events this subscriber lost to backpressure.
// A nonzero value means the consumer should replay from its cursor.
func (s *Subscriber) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscriber from the broker and closes its channel.
// Safe to call more than once.
func (s *Subscriber) Close() {
	s.broker.remove(s)
	s.markClosed()
}

// offer enqueues without blocking. When the buffer is full the oldest
// undelivered event is evicted to make room, so a consumer that falls
// behind keeps seeing the most recent activity.
func (s *Subscriber) offer(e *job.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			s.broker.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscriber) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
