// Package bus fans timeline snapshots out to any number of subscribers, keyed
// by topic. The server uses one topic per session so every websocket watching
// a session sees the same snapshot stream.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stepwise/internal/timeline"
)

// ErrShutdown is returned by Post once Shutdown has begun.
var ErrShutdown = errors.New("snapshot bus is shut down")

// Message is the envelope for a snapshot on the bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Topic     string
	Snapshot  timeline.Snapshot
}

type subscription struct {
	ch chan Message
	// Post calls currently sending to ch
	inflight sync.WaitGroup
}

// SnapshotBus is a blocking pub/sub bus. Every delivered message must be
// acknowledged so Shutdown can wait for consumers to finish with it.
type SnapshotBus struct {
	logger *zap.Logger

	subscribers map[string][]*subscription
	mu          sync.RWMutex
	bufferSize  int

	// deliveries not yet acknowledged
	processingWg sync.WaitGroup
	// Post calls in progress
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// New creates a bus whose subscriber channels hold bufferSize messages.
func New(logger *zap.Logger, bufferSize int) *SnapshotBus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &SnapshotBus{
		logger:       logger.Named("snapshot_bus"),
		subscribers:  make(map[string][]*subscription),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post delivers s to every subscriber of topic. It blocks while a subscriber's
// buffer is full, until ctx is done or the bus shuts down.
func (b *SnapshotBus) Post(ctx context.Context, topic string, s timeline.Snapshot) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return ErrShutdown
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	msg := Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Snapshot:  s,
	}

	b.mu.RLock()
	subs := b.subscribers[topic]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}
	subsCopy := make([]*subscription, len(subs))
	copy(subsCopy, subs)
	for _, sub := range subsCopy {
		sub.inflight.Add(1)
	}
	b.mu.RUnlock()

	b.logger.Debug("Posting snapshot.", zap.String("topic", topic), zap.Uint64("seq", s.Seq), zap.Int("subscribers", len(subsCopy)))
	var err error
	for _, sub := range subsCopy {
		if err == nil {
			err = b.deliver(ctx, sub.ch, msg)
		}
		sub.inflight.Done()
	}
	return err
}

func (b *SnapshotBus) deliver(ctx context.Context, ch chan Message, msg Message) error {
	b.processingWg.Add(1)
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		b.processingWg.Done()
		return ctx.Err()
	case <-b.shutdownChan:
		b.processingWg.Done()
		return ErrShutdown
	}
}

// Subscribe returns a channel receiving every message posted to the given
// topics, and a function that removes the subscription. Messages still
// buffered when unsubscribing are acknowledged on the consumer's behalf.
func (b *SnapshotBus) Subscribe(topics ...string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.shutdownMu.Lock()
	down := b.isShutdown
	b.shutdownMu.Unlock()
	if down {
		closed := make(chan Message)
		close(closed)
		return closed, func() {}
	}
	if len(topics) == 0 {
		panic("must subscribe to at least one topic")
	}

	sub := &subscription{ch: make(chan Message, b.bufferSize)}
	subscribed := append([]string(nil), topics...)
	for _, topic := range subscribed {
		b.subscribers[topic] = append(b.subscribers[topic], sub)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { b.unsubscribe(sub, subscribed) })
	}
	return sub.ch, unsubscribe
}

func (b *SnapshotBus) unsubscribe(sub *subscription, topics []string) {
	b.mu.Lock()
	removed := false
	for _, topic := range topics {
		subs := b.subscribers[topic]
		for i, other := range subs {
			if other == sub {
				copy(subs[i:], subs[i+1:])
				b.subscribers[topic] = subs[:len(subs)-1]
				if len(b.subscribers[topic]) == 0 {
					delete(b.subscribers, topic)
				}
				removed = true
				break
			}
		}
	}
	b.mu.Unlock()
	if !removed {
		// Shutdown already closed and drained it.
		return
	}

	// Keep draining until no Post is still sending to the channel.
	settled := make(chan struct{})
	go func() {
		sub.inflight.Wait()
		close(settled)
	}()
	for {
		select {
		case <-sub.ch:
			b.processingWg.Done()
		case <-settled:
			for {
				select {
				case <-sub.ch:
					b.processingWg.Done()
				default:
					return
				}
			}
		}
	}
}

// Acknowledge signals that a consumer has finished with msg.
func (b *SnapshotBus) Acknowledge(Message) {
	b.processingWg.Done()
}

// Observer returns a timeline observer that posts every snapshot to topic.
// Posting stops once ctx is done.
func (b *SnapshotBus) Observer(ctx context.Context, topic string) timeline.Observer {
	return timeline.ObserverFunc(func(s timeline.Snapshot) {
		if err := b.Post(ctx, topic, s); err != nil && ctx.Err() == nil {
			b.logger.Debug("Dropped snapshot.", zap.String("topic", topic), zap.Uint64("seq", s.Seq), zap.Error(err))
		}
	})
}

// Shutdown closes every subscriber channel and waits until all delivered
// messages have been acknowledged.
func (b *SnapshotBus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Info("Shutting down snapshot bus...")

		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, sub := range subs {
				unique[sub.ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[string][]*subscription)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered snapshots during shutdown.", zap.Int("count", drained))
		}
		b.processingWg.Wait()
		b.logger.Info("Snapshot bus shut down.")
	})
}
