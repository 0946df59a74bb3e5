// Package realtime fans chat changes out to the sessions viewing a scope.
package realtime

import (
	"context"
	"sync"

	"github.com/donorlink/donorlink/internal/chat"
	"go.uber.org/zap"
)

// Broker is an in-process feed. Publish never blocks: a subscriber whose
// buffer is full is dropped and its channel closed, which the session sees as
// a lost connection.
type Broker struct {
	buffer int
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[chat.Scope]map[*brokerSub]struct{}
	closed bool
}

type brokerSub struct {
	broker *Broker
	scope  chat.Scope
	ch     chan chat.FeedEvent
	once   sync.Once
}

// NewBroker creates a Broker with the given per-subscriber buffer.
func NewBroker(buffer int, logger *zap.Logger) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		buffer: buffer,
		logger: logger,
		subs:   make(map[chat.Scope]map[*brokerSub]struct{}),
	}
}

// Subscribe opens a subscription to scope.
func (b *Broker) Subscribe(_ context.Context, scope chat.Scope) (chat.Subscription, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	sub := &brokerSub{broker: b, scope: scope, ch: make(chan chat.FeedEvent, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub, nil
	}
	if b.subs[scope] == nil {
		b.subs[scope] = make(map[*brokerSub]struct{})
	}
	b.subs[scope][sub] = struct{}{}
	return sub, nil
}

// Publish delivers ev to every subscriber of its scope.
func (b *Broker) Publish(_ context.Context, ev chat.FeedEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[ev.Scope] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping slow subscriber", zap.String("scope", ev.Scope.String()))
			b.removeLocked(sub)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions to scope.
func (b *Broker) Subscribers(scope chat.Scope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[scope])
}

// Close ends every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			b.removeLocked(sub)
		}
	}
	return nil
}

func (b *Broker) removeLocked(sub *brokerSub) {
	if set, ok := b.subs[sub.scope]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.scope)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

func (s *brokerSub) Events() <-chan chat.FeedEvent { return s.ch }

func (s *brokerSub) Unsubscribe() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.removeLocked(s)
}
