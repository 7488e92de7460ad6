package bus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ChannelBus implements EventBus with Go channels inside one process. Each
// subscription has a buffered inbox drained by its own goroutine. Publish
// blocks while an inbox is full, so a submitted batch is never dropped.
type ChannelBus struct {
	mu         sync.Mutex
	bufferSize int
	topics     map[string]*channelTopic
	closed     bool
}

// channelTopic holds the subscribers of one tenant topic.
type channelTopic struct {
	fanout []*channelSubscription
	groups map[string]*channelGroup
}

// channelGroup hands messages to its members in turn.
type channelGroup struct {
	members []*channelSubscription
	next    int
}

type channelSubscription struct {
	bus     *ChannelBus
	key     string
	topic   string
	group   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus creates a channel bus whose subscription inboxes hold
// bufferSize messages.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[string]*channelTopic),
	}
}

func topicKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

// Publish delivers to every plain subscriber and to one member of each
// queue group. It waits for inbox space until ctx is done.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	msg, err := newMessage(ctx, tenantID, topic, payload)
	if err != nil {
		return err
	}

	targets, err := b.targets(topicKey(tenantID, topic))
	if err != nil {
		return err
	}

	for _, sub := range targets {
		select {
		case sub.inbox <- msg:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return fmt.Errorf("publish %s: %w", topic, ctx.Err())
		}
	}
	return nil
}

// targets picks the receivers of one message and advances the queue groups.
func (b *ChannelBus) targets(key string) ([]*channelSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	t := b.topics[key]
	if t == nil {
		return nil, nil
	}

	out := slices.Clone(t.fanout)
	for _, g := range t.groups {
		if len(g.members) == 0 {
			continue
		}
		out = append(out, g.members[g.next%len(g.members)])
		g.next++
	}
	return out, nil
}

// Subscribe registers a handler that receives every message on the topic.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, tenantID, topic, "", handler)
}

// QueueSubscribe registers a handler as one member of group.
func (b *ChannelBus) QueueSubscribe(ctx context.Context, tenantID string, topic string, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if group == "" {
		return nil, fmt.Errorf("queue group is required")
	}
	return b.subscribe(ctx, tenantID, topic, group, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, tenantID, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		key:     topicKey(tenantID, topic),
		topic:   topic,
		group:   group,
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}

	t := b.topics[sub.key]
	if t == nil {
		t = &channelTopic{groups: make(map[string]*channelGroup)}
		b.topics[sub.key] = t
	}
	if group == "" {
		t.fanout = append(t.fanout, sub)
	} else {
		g := t.groups[group]
		if g == nil {
			g = &channelGroup{}
			t.groups[group] = g
		}
		g.members = append(g.members, sub)
	}

	go sub.run()
	return sub, nil
}

// run drains the inbox until the subscription is cancelled.
func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if err := s.handler(handlerContext(s.ctx, msg), msg); err != nil {
				slog.Error("handler error",
					"topic", msg.Topic,
					"tenant_id", msg.TenantID,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// remove detaches sub from its topic.
func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[sub.key]
	if t == nil {
		return
	}
	drop := func(subs []*channelSubscription) []*channelSubscription {
		return slices.DeleteFunc(subs, func(s *channelSubscription) bool { return s == sub })
	}
	if sub.group == "" {
		t.fanout = drop(t.fanout)
	} else if g := t.groups[sub.group]; g != nil {
		g.members = drop(g.members)
		if len(g.members) == 0 {
			delete(t.groups, sub.group)
		}
	}
	if len(t.fanout) == 0 && len(t.groups) == 0 {
		delete(b.topics, sub.key)
	}
}

// Ping reports whether the bus is still open.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close cancels every subscription. Messages still buffered are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, t := range b.topics {
		for _, sub := range t.fanout {
			sub.cancel()
		}
		for _, g := range t.groups {
			for _, sub := range g.members {
				sub.cancel()
			}
		}
	}
	b.topics = make(map[string]*channelTopic)
	return nil
}

// Unsubscribe stops delivery and detaches the subscription.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
