package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// MessageBus carries inbound messages from adapters to the gateway and routes
// outbound messages back to the adapter that owns the platform.
type MessageBus struct {
	Inbound chan InboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage) error
}

func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = 256
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, size),
		subscribers: make(map[string]func(OutboundMessage) error),
	}
}

// Publish enqueues msg, blocking until there is room or ctx is done.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) bool {
	select {
	case b.Inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// SubscribeOutbound registers the sender for one platform.
func (b *MessageBus) SubscribeOutbound(platform string, fn func(OutboundMessage) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[platform] = fn
}

// Send delivers msg to the sender registered for its platform.
func (b *MessageBus) Send(msg OutboundMessage) bool {
	b.mu.RLock()
	fn, ok := b.subscribers[msg.Platform]
	b.mu.RUnlock()
	if !ok {
		log.Warn().Str("component", "bus").Str("platform", msg.Platform).Msg("no outbound sender")
		return false
	}
	if err := fn(msg); err != nil {
		log.Warn().Str("component", "bus").Str("platform", msg.Platform).Err(err).Msg("send failed")
		return false
	}
	return true
}
