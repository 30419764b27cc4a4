package channel

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/groupinsight/internal/bus"
	"github.com/stellarlinkco/groupinsight/internal/history"
)

// Channel is one platform adapter.
type Channel interface {
	history.Bot
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries the bot identity and connection state shared by every
// adapter. It registers itself with the bot registry once the platform has
// told it who it is.
type BaseChannel struct {
	name     string
	platform string
	bus      *bus.MessageBus
	registry *history.Registry

	mu     sync.RWMutex
	selfID string
	online bool
	self   history.Bot
}

func NewBaseChannel(name string, b *bus.MessageBus, registry *history.Registry) *BaseChannel {
	return &BaseChannel{name: name, platform: name, bus: b, registry: registry}
}

func (c *BaseChannel) Name() string     { return c.name }
func (c *BaseChannel) Platform() string { return c.platform }

func (c *BaseChannel) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

func (c *BaseChannel) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// bind records the adapter value that the registry hands to the fetcher, so
// capability probes see the concrete adapter rather than BaseChannel.
func (c *BaseChannel) bind(self history.Bot) {
	c.mu.Lock()
	c.self = self
	c.mu.Unlock()
}

// markOnline records the bot identity and registers the adapter.
func (c *BaseChannel) markOnline(selfID string) {
	c.mu.Lock()
	prev := c.selfID
	c.selfID = selfID
	c.online = true
	self := c.self
	c.mu.Unlock()

	if c.registry != nil && self != nil {
		if prev != "" && prev != selfID {
			c.registry.Unregister(c.platform, prev)
		}
		c.registry.Register(self)
	}
	log.Info().Str("component", c.name).Str("self_id", selfID).Msg("online")
}

func (c *BaseChannel) markOffline() {
	c.mu.Lock()
	was := c.online
	c.online = false
	c.mu.Unlock()
	if was {
		log.Warn().Str("component", c.name).Msg("offline, history reads fall back to the store")
	}
}

func (c *BaseChannel) publish(ctx context.Context, msg bus.InboundMessage) {
	if c.bus == nil {
		return
	}
	if !c.bus.Publish(ctx, msg) {
		log.Debug().Str("component", c.name).Msg("dropped inbound message on shutdown")
	}
}

func toInbound(sm history.StoredMessage) bus.InboundMessage {
	return bus.InboundMessage{
		Platform:  sm.Platform,
		SelfID:    sm.SelfID,
		ChannelID: sm.ChannelID,
		GuildID:   sm.GuildID,
		UserID:    sm.UserID,
		Username:  sm.Username,
		AvatarURL: sm.AvatarURL,
		Content:   sm.Content,
		Elements:  sm.Elements,
		MessageID: sm.MessageID,
		Timestamp: sm.Timestamp,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
