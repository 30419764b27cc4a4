package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/groupinsight/internal/bus"
	"github.com/stellarlinkco/groupinsight/internal/config"
	"github.com/stellarlinkco/groupinsight/internal/history"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

// NewChannelManager builds every enabled adapter. Adapters register with
// registry as they come online.
func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus, registry *history.Registry) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.OneBot.Enabled {
		ch, err := NewOneBotChannel(cfg.OneBot, b, registry)
		if err != nil {
			return nil, fmt.Errorf("init onebot channel: %w", err)
		}
		m.Add(ch)
	}

	if cfg.Satori.Enabled {
		ch, err := NewSatoriChannel(cfg.Satori, b, registry)
		if err != nil {
			return nil, fmt.Errorf("init satori channel: %w", err)
		}
		m.Add(ch)
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b, registry)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Add(ch)
	}

	return m, nil
}

// Add registers ch and routes outbound messages for its platform to it.
func (m *ChannelManager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
	if m.bus != nil {
		m.bus.SubscribeOutbound(ch.Platform(), ch.Send)
	}
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			log.Info().Str("component", "channel-mgr").Str("channel", name).Msg("starting")
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		log.Info().Str("component", "channel-mgr").Str("channel", name).Msg("stopping")
		if err := ch.Stop(); err != nil {
			log.Warn().Str("component", "channel-mgr").Str("channel", name).Err(err).Msg("stop failed")
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Status is the connection state of one adapter.
type Status struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	SelfID   string `json:"selfId"`
	Online   bool   `json:"online"`
}

// Statuses reports every adapter, sorted by name.
func (m *ChannelManager) Statuses() []Status {
	out := make([]Status, 0, len(m.channels))
	for name, ch := range m.channels {
		out = append(out, Status{Name: name, Platform: ch.Platform(), SelfID: ch.SelfID(), Online: ch.Online()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
