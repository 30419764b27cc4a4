package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBus_PublishRespectsContext(t *testing.T) {
	b := NewMessageBus(1)
	require.True(t, b.Publish(context.Background(), InboundMessage{Content: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, b.Publish(ctx, InboundMessage{Content: "b"}), "full bus must give up on ctx")
	assert.Equal(t, "a", (<-b.Inbound).Content)
}

func TestMessageBus_SendRoutesByPlatform(t *testing.T) {
	b := NewMessageBus(1)
	var got []string
	b.SubscribeOutbound("onebot", func(m OutboundMessage) error {
		got = append(got, m.Content)
		return nil
	})
	b.SubscribeOutbound("satori", func(OutboundMessage) error { return errors.New("offline") })

	assert.True(t, b.Send(OutboundMessage{Platform: "onebot", Content: "hi"}))
	assert.False(t, b.Send(OutboundMessage{Platform: "satori", Content: "hi"}))
	assert.False(t, b.Send(OutboundMessage{Platform: "telegram", Content: "hi"}))
	assert.Equal(t, []string{"hi"}, got)
}

func TestInboundMessage_Stored(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := InboundMessage{Platform: "onebot", SelfID: "1", ChannelID: "g", GuildID: "g", UserID: "u", MessageID: "99", Timestamp: ts}
	sm := m.Stored()
	assert.Equal(t, "onebot:1:g:99", sm.ID)
	assert.Equal(t, ts, sm.Timestamp)
	assert.Equal(t, "onebot_g", m.ScopeKey())
}
