package bus

import (
	"time"

	"github.com/stellarlinkco/groupinsight/internal/history"
)

// InboundMessage is one live chat message as a platform adapter saw it.
type InboundMessage struct {
	Platform  string
	SelfID    string
	ChannelID string
	GuildID   string
	UserID    string
	Username  string
	AvatarURL string
	Content   string
	Elements  []history.Element
	MessageID string
	Timestamp time.Time
	Metadata  map[string]any
}

// ScopeKey identifies the chat the message belongs to.
func (m *InboundMessage) ScopeKey() string {
	return history.CacheKey(m.Platform, m.GuildID, m.ChannelID)
}

// Stored converts m into the canonical history shape, deriving its id.
func (m *InboundMessage) Stored() history.StoredMessage {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	sm := history.StoredMessage{
		Platform:  m.Platform,
		SelfID:    m.SelfID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		UserID:    m.UserID,
		Username:  m.Username,
		Content:   m.Content,
		Elements:  m.Elements,
		AvatarURL: m.AvatarURL,
		Timestamp: ts,
		MessageID: m.MessageID,
	}
	history.EnsureID(&sm)
	return sm
}

// OutboundMessage is a text reply addressed to one chat.
type OutboundMessage struct {
	Platform  string
	SelfID    string
	ChannelID string
	GuildID   string
	Content   string
	ReplyTo   string
}
