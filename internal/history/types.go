package history

import (
	"context"
	"time"
)

// Purpose selects which exclusion list applies to a query.
type Purpose string

const (
	PurposeGroupAnalysis Purpose = "group-analysis"
	PurposeUserPersona   Purpose = "user-persona"
)

type ElementType string

const (
	ElementText    ElementType = "text"
	ElementMention ElementType = "at"
	ElementQuote   ElementType = "quote"
	ElementSticker ElementType = "sticker"
	ElementEmoji   ElementType = "face"
	ElementImage   ElementType = "image"
)

// Element is one piece of a message's rich content.
type Element struct {
	Type   ElementType `json:"type"`
	Text   string      `json:"text,omitempty"`
	UserID string      `json:"userId,omitempty"`
	Ref    string      `json:"ref,omitempty"`
	URL    string      `json:"url,omitempty"`
}

// StoredMessage is the canonical unit of chat history.
type StoredMessage struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	SelfID    string    `json:"selfId"`
	ChannelID string    `json:"channelId"`
	GuildID   string    `json:"guildId,omitempty"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Elements  []Element `json:"elements,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId,omitempty"`
}

// ScopeID is the guild when known, otherwise the channel.
func (m StoredMessage) ScopeID() string {
	if m.GuildID != "" {
		return m.GuildID
	}
	return m.ChannelID
}

// Filter describes one historical-message request.
type Filter struct {
	Platform  string
	SelfID    string
	GuildID   string
	ChannelID string
	UserIDs   []string
	Start     time.Time
	End       time.Time
	Limit     int
	Purpose   Purpose
}

// Scope is the chat location a paging source reads from.
type Scope struct {
	Platform  string
	SelfID    string
	GuildID   string
	ChannelID string
}

// Cursor points into a platform's history; empty means "most recent".
type Cursor string

// Page is one backward step through a platform's history. Next is empty when
// the platform offers no further cursor.
type Page struct {
	Messages []StoredMessage
	Next     Cursor
}

// PagedHistorySource fetches up to size messages strictly older than cursor.
type PagedHistorySource interface {
	FetchPage(ctx context.Context, scope Scope, cursor Cursor, size int) (Page, error)
	PageSize() int
}

// Bot is a connected platform identity.
type Bot interface {
	Platform() string
	SelfID() string
	Online() bool
}

// LegacyHistoryProvider is implemented by bots speaking the sequence-number
// history protocol.
type LegacyHistoryProvider interface {
	LegacyHistory() PagedHistorySource
}

// MessageListProvider is implemented by bots exposing a generic
// "message list before cursor" call.
type MessageListProvider interface {
	MessageList() PagedHistorySource
}

// Querier reads from the durable store.
type Querier interface {
	Query(ctx context.Context, f Filter) ([]StoredMessage, error)
}

// Writer persists messages to the durable store.
type Writer interface {
	Upsert(ctx context.Context, msgs []StoredMessage) error
}
