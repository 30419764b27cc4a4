package history

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageID derives the durable id of a message. The native platform id is
// used when present so re-ingesting the same message overwrites one row.
func MessageID(platform, selfID, channelID, nativeID string, ts time.Time) string {
	if nativeID = strings.TrimSpace(nativeID); nativeID != "" {
		return strings.Join([]string{platform, selfID, channelID, nativeID}, ":")
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strings.Join([]string{platform, selfID, channelID, strconv.FormatInt(ts.UnixMilli(), 10), suffix}, ":")
}

// EnsureID fills m.ID when the producer left it empty.
func EnsureID(m *StoredMessage) {
	if m.ID == "" {
		m.ID = MessageID(m.Platform, m.SelfID, m.ChannelID, m.MessageID, m.Timestamp)
	}
}

// CacheKey is the ring cache scope key: platform_scope.
func CacheKey(platform, guildID, channelID string) string {
	scope := guildID
	if scope == "" {
		scope = channelID
	}
	return platform + "_" + scope
}

// BufferKey is the persistence buffer scope key: platform_selfId_scope.
func BufferKey(m StoredMessage) string {
	return m.Platform + "_" + m.SelfID + "_" + m.ScopeID()
}
