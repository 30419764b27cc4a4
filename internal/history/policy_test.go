package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Accept(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := NewPolicy([]string{" bot "}, []string{"admin"}, []string{"spam", " "})
	f := Filter{Start: base, End: base.Add(time.Hour), Purpose: PurposeGroupAnalysis}
	accept := p.Accept(f)

	tests := []struct {
		name string
		msg  StoredMessage
		want bool
	}{
		{"inside window", StoredMessage{UserID: "u1", Content: "hi", Timestamp: base.Add(time.Minute)}, true},
		{"start is inclusive", StoredMessage{UserID: "u1", Timestamp: base}, true},
		{"end is inclusive", StoredMessage{UserID: "u1", Timestamp: base.Add(time.Hour)}, true},
		{"before window", StoredMessage{UserID: "u1", Timestamp: base.Add(-time.Second)}, false},
		{"filtered word", StoredMessage{UserID: "u1", Content: "no spam please", Timestamp: base}, false},
		{"excluded for group analysis", StoredMessage{UserID: "bot", Timestamp: base}, false},
		{"persona exclusion does not apply", StoredMessage{UserID: "admin", Timestamp: base}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, accept(tt.msg))
		})
	}
}

func TestPolicy_ExcludedUsersByPurpose(t *testing.T) {
	p := NewPolicy([]string{"a"}, []string{"b", "c"}, nil)
	assert.ElementsMatch(t, []string{"a"}, p.ExcludedUsers(PurposeGroupAnalysis))
	assert.ElementsMatch(t, []string{"b", "c"}, p.ExcludedUsers(PurposeUserPersona))
	assert.Empty(t, p.ExcludedUsers(""))
	assert.False(t, p.Excluded("", "a"))
	assert.Empty(t, p.FilteredWords())
}
