package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stellarlinkco/groupinsight/internal/history"
	"github.com/stellarlinkco/groupinsight/internal/llm"
)

func TestMerge(t *testing.T) {
	prev := &Profile{
		Summary:            "old",
		KeyTraits:          []string{"calm"},
		Interests:          []string{"go", "chess"},
		CommunicationStyle: "formal",
		Evidence:           []Evidence{{Claim: "c", Quote: "q"}},
	}

	tests := []struct {
		name string
		prev *Profile
		next Profile
		want Profile
	}{
		{
			name: "no previous profile",
			next: Profile{Summary: "new", Interests: []string{"rust"}},
			want: Profile{Summary: "new", Interests: []string{"rust"}},
		},
		{
			name: "empty lists fall back",
			prev: prev,
			next: Profile{Summary: "new"},
			want: Profile{
				Summary:               "new",
				KeyTraits:             []string{"calm"},
				Interests:             []string{"go", "chess"},
				Evidence:              []Evidence{{Claim: "c", Quote: "q"}},
				LastMergedFromHistory: true,
			},
		},
		{
			name: "new lists win",
			prev: prev,
			next: Profile{Summary: "new", Interests: []string{"rust"}, CommunicationStyle: "casual"},
			want: Profile{
				Summary:               "new",
				KeyTraits:             []string{"calm"},
				Interests:             []string{"rust"},
				CommunicationStyle:    "casual",
				Evidence:              []Evidence{{Claim: "c", Quote: "q"}},
				LastMergedFromHistory: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.prev, tt.next))
		})
	}
}

func TestResolveEvidence(t *testing.T) {
	msgs := []history.StoredMessage{
		{ID: "qq:1:g:100", MessageID: "100", Content: "first"},
		{ID: "qq:1:g:1700000000000:abcd1234", Content: "second"},
	}
	got := ResolveEvidence([]llm.EvidenceRef{
		{Claim: "a", Ref: "100"},
		{Claim: "b", Ref: " qq:1:g:1700000000000:abcd1234 "},
		{Claim: "c", Ref: "missing"},
		{Claim: "d", Ref: "qq:1:g:100"},
	}, msgs)

	assert.Equal(t, []Evidence{
		{Claim: "a", Quote: "first", MessageID: "100"},
		{Claim: "b", Quote: "second", MessageID: "qq:1:g:1700000000000:abcd1234"},
		{Claim: "d", Quote: "first", MessageID: "100"},
	}, got)
	assert.Nil(t, ResolveEvidence(nil, msgs))
}

func TestDecode(t *testing.T) {
	p, err := decode("")
	assert.NoError(t, err)
	assert.Nil(t, p)

	_, err = decode("{")
	assert.Error(t, err)

	raw, err := encode(Profile{Summary: "s", KeyTraits: []string{"k"}})
	assert.NoError(t, err)
	p, err = decode(raw)
	assert.NoError(t, err)
	assert.Equal(t, "s", p.Summary)
}
