package persona

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/groupinsight/internal/history"
	"github.com/stellarlinkco/groupinsight/internal/llm"
)

// Profile is the behavioral summary kept for one user.
type Profile struct {
	Summary               string     `json:"summary"`
	KeyTraits             []string   `json:"keyTraits"`
	Interests             []string   `json:"interests"`
	CommunicationStyle    string     `json:"communicationStyle"`
	Evidence              []Evidence `json:"evidence"`
	LastMergedFromHistory bool       `json:"lastMergedFromHistory"`
}

// Evidence is a quoted message backing one claim of the profile.
type Evidence struct {
	Claim     string `json:"claim"`
	Quote     string `json:"quote"`
	MessageID string `json:"messageId"`
}

// Merge combines a fresh profile with the previous one. Scalars always take
// the new value; lists keep the previous value only when the new one is empty.
func Merge(prev *Profile, next Profile) Profile {
	if prev == nil {
		return next
	}
	out := next
	if len(out.KeyTraits) == 0 {
		out.KeyTraits = prev.KeyTraits
	}
	if len(out.Interests) == 0 {
		out.Interests = prev.Interests
	}
	if len(out.Evidence) == 0 {
		out.Evidence = prev.Evidence
	}
	out.LastMergedFromHistory = true
	return out
}

// ResolveEvidence swaps each reference for the text of the message it
// points at. References that match nothing are dropped.
func ResolveEvidence(refs []llm.EvidenceRef, msgs []history.StoredMessage) []Evidence {
	if len(refs) == 0 {
		return nil
	}
	byRef := make(map[string]history.StoredMessage, len(msgs)*2)
	for _, m := range msgs {
		if m.ID != "" {
			byRef[m.ID] = m
		}
		if m.MessageID != "" {
			byRef[m.MessageID] = m
		}
	}

	out := make([]Evidence, 0, len(refs))
	for _, r := range refs {
		ref := strings.TrimSpace(r.Ref)
		m, ok := byRef[ref]
		if !ok {
			log.Warn().Str("component", "persona").Str("ref", ref).Msg("evidence reference matches no collected message, dropped")
			continue
		}
		out = append(out, Evidence{Claim: r.Claim, Quote: m.Content, MessageID: llm.Ref(m)})
	}
	return out
}

func fromDraft(d *llm.PersonaDraft, msgs []history.StoredMessage) Profile {
	return Profile{
		Summary:            d.Summary,
		KeyTraits:          d.KeyTraits,
		Interests:          d.Interests,
		CommunicationStyle: d.CommunicationStyle,
		Evidence:           ResolveEvidence(d.Evidence, msgs),
	}
}

func encode(p Profile) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode profile: %w", err)
	}
	return string(data), nil
}

func decode(raw string) (*Profile, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}
