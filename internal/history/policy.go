package history

import (
	"strings"
	"time"
)

// Policy carries the exclusion lists and filtered words shared by every
// retrieval path, so live and stored results agree.
type Policy struct {
	groupExcluded   map[string]struct{}
	personaExcluded map[string]struct{}
	words           []string
}

func NewPolicy(groupAnalysis, persona, filteredWords []string) Policy {
	p := Policy{
		groupExcluded:   toSet(groupAnalysis),
		personaExcluded: toSet(persona),
	}
	for _, w := range filteredWords {
		if w = strings.TrimSpace(w); w != "" {
			p.words = append(p.words, w)
		}
	}
	return p
}

// Excluded reports whether userID is dropped for purpose.
func (p Policy) Excluded(purpose Purpose, userID string) bool {
	var set map[string]struct{}
	switch purpose {
	case PurposeGroupAnalysis:
		set = p.groupExcluded
	case PurposeUserPersona:
		set = p.personaExcluded
	default:
		return false
	}
	_, ok := set[userID]
	return ok
}

// ExcludedUsers lists the exclusion set for purpose.
func (p Policy) ExcludedUsers(purpose Purpose) []string {
	var set map[string]struct{}
	switch purpose {
	case PurposeGroupAnalysis:
		set = p.groupExcluded
	case PurposeUserPersona:
		set = p.personaExcluded
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (p Policy) FilteredWords() []string {
	out := make([]string, len(p.words))
	copy(out, p.words)
	return out
}

// ContainsFilteredWord reports a raw substring match against content.
func (p Policy) ContainsFilteredWord(content string) bool {
	for _, w := range p.words {
		if strings.Contains(content, w) {
			return true
		}
	}
	return false
}

// Accept returns the per-message validity check for f.
func (p Policy) Accept(f Filter) func(StoredMessage) bool {
	users := toSet(f.UserIDs)
	return func(m StoredMessage) bool {
		if !inWindow(m.Timestamp, f.Start, f.End) {
			return false
		}
		if len(users) > 0 {
			if _, ok := users[m.UserID]; !ok {
				return false
			}
		}
		if p.ContainsFilteredWord(m.Content) {
			return false
		}
		return !p.Excluded(f.Purpose, m.UserID)
	}
}

func inWindow(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}
