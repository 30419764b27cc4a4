package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource serves a fixed, time-ordered history newest page first. The
// cursor is the index of the oldest message already returned.
type sliceSource struct {
	msgs     []StoredMessage // oldest first
	size     int
	calls    int
	failAt   int
	noCursor bool
}

func (s *sliceSource) PageSize() int { return s.size }

func (s *sliceSource) FetchPage(_ context.Context, _ Scope, cursor Cursor, size int) (Page, error) {
	s.calls++
	if s.failAt > 0 && s.calls == s.failAt {
		return Page{}, errors.New("connection reset")
	}
	end := len(s.msgs)
	if cursor != "" {
		fmt.Sscan(string(cursor), &end)
	}
	start := end - size
	if start < 0 {
		start = 0
	}
	page := make([]StoredMessage, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, s.msgs[i])
	}
	next := Cursor(fmt.Sprint(start))
	if s.noCursor {
		next = ""
	}
	return Page{Messages: page, Next: next}, nil
}

type fakeBot struct {
	platform, self string
	online         bool
	legacy         PagedHistorySource
	list           PagedHistorySource
}

func (b *fakeBot) Platform() string { return b.platform }
func (b *fakeBot) SelfID() string   { return b.self }
func (b *fakeBot) Online() bool     { return b.online }

type legacyBot struct{ *fakeBot }

func (b legacyBot) LegacyHistory() PagedHistorySource { return b.legacy }

type listBot struct{ *fakeBot }

func (b listBot) MessageList() PagedHistorySource { return b.list }

type memStore struct {
	msgs []StoredMessage
	err  error
}

func (s *memStore) Query(_ context.Context, f Filter) ([]StoredMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []StoredMessage
	for _, m := range s.msgs {
		if f.ChannelID != "" && m.ChannelID != f.ChannelID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func history5(base time.Time, user func(i int) string) []StoredMessage {
	out := make([]StoredMessage, 5)
	for i := range out {
		out[i] = StoredMessage{
			Platform:  "onebot",
			SelfID:    "10001",
			ChannelID: "g1",
			GuildID:   "g1",
			UserID:    user(i),
			Content:   fmt.Sprintf("msg %d", i),
			MessageID: fmt.Sprint(i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func assertAscendingWithin(t *testing.T, got []StoredMessage, f Filter) {
	t.Helper()
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Timestamp.Before(got[j].Timestamp) }))
	assert.LessOrEqual(t, len(got), f.Limit)
	for _, m := range got {
		assert.False(t, m.Timestamp.Before(f.Start), "message %s before window", m.MessageID)
		assert.False(t, m.Timestamp.After(f.End), "message %s after window", m.MessageID)
	}
}

func TestFetcher_LegacyPagingRunsUntilExhausted(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &sliceSource{msgs: history5(base, func(int) string { return "u1" }), size: 2}
	reg := NewRegistry()
	reg.Register(legacyBot{&fakeBot{platform: "onebot", self: "10001", online: true, legacy: src}})
	f := NewFetcher(reg, &memStore{}, NewPolicy(nil, nil, nil), FetcherOptions{})

	filter := Filter{Platform: "onebot", SelfID: "10001", GuildID: "g1", ChannelID: "g1", End: base.Add(time.Hour), Limit: 10}
	got := f.GetHistoricalMessages(context.Background(), filter)

	require.Len(t, got, 5)
	assert.Equal(t, 4, src.calls, "2+2+1 then an empty page")
	for i, m := range got {
		assert.Equal(t, fmt.Sprint(i), m.MessageID)
	}
	assertAscendingWithin(t, got, filter)
}

func TestFetcher_StoreFallbackReturnsAscending(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memStore{msgs: []StoredMessage{
		{ChannelID: "C", MessageID: "c", Timestamp: day.Add(10*time.Hour + 10*time.Minute)},
		{ChannelID: "C", MessageID: "a", Timestamp: day.Add(10 * time.Hour)},
		{ChannelID: "C", MessageID: "b", Timestamp: day.Add(10*time.Hour + 5*time.Minute)},
	}}
	f := NewFetcher(NewRegistry(), store, NewPolicy(nil, nil, nil), FetcherOptions{})

	filter := Filter{Platform: "telegram", SelfID: "bot", ChannelID: "C", Start: day.Add(9 * time.Hour), End: day.Add(23*time.Hour + 59*time.Minute), Limit: 100}
	got := f.GetHistoricalMessages(context.Background(), filter)

	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].MessageID, got[1].MessageID, got[2].MessageID})
	assertAscendingWithin(t, got, filter)
}

func TestFetcher_SelectStrategy(t *testing.T) {
	src := &sliceSource{size: 10}
	reg := NewRegistry()
	reg.Register(legacyBot{&fakeBot{platform: "onebot", self: "1", online: true, legacy: src}})
	reg.Register(listBot{&fakeBot{platform: "discord", self: "2", online: true, list: src}})
	reg.Register(listBot{&fakeBot{platform: "kook", self: "3", online: false, list: src}})
	reg.Register(&fakeBot{platform: "telegram", self: "4", online: true})
	f := NewFetcher(reg, &memStore{}, NewPolicy(nil, nil, nil), FetcherOptions{})

	tests := []struct {
		name     string
		filter   Filter
		strategy Strategy
	}{
		{"legacy", Filter{Platform: "onebot", SelfID: "1", ChannelID: "c"}, StrategyLegacy},
		{"generic", Filter{Platform: "discord", SelfID: "2", ChannelID: "c"}, StrategyGeneric},
		{"offline bot", Filter{Platform: "kook", SelfID: "3", ChannelID: "c"}, StrategyStore},
		{"no capability", Filter{Platform: "telegram", SelfID: "4", ChannelID: "c"}, StrategyStore},
		{"unknown bot", Filter{Platform: "onebot", SelfID: "9", ChannelID: "c"}, StrategyStore},
		{"unscoped", Filter{Platform: "onebot", SelfID: "1"}, StrategyStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := f.Select(tt.filter)
			assert.Equal(t, tt.strategy, got)
		})
	}
}

func TestFetcher_StopsWhenLimitReached(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	src := &sliceSource{msgs: history5(base, func(int) string { return "u" }), size: 2}
	reg := NewRegistry()
	reg.Register(listBot{&fakeBot{platform: "onebot", self: "10001", online: true, list: src}})
	f := NewFetcher(reg, nil, NewPolicy(nil, nil, nil), FetcherOptions{})

	filter := Filter{Platform: "onebot", SelfID: "10001", ChannelID: "g1", Limit: 3}
	got := f.GetHistoricalMessages(context.Background(), filter)

	require.Len(t, got, 3)
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, []string{"2", "3", "4"}, []string{got[0].MessageID, got[1].MessageID, got[2].MessageID})
}

func TestFetcher_StopsOnceWindowCovered(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &sliceSource{msgs: history5(base, func(int) string { return "u" }), size: 2}
	reg := NewRegistry()
	reg.Register(legacyBot{&fakeBot{platform: "onebot", self: "10001", online: true, legacy: src}})
	f := NewFetcher(reg, nil, NewPolicy(nil, nil, nil), FetcherOptions{})

	filter := Filter{Platform: "onebot", SelfID: "10001", ChannelID: "g1", Start: base.Add(2*time.Minute + 30*time.Second), End: base.Add(time.Hour), Limit: 50}
	got := f.GetHistoricalMessages(context.Background(), filter)

	assert.Equal(t, 2, src.calls)
	require.Len(t, got, 2)
	assertAscendingWithin(t, got, filter)
}

func TestFetcher_StopsWithoutCursorAndOnRoundCap(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	src := &sliceSource{msgs: history5(base, func(int) string { return "u" }), size: 2, noCursor: true}
	reg := NewRegistry()
	reg.Register(legacyBot{&fakeBot{platform: "onebot", self: "10001", online: true, legacy: src}})

	f := NewFetcher(reg, nil, NewPolicy(nil, nil, nil), FetcherOptions{})
	got := f.GetHistoricalMessages(context.Background(), Filter{Platform: "onebot", SelfID: "10001", ChannelID: "g1", Limit: 50})
	assert.Len(t, got, 2)
	assert.Equal(t, 1, src.calls)

	src.noCursor = false
	src.calls = 0
	capped := NewFetcher(reg, nil, NewPolicy(nil, nil, nil), FetcherOptions{MaxRounds: 2})
	got = capped.GetHistoricalMessages(context.Background(), Filter{Platform: "onebot", SelfID: "10001", ChannelID: "g1", Limit: 50})
	assert.Len(t, got, 4)
	assert.Equal(t, 2, src.calls)
}

func TestFetcher_ErrorReturnsPartial(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	src := &sliceSource{msgs: history5(base, func(int) string { return "u" }), size: 2, failAt: 2}
	reg := NewRegistry()
	reg.Register(legacyBot{&fakeBot{platform: "onebot", self: "10001", online: true, legacy: src}})
	f := NewFetcher(reg, nil, NewPolicy(nil, nil, nil), FetcherOptions{})

	got := f.GetHistoricalMessages(context.Background(), Filter{Platform: "onebot", SelfID: "10001", ChannelID: "g1", Limit: 50})
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].MessageID)
}

func TestFetcher_StoreErrorYieldsEmpty(t *testing.T) {
	f := NewFetcher(NewRegistry(), &memStore{err: errors.New("locked")}, NewPolicy(nil, nil, nil), FetcherOptions{})
	assert.Empty(t, f.GetHistoricalMessages(context.Background(), Filter{ChannelID: "x"}))
}

func TestFetcher_PurposeIsolation(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	users := func(i int) string {
		if i%2 == 0 {
			return "noisy"
		}
		return "quiet"
	}
	policy := NewPolicy([]string{"noisy"}, nil, nil)

	for _, live := range []bool{true, false} {
		reg := NewRegistry()
		store := &memStore{msgs: history5(base, users)}
		if live {
			reg.Register(legacyBot{&fakeBot{platform: "onebot", self: "10001", online: true, legacy: &sliceSource{msgs: history5(base, users), size: 2}}})
		}
		f := NewFetcher(reg, store, policy, FetcherOptions{})

		filter := Filter{Platform: "onebot", SelfID: "10001", ChannelID: "g1", Limit: 50, Purpose: PurposeGroupAnalysis}
		group := f.GetHistoricalMessages(context.Background(), filter)
		filter.Purpose = PurposeUserPersona
		persona := f.GetHistoricalMessages(context.Background(), filter)

		assert.Len(t, group, 2, "live=%v", live)
		for _, m := range group {
			assert.Equal(t, "quiet", m.UserID)
		}
		assert.Len(t, persona, 5, "live=%v", live)
	}
}

func TestFetcher_UserAndWordFilters(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	msgs := history5(base, func(i int) string { return fmt.Sprintf("u%d", i%2) })
	msgs[1].Content = "buy cheap coins now"
	reg := NewRegistry()
	reg.Register(legacyBot{&fakeBot{platform: "onebot", self: "10001", online: true, legacy: &sliceSource{msgs: msgs, size: 3}}})
	f := NewFetcher(reg, nil, NewPolicy(nil, nil, []string{"cheap coins"}), FetcherOptions{})

	got := f.GetHistoricalMessages(context.Background(), Filter{Platform: "onebot", SelfID: "10001", ChannelID: "g1", UserIDs: []string{"u1"}, Limit: 50})
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].MessageID)
}

// rewindingSource keeps returning newer messages than the previous page.
type rewindingSource struct{ calls int }

func (s *rewindingSource) PageSize() int { return 1 }

func (s *rewindingSource) FetchPage(context.Context, Scope, Cursor, int) (Page, error) {
	s.calls++
	ts := time.Now().Add(-time.Hour).Add(time.Duration(s.calls) * time.Minute)
	return Page{Messages: []StoredMessage{{MessageID: fmt.Sprint(s.calls), Timestamp: ts}}, Next: Cursor(fmt.Sprint(s.calls))}, nil
}

func TestFetcher_NonMonotonicPageTerminates(t *testing.T) {
	src := &rewindingSource{}
	reg := NewRegistry()
	reg.Register(legacyBot{&fakeBot{platform: "onebot", self: "1", online: true, legacy: src}})
	f := NewFetcher(reg, nil, NewPolicy(nil, nil, nil), FetcherOptions{})

	got := f.GetHistoricalMessages(context.Background(), Filter{Platform: "onebot", SelfID: "1", ChannelID: "g", Limit: 50})
	assert.Len(t, got, 1)
	assert.Equal(t, 2, src.calls)
}
