package analysis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/groupinsight/internal/history"
	"github.com/stellarlinkco/groupinsight/internal/llm"
)

var now = time.Date(2026, 6, 2, 22, 0, 0, 0, time.UTC)

type fakeSource struct {
	msgs   []history.StoredMessage
	filter history.Filter
}

func (f *fakeSource) GetHistoricalMessages(_ context.Context, filter history.Filter) []history.StoredMessage {
	f.filter = filter
	return f.msgs
}

type fakeSummarizer struct {
	draft llm.GroupDraft
	err   error
	calls int
}

func (f *fakeSummarizer) SummarizeGroup(_ context.Context, req llm.GroupRequest) (*llm.GroupDraft, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	d := f.draft
	return &d, nil
}

func chat(n int) []history.StoredMessage {
	out := make([]history.StoredMessage, n)
	for i := range out {
		user := fmt.Sprintf("u%d", i%3)
		out[i] = history.StoredMessage{
			ID:        fmt.Sprintf("qq:1:g:%d", i),
			MessageID: fmt.Sprintf("%d", i),
			UserID:    user,
			Username:  "name-" + user,
			Content:   "hello",
			Timestamp: now.Add(-time.Duration(n-i) * time.Minute),
		}
	}
	return out
}

func TestAnalyze(t *testing.T) {
	src := &fakeSource{msgs: chat(6)}
	sum := &fakeSummarizer{draft: llm.GroupDraft{
		Topics: []llm.Topic{{Topic: "greetings", Detail: "everyone says hello"}},
		Titles: []llm.UserTitle{{Name: "name-u0", UserID: "u0", Title: "Greeter"}},
		Quotes: []llm.QuoteRef{{Ref: "2", Reason: "iconic"}, {Ref: "404", Reason: "invented"}},
	}}
	a := New(src, sum, Options{MinMessages: 5, MaxMessages: 200, Now: func() time.Time { return now }})

	res, err := a.Analyze(context.Background(), Request{Platform: "qq", SelfID: "1", GuildID: "g"})
	require.NoError(t, err)

	assert.Equal(t, history.PurposeGroupAnalysis, src.filter.Purpose)
	assert.Equal(t, 200, src.filter.Limit)
	assert.Equal(t, now.Add(-24*time.Hour), src.filter.Start)
	assert.Equal(t, now, src.filter.End)

	assert.Equal(t, 6, res.Stats.Messages)
	assert.Equal(t, 3, res.Stats.Participants)
	require.Len(t, res.Quotes, 1)
	assert.Equal(t, "2", res.Quotes[0].MessageID)
	assert.Equal(t, "name-u2", res.Quotes[0].Username)
	assert.Equal(t, 1, sum.calls)

	text := res.Text()
	assert.Contains(t, text, "6 messages from 3 members")
	assert.Contains(t, text, "greetings")
	assert.Contains(t, text, "Greeter")
}

func TestAnalyze_Insufficient(t *testing.T) {
	sum := &fakeSummarizer{}
	a := New(&fakeSource{msgs: chat(3)}, sum, Options{MinMessages: 5, Now: func() time.Time { return now }})

	_, err := a.Analyze(context.Background(), Request{Platform: "qq", SelfID: "1", ChannelID: "c", Days: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientMessages)

	var ie *InsufficientError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 3, ie.Count)
	assert.Equal(t, 5, ie.Threshold)
	assert.Equal(t, 0, sum.calls)
}

func TestAnalyze_Errors(t *testing.T) {
	a := New(&fakeSource{msgs: chat(30)}, &fakeSummarizer{err: errors.New("quota")}, Options{})
	_, err := a.Analyze(context.Background(), Request{Platform: "qq"})
	assert.Error(t, err)

	_, err = a.Analyze(context.Background(), Request{Platform: "qq", GuildID: "g"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientMessages)
}

func TestComputeStats(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 6, 2, h, 0, 0, 0, time.UTC) }
	msgs := []history.StoredMessage{
		{UserID: "a", Username: "A", Content: "你好", Timestamp: at(9), Elements: []history.Element{{Type: history.ElementEmoji}, {Type: history.ElementQuote}}},
		{UserID: "b", Username: "B", Content: "hi", Timestamp: at(9), Elements: []history.Element{{Type: history.ElementMention}, {Type: history.ElementSticker}}},
		{UserID: "b", Username: "B", Content: "pic", Timestamp: at(21), Elements: []history.Element{{Type: history.ElementImage}}},
	}
	s := ComputeStats(msgs, 1)

	assert.Equal(t, 3, s.Messages)
	assert.Equal(t, 2, s.Participants)
	assert.Equal(t, 7, s.Characters)
	assert.Equal(t, 2, s.Hourly[9])
	assert.Equal(t, 1, s.Hourly[21])
	assert.Equal(t, 2, s.Emoji)
	assert.Equal(t, 1, s.Replies)
	assert.Equal(t, 1, s.Mentions)
	assert.Equal(t, 1, s.Images)
	assert.Equal(t, []Talker{{UserID: "b", Username: "B", Messages: 2}}, s.TopTalkers)

	h, n := s.PeakHour()
	assert.Equal(t, 9, h)
	assert.Equal(t, 2, n)
}
