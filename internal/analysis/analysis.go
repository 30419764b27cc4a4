package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/groupinsight/internal/history"
	"github.com/stellarlinkco/groupinsight/internal/llm"
)

var ErrInsufficientMessages = errors.New("not enough messages for group analysis")

// InsufficientError reports how far a group fell short of the threshold.
type InsufficientError struct {
	Count     int
	Threshold int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("only %d messages, need at least %d", e.Count, e.Threshold)
}

func (e *InsufficientError) Unwrap() error { return ErrInsufficientMessages }

type MessageSource interface {
	GetHistoricalMessages(ctx context.Context, f history.Filter) []history.StoredMessage
}

type Summarizer interface {
	SummarizeGroup(ctx context.Context, req llm.GroupRequest) (*llm.GroupDraft, error)
}

type Options struct {
	MinMessages int
	MaxMessages int
	Now         func() time.Time
}

type Request struct {
	Platform  string `json:"platform"`
	SelfID    string `json:"selfId"`
	GuildID   string `json:"guildId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	Days      int    `json:"days"`
}

type Quote struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type Result struct {
	Request     Request         `json:"request"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Stats       Stats           `json:"stats"`
	Topics      []llm.Topic     `json:"topics"`
	Titles      []llm.UserTitle `json:"titles"`
	Quotes      []Quote         `json:"quotes"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// Analyzer produces the daily report for one group.
type Analyzer struct {
	source     MessageSource
	summarizer Summarizer
	opts       Options
}

func New(source MessageSource, summarizer Summarizer, opts Options) *Analyzer {
	if opts.MinMessages <= 0 {
		opts.MinMessages = 20
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = history.DefaultLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Analyzer{source: source, summarizer: summarizer, opts: opts}
}

func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	if req.GuildID == "" && req.ChannelID == "" {
		return nil, fmt.Errorf("analyze group: guildId or channelId is required")
	}
	if req.Days <= 0 {
		req.Days = 1
	}
	end := a.opts.Now()
	start := end.Add(-time.Duration(req.Days) * 24 * time.Hour)

	msgs := a.source.GetHistoricalMessages(ctx, history.Filter{
		Platform:  req.Platform,
		SelfID:    req.SelfID,
		GuildID:   req.GuildID,
		ChannelID: req.ChannelID,
		Start:     start,
		End:       end,
		Limit:     a.opts.MaxMessages,
		Purpose:   history.PurposeGroupAnalysis,
	})
	if len(msgs) < a.opts.MinMessages {
		log.Info().
			Str("component", "analysis").
			Str("scope", firstNonEmpty(req.GuildID, req.ChannelID)).
			Int("count", len(msgs)).
			Int("threshold", a.opts.MinMessages).
			Msg("too few messages for group analysis")
		return nil, &InsufficientError{Count: len(msgs), Threshold: a.opts.MinMessages}
	}

	res := &Result{
		Request:     req,
		Start:       start,
		End:         end,
		Stats:       ComputeStats(msgs, 10),
		GeneratedAt: end,
	}

	draft, err := a.summarizer.SummarizeGroup(ctx, llm.GroupRequest{Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("analyze group: %w", err)
	}
	res.Topics = draft.Topics
	res.Titles = draft.Titles
	res.Quotes = resolveQuotes(draft.Quotes, msgs)
	return res, nil
}

// resolveQuotes keeps only quotes whose reference names a fetched message.
func resolveQuotes(refs []llm.QuoteRef, msgs []history.StoredMessage) []Quote {
	byRef := make(map[string]history.StoredMessage, len(msgs))
	for _, m := range msgs {
		byRef[m.ID] = m
		if m.MessageID != "" {
			byRef[m.MessageID] = m
		}
	}
	var out []Quote
	for _, r := range refs {
		m, ok := byRef[strings.TrimSpace(r.Ref)]
		if !ok {
			log.Warn().Str("component", "analysis").Str("ref", r.Ref).Msg("quote reference matches no fetched message, dropped")
			continue
		}
		out = append(out, Quote{
			MessageID: llm.Ref(m),
			UserID:    m.UserID,
			Username:  m.Username,
			Content:   m.Content,
			Reason:    r.Reason,
			Timestamp: m.Timestamp,
		})
	}
	return out
}

// Text renders the result as a plain chat message.
func (r *Result) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Group report %s ~ %s\n", r.Start.Format("01-02 15:04"), r.End.Format("01-02 15:04"))
	fmt.Fprintf(&b, "%d messages from %d members, %d characters\n", r.Stats.Messages, r.Stats.Participants, r.Stats.Characters)
	if h, n := r.Stats.PeakHour(); n > 0 {
		fmt.Fprintf(&b, "Busiest hour: %02d:00 (%d messages)\n", h, n)
	}
	if len(r.Topics) > 0 {
		b.WriteString("\nTopics\n")
		for i, t := range r.Topics {
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, t.Topic, t.Detail)
		}
	}
	if len(r.Titles) > 0 {
		b.WriteString("\nTitles\n")
		for _, t := range r.Titles {
			fmt.Fprintf(&b, "%s: %s\n", t.Name, t.Title)
		}
	}
	if len(r.Quotes) > 0 {
		b.WriteString("\nQuotes\n")
		for _, q := range r.Quotes {
			fmt.Fprintf(&b, "%q by %s\n", q.Content, q.Username)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
