package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxRounds = 50
	DefaultLimit     = 1000
)

type Strategy string

const (
	StrategyLegacy  Strategy = "legacy"
	StrategyGeneric Strategy = "generic"
	StrategyStore   Strategy = "store"
)

// Registry tracks connected bots by platform and self id.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]Bot
}

func NewRegistry() *Registry {
	return &Registry{bots: make(map[string]Bot)}
}

func (r *Registry) Register(b Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[b.Platform()+":"+b.SelfID()] = b
}

func (r *Registry) Unregister(platform, selfID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bots, platform+":"+selfID)
}

func (r *Registry) Lookup(platform, selfID string) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[platform+":"+selfID]
	return b, ok
}

// Bots returns every registered bot.
func (r *Registry) Bots() []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Bot, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, b)
	}
	return out
}

type FetcherOptions struct {
	MaxRounds int
	Now       func() time.Time
}

// Fetcher is the single entry point for historical messages. It picks a
// retrieval path per request based on what the bot can do.
type Fetcher struct {
	bots   *Registry
	store  Querier
	policy Policy
	opts   FetcherOptions
}

func NewFetcher(bots *Registry, store Querier, policy Policy, opts FetcherOptions) *Fetcher {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{bots: bots, store: store, policy: policy, opts: opts}
}

// Select returns the strategy and, for the paging strategies, the source.
func (f *Fetcher) Select(filter Filter) (Strategy, PagedHistorySource) {
	if filter.ChannelID == "" && filter.GuildID == "" {
		return StrategyStore, nil
	}
	bot, ok := f.bots.Lookup(filter.Platform, filter.SelfID)
	if !ok || !bot.Online() {
		return StrategyStore, nil
	}
	if p, ok := bot.(LegacyHistoryProvider); ok {
		if src := p.LegacyHistory(); src != nil {
			return StrategyLegacy, src
		}
	}
	if p, ok := bot.(MessageListProvider); ok {
		if src := p.MessageList(); src != nil {
			return StrategyGeneric, src
		}
	}
	return StrategyStore, nil
}

// GetHistoricalMessages returns messages matching filter, oldest first, at
// most filter.Limit of them. Failures degrade to a partial or empty result.
func (f *Fetcher) GetHistoricalMessages(ctx context.Context, filter Filter) []StoredMessage {
	if filter.Limit <= 0 {
		filter.Limit = DefaultLimit
	}
	if filter.End.IsZero() {
		filter.End = f.opts.Now()
	}

	strategy, src := f.Select(filter)
	var msgs []StoredMessage
	switch strategy {
	case StrategyLegacy, StrategyGeneric:
		msgs = f.pageThrough(ctx, strategy, src, filter)
	default:
		msgs = f.fromStore(ctx, filter)
	}

	log.Debug().
		Str("component", "history").
		Str("strategy", string(strategy)).
		Str("platform", filter.Platform).
		Str("scope", firstNonEmpty(filter.GuildID, filter.ChannelID)).
		Int("count", len(msgs)).
		Msg("historical fetch done")
	return msgs
}

func (f *Fetcher) fromStore(ctx context.Context, filter Filter) []StoredMessage {
	if f.store == nil {
		return nil
	}
	msgs, err := f.store.Query(ctx, filter)
	if err != nil {
		log.Warn().Str("component", "history").Err(err).Msg("store query failed")
		return nil
	}
	accept := f.policy.Accept(filter)
	out := msgs[:0]
	for _, m := range msgs {
		if accept(m) {
			out = append(out, m)
		}
	}
	return newestAscending(out, filter.Limit)
}

// pageThrough walks a paging source backwards from the most recent message.
// Pages are requested strictly one after another because each cursor comes
// from the previous page.
func (f *Fetcher) pageThrough(ctx context.Context, strategy Strategy, src PagedHistorySource, filter Filter) []StoredMessage {
	scope := Scope{
		Platform:  filter.Platform,
		SelfID:    filter.SelfID,
		GuildID:   filter.GuildID,
		ChannelID: filter.ChannelID,
	}
	size := src.PageSize()
	accept := f.policy.Accept(filter)
	seen := make(map[string]struct{})

	stopReason := "round cap"
	var (
		acc        []StoredMessage
		cursor     Cursor
		prevOldest time.Time
		rounds     int
	)
	for rounds = 0; rounds < f.opts.MaxRounds; rounds++ {
		if err := ctx.Err(); err != nil {
			stopReason = "cancelled"
			break
		}
		page, err := src.FetchPage(ctx, scope, cursor, size)
		if err != nil {
			log.Warn().
				Str("component", "history").
				Str("strategy", string(strategy)).
				Int("round", rounds).
				Int("partial", len(acc)).
				Err(err).
				Msg("history fetch interrupted, returning partial result; enable history.alwaysPersist to rely less on live fetches")
			stopReason = "error"
			break
		}
		if len(page.Messages) == 0 {
			stopReason = "exhausted"
			break
		}

		msgs := make([]StoredMessage, len(page.Messages))
		copy(msgs, page.Messages)
		sortAscending(msgs)
		oldest := msgs[0].Timestamp
		if !prevOldest.IsZero() && oldest.After(prevOldest) {
			log.Warn().Str("component", "history").Str("strategy", string(strategy)).Msg("page did not move backwards in time, stopping")
			stopReason = "non-monotonic"
			break
		}
		prevOldest = oldest

		fresh := 0
		valid := make([]StoredMessage, 0, len(msgs))
		for _, m := range msgs {
			dedupe := m.MessageID
			if dedupe == "" {
				dedupe = m.ID
			}
			if dedupe != "" {
				if _, dup := seen[dedupe]; dup {
					continue
				}
				seen[dedupe] = struct{}{}
			}
			fresh++
			if accept(m) {
				valid = append(valid, m)
			}
		}
		acc = append(valid, acc...)

		if fresh == 0 {
			stopReason = "no new messages"
			break
		}
		if len(acc) >= filter.Limit {
			stopReason = "limit"
			break
		}
		if !filter.Start.IsZero() && oldest.Before(filter.Start) {
			stopReason = "window covered"
			break
		}
		if page.Next == "" || page.Next == cursor {
			stopReason = "no cursor"
			break
		}
		cursor = page.Next
	}

	log.Debug().
		Str("component", "history").
		Str("strategy", string(strategy)).
		Int("rounds", rounds).
		Str("stop", stopReason).
		Msg("paging finished")
	return newestAscending(acc, filter.Limit)
}

// newestAscending sorts msgs oldest first and keeps the newest limit.
func newestAscending(msgs []StoredMessage, limit int) []StoredMessage {
	sortAscending(msgs)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

func sortAscending(msgs []StoredMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
