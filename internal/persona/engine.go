package persona

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/stellarlinkco/groupinsight/internal/history"
	"github.com/stellarlinkco/groupinsight/internal/llm"
	"github.com/stellarlinkco/groupinsight/internal/store"
)

var (
	ErrAnalysisInProgress   = errors.New("persona analysis already in progress")
	ErrInsufficientMessages = errors.New("not enough messages for persona analysis")
	ErrUserExcluded         = errors.New("user is excluded from persona analysis")
)

const (
	DefaultLookback      = 7 * 24 * time.Hour
	DefaultMaxMessages   = 300
	DefaultMinMessages   = 10
	DefaultCacheLifetime = 3 * 24 * time.Hour
)

// Analyzer produces a fresh profile draft from a user's messages.
type Analyzer interface {
	AnalyzePersona(ctx context.Context, req llm.PersonaRequest) (*llm.PersonaDraft, error)
}

// Records is the durable side of the persona cache.
type Records interface {
	GetPersona(ctx context.Context, id string) (*store.PersonaRecord, error)
	UpsertPersona(ctx context.Context, r store.PersonaRecord) error
}

// MessageSource returns a user's recent messages.
type MessageSource interface {
	GetHistoricalMessages(ctx context.Context, f history.Filter) []history.StoredMessage
}

type Options struct {
	// Interval is the message count that triggers a refresh; 0 disables it.
	Interval      int
	Lookback      time.Duration
	MaxMessages   int
	MinMessages   int
	CacheLifetime time.Duration
	Now           func() time.Time
	// Scopes lists the chats a user's messages are collected from. An empty
	// result reads the store across every scope.
	Scopes func(platform, selfID string) []history.Scope
}

// View is what lookups return.
type View struct {
	Profile        Profile   `json:"profile"`
	Username       string    `json:"username"`
	LastAnalysisAt time.Time `json:"lastAnalysisAt"`
}

type entry struct {
	platform string
	selfID   string
	userID   string
	username string

	loaded         bool
	profile        *Profile
	lastAnalysisAt time.Time
	pending        int
}

// Engine caches personas per platform:selfId:userId and refreshes them in the
// background once enough new messages have arrived. At most one analysis
// runs per user at a time.
type Engine struct {
	analyzer Analyzer
	records  Records
	source   MessageSource
	policy   history.Policy
	opts     Options

	mu         sync.Mutex
	entries    map[string]*entry
	processing map[string]struct{}

	loads  singleflight.Group
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEngine(analyzer Analyzer, records Records, source MessageSource, policy history.Policy, opts Options) *Engine {
	if opts.Interval < 0 {
		opts.Interval = 0
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.MinMessages <= 0 {
		opts.MinMessages = DefaultMinMessages
	}
	if opts.CacheLifetime <= 0 {
		opts.CacheLifetime = DefaultCacheLifetime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		analyzer:   analyzer,
		records:    records,
		source:     source,
		policy:     policy,
		opts:       opts,
		entries:    make(map[string]*entry),
		processing: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnMessage counts one live message toward its author's next refresh and
// starts a detached analysis once the interval is reached.
func (e *Engine) OnMessage(msg history.StoredMessage) {
	if e.opts.Interval == 0 || msg.UserID == "" {
		return
	}
	if e.policy.Excluded(history.PurposeUserPersona, msg.UserID) {
		return
	}
	key := store.PersonaID(msg.Platform, msg.SelfID, msg.UserID)

	e.mu.Lock()
	ent := e.entryLocked(key, msg.Platform, msg.SelfID, msg.UserID)
	if msg.Username != "" {
		ent.username = msg.Username
	}
	ent.pending++
	if ent.pending < e.opts.Interval || !e.acquireLocked(key) {
		e.mu.Unlock()
		return
	}
	ent.pending = 0
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(key)
		if _, err := e.analyze(e.ctx, key); err != nil && !errors.Is(err, ErrInsufficientMessages) {
			log.Warn().Str("component", "persona").Str("user", key).Err(err).Msg("background analysis failed")
		}
	}()
}

// Refresh runs the analysis now. Without force, a profile younger than the
// cache lifetime is returned as is.
func (e *Engine) Refresh(ctx context.Context, platform, selfID, userID string, force bool) (*View, error) {
	if e.policy.Excluded(history.PurposeUserPersona, userID) {
		return nil, ErrUserExcluded
	}
	key := store.PersonaID(platform, selfID, userID)
	e.mu.Lock()
	e.entryLocked(key, platform, selfID, userID)
	e.mu.Unlock()

	ent, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !force && ent.profile != nil && e.opts.Now().Sub(ent.lastAnalysisAt) < e.opts.CacheLifetime {
		return viewOf(ent), nil
	}

	e.mu.Lock()
	ok := e.acquireLocked(key)
	e.mu.Unlock()
	if !ok {
		return nil, ErrAnalysisInProgress
	}
	defer e.release(key)

	return e.analyze(ctx, key)
}

// Lookup returns the cached or stored profile without triggering analysis.
// Failures are logged and reported as a miss.
func (e *Engine) Lookup(ctx context.Context, platform, selfID, userID string) (*View, bool) {
	key := store.PersonaID(platform, selfID, userID)
	e.mu.Lock()
	ent, ok := e.entries[key]
	if ok && ent.loaded {
		v := viewOfLocked(ent)
		e.mu.Unlock()
		return v, v != nil
	}
	e.mu.Unlock()

	rec, err := e.fetchRecord(ctx, key)
	if err != nil || rec == nil {
		return nil, false
	}
	p, err := decode(rec.Persona)
	if err != nil {
		log.Warn().Str("component", "persona").Str("user", key).Err(err).Msg("stored profile unreadable, treating as missing")
		return nil, false
	}
	if p == nil {
		return nil, false
	}
	return &View{Profile: *p, Username: rec.Username, LastAnalysisAt: rec.LastAnalysisAt}, true
}

// Pending reports the messages counted toward the user's next refresh.
func (e *Engine) Pending(platform, selfID, userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.entries[store.PersonaID(platform, selfID, userID)]; ok {
		return ent.pending
	}
	return 0
}

// Wait blocks until every background analysis has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels background analyses and waits for them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) entryLocked(key, platform, selfID, userID string) *entry {
	ent, ok := e.entries[key]
	if !ok {
		ent = &entry{platform: platform, selfID: selfID, userID: userID}
		e.entries[key] = ent
	}
	return ent
}

func (e *Engine) acquireLocked(key string) bool {
	if _, busy := e.processing[key]; busy {
		return false
	}
	e.processing[key] = struct{}{}
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	delete(e.processing, key)
	if ent, ok := e.entries[key]; ok {
		ent.pending = 0
	}
	e.mu.Unlock()
}

// load fills the entry from the store the first time it is needed. A failed
// read leaves the entry unloaded so the next access tries again.
func (e *Engine) load(ctx context.Context, key string) (entry, error) {
	e.mu.Lock()
	ent := e.entries[key]
	if ent.loaded {
		snap := *ent
		e.mu.Unlock()
		return snap, nil
	}
	e.mu.Unlock()

	rec, err := e.fetchRecord(ctx, key)
	if err != nil {
		return entry{}, fmt.Errorf("load persona %s: %w", key, err)
	}
	var p *Profile
	if rec != nil {
		if p, err = decode(rec.Persona); err != nil {
			log.Warn().Str("component", "persona").Str("user", key).Err(err).Msg("stored profile unreadable, treating as missing")
			p = nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !ent.loaded {
		ent.loaded = true
		ent.profile = p
		if rec != nil {
			ent.lastAnalysisAt = rec.LastAnalysisAt
			if ent.username == "" {
				ent.username = rec.Username
			}
		}
	}
	return *ent, nil
}

// fetchRecord collapses concurrent store reads for the same user.
func (e *Engine) fetchRecord(ctx context.Context, key string) (*store.PersonaRecord, error) {
	v, err, _ := e.loads.Do(key, func() (any, error) {
		return e.records.GetPersona(ctx, key)
	})
	if err != nil {
		log.Warn().Str("component", "persona").Str("user", key).Err(err).Msg("persona lookup failed")
		return nil, err
	}
	rec, _ := v.(*store.PersonaRecord)
	return rec, nil
}

// analyze runs one refresh. The caller holds the processing guard.
func (e *Engine) analyze(ctx context.Context, key string) (*View, error) {
	ent, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	msgs := e.collect(ctx, ent)
	if len(msgs) < e.opts.MinMessages {
		log.Info().
			Str("component", "persona").
			Str("user", key).
			Int("count", len(msgs)).
			Int("threshold", e.opts.MinMessages).
			Msg("too few messages, skipping analysis")
		return nil, ErrInsufficientMessages
	}

	username := ent.username
	if last := msgs[len(msgs)-1].Username; last != "" {
		username = last
	}
	var previous string
	if ent.profile != nil {
		previous, _ = encode(*ent.profile)
	}

	draft, err := e.analyzer.AnalyzePersona(ctx, llm.PersonaRequest{
		UserID:   ent.userID,
		Username: username,
		Messages: msgs,
		Previous: previous,
	})
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", key, err)
	}
	merged := Merge(ent.profile, fromDraft(draft, msgs))

	raw, err := encode(merged)
	if err != nil {
		return nil, err
	}
	stamp := e.opts.Now()
	if err := e.records.UpsertPersona(ctx, store.PersonaRecord{
		ID:             key,
		Platform:       ent.platform,
		SelfID:         ent.selfID,
		UserID:         ent.userID,
		Username:       username,
		Persona:        raw,
		LastAnalysisAt: stamp,
		UpdatedAt:      stamp,
	}); err != nil {
		log.Warn().Str("component", "persona").Str("user", key).Err(err).Msg("persist profile failed, keeping it in memory")
	}

	e.mu.Lock()
	cur := e.entries[key]
	cur.loaded = true
	cur.profile = &merged
	cur.lastAnalysisAt = stamp
	cur.username = username
	v := viewOfLocked(cur)
	e.mu.Unlock()

	log.Info().Str("component", "persona").Str("user", key).Int("messages", len(msgs)).Msg("persona updated")
	return v, nil
}

// collect gathers the user's messages from every listened scope on the
// user's bot, newest MaxMessages kept, oldest first.
func (e *Engine) collect(ctx context.Context, ent entry) []history.StoredMessage {
	now := e.opts.Now()
	base := history.Filter{
		Platform: ent.platform,
		SelfID:   ent.selfID,
		UserIDs:  []string{ent.userID},
		Start:    now.Add(-e.opts.Lookback),
		End:      now,
		Limit:    e.opts.MaxMessages,
		Purpose:  history.PurposeUserPersona,
	}
	var scopes []history.Scope
	if e.opts.Scopes != nil {
		scopes = e.opts.Scopes(ent.platform, ent.selfID)
	}
	if len(scopes) == 0 {
		return e.source.GetHistoricalMessages(ctx, base)
	}

	seen := make(map[string]struct{})
	var out []history.StoredMessage
	for _, sc := range scopes {
		f := base
		f.GuildID = sc.GuildID
		f.ChannelID = sc.ChannelID
		for _, m := range e.source.GetHistoricalMessages(ctx, f) {
			id := m.ID
			if id == "" {
				id = m.ChannelID + "/" + m.MessageID
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > e.opts.MaxMessages {
		out = out[len(out)-e.opts.MaxMessages:]
	}
	return out
}

func viewOf(ent entry) *View {
	return viewOfLocked(&ent)
}

func viewOfLocked(ent *entry) *View {
	if ent.profile == nil {
		return nil
	}
	return &View{Profile: *ent.profile, Username: ent.username, LastAnalysisAt: ent.lastAnalysisAt}
}
