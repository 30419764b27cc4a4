package gateway

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/groupinsight/internal/analysis"
	"github.com/stellarlinkco/groupinsight/internal/api"
	"github.com/stellarlinkco/groupinsight/internal/bus"
	"github.com/stellarlinkco/groupinsight/internal/config"
	"github.com/stellarlinkco/groupinsight/internal/history"
	"github.com/stellarlinkco/groupinsight/internal/listener"
	"github.com/stellarlinkco/groupinsight/internal/persona"
)

// OnUserMessage registers fn to run after every ingested live message.
func (g *Gateway) OnUserMessage(fn func(history.StoredMessage)) {
	g.hmu.Lock()
	g.handlers = append(g.handlers, fn)
	g.hmu.Unlock()
}

// Ingest handles one live message to completion: listener filter, ring
// cache, persistence, then the registered handlers. It reports whether the
// message was accepted.
func (g *Gateway) Ingest(ctx context.Context, in bus.InboundMessage) bool {
	ev := listener.Event{Platform: in.Platform, SelfID: in.SelfID, ChannelID: in.ChannelID, GuildID: in.GuildID}
	if !g.rules.ShouldListen(ev) {
		return false
	}
	msg := in.Stored()
	g.ring.Push(in.ScopeKey(), msg)
	if g.alwaysPersist() {
		g.buffer.Add(ctx, msg)
	}

	g.hmu.RLock()
	handlers := g.handlers
	g.hmu.RUnlock()
	for _, h := range handlers {
		g.runHandler(h, msg)
	}
	return true
}

func (g *Gateway) runHandler(h func(history.StoredMessage), msg history.StoredMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "gateway").Interface("panic", r).Msg("message handler panicked")
		}
	}()
	h(msg)
}

func (g *Gateway) alwaysPersist() bool {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	return g.cfg.History.AlwaysPersist
}

func (g *Gateway) GetHistoricalMessages(ctx context.Context, f history.Filter) []history.StoredMessage {
	return g.fetcher.GetHistoricalMessages(ctx, f)
}

// GetUserPersona is read-only: it never starts an analysis.
func (g *Gateway) GetUserPersona(ctx context.Context, platform, selfID, userID string) (*persona.View, bool) {
	return g.personas.Lookup(ctx, platform, selfID, userID)
}

func (g *Gateway) RefreshPersona(ctx context.Context, platform, selfID, userID string, force bool) (*persona.View, error) {
	return g.personas.Refresh(ctx, platform, selfID, userID, force)
}

// RecentMessages reads the ring cache, newest first.
func (g *Gateway) RecentMessages(platform, scope string, limit int) []history.StoredMessage {
	return g.ring.Recent(history.CacheKey(platform, scope, ""), limit)
}

func (g *Gateway) Rules() *listener.RuleSet {
	return g.rules
}

func (g *Gateway) AnalyzeGroup(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
	return g.analyzer.Analyze(ctx, req)
}

func (g *Gateway) Send(msg bus.OutboundMessage) bool {
	return g.bus.Send(msg)
}

func (g *Gateway) Status(ctx context.Context) api.Status {
	snap := g.rules.Snapshot()
	st := api.Status{
		Channels:     g.channels.Statuses(),
		Jobs:         g.cron.Jobs(),
		RuleVersion:  snap.Version,
		Rules:        len(snap.Rules),
		AllowAll:     snap.AllowAll,
		CachedScopes: g.ring.Scopes(),
	}
	stats, err := g.store.Stats(ctx)
	if err != nil {
		log.Warn().Str("component", "gateway").Err(err).Msg("store stats failed")
	} else {
		st.Store = &stats
	}
	return st
}

// listenedScopes returns the enabled rule scopes of one bot. With allowAll
// on it returns nothing so collection falls back to the store.
func (g *Gateway) listenedScopes(platform, selfID string) []history.Scope {
	snap := g.rules.Snapshot()
	if snap.AllowAll {
		return nil
	}
	var out []history.Scope
	for _, r := range snap.Rules {
		if !r.Enabled || r.Platform != platform || r.SelfID != selfID {
			continue
		}
		out = append(out, history.Scope{Platform: r.Platform, SelfID: r.SelfID, GuildID: r.GuildID, ChannelID: r.ChannelID})
	}
	return out
}

// saveRules mirrors a rule change into the config file. Hooks may finish out
// of order, so snapshots no newer than the last saved one are skipped.
func (g *Gateway) saveRules(snap listener.Snapshot) {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	if snap.Version <= g.savedRulesVersion {
		return
	}
	g.cfg.Listener.AllowAll = snap.AllowAll
	g.cfg.Listener.Rules = rulesToConfig(snap.Rules)
	if err := config.SaveConfigTo(g.configPath, g.cfg); err != nil {
		log.Warn().Str("component", "gateway").Err(err).Msg("persist listener rules failed")
		return
	}
	g.savedRulesVersion = snap.Version
	log.Info().Str("component", "gateway").Uint64("version", snap.Version).Int("rules", len(snap.Rules)).Msg("listener rules saved")
}

func rulesFromConfig(in []config.ListenerRule) []listener.Rule {
	out := make([]listener.Rule, 0, len(in))
	for _, r := range in {
		out = append(out, listener.Rule(r))
	}
	return out
}

func rulesToConfig(in []listener.Rule) []config.ListenerRule {
	out := make([]config.ListenerRule, 0, len(in))
	for _, r := range in {
		out = append(out, config.ListenerRule(r))
	}
	return out
}

var _ api.Service = (*Gateway)(nil)
