package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/groupinsight/internal/analysis"
	"github.com/stellarlinkco/groupinsight/internal/api"
	"github.com/stellarlinkco/groupinsight/internal/bus"
	"github.com/stellarlinkco/groupinsight/internal/channel"
	"github.com/stellarlinkco/groupinsight/internal/config"
	"github.com/stellarlinkco/groupinsight/internal/cron"
	"github.com/stellarlinkco/groupinsight/internal/history"
	"github.com/stellarlinkco/groupinsight/internal/listener"
	"github.com/stellarlinkco/groupinsight/internal/llm"
	"github.com/stellarlinkco/groupinsight/internal/persona"
	"github.com/stellarlinkco/groupinsight/internal/store"
)

var ErrLLMUnavailable = errors.New("llm provider not configured")

// Options for creating a Gateway
type Options struct {
	// ConfigPath receives listener rule changes. Empty means the default
	// config location.
	ConfigPath string
	// Persona and Summarizer replace the configured LLM client.
	Persona    persona.Analyzer
	Summarizer analysis.Summarizer
	// Channels are added next to the configured adapters.
	Channels   []channel.Channel
	SignalChan chan os.Signal // for testing signal handling
	Now        func() time.Time
}

type Gateway struct {
	cfg        *config.Config
	cfgMu      sync.Mutex
	configPath string
	now        func() time.Time

	// guarded by cfgMu
	savedRulesVersion uint64

	bus      *bus.MessageBus
	registry *history.Registry
	store    *store.Store
	fetcher  *history.Fetcher
	ring     *history.RingCache
	buffer   *history.PersistBuffer
	rules    *listener.RuleSet
	channels *channel.ChannelManager
	personas *persona.Engine
	analyzer *analysis.Analyzer
	cron     *cron.Service

	hmu      sync.RWMutex
	handlers []func(history.StoredMessage)

	signalChan   chan os.Signal
	shutdownOnce sync.Once
	listenAddr   chan string
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		log.Warn().Str("component", "gateway").Msg(w)
	}
	g := &Gateway{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		now:        opts.Now,
		signalChan: opts.SignalChan,
		listenAddr: make(chan string, 1),
	}
	if g.configPath == "" {
		g.configPath = config.ConfigPath()
	}
	if g.now == nil {
		g.now = time.Now
	}

	policy := history.NewPolicy(cfg.Exclusions.GroupAnalysis, cfg.Exclusions.Persona, cfg.History.FilteredWords)
	st, err := store.Open(cfg.Store.DBPath, policy)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	g.bus = bus.NewMessageBus(config.DefaultBufSize)
	g.registry = history.NewRegistry()
	g.fetcher = history.NewFetcher(g.registry, st, policy, history.FetcherOptions{
		MaxRounds: cfg.History.MaxRounds,
		Now:       g.now,
	})
	g.ring = history.NewRingCache(cfg.Cache.Capacity, config.Duration(cfg.Cache.Expiry, history.DefaultRingExpiry))
	g.buffer = history.NewPersistBuffer(st, history.BufferOptions{
		Window:       config.Duration(cfg.Buffer.Window, history.DefaultActivityWindow),
		HighActivity: cfg.Buffer.HighActivityThreshold,
		FlushSize:    cfg.Buffer.FlushSize,
		IdleFlush:    config.Duration(cfg.Buffer.IdleFlush, history.DefaultIdleFlush),
		Now:          g.now,
	})

	g.rules = listener.NewRuleSet(rulesFromConfig(cfg.Listener.Rules), cfg.Listener.AllowAll)
	g.rules.OnChange(g.saveRules)

	personaLLM, summarizer := opts.Persona, opts.Summarizer
	if personaLLM == nil || summarizer == nil {
		client, err := llm.New(cfg.Provider)
		if err != nil {
			log.Warn().Str("component", "gateway").Err(err).Msg("llm disabled, persona and group analysis will fail")
		}
		var an llmBackend = unavailableLLM{}
		if client != nil {
			an = client
		}
		if personaLLM == nil {
			personaLLM = an
		}
		if summarizer == nil {
			summarizer = an
		}
	}

	g.personas = persona.NewEngine(personaLLM, st, g.fetcher, policy, persona.Options{
		Interval:      cfg.Persona.AnalysisMessageInterval,
		Lookback:      time.Duration(cfg.Persona.LookbackDays) * 24 * time.Hour,
		MaxMessages:   cfg.Persona.MaxMessages,
		MinMessages:   cfg.Persona.MinMessages,
		CacheLifetime: time.Duration(cfg.Persona.CacheLifetimeDays) * 24 * time.Hour,
		Now:           g.now,
		Scopes:        g.listenedScopes,
	})
	g.OnUserMessage(g.personas.OnMessage)

	g.analyzer = analysis.New(g.fetcher, summarizer, analysis.Options{
		MinMessages: cfg.Analysis.MinMessages,
		MaxMessages: cfg.Analysis.MaxMessages,
		Now:         g.now,
	})

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus, g.registry)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	for _, ch := range opts.Channels {
		chMgr.Add(ch)
	}
	g.channels = chMgr

	g.cron = cron.NewService()
	if err := g.registerJobs(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return g, nil
}

type llmBackend interface {
	persona.Analyzer
	analysis.Summarizer
}

type unavailableLLM struct{}

func (unavailableLLM) AnalyzePersona(context.Context, llm.PersonaRequest) (*llm.PersonaDraft, error) {
	return nil, ErrLLMUnavailable
}

func (unavailableLLM) SummarizeGroup(context.Context, llm.GroupRequest) (*llm.GroupDraft, error) {
	return nil, ErrLLMUnavailable
}

func (g *Gateway) registerJobs() error {
	jobs := []cron.Job{
		{
			Name:  "cache-sweep",
			Every: config.Duration(g.cfg.Cache.Sweep, 5*time.Minute),
			Run: func(context.Context) (int, error) {
				return g.ring.Sweep(g.now()), nil
			},
		},
		{
			Name:  "idle-flush",
			Every: config.Duration(g.cfg.Buffer.IdleSweep, 30*time.Second),
			Run: func(ctx context.Context) (int, error) {
				return g.buffer.FlushIdle(ctx), nil
			},
		},
	}
	if days := g.cfg.Store.RetentionDays; days > 0 {
		jobs = append(jobs, cron.Job{
			Name:  "retention",
			Every: config.Duration(g.cfg.Store.RetentionSweep, 6*time.Hour),
			Run: func(ctx context.Context) (int, error) {
				n, err := g.store.PurgeBefore(ctx, g.now().Add(-time.Duration(days)*24*time.Hour))
				return int(n), err
			},
		})
	}
	for _, j := range jobs {
		if err := g.cron.Add(j); err != nil {
			return fmt.Errorf("register %s: %w", j.Name, err)
		}
	}
	return nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	log.Info().Str("component", "gateway").Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if err := g.cron.Start(ctx); err != nil {
		log.Warn().Str("component", "gateway").Err(err).Msg("cron start failed")
	}

	addr := net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: api.NewRouter(g), ReadHeaderTimeout: 10 * time.Second}
	g.listenAddr <- ln.Addr().String()

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		g.processLoop(gctx)
		return nil
	})
	grp.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve api: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		select {
		case <-sigCh:
			log.Info().Str("component", "gateway").Msg("shutting down...")
		case <-gctx.Done():
		}
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().Str("component", "gateway").Str("addr", ln.Addr().String()).Msg("running")
	err = grp.Wait()
	if serr := g.Shutdown(); err == nil {
		err = serr
	}
	return err
}

// Addr blocks until Run is listening and returns its address.
func (g *Gateway) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-g.listenAddr:
		g.listenAddr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.Ingest(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops producers first, drains what they already published, then
// flushes buffered writes before closing the store. Safe to call twice.
func (g *Gateway) Shutdown() error {
	var err error
	g.shutdownOnce.Do(func() {
		g.cron.Stop()
		_ = g.channels.StopAll()

		ctx := context.Background()
		for drained := false; !drained; {
			select {
			case msg := <-g.bus.Inbound:
				g.Ingest(ctx, msg)
			default:
				drained = true
			}
		}

		g.personas.Close()
		if n := g.buffer.FlushAll(ctx); n > 0 {
			log.Info().Str("component", "gateway").Int("count", n).Msg("flushed buffered messages")
		}
		if cerr := g.store.Close(); cerr != nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
		log.Info().Str("component", "gateway").Msg("shutdown complete")
	})
	return err
}
