package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultModel       = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens   = 4096
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 18791
	DefaultBufSize     = 256
	DefaultMaxRounds   = 50
	DefaultLogLevel    = "info"
	DefaultEnvPrefix   = "GROUPINSIGHT"
	DefaultCapacity    = 1000
	DefaultCacheExpiry = "24h"
	DefaultCacheSweep  = "5m"

	DefaultActivityWindow  = "60s"
	DefaultHighActivity    = 30
	DefaultFlushSize       = 50
	DefaultIdleFlush       = "30s"
	DefaultIdleSweep       = "30s"
	DefaultRetentionDays   = 30
	DefaultRetentionSweep  = "6h"
	DefaultPersonaInterval = 50
	DefaultPersonaDays     = 7
	DefaultPersonaMaxMsgs  = 300
	DefaultPersonaMinMsgs  = 10
	DefaultPersonaLifetime = 3
	DefaultAnalysisDays    = 1
	DefaultAnalysisMinMsgs = 20
	DefaultAnalysisMaxMsgs = 1000
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Provider   ProviderConfig  `json:"provider" yaml:"provider"`
	Listener   ListenerConfig  `json:"listener" yaml:"listener"`
	History    HistoryConfig   `json:"history" yaml:"history"`
	Buffer     BufferConfig    `json:"buffer" yaml:"buffer"`
	Cache      CacheConfig     `json:"cache" yaml:"cache"`
	Store      StoreConfig     `json:"store" yaml:"store"`
	Exclusions ExclusionConfig `json:"exclusions" yaml:"exclusions"`
	Persona    PersonaConfig   `json:"persona" yaml:"persona"`
	Analysis   AnalysisConfig  `json:"analysis" yaml:"analysis"`
	Channels   ChannelsConfig  `json:"channels" yaml:"channels"`
	Gateway    GatewayConfig   `json:"gateway" yaml:"gateway"`
	Log        LogConfig       `json:"log" yaml:"log"`
}

type ProviderConfig struct {
	Type      string `json:"type,omitempty" yaml:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey    string `json:"apiKey" yaml:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Model     string `json:"model" yaml:"model"`
	MaxTokens int    `json:"maxTokens" yaml:"maxTokens"`
}

// ListenerRule marks one chat location where live capture is active.
type ListenerRule struct {
	Platform  string `json:"platform" yaml:"platform"`
	SelfID    string `json:"selfId" yaml:"selfId"`
	ChannelID string `json:"channelId,omitempty" yaml:"channelId,omitempty"`
	GuildID   string `json:"guildId,omitempty" yaml:"guildId,omitempty"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
}

type ListenerConfig struct {
	AllowAll bool           `json:"allowAll" yaml:"allowAll"`
	Rules    []ListenerRule `json:"rules" yaml:"rules"`
}

type HistoryConfig struct {
	MaxRounds     int      `json:"maxRounds" yaml:"maxRounds"`
	FilteredWords []string `json:"filteredWords,omitempty" yaml:"filteredWords,omitempty"`
	AlwaysPersist bool     `json:"alwaysPersist" yaml:"alwaysPersist"`
}

type BufferConfig struct {
	Window                string `json:"window" yaml:"window"`
	HighActivityThreshold int    `json:"highActivityThreshold" yaml:"highActivityThreshold"`
	FlushSize             int    `json:"flushSize" yaml:"flushSize"`
	IdleFlush             string `json:"idleFlush" yaml:"idleFlush"`
	IdleSweep             string `json:"idleSweep" yaml:"idleSweep"`
}

type CacheConfig struct {
	Capacity int    `json:"capacity" yaml:"capacity"`
	Expiry   string `json:"expiry" yaml:"expiry"`
	Sweep    string `json:"sweep" yaml:"sweep"`
}

type StoreConfig struct {
	DBPath         string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	RetentionDays  int    `json:"retentionDays" yaml:"retentionDays"`
	RetentionSweep string `json:"retentionSweep" yaml:"retentionSweep"`
}

type ExclusionConfig struct {
	GroupAnalysis []string `json:"groupAnalysis,omitempty" yaml:"groupAnalysis,omitempty"`
	Persona       []string `json:"persona,omitempty" yaml:"persona,omitempty"`
}

type PersonaConfig struct {
	// AnalysisMessageInterval of 0 disables automatic refresh.
	AnalysisMessageInterval int `json:"analysisMessageInterval" yaml:"analysisMessageInterval"`
	LookbackDays            int `json:"lookbackDays" yaml:"lookbackDays"`
	MaxMessages             int `json:"maxMessages" yaml:"maxMessages"`
	MinMessages             int `json:"minMessages" yaml:"minMessages"`
	CacheLifetimeDays       int `json:"cacheLifetimeDays" yaml:"cacheLifetimeDays"`
}

type AnalysisConfig struct {
	Days        int `json:"days" yaml:"days"`
	MinMessages int `json:"minMessages" yaml:"minMessages"`
	MaxMessages int `json:"maxMessages" yaml:"maxMessages"`
}

type ChannelsConfig struct {
	OneBot   OneBotConfig   `json:"onebot" yaml:"onebot"`
	Satori   SatoriConfig   `json:"satori" yaml:"satori"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type OneBotConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	URL         string `json:"url" yaml:"url"`
	AccessToken string `json:"accessToken,omitempty" yaml:"accessToken,omitempty"`
	// PageSize overrides the per-call history page; some backends reject more than 20.
	PageSize int `json:"pageSize,omitempty" yaml:"pageSize,omitempty"`
}

type SatoriConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BaseURL  string `json:"baseUrl" yaml:"baseUrl"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	Platform string `json:"platform" yaml:"platform"`
	SelfID   string `json:"selfId" yaml:"selfId"`
	Events   bool   `json:"events" yaml:"events"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	Proxy   string `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// envOverrides lists the settings that may come from GROUPINSIGHT_* variables.
type envOverrides struct {
	APIKey        string `envconfig:"API_KEY"`
	BaseURL       string `envconfig:"BASE_URL"`
	ProviderType  string `envconfig:"PROVIDER"`
	Model         string `envconfig:"MODEL"`
	DBPath        string `envconfig:"DB_PATH"`
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	OneBotURL     string `envconfig:"ONEBOT_URL"`
	OneBotToken   string `envconfig:"ONEBOT_ACCESS_TOKEN"`
	SatoriURL     string `envconfig:"SATORI_URL"`
	SatoriToken   string `envconfig:"SATORI_TOKEN"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	ListenAll     *bool  `envconfig:"LISTEN_ALL"`
	AlwaysPersist *bool  `envconfig:"ALWAYS_PERSIST"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		History: HistoryConfig{
			MaxRounds:     DefaultMaxRounds,
			AlwaysPersist: true,
		},
		Buffer: BufferConfig{
			Window:                DefaultActivityWindow,
			HighActivityThreshold: DefaultHighActivity,
			FlushSize:             DefaultFlushSize,
			IdleFlush:             DefaultIdleFlush,
			IdleSweep:             DefaultIdleSweep,
		},
		Cache: CacheConfig{
			Capacity: DefaultCapacity,
			Expiry:   DefaultCacheExpiry,
			Sweep:    DefaultCacheSweep,
		},
		Store: StoreConfig{
			RetentionDays:  DefaultRetentionDays,
			RetentionSweep: DefaultRetentionSweep,
		},
		Persona: PersonaConfig{
			AnalysisMessageInterval: DefaultPersonaInterval,
			LookbackDays:            DefaultPersonaDays,
			MaxMessages:             DefaultPersonaMaxMsgs,
			MinMessages:             DefaultPersonaMinMsgs,
			CacheLifetimeDays:       DefaultPersonaLifetime,
		},
		Analysis: AnalysisConfig{
			Days:        DefaultAnalysisDays,
			MinMessages: DefaultAnalysisMinMsgs,
			MaxMessages: DefaultAnalysisMaxMsgs,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".groupinsight")
}

// ConfigPath returns the first existing config file, preferring JSON.
func ConfigPath() string {
	dir := ConfigDir()
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

func DefaultDBPath() string {
	return filepath.Join(ConfigDir(), "data", "history.db")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(DefaultEnvPrefix, &env); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if env.APIKey != "" {
		cfg.Provider.APIKey = env.APIKey
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if env.BaseURL != "" {
		cfg.Provider.BaseURL = env.BaseURL
	}
	if env.ProviderType != "" {
		cfg.Provider.Type = env.ProviderType
	}
	if env.Model != "" {
		cfg.Provider.Model = env.Model
	}
	if env.DBPath != "" {
		cfg.Store.DBPath = env.DBPath
	}
	if env.TelegramToken != "" {
		cfg.Channels.Telegram.Token = env.TelegramToken
	}
	if env.OneBotURL != "" {
		cfg.Channels.OneBot.URL = env.OneBotURL
	}
	if env.OneBotToken != "" {
		cfg.Channels.OneBot.AccessToken = env.OneBotToken
	}
	if env.SatoriURL != "" {
		cfg.Channels.Satori.BaseURL = env.SatoriURL
	}
	if env.SatoriToken != "" {
		cfg.Channels.Satori.Token = env.SatoriToken
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	if env.ListenAll != nil {
		cfg.Listener.AllowAll = *env.ListenAll
	}
	if env.AlwaysPersist != nil {
		cfg.History.AlwaysPersist = *env.AlwaysPersist
	}
	return nil
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Provider.Model == "" {
		c.Provider.Model = def.Provider.Model
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = def.Provider.MaxTokens
	}
	if c.History.MaxRounds <= 0 {
		c.History.MaxRounds = def.History.MaxRounds
	}
	if c.Buffer.Window == "" {
		c.Buffer.Window = def.Buffer.Window
	}
	if c.Buffer.HighActivityThreshold == 0 {
		c.Buffer.HighActivityThreshold = def.Buffer.HighActivityThreshold
	}
	if c.Buffer.FlushSize == 0 {
		c.Buffer.FlushSize = def.Buffer.FlushSize
	}
	if c.Buffer.IdleFlush == "" {
		c.Buffer.IdleFlush = def.Buffer.IdleFlush
	}
	if c.Buffer.IdleSweep == "" {
		c.Buffer.IdleSweep = def.Buffer.IdleSweep
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = def.Cache.Capacity
	}
	if c.Cache.Expiry == "" {
		c.Cache.Expiry = def.Cache.Expiry
	}
	if c.Cache.Sweep == "" {
		c.Cache.Sweep = def.Cache.Sweep
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = DefaultDBPath()
	}
	if c.Store.RetentionSweep == "" {
		c.Store.RetentionSweep = def.Store.RetentionSweep
	}
	if c.Analysis.Days <= 0 {
		c.Analysis.Days = def.Analysis.Days
	}
	if c.Analysis.MaxMessages <= 0 {
		c.Analysis.MaxMessages = def.Analysis.MaxMessages
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = def.Gateway.Host
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = def.Gateway.Port
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Validate rejects unusable values and returns non-fatal warnings separately.
func (c *Config) Validate() (warnings []string, err error) {
	var problems []string
	if c.Buffer.HighActivityThreshold < 0 {
		problems = append(problems, "buffer.highActivityThreshold must be >= 0")
	}
	if c.Buffer.FlushSize < 0 {
		problems = append(problems, "buffer.flushSize must be >= 0")
	}
	if c.Cache.Capacity < 0 {
		problems = append(problems, "cache.capacity must be >= 0")
	}
	if c.Persona.AnalysisMessageInterval < 0 {
		problems = append(problems, "persona.analysisMessageInterval must be >= 0")
	}
	if c.Store.RetentionDays < 0 {
		problems = append(problems, "store.retentionDays must be >= 0")
	}
	for name, raw := range map[string]string{
		"buffer.window":        c.Buffer.Window,
		"buffer.idleFlush":     c.Buffer.IdleFlush,
		"buffer.idleSweep":     c.Buffer.IdleSweep,
		"cache.expiry":         c.Cache.Expiry,
		"cache.sweep":          c.Cache.Sweep,
		"store.retentionSweep": c.Store.RetentionSweep,
	} {
		if raw == "" {
			continue
		}
		if d, perr := time.ParseDuration(raw); perr != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("%s: invalid duration %q", name, raw))
		}
	}
	for i, r := range c.Listener.Rules {
		if r.Platform == "" || r.SelfID == "" {
			problems = append(problems, fmt.Sprintf("listener.rules[%d]: platform and selfId are required", i))
		}
		if r.ChannelID == "" && r.GuildID == "" {
			problems = append(problems, fmt.Sprintf("listener.rules[%d]: channelId or guildId is required", i))
		}
	}
	if c.Listener.AllowAll && len(c.Listener.Rules) > 0 {
		warnings = append(warnings, "listener.allowAll is set; per-channel rules are ignored for live capture")
	}
	if len(problems) > 0 {
		return warnings, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return warnings, nil
}

// Duration parses raw, falling back to def when raw is empty or invalid.
func Duration(raw string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d
	}
	return def
}

func SaveConfig(cfg *Config) error {
	return SaveConfigTo(filepath.Join(ConfigDir(), "config.json"), cfg)
}

func SaveConfigTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
