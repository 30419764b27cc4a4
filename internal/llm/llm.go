package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/groupinsight/internal/config"
	"github.com/stellarlinkco/groupinsight/internal/history"
)

const (
	personaSystem = `You build behavioral profiles of chat group members from their messages.
Reply with one strict JSON object and nothing else.`

	personaPrompt = `Build a profile of %s (id %s) from the messages below.
Each line is "[ref] time: text". Cite evidence only by ref.

Previous profile (may be empty):
%s

Return:
{"summary":"...","keyTraits":["..."],"interests":["..."],"communicationStyle":"...","evidence":[{"claim":"...","ref":"..."}]}

Messages:
%s`

	groupSystem = `You summarize a day of group chat. Reply with one strict JSON object and nothing else.`

	groupPrompt = `Summarize the chat below. Each line is "[ref] time name(id): text".
Pick at most %d topics, %d member titles and %d golden quotes. Cite quotes only by ref.

Return:
{"topics":[{"topic":"...","contributors":["name"],"detail":"..."}],"titles":[{"name":"...","userId":"...","title":"...","reason":"..."}],"quotes":[{"ref":"...","reason":"..."}]}

Messages:
%s`
)

// Completer is the single model call the client needs.
type Completer interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

type providerCompleter struct {
	provider model.Provider
}

func (p providerCompleter) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	m, err := p.provider.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}
	return m.Complete(ctx, req)
}

// Client turns message sets into structured persona and group summaries.
type Client struct {
	completer Completer
	maxTokens int
	timeout   time.Duration
}

// New builds a client for the configured provider. An empty type means
// Anthropic.
func New(cfg config.ProviderConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing provider api key")
	}
	var provider model.Provider
	switch cfg.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	case "", "anthropic":
		provider = &model.AnthropicProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	return NewWithCompleter(providerCompleter{provider: provider}, cfg.MaxTokens), nil
}

func NewWithCompleter(c Completer, maxTokens int) *Client {
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	return &Client{completer: c, maxTokens: maxTokens, timeout: 2 * time.Minute}
}

type PersonaRequest struct {
	UserID   string
	Username string
	Messages []history.StoredMessage
	// Previous is the serialized profile from the last run, if any.
	Previous string
}

type EvidenceRef struct {
	Claim string `json:"claim"`
	Ref   string `json:"ref"`
}

type PersonaDraft struct {
	Summary            string        `json:"summary"`
	KeyTraits          []string      `json:"keyTraits"`
	Interests          []string      `json:"interests"`
	CommunicationStyle string        `json:"communicationStyle"`
	Evidence           []EvidenceRef `json:"evidence"`
}

func (c *Client) AnalyzePersona(ctx context.Context, req PersonaRequest) (*PersonaDraft, error) {
	var lines strings.Builder
	for _, m := range req.Messages {
		fmt.Fprintf(&lines, "[%s] %s: %s\n", Ref(m), m.Timestamp.Format("01-02 15:04"), m.Content)
	}
	prompt := fmt.Sprintf(personaPrompt, req.Username, req.UserID, req.Previous, lines.String())

	var out PersonaDraft
	if err := c.completeJSON(ctx, personaSystem, prompt, &out); err != nil {
		return nil, fmt.Errorf("analyze persona: %w", err)
	}
	return &out, nil
}

type GroupRequest struct {
	Messages  []history.StoredMessage
	MaxTopics int
	MaxTitles int
	MaxQuotes int
}

type Topic struct {
	Topic        string   `json:"topic"`
	Contributors []string `json:"contributors"`
	Detail       string   `json:"detail"`
}

type UserTitle struct {
	Name   string `json:"name"`
	UserID string `json:"userId"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

type QuoteRef struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

type GroupDraft struct {
	Topics []Topic     `json:"topics"`
	Titles []UserTitle `json:"titles"`
	Quotes []QuoteRef  `json:"quotes"`
}

func (c *Client) SummarizeGroup(ctx context.Context, req GroupRequest) (*GroupDraft, error) {
	if req.MaxTopics <= 0 {
		req.MaxTopics = 5
	}
	if req.MaxTitles <= 0 {
		req.MaxTitles = 8
	}
	if req.MaxQuotes <= 0 {
		req.MaxQuotes = 5
	}
	var lines strings.Builder
	for _, m := range req.Messages {
		fmt.Fprintf(&lines, "[%s] %s %s(%s): %s\n", Ref(m), m.Timestamp.Format("15:04"), m.Username, m.UserID, m.Content)
	}
	prompt := fmt.Sprintf(groupPrompt, req.MaxTopics, req.MaxTitles, req.MaxQuotes, lines.String())

	var out GroupDraft
	if err := c.completeJSON(ctx, groupSystem, prompt, &out); err != nil {
		return nil, fmt.Errorf("summarize group: %w", err)
	}
	return &out, nil
}

// Ref is the reference a message is cited by in prompts: its native id when
// known, otherwise the durable id.
func Ref(m history.StoredMessage) string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.ID
}

func (c *Client) completeJSON(ctx context.Context, system, prompt string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.completer.Complete(ctx, model.Request{
		System:    system,
		Messages:  []model.Message{{Role: "user", Content: prompt}},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("complete: empty response")
	}
	if err := json.Unmarshal([]byte(ExtractJSON(resp.Message.Content)), out); err != nil {
		return fmt.Errorf("parse reply: %w", err)
	}
	return nil
}

// ExtractJSON strips code fences and surrounding prose from a model reply,
// keeping the outermost JSON object.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return strings.TrimSpace(s)
}
