package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/groupinsight/internal/config"
	"github.com/stellarlinkco/groupinsight/internal/history"
)

type fakeCompleter struct {
	reply string
	err   error
	last  model.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &model.Response{Message: model.Message{Role: "assistant", Content: f.reply}}, nil
}

func sampleMessages() []history.StoredMessage {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return []history.StoredMessage{
		{ID: "qq:1:g:100", MessageID: "100", UserID: "u1", Username: "Alice", Content: "I love rust", Timestamp: ts},
		{ID: "qq:1:g:x", UserID: "u1", Username: "Alice", Content: "and go", Timestamp: ts.Add(time.Minute)},
	}
}

func TestAnalyzePersona_ParsesFencedReply(t *testing.T) {
	fc := &fakeCompleter{reply: "```json\n{\"summary\":\"coder\",\"keyTraits\":[\"curious\"],\"interests\":[\"rust\"],\"communicationStyle\":\"terse\",\"evidence\":[{\"claim\":\"likes rust\",\"ref\":\"100\"}]}\n```"}
	c := NewWithCompleter(fc, 0)

	out, err := c.AnalyzePersona(context.Background(), PersonaRequest{
		UserID:   "u1",
		Username: "Alice",
		Messages: sampleMessages(),
		Previous: `{"summary":"old"}`,
	})
	if err != nil {
		t.Fatalf("AnalyzePersona error: %v", err)
	}
	if out.Summary != "coder" || len(out.Evidence) != 1 || out.Evidence[0].Ref != "100" {
		t.Fatalf("unexpected draft: %+v", out)
	}

	prompt := fc.last.Messages[0].Content
	if !strings.Contains(prompt, "[100] ") || !strings.Contains(prompt, "[qq:1:g:x] ") {
		t.Fatalf("prompt should cite native id, then durable id: %s", prompt)
	}
	if !strings.Contains(prompt, `{"summary":"old"}`) {
		t.Fatal("prompt should carry the previous profile")
	}
	if fc.last.MaxTokens != config.DefaultMaxTokens {
		t.Fatalf("MaxTokens = %d", fc.last.MaxTokens)
	}
}

func TestSummarizeGroup(t *testing.T) {
	fc := &fakeCompleter{reply: `Sure! {"topics":[{"topic":"langs","contributors":["Alice"],"detail":"rust vs go"}],"titles":[],"quotes":[{"ref":"100","reason":"bold"}]} hope this helps`}
	c := NewWithCompleter(fc, 512)

	out, err := c.SummarizeGroup(context.Background(), GroupRequest{Messages: sampleMessages()})
	if err != nil {
		t.Fatalf("SummarizeGroup error: %v", err)
	}
	if len(out.Topics) != 1 || out.Topics[0].Topic != "langs" || len(out.Quotes) != 1 {
		t.Fatalf("unexpected draft: %+v", out)
	}
	if !strings.Contains(fc.last.Messages[0].Content, "Alice(u1): I love rust") {
		t.Fatalf("unexpected prompt: %s", fc.last.Messages[0].Content)
	}
}

func TestCompleteErrors(t *testing.T) {
	c := NewWithCompleter(&fakeCompleter{err: errors.New("boom")}, 0)
	if _, err := c.SummarizeGroup(context.Background(), GroupRequest{}); err == nil {
		t.Fatal("expected completion error")
	}

	c = NewWithCompleter(&fakeCompleter{reply: "not json"}, 0)
	if _, err := c.AnalyzePersona(context.Background(), PersonaRequest{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNew_ProviderSelection(t *testing.T) {
	if _, err := New(config.ProviderConfig{}); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := New(config.ProviderConfig{APIKey: "k", Type: "bogus"}); err == nil {
		t.Fatal("expected unknown provider error")
	}
	for _, typ := range []string{"", "anthropic", "openai"} {
		c, err := New(config.ProviderConfig{APIKey: "k", Type: typ, Model: "m"})
		if err != nil {
			t.Fatalf("New(%q) error: %v", typ, err)
		}
		if _, ok := c.completer.(providerCompleter); !ok {
			t.Fatalf("New(%q) should wrap a provider", typ)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                     `{"a":1}`,
		"```json\n{\"a\":1}\n```":     `{"a":1}`,
		"```\n{\"a\":{\"b\":2}}\n```": `{"a":{"b":2}}`,
		`prefix {"a":1} suffix`:       `{"a":1}`,
		`  nothing  `:                 `nothing`,
	}
	for in, want := range cases {
		if got := ExtractJSON(in); got != want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
