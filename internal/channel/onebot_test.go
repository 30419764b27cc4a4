package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/groupinsight/internal/bus"
	"github.com/stellarlinkco/groupinsight/internal/config"
	"github.com/stellarlinkco/groupinsight/internal/history"
)

// fakeOneBot is a minimal OneBot v11 forward websocket server holding one
// group's history.
type fakeOneBot struct {
	base     time.Time
	seqs     []int64
	mu       sync.Mutex
	calls    []map[string]any
	sent     []string
	authSeen string
}

func (f *fakeOneBot) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.authSeen = r.Header.Get("Authorization")
	f.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	_ = wsjson.Write(ctx, conn, map[string]any{
		"post_type": "meta_event", "meta_event_type": "lifecycle", "sub_type": "connect", "self_id": 10001,
	})
	_ = wsjson.Write(ctx, conn, map[string]any{
		"post_type": "message", "message_type": "group", "self_id": 10001, "group_id": 555,
		"user_id": 42, "message_id": 9001, "time": f.base.Add(time.Hour).Unix(),
		"sender":  map[string]any{"nickname": "alice", "card": "Alice"},
		"message": []map[string]any{{"type": "text", "data": map[string]any{"text": "live hello"}}},
	})

	for {
		var req struct {
			Action string         `json:"action"`
			Params map[string]any `json:"params"`
			Echo   string         `json:"echo"`
		}
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		resp := map[string]any{"status": "ok", "retcode": 0, "echo": req.Echo}
		switch req.Action {
		case "get_login_info":
			resp["data"] = map[string]any{"user_id": 10001, "nickname": "bot"}
		case "get_group_msg_history":
			f.mu.Lock()
			f.calls = append(f.calls, req.Params)
			f.mu.Unlock()
			resp["data"] = map[string]any{"messages": f.page(int64(req.Params["message_seq"].(float64)), int(req.Params["count"].(float64)))}
		case "send_group_msg":
			f.mu.Lock()
			f.sent = append(f.sent, req.Params["message"].(string))
			f.mu.Unlock()
			resp["data"] = map[string]any{"message_id": 1}
		default:
			resp["status"] = "failed"
			resp["retcode"] = 1404
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
	}
}

// page returns up to count messages with seq <= cursor (0 = latest),
// ascending, the way the backend does.
func (f *fakeOneBot) page(cursor int64, count int) []map[string]any {
	var eligible []int64
	for _, s := range f.seqs {
		if cursor == 0 || s <= cursor {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) > count {
		eligible = eligible[len(eligible)-count:]
	}
	out := make([]map[string]any, 0, len(eligible))
	for _, s := range eligible {
		out = append(out, map[string]any{
			"message_id":  s + 1000,
			"message_seq": s,
			"group_id":    555,
			"user_id":     7,
			"time":        f.base.Add(time.Duration(s) * time.Minute).Unix(),
			"sender":      map[string]any{"nickname": "bob"},
			"message": []map[string]any{
				{"type": "reply", "data": map[string]any{"id": "1001"}},
				{"type": "at", "data": map[string]any{"qq": "42", "name": "Alice"}},
				{"type": "text", "data": map[string]any{"text": "msg"}},
				{"type": "face", "data": map[string]any{"id": "14"}},
			},
		})
	}
	return out
}

func startOneBot(t *testing.T, seqs []int64) (*fakeOneBot, *OneBotChannel, *bus.MessageBus, *history.Registry) {
	t.Helper()
	fake := &fakeOneBot{base: time.Now().Add(-2 * time.Hour).Truncate(time.Second), seqs: seqs}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))

	b := bus.NewMessageBus(16)
	reg := history.NewRegistry()
	ch, err := NewOneBotChannel(config.OneBotConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		AccessToken: "secret",
		PageSize:    2,
	}, b, reg)
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() {
		_ = ch.Stop()
		srv.Close()
	})

	require.Eventually(t, ch.Online, 2*time.Second, 10*time.Millisecond)
	return fake, ch, b, reg
}

func TestOneBot_LiveGroupMessage(t *testing.T) {
	fake, ch, b, reg := startOneBot(t, nil)

	select {
	case in := <-b.Inbound:
		assert.Equal(t, "onebot", in.Platform)
		assert.Equal(t, "10001", in.SelfID)
		assert.Equal(t, "555", in.GuildID)
		assert.Equal(t, "555", in.ChannelID)
		assert.Equal(t, "42", in.UserID)
		assert.Equal(t, "Alice", in.Username)
		assert.Equal(t, "live hello", in.Content)
		assert.Equal(t, "9001", in.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected live message")
	}

	bot, ok := reg.Lookup("onebot", "10001")
	require.True(t, ok)
	assert.Same(t, ch, bot)
	fake.mu.Lock()
	assert.Equal(t, "Bearer secret", fake.authSeen)
	fake.mu.Unlock()
}

func TestOneBot_HistoryThroughFetcher(t *testing.T) {
	fake, _, _, reg := startOneBot(t, []int64{1, 2, 3, 4, 5})

	f := history.NewFetcher(reg, nil, history.NewPolicy(nil, nil, nil), history.FetcherOptions{})
	filter := history.Filter{Platform: "onebot", SelfID: "10001", GuildID: "555", ChannelID: "555", Limit: 10}
	strategy, _ := f.Select(filter)
	require.Equal(t, history.StrategyLegacy, strategy)

	got := f.GetHistoricalMessages(context.Background(), filter)
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("onebot:10001:555:%d", 1001+i), m.ID)
		assert.Equal(t, "bob", m.Username)
	}
	assert.Equal(t, "1001", got[0].MessageID)
	assert.Equal(t, "1005", got[4].MessageID)
	assert.Equal(t, "@Alice msg[face]", got[0].Content)
	require.Len(t, got[0].Elements, 4)
	assert.Equal(t, history.ElementQuote, got[0].Elements[0].Type)
	assert.Equal(t, "1001", got[0].Elements[0].Ref)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.NotEmpty(t, fake.calls)
	assert.EqualValues(t, 0, fake.calls[0]["message_seq"])
	assert.EqualValues(t, 555, fake.calls[0]["group_id"])
	assert.EqualValues(t, 2, fake.calls[0]["count"])
	assert.EqualValues(t, 4, fake.calls[1]["message_seq"], "cursor is the oldest seq of the previous page")
}

func TestOneBot_Send(t *testing.T) {
	fake, ch, _, _ := startOneBot(t, nil)

	require.NoError(t, ch.Send(bus.OutboundMessage{Platform: "onebot", GuildID: "555", Content: "report"}))
	assert.Error(t, ch.Send(bus.OutboundMessage{Platform: "onebot", GuildID: "abc", Content: "report"}))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"report"}, fake.sent)
}

func TestOneBot_ActionWithoutConnection(t *testing.T) {
	ch, err := NewOneBotChannel(config.OneBotConfig{URL: "ws://127.0.0.1:1"}, bus.NewMessageBus(1), nil)
	require.NoError(t, err)
	_, err = ch.LegacyHistory().FetchPage(context.Background(), history.Scope{GuildID: "1"}, "", 10)
	assert.Error(t, err)
	_, err = ch.LegacyHistory().FetchPage(context.Background(), history.Scope{GuildID: "not-a-group"}, "", 10)
	assert.Error(t, err)
	assert.Equal(t, oneBotDefaultPageSize, ch.LegacyHistory().PageSize())
}

func TestParseOneBotSegments(t *testing.T) {
	raw := json.RawMessage(`[
		{"type":"text","data":{"text":"look "}},
		{"type":"mface","data":{"summary":"[doge]","url":"http://x/doge.gif"}},
		{"type":"image","data":{"url":"http://x/a.png","sub_type":1}},
		{"type":"image","data":{"file":"b.png"}}
	]`)
	els, text := parseOneBotSegments(raw, "")
	require.Len(t, els, 4)
	assert.Equal(t, "look [doge][image][image]", text)
	assert.Equal(t, history.ElementSticker, els[1].Type)
	assert.Equal(t, history.ElementSticker, els[2].Type)
	assert.Equal(t, history.ElementImage, els[3].Type)
	assert.Equal(t, "b.png", els[3].URL)

	els, text = parseOneBotSegments(json.RawMessage(`"plain [CQ:face,id=1]"`), "")
	assert.Equal(t, "plain [CQ:face,id=1]", text)
	assert.Len(t, els, 1)

	els, text = parseOneBotSegments(nil, "")
	assert.Empty(t, els)
	assert.Empty(t, text)
}

func TestOldestOneBotMessage(t *testing.T) {
	tests := []struct {
		name string
		msgs []oneBotMessage
		want int
	}{
		{"empty", nil, -1},
		{"same second uses seq", []oneBotMessage{
			{MessageSeq: "103", Time: 100},
			{MessageSeq: "101", Time: 100},
			{MessageSeq: "102", Time: 100},
		}, 1},
		{"seq beats earlier time", []oneBotMessage{
			{MessageSeq: "9", Time: 50},
			{MessageSeq: "8", Time: 60},
		}, 1},
		{"no seq falls back to time", []oneBotMessage{
			{MessageID: "a", Time: 70},
			{MessageID: "b", Time: 60},
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, oldestOneBotMessage(tt.msgs))
		})
	}
}
