package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/groupinsight/internal/bus"
	"github.com/stellarlinkco/groupinsight/internal/config"
	"github.com/stellarlinkco/groupinsight/internal/history"
)

const (
	oneBotChannelName     = "onebot"
	oneBotDefaultPageSize = 50
	oneBotActionTimeout   = 15 * time.Second
	oneBotReconnectDelay  = 5 * time.Second
	oneBotReadLimit       = 16 << 20
)

// OneBotChannel speaks OneBot v11 over a forward websocket. Its only history
// primitive is get_group_msg_history, which pages backwards by message_seq.
type OneBotChannel struct {
	*BaseChannel
	url      string
	token    string
	pageSize int

	connMu  sync.Mutex
	conn    *websocket.Conn
	pending sync.Map // echo -> chan oneBotFrame

	cancel context.CancelFunc
	done   chan struct{}
}

type oneBotAction struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// oneBotFrame is either an action response (echo set) or an event.
type oneBotFrame struct {
	Echo    string          `json:"echo,omitempty"`
	Status  string          `json:"status,omitempty"`
	RetCode int             `json:"retcode,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Wording string          `json:"wording,omitempty"`

	PostType      string      `json:"post_type,omitempty"`
	MetaEventType string      `json:"meta_event_type,omitempty"`
	MessageType   string      `json:"message_type,omitempty"`
	SelfID        json.Number `json:"self_id,omitempty"`
	oneBotMessage
}

type oneBotMessage struct {
	MessageID  json.Number     `json:"message_id,omitempty"`
	MessageSeq json.Number     `json:"message_seq,omitempty"`
	GroupID    json.Number     `json:"group_id,omitempty"`
	UserID     json.Number     `json:"user_id,omitempty"`
	Time       int64           `json:"time,omitempty"`
	Sender     oneBotSender    `json:"sender"`
	Message    json.RawMessage `json:"message,omitempty"`
	RawMessage string          `json:"raw_message,omitempty"`
}

type oneBotSender struct {
	UserID   json.Number `json:"user_id,omitempty"`
	Nickname string      `json:"nickname,omitempty"`
	Card     string      `json:"card,omitempty"`
}

type oneBotSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func NewOneBotChannel(cfg config.OneBotConfig, b *bus.MessageBus, registry *history.Registry) (*OneBotChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("onebot url is required")
	}
	size := cfg.PageSize
	if size <= 0 {
		size = oneBotDefaultPageSize
	}
	ch := &OneBotChannel{
		BaseChannel: NewBaseChannel(oneBotChannelName, b, registry),
		url:         cfg.URL,
		token:       cfg.AccessToken,
		pageSize:    size,
	}
	ch.bind(ch)
	return ch, nil
}

func (c *OneBotChannel) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
	log.Info().Str("component", oneBotChannelName).Str("url", c.url).Msg("connecting")
	return nil
}

func (c *OneBotChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	log.Info().Str("component", oneBotChannelName).Msg("stopped")
	return nil
}

// run keeps one session alive until ctx ends, reconnecting after failures.
func (c *OneBotChannel) run(ctx context.Context) {
	defer close(c.done)
	for {
		err := c.session(ctx)
		c.markOffline()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("component", oneBotChannelName).Err(err).Dur("retry_in", oneBotReconnectDelay).Msg("connection lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(oneBotReconnectDelay):
		}
	}
}

func (c *OneBotChannel) session(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return fmt.Errorf("dial onebot: %w", err)
	}
	conn.SetReadLimit(oneBotReadLimit)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	go c.identify(ctx)

	for {
		var frame oneBotFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read onebot frame: %w", err)
		}
		c.dispatch(ctx, frame)
	}
}

func (c *OneBotChannel) identify(ctx context.Context) {
	data, err := c.action(ctx, "get_login_info", map[string]any{})
	if err != nil {
		log.Warn().Str("component", oneBotChannelName).Err(err).Msg("get_login_info failed")
		return
	}
	var info struct {
		UserID   json.Number `json:"user_id"`
		Nickname string      `json:"nickname"`
	}
	if err := json.Unmarshal(data, &info); err != nil || info.UserID == "" {
		log.Warn().Str("component", oneBotChannelName).Err(err).Msg("unexpected login info")
		return
	}
	c.markOnline(info.UserID.String())
}

func (c *OneBotChannel) dispatch(ctx context.Context, f oneBotFrame) {
	if f.Echo != "" {
		if ch, ok := c.pending.LoadAndDelete(f.Echo); ok {
			ch.(chan oneBotFrame) <- f
		}
		return
	}

	switch f.PostType {
	case "meta_event":
		if f.MetaEventType == "lifecycle" && f.SelfID != "" && !c.Online() {
			c.markOnline(f.SelfID.String())
		}
	case "message":
		if f.MessageType != "group" {
			return
		}
		self := f.SelfID.String()
		if self == "" {
			self = c.SelfID()
		}
		sm := oneBotStored(self, f.GroupID.String(), f.oneBotMessage)
		c.publish(ctx, toInbound(sm))
	}
}

// action sends one OneBot API call and waits for the matching echo.
func (c *OneBotChannel) action(ctx context.Context, name string, params any) (json.RawMessage, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("onebot %s: not connected", name)
	}

	echo := uuid.NewString()
	reply := make(chan oneBotFrame, 1)
	c.pending.Store(echo, reply)
	defer c.pending.Delete(echo)

	ctx, cancel := context.WithTimeout(ctx, oneBotActionTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, oneBotAction{Action: name, Params: params, Echo: echo}); err != nil {
		return nil, fmt.Errorf("onebot %s: %w", name, err)
	}
	select {
	case f := <-reply:
		if f.Status == "failed" || f.RetCode != 0 {
			return nil, fmt.Errorf("onebot %s: retcode %d %s", name, f.RetCode, f.Wording)
		}
		return f.Data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("onebot %s: %w", name, ctx.Err())
	}
}

func (c *OneBotChannel) Send(msg bus.OutboundMessage) error {
	gid, err := strconv.ParseInt(firstNonEmpty(msg.GuildID, msg.ChannelID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid group id %q: %w", firstNonEmpty(msg.GuildID, msg.ChannelID), err)
	}
	_, err = c.action(context.Background(), "send_group_msg", map[string]any{
		"group_id": gid,
		"message":  msg.Content,
	})
	return err
}

func (c *OneBotChannel) LegacyHistory() history.PagedHistorySource {
	return oneBotHistory{c: c}
}

type oneBotHistory struct {
	c *OneBotChannel
}

func (h oneBotHistory) PageSize() int { return h.c.pageSize }

// FetchPage returns up to size messages at or before the cursor sequence.
// The next cursor is the sequence of the oldest message returned; the
// backend includes the cursor message itself, which the fetch loop dedupes.
func (h oneBotHistory) FetchPage(ctx context.Context, scope history.Scope, cursor history.Cursor, size int) (history.Page, error) {
	group := firstNonEmpty(scope.GuildID, scope.ChannelID)
	gid, err := strconv.ParseInt(group, 10, 64)
	if err != nil {
		return history.Page{}, fmt.Errorf("onebot history: group id %q: %w", group, err)
	}
	var seq int64
	if cursor != "" {
		if seq, err = strconv.ParseInt(string(cursor), 10, 64); err != nil {
			return history.Page{}, fmt.Errorf("onebot history: cursor %q: %w", cursor, err)
		}
	}

	data, err := h.c.action(ctx, "get_group_msg_history", map[string]any{
		"group_id":     gid,
		"message_seq":  seq,
		"count":        size,
		"reverseOrder": false,
	})
	if err != nil {
		return history.Page{}, err
	}
	var resp struct {
		Messages []oneBotMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return history.Page{}, fmt.Errorf("decode group history: %w", err)
	}

	self := h.c.SelfID()
	page := history.Page{Messages: make([]history.StoredMessage, 0, len(resp.Messages))}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, oneBotStored(self, group, m))
	}
	if oldest := oldestOneBotMessage(resp.Messages); oldest >= 0 {
		m := resp.Messages[oldest]
		page.Next = history.Cursor(firstNonEmpty(m.MessageSeq.String(), m.MessageID.String()))
	}
	return page, nil
}

// oldestOneBotMessage picks the next cursor position: the lowest message_seq,
// or the earliest time when no message carries a sequence number.
func oldestOneBotMessage(msgs []oneBotMessage) int {
	best, bestSeq := -1, int64(0)
	for i, m := range msgs {
		seq, err := strconv.ParseInt(m.MessageSeq.String(), 10, 64)
		if err != nil {
			continue
		}
		if best < 0 || seq < bestSeq {
			best, bestSeq = i, seq
		}
	}
	if best >= 0 {
		return best
	}
	for i, m := range msgs {
		if best < 0 || m.Time < msgs[best].Time {
			best = i
		}
	}
	return best
}

func oneBotStored(selfID, group string, m oneBotMessage) history.StoredMessage {
	if g := m.GroupID.String(); g != "" {
		group = g
	}
	user := firstNonEmpty(m.UserID.String(), m.Sender.UserID.String())
	elements, content := parseOneBotSegments(m.Message, m.RawMessage)
	sm := history.StoredMessage{
		Platform:  oneBotChannelName,
		SelfID:    selfID,
		ChannelID: group,
		GuildID:   group,
		UserID:    user,
		Username:  firstNonEmpty(m.Sender.Card, m.Sender.Nickname, user),
		Content:   content,
		Elements:  elements,
		Timestamp: time.Unix(m.Time, 0),
		MessageID: m.MessageID.String(),
	}
	if user != "" {
		sm.AvatarURL = "https://q1.qlogo.cn/g?b=qq&nk=" + user + "&s=640"
	}
	history.EnsureID(&sm)
	return sm
}

// parseOneBotSegments flattens the segment array into elements and a plain
// text rendering. String-format messages are kept as a single text element.
func parseOneBotSegments(raw json.RawMessage, fallback string) ([]history.Element, string) {
	var segs []oneBotSegment
	if len(raw) == 0 || raw[0] != '[' || json.Unmarshal(raw, &segs) != nil {
		text := fallback
		if text == "" && len(raw) > 0 {
			_ = json.Unmarshal(raw, &text)
		}
		if text == "" {
			return nil, ""
		}
		return []history.Element{{Type: history.ElementText, Text: text}}, text
	}

	var (
		els []history.Element
		sb  strings.Builder
	)
	for _, s := range segs {
		switch s.Type {
		case "text":
			t := anyString(s.Data["text"])
			els = append(els, history.Element{Type: history.ElementText, Text: t})
			sb.WriteString(t)
		case "at":
			qq := anyString(s.Data["qq"])
			name := firstNonEmpty(anyString(s.Data["name"]), qq)
			els = append(els, history.Element{Type: history.ElementMention, UserID: qq, Text: name})
			sb.WriteString("@" + name + " ")
		case "reply":
			els = append(els, history.Element{Type: history.ElementQuote, Ref: anyString(s.Data["id"])})
		case "face":
			els = append(els, history.Element{Type: history.ElementEmoji, Ref: anyString(s.Data["id"])})
			sb.WriteString("[face]")
		case "mface":
			summary := firstNonEmpty(anyString(s.Data["summary"]), "[sticker]")
			els = append(els, history.Element{Type: history.ElementSticker, Text: summary, URL: anyString(s.Data["url"])})
			sb.WriteString(summary)
		case "image":
			el := history.Element{Type: history.ElementImage, URL: firstNonEmpty(anyString(s.Data["url"]), anyString(s.Data["file"]))}
			if anyString(s.Data["sub_type"]) == "1" {
				el.Type = history.ElementSticker
			}
			els = append(els, el)
			sb.WriteString("[image]")
		}
	}
	return els, strings.TrimSpace(sb.String())
}

func anyString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
