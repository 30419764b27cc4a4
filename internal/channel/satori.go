package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/groupinsight/internal/bus"
	"github.com/stellarlinkco/groupinsight/internal/config"
	"github.com/stellarlinkco/groupinsight/internal/history"
)

const (
	satoriChannelName     = "satori"
	satoriDefaultPageSize = 50
	satoriPingInterval    = 10 * time.Second
	satoriReconnectDelay  = 5 * time.Second

	satoriOpEvent    = 0
	satoriOpPing     = 1
	satoriOpIdentify = 3
	satoriOpReady    = 4
)

// satoriQuirk captures per-platform limits of message.list.
type satoriQuirk struct {
	pageSize  int
	skipOrder bool
}

var satoriQuirks = map[string]satoriQuirk{
	"discord":  {pageSize: 100},
	"kook":     {pageSize: 50},
	"lark":     {pageSize: 50},
	"qq":       {pageSize: 20, skipOrder: true},
	"qqguild":  {pageSize: 20, skipOrder: true},
	"matrix":   {pageSize: 100},
	"dingtalk": {pageSize: 20},
}

// SatoriChannel reads a Satori server: message.list over HTTP for history,
// and optionally the event stream for live messages.
type SatoriChannel struct {
	*BaseChannel
	client   *resty.Client
	baseURL  string
	token    string
	selfID   string
	events   bool
	quirk    satoriQuirk
	cancel   context.CancelFunc
	done     chan struct{}
	lastSeen int64
}

type satoriUser struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Nick   string `json:"nick,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type satoriMessage struct {
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	Channel   *satoriRef   `json:"channel,omitempty"`
	Guild     *satoriRef   `json:"guild,omitempty"`
	User      *satoriUser  `json:"user,omitempty"`
	Member    *satoriUser  `json:"member,omitempty"`
	CreatedAt int64        `json:"created_at,omitempty"`
	Quote     *satoriQuote `json:"quote,omitempty"`
}

type satoriRef struct {
	ID   string `json:"id"`
	Type int    `json:"type,omitempty"`
}

type satoriQuote struct {
	ID string `json:"id"`
}

type satoriList struct {
	Data []satoriMessage `json:"data"`
	Prev string          `json:"prev,omitempty"`
	Next string          `json:"next,omitempty"`
}

type satoriFrame struct {
	Op   int             `json:"op"`
	Body json.RawMessage `json:"body,omitempty"`
}

type satoriEvent struct {
	SN        int64          `json:"sn"`
	Type      string         `json:"type"`
	Platform  string         `json:"platform"`
	SelfID    string         `json:"self_id"`
	Timestamp int64          `json:"timestamp"`
	Channel   *satoriRef     `json:"channel,omitempty"`
	Guild     *satoriRef     `json:"guild,omitempty"`
	User      *satoriUser    `json:"user,omitempty"`
	Member    *satoriUser    `json:"member,omitempty"`
	Message   *satoriMessage `json:"message,omitempty"`
}

func NewSatoriChannel(cfg config.SatoriConfig, b *bus.MessageBus, registry *history.Registry) (*SatoriChannel, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("satori baseUrl is required")
	}
	if cfg.Platform == "" {
		return nil, fmt.Errorf("satori platform is required")
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(15*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Satori-Platform", cfg.Platform).
		SetHeader("X-Platform", cfg.Platform)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	if cfg.SelfID != "" {
		client.SetHeader("Satori-User-ID", cfg.SelfID).SetHeader("X-Self-ID", cfg.SelfID)
	}

	quirk, ok := satoriQuirks[cfg.Platform]
	if !ok {
		quirk = satoriQuirk{pageSize: satoriDefaultPageSize}
	}

	base := NewBaseChannel(satoriChannelName, b, registry)
	base.platform = cfg.Platform
	ch := &SatoriChannel{
		BaseChannel: base,
		client:      client,
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		selfID:      cfg.SelfID,
		events:      cfg.Events,
		quirk:       quirk,
	}
	ch.bind(ch)
	return ch, nil
}

func (s *SatoriChannel) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.events {
		s.done = make(chan struct{})
		go s.run(ctx)
		return nil
	}

	self, err := s.login(ctx)
	if err != nil {
		return err
	}
	s.markOnline(self)
	return nil
}

func (s *SatoriChannel) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	s.markOffline()
	log.Info().Str("component", satoriChannelName).Msg("stopped")
	return nil
}

func (s *SatoriChannel) login(ctx context.Context) (string, error) {
	var out struct {
		SelfID string      `json:"self_id"`
		User   *satoriUser `json:"user"`
	}
	if err := s.call(ctx, "/v1/login.get", map[string]any{}, &out); err != nil {
		return "", err
	}
	self := firstNonEmpty(s.selfID, out.SelfID)
	if self == "" && out.User != nil {
		self = out.User.ID
	}
	if self == "" {
		return "", fmt.Errorf("satori login.get: no self id")
	}
	return self, nil
}

// call posts one Satori API request and decodes the JSON reply into out.
func (s *SatoriChannel) call(ctx context.Context, path string, body, out any) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		ForceContentType("application/json").
		Post(path)
	if err != nil {
		return fmt.Errorf("satori %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("satori %s: status %s", path, resp.Status())
	}
	return nil
}

func (s *SatoriChannel) Send(msg bus.OutboundMessage) error {
	return s.call(context.Background(), "/v1/message.create", map[string]any{
		"channel_id": firstNonEmpty(msg.ChannelID, msg.GuildID),
		"content":    html.EscapeString(msg.Content),
	}, &[]satoriMessage{})
}

func (s *SatoriChannel) MessageList() history.PagedHistorySource {
	return satoriHistory{s: s}
}

type satoriHistory struct {
	s *SatoriChannel
}

func (h satoriHistory) PageSize() int { return h.s.quirk.pageSize }

// FetchPage asks for messages before cursor. The prev token of the reply
// points further back in time.
func (h satoriHistory) FetchPage(ctx context.Context, scope history.Scope, cursor history.Cursor, size int) (history.Page, error) {
	body := map[string]any{
		"channel_id": firstNonEmpty(scope.ChannelID, scope.GuildID),
		"direction":  "before",
		"limit":      size,
	}
	if !h.s.quirk.skipOrder {
		body["order"] = "desc"
	}
	if cursor != "" {
		body["next"] = string(cursor)
	}

	var list satoriList
	if err := h.s.call(ctx, "/v1/message.list", body, &list); err != nil {
		return history.Page{}, err
	}

	page := history.Page{Next: history.Cursor(list.Prev)}
	for _, m := range list.Data {
		page.Messages = append(page.Messages, satoriStored(h.s.Platform(), scope.SelfID, scope, m))
	}
	return page, nil
}

// run consumes the event stream until ctx ends, reconnecting after failures.
func (s *SatoriChannel) run(ctx context.Context) {
	defer close(s.done)
	for {
		err := s.session(ctx)
		s.markOffline()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("component", satoriChannelName).Err(err).Dur("retry_in", satoriReconnectDelay).Msg("event stream lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(satoriReconnectDelay):
		}
	}
}

func (s *SatoriChannel) eventsURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(s.baseURL, "/") + "/v1/events")
	if err != nil {
		return "", fmt.Errorf("parse satori url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (s *SatoriChannel) session(ctx context.Context) error {
	target, err := s.eventsURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial satori events: %w", err)
	}
	conn.SetReadLimit(oneBotReadLimit)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	identify := map[string]any{"token": s.token}
	if s.lastSeen > 0 {
		identify["sn"] = s.lastSeen
	}
	if err := wsjson.Write(ctx, conn, map[string]any{"op": satoriOpIdentify, "body": identify}); err != nil {
		return fmt.Errorf("satori identify: %w", err)
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(satoriPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := wsjson.Write(pingCtx, conn, map[string]any{"op": satoriOpPing}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var frame satoriFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read satori frame: %w", err)
		}
		switch frame.Op {
		case satoriOpReady:
			s.handleReady(frame.Body)
		case satoriOpEvent:
			var ev satoriEvent
			if err := json.Unmarshal(frame.Body, &ev); err != nil {
				log.Debug().Str("component", satoriChannelName).Err(err).Msg("undecodable event")
				continue
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *SatoriChannel) handleReady(body json.RawMessage) {
	var ready struct {
		Logins []struct {
			SelfID   string      `json:"self_id"`
			Platform string      `json:"platform"`
			User     *satoriUser `json:"user"`
		} `json:"logins"`
	}
	if err := json.Unmarshal(body, &ready); err != nil {
		log.Warn().Str("component", satoriChannelName).Err(err).Msg("undecodable ready")
		return
	}
	for _, l := range ready.Logins {
		if l.Platform != "" && l.Platform != s.Platform() {
			continue
		}
		self := l.SelfID
		if self == "" && l.User != nil {
			self = l.User.ID
		}
		if s.selfID != "" && self != s.selfID {
			continue
		}
		if self != "" {
			s.markOnline(self)
			return
		}
	}
}

func (s *SatoriChannel) handleEvent(ctx context.Context, ev satoriEvent) {
	if ev.SN > s.lastSeen {
		s.lastSeen = ev.SN
	}
	if ev.Type != "message-created" || ev.Message == nil || ev.Platform != s.Platform() {
		return
	}
	if ev.Channel == nil || ev.Channel.Type == 1 {
		return
	}
	m := *ev.Message
	if m.Channel == nil {
		m.Channel = ev.Channel
	}
	if m.Guild == nil {
		m.Guild = ev.Guild
	}
	if m.User == nil {
		m.User = ev.User
	}
	if m.Member == nil {
		m.Member = ev.Member
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = ev.Timestamp
	}
	sm := satoriStored(ev.Platform, firstNonEmpty(ev.SelfID, s.SelfID()), history.Scope{}, m)
	s.publish(ctx, toInbound(sm))
}

func satoriStored(platform, selfID string, scope history.Scope, m satoriMessage) history.StoredMessage {
	sm := history.StoredMessage{
		Platform:  platform,
		SelfID:    selfID,
		ChannelID: scope.ChannelID,
		GuildID:   scope.GuildID,
		MessageID: m.ID,
		Timestamp: time.UnixMilli(m.CreatedAt),
	}
	if m.Channel != nil {
		sm.ChannelID = m.Channel.ID
	}
	if m.Guild != nil {
		sm.GuildID = m.Guild.ID
	}
	if m.User != nil {
		sm.UserID = m.User.ID
		sm.Username = firstNonEmpty(m.User.Nick, m.User.Name, m.User.ID)
		sm.AvatarURL = m.User.Avatar
	}
	if m.Member != nil && m.Member.Nick != "" {
		sm.Username = m.Member.Nick
	}
	sm.Elements, sm.Content = parseSatoriContent(m.Content)
	if m.Quote != nil && m.Quote.ID != "" {
		sm.Elements = append(sm.Elements, history.Element{Type: history.ElementQuote, Ref: m.Quote.ID})
	}
	history.EnsureID(&sm)
	return sm
}

var (
	satoriTag        = regexp.MustCompile(`<(/?)([a-zA-Z:-]+)((?:\s+[a-zA-Z:-]+(?:="[^"]*")?)*)\s*(/?)>`)
	satoriAttr       = regexp.MustCompile(`([a-zA-Z:-]+)="([^"]*)"`)
	satoriQuoteBlock = regexp.MustCompile(`(?s)<quote\b([^>]*)>.*?</quote>`)
)

// parseSatoriContent splits Satori message markup into elements and a plain
// text rendering. Unknown tags contribute only their inner text.
func parseSatoriContent(content string) ([]history.Element, string) {
	var (
		els  []history.Element
		text strings.Builder
		last int
	)
	content = satoriQuoteBlock.ReplaceAllString(content, "<quote$1/>")
	flush := func(raw string) {
		if raw == "" {
			return
		}
		t := html.UnescapeString(raw)
		els = append(els, history.Element{Type: history.ElementText, Text: t})
		text.WriteString(t)
	}

	for _, loc := range satoriTag.FindAllStringSubmatchIndex(content, -1) {
		flush(content[last:loc[0]])
		last = loc[1]
		if loc[3] > loc[2] {
			continue
		}
		name := strings.ToLower(content[loc[4]:loc[5]])
		attrs := map[string]string{}
		for _, a := range satoriAttr.FindAllStringSubmatch(content[loc[6]:loc[7]], -1) {
			attrs[a[1]] = html.UnescapeString(a[2])
		}
		switch name {
		case "at":
			label := firstNonEmpty(attrs["name"], attrs["id"], attrs["type"])
			els = append(els, history.Element{Type: history.ElementMention, UserID: attrs["id"], Text: label})
			text.WriteString("@" + label + " ")
		case "quote":
			els = append(els, history.Element{Type: history.ElementQuote, Ref: attrs["id"]})
		case "img", "image":
			els = append(els, history.Element{Type: history.ElementImage, URL: attrs["src"]})
			text.WriteString("[image]")
		case "face":
			els = append(els, history.Element{Type: history.ElementEmoji, Ref: attrs["id"], Text: attrs["name"]})
			text.WriteString("[face]")
		case "sticker", "mface":
			els = append(els, history.Element{Type: history.ElementSticker, Ref: attrs["id"], URL: attrs["src"]})
			text.WriteString("[sticker]")
		}
	}
	flush(content[last:])
	return els, strings.TrimSpace(text.String())
}
