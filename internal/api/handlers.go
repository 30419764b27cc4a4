package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stellarlinkco/groupinsight/internal/analysis"
	"github.com/stellarlinkco/groupinsight/internal/bus"
	"github.com/stellarlinkco/groupinsight/internal/history"
	"github.com/stellarlinkco/groupinsight/internal/listener"
	"github.com/stellarlinkco/groupinsight/internal/persona"
)

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

// History serves the unified historical fetch. Times accept RFC 3339 or
// unix milliseconds.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := history.Filter{
		Platform:  q.Get("platform"),
		SelfID:    q.Get("selfId"),
		GuildID:   q.Get("guildId"),
		ChannelID: q.Get("channelId"),
		Purpose:   history.Purpose(q.Get("purpose")),
	}
	if f.Platform == "" {
		Error(w, http.StatusBadRequest, "platform is required")
		return
	}
	if users := q.Get("userId"); users != "" {
		f.UserIDs = strings.Split(users, ",")
	}
	var err error
	if f.Start, err = parseTime(q.Get("start")); err != nil {
		Error(w, http.StatusBadRequest, "invalid start")
		return
	}
	if f.End, err = parseTime(q.Get("end")); err != nil {
		Error(w, http.StatusBadRequest, "invalid end")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		if f.Limit, err = strconv.Atoi(raw); err != nil || f.Limit < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	msgs := h.svc.GetHistoricalMessages(r.Context(), f)
	if msgs == nil {
		msgs = []history.StoredMessage{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs := h.svc.RecentMessages(chi.URLParam(r, "platform"), chi.URLParam(r, "scope"), limit)
	JSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (h *Handler) GetPersona(w http.ResponseWriter, r *http.Request) {
	v, ok := h.svc.GetUserPersona(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "selfId"), chi.URLParam(r, "userId"))
	if !ok {
		Error(w, http.StatusNotFound, "no persona for this user")
		return
	}
	JSON(w, http.StatusOK, v)
}

func (h *Handler) RefreshPersona(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	v, err := h.svc.RefreshPersona(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "selfId"), chi.URLParam(r, "userId"), force)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, v)
	case errors.Is(err, persona.ErrAnalysisInProgress):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, persona.ErrInsufficientMessages):
		Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, persona.ErrUserExcluded):
		Error(w, http.StatusForbidden, err.Error())
	default:
		Error(w, http.StatusBadGateway, "persona analysis failed, please retry later")
	}
}

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, snapshotBody(h.svc.Rules().Snapshot()))
}

func (h *Handler) AddRule(w http.ResponseWriter, r *http.Request) {
	var rule listener.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		Error(w, http.StatusBadRequest, "invalid rule")
		return
	}
	snap, err := h.svc.Rules().Add(rule)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusCreated, snapshotBody(snap))
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		Error(w, http.StatusBadRequest, "enabled is required")
		return
	}
	snap, err := h.svc.Rules().SetEnabled(ruleKey(r), *body.Enabled)
	if err != nil {
		ruleError(w, err)
		return
	}
	JSON(w, http.StatusOK, snapshotBody(snap))
}

func (h *Handler) RemoveRule(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Rules().Remove(ruleKey(r))
	if err != nil {
		ruleError(w, err)
		return
	}
	JSON(w, http.StatusOK, snapshotBody(snap))
}

func (h *Handler) SetAllowAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AllowAll *bool `json:"allowAll"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AllowAll == nil {
		Error(w, http.StatusBadRequest, "allowAll is required")
		return
	}
	JSON(w, http.StatusOK, snapshotBody(h.svc.Rules().SetAllowAll(*body.AllowAll)))
}

type analyzeBody struct {
	analysis.Request
	// Send posts the text report back into the analyzed chat.
	Send bool `json:"send"`
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request")
		return
	}
	res, err := h.svc.AnalyzeGroup(r.Context(), body.Request)
	var insufficient *analysis.InsufficientError
	switch {
	case errors.As(err, &insufficient):
		JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     err.Error(),
			"count":     insufficient.Count,
			"threshold": insufficient.Threshold,
		})
		return
	case err != nil:
		Error(w, http.StatusBadGateway, "group analysis failed")
		return
	}

	sent := false
	if body.Send {
		sent = h.svc.Send(bus.OutboundMessage{
			Platform:  body.Platform,
			SelfID:    body.SelfID,
			GuildID:   body.GuildID,
			ChannelID: body.ChannelID,
			Content:   res.Text(),
		})
	}
	JSON(w, http.StatusOK, map[string]any{"result": res, "sent": sent})
}

func snapshotBody(s listener.Snapshot) map[string]any {
	rules := s.Rules
	if rules == nil {
		rules = []listener.Rule{}
	}
	keys := make([]string, len(rules))
	for i, r := range rules {
		keys[i] = r.Key()
	}
	return map[string]any{"rules": rules, "keys": keys, "allowAll": s.AllowAll, "version": s.Version}
}

func ruleKey(r *http.Request) string {
	key := chi.URLParam(r, "key")
	if unescaped, err := url.PathUnescape(key); err == nil {
		return unescaped
	}
	return key
}

func ruleError(w http.ResponseWriter, err error) {
	if errors.Is(err, listener.ErrRuleNotFound) {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	Error(w, http.StatusBadRequest, err.Error())
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}
