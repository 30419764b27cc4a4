// Package api exposes the gateway over HTTP for the CLI and admin tooling.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/groupinsight/internal/analysis"
	"github.com/stellarlinkco/groupinsight/internal/bus"
	"github.com/stellarlinkco/groupinsight/internal/channel"
	"github.com/stellarlinkco/groupinsight/internal/cron"
	"github.com/stellarlinkco/groupinsight/internal/history"
	"github.com/stellarlinkco/groupinsight/internal/listener"
	"github.com/stellarlinkco/groupinsight/internal/persona"
	"github.com/stellarlinkco/groupinsight/internal/store"
)

// Service is what the HTTP layer needs from the running gateway.
type Service interface {
	GetHistoricalMessages(ctx context.Context, f history.Filter) []history.StoredMessage
	RecentMessages(platform, scope string, limit int) []history.StoredMessage
	GetUserPersona(ctx context.Context, platform, selfID, userID string) (*persona.View, bool)
	RefreshPersona(ctx context.Context, platform, selfID, userID string, force bool) (*persona.View, error)
	Rules() *listener.RuleSet
	AnalyzeGroup(ctx context.Context, req analysis.Request) (*analysis.Result, error)
	Send(msg bus.OutboundMessage) bool
	Status(ctx context.Context) Status
}

type Status struct {
	Channels     []channel.Status `json:"channels"`
	Jobs         []cron.JobState  `json:"jobs"`
	Store        *store.Stats     `json:"store,omitempty"`
	RuleVersion  uint64           `json:"ruleVersion"`
	Rules        int              `json:"rules"`
	AllowAll     bool             `json:"allowAll"`
	CachedScopes int              `json:"cachedScopes"`
}

type Handler struct {
	svc Service
}

// NewRouter builds the HTTP routes served by the gateway.
func NewRouter(svc Service) http.Handler {
	h := &Handler{svc: svc}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(hlog.NewHandler(log.Logger.With().Str("component", "api").Logger()))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("took", d).
			Msg("request")
	}))
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/history", h.History)
		r.Get("/recent/{platform}/{scope}", h.Recent)

		r.Route("/personas/{platform}/{selfId}/{userId}", func(r chi.Router) {
			r.Get("/", h.GetPersona)
			r.Post("/refresh", h.RefreshPersona)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.AddRule)
			r.Put("/allow-all", h.SetAllowAll)
			r.Patch("/{key}", h.UpdateRule)
			r.Delete("/{key}", h.RemoveRule)
		})

		r.Post("/analysis", h.Analyze)
	})
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
