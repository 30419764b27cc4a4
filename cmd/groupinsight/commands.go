package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/groupinsight/internal/analysis"
	"github.com/stellarlinkco/groupinsight/internal/api"
	"github.com/stellarlinkco/groupinsight/internal/history"
	"github.com/stellarlinkco/groupinsight/internal/listener"
	"github.com/stellarlinkco/groupinsight/internal/persona"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printMessages(w io.Writer, msgs []history.StoredMessage) {
	for _, m := range msgs {
		fmt.Fprintf(w, "%s %s(%s): %s\n", m.Timestamp.Local().Format(time.DateTime), m.Username, m.UserID, m.Content)
	}
	fmt.Fprintf(w, "%d messages\n", len(msgs))
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and live gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var st api.Status
			err := opts.client().get(cmd.Context(), "/api/status", nil, &st)
			if opts.jsonOut && err == nil {
				return printJSON(out, st)
			}

			cfg := opts.cfg
			fmt.Fprintf(out, "Config: %s\n", opts.configPath)
			fmt.Fprintf(out, "Database: %s\n", cfg.Store.DBPath)
			fmt.Fprintf(out, "Provider: %s (%s)\n", providerDisplay(cfg.Provider.Type), cfg.Provider.Model)
			fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
			if err != nil {
				fmt.Fprintf(out, "Gateway: not reachable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "Gateway: running\n")
			for _, ch := range st.Channels {
				fmt.Fprintf(out, "  channel %s platform=%s self=%s online=%v\n", ch.Name, ch.Platform, ch.SelfID, ch.Online)
			}
			fmt.Fprintf(out, "Listener: %d rules, allowAll=%v, version %d\n", st.Rules, st.AllowAll, st.RuleVersion)
			fmt.Fprintf(out, "Ring cache: %d scopes\n", st.CachedScopes)
			if st.Store != nil {
				fmt.Fprintf(out, "Store: %d messages, %d scopes, %d users, %d personas\n",
					st.Store.Messages, st.Store.Scopes, st.Store.Users, st.Store.Personas)
			}
			for _, j := range st.Jobs {
				fmt.Fprintf(out, "  job %s every %s runs=%d last=%s\n", j.Name, j.Every, j.Runs, j.LastStatus)
			}
			return nil
		},
	}
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		f       history.Filter
		users   []string
		since   time.Duration
		purpose string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Fetch historical messages for a chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := map[string]string{
				"platform":  f.Platform,
				"selfId":    f.SelfID,
				"guildId":   f.GuildID,
				"channelId": f.ChannelID,
				"purpose":   purpose,
			}
			if len(users) > 0 {
				q["userId"] = strings.Join(users, ",")
			}
			if since > 0 {
				q["start"] = strconv.FormatInt(time.Now().Add(-since).UnixMilli(), 10)
			}
			if f.Limit > 0 {
				q["limit"] = strconv.Itoa(f.Limit)
			}
			var resp struct {
				Messages []history.StoredMessage `json:"messages"`
			}
			if err := opts.client().get(cmd.Context(), "/api/history", q, &resp); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), resp.Messages)
			}
			printMessages(cmd.OutOrStdout(), resp.Messages)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Platform, "platform", "", "platform name")
	cmd.Flags().StringVar(&f.SelfID, "self", "", "bot self id")
	cmd.Flags().StringVar(&f.GuildID, "guild", "", "guild id")
	cmd.Flags().StringVar(&f.ChannelID, "channel", "", "channel id")
	cmd.Flags().StringSliceVar(&users, "user", nil, "only these user ids")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "look back this far")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum messages")
	cmd.Flags().StringVar(&purpose, "purpose", "", "group-analysis or user-persona exclusions")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func newRecentCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent <platform> <scope>",
		Short: "Show cached live messages for a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Messages []history.StoredMessage `json:"messages"`
			}
			path := "/api/recent/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
			if err := opts.client().get(cmd.Context(), path, map[string]string{"limit": strconv.Itoa(limit)}, &resp); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), resp.Messages)
			}
			printMessages(cmd.OutOrStdout(), resp.Messages)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum messages")
	return cmd
}

func newPersonaCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Read or refresh user personas",
	}
	personaPath := func(args []string) string {
		return "/api/personas/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1]) + "/" + url.PathEscape(args[2])
	}

	get := &cobra.Command{
		Use:   "get <platform> <selfId> <userId>",
		Short: "Show the stored persona",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v persona.View
			if err := opts.client().get(cmd.Context(), personaPath(args)+"/", nil, &v); err != nil {
				return err
			}
			return printPersona(cmd.OutOrStdout(), opts.jsonOut, v)
		},
	}

	var force bool
	refresh := &cobra.Command{
		Use:   "refresh <platform> <selfId> <userId>",
		Short: "Analyze recent history and update the persona",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v persona.View
			q := map[string]string{"force": strconv.FormatBool(force)}
			if err := opts.client().do(cmd.Context(), http.MethodPost, personaPath(args)+"/refresh", q, nil, &v); err != nil {
				return err
			}
			return printPersona(cmd.OutOrStdout(), opts.jsonOut, v)
		},
	}
	refresh.Flags().BoolVar(&force, "force", false, "ignore the cache lifetime")

	cmd.AddCommand(get, refresh)
	return cmd
}

func printPersona(w io.Writer, asJSON bool, v persona.View) error {
	if asJSON {
		return printJSON(w, v)
	}
	p := v.Profile
	fmt.Fprintf(w, "%s (analyzed %s)\n", v.Username, v.LastAnalysisAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Summary: %s\n", p.Summary)
	fmt.Fprintf(w, "Traits: %s\n", strings.Join(p.KeyTraits, ", "))
	fmt.Fprintf(w, "Interests: %s\n", strings.Join(p.Interests, ", "))
	fmt.Fprintf(w, "Style: %s\n", p.CommunicationStyle)
	for _, e := range p.Evidence {
		fmt.Fprintf(w, "  - %s: %q\n", e.Claim, e.Quote)
	}
	return nil
}

type rulesBody struct {
	Rules    []listener.Rule `json:"rules"`
	Keys     []string        `json:"keys"`
	AllowAll bool            `json:"allowAll"`
	Version  uint64          `json:"version"`
}

func printRules(w io.Writer, asJSON bool, b rulesBody) error {
	if asJSON {
		return printJSON(w, b)
	}
	fmt.Fprintf(w, "version %d, allowAll=%v\n", b.Version, b.AllowAll)
	for i, r := range b.Rules {
		state := "on"
		if !r.Enabled {
			state = "off"
		}
		fmt.Fprintf(w, "  [%s] %s\n", state, b.Keys[i])
	}
	return nil
}

func newRulesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage listener rules on a running gateway",
	}
	run := func(method, path string, body any, status string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			var resp rulesBody
			if err := opts.client().do(cmd.Context(), method, path, nil, body, &resp); err != nil {
				return err
			}
			if status != "" && !opts.jsonOut {
				fmt.Fprintln(cmd.OutOrStdout(), status)
			}
			return printRules(cmd.OutOrStdout(), opts.jsonOut, resp)
		}
	}
	keyPath := func(key string) string { return "/api/rules/" + url.PathEscape(key) }

	list := &cobra.Command{
		Use:   "list",
		Short: "List listener rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodGet, "/api/rules/", nil, "")(cmd, args)
		},
	}

	var rule listener.Rule
	add := &cobra.Command{
		Use:   "add",
		Short: "Enable capture for a channel or guild",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule.Enabled = true
			return run(http.MethodPost, "/api/rules/", rule, "added "+rule.Key())(cmd, args)
		},
	}
	add.Flags().StringVar(&rule.Platform, "platform", "", "platform name")
	add.Flags().StringVar(&rule.SelfID, "self", "", "bot self id")
	add.Flags().StringVar(&rule.ChannelID, "channel", "", "channel id")
	add.Flags().StringVar(&rule.GuildID, "guild", "", "guild id")

	remove := &cobra.Command{
		Use:   "remove <key>",
		Short: "Delete a rule by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(http.MethodDelete, keyPath(args[0]), nil, "removed "+args[0])(cmd, args)
		},
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <key>",
			Short: use + " a rule without removing it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(http.MethodPatch, keyPath(args[0]), map[string]bool{"enabled": enabled}, "")(cmd, args)
			},
		}
	}

	allowAll := &cobra.Command{
		Use:   "allow-all <true|false>",
		Short: "Capture every chat regardless of rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			allow, err := strconv.ParseBool(args[0])
			if err != nil {
				return fmt.Errorf("allow-all expects true or false: %w", err)
			}
			return run(http.MethodPut, "/api/rules/allow-all", map[string]bool{"allowAll": allow}, "")(cmd, args)
		},
	}

	cmd.AddCommand(list, add, remove, toggle("enable", true), toggle("disable", false), allowAll)
	return cmd
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var (
		req  analysis.Request
		send bool
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Produce a group report for a chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Days <= 0 {
				req.Days = opts.cfg.Analysis.Days
			}
			body := struct {
				analysis.Request
				Send bool `json:"send"`
			}{req, send}
			var resp struct {
				Result analysis.Result `json:"result"`
				Sent   bool            `json:"sent"`
			}
			err := opts.client().do(cmd.Context(), http.MethodPost, "/api/analysis", nil, body, &resp)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
				return fmt.Errorf("not enough messages to analyze (%v of %v)", apiErr.Body["count"], apiErr.Body["threshold"])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, resp.Result)
			}
			fmt.Fprint(out, resp.Result.Text())
			if resp.Sent {
				fmt.Fprintln(out, "\nReport sent to the chat.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Platform, "platform", "", "platform name")
	cmd.Flags().StringVar(&req.SelfID, "self", "", "bot self id")
	cmd.Flags().StringVar(&req.GuildID, "guild", "", "guild id")
	cmd.Flags().StringVar(&req.ChannelID, "channel", "", "channel id")
	cmd.Flags().IntVar(&req.Days, "days", 0, "days of history (default from config)")
	cmd.Flags().BoolVar(&send, "send", false, "post the report back into the chat")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}
