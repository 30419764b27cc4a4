// Package listener decides which live chat scopes are captured.
package listener

import (
	"errors"
	"strings"
)

var ErrRuleNotFound = errors.New("listener rule not found")

// Event identifies where a live message arrived.
type Event struct {
	Platform  string
	SelfID    string
	ChannelID string
	GuildID   string
}

// Rule enables capture for one scope of one bot.
type Rule struct {
	Platform  string `json:"platform" yaml:"platform"`
	SelfID    string `json:"selfId" yaml:"selfId"`
	ChannelID string `json:"channelId,omitempty" yaml:"channelId,omitempty"`
	GuildID   string `json:"guildId,omitempty" yaml:"guildId,omitempty"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
}

// Key identifies the scope a rule targets.
func (r Rule) Key() string {
	scope := r.ChannelID
	if scope == "" {
		scope = "guild=" + r.GuildID
	}
	return strings.Join([]string{r.Platform, r.SelfID, scope}, ":")
}

func (r Rule) matches(ev Event) bool {
	if !r.Enabled || r.Platform != ev.Platform || r.SelfID != ev.SelfID {
		return false
	}
	if r.ChannelID != "" && ev.ChannelID != "" {
		return r.ChannelID == ev.ChannelID
	}
	return r.GuildID != "" && r.GuildID == ev.GuildID
}

// ShouldListen reports whether ev is captured under rules. Unscoped events
// are never captured; allowAll overrides the rule table otherwise.
func ShouldListen(ev Event, rules []Rule, allowAll bool) bool {
	if ev.ChannelID == "" && ev.GuildID == "" {
		return false
	}
	if allowAll {
		return true
	}
	for _, r := range rules {
		if r.matches(ev) {
			return true
		}
	}
	return false
}
