package listener

import (
	"fmt"
	"sync"
)

// Snapshot is an immutable view of a RuleSet.
type Snapshot struct {
	Rules    []Rule
	AllowAll bool
	Version  uint64
}

// ShouldListen evaluates ev against this snapshot.
func (s Snapshot) ShouldListen(ev Event) bool {
	return ShouldListen(ev, s.Rules, s.AllowAll)
}

// RuleSet is the only place listener rules change. Every mutation bumps the
// version and hands a fresh snapshot to the change hook.
type RuleSet struct {
	mu       sync.RWMutex
	rules    []Rule
	allowAll bool
	version  uint64
	onChange func(Snapshot)
}

func NewRuleSet(rules []Rule, allowAll bool) *RuleSet {
	rs := &RuleSet{allowAll: allowAll}
	seen := make(map[string]int)
	for _, r := range rules {
		if i, ok := seen[r.Key()]; ok {
			rs.rules[i] = r
			continue
		}
		seen[r.Key()] = len(rs.rules)
		rs.rules = append(rs.rules, r)
	}
	return rs
}

// OnChange installs fn to run after each successful mutation. fn runs
// outside the lock.
func (rs *RuleSet) OnChange(fn func(Snapshot)) {
	rs.mu.Lock()
	rs.onChange = fn
	rs.mu.Unlock()
}

func (rs *RuleSet) Snapshot() Snapshot {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.snapshotLocked()
}

func (rs *RuleSet) ShouldListen(ev Event) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return ShouldListen(ev, rs.rules, rs.allowAll)
}

// Add inserts r, replacing an existing rule for the same scope.
func (rs *RuleSet) Add(r Rule) (Snapshot, error) {
	if r.Platform == "" || r.SelfID == "" {
		return Snapshot{}, fmt.Errorf("add rule: platform and selfId are required")
	}
	if r.ChannelID == "" && r.GuildID == "" {
		return Snapshot{}, fmt.Errorf("add rule: channelId or guildId is required")
	}
	return rs.mutate(func() error {
		for i := range rs.rules {
			if rs.rules[i].Key() == r.Key() {
				rs.rules[i] = r
				return nil
			}
		}
		rs.rules = append(rs.rules, r)
		return nil
	})
}

// Remove deletes the rule whose scope key is key.
func (rs *RuleSet) Remove(key string) (Snapshot, error) {
	return rs.mutate(func() error {
		for i := range rs.rules {
			if rs.rules[i].Key() == key {
				rs.rules = append(rs.rules[:i], rs.rules[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("remove rule %s: %w", key, ErrRuleNotFound)
	})
}

// SetEnabled toggles the rule whose scope key is key.
func (rs *RuleSet) SetEnabled(key string, enabled bool) (Snapshot, error) {
	return rs.mutate(func() error {
		for i := range rs.rules {
			if rs.rules[i].Key() == key {
				rs.rules[i].Enabled = enabled
				return nil
			}
		}
		return fmt.Errorf("update rule %s: %w", key, ErrRuleNotFound)
	})
}

func (rs *RuleSet) SetAllowAll(allow bool) Snapshot {
	snap, _ := rs.mutate(func() error {
		rs.allowAll = allow
		return nil
	})
	return snap
}

func (rs *RuleSet) mutate(fn func() error) (Snapshot, error) {
	rs.mu.Lock()
	if err := fn(); err != nil {
		rs.mu.Unlock()
		return Snapshot{}, err
	}
	rs.version++
	snap := rs.snapshotLocked()
	hook := rs.onChange
	rs.mu.Unlock()

	if hook != nil {
		hook(snap)
	}
	return snap, nil
}

func (rs *RuleSet) snapshotLocked() Snapshot {
	rules := make([]Rule, len(rs.rules))
	copy(rules, rs.rules)
	return Snapshot{Rules: rules, AllowAll: rs.allowAll, Version: rs.version}
}
