package analysis

import (
	"sort"
	"unicode/utf8"

	"github.com/stellarlinkco/groupinsight/internal/history"
)

type Talker struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Messages int    `json:"messages"`
}

// Stats are the counts computed locally, before any model call.
type Stats struct {
	Messages     int      `json:"messages"`
	Participants int      `json:"participants"`
	Characters   int      `json:"characters"`
	Hourly       [24]int  `json:"hourly"`
	TopTalkers   []Talker `json:"topTalkers"`
	Emoji        int      `json:"emoji"`
	Replies      int      `json:"replies"`
	Mentions     int      `json:"mentions"`
	Images       int      `json:"images"`
}

// ComputeStats summarizes msgs. Talkers are ranked by message count, ties
// broken by user id, and cut to top.
func ComputeStats(msgs []history.StoredMessage, top int) Stats {
	var s Stats
	talkers := make(map[string]*Talker)
	for _, m := range msgs {
		s.Messages++
		s.Characters += utf8.RuneCountInString(m.Content)
		s.Hourly[m.Timestamp.Hour()]++

		t, ok := talkers[m.UserID]
		if !ok {
			t = &Talker{UserID: m.UserID}
			talkers[m.UserID] = t
		}
		t.Messages++
		if m.Username != "" {
			t.Username = m.Username
		}

		for _, el := range m.Elements {
			switch el.Type {
			case history.ElementEmoji, history.ElementSticker:
				s.Emoji++
			case history.ElementQuote:
				s.Replies++
			case history.ElementMention:
				s.Mentions++
			case history.ElementImage:
				s.Images++
			}
		}
	}
	s.Participants = len(talkers)

	ranked := make([]Talker, 0, len(talkers))
	for _, t := range talkers {
		ranked = append(ranked, *t)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Messages != ranked[j].Messages {
			return ranked[i].Messages > ranked[j].Messages
		}
		return ranked[i].UserID < ranked[j].UserID
	})
	if top > 0 && len(ranked) > top {
		ranked = ranked[:top]
	}
	s.TopTalkers = ranked
	return s
}

// PeakHour returns the busiest hour and its message count.
func (s Stats) PeakHour() (hour, count int) {
	for h, n := range s.Hourly {
		if n > count {
			hour, count = h, n
		}
	}
	return hour, count
}
