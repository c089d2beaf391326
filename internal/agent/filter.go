package agent

import (
	"strings"
	"time"
)

// Filter holds the static acceptance predicates. Zero values disable a predicate.
type Filter struct {
	MinFollowers    int
	MaxFollowers    int // 0 means no upper bound
	Languages       []string
	MaxAge          time.Duration
	ExcludeKeywords []string
	SkipRetweets    bool
	SkipReplies     bool
}

// Rejection reasons reported by Filter.Check.
const (
	RejectEmpty     = "empty_text"
	RejectRetweet   = "retweet"
	RejectReply     = "reply"
	RejectFollowers = "followers_out_of_range"
	RejectLanguage  = "language"
	RejectAge       = "too_old"
	RejectKeyword   = "excluded_keyword"
)

// Check reports whether it passes every predicate, and if not, which one failed.
// Unknown follower counts, languages and timestamps pass. Check has no side effects.
func (f Filter) Check(it Item, now time.Time) (bool, string) {
	text := strings.TrimSpace(it.Text)
	if text == "" {
		return false, RejectEmpty
	}
	if f.SkipRetweets && (it.IsRetweet || strings.HasPrefix(text, "RT @") || strings.HasPrefix(text, "QT @")) {
		return false, RejectRetweet
	}
	if f.SkipReplies && (it.IsReply || strings.HasPrefix(text, "@")) {
		return false, RejectReply
	}
	if it.Followers >= 0 {
		if it.Followers < f.MinFollowers {
			return false, RejectFollowers
		}
		if f.MaxFollowers > 0 && it.Followers > f.MaxFollowers {
			return false, RejectFollowers
		}
	}
	if len(f.Languages) > 0 && it.Lang != "" && !containsFold(f.Languages, it.Lang) {
		return false, RejectLanguage
	}
	if f.MaxAge > 0 && !it.CreatedAt.IsZero() && now.Sub(it.CreatedAt) > f.MaxAge {
		return false, RejectAge
	}
	if len(f.ExcludeKeywords) > 0 {
		lower := strings.ToLower(text)
		for _, kw := range f.ExcludeKeywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				return false, RejectKeyword
			}
		}
	}
	return true, ""
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
