package xclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"cadencebot/internal/agent"
	logx "cadencebot/pkg/logx"
)

// Source implements agent.Source over the live search tab.
//
// The cursor is a page number. Page 1 navigates to the search; each further
// page scrolls and returns the posts that were not visible before. A scroll
// that reveals nothing new ends the query.
type Source struct {
	b *Browser

	query string
	page  int
	seen  map[string]struct{}
}

// NewSource returns a Source bound to b.
func NewSource(b *Browser) *Source {
	return &Source{b: b, seen: map[string]struct{}{}}
}

// SearchURL is the latest-first search page for query.
func SearchURL(query string) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("src", "typed_query")
	v.Set("f", "live")
	return baseURL + "/search?" + v.Encode()
}

func (s *Source) Fetch(ctx context.Context, query, cursor string) (agent.Page, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	want := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return agent.Page{}, agent.Permanent(fmt.Errorf("bad cursor %q", cursor))
		}
		want = n
	}

	opCtx, cancel := s.b.opContext(ctx)
	defer cancel()

	if want == 1 || query != s.query || want != s.page+1 {
		if err := s.open(opCtx, query); err != nil {
			return agent.Page{}, err
		}
	} else {
		if err := chromedp.Run(opCtx, chromedp.Evaluate(`window.scrollBy(0, window.innerHeight * 1.5)`, nil)); err != nil {
			return agent.Page{}, s.b.navError(opCtx, err)
		}
		// Give the timeline a moment to append.
		select {
		case <-opCtx.Done():
			return agent.Page{}, s.b.navError(opCtx, opCtx.Err())
		case <-time.After(time.Duration(900+150*s.page) * time.Millisecond):
		}
		s.page++
	}

	var raw []rawTweet
	if err := chromedp.Run(opCtx, chromedp.Evaluate(extractTweetsJS, &raw)); err != nil {
		return agent.Page{}, s.b.navError(opCtx, err)
	}
	items := toItems(raw, query, time.Now())

	fresh := items[:0]
	for _, it := range items {
		if _, ok := s.seen[it.ID]; ok {
			continue
		}
		s.seen[it.ID] = struct{}{}
		fresh = append(fresh, it)
	}

	s.b.log.Debug("search page extracted",
		logx.String("query", query),
		logx.Int("page", s.page),
		logx.Int("visible", len(raw)),
		logx.Int("new", len(fresh)),
	)
	return agent.Page{
		Items:      fresh,
		NextCursor: strconv.Itoa(s.page + 1),
		HasMore:    len(fresh) > 0,
	}, nil
}

// open navigates to the first page of query and waits for results.
func (s *Source) open(ctx context.Context, query string) error {
	s.query = query
	s.page = 1
	s.seen = map[string]struct{}{}

	if err := chromedp.Run(ctx, chromedp.Navigate(SearchURL(query))); err != nil {
		return s.b.navError(ctx, err)
	}
	st, err := s.b.waitState(ctx, pageStateJS(selTweetArticle))
	if err != nil {
		return err
	}
	return st.err(s.b.cfg.RateLimitWait)
}

// rawTweet is what extractTweetsJS returns per visible article.
type rawTweet struct {
	ID           string `json:"id"`
	AuthorHandle string `json:"authorHandle"`
	Text         string `json:"text"`
	Lang         string `json:"lang"`
	Timestamp    string `json:"timestamp"`
	IsRetweet    bool   `json:"isRetweet"`
	IsReply      bool   `json:"isReply"`
}

// toItems converts extracted tweets. The search DOM has no follower counts,
// so Followers is always unknown; the author handle doubles as AuthorID
// because follow navigates to the profile by handle.
func toItems(raw []rawTweet, query string, now time.Time) []agent.Item {
	out := make([]agent.Item, 0, len(raw))
	for _, r := range raw {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			continue
		}
		var created time.Time
		if r.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339, r.Timestamp); err == nil && !t.After(now.Add(time.Minute)) {
				created = t
			}
		}
		handle := strings.TrimPrefix(strings.TrimSpace(r.AuthorHandle), "@")
		out = append(out, agent.Item{
			ID:           id,
			AuthorID:     handle,
			AuthorHandle: handle,
			Text:         strings.TrimSpace(r.Text),
			Lang:         strings.TrimSpace(r.Lang),
			Followers:    agent.FollowersUnknown,
			CreatedAt:    created,
			Query:        query,
			IsRetweet:    r.IsRetweet,
			IsReply:      r.IsReply,
		})
	}
	return out
}

const extractTweetsJS = `(function() {
	const results = [];
	document.querySelectorAll('` + selTweetArticle + `').forEach(el => {
		try {
			const statusLink = el.querySelector('` + selStatusLink + `');
			const id = statusLink?.href?.match(/status\/(\d+)/)?.[1];
			if (!id) return;

			let authorHandle = '';
			const userNameEl = el.querySelector('` + selUserName + `');
			const handleLink = userNameEl?.querySelector('a[href^="/"]');
			if (handleLink) {
				authorHandle = (handleLink.getAttribute('href') || '').replace(/^\//, '').split('/')[0];
			}

			const textEl = el.querySelector('` + selTweetText + `');
			const social = (el.querySelector('[data-testid="socialContext"]')?.textContent || '').toLowerCase();

			results.push({
				id,
				authorHandle,
				text: textEl?.textContent || '',
				lang: textEl?.getAttribute('lang') || '',
				timestamp: el.querySelector('time')?.getAttribute('datetime') || '',
				isRetweet: social.includes('repost') || social.includes('retweeted'),
				isReply: (el.textContent || '').includes('Replying to')
			});
		} catch (e) {
			console.error('extract tweet', e);
		}
	});
	return results;
})()`
