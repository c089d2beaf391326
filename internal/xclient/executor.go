package xclient

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/chromedp/chromedp"

	"cadencebot/internal/agent"
	logx "cadencebot/pkg/logx"
)

var (
	tweetIDRe = regexp.MustCompile(`^\d{1,25}$`)
	handleRe  = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)
)

// Executor implements agent.Executor by clicking through the web UI.
type Executor struct {
	b *Browser
}

// NewExecutor returns an Executor bound to b.
func NewExecutor(b *Browser) *Executor { return &Executor{b: b} }

// Execute performs kind on target: a tweet id for like, a handle for follow.
func (e *Executor) Execute(ctx context.Context, kind agent.ActionKind, target string) error {
	plan, err := planFor(kind, target)
	if err != nil {
		return err
	}

	e.b.mu.Lock()
	defer e.b.mu.Unlock()

	opCtx, cancel := e.b.opContext(ctx)
	defer cancel()

	if err := chromedp.Run(opCtx, chromedp.Navigate(plan.url)); err != nil {
		return e.b.navError(opCtx, err)
	}
	st, err := e.b.waitState(opCtx, buttonStateJS(plan.doneSel, plan.clickSel))
	if err != nil {
		return err
	}
	if err := st.err(e.b.cfg.RateLimitWait); err != nil {
		return err
	}
	if st.Done {
		return agent.Permanent(fmt.Errorf("%s %s: already done", kind, target))
	}
	if !st.Ready {
		return agent.Permanent(fmt.Errorf("%s %s: button not found", kind, target))
	}

	if err := chromedp.Run(opCtx, chromedp.Click(plan.clickSel, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return e.b.navError(opCtx, err)
	}
	// The toggle flips to its "done" test id once X accepts the action.
	if err := chromedp.Run(opCtx, chromedp.WaitVisible(plan.doneSel, chromedp.ByQuery)); err != nil {
		return e.b.navError(opCtx, fmt.Errorf("%s %s: not confirmed: %w", kind, target, err))
	}
	e.b.log.Debug("action confirmed", logx.String("kind", string(kind)), logx.String("target", target))
	return nil
}

type actionPlan struct {
	url      string
	clickSel string
	doneSel  string
}

func planFor(kind agent.ActionKind, target string) (actionPlan, error) {
	switch kind {
	case agent.KindLike:
		if !tweetIDRe.MatchString(target) {
			return actionPlan{}, agent.Permanent(fmt.Errorf("like: invalid tweet id %q", target))
		}
		return actionPlan{
			url:      baseURL + "/i/web/status/" + target,
			clickSel: selTweetArticle + " " + selLike,
			doneSel:  selTweetArticle + " " + selUnlike,
		}, nil
	case agent.KindFollow:
		if !handleRe.MatchString(target) {
			return actionPlan{}, agent.Permanent(fmt.Errorf("follow: invalid handle %q", target))
		}
		return actionPlan{
			url:      baseURL + "/" + url.PathEscape(target),
			clickSel: selPrimaryColumn + " " + selFollow,
			doneSel:  selPrimaryColumn + " " + selUnfollow,
		}, nil
	default:
		return actionPlan{}, agent.Permanent(fmt.Errorf("unsupported action kind %q", kind))
	}
}

// buttonStateJS reports page state plus whether the toggle is already in its done position.
func buttonStateJS(doneSel, clickSel string) string {
	return `(function() {
		const base = ` + pageStateJS(clickSel) + `;
		base.done = document.querySelector('` + jsEscape(doneSel) + `') !== null;
		base.ready = base.ready || base.done;
		return base;
	})()`
}
