package render

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/foragehq/forage/models"
)

// actionTimeout is the per-action deadline.
const actionTimeout = 10 * time.Second

// executeActions runs the job's scripted interactions in order. A
// failed action aborts the rest and reports which one failed and how
// many completed.
func executeActions(ctx context.Context, page *rod.Page, actions []models.Action) error {
	for i, action := range actions {
		if err := executeSingleAction(ctx, page, action); err != nil {
			return models.NewScrapeError(
				models.ErrCodeScriptError,
				fmt.Sprintf("action %d (%s) failed after %d completed: %v", i, action.Type, i, err),
				err,
			)
		}
	}
	return nil
}

// executeSingleAction dispatches a single action with its own timeout.
func executeSingleAction(ctx context.Context, page *rod.Page, action models.Action) error {
	actionCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	p := page.Context(actionCtx)

	switch action.Type {
	case "wait":
		return execWait(p, action)
	case "waitSelector":
		if action.Selector == "" {
			return fmt.Errorf("waitSelector action requires a selector")
		}
		return p.WaitElementsMoreThan(action.Selector, 0)
	case "click":
		return execClick(p, action)
	case "scroll":
		return execScroll(p, action)
	case "evalJs":
		if action.Script == "" {
			return fmt.Errorf("evalJs action requires a script")
		}
		_, err := p.Eval(action.Script)
		return err
	default:
		return fmt.Errorf("unknown action type: %s", action.Type)
	}
}

// execWait sleeps for the requested duration.
func execWait(p *rod.Page, action models.Action) error {
	if action.Ms <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(action.Ms) * time.Millisecond):
		return nil
	case <-p.GetContext().Done():
		return p.GetContext().Err()
	}
}

// execClick finds the element matching the selector and clicks it.
func execClick(p *rod.Page, action models.Action) error {
	if action.Selector == "" {
		return fmt.Errorf("click action requires a selector")
	}
	el, err := p.Element(action.Selector)
	if err != nil {
		return fmt.Errorf("element %q not found: %w", action.Selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// execScroll scrolls down by Px pixels, or to the bottom of the page
// when Px is zero. Lazy-loaded content usually needs a pause after the
// scroll; callers model that with a trailing wait action.
func execScroll(p *rod.Page, action models.Action) error {
	if action.Px > 0 {
		return p.Mouse.Scroll(0, float64(action.Px), 1)
	}
	_, err := p.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`)
	return err
}
