// File: internal/driver/cdp.go
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// RunActionsFunc executes chromedp actions against the owning session's
// target. The session layer provides it so this adapter stays free of
// allocator and lifecycle concerns.
type RunActionsFunc func(ctx context.Context, actions ...chromedp.Action) error

// CDP adapts the Driver interface onto the Chrome DevTools Protocol via
// chromedp. One instance is bound to one browser session.
type CDP struct {
	logger     *zap.Logger
	runActions RunActionsFunc
}

var _ Driver = (*CDP)(nil)

// NewCDP creates a CDP-backed driver.
func NewCDP(logger *zap.Logger, run RunActionsFunc) *CDP {
	return &CDP{
		logger:     logger.Named("driver"),
		runActions: run,
	}
}

// Evaluate runs a script in the page and decodes the value it returns.
func (c *CDP) Evaluate(ctx context.Context, script string, out interface{}) error {
	opCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	var raw json.RawMessage
	err := c.runActions(opCtx,
		chromedp.Evaluate(script, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			// Return actual values, await promises, keep page-side exceptions
			// out of the console.
			return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
		}),
	)
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("timeout evaluating script: %w", opCtx.Err())
		}
		return fmt.Errorf("script evaluation failed: %w", err)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal evaluate result: %w (payload: %s)", err, string(raw))
	}
	return nil
}

// DispatchMouseEvent sends a single mouse event via CDP Input domain.
func (c *CDP) DispatchMouseEvent(ctx context.Context, ev MouseEvent) error {
	p := input.DispatchMouseEvent(input.MouseType(ev.Type), ev.X, ev.Y).
		WithButton(input.MouseButton(ev.Button)).
		WithClickCount(int64(ev.ClickCount))

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.runActions(opCtx, p); err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			c.logger.Debug("DispatchMouseEvent timed out.", zap.String("type", ev.Type))
			return fmt.Errorf("mouse event %s timed out: %w", ev.Type, opCtx.Err())
		}
		return err
	}
	return nil
}

// SendKey dispatches a key or chord to the focused element.
func (c *CDP) SendKey(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.runActions(opCtx, chromedp.KeyEvent(key)); err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			c.logger.Debug("SendKey timed out.", zap.String("key", key))
			return fmt.Errorf("key %q timed out: %w", key, opCtx.Err())
		}
		return err
	}
	return nil
}

// Focus moves keyboard focus to the first element matching selector.
func (c *CDP) Focus(ctx context.Context, selector string) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.runActions(opCtx, chromedp.Focus(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("focus %q failed: %w", selector, err)
	}
	return nil
}

// ElementGeometry returns the border box of the first visible match. The
// visibility check runs page-side so one evaluation answers both questions.
func (c *CDP) ElementGeometry(ctx context.Context, selector string) (*Geometry, error) {
	script := fmt.Sprintf(`
		(function(sel) {
			const node = document.querySelector(sel);
			if (!node) return null;

			const rect = node.getBoundingClientRect();
			const style = window.getComputedStyle(node);
			const visible = rect.width > 0 && rect.height > 0 &&
				style.display !== 'none' && style.visibility !== 'hidden' && style.opacity !== '0';
			if (!visible) return null;

			return { x: rect.left, y: rect.top, width: rect.width, height: rect.height };
		})(%s);
	`, jsonEncode(selector))

	var geom *Geometry
	if err := c.Evaluate(ctx, script, &geom); err != nil {
		return nil, fmt.Errorf("geometry for %q: %w", selector, err)
	}
	if geom == nil {
		return nil, fmt.Errorf("element %q not found or not visible", selector)
	}
	return geom, nil
}

// InnerText returns the trimmed innerText of the first match, empty when the
// element is absent.
func (c *CDP) InnerText(ctx context.Context, selector string) (string, error) {
	script := fmt.Sprintf(`
		(function(sel) {
			const node = document.querySelector(sel);
			return node ? (node.innerText || '').trim() : '';
		})(%s);
	`, jsonEncode(selector))

	var text string
	if err := c.Evaluate(ctx, script, &text); err != nil {
		return "", fmt.Errorf("inner text of %q: %w", selector, err)
	}
	return text, nil
}

// Sleep pauses through the session so cancellation of either context wins.
func (c *CDP) Sleep(ctx context.Context, d time.Duration) error {
	return c.runActions(ctx, chromedp.Sleep(d))
}

// jsonEncode safely encodes a value (especially strings) for JS injection.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
