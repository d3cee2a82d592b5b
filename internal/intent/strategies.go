// File: internal/intent/strategies.go
//
// The fixed, ordered set of techniques for producing a UI effect. Order runs
// from least to most invasive: the native DOM call is cheap and honest, the
// runtime injection reaches into the widget framework's internals and is a
// last resort. Strategies self-report NotApplicable from cheap precondition
// probes rather than the chain maintaining skip rules.
package intent

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/quayside/rfdriver/internal/driver"
)

// DefaultStrategies returns the standard chain order.
func DefaultStrategies(drv driver.Driver, logger *zap.Logger) []Strategy {
	log := logger.Named("strategy")
	return []Strategy{
		&nativeStrategy{drv: drv, logger: log},
		&pointerStrategy{drv: drv, logger: log},
		&ancestorPointerStrategy{drv: drv, logger: log},
		&keyboardStrategy{drv: drv, logger: log},
		&runtimeInjectStrategy{drv: drv, logger: log},
	}
}

// -- Strategy 1: native DOM invocation --

// nativeStrategy calls the element's own click()/value API page-side. The
// cheapest technique, and the one the widget framework most often ignores.
type nativeStrategy struct {
	drv    driver.Driver
	logger *zap.Logger
}

func (s *nativeStrategy) Name() string { return "native" }

func (s *nativeStrategy) Attempt(ctx context.Context, in Intent) (StrategyOutcome, error) {
	switch in.Kind {
	case KindActivate:
		return s.evalActed(ctx, fmt.Sprintf(`
			(function(sel) {
				const el = document.querySelector(sel);
				if (!el || typeof el.click !== 'function') return false;
				el.click();
				return true;
			})(%s);
		`, strconv.Quote(in.Target)))
	case KindFill:
		return s.evalActed(ctx, fmt.Sprintf(`
			(function(sel, value) {
				const el = document.querySelector(sel);
				if (!el || !('value' in el)) return false;
				el.focus();
				el.value = value;
				el.dispatchEvent(new Event('input', { bubbles: true }));
				el.dispatchEvent(new Event('change', { bubbles: true }));
				el.dispatchEvent(new KeyboardEvent('keydown', { key: 'Enter', keyCode: 13, bubbles: true }));
				el.dispatchEvent(new KeyboardEvent('keyup', { key: 'Enter', keyCode: 13, bubbles: true }));
				return true;
			})(%s, %s);
		`, strconv.Quote(in.Target), strconv.Quote(in.Payload)))
	default:
		// Key chords have no per-element native API.
		return NotApplicable, nil
	}
}

func (s *nativeStrategy) evalActed(ctx context.Context, script string) (StrategyOutcome, error) {
	var acted bool
	if err := s.drv.Evaluate(ctx, script, &acted); err != nil {
		return Failed, err
	}
	if !acted {
		return NotApplicable, nil
	}
	return Succeeded, nil
}

// -- Strategy 2: synthesized pointer events --

// pointerStrategy dispatches a raw press/release sequence at the element's
// computed center. Defeats handlers that ignore synthetic DOM click events
// but listen for real input.
type pointerStrategy struct {
	drv    driver.Driver
	logger *zap.Logger
}

func (s *pointerStrategy) Name() string { return "pointer" }

func (s *pointerStrategy) Attempt(ctx context.Context, in Intent) (StrategyOutcome, error) {
	if in.Kind == KindKey {
		return NotApplicable, nil
	}

	geom, err := s.drv.ElementGeometry(ctx, in.Target)
	if err != nil {
		// Element absent or hidden: nothing for a pointer to hit.
		return NotApplicable, nil
	}
	x, y := geom.Center()

	if err := clickAt(ctx, s.drv, x, y); err != nil {
		return Failed, err
	}

	if in.Kind == KindFill {
		if err := s.drv.SendKey(ctx, in.Payload); err != nil {
			return Failed, err
		}
		if err := s.drv.SendKey(ctx, "\r"); err != nil {
			return Failed, err
		}
	}
	return Succeeded, nil
}

// clickAt dispatches a full press/release pair at viewport coordinates.
func clickAt(ctx context.Context, drv driver.Driver, x, y float64) error {
	events := []driver.MouseEvent{
		{Type: driver.MouseMoved, X: x, Y: y},
		{Type: driver.MousePressed, X: x, Y: y, Button: "left", ClickCount: 1},
		{Type: driver.MouseReleased, X: x, Y: y, Button: "left", ClickCount: 1},
	}
	for _, ev := range events {
		if err := drv.DispatchMouseEvent(ctx, ev); err != nil {
			return fmt.Errorf("pointer sequence at (%.0f,%.0f): %w", x, y, err)
		}
	}
	return nil
}

// -- Strategy 3: pointer events against ancestors --

// ancestorPointerStrategy repeats the pointer sequence against the target's
// ancestor elements. Widget frameworks wrap interactive elements in
// event-capturing containers; the real listener is often one or two levels
// up from the element the label lives on.
type ancestorPointerStrategy struct {
	drv    driver.Driver
	logger *zap.Logger
}

func (s *ancestorPointerStrategy) Name() string { return "ancestor-pointer" }

// maxAncestorDepth bounds the climb; beyond a couple of levels the click
// lands on layout scaffolding, not the widget.
const maxAncestorDepth = 2

func (s *ancestorPointerStrategy) Attempt(ctx context.Context, in Intent) (StrategyOutcome, error) {
	if in.Kind != KindActivate {
		return NotApplicable, nil
	}

	script := fmt.Sprintf(`
		(function(sel, depth) {
			const el = document.querySelector(sel);
			if (!el) return [];
			const boxes = [];
			let node = el.parentElement;
			for (let i = 0; i < depth && node && node !== document.body; i++) {
				const rect = node.getBoundingClientRect();
				if (rect.width > 0 && rect.height > 0) {
					boxes.push({ x: rect.left, y: rect.top, width: rect.width, height: rect.height });
				}
				node = node.parentElement;
			}
			return boxes;
		})(%s, %d);
	`, strconv.Quote(in.Target), maxAncestorDepth)

	var boxes []driver.Geometry
	if err := s.drv.Evaluate(ctx, script, &boxes); err != nil {
		return Failed, err
	}
	if len(boxes) == 0 {
		return NotApplicable, nil
	}

	var lastErr error
	for _, box := range boxes {
		x, y := box.Center()
		if err := clickAt(ctx, s.drv, x, y); err != nil {
			lastErr = err
			continue
		}
		return Succeeded, nil
	}
	return Failed, lastErr
}

// -- Strategy 4: keyboard focus and traverse --

// keyboardStrategy uses the keyboard as an alternate input channel: focus
// the target (or its container) and drive it with keys. Applicable to
// activation only when the markup exposes keyboard-navigable roles.
type keyboardStrategy struct {
	drv    driver.Driver
	logger *zap.Logger
}

func (s *keyboardStrategy) Name() string { return "keyboard" }

func (s *keyboardStrategy) Attempt(ctx context.Context, in Intent) (StrategyOutcome, error) {
	switch in.Kind {
	case KindKey:
		if err := s.drv.SendKey(ctx, in.Payload); err != nil {
			return Failed, err
		}
		return Succeeded, nil

	case KindFill:
		if err := s.drv.Focus(ctx, in.Target); err != nil {
			return NotApplicable, nil
		}
		if err := s.drv.SendKey(ctx, in.Payload); err != nil {
			return Failed, err
		}
		if err := s.drv.SendKey(ctx, "\r"); err != nil {
			return Failed, err
		}
		return Succeeded, nil

	case KindActivate:
		// Only worth trying when the widget advertises keyboard semantics.
		var navigable bool
		probe := fmt.Sprintf(`
			(function(sel) {
				const el = document.querySelector(sel);
				if (!el) return false;
				const role = el.getAttribute('role') || '';
				return role === 'tab' || role === 'menuitem' || role === 'button' ||
					el.tabIndex >= 0;
			})(%s);
		`, strconv.Quote(in.Target))
		if err := s.drv.Evaluate(ctx, probe, &navigable); err != nil {
			return Failed, err
		}
		if !navigable {
			return NotApplicable, nil
		}

		if err := s.drv.Focus(ctx, in.Target); err != nil {
			return Failed, err
		}
		if err := s.drv.SendKey(ctx, "\r"); err != nil {
			return Failed, err
		}
		return Succeeded, nil
	}
	return NotApplicable, nil
}

// -- Strategy 5: direct runtime injection --

// runtimeInjectStrategy bypasses the DOM entirely and invokes the widget
// framework's internal state-change API on the owning component. Most
// invasive and most reliable; it skips every event handler the application
// may depend on, so it stays last in the chain.
type runtimeInjectStrategy struct {
	drv    driver.Driver
	logger *zap.Logger
}

func (s *runtimeInjectStrategy) Name() string { return "runtime-inject" }

func (s *runtimeInjectStrategy) Attempt(ctx context.Context, in Intent) (StrategyOutcome, error) {
	script := fmt.Sprintf(`
		(function(sel, label, kind, payload) {
			if (!window.Ext || !Ext.ComponentQuery) return "no-runtime";
			const dom = document.querySelector(sel);

			// Resolve the owning component from the DOM node, falling back to
			// a label match across candidate widget types.
			let cmp = null;
			if (dom && Ext.Component && Ext.Component.from) {
				cmp = Ext.Component.from(dom);
			}
			if (!cmp) {
				const candidates = Ext.ComponentQuery.query('tab, button, menuitem, field');
				cmp = candidates.find(c => (c.text || c.title || c.fieldLabel || '') === label) || null;
			}
			if (!cmp) return "no-component";

			if (kind === 'fill') {
				if (typeof cmp.setValue !== 'function') return "no-api";
				cmp.setValue(payload);
				cmp.fireEvent && cmp.fireEvent('change', cmp, payload);
				cmp.fireEvent && cmp.fireEvent('specialkey', cmp, { getKey: () => 13, ENTER: 13 });
				return "ok";
			}

			// Activation: prefer the owning tab panel's API, else fire the
			// component's own activation events.
			const owner = cmp.up && cmp.up('tabpanel');
			if (owner && typeof owner.setActiveTab === 'function') {
				owner.setActiveTab(cmp);
				return "ok";
			}
			if (typeof cmp.setActive === 'function') {
				cmp.setActive(true);
				return "ok";
			}
			if (cmp.fireEvent) {
				cmp.fireEvent('click', cmp);
				return "ok";
			}
			return "no-api";
		})(%s, %s, %s, %s);
	`, strconv.Quote(in.Target), strconv.Quote(in.Label), strconv.Quote(string(in.Kind)), strconv.Quote(in.Payload))

	var verdict string
	if err := s.drv.Evaluate(ctx, script, &verdict); err != nil {
		return Failed, err
	}

	switch verdict {
	case "ok":
		return Succeeded, nil
	case "no-runtime":
		return NotApplicable, nil
	default:
		return Failed, fmt.Errorf("runtime injection: %s for %s", verdict, in)
	}
}
