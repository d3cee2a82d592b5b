// Package driver defines the narrow browser-automation surface the rest of
// the system depends on. Higher layers never touch chromedp directly; they
// see only this interface, which keeps the interaction and verification
// logic testable against mocks.
package driver

import (
	"context"
	"time"
)

// Mouse event types understood by DispatchMouseEvent.
const (
	MousePressed  = "mousePressed"
	MouseReleased = "mouseReleased"
	MouseMoved    = "mouseMoved"
)

// MouseEvent is an agnostic description of a single low-level pointer event
// dispatched at viewport coordinates.
type MouseEvent struct {
	Type       string
	X          float64
	Y          float64
	Button     string
	ClickCount int
}

// Geometry describes the viewport-relative bounding box of an element.
type Geometry struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box, the default pointer target.
func (g Geometry) Center() (float64, float64) {
	return g.X + g.Width/2, g.Y + g.Height/2
}

// Driver is the contract against the hosting browser session. All methods
// respect context cancellation and apply their own bounded timeouts.
type Driver interface {
	// Evaluate runs a JavaScript expression in the target frame and
	// unmarshals the result into out. Pass nil when the result is unused.
	Evaluate(ctx context.Context, script string, out interface{}) error

	// DispatchMouseEvent sends one raw pointer event.
	DispatchMouseEvent(ctx context.Context, ev MouseEvent) error

	// SendKey dispatches a key (or chord, e.g. "Control+a") to the focused
	// element.
	SendKey(ctx context.Context, key string) error

	// Focus moves keyboard focus to the first element matching selector.
	Focus(ctx context.Context, selector string) error

	// ElementGeometry returns the bounding box of the first visible element
	// matching selector, or an error when it is absent or hidden.
	ElementGeometry(ctx context.Context, selector string) (*Geometry, error)

	// InnerText returns the trimmed visible text of the first element
	// matching selector.
	InnerText(ctx context.Context, selector string) (string, error)

	// Sleep pauses, respecting context cancellation.
	Sleep(ctx context.Context, d time.Duration) error
}
