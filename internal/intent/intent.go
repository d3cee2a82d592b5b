// Package intent models logical UI effects and the ordered chain of
// techniques used to produce them. An Intent says WHAT should happen to the
// target ("activate the Receive tab", "submit this license plate"); the
// strategies decide HOW, escalating from polite component-API calls to raw
// runtime injection when the widget framework eats the earlier attempts.
package intent

import (
	"context"
	"fmt"
)

// Kind is the kind of UI effect an intent requests.
type Kind string

const (
	// KindActivate activates a widget: a tab, a menu entry, a button.
	KindActivate Kind = "activate"
	// KindFill fills an input with the payload and submits it.
	KindFill Kind = "fill"
	// KindKey sends a bare key chord (e.g. the acknowledge shortcut).
	KindKey Kind = "key"
)

// Intent is an immutable description of a desired UI effect. It is consumed
// by the resilience wrapper; strategies must not mutate it.
type Intent struct {
	// Target is the CSS selector of the element the effect applies to.
	Target string
	// Label is the human-visible text of the target, used by strategies that
	// locate widgets by label rather than selector.
	Label string
	// Kind selects the effect.
	Kind Kind
	// Payload is the input for KindFill, or the chord for KindKey.
	Payload string
}

func (in Intent) String() string {
	if in.Payload != "" {
		return fmt.Sprintf("%s %q (payload %q)", in.Kind, in.Label, in.Payload)
	}
	return fmt.Sprintf("%s %q", in.Kind, in.Label)
}

// StrategyOutcome is the tri-state result of one strategy attempt.
type StrategyOutcome int

const (
	// Failed means the strategy applied but the attempt did not complete.
	Failed StrategyOutcome = iota
	// NotApplicable means the strategy's preconditions are absent on this
	// screen; it is skipped without counting as a failure.
	NotApplicable
	// Succeeded means the strategy completed its action. Whether the UI
	// actually transitioned is the verifier's question, not the strategy's.
	Succeeded
)

func (o StrategyOutcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case NotApplicable:
		return "not_applicable"
	default:
		return "failed"
	}
}

// Strategy is one independent technique for producing an intent's effect.
type Strategy interface {
	Name() string
	// Attempt tries to produce the effect. The returned error carries detail
	// for logging; the outcome alone drives the chain.
	Attempt(ctx context.Context, in Intent) (StrategyOutcome, error)
}

// Attempt records one strategy try inside a chain execution.
type Attempt struct {
	Strategy string
	Outcome  StrategyOutcome
	Err      error
}

// Result is the record of one chain execution.
type Result struct {
	Outcome  StrategyOutcome
	Attempts []Attempt
}

// AllFailedError reports that every strategy in the chain exhausted without
// success.
type AllFailedError struct {
	Intent   Intent
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("all %d strategies failed for intent %s", len(e.Attempts), e.Intent)
}
