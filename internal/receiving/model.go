// Package receiving is the domain workflow controller. It sequences one
// receiving transaction through warehouse selection, menu navigation,
// shipment entry, and per-line item confirmation, consuming the intent,
// snapshot, resilience, and decoder layers. It alone decides which failures
// are fatal; the layers below resolve to outcomes, never uncaught errors.
package receiving

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is a node of the receiving workflow.
type State string

const (
	StateIdle                  State = "idle"
	StateWarehouseSelected     State = "warehouse_selected"
	StateMenuNavigated         State = "menu_navigated"
	StateAwaitingShipmentInput State = "awaiting_shipment_input"
	StateShipmentConfirmed     State = "shipment_confirmed"
	StateAwaitingItemInput     State = "awaiting_item_input"
	StateItemConfirmed         State = "item_confirmed"
	StateErrorRecovery         State = "error_recovery"
	StateTransactionComplete   State = "transaction_complete"
	StateTransactionAborted    State = "transaction_aborted"
)

// Terminal reports whether no further transitions are accepted.
func (s State) Terminal() bool {
	return s == StateTransactionComplete || s == StateTransactionAborted
}

// LineStatus is the resolution of one item line.
type LineStatus string

const (
	LinePending   LineStatus = "pending"
	LineConfirmed LineStatus = "confirmed"
	// LineShort means the terminal accepted the line but adjusted the
	// quantity below what was expected.
	LineShort    LineStatus = "short"
	LineRejected LineStatus = "rejected"
)

// ItemLine is one expected line of a shipment. Mutated only by the state
// machine in response to verified confirmation events.
type ItemLine struct {
	SKU      string
	Expected int
	Received int
	Status   LineStatus
	// Detail carries the dialog or acknowledgment text behind a short or
	// rejected resolution.
	Detail string
}

// Shipment is the advance shipping notice a transaction works through.
// Lines are processed strictly in order; downstream reconciliation assumes
// order-stable reporting.
type Shipment struct {
	Reference string
	Origin    string
	Lines     []ItemLine
}

// Transition is one audit-trail entry.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Transaction is the mutable session state for one receiving run. Owned by a
// single Machine execution; never shared across concurrent transactions.
type Transaction struct {
	ID        uuid.UUID
	Warehouse string
	Shipment  *Shipment
	StartedAt time.Time

	state       State
	lineIndex   int
	warnings    []string
	transitions []Transition
	now         func() time.Time
}

// NewTransaction creates a transaction in the Idle state.
func NewTransaction(warehouse string, shipment *Shipment) *Transaction {
	for i := range shipment.Lines {
		if shipment.Lines[i].Status == "" {
			shipment.Lines[i].Status = LinePending
		}
	}
	now := time.Now
	return &Transaction{
		ID:        uuid.New(),
		Warehouse: warehouse,
		Shipment:  shipment,
		StartedAt: now(),
		state:     StateIdle,
		now:       now,
	}
}

// State returns the current workflow state.
func (t *Transaction) State() State { return t.state }

// Transitions returns the audit trail in order.
func (t *Transaction) Transitions() []Transition { return t.transitions }

// Warnings returns the accumulated warning texts.
func (t *Transaction) Warnings() []string { return t.warnings }

// transition moves the workflow to a new state, recording the step. Moves
// out of a terminal state are dropped; callers polling after terminality get
// the terminal status idempotently.
func (t *Transaction) transition(to State, reason string) {
	if t.state.Terminal() {
		return
	}
	t.transitions = append(t.transitions, Transition{
		From:   t.state,
		To:     to,
		Reason: reason,
		At:     t.now(),
	})
	t.state = to
}

func (t *Transaction) addWarning(text string) {
	t.warnings = append(t.warnings, text)
}

// currentLine returns the line under work, or nil when all are resolved.
func (t *Transaction) currentLine() *ItemLine {
	if t.lineIndex >= len(t.Shipment.Lines) {
		return nil
	}
	return &t.Shipment.Lines[t.lineIndex]
}

// advanceLine moves to the next expected line.
func (t *Transaction) advanceLine() { t.lineIndex++ }

// Status is the terminal outcome of a transaction.
type Status string

const (
	StatusComplete               Status = "complete"
	StatusCompleteWithRejections Status = "complete_with_rejections"
	StatusAborted                Status = "aborted"
)

// LineOutcome is the reported resolution of one line.
type LineOutcome struct {
	SKU      string     `json:"sku"`
	Expected int        `json:"expected"`
	Received int        `json:"received"`
	Status   LineStatus `json:"status"`
	Detail   string     `json:"detail,omitempty"`
}

// OperationResult is the terminal record a transaction emits exactly once.
type OperationResult struct {
	TransactionID uuid.UUID     `json:"transaction_id"`
	Warehouse     string        `json:"warehouse"`
	Shipment      string        `json:"shipment"`
	Status        Status        `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	Lines         []LineOutcome `json:"lines"`
	Warnings      []string      `json:"warnings,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// result builds the terminal record from the transaction's current state.
func (t *Transaction) result(status Status, reason string) *OperationResult {
	res := &OperationResult{
		TransactionID: t.ID,
		Warehouse:     t.Warehouse,
		Shipment:      t.Shipment.Reference,
		Status:        status,
		Reason:        reason,
		Warnings:      t.warnings,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.now(),
	}
	// Aborted preconditions report no line records: no line was reached.
	if status == StatusAborted && t.lineIndex == 0 && allPending(t.Shipment.Lines) {
		return res
	}
	for _, line := range t.Shipment.Lines {
		res.Lines = append(res.Lines, LineOutcome{
			SKU:      line.SKU,
			Expected: line.Expected,
			Received: line.Received,
			Status:   line.Status,
			Detail:   line.Detail,
		})
	}
	return res
}

func allPending(lines []ItemLine) bool {
	for _, line := range lines {
		if line.Status != LinePending {
			return false
		}
	}
	return true
}

// Reporter consumes the terminal record. Implementations include the
// database sink and a log-only fallback.
type Reporter interface {
	Report(ctx context.Context, result *OperationResult) error
}
