// File: internal/receiving/machine.go
package receiving

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/quayside/rfdriver/internal/config"
	"github.com/quayside/rfdriver/internal/decoder"
	"github.com/quayside/rfdriver/internal/intent"
	"github.com/quayside/rfdriver/internal/resilience"
	"github.com/quayside/rfdriver/internal/snapshot"
)

// IntentExecutor drives one logical UI effect through the strategy chain.
type IntentExecutor interface {
	Execute(ctx context.Context, in intent.Intent) (intent.Result, error)
}

// Snapshotter fingerprints rendered regions for verification and reads full
// region text where a bounded summary is not enough.
type Snapshotter interface {
	Take(ctx context.Context, region string) (snapshot.Fingerprint, error)
	RegionText(ctx context.Context, region string) (string, error)
	WaitReady(ctx context.Context, region string, policy resilience.Policy) error
}

// defaultRecordWait bounds how long a step waits for its decoded
// acknowledgment before treating the step as unverified.
const defaultRecordWait = 5 * time.Second

// errWarningAcknowledged aborts the inner retry loop after a warning dialog
// was acknowledged, so the step can be re-driven once from the top.
var errWarningAcknowledged = errors.New("warning dialog acknowledged")

// Machine executes receiving transactions. One Machine drives one target
// session; it is not internally parallel, because the terminal has no
// support for concurrent pending operations. Run concurrent Machines only
// against independent sessions.
type Machine struct {
	logger  *zap.Logger
	intents IntentExecutor
	snaps   Snapshotter
	// records carries decoded acknowledgments from the session's frame
	// channel. May be nil when no channel is bound; record-verified steps
	// then degrade to snapshot-only verification.
	records <-chan *decoder.Record

	screens     config.ScreensConfig
	dialogs     *DialogClassifier
	interaction resilience.Policy
	readiness   resilience.Policy
	txTimeout   time.Duration
	recordWait  time.Duration

	reporter Reporter
}

// NewMachine wires a machine from configuration.
func NewMachine(
	logger *zap.Logger,
	intents IntentExecutor,
	snaps Snapshotter,
	records <-chan *decoder.Record,
	cfg *config.Config,
	reporter Reporter,
) *Machine {
	if reporter == nil {
		reporter = NewLogReporter(logger)
	}
	return &Machine{
		logger:  logger.Named("receiving"),
		intents: intents,
		snaps:   snaps,
		records: records,
		screens: cfg.Screens,
		dialogs: NewDialogClassifier(cfg.Dialogs),
		interaction: resilience.Policy{
			MaxAttempts: cfg.Retry.Interaction.MaxAttempts,
			BaseDelay:   cfg.Retry.Interaction.BaseDelay,
			Multiplier:  cfg.Retry.Interaction.Multiplier,
			MaxDelay:    cfg.Retry.Interaction.MaxDelay,
			Classify:    classifyFailure,
		},
		readiness: resilience.Policy{
			MaxAttempts: cfg.Retry.Readiness.MaxAttempts,
			BaseDelay:   cfg.Retry.Readiness.BaseDelay,
			Multiplier:  cfg.Retry.Readiness.Multiplier,
			MaxDelay:    cfg.Retry.Readiness.MaxDelay,
		},
		txTimeout:  cfg.Retry.TransactionTimeout,
		recordWait: defaultRecordWait,
		reporter:   reporter,
	}
}

// Run executes one receiving transaction end to end and reports the terminal
// result. The returned result is always non-nil; the error reflects only
// reporting problems, never workflow outcomes, which live in the result.
func (m *Machine) Run(ctx context.Context, warehouse string, shipment *Shipment) (*OperationResult, error) {
	tx := NewTransaction(warehouse, shipment)
	log := m.logger.With(
		zap.String("transaction_id", tx.ID.String()),
		zap.String("shipment", shipment.Reference))
	log.Info("Receiving transaction starting.",
		zap.String("warehouse", warehouse), zap.Int("lines", len(shipment.Lines)))

	runCtx, cancel := context.WithTimeout(ctx, m.txTimeout)
	defer cancel()

	result := m.run(runCtx, tx)

	log.Info("Receiving transaction finished.",
		zap.String("status", string(result.Status)), zap.String("reason", result.Reason))

	// Reporting survives the transaction deadline.
	reportCtx, reportCancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer reportCancel()
	if err := m.reporter.Report(reportCtx, result); err != nil {
		return result, fmt.Errorf("reporting transaction %s: %w", tx.ID, err)
	}
	return result, nil
}

func (m *Machine) run(ctx context.Context, tx *Transaction) *OperationResult {
	if err := m.selectWarehouse(ctx, tx); err != nil {
		return m.abort(tx, err)
	}
	if err := m.navigateMenu(ctx, tx); err != nil {
		return m.abort(tx, err)
	}
	if err := m.submitShipmentReference(ctx, tx); err != nil {
		return m.abort(tx, err)
	}

	for line := tx.currentLine(); line != nil; line = tx.currentLine() {
		// Cancellation is cooperative: checked between intents, never
		// mid-strategy, so the terminal is not left mid-keystroke.
		if err := ctx.Err(); err != nil {
			return m.abort(tx, err)
		}
		if err := m.confirmItem(ctx, tx, line); err != nil {
			return m.abort(tx, err)
		}
		tx.advanceLine()
	}

	status := StatusComplete
	for _, line := range tx.Shipment.Lines {
		if line.Status == LineRejected {
			status = StatusCompleteWithRejections
			break
		}
	}
	tx.transition(StateTransactionComplete, "all lines resolved")
	return tx.result(status, "")
}

// abort moves the transaction to its aborted terminal state, preserving the
// partial line-status report.
func (m *Machine) abort(tx *Transaction, err error) *OperationResult {
	tx.transition(StateTransactionAborted, err.Error())
	return tx.result(StatusAborted, failureReason(err))
}

// failureReason names the abort cause for the terminal report.
func failureReason(err error) string {
	var precondition *PreconditionFailure
	var rejected *TargetRejected
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout: transaction deadline exceeded"
	case errors.Is(err, context.Canceled):
		return "Cancelled: transaction cancelled by caller"
	case errors.As(err, &precondition):
		return fmt.Sprintf("PreconditionFailure: %v", precondition)
	case errors.As(err, &rejected):
		return fmt.Sprintf("TargetRejected: %v", rejected)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// selectWarehouse establishes the warehouse context. Verified by a header
// region change; there is no partial recovery, so exhaustion is fatal.
func (m *Machine) selectWarehouse(ctx context.Context, tx *Transaction) error {
	if err := m.snaps.WaitReady(ctx, m.screens.BodyRegion, m.readiness); err != nil {
		return &PreconditionFailure{Op: "select_warehouse", Err: err}
	}

	op := func(ctx context.Context) error {
		before, err := m.snaps.Take(ctx, m.screens.HeaderRegion)
		if err != nil {
			return &TransientUIFailure{Op: "select_warehouse", Err: err}
		}
		in := intent.Intent{
			Target: m.screens.WarehousePicker,
			Label:  tx.Warehouse,
			Kind:   intent.KindActivate,
		}
		if _, err := m.intents.Execute(ctx, in); err != nil {
			return &TransientUIFailure{Op: "select_warehouse", Err: err}
		}
		after, err := m.snaps.Take(ctx, m.screens.HeaderRegion)
		if err != nil {
			return &TransientUIFailure{Op: "select_warehouse", Err: err}
		}
		if !snapshot.Changed(before, after) {
			return &VerificationFailure{Op: "select_warehouse", Region: m.screens.HeaderRegion}
		}
		return nil
	}

	if err := resilience.Run(ctx, m.logger, op, m.interaction); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &PreconditionFailure{Op: "select_warehouse", Err: err}
	}
	tx.transition(StateWarehouseSelected, "warehouse "+tx.Warehouse+" verified")
	return nil
}

// navigateMenu walks the configured menu path one level at a time. A level
// failure routes through error recovery (home screen reset) and the walk
// restarts once from the top; menu trees are transiently unready often
// enough that an immediate abort would be wasteful.
func (m *Machine) navigateMenu(ctx context.Context, tx *Transaction) error {
	recovered := false
	path := m.screens.MenuPath

	for i := 0; i < len(path); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.activateMenuLevel(ctx, path[i]); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if recovered {
				return &PreconditionFailure{Op: "navigate_menu:" + path[i], Err: err}
			}
			tx.transition(StateErrorRecovery, fmt.Sprintf("menu level %q failed: %v", path[i], err))
			if rerr := m.recoverToHome(ctx); rerr != nil {
				return &PreconditionFailure{Op: "navigate_menu:recover", Err: rerr}
			}
			tx.transition(StateWarehouseSelected, "recovered to home screen")
			recovered = true
			i = -1
			continue
		}
	}

	tx.transition(StateMenuNavigated, fmt.Sprintf("menu path %v reached", path))
	return nil
}

// activateMenuLevel drives one menu selection under the interaction policy,
// verified by a body region change.
func (m *Machine) activateMenuLevel(ctx context.Context, label string) error {
	op := func(ctx context.Context) error {
		before, err := m.snaps.Take(ctx, m.screens.BodyRegion)
		if err != nil {
			return &TransientUIFailure{Op: "navigate_menu", Err: err}
		}
		in := intent.Intent{
			Target: m.screens.BodyRegion,
			Label:  label,
			Kind:   intent.KindActivate,
		}
		if _, err := m.intents.Execute(ctx, in); err != nil {
			return &TransientUIFailure{Op: "navigate_menu", Err: err}
		}
		after, err := m.snaps.Take(ctx, m.screens.BodyRegion)
		if err != nil {
			return &TransientUIFailure{Op: "navigate_menu", Err: err}
		}
		if !snapshot.Changed(before, after) {
			return &VerificationFailure{Op: "navigate_menu", Region: m.screens.BodyRegion}
		}
		return nil
	}
	return resilience.Run(ctx, m.logger, op, m.interaction)
}

// recoverToHome sends the home shortcut and waits for the terminal to
// re-render its base screen.
func (m *Machine) recoverToHome(ctx context.Context) error {
	in := intent.Intent{
		Label:   "home",
		Kind:    intent.KindKey,
		Payload: m.screens.HomeShortcutKey,
	}
	if _, err := m.intents.Execute(ctx, in); err != nil {
		return fmt.Errorf("home shortcut: %w", err)
	}
	return m.snaps.WaitReady(ctx, m.screens.BodyRegion, m.readiness)
}

// submitShipmentReference enters the shipment identifier. Verification needs
// both a body region change and a decoded acknowledgment echoing the same
// reference; some accepted inputs render no visible change until the next
// screen loads, and a snapshot alone also cannot prove the terminal accepted
// the value.
func (m *Machine) submitShipmentReference(ctx context.Context, tx *Transaction) error {
	tx.transition(StateAwaitingShipmentInput, "shipment entry screen ready")
	ref := tx.Shipment.Reference

	op := func(ctx context.Context) error {
		before, err := m.snaps.Take(ctx, m.screens.BodyRegion)
		if err != nil {
			return &TransientUIFailure{Op: "submit_shipment", Err: err}
		}
		in := intent.Intent{
			Target:  m.screens.ShipmentInput,
			Label:   "shipment reference",
			Kind:    intent.KindFill,
			Payload: ref,
		}
		if _, err := m.intents.Execute(ctx, in); err != nil {
			return &TransientUIFailure{Op: "submit_shipment", Err: err}
		}

		rec, err := m.awaitRecord(ctx, ref)
		if err != nil {
			return &TransientUIFailure{Op: "submit_shipment", Err: err}
		}
		if rec != nil && !rec.Accepted {
			return &TargetRejected{Op: "submit_shipment", Detail: rejectionDetail(rec)}
		}

		after, err := m.snaps.Take(ctx, m.screens.BodyRegion)
		if err != nil {
			return &TransientUIFailure{Op: "submit_shipment", Err: err}
		}
		if !snapshot.Changed(before, after) || (m.records != nil && rec == nil) {
			return &VerificationFailure{Op: "submit_shipment", Region: m.screens.BodyRegion}
		}
		return nil
	}

	if err := resilience.Run(ctx, m.logger, op, m.interaction); err != nil {
		return err
	}
	tx.transition(StateShipmentConfirmed, "reference "+ref+" acknowledged")
	return nil
}

// confirmItem drives one line through entry, dialog resolution, and status
// assignment. Only context cancellation propagates as an error; a rejected
// line is a recorded outcome, not a failure, and the machine advances to the
// next expected line.
func (m *Machine) confirmItem(ctx context.Context, tx *Transaction, line *ItemLine) error {
	tx.transition(StateAwaitingItemInput,
		fmt.Sprintf("line %d: %s x%d", tx.lineIndex+1, line.SKU, line.Expected))
	log := m.logger.With(zap.String("sku", line.SKU))

	warned := false
	for {
		err := resilience.Run(ctx, log, m.itemAttempt(tx, line), m.interaction)
		switch {
		case err == nil:
			if line.Status == LinePending {
				line.Status = LineConfirmed
				line.Received = line.Expected
			}
			tx.transition(StateItemConfirmed, fmt.Sprintf("line %s %s", line.SKU, line.Status))
			return nil

		case errors.Is(err, errWarningAcknowledged):
			if warned {
				// A second warning on the same line stops being a warning.
				line.Status = LineRejected
				line.Detail = "repeated warning dialog"
				tx.transition(StateItemConfirmed, "line "+line.SKU+" rejected after repeated warnings")
				return nil
			}
			warned = true
			tx.transition(StateAwaitingItemInput, "warning acknowledged, retrying line "+line.SKU)
			continue

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err

		default:
			var rejected *TargetRejected
			detail := err.Error()
			if errors.As(err, &rejected) {
				detail = rejected.Detail
			}
			line.Status = LineRejected
			line.Detail = detail
			log.Warn("Line rejected, advancing to next line.", zap.String("detail", detail))
			tx.transition(StateItemConfirmed, "line "+line.SKU+" rejected")
			return nil
		}
	}
}

// itemAttempt is one entry pass for a line: fill SKU, fill quantity, resolve
// any dialog, verify, and interpret the decoded acknowledgment if one comes.
func (m *Machine) itemAttempt(tx *Transaction, line *ItemLine) resilience.Operation {
	return func(ctx context.Context) error {
		before, err := m.snaps.Take(ctx, m.screens.BodyRegion)
		if err != nil {
			return &TransientUIFailure{Op: "confirm_item", Err: err}
		}

		fillItem := intent.Intent{
			Target:  m.screens.ItemInput,
			Label:   "item",
			Kind:    intent.KindFill,
			Payload: line.SKU,
		}
		if _, err := m.intents.Execute(ctx, fillItem); err != nil {
			return &TransientUIFailure{Op: "confirm_item", Err: err}
		}
		fillQty := intent.Intent{
			Target:  m.screens.QuantityInput,
			Label:   "quantity",
			Kind:    intent.KindFill,
			Payload: strconv.Itoa(line.Expected),
		}
		if _, err := m.intents.Execute(ctx, fillQty); err != nil {
			return &TransientUIFailure{Op: "confirm_item", Err: err}
		}

		// The terminal surfaces problems as a modal dialog rather than an
		// error response; read it before judging the snapshot. Classification
		// runs on the full dialog text, not a fingerprint summary, because a
		// rejection pattern can sit past any truncation point.
		dialog, err := m.snaps.RegionText(ctx, m.screens.DialogRegion)
		if err != nil {
			return &TransientUIFailure{Op: "confirm_item", Err: err}
		}
		switch verdict := m.dialogs.Classify(dialog); verdict {
		case DialogWarning:
			tx.addWarning(dialog)
			tx.transition(StateErrorRecovery, "warning dialog: "+dialog)
			ack := intent.Intent{
				Label:   "acknowledge",
				Kind:    intent.KindKey,
				Payload: m.screens.AcknowledgeKey,
			}
			if _, err := m.intents.Execute(ctx, ack); err != nil {
				return &TransientUIFailure{Op: "confirm_item:acknowledge", Err: err}
			}
			return errWarningAcknowledged
		case DialogRejection, DialogUnrecognized:
			tx.transition(StateErrorRecovery, verdict.String()+" dialog: "+dialog)
			return &TargetRejected{Op: "confirm_item", Detail: dialog}
		}

		after, err := m.snaps.Take(ctx, m.screens.BodyRegion)
		if err != nil {
			return &TransientUIFailure{Op: "confirm_item", Err: err}
		}
		if !snapshot.Changed(before, after) {
			return &VerificationFailure{Op: "confirm_item", Region: m.screens.BodyRegion}
		}

		rec, err := m.awaitRecord(ctx, line.SKU)
		if err != nil {
			return &TransientUIFailure{Op: "confirm_item", Err: err}
		}
		if rec != nil {
			if !rec.Accepted {
				return &TargetRejected{Op: "confirm_item", Detail: rejectionDetail(rec)}
			}
			// Resp code 25 is the terminal's quantity-adjustment accept: the
			// line landed short of what was expected.
			if rec.RespCode == "25" {
				line.Status = LineShort
				line.Received = line.Expected
				line.Detail = rec.Exception
			}
		}
		return nil
	}
}

// awaitRecord waits up to recordWait for a decoded acknowledgment echoing
// ref. A nil channel or a quiet channel yields (nil, nil); the caller
// decides whether an absent record fails verification. Records for other
// references are drained and logged, not treated as matches.
func (m *Machine) awaitRecord(ctx context.Context, ref string) (*decoder.Record, error) {
	if m.records == nil {
		return nil, nil
	}
	deadline := time.NewTimer(m.recordWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			m.logger.Debug("No acknowledgment received in time.", zap.String("reference", ref))
			return nil, nil
		case rec, ok := <-m.records:
			if !ok {
				return nil, nil
			}
			if rec.Reference != ref {
				m.logger.Debug("Acknowledgment for different reference, skipping.",
					zap.String("want", ref), zap.String("got", rec.Reference))
				continue
			}
			return rec, nil
		}
	}
}

func rejectionDetail(rec *decoder.Record) string {
	if rec.Exception != "" {
		return rec.Exception
	}
	if rec.ErrorType != "" {
		return rec.ErrorType
	}
	return "resp code " + rec.RespCode
}
