// File: cmd/receive.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quayside/rfdriver/internal/browser"
	"github.com/quayside/rfdriver/internal/config"
	"github.com/quayside/rfdriver/internal/intent"
	"github.com/quayside/rfdriver/internal/observability"
	"github.com/quayside/rfdriver/internal/receiving"
	"github.com/quayside/rfdriver/internal/snapshot"
	"github.com/quayside/rfdriver/internal/store"
)

// newReceiveCmd creates the `receive` command, which runs one receiving
// transaction for a shipment and its expected lines.
func newReceiveCmd() *cobra.Command {
	receiveCmd := &cobra.Command{
		Use:   "receive <shipment-ref> <sku:qty>...",
		Short: "Runs a receiving transaction for a shipment against the terminal",
		Args:  cobra.MinimumNArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("workflow.terminal_url", cmd.Flags().Lookup("url")); err != nil {
				return err
			}
			if err := viper.BindPFlag("workflow.warehouse", cmd.Flags().Lookup("warehouse")); err != nil {
				return err
			}
			return nil
		},
		RunE: runReceive,
	}

	receiveCmd.Flags().String("url", "", "terminal URL (required unless set in config)")
	receiveCmd.Flags().String("warehouse", "", "warehouse code to select")
	return receiveCmd
}

func runReceive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	cfg, err := config.NewConfigFromViper(viper.GetViper())
	if err != nil {
		return err
	}
	if cfg.Workflow.TerminalURL == "" {
		return fmt.Errorf("no terminal URL: pass --url or set workflow.terminal_url")
	}
	if cfg.Workflow.Warehouse == "" {
		return fmt.Errorf("no warehouse code: pass --warehouse or set workflow.warehouse")
	}

	shipment, err := parseShipment(args[0], args[1:])
	if err != nil {
		return err
	}

	manager := browser.NewManager(cfg, logger)
	defer func() {
		if err := manager.Shutdown(cmd.Context()); err != nil {
			logger.Warn("Browser shutdown incomplete.", zap.Error(err))
		}
	}()

	session, err := manager.NewSession(ctx, cfg.Workflow.TerminalURL)
	if err != nil {
		return fmt.Errorf("opening terminal session: %w", err)
	}

	drv := session.Driver()
	chain := intent.NewChain(logger,
		intent.DefaultStrategies(drv, logger),
		intent.WithRateLimit(cfg.Browser.IntentRate))
	snaps := snapshot.NewService(drv, logger, cfg.Browser.FrameSettle)

	var reporter receiving.Reporter
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connecting to reporting database: %w", err)
		}
		defer pool.Close()

		resultStore, err := store.New(ctx, pool, logger)
		if err != nil {
			return err
		}
		if err := resultStore.EnsureSchema(ctx); err != nil {
			return err
		}
		reporter = resultStore
	}

	machine := receiving.NewMachine(logger, chain, snaps, session.Records(), cfg, reporter)

	started := time.Now()
	result, err := machine.Run(ctx, cfg.Workflow.Warehouse, shipment)
	if err != nil {
		logger.Warn("Result reporting failed.", zap.Error(err))
	}

	logger.Info("Receive command finished.",
		zap.String("status", string(result.Status)),
		zap.Duration("elapsed", time.Since(started)))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	if result.Status == receiving.StatusAborted {
		return fmt.Errorf("transaction aborted: %s", result.Reason)
	}
	return nil
}

// parseShipment turns "SKU-1:6" style arguments into the expected lines.
func parseShipment(ref string, lineSpecs []string) (*receiving.Shipment, error) {
	shipment := &receiving.Shipment{Reference: ref}
	for _, spec := range lineSpecs {
		sku, qtyStr, ok := strings.Cut(spec, ":")
		if !ok || sku == "" {
			return nil, fmt.Errorf("invalid line %q: expected <sku>:<qty>", spec)
		}
		qty, err := strconv.Atoi(qtyStr)
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("invalid quantity in line %q: expected a positive integer", spec)
		}
		shipment.Lines = append(shipment.Lines, receiving.ItemLine{SKU: sku, Expected: qty})
	}
	return shipment, nil
}
