// agentpay CLI - command-line interface for agentpay operations
//
// This tool drives the settlement engine directly:
//   - Agent discovery (list, show)
//   - Paid queries over the direct or credit rail (ask)
//   - Agent purchases (buy) and credit top-ups (credits buy)
//   - Analytics (analytics reconcile)
//   - Admin operations (verify journal integrity)
//
// Usage:
//
//	agentpay agents list
//	agentpay ask 7 "what changed in v2?" --rail credit
//	agentpay buy 7 --yes
//	agentpay analytics reconcile --creator 0xabc...
//	agentpay admin verify-integrity
//
// Every transaction is confirmed interactively unless --yes is given.
// --dev runs against a seeded in-memory ledger.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kelpejol/agentpay/internal/api"
	"github.com/kelpejol/agentpay/internal/app"
	"github.com/kelpejol/agentpay/internal/audit"
	"github.com/kelpejol/agentpay/internal/config"
	"github.com/kelpejol/agentpay/internal/journal"
	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/ledger/evm"
	"github.com/kelpejol/agentpay/internal/reconcile"
	"github.com/kelpejol/agentpay/internal/settlement"
)

var (
	// Version is set during build
	Version   = "dev"
	BuildTime = "unknown"

	// Global flags
	configPath string
	devMode    bool
	assumeYes  bool
	verbose    bool

	cfg    *config.Config
	engine *app.App
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:   "agentpay",
		Short: "agentpay CLI - pay-per-query settlement for knowledge agents",
		Long: `agentpay settles paid questions to knowledge agents on a ledger.

Operations include agent discovery, paid queries, agent and credit purchases,
analytics reconciliation, and journal integrity checks.`,
		Version:       Version + " (" + BuildTime + ")",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.WarnLevel)
			}

			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if engine != nil {
				engine.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnv("CONFIG_FILE", ""), "YAML config file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Use the seeded in-memory ledger")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Sign transactions without asking")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(buyCmd())
	rootCmd.AddCommand(creditsCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(adminCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEngine builds the engine on first use.
func loadEngine(ctx context.Context) (*app.App, error) {
	if engine != nil {
		return engine, nil
	}
	opts := app.Options{Dev: devMode}
	if !assumeYes {
		opts.Confirm = promptConfirm
	}
	var err error
	engine, err = app.New(ctx, cfg, opts, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	return engine, nil
}

// wallet returns the signing wallet or explains why there is none.
func wallet(ctx context.Context) (ledger.Wallet, *app.App, error) {
	e, err := loadEngine(ctx)
	if err != nil {
		return nil, nil, err
	}
	if e.Wallet == nil {
		return nil, nil, fmt.Errorf("%w: set PRIVATE_KEY or use --dev", app.ErrReadOnly)
	}
	return e.Wallet, e, nil
}

// promptConfirm asks on the terminal before a transaction is signed.
func promptConfirm(_ context.Context, intent evm.Intent) error {
	args := make([]string, 0, len(intent.Args))
	for _, a := range intent.Args {
		args = append(args, fmt.Sprint(a))
	}
	fmt.Fprintf(os.Stderr, "Sign %s(%s) on %s? [y/N] ", intent.Method, strings.Join(args, ", "), intent.Contract.Hex())
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return errors.New("declined at prompt")
	}
}

// agentsCmd creates the agents command group
func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Agent discovery",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			e, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			agents := []map[string]interface{}{}
			for _, a := range e.Agents.List() {
				agents = append(agents, agentJSON(a))
			}
			printJSON(agents)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := api.ParseAgentID(args[0])
			if err != nil {
				return fmt.Errorf("invalid agent id: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			e, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			a, err := e.Agents.Resolve(ctx, id)
			if err != nil {
				return err
			}
			printJSON(agentJSON(a))
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

// askCmd creates the ask command
func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <agent-id> <question>",
		Short: "Pay for and fetch one answer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := api.ParseAgentID(args[0])
			if err != nil {
				return fmt.Errorf("invalid agent id: %w", err)
			}
			railName, _ := cmd.Flags().GetString("rail")
			rail, err := settlement.ParseRail(railName)
			if err != nil {
				return err
			}
			surface, _ := cmd.Flags().GetString("surface")

			w, e, err := wallet(cmd.Context())
			if err != nil {
				return err
			}
			s, err := e.Payments.Submit(cmd.Context(), w, settlement.QueryRequest{
				Surface:  surface,
				AgentID:  id,
				Question: strings.Join(args[1:], " "),
				Rail:     rail,
			})
			return printSession(s, err)
		},
	}
	cmd.Flags().String("rail", "direct", "Payment rail: direct or credit")
	cmd.Flags().String("surface", "", "Interaction surface (defaults to the wallet address)")
	return cmd
}

// buyCmd creates the buy command
func buyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buy <agent-id>",
		Short: "Buy an agent outright",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := api.ParseAgentID(args[0])
			if err != nil {
				return fmt.Errorf("invalid agent id: %w", err)
			}
			w, e, err := wallet(cmd.Context())
			if err != nil {
				return err
			}
			s, err := e.Purchases.Purchase(cmd.Context(), w, settlement.PurchaseRequest{AgentID: id})
			return printSession(s, err)
		},
	}
}

// creditsCmd creates the credits command group
func creditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Prepaid credit operations",
	}

	balanceCmd := &cobra.Command{
		Use:   "balance [address]",
		Short: "Show the credit and token balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			e, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			var addr common.Address
			switch {
			case len(args) == 1 && common.IsHexAddress(args[0]):
				addr = common.HexToAddress(args[0])
			case len(args) == 1:
				return fmt.Errorf("invalid address %q", args[0])
			case e.Wallet != nil:
				addr = e.Wallet.Address()
			default:
				return errors.New("no address given and no signing key configured")
			}

			cb, err := e.Reader.CreditBalance(ctx, addr)
			if err != nil {
				return fmt.Errorf("failed to get credit balance: %w", err)
			}
			tokens, err := e.Reader.TokenBalance(ctx, addr)
			if err != nil {
				return fmt.Errorf("failed to get token balance: %w", err)
			}

			result := map[string]interface{}{
				"address": addr.Hex(),
				"credits": cb.Credits,
				"tokens":  ledger.FormatValue(tokens),
			}
			if !cb.UpdatedAt.IsZero() {
				result["updated_at"] = cb.UpdatedAt.Format(time.RFC3339)
			}
			printJSON(result)
			return nil
		},
	}

	buyCmd := &cobra.Command{
		Use:   "buy <amount>",
		Short: "Buy credits for a token amount (e.g. 2.5)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := ledger.ParseValue(args[0])
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			w, e, err := wallet(cmd.Context())
			if err != nil {
				return err
			}
			s, err := e.Credits.TopUp(cmd.Context(), w, settlement.TopUpRequest{Amount: amount})
			return printSession(s, err)
		},
	}

	cmd.AddCommand(balanceCmd, buyCmd)
	return cmd
}

// analyticsCmd creates the analytics command group
func analyticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Reconciled analytics",
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild the aggregate from ledger history",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f reconcile.Filter
			ids, _ := cmd.Flags().GetStringSlice("agent")
			for _, raw := range ids {
				id, err := api.ParseAgentID(raw)
				if err != nil {
					return fmt.Errorf("invalid agent id %q: %w", raw, err)
				}
				f.Agents = append(f.Agents, id)
			}
			if creator, _ := cmd.Flags().GetString("creator"); creator != "" {
				if !common.IsHexAddress(creator) {
					return fmt.Errorf("invalid creator address %q", creator)
				}
				f.Creator = common.HexToAddress(creator)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			e, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			agg, err := e.Reconciler.Reconcile(ctx, f)
			if err != nil {
				return fmt.Errorf("reconciliation failed: %w", err)
			}
			printJSON(agg)
			return nil
		},
	}
	reconcileCmd.Flags().StringSlice("agent", nil, "Only these agent ids (repeatable)")
	reconcileCmd.Flags().String("creator", "", "Only agents by this creator")

	cmd.AddCommand(reconcileCmd)
	return cmd
}

// adminCmd creates the admin command group
func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify-integrity",
		Short: "Verify journaled proofs against ledger history",
		RunE: func(cmd *cobra.Command, args []string) error {
			grace, _ := cmd.Flags().GetDuration("grace")

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			e, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			db, err := journal.Open(ctx, cfg.PostgresURL)
			if err != nil {
				return err
			}
			defer db.Close()

			auditor := audit.NewAuditor(audit.FromReconciler(e.Reconciler), dbVerifier{db}, grace, log.Logger, nil)
			report, err := auditor.VerifyIntegrity(ctx)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}

			missing := []map[string]interface{}{}
			for _, d := range report.Missing {
				missing = append(missing, map[string]interface{}{
					"session_id": d.SessionID,
					"flow":       d.Flow,
					"tx_hash":    d.Proof,
					"ended_at":   d.EndedAt.Format(time.RFC3339),
				})
			}
			printJSON(map[string]interface{}{
				"checked":  report.Checked,
				"missing":  missing,
				"is_valid": len(report.Missing) == 0,
			})

			if len(report.Missing) > 0 {
				log.Warn().Msg("journal integrity check FAILED")
				return fmt.Errorf("%d journaled proofs missing from ledger", len(report.Missing))
			}
			log.Info().Msg("journal integrity verified")
			return nil
		},
	}
	verifyCmd.Flags().Duration("grace", audit.DefaultGrace, "Skip sessions that ended this recently")

	cmd.AddCommand(verifyCmd)
	return cmd
}

// dbVerifier verifies against a database without starting journal writers.
type dbVerifier struct{ db *sql.DB }

func (v dbVerifier) Verify(ctx context.Context, onLedger map[string]bool, cutoff time.Time) (*journal.Report, error) {
	return journal.Verify(ctx, v.db, onLedger, cutoff)
}

// Helpers

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func agentJSON(a ledger.Agent) map[string]interface{} {
	out := map[string]interface{}{
		"agent_id":    strconv.FormatUint(uint64(a.ID), 10),
		"creator":     a.Creator.Hex(),
		"owner":       a.Owner.Hex(),
		"is_active":   a.IsActive,
		"is_for_sale": a.IsForSale,
		"status":      reconcile.MarketStatus(a),
	}
	if a.PricePerQuery != nil {
		out["price_per_query"] = ledger.FormatValue(a.PricePerQuery)
	}
	if a.SalePrice != nil {
		out["sale_price"] = ledger.FormatValue(a.SalePrice)
	}
	return out
}

// printSession prints whatever session exists and returns err, so failed
// sessions still show their history and transactions.
func printSession(s *settlement.Session, err error) error {
	if s != nil {
		out := map[string]interface{}{
			"session_id": s.ID,
			"flow":       s.Flow.String(),
			"state":      s.State.String(),
			"agent_id":   strconv.FormatUint(uint64(s.AgentID), 10),
			"tx_hashes":  s.TxHashes(),
			"duration":   s.Duration().Round(time.Millisecond).String(),
		}
		history := make([]string, 0, len(s.History))
		for _, st := range s.History {
			history = append(history, st.String())
		}
		out["history"] = history
		if s.Amount != nil {
			out["amount"] = ledger.FormatValue(s.Amount)
		}
		if s.RequiredCredits > 0 {
			out["credits_before"] = s.CreditsBefore
			out["credits_after"] = s.CreditsAfter
		}
		if s.Proof != "" {
			out["proof"] = s.Proof
		}
		if s.Answer != "" {
			out["answer"] = s.Answer
		}
		if s.Reason != "" {
			out["reason"] = s.Reason
		}
		if s.Degraded {
			out["degraded"] = true
		}
		printJSON(out)
	}
	return err
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
