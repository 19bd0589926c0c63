package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrow-service/config"
	"escrow-service/internal/broker"
	"escrow-service/internal/gateway"
	"escrow-service/internal/redisclient"
	"escrow-service/internal/service"
	"escrow-service/internal/store"
	"escrow-service/internal/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate on the escrow ledger outside the HTTP service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(transitionCmd("release", "Release held escrow for an order to its vendors"))
	rootCmd.AddCommand(transitionCmd("refund", "Refund held escrow for an order to its buyer"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the dependencies a command needs
type app struct {
	cfg      *config.Config
	db       *store.Store
	redis    *redisclient.Client
	producer *broker.Producer
	engine   *service.SettlementEngine
	payments *service.PaymentService
}

func newApp() (*app, error) {
	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db}

	var mirror service.StockMirror
	if rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		util.GetLogger().Warn("Redis unavailable; stock mirror will not be updated", zap.Error(err))
	} else {
		a.redis = rc
		mirror = rc
	}

	a.producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	publisher := broker.NewEventPublisher(a.producer)
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey, cfg.Gateway.Timeout)

	a.engine = service.NewSettlementEngine(db, service.NewInventoryAdjuster(db, db, mirror), publisher)
	a.payments = service.NewPaymentService(db, gw, a.engine)
	return a, nil
}

func (a *app) close() {
	a.producer.Close()
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
	util.SyncLogger()
}

func reconcileCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle unpaid orders whose gateway transaction has succeeded",
		Long: `Re-verify pending orders that opened a gateway session more than
--older-than ago and settle every one the gateway reports as paid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if !cmd.Flags().Changed("older-than") {
				olderThan = a.cfg.Reconcile.OlderThan
			}
			if !cmd.Flags().Changed("limit") {
				limit = a.cfg.Reconcile.Limit
			}

			report, err := a.payments.Reconcile(cmd.Context(), olderThan, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "Only orders whose checkout started before this long ago")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum orders to examine")

	return cmd
}

func transitionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [order-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			fn := a.engine.Release
			if action == "refund" {
				fn = a.engine.Refund
			}

			outcome, err := fn(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd, map[string]string{"order_id": args[0], "outcome": string(outcome)}); err != nil {
				return err
			}
			if outcome == service.OutcomeRejected {
				return fmt.Errorf("%s rejected: order %s has no held escrow", action, args[0])
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
