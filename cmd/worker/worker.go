package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/sms-broadcast/internal/app"
	"github.com/jmehdipour/sms-broadcast/internal/metrics"
	"github.com/jmehdipour/sms-broadcast/internal/scheduler"
	"github.com/jmehdipour/sms-broadcast/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewWorkerCmd returns the parent "worker" command. Each subcommand runs one window of a
// periodic operation, except events which consumes until interrupted.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.AddCommand(dispatchCmd, reconcileCmd, escalateCmd, relayCmd, eventsCmd)
	return cmd
}

func openApp(cmd *cobra.Command) (*app.App, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, log, err := app.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	metrics.MustRegister(prometheus.DefaultRegisterer)
	return app.New(cfg, log)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

var dispatchCmd = &cobra.Command{
	Use:       "dispatch <first|second>",
	Short:     "Drain one stage queue for one budget window",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"first", "second"},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		sum, err := a.Dispatcher.Run(ctx, args[0] == "second")
		a.Log.Info("dispatch window done",
			zap.String("stage", args[0]),
			zap.Int("sent", sum.Sent),
			zap.Int("retried", sum.Retried),
			zap.Int("dropped", sum.Dropped),
			zap.Int("suppressed", sum.Suppressed),
			zap.Bool("drained", sum.Drained),
		)
		return err
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [job-name]",
	Short: "Run one reconciliation pass (default reconcile-delivery)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := scheduler.NameReconcile
		if len(args) == 1 {
			name = args[0]
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		a.RegisterHandlers()
		return a.Scheduler.RunNow(cmd.Context(), name)
	},
}

var escalateCmd = &cobra.Command{
	Use:   "escalate",
	Short: "Close out recipients with repeated failed deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		res, err := a.Escalator.HandleFailedDeliveries(cmd.Context())
		a.Log.Info("escalation done", zap.Int("closed", res.Closed), zap.Int("failed", res.Failed), zap.Bool("done", res.Done))
		return err
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Move pending outbox jobs into the delivery queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		n, err := a.QueueSvc.Relay(cmd.Context())
		a.Log.Info("relay done", zap.Int("relayed", n))
		return err
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Consume recipient events (unsubscribe, resubscribe, reply)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		consumer, err := a.EventsConsumer()
		if err != nil {
			return err
		}
		defer func() { _ = consumer.Close() }()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		w := &worker.Events{
			Source:    consumer,
			Authors:   a.Authors,
			Statuses:  a.Statuses,
			Queue:     a.Queue,
			Log:       a.Log.Named("events"),
			DefaultCC: a.Cfg.Phone.DefaultCountryCode,
		}
		a.Log.Info("events worker started", zap.String("topic", a.Cfg.Kafka.EventsTopic))
		if err := w.Run(ctx); err != nil {
			return fmt.Errorf("events worker: %w", err)
		}
		return nil
	},
}
