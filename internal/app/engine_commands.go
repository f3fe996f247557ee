package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-sentinel/internal/engine"
)

func (s *runtimeState) newTickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Evaluate every active trigger of the session once",
		RunE: func(cmd *cobra.Command, args []string) error {
			session := s.settings.Session
			report, err := s.engine.Tick(cmd.Context(), session)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), session, report)
		},
	}
}

func (s *runtimeState) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the session is idle, armed or running",
		RunE: func(cmd *cobra.Command, args []string) error {
			session := s.settings.Session
			status, err := s.engine.Status(cmd.Context(), session)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), session, status)
		},
	}
}

type runSummary struct {
	SessionsTicked int  `json:"sessions_ticked,omitempty"`
	Stopped        bool `json:"stopped"`
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tick sessions as their alarms come due until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched := engine.NewScheduler(s.engine, s.settings.SweepInterval, s.settings.MaxConcurrentSessions)
			if once {
				n := sched.RunOnce(cmd.Context())
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), "", runSummary{SessionsTicked: n})
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := sched.Run(ctx); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), "", runSummary{Stopped: true})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Tick every due session once and exit")
	return cmd
}

func (s *runtimeState) newLimitsCommand() *cobra.Command {
	var wallet string
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Show risk limits and what a wallet has left today",
		RunE: func(cmd *cobra.Command, args []string) error {
			session := s.settings.Session
			view, err := s.engine.WalletLimits(cmd.Context(), session, s.wallet(wallet))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), session, view)
		},
	}
	cmd.Flags().StringVar(&wallet, "wallet", "", "Wallet to report counters for (defaults to configured wallet)")
	return cmd
}
