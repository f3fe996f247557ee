package app

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-sentinel/internal/engine"
	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/trigger"
)

type swapArgs struct {
	amount    float64
	fromToken string
	toToken   string
	fromPrice float64
	chain     string
}

func (a swapArgs) set() bool {
	return a.amount != 0 || a.toToken != "" || a.fromToken != "" || a.chain != ""
}

func (a swapArgs) autoSwap(token string) *trigger.AutoSwap {
	from := a.fromToken
	if strings.TrimSpace(from) == "" {
		from = token
	}
	return &trigger.AutoSwap{
		AmountIn:          a.amount,
		FromToken:         from,
		ToToken:           a.toToken,
		FromTokenPriceUSD: a.fromPrice,
		Chain:             a.chain,
	}
}

func bindSwapFlags(cmd *cobra.Command, a *swapArgs) {
	cmd.Flags().Float64Var(&a.amount, "amount", 0, "Amount of the sold token to swap when the trigger fires")
	cmd.Flags().StringVar(&a.fromToken, "from-token", "", "Token to sell (defaults to --token)")
	cmd.Flags().StringVar(&a.toToken, "to-token", "", "Token to buy")
	cmd.Flags().Float64Var(&a.fromPrice, "from-price", 0, "USD price of the sold token for risk sizing (defaults to the oracle price)")
	cmd.Flags().StringVar(&a.chain, "chain", "", "Chain to execute on (name, chain id or CAIP-2)")
}

func (s *runtimeState) newTriggersCommand() *cobra.Command {
	root := &cobra.Command{Use: "triggers", Short: "Create, cancel and inspect triggers"}
	create := &cobra.Command{Use: "create", Short: "Create a trigger"}
	create.AddCommand(s.newPriceAlertCommand())
	create.AddCommand(s.newThresholdSwapCommand(trigger.KindStopLoss, "stop-loss", "Sell when the price falls below a target"))
	create.AddCommand(s.newThresholdSwapCommand(trigger.KindTakeProfit, "take-profit", "Sell when the price rises above a target"))
	create.AddCommand(s.newDCACommand())
	root.AddCommand(create)
	root.AddCommand(s.newCancelCommand())
	root.AddCommand(s.newListCommand())
	return root
}

func (s *runtimeState) newPriceAlertCommand() *cobra.Command {
	var (
		token     string
		condition string
		target    float64
		wallet    string
		swap      swapArgs
	)
	cmd := &cobra.Command{
		Use:     "price-alert",
		Aliases: []string{"alert"},
		Short:   "Notify once when a price crosses a target, optionally swapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := trigger.Request{
				Kind:           trigger.KindPriceAlert,
				Token:          token,
				Condition:      trigger.Condition(condition),
				TargetPriceUSD: target,
			}
			if swap.set() {
				req.AutoSwap = swap.autoSwap(token)
				req.Wallet = s.wallet(wallet)
			}
			return s.createTrigger(cmd, req)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Oracle token id, e.g. coingecko:ethereum or base:0x...")
	cmd.Flags().StringVar(&condition, "condition", "", "above or below")
	cmd.Flags().Float64Var(&target, "target", 0, "Target price in USD")
	cmd.Flags().StringVar(&wallet, "wallet", "", "Wallet that executes the optional swap")
	bindSwapFlags(cmd, &swap)
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("condition")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func (s *runtimeState) newThresholdSwapCommand(kind trigger.Kind, use, short string) *cobra.Command {
	var (
		token      string
		target     float64
		wallet     string
		maxRetries int
		swap       swapArgs
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.createTrigger(cmd, trigger.Request{
				Kind:           kind,
				Token:          token,
				TargetPriceUSD: target,
				Wallet:         s.wallet(wallet),
				MaxRetries:     maxRetries,
				AutoSwap:       swap.autoSwap(token),
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Oracle token id whose price is watched")
	cmd.Flags().Float64Var(&target, "target", 0, "Target price in USD")
	cmd.Flags().StringVar(&wallet, "wallet", "", "Wallet that executes the swap (defaults to configured wallet)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Failed executions allowed before giving up")
	bindSwapFlags(cmd, &swap)
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("to-token")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func (s *runtimeState) newDCACommand() *cobra.Command {
	var (
		token      string
		fromToken  string
		amount     float64
		chain      string
		interval   time.Duration
		startAt    string
		total      int
		wallet     string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "dca",
		Short: "Buy a fixed amount on a recurring interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := trigger.Request{
				Kind:              trigger.KindDCA,
				Token:             token,
				FromToken:         fromToken,
				AmountPerPurchase: amount,
				Chain:             chain,
				Interval:          interval,
				Wallet:            s.wallet(wallet),
				MaxRetries:        maxRetries,
			}
			if strings.TrimSpace(startAt) != "" {
				at, err := time.Parse(time.RFC3339, startAt)
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "parse --start-at", err)
				}
				req.StartAt = at
			}
			if cmd.Flags().Changed("total") {
				req.TotalPurchases = &total
			}
			return s.createTrigger(cmd, req)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Token to buy")
	cmd.Flags().StringVar(&fromToken, "from-token", "", "Token spent on each purchase")
	cmd.Flags().Float64Var(&amount, "amount", 0, "Amount of --from-token spent per purchase")
	cmd.Flags().StringVar(&chain, "chain", "", "Chain to execute on")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Time between purchases, e.g. 24h")
	cmd.Flags().StringVar(&startAt, "start-at", "", "First purchase time (RFC3339); defaults to now")
	cmd.Flags().IntVar(&total, "total", 0, "Number of purchases before the schedule completes (unbounded when unset)")
	cmd.Flags().StringVar(&wallet, "wallet", "", "Wallet that executes the purchases (defaults to configured wallet)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Consecutive failed purchases allowed before giving up")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("from-token")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("interval")
	return cmd
}

func (s *runtimeState) createTrigger(cmd *cobra.Command, req trigger.Request) error {
	session := s.settings.Session
	t, err := s.engine.CreateTrigger(cmd.Context(), session, req)
	if err != nil {
		return err
	}
	if t.AutoExecutes() && strings.TrimSpace(s.settings.GatewayURL) == "" {
		s.warn("gateway url is not configured; swaps will fail until gateway.url or SENTINEL_GATEWAY_URL is set")
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), session, t)
}

func (s *runtimeState) newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <trigger-id>",
		Short: "Deactivate a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := s.settings.Session
			t, err := s.engine.CancelTrigger(cmd.Context(), session, args[0])
			if err != nil {
				return err
			}
			if t.Outcome != trigger.OutcomeCancelled {
				s.warn("trigger was already inactive with outcome " + string(t.Outcome))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), session, t)
		},
	}
}

func (s *runtimeState) newListCommand() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers with an explanation of their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			session := s.settings.Session
			views, err := s.engine.ListTriggers(cmd.Context(), session)
			if err != nil {
				return err
			}
			if activeOnly {
				kept := make([]engine.TriggerView, 0, len(views))
				for _, v := range views {
					if v.Trigger.Active {
						kept = append(kept, v)
					}
				}
				views = kept
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), session, views)
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list active triggers")
	return cmd
}

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List executions, fired alerts and terminal failures, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be positive")
			}
			session := s.settings.Session
			history, err := s.engine.ListHistory(cmd.Context(), session, limit)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), session, history)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to return")
	return cmd
}

func (s *runtimeState) wallet(flag string) string {
	if strings.TrimSpace(flag) != "" {
		return flag
	}
	return s.settings.Wallet
}
