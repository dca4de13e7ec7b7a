// Package execution turns approved entry decisions and exit requests into
// swaps: validate, quote and build, optionally simulate, send, and confirm
// against the transaction's block-height validity window, with a bounded
// number of attempts and a rising priority fee.
//
// A paper mode runs the same path but replaces send and confirm with a
// synthetic fill against a simulated wallet.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/conviction-engine/internal/asset"
	"github.com/atmx/conviction-engine/internal/chain"
	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/ratelimit"
)

// Config holds executor limits and fee policy.
type Config struct {
	TradingEnabled    bool            `yaml:"trading_enabled"`
	Paper             bool            `yaml:"paper"`
	Simulate          bool            `yaml:"simulate"`
	Wallet            string          `yaml:"wallet"`
	MaxAttempts       int             `yaml:"max_attempts"`
	RetryDelay        time.Duration   `yaml:"retry_delay"`
	BasePriorityFee   uint64          `yaml:"base_priority_fee"`
	MaxPriorityFee    uint64          `yaml:"max_priority_fee"`
	SlippageBps       int             `yaml:"slippage_bps"`
	UrgentSlippageBps int             `yaml:"urgent_slippage_bps"`
	MinBalanceSOL     decimal.Decimal `yaml:"min_balance_sol"`
	DustSOL           decimal.Decimal `yaml:"dust_sol"`
	ConfirmPoll       time.Duration   `yaml:"confirm_poll"`
	AttemptTimeout    time.Duration   `yaml:"attempt_timeout"`
	PaperBalanceSOL   decimal.Decimal `yaml:"paper_balance_sol"`
}

// DefaultConfig returns the default execution policy. Trading starts
// disabled.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       2,
		RetryDelay:        2 * time.Second,
		BasePriorityFee:   100_000,
		MaxPriorityFee:    2_000_000,
		SlippageBps:       300,
		UrgentSlippageBps: 1000,
		MinBalanceSOL:     decimal.RequireFromString("0.05"),
		DustSOL:           decimal.RequireFromString("0.01"),
		ConfirmPoll:       500 * time.Millisecond,
		AttemptTimeout:    30 * time.Second,
		PaperBalanceSOL:   decimal.NewFromInt(10),
	}
}

// Executor is safe for concurrent use.
type Executor struct {
	cfg     Config
	builder SwapBuilder
	chain   Chain
	kill    KillFlag
	paper   *PaperWallet
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// New creates an executor. With trading enabled a swap builder is
// required, and outside paper mode a chain client is too.
func New(cfg Config, builder SwapBuilder, ch Chain, kill KillFlag, logger *slog.Logger) (*Executor, error) {
	if cfg.TradingEnabled && (builder == nil || (!cfg.Paper && ch == nil)) {
		return nil, ErrNoExecutionCapability
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = DefaultConfig().ConfirmPoll
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		cfg:     cfg,
		builder: builder,
		chain:   ch,
		kill:    kill,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	if cfg.Paper {
		e.paper = NewPaperWallet(cfg.PaperBalanceSOL)
	}
	return e, nil
}

// Paper returns the simulated wallet, or nil in live mode.
func (e *Executor) Paper() *PaperWallet { return e.paper }

// PriorityFee returns the priority fee for a 1-based attempt number.
// Fees double per attempt from the base, urgent orders start at twice the
// base, and the result is capped.
func (e *Executor) PriorityFee(attempt int, urgent bool) uint64 {
	fee := e.cfg.BasePriorityFee
	if urgent {
		fee *= 2
	}
	for i := 1; i < attempt; i++ {
		fee *= 2
	}
	if e.cfg.MaxPriorityFee > 0 && fee > e.cfg.MaxPriorityFee {
		fee = e.cfg.MaxPriorityFee
	}
	return fee
}

// Balance returns the spendable SOL balance of the trading wallet.
func (e *Executor) Balance(ctx context.Context) (decimal.Decimal, error) {
	if e.paper != nil {
		return e.paper.SOL(), nil
	}
	if e.chain == nil {
		return decimal.Zero, ErrNoExecutionCapability
	}
	return e.chain.Balance(ctx, ratelimit.PriorityExecution, e.cfg.Wallet)
}

// ExecuteBuy spends decision.PositionSizePct percent of the balance on
// the decision's asset.
func (e *Executor) ExecuteBuy(ctx context.Context, d model.EntryDecision) (res Result) {
	start := e.now()
	res = Result{ID: uuid.NewString(), Side: SideBuy, Asset: d.Asset, Paper: e.paper != nil, At: start}
	defer e.finish(&res, start)

	if err := e.validateBuy(d); err != nil {
		return fail(res, FailureValidation, err)
	}
	bal, err := e.Balance(ctx)
	if err != nil {
		return fail(res, FailureTransient, fmt.Errorf("balance: %w", err))
	}
	if bal.LessThan(e.cfg.MinBalanceSOL) {
		return fail(res, FailureValidation, fmt.Errorf("%w: %s SOL", ErrInsufficientBalance, bal))
	}
	size := bal.Mul(decimal.NewFromFloat(d.PositionSizePct)).Div(decimal.NewFromInt(100))
	if size.LessThan(e.cfg.DustSOL) {
		return fail(res, FailureValidation, fmt.Errorf("%w: %s SOL", ErrBelowDust, size))
	}

	req := SwapRequest{
		Owner:       e.cfg.Wallet,
		InputMint:   asset.NativeMint,
		OutputMint:  d.Asset,
		Amount:      size,
		SlippageBps: e.cfg.SlippageBps,
	}
	return e.run(ctx, res, req, false)
}

// ExecuteSell sells req.Amount tokens of req.Asset. Sells are never
// blocked by the kill switch.
func (e *Executor) ExecuteSell(ctx context.Context, req SellRequest) (res Result) {
	start := e.now()
	res = Result{ID: uuid.NewString(), Side: SideSell, Asset: req.Asset, Paper: e.paper != nil, At: start}
	defer e.finish(&res, start)

	if e.builder == nil {
		return fail(res, FailureValidation, ErrNoExecutionCapability)
	}
	if _, err := asset.ParseAddress(req.Asset); err != nil {
		return fail(res, FailureValidation, err)
	}
	if !req.Amount.IsPositive() {
		return fail(res, FailureValidation, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount))
	}

	urgent := req.Reason.Urgent()
	slip := e.cfg.SlippageBps
	if urgent {
		slip = e.cfg.UrgentSlippageBps
	}
	swap := SwapRequest{
		Owner:       e.cfg.Wallet,
		InputMint:   req.Asset,
		OutputMint:  asset.NativeMint,
		Amount:      req.Amount,
		SlippageBps: slip,
	}
	return e.run(ctx, res, swap, urgent)
}

func (e *Executor) validateBuy(d model.EntryDecision) error {
	if e.builder == nil {
		return ErrNoExecutionCapability
	}
	if !e.cfg.TradingEnabled {
		return ErrTradingDisabled
	}
	if !d.ShouldEnter || d.Reason != model.ReasonApproved || d.PositionSizePct <= 0 {
		return fmt.Errorf("%w: %s", ErrNotApproved, d.Reason)
	}
	if _, err := asset.ParseAddress(d.Asset); err != nil {
		return err
	}
	return nil
}

// run drives the attempt loop. Validation and kill failures end it
// immediately; transient failures are retried up to MaxAttempts.
func (e *Executor) run(ctx context.Context, res Result, req SwapRequest, urgent bool) Result {
	res.AmountIn = req.Amount
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
		req.PriorityFee = e.PriorityFee(attempt, urgent)
		res.Attempts = attempt
		res.Fees = append(res.Fees, req.PriorityFee)

		fill, err := e.attempt(ctx, req, res.Side)
		if err == nil {
			res.Success = true
			res.Signature = fill.signature
			res.AmountOut = fill.out
			res.PriceUSD = fill.price
			return res
		}
		lastErr = err
		if errors.Is(err, ErrKilled) {
			return fail(res, FailureKilled, err)
		}
		if errors.Is(err, ErrConfirmUnknown) {
			// A resend could fill twice.
			res.Signature = fill.signature
			e.logger.Error("transaction outcome unknown, not resending",
				"side", res.Side,
				"asset", res.Asset,
				"signature", fill.signature,
				"err", err,
			)
			return fail(res, FailureTransient, err)
		}
		e.logger.Warn("execution attempt failed",
			"side", res.Side,
			"asset", res.Asset,
			"attempt", attempt,
			"priority_fee", req.PriorityFee,
			"err", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return fail(res, FailureTransient, lastErr)
}

type fill struct {
	signature string
	out       decimal.Decimal
	price     decimal.Decimal
}

// attempt quotes, builds and sends under AttemptTimeout. Confirmation
// runs on the parent context: once a transaction is out, only its expiry
// may lead to another send.
func (e *Executor) attempt(parent context.Context, req SwapRequest, side Side) (f fill, err error) {
	ctx, cancel := context.WithTimeout(parent, e.cfg.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution: panic: %v", r)
		}
	}()

	q, err := e.builder.Quote(ctx, req)
	if err != nil {
		return fill{}, fmt.Errorf("quote: %w", err)
	}
	tx, err := e.builder.Build(ctx, req, q)
	if err != nil {
		return fill{}, fmt.Errorf("build: %w", err)
	}

	if e.paper == nil && e.cfg.Simulate {
		if err := e.chain.SimulateTransaction(ctx, ratelimit.PriorityExecution, tx.Transaction); err != nil {
			return fill{}, err
		}
	}

	// Last point before the order leaves the process.
	if side == SideBuy && e.kill != nil && e.kill.Killed() {
		return fill{}, ErrKilled
	}

	if e.paper != nil {
		return e.paperFill(req, q, side)
	}

	sig, err := e.chain.SendTransaction(ctx, ratelimit.PriorityExecution, tx.Transaction)
	if err != nil {
		return fill{}, err
	}
	if err := e.confirm(parent, sig, tx.LastValidBlockHeight); err != nil {
		return fill{signature: sig}, fmt.Errorf("confirm %s: %w", sig, err)
	}
	return fill{signature: sig, out: q.OutAmount, price: q.PriceUSD}, nil
}

// confirm polls the signature until it is confirmed, fails on chain, or
// the block height passes lastValid. Without a validity window the wait
// is capped by AttemptTimeout and ends in ErrConfirmUnknown; so does a
// cancelled ctx while the transaction may still land.
func (e *Executor) confirm(ctx context.Context, sig string, lastValid uint64) error {
	if lastValid == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}
	for {
		st, err := e.signatureStatus(ctx, sig)
		if err == nil {
			if st.Failed() {
				return fmt.Errorf("execution: %s: %s", sig, st.Err)
			}
			if st.Confirmed() {
				return nil
			}
		}
		if lastValid > 0 {
			h, err := e.blockHeight(ctx)
			if err == nil && h > lastValid {
				return ErrNotConfirmed
			}
		}
		if err := e.sleep(ctx, e.cfg.ConfirmPoll); err != nil {
			return fmt.Errorf("%w: %w", ErrConfirmUnknown, err)
		}
	}
}

func (e *Executor) signatureStatus(ctx context.Context, sig string) (chain.SignatureStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	return e.chain.SignatureStatus(ctx, ratelimit.PriorityExecution, sig)
}

func (e *Executor) blockHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	return e.chain.BlockHeight(ctx, ratelimit.PriorityExecution)
}

func (e *Executor) paperFill(req SwapRequest, q Quote, side Side) (fill, error) {
	slip := decimal.NewFromInt(int64(req.SlippageBps)).Div(decimal.NewFromInt(10_000))
	one := decimal.NewFromInt(1)
	sig := "paper-" + uuid.NewString()

	switch side {
	case SideBuy:
		price := q.PriceUSD.Mul(one.Add(slip))
		out := q.OutAmount.Div(one.Add(slip))
		if err := e.paper.Buy(req.OutputMint, req.Amount, out); err != nil {
			return fill{}, err
		}
		return fill{signature: sig, out: out, price: price}, nil
	default:
		price := q.PriceUSD.Mul(one.Sub(slip))
		out := q.OutAmount.Mul(one.Sub(slip))
		if err := e.paper.Sell(req.InputMint, req.Amount, out); err != nil {
			return fill{}, err
		}
		return fill{signature: sig, out: out, price: price}, nil
	}
}

func (e *Executor) finish(res *Result, start time.Time) {
	if r := recover(); r != nil {
		*res = fail(*res, FailureValidation, fmt.Errorf("execution: panic: %v", r))
	}
	res.Latency = e.now().Sub(start)

	outcome := "success"
	if !res.Success {
		outcome = string(res.Failure)
	}
	side := string(res.Side)
	metrics.ExecutionsTotal.WithLabelValues(side, outcome).Inc()
	metrics.ExecutionLatency.WithLabelValues(side).Observe(res.Latency.Seconds())
	if res.Attempts > 0 {
		metrics.ExecutionAttempts.WithLabelValues(side).Observe(float64(res.Attempts))
	}

	attrs := []any{
		"id", res.ID,
		"side", res.Side,
		"asset", res.Asset,
		"paper", res.Paper,
		"attempts", res.Attempts,
		"latency_ms", res.Latency.Milliseconds(),
	}
	if res.Success {
		e.logger.Info("execution succeeded", append(attrs,
			"signature", res.Signature,
			"amount_in", res.AmountIn.String(),
			"amount_out", res.AmountOut.String(),
			"price_usd", res.PriceUSD.String(),
		)...)
		return
	}
	e.logger.Warn("execution failed", append(attrs, "failure", res.Failure, "err", res.Error)...)
}

func fail(res Result, kind FailureKind, err error) Result {
	res.Success = false
	res.Failure = kind
	res.Err = err
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
