package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/conviction-engine/internal/chain"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/ratelimit"
)

var (
	ErrNoExecutionCapability = errors.New("execution: no execution capability configured")
	ErrTradingDisabled       = errors.New("execution: trading disabled")
	ErrNotApproved           = errors.New("execution: decision not approved")
	ErrInsufficientBalance   = errors.New("execution: balance below floor")
	ErrBelowDust             = errors.New("execution: order size below dust threshold")
	ErrInvalidAmount         = errors.New("execution: invalid amount")
	ErrKilled                = errors.New("execution: kill switch active")
	ErrNotConfirmed          = errors.New("execution: transaction not confirmed within validity window")
	ErrConfirmUnknown        = errors.New("execution: transaction sent but outcome unknown")
)

// FailureKind classifies a failed execution.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureValidation FailureKind = "VALIDATION"
	FailureTransient  FailureKind = "TRANSIENT"
	FailureKilled     FailureKind = "KILLED"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Result is what ExecuteBuy and ExecuteSell return, success or not.
type Result struct {
	ID        string          `json:"id"`
	Side      Side            `json:"side"`
	Asset     string          `json:"asset"`
	Success   bool            `json:"success"`
	Paper     bool            `json:"paper"`
	Signature string          `json:"signature,omitempty"`
	AmountIn  decimal.Decimal `json:"amount_in"`  // SOL for buys, tokens for sells
	AmountOut decimal.Decimal `json:"amount_out"` // tokens for buys, SOL for sells
	PriceUSD  decimal.Decimal `json:"price_usd"`  // fill price per token
	Failure   FailureKind     `json:"failure,omitempty"`
	Error     string          `json:"error,omitempty"`
	Err       error           `json:"-"`
	Attempts  int             `json:"attempts"`
	Fees      []uint64        `json:"priority_fees"` // micro-lamports per compute unit, per attempt
	Latency   time.Duration   `json:"latency"`
	At        time.Time       `json:"at"`
}

// SellRequest asks for tokens of an open position to be sold.
type SellRequest struct {
	PositionID string
	Asset      string
	Amount     decimal.Decimal // tokens
	Reason     model.ExitReason
}

// SwapRequest is handed to the swap builder.
type SwapRequest struct {
	Owner       string          `json:"owner"`
	InputMint   string          `json:"input_mint"`
	OutputMint  string          `json:"output_mint"`
	Amount      decimal.Decimal `json:"amount"` // input units: SOL or tokens
	SlippageBps int             `json:"slippage_bps"`
	PriorityFee uint64          `json:"priority_fee"`
}

// Quote is a priced route for a swap.
type Quote struct {
	InAmount       decimal.Decimal `json:"in_amount"`
	OutAmount      decimal.Decimal `json:"out_amount"`
	PriceUSD       decimal.Decimal `json:"price_usd"` // per token of the non-native side
	PriceImpactPct float64         `json:"price_impact_pct"`
}

// BuiltTx is a signed transaction ready to send.
type BuiltTx struct {
	Transaction          string `json:"transaction"` // base64
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
}

// SwapBuilder quotes and builds signed swap transactions. Route finding
// and signing live behind this interface.
type SwapBuilder interface {
	Quote(ctx context.Context, req SwapRequest) (Quote, error)
	Build(ctx context.Context, req SwapRequest, q Quote) (BuiltTx, error)
}

// Chain is the subset of chain.Client the executor uses.
type Chain interface {
	Balance(ctx context.Context, p ratelimit.Priority, owner string) (decimal.Decimal, error)
	BlockHeight(ctx context.Context, p ratelimit.Priority) (uint64, error)
	SendTransaction(ctx context.Context, p ratelimit.Priority, tx string) (string, error)
	SimulateTransaction(ctx context.Context, p ratelimit.Priority, tx string) error
	SignatureStatus(ctx context.Context, p ratelimit.Priority, sig string) (chain.SignatureStatus, error)
}

// KillFlag reports whether the emergency halt has been triggered.
type KillFlag interface {
	Killed() bool
}
