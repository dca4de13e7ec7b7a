package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/conviction-engine/internal/asset"
	"github.com/atmx/conviction-engine/internal/signal"
)

// ErrPaperFunds is returned when the simulated wallet cannot cover a fill.
var ErrPaperFunds = errors.New("execution: paper wallet has insufficient funds")

// PaperWallet is the simulated wallet used in paper mode.
type PaperWallet struct {
	mu     sync.Mutex
	sol    decimal.Decimal
	tokens map[string]decimal.Decimal
}

// NewPaperWallet creates a wallet holding sol.
func NewPaperWallet(sol decimal.Decimal) *PaperWallet {
	return &PaperWallet{sol: sol, tokens: make(map[string]decimal.Decimal)}
}

// SOL returns the simulated SOL balance.
func (w *PaperWallet) SOL() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sol
}

// Tokens returns the simulated token balance of mint.
func (w *PaperWallet) Tokens(mint string) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokens[mint]
}

// Buy debits sol and credits tokens of mint.
func (w *PaperWallet) Buy(mint string, sol, tokens decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sol.GreaterThan(w.sol) {
		return fmt.Errorf("%w: need %s SOL, have %s", ErrPaperFunds, sol, w.sol)
	}
	w.sol = w.sol.Sub(sol)
	w.tokens[mint] = w.tokens[mint].Add(tokens)
	return nil
}

// Sell debits tokens of mint and credits sol.
func (w *PaperWallet) Sell(mint string, tokens, sol decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	held := w.tokens[mint]
	if tokens.GreaterThan(held) {
		return fmt.Errorf("%w: need %s tokens, have %s", ErrPaperFunds, tokens, held)
	}
	if rest := held.Sub(tokens); rest.IsZero() {
		delete(w.tokens, mint)
	} else {
		w.tokens[mint] = rest
	}
	w.sol = w.sol.Add(sol)
	return nil
}

// Pricer is the price lookup FeedQuoter needs.
type Pricer interface {
	GetPrice(ctx context.Context, asset string) (signal.PriceQuote, error)
}

// FeedQuoter is a SwapBuilder for paper mode that prices swaps from the
// price feed and builds placeholder transactions.
type FeedQuoter struct {
	prices Pricer
}

// NewFeedQuoter creates a FeedQuoter.
func NewFeedQuoter(p Pricer) *FeedQuoter {
	return &FeedQuoter{prices: p}
}

// Quote converts between SOL and the token using USD prices of both.
func (q *FeedQuoter) Quote(ctx context.Context, req SwapRequest) (Quote, error) {
	token := req.OutputMint
	if token == asset.NativeMint {
		token = req.InputMint
	}
	solUSD, err := q.price(ctx, asset.NativeMint)
	if err != nil {
		return Quote{}, err
	}
	tokenUSD, err := q.price(ctx, token)
	if err != nil {
		return Quote{}, err
	}

	out := req.Amount.Mul(solUSD).Div(tokenUSD)
	if req.InputMint != asset.NativeMint {
		out = req.Amount.Mul(tokenUSD).Div(solUSD)
	}
	return Quote{InAmount: req.Amount, OutAmount: out, PriceUSD: tokenUSD}, nil
}

// Build returns a placeholder transaction.
func (q *FeedQuoter) Build(context.Context, SwapRequest, Quote) (BuiltTx, error) {
	return BuiltTx{Transaction: "paper:" + uuid.NewString()}, nil
}

func (q *FeedQuoter) price(ctx context.Context, mint string) (decimal.Decimal, error) {
	p, err := q.prices.GetPrice(ctx, mint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", mint, err)
	}
	if p.PriceUSD <= 0 {
		return decimal.Zero, fmt.Errorf("price %s: %w", mint, signal.ErrNoData)
	}
	return decimal.NewFromFloat(p.PriceUSD), nil
}
