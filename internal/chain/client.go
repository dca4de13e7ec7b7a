// Package chain wraps the Solana RPC methods the executor needs:
// balances, block height, transaction send and simulation, and signature
// status.
package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/atmx/conviction-engine/internal/ratelimit"
	"github.com/atmx/conviction-engine/internal/rpc"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// ErrSimulationFailed is returned when the node rejects a dry run.
var ErrSimulationFailed = errors.New("chain: simulation failed")

// Commitment levels reported by getSignatureStatuses.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// SignatureStatus is the confirmation state of one signature. Found is
// false while the node has not seen the transaction.
type SignatureStatus struct {
	Found              bool
	ConfirmationStatus string
	Err                json.RawMessage
}

// Confirmed reports whether the transaction landed at confirmed or
// finalized commitment.
func (s SignatureStatus) Confirmed() bool {
	return s.Found && (s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized)
}

// Failed reports whether the transaction landed with an error.
func (s SignatureStatus) Failed() bool {
	return s.Found && len(s.Err) > 0 && string(s.Err) != "null"
}

// Client issues chain RPC calls through a Caller.
type Client struct {
	rpc rpc.Caller
}

// NewClient creates a Client.
func NewClient(c rpc.Caller) *Client {
	return &Client{rpc: c}
}

// Balance returns the native balance of owner in SOL.
func (c *Client) Balance(ctx context.Context, prio ratelimit.Priority, owner string) (decimal.Decimal, error) {
	pk, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: balance: owner %q: %w", owner, err)
	}
	var lamports uint64
	err = c.rpc.Do(ctx, prio, "getBalance", func(ctx context.Context, cl *solrpc.Client) error {
		out, err := cl.GetBalance(ctx, pk, solrpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		lamports = out.Value
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: balance: %w", err)
	}
	return LamportsToSOL(lamports), nil
}

// BlockHeight returns the current block height.
func (c *Client) BlockHeight(ctx context.Context, prio ratelimit.Priority) (uint64, error) {
	var h uint64
	err := c.rpc.Do(ctx, prio, "getBlockHeight", func(ctx context.Context, cl *solrpc.Client) (err error) {
		h, err = cl.GetBlockHeight(ctx, solrpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("chain: block height: %w", err)
	}
	return h, nil
}

// SendTransaction submits a signed base64 transaction and returns its
// signature. The node is told not to retry; the executor owns retries.
func (c *Client) SendTransaction(ctx context.Context, prio ratelimit.Priority, tx string) (string, error) {
	var sig solana.Signature
	noRetries := uint(0)
	opts := solrpc.TransactionOpts{
		Encoding:      solana.EncodingBase64,
		SkipPreflight: true,
		MaxRetries:    &noRetries,
	}
	err := c.rpc.Do(ctx, prio, "sendTransaction", func(ctx context.Context, cl *solrpc.Client) (err error) {
		sig, err = cl.SendEncodedTransactionWithOpts(ctx, tx, opts)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("chain: send: %w", err)
	}
	return sig.String(), nil
}

// SimulateTransaction dry-runs a signed base64 transaction.
func (c *Client) SimulateTransaction(ctx context.Context, prio ratelimit.Priority, tx string) error {
	raw, err := base64.StdEncoding.DecodeString(tx)
	if err != nil {
		return fmt.Errorf("chain: simulate: decode: %w", err)
	}
	parsed, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return fmt.Errorf("chain: simulate: decode: %w", err)
	}
	var out *solrpc.SimulateTransactionResponse
	err = c.rpc.Do(ctx, prio, "simulateTransaction", func(ctx context.Context, cl *solrpc.Client) (err error) {
		out, err = cl.SimulateTransactionWithOpts(ctx, parsed, &solrpc.SimulateTransactionOpts{
			Commitment: solrpc.CommitmentProcessed,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("chain: simulate: %w", err)
	}
	if out != nil && out.Value != nil && out.Value.Err != nil {
		return fmt.Errorf("%w: %v", ErrSimulationFailed, out.Value.Err)
	}
	return nil
}

// SignatureStatus looks up the status of sig.
func (c *Client) SignatureStatus(ctx context.Context, prio ratelimit.Priority, sig string) (SignatureStatus, error) {
	parsed, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return SignatureStatus{}, fmt.Errorf("chain: signature status: %q: %w", sig, err)
	}
	var out *solrpc.GetSignatureStatusesResult
	err = c.rpc.Do(ctx, prio, "getSignatureStatuses", func(ctx context.Context, cl *solrpc.Client) (err error) {
		out, err = cl.GetSignatureStatuses(ctx, false, parsed)
		return err
	})
	if err != nil {
		return SignatureStatus{}, fmt.Errorf("chain: signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	v := out.Value[0]
	st := SignatureStatus{Found: true, ConfirmationStatus: string(v.ConfirmationStatus)}
	if v.Err != nil {
		if st.Err, err = json.Marshal(v.Err); err != nil {
			st.Err = json.RawMessage(`"undecodable error"`)
		}
	}
	return st, nil
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(l uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(l), -9)
}

// SOLToLamports converts SOL to lamports, truncating.
func SOLToLamports(sol decimal.Decimal) uint64 {
	if sol.IsNegative() {
		return 0
	}
	return sol.Shift(9).Truncate(0).BigInt().Uint64()
}
