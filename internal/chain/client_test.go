package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/ratelimit"
	"github.com/atmx/conviction-engine/internal/rpc"
)

const owner = "So11111111111111111111111111111111111111112"

// node answers each JSON-RPC method with a canned result.
type node struct {
	mu      sync.Mutex
	results map[string]string
	calls   []string
	params  map[string]json.RawMessage
}

func newNode(t *testing.T, results map[string]string) (*node, *Client) {
	t.Helper()
	n := &node{results: results, params: map[string]json.RawMessage{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		n.mu.Lock()
		n.calls = append(n.calls, req.Method)
		n.params[req.Method] = req.Params
		result, ok := n.results[req.Method]
		n.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)

	pool, err := rpc.NewPool(rpc.Config{Endpoints: []string{srv.URL}}, nil, nil)
	require.NoError(t, err)
	return n, NewClient(pool)
}

type memo struct{ payer solana.PublicKey }

func (m memo) ProgramID() solana.PublicKey { return solana.MemoProgramID }
func (m memo) Accounts() []*solana.AccountMeta {
	return []*solana.AccountMeta{solana.Meta(m.payer).SIGNER().WRITE()}
}
func (m memo) Data() ([]byte, error) { return []byte("entry"), nil }

// signedTx returns a signed base64 transaction.
func signedTx(t *testing.T) string {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	payer := key.PublicKey()
	tx, err := solana.NewTransaction([]solana.Instruction{memo{payer: payer}}, solana.Hash{1}, solana.TransactionPayer(payer))
	require.NoError(t, err)
	_, err = tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(payer) {
			return &key
		}
		return nil
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestBalance(t *testing.T) {
	_, c := newNode(t, map[string]string{
		"getBalance": `{"context":{"slot":1},"value":1500000000}`,
	})
	bal, err := c.Balance(context.Background(), ratelimit.PriorityExecution, owner)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromFloat(1.5)), bal.String())
}

func TestBalance_RejectsBadOwner(t *testing.T) {
	n, c := newNode(t, nil)
	_, err := c.Balance(context.Background(), ratelimit.PriorityExecution, "not-a-key")
	assert.Error(t, err)
	assert.Empty(t, n.calls)
}

func TestBlockHeight(t *testing.T) {
	_, c := newNode(t, map[string]string{"getBlockHeight": `123456`})
	h, err := c.BlockHeight(context.Background(), ratelimit.PriorityExecution)
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), h)
}

func TestSignatureStatus(t *testing.T) {
	sig := solana.Signature{7, 7, 7}.String()
	tests := []struct {
		name      string
		raw       string
		found     bool
		confirmed bool
		failed    bool
	}{
		{"unknown", `{"context":{"slot":1},"value":[null]}`, false, false, false},
		{"processed", `{"context":{"slot":1},"value":[{"slot":1,"confirmations":0,"confirmationStatus":"processed","err":null}]}`, true, false, false},
		{"confirmed", `{"context":{"slot":1},"value":[{"slot":1,"confirmations":1,"confirmationStatus":"confirmed","err":null}]}`, true, true, false},
		{"failed", `{"context":{"slot":1},"value":[{"slot":1,"confirmations":1,"confirmationStatus":"confirmed","err":{"InstructionError":[0,"Custom"]}}]}`, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newNode(t, map[string]string{"getSignatureStatuses": tt.raw})
			st, err := c.SignatureStatus(context.Background(), ratelimit.PriorityExecution, sig)
			require.NoError(t, err)
			assert.Equal(t, tt.found, st.Found)
			assert.Equal(t, tt.confirmed, st.Confirmed())
			assert.Equal(t, tt.failed, st.Failed())
		})
	}
}

func TestSendTransaction_DisablesNodeRetries(t *testing.T) {
	sig := solana.Signature{9, 9}.String()
	n, c := newNode(t, map[string]string{"sendTransaction": `"` + sig + `"`})
	tx := signedTx(t)

	got, err := c.SendTransaction(context.Background(), ratelimit.PriorityExecution, tx)
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	var params []json.RawMessage
	require.NoError(t, json.Unmarshal(n.params["sendTransaction"], &params))
	require.Len(t, params, 2)
	var sent string
	require.NoError(t, json.Unmarshal(params[0], &sent))
	assert.Equal(t, tx, sent)
	var opts map[string]any
	require.NoError(t, json.Unmarshal(params[1], &opts))
	assert.Equal(t, "base64", opts["encoding"])
	assert.Equal(t, true, opts["skipPreflight"])
	assert.Equal(t, float64(0), opts["maxRetries"])
}

func TestSimulateTransaction(t *testing.T) {
	tx := signedTx(t)
	_, ok := newNode(t, map[string]string{
		"simulateTransaction": `{"context":{"slot":1},"value":{"err":null,"logs":[]}}`,
	})
	assert.NoError(t, ok.SimulateTransaction(context.Background(), ratelimit.PriorityExecution, tx))

	_, bad := newNode(t, map[string]string{
		"simulateTransaction": `{"context":{"slot":1},"value":{"err":"BlockhashNotFound","logs":[]}}`,
	})
	assert.ErrorIs(t, bad.SimulateTransaction(context.Background(), ratelimit.PriorityExecution, tx), ErrSimulationFailed)
}

func TestCallErrorsAreWrapped(t *testing.T) {
	_, c := newNode(t, nil)
	_, err := c.BlockHeight(context.Background(), ratelimit.PriorityExecution)
	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Contains(t, err.Error(), "chain: block height")
}

func TestLamportConversion(t *testing.T) {
	assert.Equal(t, uint64(250_000_000), SOLToLamports(decimal.RequireFromString("0.25")))
	assert.Equal(t, uint64(0), SOLToLamports(decimal.NewFromInt(-1)))
	assert.Equal(t, "0.000000001", LamportsToSOL(1).String())
}
