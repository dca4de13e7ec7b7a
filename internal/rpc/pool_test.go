package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/ratelimit"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func reply(w http.ResponseWriter, r *http.Request, body map[string]any) {
	var req rpcRequest
	json.NewDecoder(r.Body).Decode(&req)
	body["jsonrpc"] = "2.0"
	body["id"] = req.ID
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func okServer(t *testing.T, result any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply(w, r, map[string]any{"result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func statusServer(t *testing.T, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func blockHeight(out *uint64) CallFunc {
	return func(ctx context.Context, c *solrpc.Client) error {
		h, err := c.GetBlockHeight(ctx, solrpc.CommitmentConfirmed)
		if out != nil {
			*out = h
		}
		return err
	}
}

func TestDo_DecodesResult(t *testing.T) {
	srv := okServer(t, 42)
	p, err := NewPool(Config{Endpoints: []string{srv.URL}}, nil, nil)
	require.NoError(t, err)

	var h uint64
	require.NoError(t, p.Do(context.Background(), ratelimit.PriorityScan, "getBlockHeight", blockHeight(&h)))
	assert.Equal(t, uint64(42), h)
}

func TestDo_RPCErrorIsNotEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply(w, r, map[string]any{"error": map[string]any{"code": -32602, "message": "invalid params"}})
	}))
	defer srv.Close()
	p, _ := NewPool(Config{Endpoints: []string{srv.URL, "http://127.0.0.1:1"}, FailoverThreshold: 1}, nil, nil)

	err := p.Do(context.Background(), ratelimit.PriorityScan, "getBlockHeight", blockHeight(nil))
	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Equal(t, srv.URL, p.Current())
}

func TestPool_FailsOverAfterThreshold(t *testing.T) {
	var badHits atomic.Int32
	bad := statusServer(t, http.StatusBadGateway, &badHits)
	good := okServer(t, 7)
	p, _ := NewPool(Config{Endpoints: []string{bad.URL, good.URL}, FailoverThreshold: 3}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, p.Do(ctx, ratelimit.PriorityScan, "getBlockHeight", blockHeight(nil)), ErrEndpoint)
		assert.Equal(t, bad.URL, p.Current())
	}
	assert.ErrorIs(t, p.Do(ctx, ratelimit.PriorityScan, "getBlockHeight", blockHeight(nil)), ErrEndpoint)
	assert.Equal(t, good.URL, p.Current())

	var h uint64
	require.NoError(t, p.Do(ctx, ratelimit.PriorityScan, "getBlockHeight", blockHeight(&h)))
	assert.Equal(t, uint64(7), h)
	assert.Equal(t, int32(3), badHits.Load())
}

func TestPool_SuccessResetsFailureCount(t *testing.T) {
	var fail atomic.Bool
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		reply(w, r, map[string]any{"result": 1})
	}))
	defer flaky.Close()
	p, _ := NewPool(Config{Endpoints: []string{flaky.URL, "http://127.0.0.1:1"}, FailoverThreshold: 3}, nil, nil)
	ctx := context.Background()

	fail.Store(true)
	p.Do(ctx, ratelimit.PriorityScan, "getBlockHeight", blockHeight(nil))
	p.Do(ctx, ratelimit.PriorityScan, "getBlockHeight", blockHeight(nil))
	fail.Store(false)
	require.NoError(t, p.Do(ctx, ratelimit.PriorityScan, "getBlockHeight", blockHeight(nil)))
	fail.Store(true)
	p.Do(ctx, ratelimit.PriorityScan, "getBlockHeight", blockHeight(nil))
	p.Do(ctx, ratelimit.PriorityScan, "getBlockHeight", blockHeight(nil))

	assert.Equal(t, flaky.URL, p.Current())
}

func TestPool_TooManyRequestsThrottlesLimiter(t *testing.T) {
	srv := statusServer(t, http.StatusTooManyRequests, nil)
	lim := ratelimit.New(ratelimit.Config{RatePerSecond: 100, Burst: 10, MaxQueue: 8})
	defer lim.Close()
	p, _ := NewPool(Config{Endpoints: []string{srv.URL}}, lim, nil)

	err := p.Do(context.Background(), ratelimit.PriorityExecution, "getBlockHeight", blockHeight(nil))
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDo_CancelledContextIsNotEndpointFailure(t *testing.T) {
	srv := okServer(t, 1)
	p, _ := NewPool(Config{Endpoints: []string{srv.URL, "http://127.0.0.1:1"}, FailoverThreshold: 1}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, ratelimit.PriorityScan, "getBlockHeight", blockHeight(nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, srv.URL, p.Current())
}

func TestNewPool_RequiresEndpoints(t *testing.T) {
	_, err := NewPool(Config{}, nil, nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}
