// Package rpc keeps an ordered pool of Solana RPC clients. It switches to
// the next endpoint after a run of consecutive failures and reports
// upstream throttling to the shared rate limiter.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/ratelimit"
)

var (
	ErrNoEndpoints = errors.New("rpc: no endpoints configured")
	ErrRateLimited = errors.New("rpc: rate limited by endpoint")
	ErrEndpoint    = errors.New("rpc: endpoint failure")
)

// Config holds the endpoint list and failover policy.
type Config struct {
	Endpoints         []string      `yaml:"endpoints"`
	FailoverThreshold int           `yaml:"failover_threshold"`
	Timeout           time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default policy with no endpoints.
func DefaultConfig() Config {
	return Config{FailoverThreshold: 3, Timeout: 15 * time.Second}
}

// CallFunc issues one request on c.
type CallFunc func(ctx context.Context, c *solrpc.Client) error

// Caller is the interface consumers of the pool depend on.
type Caller interface {
	Do(ctx context.Context, p ratelimit.Priority, method string, fn CallFunc) error
}

type endpoint struct {
	url    string
	client *solrpc.Client
}

// Pool is safe for concurrent use.
type Pool struct {
	endpoints []endpoint
	threshold int
	timeout   time.Duration
	limiter   *ratelimit.Limiter
	logger    *slog.Logger

	mu       sync.Mutex
	current  int
	failures int
}

// NewPool creates a pool. limiter may be nil.
func NewPool(cfg Config, limiter *ratelimit.Limiter, logger *slog.Logger) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	def := DefaultConfig()
	if cfg.FailoverThreshold < 1 {
		cfg.FailoverThreshold = def.FailoverThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	eps := make([]endpoint, len(cfg.Endpoints))
	for i, url := range cfg.Endpoints {
		eps[i] = endpoint{url: url, client: solrpc.New(url)}
	}
	return &Pool{
		endpoints: eps,
		threshold: cfg.FailoverThreshold,
		timeout:   cfg.Timeout,
		limiter:   limiter,
		logger:    logger,
	}, nil
}

// Current returns the endpoint calls are sent to.
func (p *Pool) Current() string {
	return p.pick().url
}

func (p *Pool) pick() endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[p.current]
}

// Do runs fn against the current endpoint under the pool timeout.
// Errors the node answered with are returned as *jsonrpc.RPCError and do
// not count towards failover.
func (p *Pool) Do(ctx context.Context, prio ratelimit.Priority, method string, fn CallFunc) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, prio); err != nil {
			return err
		}
	}

	ep := p.pick()
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := fn(callCtx, ep.client)
	cancel()

	var rpcErr *jsonrpc.RPCError
	var httpErr *jsonrpc.HTTPError
	switch {
	case err == nil:
		p.recordSuccess(ep.url)
		metrics.RPCRequestsTotal.WithLabelValues(method, "ok").Inc()
		return nil
	case errors.As(err, &rpcErr):
		p.recordSuccess(ep.url)
		metrics.RPCRequestsTotal.WithLabelValues(method, "error").Inc()
		return err
	case ctx.Err() != nil:
		metrics.RPCRequestsTotal.WithLabelValues(method, "failure").Inc()
		return ctx.Err()
	case errors.As(err, &httpErr) && httpErr.Code == http.StatusTooManyRequests:
		if p.limiter != nil {
			p.limiter.Throttled()
		}
		p.recordFailure(ep.url, err)
		metrics.RPCRequestsTotal.WithLabelValues(method, "failure").Inc()
		return fmt.Errorf("%w: %s", ErrRateLimited, method)
	default:
		p.recordFailure(ep.url, err)
		metrics.RPCRequestsTotal.WithLabelValues(method, "failure").Inc()
		return fmt.Errorf("%w: %s: %v", ErrEndpoint, method, err)
	}
}

func (p *Pool) recordFailure(url string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endpoints[p.current].url != url {
		return
	}
	p.failures++
	if p.failures < p.threshold || len(p.endpoints) == 1 {
		return
	}
	p.current = (p.current + 1) % len(p.endpoints)
	p.failures = 0
	metrics.RPCFailovers.Inc()
	p.logger.Warn("rpc failover", "from", url, "to", p.endpoints[p.current].url, "err", cause)
}

func (p *Pool) recordSuccess(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endpoints[p.current].url == url {
		p.failures = 0
	}
}
