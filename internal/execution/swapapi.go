package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atmx/conviction-engine/internal/ratelimit"
)

// SwapAPI is a SwapBuilder backed by an external swap service that owns
// routing and signing. It exposes POST /quote and POST /build.
type SwapAPI struct {
	base    string
	client  *http.Client
	limiter *ratelimit.Limiter
}

// NewSwapAPI creates a client for the service at baseURL. limiter may be nil.
func NewSwapAPI(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter) *SwapAPI {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SwapAPI{
		base:    strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// Quote asks the service for a route.
func (s *SwapAPI) Quote(ctx context.Context, req SwapRequest) (Quote, error) {
	var q Quote
	if err := s.post(ctx, "/quote", req, &q); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// Build asks the service for a signed transaction for q.
func (s *SwapAPI) Build(ctx context.Context, req SwapRequest, q Quote) (BuiltTx, error) {
	var tx BuiltTx
	body := struct {
		Request SwapRequest `json:"request"`
		Quote   Quote       `json:"quote"`
	}{req, q}
	if err := s.post(ctx, "/build", body, &tx); err != nil {
		return BuiltTx{}, err
	}
	if tx.Transaction == "" {
		return BuiltTx{}, fmt.Errorf("swap api: empty transaction")
	}
	return tx, nil
}

func (s *SwapAPI) post(ctx context.Context, path string, in, out any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, ratelimit.PriorityExecution); err != nil {
			return err
		}
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("swap api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests && s.limiter != nil {
		s.limiter.Throttled()
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("swap api %s: http %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("swap api %s: decode: %w", path, err)
	}
	return nil
}
