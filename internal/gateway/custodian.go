package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xusdt/escrow-core/internal/circuitbreaker"
	"github.com/xusdt/escrow-core/internal/metrics"
	"github.com/xusdt/escrow-core/internal/security"
	"github.com/xusdt/escrow-core/internal/usdt"
)

// CustodianClient talks to the remote custodian service over HTTP.
// The custodian holds all keys; this client only requests operations.
type CustodianClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// CustodianOption configures a CustodianClient.
type CustodianOption func(*CustodianClient) error

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) CustodianOption {
	return func(cc *CustodianClient) error {
		cc.httpClient = c
		return nil
	}
}

// WithEndpointValidation rejects base URLs pointing at private or loopback
// addresses. Enable in production where the custodian must be a proper
// TLS endpoint.
func WithEndpointValidation() CustodianOption {
	return func(cc *CustodianClient) error {
		return security.ValidateEndpointURL(cc.baseURL)
	}
}

// NewCustodianClient creates a client for the custodian at baseURL.
func NewCustodianClient(baseURL string, logger *slog.Logger, opts ...CustodianOption) (*CustodianClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("custodian base URL is required")
	}
	cc := &CustodianClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    circuitbreaker.New(5, 30*time.Second),
		logger:     logger,
	}
	for _, opt := range opts {
		if err := opt(cc); err != nil {
			return nil, err
		}
	}
	return cc, nil
}

type addressResponse struct {
	Address string `json:"address"`
}

type transferRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

type transferResponse struct {
	TxHash string `json:"txHash"`
}

type depositsResponse struct {
	Deposits []Deposit `json:"deposits"`
}

// NewDepositAddress allocates a fresh custodied deposit address.
func (c *CustodianClient) NewDepositAddress(ctx context.Context) (string, error) {
	timer := prometheus.NewTimer(metrics.GatewayCallDuration.WithLabelValues("new_address"))
	defer timer.ObserveDuration()

	var resp addressResponse
	if err := c.do(ctx, "new_address", http.MethodPost, "/v1/addresses", nil, &resp); err != nil {
		return "", err
	}
	if resp.Address == "" {
		return "", ErrNoAddresses
	}
	return strings.ToLower(resp.Address), nil
}

// Transfer requests the custodian to move amount from a custodied address.
func (c *CustodianClient) Transfer(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error) {
	timer := prometheus.NewTimer(metrics.GatewayCallDuration.WithLabelValues("transfer"))
	defer timer.ObserveDuration()

	req := transferRequest{
		From:      strings.ToLower(from),
		To:        strings.ToLower(to),
		Amount:    usdt.Format(amount),
		Reference: reference,
	}
	var resp transferResponse
	if err := c.do(ctx, "transfer", http.MethodPost, "/v1/transfers", req, &resp); err != nil {
		return "", err
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("%w: custodian returned no tx hash", ErrUnavailable)
	}
	return resp.TxHash, nil
}

// Deposits lists inbound transfers to addr observed by the custodian.
func (c *CustodianClient) Deposits(ctx context.Context, addr string, since time.Time) ([]Deposit, error) {
	timer := prometheus.NewTimer(metrics.GatewayCallDuration.WithLabelValues("deposits"))
	defer timer.ObserveDuration()

	path := fmt.Sprintf("/v1/addresses/%s/deposits?since=%s",
		url.PathEscape(strings.ToLower(addr)),
		url.QueryEscape(since.UTC().Format(time.RFC3339)))

	var resp depositsResponse
	if err := c.do(ctx, "deposits", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deposits, nil
}

// do wraps doOnce with a per-operation circuit so a failing transfer
// path does not block address allocation.
func (c *CustodianClient) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	if !c.breaker.Allow(op) {
		return fmt.Errorf("%w: custodian circuit open", ErrUnavailable)
	}

	err := c.doOnce(ctx, method, path, body, out)
	if errors.Is(err, ErrUnavailable) {
		c.breaker.RecordFailure(op)
	} else {
		// Business rejections mean the custodian is up and answering.
		c.breaker.RecordSuccess(op)
	}
	return err
}

func (c *CustodianClient) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusServiceUnavailable:
		// Custodian signals temporary exhaustion or overload
		return fmt.Errorf("%w: custodian returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: custodian returned %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("%w: custodian returned %d", ErrUnavailable, resp.StatusCode)
	}
}

// Compile-time assertion that CustodianClient implements Gateway.
var _ Gateway = (*CustodianClient)(nil)
