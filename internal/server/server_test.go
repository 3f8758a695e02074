package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xusdt/escrow-core/internal/config"
	"github.com/xusdt/escrow-core/internal/dispute"
	"github.com/xusdt/escrow-core/internal/gateway"
)

// fakeGateway allocates deterministic addresses and fulfils transfers.
type fakeGateway struct {
	addrs     int
	transfers int
}

func (g *fakeGateway) NewDepositAddress(ctx context.Context) (string, error) {
	g.addrs++
	return "0xdeadbeefdeadbeefdeadbeefdeadbeefdead0000", nil
}

func (g *fakeGateway) Transfer(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error) {
	g.transfers++
	return "0xtx", nil
}

func (g *fakeGateway) Deposits(ctx context.Context, addr string, since time.Time) ([]gateway.Deposit, error) {
	return nil, nil
}

func testConfig(t *testing.T) (*config.Config, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	return &config.Config{
		Port:                "8080",
		Env:                 "development",
		LogLevel:            "error",
		CustodianURL:        "http://custodian.internal",
		FeePercent:          "0.25",
		MinFee:              "1.0",
		SystemWalletAddr:    config.DefaultSystemWalletAddr,
		AdminVerifyKey:      hex.EncodeToString(pub),
		UserTokenHMACKey:    "test-hmac-key",
		AdminAPISecret:      "test-admin-secret",
		DepositPollInterval: time.Second,
	}, priv
}

func newTestServer(t *testing.T) (*Server, *fakeGateway) {
	t.Helper()
	cfg, _ := testConfig(t)
	gw := &fakeGateway{}
	srv, err := New(cfg, WithGateway(gw))
	require.NoError(t, err)
	return srv, gw
}

func do(srv *Server, method, path, clientToken string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if clientToken != "" {
		req.Header.Set("X-Client-Token", clientToken)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

type fakeObserver struct {
	watched map[string]bool
}

func (f *fakeObserver) WatchAddress(addr string)   { f.watched[addr] = true }
func (f *fakeObserver) UnwatchAddress(addr string) { delete(f.watched, addr) }

// The chain observer's address set must shrink with the monitor's watch
// registry or it filters logs for dead addresses forever.
func TestObservingWatcher_CancelUnwatchesObserver(t *testing.T) {
	monitor := gateway.NewMonitor(&fakeGateway{}, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	obs := &fakeObserver{watched: make(map[string]bool)}
	w := &observingWatcher{monitor: monitor, observer: obs}

	w.Watch("esc_1", "0xaddr1")
	require.True(t, obs.watched["0xaddr1"])
	require.Equal(t, "0xaddr1", monitor.WatchedAddr("esc_1"))

	w.Cancel("esc_1")
	assert.Empty(t, obs.watched)
	assert.Empty(t, monitor.WatchedAddr("esc_1"))

	// Cancel of an unknown escrow is harmless
	w.Cancel("esc_unknown")
	assert.Empty(t, obs.watched)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(srv, "GET", "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run() marks it
	w = do(srv, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "xusdt_")
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv, "GET", "/v1/escrows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIDParamValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv, "GET", "/v1/escrow/not-a-valid-id", "buyer-secret", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminGate(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/v1/system-wallet", nil)
	req.Header.Set("X-Client-Token", "anyone")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest("GET", "/v1/system-wallet", nil)
	req.Header.Set("X-Client-Token", "anyone")
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestEscrowFlow drives a full release through the HTTP surface: two
// parties, deposit confirmation via the service, buyer-initiated release.
func TestEscrowFlow(t *testing.T) {
	srv, gw := newTestServer(t)

	buyerSecret := "buyer-client-secret"
	sellerSecret := "seller-client-secret"
	buyerToken := srv.tokenizer.UserToken(buyerSecret)
	sellerToken := srv.tokenizer.UserToken(sellerSecret)

	// Buyer creates the escrow
	w := do(srv, "POST", "/v1/escrow", buyerSecret, map[string]string{
		"buyerToken":  buyerToken,
		"sellerToken": sellerToken,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Escrow struct {
			ID      string `json:"id"`
			Address string `json:"address"`
			State   string `json:"state"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Escrow.ID
	require.NotEmpty(t, id)
	assert.Equal(t, 1, gw.addrs)

	// Seller sets payout addresses
	w = do(srv, "PATCH", "/v1/escrow/"+id, sellerSecret, map[string]string{
		"buyerAddr":  "0x1111111111111111111111111111111111111111",
		"sellerAddr": "0x2222222222222222222222222222222222222222",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Seller declares the expected deposit
	w = do(srv, "POST", "/v1/escrow/"+id+"/fund", sellerSecret, map[string]string{
		"minAmount": "100.0",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Deposit lands (normally via the monitor)
	require.NoError(t, srv.escrowService.ConfirmFunding(context.Background(), id, "1000.000000", "0xdeposit"))

	// Stranger cannot read it
	w = do(srv, "GET", "/v1/escrow/"+id, "stranger-secret", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Buyer releases
	w = do(srv, "POST", "/v1/escrow/"+id+"/release", buyerSecret, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"state":"released"`)
	assert.Equal(t, 1, gw.transfers)

	// Fee landed in the system wallet
	req := httptest.NewRequest("GET", "/v1/system-wallet", nil)
	req.Header.Set("X-Client-Token", "admin")
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "2.500000")
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	cfg, priv := testConfig(t)
	gw := &fakeGateway{}
	srv, err := New(cfg, WithGateway(gw))
	require.NoError(t, err)

	buyerSecret := "buyer-client-secret"
	sellerSecret := "seller-client-secret"
	buyerToken := srv.tokenizer.UserToken(buyerSecret)
	sellerToken := srv.tokenizer.UserToken(sellerSecret)

	w := do(srv, "POST", "/v1/escrow", buyerSecret, map[string]string{
		"buyerToken":  buyerToken,
		"sellerToken": sellerToken,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Escrow struct {
			ID string `json:"id"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Escrow.ID

	w = do(srv, "PATCH", "/v1/escrow/"+id, sellerSecret, map[string]string{
		"buyerAddr":  "0x1111111111111111111111111111111111111111",
		"sellerAddr": "0x2222222222222222222222222222222222222222",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(srv, "POST", "/v1/escrow/"+id+"/fund", sellerSecret, map[string]string{"minAmount": "100.0"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, srv.escrowService.ConfirmFunding(context.Background(), id, "1000.000000", "0xdeposit"))

	// Buyer opens a dispute
	w = do(srv, "POST", "/v1/escrow/"+id+"/dispute", buyerSecret, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var opened struct {
		Dispute struct {
			ID       string `json:"id"`
			EscrowID string `json:"escrowId"`
		} `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))

	// Operator resolves in the buyer's favor with a signed payload
	payload := dispute.ResolutionPayload(opened.Dispute.ID, opened.Dispute.EscrowID, "buyer_favored", 0, "nonce-1")
	sig := hex.EncodeToString(ed25519.Sign(priv, payload))

	req := httptest.NewRequest("POST", "/v1/disputes/"+opened.Dispute.ID+"/resolve",
		bytes.NewBufferString(`{"resolution":"buyer_favored","nonce":"nonce-1","signature":"`+sig+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Token", "operator")
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, gw.transfers)

	// The escrow ended refunded
	w = do(srv, "GET", "/v1/escrow/"+id, buyerSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"refunded"`)
}
