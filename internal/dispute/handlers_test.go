package dispute

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xusdt/escrow-core/internal/escrow"
)

func testRouter(t *testing.T, svc *Service, userToken string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set("userToken", userToken)
		c.Next()
	})
	h := NewHandler(svc)
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1) // Admin auth is the server's concern
	return r
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_OpenDispute(t *testing.T) {
	env := newTestEnv(t)
	e := fundedEscrow(t, env)
	r := testRouter(t, env.svc, buyerToken)

	w := doJSON(r, "POST", "/v1/escrow/"+e.ID+"/dispute", gin.H{
		"evidenceHashes": []string{strings.Repeat("ab", 32)},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"resolution":"pending"`)

	// A second dispute on the same escrow conflicts
	w = doJSON(r, "POST", "/v1/escrow/"+e.ID+"/dispute", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_OpenDispute_BadEvidence(t *testing.T) {
	env := newTestEnv(t)
	e := fundedEscrow(t, env)
	r := testRouter(t, env.svc, buyerToken)

	w := doJSON(r, "POST", "/v1/escrow/"+e.ID+"/dispute", gin.H{
		"evidenceHashes": []string{"garbage"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_OpenDispute_NotFunded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e, err := env.escrows.Create(ctx, escrow.CreateRequest{BuyerToken: buyerToken, SellerToken: sellerToken})
	require.NoError(t, err)

	r := testRouter(t, env.svc, buyerToken)
	w := doJSON(r, "POST", "/v1/escrow/"+e.ID+"/dispute", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_GetDispute(t *testing.T) {
	env := newTestEnv(t)
	e := fundedEscrow(t, env)
	d, err := env.svc.Open(context.Background(), e.ID, buyerToken, nil)
	require.NoError(t, err)

	r := testRouter(t, env.svc, buyerToken)
	w := doJSON(r, "GET", "/v1/disputes/"+d.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), d.ID)

	w = doJSON(r, "GET", "/v1/disputes/dsp_ffffffffffffffffffffffff", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	r = testRouter(t, env.svc, "stranger")
	w = doJSON(r, "GET", "/v1/disputes/"+d.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_ResolveDispute(t *testing.T) {
	env := newTestEnv(t)
	e := fundedEscrow(t, env)
	d, err := env.svc.Open(context.Background(), e.ID, buyerToken, nil)
	require.NoError(t, err)

	r := testRouter(t, env.svc, "operator")

	// Bad signature leaves everything unchanged
	w := doJSON(r, "POST", "/v1/disputes/"+d.ID+"/resolve", gin.H{
		"resolution": ResolutionSellerFavored,
		"nonce":      "n-1",
		"signature":  "deadbeef",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")

	// Properly signed resolution succeeds
	sig := env.sign(d, ResolutionSellerFavored, 0, "n-1")
	w = doJSON(r, "POST", "/v1/disputes/"+d.ID+"/resolve", gin.H{
		"resolution": ResolutionSellerFavored,
		"nonce":      "n-1",
		"signature":  sig,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"resolution":"seller_favored"`)

	// And exactly once
	w = doJSON(r, "POST", "/v1/disputes/"+d.ID+"/resolve", gin.H{
		"resolution": ResolutionSellerFavored,
		"nonce":      "n-1",
		"signature":  sig,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_ResolveDispute_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	r := testRouter(t, env.svc, "operator")

	w := doJSON(r, "POST", "/v1/disputes/dsp_ffffffffffffffffffffffff/resolve", gin.H{
		"resolution": ResolutionSellerFavored,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
