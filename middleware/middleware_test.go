package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiapay/x402/types"
)

type stubFacilitator struct {
	verifyResult *types.VerificationResult
	verifyErr    error
	settleResult *types.SettlementResult
	settleErr    error

	settleCalled chan struct{}
}

var _ Facilitator = (*stubFacilitator)(nil)

func (s *stubFacilitator) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerificationResult, error) {
	return s.verifyResult, s.verifyErr
}

func (s *stubFacilitator) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettlementResult, error) {
	if s.settleCalled != nil {
		close(s.settleCalled)
	}
	return s.settleResult, s.settleErr
}

func okFacilitator() *stubFacilitator {
	return &stubFacilitator{
		verifyResult: &types.VerificationResult{IsValid: true, Payer: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"},
		settleResult: &types.SettlementResult{
			Success:   true,
			TxHash:    "0x55af02ebd217c71c5425866d1a26feb8ae4a78d3d6b9b05ee45e7e3d4b46a2c1",
			NetworkID: "kaia",
			Payer:     "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		},
	}
}

func testConfig(facilitator Facilitator, mode SettlementMode) Config {
	return Config{
		Facilitator: facilitator,
		Mode:        mode,
		Routes: map[string]RouteConfig{
			"/premium": {
				Price:   "0.01",
				Network: types.NetworkKaia,
				PayTo:   "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
				Asset:   "0x28eD4cDb1A5a04D5D2c13A37261Eb0f72EF11EaB",
			},
			"/api/*": {
				Price:   "1.50",
				Network: types.NetworkKaia,
				PayTo:   "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
				Asset:   "0x28eD4cDb1A5a04D5D2c13A37261Eb0f72EF11EaB",
			},
		},
	}
}

func protectedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("the premium content"))
	})
}

func paymentHeader(t *testing.T) string {
	t.Helper()
	payload := types.PaymentPayload{
		X402Version: types.ProtocolVersion,
		Scheme:      "exact",
		Network:     "kaia",
		Payload:     json.RawMessage(`{}`),
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func serve(cfg Config, path, header string) *httptest.ResponseRecorder {
	handler := Paywall(cfg)(protectedHandler())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set(HeaderPayment, header)
	}
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPaywall_UnprotectedPathPassesThrough(t *testing.T) {
	rec := serve(testConfig(okFacilitator(), SettleEager), "/free", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "the premium content", rec.Body.String())
}

func TestPaywall_MissingPaymentReturnsRequirements(t *testing.T) {
	rec := serve(testConfig(okFacilitator(), SettleEager), "/premium", "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.ProtocolVersion, body.X402Version)
	require.Len(t, body.Accepts, 1)

	accepts := body.Accepts[0]
	assert.Equal(t, "exact", accepts.Scheme)
	assert.Equal(t, "kaia", accepts.Network)
	assert.Equal(t, "10000", accepts.MaxAmountRequired, "0.01 at 6 decimals")
	assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", accepts.PayTo)
	assert.Equal(t, 300, accepts.MaxTimeoutSeconds)
	assert.NotContains(t, rec.Body.String(), "the premium content")
}

func TestPaywall_PrefixRouteMatches(t *testing.T) {
	rec := serve(testConfig(okFacilitator(), SettleEager), "/api/v1/data", "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "1500000", body.Accepts[0].MaxAmountRequired, "1.50 at 6 decimals")
}

func TestPaywall_MalformedHeader(t *testing.T) {
	rec := serve(testConfig(okFacilitator(), SettleEager), "/premium", "not!base64")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotContains(t, rec.Body.String(), "the premium content")
}

func TestPaywall_InvalidPayment(t *testing.T) {
	facilitator := okFacilitator()
	facilitator.verifyResult = &types.VerificationResult{
		IsValid:       false,
		InvalidReason: types.ReasonInsufficientFunds,
	}

	rec := serve(testConfig(facilitator, SettleEager), "/premium", paymentHeader(t))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.ReasonInsufficientFunds, body.Error)
}

func TestPaywall_VerifyUnavailable(t *testing.T) {
	facilitator := okFacilitator()
	facilitator.verifyErr = context.DeadlineExceeded
	facilitator.verifyResult = nil

	rec := serve(testConfig(facilitator, SettleEager), "/premium", paymentHeader(t))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "the premium content")
}

func TestPaywall_EagerSuccess(t *testing.T) {
	facilitator := okFacilitator()
	rec := serve(testConfig(facilitator, SettleEager), "/premium", paymentHeader(t))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "the premium content", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	encoded := rec.Header().Get(HeaderPaymentResponse)
	require.NotEmpty(t, encoded)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	var receipt types.SettlementReceipt
	require.NoError(t, json.Unmarshal(raw, &receipt))
	assert.True(t, receipt.Success)
	assert.Equal(t, facilitator.settleResult.TxHash, receipt.Transaction)
	assert.Equal(t, "kaia", receipt.Network)
}

func TestPaywall_EagerSettleFailureWithholdsContent(t *testing.T) {
	facilitator := okFacilitator()
	facilitator.settleResult = &types.SettlementResult{
		Success:     false,
		ErrorReason: types.ReasonNonceAlreadyUsed,
		NetworkID:   "kaia",
	}

	rec := serve(testConfig(facilitator, SettleEager), "/premium", paymentHeader(t))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotContains(t, rec.Body.String(), "the premium content")
	assert.Contains(t, rec.Body.String(), types.ReasonNonceAlreadyUsed)
	assert.Empty(t, rec.Header().Get(HeaderPaymentResponse))
}

func TestPaywall_EagerSettleErrorWithholdsContent(t *testing.T) {
	facilitator := okFacilitator()
	facilitator.settleErr = context.DeadlineExceeded
	facilitator.settleResult = nil

	rec := serve(testConfig(facilitator, SettleEager), "/premium", paymentHeader(t))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotContains(t, rec.Body.String(), "the premium content")
}

func TestPaywall_DeferredServesBeforeSettling(t *testing.T) {
	facilitator := okFacilitator()
	facilitator.settleCalled = make(chan struct{})
	// Even a failing settlement must not affect the served response.
	facilitator.settleResult = &types.SettlementResult{
		Success:     false,
		ErrorReason: types.ReasonSubmissionFailed,
		NetworkID:   "kaia",
	}

	rec := serve(testConfig(facilitator, SettleDeferred), "/premium", paymentHeader(t))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "the premium content", rec.Body.String())

	select {
	case <-facilitator.settleCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred settlement was never attempted")
	}
}

func TestMatchRoute(t *testing.T) {
	routes := map[string]RouteConfig{
		"/exact":    {Price: "1"},
		"/prefix/*": {Price: "2"},
	}

	route, ok := matchRoute(routes, "/exact")
	require.True(t, ok)
	assert.Equal(t, "1", route.Price)

	route, ok = matchRoute(routes, "/prefix/deep/path")
	require.True(t, ok)
	assert.Equal(t, "2", route.Price)

	_, ok = matchRoute(routes, "/prefix")
	assert.False(t, ok, "bare prefix without trailing segment does not match")

	_, ok = matchRoute(routes, "/other")
	assert.False(t, ok)
}
