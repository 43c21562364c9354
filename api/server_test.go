package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/kaiapay/x402"
	"github.com/kaiapay/x402/clients"
	"github.com/kaiapay/x402/eip3009"
	"github.com/kaiapay/x402/logger"
	"github.com/kaiapay/x402/types"
)

const (
	testAsset = "0x28eD4cDb1A5a04D5D2c13A37261Eb0f72EF11EaB"
	testPayTo = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

type fakeChain struct {
	network types.Network
	balance *big.Int
	txHash  string
}

var _ clients.ChainClient = (*fakeChain)(nil)

func (f *fakeChain) Network() types.Network { return f.network }
func (f *fakeChain) ChainID() *big.Int      { return f.network.ChainID() }

func (f *fakeChain) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	return false, nil
}

func (f *fakeChain) SimulateTransfer(ctx context.Context, token common.Address, auth *eip3009.Authorization, v uint8, r, s [32]byte) error {
	return nil
}

func (f *fakeChain) SubmitTransfer(ctx context.Context, token common.Address, auth *eip3009.Authorization, v uint8, r, s [32]byte) (string, error) {
	return f.txHash, nil
}

func (f *fakeChain) SignerAddress() common.Address { return common.Address{} }
func (f *fakeChain) Close()                        {}

func newTestServer(t *testing.T) (*Server, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	facilitator := x402.New(x402.WithClockSkew(0))
	require.NoError(t, facilitator.AddClient(types.NetworkKaia, &fakeChain{
		network: types.NetworkKaia,
		balance: big.NewInt(1_000_000),
		txHash:  "0x55af02ebd217c71c5425866d1a26feb8ae4a78d3d6b9b05ee45e7e3d4b46a2c1",
	}))

	return NewServer(facilitator, logger.NoopLogger{}), key
}

func signedBody(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	payer := crypto.PubkeyToAddress(key.PublicKey)

	reqs := types.PaymentRequirements{
		Scheme:            "exact",
		Network:           "kaia",
		MaxAmountRequired: "10000",
		Resource:          "https://example.com/premium",
		Description:       "premium content",
		MimeType:          "application/json",
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 300,
		Asset:             testAsset,
	}

	nonce, err := eip3009.GenerateNonce()
	require.NoError(t, err)
	now := time.Now().Unix()
	auth := &eip3009.Authorization{
		From:        payer,
		To:          common.HexToAddress(testPayTo),
		Value:       big.NewInt(10000),
		ValidAfter:  big.NewInt(now - 60),
		ValidBefore: big.NewInt(now + 300),
		Nonce:       nonce,
	}
	sig, err := eip3009.SignAuthorization(key, eip3009.DomainFor(&reqs, types.NetworkKaia.ChainID()), auth)
	require.NoError(t, err)

	exact := types.ExactEvmPayload{
		Signature: sig,
		Authorization: types.ExactEvmAuthorization{
			From:        payer.Hex(),
			To:          testPayTo,
			Value:       "10000",
			ValidAfter:  auth.ValidAfter.String(),
			ValidBefore: auth.ValidBefore.String(),
			Nonce:       "0x" + hex.EncodeToString(nonce[:]),
		},
	}
	raw, err := json.Marshal(exact)
	require.NoError(t, err)

	body, err := json.Marshal(types.VerifyRequest{
		PaymentPayload: types.PaymentPayload{
			X402Version: types.ProtocolVersion,
			Scheme:      "exact",
			Network:     "kaia",
			Payload:     raw,
		},
		PaymentRequirements: reqs,
	})
	require.NoError(t, err)
	return body
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestVerifyEndpoint(t *testing.T) {
	server, key := newTestServer(t)

	rec := doRequest(server, http.MethodPost, "/verify", signedBody(t, key))
	require.Equal(t, http.StatusOK, rec.Code)

	var result types.VerificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.IsValid)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), result.Payer)
}

func TestVerifyEndpoint_MalformedBody(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(server, http.MethodPost, "/verify", []byte(`{"paymentPayload":`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Invalid request", body["error"])
	assert.NotEmpty(t, body["details"])
}

func TestVerifyEndpoint_UnknownNetwork(t *testing.T) {
	server, key := newTestServer(t)

	var req map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(signedBody(t, key), &req))
	var reqs map[string]interface{}
	require.NoError(t, json.Unmarshal(req["paymentRequirements"], &reqs))
	reqs["network"] = "dogecoin"
	raw, err := json.Marshal(reqs)
	require.NoError(t, err)
	req["paymentRequirements"] = raw
	body, err := json.Marshal(req)
	require.NoError(t, err)

	rec := doRequest(server, http.MethodPost, "/verify", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettleEndpoint(t *testing.T) {
	server, key := newTestServer(t)

	rec := doRequest(server, http.MethodPost, "/settle", signedBody(t, key))
	require.Equal(t, http.StatusOK, rec.Code)

	var result types.SettlementResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.TxHash)
	assert.Equal(t, "kaia", result.NetworkID)
}

func TestSupportedEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/supported", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"kinds":[{"x402Version":1,"scheme":"exact","network":"kaia"}]}`,
		rec.Body.String())
}

func TestHealthzEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
