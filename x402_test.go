package x402

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiapay/x402/clients"
	"github.com/kaiapay/x402/eip3009"
	"github.com/kaiapay/x402/types"
)

type stubChain struct {
	network types.Network
}

var _ clients.ChainClient = (*stubChain)(nil)

func (s *stubChain) Network() types.Network { return s.network }
func (s *stubChain) ChainID() *big.Int      { return s.network.ChainID() }

func (s *stubChain) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubChain) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	return false, nil
}

func (s *stubChain) SimulateTransfer(ctx context.Context, token common.Address, auth *eip3009.Authorization, v uint8, r, sig [32]byte) error {
	return nil
}

func (s *stubChain) SubmitTransfer(ctx context.Context, token common.Address, auth *eip3009.Authorization, v uint8, r, sig [32]byte) (string, error) {
	return "0x0", nil
}

func (s *stubChain) SignerAddress() common.Address { return common.Address{} }
func (s *stubChain) Close()                        {}

func TestSupported(t *testing.T) {
	f := New()
	require.NoError(t, f.AddClient(types.NetworkSei, &stubChain{network: types.NetworkSei}))
	require.NoError(t, f.AddClient(types.NetworkKaia, &stubChain{network: types.NetworkKaia}))

	supported := f.Supported()
	require.Len(t, supported.Kinds, 2)

	// Stable order, sorted by network name.
	assert.Equal(t, types.SupportedKind{X402Version: 1, Scheme: "exact", Network: "kaia"}, supported.Kinds[0])
	assert.Equal(t, types.SupportedKind{X402Version: 1, Scheme: "exact", Network: "sei"}, supported.Kinds[1])
}

func TestAddClient_Duplicate(t *testing.T) {
	f := New()
	require.NoError(t, f.AddClient(types.NetworkKaia, &stubChain{network: types.NetworkKaia}))

	err := f.AddClient(types.NetworkKaia, &stubChain{network: types.NetworkKaia})
	var cfgErr *types.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestIsNetworkSupported(t *testing.T) {
	f := New()
	require.NoError(t, f.AddClient(types.NetworkKaia, &stubChain{network: types.NetworkKaia}))

	assert.True(t, f.IsNetworkSupported(types.NetworkKaia))
	assert.False(t, f.IsNetworkSupported(types.NetworkSei))
}

func TestVerifyRaw_SchemaError(t *testing.T) {
	f := New()
	require.NoError(t, f.AddClient(types.NetworkKaia, &stubChain{network: types.NetworkKaia}))

	_, err := f.VerifyRaw(context.Background(), []byte(`{"paymentPayload":{"x402Version":1}}`))
	var schemaErr *types.SchemaValidationError
	assert.ErrorAs(t, err, &schemaErr)
}
