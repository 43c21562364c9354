package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/kaiapay/x402/eip3009"
	"github.com/kaiapay/x402/types"
)

// eip3009ABI covers the token surface the facilitator touches: balance and
// authorization-state reads plus the redemption call.
const eip3009ABI = `[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "owner", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "authorizer", "type": "address" },
      { "name": "nonce", "type": "bytes32" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  },
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" },
      { "name": "validAfter", "type": "uint256" },
      { "name": "validBefore", "type": "uint256" },
      { "name": "nonce", "type": "bytes32" },
      { "name": "v", "type": "uint8" },
      { "name": "r", "type": "bytes32" },
      { "name": "s", "type": "bytes32" }
    ],
    "outputs": []
  }
]`

var tokenABI = mustParseABI(eip3009ABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EVMClient is the ChainClient for EVM networks. The relay signer key is
// parsed once at construction and reused for every settlement.
type EVMClient struct {
	network types.Network
	chainID *big.Int
	eth     *ethclient.Client

	signer     *ecdsa.PrivateKey
	signerAddr common.Address

	pollInterval time.Duration
}

var _ ChainClient = (*EVMClient)(nil)

// NewEVMClient dials the RPC endpoint for a supported network. signerHex may
// be empty for verify-only deployments; settlement then fails with a config
// error rather than at submit time.
func NewEVMClient(network types.Network, rpcURL, signerHex string) (*EVMClient, error) {
	chainID := network.ChainID()
	if chainID == nil {
		return nil, &types.ConfigError{Message: fmt.Sprintf("unsupported network %q", network)}
	}

	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", network, err)
	}

	c := &EVMClient{
		network:      network,
		chainID:      chainID,
		eth:          eth,
		pollInterval: time.Second,
	}

	if signerHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(signerHex, "0x"))
		if err != nil {
			eth.Close()
			return nil, &types.ConfigError{Message: fmt.Sprintf("invalid signer key for %s: %v", network, err)}
		}
		c.signer = key
		c.signerAddr = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

func (c *EVMClient) Network() types.Network        { return c.network }
func (c *EVMClient) ChainID() *big.Int             { return new(big.Int).Set(c.chainID) }
func (c *EVMClient) SignerAddress() common.Address { return c.signerAddr }
func (c *EVMClient) Close()                        { c.eth.Close() }

func (c *EVMClient) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *EVMClient) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	out, err := c.call(ctx, token, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *EVMClient) call(ctx context.Context, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", method, err)
	}

	out, err := tokenABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *EVMClient) SimulateTransfer(ctx context.Context, token common.Address, auth *eip3009.Authorization, v uint8, r, s [32]byte) error {
	data, err := packTransfer(auth, v, r, s)
	if err != nil {
		return err
	}

	_, err = c.eth.CallContract(ctx, ethereum.CallMsg{
		From: auth.From,
		To:   &token,
		Data: data,
	}, nil)
	return err
}

func (c *EVMClient) SubmitTransfer(ctx context.Context, token common.Address, auth *eip3009.Authorization, v uint8, r, s [32]byte) (string, error) {
	if c.signer == nil {
		return "", &types.ConfigError{Message: fmt.Sprintf("no relay signer configured for %s", c.network)}
	}

	data, err := packTransfer(auth, v, r, s)
	if err != nil {
		return "", err
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.signerAddr, To: &token, Data: data})
	if err != nil {
		return "", &SubmissionError{Op: "estimate gas", Err: err}
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", &SubmissionError{Op: "suggest gas price", Err: err}
	}
	accountNonce, err := c.eth.PendingNonceAt(ctx, c.signerAddr)
	if err != nil {
		return "", &SubmissionError{Op: "pending nonce", Err: err}
	}

	tx := ethtypes.NewTransaction(accountNonce, token, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), c.signer)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", &SubmissionError{Op: "send tx", Err: err}
	}

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return signed.Hash().Hex(), &SubmissionError{Op: "await receipt", Err: err}
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return signed.Hash().Hex(), &RevertError{TxHash: signed.Hash().Hex()}
	}

	return signed.Hash().Hex(), nil
}

func (c *EVMClient) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func packTransfer(auth *eip3009.Authorization, v uint8, r, s [32]byte) ([]byte, error) {
	data, err := tokenABI.Pack(
		"transferWithAuthorization",
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		auth.Nonce,
		v,
		r,
		s,
	)
	if err != nil {
		return nil, fmt.Errorf("pack transferWithAuthorization: %w", err)
	}
	return data, nil
}
