package eip3009

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaiapay/x402/types"
)

// FromWire converts a codec-validated wire authorization into its typed
// form. Returns an error on fields the codec did not see (defensive against
// direct library callers bypassing the codec).
func FromWire(auth types.ExactEvmAuthorization) (*Authorization, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid value %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok || validAfter.Sign() < 0 {
		return nil, fmt.Errorf("invalid validAfter %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok || validBefore.Sign() < 0 {
		return nil, fmt.Errorf("invalid validBefore %q", auth.ValidBefore)
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(auth.Nonce, "0x"))
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("nonce must be 32 bytes of hex")
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("from/to must be hex addresses")
	}

	return &Authorization{
		From:        common.HexToAddress(auth.From),
		To:          common.HexToAddress(auth.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}, nil
}

// DomainFor builds the EIP-712 domain for the asset named by the
// requirements, honouring extra.name/extra.version overrides.
func DomainFor(reqs *types.PaymentRequirements, chainID *big.Int) Domain {
	return Domain{
		Name:              reqs.DomainName(),
		Version:           reqs.DomainVersion(),
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(reqs.Asset),
	}
}
