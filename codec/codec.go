// Package codec parses untrusted JSON into x402 protocol values. It is the
// trust boundary of the facilitator: nothing downstream may assume payload
// structure without having passed through here. Parsing is all-or-nothing
// and failures carry the offending field.
package codec

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/kaiapay/x402/types"
)

var validate = validator.New()

// ParseVerifyRequest decodes the {paymentPayload, paymentRequirements} body
// shared by POST /verify and POST /settle. The scheme-specific payload is
// decoded eagerly so malformed authorizations are rejected here, not deep in
// verification.
func ParseVerifyRequest(data []byte) (*types.VerifyRequest, *types.ExactEvmPayload, error) {
	var req types.VerifyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, nil, &types.SchemaValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}

	if len(req.PaymentRequirements.Scheme) == 0 && len(req.PaymentRequirements.Network) == 0 {
		return nil, nil, &types.SchemaValidationError{Field: "paymentRequirements", Reason: "missing"}
	}
	if err := CheckRequirements(&req.PaymentRequirements); err != nil {
		return nil, nil, err
	}
	if err := checkPayloadEnvelope(&req.PaymentPayload); err != nil {
		return nil, nil, err
	}

	exact, err := DecodeExactEvmPayload(req.PaymentPayload.Payload)
	if err != nil {
		return nil, nil, err
	}

	return &req, exact, nil
}

// CheckRequirements validates PaymentRequirements structurally: required
// fields present, enums closed, amount a non-negative integer, addresses
// well-formed.
func CheckRequirements(pr *types.PaymentRequirements) error {
	if err := validate.Struct(pr); err != nil {
		return &types.SchemaValidationError{
			Field:  "paymentRequirements",
			Reason: firstViolation(err),
		}
	}
	if !types.PaymentScheme(pr.Scheme).IsSupported() {
		return &types.SchemaValidationError{Field: "paymentRequirements.scheme", Reason: "unknown scheme " + pr.Scheme}
	}
	if !types.Network(pr.Network).IsSupported() {
		return &types.SchemaValidationError{Field: "paymentRequirements.network", Reason: "unknown network " + pr.Network}
	}
	if _, err := pr.MaxAmount(); err != nil {
		return &types.SchemaValidationError{Field: "paymentRequirements.maxAmountRequired", Reason: "must be a non-negative integer"}
	}
	if !common.IsHexAddress(pr.PayTo) {
		return &types.SchemaValidationError{Field: "paymentRequirements.payTo", Reason: "not a hex address"}
	}
	if !common.IsHexAddress(pr.Asset) {
		return &types.SchemaValidationError{Field: "paymentRequirements.asset", Reason: "not a hex address"}
	}
	return nil
}

func checkPayloadEnvelope(pp *types.PaymentPayload) error {
	if err := validate.Struct(pp); err != nil {
		return &types.SchemaValidationError{
			Field:  "paymentPayload",
			Reason: firstViolation(err),
		}
	}
	if !types.PaymentScheme(pp.Scheme).IsSupported() {
		return &types.SchemaValidationError{Field: "paymentPayload.scheme", Reason: "unknown scheme " + pp.Scheme}
	}
	if !types.Network(pp.Network).IsSupported() {
		return &types.SchemaValidationError{Field: "paymentPayload.network", Reason: "unknown network " + pp.Network}
	}
	return nil
}

// DecodeExactEvmPayload performs the tagged-variant decode of the "exact"
// scheme payload: a 65-byte signature over an EIP-3009 authorization with a
// 32-byte nonce and uint256 numeric fields.
func DecodeExactEvmPayload(raw json.RawMessage) (*types.ExactEvmPayload, error) {
	var p types.ExactEvmPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &types.SchemaValidationError{Field: "paymentPayload.payload", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if err := validate.Struct(&p); err != nil {
		return nil, &types.SchemaValidationError{Field: "paymentPayload.payload", Reason: firstViolation(err)}
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return nil, &types.SchemaValidationError{Field: "paymentPayload.payload.signature", Reason: "must be 65 bytes of hex"}
	}

	auth := p.Authorization
	if !common.IsHexAddress(auth.From) {
		return nil, &types.SchemaValidationError{Field: "paymentPayload.payload.authorization.from", Reason: "not a hex address"}
	}
	if !common.IsHexAddress(auth.To) {
		return nil, &types.SchemaValidationError{Field: "paymentPayload.payload.authorization.to", Reason: "not a hex address"}
	}
	for _, f := range []struct{ name, value string }{
		{"value", auth.Value},
		{"validAfter", auth.ValidAfter},
		{"validBefore", auth.ValidBefore},
	} {
		if _, err := parseUint256(f.value); err != nil {
			return nil, &types.SchemaValidationError{
				Field:  "paymentPayload.payload.authorization." + f.name,
				Reason: "must be a non-negative integer",
			}
		}
	}
	nonce, err := hex.DecodeString(strings.TrimPrefix(auth.Nonce, "0x"))
	if err != nil || len(nonce) != 32 {
		return nil, &types.SchemaValidationError{Field: "paymentPayload.payload.authorization.nonce", Reason: "must be 32 bytes of hex"}
	}

	return &p, nil
}

func parseUint256(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return nil, fmt.Errorf("not a uint256: %q", s)
	}
	return n, nil
}

// MustUint256 is for values already validated by the codec.
func MustUint256(s string) *big.Int {
	n, _ := new(big.Int).SetString(s, 10)
	return n
}

// Nonce32 converts a validated 0x-hex nonce into its fixed-size form.
func Nonce32(s string) [32]byte {
	var out [32]byte
	b, _ := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	copy(out[:], b)
	return out
}

func firstViolation(err error) string {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		return fmt.Sprintf("field %s failed %q validation", verrs[0].Field(), verrs[0].Tag())
	}
	return err.Error()
}
