// Package types defines the canonical wire representations of the x402
// payment protocol: requirements issued by resource servers, payloads signed
// by clients, and the verification/settlement results a facilitator returns.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// ProtocolVersion is the x402 protocol version this library speaks.
const ProtocolVersion = 1

// PaymentScheme is the payment method variant.
type PaymentScheme string

const (
	// SchemeExact is an exact-amount transfer authorization (EIP-3009).
	SchemeExact PaymentScheme = "exact"
)

// IsSupported reports whether s is a member of the closed scheme enum.
func (s PaymentScheme) IsSupported() bool {
	return s == SchemeExact
}

func (s PaymentScheme) String() string {
	return string(s)
}

// PaymentRequirements describes the payment a resource server accepts for a
// protected resource. Immutable once issued; a payload is only valid against
// the exact requirements it was issued for.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use (currently always "exact").
	Scheme string `json:"scheme" validate:"required"`

	// Network of the blockchain to send payment on (e.g. "kaia").
	Network string `json:"network" validate:"required"`

	// Maximum amount required to pay for the resource, in atomic units of
	// the asset. Held as a string because uint256 exceeds Go integers.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required"`

	// URL of the resource being paid for.
	Resource string `json:"resource"`

	// Description of the resource being purchased. Opaque metadata.
	Description string `json:"description"`

	// MIME type of the resource response. Opaque metadata.
	MimeType string `json:"mimeType"`

	// Output schema of the resource response, if applicable.
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`

	// Address the payment must be sent to.
	PayTo string `json:"payTo" validate:"required"`

	// Upper bound in seconds the client must respect when constructing the
	// authorization validity window.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" validate:"required,gt=0"`

	// Address of the EIP-3009 compliant ERC-20 contract.
	Asset string `json:"asset" validate:"required"`

	// Extra carries scheme-specific detail. For "exact" on EVM this may
	// include the EIP-712 domain "name" and "version" of the token.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// MaxAmount parses MaxAmountRequired as a non-negative base-10 integer.
func (pr *PaymentRequirements) MaxAmount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(pr.MaxAmountRequired, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("maxAmountRequired %q is not a non-negative integer", pr.MaxAmountRequired)
	}
	return amount, nil
}

// DomainName returns the EIP-712 domain name for the asset, honouring an
// override in Extra. Defaults to the USDC domain.
func (pr *PaymentRequirements) DomainName() string {
	if v, ok := pr.Extra["name"].(string); ok && v != "" {
		return v
	}
	return "USD Coin"
}

// DomainVersion returns the EIP-712 domain version for the asset.
func (pr *PaymentRequirements) DomainVersion() string {
	if v, ok := pr.Extra["version"].(string); ok && v != "" {
		return v
	}
	return "2"
}

// PaymentPayload is the client-signed proof of payment carried in the
// X-PAYMENT header and submitted to the facilitator for verification.
type PaymentPayload struct {
	// X402Version of the protocol the client speaks.
	X402Version int `json:"x402Version" validate:"required"`

	Scheme  string `json:"scheme" validate:"required"`
	Network string `json:"network" validate:"required"`

	// Payload is the scheme-specific signed authorization. For "exact" it
	// decodes to ExactEvmPayload. Kept raw so the codec can perform
	// tagged-variant parsing after the scheme enum is known.
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// ExactEvmPayload is the decoded "exact" scheme payload: an EIP-3009
// transfer authorization plus the payer's EIP-712 signature over it.
type ExactEvmPayload struct {
	// Signature is the 65-byte ECDSA signature, 0x-prefixed hex.
	Signature string `json:"signature" validate:"required"`

	Authorization ExactEvmAuthorization `json:"authorization" validate:"required"`
}

// ExactEvmAuthorization mirrors the TransferWithAuthorization struct of
// EIP-3009. Numeric fields are decimal strings (uint256 range).
type ExactEvmAuthorization struct {
	From        string `json:"from" validate:"required"`
	To          string `json:"to" validate:"required"`
	Value       string `json:"value" validate:"required"`
	ValidAfter  string `json:"validAfter" validate:"required"`
	ValidBefore string `json:"validBefore" validate:"required"`
	// Nonce is a single-use 32-byte identifier, 0x-prefixed hex. Replay
	// protection lives in the token contract's authorization state, not in
	// facilitator memory.
	Nonce string `json:"nonce" validate:"required"`
}

// VerifyRequest is the body of POST /verify and POST /settle.
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload" validate:"required"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements" validate:"required"`
}

// VerificationResult is the outcome of a verify call. Invalid payments are
// protocol outcomes, not errors: IsValid=false with a machine-readable
// reason code.
type VerificationResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettlementResult is the outcome of a settle call.
type SettlementResult struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	NetworkID   string `json:"networkId"`
	Payer       string `json:"payer,omitempty"`
}

// SupportedKind is one (version, scheme, network) tuple a facilitator
// deployment can verify and settle.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// PaymentRequiredResponse is the 402 body a resource server returns when no
// (or no valid) payment accompanies a request to a protected route.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// SettlementReceipt is the decoded X-PAYMENT-RESPONSE header attached to a
// successfully paid response.
type SettlementReceipt struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}
