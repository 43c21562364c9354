package types

import "fmt"

// Reason codes returned in VerificationResult.InvalidReason and
// SettlementResult.ErrorReason. These are stable wire strings; clients
// branch on them for retry decisions.
const (
	// Verification failures.
	ReasonSchemeMismatch    = "scheme_mismatch"
	ReasonInvalidSignature  = "invalid_signature"
	ReasonInvalidTiming     = "invalid_timing"
	ReasonInsufficientValue = "insufficient_value"
	ReasonWrongRecipient    = "wrong_recipient"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonNonceAlreadyUsed  = "nonce_already_used"

	// Settlement failures. submission_failed is the only retryable class.
	ReasonSubmissionFailed     = "submission_failed"
	ReasonExpiredAuthorization = "expired_authorization"
	ReasonSimulationFailed     = "simulation_failed"
	ReasonUnexpectedError      = "unexpected_error"

	// Configuration faults surfaced to callers.
	ReasonUnsupportedNetwork = "unsupported_network"
)

// SchemaValidationError reports a structural failure at the codec trust
// boundary. Parsing is all-or-nothing: no value is constructed when one of
// these is returned.
type SchemaValidationError struct {
	Field  string
	Reason string
}

func (e *SchemaValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConfigError reports operator misconfiguration (missing signer, unknown
// network at startup). Distinct from caller errors so the API layer can map
// it appropriately.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
