// Package verification checks that a payment payload satisfies payment
// requirements: structural equality, signature validity, timing, amount and
// on-chain liveness. Verification never mutates state; calls are idempotent
// and may run concurrently without limit.
package verification

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaiapay/x402/clients"
	"github.com/kaiapay/x402/eip3009"
	"github.com/kaiapay/x402/logger"
	"github.com/kaiapay/x402/metrics"
	"github.com/kaiapay/x402/types"
)

// Verifier is the contract for payment verification.
type Verifier interface {
	Verify(ctx context.Context, payload *types.PaymentPayload, exact *types.ExactEvmPayload, requirements *types.PaymentRequirements) (*types.VerificationResult, error)
}

// VerificationService verifies payments across the configured networks.
type VerificationService struct {
	clients   map[types.Network]clients.ChainClient
	timeout   time.Duration
	clockSkew time.Duration
	log       logger.Logger
	metrics   metrics.Recorder

	// now is swapped in tests to pin the clock.
	now func() time.Time
}

var _ Verifier = (*VerificationService)(nil)

// NewVerificationService creates a verification service. clockSkew widens
// the accepted [validAfter, validBefore] window on both sides to tolerate
// clock drift between client and facilitator.
func NewVerificationService(timeout, clockSkew time.Duration, log logger.Logger, rec metrics.Recorder) *VerificationService {
	return &VerificationService{
		clients:   make(map[types.Network]clients.ChainClient),
		timeout:   timeout,
		clockSkew: clockSkew,
		log:       log,
		metrics:   rec,
		now:       time.Now,
	}
}

// AddClient registers the chain adapter for a network.
func (s *VerificationService) AddClient(network types.Network, client clients.ChainClient) error {
	if !network.IsSupported() {
		return &types.ConfigError{Message: fmt.Sprintf("unsupported network %q", network)}
	}
	s.clients[network] = client
	return nil
}

// SupportedNetworks returns the networks with a configured adapter.
func (s *VerificationService) SupportedNetworks() []types.Network {
	networks := make([]types.Network, 0, len(s.clients))
	for network := range s.clients {
		networks = append(networks, network)
	}
	return networks
}

func (s *VerificationService) IsNetworkSupported(network types.Network) bool {
	_, ok := s.clients[network]
	return ok
}

// Verify runs the check pipeline, short-circuiting on the first failure.
// Checks are ordered cheapest-and-offline-first so malformed input never
// costs an RPC round trip. Failures are results, not errors; only transport
// faults reach the error return.
func (s *VerificationService) Verify(
	ctx context.Context,
	payload *types.PaymentPayload,
	exact *types.ExactEvmPayload,
	requirements *types.PaymentRequirements,
) (*types.VerificationResult, error) {
	start := s.now()
	result, err := s.verify(ctx, payload, exact, requirements)
	if err != nil {
		return nil, err
	}

	outcome := "valid"
	if !result.IsValid {
		outcome = result.InvalidReason
	}
	labels := map[string]string{"network": requirements.Network, "outcome": outcome}
	s.metrics.IncCounter("verify", labels)
	s.metrics.ObserveLatency("verify", s.now().Sub(start), labels)
	s.log.Info("verification decision", map[string]any{
		"network": requirements.Network,
		"isValid": result.IsValid,
		"reason":  result.InvalidReason,
		"payer":   result.Payer,
	})
	return result, nil
}

func (s *VerificationService) verify(
	ctx context.Context,
	payload *types.PaymentPayload,
	exact *types.ExactEvmPayload,
	requirements *types.PaymentRequirements,
) (*types.VerificationResult, error) {
	// 1. Version, scheme and network must match exactly between payload
	// and requirements. No substitution across routes or chains.
	if payload.X402Version != types.ProtocolVersion ||
		payload.Scheme != requirements.Scheme ||
		payload.Network != requirements.Network {
		return invalid(types.ReasonSchemeMismatch), nil
	}

	network := types.Network(requirements.Network)
	client, ok := s.clients[network]
	if !ok {
		return invalid(types.ReasonUnsupportedNetwork), nil
	}

	auth, err := eip3009.FromWire(exact.Authorization)
	if err != nil {
		return invalid(types.ReasonSchemeMismatch), nil
	}

	// 2. Recover the signer from the EIP-712 signature; it must be the
	// authorization's from address.
	domain := eip3009.DomainFor(requirements, client.ChainID())
	signer, err := eip3009.RecoverSigner(domain, auth, exact.Signature)
	if err != nil || !strings.EqualFold(signer.Hex(), auth.From.Hex()) {
		return invalid(types.ReasonInvalidSignature), nil
	}
	payer := signer.Hex()

	// 3. Time window, widened by the skew tolerance on both sides.
	now := big.NewInt(s.now().Unix())
	skew := big.NewInt(int64(s.clockSkew / time.Second))
	notBefore := new(big.Int).Sub(auth.ValidAfter, skew)
	notAfter := new(big.Int).Add(auth.ValidBefore, skew)
	if now.Cmp(notBefore) < 0 || now.Cmp(notAfter) > 0 {
		return invalid(types.ReasonInvalidTiming), nil
	}

	// 4. Amount and recipient against the requirements.
	required, err := requirements.MaxAmount()
	if err != nil {
		return invalid(types.ReasonSchemeMismatch), nil
	}
	if !strings.EqualFold(auth.To.Hex(), common.HexToAddress(requirements.PayTo).Hex()) {
		return invalid(types.ReasonWrongRecipient), nil
	}
	if auth.Value.Cmp(required) < 0 {
		return invalid(types.ReasonInsufficientValue), nil
	}

	// 5. On-chain liveness: payer funded, nonce unconsumed. These are the
	// only network-bound checks and run last.
	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	token := common.HexToAddress(requirements.Asset)
	balance, err := client.BalanceOf(verifyCtx, token, auth.From)
	if err != nil {
		return nil, fmt.Errorf("balance read on %s: %w", network, err)
	}
	if balance.Cmp(auth.Value) < 0 {
		return invalidWithPayer(types.ReasonInsufficientFunds, payer), nil
	}

	used, err := client.AuthorizationState(verifyCtx, token, auth.From, auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("authorization state read on %s: %w", network, err)
	}
	if used {
		return invalidWithPayer(types.ReasonNonceAlreadyUsed, payer), nil
	}

	return &types.VerificationResult{IsValid: true, Payer: payer}, nil
}

// BatchVerify fans out verification concurrently. Individual failures land
// in their result slot; a transport error on any item is returned alongside
// the partial results.
func (s *VerificationService) BatchVerify(
	ctx context.Context,
	payloads []*types.PaymentPayload,
	exacts []*types.ExactEvmPayload,
	requirements []*types.PaymentRequirements,
) ([]*types.VerificationResult, error) {
	if len(payloads) != len(requirements) || len(payloads) != len(exacts) {
		return nil, fmt.Errorf("payload, exact and requirement counts must match")
	}

	type item struct {
		index  int
		result *types.VerificationResult
		err    error
	}
	results := make([]*types.VerificationResult, len(payloads))
	ch := make(chan item, len(payloads))

	for i := range payloads {
		go func(i int) {
			result, err := s.Verify(ctx, payloads[i], exacts[i], requirements[i])
			ch <- item{index: i, result: result, err: err}
		}(i)
	}

	var firstErr error
	for range payloads {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case it := <-ch:
			results[it.index] = it.result
			if it.err != nil && firstErr == nil {
				firstErr = it.err
			}
		}
	}
	return results, firstErr
}

func invalid(reason string) *types.VerificationResult {
	return &types.VerificationResult{IsValid: false, InvalidReason: reason}
}

func invalidWithPayer(reason, payer string) *types.VerificationResult {
	return &types.VerificationResult{IsValid: false, InvalidReason: reason, Payer: payer}
}
