// Package settlement submits verified payment authorizations on-chain and
// classifies the outcome. It is the only component that mutates external
// state; everything else in the module is read-only.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaiapay/x402/clients"
	"github.com/kaiapay/x402/eip3009"
	"github.com/kaiapay/x402/logger"
	"github.com/kaiapay/x402/metrics"
	"github.com/kaiapay/x402/types"
	"github.com/kaiapay/x402/verification"
)

// Settler is the contract for payment settlement.
type Settler interface {
	Settle(ctx context.Context, payload *types.PaymentPayload, exact *types.ExactEvmPayload, requirements *types.PaymentRequirements) (*types.SettlementResult, error)
}

// SettlementService settles payments across the configured networks.
// Submissions against the same network share one relay account, so they are
// serialized per network to keep transaction nonces ordered; different
// networks settle in parallel.
type SettlementService struct {
	clients    map[types.Network]clients.ChainClient
	submitLock map[types.Network]*sync.Mutex

	verifier   verification.Verifier
	timeout    time.Duration
	retryCount int
	retryBase  time.Duration
	log        logger.Logger
	metrics    metrics.Recorder

	now func() time.Time
}

var _ Settler = (*SettlementService)(nil)

// NewSettlementService creates a settlement service. verifier is re-run
// before every submission; settling an unverified payload is a precondition
// violation, never a silent success. retryCount bounds resubmission after
// network-level failures (resubmitting an already-mined redemption is safe,
// the consumed nonce makes it revert).
func NewSettlementService(verifier verification.Verifier, timeout time.Duration, retryCount int, log logger.Logger, rec metrics.Recorder) *SettlementService {
	if retryCount < 0 {
		retryCount = 0
	}
	return &SettlementService{
		clients:    make(map[types.Network]clients.ChainClient),
		submitLock: make(map[types.Network]*sync.Mutex),
		verifier:   verifier,
		timeout:    timeout,
		retryCount: retryCount,
		retryBase:  500 * time.Millisecond,
		log:        log,
		metrics:    rec,
		now:        time.Now,
	}
}

// AddClient registers the chain adapter for a network.
func (s *SettlementService) AddClient(network types.Network, client clients.ChainClient) error {
	if !network.IsSupported() {
		return &types.ConfigError{Message: fmt.Sprintf("unsupported network %q", network)}
	}
	s.clients[network] = client
	s.submitLock[network] = &sync.Mutex{}
	return nil
}

func (s *SettlementService) IsNetworkSupported(network types.Network) bool {
	_, ok := s.clients[network]
	return ok
}

// Settle verifies then submits the authorization as a
// transferWithAuthorization transaction from the relay account, awaits
// inclusion and classifies the outcome. Failures are results, not errors.
func (s *SettlementService) Settle(
	ctx context.Context,
	payload *types.PaymentPayload,
	exact *types.ExactEvmPayload,
	requirements *types.PaymentRequirements,
) (*types.SettlementResult, error) {
	start := s.now()
	result, err := s.settle(ctx, payload, exact, requirements)
	if err != nil {
		return nil, err
	}

	outcome := "success"
	if !result.Success {
		outcome = result.ErrorReason
	}
	labels := map[string]string{"network": requirements.Network, "outcome": outcome}
	s.metrics.IncCounter("settle", labels)
	s.metrics.ObserveLatency("settle", s.now().Sub(start), labels)
	s.log.Info("settlement outcome", map[string]any{
		"network": requirements.Network,
		"success": result.Success,
		"reason":  result.ErrorReason,
		"txHash":  result.TxHash,
	})
	return result, nil
}

func (s *SettlementService) settle(
	ctx context.Context,
	payload *types.PaymentPayload,
	exact *types.ExactEvmPayload,
	requirements *types.PaymentRequirements,
) (*types.SettlementResult, error) {
	network := types.Network(requirements.Network)
	fail := func(reason, payer string) *types.SettlementResult {
		return &types.SettlementResult{
			Success:     false,
			ErrorReason: reason,
			NetworkID:   requirements.Network,
			Payer:       payer,
		}
	}

	client, ok := s.clients[network]
	if !ok {
		return fail(types.ReasonUnsupportedNetwork, ""), nil
	}

	// Settlement re-runs verification; stale or invalid payloads are
	// rejected here instead of reverting on-chain.
	verifyResult, err := s.verifier.Verify(ctx, payload, exact, requirements)
	if err != nil {
		return nil, err
	}
	if !verifyResult.IsValid {
		return fail(verifyResult.InvalidReason, verifyResult.Payer), nil
	}
	payer := verifyResult.Payer

	auth, err := eip3009.FromWire(exact.Authorization)
	if err != nil {
		return fail(types.ReasonUnexpectedError, payer), nil
	}
	v, r, sigS, err := eip3009.SplitSignature(exact.Signature)
	if err != nil {
		return fail(types.ReasonUnexpectedError, payer), nil
	}
	token := common.HexToAddress(requirements.Asset)

	// Dry-run the redemption first; a transfer that would revert is rejected
	// before any gas is spent.
	simCtx, cancel := context.WithTimeout(ctx, s.timeout)
	simErr := client.SimulateTransfer(simCtx, token, auth, v, r, sigS)
	cancel()
	if simErr != nil {
		reason := s.classifyRevert(ctx, client, token, auth)
		if reason == types.ReasonUnexpectedError {
			reason = types.ReasonSimulationFailed
		}
		return fail(reason, payer), nil
	}

	lock := s.submitLock[network]
	lock.Lock()
	defer lock.Unlock()

	txHash, err := s.submitWithRetry(ctx, client, token, auth, v, r, sigS)
	if err == nil {
		return &types.SettlementResult{
			Success:   true,
			TxHash:    txHash,
			NetworkID: requirements.Network,
			Payer:     payer,
		}, nil
	}

	var revertErr *clients.RevertError
	if errors.As(err, &revertErr) {
		reason := s.classifyRevert(ctx, client, token, auth)
		result := fail(reason, payer)
		result.TxHash = revertErr.TxHash
		return result, nil
	}

	var cfgErr *types.ConfigError
	if errors.As(err, &cfgErr) {
		return nil, cfgErr
	}

	s.log.Warn("settlement submission failed", map[string]any{
		"network": requirements.Network,
		"error":   err.Error(),
	})
	return fail(types.ReasonSubmissionFailed, payer), nil
}

// submitWithRetry retries submission-class failures with exponential
// backoff, bounded by retryCount. Reverts are never retried.
func (s *SettlementService) submitWithRetry(
	ctx context.Context,
	client clients.ChainClient,
	token common.Address,
	auth *eip3009.Authorization,
	v uint8, r, sigS [32]byte,
) (string, error) {
	var lastErr error
	delay := s.retryBase

	for attempt := 0; attempt <= s.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		submitCtx, cancel := context.WithTimeout(ctx, s.timeout)
		txHash, err := client.SubmitTransfer(submitCtx, token, auth, v, r, sigS)
		cancel()
		if err == nil {
			return txHash, nil
		}

		var subErr *clients.SubmissionError
		if !errors.As(err, &subErr) {
			return txHash, err
		}
		lastErr = err
	}

	return "", lastErr
}

// classifyRevert maps an on-chain revert to a reason code by re-reading the
// state that could have caused it. Reads are best effort; anything
// unexplained is unexpected_error.
func (s *SettlementService) classifyRevert(
	ctx context.Context,
	client clients.ChainClient,
	token common.Address,
	auth *eip3009.Authorization,
) string {
	readCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if used, err := client.AuthorizationState(readCtx, token, auth.From, auth.Nonce); err == nil && used {
		return types.ReasonNonceAlreadyUsed
	}

	now := big.NewInt(s.now().Unix())
	if now.Cmp(auth.ValidBefore) > 0 {
		return types.ReasonExpiredAuthorization
	}

	if balance, err := client.BalanceOf(readCtx, token, auth.From); err == nil && balance.Cmp(auth.Value) < 0 {
		return types.ReasonInsufficientFunds
	}

	return types.ReasonUnexpectedError
}

// BatchSettle settles multiple payments concurrently. Settlements touching
// the same network still serialize on the submission lock.
func (s *SettlementService) BatchSettle(
	ctx context.Context,
	payloads []*types.PaymentPayload,
	exacts []*types.ExactEvmPayload,
	requirements []*types.PaymentRequirements,
) ([]*types.SettlementResult, error) {
	if len(payloads) != len(requirements) || len(payloads) != len(exacts) {
		return nil, fmt.Errorf("payload, exact and requirement counts must match")
	}

	type item struct {
		index  int
		result *types.SettlementResult
		err    error
	}
	results := make([]*types.SettlementResult, len(payloads))
	ch := make(chan item, len(payloads))

	for i := range payloads {
		go func(i int) {
			result, err := s.Settle(ctx, payloads[i], exacts[i], requirements[i])
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
