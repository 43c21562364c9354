// Package clients provides per-network blockchain adapters. An adapter can
// read on-chain state (balances, authorization nonces, call simulation) and
// submit signed transactions through the facilitator's relay account.
package clients

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaiapay/x402/eip3009"
	"github.com/kaiapay/x402/types"
)

// ChainClient is the read/submit capability the verification and settlement
// services operate on. Implementations must be safe for concurrent use;
// callers own per-call timeouts via ctx.
type ChainClient interface {
	Network() types.Network
	ChainID() *big.Int

	// BalanceOf returns the owner's balance of the ERC-20 token.
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// AuthorizationState reports whether the EIP-3009 nonce has already
	// been consumed for the authorizer on the token contract.
	AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error)

	// SimulateTransfer eth_calls transferWithAuthorization without
	// submitting. A revert is returned as an error.
	SimulateTransfer(ctx context.Context, token common.Address, auth *eip3009.Authorization, v uint8, r, s [32]byte) error

	// SubmitTransfer signs, broadcasts and awaits inclusion of a
	// transferWithAuthorization transaction from the relay account.
	// Network-level failures return *SubmissionError (retryable); mined
	// but reverted transactions return *RevertError.
	SubmitTransfer(ctx context.Context, token common.Address, auth *eip3009.Authorization, v uint8, r, s [32]byte) (string, error)

	// SignerAddress is the relay account the client submits from.
	SignerAddress() common.Address

	Close()
}

// SubmissionError wraps RPC/gas/broadcast failures. Resubmitting after one
// of these is safe: either the transaction never left, or a duplicate
// redemption reverts on the consumed nonce.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// RevertError reports a transaction that was mined but reverted.
type RevertError struct {
	TxHash string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("transaction %s reverted", e.TxHash)
}
