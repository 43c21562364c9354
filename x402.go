// Package x402 implements the facilitator side of the x402 payment
// protocol: verifying client-signed EIP-3009 transfer authorizations
// against server-issued payment requirements and settling them on-chain.
package x402

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kaiapay/x402/clients"
	"github.com/kaiapay/x402/codec"
	"github.com/kaiapay/x402/logger"
	"github.com/kaiapay/x402/metrics"
	"github.com/kaiapay/x402/settlement"
	"github.com/kaiapay/x402/types"
	"github.com/kaiapay/x402/verification"
)

// Version information.
const (
	Version         = "1.0.0"
	ProtocolVersion = types.ProtocolVersion
)

// ClientConfig configures the chain adapter for one network.
type ClientConfig struct {
	RPCURL string
	// SignerKey is the hex-encoded private key of the relay account used
	// for settlement. Optional for verify-only deployments.
	SignerKey string
}

// Facilitator wires the codec, verifier and settler for a set of networks.
// It holds no cross-request mutable state; any number of Verify and Settle
// calls may run concurrently.
type Facilitator struct {
	verificationService *verification.VerificationService
	settlementService   *settlement.SettlementService
	chainClients        map[types.Network]clients.ChainClient

	timeout    time.Duration
	clockSkew  time.Duration
	retryCount int
	log        logger.Logger
	metrics    metrics.Recorder
}

// New creates a Facilitator. Networks are added afterwards with AddNetwork.
func New(opts ...Option) *Facilitator {
	f := &Facilitator{
		chainClients: make(map[types.Network]clients.ChainClient),
		timeout:      30 * time.Second,
		clockSkew:    5 * time.Second,
		retryCount:   3,
		log:          logger.NoopLogger{},
		metrics:      metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}

	f.verificationService = verification.NewVerificationService(f.timeout, f.clockSkew, f.log, f.metrics)
	f.settlementService = settlement.NewSettlementService(f.verificationService, f.timeout, f.retryCount, f.log, f.metrics)
	return f
}

// AddNetwork creates the chain adapter for a network and registers it with
// both services.
func (f *Facilitator) AddNetwork(network types.Network, config ClientConfig) error {
	if _, exists := f.chainClients[network]; exists {
		return &types.ConfigError{Message: fmt.Sprintf("network %s already configured", network)}
	}

	client, err := clients.NewEVMClient(network, config.RPCURL, config.SignerKey)
	if err != nil {
		return err
	}

	if err := f.verificationService.AddClient(network, client); err != nil {
		client.Close()
		return err
	}
	if err := f.settlementService.AddClient(network, client); err != nil {
		client.Close()
		return err
	}

	f.chainClients[network] = client
	return nil
}

// AddClient registers a pre-built chain adapter. Used by tests and callers
// with custom transports.
func (f *Facilitator) AddClient(network types.Network, client clients.ChainClient) error {
	if _, exists := f.chainClients[network]; exists {
		return &types.ConfigError{Message: fmt.Sprintf("network %s already configured", network)}
	}
	if err := f.verificationService.AddClient(network, client); err != nil {
		return err
	}
	if err := f.settlementService.AddClient(network, client); err != nil {
		return err
	}
	f.chainClients[network] = client
	return nil
}

// Verify parses nothing: it expects codec-validated input. HTTP callers go
// through VerifyRaw.
func (f *Facilitator) Verify(
	ctx context.Context,
	payload *types.PaymentPayload,
	exact *types.ExactEvmPayload,
	requirements *types.PaymentRequirements,
) (*types.VerificationResult, error) {
	return f.verificationService.Verify(ctx, payload, exact, requirements)
}

// Settle submits a verified payload on-chain.
func (f *Facilitator) Settle(
	ctx context.Context,
	payload *types.PaymentPayload,
	exact *types.ExactEvmPayload,
	requirements *types.PaymentRequirements,
) (*types.SettlementResult, error) {
	return f.settlementService.Settle(ctx, payload, exact, requirements)
}

// VerifyRaw runs the full codec+verify pipeline on an untrusted request
// body. Schema failures come back as *types.SchemaValidationError.
func (f *Facilitator) VerifyRaw(ctx context.Context, body []byte) (*types.VerificationResult, error) {
	req, exact, err := codec.ParseVerifyRequest(body)
	if err != nil {
		return nil, err
	}
	return f.Verify(ctx, &req.PaymentPayload, exact, &req.PaymentRequirements)
}

// SettleRaw runs the full codec+settle pipeline on an untrusted request
// body.
func (f *Facilitator) SettleRaw(ctx context.Context, body []byte) (*types.SettlementResult, error) {
	req, exact, err := codec.ParseVerifyRequest(body)
	if err != nil {
		return nil, err
	}
	return f.Settle(ctx, &req.PaymentPayload, exact, &req.PaymentRequirements)
}

// Supported returns one (version, scheme, network) tuple per configured
// network, in stable order.
func (f *Facilitator) Supported() *types.SupportedResponse {
	kinds := make([]types.SupportedKind, 0, len(f.chainClients))
	for network := range f.chainClients {
		kinds = append(kinds, types.SupportedKind{
			X402Version: ProtocolVersion,
			Scheme:      types.SchemeExact.String(),
			Network:     network.String(),
		})
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Network < kinds[j].Network })
	return &types.SupportedResponse{Kinds: kinds}
}

// IsNetworkSupported reports whether the network can be both verified and
// settled by this deployment.
func (f *Facilitator) IsNetworkSupported(network types.Network) bool {
	return f.verificationService.IsNetworkSupported(network) &&
		f.settlementService.IsNetworkSupported(network)
}

// Close closes all chain adapters.
func (f *Facilitator) Close() {
	for _, client := range f.chainClients {
		client.Close()
	}
}
