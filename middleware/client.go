package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kaiapay/x402/types"
)

// Facilitator is the remote capability the paywall drives. Implemented by
// FacilitatorClient over HTTP and by fakes in tests.
type Facilitator interface {
	Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerificationResult, error)
	Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettlementResult, error)
}

// FacilitatorClient talks to a facilitator deployment over HTTP.
type FacilitatorClient struct {
	BaseURL string
	Client  *http.Client
}

var _ Facilitator = (*FacilitatorClient)(nil)

// NewFacilitatorClient builds a client with a bounded request timeout.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerificationResult, error) {
	var result types.VerificationResult
	if err := c.post(ctx, "/verify", payload, requirements, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *FacilitatorClient) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettlementResult, error) {
	var result types.SettlementResult
	if err := c.post(ctx, "/settle", payload, requirements, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Supported fetches the (version, scheme, network) tuples the facilitator
// deployment handles.
func (c *FacilitatorClient) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("facilitator supported: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facilitator supported: status %d", resp.StatusCode)
	}

	var result types.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("facilitator supported: decode: %w", err)
	}
	return &result, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, payload *types.PaymentPayload, requirements *types.PaymentRequirements, out interface{}) error {
	body, err := json.Marshal(types.VerifyRequest{
		PaymentPayload:      *payload,
		PaymentRequirements: *requirements,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("facilitator %s: %s: %s", path, apiErr.Error, apiErr.Details)
		}
		return fmt.Errorf("facilitator %s: status %d", path, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
