// Package middleware gates HTTP routes behind x402 payments. A request to a
// protected route without a valid payment header receives 402 with the
// route's payment requirements; a request carrying a verified payment is
// served and settled eagerly or in the background.
package middleware

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kaiapay/x402/logger"
	"github.com/kaiapay/x402/types"
)

// Protocol header names.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// SettlementMode selects when settlement happens relative to serving.
type SettlementMode int

const (
	// SettleEager settles before the response is released; settlement
	// failure withholds the protected content.
	SettleEager SettlementMode = iota
	// SettleDeferred serves immediately and settles in the background;
	// failures are logged, not surfaced.
	SettleDeferred
)

// RouteConfig prices one protected route.
type RouteConfig struct {
	// Price in whole asset units, e.g. "0.01" for one cent of USDC.
	// Converted to atomic units at request time.
	Price string

	// AssetDecimals of the token; defaults to 6 (USDC).
	AssetDecimals int

	Network types.Network
	PayTo   string
	Asset   string

	Description       string
	MimeType          string
	MaxTimeoutSeconds int

	// Extra is forwarded into the requirements (EIP-712 domain overrides).
	Extra map[string]interface{}
}

// Config configures the paywall.
type Config struct {
	Facilitator Facilitator

	// Routes maps path patterns to pricing. A pattern is an exact path or
	// a prefix ending in "/*".
	Routes map[string]RouteConfig

	Mode SettlementMode

	// SettleTimeout bounds the settle call, eager or deferred.
	SettleTimeout time.Duration

	Log logger.Logger
}

// Paywall returns middleware enforcing payment on the configured routes.
// Unmatched paths pass through untouched.
func Paywall(cfg Config) func(http.Handler) http.Handler {
	if cfg.Log == nil {
		cfg.Log = logger.NoopLogger{}
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 60 * time.Second
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, ok := matchRoute(cfg.Routes, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			requirements, err := resolveRequirements(route, r)
			if err != nil {
				cfg.Log.Error("route misconfigured", map[string]any{"path": r.URL.Path, "error": err.Error()})
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "route misconfigured"})
				return
			}

			header := r.Header.Get(HeaderPayment)
			if header == "" {
				writePaymentRequired(w, requirements, "Payment required")
				return
			}

			payload, err := decodePaymentHeader(header)
			if err != nil {
				writePaymentRequired(w, requirements, "Invalid payment header: "+err.Error())
				return
			}

			verifyResult, err := cfg.Facilitator.Verify(r.Context(), payload, requirements)
			if err != nil {
				cfg.Log.Error("verify call failed", map[string]any{"path": r.URL.Path, "error": err.Error()})
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "payment verification unavailable"})
				return
			}
			if !verifyResult.IsValid {
				writePaymentRequired(w, requirements, verifyResult.InvalidReason)
				return
			}

			switch cfg.Mode {
			case SettleDeferred:
				next.ServeHTTP(w, r)
				go settleDeferred(cfg, payload, requirements)
			default:
				serveEager(cfg, next, w, r, payload, requirements)
			}
		})
	}
}

// serveEager buffers the protected response, settles, and only releases the
// content once settlement succeeded. Payment was promised, not delivered,
// until the transaction lands.
func serveEager(cfg Config, next http.Handler, w http.ResponseWriter, r *http.Request, payload *types.PaymentPayload, requirements *types.PaymentRequirements) {
	buf := newBufferedWriter()
	next.ServeHTTP(buf, r)

	ctx, cancel := context.WithTimeout(r.Context(), cfg.SettleTimeout)
	defer cancel()

	settleResult, err := cfg.Facilitator.Settle(ctx, payload, requirements)
	if err != nil || !settleResult.Success {
		reason := "settlement unavailable"
		if err == nil {
			reason = settleResult.ErrorReason
		} else {
			cfg.Log.Error("settle call failed", map[string]any{"path": r.URL.Path, "error": err.Error()})
		}
		writePaymentRequired(w, requirements, "Settlement failed: "+reason)
		return
	}

	receipt := types.SettlementReceipt{
		Success:     true,
		Transaction: settleResult.TxHash,
		Network:     settleResult.NetworkID,
		Payer:       settleResult.Payer,
	}
	if encoded, err := json.Marshal(receipt); err == nil {
		w.Header().Set(HeaderPaymentResponse, base64.StdEncoding.EncodeToString(encoded))
	}

	buf.flush(w)
}

func settleDeferred(cfg Config, payload *types.PaymentPayload, requirements *types.PaymentRequirements) {
	// Detached from the request: an abandoned client must not cancel a
	// settlement whose transaction may already be in flight.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.SettleTimeout)
	defer cancel()

	result, err := cfg.Facilitator.Settle(ctx, payload, requirements)
	if err != nil {
		cfg.Log.Error("deferred settlement failed", map[string]any{
			"network": requirements.Network,
			"error":   err.Error(),
		})
		return
	}
	if !result.Success {
		cfg.Log.Error("deferred settlement rejected", map[string]any{
			"network": requirements.Network,
			"reason":  result.ErrorReason,
			"payer":   result.Payer,
		})
		return
	}
	cfg.Log.Info("deferred settlement confirmed", map[string]any{
		"network": result.NetworkID,
		"txHash":  result.TxHash,
	})
}

// resolveRequirements turns the route pricing into concrete requirements
// for this request. Resolution happens per request, never cached: the price
// is converted to atomic units at this moment.
func resolveRequirements(route RouteConfig, r *http.Request) (*types.PaymentRequirements, error) {
	decimals := route.AssetDecimals
	if decimals == 0 {
		decimals = 6
	}
	price, err := decimal.NewFromString(route.Price)
	if err != nil {
		return nil, err
	}
	atomic := price.Shift(int32(decimals))

	timeout := route.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}

	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact.String(),
		Network:           route.Network.String(),
		MaxAmountRequired: atomic.Truncate(0).String(),
		Resource:          requestURL(r),
		Description:       route.Description,
		MimeType:          route.MimeType,
		PayTo:             route.PayTo,
		MaxTimeoutSeconds: timeout,
		Asset:             route.Asset,
		Extra:             route.Extra,
	}, nil
}

func matchRoute(routes map[string]RouteConfig, path string) (RouteConfig, bool) {
	if route, ok := routes[path]; ok {
		return route, true
	}
	for pattern, route := range routes {
		if prefix, found := strings.CutSuffix(pattern, "/*"); found && strings.HasPrefix(path, prefix+"/") {
			return route, true
		}
	}
	return RouteConfig{}, false
}

func decodePaymentHeader(header string) (*types.PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, err
	}
	var payload types.PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func writePaymentRequired(w http.ResponseWriter, requirements *types.PaymentRequirements, reason string) {
	writeJSON(w, http.StatusPaymentRequired, types.PaymentRequiredResponse{
		X402Version: types.ProtocolVersion,
		Accepts:     []types.PaymentRequirements{*requirements},
		Error:       reason,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// bufferedWriter captures the protected handler's response so it can be
// withheld if eager settlement fails.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) { b.status = status }

func (b *bufferedWriter) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	w.Write(b.body.Bytes())
}
