package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/WTFLabs-WTF/x402x"
	"github.com/WTFLabs-WTF/x402x/retry"
)

// AuthorizationProvider returns an Authorization header value, recomputed on every
// call so a caller can refresh a short-lived token without reconstructing the client.
type AuthorizationProvider func(ctx context.Context) (string, error)

// OnBeforeFunc runs immediately before a verify or settle call is dispatched.
type OnBeforeFunc func(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement)

// OnAfterVerifyFunc runs after a verify call returns, success or not.
type OnAfterVerifyFunc func(ctx context.Context, resp *VerifyResponse, err error)

// OnAfterSettleFunc runs after a settle call returns, success or not.
type OnAfterSettleFunc func(ctx context.Context, resp *x402.SettlementResponse, err error)

// HTTPClient talks to a remote facilitator's /verify, /settle, and /supported
// endpoints. It satisfies Interface.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
	Timeouts x402.TimeoutConfig

	// Authorization is a static Authorization header value. AuthorizationProvider,
	// if set, takes precedence and is re-evaluated on every call.
	Authorization         string
	AuthorizationProvider AuthorizationProvider

	OnBeforeVerify OnBeforeFunc
	OnAfterVerify  OnAfterVerifyFunc
	OnBeforeSettle OnBeforeFunc
	OnAfterSettle  OnAfterSettleFunc

	// Retry governs transient-error retry for Verify and Settle; /supported calls
	// are made once. The zero value disables retry (MaxAttempts 0 is treated as a
	// single attempt).
	Retry retry.Config
}

// retryConfig returns c.Retry with MaxAttempts raised to 1 when it is unset.
func (c *HTTPClient) retryConfig() retry.Config {
	cfg := c.Retry
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return cfg
}

// NewHTTPClient builds an HTTPClient with the package defaults: x402.DefaultTimeouts,
// a plain *http.Client, and retry.DefaultConfig.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL:  baseURL,
		Client:   &http.Client{},
		Timeouts: x402.DefaultTimeouts,
		Retry:    retry.DefaultConfig,
	}
}

var _ Interface = (*HTTPClient)(nil)

type facilitatorRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
	WaitUntil           x402.WaitUntil          `json:"waitUntil,omitempty"`
}

func (c *HTTPClient) authHeader(ctx context.Context) (string, error) {
	if c.AuthorizationProvider != nil {
		return c.AuthorizationProvider(ctx)
	}
	return c.Authorization, nil
}

func isRetryableTransport(err error) bool {
	if err == nil {
		return false
	}
	// x402.ErrVerificationFailed/ErrSettlementFailed wrap a non-200 response from a
	// reachable server - retrying won't change a deterministic rejection. Everything
	// else reaching this point is a transport-level failure (dial, TLS, timeout).
	return !isTerminalFacilitatorError(err)
}

func isTerminalFacilitatorError(err error) bool {
	for _, terminal := range []error{x402.ErrVerificationFailed, x402.ErrSettlementFailed} {
		if errors.Is(err, terminal) {
			return true
		}
	}
	return false
}

// doJSON POSTs req to c.BaseURL+path and decodes a 200 response into out. A non-200
// response produces failedErr wrapping the status code; a transport failure produces
// x402.ErrFacilitatorUnavailable.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, out any, failedErr error) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal facilitator request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build facilitator request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if auth, err := c.authHeader(ctx); err != nil {
		return fmt.Errorf("resolve facilitator authorization: %w", err)
	} else if auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", failedErr, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode facilitator response: %w", err)
	}
	return nil
}

// Verify asks the facilitator to check a payment authorization without settling it.
func (c *HTTPClient) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		c.OnBeforeVerify(ctx, payment, requirement)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
	defer cancel()

	req := facilitatorRequest{X402Version: 1, PaymentPayload: payment, PaymentRequirements: requirement}

	resp, err := retry.WithRetry(ctx, c.retryConfig(), isRetryableTransport, func() (*VerifyResponse, error) {
		var out VerifyResponse
		if err := c.doJSON(ctx, http.MethodPost, "/verify", req, &out, x402.ErrVerificationFailed); err != nil {
			return nil, err
		}
		return &out, nil
	})

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, resp, err)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Settle executes a previously verified payment on-chain via the facilitator.
func (c *HTTPClient) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettlementResponse, error) {
	if c.OnBeforeSettle != nil {
		c.OnBeforeSettle(ctx, payment, requirement)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.SettleTimeout)
	defer cancel()

	req := facilitatorRequest{X402Version: 1, PaymentPayload: payment, PaymentRequirements: requirement, WaitUntil: x402.WaitUntilConfirmed}

	resp, err := retry.WithRetry(ctx, c.retryConfig(), isRetryableTransport, func() (*x402.SettlementResponse, error) {
		var out x402.SettlementResponse
		if err := c.doJSON(ctx, http.MethodPost, "/settle", req, &out, x402.ErrSettlementFailed); err != nil {
			return nil, err
		}
		return &out, nil
	})

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, resp, err)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Supported queries which (scheme, network, asset) combinations the facilitator
// accepts, without query filters; SupportedFiltered adds chainId/tokenAddress filters.
func (c *HTTPClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.RequestTimeout)
	defer cancel()

	var out SupportedResponse
	if err := c.doJSON(ctx, http.MethodGet, "/supported", nil, &out, x402.ErrFacilitatorUnavailable); err != nil {
		return nil, err
	}
	return &out, nil
}

// SupportedFiltered calls /supported?chainId=&tokenAddress= with the given filters,
// either of which may be left empty to omit that query parameter.
func (c *HTTPClient) SupportedFiltered(ctx context.Context, chainID, tokenAddress string) (*SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.RequestTimeout)
	defer cancel()

	path := "/supported"
	q := url.Values{}
	if chainID != "" {
		q.Set("chainId", chainID)
	}
	if tokenAddress != "" {
		q.Set("tokenAddress", tokenAddress)
	}
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out SupportedResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, x402.ErrFacilitatorUnavailable); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnrichRequirements merges facilitator-advertised extras (such as an SVM feePayer)
// into requirements whose (network, scheme) the facilitator recognizes. A facilitator
// that is unreachable or reports no supported kinds is treated as permissive: the
// requirements pass through unchanged rather than failing the whole request.
func (c *HTTPClient) EnrichRequirements(ctx context.Context, requirements []x402.PaymentRequirement) ([]x402.PaymentRequirement, error) {
	supported, err := c.Supported(ctx)
	if err != nil || len(supported.Kinds) == 0 {
		return requirements, err
	}

	byKey := make(map[string]SupportedKind, len(supported.Kinds))
	for _, kind := range supported.Kinds {
		byKey[kind.Network+"-"+kind.Scheme] = kind
	}

	enriched := make([]x402.PaymentRequirement, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		kind, ok := byKey[req.Network+"-"+req.Scheme]
		if !ok || kind.Extra == nil {
			continue
		}
		if enriched[i].Extra == nil {
			enriched[i].Extra = make(map[string]any, len(kind.Extra))
		}
		for k, v := range kind.Extra {
			if _, exists := enriched[i].Extra[k]; !exists {
				enriched[i].Extra[k] = v
			}
		}
	}
	return enriched, nil
}
