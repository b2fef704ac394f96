// Package http provides HTTP middleware for x402 payment gating.
package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/WTFLabs-WTF/x402x"
	"github.com/WTFLabs-WTF/x402x/facilitator"
	"github.com/WTFLabs-WTF/x402x/process"
)

// Config holds the configuration for the x402 middleware.
type Config struct {
	// FacilitatorURL is the primary facilitator endpoint
	FacilitatorURL string

	// FallbackFacilitatorURL is the optional backup facilitator
	FallbackFacilitatorURL string

	// PaymentRequirements defines the accepted payment methods
	PaymentRequirements []x402.PaymentRequirement

	// VerifyOnly skips settlement if true (only verifies payments)
	VerifyOnly bool

	// FacilitatorAuthorization is a static Authorization header value for the primary facilitator.
	// Example: "Bearer your-api-key" or "Basic base64-encoded-credentials"
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider is a function that returns an Authorization header value
	// for the primary facilitator. Useful for dynamic tokens that may need to be refreshed.
	// If set, this takes precedence over FacilitatorAuthorization.
	FacilitatorAuthorizationProvider facilitator.AuthorizationProvider

	// Facilitator hooks for custom logic before/after verify and settle operations
	FacilitatorOnBeforeVerify facilitator.OnBeforeFunc
	FacilitatorOnAfterVerify  facilitator.OnAfterVerifyFunc
	FacilitatorOnBeforeSettle facilitator.OnBeforeFunc
	FacilitatorOnAfterSettle  facilitator.OnAfterSettleFunc

	// FallbackFacilitatorAuthorization is a static Authorization header value for the fallback facilitator.
	FallbackFacilitatorAuthorization string

	// FallbackFacilitatorAuthorizationProvider is a function that returns an Authorization header value
	// for the fallback facilitator. If set, this takes precedence over FallbackFacilitatorAuthorization.
	FallbackFacilitatorAuthorizationProvider facilitator.AuthorizationProvider

	// FallbackFacilitator hooks for custom logic before/after verify and settle operations
	FallbackFacilitatorOnBeforeVerify facilitator.OnBeforeFunc
	FallbackFacilitatorOnAfterVerify  facilitator.OnAfterVerifyFunc
	FallbackFacilitatorOnBeforeSettle facilitator.OnBeforeFunc
	FallbackFacilitatorOnAfterSettle  facilitator.OnAfterSettleFunc

	// SettlementCacheSize bounds the duplicate-settle guard's nonce cache.
	// Zero selects process's default size.
	SettlementCacheSize int
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing verified payment information.
const PaymentContextKey = contextKey("x402_payment")

// NewX402Middleware creates a new x402 payment middleware.
// It returns a middleware function that wraps HTTP handlers with payment gating.
// The middleware automatically fetches network-specific configuration (like feePayer for SVM chains)
// from the facilitator's /supported endpoint.
func NewX402Middleware(config *Config) func(http.Handler) http.Handler {
	// Create facilitator client
	facilitatorClient := &facilitator.HTTPClient{
		BaseURL:               config.FacilitatorURL,
		Client:                &http.Client{},
		Timeouts:              x402.DefaultTimeouts,
		Authorization:         config.FacilitatorAuthorization,
		AuthorizationProvider: config.FacilitatorAuthorizationProvider,
		OnBeforeVerify:        config.FacilitatorOnBeforeVerify,
		OnAfterVerify:         config.FacilitatorOnAfterVerify,
		OnBeforeSettle:        config.FacilitatorOnBeforeSettle,
		OnAfterSettle:         config.FacilitatorOnAfterSettle,
	}

	// Create fallback facilitator client if configured
	var fallbackFacilitator *facilitator.HTTPClient
	if config.FallbackFacilitatorURL != "" {
		fallbackFacilitator = &facilitator.HTTPClient{
			BaseURL:               config.FallbackFacilitatorURL,
			Client:                &http.Client{},
			Timeouts:              x402.DefaultTimeouts,
			Authorization:         config.FallbackFacilitatorAuthorization,
			AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
			OnBeforeVerify:        config.FallbackFacilitatorOnBeforeVerify,
			OnAfterVerify:         config.FallbackFacilitatorOnAfterVerify,
			OnBeforeSettle:        config.FallbackFacilitatorOnBeforeSettle,
			OnAfterSettle:         config.FallbackFacilitatorOnAfterSettle,
		}
	}

	// Combine primary and (optional) fallback into a single Interface so the
	// request path below never has to know whether a fallback exists.
	var gate facilitator.Interface = facilitatorClient
	if fallbackFacilitator != nil {
		gate = facilitator.WithFallback(facilitatorClient, fallbackFacilitator)
	}

	settlementCache := process.NewSettlementCache(config.SettlementCacheSize)

	// Enrich payment requirements with facilitator-specific data (like feePayer)
	ctx, cancel := context.WithTimeout(context.Background(), x402.DefaultTimeouts.RequestTimeout)
	defer cancel()
	enrichedRequirements, err := facilitatorClient.EnrichRequirements(ctx, config.PaymentRequirements)
	if err != nil {
		// Log warning but continue with original requirements
		slog.Default().Warn("failed to enrich payment requirements from facilitator", "error", err)
		enrichedRequirements = config.PaymentRequirements
	} else {
		slog.Default().Info("payment requirements enriched from facilitator", "count", len(enrichedRequirements))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := slog.Default()

			// Build absolute URL for the resource
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			resourceURL := scheme + "://" + r.Host + r.RequestURI

			// Populate resource field in requirements with the actual request URL
			requirementsWithResource := make([]x402.PaymentRequirement, len(enrichedRequirements))
			for i, req := range enrichedRequirements {
				requirementsWithResource[i] = req
				requirementsWithResource[i].Resource = resourceURL
				if requirementsWithResource[i].Description == "" {
					requirementsWithResource[i].Description = "Payment required for " + r.URL.Path
				}
			}

			// Parse payment header via process.ParsePayload, the one schema-validating
			// implementation. A missing header ("") and a malformed one are both
			// parse-stage failures and reported through the same 402 JSON path;
			// process.ParsePayload treats "" as x402.ErrMissingPaymentHeader.
			paymentHeader := r.Header.Get("X-PAYMENT")
			payment, err := process.ParsePayload(paymentHeader)
			if err != nil {
				logger.Warn("invalid payment header", "error", err, "path", r.URL.Path)
				writeResult(w, process.Result{Stage: x402.ErrorStageParse, StatusCode: http.StatusPaymentRequired, Error: err.Error()}, requirementsWithResource)
				return
			}

			// Find matching requirement
			requirement, err := findMatchingRequirement(payment, requirementsWithResource)
			if err != nil {
				logger.Warn("no matching requirement", "error", err)
				writeResult(w, process.Result{Stage: x402.ErrorStageParse, StatusCode: http.StatusPaymentRequired, Error: err.Error()}, requirementsWithResource)
				return
			}

			// Verify payment with the facilitator (primary, falling back to
			// secondary on error). process.Verify reparses and schema-validates
			// paymentHeader itself, so the payload handed to Settle below is
			// exactly what was verified.
			logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
			verifiedPayload, verified, failed := process.Verify(r.Context(), paymentHeader, requirement, gate)
			if failed != nil {
				if failed.StatusCode == http.StatusPaymentRequired {
					logger.Warn("payment verification failed", "stage", failed.Stage, "reason", failed.Error)
				} else {
					logger.Error("facilitator verification failed", "error", failed.Error)
				}
				writeResult(w, *failed, requirementsWithResource)
				return
			}

			// Payment verified successfully
			logger.Info("payment verified", "payer", verified.Payer)

			// Store payment info in context for handler access
			ctx := context.WithValue(r.Context(), PaymentContextKey, &facilitator.VerifyResponse{IsValid: true, Payer: verified.Payer})
			r = r.WithContext(ctx)

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					if config.VerifyOnly {
						return true
					}

					logger.Info("settling payment", "payer", verified.Payer)
					result := process.Settle(r.Context(), verifiedPayload, requirement, gate, verified.Payer, settlementCache)
					if !result.Success {
						logger.Error("settlement failed", "error", result.Error)
						writeResult(w, result, requirementsWithResource)
						return false
					}

					logger.Info("payment settled", "transaction", result.TxHash)

					// Add X-PAYMENT-RESPONSE header with settlement info
					settlementResp := &x402.SettlementResponse{Success: true, Transaction: result.TxHash, Network: result.Network}
					if err := addPaymentResponseHeader(w, settlementResp); err != nil {
						logger.Warn("failed to add payment response header", "error", err)
						// Continue anyway - payment was successful
					}
					return true
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler returned non-success, skipping payment settlement", "status", statusCode)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// writeResult encodes a failed process.Result as the spec-mandated
// {x402Version, accepts, error, errorStage} JSON body at result.StatusCode
// (402 for parse/verify, 500 for settle) - never a plain-text error body.
func writeResult(w http.ResponseWriter, result process.Result, accepts []x402.PaymentRequirement) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	_ = json.NewEncoder(w).Encode(result.Response(accepts))
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of commitment.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc is the callback that performs the actual settlement logic
	settleFunc func() bool
	// onFailure is an internal logging callback
	onFailure func(statusCode int)
	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// If the handler calls Write without WriteHeader, it implies 200 OK.
	// We must trigger our check now.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// If settlement failed, we have "hijacked" the connection to send an error.
	// We silently discard the handler's payload to prevent mixed responses.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Case 1: Handler is returning an error (e.g., 404, 500).
	// We do nothing. Let the error pass through. No settlement.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	// Case 2: Handler wants to succeed. STOP!
	// We run the settlement logic now.
	if !i.settleFunc() {
		// Settlement failed. We mark as hijacked.
		// The settleFunc has already written the 500 error to the underlying writer.
		i.hijacked = true
		return
	}

	// Case 3: Settlement succeeded.
	// The settleFunc has already added the X-PAYMENT-RESPONSE headers.
	// We now allow the original status code to proceed.
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}
