// Package chi provides Chi-compatible middleware for x402 payment gating.
// This package is a thin adapter that uses stdlib http.Handler interface
// and delegates all payment verification and settlement logic to shared helpers.
package chi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/WTFLabs-WTF/x402x"
	"github.com/WTFLabs-WTF/x402x/facilitator"
	httpx402 "github.com/WTFLabs-WTF/x402x/http"
	"github.com/WTFLabs-WTF/x402x/http/internal/helpers"
	"github.com/WTFLabs-WTF/x402x/process"
)

// NewChiX402Middleware creates a new x402 payment middleware for Chi.
// It returns a Chi-compatible middleware function that wraps handlers with payment gating.
//
// The middleware:
//   - Bypasses OPTIONS requests for CORS preflight support
//   - Checks for X-PAYMENT header in requests
//   - Returns 402 Payment Required if missing or invalid
//   - Verifies payments with the facilitator
//   - Settles payments (unless VerifyOnly=true)
//   - Stores payment information in request context via httpx402.PaymentContextKey
//   - Calls next handler on payment success
//
// Example usage:
//
//	config := &httpx402.Config{
//	    FacilitatorURL: "https://api.x402.coinbase.com",
//	    PaymentRequirements: []x402.PaymentRequirement{{
//	        Scheme:            "exact",
//	        Network:           "base-sepolia",
//	        MaxAmountRequired: "10000",
//	        Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
//	        PayTo:             "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	        MaxTimeoutSeconds: 300,
//	    }},
//	}
//	r := chi.NewRouter()
//	r.Use(NewChiX402Middleware(config))
//	r.Get("/protected", func(w http.ResponseWriter, r *http.Request) {
//	    payment := r.Context().Value(httpx402.PaymentContextKey).(*facilitator.VerifyResponse)
//	    w.Write([]byte("Access granted! Payer: " + payment.Payer))
//	})
func NewChiX402Middleware(config *httpx402.Config) func(http.Handler) http.Handler {
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

	var gate facilitator.Interface = facilitatorClient
	if fallbackFacilitator != nil {
		gate = facilitator.WithFallback(facilitatorClient, fallbackFacilitator)
	}

	// Enrich payment requirements with facilitator-specific data (like feePayer for SVM)
	ctx, cancel := context.WithTimeout(context.Background(), x402.DefaultTimeouts.RequestTimeout)
	defer cancel()
	enrichedRequirements, err := facilitatorClient.EnrichRequirements(ctx, config.PaymentRequirements)
	if err != nil {
		// Log warning but continue with original requirements (graceful degradation per FR-019)
		slog.Default().Warn("failed to enrich payment requirements from facilitator", "error", err)
		enrichedRequirements = config.PaymentRequirements
	} else {
		slog.Default().Info("payment requirements enriched from facilitator", "count", len(enrichedRequirements))
	}

	settlementCache := process.NewSettlementCache(config.SettlementCacheSize)

	// Return Chi middleware function with stdlib signature
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := slog.Default()

			// OPTIONS request bypass for CORS preflight support (FR-022)
			if r.Method == "OPTIONS" {
				next.ServeHTTP(w, r)
				return
			}

			// Build absolute URL for the resource (FR-014)
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
			// implementation. A missing header and a malformed one are both
			// parse-stage failures reported through the same 402 JSON path (FR-007).
			paymentHeader := r.Header.Get("X-PAYMENT")
			payment, err := process.ParsePayload(paymentHeader)
			if err != nil {
				logger.Warn("invalid payment header", "error", err, "path", r.URL.Path)
				writeResultChi(w, process.Result{Stage: x402.ErrorStageParse, StatusCode: http.StatusPaymentRequired, Error: err.Error()}, requirementsWithResource)
				return
			}

			// Find matching requirement using shared helper
			requirement, err := helpers.FindMatchingRequirement(payment, requirementsWithResource)
			if err != nil {
				logger.Warn("no matching requirement", "error", err)
				writeResultChi(w, process.Result{Stage: x402.ErrorStageParse, StatusCode: http.StatusPaymentRequired, Error: err.Error()}, requirementsWithResource)
				return
			}

			// Verify payment with the facilitator (primary + fallback support).
			// process.Verify reparses and schema-validates paymentHeader itself, so
			// the payload handed to Settle below is exactly what was verified.
			logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
			verifiedPayload, verified, failed := process.Verify(r.Context(), paymentHeader, requirement, gate)
			if failed != nil {
				if failed.StatusCode == http.StatusPaymentRequired {
					logger.Warn("payment verification failed", "stage", failed.Stage, "reason", failed.Error)
				} else {
					logger.Error("facilitator verification failed", "error", failed.Error)
				}
				writeResultChi(w, *failed, requirementsWithResource)
				return
			}

			// Payment verified successfully (FR-023 - Info level)
			logger.Info("payment verified", "payer", verified.Payer)
			verifyResp := &facilitator.VerifyResponse{IsValid: true, Payer: verified.Payer}

			// Settle payment if not verify-only mode (FR-009)
			if !config.VerifyOnly {
				logger.Info("settling payment", "payer", verified.Payer)
				result := process.Settle(r.Context(), verifiedPayload, requirement, gate, verified.Payer, settlementCache)
				if !result.Success {
					logger.Error("settlement failed", "error", result.Error)
					writeResultChi(w, result, requirementsWithResource)
					return
				}

				logger.Info("payment settled", "transaction", result.TxHash)

				// Add X-PAYMENT-RESPONSE header with settlement info (FR-011)
				settlementResp := &x402.SettlementResponse{Success: true, Transaction: result.TxHash, Network: result.Network}
				if err := helpers.AddPaymentResponseHeader(w, settlementResp); err != nil {
					logger.Warn("failed to add payment response header", "error", err)
					// Continue anyway - payment was successful
				}
			}

			// Store payment info in request context for handler access (FR-010)
			ctx := context.WithValue(r.Context(), httpx402.PaymentContextKey, verifyResp)
			r = r.WithContext(ctx)

			// Payment successful - call next handler
			next.ServeHTTP(w, r)
		})
	}
}

// writeResultChi encodes a failed process.Result as the spec-mandated
// {x402Version, accepts, error, errorStage} JSON body at result.StatusCode
// (402 for parse/verify, 500 for settle) - never a plain-text error body (FR-020).
func writeResultChi(w http.ResponseWriter, result process.Result, accepts []x402.PaymentRequirement) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	_ = json.NewEncoder(w).Encode(result.Response(accepts))
}
