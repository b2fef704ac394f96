// Package pocketbase provides PocketBase-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates core.RequestEvent to stdlib http patterns
// and delegates all payment verification and settlement logic to shared helpers.
package pocketbase

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/WTFLabs-WTF/x402x"
	"github.com/WTFLabs-WTF/x402x/facilitator"
	httpx402 "github.com/WTFLabs-WTF/x402x/http"
	"github.com/WTFLabs-WTF/x402x/http/internal/helpers"
	"github.com/WTFLabs-WTF/x402x/process"
	"github.com/pocketbase/pocketbase/core"
)

// NewPocketBaseX402Middleware creates a new x402 payment middleware for PocketBase.
// It returns a PocketBase-compatible middleware function that wraps handlers with payment gating.
//
// The middleware:
//   - Checks for X-PAYMENT header in requests
//   - Returns 402 Payment Required if missing or invalid
//   - Verifies payments with the facilitator
//   - Settles payments (unless VerifyOnly=true)
//   - Stores payment information in the request store via e.Set("x402_payment", verifyResp)
//   - On payment failure, writes the JSON failure body and returns without calling e.Next()
//   - Calls e.Next() on payment success to proceed to the protected handler
//
// After successful verification, payment details are stored in the request store
// with key "x402_payment" as *facilitator.VerifyResponse. Handlers can access via:
//
//	verifyResp := e.Get("x402_payment").(*facilitator.VerifyResponse)
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
//
//	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
//	    middleware := NewPocketBaseX402Middleware(config)
//	    se.Router.GET("/api/premium/data", handler).BindFunc(middleware)
//	    return se.Next()
//	})
func NewPocketBaseX402Middleware(config *httpx402.Config) func(*core.RequestEvent) error {
	facilitatorClient := &facilitator.HTTPClient{
		BaseURL:               config.FacilitatorURL,
		Client:                &http.Client{Timeout: x402.DefaultTimeouts.RequestTimeout},
		Timeouts:              x402.DefaultTimeouts,
		Authorization:         config.FacilitatorAuthorization,
		AuthorizationProvider: config.FacilitatorAuthorizationProvider,
		OnBeforeVerify:        config.FacilitatorOnBeforeVerify,
		OnAfterVerify:         config.FacilitatorOnAfterVerify,
		OnBeforeSettle:        config.FacilitatorOnBeforeSettle,
		OnAfterSettle:         config.FacilitatorOnAfterSettle,
	}

	var fallbackFacilitator *facilitator.HTTPClient
	if config.FallbackFacilitatorURL != "" {
		fallbackFacilitator = &facilitator.HTTPClient{
			BaseURL:               config.FallbackFacilitatorURL,
			Client:                &http.Client{Timeout: x402.DefaultTimeouts.RequestTimeout},
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

	ctx, cancel := context.WithTimeout(context.Background(), x402.DefaultTimeouts.RequestTimeout)
	defer cancel()
	enrichedRequirements, err := facilitatorClient.EnrichRequirements(ctx, config.PaymentRequirements)
	if err != nil {
		slog.Default().Warn("failed to enrich payment requirements from facilitator", "error", err)
		enrichedRequirements = config.PaymentRequirements
	} else {
		slog.Default().Info("payment requirements enriched from facilitator", "count", len(enrichedRequirements))
	}

	settlementCache := process.NewSettlementCache(config.SettlementCacheSize)

	return func(e *core.RequestEvent) error {
		logger := slog.Default()

		if e.Request.Method == "OPTIONS" {
			return e.Next()
		}

		scheme := "http"
		if e.Request.TLS != nil {
			scheme = "https"
		}
		resourceURL := scheme + "://" + e.Request.Host + e.Request.RequestURI

		requirementsWithResource := make([]x402.PaymentRequirement, len(enrichedRequirements))
		for i, req := range enrichedRequirements {
			requirementsWithResource[i] = req
			requirementsWithResource[i].Resource = resourceURL
			if requirementsWithResource[i].Description == "" {
				requirementsWithResource[i].Description = "Payment required for " + e.Request.URL.Path
			}
		}

		// Parse payment header via process.ParsePayload, the one schema-validating
		// implementation. A missing header and a malformed one are both parse-stage
		// failures reported through the same 402 JSON path.
		paymentHeader := e.Request.Header.Get("X-PAYMENT")
		payment, err := process.ParsePayload(paymentHeader)
		if err != nil {
			logger.Warn("invalid payment header", "error", err, "path", e.Request.URL.Path)
			return writeResultPocketBase(e, process.Result{Stage: x402.ErrorStageParse, StatusCode: http.StatusPaymentRequired, Error: err.Error()}, requirementsWithResource)
		}

		requirement, err := findMatchingRequirementPocketBase(payment, requirementsWithResource)
		if err != nil {
			logger.Warn("no matching requirement", "error", err)
			return writeResultPocketBase(e, process.Result{Stage: x402.ErrorStageParse, StatusCode: http.StatusPaymentRequired, Error: err.Error()}, requirementsWithResource)
		}

		// Verify payment with the facilitator (primary + fallback support).
		// process.Verify reparses and schema-validates paymentHeader itself, so
		// the payload handed to Settle below is exactly what was verified.
		logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
		verifiedPayload, verified, failed := process.Verify(e.Request.Context(), paymentHeader, requirement, gate)
		if failed != nil {
			if failed.StatusCode == http.StatusPaymentRequired {
				logger.Warn("payment verification failed", "stage", failed.Stage, "reason", failed.Error)
			} else {
				logger.Error("facilitator verification failed", "error", failed.Error)
			}
			return writeResultPocketBase(e, *failed, requirementsWithResource)
		}

		logger.Info("payment verified", "payer", verified.Payer)
		verifyResp := &facilitator.VerifyResponse{IsValid: true, Payer: verified.Payer}
		e.Set("x402_payment", verifyResp)
		ctx := context.WithValue(e.Request.Context(), httpx402.PaymentContextKey, verifyResp)
		e.Request = e.Request.WithContext(ctx)

		if !config.VerifyOnly {
			logger.Info("settling payment", "payer", verified.Payer)
			result := process.Settle(e.Request.Context(), verifiedPayload, requirement, gate, verified.Payer, settlementCache)
			if !result.Success {
				logger.Error("settlement failed", "error", result.Error)
				return writeResultPocketBase(e, result, requirementsWithResource)
			}

			logger.Info("payment settled", "transaction", result.TxHash)
			settlementResp := &x402.SettlementResponse{Success: true, Transaction: result.TxHash, Network: result.Network}
			if err := helpers.AddPaymentResponseHeader(e.Response, settlementResp); err != nil {
				logger.Warn("failed to add payment response header", "error", err)
			}
		}

		return e.Next()
	}
}

// writeResultPocketBase encodes a failed process.Result as the spec-mandated
// {x402Version, accepts, error, errorStage} JSON body at result.StatusCode
// (402 for parse/verify, 500 for settle) - never a plain-text error body.
func writeResultPocketBase(e *core.RequestEvent, result process.Result, accepts []x402.PaymentRequirement) error {
	return e.JSON(result.StatusCode, result.Response(accepts))
}

// parsePaymentHeaderFromRequest parses and schema-validates the X-PAYMENT header,
// delegating to process.ParsePayload rather than the older, validation-free
// helpers parser.
func parsePaymentHeaderFromRequest(r *http.Request) (x402.PaymentPayload, error) {
	return process.ParsePayload(r.Header.Get("X-PAYMENT"))
}

// findMatchingRequirementPocketBase finds a payment requirement that matches
// the provided payment.
func findMatchingRequirementPocketBase(payment x402.PaymentPayload, requirements []x402.PaymentRequirement) (x402.PaymentRequirement, error) {
	return helpers.FindMatchingRequirement(payment, requirements)
}
