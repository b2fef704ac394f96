// Package gin provides Gin-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates gin.Context to stdlib http patterns
// and delegates all payment verification and settlement logic to the process package and shared helpers.
package gin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/WTFLabs-WTF/x402x"
	"github.com/WTFLabs-WTF/x402x/facilitator"
	httpx402 "github.com/WTFLabs-WTF/x402x/http"
	"github.com/WTFLabs-WTF/x402x/http/internal/helpers"
	"github.com/WTFLabs-WTF/x402x/process"
)

// NewGinX402Middleware creates a new x402 payment middleware for Gin.
// It returns a Gin-compatible middleware function that wraps handlers with payment gating.
//
// The middleware:
//   - Checks for X-PAYMENT header in requests
//   - Returns 402 Payment Required if missing or invalid
//   - Verifies payments with the facilitator
//   - Settles payments (unless VerifyOnly=true)
//   - Stores payment information in Gin context via c.Set("x402_payment", verifyResp)
//   - Calls c.Abort() on payment failure to stop the handler chain
//   - Calls c.Next() on payment success to proceed to the protected handler
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
//	r := gin.Default()
//	r.Use(NewGinX402Middleware(config))
//	r.GET("/protected", func(c *gin.Context) {
//	    if payment, exists := c.Get("x402_payment"); exists {
//	        verifyResp := payment.(*facilitator.VerifyResponse)
//	        c.JSON(200, gin.H{"payer": verifyResp.Payer})
//	    }
//	})
func NewGinX402Middleware(config *httpx402.Config) gin.HandlerFunc {
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

	settlementCache := process.NewSettlementCache(config.SettlementCacheSize)

	// Return Gin middleware function
	return func(c *gin.Context) {
		logger := slog.Default()

		// Build absolute URL for the resource
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		resourceURL := scheme + "://" + c.Request.Host + c.Request.RequestURI

		// Populate resource field in requirements with the actual request URL
		requirementsWithResource := make([]x402.PaymentRequirement, len(enrichedRequirements))
		for i, req := range enrichedRequirements {
			requirementsWithResource[i] = req
			requirementsWithResource[i].Resource = resourceURL
			if requirementsWithResource[i].Description == "" {
				requirementsWithResource[i].Description = "Payment required for " + c.Request.URL.Path
			}
		}

		// Parse payment header via process.ParsePayload, the one schema-validating
		// implementation. A missing header and a malformed one are both parse-stage
		// failures reported through the same 402 JSON path.
		paymentHeader := c.GetHeader("X-PAYMENT")
		payment, err := process.ParsePayload(paymentHeader)
		if err != nil {
			logger.Warn("invalid payment header", "error", err, "path", c.Request.URL.Path)
			writeResultGin(c, process.Result{Stage: x402.ErrorStageParse, StatusCode: http.StatusPaymentRequired, Error: err.Error()}, requirementsWithResource)
			return
		}

		// Find matching requirement
		requirement, err := findMatchingRequirementGin(payment, requirementsWithResource)
		if err != nil {
			logger.Warn("no matching requirement", "error", err)
			writeResultGin(c, process.Result{Stage: x402.ErrorStageParse, StatusCode: http.StatusPaymentRequired, Error: err.Error()}, requirementsWithResource)
			return
		}

		// Verify payment with the facilitator (primary, falling back to secondary
		// on error). process.Verify reparses and schema-validates paymentHeader
		// itself, so the payload handed to Settle below is exactly what was verified.
		logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
		verifiedPayload, verified, failed := process.Verify(c.Request.Context(), paymentHeader, requirement, gate)
		if failed != nil {
			if failed.StatusCode == http.StatusPaymentRequired {
				logger.Warn("payment verification failed", "stage", failed.Stage, "reason", failed.Error)
			} else {
				logger.Error("facilitator verification failed", "error", failed.Error)
			}
			writeResultGin(c, *failed, requirementsWithResource)
			return
		}

		// Payment verified successfully
		logger.Info("payment verified", "payer", verified.Payer)
		verifyResp := &facilitator.VerifyResponse{IsValid: true, Payer: verified.Payer}

		// Settle payment if not verify-only mode
		if !config.VerifyOnly {
			logger.Info("settling payment", "payer", verified.Payer)
			result := process.Settle(c.Request.Context(), verifiedPayload, requirement, gate, verified.Payer, settlementCache)
			if !result.Success {
				logger.Error("settlement failed", "error", result.Error)
				writeResultGin(c, result, requirementsWithResource)
				return
			}

			logger.Info("payment settled", "transaction", result.TxHash)

			// Add X-PAYMENT-RESPONSE header with settlement info
			settlementResp := &x402.SettlementResponse{Success: true, Transaction: result.TxHash, Network: result.Network}
			if err := addPaymentResponseHeaderGin(c, settlementResp); err != nil {
				logger.Warn("failed to add payment response header", "error", err)
				// Continue anyway - payment was successful
			}
		}

		// Store payment info in Gin context for handler access
		c.Set("x402_payment", verifyResp)

		// Also store in stdlib context for compatibility with http package helpers
		ctx := context.WithValue(c.Request.Context(), httpx402.PaymentContextKey, verifyResp)
		c.Request = c.Request.WithContext(ctx)

		// Payment successful - call next handler
		c.Next()
	}
}

// writeResultGin encodes a failed process.Result as the spec-mandated
// {x402Version, accepts, error, errorStage} JSON body at result.StatusCode
// (402 for parse/verify, 500 for settle) and aborts the Gin handler chain.
func writeResultGin(c *gin.Context, result process.Result, accepts []x402.PaymentRequirement) {
	c.AbortWithStatusJSON(result.StatusCode, result.Response(accepts))
}

// findMatchingRequirementGin finds a payment requirement that matches the provided payment.
func findMatchingRequirementGin(payment x402.PaymentPayload, requirements []x402.PaymentRequirement) (x402.PaymentRequirement, error) {
	return helpers.FindMatchingRequirement(payment, requirements)
}

// addPaymentResponseHeaderGin adds the X-PAYMENT-RESPONSE header with settlement information.
func addPaymentResponseHeaderGin(c *gin.Context, settlement *x402.SettlementResponse) error {
	return helpers.AddPaymentResponseHeader(c.Writer, settlement)
}
