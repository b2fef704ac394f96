// Package process implements the parse → verify → settle state machine that
// turns an incoming X-PAYMENT header into either a settled transaction or a
// precisely categorized 402/500 rejection, independent of any HTTP framework.
package process

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/WTFLabs-WTF/x402x"
	"github.com/WTFLabs-WTF/x402x/facilitator"
	"github.com/WTFLabs-WTF/x402x/schema"
)

// dataURLPrefix is tolerated and stripped before base64-decoding the header.
const dataURLPrefix = "data:application/json;base64,"

// Result is the outcome of one Run call: either a settled payment (Success)
// or a single stage's failure, carrying enough information to build the
// HTTP-facing 402/500 body.
type Result struct {
	Success bool

	// Populated on Success.
	Payer   string
	TxHash  string
	Network string

	// Populated on failure.
	Stage      x402.ErrorStage
	StatusCode int
	Error      string
}

// Response builds the wire-level PaymentRequirementsResponse body for a
// failed Result. accepts is the requirement(s) the caller originally offered.
func (r Result) Response(accepts []x402.PaymentRequirement) x402.PaymentRequirementsResponse {
	return x402.PaymentRequirementsResponse{
		X402Version: 1,
		Error:       r.Error,
		ErrorStage:  r.Stage,
		Accepts:     accepts,
	}
}

func failure(stage x402.ErrorStage, statusCode int, format string, args ...any) Result {
	return Result{Stage: stage, StatusCode: statusCode, Error: fmt.Sprintf(format, args...)}
}

// ParsePayload decodes and validates an X-PAYMENT header value: an optional
// "data:application/json;base64," prefix is stripped, the remainder is
// base64-decoded, JSON-parsed, and schema-validated.
func ParsePayload(header string) (x402.PaymentPayload, error) {
	var payload x402.PaymentPayload

	if header == "" {
		return payload, fmt.Errorf("%w", x402.ErrMissingPaymentHeader)
	}

	encoded := strings.TrimPrefix(header, dataURLPrefix)

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payload, fmt.Errorf("%w: invalid base64 encoding", x402.ErrMalformedHeader)
	}

	if err := json.Unmarshal(decoded, &payload); err != nil {
		return payload, fmt.Errorf("%w: invalid JSON", x402.ErrMalformedHeader)
	}

	result, err := schema.ValidatePaymentPayload(payload)
	if err != nil {
		return payload, fmt.Errorf("%w: schema validation error: %v", x402.ErrMalformedHeader, err)
	}
	if !result.Valid {
		return payload, fmt.Errorf("%w: %s", x402.ErrMalformedHeader, result.Error())
	}

	// Solana payloads carry a bare serialized transaction, not a tagged
	// authorizationType - schema.ValidatePaymentPayload already exempts them.
	if payload.Network != "solana" && payload.Network != "solana-devnet" {
		if _, _, err := x402.DecodeAuthorization(payload.Payload); err != nil {
			return payload, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
		}
	}

	return payload, nil
}

// Run executes parse → verify → settle against header and requirement,
// using fac for the verify/settle calls. cache, if non-nil, is consulted
// before settling and updated after a successful settlement, guarding against
// a duplicate settle call on a retried request carrying the same nonce.
//
// Callers that need to defer settlement until a later point (e.g. an HTTP
// gate that only settles once the downstream handler commits a 2xx response)
// should call Verify and Settle directly instead of Run.
func Run(ctx context.Context, header string, requirement x402.PaymentRequirement, fac facilitator.Interface, cache *SettlementCache) Result {
	payload, verified, failed := Verify(ctx, header, requirement, fac)
	if failed != nil {
		return *failed
	}
	return Settle(ctx, payload, requirement, fac, verified.Payer, cache)
}

// Verified is the payer-bearing outcome of a successful Verify call.
type Verified struct {
	Payer string
}

// Verify runs the parse and verify stages. On success it returns the parsed
// payload and the recovered payer; on failure it returns a non-nil Result
// describing the 402 rejection.
func Verify(ctx context.Context, header string, requirement x402.PaymentRequirement, fac facilitator.Interface) (x402.PaymentPayload, Verified, *Result) {
	payload, err := ParsePayload(header)
	if err != nil {
		r := failure(x402.ErrorStageParse, 402, "%v", err)
		return payload, Verified{}, &r
	}

	verifyResp, err := fac.Verify(ctx, payload, requirement)
	if err != nil {
		r := failure(x402.ErrorStageVerify, 402, "%v", err)
		return payload, Verified{}, &r
	}
	if !verifyResp.IsValid {
		reason := verifyResp.InvalidReason
		if reason == "" {
			reason = "payment verification failed"
		}
		r := failure(x402.ErrorStageVerify, 402, "%s", reason)
		return payload, Verified{}, &r
	}
	if verifyResp.Payer == "" {
		r := failure(x402.ErrorStageVerify, 402, "payer address not found in verification result")
		return payload, Verified{}, &r
	}

	return payload, Verified{Payer: verifyResp.Payer}, nil
}

// Settle runs the settle stage for an already-verified payload. cache, if
// non-nil, short-circuits a repeat settle call for a nonce it has already
// seen, returning the prior Result instead of calling fac.Settle again.
func Settle(ctx context.Context, payload x402.PaymentPayload, requirement x402.PaymentRequirement, fac facilitator.Interface, payer string, cache *SettlementCache) Result {
	nonce, hasNonce := "", false
	if cache != nil {
		nonce, hasNonce = extractNonce(payload)
		if hasNonce {
			if cached, hit := cache.Get(nonce); hit {
				return cached
			}
		}
	}

	settleResp, err := fac.Settle(ctx, payload, requirement)
	if err != nil {
		return failure(x402.ErrorStageSettle, 500, "%v", err)
	}
	if !settleResp.Success {
		reason := settleResp.ErrorReason
		if reason == "" {
			reason = "settlement failed"
		}
		return failure(x402.ErrorStageSettle, 500, "%s", reason)
	}

	result := Result{
		Success: true,
		Payer:   payer,
		TxHash:  settleResp.Transaction,
		Network: settleResp.Network,
	}
	if cache != nil && hasNonce {
		cache.Put(nonce, result)
	}
	return result
}

// extractNonce reads the authorization nonce out of payload.Payload, whose
// shape depends on requirement.PaymentType (eip3009 nests it under
// "authorization", permit/permit2 carry it at the top level).
func extractNonce(payload x402.PaymentPayload) (string, bool) {
	var generic struct {
		Nonce         string `json:"nonce"`
		Authorization struct {
			Nonce string `json:"nonce"`
		} `json:"authorization"`
	}
	if err := json.Unmarshal(payload.Payload, &generic); err != nil {
		return "", false
	}
	if generic.Authorization.Nonce != "" {
		return generic.Authorization.Nonce, true
	}
	if generic.Nonce != "" {
		return generic.Nonce, true
	}
	return "", false
}
