package facilitator

import (
	"context"
	"log/slog"

	"github.com/WTFLabs-WTF/x402x"
)

// fallbackClient tries primary first, falling back to secondary's Verify/Settle
// on any error. This is the one piece of fallback logic every HTTP adapter
// (stdlib, gin, chi, pocketbase) previously duplicated inline; WithFallback
// extracts it once so adapters compose it instead of reimplementing it.
type fallbackClient struct {
	primary   Interface
	secondary Interface
	logger    *slog.Logger
}

// WithFallback returns an Interface that delegates to primary, retrying
// Verify and Settle against secondary when primary errors. secondary may be
// nil, in which case the returned Interface behaves exactly like primary.
// Supported always queries primary only: the facilitator support matrix is
// meant to describe one facilitator's capabilities, not a merged view.
func WithFallback(primary, secondary Interface) Interface {
	if secondary == nil {
		return primary
	}
	return &fallbackClient{primary: primary, secondary: secondary, logger: slog.Default()}
}

var _ Interface = (*fallbackClient)(nil)

func (f *fallbackClient) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*VerifyResponse, error) {
	resp, err := f.primary.Verify(ctx, payment, requirement)
	if err != nil {
		f.logger.Warn("primary facilitator verify failed, trying fallback", "error", err)
		return f.secondary.Verify(ctx, payment, requirement)
	}
	return resp, nil
}

func (f *fallbackClient) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettlementResponse, error) {
	resp, err := f.primary.Settle(ctx, payment, requirement)
	if err != nil {
		f.logger.Warn("primary facilitator settle failed, trying fallback", "error", err)
		return f.secondary.Settle(ctx, payment, requirement)
	}
	return resp, nil
}

func (f *fallbackClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	return f.primary.Supported(ctx)
}
