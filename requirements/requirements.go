// Package requirements implements the Requirements Builder: it turns a
// caller-supplied CreateRequirementsConfig into a validated
// x402.PaymentRequirement, auto-detecting the payment type and cross-checking
// the facilitator's declared support matrix along the way.
package requirements

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/WTFLabs-WTF/x402x"
	"github.com/WTFLabs-WTF/x402x/detector"
	"github.com/WTFLabs-WTF/x402x/facilitator"
	"github.com/WTFLabs-WTF/x402x/rpc"
	"github.com/WTFLabs-WTF/x402x/schema"
	"github.com/WTFLabs-WTF/x402x/validation"
)

var assetPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// CreateRequirementsConfig is the input to Builder.Build. Network, Scheme,
// PaymentType, MaxTimeoutSeconds, and MimeType are optional; the zero value of
// each (and a nil AutoDetect) selects the builder's default behavior.
type CreateRequirementsConfig struct {
	Asset             string
	MaxAmountRequired string
	PayTo             string
	Network           string
	Scheme            string
	PaymentType       x402.PaymentType
	// AutoDetect defaults to true when nil. Set to a false pointer to require
	// an explicit PaymentType and skip the Token Detector entirely.
	AutoDetect        *bool
	Resource          string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	OutputSchema      map[string]any
	Extra             map[string]any
}

func (c CreateRequirementsConfig) autoDetect() bool {
	return c.AutoDetect == nil || *c.AutoDetect
}

// Builder is bound to one already-resolved network, mirroring detector.Detector
// and the server-construction contract of one rpcClient per Builder. It owns
// the Token Detector for that network.
type Builder struct {
	network     string
	detector    *detector.Detector
	facilitator facilitator.Interface
	logger      *slog.Logger
}

// New resolves a network (explicit networkOverride, falling back to an
// RPC getChainId() lookup mapped through x402.NetworkFromChainID) and
// constructs a Builder bound to it, with its own Token Detector.
func New(ctx context.Context, client rpc.Client, fac facilitator.Interface, networkOverride string) (*Builder, error) {
	network := networkOverride
	if network == "" {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("requirements: resolving network via chain id: %w", err)
		}
		network = x402.NetworkFromChainID(chainID.Int64())
	}

	return &Builder{
		network:     network,
		detector:    detector.NewDetector(client, network),
		facilitator: fac,
		logger:      slog.Default(),
	}, nil
}

// Network reports the network this Builder is bound to.
func (b *Builder) Network() string {
	return b.network
}

// Detector exposes the Builder's Token Detector, e.g. for Gate Middleware's
// settle-method probing of a merchant's receiving contract.
func (b *Builder) Detector() *detector.Detector {
	return b.detector
}

// primaryTypeNames maps x402.PaymentType onto the facilitator's EIP-712
// primaryType vocabulary, per the cross-check in the builder's algorithm.
var primaryTypeNames = map[x402.PaymentType]string{
	x402.PaymentTypePermit:  "Permit",
	x402.PaymentTypeEIP3009: "TransferWithAuthorization",
	x402.PaymentTypePermit2: "Permit2",
}

// Build validates config, resolves its paymentType, cross-checks facilitator
// support, and returns a fully-populated, schema-valid PaymentRequirement.
func (b *Builder) Build(ctx context.Context, config CreateRequirementsConfig) (x402.PaymentRequirement, error) {
	if !assetPattern.MatchString(config.Asset) {
		return x402.PaymentRequirement{}, fmt.Errorf("%w: asset must match ^0x[0-9a-fA-F]{40}$", x402.ErrInvalidToken)
	}
	if err := validation.ValidateAmount(config.MaxAmountRequired); err != nil {
		return x402.PaymentRequirement{}, fmt.Errorf("%w: %v", x402.ErrInvalidAmount, err)
	}
	if config.PayTo == "" {
		return x402.PaymentRequirement{}, fmt.Errorf("%w: payTo is required", x402.ErrInvalidRequirements)
	}

	paymentType, err := b.resolvePaymentType(ctx, config)
	if err != nil {
		return x402.PaymentRequirement{}, err
	}

	if err := b.crossCheckFacilitatorSupport(ctx, config.Asset, paymentType); err != nil {
		return x402.PaymentRequirement{}, err
	}

	req := b.assemble(config, paymentType)

	if err := b.injectEIP712Domain(ctx, config.Asset, &req); err != nil {
		b.logger.Debug("requirements: could not enrich extra.name/version", "asset", config.Asset, "error", err)
	}

	result, err := schema.ValidatePaymentRequirement(req)
	if err != nil {
		return x402.PaymentRequirement{}, fmt.Errorf("requirements: schema validation: %w", err)
	}
	if !result.Valid {
		return x402.PaymentRequirement{}, fmt.Errorf("%w: %s", x402.ErrInvalidRequirements, result.Error())
	}

	return req, nil
}

func (b *Builder) resolvePaymentType(ctx context.Context, config CreateRequirementsConfig) (x402.PaymentType, error) {
	if !config.autoDetect() {
		if config.PaymentType == "" || config.PaymentType == x402.PaymentTypeAuto {
			return "", fmt.Errorf("%w: must specify paymentType when autoDetect is false", x402.ErrInvalidRequirements)
		}
		return config.PaymentType, nil
	}

	if config.PaymentType != "" && config.PaymentType != x402.PaymentTypeAuto {
		return config.PaymentType, nil
	}

	recommended, ok, err := b.detector.GetRecommendedMethod(ctx, config.Asset)
	if err != nil {
		return "", fmt.Errorf("requirements: auto-detecting payment type: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: token does not support advanced payment methods", x402.ErrTokenUnsupported)
	}
	return recommended, nil
}

// crossCheckFacilitatorSupport confirms (network, asset, paymentType) appears
// in the facilitator's declared support matrix. An unreachable facilitator or
// an empty kinds list is permissive (logged, not fatal); a populated response
// with no matching entry is a fatal configuration error.
func (b *Builder) crossCheckFacilitatorSupport(ctx context.Context, asset string, paymentType x402.PaymentType) error {
	if b.facilitator == nil {
		return nil
	}

	supported, err := b.facilitator.Supported(ctx)
	if err != nil {
		b.logger.Warn("requirements: facilitator /supported unreachable, skipping cross-check", "error", err)
		return nil
	}
	if len(supported.Kinds) == 0 {
		b.logger.Debug("requirements: facilitator advertised no supported kinds, skipping cross-check")
		return nil
	}

	wantPrimaryType := primaryTypeNames[paymentType]
	lowerAsset := strings.ToLower(asset)

	var combos []string
	for _, kind := range supported.Kinds {
		if kind.Network != b.network {
			continue
		}
		for _, primaryType := range assetPrimaryTypes(kind, lowerAsset) {
			combos = append(combos, primaryType)
			if primaryType == wantPrimaryType {
				return nil
			}
		}
	}

	return fmt.Errorf("%w: facilitator does not support %s for %s on %s (supported: %s)",
		x402.ErrUnsupportedByFacilitator, paymentType, asset, b.network, strings.Join(combos, ", "))
}

// assetPrimaryTypes reads kind.Extra["assets"], a loosely-typed JSON blob of
// {address, eip712:{name, version, primaryType}} entries, and returns the
// primaryType strings declared for lowerAsset.
func assetPrimaryTypes(kind facilitator.SupportedKind, lowerAsset string) []string {
	assetsRaw, ok := kind.Extra["assets"].([]interface{})
	if !ok {
		return nil
	}

	var primaryTypes []string
	for _, entry := range assetsRaw {
		asset, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		address, _ := asset["address"].(string)
		if strings.ToLower(address) != lowerAsset {
			continue
		}
		eip712, ok := asset["eip712"].(map[string]interface{})
		if !ok {
			continue
		}
		if primaryType, ok := eip712["primaryType"].(string); ok {
			primaryTypes = append(primaryTypes, primaryType)
		}
	}
	return primaryTypes
}

func (b *Builder) assemble(config CreateRequirementsConfig, paymentType x402.PaymentType) x402.PaymentRequirement {
	scheme := config.Scheme
	if scheme == "" {
		scheme = "exact"
	}
	maxTimeout := config.MaxTimeoutSeconds
	if maxTimeout == 0 {
		maxTimeout = 300
	}
	mimeType := config.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}

	return x402.PaymentRequirement{
		Scheme:            scheme,
		Network:           b.network,
		MaxAmountRequired: config.MaxAmountRequired,
		Asset:             config.Asset,
		PayTo:             config.PayTo,
		PaymentType:       paymentType,
		Resource:          config.Resource,
		Description:       config.Description,
		MimeType:          mimeType,
		OutputSchema:      config.OutputSchema,
		MaxTimeoutSeconds: maxTimeout,
		Extra:             config.Extra,
	}
}

func (b *Builder) injectEIP712Domain(ctx context.Context, asset string, req *x402.PaymentRequirement) error {
	result, err := b.detector.Detect(ctx, asset)
	if err != nil {
		return err
	}
	if req.Extra == nil {
		req.Extra = make(map[string]any, 2)
	}
	if result.Name != "" {
		req.Extra["name"] = result.Name
	}
	if result.Version != "" {
		req.Extra["version"] = result.Version
	}
	return nil
}
