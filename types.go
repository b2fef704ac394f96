// Package x402 provides types and utilities for implementing the x402 payment protocol.
package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
)

// PaymentType identifies which EIP-712 authorization flavor a PaymentRequirement
// asks for. The closed set mirrors the Token Detector's capability vocabulary.
type PaymentType string

const (
	PaymentTypeEIP3009 PaymentType = "eip3009"
	PaymentTypePermit  PaymentType = "permit"
	PaymentTypePermit2 PaymentType = "permit2"
	// PaymentTypeAuto is only ever seen on a CreateRequirementsConfig input; the
	// builder always resolves it to one of the three concrete types before a
	// PaymentRequirement is emitted.
	PaymentTypeAuto PaymentType = "auto"
)

// WaitUntil controls how long the facilitator waits before reporting settlement.
// Only "confirmed" is produced by this implementation; the other two values are
// reserved for a future facilitator capability (see spec's open questions).
type WaitUntil string

const (
	WaitUntilConfirmed WaitUntil = "confirmed"
	WaitUntilSimulated WaitUntil = "simulated" // reserved, never emitted
	WaitUntilSubmitted WaitUntil = "submitted" // reserved, never emitted
)

// ErrorStage names which process() stage produced a non-success result.
type ErrorStage string

const (
	ErrorStageParse  ErrorStage = "parse"
	ErrorStageVerify ErrorStage = "verify"
	ErrorStageSettle ErrorStage = "settle"
)

// PaymentRequirement defines a single acceptable payment method for a protected resource.
type PaymentRequirement struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	PaymentType       PaymentType    `json:"paymentType,omitempty"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType,omitempty"`
	OutputSchema      map[string]any `json:"outputSchema,omitempty"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentRequirementsResponse is the complete 402/500 response body: the server's
// accepted payment terms plus, on rejection, which pipeline stage produced it.
type PaymentRequirementsResponse struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error,omitempty"`
	ErrorStage  ErrorStage           `json:"errorStage,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// PaymentPayload is the payment authorization data sent by the client.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// SchemePayload is an interface for scheme-specific payment data.
type SchemePayload interface {
	Validate() error
}

// DecodeAuthorization dispatches raw (a PaymentPayload.Payload) to the concrete
// SchemePayload its authorizationType tag names, then validates the decoded
// fields. raw must already have passed schema validation requiring that tag.
func DecodeAuthorization(raw json.RawMessage) (SchemePayload, PaymentType, error) {
	var tagged struct {
		AuthorizationType PaymentType `json:"authorizationType"`
	}
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, "", fmt.Errorf("decode authorizationType: %w", err)
	}

	switch tagged.AuthorizationType {
	case PaymentTypeEIP3009:
		var p EVMPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, tagged.AuthorizationType, fmt.Errorf("decode eip3009 payload: %w", err)
		}
		return &p, tagged.AuthorizationType, p.Validate()
	case PaymentTypePermit:
		var p PermitPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, tagged.AuthorizationType, fmt.Errorf("decode permit payload: %w", err)
		}
		return &p, tagged.AuthorizationType, p.Validate()
	case PaymentTypePermit2:
		var p Permit2Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, tagged.AuthorizationType, fmt.Errorf("decode permit2 payload: %w", err)
		}
		return &p, tagged.AuthorizationType, p.Validate()
	default:
		return nil, tagged.AuthorizationType, fmt.Errorf("%w: unrecognized authorizationType %q", ErrUnsupportedScheme, tagged.AuthorizationType)
	}
}

// EVMPayload contains EIP-3009 transferWithAuthorization data for EVM-based chains.
type EVMPayload struct {
	AuthorizationType PaymentType   `json:"authorizationType"`
	Signature         string        `json:"signature"`
	Authorization     Authorization `json:"authorization"`
}

// Authorization contains the EIP-3009 authorization fields.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// PermitPayload contains EIP-2612 Permit authorization data.
type PermitPayload struct {
	AuthorizationType PaymentType `json:"authorizationType"`
	Signature         string      `json:"signature"`
	Owner             string      `json:"owner"`
	Spender           string      `json:"spender"`
	Value             string      `json:"value"`
	Nonce             string      `json:"nonce"`
	Deadline          string      `json:"deadline"`
}

// Validate validates a PermitPayload.
func (p *PermitPayload) Validate() error {
	if !evmSignaturePattern.MatchString(p.Signature) {
		return fmt.Errorf("invalid signature format")
	}
	if !evmAddressPattern.MatchString(p.Owner) {
		return fmt.Errorf("invalid owner address")
	}
	if !evmAddressPattern.MatchString(p.Spender) {
		return fmt.Errorf("invalid spender address")
	}
	if err := validateAmount(p.Value); err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	deadline, err := strconv.ParseInt(p.Deadline, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid deadline timestamp: %w", err)
	}
	if deadline <= 0 {
		return fmt.Errorf("deadline must be positive")
	}
	return nil
}

// Permit2Payload contains Permit2 (Uniswap universal approval) authorization data.
type Permit2Payload struct {
	AuthorizationType PaymentType `json:"authorizationType"`
	Signature         string      `json:"signature"`
	Owner             string      `json:"owner"`
	Token             string      `json:"token"`
	Amount            string      `json:"amount"`
	Nonce             string      `json:"nonce"`
	Deadline          string      `json:"deadline"`
	SpenderProxy      string      `json:"spenderProxy"`
}

// Validate validates a Permit2Payload.
func (p *Permit2Payload) Validate() error {
	if !evmSignaturePattern.MatchString(p.Signature) {
		return fmt.Errorf("invalid signature format")
	}
	if !evmAddressPattern.MatchString(p.Owner) {
		return fmt.Errorf("invalid owner address")
	}
	if !evmAddressPattern.MatchString(p.Token) {
		return fmt.Errorf("invalid token address")
	}
	if err := validateAmount(p.Amount); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	deadline, err := strconv.ParseInt(p.Deadline, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid deadline timestamp: %w", err)
	}
	if deadline <= 0 {
		return fmt.Errorf("deadline must be positive")
	}
	return nil
}

// SVMPayload contains a serialized transaction for Solana-based chains.
type SVMPayload struct {
	Transaction string `json:"transaction"`
}

// SettlementResponse contains payment settlement result information.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// EVM address pattern (0x + 40 hex characters)
var evmAddressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// EVM signature pattern (0x + hex characters)
var evmSignaturePattern = regexp.MustCompile(`^0x[a-fA-F0-9]+$`)

// EVM nonce pattern (0x + 64 hex characters for 32 bytes)
var evmNoncePattern = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// Validate validates a PaymentRequirement.
func (pr *PaymentRequirement) Validate() error {
	if pr.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if pr.Network == "" {
		return fmt.Errorf("network is required")
	}
	if pr.MaxAmountRequired == "" {
		return fmt.Errorf("maxAmountRequired is required")
	}
	if err := validateAmount(pr.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid maxAmountRequired: %w", err)
	}
	if pr.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if pr.PayTo == "" {
		return fmt.Errorf("payTo is required")
	}
	if pr.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	if pr.Description == "" {
		return fmt.Errorf("description is required")
	}
	if pr.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("maxTimeoutSeconds must be positive")
	}
	return nil
}

// Validate validates an EVMPayload.
func (p *EVMPayload) Validate() error {
	if !evmSignaturePattern.MatchString(p.Signature) {
		return fmt.Errorf("invalid signature format")
	}
	if !evmAddressPattern.MatchString(p.Authorization.From) {
		return fmt.Errorf("invalid from address")
	}
	if !evmAddressPattern.MatchString(p.Authorization.To) {
		return fmt.Errorf("invalid to address")
	}
	if err := validateAmount(p.Authorization.Value); err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	if !evmNoncePattern.MatchString(p.Authorization.Nonce) {
		return fmt.Errorf("invalid nonce format (must be 32 bytes)")
	}

	// Validate timestamps
	validAfter, err := strconv.ParseInt(p.Authorization.ValidAfter, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid validAfter timestamp: %w", err)
	}
	validBefore, err := strconv.ParseInt(p.Authorization.ValidBefore, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid validBefore timestamp: %w", err)
	}
	if validBefore <= validAfter {
		return fmt.Errorf("validBefore must be after validAfter")
	}

	return nil
}

// Validate validates an SVMPayload.
func (p *SVMPayload) Validate() error {
	if p.Transaction == "" {
		return fmt.Errorf("transaction is required")
	}
	// Note: Full base64 validation and Solana transaction deserialization
	// would be done by the facilitator
	return nil
}

// amountPattern matches a decimal-digit string, arbitrary precision.
var amountPattern = regexp.MustCompile(`^[0-9]+$`)

// validateAmount validates that an amount string is a positive integer of
// arbitrary precision (base-unit amounts routinely exceed 64 bits).
func validateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}
	if !amountPattern.MatchString(amount) {
		return fmt.Errorf("amount must be a valid positive integer")
	}
	val, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("amount must be a valid positive integer")
	}
	if val.Sign() == 0 {
		return fmt.Errorf("amount must be greater than zero")
	}
	return nil
}

// ValidateEVMAddress validates an EVM address format.
func ValidateEVMAddress(address string) error {
	if !evmAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid EVM address format (must be 0x + 40 hex characters)")
	}
	return nil
}
