package x402

import "errors"

// Sentinel errors. Every message carries the "x402: " prefix so log lines and HTTP
// error bodies are unambiguous about where an error originated.
var (
	// ErrPaymentRequired indicates that payment is required to access the resource.
	ErrPaymentRequired = errors.New("x402: payment required")

	// ErrInvalidPayment indicates that the provided payment is invalid.
	ErrInvalidPayment = errors.New("x402: invalid payment")

	// ErrMalformedHeader indicates that the X-PAYMENT header is malformed.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrMissingPaymentHeader indicates the X-PAYMENT header was absent entirely.
	ErrMissingPaymentHeader = errors.New("x402: missing payment header")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

	// ErrUnsupportedNetwork indicates an unsupported blockchain network.
	ErrUnsupportedNetwork = errors.New("x402: unsupported network")

	// ErrInvalidSignature indicates an invalid cryptographic signature.
	ErrInvalidSignature = errors.New("x402: invalid signature")

	// ErrInvalidAuthorization indicates invalid payment authorization data.
	ErrInvalidAuthorization = errors.New("x402: invalid authorization")

	// ErrExpiredAuthorization indicates the payment authorization has expired.
	ErrExpiredAuthorization = errors.New("x402: expired authorization")

	// ErrInsufficientFunds indicates the payer has insufficient funds.
	ErrInsufficientFunds = errors.New("x402: insufficient funds")

	// ErrInvalidNonce indicates an invalid or reused nonce.
	ErrInvalidNonce = errors.New("x402: invalid nonce")

	// ErrRecipientMismatch indicates payment recipient doesn't match requirements.
	ErrRecipientMismatch = errors.New("x402: recipient mismatch")

	// ErrAmountMismatch indicates payment amount doesn't meet requirements.
	ErrAmountMismatch = errors.New("x402: amount mismatch")

	// ErrInvalidRequirements indicates a CreateRequirementsConfig failed validation.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrInvalidAmount indicates a malformed or non-positive amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidNetwork indicates a network identifier outside the closed set.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidToken indicates a malformed token/asset address.
	ErrInvalidToken = errors.New("x402: invalid token configuration")

	// ErrTokenUnsupported indicates the token supports none of the known payment methods.
	ErrTokenUnsupported = errors.New("x402: token does not support advanced payment methods")

	// ErrAutoDetectDisabled indicates autoDetect was false but no explicit paymentType was given.
	ErrAutoDetectDisabled = errors.New("x402: must specify paymentType when autoDetect is false")

	// ErrUnsupportedByFacilitator indicates the facilitator's support matrix has no entry
	// matching the requested (network, asset, paymentType) triple.
	ErrUnsupportedByFacilitator = errors.New("x402: facilitator does not support requested payment type")

	// ErrFacilitatorUnavailable indicates the facilitator service is unavailable.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrSettlementFailed indicates on-chain settlement failed.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrVerificationFailed indicates payment verification failed.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrPayerNotFound indicates a successful verify response carried no payer address.
	ErrPayerNotFound = errors.New("x402: payer address not found in verification result")

	// ErrTimeout indicates the operation timed out.
	ErrTimeout = errors.New("x402: operation timed out")
)
