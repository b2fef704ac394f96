// Package schema validates PaymentRequirements and PaymentPayload wire values
// against embedded JSON Schema documents, using the same
// gojsonschema.NewBytesLoader/Validate pattern the example pack's bazaar
// discovery extension uses for its own schema checks.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationResult is the outcome of validating one document.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Error joins all validation errors into one message, or "" if Valid.
func (r ValidationResult) Error() string {
	if r.Valid {
		return ""
	}
	return strings.Join(r.Errors, "; ")
}

func validate(schemaJSON string, value any) (ValidationResult, error) {
	documentJSON, err := json.Marshal(value)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("schema: marshaling document: %w", err)
	}

	schemaLoader := gojsonschema.NewBytesLoader([]byte(schemaJSON))
	documentLoader := gojsonschema.NewBytesLoader(documentJSON)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("schema: validating document: %w", err)
	}

	if result.Valid() {
		return ValidationResult{Valid: true}, nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{Valid: false, Errors: errs}, nil
}

// ValidatePaymentRequirement validates value against the PaymentRequirement
// schema (§4.2 step 6: "re-validate the output against the schema before
// returning").
func ValidatePaymentRequirement(value any) (ValidationResult, error) {
	return validate(paymentRequirementSchema, value)
}

// ValidatePaymentPayload validates value against the PaymentPayload schema
// (§4.3 parse stage, before the payload is trusted enough to dispatch by
// scheme).
func ValidatePaymentPayload(value any) (ValidationResult, error) {
	return validate(paymentPayloadSchema, value)
}

const paymentRequirementSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["scheme", "network", "maxAmountRequired", "asset", "payTo", "maxTimeoutSeconds"],
  "properties": {
    "scheme": {"type": "string", "const": "exact"},
    "network": {"type": "string", "minLength": 1},
    "maxAmountRequired": {"type": "string", "pattern": "^[0-9]+$"},
    "asset": {"type": "string", "minLength": 1},
    "payTo": {"type": "string", "minLength": 1},
    "paymentType": {"type": "string", "enum": ["eip3009", "permit", "permit2", "auto"]},
    "resource": {"type": "string"},
    "description": {"type": "string"},
    "mimeType": {"type": "string"},
    "maxTimeoutSeconds": {"type": "integer", "minimum": 1},
    "outputSchema": {"type": "object"},
    "extra": {"type": "object"}
  }
}`

// payload is a discriminated record keyed by authorizationType (spec §3/§9):
// {eip3009, permit, permit2}, each normalized here before DecodeAuthorization
// dispatches on it. Solana payloads carry a bare serialized transaction instead
// and are exempted via the network check below.
const paymentPayloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["x402Version", "scheme", "network", "payload"],
  "properties": {
    "x402Version": {"type": "integer", "const": 1},
    "scheme": {"type": "string", "const": "exact"},
    "network": {"type": "string", "minLength": 1},
    "payload": {"type": "object"}
  },
  "if": {
    "properties": {"network": {"enum": ["solana", "solana-devnet"]}}
  },
  "else": {
    "properties": {
      "payload": {
        "type": "object",
        "required": ["authorizationType"],
        "properties": {
          "authorizationType": {"type": "string", "enum": ["eip3009", "permit", "permit2"]}
        }
      }
    }
  }
}`
