// Package facilitator defines the data model, network registry, error
// taxonomy, and settlement commitment for an x402 payment facilitator:
// the service that verifies signed payment authorizations on behalf of
// resource servers and settles them on-chain, optionally through a
// settlement router that atomically splits funds across a facilitator
// fee, a final recipient, and an on-chain hook.
package facilitator

import (
	"math/big"
	"time"
)

// PaymentRequirement represents a single payment option advertised by a
// resource server. The facilitator only reads it; when settlement extras
// are added a new requirement object is derived, never mutated in place.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "base", "solana").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units (e.g., wei, lamports).
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address (EVM) or mint address (Solana).
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource,omitempty"`

	// Description is an optional human-readable payment description.
	Description string `json:"description,omitempty"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra contains scheme-specific additional data. The presence of
	// "settlementRouter" in this map switches the requirement into
	// settlement-router mode (see ParseRequirement).
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload represents a signed payment submitted for verification
// or settlement.
type PaymentPayload struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload contains the blockchain-specific signed payment data.
	// For EVM: EVMPayload with signature and authorization.
	// For Solana: SVMPayload with a partially signed transaction.
	Payload interface{} `json:"payload"`
}

// EVMPayload represents an EVM payment with EIP-3009 authorization.
type EVMPayload struct {
	// Signature is the hex-encoded ECDSA signature.
	Signature string `json:"signature"`

	// Authorization contains the EIP-3009 transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization represents EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address. In settlement-router mode this is the
	// router contract, not the final recipient.
	To string `json:"to"`

	// Value is the payment amount in atomic units (wei).
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a 32-byte hex string. In settlement-router mode it must equal
	// the commitment over the settlement parameters (see Commitment).
	Nonce string `json:"nonce"`
}

// SVMPayload represents a Solana payment with a partially signed transaction.
type SVMPayload struct {
	// Transaction is the base64-encoded partially signed Solana transaction.
	// The client signs with their private key, and the facilitator adds the
	// fee payer signature before submission.
	Transaction string `json:"transaction"`
}

// VerifyResponse is the result of payment verification.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettlementResponse is the result of on-chain settlement. Transaction is
// populated once the submission has been acknowledged by the chain RPC;
// full confirmation is not awaited.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// SupportedKind describes one payment type the facilitator accepts.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// FeeQuote is the externally visible fee calculation result, annotated
// with a validity window so clients know how long the quote holds.
type FeeQuote struct {
	Network              string    `json:"network"`
	Hook                 string    `json:"hook,omitempty"`
	HookAllowed          bool      `json:"hookAllowed"`
	GasLimit             uint64    `json:"gasLimit"`
	MaxGasLimit          uint64    `json:"maxGasLimit"`
	GasPrice             string    `json:"gasPrice"`
	GasCostNative        string    `json:"gasCostNative"`
	GasCostUSD           string    `json:"gasCostUsd"`
	SafetyMultiplier     float64   `json:"safetyMultiplier"`
	FinalCostUSD         string    `json:"finalCostUsd"`
	MinFacilitatorFee    string    `json:"minFacilitatorFee"`
	MinFacilitatorFeeUSD string    `json:"minFacilitatorFeeUsd"`
	CalculatedAt         time.Time `json:"calculatedAt"`
	ValiditySeconds      int       `json:"validitySeconds"`
}

// ParseAtomicAmount parses an atomic-unit amount string into a *big.Int.
// Amounts are non-negative integers; anything else is rejected.
func ParseAtomicAmount(amount string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	if v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}
