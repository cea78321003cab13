// Package encoding provides the base64+JSON codecs for x402 payment data
// carried in HTTP headers (X-PAYMENT, X-PAYMENT-RESPONSE).
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	facilitator "github.com/x402labs/facilitator-go"
)

// EncodePayment serializes a payment payload to base64-encoded JSON,
// the X-PAYMENT header format.
func EncodePayment(payment facilitator.PaymentPayload) (string, error) {
	data, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment parses a base64-encoded JSON payment payload.
func DecodePayment(encoded string) (facilitator.PaymentPayload, error) {
	var payment facilitator.PaymentPayload

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payment, fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(data, &payment); err != nil {
		return payment, fmt.Errorf("unmarshal payment: %w", err)
	}
	return payment, nil
}

// EncodeSettlement serializes a settlement response to base64-encoded
// JSON, the X-PAYMENT-RESPONSE header format.
func EncodeSettlement(settlement facilitator.SettlementResponse) (string, error) {
	data, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlement parses a base64-encoded JSON settlement response.
func DecodeSettlement(encoded string) (facilitator.SettlementResponse, error) {
	var settlement facilitator.SettlementResponse

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(data, &settlement); err != nil {
		return settlement, fmt.Errorf("unmarshal settlement: %w", err)
	}
	return settlement, nil
}
