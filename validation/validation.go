// Package validation checks the structural shape of payment payloads
// before any chain-specific work happens. It decodes the scheme-specific
// payload body and enforces field formats; semantic checks (signatures,
// commitments, balances) live in the settle package.
package validation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	facilitator "github.com/x402labs/facilitator-go"
)

var (
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	base58Regex     = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	decimalRegex    = regexp.MustCompile(`^[0-9]+$`)
)

// ValidateAddress checks the address format for the network family.
func ValidateAddress(address, network string) error {
	if address == "" {
		return fmt.Errorf("%w: address cannot be empty", facilitator.ErrValidation)
	}

	networkType, err := facilitator.ValidateNetwork(network)
	if err != nil {
		return err
	}

	switch networkType {
	case facilitator.NetworkTypeEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("%w: invalid EVM address %q", facilitator.ErrValidation, address)
		}
	case facilitator.NetworkTypeSVM:
		if !base58Regex.MatchString(address) {
			return fmt.Errorf("%w: invalid Solana address %q", facilitator.ErrValidation, address)
		}
	}
	return nil
}

// ValidatePayloadEnvelope checks the fields common to every payment
// payload and its consistency with the accepted requirement.
func ValidatePayloadEnvelope(payload facilitator.PaymentPayload, req facilitator.PaymentRequirement) error {
	if payload.X402Version != 1 {
		return fmt.Errorf("%w: unsupported x402 version %d", facilitator.ErrValidation, payload.X402Version)
	}
	if payload.Scheme != req.Scheme {
		return fmt.Errorf("%w: payload scheme %q does not match requirement scheme %q",
			facilitator.ErrValidation, payload.Scheme, req.Scheme)
	}

	payloadNet, err := facilitator.ResolveNetwork(payload.Network)
	if err != nil {
		return err
	}
	reqNet, err := facilitator.ResolveNetwork(req.Network)
	if err != nil {
		return err
	}
	if payloadNet.ID != reqNet.ID {
		return fmt.Errorf("%w: payload network %q does not match requirement network %q",
			facilitator.ErrValidation, payload.Network, req.Network)
	}
	if payload.Payload == nil {
		return fmt.Errorf("%w: missing payload body", facilitator.ErrValidation)
	}
	return nil
}

// DecodeEVMPayload extracts and validates the EVM payload body.
func DecodeEVMPayload(payload facilitator.PaymentPayload) (*facilitator.EVMPayload, error) {
	var body facilitator.EVMPayload
	if err := decodeBody(payload.Payload, &body); err != nil {
		return nil, err
	}

	if err := validateHexBytes(body.Signature, 65, "signature"); err != nil {
		return nil, err
	}

	auth := body.Authorization
	if !evmAddressRegex.MatchString(auth.From) {
		return nil, fmt.Errorf("%w: invalid authorization.from %q", facilitator.ErrValidation, auth.From)
	}
	if !evmAddressRegex.MatchString(auth.To) {
		return nil, fmt.Errorf("%w: invalid authorization.to %q", facilitator.ErrValidation, auth.To)
	}
	for field, value := range map[string]string{
		"value":       auth.Value,
		"validAfter":  auth.ValidAfter,
		"validBefore": auth.ValidBefore,
	} {
		if !decimalRegex.MatchString(value) {
			return nil, fmt.Errorf("%w: authorization.%s must be a decimal string, got %q",
				facilitator.ErrValidation, field, value)
		}
	}
	if err := validateHexBytes(auth.Nonce, 32, "authorization.nonce"); err != nil {
		return nil, err
	}
	return &body, nil
}

// DecodeSVMPayload extracts and validates the Solana payload body.
func DecodeSVMPayload(payload facilitator.PaymentPayload) (*facilitator.SVMPayload, error) {
	var body facilitator.SVMPayload
	if err := decodeBody(payload.Payload, &body); err != nil {
		return nil, err
	}
	if body.Transaction == "" {
		return nil, fmt.Errorf("%w: missing transaction", facilitator.ErrValidation)
	}
	return &body, nil
}

// decodeBody converts the loosely typed payload body (a JSON object
// decoded into map form) into the concrete chain payload struct.
func decodeBody(raw interface{}, out interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed payload body", facilitator.ErrValidation)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: malformed payload body: %v", facilitator.ErrValidation, err)
	}
	return nil
}

func validateHexBytes(value string, wantLen int, field string) error {
	trimmed := strings.TrimPrefix(value, "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %s is not valid hex", facilitator.ErrValidation, field)
	}
	if len(raw) != wantLen {
		return fmt.Errorf("%w: %s must be %d bytes, got %d", facilitator.ErrValidation, field, wantLen, len(raw))
	}
	return nil
}
