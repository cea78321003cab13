package facilitator

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Mode discriminates the two settlement paths. It is decided exactly once,
// at parse time, by the presence of extra.settlementRouter; downstream code
// never probes the open Extra map again.
type Mode int

const (
	// ModeStandard settles by invoking the asset transfer directly.
	ModeStandard Mode = iota
	// ModeSettlementRouter settles through a whitelisted router contract
	// that atomically deducts the facilitator fee, invokes the hook, and
	// forwards the remainder to the final recipient.
	ModeSettlementRouter
)

// String returns the mode name for logging.
func (m Mode) String() string {
	if m == ModeSettlementRouter {
		return "settlement-router"
	}
	return "standard"
}

// SettlementExtra is the settlement-router sub-record of a requirement's
// Extra map. All six fields are present and well-formed once a requirement
// is in settlement-router mode.
type SettlementExtra struct {
	// SettlementRouter is the router contract address.
	SettlementRouter string

	// Salt is the 32-byte salt binding this settlement instance.
	Salt [32]byte

	// PayTo is the final recipient, distinct from the requirement's PayTo
	// which points at the router in this mode.
	PayTo string

	// FacilitatorFee is the fee retained by the facilitator, in the
	// settlement token's smallest unit.
	FacilitatorFee *big.Int

	// Hook is the on-chain hook contract invoked during settlement.
	Hook string

	// HookData is the ABI-encoded call data passed to the hook.
	HookData []byte
}

// ParsedRequirement is the closed, statically known shape derived from a
// PaymentRequirement. Extra is non-nil exactly when Mode is
// ModeSettlementRouter.
type ParsedRequirement struct {
	Requirement PaymentRequirement
	Network     NetworkConfig
	Mode        Mode
	Extra       *SettlementExtra
}

// ParseRequirement validates a requirement's structure and detects its
// mode. A requirement whose Extra map lacks "settlementRouter" always
// follows the standard path; one that has it must carry all settlement
// fields, chain-valid, or parsing fails.
func ParseRequirement(req PaymentRequirement) (*ParsedRequirement, error) {
	if req.Scheme == "" {
		return nil, fmt.Errorf("%w: scheme cannot be empty", ErrValidation)
	}
	if req.Scheme != "exact" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, req.Scheme)
	}

	network, err := ResolveNetwork(req.Network)
	if err != nil {
		return nil, err
	}

	if _, err := ParseAtomicAmount(req.MaxAmountRequired); err != nil {
		return nil, fmt.Errorf("%w: maxAmountRequired %q", ErrInvalidAmount, req.MaxAmountRequired)
	}
	if err := ValidateTokenAddress(network.ID, req.Asset); err != nil {
		return nil, fmt.Errorf("asset: %w", err)
	}
	if err := ValidateTokenAddress(network.ID, req.PayTo); err != nil {
		return nil, fmt.Errorf("payTo: %w", err)
	}
	if req.MaxTimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: maxTimeoutSeconds cannot be negative", ErrValidation)
	}

	parsed := &ParsedRequirement{
		Requirement: req,
		Network:     network,
		Mode:        ModeStandard,
	}

	// The single discriminator for the whole downstream path.
	if _, ok := req.Extra["settlementRouter"]; !ok {
		return parsed, nil
	}

	// The router contract and the commitment-bound authorization nonce are
	// EIP-3009 constructs; no SVM equivalent exists to bind the settlement
	// parameters to.
	if network.Type != NetworkTypeEVM {
		return nil, fmt.Errorf("%w: settlement router mode is not supported on %s", ErrValidation, network.ID)
	}

	extra, err := parseSettlementExtra(network, req.Extra)
	if err != nil {
		return nil, err
	}
	parsed.Mode = ModeSettlementRouter
	parsed.Extra = extra
	return parsed, nil
}

// parseSettlementExtra extracts and validates the six settlement fields.
func parseSettlementExtra(network NetworkConfig, raw map[string]interface{}) (*SettlementExtra, error) {
	router, err := extraString(raw, "settlementRouter")
	if err != nil {
		return nil, err
	}
	if err := ValidateTokenAddress(network.ID, router); err != nil {
		return nil, fmt.Errorf("settlementRouter: %w", err)
	}

	saltHex, err := extraString(raw, "salt")
	if err != nil {
		return nil, err
	}
	saltBytes, err := hex.DecodeString(strings.TrimPrefix(saltHex, "0x"))
	if err != nil || len(saltBytes) != 32 {
		return nil, fmt.Errorf("%w: salt must be 32 bytes of hex", ErrValidation)
	}
	var salt [32]byte
	copy(salt[:], saltBytes)

	payTo, err := extraString(raw, "payTo")
	if err != nil {
		return nil, err
	}
	if err := ValidateTokenAddress(network.ID, payTo); err != nil {
		return nil, fmt.Errorf("settlement payTo: %w", err)
	}

	feeStr, err := extraString(raw, "facilitatorFee")
	if err != nil {
		return nil, err
	}
	fee, err := ParseAtomicAmount(feeStr)
	if err != nil {
		return nil, fmt.Errorf("%w: facilitatorFee %q", ErrInvalidAmount, feeStr)
	}

	hook, err := extraString(raw, "hook")
	if err != nil {
		return nil, err
	}
	if err := ValidateTokenAddress(network.ID, hook); err != nil {
		return nil, fmt.Errorf("hook: %w", err)
	}

	// hookData may be empty, but the key must be present.
	hookDataHex, err := extraString(raw, "hookData")
	if err != nil {
		return nil, err
	}
	hookData, err := hex.DecodeString(strings.TrimPrefix(hookDataHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: hookData must be hex", ErrValidation)
	}

	return &SettlementExtra{
		SettlementRouter: router,
		Salt:             salt,
		PayTo:            payTo,
		FacilitatorFee:   fee,
		Hook:             hook,
		HookData:         hookData,
	}, nil
}

// extraString reads a required string field from the Extra map. Absent and
// empty are both rejected; the field set is all-or-nothing in settlement mode.
func extraString(raw map[string]interface{}, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", fmt.Errorf("%w: extra.%s is required in settlement-router mode", ErrValidation, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: extra.%s must be a string", ErrValidation, key)
	}
	if s == "" && key != "hookData" {
		return "", fmt.Errorf("%w: extra.%s cannot be empty", ErrValidation, key)
	}
	return s, nil
}
