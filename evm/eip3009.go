package evm

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	facilitator "github.com/x402labs/facilitator-go"
)

// Authorization holds decoded EIP-3009 transferWithAuthorization parameters.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       common.Hash
}

// ParseAuthorization decodes the wire-form authorization.
func ParseAuthorization(a facilitator.EVMAuthorization) (*Authorization, error) {
	if !common.IsHexAddress(a.From) || !common.IsHexAddress(a.To) {
		return nil, fmt.Errorf("%w: authorization address", facilitator.ErrInvalidAddress)
	}

	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: authorization value %q", facilitator.ErrInvalidAmount, a.Value)
	}
	validAfter, ok := new(big.Int).SetString(a.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("%w: validAfter %q", facilitator.ErrValidation, a.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("%w: validBefore %q", facilitator.ErrValidation, a.ValidBefore)
	}

	return &Authorization{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       common.HexToHash(a.Nonce),
	}, nil
}

// CheckWindow verifies the authorization validity window against now.
func (a *Authorization) CheckWindow(now time.Time) error {
	ts := big.NewInt(now.Unix())
	if ts.Cmp(a.ValidAfter) < 0 {
		return fmt.Errorf("%w: authorization not yet valid", facilitator.ErrValidation)
	}
	if ts.Cmp(a.ValidBefore) >= 0 {
		return facilitator.ErrExpiredAuthorization
	}
	return nil
}

// AuthorizationDigest computes the EIP-712 digest the payer signed:
// keccak256("\x19\x01" || domainSeparator || structHash) over the
// TransferWithAuthorization typed data for the given token domain.
func AuthorizationDigest(token common.Address, chainID *big.Int, name, version string, auth *Authorization) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       auth.Nonce.Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	structHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, structHash...)...)
	return crypto.Keccak256(rawData), nil
}

// ParseSignature decodes a 65-byte hex signature and normalizes the
// recovery id from the Ethereum 27/28 convention to 0/1.
func ParseSignature(signatureHex string) ([]byte, error) {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", facilitator.ErrInvalidSignature, err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: signature must be 65 bytes, got %d", facilitator.ErrInvalidSignature, len(sig))
	}
	out := make([]byte, 65)
	copy(out, sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	if out[64] > 1 {
		return nil, fmt.Errorf("%w: invalid recovery id", facilitator.ErrInvalidSignature)
	}
	return out, nil
}

// RecoverSigner recovers the address that produced signature over digest.
func RecoverSigner(digest []byte, signature []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", facilitator.ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
