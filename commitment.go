package facilitator

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Commitment computes the deterministic hash binding a signed authorization
// to its settlement parameters. It is used as the authorization nonce, so
// any tampering with the settlement fields between signing and settlement
// invalidates the signature.
//
// The preimage is a sequence of 32-byte words:
//
//	keccak256(canonical network id)
//	word(asset) | word(router) | salt | word(payTo)
//	uint256(facilitatorFee) | word(hook) | keccak256(hookData)
//	uint256(amount) | word(recipient)
//
// EVM addresses are encoded as left-padded 20-byte words (case-normalized);
// SVM addresses as the keccak256 of their base58 string. Pure function of
// its inputs; recomputed whenever needed, never stored.
func Commitment(network NetworkConfig, asset string, extra *SettlementExtra, amount *big.Int, recipient string) [32]byte {
	var preimage []byte

	networkWord := crypto.Keccak256([]byte(network.Canonical))
	preimage = append(preimage, networkWord...)
	preimage = append(preimage, addressWord(network, asset)...)
	preimage = append(preimage, addressWord(network, extra.SettlementRouter)...)
	preimage = append(preimage, extra.Salt[:]...)
	preimage = append(preimage, addressWord(network, extra.PayTo)...)
	preimage = append(preimage, uintWord(extra.FacilitatorFee)...)
	preimage = append(preimage, addressWord(network, extra.Hook)...)
	preimage = append(preimage, crypto.Keccak256(extra.HookData)...)
	preimage = append(preimage, uintWord(amount)...)
	preimage = append(preimage, addressWord(network, recipient)...)

	var out [32]byte
	copy(out[:], crypto.Keccak256(preimage))
	return out
}

// addressWord encodes an address as a 32-byte word. EVM addresses are
// left-padded after case normalization so checksummed and lowercase forms
// commit identically; base58 addresses are hashed.
func addressWord(network NetworkConfig, address string) []byte {
	if network.Type == NetworkTypeEVM {
		h := common.BytesToHash(common.HexToAddress(address).Bytes())
		return h[:]
	}
	return crypto.Keccak256([]byte(address))
}

// uintWord encodes a non-negative integer as a big-endian 32-byte word.
func uintWord(v *big.Int) []byte {
	word := make([]byte, 32)
	if v != nil {
		v.FillBytes(word)
	}
	return word
}

// CommitmentMatchesNonce reports whether a hex-encoded authorization nonce
// equals the given commitment.
func CommitmentMatchesNonce(commitment [32]byte, nonceHex string) bool {
	want := common.BytesToHash(commitment[:])
	got := common.HexToHash(strings.TrimSpace(nonceHex))
	return want == got
}
