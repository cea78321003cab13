package facilitator

import (
	"fmt"
	"math/big"
)

// NetworkType represents the blockchain virtual machine family.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents Ethereum Virtual Machine chains.
	NetworkTypeEVM
	// NetworkTypeSVM represents Solana Virtual Machine chains.
	NetworkTypeSVM
)

// NetworkConfig describes one supported network. ID is the human-readable
// x402 identifier ("base-sepolia"); Canonical is the CAIP-2 chain-namespaced
// form ("eip155:84532"). Both resolve to the same pool.
type NetworkConfig struct {
	// ID is the legacy human-readable network identifier.
	ID string

	// Canonical is the CAIP-2 identifier for the same network.
	Canonical string

	// Type is the chain family (EVM or SVM).
	Type NetworkType

	// ChainID is the EVM chain id; nil for SVM networks.
	ChainID *big.Int

	// NativeSymbol is the gas token symbol used for USD price lookups.
	NativeSymbol string

	// NativeDecimals is the decimal count of the gas token (18 for wei,
	// 9 for lamports).
	NativeDecimals int

	// BaseGasLimit is the gas consumed by a bare settlement with no hook.
	BaseGasLimit uint64

	// MaxGasLimit is the per-network ceiling on the computed gas limit.
	MaxGasLimit uint64
}

// networkRegistry holds every network the facilitator understands, keyed by
// the human-readable ID. Canonical forms are resolved through canonicalIndex.
var networkRegistry = map[string]NetworkConfig{
	"base": {
		ID:             "base",
		Canonical:      "eip155:8453",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(8453),
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		BaseGasLimit:   120_000,
		MaxGasLimit:    600_000,
	},
	"base-sepolia": {
		ID:             "base-sepolia",
		Canonical:      "eip155:84532",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(84532),
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		BaseGasLimit:   120_000,
		MaxGasLimit:    600_000,
	},
	"polygon": {
		ID:             "polygon",
		Canonical:      "eip155:137",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(137),
		NativeSymbol:   "POL",
		NativeDecimals: 18,
		BaseGasLimit:   140_000,
		MaxGasLimit:    700_000,
	},
	"polygon-amoy": {
		ID:             "polygon-amoy",
		Canonical:      "eip155:80002",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(80002),
		NativeSymbol:   "POL",
		NativeDecimals: 18,
		BaseGasLimit:   140_000,
		MaxGasLimit:    700_000,
	},
	"avalanche": {
		ID:             "avalanche",
		Canonical:      "eip155:43114",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(43114),
		NativeSymbol:   "AVAX",
		NativeDecimals: 18,
		BaseGasLimit:   120_000,
		MaxGasLimit:    600_000,
	},
	"avalanche-fuji": {
		ID:             "avalanche-fuji",
		Canonical:      "eip155:43113",
		Type:           NetworkTypeEVM,
		ChainID:        big.NewInt(43113),
		NativeSymbol:   "AVAX",
		NativeDecimals: 18,
		BaseGasLimit:   120_000,
		MaxGasLimit:    600_000,
	},
	"solana": {
		ID:             "solana",
		Canonical:      "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		Type:           NetworkTypeSVM,
		NativeSymbol:   "SOL",
		NativeDecimals: 9,
		BaseGasLimit:   200_000, // compute units
		MaxGasLimit:    1_400_000,
	},
	"solana-devnet": {
		ID:             "solana-devnet",
		Canonical:      "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
		Type:           NetworkTypeSVM,
		NativeSymbol:   "SOL",
		NativeDecimals: 9,
		BaseGasLimit:   200_000,
		MaxGasLimit:    1_400_000,
	},
}

// canonicalIndex maps CAIP-2 identifiers back to human-readable IDs.
var canonicalIndex = func() map[string]string {
	idx := make(map[string]string, len(networkRegistry))
	for id, cfg := range networkRegistry {
		idx[cfg.Canonical] = id
	}
	return idx
}()

// ResolveNetwork looks up a network by either its human-readable ID or its
// CAIP-2 canonical form. Both forms resolve to the same configuration.
func ResolveNetwork(network string) (NetworkConfig, error) {
	if network == "" {
		return NetworkConfig{}, fmt.Errorf("%w: network cannot be empty", ErrInvalidNetwork)
	}
	if cfg, ok := networkRegistry[network]; ok {
		return cfg, nil
	}
	if id, ok := canonicalIndex[network]; ok {
		return networkRegistry[id], nil
	}
	return NetworkConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
}

// ValidateNetwork validates a network identifier and returns its type.
func ValidateNetwork(network string) (NetworkType, error) {
	cfg, err := ResolveNetwork(network)
	if err != nil {
		return NetworkTypeUnknown, err
	}
	return cfg.Type, nil
}

// ValidateTokenAddress validates that a token or account address matches the
// network's family encoding.
//
// For EVM networks the address must be a 0x-prefixed hex string of 42
// characters. For Solana networks it must be base58 encoded, 32-44
// characters, excluding the characters 0, O, I, and l.
func ValidateTokenAddress(network, address string) error {
	if address == "" {
		return fmt.Errorf("%w: address cannot be empty", ErrInvalidAddress)
	}

	netType, err := ValidateNetwork(network)
	if err != nil {
		return err
	}

	switch netType {
	case NetworkTypeEVM:
		if len(address) != 42 || (address[0:2] != "0x" && address[0:2] != "0X") {
			return fmt.Errorf("%w: %q is not a 0x-prefixed 42-char hex address for %s", ErrInvalidAddress, address, network)
		}
		for i := 2; i < len(address); i++ {
			c := address[i]
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
				return fmt.Errorf("%w: %q is not a 0x-prefixed 42-char hex address for %s", ErrInvalidAddress, address, network)
			}
		}

	case NetworkTypeSVM:
		if len(address) < 32 || len(address) > 44 {
			return fmt.Errorf("%w: %q is not a base58 address (32-44 chars) for %s", ErrInvalidAddress, address, network)
		}
		for i := 0; i < len(address); i++ {
			c := address[i]
			if !((c >= '1' && c <= '9') || (c >= 'A' && c <= 'Z' && c != 'I' && c != 'O') || (c >= 'a' && c <= 'z' && c != 'l')) {
				return fmt.Errorf("%w: %q is not a base58 address (32-44 chars) for %s", ErrInvalidAddress, address, network)
			}
		}
	}

	return nil
}
