package facilitator

import (
	"errors"
	"testing"
)

func TestResolveNetworkBothForms(t *testing.T) {
	tests := []struct {
		input  string
		wantID string
	}{
		{"base", "base"},
		{"eip155:8453", "base"},
		{"base-sepolia", "base-sepolia"},
		{"eip155:84532", "base-sepolia"},
		{"polygon", "polygon"},
		{"eip155:137", "polygon"},
		{"polygon-amoy", "polygon-amoy"},
		{"avalanche", "avalanche"},
		{"avalanche-fuji", "avalanche-fuji"},
		{"solana", "solana"},
		{"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", "solana"},
		{"solana-devnet", "solana-devnet"},
		{"solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1", "solana-devnet"},
	}
	for _, tt := range tests {
		cfg, err := ResolveNetwork(tt.input)
		if err != nil {
			t.Errorf("ResolveNetwork(%q) failed: %v", tt.input, err)
			continue
		}
		if cfg.ID != tt.wantID {
			t.Errorf("ResolveNetwork(%q).ID = %q, want %q", tt.input, cfg.ID, tt.wantID)
		}
	}
}

func TestResolveNetworkUnknown(t *testing.T) {
	for _, input := range []string{"", "dogecoin", "eip155:1", "BASE"} {
		if _, err := ResolveNetwork(input); !errors.Is(err, ErrInvalidNetwork) {
			t.Errorf("ResolveNetwork(%q) error = %v, want invalid network", input, err)
		}
	}
}

func TestNetworkFamilies(t *testing.T) {
	evm := []string{"base", "base-sepolia", "polygon", "polygon-amoy", "avalanche", "avalanche-fuji"}
	for _, id := range evm {
		cfg, err := ResolveNetwork(id)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Type != NetworkTypeEVM {
			t.Errorf("%s: Type = %v, want EVM", id, cfg.Type)
		}
		if cfg.ChainID == nil {
			t.Errorf("%s: missing chain id", id)
		}
		if cfg.NativeDecimals != 18 {
			t.Errorf("%s: NativeDecimals = %d", id, cfg.NativeDecimals)
		}
	}

	for _, id := range []string{"solana", "solana-devnet"} {
		cfg, err := ResolveNetwork(id)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Type != NetworkTypeSVM {
			t.Errorf("%s: Type = %v, want SVM", id, cfg.Type)
		}
		if cfg.ChainID != nil {
			t.Errorf("%s: unexpected chain id %v", id, cfg.ChainID)
		}
		if cfg.NativeDecimals != 9 {
			t.Errorf("%s: NativeDecimals = %d", id, cfg.NativeDecimals)
		}
	}
}

func TestNetworkGasBounds(t *testing.T) {
	for id, cfg := range networkRegistry {
		if cfg.BaseGasLimit == 0 || cfg.MaxGasLimit == 0 {
			t.Errorf("%s: unset gas bounds", id)
		}
		if cfg.BaseGasLimit >= cfg.MaxGasLimit {
			t.Errorf("%s: BaseGasLimit %d >= MaxGasLimit %d", id, cfg.BaseGasLimit, cfg.MaxGasLimit)
		}
	}
}

func TestValidateTokenAddress(t *testing.T) {
	tests := []struct {
		name    string
		network string
		address string
		wantErr bool
	}{
		{"evm ok", "base-sepolia", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", false},
		{"evm empty", "base-sepolia", "", true},
		{"evm short", "base-sepolia", "0x1234", true},
		{"evm bad char", "base-sepolia", "0x036CbD53842c5426634e7929541eC2318f3dCFzz", true},
		{"solana ok", "solana-devnet", "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T", false},
		{"solana forbidden char", "solana-devnet", "0OIl1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4", true},
		{"solana too short", "solana-devnet", "abc", true},
		{"unknown network", "dogecoin", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTokenAddress(tt.network, tt.address)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTokenAddress(%q, %q) error = %v, wantErr %v",
					tt.network, tt.address, err, tt.wantErr)
			}
		})
	}
}
