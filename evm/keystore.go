package evm

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	facilitator "github.com/x402labs/facilitator-go"
)

// WithKeystore loads the private key from an encrypted geth keystore file.
func WithKeystore(keystorePath, password string) SignerOption {
	return func(s *Signer) error {
		data, err := os.ReadFile(keystorePath)
		if err != nil {
			return fmt.Errorf("%w: keystore: %v", facilitator.ErrValidation, err)
		}

		var keyJSON struct {
			Crypto keystore.CryptoJSON `json:"crypto"`
		}
		if err := json.Unmarshal(data, &keyJSON); err != nil {
			return fmt.Errorf("%w: keystore: invalid JSON", facilitator.ErrValidation)
		}

		privateKeyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
		if err != nil {
			return fmt.Errorf("%w: keystore: decryption failed", facilitator.ErrValidation)
		}

		privateKey, err := crypto.ToECDSA(privateKeyBytes)
		if err != nil {
			return fmt.Errorf("%w: keystore: invalid private key", facilitator.ErrValidation)
		}

		s.privateKey = privateKey
		return nil
	}
}

// WithMnemonicAccount derives the private key from a BIP39 mnemonic at
// m/44'/60'/0'/0/{accountIndex}.
func WithMnemonicAccount(mnemonic string, accountIndex uint32) SignerOption {
	return func(s *Signer) error {
		if !bip39.IsMnemonicValid(mnemonic) {
			return fmt.Errorf("%w: invalid mnemonic", facilitator.ErrValidation)
		}

		seed := bip39.NewSeed(mnemonic, "")
		privateKey, err := deriveEthereumKey(seed, accountIndex)
		if err != nil {
			return fmt.Errorf("%w: mnemonic derivation: %v", facilitator.ErrValidation, err)
		}

		s.privateKey = privateKey
		return nil
	}
}

// DeriveSigners derives count consecutive pool signers from one mnemonic,
// at account indexes 0..count-1, all bound to the same network and client.
// This is how a facilitator provisions an N-handle account pool from a
// single secret.
func DeriveSigners(mnemonic, network string, client ChainClient, count int) ([]*Signer, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: signer count must be positive", facilitator.ErrValidation)
	}

	signers := make([]*Signer, 0, count)
	for i := 0; i < count; i++ {
		s, err := NewSigner(
			WithMnemonicAccount(mnemonic, uint32(i)),
			WithNetwork(network),
			WithClient(client),
		)
		if err != nil {
			return nil, fmt.Errorf("derive signer %d: %w", i, err)
		}
		signers = append(signers, s)
	}
	return signers, nil
}

// deriveEthereumKey derives an Ethereum private key from a BIP39 seed,
// following the BIP44 path m/44'/60'/0'/0/{index}.
func deriveEthereumKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	// m/44'/60'/0'/0/{index}
	path := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 60,
		bip32.FirstHardenedChild + 0,
		0,
		index,
	}

	key := masterKey
	for _, child := range path {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, err
		}
	}

	return crypto.ToECDSA(key.Key)
}
