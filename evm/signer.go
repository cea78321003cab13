// Package evm provides the facilitator's EVM chain backend: pooled signer
// handles that submit settlement transactions, EIP-3009 authorization
// hashing and signer recovery, and calldata builders for the settlement
// router and direct transferWithAuthorization settlement.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	facilitator "github.com/x402labs/facilitator-go"
)

// ChainClient is the slice of an EVM RPC client the backend needs.
// *ethclient.Client satisfies it.
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Signer is one pooled EVM account. It satisfies pool.Signer and is only
// ever used inside a pool Execute callback, which guarantees at most one
// in-flight submission per account.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	chainID    *big.Int
	client     ChainClient
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates an EVM signer handle with the given options.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, fmt.Errorf("%w: no private key configured", facilitator.ErrValidation)
	}
	if s.network == "" {
		return nil, facilitator.ErrInvalidNetwork
	}

	cfg, err := facilitator.ResolveNetwork(s.network)
	if err != nil {
		return nil, err
	}
	if cfg.Type != facilitator.NetworkTypeEVM {
		return nil, fmt.Errorf("%w: %s is not an EVM network", facilitator.ErrInvalidNetwork, s.network)
	}

	s.network = cfg.ID
	s.chainID = cfg.ChainID
	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	return s, nil
}

// WithPrivateKey sets the private key from a hex string.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		hexKey = strings.TrimPrefix(hexKey, "0x")

		privateKey, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return fmt.Errorf("%w: %v", facilitator.ErrValidation, err)
		}

		s.privateKey = privateKey
		return nil
	}
}

// WithNetwork sets the network the handle submits on.
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithClient sets the RPC client used for nonce queries and submission.
func WithClient(client ChainClient) SignerOption {
	return func(s *Signer) error {
		s.client = client
		return nil
	}
}

// Address implements pool.Signer.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Network implements pool.Signer.
func (s *Signer) Network() string {
	return s.network
}

// SubmitCall signs and broadcasts a contract call from this account and
// returns the transaction hash once the RPC has acknowledged the
// submission. It does not wait for confirmation.
func (s *Signer) SubmitCall(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	if s.client == nil {
		return common.Hash{}, fmt.Errorf("%w: signer %s has no chain client", facilitator.ErrChainSubmission, s.address.Hex())
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: nonce query: %v", facilitator.ErrChainSubmission, err)
	}

	feeCap, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: gas price: %v", facilitator.ErrChainSubmission, err)
	}
	tipCap, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = feeCap
	}
	if tipCap.Cmp(feeCap) > 0 {
		feeCap = tipCap
	}

	tx, err := types.SignNewTx(s.privateKey, types.LatestSignerForChainID(s.chainID), &types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: sign: %v", facilitator.ErrChainSubmission, err)
	}

	if err := s.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, classifySubmissionError(err)
	}
	return tx.Hash(), nil
}

// classifySubmissionError maps chain revert reasons onto the error
// taxonomy. "Authorization used" reverts come from EIP-3009 tokens and
// the router when a nonce is replayed; they are never retryable.
func classifySubmissionError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "authorization is used") ||
		strings.Contains(msg, "authorization used") ||
		strings.Contains(msg, "nonce already used") {
		return fmt.Errorf("%w: %v", facilitator.ErrReplay, err)
	}
	return fmt.Errorf("%w: %v", facilitator.ErrChainSubmission, err)
}
