// Package svm provides the facilitator's Solana chain backend: pooled
// fee-payer signer handles that co-sign client transactions, simulate
// them for verification, and submit them for settlement.
package svm

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	facilitator "github.com/x402labs/facilitator-go"
)

// RPCClient is the slice of a Solana RPC client the signer needs.
// *rpc.Client satisfies it.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// Signer is one pooled Solana fee-payer account. It satisfies pool.Signer;
// the pool guarantees at most one in-flight submission per account.
type Signer struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	network    string
	client     RPCClient
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a Solana fee-payer signer with the given options.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if len(s.privateKey) == 0 {
		return nil, fmt.Errorf("%w: no private key configured", facilitator.ErrValidation)
	}
	if s.network == "" {
		return nil, facilitator.ErrInvalidNetwork
	}

	cfg, err := facilitator.ResolveNetwork(s.network)
	if err != nil {
		return nil, err
	}
	if cfg.Type != facilitator.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: %s is not an SVM network", facilitator.ErrInvalidNetwork, s.network)
	}

	s.network = cfg.ID
	s.publicKey = s.privateKey.PublicKey()
	return s, nil
}

// WithPrivateKey sets the private key from a base58 string.
func WithPrivateKey(base58Key string) SignerOption {
	return func(s *Signer) error {
		privateKey, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil {
			return fmt.Errorf("%w: %v", facilitator.ErrValidation, err)
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithKeygenFile loads the private key from a Solana CLI keygen JSON file
// (a JSON array of 64 bytes).
func WithKeygenFile(path string) SignerOption {
	return func(s *Signer) error {
		privateKey, err := solana.PrivateKeyFromSolanaKeygenFile(path)
		if err != nil {
			return fmt.Errorf("%w: keygen file: %v", facilitator.ErrValidation, err)
		}
		if len(privateKey) != 64 {
			return fmt.Errorf("%w: keygen file: expected 64 bytes, got %d", facilitator.ErrValidation, len(privateKey))
		}

		s.privateKey = privateKey
		return nil
	}
}

// WithNetwork sets the network the handle operates on.
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithClient sets the RPC client used for simulation and submission.
func WithClient(client RPCClient) SignerOption {
	return func(s *Signer) error {
		s.client = client
		return nil
	}
}

// Address implements pool.Signer.
func (s *Signer) Address() string {
	return s.publicKey.String()
}

// Network implements pool.Signer.
func (s *Signer) Network() string {
	return s.network
}

// DecodeTransaction decodes a base64 partially signed client transaction.
func DecodeTransaction(base64Tx string) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(base64Tx)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction decode: %v", facilitator.ErrValidation, err)
	}
	return tx, nil
}

// ExtractPayer returns the owner of the first SPL token transfer
// instruction in the transaction: the paying account.
func ExtractPayer(tx *solana.Transaction) (string, error) {
	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil || !prog.Equals(solana.TokenProgramID) {
			continue
		}

		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			continue
		}
		ix, err := token.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			continue
		}
		switch t := ix.Impl.(type) {
		case *token.Transfer:
			return t.GetOwnerAccount().PublicKey.String(), nil
		case *token.TransferChecked:
			return t.GetOwnerAccount().PublicKey.String(), nil
		}
	}
	return "", fmt.Errorf("%w: no token transfer instruction found", facilitator.ErrValidation)
}

// refreshAndCoSign sets a recent blockhash and adds the fee payer
// signature, preserving the client's existing partial signature.
func (s *Signer) refreshAndCoSign(ctx context.Context, tx *solana.Transaction) error {
	if s.client == nil {
		return fmt.Errorf("%w: signer %s has no RPC client", facilitator.ErrChainSubmission, s.publicKey)
	}

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return fmt.Errorf("%w: blockhash: %v", facilitator.ErrChainSubmission, err)
	}
	tx.Message.RecentBlockhash = recent.Value.Blockhash

	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	}); err != nil {
		return fmt.Errorf("%w: fee payer sign: %v", facilitator.ErrChainSubmission, err)
	}
	return nil
}

// Simulate dry-runs the transaction under this fee payer. Verification
// uses it; it never mutates on-chain state.
func (s *Signer) Simulate(ctx context.Context, tx *solana.Transaction) error {
	if err := s.refreshAndCoSign(ctx, tx); err != nil {
		return err
	}

	resp, err := s.client.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  true,
		Commitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return fmt.Errorf("%w: simulate: %v", facilitator.ErrChainSubmission, err)
	}
	if resp.Value != nil && resp.Value.Err != nil {
		return fmt.Errorf("%w: simulation failed: %v", facilitator.ErrInvalidSignature, resp.Value.Err)
	}
	return nil
}

// Submit co-signs and broadcasts the transaction, returning the signature
// once the RPC has acknowledged the submission.
func (s *Signer) Submit(ctx context.Context, tx *solana.Transaction) (string, error) {
	if err := s.refreshAndCoSign(ctx, tx); err != nil {
		return "", err
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return "", fmt.Errorf("%w: send: %v", facilitator.ErrChainSubmission, err)
	}
	return sig.String(), nil
}
