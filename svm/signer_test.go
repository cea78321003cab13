package svm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	facilitator "github.com/x402labs/facilitator-go"
)

// mockRPC is an in-memory RPCClient recording the last call.
type mockRPC struct {
	simulationErr interface{}
	simulateErr   error
	sendErr       error
	sent          *solana.Transaction
}

func (m *mockRPC) GetLatestBlockhash(_ context.Context, _ rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            solana.Hash{0xaa},
			LastValidBlockHeight: 1000,
		},
	}, nil
}

func (m *mockRPC) SimulateTransactionWithOpts(_ context.Context, _ *solana.Transaction, _ *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	if m.simulateErr != nil {
		return nil, m.simulateErr
	}
	return &rpc.SimulateTransactionResponse{
		Value: &rpc.SimulateTransactionResult{Err: m.simulationErr},
	}, nil
}

func (m *mockRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.sent = tx
	return solana.Signature{0x01}, nil
}

func newTestSigner(t *testing.T, client RPCClient) *Signer {
	t.Helper()
	wallet := solana.NewWallet()
	s, err := NewSigner(
		WithPrivateKey(wallet.PrivateKey.String()),
		WithNetwork("solana-devnet"),
		WithClient(client),
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// clientTransaction builds a partially signed SPL token transfer the way
// a paying client would, naming feePayer as the sponsor.
func clientTransaction(t *testing.T, owner *solana.Wallet, feePayer solana.PublicKey) string {
	t.Helper()
	source := solana.NewWallet().PublicKey()
	dest := solana.NewWallet().PublicKey()

	inst := token.NewTransferInstruction(10000, source, dest, owner.PublicKey(), nil).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{inst},
		solana.Hash{0x01},
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner.PublicKey()) {
			return &owner.PrivateKey
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	encoded, err := tx.ToBase64()
	if err != nil {
		t.Fatal(err)
	}
	return encoded
}

func TestDecodeTransactionRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "not base64!!!", "aGVsbG8="} {
		if _, err := DecodeTransaction(input); !errors.Is(err, facilitator.ErrValidation) {
			t.Errorf("DecodeTransaction(%q) error = %v, want validation failure", input, err)
		}
	}
}

func TestExtractPayer(t *testing.T) {
	owner := solana.NewWallet()
	feePayer := solana.NewWallet()
	encoded := clientTransaction(t, owner, feePayer.PublicKey())

	tx, err := DecodeTransaction(encoded)
	if err != nil {
		t.Fatal(err)
	}
	payer, err := ExtractPayer(tx)
	if err != nil {
		t.Fatalf("ExtractPayer failed: %v", err)
	}
	if payer != owner.PublicKey().String() {
		t.Errorf("payer = %s, want the transfer owner %s", payer, owner.PublicKey())
	}
}

func TestExtractPayerNoTransfer(t *testing.T) {
	from := solana.NewWallet()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(
			solana.SystemProgramID,
			solana.AccountMetaSlice{solana.Meta(from.PublicKey()).WRITE().SIGNER()},
			[]byte{0, 0, 0, 0},
		)},
		solana.Hash{0x01},
		solana.TransactionPayer(from.PublicKey()),
	)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ExtractPayer(tx); !errors.Is(err, facilitator.ErrValidation) {
		t.Errorf("error = %v, want validation failure", err)
	}
}

func TestSimulateCoSignsAndPasses(t *testing.T) {
	client := &mockRPC{}
	signer := newTestSigner(t, client)

	owner := solana.NewWallet()
	tx, err := DecodeTransaction(clientTransaction(t, owner, signer.publicKey))
	if err != nil {
		t.Fatal(err)
	}

	if err := signer.Simulate(context.Background(), tx); err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	if tx.Message.RecentBlockhash != (solana.Hash{0xaa}) {
		t.Error("blockhash was not refreshed before simulation")
	}
}

func TestSimulateFailureIsInvalidSignature(t *testing.T) {
	client := &mockRPC{simulationErr: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}
	signer := newTestSigner(t, client)

	owner := solana.NewWallet()
	tx, err := DecodeTransaction(clientTransaction(t, owner, signer.publicKey))
	if err != nil {
		t.Fatal(err)
	}

	err = signer.Simulate(context.Background(), tx)
	if !errors.Is(err, facilitator.ErrInvalidSignature) {
		t.Errorf("error = %v, want invalid signature", err)
	}
}

func TestSimulateRPCFailureIsChainSubmission(t *testing.T) {
	client := &mockRPC{simulateErr: errors.New("rpc unavailable")}
	signer := newTestSigner(t, client)

	owner := solana.NewWallet()
	tx, err := DecodeTransaction(clientTransaction(t, owner, signer.publicKey))
	if err != nil {
		t.Fatal(err)
	}

	err = signer.Simulate(context.Background(), tx)
	if !errors.Is(err, facilitator.ErrChainSubmission) {
		t.Errorf("error = %v, want chain submission failure", err)
	}
}

func TestSubmitBroadcasts(t *testing.T) {
	client := &mockRPC{}
	signer := newTestSigner(t, client)

	owner := solana.NewWallet()
	tx, err := DecodeTransaction(clientTransaction(t, owner, signer.publicKey))
	if err != nil {
		t.Fatal(err)
	}

	sig, err := signer.Submit(context.Background(), tx)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if sig == "" {
		t.Error("missing signature")
	}
	if client.sent == nil {
		t.Fatal("nothing broadcast")
	}
	// Both the client's partial signature and the fee payer's must be set.
	if len(client.sent.Signatures) != 2 {
		t.Errorf("signatures = %d, want 2", len(client.sent.Signatures))
	}
}

func TestNewSignerRejectsEVMNetwork(t *testing.T) {
	wallet := solana.NewWallet()
	_, err := NewSigner(
		WithPrivateKey(wallet.PrivateKey.String()),
		WithNetwork("base-sepolia"),
	)
	if !errors.Is(err, facilitator.ErrInvalidNetwork) {
		t.Errorf("error = %v, want invalid network", err)
	}
}

func TestWithKeygenFile(t *testing.T) {
	wallet := solana.NewWallet()

	var sb strings.Builder
	sb.WriteByte('[')
	for i, b := range wallet.PrivateKey {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(b)))
	}
	sb.WriteByte(']')

	path := filepath.Join(t.TempDir(), "keypair.json")
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewSigner(WithKeygenFile(path), WithNetwork("solana-devnet"))
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	if s.Address() != wallet.PublicKey().String() {
		t.Errorf("Address() = %s, want %s", s.Address(), wallet.PublicKey())
	}
}

func TestWithKeygenFileMissing(t *testing.T) {
	_, err := NewSigner(
		WithKeygenFile(filepath.Join(t.TempDir(), "absent.json")),
		WithNetwork("solana-devnet"),
	)
	if !errors.Is(err, facilitator.ErrValidation) {
		t.Errorf("error = %v, want validation failure", err)
	}
}
