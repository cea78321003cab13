package settle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	facilitator "github.com/x402labs/facilitator-go"
	"github.com/x402labs/facilitator-go/hooks"
	"github.com/x402labs/facilitator-go/pool"
	"github.com/x402labs/facilitator-go/svm"
)

// mockSolanaRPC is an in-memory svm.RPCClient.
type mockSolanaRPC struct {
	simulationErr interface{}
	sendErr       error
	sent          *solana.Transaction
}

func (m *mockSolanaRPC) GetLatestBlockhash(_ context.Context, _ rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            solana.Hash{0xbb},
			LastValidBlockHeight: 1000,
		},
	}, nil
}

func (m *mockSolanaRPC) SimulateTransactionWithOpts(_ context.Context, _ *solana.Transaction, _ *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	return &rpc.SimulateTransactionResponse{
		Value: &rpc.SimulateTransactionResult{Err: m.simulationErr},
	}, nil
}

func (m *mockSolanaRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.sent = tx
	return solana.Signature{0x07}, nil
}

type solanaFixture struct {
	service *Service
	client  *mockSolanaRPC
	owner   *solana.Wallet
	payload facilitator.PaymentPayload
	req     facilitator.PaymentRequirement
}

func newSolanaFixture(t *testing.T) *solanaFixture {
	t.Helper()

	client := &mockSolanaRPC{}
	feePayer := solana.NewWallet()
	signer, err := svm.NewSigner(
		svm.WithPrivateKey(feePayer.PrivateKey.String()),
		svm.WithNetwork("solana-devnet"),
		svm.WithClient(client),
	)
	if err != nil {
		t.Fatal(err)
	}
	pools, err := pool.NewManager(pool.WithPool(
		pool.NewAccountPool("solana-devnet", []pool.Signer{signer})))
	if err != nil {
		t.Fatal(err)
	}
	service, err := NewService(WithPools(pools), WithHooks(hooks.NewRegistry()))
	if err != nil {
		t.Fatal(err)
	}

	owner := solana.NewWallet()
	source := solana.NewWallet().PublicKey()
	dest := solana.NewWallet().PublicKey()
	inst := token.NewTransferInstruction(10000, source, dest, owner.PublicKey(), nil).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{inst},
		solana.Hash{0x01},
		solana.TransactionPayer(feePayer.PublicKey()),
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

	return &solanaFixture{
		service: service,
		client:  client,
		owner:   owner,
		payload: facilitator.PaymentPayload{
			X402Version: 1,
			Scheme:      "exact",
			Network:     "solana-devnet",
			Payload:     facilitator.SVMPayload{Transaction: encoded},
		},
		req: facilitator.PaymentRequirement{
			Scheme:            "exact",
			Network:           "solana-devnet",
			MaxAmountRequired: "10000",
			Asset:             solana.NewWallet().PublicKey().String(),
			PayTo:             dest.String(),
			MaxTimeoutSeconds: 60,
		},
	}
}

func TestVerifySolanaPayment(t *testing.T) {
	f := newSolanaFixture(t)

	resp, err := f.service.Verify(context.Background(), f.payload, f.req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("payment rejected: %s", resp.InvalidReason)
	}
	if resp.Payer != f.owner.PublicKey().String() {
		t.Errorf("Payer = %s, want the transfer owner", resp.Payer)
	}
}

func TestVerifySolanaSimulationFailure(t *testing.T) {
	f := newSolanaFixture(t)
	f.client.simulationErr = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}

	resp, err := f.service.Verify(context.Background(), f.payload, f.req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.IsValid {
		t.Fatal("failing simulation accepted")
	}
}

func TestSettleSolanaPayment(t *testing.T) {
	f := newSolanaFixture(t)

	resp, err := f.service.Settle(context.Background(), f.payload, f.req)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("settlement failed: %s", resp.ErrorReason)
	}
	if resp.Transaction == "" {
		t.Error("missing transaction signature")
	}
	if resp.Payer != f.owner.PublicKey().String() {
		t.Errorf("Payer = %s", resp.Payer)
	}
	if f.client.sent == nil {
		t.Fatal("nothing broadcast")
	}
}

func TestSettleSolanaSendFailurePropagates(t *testing.T) {
	f := newSolanaFixture(t)
	f.client.sendErr = errors.New("blockhash not found")

	_, err := f.service.Settle(context.Background(), f.payload, f.req)
	if !errors.Is(err, facilitator.ErrChainSubmission) {
		t.Fatalf("error = %v, want chain submission failure", err)
	}
}

func TestVerifySolanaMalformedTransaction(t *testing.T) {
	f := newSolanaFixture(t)
	f.payload.Payload = facilitator.SVMPayload{Transaction: "!!not base64!!"}

	resp, err := f.service.Verify(context.Background(), f.payload, f.req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.IsValid {
		t.Fatal("malformed transaction accepted")
	}
	if !strings.Contains(resp.InvalidReason, string(facilitator.ErrCodeValidation)) {
		t.Errorf("InvalidReason = %q, want validation failure", resp.InvalidReason)
	}
}

func TestSupportedCarriesSolanaFeePayer(t *testing.T) {
	f := newSolanaFixture(t)

	kinds, err := f.service.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported failed: %v", err)
	}
	if len(kinds) != 1 {
		t.Fatalf("kinds = %+v, want one", kinds)
	}
	feePayer, ok := kinds[0].Extra["feePayer"].(string)
	if !ok || feePayer == "" {
		t.Errorf("Extra = %+v, want a feePayer address", kinds[0].Extra)
	}
}
