package settle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	facilitator "github.com/x402labs/facilitator-go"
	"github.com/x402labs/facilitator-go/evm"
	"github.com/x402labs/facilitator-go/gas"
	"github.com/x402labs/facilitator-go/hooks"
	"github.com/x402labs/facilitator-go/pool"
)

const (
	testNetwork = "base-sepolia"
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testRouter  = "0x4444444444444444444444444444444444444444"
	testHook    = "0x00000000000000000000000000000000000a11ce"
	finalPayTo  = "0x3333333333333333333333333333333333333333"
	// Base limit 120000 plus 35000 hook overhead at 1 gwei and ETH $2000,
	// times the 1.2 safety multiplier: 372000 units of a 6-decimal token.
	minHookFee = 372_000
)

// mockChainClient is an in-memory evm.ChainClient capturing submissions.
type mockChainClient struct {
	mu      sync.Mutex
	sent    []*types.Transaction
	sendErr error
}

func (m *mockChainClient) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (m *mockChainClient) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 21_000, nil
}

func (m *mockChainClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockChainClient) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockChainClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return 7, nil
}

func (m *mockChainClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockChainClient) lastSent() *types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

type fixture struct {
	service *Service
	client  *mockChainClient
	payer   *ecdsa.PrivateKey
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()

	client := &mockChainClient{}
	signer, err := evm.NewSigner(
		evm.WithPrivateKey("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"),
		evm.WithNetwork(testNetwork),
		evm.WithClient(client),
	)
	if err != nil {
		t.Fatal(err)
	}
	pools, err := pool.NewManager(pool.WithPool(
		pool.NewAccountPool(testNetwork, []pool.Signer{signer})))
	if err != nil {
		t.Fatal(err)
	}

	registry := hooks.NewRegistry(hooks.WithBuiltin(testNetwork, hooks.BuiltinHook{
		Address:     testHook,
		Type:        hooks.HookTypeTransfer,
		GasOverhead: 35_000,
	}))

	engine := gas.NewEngine(registry,
		gas.WithGasSource(gas.NewStaticGasSource(map[string]*big.Int{
			testNetwork: big.NewInt(1_000_000_000),
		})),
		gas.WithPriceSource(gas.NewStaticPriceSource(map[string]*big.Rat{
			"ETH": big.NewRat(2000, 1),
		})),
		gas.WithMetadataSource(gas.NewStaticTokenMetadataSource(map[string]gas.TokenMetadata{
			testNetwork + "/" + testAsset: {Name: "USDC", Decimals: 6, Version: "2"},
		})),
	)

	payer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	base := []ServiceOption{
		WithPools(pools),
		WithGasEngine(engine),
		WithHooks(registry),
		WithRouter(testNetwork, testRouter),
	}
	service, err := NewService(append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{service: service, client: client, payer: payer}
}

// signedStandardPayment builds a standard-mode requirement and a matching
// signed payment.
func (f *fixture) signedStandardPayment(t *testing.T) (facilitator.PaymentPayload, facilitator.PaymentRequirement) {
	t.Helper()
	req := facilitator.PaymentRequirement{
		Scheme:            "exact",
		Network:           testNetwork,
		MaxAmountRequired: "10000",
		Asset:             testAsset,
		PayTo:             finalPayTo,
		MaxTimeoutSeconds: 60,
	}
	nonce := common.Hash{0x42}
	return f.signPayment(t, req, finalPayTo, nonce), req
}

// signedSettlementPayment builds a settlement-router requirement whose
// authorization nonce is the commitment over its settlement parameters.
func (f *fixture) signedSettlementPayment(t *testing.T, fee string) (facilitator.PaymentPayload, facilitator.PaymentRequirement) {
	t.Helper()
	req := facilitator.PaymentRequirement{
		Scheme:            "exact",
		Network:           testNetwork,
		MaxAmountRequired: "10000",
		Asset:             testAsset,
		PayTo:             testRouter,
		MaxTimeoutSeconds: 60,
		Extra: map[string]interface{}{
			"settlementRouter": testRouter,
			"salt":             "0x" + strings.Repeat("11", 32),
			"payTo":            finalPayTo,
			"facilitatorFee":   fee,
			"hook":             testHook,
			"hookData":         "",
		},
	}

	parsed, err := facilitator.ParseRequirement(req)
	if err != nil {
		t.Fatal(err)
	}
	amount, _ := facilitator.ParseAtomicAmount(req.MaxAmountRequired)
	nonce := facilitator.Commitment(parsed.Network, req.Asset, parsed.Extra, amount, req.PayTo)
	return f.signPayment(t, req, testRouter, common.BytesToHash(nonce[:])), req
}

func (f *fixture) signPayment(t *testing.T, req facilitator.PaymentRequirement, to string, nonce common.Hash) facilitator.PaymentPayload {
	t.Helper()
	now := time.Now().Unix()
	wire := facilitator.EVMAuthorization{
		From:        crypto.PubkeyToAddress(f.payer.PublicKey).Hex(),
		To:          to,
		Value:       req.MaxAmountRequired,
		ValidAfter:  big.NewInt(now - 60).String(),
		ValidBefore: big.NewInt(now + 600).String(),
		Nonce:       nonce.Hex(),
	}

	auth, err := evm.ParseAuthorization(wire)
	if err != nil {
		t.Fatal(err)
	}
	digest, err := evm.AuthorizationDigest(
		common.HexToAddress(req.Asset), big.NewInt(84532), "USDC", "2", auth)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := crypto.Sign(digest, f.payer)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27

	return facilitator.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     testNetwork,
		Payload: facilitator.EVMPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: wire,
		},
	}
}

func TestVerifyStandardMode(t *testing.T) {
	f := newFixture(t)
	payload, req := f.signedStandardPayment(t)

	resp, err := f.service.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("payment rejected: %s", resp.InvalidReason)
	}
	if resp.Payer != crypto.PubkeyToAddress(f.payer.PublicKey).Hex() {
		t.Errorf("Payer = %s", resp.Payer)
	}
}

func TestVerifySettlementMode(t *testing.T) {
	f := newFixture(t)
	payload, req := f.signedSettlementPayment(t, "400000")

	resp, err := f.service.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("payment rejected: %s", resp.InvalidReason)
	}
}

func TestVerifyRejectsUnlistedRouter(t *testing.T) {
	f := newFixture(t)
	payload, req := f.signedSettlementPayment(t, "400000")
	req.Extra["settlementRouter"] = "0x5555555555555555555555555555555555555555"

	resp, err := f.service.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.IsValid {
		t.Fatal("unlisted router accepted")
	}
	if !strings.Contains(resp.InvalidReason, string(facilitator.ErrCodeWhitelist)) {
		t.Errorf("InvalidReason = %q, want whitelist rejection", resp.InvalidReason)
	}
}

func TestVerifyRejectsRouterOnWrongNetwork(t *testing.T) {
	// The router is allowlisted for base, not base-sepolia.
	f := newFixture(t)
	f.service.routers = map[string]map[string]bool{
		"base": {strings.ToLower(testRouter): true},
	}

	payload, req := f.signedSettlementPayment(t, "400000")
	resp, err := f.service.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.IsValid {
		t.Fatal("router accepted on a network it is not allowlisted for")
	}
	if !strings.Contains(resp.InvalidReason, string(facilitator.ErrCodeWhitelist)) {
		t.Errorf("InvalidReason = %q, want whitelist rejection", resp.InvalidReason)
	}
}

func TestVerifyRejectsCommitmentMismatch(t *testing.T) {
	f := newFixture(t)
	payload, req := f.signedSettlementPayment(t, "400000")
	// Raise the fee after signing: the nonce no longer matches.
	req.Extra["facilitatorFee"] = "400001"

	resp, err := f.service.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.IsValid {
		t.Fatal("tampered settlement parameters accepted")
	}
	if !strings.Contains(resp.InvalidReason, string(facilitator.ErrCodeCommitmentMismatch)) {
		t.Errorf("InvalidReason = %q, want commitment mismatch", resp.InvalidReason)
	}
}

func TestVerifyRejectsInsufficientFee(t *testing.T) {
	f := newFixture(t)
	// Commitment is consistent; the fee itself is below the minimum.
	payload, req := f.signedSettlementPayment(t, "100000")

	resp, err := f.service.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.IsValid {
		t.Fatal("underpriced facilitator fee accepted")
	}
	if !strings.Contains(resp.InvalidReason, string(facilitator.ErrCodeFeeInsufficient)) {
		t.Errorf("InvalidReason = %q, want fee insufficient", resp.InvalidReason)
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	f := newFixture(t)
	payload, req := f.signedStandardPayment(t)

	// Replace the signature with one from another key.
	other, _ := crypto.GenerateKey()
	intruder := &fixture{payer: other}
	forged := intruder.signPayment(t, req, finalPayTo, common.Hash{0x42})
	body := forged.Payload.(facilitator.EVMPayload)
	origBody := payload.Payload.(facilitator.EVMPayload)
	origBody.Signature = body.Signature
	payload.Payload = origBody

	resp, err := f.service.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.IsValid {
		t.Fatal("signature from the wrong key accepted")
	}
}

func TestVerifyRejectsAmountMismatch(t *testing.T) {
	f := newFixture(t)
	payload, req := f.signedStandardPayment(t)
	req.MaxAmountRequired = "20000"

	resp, err := f.service.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.IsValid {
		t.Fatal("authorization for a different amount accepted")
	}
}

func TestVerifyRejectsWrongRecipient(t *testing.T) {
	f := newFixture(t)
	payload, req := f.signedStandardPayment(t)
	req.PayTo = "0x9999999999999999999999999999999999999999"

	resp, err := f.service.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.IsValid {
		t.Fatal("authorization paying someone else accepted")
	}
}

func TestVerifyRejectsExpiredAuthorization(t *testing.T) {
	f := newFixture(t)
	req := facilitator.PaymentRequirement{
		Scheme:            "exact",
		Network:           testNetwork,
		MaxAmountRequired: "10000",
		Asset:             testAsset,
		PayTo:             finalPayTo,
		MaxTimeoutSeconds: 60,
	}

	payload := f.signPayment(t, req, finalPayTo, common.Hash{0x42})
	body := payload.Payload.(facilitator.EVMPayload)
	body.Authorization.ValidBefore = big.NewInt(time.Now().Add(-time.Hour).Unix()).String()
	// Re-sign over the expired window.
	resigned := f.resign(t, req, body.Authorization)
	payload.Payload = resigned

	resp, err := f.service.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expired authorization accepted")
	}
}

func (f *fixture) resign(t *testing.T, req facilitator.PaymentRequirement, wire facilitator.EVMAuthorization) facilitator.EVMPayload {
	t.Helper()
	auth, err := evm.ParseAuthorization(wire)
	if err != nil {
		t.Fatal(err)
	}
	digest, err := evm.AuthorizationDigest(
		common.HexToAddress(req.Asset), big.NewInt(84532), "USDC", "2", auth)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := crypto.Sign(digest, f.payer)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27
	return facilitator.EVMPayload{Signature: hexutil.Encode(sig), Authorization: wire}
}

func TestSettleStandardModeTargetsToken(t *testing.T) {
	f := newFixture(t)
	payload, req := f.signedStandardPayment(t)

	resp, err := f.service.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("settlement failed: %s", resp.ErrorReason)
	}
	if resp.Transaction == "" {
		t.Error("missing transaction hash")
	}
	if resp.Network != testNetwork {
		t.Errorf("Network = %q", resp.Network)
	}

	sent := f.client.lastSent()
	if sent == nil {
		t.Fatal("no transaction broadcast")
	}
	if *sent.To() != common.HexToAddress(testAsset) {
		t.Errorf("standard settlement called %s, want the token contract", sent.To().Hex())
	}
}

func TestSettleSettlementModeTargetsRouter(t *testing.T) {
	f := newFixture(t)
	payload, req := f.signedSettlementPayment(t, "400000")

	resp, err := f.service.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("settlement failed: %s", resp.ErrorReason)
	}

	sent := f.client.lastSent()
	if sent == nil {
		t.Fatal("no transaction broadcast")
	}
	if *sent.To() != common.HexToAddress(testRouter) {
		t.Errorf("settlement called %s, want the router", sent.To().Hex())
	}
	// Base gas plus the hook overhead.
	if sent.Gas() != 155_000 {
		t.Errorf("gas limit = %d, want 155000", sent.Gas())
	}
}

func TestSettleReplayIsClientFault(t *testing.T) {
	f := newFixture(t)
	f.client.sendErr = errors.New("execution reverted: FiatTokenV2: authorization is used")
	payload, req := f.signedStandardPayment(t)

	resp, err := f.service.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Settle returned infrastructure error for a replay: %v", err)
	}
	if resp.Success {
		t.Fatal("replayed authorization settled")
	}
	if !strings.Contains(resp.ErrorReason, string(facilitator.ErrCodeReplay)) {
		t.Errorf("ErrorReason = %q, want replay", resp.ErrorReason)
	}
}

func TestSettleChainFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.client.sendErr = errors.New("connection refused by upstream")
	payload, req := f.signedStandardPayment(t)

	_, err := f.service.Settle(context.Background(), payload, req)
	if !errors.Is(err, facilitator.ErrChainSubmission) {
		t.Fatalf("error = %v, want chain submission failure", err)
	}
}

func TestSettleValidatesBeforeTouchingPool(t *testing.T) {
	f := newFixture(t)
	payload, req := f.signedSettlementPayment(t, "400000")
	req.Extra["settlementRouter"] = "0x5555555555555555555555555555555555555555"

	resp, err := f.service.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if resp.Success {
		t.Fatal("invalid settlement succeeded")
	}
	if f.client.lastSent() != nil {
		t.Error("a transaction was broadcast for an invalid settlement")
	}
}

func TestSupportedListsNetworks(t *testing.T) {
	f := newFixture(t)

	kinds, err := f.service.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported failed: %v", err)
	}
	if len(kinds) != 1 {
		t.Fatalf("kinds = %+v, want one", kinds)
	}
	if kinds[0].Network != testNetwork || kinds[0].Scheme != "exact" || kinds[0].X402Version != 1 {
		t.Errorf("unexpected kind %+v", kinds[0])
	}
}

func TestRouterAllowed(t *testing.T) {
	f := newFixture(t)

	if !f.service.RouterAllowed(testNetwork, testRouter) {
		t.Error("configured router not allowed")
	}
	if !f.service.RouterAllowed(testNetwork, strings.ToUpper(testRouter)) {
		t.Error("checksum casing changed the allowlist answer")
	}
	if f.service.RouterAllowed("base", testRouter) {
		t.Error("router allowed on the wrong network")
	}
	if f.service.RouterAllowed(testNetwork, testHook) {
		t.Error("unlisted address allowed")
	}
}
