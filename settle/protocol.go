// Package settle implements the facilitator's settlement protocol: the
// per-request state machine that takes a signed payment from structural
// validation through mode detection, verification, and on-chain
// submission. Validation failures are reported before any pooled signer
// is touched.
package settle

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"

	facilitator "github.com/x402labs/facilitator-go"
	"github.com/x402labs/facilitator-go/evm"
	"github.com/x402labs/facilitator-go/gas"
	"github.com/x402labs/facilitator-go/hooks"
	"github.com/x402labs/facilitator-go/pool"
	"github.com/x402labs/facilitator-go/validation"
)

// state labels the settlement state machine position, used for logging
// and error context.
type state string

const (
	stateReceived  state = "received"
	stateValidated state = "structure_validated"
	stateDetected  state = "mode_detected"
	stateVerified  state = "verified"
	stateSettling  state = "settling"
	stateSettled   state = "settled"
	stateFailed    state = "failed"
)

// Service orchestrates verify and settle across the pool manager, gas
// engine, hook registry, and chain backends.
type Service struct {
	pools   *pool.Manager
	engine  *gas.Engine
	hooks   *hooks.Registry
	backend *evm.Backend

	// routers is the per-network settlement router allowlist, keyed by
	// network id then normalized address. Configuration only.
	routers map[string]map[string]bool

	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPools sets the pool manager used for SVM verification and all
// settlement submissions.
func WithPools(m *pool.Manager) ServiceOption {
	return func(s *Service) { s.pools = m }
}

// WithGasEngine sets the fee engine used to enforce the minimum
// facilitator fee in settlement-router mode.
func WithGasEngine(e *gas.Engine) ServiceOption {
	return func(s *Service) { s.engine = e }
}

// WithHooks sets the hook validator registry.
func WithHooks(r *hooks.Registry) ServiceOption {
	return func(s *Service) { s.hooks = r }
}

// WithEVMBackend sets the read-side EVM backend used for stateless
// verification and replay pre-checks.
func WithEVMBackend(b *evm.Backend) ServiceOption {
	return func(s *Service) { s.backend = b }
}

// WithRouter allowlists a settlement router for a network. The same
// address on a different network stays rejected.
func WithRouter(network, address string) ServiceOption {
	return func(s *Service) {
		cfg, err := facilitator.ResolveNetwork(network)
		if err != nil {
			return
		}
		if s.routers[cfg.ID] == nil {
			s.routers[cfg.ID] = make(map[string]bool)
		}
		s.routers[cfg.ID][normalizeAddress(address)] = true
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a settlement service from the given options.
func NewService(opts ...ServiceOption) (*Service, error) {
	s := &Service{
		routers: make(map[string]map[string]bool),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pools == nil {
		return nil, errors.New("settle: pool manager is required")
	}
	if s.hooks == nil {
		return nil, errors.New("settle: hook registry is required")
	}
	return s, nil
}

// RouterAllowed reports whether a router is allowlisted on a network.
// Health reporting reads it; settlement uses checkSettlementMode.
func (s *Service) RouterAllowed(network, address string) bool {
	cfg, err := facilitator.ResolveNetwork(network)
	if err != nil {
		return false
	}
	return s.routers[cfg.ID][normalizeAddress(address)]
}

// RouterNetworks lists the networks with at least one allowlisted router.
func (s *Service) RouterNetworks() []string {
	out := make([]string, 0, len(s.routers))
	for network, set := range s.routers {
		if len(set) > 0 {
			out = append(out, network)
		}
	}
	return out
}

// checked carries a request through the state machine once structural
// validation has passed.
type checked struct {
	parsed  *facilitator.ParsedRequirement
	payload facilitator.PaymentPayload

	// EVM only.
	auth      *evm.Authorization
	signature []byte

	// SVM only.
	transaction *facilitator.SVMPayload
}

// validate runs the pre-chain phase of the state machine: structural
// validation, mode detection, and in settlement mode the fail-fast
// chain of router allowlist, hook validation, commitment, and fee
// checks. No pooled signer is touched.
func (s *Service) validate(ctx context.Context, payload facilitator.PaymentPayload, req facilitator.PaymentRequirement) (*checked, error) {
	parsed, err := facilitator.ParseRequirement(req)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidatePayloadEnvelope(payload, req); err != nil {
		return nil, err
	}

	c := &checked{parsed: parsed, payload: payload}

	switch parsed.Network.Type {
	case facilitator.NetworkTypeEVM:
		body, err := validation.DecodeEVMPayload(payload)
		if err != nil {
			return nil, err
		}
		auth, err := evm.ParseAuthorization(body.Authorization)
		if err != nil {
			return nil, err
		}
		sig, err := evm.ParseSignature(body.Signature)
		if err != nil {
			return nil, err
		}
		c.auth = auth
		c.signature = sig
	case facilitator.NetworkTypeSVM:
		body, err := validation.DecodeSVMPayload(payload)
		if err != nil {
			return nil, err
		}
		c.transaction = body
	}

	if parsed.Mode == facilitator.ModeSettlementRouter {
		if err := s.checkSettlementMode(ctx, c); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("payment validated",
		"state", string(stateDetected),
		"network", parsed.Network.ID,
		"mode", parsed.Mode.String())
	return c, nil
}

// checkSettlementMode enforces the settlement-mode validation chain in
// order: router allowlist, hook validation, commitment binding, fee
// floor. Each step fails fast with its taxonomy-specific error.
func (s *Service) checkSettlementMode(ctx context.Context, c *checked) error {
	parsed := c.parsed
	extra := parsed.Extra
	network := parsed.Network

	if !s.routers[network.ID][normalizeAddress(extra.SettlementRouter)] {
		return facilitator.NewError(facilitator.ErrCodeWhitelist,
			"settlement router is not whitelisted", facilitator.ErrRouterNotWhitelisted).
			WithDetails("network", network.ID).
			WithDetails("settlementRouter", extra.SettlementRouter)
	}

	amount, err := facilitator.ParseAtomicAmount(parsed.Requirement.MaxAmountRequired)
	if err != nil {
		return err
	}

	result, err := s.hooks.Validate(ctx, network.ID, extra.Hook, extra.HookData, amount)
	if err != nil {
		return err
	}
	if !result.IsValid {
		return facilitator.NewError(facilitator.ErrCodeValidation,
			"hook data validation failed", facilitator.ErrValidation).
			WithDetails("hook", extra.Hook).
			WithDetails("reason", result.ErrorReason).
			WithDetails("validationMethod", string(result.ValidationMethod))
	}

	// The commitment must be the nonce the payer actually signed;
	// a mismatch means the signature does not cover these settlement
	// parameters. Settlement mode implies an EVM network, so c.auth is
	// always populated here.
	commitment := facilitator.Commitment(network, parsed.Requirement.Asset, extra, c.auth.Value, parsed.Requirement.PayTo)
	if !facilitator.CommitmentMatchesNonce(commitment, c.auth.Nonce.Hex()) {
		return facilitator.NewError(facilitator.ErrCodeCommitmentMismatch,
			"authorization nonce is not bound to these settlement parameters",
			facilitator.ErrCommitmentMismatch).
			WithDetails("network", network.ID)
	}

	if s.engine != nil {
		quote, err := s.quoteMinimumFee(ctx, parsed)
		if err != nil {
			return err
		}
		if err := s.engine.CheckFee(extra.FacilitatorFee, quote.MinFacilitatorFee); err != nil {
			return err
		}
	}
	return nil
}

// quoteMinimumFee computes the minimum facilitator fee for a settlement
// requirement, in the settlement token's smallest unit.
func (s *Service) quoteMinimumFee(ctx context.Context, parsed *facilitator.ParsedRequirement) (*gas.FeeResult, error) {
	decimals, err := s.engine.TokenDecimals(ctx, parsed.Network.ID, parsed.Requirement.Asset)
	if err != nil {
		return nil, err
	}
	quote, err := s.engine.QuoteFee(ctx, parsed.Network.ID, parsed.Extra.Hook, parsed.Extra.HookData, decimals)
	if err != nil {
		return nil, err
	}
	if !quote.HookAllowed {
		return nil, facilitator.NewError(facilitator.ErrCodeWhitelist,
			"hook is not allowlisted", facilitator.ErrHookNotAllowed).
			WithDetails("hook", parsed.Extra.Hook)
	}
	return quote, nil
}

// Verify checks a payment authorization without executing it.
// Client-fault failures come back as IsValid=false with a reason;
// only infrastructure failures surface as errors.
func (s *Service) Verify(ctx context.Context, payload facilitator.PaymentPayload, req facilitator.PaymentRequirement) (*facilitator.VerifyResponse, error) {
	c, err := s.validate(ctx, payload, req)
	if err != nil {
		return s.verifyOutcome("", err)
	}

	var payer string
	switch c.parsed.Network.Type {
	case facilitator.NetworkTypeEVM:
		payer, err = s.verifyEVM(ctx, c)
	case facilitator.NetworkTypeSVM:
		payer, err = s.verifySVM(ctx, c)
	}
	if err != nil {
		return s.verifyOutcome(payer, err)
	}

	s.logger.Info("payment verified",
		"state", string(stateVerified),
		"network", c.parsed.Network.ID,
		"payer", payer)
	return &facilitator.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle executes a verified payment on-chain. The full verification
// chain reruns first so a payment can be settled without a prior Verify
// call; a pooled signer is only acquired after everything passed.
func (s *Service) Settle(ctx context.Context, payload facilitator.PaymentPayload, req facilitator.PaymentRequirement) (*facilitator.SettlementResponse, error) {
	c, err := s.validate(ctx, payload, req)
	if err != nil {
		return s.settleOutcome("", "", req.Network, err)
	}

	var payer string
	switch c.parsed.Network.Type {
	case facilitator.NetworkTypeEVM:
		payer, err = s.verifyEVM(ctx, c)
	case facilitator.NetworkTypeSVM:
		payer, err = s.verifySVM(ctx, c)
	}
	if err != nil {
		return s.settleOutcome("", payer, c.parsed.Network.ID, err)
	}

	s.logger.Info("settling payment",
		"state", string(stateSettling),
		"network", c.parsed.Network.ID,
		"mode", c.parsed.Mode.String(),
		"payer", payer)

	var tx string
	switch c.parsed.Network.Type {
	case facilitator.NetworkTypeEVM:
		tx, err = s.settleEVM(ctx, c)
	case facilitator.NetworkTypeSVM:
		tx, err = s.settleSVM(ctx, c)
	}
	if err != nil {
		s.logger.Warn("settlement failed",
			"state", string(stateFailed),
			"network", c.parsed.Network.ID,
			"error", err)
		return s.settleOutcome("", payer, c.parsed.Network.ID, err)
	}

	s.logger.Info("payment settled",
		"state", string(stateSettled),
		"network", c.parsed.Network.ID,
		"transaction", tx,
		"payer", payer)
	return &facilitator.SettlementResponse{
		Success:     true,
		Transaction: tx,
		Network:     c.parsed.Network.ID,
		Payer:       payer,
	}, nil
}

// Supported lists the payment kinds this facilitator accepts, one per
// configured network. SVM entries carry the fee payer address clients
// must name in their transaction.
func (s *Service) Supported(ctx context.Context) ([]facilitator.SupportedKind, error) {
	var kinds []facilitator.SupportedKind

	for _, info := range s.pools.SupportedNetworks() {
		kind := facilitator.SupportedKind{
			X402Version: 1,
			Scheme:      "exact",
			Network:     info.HumanReadable,
		}

		cfg, err := facilitator.ResolveNetwork(info.HumanReadable)
		if err == nil && cfg.Type == facilitator.NetworkTypeSVM {
			p, ok := s.pools.GetPool(cfg.ID)
			if ok {
				feePayer, err := pool.Execute(ctx, p, func(_ context.Context, signer pool.Signer) (string, error) {
					return signer.Address(), nil
				})
				if err != nil {
					return nil, err
				}
				kind.Extra = map[string]interface{}{"feePayer": feePayer}
			}
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// verifyOutcome folds an error into the verify contract: taxonomy
// client-fault classes become IsValid=false, anything else propagates.
func (s *Service) verifyOutcome(payer string, err error) (*facilitator.VerifyResponse, error) {
	if reason, ok := clientFaultReason(err); ok {
		return &facilitator.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}, nil
	}
	return nil, err
}

// settleOutcome folds an error into the settle contract the same way.
func (s *Service) settleOutcome(tx, payer, network string, err error) (*facilitator.SettlementResponse, error) {
	if reason, ok := clientFaultReason(err); ok {
		return &facilitator.SettlementResponse{
			Success:     false,
			ErrorReason: reason,
			Transaction: tx,
			Network:     network,
			Payer:       payer,
		}, nil
	}
	return nil, err
}

// clientFaultReason reports whether the error is the client's fault and
// if so the wire reason. Pool exhaustion, chain submission failures, and
// shutdown are the facilitator's problem and stay errors.
func clientFaultReason(err error) (string, bool) {
	code := facilitator.CodeOf(err, facilitator.ErrCodeChainSubmission)
	switch code {
	case facilitator.ErrCodeValidation,
		facilitator.ErrCodeWhitelist,
		facilitator.ErrCodeCommitmentMismatch,
		facilitator.ErrCodeFeeInsufficient,
		facilitator.ErrCodeGasEstimation,
		facilitator.ErrCodeReplay:
		return reasonString(code, err), true
	}
	return "", false
}

// reasonString renders "CODE: message" for the invalidReason and
// errorReason fields.
func reasonString(code facilitator.ErrorCode, err error) string {
	return string(code) + ": " + err.Error()
}

// normalizeAddress lowercases hex addresses so checksummed and lowercase
// forms hit the same allowlist entry; base58 stays case-significant.
func normalizeAddress(address string) string {
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		return strings.ToLower(address)
	}
	return address
}

// exactAmount checks the authorized value against the requirement under
// the exact scheme.
func exactAmount(value *big.Int, required string) error {
	want, err := facilitator.ParseAtomicAmount(required)
	if err != nil {
		return err
	}
	if value.Cmp(want) != 0 {
		return facilitator.NewError(facilitator.ErrCodeValidation,
			"authorized value does not match required amount", facilitator.ErrValidation).
			WithDetails("authorized", value.String()).
			WithDetails("required", want.String())
	}
	return nil
}
