package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	facilitator "github.com/x402labs/facilitator-go"
	"github.com/x402labs/facilitator-go/evm"
	"github.com/x402labs/facilitator-go/pool"
	"github.com/x402labs/facilitator-go/retry"
)

// verifyEVM checks an EVM payment statelessly: recipient and amount
// against the requirement, validity window, EIP-712 signature recovery,
// and a replay pre-check against the token's nonce state. No pooled
// signer is used.
func (s *Service) verifyEVM(ctx context.Context, c *checked) (string, error) {
	parsed := c.parsed
	auth := c.auth
	payer := auth.From.Hex()

	wantTo := parsed.Requirement.PayTo
	if parsed.Mode == facilitator.ModeSettlementRouter {
		// The authorization pays the router; the router forwards to the
		// final recipient named in the commitment.
		wantTo = parsed.Extra.SettlementRouter
	}
	if auth.To != common.HexToAddress(wantTo) {
		return payer, facilitator.NewError(facilitator.ErrCodeValidation,
			"authorization recipient does not match requirement", facilitator.ErrValidation).
			WithDetails("authorized", auth.To.Hex()).
			WithDetails("expected", wantTo)
	}
	if err := exactAmount(auth.Value, parsed.Requirement.MaxAmountRequired); err != nil {
		return payer, err
	}
	if err := auth.CheckWindow(time.Now()); err != nil {
		return payer, err
	}

	md, err := s.tokenMetadata(ctx, parsed.Network.ID, parsed.Requirement.Asset)
	if err != nil {
		return payer, err
	}

	digest, err := evm.AuthorizationDigest(
		common.HexToAddress(parsed.Requirement.Asset),
		parsed.Network.ChainID, md.name, md.version, auth)
	if err != nil {
		return payer, fmt.Errorf("typed data digest: %w", err)
	}
	recovered, err := evm.RecoverSigner(digest, c.signature)
	if err != nil {
		return payer, err
	}
	if recovered != auth.From {
		return payer, facilitator.NewError(facilitator.ErrCodeValidation,
			"recovered signer does not match payer", facilitator.ErrInvalidSignature).
			WithDetails("recovered", recovered.Hex()).
			WithDetails("claimed", payer)
	}

	if s.backend != nil {
		used, err := retry.Do(ctx, retry.DefaultPolicy, retry.Transient, func() (bool, error) {
			return s.backend.AuthorizationUsed(ctx, parsed.Network.ID, parsed.Requirement.Asset, auth.From, auth.Nonce)
		})
		if err != nil {
			return payer, fmt.Errorf("%w: authorization state: %v", facilitator.ErrChainSubmission, err)
		}
		if used {
			return payer, facilitator.NewError(facilitator.ErrCodeReplay,
				"authorization nonce already used", facilitator.ErrReplay).
				WithDetails("nonce", auth.Nonce.Hex())
		}
	}
	return payer, nil
}

// settleEVM submits the settlement transaction through a pooled signer.
// Settlement mode calls the router's settle; standard mode calls the
// token's transferWithAuthorization directly. Transient RPC failures
// are retried only before broadcast; once SendTransaction has been
// attempted the result stands.
func (s *Service) settleEVM(ctx context.Context, c *checked) (string, error) {
	parsed := c.parsed

	var target common.Address
	var calldata []byte
	var err error
	if parsed.Mode == facilitator.ModeSettlementRouter {
		target = common.HexToAddress(parsed.Extra.SettlementRouter)
		calldata, err = evm.SettleCalldata(c.auth, c.signature, parsed.Extra)
	} else {
		target = common.HexToAddress(parsed.Requirement.Asset)
		calldata, err = evm.TransferCalldata(c.auth, c.signature)
	}
	if err != nil {
		return "", fmt.Errorf("build calldata: %w", err)
	}

	gasLimit, err := s.settlementGasLimit(ctx, parsed)
	if err != nil {
		return "", err
	}

	p, ok := s.pools.GetPool(parsed.Network.ID)
	if !ok {
		return "", facilitator.NewError(facilitator.ErrCodePoolExhausted,
			"no signer pool for network", facilitator.ErrPoolExhausted).
			WithDetails("network", parsed.Network.ID)
	}

	return pool.Execute(ctx, p, func(ctx context.Context, signer pool.Signer) (string, error) {
		es, ok := signer.(*evm.Signer)
		if !ok {
			return "", fmt.Errorf("pool for %s holds a non-EVM signer", parsed.Network.ID)
		}
		hash, err := es.SubmitCall(ctx, target, calldata, gasLimit)
		if err != nil {
			return "", err
		}
		return hash.Hex(), nil
	})
}

// settlementGasLimit picks the gas limit for the settlement call. With a
// fee engine present the hook-aware quote governs; otherwise the
// network's base limit covers the plain transfer.
func (s *Service) settlementGasLimit(ctx context.Context, parsed *facilitator.ParsedRequirement) (uint64, error) {
	if s.engine == nil || parsed.Mode != facilitator.ModeSettlementRouter {
		return parsed.Network.BaseGasLimit, nil
	}
	limit, err := retry.Do(ctx, retry.DefaultPolicy, retry.Transient, func() (uint64, error) {
		q, err := s.quoteMinimumFee(ctx, parsed)
		if err != nil {
			return 0, err
		}
		return q.GasLimit, nil
	})
	if err != nil {
		return 0, err
	}
	return limit, nil
}

// tokenMeta is the slice of token metadata the EIP-712 domain needs.
type tokenMeta struct {
	name    string
	version string
}

// tokenMetadata reads the token's signing-domain metadata, preferring
// the engine's TTL cache over a direct chain read.
func (s *Service) tokenMetadata(ctx context.Context, network, asset string) (tokenMeta, error) {
	if s.engine != nil {
		md, err := s.engine.TokenInfo(ctx, network, asset)
		if err != nil {
			return tokenMeta{}, err
		}
		return tokenMeta{name: md.Name, version: md.Version}, nil
	}
	if s.backend != nil {
		md, err := s.backend.TokenMetadata(ctx, network, asset)
		if err != nil {
			return tokenMeta{}, err
		}
		return tokenMeta{name: md.Name, version: md.Version}, nil
	}
	return tokenMeta{}, fmt.Errorf("no token metadata source configured")
}
