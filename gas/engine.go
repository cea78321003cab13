// Package gas computes the minimum facilitator fee that covers on-chain
// execution cost plus a safety margin. All monetary amounts are integer
// smallest units once past the USD-conversion boundary; USD figures use
// exact rational arithmetic, and conversions to token units round up so a
// derived minimum never undercharges.
package gas

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	facilitator "github.com/x402labs/facilitator-go"
	"github.com/x402labs/facilitator-go/hooks"
)

// FeeResult is one fee calculation. Recomputed per request since its
// inputs are time-varying prices; only the token metadata and the prices
// themselves are cached.
type FeeResult struct {
	// HookAllowed is false when the hook is not allowlisted. No fee fields
	// are populated in that case; callers treat it as a distinct "hook not
	// allowed" condition, not a generic failure.
	HookAllowed bool

	GasLimit    uint64
	MaxGasLimit uint64

	// GasPrice is the per-unit gas price in the network's native smallest unit.
	GasPrice *big.Int

	// GasCostNative is GasLimit x GasPrice.
	GasCostNative *big.Int

	GasCostUSD       *big.Rat
	SafetyMultiplier float64
	FinalCostUSD     *big.Rat

	// MinFacilitatorFee is the minimum fee in the settlement token's
	// smallest unit, rounded up from FinalCostUSD.
	MinFacilitatorFee *big.Int

	MinFacilitatorFeeUSD *big.Rat
}

// Engine computes fees from the hook registry and live price feeds.
type Engine struct {
	hooks       *hooks.Registry
	gasSource   GasPriceSource
	priceSource TokenPriceSource
	metadata    TokenMetadataSource

	safety    *big.Rat
	safetyF   float64
	tolerance *big.Rat

	gasPrices   *ttlCache[*big.Int]
	tokenPrices *ttlCache[*big.Rat]
	tokenMeta   *ttlCache[TokenMetadata]

	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithGasSource sets the gas price source.
func WithGasSource(src GasPriceSource) EngineOption {
	return func(e *Engine) { e.gasSource = src }
}

// WithPriceSource sets the native-token USD price source.
func WithPriceSource(src TokenPriceSource) EngineOption {
	return func(e *Engine) { e.priceSource = src }
}

// WithMetadataSource sets the token metadata source.
func WithMetadataSource(src TokenMetadataSource) EngineOption {
	return func(e *Engine) { e.metadata = src }
}

// WithSafetyMultiplier sets the configured margin (> 1.0) applied to the
// USD gas cost, guarding against price movement between quote and settle.
func WithSafetyMultiplier(m float64) EngineOption {
	return func(e *Engine) {
		e.safetyF = m
		e.safety = new(big.Rat).SetFloat64(m)
	}
}

// WithFeeTolerance sets the accepted shortfall fraction for client-provided
// fees (e.g., 0.02 accepts fees down to 98% of the required minimum,
// because the client's quote may predate validation).
func WithFeeTolerance(t float64) EngineOption {
	return func(e *Engine) { e.tolerance = new(big.Rat).SetFloat64(t) }
}

// WithPriceTTL sets the TTL for the gas and token price caches.
func WithPriceTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.gasPrices = newTTLCache[*big.Int](ttl)
		e.tokenPrices = newTTLCache[*big.Rat](ttl)
	}
}

// WithMetadataTTL sets the TTL for the token metadata cache.
func WithMetadataTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.tokenMeta = newTTLCache[TokenMetadata](ttl) }
}

// WithEngineLogger sets the engine's logger. Defaults to slog.Default().
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a fee engine over the given hook registry.
func NewEngine(registry *hooks.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		hooks:       registry,
		safety:      big.NewRat(12, 10),
		safetyF:     1.2,
		tolerance:   big.NewRat(2, 100),
		gasPrices:   newTTLCache[*big.Int](15 * time.Second),
		tokenPrices: newTTLCache[*big.Rat](30 * time.Second),
		tokenMeta:   newTTLCache[TokenMetadata](10 * time.Minute),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QuoteFee computes the minimum facilitator fee for settling on network
// with the given hook, in a settlement token with tokenDecimals decimals.
// hook may be empty for hookless settlement.
func (e *Engine) QuoteFee(ctx context.Context, network, hook string, hookData []byte, tokenDecimals int) (*FeeResult, error) {
	cfg, err := facilitator.ResolveNetwork(network)
	if err != nil {
		return nil, err
	}

	gasLimit := cfg.BaseGasLimit
	if hook != "" {
		if !e.hooks.Allowed(cfg.ID, hook) {
			return &FeeResult{HookAllowed: false, MaxGasLimit: cfg.MaxGasLimit}, nil
		}
		overhead, err := e.hooks.GasOverhead(ctx, cfg.ID, hook, hookData)
		if err != nil {
			return nil, err
		}
		if overhead > cfg.MaxGasLimit {
			return nil, facilitator.NewError(facilitator.ErrCodeGasEstimation,
				fmt.Sprintf("hook gas overhead %d exceeds network limit %d", overhead, cfg.MaxGasLimit),
				facilitator.ErrGasEstimation).
				WithDetails("network", cfg.ID).
				WithDetails("hook", hook)
		}
		gasLimit += overhead
	}
	if gasLimit > cfg.MaxGasLimit {
		gasLimit = cfg.MaxGasLimit
	}

	gasPrice, err := e.cachedGasPrice(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}

	tokenPrice, err := e.cachedTokenPrice(ctx, cfg.NativeSymbol)
	if err != nil {
		return nil, err
	}

	gasCostNative := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)

	// native smallest units -> USD: cost / 10^nativeDecimals * price
	nativeDivisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.NativeDecimals)), nil)
	gasCostUSD := new(big.Rat).SetFrac(gasCostNative, nativeDivisor)
	gasCostUSD.Mul(gasCostUSD, tokenPrice)

	finalCostUSD := new(big.Rat).Mul(gasCostUSD, e.safety)

	// USD -> token smallest units, rounding up: a minimum never rounds down.
	tokenMultiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals)), nil)
	minFeeRat := new(big.Rat).Mul(finalCostUSD, new(big.Rat).SetInt(tokenMultiplier))
	minFee := ceilRat(minFeeRat)

	return &FeeResult{
		HookAllowed:          true,
		GasLimit:             gasLimit,
		MaxGasLimit:          cfg.MaxGasLimit,
		GasPrice:             gasPrice,
		GasCostNative:        gasCostNative,
		GasCostUSD:           gasCostUSD,
		SafetyMultiplier:     e.safetyF,
		FinalCostUSD:         finalCostUSD,
		MinFacilitatorFee:    minFee,
		MinFacilitatorFeeUSD: finalCostUSD,
	}, nil
}

// CheckFee validates a client-provided fee against the required minimum:
// accept iff provided >= required x (1 - tolerance). The tolerance exists
// because the fee the client signed may have been quoted slightly earlier
// than validation time.
func (e *Engine) CheckFee(provided, required *big.Int) error {
	threshold := new(big.Rat).Sub(big.NewRat(1, 1), e.tolerance)
	threshold.Mul(threshold, new(big.Rat).SetInt(required))

	if new(big.Rat).SetInt(provided).Cmp(threshold) < 0 {
		return facilitator.NewError(facilitator.ErrCodeFeeInsufficient,
			"facilitator fee below minimum", facilitator.ErrFeeInsufficient).
			WithDetails("providedFee", provided.String()).
			WithDetails("requiredFee", required.String()).
			WithDetails("threshold", ceilRat(threshold).String())
	}
	return nil
}

// TokenDecimals returns the decimal count for an asset, cached with TTL.
func (e *Engine) TokenDecimals(ctx context.Context, network, asset string) (int, error) {
	md, err := e.cachedMetadata(ctx, network, asset)
	if err != nil {
		return 0, err
	}
	return md.Decimals, nil
}

// TokenInfo returns the full cached metadata for an asset. Settlement
// uses the name and version for the EIP-712 signing domain.
func (e *Engine) TokenInfo(ctx context.Context, network, asset string) (TokenMetadata, error) {
	return e.cachedMetadata(ctx, network, asset)
}

// CacheStats reports hit/miss stats for the engine's caches, keyed by
// cache name, for the health document.
func (e *Engine) CacheStats() map[string]CacheStats {
	return map[string]CacheStats{
		"gasPrices":   e.gasPrices.stats(),
		"tokenPrices": e.tokenPrices.stats(),
		"tokenMeta":   e.tokenMeta.stats(),
	}
}

func (e *Engine) cachedGasPrice(ctx context.Context, network string) (*big.Int, error) {
	if price, ok := e.gasPrices.get(network); ok {
		return price, nil
	}
	if e.gasSource == nil {
		return nil, fmt.Errorf("%w: no gas price source configured", facilitator.ErrPriceFeedUnavailable)
	}
	price, err := e.gasSource.GasPrice(ctx, network)
	if err != nil {
		return nil, err
	}
	e.gasPrices.put(network, price)
	return price, nil
}

func (e *Engine) cachedTokenPrice(ctx context.Context, symbol string) (*big.Rat, error) {
	if price, ok := e.tokenPrices.get(symbol); ok {
		return price, nil
	}
	if e.priceSource == nil {
		return nil, fmt.Errorf("%w: no token price source configured", facilitator.ErrPriceFeedUnavailable)
	}
	price, err := e.priceSource.NativeTokenPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	e.tokenPrices.put(symbol, price)
	return price, nil
}

func (e *Engine) cachedMetadata(ctx context.Context, network, asset string) (TokenMetadata, error) {
	key := network + "/" + asset
	if md, ok := e.tokenMeta.get(key); ok {
		return md, nil
	}
	if e.metadata == nil {
		return TokenMetadata{}, fmt.Errorf("no token metadata source configured")
	}
	md, err := e.metadata.TokenMetadata(ctx, network, asset)
	if err != nil {
		return TokenMetadata{}, err
	}
	e.tokenMeta.put(key, md)
	return md, nil
}

// ceilRat rounds a non-negative rational up to the nearest integer.
func ceilRat(r *big.Rat) *big.Int {
	q, rem := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if rem.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
