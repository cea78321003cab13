package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	facilitator "github.com/x402labs/facilitator-go"
)

// GasPriceSource provides the current gas price (wei, or microlamports per
// compute unit on SVM) for a network. May be live or a configured static
// fallback.
type GasPriceSource interface {
	GasPrice(ctx context.Context, network string) (*big.Int, error)
}

// TokenPriceSource provides the USD price of a network's native token.
// Prices are exact rationals; float conversion happens only at the
// response-formatting boundary.
type TokenPriceSource interface {
	NativeTokenPrice(ctx context.Context, symbol string) (*big.Rat, error)
}

// TokenMetadata is the cached per-asset metadata backing fee conversion
// and EIP-712 domain construction.
type TokenMetadata struct {
	Name     string
	Decimals int
	Version  string
}

// TokenMetadataSource reads token metadata from the chain.
type TokenMetadataSource interface {
	TokenMetadata(ctx context.Context, network, asset string) (TokenMetadata, error)
}

// FeeSuggester is the slice of an EVM RPC client the gas source needs.
// *ethclient.Client satisfies it. SuggestGasPrice returns a full price on
// both legacy and EIP-1559 networks; SuggestGasTipCap refines the floor on
// EIP-1559 networks.
type FeeSuggester interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// EVMGasSource reads live gas prices from per-network RPC clients.
type EVMGasSource struct {
	clients map[string]FeeSuggester
}

// NewEVMGasSource creates a gas source over the given per-network clients.
func NewEVMGasSource(clients map[string]FeeSuggester) *EVMGasSource {
	return &EVMGasSource{clients: clients}
}

// GasPrice implements GasPriceSource.
func (s *EVMGasSource) GasPrice(ctx context.Context, network string) (*big.Int, error) {
	client, ok := s.clients[network]
	if !ok {
		return nil, fmt.Errorf("%w: no gas price client for %s", facilitator.ErrPriceFeedUnavailable, network)
	}

	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", facilitator.ErrPriceFeedUnavailable, err)
	}

	// On EIP-1559 networks the suggested tip is a floor for inclusion.
	if tip, err := client.SuggestGasTipCap(ctx); err == nil && tip.Cmp(price) > 0 {
		price = tip
	}
	return price, nil
}

// StaticGasSource serves configured gas prices, used as a fallback when no
// live source is configured or reachable.
type StaticGasSource struct {
	prices map[string]*big.Int
}

// NewStaticGasSource creates a static gas source from per-network prices.
func NewStaticGasSource(prices map[string]*big.Int) *StaticGasSource {
	return &StaticGasSource{prices: prices}
}

// GasPrice implements GasPriceSource.
func (s *StaticGasSource) GasPrice(_ context.Context, network string) (*big.Int, error) {
	price, ok := s.prices[network]
	if !ok {
		return nil, fmt.Errorf("%w: no static gas price for %s", facilitator.ErrPriceFeedUnavailable, network)
	}
	return new(big.Int).Set(price), nil
}

// FallbackGasSource tries a primary source and falls back on error.
type FallbackGasSource struct {
	Primary  GasPriceSource
	Fallback GasPriceSource
}

// GasPrice implements GasPriceSource.
func (s *FallbackGasSource) GasPrice(ctx context.Context, network string) (*big.Int, error) {
	price, err := s.Primary.GasPrice(ctx, network)
	if err == nil {
		return price, nil
	}
	return s.Fallback.GasPrice(ctx, network)
}

// StaticPriceSource serves configured native-token USD prices.
type StaticPriceSource struct {
	prices map[string]*big.Rat
}

// NewStaticPriceSource creates a static token price source.
func NewStaticPriceSource(prices map[string]*big.Rat) *StaticPriceSource {
	return &StaticPriceSource{prices: prices}
}

// NativeTokenPrice implements TokenPriceSource.
func (s *StaticPriceSource) NativeTokenPrice(_ context.Context, symbol string) (*big.Rat, error) {
	price, ok := s.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no static price for %s", facilitator.ErrPriceFeedUnavailable, symbol)
	}
	return new(big.Rat).Set(price), nil
}

// CoinbasePriceSource reads spot prices from the Coinbase prices API
// (GET /v2/prices/{symbol}-USD/spot). The public endpoint needs no
// credentials; when a CDPAuth is configured, requests carry a Bearer JWT
// so they count against the keyed rate limit instead of the anonymous one.
type CoinbasePriceSource struct {
	baseURL string
	client  *http.Client
	auth    *CDPAuth
}

// CoinbaseOption configures a CoinbasePriceSource.
type CoinbaseOption func(*CoinbasePriceSource)

// WithBaseURL overrides the API base URL (tests, proxies).
func WithBaseURL(baseURL string) CoinbaseOption {
	return func(s *CoinbasePriceSource) {
		s.baseURL = baseURL
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) CoinbaseOption {
	return func(s *CoinbasePriceSource) {
		s.client = client
	}
}

// WithCDPAuth attaches CDP API credentials for authenticated requests.
func WithCDPAuth(auth *CDPAuth) CoinbaseOption {
	return func(s *CoinbasePriceSource) {
		s.auth = auth
	}
}

// NewCoinbasePriceSource creates a Coinbase spot price source.
func NewCoinbasePriceSource(opts ...CoinbaseOption) *CoinbasePriceSource {
	s := &CoinbasePriceSource{
		baseURL: "https://api.coinbase.com",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NativeTokenPrice implements TokenPriceSource.
func (s *CoinbasePriceSource) NativeTokenPrice(ctx context.Context, symbol string) (*big.Rat, error) {
	path := fmt.Sprintf("/v2/prices/%s-USD/spot", symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", facilitator.ErrPriceFeedUnavailable, err)
	}
	if s.auth != nil {
		token, err := s.auth.BearerToken(http.MethodGet, path)
		if err != nil {
			return nil, fmt.Errorf("%w: auth: %v", facilitator.ErrPriceFeedUnavailable, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", facilitator.ErrPriceFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: price API status %d", facilitator.ErrPriceFeedUnavailable, resp.StatusCode)
	}

	var body struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", facilitator.ErrPriceFeedUnavailable, err)
	}

	price, ok := new(big.Rat).SetString(body.Data.Amount)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad price %q for %s", facilitator.ErrPriceFeedUnavailable, body.Data.Amount, symbol)
	}
	return price, nil
}

// StaticTokenMetadataSource serves configured token metadata, keyed by
// network + asset.
type StaticTokenMetadataSource struct {
	tokens map[string]TokenMetadata
}

// NewStaticTokenMetadataSource creates a static metadata source. Keys are
// "network/asset"; hex assets match case-insensitively.
func NewStaticTokenMetadataSource(tokens map[string]TokenMetadata) *StaticTokenMetadataSource {
	normalized := make(map[string]TokenMetadata, len(tokens))
	for k, v := range tokens {
		normalized[strings.ToLower(k)] = v
	}
	return &StaticTokenMetadataSource{tokens: normalized}
}

// TokenMetadata implements TokenMetadataSource.
func (s *StaticTokenMetadataSource) TokenMetadata(_ context.Context, network, asset string) (TokenMetadata, error) {
	md, ok := s.tokens[strings.ToLower(network+"/"+asset)]
	if !ok {
		return TokenMetadata{}, fmt.Errorf("no metadata configured for %s on %s", asset, network)
	}
	return md, nil
}
