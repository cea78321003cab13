package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	facilitator "github.com/x402labs/facilitator-go"
	"github.com/x402labs/facilitator-go/gas"
)

// settlementRouterABIJSON is the settlement router entrypoint: it verifies
// the EIP-3009 authorization, pulls the funds, deducts the facilitator
// fee, invokes the hook, and forwards the remainder to payTo, atomically.
const settlementRouterABIJSON = `[{"name":"settle","type":"function","stateMutability":"nonpayable","inputs":[
	{"name":"authorization","type":"tuple","components":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"}]},
	{"name":"signature","type":"bytes"},
	{"name":"salt","type":"bytes32"},
	{"name":"payTo","type":"address"},
	{"name":"facilitatorFee","type":"uint256"},
	{"name":"hook","type":"address"},
	{"name":"hookData","type":"bytes"}],"outputs":[]}]`

// eip3009ABIJSON is the slice of the token ABI used for direct settlement
// and metadata reads.
const eip3009ABIJSON = `[
	{"name":"transferWithAuthorization","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"from","type":"address"},
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},
		{"name":"validBefore","type":"uint256"},
		{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},
		{"name":"r","type":"bytes32"},
		{"name":"s","type":"bytes32"}],"outputs":[]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"version","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"authorizationState","type":"function","stateMutability":"view","inputs":[
		{"name":"authorizer","type":"address"},
		{"name":"nonce","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}]`

var (
	routerABI  = mustParseABI(settlementRouterABIJSON)
	eip3009ABI = mustParseABI(eip3009ABIJSON)
)

func mustParseABI(j string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(j))
	if err != nil {
		panic(err)
	}
	return parsed
}

// abiAuthorization mirrors the router's authorization tuple for packing.
type abiAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// SettleCalldata builds the router settle(...) call for settlement-router mode.
func SettleCalldata(auth *Authorization, signature []byte, extra *facilitator.SettlementExtra) ([]byte, error) {
	// Repack the normalized 0/1 recovery id into the 27/28 form contracts expect.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] < 27 {
		sig[64] += 27
	}

	return routerABI.Pack("settle",
		abiAuthorization{
			From:        auth.From,
			To:          auth.To,
			Value:       auth.Value,
			ValidAfter:  auth.ValidAfter,
			ValidBefore: auth.ValidBefore,
			Nonce:       auth.Nonce,
		},
		sig,
		extra.Salt,
		common.HexToAddress(extra.PayTo),
		extra.FacilitatorFee,
		common.HexToAddress(extra.Hook),
		extra.HookData,
	)
}

// TransferCalldata builds the token transferWithAuthorization(...) call
// for standard-mode settlement.
func TransferCalldata(auth *Authorization, signature []byte) ([]byte, error) {
	var r, s [32]byte
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v := signature[64]
	if v < 27 {
		v += 27
	}

	return eip3009ABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, s)
}

// Backend is the stateless (read-only) EVM capability used by verification,
// hook simulation, and token metadata reads. It holds no signer keys; the
// pooled signers carry their own clients for submission.
type Backend struct {
	clients map[string]ChainClient
}

// NewBackend creates a backend over per-network RPC clients.
func NewBackend(clients map[string]ChainClient) *Backend {
	return &Backend{clients: clients}
}

func (b *Backend) client(network string) (ChainClient, error) {
	c, ok := b.clients[network]
	if !ok {
		return nil, fmt.Errorf("%w: no EVM client for %s", facilitator.ErrInvalidNetwork, network)
	}
	return c, nil
}

// EstimateHookGas implements hooks.Simulator: a dry-run estimate of the
// hook call. Reverts surface as errors, which the registry reports as
// failed validation.
func (b *Backend) EstimateHookGas(ctx context.Context, network, hook string, hookData []byte, _ *big.Int) (uint64, error) {
	c, err := b.client(network)
	if err != nil {
		return 0, err
	}

	to := common.HexToAddress(hook)
	return c.EstimateGas(ctx, ethereum.CallMsg{To: &to, Data: hookData})
}

// TokenMetadata implements gas.TokenMetadataSource by reading decimals()
// and version() from the token contract.
func (b *Backend) TokenMetadata(ctx context.Context, network, asset string) (gas.TokenMetadata, error) {
	c, err := b.client(network)
	if err != nil {
		return gas.TokenMetadata{}, err
	}

	token := common.HexToAddress(asset)

	decimalsData, err := eip3009ABI.Pack("decimals")
	if err != nil {
		return gas.TokenMetadata{}, err
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: decimalsData}, nil)
	if err != nil {
		return gas.TokenMetadata{}, fmt.Errorf("read decimals for %s: %w", asset, err)
	}
	decoded, err := eip3009ABI.Unpack("decimals", out)
	if err != nil || len(decoded) != 1 {
		return gas.TokenMetadata{}, fmt.Errorf("decode decimals for %s: %w", asset, err)
	}
	decimals, ok := decoded[0].(uint8)
	if !ok {
		return gas.TokenMetadata{}, fmt.Errorf("decode decimals for %s: unexpected type", asset)
	}

	md := gas.TokenMetadata{Decimals: int(decimals)}

	nameData, err := eip3009ABI.Pack("name")
	if err == nil {
		out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: nameData}, nil)
		if err != nil {
			return gas.TokenMetadata{}, fmt.Errorf("read name for %s: %w", asset, err)
		}
		if decoded, err := eip3009ABI.Unpack("name", out); err == nil && len(decoded) == 1 {
			if v, ok := decoded[0].(string); ok {
				md.Name = v
			}
		}
	}

	// version() is optional on older tokens; metadata stays usable without it.
	if versionData, err := eip3009ABI.Pack("version"); err == nil {
		if out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: versionData}, nil); err == nil {
			if decoded, err := eip3009ABI.Unpack("version", out); err == nil && len(decoded) == 1 {
				if v, ok := decoded[0].(string); ok {
					md.Version = v
				}
			}
		}
	}
	return md, nil
}

// AuthorizationUsed reports whether the token already consumed the nonce.
// Used to pre-empt replays before a pooled signer is spent on a doomed
// submission.
func (b *Backend) AuthorizationUsed(ctx context.Context, network, asset string, authorizer common.Address, nonce [32]byte) (bool, error) {
	c, err := b.client(network)
	if err != nil {
		return false, err
	}

	token := common.HexToAddress(asset)
	data, err := eip3009ABI.Pack("authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("read authorizationState: %w", err)
	}
	decoded, err := eip3009ABI.Unpack("authorizationState", out)
	if err != nil || len(decoded) != 1 {
		return false, fmt.Errorf("decode authorizationState: %w", err)
	}
	used, _ := decoded[0].(bool)
	return used, nil
}
