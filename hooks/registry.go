// Package hooks classifies and validates settlement hook contracts. A hook
// is an on-chain contract the settlement router invokes while moving funds
// (revenue split, reward, plain transfer). Built-in hooks have fixed
// per-network addresses and zero-argument encodings; everything else is
// custom and must appear in a configured allowlist.
package hooks

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	facilitator "github.com/x402labs/facilitator-go"
)

// ValidationMethod names the strategy used to validate a hook invocation.
// A validator supports exactly one strategy; the registry never mixes
// strategies within one validation call.
type ValidationMethod string

const (
	// MethodCodeValidation statically decodes hookData against the hook's
	// expected call shape without touching the chain.
	MethodCodeValidation ValidationMethod = "code_validation"

	// MethodGasEstimation dry-runs the hook against the chain; a successful
	// simulation with the given amount stands in for validity.
	MethodGasEstimation ValidationMethod = "gas_estimation"
)

// HookType labels a built-in hook.
type HookType string

const (
	// HookTypeTransfer is the built-in plain-transfer hook.
	HookTypeTransfer HookType = "transfer"
)

// Simulator performs dry-run gas estimation for custom hooks. Implemented
// by the EVM backend over eth_estimateGas.
type Simulator interface {
	EstimateHookGas(ctx context.Context, network, hook string, hookData []byte, amount *big.Int) (uint64, error)
}

// BuiltinHook is a facilitator-operated hook with a fixed address and a
// constant gas overhead.
type BuiltinHook struct {
	Address     string
	Type        HookType
	GasOverhead uint64
}

// CustomHook is an allowlisted third-party hook.
type CustomHook struct {
	Address string

	// Method selects the validation strategy for this hook.
	Method ValidationMethod

	// GasOverhead is the additive gas beyond a bare transfer. For
	// gas_estimation hooks it is a fallback used when no simulation result
	// is available (e.g., fee quoting without hookData).
	GasOverhead uint64

	// Selector, when non-empty, is the required 4-byte call selector for
	// code_validation hooks.
	Selector []byte
}

// Identification is the result of classifying a hook address.
type Identification struct {
	// Known is false for addresses in neither the built-in set nor the allowlist.
	Known bool

	// IsBuiltIn reports whether the hook is facilitator-operated.
	IsBuiltIn bool

	// Type is set for built-in hooks.
	Type HookType

	// Method is the validation strategy the registry will apply.
	Method ValidationMethod
}

// ValidationResult reports the outcome of hook validation.
type ValidationResult struct {
	IsValid          bool
	ErrorReason      string
	ValidationMethod ValidationMethod
}

// Registry holds per-network built-in hooks and the custom allowlist.
// Configuration only; never mutated at runtime.
type Registry struct {
	builtins map[string]map[string]BuiltinHook
	custom   map[string]map[string]CustomHook
	sim      Simulator
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBuiltin registers a built-in hook for a network. Either network
// identifier form registers under the same key lookups use.
func WithBuiltin(network string, hook BuiltinHook) RegistryOption {
	return func(r *Registry) {
		cfg, err := facilitator.ResolveNetwork(network)
		if err != nil {
			return
		}
		if r.builtins[cfg.ID] == nil {
			r.builtins[cfg.ID] = make(map[string]BuiltinHook)
		}
		r.builtins[cfg.ID][normalize(hook.Address)] = hook
	}
}

// WithCustom allowlists a custom hook for a network.
func WithCustom(network string, hook CustomHook) RegistryOption {
	return func(r *Registry) {
		cfg, err := facilitator.ResolveNetwork(network)
		if err != nil {
			return
		}
		if r.custom[cfg.ID] == nil {
			r.custom[cfg.ID] = make(map[string]CustomHook)
		}
		r.custom[cfg.ID][normalize(hook.Address)] = hook
	}
}

// WithSimulator sets the dry-run simulator used by gas_estimation hooks.
func WithSimulator(sim Simulator) RegistryOption {
	return func(r *Registry) {
		r.sim = sim
	}
}

// NewRegistry creates a Registry from the given options.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		builtins: make(map[string]map[string]BuiltinHook),
		custom:   make(map[string]map[string]CustomHook),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// normalize lowercases hex addresses so checksummed and lowercase forms
// hit the same allowlist entry. Base58 addresses are case-significant and
// pass through unchanged.
func normalize(address string) string {
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		return strings.ToLower(address)
	}
	return address
}

// Identify classifies a hook address for a network.
func (r *Registry) Identify(network, address string) Identification {
	key := normalize(address)
	if h, ok := r.builtins[network][key]; ok {
		return Identification{Known: true, IsBuiltIn: true, Type: h.Type, Method: MethodCodeValidation}
	}
	if h, ok := r.custom[network][key]; ok {
		return Identification{Known: true, Method: h.Method}
	}
	return Identification{}
}

// Allowed reports whether the hook may be used at all on the network.
func (r *Registry) Allowed(network, address string) bool {
	return r.Identify(network, address).Known
}

// Validate checks a hook invocation. Unknown hooks fail with
// ErrHookNotAllowed, distinguished from a generic validation failure so
// callers surface a distinct "hook not allowed" response.
func (r *Registry) Validate(ctx context.Context, network, address string, hookData []byte, amount *big.Int) (ValidationResult, error) {
	key := normalize(address)

	if h, ok := r.builtins[network][key]; ok {
		// Built-in hooks have zero-argument encodings.
		if len(hookData) != 0 {
			return ValidationResult{
				ErrorReason:      fmt.Sprintf("built-in %s hook takes no hook data", h.Type),
				ValidationMethod: MethodCodeValidation,
			}, nil
		}
		return ValidationResult{IsValid: true, ValidationMethod: MethodCodeValidation}, nil
	}

	h, ok := r.custom[network][key]
	if !ok {
		return ValidationResult{}, facilitator.NewError(facilitator.ErrCodeWhitelist,
			"hook is not allowlisted", facilitator.ErrHookNotAllowed).
			WithDetails("network", network).
			WithDetails("hook", address)
	}

	switch h.Method {
	case MethodCodeValidation:
		return r.validateShape(h, hookData), nil
	case MethodGasEstimation:
		return r.validateBySimulation(ctx, network, address, hookData, amount)
	default:
		return ValidationResult{}, fmt.Errorf("hook %s has unknown validation method %q", address, h.Method)
	}
}

// validateShape statically checks hookData against the hook's expected ABI
// encoding: a 4-byte selector (matching the configured one, if any)
// followed by whole 32-byte argument words.
func (r *Registry) validateShape(h CustomHook, hookData []byte) ValidationResult {
	res := ValidationResult{ValidationMethod: MethodCodeValidation}
	if len(hookData) < 4 {
		res.ErrorReason = "hook data shorter than a call selector"
		return res
	}
	if len(h.Selector) == 4 && string(hookData[:4]) != string(h.Selector) {
		res.ErrorReason = "hook data selector does not match expected hook entrypoint"
		return res
	}
	if (len(hookData)-4)%32 != 0 {
		res.ErrorReason = "hook data arguments are not whole ABI words"
		return res
	}
	res.IsValid = true
	return res
}

// validateBySimulation dry-runs the hook. Simulation failure is reported
// as an invalid result, not an internal error; a missing simulator is a
// configuration error.
func (r *Registry) validateBySimulation(ctx context.Context, network, address string, hookData []byte, amount *big.Int) (ValidationResult, error) {
	res := ValidationResult{ValidationMethod: MethodGasEstimation}
	if r.sim == nil {
		return res, fmt.Errorf("gas_estimation hook %s configured without a simulator", address)
	}
	if _, err := r.sim.EstimateHookGas(ctx, network, address, hookData, amount); err != nil {
		res.ErrorReason = "hook simulation failed: " + err.Error()
		return res, nil
	}
	res.IsValid = true
	return res, nil
}

// GasOverhead returns the additive gas a hook consumes beyond a bare
// transfer. Constant for built-in hooks; for gas_estimation hooks with
// hookData it asks the simulator, falling back to the configured constant.
func (r *Registry) GasOverhead(ctx context.Context, network, address string, hookData []byte) (uint64, error) {
	key := normalize(address)

	if h, ok := r.builtins[network][key]; ok {
		return h.GasOverhead, nil
	}

	h, ok := r.custom[network][key]
	if !ok {
		return 0, facilitator.NewError(facilitator.ErrCodeWhitelist,
			"hook is not allowlisted", facilitator.ErrHookNotAllowed).
			WithDetails("network", network).
			WithDetails("hook", address)
	}

	if h.Method == MethodGasEstimation && len(hookData) > 0 && r.sim != nil {
		if est, err := r.sim.EstimateHookGas(ctx, network, address, hookData, nil); err == nil {
			return est, nil
		}
	}
	return h.GasOverhead, nil
}
