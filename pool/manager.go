package pool

import (
	facilitator "github.com/x402labs/facilitator-go"
)

// NetworkInfo pairs the two identifier forms of a supported network.
type NetworkInfo struct {
	// HumanReadable is the legacy alias (e.g., "base-sepolia").
	HumanReadable string `json:"humanReadable"`

	// Canonical is the chain-namespaced CAIP-2 id (e.g., "eip155:84532").
	Canonical string `json:"canonical"`
}

// Manager is the registry of account pools, one per configured network.
// EVM and SVM pools live in disjoint maps. Every network the Manager
// advertises as supported has a non-empty pool.
type Manager struct {
	evmPools map[string]*AccountPool
	svmPools map[string]*AccountPool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager) error

// WithPool registers a pool under its network id. The network's family
// decides which map it lands in.
func WithPool(p *AccountPool) ManagerOption {
	return func(m *Manager) error {
		cfg, err := facilitator.ResolveNetwork(p.Network())
		if err != nil {
			return err
		}
		switch cfg.Type {
		case facilitator.NetworkTypeSVM:
			m.svmPools[cfg.ID] = p
		default:
			m.evmPools[cfg.ID] = p
		}
		return nil
	}
}

// NewManager creates a Manager from the given options.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		evmPools: make(map[string]*AccountPool),
		svmPools: make(map[string]*AccountPool),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// GetPool returns the pool for a network, accepting either the
// human-readable or the canonical identifier. Absence is a valid,
// non-error outcome: the network is simply not configured.
func (m *Manager) GetPool(network string) (*AccountPool, bool) {
	cfg, err := facilitator.ResolveNetwork(network)
	if err != nil {
		return nil, false
	}
	if p, ok := m.evmPools[cfg.ID]; ok {
		return p, true
	}
	if p, ok := m.svmPools[cfg.ID]; ok {
		return p, true
	}
	return nil, false
}

// EVMAccountCount returns the total handle count across all EVM pools.
func (m *Manager) EVMAccountCount() int {
	n := 0
	for _, p := range m.evmPools {
		n += p.Size()
	}
	return n
}

// SVMAccountCount returns the total handle count across all SVM pools.
func (m *Manager) SVMAccountCount() int {
	n := 0
	for _, p := range m.svmPools {
		n += p.Size()
	}
	return n
}

// SupportedNetworks lists every configured network with a non-empty pool,
// in both identifier forms.
func (m *Manager) SupportedNetworks() []NetworkInfo {
	var infos []NetworkInfo
	appendPools := func(pools map[string]*AccountPool) {
		for id, p := range pools {
			if p.Size() == 0 {
				continue
			}
			cfg, err := facilitator.ResolveNetwork(id)
			if err != nil {
				continue
			}
			infos = append(infos, NetworkInfo{
				HumanReadable: cfg.ID,
				Canonical:     cfg.Canonical,
			})
		}
	}
	appendPools(m.evmPools)
	appendPools(m.svmPools)
	return infos
}

// AccountsInfo returns per-network account snapshots for health reporting.
func (m *Manager) AccountsInfo() map[string][]AccountInfo {
	out := make(map[string][]AccountInfo, len(m.evmPools)+len(m.svmPools))
	for id, p := range m.evmPools {
		out[id] = p.AccountsInfo()
	}
	for id, p := range m.svmPools {
		out[id] = p.AccountsInfo()
	}
	return out
}
