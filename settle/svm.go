package settle

import (
	"context"
	"fmt"

	facilitator "github.com/x402labs/facilitator-go"
	"github.com/x402labs/facilitator-go/pool"
	"github.com/x402labs/facilitator-go/svm"
)

// verifySVM checks a Solana payment by simulating it under a pooled fee
// payer. Simulation needs a real fee-payer identity but never mutates
// on-chain state.
func (s *Service) verifySVM(ctx context.Context, c *checked) (string, error) {
	tx, err := svm.DecodeTransaction(c.transaction.Transaction)
	if err != nil {
		return "", err
	}
	payer, err := svm.ExtractPayer(tx)
	if err != nil {
		return "", err
	}

	p, ok := s.pools.GetPool(c.parsed.Network.ID)
	if !ok {
		return payer, facilitator.NewError(facilitator.ErrCodePoolExhausted,
			"no signer pool for network", facilitator.ErrPoolExhausted).
			WithDetails("network", c.parsed.Network.ID)
	}

	err = p.Do(ctx, func(ctx context.Context, signer pool.Signer) error {
		ss, ok := signer.(*svm.Signer)
		if !ok {
			return fmt.Errorf("pool for %s holds a non-SVM signer", c.parsed.Network.ID)
		}
		return ss.Simulate(ctx, tx)
	})
	return payer, err
}

// settleSVM co-signs and broadcasts the client's transaction through a
// pooled fee payer, returning the transaction signature.
func (s *Service) settleSVM(ctx context.Context, c *checked) (string, error) {
	// Decode a fresh copy; verification's simulation already stamped a
	// blockhash and signature onto its own instance.
	tx, err := svm.DecodeTransaction(c.transaction.Transaction)
	if err != nil {
		return "", err
	}

	p, ok := s.pools.GetPool(c.parsed.Network.ID)
	if !ok {
		return "", facilitator.NewError(facilitator.ErrCodePoolExhausted,
			"no signer pool for network", facilitator.ErrPoolExhausted).
			WithDetails("network", c.parsed.Network.ID)
	}

	return pool.Execute(ctx, p, func(ctx context.Context, signer pool.Signer) (string, error) {
		ss, ok := signer.(*svm.Signer)
		if !ok {
			return "", fmt.Errorf("pool for %s holds a non-SVM signer", c.parsed.Network.ID)
		}
		return ss.Submit(ctx, tx)
	})
}
