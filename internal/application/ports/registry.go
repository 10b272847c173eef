package ports

import (
	"context"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

// KeysRegistry maps validator public keys to operators. A miss means "not one
// of our monitored validators" and is never an error.
type KeysRegistry interface {
	// Update refreshes the key set from the registry service.
	Update(ctx context.Context) error

	// OperatorKey looks up the operator for a validator public key.
	OperatorKey(pubKey string) (domain.RegistryKey, bool)

	// Size returns the number of known keys.
	Size() int
}
