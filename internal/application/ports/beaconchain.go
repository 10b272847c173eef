package ports

import (
	"context"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

// BeaconChainAdapter is the hexagonal port for consensus-layer access. The
// services depend only on this interface, not on any concrete client. Every
// method already carries the adapter's retry/fallback policy; callers never
// see transient transport failures, only final exhaustion.
type BeaconChainAdapter interface {
	// GetGenesisTime returns the chain genesis timestamp (unix seconds).
	// Fetched once, cached for the process lifetime.
	GetGenesisTime(ctx context.Context) (int64, error)

	// GetNodeVersion returns the consensus node version string. Cached.
	GetNodeVersion(ctx context.Context) (string, error)

	// GetFinalizedBlockHeader returns the latest finalized block header.
	GetFinalizedBlockHeader(ctx context.Context) (domain.BlockHeader, error)

	// GetBeaconBlockHeader returns the header at an exact slot. Fails with
	// domain.ErrNotFound if the slot has no block.
	GetBeaconBlockHeader(ctx context.Context, slot domain.Slot) (domain.BlockHeader, error)

	// GetBeaconBlockHeaderOrPreviousIfMissed resolves a slot to a header. If
	// the slot is missed it returns the nearest previous non-missed header
	// and true.
	GetBeaconBlockHeaderOrPreviousIfMissed(ctx context.Context, slot domain.Slot) (domain.BlockHeader, bool, error)

	// GetBlockInfoWithSlotAttestations returns the block expected to contain
	// attestations for the given duty slot (searching forward from slot+1),
	// or the missed range when the whole window is empty.
	GetBlockInfoWithSlotAttestations(ctx context.Context, slot domain.Slot) (domain.AttestationCandidates, error)

	// GetBlockInfo returns block body data for an exact slot, or
	// domain.ErrNotFound for a missed slot.
	GetBlockInfo(ctx context.Context, slot domain.Slot) (domain.BlockInfo, error)

	// GetCanonicalAttesterDuties fetches attester duties for an epoch,
	// validated against the independently derived dependent root.
	GetCanonicalAttesterDuties(ctx context.Context, epoch domain.Epoch, indices []domain.ValidatorIndex) ([]domain.AttesterDuty, error)

	// GetCanonicalProposerDuties fetches proposer duties for an epoch,
	// validated against the independently derived dependent root.
	GetCanonicalProposerDuties(ctx context.Context, epoch domain.Epoch) ([]domain.ProposerDuty, error)

	// GetEpochCommittees returns all attestation committees of an epoch at
	// the given state, keyed by duty slot and committee index.
	GetEpochCommittees(ctx context.Context, stateID string, epoch domain.Epoch) (domain.EpochCommittees, error)

	// GetSyncCommitteeValidators returns the sync committee membership for
	// the state identified by stateID.
	GetSyncCommitteeValidators(ctx context.Context, stateID string) ([]domain.ValidatorIndex, error)

	// GetValidators returns the full validator list (balance, effective
	// balance, status, slashed flag) at the given state.
	GetValidators(ctx context.Context, stateID string) ([]domain.Validator, error)
}
