package domain

import (
	"time"

	"github.com/prysmaticlabs/go-bitfield"
)

// Basic consensus types
type Epoch uint64
type Slot uint64
type ValidatorIndex uint64
type CommitteeIndex uint64
type Gwei uint64

// Root is a 0x-prefixed hex encoded 32-byte root.
type Root string

// FirstSlot returns the first slot of the epoch.
func (e Epoch) FirstSlot(slotsPerEpoch uint64) Slot {
	return Slot(uint64(e) * slotsPerEpoch)
}

// LastSlot returns the last slot of the epoch.
func (e Epoch) LastSlot(slotsPerEpoch uint64) Slot {
	return Slot(uint64(e)*slotsPerEpoch + slotsPerEpoch - 1)
}

// EpochOf returns the epoch the slot belongs to.
func (s Slot) EpochOf(slotsPerEpoch uint64) Epoch {
	return Epoch(uint64(s) / slotsPerEpoch)
}

// BlockHeader identifies a canonical chain point. Immutable once fetched.
type BlockHeader struct {
	Slot       Slot
	BlockRoot  Root
	ParentRoot Root
	StateRoot  Root
}

// ChainSlot is the concrete slot the pipeline processes one epoch under.
// SlotToWrite is the requested (epoch-boundary) slot; if that slot was missed
// on chain, StateRoot and SlotNumber point at the nearest earlier real block.
// SlotToWrite == 0 signals "finality has not reached the target yet".
type ChainSlot struct {
	SlotToWrite Slot
	StateRoot   Root
	SlotNumber  Slot
}

// AttesterDuty is one validator's attestation assignment for an epoch.
type AttesterDuty struct {
	ValidatorIndex          ValidatorIndex
	Slot                    Slot
	CommitteeIndex          CommitteeIndex
	CommitteeLength         uint64
	CommitteesAtSlot        uint64
	ValidatorCommitteeIndex uint64
}

// ProposerDuty is one validator's block proposal assignment.
type ProposerDuty struct {
	ValidatorIndex ValidatorIndex
	Slot           Slot
}

// BlockAttestation is an aggregated attestation as included in a block body.
type BlockAttestation struct {
	DataSlot        Slot
	BeaconBlockRoot Root
	SourceRoot      Root
	SourceEpoch     Epoch
	TargetRoot      Root
	TargetEpoch     Epoch
	CommitteeBits   bitfield.Bitvector64
	AggregationBits bitfield.Bitlist
}

// BlockInfo is the subset of a block body the duty passes need.
type BlockInfo struct {
	Header       BlockHeader
	Proposer     ValidatorIndex
	Attestations []BlockAttestation
	SyncBits     bitfield.Bitvector512
}

// AttestationCandidates is the result of resolving the block expected to carry
// attestations for a slot. Block is nil when the whole forward search window
// was missed; MissedSlots then holds the full missed range so the caller can
// treat the duty as unresolvable rather than failed.
type AttestationCandidates struct {
	Block       *BlockInfo
	MissedSlots []Slot
}

// EpochCommittees maps:
//
//	data-slot -> committee-index -> list of validator indices in that committee
type EpochCommittees map[Slot]map[CommitteeIndex][]ValidatorIndex

// Validator is one entry of a beacon state validator list.
type Validator struct {
	Index            ValidatorIndex
	PubKey           string
	Balance          Gwei
	EffectiveBalance Gwei
	Slashed          bool
	Status           string
}

// RegistryKey maps a validator public key to its operator.
type RegistryKey struct {
	OperatorIndex uint64
	OperatorName  string
}

// OperatorStats is one operator's aggregate health for an epoch, as read back
// from the analytical store by the alert engine.
type OperatorStats struct {
	OperatorName       string
	ActiveValidators   uint64
	NegativeDelta      uint64
	MissedProposals    uint64
	MissedAttestations uint64
	Slashed            uint64
}

// AlertOperatorState is the per-operator severity payload of a fired rule.
type AlertOperatorState struct {
	Affected uint64
	Ongoing  uint64
}

// RuleResult maps operator name to severity, populated only for operators
// whose bad-validator fraction crossed the rule's threshold.
type RuleResult map[string]AlertOperatorState

// SentAlertRecord remembers the last successfully delivered instance of an
// alert, keyed by alert name. It is the hysteresis baseline: rate limiting and
// escalation-on-worsening compare against it.
type SentAlertRecord struct {
	Result RuleResult
	Body   Alert
	SentAt time.Time
}

// Alert is one notification as posted to the alert sink.
type Alert struct {
	Name        string
	Severity    string
	Summary     string
	Description string
	StartsAt    time.Time
	EndsAt      time.Time
}
