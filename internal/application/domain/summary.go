package domain

// ValidatorDutySummary is the one-per-validator-per-epoch outcome record.
// Fields are filled incrementally by separate passes (balance, attestation,
// propose, sync, rewards) and combined via Merge; a later partial update never
// erases fields an earlier pass already set.
type ValidatorDutySummary struct {
	Epoch Epoch
	ValID ValidatorIndex

	// identity, from the balance pass + key registry
	OperatorIndex    uint64
	OperatorName     string
	Slashed          bool
	Status           string
	Balance          Gwei
	EffectiveBalance Gwei

	// duty flags
	IsProposer     bool
	BlockProposed  bool
	IsSync         bool
	SyncPercent    float64
	AttHappened    bool
	AttIncDelay    uint64
	AttValidHead   bool
	AttValidTarget bool
	AttValidSource bool

	// transient computation metadata; carried between passes within one
	// epoch, stripped before persistence
	AttMeta  *AttMeta
	SyncMeta *SyncMeta

	// derived rewards/penalties, Gwei
	AttEarnedReward  int64
	AttMissedReward  int64
	AttPenalty       int64
	SyncEarnedReward int64
	SyncMissedReward int64
	SyncPenalty      int64
	PropEarnedReward int64
	PropMissedReward int64
	PropPenalty      int64
}

// AttMeta carries intermediate attestation computation state.
type AttMeta struct {
	IncludedInBlock    Slot
	RewardPerIncrement int64
}

// SyncMeta carries intermediate sync committee computation state.
type SyncMeta struct {
	SyncedBlocks []Slot
}

// EpochMeta is the epoch-wide aggregate populated by multiple passes.
type EpochMeta struct {
	Epoch                  Epoch
	ActiveValidators       uint64
	TotalBalanceIncrements uint64
	BaseReward             int64
	SourceParticipation    float64
	TargetParticipation    float64
	HeadParticipation      float64
	AttRewardPerBlock      int64
	SyncRewardPerBlock     int64
	SyncBlocks             []Slot
}

// StripTransient returns a copy with the pass-to-pass metadata removed; only
// that copy may reach persistent storage.
func (s ValidatorDutySummary) StripTransient() ValidatorDutySummary {
	s.AttMeta = nil
	s.SyncMeta = nil
	return s
}
