package domain

// SummaryUpdate is a partial ValidatorDutySummary. Nil fields are "not part of
// this update" and leave the target untouched; the merge is therefore
// associative, order-independent across disjoint passes and idempotent for
// repeated identical updates.
type SummaryUpdate struct {
	OperatorIndex    *uint64
	OperatorName     *string
	Slashed          *bool
	Status           *string
	Balance          *Gwei
	EffectiveBalance *Gwei

	IsProposer     *bool
	BlockProposed  *bool
	IsSync         *bool
	SyncPercent    *float64
	AttHappened    *bool
	AttIncDelay    *uint64
	AttValidHead   *bool
	AttValidTarget *bool
	AttValidSource *bool

	AttMeta  *AttMetaUpdate
	SyncMeta *SyncMetaUpdate

	AttEarnedReward  *int64
	AttMissedReward  *int64
	AttPenalty       *int64
	SyncEarnedReward *int64
	SyncMissedReward *int64
	SyncPenalty      *int64
	PropEarnedReward *int64
	PropMissedReward *int64
	PropPenalty      *int64
}

// AttMetaUpdate is a partial AttMeta.
type AttMetaUpdate struct {
	IncludedInBlock    *Slot
	RewardPerIncrement *int64
}

// SyncMetaUpdate is a partial SyncMeta.
type SyncMetaUpdate struct {
	SyncedBlocks []Slot
}

// MetaUpdate is a partial EpochMeta.
type MetaUpdate struct {
	ActiveValidators       *uint64
	TotalBalanceIncrements *uint64
	BaseReward             *int64
	SourceParticipation    *float64
	TargetParticipation    *float64
	HeadParticipation      *float64
	AttRewardPerBlock      *int64
	SyncRewardPerBlock     *int64
	SyncBlocks             []Slot
}

// MergeSummary applies a partial update onto a summary. The merge is explicit
// per field rather than reflective so that adding a field later is a reviewed
// decision, not an accident.
func MergeSummary(dst *ValidatorDutySummary, u SummaryUpdate) {
	if u.OperatorIndex != nil {
		dst.OperatorIndex = *u.OperatorIndex
	}
	if u.OperatorName != nil {
		dst.OperatorName = *u.OperatorName
	}
	if u.Slashed != nil {
		dst.Slashed = *u.Slashed
	}
	if u.Status != nil {
		dst.Status = *u.Status
	}
	if u.Balance != nil {
		dst.Balance = *u.Balance
	}
	if u.EffectiveBalance != nil {
		dst.EffectiveBalance = *u.EffectiveBalance
	}
	if u.IsProposer != nil {
		dst.IsProposer = *u.IsProposer
	}
	if u.BlockProposed != nil {
		dst.BlockProposed = *u.BlockProposed
	}
	if u.IsSync != nil {
		dst.IsSync = *u.IsSync
	}
	if u.SyncPercent != nil {
		dst.SyncPercent = *u.SyncPercent
	}
	if u.AttHappened != nil {
		dst.AttHappened = *u.AttHappened
	}
	if u.AttIncDelay != nil {
		dst.AttIncDelay = *u.AttIncDelay
	}
	if u.AttValidHead != nil {
		dst.AttValidHead = *u.AttValidHead
	}
	if u.AttValidTarget != nil {
		dst.AttValidTarget = *u.AttValidTarget
	}
	if u.AttValidSource != nil {
		dst.AttValidSource = *u.AttValidSource
	}
	if u.AttMeta != nil {
		if dst.AttMeta == nil {
			dst.AttMeta = &AttMeta{}
		}
		if u.AttMeta.IncludedInBlock != nil {
			dst.AttMeta.IncludedInBlock = *u.AttMeta.IncludedInBlock
		}
		if u.AttMeta.RewardPerIncrement != nil {
			dst.AttMeta.RewardPerIncrement = *u.AttMeta.RewardPerIncrement
		}
	}
	if u.SyncMeta != nil {
		if dst.SyncMeta == nil {
			dst.SyncMeta = &SyncMeta{}
		}
		if u.SyncMeta.SyncedBlocks != nil {
			dst.SyncMeta.SyncedBlocks = append([]Slot(nil), u.SyncMeta.SyncedBlocks...)
		}
	}
	if u.AttEarnedReward != nil {
		dst.AttEarnedReward = *u.AttEarnedReward
	}
	if u.AttMissedReward != nil {
		dst.AttMissedReward = *u.AttMissedReward
	}
	if u.AttPenalty != nil {
		dst.AttPenalty = *u.AttPenalty
	}
	if u.SyncEarnedReward != nil {
		dst.SyncEarnedReward = *u.SyncEarnedReward
	}
	if u.SyncMissedReward != nil {
		dst.SyncMissedReward = *u.SyncMissedReward
	}
	if u.SyncPenalty != nil {
		dst.SyncPenalty = *u.SyncPenalty
	}
	if u.PropEarnedReward != nil {
		dst.PropEarnedReward = *u.PropEarnedReward
	}
	if u.PropMissedReward != nil {
		dst.PropMissedReward = *u.PropMissedReward
	}
	if u.PropPenalty != nil {
		dst.PropPenalty = *u.PropPenalty
	}
}

// MergeMeta applies a partial update onto the epoch-wide metadata.
func MergeMeta(dst *EpochMeta, u MetaUpdate) {
	if u.ActiveValidators != nil {
		dst.ActiveValidators = *u.ActiveValidators
	}
	if u.TotalBalanceIncrements != nil {
		dst.TotalBalanceIncrements = *u.TotalBalanceIncrements
	}
	if u.BaseReward != nil {
		dst.BaseReward = *u.BaseReward
	}
	if u.SourceParticipation != nil {
		dst.SourceParticipation = *u.SourceParticipation
	}
	if u.TargetParticipation != nil {
		dst.TargetParticipation = *u.TargetParticipation
	}
	if u.HeadParticipation != nil {
		dst.HeadParticipation = *u.HeadParticipation
	}
	if u.AttRewardPerBlock != nil {
		dst.AttRewardPerBlock = *u.AttRewardPerBlock
	}
	if u.SyncRewardPerBlock != nil {
		dst.SyncRewardPerBlock = *u.SyncRewardPerBlock
	}
	if u.SyncBlocks != nil {
		dst.SyncBlocks = append([]Slot(nil), u.SyncBlocks...)
	}
}

// Pointer helpers for building partial updates.

func Ptr[T any](v T) *T { return &v }
