package services

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
	"github.com/stakewatch/validators-monitor/internal/application/ports"
	"github.com/stakewatch/validators-monitor/internal/logger"
)

// Consensus reward constants (Altair spec values).
const (
	effectiveBalanceIncrement = 1_000_000_000 // Gwei
	baseRewardFactor          = 64

	timelySourceWeight = 14
	timelyTargetWeight = 26
	timelyHeadWeight   = 14
	syncRewardWeight   = 2
	proposerWeight     = 8
	weightDenominator  = 64

	syncCommitteeSize = 512
)

// maxAttCandidateBlocks bounds how many non-missed blocks after a duty slot
// are searched for the validator's attestation.
const maxAttCandidateBlocks = 8

// DutyResolver turns duty assignments and block data into atomic duty facts
// on the aggregator: did the attestation land in time, did the proposal
// happen, how much of the sync committee window was served, what were the
// balances. A separate rewards pass derives earned/missed/penalty amounts
// from those facts.
type DutyResolver struct {
	beacon   ports.BeaconChainAdapter
	registry ports.KeysRegistry
	agg      *SummaryAggregator

	slotsPerEpoch     uint64
	maxInclusionDelay uint64

	log zerolog.Logger
}

// NewDutyResolver constructs a resolver writing into the given aggregator.
func NewDutyResolver(beacon ports.BeaconChainAdapter, registry ports.KeysRegistry, agg *SummaryAggregator, slotsPerEpoch, maxInclusionDelay uint64) *DutyResolver {
	return &DutyResolver{
		beacon:            beacon,
		registry:          registry,
		agg:               agg,
		slotsPerEpoch:     slotsPerEpoch,
		maxInclusionDelay: maxInclusionDelay,
		log:               logger.For("duty-resolver"),
	}
}

// ProcessBalances runs the balance pass: it walks the state's validator list,
// registers identity and balance fields for every monitored validator and
// fills the epoch-wide activity aggregates. It returns the monitored
// validator indices for the duty fetches.
func (r *DutyResolver) ProcessBalances(ctx context.Context, epoch domain.Epoch, stateID string) ([]domain.ValidatorIndex, error) {
	validators, err := r.beacon.GetValidators(ctx, stateID)
	if err != nil {
		return nil, errors.Wrap(err, "fetching validators for balance pass")
	}

	var monitored []domain.ValidatorIndex
	var active uint64
	var totalIncrements uint64
	var unknown int
	for _, v := range validators {
		isActive := isActiveStatus(v.Status)
		if isActive {
			active++
			totalIncrements += uint64(v.EffectiveBalance) / effectiveBalanceIncrement
		}

		key, ok := r.registry.OperatorKey(v.PubKey)
		if !ok {
			unknown++
			continue
		}
		monitored = append(monitored, v.Index)
		r.agg.Set(v.Index, domain.SummaryUpdate{
			OperatorIndex:    domain.Ptr(key.OperatorIndex),
			OperatorName:     domain.Ptr(key.OperatorName),
			Slashed:          domain.Ptr(v.Slashed),
			Status:           domain.Ptr(v.Status),
			Balance:          domain.Ptr(v.Balance),
			EffectiveBalance: domain.Ptr(v.EffectiveBalance),
		})
	}

	baseReward := int64(0)
	if totalIncrements > 0 {
		totalActiveBalance := totalIncrements * effectiveBalanceIncrement
		baseReward = int64(effectiveBalanceIncrement * baseRewardFactor / uint64(math.Sqrt(float64(totalActiveBalance))))
	}
	r.agg.SetMeta(domain.MetaUpdate{
		ActiveValidators:       domain.Ptr(active),
		TotalBalanceIncrements: domain.Ptr(totalIncrements),
		BaseReward:             domain.Ptr(baseReward),
	})

	r.log.Info().
		Uint64("epoch", uint64(epoch)).
		Int("monitored", len(monitored)).
		Int("unknown_keys", unknown).
		Uint64("active", active).
		Msg("balance pass done")
	return monitored, nil
}

func isActiveStatus(status string) bool {
	switch status {
	case "active_ongoing", "active_exiting", "active_slashed":
		return true
	}
	return false
}

// ProcessAttestations runs the attestation pass for the epoch's duties. For
// each duty it searches the candidate blocks from dutySlot+1 for one whose
// committee bitfield marks the validator as included, then applies the
// inclusion-distance rule: distance = includedSlot - dutySlot - missed slots
// strictly between; beyond the configured maximum the attestation counts as
// not attested even though technically included.
func (r *DutyResolver) ProcessAttestations(ctx context.Context, epoch domain.Epoch, stateID string, duties []domain.AttesterDuty) error {
	if len(duties) == 0 {
		return nil
	}

	committees, err := r.beacon.GetEpochCommittees(ctx, stateID, epoch)
	if err != nil {
		return errors.Wrap(err, "fetching epoch committees")
	}

	canonicalRoots := make(map[domain.Slot]domain.Root)
	canonicalRoot := func(slot domain.Slot) (domain.Root, error) {
		if root, ok := canonicalRoots[slot]; ok {
			return root, nil
		}
		header, _, err := r.beacon.GetBeaconBlockHeaderOrPreviousIfMissed(ctx, slot)
		if err != nil {
			return "", err
		}
		canonicalRoots[slot] = header.BlockRoot
		return header.BlockRoot, nil
	}

	targetRoot, err := canonicalRoot(epoch.FirstSlot(r.slotsPerEpoch))
	if err != nil {
		return errors.Wrap(err, "resolving target root")
	}
	var sourceRoot domain.Root
	if epoch > 0 {
		sourceRoot, err = canonicalRoot((epoch - 1).FirstSlot(r.slotsPerEpoch))
		if err != nil {
			return errors.Wrap(err, "resolving source root")
		}
	}

	var attested, sourceOK, targetOK, headOK uint64
	for _, duty := range duties {
		fact, err := r.resolveAttestation(ctx, duty, committees)
		if err != nil {
			return err
		}

		if fact.unresolvable {
			// The whole forward window was missed: nothing could have
			// included the attestation, so the validator is not penalized.
			r.agg.Set(duty.ValidatorIndex, domain.SummaryUpdate{
				AttHappened: domain.Ptr(true),
				AttIncDelay: domain.Ptr(uint64(0)),
			})
			attested++
			continue
		}

		update := domain.SummaryUpdate{
			AttHappened: domain.Ptr(fact.attested),
			AttIncDelay: domain.Ptr(fact.inclusionDistance),
		}
		if fact.included {
			headRoot, err := canonicalRoot(duty.Slot)
			if err != nil {
				return err
			}
			validHead := fact.beaconBlockRoot == headRoot
			validTarget := fact.targetRoot == targetRoot
			validSource := sourceRoot == "" || fact.sourceRoot == sourceRoot
			update.AttValidHead = domain.Ptr(validHead)
			update.AttValidTarget = domain.Ptr(validTarget)
			update.AttValidSource = domain.Ptr(validSource)
			update.AttMeta = &domain.AttMetaUpdate{
				IncludedInBlock: domain.Ptr(fact.includedIn),
			}
			if validHead {
				headOK++
			}
			if validTarget {
				targetOK++
			}
			if validSource {
				sourceOK++
			}
		} else {
			update.AttValidHead = domain.Ptr(false)
			update.AttValidTarget = domain.Ptr(false)
			update.AttValidSource = domain.Ptr(false)
		}
		r.agg.Set(duty.ValidatorIndex, update)
		if fact.attested {
			attested++
		}
	}

	total := float64(len(duties))
	r.agg.SetMeta(domain.MetaUpdate{
		SourceParticipation: domain.Ptr(float64(sourceOK) / total),
		TargetParticipation: domain.Ptr(float64(targetOK) / total),
		HeadParticipation:   domain.Ptr(float64(headOK) / total),
	})

	r.log.Info().
		Uint64("epoch", uint64(epoch)).
		Int("duties", len(duties)).
		Uint64("attested", attested).
		Msg("attestation pass done")
	return nil
}

// attFact is the outcome of resolving one attestation duty.
type attFact struct {
	unresolvable      bool
	included          bool
	attested          bool
	includedIn        domain.Slot
	inclusionDistance uint64
	beaconBlockRoot   domain.Root
	sourceRoot        domain.Root
	targetRoot        domain.Root
}

func (r *DutyResolver) resolveAttestation(ctx context.Context, duty domain.AttesterDuty, committees domain.EpochCommittees) (attFact, error) {
	slotCommittees := committees[duty.Slot]

	var missedBefore []domain.Slot
	searchFrom := duty.Slot
	for candidates := 0; candidates < maxAttCandidateBlocks; candidates++ {
		cands, err := r.beacon.GetBlockInfoWithSlotAttestations(ctx, searchFrom)
		if err != nil {
			return attFact{}, errors.Wrapf(err, "searching attestation block for slot %d", duty.Slot)
		}
		missedBefore = append(missedBefore, cands.MissedSlots...)
		if cands.Block == nil {
			if candidates == 0 {
				return attFact{unresolvable: true}, nil
			}
			break
		}

		block := cands.Block
		// A block at or before the duty slot can never include the
		// attestation; the search starts at dutySlot+1 so this only guards
		// against inconsistent API data.
		if block.Header.Slot <= duty.Slot {
			searchFrom = block.Header.Slot + 1
			continue
		}

		for _, att := range block.Attestations {
			if att.DataSlot != duty.Slot {
				continue
			}
			if !attestationIncludes(att, slotCommittees, duty.ValidatorIndex) {
				continue
			}

			missedOffset := uint64(0)
			for _, m := range missedBefore {
				if m > duty.Slot && m < block.Header.Slot {
					missedOffset++
				}
			}
			distance := uint64(block.Header.Slot-duty.Slot) - missedOffset
			return attFact{
				included:          true,
				attested:          distance <= r.maxInclusionDelay,
				includedIn:        block.Header.Slot,
				inclusionDistance: distance,
				beaconBlockRoot:   att.BeaconBlockRoot,
				sourceRoot:        att.SourceRoot,
				targetRoot:        att.TargetRoot,
			}, nil
		}
		searchFrom = block.Header.Slot
	}

	// No fetched candidate block includes the validator: missed outright.
	return attFact{}, nil
}

// attestationIncludes walks the attestation's aggregated committees in
// committee-bit order, mapping the global aggregation bits onto each
// committee's validators, and reports whether the validator's bit is set.
func attestationIncludes(att domain.BlockAttestation, slotCommittees map[domain.CommitteeIndex][]domain.ValidatorIndex, valIdx domain.ValidatorIndex) bool {
	if len(slotCommittees) == 0 {
		return false
	}
	bitBase := uint64(0)
	for commIdx := uint64(0); commIdx < att.CommitteeBits.Len(); commIdx++ {
		if !att.CommitteeBits.BitAt(commIdx) {
			continue
		}
		validators := slotCommittees[domain.CommitteeIndex(commIdx)]
		for pos, v := range validators {
			if v != valIdx {
				continue
			}
			bit := bitBase + uint64(pos)
			if bit < att.AggregationBits.Len() && att.AggregationBits.BitAt(bit) {
				return true
			}
		}
		bitBase += uint64(len(validators))
	}
	return false
}

// ProcessProposals runs the propose pass: every monitored proposer duty is
// checked against block existence at the duty slot.
func (r *DutyResolver) ProcessProposals(ctx context.Context, epoch domain.Epoch, duties []domain.ProposerDuty, monitored map[domain.ValidatorIndex]struct{}) error {
	for _, duty := range duties {
		if _, ok := monitored[duty.ValidatorIndex]; !ok {
			continue
		}
		proposed := true
		if _, err := r.beacon.GetBeaconBlockHeader(ctx, duty.Slot); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return errors.Wrapf(err, "checking proposal at slot %d", duty.Slot)
			}
			proposed = false
		}
		r.agg.Set(duty.ValidatorIndex, domain.SummaryUpdate{
			IsProposer:    domain.Ptr(true),
			BlockProposed: domain.Ptr(proposed),
		})
	}
	r.log.Info().Uint64("epoch", uint64(epoch)).Int("duties", len(duties)).Msg("propose pass done")
	return nil
}

// ProcessSyncCommittee runs the sync pass: for each monitored sync committee
// member, the participation percentage over the epoch's non-missed blocks.
func (r *DutyResolver) ProcessSyncCommittee(ctx context.Context, epoch domain.Epoch, stateID string, monitored map[domain.ValidatorIndex]struct{}) error {
	members, err := r.beacon.GetSyncCommitteeValidators(ctx, stateID)
	if err != nil {
		return errors.Wrap(err, "fetching sync committee")
	}

	first := epoch.FirstSlot(r.slotsPerEpoch)
	last := epoch.LastSlot(r.slotsPerEpoch)
	var blocks []domain.BlockInfo
	var blockSlots []domain.Slot
	for slot := first; slot <= last; slot++ {
		info, err := r.beacon.GetBlockInfo(ctx, slot)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return errors.Wrapf(err, "fetching block at slot %d", slot)
		}
		blocks = append(blocks, info)
		blockSlots = append(blockSlots, slot)
	}

	for position, valIdx := range members {
		if _, ok := monitored[valIdx]; !ok {
			continue
		}
		var synced []domain.Slot
		for i, block := range blocks {
			if uint64(position) < block.SyncBits.Len() && block.SyncBits.BitAt(uint64(position)) {
				synced = append(synced, blockSlots[i])
			}
		}
		percent := 0.0
		if len(blocks) > 0 {
			percent = 100 * float64(len(synced)) / float64(len(blocks))
		}
		r.agg.Set(valIdx, domain.SummaryUpdate{
			IsSync:      domain.Ptr(true),
			SyncPercent: domain.Ptr(percent),
			SyncMeta:    &domain.SyncMetaUpdate{SyncedBlocks: synced},
		})
	}

	r.agg.SetMeta(domain.MetaUpdate{SyncBlocks: blockSlots})
	r.log.Info().
		Uint64("epoch", uint64(epoch)).
		Int("blocks", len(blocks)).
		Int("members", len(members)).
		Msg("sync pass done")
	return nil
}

// ProcessRewards derives earned/missed/penalty amounts from the duty facts
// and the epoch-wide aggregates. The amounts are monitoring estimates using
// the protocol weights, not exact state-transition output.
func (r *DutyResolver) ProcessRewards(epoch domain.Epoch) {
	meta := r.agg.GetMeta()

	syncRewardPerBlock := int64(0)
	if len(meta.SyncBlocks) > 0 && meta.BaseReward > 0 {
		totalReward := meta.BaseReward * int64(meta.TotalBalanceIncrements) * syncRewardWeight / weightDenominator
		syncRewardPerBlock = totalReward / int64(r.slotsPerEpoch) / syncCommitteeSize
	}
	propReward := int64(0)
	if meta.BaseReward > 0 {
		propReward = meta.BaseReward * int64(meta.TotalBalanceIncrements) * proposerWeight / weightDenominator / int64(r.slotsPerEpoch)
	}
	r.agg.SetMeta(domain.MetaUpdate{
		SyncRewardPerBlock: domain.Ptr(syncRewardPerBlock),
		AttRewardPerBlock:  domain.Ptr(meta.BaseReward * int64(meta.TotalBalanceIncrements) / int64(r.slotsPerEpoch)),
	})

	for _, summary := range r.agg.ValuesToWrite() {
		full, _ := r.agg.Get(summary.ValID)
		update := domain.SummaryUpdate{}

		increments := int64(uint64(full.EffectiveBalance) / effectiveBalanceIncrement)
		perFlagBase := meta.BaseReward * increments

		var earned, missed, penalty int64
		if full.AttHappened {
			if full.AttValidSource {
				earned += perFlagBase * timelySourceWeight / weightDenominator
			} else {
				missed += perFlagBase * timelySourceWeight / weightDenominator
				penalty += perFlagBase * timelySourceWeight / weightDenominator
			}
			if full.AttValidTarget {
				earned += perFlagBase * timelyTargetWeight / weightDenominator
			} else {
				missed += perFlagBase * timelyTargetWeight / weightDenominator
				penalty += perFlagBase * timelyTargetWeight / weightDenominator
			}
			// A late or wrong head vote forfeits the reward but carries no
			// penalty.
			if full.AttValidHead && full.AttIncDelay <= 1 {
				earned += perFlagBase * timelyHeadWeight / weightDenominator
			} else {
				missed += perFlagBase * timelyHeadWeight / weightDenominator
			}
		} else {
			missed = perFlagBase * (timelySourceWeight + timelyTargetWeight + timelyHeadWeight) / weightDenominator
			penalty = perFlagBase * (timelySourceWeight + timelyTargetWeight) / weightDenominator
		}
		update.AttEarnedReward = domain.Ptr(earned)
		update.AttMissedReward = domain.Ptr(missed)
		update.AttPenalty = domain.Ptr(penalty)

		if full.IsSync {
			syncedBlocks := 0
			if full.SyncMeta != nil {
				syncedBlocks = len(full.SyncMeta.SyncedBlocks)
			}
			missedBlocks := int64(len(meta.SyncBlocks) - syncedBlocks)
			update.SyncEarnedReward = domain.Ptr(syncRewardPerBlock * int64(syncedBlocks))
			update.SyncMissedReward = domain.Ptr(syncRewardPerBlock * missedBlocks)
			update.SyncPenalty = domain.Ptr(syncRewardPerBlock * missedBlocks)
		}

		if full.IsProposer {
			if full.BlockProposed {
				update.PropEarnedReward = domain.Ptr(propReward)
			} else {
				update.PropMissedReward = domain.Ptr(propReward)
			}
		}

		r.agg.Set(summary.ValID, update)
	}
	r.log.Info().Uint64("epoch", uint64(epoch)).Msg("rewards pass done")
}
