package services

import (
	"context"
	"testing"

	"github.com/prysmaticlabs/go-bitfield"
	"github.com/stretchr/testify/require"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

func committeeAttestation(dataSlot domain.Slot, commIdx uint64, commSize uint64, setBits []uint64, head, source, target domain.Root) domain.BlockAttestation {
	cb := bitfield.NewBitvector64()
	cb.SetBitAt(commIdx, true)
	ab := bitfield.NewBitlist(commSize)
	for _, b := range setBits {
		ab.SetBitAt(b, true)
	}
	return domain.BlockAttestation{
		DataSlot:        dataSlot,
		BeaconBlockRoot: head,
		SourceRoot:      source,
		TargetRoot:      target,
		CommitteeBits:   cb,
		AggregationBits: ab,
	}
}

func newResolverUnderTest(beacon *fakeBeacon, registry *fakeRegistry) (*DutyResolver, *SummaryAggregator) {
	agg := NewSummaryAggregator()
	agg.StartEpoch(1)
	if registry == nil {
		registry = &fakeRegistry{}
	}
	return NewDutyResolver(beacon, registry, agg, 32, 2), agg
}

func TestProcessAttestationsInclusionAfterMissedSlot(t *testing.T) {
	// Duty at slot 40, slot 41 missed, attestation included in the block at
	// slot 42. Raw gap is 2 but the missed slot between does not count, so the
	// inclusion distance is 1.
	headers, blocks := chainWithout(70, 41)
	block42 := blocks[42]
	block42.Attestations = []domain.BlockAttestation{
		committeeAttestation(40, 0, 3, []uint64{1}, headers[40].BlockRoot, headers[0].BlockRoot, headers[32].BlockRoot),
	}
	blocks[42] = block42

	beacon := &fakeBeacon{
		headers:    headers,
		blocks:     blocks,
		committees: domain.EpochCommittees{40: {0: {5, 7, 9}}},
	}
	resolver, agg := newResolverUnderTest(beacon, nil)

	duties := []domain.AttesterDuty{{ValidatorIndex: 7, Slot: 40, CommitteeIndex: 0}}
	require.NoError(t, resolver.ProcessAttestations(context.Background(), 1, "state", duties))

	s, ok := agg.Get(7)
	require.True(t, ok)
	require.True(t, s.AttHappened)
	require.Equal(t, uint64(1), s.AttIncDelay)
	require.True(t, s.AttValidHead)
	require.True(t, s.AttValidTarget)
	require.True(t, s.AttValidSource)
	require.NotNil(t, s.AttMeta)
	require.Equal(t, domain.Slot(42), s.AttMeta.IncludedInBlock)
}

func TestProcessAttestationsBeyondInclusionLimit(t *testing.T) {
	// Included only in the block four real slots after the duty: beyond the
	// limit of 2 the attestation counts as not attested even though included.
	headers, blocks := chainWithout(70)
	block54 := blocks[54]
	block54.Attestations = []domain.BlockAttestation{
		committeeAttestation(50, 0, 1, []uint64{0}, headers[50].BlockRoot, headers[0].BlockRoot, headers[32].BlockRoot),
	}
	blocks[54] = block54

	beacon := &fakeBeacon{
		headers:    headers,
		blocks:     blocks,
		committees: domain.EpochCommittees{50: {0: {11}}},
	}
	resolver, agg := newResolverUnderTest(beacon, nil)

	duties := []domain.AttesterDuty{{ValidatorIndex: 11, Slot: 50, CommitteeIndex: 0}}
	require.NoError(t, resolver.ProcessAttestations(context.Background(), 1, "state", duties))

	s, _ := agg.Get(11)
	require.False(t, s.AttHappened)
	require.Equal(t, uint64(4), s.AttIncDelay)
	require.True(t, s.AttValidHead, "vote validity is still assessed for late inclusions")
	require.Equal(t, domain.Slot(54), s.AttMeta.IncludedInBlock)
}

func TestProcessAttestationsNeverIncluded(t *testing.T) {
	headers, blocks := chainWithout(70)
	beacon := &fakeBeacon{
		headers:    headers,
		blocks:     blocks,
		committees: domain.EpochCommittees{45: {0: {13}}},
	}
	resolver, agg := newResolverUnderTest(beacon, nil)

	duties := []domain.AttesterDuty{{ValidatorIndex: 13, Slot: 45, CommitteeIndex: 0}}
	require.NoError(t, resolver.ProcessAttestations(context.Background(), 1, "state", duties))

	s, _ := agg.Get(13)
	require.False(t, s.AttHappened)
	require.Equal(t, uint64(0), s.AttIncDelay)
	require.False(t, s.AttValidHead)
	require.False(t, s.AttValidTarget)
	require.False(t, s.AttValidSource)
}

func TestProcessAttestationsUnresolvableWindow(t *testing.T) {
	// Every slot in the forward search window after the duty is missed:
	// nothing could have included the attestation, so the validator is not
	// penalized.
	headers, blocks := chainWithout(70, 61, 62, 63, 64, 65, 66, 67, 68)
	beacon := &fakeBeacon{
		headers:    headers,
		blocks:     blocks,
		committees: domain.EpochCommittees{60: {0: {17}}},
	}
	resolver, agg := newResolverUnderTest(beacon, nil)

	duties := []domain.AttesterDuty{{ValidatorIndex: 17, Slot: 60, CommitteeIndex: 0}}
	require.NoError(t, resolver.ProcessAttestations(context.Background(), 1, "state", duties))

	s, _ := agg.Get(17)
	require.True(t, s.AttHappened)
	require.Equal(t, uint64(0), s.AttIncDelay)
}

func TestAttestationIncludesCommitteeBitOffsets(t *testing.T) {
	// Committees 0 and 2 participate; the aggregation bits concatenate their
	// members in committee order, so committee 2 starts at global bit 3.
	slotCommittees := map[domain.CommitteeIndex][]domain.ValidatorIndex{
		0: {1, 2, 3},
		1: {4, 5, 6},
		2: {7, 8},
	}
	cb := bitfield.NewBitvector64()
	cb.SetBitAt(0, true)
	cb.SetBitAt(2, true)
	ab := bitfield.NewBitlist(5)
	ab.SetBitAt(0, true) // validator 1
	ab.SetBitAt(4, true) // validator 8
	att := domain.BlockAttestation{CommitteeBits: cb, AggregationBits: ab}

	require.True(t, attestationIncludes(att, slotCommittees, 1))
	require.True(t, attestationIncludes(att, slotCommittees, 8))
	require.False(t, attestationIncludes(att, slotCommittees, 7), "bit not set for this member")
	require.False(t, attestationIncludes(att, slotCommittees, 5), "committee 1 did not participate")
	require.False(t, attestationIncludes(att, slotCommittees, 99))
}

func TestProcessProposals(t *testing.T) {
	headers, blocks := chainWithout(70, 41)
	beacon := &fakeBeacon{headers: headers, blocks: blocks}
	resolver, agg := newResolverUnderTest(beacon, nil)

	duties := []domain.ProposerDuty{
		{ValidatorIndex: 7, Slot: 42},
		{ValidatorIndex: 9, Slot: 41},
		{ValidatorIndex: 99, Slot: 43},
	}
	monitored := map[domain.ValidatorIndex]struct{}{7: {}, 9: {}}
	require.NoError(t, resolver.ProcessProposals(context.Background(), 1, duties, monitored))

	proposed, _ := agg.Get(7)
	require.True(t, proposed.IsProposer)
	require.True(t, proposed.BlockProposed)

	missed, _ := agg.Get(9)
	require.True(t, missed.IsProposer)
	require.False(t, missed.BlockProposed)

	_, ok := agg.Get(99)
	require.False(t, ok, "unmonitored proposers are ignored")
}

func TestProcessSyncCommittee(t *testing.T) {
	headers, blocks := chainWithout(70, 41)
	// Validator 21 sits at sync committee position 3 and signs every block of
	// the epoch except the ones at slots 35 and 36.
	for slot := domain.Slot(32); slot <= 63; slot++ {
		info, ok := blocks[slot]
		if !ok {
			continue
		}
		bits := bitfield.NewBitvector512()
		if slot != 35 && slot != 36 {
			bits.SetBitAt(3, true)
		}
		info.SyncBits = bits
		blocks[slot] = info
	}

	beacon := &fakeBeacon{
		headers:     headers,
		blocks:      blocks,
		syncMembers: []domain.ValidatorIndex{100, 101, 102, 21, 103},
	}
	resolver, agg := newResolverUnderTest(beacon, nil)

	monitored := map[domain.ValidatorIndex]struct{}{21: {}}
	require.NoError(t, resolver.ProcessSyncCommittee(context.Background(), 1, "state", monitored))

	s, ok := agg.Get(21)
	require.True(t, ok)
	require.True(t, s.IsSync)
	require.NotNil(t, s.SyncMeta)
	require.Len(t, s.SyncMeta.SyncedBlocks, 29) // 31 blocks in the epoch, 2 unsigned
	require.InDelta(t, 100*29.0/31.0, s.SyncPercent, 1e-9)

	_, ok = agg.Get(100)
	require.False(t, ok, "unmonitored members are ignored")

	require.Len(t, agg.GetMeta().SyncBlocks, 31)
}

func TestProcessBalances(t *testing.T) {
	beacon := &fakeBeacon{
		validators: []domain.Validator{
			{Index: 1, PubKey: "0xaaa", Balance: 32_100_000_000, EffectiveBalance: 32_000_000_000, Status: "active_ongoing"},
			{Index: 2, PubKey: "0xbbb", Balance: 32_000_000_000, EffectiveBalance: 32_000_000_000, Status: "active_ongoing"},
			{Index: 3, PubKey: "0xccc", Balance: 31_000_000_000, EffectiveBalance: 32_000_000_000, Status: "exited_unslashed"},
		},
	}
	registry := &fakeRegistry{keys: map[string]domain.RegistryKey{
		"0xaaa": {OperatorIndex: 1, OperatorName: "op-a"},
		"0xccc": {OperatorIndex: 2, OperatorName: "op-b"},
	}}
	resolver, agg := newResolverUnderTest(beacon, registry)

	monitored, err := resolver.ProcessBalances(context.Background(), 1, "state")
	require.NoError(t, err)
	require.Equal(t, []domain.ValidatorIndex{1, 3}, monitored)

	s, _ := agg.Get(1)
	require.Equal(t, "op-a", s.OperatorName)
	require.Equal(t, domain.Gwei(32_100_000_000), s.Balance)

	meta := agg.GetMeta()
	require.Equal(t, uint64(2), meta.ActiveValidators, "exited validators do not count as active")
	require.Equal(t, uint64(64), meta.TotalBalanceIncrements)
	require.Greater(t, meta.BaseReward, int64(0))
}

func TestProcessRewards(t *testing.T) {
	resolver, agg := newResolverUnderTest(&fakeBeacon{}, nil)
	agg.SetMeta(domain.MetaUpdate{
		BaseReward:             domain.Ptr(int64(512)),
		TotalBalanceIncrements: domain.Ptr(uint64(1_000_000)),
		SyncBlocks:             []domain.Slot{32, 33, 34, 35},
	})

	eff := domain.Ptr(domain.Gwei(32_000_000_000)) // 32 increments, per-flag base 16384
	agg.Set(1, domain.SummaryUpdate{
		EffectiveBalance: eff,
		AttHappened:      domain.Ptr(true),
		AttIncDelay:      domain.Ptr(uint64(1)),
		AttValidHead:     domain.Ptr(true),
		AttValidTarget:   domain.Ptr(true),
		AttValidSource:   domain.Ptr(true),
	})
	agg.Set(2, domain.SummaryUpdate{
		EffectiveBalance: eff,
		AttHappened:      domain.Ptr(false),
	})
	agg.Set(3, domain.SummaryUpdate{
		EffectiveBalance: eff,
		AttHappened:      domain.Ptr(true),
		AttIncDelay:      domain.Ptr(uint64(2)),
		AttValidHead:     domain.Ptr(true),
		AttValidTarget:   domain.Ptr(true),
		AttValidSource:   domain.Ptr(true),
	})
	agg.Set(4, domain.SummaryUpdate{
		EffectiveBalance: eff,
		IsSync:           domain.Ptr(true),
		SyncMeta:         &domain.SyncMetaUpdate{SyncedBlocks: []domain.Slot{32, 33, 34}},
	})
	agg.Set(5, domain.SummaryUpdate{
		EffectiveBalance: eff,
		IsProposer:       domain.Ptr(true),
		BlockProposed:    domain.Ptr(true),
	})
	agg.Set(6, domain.SummaryUpdate{
		EffectiveBalance: eff,
		IsProposer:       domain.Ptr(true),
		BlockProposed:    domain.Ptr(false),
	})

	resolver.ProcessRewards(1)

	// Timely everything: source 14/64 + target 26/64 + head 14/64 of 16384.
	s1, _ := agg.Get(1)
	require.Equal(t, int64(3584+6656+3584), s1.AttEarnedReward)
	require.Equal(t, int64(0), s1.AttMissedReward)
	require.Equal(t, int64(0), s1.AttPenalty)

	// Missed outright: forfeits all three weights, penalized source+target.
	s2, _ := agg.Get(2)
	require.Equal(t, int64(0), s2.AttEarnedReward)
	require.Equal(t, int64(3584+6656+3584), s2.AttMissedReward)
	require.Equal(t, int64(3584+6656), s2.AttPenalty)

	// Correct head vote included too late forfeits the head reward only.
	s3, _ := agg.Get(3)
	require.Equal(t, int64(3584+6656), s3.AttEarnedReward)
	require.Equal(t, int64(3584), s3.AttMissedReward)
	require.Equal(t, int64(0), s3.AttPenalty)

	// Sync: per-block reward 512*1e6*2/64/32/512 = 976, 3 of 4 blocks signed.
	s4, _ := agg.Get(4)
	require.Equal(t, int64(976*3), s4.SyncEarnedReward)
	require.Equal(t, int64(976), s4.SyncMissedReward)
	require.Equal(t, int64(976), s4.SyncPenalty)

	// Proposer: 512*1e6*8/64/32 = 2_000_000 per duty.
	s5, _ := agg.Get(5)
	require.Equal(t, int64(2_000_000), s5.PropEarnedReward)
	require.Equal(t, int64(0), s5.PropMissedReward)

	s6, _ := agg.Get(6)
	require.Equal(t, int64(0), s6.PropEarnedReward)
	require.Equal(t, int64(2_000_000), s6.PropMissedReward)
}
