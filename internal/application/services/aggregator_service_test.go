package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

func TestAggregatorSetCreatesAndMerges(t *testing.T) {
	agg := NewSummaryAggregator()
	agg.StartEpoch(5)

	agg.Set(7, domain.SummaryUpdate{OperatorName: domain.Ptr("op-a")})
	agg.Set(7, domain.SummaryUpdate{AttHappened: domain.Ptr(true), AttIncDelay: domain.Ptr(uint64(1))})

	s, ok := agg.Get(7)
	require.True(t, ok)
	require.Equal(t, domain.Epoch(5), s.Epoch)
	require.Equal(t, domain.ValidatorIndex(7), s.ValID)
	require.Equal(t, "op-a", s.OperatorName)
	require.True(t, s.AttHappened)
	require.Equal(t, uint64(1), s.AttIncDelay)

	_, ok = agg.Get(8)
	require.False(t, ok)
}

func TestAggregatorConcurrentPassesOrderIndependent(t *testing.T) {
	run := func(updates []func(*SummaryAggregator)) domain.ValidatorDutySummary {
		agg := NewSummaryAggregator()
		agg.StartEpoch(1)
		var wg sync.WaitGroup
		for _, u := range updates {
			wg.Add(1)
			go func(u func(*SummaryAggregator)) {
				defer wg.Done()
				u(agg)
			}(u)
		}
		wg.Wait()
		s, _ := agg.Get(7)
		return s
	}

	balance := func(a *SummaryAggregator) {
		a.Set(7, domain.SummaryUpdate{OperatorName: domain.Ptr("op-a"), Balance: domain.Ptr(domain.Gwei(32e9))})
	}
	att := func(a *SummaryAggregator) {
		a.Set(7, domain.SummaryUpdate{AttHappened: domain.Ptr(true)})
	}
	prop := func(a *SummaryAggregator) {
		a.Set(7, domain.SummaryUpdate{IsProposer: domain.Ptr(true), BlockProposed: domain.Ptr(true)})
	}

	want := run([]func(*SummaryAggregator){balance, att, prop})
	for i := 0; i < 20; i++ {
		require.Equal(t, want, run([]func(*SummaryAggregator){prop, balance, att}))
	}
}

func TestAggregatorValuesToWriteSortedAndStripped(t *testing.T) {
	agg := NewSummaryAggregator()
	agg.StartEpoch(1)
	agg.Set(9, domain.SummaryUpdate{AttMeta: &domain.AttMetaUpdate{IncludedInBlock: domain.Ptr(domain.Slot(42))}})
	agg.Set(3, domain.SummaryUpdate{SyncMeta: &domain.SyncMetaUpdate{SyncedBlocks: []domain.Slot{1}}})
	agg.Set(5, domain.SummaryUpdate{AttHappened: domain.Ptr(true)})

	out := agg.ValuesToWrite()
	require.Len(t, out, 3)
	require.Equal(t, domain.ValidatorIndex(3), out[0].ValID)
	require.Equal(t, domain.ValidatorIndex(5), out[1].ValID)
	require.Equal(t, domain.ValidatorIndex(9), out[2].ValID)
	for _, s := range out {
		require.Nil(t, s.AttMeta, "transient metadata must not reach storage")
		require.Nil(t, s.SyncMeta, "transient metadata must not reach storage")
	}

	// The stripped view must not destroy the in-memory metadata.
	full, _ := agg.Get(9)
	require.NotNil(t, full.AttMeta)
}

func TestAggregatorClear(t *testing.T) {
	agg := NewSummaryAggregator()
	agg.StartEpoch(1)
	agg.Set(7, domain.SummaryUpdate{AttHappened: domain.Ptr(true)})
	agg.SetMeta(domain.MetaUpdate{ActiveValidators: domain.Ptr(uint64(100))})

	agg.Clear()
	agg.ClearMeta()

	require.Empty(t, agg.ValuesToWrite())
	require.Equal(t, domain.EpochMeta{}, agg.GetMeta())
}

func TestAggregatorStartEpochResets(t *testing.T) {
	agg := NewSummaryAggregator()
	agg.StartEpoch(1)
	agg.Set(7, domain.SummaryUpdate{AttHappened: domain.Ptr(true)})

	agg.StartEpoch(2)
	require.Empty(t, agg.ValuesToWrite())
	require.Equal(t, domain.Epoch(2), agg.GetMeta().Epoch)
}
