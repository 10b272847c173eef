package services

import (
	"sort"
	"sync"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

// SummaryAggregator exclusively owns the in-memory summary and meta maps for
// the epoch currently being processed. The duty passes run concurrently and
// merge partial updates keyed by validator index; arrival order must not
// affect the merged result, which the schema-aware merge guarantees for the
// disjoint fields each pass writes.
type SummaryAggregator struct {
	mu        sync.Mutex
	epoch     domain.Epoch
	summaries map[domain.ValidatorIndex]*domain.ValidatorDutySummary
	meta      domain.EpochMeta
}

// NewSummaryAggregator returns an empty aggregator.
func NewSummaryAggregator() *SummaryAggregator {
	return &SummaryAggregator{
		summaries: make(map[domain.ValidatorIndex]*domain.ValidatorDutySummary),
	}
}

// StartEpoch binds the aggregator to the epoch about to be processed. The
// maps must already be clear; starting an epoch on top of stale state would
// corrupt the aggregation, so this resets defensively as well.
func (a *SummaryAggregator) StartEpoch(epoch domain.Epoch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epoch = epoch
	a.summaries = make(map[domain.ValidatorIndex]*domain.ValidatorDutySummary)
	a.meta = domain.EpochMeta{Epoch: epoch}
}

// Set deep-merges a partial update into the validator's summary, creating the
// record if absent. Fields not present in the update are preserved.
func (a *SummaryAggregator) Set(valID domain.ValidatorIndex, update domain.SummaryUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.summaries[valID]
	if !ok {
		s = &domain.ValidatorDutySummary{Epoch: a.epoch, ValID: valID}
		a.summaries[valID] = s
	}
	domain.MergeSummary(s, update)
}

// Get returns a copy of the validator's summary.
func (a *SummaryAggregator) Get(valID domain.ValidatorIndex) (domain.ValidatorDutySummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.summaries[valID]
	if !ok {
		return domain.ValidatorDutySummary{}, false
	}
	return *s, true
}

// SetMeta deep-merges a partial update into the epoch-wide metadata.
func (a *SummaryAggregator) SetMeta(update domain.MetaUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	domain.MergeMeta(&a.meta, update)
}

// GetMeta returns a copy of the epoch-wide metadata.
func (a *SummaryAggregator) GetMeta() domain.EpochMeta {
	a.mu.Lock()
	defer a.mu.Unlock()
	meta := a.meta
	meta.SyncBlocks = append([]domain.Slot(nil), a.meta.SyncBlocks...)
	return meta
}

// ValuesToWrite returns all summaries with the transient pass-to-pass
// metadata stripped, ordered by validator index. Only this view may reach
// persistent storage.
func (a *SummaryAggregator) ValuesToWrite() []domain.ValidatorDutySummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.ValidatorDutySummary, 0, len(a.summaries))
	for _, s := range a.summaries {
		out = append(out, s.StripTransient())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValID < out[j].ValID })
	return out
}

// Clear drops the summary map. Must run after the epoch's summaries are
// durably persisted and before the next epoch begins.
func (a *SummaryAggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries = make(map[domain.ValidatorIndex]*domain.ValidatorDutySummary)
}

// ClearMeta drops the epoch-wide metadata, same ordering contract as Clear.
func (a *SummaryAggregator) ClearMeta() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.meta = domain.EpochMeta{}
}
