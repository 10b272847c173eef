package services

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

// fakeBeacon is a synthetic chain implementing ports.BeaconChainAdapter.
// Slots absent from headers/blocks are missed.
type fakeBeacon struct {
	genesis   int64
	version   string
	finalized domain.BlockHeader
	headers   map[domain.Slot]domain.BlockHeader
	blocks    map[domain.Slot]domain.BlockInfo

	attDuties   []domain.AttesterDuty
	propDuties  []domain.ProposerDuty
	committees  domain.EpochCommittees
	syncMembers []domain.ValidatorIndex
	validators  []domain.Validator

	finalizedErr error
}

func (f *fakeBeacon) GetGenesisTime(ctx context.Context) (int64, error)  { return f.genesis, nil }
func (f *fakeBeacon) GetNodeVersion(ctx context.Context) (string, error) { return f.version, nil }

func (f *fakeBeacon) GetFinalizedBlockHeader(ctx context.Context) (domain.BlockHeader, error) {
	if f.finalizedErr != nil {
		return domain.BlockHeader{}, f.finalizedErr
	}
	return f.finalized, nil
}

func (f *fakeBeacon) GetBeaconBlockHeader(ctx context.Context, slot domain.Slot) (domain.BlockHeader, error) {
	h, ok := f.headers[slot]
	if !ok {
		return domain.BlockHeader{}, errors.Wrapf(domain.ErrNotFound, "slot %d", slot)
	}
	return h, nil
}

func (f *fakeBeacon) GetBeaconBlockHeaderOrPreviousIfMissed(ctx context.Context, slot domain.Slot) (domain.BlockHeader, bool, error) {
	if h, ok := f.headers[slot]; ok {
		return h, false, nil
	}
	for s := slot; s > 0; s-- {
		if h, ok := f.headers[s-1]; ok {
			return h, true, nil
		}
	}
	return domain.BlockHeader{}, false, errors.Wrapf(domain.ErrDepthExceeded, "no block at or before slot %d", slot)
}

func (f *fakeBeacon) GetBlockInfoWithSlotAttestations(ctx context.Context, slot domain.Slot) (domain.AttestationCandidates, error) {
	var missed []domain.Slot
	for i := domain.Slot(1); i <= 8; i++ {
		if info, ok := f.blocks[slot+i]; ok {
			return domain.AttestationCandidates{Block: &info, MissedSlots: missed}, nil
		}
		missed = append(missed, slot+i)
	}
	return domain.AttestationCandidates{MissedSlots: missed}, nil
}

func (f *fakeBeacon) GetBlockInfo(ctx context.Context, slot domain.Slot) (domain.BlockInfo, error) {
	info, ok := f.blocks[slot]
	if !ok {
		return domain.BlockInfo{}, errors.Wrapf(domain.ErrNotFound, "slot %d", slot)
	}
	return info, nil
}

func (f *fakeBeacon) GetCanonicalAttesterDuties(ctx context.Context, epoch domain.Epoch, indices []domain.ValidatorIndex) ([]domain.AttesterDuty, error) {
	return f.attDuties, nil
}

func (f *fakeBeacon) GetCanonicalProposerDuties(ctx context.Context, epoch domain.Epoch) ([]domain.ProposerDuty, error) {
	return f.propDuties, nil
}

func (f *fakeBeacon) GetEpochCommittees(ctx context.Context, stateID string, epoch domain.Epoch) (domain.EpochCommittees, error) {
	return f.committees, nil
}

func (f *fakeBeacon) GetSyncCommitteeValidators(ctx context.Context, stateID string) ([]domain.ValidatorIndex, error) {
	return f.syncMembers, nil
}

func (f *fakeBeacon) GetValidators(ctx context.Context, stateID string) ([]domain.Validator, error) {
	return f.validators, nil
}

// chainWithout builds a linear header/block chain over [0, last] skipping the
// given slots, each header's parent pointing at the previous non-missed slot.
func chainWithout(last domain.Slot, skip ...domain.Slot) (map[domain.Slot]domain.BlockHeader, map[domain.Slot]domain.BlockInfo) {
	skipped := make(map[domain.Slot]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	headers := make(map[domain.Slot]domain.BlockHeader)
	blocks := make(map[domain.Slot]domain.BlockInfo)
	var parent domain.Root
	for s := domain.Slot(0); s <= last; s++ {
		if skipped[s] {
			continue
		}
		h := domain.BlockHeader{
			Slot:       s,
			BlockRoot:  rootAt(s),
			ParentRoot: parent,
			StateRoot:  domain.Root("0xstate" + rootAt(s)[2:]),
		}
		headers[s] = h
		blocks[s] = domain.BlockInfo{Header: h}
		parent = h.BlockRoot
	}
	return headers, blocks
}

func rootAt(s domain.Slot) domain.Root {
	return domain.Root("0xroot" + string(rune('a'+s%26)) + string(rune('0'+s/26%10)))
}

// fakeRegistry implements ports.KeysRegistry over a fixed map.
type fakeRegistry struct {
	keys    map[string]domain.RegistryKey
	updates int
}

func (r *fakeRegistry) Update(ctx context.Context) error { r.updates++; return nil }

func (r *fakeRegistry) OperatorKey(pubKey string) (domain.RegistryKey, bool) {
	k, ok := r.keys[pubKey]
	return k, ok
}

func (r *fakeRegistry) Size() int { return len(r.keys) }

// fakeStorage implements ports.StatsStorage in memory.
type fakeStorage struct {
	mu        sync.Mutex
	summaries []domain.ValidatorDutySummary
	metas     []domain.EpochMeta
	lastSlot  domain.Slot
	stats     []domain.OperatorStats
	statsErr  error
}

func (s *fakeStorage) WriteSummaries(ctx context.Context, summaries []domain.ValidatorDutySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summaries...)
	return nil
}

func (s *fakeStorage) WriteEpochMeta(ctx context.Context, meta domain.EpochMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas = append(s.metas, meta)
	return nil
}

func (s *fakeStorage) LastProcessedSlot(ctx context.Context) (domain.Slot, error) {
	return s.lastSlot, nil
}

func (s *fakeStorage) OperatorStats(ctx context.Context, epoch domain.Epoch) ([]domain.OperatorStats, error) {
	if s.statsErr != nil {
		return nil, s.statsErr
	}
	return s.stats, nil
}

// fakeSink implements ports.AlertSink, recording sends and optionally failing.
type fakeSink struct {
	mu         sync.Mutex
	configured bool
	failNext   bool
	sent       []domain.Alert
}

func (s *fakeSink) Configured() bool { return s.configured }

func (s *fakeSink) Send(ctx context.Context, alert domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("delivery refused")
	}
	s.sent = append(s.sent, alert)
	return nil
}

func (s *fakeSink) sentNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sent))
	for _, a := range s.sent {
		names = append(names, a.Name)
	}
	return names
}
