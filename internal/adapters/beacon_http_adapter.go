package adapters

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
	"github.com/stakewatch/validators-monitor/internal/application/ports"
	"github.com/stakewatch/validators-monitor/internal/logger"
	"github.com/stakewatch/validators-monitor/internal/metrics"
)

// attSearchWindow bounds the forward search for the block expected to carry a
// slot's attestations.
const attSearchWindow = 8

const headerCacheSize = 1024
const blockCacheSize = 64

// BeaconAdapter implements ports.BeaconChainAdapter over one or two consensus
// endpoints. It owns the retry/fallback policy: transient failures are retried
// against the primary with a fixed delay, then the whole retry budget is
// repeated against the fallback endpoint if one is configured. What counts as
// retryable is decided per call; a 404 on a header lookup is a stable "missed
// slot" answer, never a fault.
type BeaconAdapter struct {
	primary  beaconNode
	fallback beaconNode

	retryCount    int
	retryDelay    time.Duration
	maxDepth      uint64
	dutiesChunk   int
	slotsPerEpoch uint64

	headerCache *lru.Cache // root -> domain.BlockHeader
	blockCache  *lru.Cache // slot -> cachedBlock

	mu          sync.Mutex
	genesisTime int64
	version     string

	sleep func(time.Duration)
	log   zerolog.Logger
}

type cachedBlock struct {
	info   domain.BlockInfo
	missed bool
}

// BeaconAdapterConfig carries the adapter's policy knobs.
type BeaconAdapterConfig struct {
	PrimaryURL    string
	FallbackURL   string
	RetryCount    int
	RetryDelay    time.Duration
	MaxDepth      uint64
	DutiesChunk   int
	SlotsPerEpoch uint64
}

// NewBeaconAdapter connects the configured endpoints and returns the adapter.
func NewBeaconAdapter(ctx context.Context, cfg BeaconAdapterConfig) (*BeaconAdapter, error) {
	primary, err := newEth2Node(ctx, cfg.PrimaryURL)
	if err != nil {
		return nil, err
	}
	var fallback beaconNode
	if cfg.FallbackURL != "" {
		fb, err := newEth2Node(ctx, cfg.FallbackURL)
		if err != nil {
			return nil, err
		}
		fallback = fb
	}
	return newBeaconAdapter(primary, fallback, cfg), nil
}

func newBeaconAdapter(primary, fallback beaconNode, cfg BeaconAdapterConfig) *BeaconAdapter {
	headerCache, _ := lru.New(headerCacheSize)
	blockCache, _ := lru.New(blockCacheSize)
	return &BeaconAdapter{
		primary:       primary,
		fallback:      fallback,
		retryCount:    cfg.RetryCount,
		retryDelay:    cfg.RetryDelay,
		maxDepth:      cfg.MaxDepth,
		dutiesChunk:   cfg.DutiesChunk,
		slotsPerEpoch: cfg.SlotsPerEpoch,
		headerCache:   headerCache,
		blockCache:    blockCache,
		sleep:         time.Sleep,
		log:           logger.For("beacon"),
	}
}

var _ ports.BeaconChainAdapter = (*BeaconAdapter)(nil)

// retryTransient is the default retryable predicate: only transport/HTTP
// failures are worth repeating. NotFound, DepthExceeded and chain-invariant
// violations are final answers.
func retryTransient(err error) bool {
	return errors.Is(err, domain.ErrRequest)
}

type callOpts struct {
	name      string
	retries   int
	retryable func(error) bool
}

// do runs fn against the primary under the retry budget, then against the
// fallback with a fresh budget when the failure class is retryable. With no
// fallback configured the original error surfaces.
func (a *BeaconAdapter) do(ctx context.Context, opts callOpts, fn func(node beaconNode) error) error {
	err := a.attempt(ctx, a.primary, "primary", opts, fn)
	if err == nil || !opts.retryable(err) {
		return err
	}
	if a.fallback == nil {
		return err
	}
	a.log.Warn().Str("call", opts.name).Err(err).Msg("primary endpoint exhausted, switching to fallback")
	if fbErr := a.attempt(ctx, a.fallback, "fallback", opts, fn); fbErr != nil {
		return fbErr
	}
	return nil
}

func (a *BeaconAdapter) attempt(ctx context.Context, node beaconNode, role string, opts callOpts, fn func(node beaconNode) error) error {
	var err error
	for i := 0; i <= opts.retries; i++ {
		if i > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.sleep(a.retryDelay)
		}
		start := time.Now()
		err = fn(node)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.BeaconRequestDuration.WithLabelValues(role, outcome).Observe(time.Since(start).Seconds())
		if err == nil || !opts.retryable(err) {
			return err
		}
		a.log.Debug().Str("call", opts.name).Str("endpoint", role).Int("attempt", i+1).Err(err).Msg("request failed")
	}
	return err
}

func (a *BeaconAdapter) GetGenesisTime(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.genesisTime != 0 {
		return a.genesisTime, nil
	}
	var t int64
	err := a.do(ctx, callOpts{name: "genesis", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
		var err error
		t, err = node.Genesis(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	a.genesisTime = t
	return t, nil
}

func (a *BeaconAdapter) GetNodeVersion(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.version != "" {
		return a.version, nil
	}
	var v string
	err := a.do(ctx, callOpts{name: "node_version", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
		var err error
		v, err = node.NodeVersion(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	a.version = v
	return v, nil
}

func (a *BeaconAdapter) GetFinalizedBlockHeader(ctx context.Context) (domain.BlockHeader, error) {
	var h domain.BlockHeader
	err := a.do(ctx, callOpts{name: "finalized_header", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
		var err error
		h, err = node.FinalizedHeader(ctx)
		return err
	})
	return h, err
}

func (a *BeaconAdapter) GetBeaconBlockHeader(ctx context.Context, slot domain.Slot) (domain.BlockHeader, error) {
	var h domain.BlockHeader
	err := a.do(ctx, callOpts{name: "header_by_slot", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
		var err error
		h, err = node.HeaderBySlot(ctx, slot)
		return err
	})
	return h, err
}

func (a *BeaconAdapter) headerByRoot(ctx context.Context, root domain.Root) (domain.BlockHeader, error) {
	if cached, ok := a.headerCache.Get(root); ok {
		return cached.(domain.BlockHeader), nil
	}
	var h domain.BlockHeader
	err := a.do(ctx, callOpts{name: "header_by_root", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
		var err error
		h, err = node.HeaderByRoot(ctx, root)
		return err
	})
	if err != nil {
		return domain.BlockHeader{}, err
	}
	a.headerCache.Add(root, h)
	return h, nil
}

// GetNextNotMissedBlockHeader probes forward one slot at a time until a
// non-missed header is found or the depth bound is exhausted.
func (a *BeaconAdapter) GetNextNotMissedBlockHeader(ctx context.Context, slot domain.Slot) (domain.BlockHeader, error) {
	for depth := uint64(0); depth < a.maxDepth; depth++ {
		h, err := a.GetBeaconBlockHeader(ctx, slot+domain.Slot(depth))
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.BlockHeader{}, err
		}
	}
	return domain.BlockHeader{}, errors.Wrapf(domain.ErrDepthExceeded, "no block in [%d, %d]", slot, uint64(slot)+a.maxDepth-1)
}

// GetPreviousNotMissedBlockHeader probes backward one slot at a time until a
// non-missed header is found or the depth bound is exhausted.
func (a *BeaconAdapter) GetPreviousNotMissedBlockHeader(ctx context.Context, slot domain.Slot) (domain.BlockHeader, error) {
	for depth := uint64(0); depth < a.maxDepth; depth++ {
		if uint64(slot) < depth {
			break
		}
		h, err := a.GetBeaconBlockHeader(ctx, slot-domain.Slot(depth))
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.BlockHeader{}, err
		}
	}
	return domain.BlockHeader{}, errors.Wrapf(domain.ErrDepthExceeded, "no block at or before slot %d", slot)
}

// checkSlotIsMissed decides whether target was skipped on the canonical chain,
// walking the parent chain down from a known later header. It returns the
// header at target when the slot has a block, or (true, closest earlier
// ancestor) when the chain stepped over it.
func (a *BeaconAdapter) checkSlotIsMissed(ctx context.Context, target domain.Slot, next domain.BlockHeader) (bool, domain.BlockHeader, error) {
	if next.Slot < target {
		return false, domain.BlockHeader{}, errors.Wrapf(domain.ErrInconsistentChain,
			"later header at slot %d is below walk target %d", next.Slot, target)
	}
	cur := next
	for depth := uint64(0); depth < a.maxDepth; depth++ {
		if cur.Slot == target {
			return false, cur, nil
		}
		parent, err := a.headerByRoot(ctx, cur.ParentRoot)
		if err != nil {
			return false, domain.BlockHeader{}, err
		}
		if parent.Slot == target {
			return false, parent, nil
		}
		if parent.Slot < target {
			return true, parent, nil
		}
		cur = parent
	}
	return false, domain.BlockHeader{}, errors.Wrapf(domain.ErrDepthExceeded,
		"parent walk from slot %d did not reach %d", next.Slot, target)
}

// GetBeaconBlockHeaderOrPreviousIfMissed resolves a slot to its header, or to
// the nearest previous non-missed header with isMissed=true.
func (a *BeaconAdapter) GetBeaconBlockHeaderOrPreviousIfMissed(ctx context.Context, slot domain.Slot) (domain.BlockHeader, bool, error) {
	next, err := a.GetNextNotMissedBlockHeader(ctx, slot)
	if err != nil {
		return domain.BlockHeader{}, false, err
	}
	missed, h, err := a.checkSlotIsMissed(ctx, slot, next)
	if err != nil {
		return domain.BlockHeader{}, false, err
	}
	return h, missed, nil
}

// GetBlockInfo returns block body data for an exact slot. Both blocks and
// missed slots are cached; the resolver touches the same slots many times
// within one epoch.
func (a *BeaconAdapter) GetBlockInfo(ctx context.Context, slot domain.Slot) (domain.BlockInfo, error) {
	if cached, ok := a.blockCache.Get(slot); ok {
		cb := cached.(cachedBlock)
		if cb.missed {
			return domain.BlockInfo{}, errors.Wrapf(domain.ErrNotFound, "slot %d missed", slot)
		}
		return cb.info, nil
	}
	var info domain.BlockInfo
	err := a.do(ctx, callOpts{name: "block_by_slot", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
		var err error
		info, err = node.BlockBySlot(ctx, slot)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.blockCache.Add(slot, cachedBlock{missed: true})
		}
		return domain.BlockInfo{}, err
	}
	a.blockCache.Add(slot, cachedBlock{info: info})
	return info, nil
}

// GetBlockInfoWithSlotAttestations returns the block expected to contain
// attestations for the given duty slot: the first non-missed block from
// slot+1 within the search window. When the whole window is missed the
// candidates carry no block and the full missed range, so the caller can
// treat the duty as unresolvable rather than failed.
func (a *BeaconAdapter) GetBlockInfoWithSlotAttestations(ctx context.Context, slot domain.Slot) (domain.AttestationCandidates, error) {
	var missed []domain.Slot
	for i := domain.Slot(1); i <= attSearchWindow; i++ {
		info, err := a.GetBlockInfo(ctx, slot+i)
		if err == nil {
			return domain.AttestationCandidates{Block: &info, MissedSlots: missed}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.AttestationCandidates{}, err
		}
		missed = append(missed, slot+i)
	}
	return domain.AttestationCandidates{MissedSlots: missed}, nil
}

// expectedDependentRoot derives the root a duty set for the epoch must have
// been computed against: the block distance slots before the epoch start,
// walked back to the nearest non-missed header.
func (a *BeaconAdapter) expectedDependentRoot(ctx context.Context, epoch domain.Epoch, distance uint64) (domain.Root, error) {
	start := uint64(epoch.FirstSlot(a.slotsPerEpoch))
	var target domain.Slot
	if start > distance {
		target = domain.Slot(start - distance)
	}
	h, _, err := a.GetBeaconBlockHeaderOrPreviousIfMissed(ctx, target)
	if err != nil {
		return "", err
	}
	return h.BlockRoot, nil
}

// GetCanonicalAttesterDuties fetches attester duties in bounded index chunks,
// asserting every chunk's dependent root against the independently derived
// expected root. A mismatch means a reorg invalidated the duty set.
func (a *BeaconAdapter) GetCanonicalAttesterDuties(ctx context.Context, epoch domain.Epoch, indices []domain.ValidatorIndex) ([]domain.AttesterDuty, error) {
	expected, err := a.expectedDependentRoot(ctx, epoch, a.slotsPerEpoch)
	if err != nil {
		return nil, err
	}

	var duties []domain.AttesterDuty
	for off := 0; off < len(indices); off += a.dutiesChunk {
		end := off + a.dutiesChunk
		if end > len(indices) {
			end = len(indices)
		}
		chunk := indices[off:end]

		var chunkDuties []domain.AttesterDuty
		var depRoot domain.Root
		err := a.do(ctx, callOpts{name: "attester_duties", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
			var err error
			chunkDuties, depRoot, err = node.AttesterDuties(ctx, epoch, chunk)
			return err
		})
		if err != nil {
			return nil, err
		}
		if depRoot != expected {
			return nil, errors.Wrapf(domain.ErrDependentRootMismatch,
				"attester duties for epoch %d: got %s, expected %s", epoch, depRoot, expected)
		}
		duties = append(duties, chunkDuties...)
	}
	return duties, nil
}

// GetCanonicalProposerDuties fetches the epoch's proposer duties, asserting
// the dependent root against the last block before the epoch start.
func (a *BeaconAdapter) GetCanonicalProposerDuties(ctx context.Context, epoch domain.Epoch) ([]domain.ProposerDuty, error) {
	expected, err := a.expectedDependentRoot(ctx, epoch, 1)
	if err != nil {
		return nil, err
	}

	var duties []domain.ProposerDuty
	var depRoot domain.Root
	err = a.do(ctx, callOpts{name: "proposer_duties", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
		var err error
		duties, depRoot, err = node.ProposerDuties(ctx, epoch)
		return err
	})
	if err != nil {
		return nil, err
	}
	if depRoot != expected {
		return nil, errors.Wrapf(domain.ErrDependentRootMismatch,
			"proposer duties for epoch %d: got %s, expected %s", epoch, depRoot, expected)
	}
	return duties, nil
}

func (a *BeaconAdapter) GetEpochCommittees(ctx context.Context, stateID string, epoch domain.Epoch) (domain.EpochCommittees, error) {
	var committees domain.EpochCommittees
	err := a.do(ctx, callOpts{name: "committees", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
		var err error
		committees, err = node.Committees(ctx, stateID, epoch)
		return err
	})
	return committees, err
}

func (a *BeaconAdapter) GetSyncCommitteeValidators(ctx context.Context, stateID string) ([]domain.ValidatorIndex, error) {
	var members []domain.ValidatorIndex
	err := a.do(ctx, callOpts{name: "sync_committee", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
		var err error
		members, err = node.SyncCommittee(ctx, stateID)
		return err
	})
	return members, err
}

func (a *BeaconAdapter) GetValidators(ctx context.Context, stateID string) ([]domain.Validator, error) {
	var validators []domain.Validator
	err := a.do(ctx, callOpts{name: "validators", retries: a.retryCount, retryable: retryTransient}, func(node beaconNode) error {
		var err error
		validators, err = node.Validators(ctx, stateID)
		return err
	})
	return validators, err
}
