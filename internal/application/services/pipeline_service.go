package services

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
	"github.com/stakewatch/validators-monitor/internal/application/ports"
	"github.com/stakewatch/validators-monitor/internal/logger"
	"github.com/stakewatch/validators-monitor/internal/metrics"
)

// Pipeline is the single logical worker driving the whole system: compute the
// next epoch-boundary target, wait for finality, then run
// fetch -> resolve -> aggregate -> persist -> alert for that epoch before
// looping. Epochs are strictly sequential; the aggregation state is
// single-buffered and reused.
type Pipeline struct {
	beacon    ports.BeaconChainAdapter
	storage   ports.StatsStorage
	registry  ports.KeysRegistry
	scheduler *EpochScheduler
	resolver  *DutyResolver
	agg       *SummaryAggregator
	alerts    *AlertEngine

	slotsPerEpoch uint64
	slotDuration  time.Duration

	sleep func(time.Duration)
	log   zerolog.Logger
}

// NewPipeline wires the worker.
func NewPipeline(
	beacon ports.BeaconChainAdapter,
	storage ports.StatsStorage,
	registry ports.KeysRegistry,
	scheduler *EpochScheduler,
	resolver *DutyResolver,
	agg *SummaryAggregator,
	alerts *AlertEngine,
	slotsPerEpoch uint64,
	slotDuration time.Duration,
) *Pipeline {
	return &Pipeline{
		beacon:        beacon,
		storage:       storage,
		registry:      registry,
		scheduler:     scheduler,
		resolver:      resolver,
		agg:           agg,
		alerts:        alerts,
		slotsPerEpoch: slotsPerEpoch,
		slotDuration:  slotDuration,
		sleep:         time.Sleep,
		log:           logger.For("pipeline"),
	}
}

// Run drives the loop until the context is cancelled. Any failure inside a
// cycle is cycle-fatal but never process-fatal: the aggregation state is
// cleared, the worker pauses one slot duration and retries the same target
// from scratch.
func (p *Pipeline) Run(ctx context.Context) {
	last, err := p.storage.LastProcessedSlot(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("reading resume point, starting from configured floor")
	}
	p.scheduler.SetLatestProcessedSlot(last)

	if version, err := p.beacon.GetNodeVersion(ctx); err == nil {
		p.log.Info().Str("version", version).Msg("consensus node")
	}

	for ctx.Err() == nil {
		target := p.scheduler.CalculateNextFinalizedSlot()

		chainSlot, err := p.scheduler.WaitForNextFinalizedSlot(ctx, target)
		if err != nil {
			p.log.Error().Err(err).Uint64("target", uint64(target)).Msg("waiting for finality")
			p.sleep(p.slotDuration)
			continue
		}
		if chainSlot.SlotToWrite == 0 {
			// Finality not there yet; the scheduler already slept.
			continue
		}

		if err := p.processEpoch(ctx, chainSlot); err != nil {
			p.log.Error().Err(err).Uint64("target", uint64(target)).Msg("pipeline cycle failed, retrying same target")
			// No partial epoch state survives a failure.
			p.agg.Clear()
			p.agg.ClearMeta()
			metrics.PipelineFailures.Inc()
			p.sleep(p.slotDuration)
			continue
		}

		p.scheduler.SetLatestProcessedSlot(chainSlot.SlotToWrite)
		metrics.LastProcessedSlot.Set(float64(chainSlot.SlotToWrite))
	}
}

func (p *Pipeline) processEpoch(ctx context.Context, chainSlot domain.ChainSlot) error {
	epoch := chainSlot.SlotToWrite.EpochOf(p.slotsPerEpoch)
	stateID := string(chainSlot.StateRoot)
	started := time.Now()
	p.log.Info().
		Uint64("epoch", uint64(epoch)).
		Uint64("slot", uint64(chainSlot.SlotToWrite)).
		Uint64("state_slot", uint64(chainSlot.SlotNumber)).
		Msg("processing epoch")

	p.agg.StartEpoch(epoch)

	if err := p.registry.Update(ctx); err != nil {
		return errors.Wrap(err, "updating key registry")
	}

	monitored, err := p.resolver.ProcessBalances(ctx, epoch, stateID)
	if err != nil {
		return err
	}
	if len(monitored) == 0 {
		p.log.Warn().Uint64("epoch", uint64(epoch)).Msg("no monitored validators found in state")
	}
	monitoredSet := make(map[domain.ValidatorIndex]struct{}, len(monitored))
	for _, idx := range monitored {
		monitoredSet[idx] = struct{}{}
	}

	// The three duty passes only touch disjoint summary fields and merge by
	// validator index, so they can hit the chain API concurrently without
	// affecting the final result.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var passErr error
	fail := func(err error) {
		mu.Lock()
		if passErr == nil {
			passErr = err
		}
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		duties, err := p.beacon.GetCanonicalAttesterDuties(ctx, epoch, monitored)
		if err != nil {
			fail(errors.Wrap(err, "fetching attester duties"))
			return
		}
		if err := p.resolver.ProcessAttestations(ctx, epoch, stateID, duties); err != nil {
			fail(err)
		}
	}()
	go func() {
		defer wg.Done()
		duties, err := p.beacon.GetCanonicalProposerDuties(ctx, epoch)
		if err != nil {
			fail(errors.Wrap(err, "fetching proposer duties"))
			return
		}
		if err := p.resolver.ProcessProposals(ctx, epoch, duties, monitoredSet); err != nil {
			fail(err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := p.resolver.ProcessSyncCommittee(ctx, epoch, stateID, monitoredSet); err != nil {
			fail(err)
		}
	}()
	wg.Wait()
	if passErr != nil {
		return passErr
	}

	p.resolver.ProcessRewards(epoch)

	summaries := p.agg.ValuesToWrite()
	if err := p.storage.WriteSummaries(ctx, summaries); err != nil {
		return errors.Wrap(err, "persisting summaries")
	}
	if err := p.storage.WriteEpochMeta(ctx, p.agg.GetMeta()); err != nil {
		return errors.Wrap(err, "persisting epoch meta")
	}
	metrics.SummariesWritten.Add(float64(len(summaries)))

	// Hard ordering invariant: the maps must be empty before the next epoch
	// starts aggregating.
	p.agg.Clear()
	p.agg.ClearMeta()

	p.alerts.Fire(ctx, epoch, chainSlot.SlotToWrite)

	p.log.Info().
		Uint64("epoch", uint64(epoch)).
		Int("summaries", len(summaries)).
		Dur("took", time.Since(started)).
		Msg("epoch processed")
	return nil
}
