package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
	"github.com/stakewatch/validators-monitor/internal/application/ports"
	"github.com/stakewatch/validators-monitor/internal/logger"
)

// EpochScheduler decides which epoch-boundary slot to process next and waits
// for chain finality to reach it.
type EpochScheduler struct {
	beacon        ports.BeaconChainAdapter
	slotsPerEpoch uint64
	slotDuration  time.Duration
	startSlot     domain.Slot

	latestProcessedSlot domain.Slot

	sleep func(time.Duration)
	log   zerolog.Logger
}

// NewEpochScheduler constructs a scheduler. startSlot is the configured floor
// below which no epoch is ever processed.
func NewEpochScheduler(beacon ports.BeaconChainAdapter, slotsPerEpoch uint64, slotDuration time.Duration, startSlot domain.Slot) *EpochScheduler {
	return &EpochScheduler{
		beacon:        beacon,
		slotsPerEpoch: slotsPerEpoch,
		slotDuration:  slotDuration,
		startSlot:     startSlot,
		sleep:         time.Sleep,
		log:           logger.For("scheduler"),
	}
}

// SetLatestProcessedSlot records the resume point, normally loaded from
// storage at startup and advanced after each fully persisted epoch.
func (s *EpochScheduler) SetLatestProcessedSlot(slot domain.Slot) {
	s.latestProcessedSlot = slot
}

// LatestProcessedSlot returns the current resume point.
func (s *EpochScheduler) LatestProcessedSlot() domain.Slot {
	return s.latestProcessedSlot
}

// CalculateNextFinalizedSlot returns the next epoch-boundary slot to process:
// the last slot of the epoch containing max(latestProcessedSlot, startSlot),
// or of the following epoch when that boundary is already processed. Targets
// are strictly increasing and epoch-aligned; a partial epoch is never
// processed twice.
func (s *EpochScheduler) CalculateNextFinalizedSlot() domain.Slot {
	starting := s.latestProcessedSlot
	if s.startSlot > starting {
		starting = s.startSlot
	}
	step := domain.Slot(s.slotsPerEpoch)
	epoch := starting / step
	lastSlotOfEpoch := epoch*step + step - 1
	if starting == lastSlotOfEpoch {
		lastSlotOfEpoch += step
	}
	return lastSlotOfEpoch
}

// WaitForNextFinalizedSlot checks whether finality has reached the target. If
// it has, the target is resolved to a concrete state to fetch: the exact
// header when the slot has a block, otherwise the nearest earlier real block
// (the epoch is still processed under the requested slot number). If finality
// is not there yet, the scheduler sleeps one slot duration and returns
// SlotToWrite == 0 so the driver loop retries.
func (s *EpochScheduler) WaitForNextFinalizedSlot(ctx context.Context, target domain.Slot) (domain.ChainSlot, error) {
	finalized, err := s.beacon.GetFinalizedBlockHeader(ctx)
	if err != nil {
		return domain.ChainSlot{}, err
	}

	if finalized.Slot >= target && target > s.latestProcessedSlot {
		header, missed, err := s.beacon.GetBeaconBlockHeaderOrPreviousIfMissed(ctx, target)
		if err != nil {
			return domain.ChainSlot{}, err
		}
		if missed {
			s.log.Info().
				Uint64("target", uint64(target)).
				Uint64("resolved", uint64(header.Slot)).
				Msg("target slot missed, processing under nearest earlier block")
		}
		return domain.ChainSlot{
			SlotToWrite: target,
			StateRoot:   header.StateRoot,
			SlotNumber:  header.Slot,
		}, nil
	}

	s.log.Debug().
		Uint64("finalized", uint64(finalized.Slot)).
		Uint64("target", uint64(target)).
		Msg("finality has not reached target yet")
	s.sleep(s.slotDuration)
	return domain.ChainSlot{}, nil
}
