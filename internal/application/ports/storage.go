package ports

import (
	"context"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

// StatsStorage is the analytical time-series store the pipeline persists to
// and the alert engine reads back from.
type StatsStorage interface {
	// WriteSummaries inserts one epoch's validator duty summaries, batched in
	// fixed-size chunks with bounded retries per chunk.
	WriteSummaries(ctx context.Context, summaries []domain.ValidatorDutySummary) error

	// WriteEpochMeta inserts the epoch-wide aggregate row.
	WriteEpochMeta(ctx context.Context, meta domain.EpochMeta) error

	// LastProcessedSlot returns the highest slot already persisted, 0 when
	// the store is empty.
	LastProcessedSlot(ctx context.Context) (domain.Slot, error)

	// OperatorStats returns per-operator health aggregates for an epoch,
	// feeding the alert rules.
	OperatorStats(ctx context.Context, epoch domain.Epoch) ([]domain.OperatorStats, error)
}
