package adapters

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
	"github.com/stakewatch/validators-monitor/internal/application/ports"
	"github.com/stakewatch/validators-monitor/internal/logger"
)

const createSummariesTable = `
CREATE TABLE IF NOT EXISTS validator_summaries (
	epoch               BIGINT NOT NULL,
	val_id              BIGINT NOT NULL,
	operator_index      BIGINT NOT NULL,
	operator_name       TEXT NOT NULL,
	slashed             BOOLEAN NOT NULL,
	status              TEXT NOT NULL,
	balance             BIGINT NOT NULL,
	effective_balance   BIGINT NOT NULL,
	is_proposer         BOOLEAN NOT NULL,
	block_proposed      BOOLEAN NOT NULL,
	is_sync             BOOLEAN NOT NULL,
	sync_percent        DOUBLE PRECISION NOT NULL,
	att_happened        BOOLEAN NOT NULL,
	att_inc_delay       BIGINT NOT NULL,
	att_valid_head      BOOLEAN NOT NULL,
	att_valid_target    BOOLEAN NOT NULL,
	att_valid_source    BOOLEAN NOT NULL,
	att_earned_reward   BIGINT NOT NULL,
	att_missed_reward   BIGINT NOT NULL,
	att_penalty         BIGINT NOT NULL,
	sync_earned_reward  BIGINT NOT NULL,
	sync_missed_reward  BIGINT NOT NULL,
	sync_penalty        BIGINT NOT NULL,
	prop_earned_reward  BIGINT NOT NULL,
	prop_missed_reward  BIGINT NOT NULL,
	prop_penalty        BIGINT NOT NULL,
	PRIMARY KEY (epoch, val_id)
)`

const createEpochMetaTable = `
CREATE TABLE IF NOT EXISTS epoch_meta (
	epoch                    BIGINT PRIMARY KEY,
	processed_slot           BIGINT NOT NULL,
	active_validators        BIGINT NOT NULL,
	total_balance_increments BIGINT NOT NULL,
	base_reward              BIGINT NOT NULL,
	source_participation     DOUBLE PRECISION NOT NULL,
	target_participation     DOUBLE PRECISION NOT NULL,
	head_participation       DOUBLE PRECISION NOT NULL,
	att_reward_per_block     BIGINT NOT NULL,
	sync_reward_per_block    BIGINT NOT NULL,
	sync_blocks              BIGINT[] NOT NULL
)`

const insertSummary = `
INSERT INTO validator_summaries (
	epoch, val_id, operator_index, operator_name, slashed, status,
	balance, effective_balance, is_proposer, block_proposed, is_sync,
	sync_percent, att_happened, att_inc_delay, att_valid_head,
	att_valid_target, att_valid_source, att_earned_reward,
	att_missed_reward, att_penalty, sync_earned_reward,
	sync_missed_reward, sync_penalty, prop_earned_reward,
	prop_missed_reward, prop_penalty
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
ON CONFLICT (epoch, val_id) DO NOTHING`

const operatorStatsQuery = `
SELECT s.operator_name,
	COUNT(*) FILTER (WHERE s.status LIKE 'active%'),
	COUNT(*) FILTER (WHERE p.balance IS NOT NULL AND s.balance < p.balance),
	COUNT(*) FILTER (WHERE s.is_proposer AND NOT s.block_proposed),
	COUNT(*) FILTER (WHERE NOT s.att_happened),
	COUNT(*) FILTER (WHERE s.slashed)
FROM validator_summaries s
LEFT JOIN validator_summaries p ON p.epoch = s.epoch - 1 AND p.val_id = s.val_id
WHERE s.epoch = $1 AND s.operator_name <> ''
GROUP BY s.operator_name`

// PgStorage persists duty summaries and epoch metadata to Postgres and serves
// the alert engine's read-back queries.
type PgStorage struct {
	pool          *pgxpool.Pool
	chunkSize     int
	retries       uint64
	slotsPerEpoch uint64
	log           zerolog.Logger
}

var _ ports.StatsStorage = (*PgStorage)(nil)

// NewPgStorage connects the pool and ensures the schema exists.
func NewPgStorage(ctx context.Context, databaseURL string, maxConns int32, chunkSize int, retries uint64, slotsPerEpoch uint64) (*PgStorage, error) {
	connConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing DATABASE_URL")
	}
	connConfig.MaxConns = maxConns
	pool, err := pgxpool.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, errors.Wrap(err, "connecting storage")
	}

	s := &PgStorage{
		pool:          pool,
		chunkSize:     chunkSize,
		retries:       retries,
		slotsPerEpoch: slotsPerEpoch,
		log:           logger.For("storage"),
	}
	for _, ddl := range []string{createSummariesTable, createEpochMetaTable} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "creating schema")
		}
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PgStorage) Close() {
	s.pool.Close()
}

// WriteSummaries inserts summaries in fixed-size chunks. Each chunk is sent as
// one batch and retried with exponential backoff up to the bounded attempt
// count before the epoch's write is declared failed.
func (s *PgStorage) WriteSummaries(ctx context.Context, summaries []domain.ValidatorDutySummary) error {
	for off := 0; off < len(summaries); off += s.chunkSize {
		end := off + s.chunkSize
		if end > len(summaries) {
			end = len(summaries)
		}
		chunk := summaries[off:end]

		op := func() error {
			return s.insertChunk(ctx, chunk)
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			return errors.Wrapf(err, "inserting summaries chunk [%d:%d]", off, end)
		}
	}
	s.log.Debug().Int("rows", len(summaries)).Msg("summaries written")
	return nil
}

func (s *PgStorage) insertChunk(ctx context.Context, chunk []domain.ValidatorDutySummary) error {
	batch := &pgx.Batch{}
	for _, r := range chunk {
		batch.Queue(insertSummary,
			uint64(r.Epoch), uint64(r.ValID), r.OperatorIndex, r.OperatorName, r.Slashed, r.Status,
			uint64(r.Balance), uint64(r.EffectiveBalance), r.IsProposer, r.BlockProposed, r.IsSync,
			r.SyncPercent, r.AttHappened, r.AttIncDelay, r.AttValidHead,
			r.AttValidTarget, r.AttValidSource, r.AttEarnedReward,
			r.AttMissedReward, r.AttPenalty, r.SyncEarnedReward,
			r.SyncMissedReward, r.SyncPenalty, r.PropEarnedReward,
			r.PropMissedReward, r.PropPenalty,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunk {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// WriteEpochMeta inserts the epoch aggregate row. The processed slot column
// doubles as the scheduler's resume point.
func (s *PgStorage) WriteEpochMeta(ctx context.Context, meta domain.EpochMeta) error {
	syncBlocks := make([]int64, 0, len(meta.SyncBlocks))
	for _, b := range meta.SyncBlocks {
		syncBlocks = append(syncBlocks, int64(b))
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO epoch_meta (
	epoch, processed_slot, active_validators, total_balance_increments,
	base_reward, source_participation, target_participation,
	head_participation, att_reward_per_block, sync_reward_per_block, sync_blocks
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (epoch) DO NOTHING`,
		uint64(meta.Epoch), uint64(meta.Epoch.LastSlot(s.slotsPerEpoch)), meta.ActiveValidators, meta.TotalBalanceIncrements,
		meta.BaseReward, meta.SourceParticipation, meta.TargetParticipation,
		meta.HeadParticipation, meta.AttRewardPerBlock, meta.SyncRewardPerBlock, syncBlocks,
	)
	return errors.Wrapf(err, "inserting epoch meta %d", meta.Epoch)
}

// LastProcessedSlot returns the highest persisted slot, 0 for an empty store.
func (s *PgStorage) LastProcessedSlot(ctx context.Context) (domain.Slot, error) {
	var slot int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(processed_slot), 0) FROM epoch_meta`).Scan(&slot)
	if err != nil {
		return 0, errors.Wrap(err, "querying last processed slot")
	}
	return domain.Slot(slot), nil
}

// OperatorStats aggregates per-operator health for an epoch. Negative balance
// deltas are derived against the previous epoch's rows.
func (s *PgStorage) OperatorStats(ctx context.Context, epoch domain.Epoch) ([]domain.OperatorStats, error) {
	rows, err := s.pool.Query(ctx, operatorStatsQuery, uint64(epoch))
	if err != nil {
		return nil, errors.Wrapf(err, "querying operator stats for epoch %d", epoch)
	}
	defer rows.Close()

	var out []domain.OperatorStats
	for rows.Next() {
		var st domain.OperatorStats
		if err := rows.Scan(&st.OperatorName, &st.ActiveValidators, &st.NegativeDelta,
			&st.MissedProposals, &st.MissedAttestations, &st.Slashed); err != nil {
			return nil, errors.Wrap(err, "scanning operator stats")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
