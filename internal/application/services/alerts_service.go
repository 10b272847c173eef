package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
	"github.com/stakewatch/validators-monitor/internal/application/ports"
	"github.com/stakewatch/validators-monitor/internal/logger"
	"github.com/stakewatch/validators-monitor/internal/metrics"
)

// AlertRule is one operator-health check: compute the current rule result
// from stored stats, decide whether to notify given the previous send, and
// render the notification body.
type AlertRule interface {
	Name() string
	Severity() string
	Evaluate(operators []domain.OperatorStats) domain.RuleResult
	ShouldSend(prev *domain.SentAlertRecord, result domain.RuleResult, now time.Time) bool
	Render(epoch domain.Epoch, result domain.RuleResult, startsAt, endsAt time.Time) domain.Alert
}

// AlertEngineConfig carries the engine's thresholds and intervals.
type AlertEngineConfig struct {
	BadFractionRatio   float64
	MinValidators      uint64
	DefaultInterval    time.Duration
	EscalationInterval time.Duration
	DataStaleAfter     time.Duration
	SlotsPerEpoch      uint64
	SlotDuration       time.Duration
	GenesisTime        int64
}

// AlertEngine evaluates the rule set against stored operator stats each cycle
// and fires alerts with rate limiting and escalation-on-worsening. The sent
// map is the engine's own state, created fresh per instance so tests (and
// restarts) start from a clean baseline.
type AlertEngine struct {
	storage ports.StatsStorage
	sink    ports.AlertSink
	rules   []AlertRule
	cfg     AlertEngineConfig

	mu   sync.Mutex
	sent map[string]domain.SentAlertRecord

	now func() time.Time
	log zerolog.Logger
}

// NewAlertEngine constructs the engine with the standard rule set.
func NewAlertEngine(storage ports.StatsStorage, sink ports.AlertSink, cfg AlertEngineConfig) *AlertEngine {
	base := baseRule{
		ratio:              cfg.BadFractionRatio,
		minValidators:      cfg.MinValidators,
		defaultInterval:    cfg.DefaultInterval,
		escalationInterval: cfg.EscalationInterval,
	}
	return &AlertEngine{
		storage: storage,
		sink:    sink,
		rules: []AlertRule{
			&negativeDeltaRule{baseRule: base.named("NegativeValidatorBalanceDelta", "critical")},
			&missedProposalsRule{baseRule: base.named("MissedBlockProposals", "high")},
			&missedAttestationsRule{baseRule: base.named("MissedAttestations", "high")},
			&slashedValidatorsRule{baseRule: base.named("SlashedValidators", "critical")},
		},
		cfg:  cfg,
		sent: make(map[string]domain.SentAlertRecord),
		now:  time.Now,
		log:  logger.For("alerts"),
	}
}

// Fire runs one evaluation cycle for the epoch just persisted. Stale data and
// a missing delivery target short-circuit the whole cycle as warnings; rule
// failures are isolated from each other and from the caller.
func (e *AlertEngine) Fire(ctx context.Context, epoch domain.Epoch, processedSlot domain.Slot) {
	now := e.now()

	slotTime := time.Unix(e.cfg.GenesisTime, 0).Add(time.Duration(uint64(processedSlot)) * e.cfg.SlotDuration)
	if age := now.Sub(slotTime); age > e.cfg.DataStaleAfter {
		e.log.Warn().Dur("age", age).Msg("chain data too old, skipping alert cycle")
		return
	}
	if !e.sink.Configured() {
		e.log.Warn().Msg("no alert delivery target configured, skipping alert cycle")
		return
	}

	operators, err := e.storage.OperatorStats(ctx, epoch)
	if err != nil {
		e.log.Error().Err(err).Uint64("epoch", uint64(epoch)).Msg("reading operator stats")
		return
	}

	epochDuration := time.Duration(e.cfg.SlotsPerEpoch) * e.cfg.SlotDuration
	startsAt := time.Unix(e.cfg.GenesisTime, 0).Add(time.Duration(uint64(epoch.FirstSlot(e.cfg.SlotsPerEpoch))) * e.cfg.SlotDuration)
	endsAt := startsAt.Add(epochDuration)

	var wg sync.WaitGroup
	for _, rule := range e.rules {
		wg.Add(1)
		go func(rule AlertRule) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					e.log.Error().Interface("panic", rec).Str("rule", rule.Name()).Msg("alert rule panicked")
				}
			}()
			e.fireRule(ctx, rule, epoch, operators, startsAt, endsAt, now)
		}(rule)
	}
	wg.Wait()
}

func (e *AlertEngine) fireRule(ctx context.Context, rule AlertRule, epoch domain.Epoch, operators []domain.OperatorStats, startsAt, endsAt time.Time, now time.Time) {
	result := rule.Evaluate(operators)

	e.mu.Lock()
	var prev *domain.SentAlertRecord
	if rec, ok := e.sent[rule.Name()]; ok {
		prev = &rec
	}
	e.mu.Unlock()

	if !rule.ShouldSend(prev, result, now) {
		return
	}

	alert := rule.Render(epoch, result, startsAt, endsAt)
	if err := e.sink.Send(ctx, alert); err != nil {
		// Keep the previous record: the next cycle retries against the same
		// baseline.
		e.log.Error().Err(err).Str("rule", rule.Name()).Msg("alert delivery failed")
		return
	}

	e.mu.Lock()
	e.sent[rule.Name()] = domain.SentAlertRecord{Result: result, Body: alert, SentAt: now}
	e.mu.Unlock()
	metrics.AlertsFired.WithLabelValues(rule.Name()).Inc()
}

// baseRule carries the shared thresholds and the common send decision.
type baseRule struct {
	name               string
	severity           string
	ratio              float64
	minValidators      uint64
	defaultInterval    time.Duration
	escalationInterval time.Duration
}

func (b baseRule) named(name, severity string) baseRule {
	b.name = name
	b.severity = severity
	return b
}

func (b baseRule) Name() string     { return b.name }
func (b baseRule) Severity() string { return b.severity }

// ShouldSend implements the hysteresis: an empty result never fires; a
// non-empty one fires when the long default interval elapsed since the last
// send, or when the shorter escalation interval elapsed and any operator's
// severity metric strictly worsened (absent prior values count as 0).
func (b baseRule) ShouldSend(prev *domain.SentAlertRecord, result domain.RuleResult, now time.Time) bool {
	if len(result) == 0 {
		return false
	}
	if prev == nil {
		return true
	}
	elapsed := now.Sub(prev.SentAt)
	if elapsed > b.defaultInterval {
		return true
	}
	if elapsed > b.escalationInterval && anyWorsened(prev.Result, result) {
		return true
	}
	return false
}

func anyWorsened(prev, cur domain.RuleResult) bool {
	for op, state := range cur {
		if state.Affected > prev[op].Affected {
			return true
		}
	}
	return false
}

// filterOperators applies the common threshold: only operators above the
// minimum size whose bad fraction exceeds the configured ratio make it into
// the result; small operators are exempt from statistical noise.
func (b baseRule) filterOperators(operators []domain.OperatorStats, affected func(domain.OperatorStats) uint64) domain.RuleResult {
	result := make(domain.RuleResult)
	for _, op := range operators {
		if op.ActiveValidators < b.minValidators {
			continue
		}
		bad := affected(op)
		if float64(bad) > b.ratio*float64(op.ActiveValidators) {
			result[op.OperatorName] = domain.AlertOperatorState{
				Affected: bad,
				Ongoing:  op.ActiveValidators,
			}
		}
	}
	return result
}

func (b baseRule) render(epoch domain.Epoch, result domain.RuleResult, startsAt, endsAt time.Time, summary, detail string) domain.Alert {
	names := make([]string, 0, len(result))
	for name := range result {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		state := result[name]
		fmt.Fprintf(&sb, "%s: %d of %d validators %s\n", name, state.Affected, state.Ongoing, detail)
	}

	return domain.Alert{
		Name:        b.name,
		Severity:    b.severity,
		Summary:     fmt.Sprintf("%s in epoch %d", summary, epoch),
		Description: sb.String(),
		StartsAt:    startsAt,
		EndsAt:      endsAt,
	}
}

// negativeDeltaRule fires for operators with an excessive fraction of
// validators whose balance decreased since the previous epoch.
type negativeDeltaRule struct{ baseRule }

func (r *negativeDeltaRule) Evaluate(operators []domain.OperatorStats) domain.RuleResult {
	return r.filterOperators(operators, func(op domain.OperatorStats) uint64 { return op.NegativeDelta })
}

func (r *negativeDeltaRule) Render(epoch domain.Epoch, result domain.RuleResult, startsAt, endsAt time.Time) domain.Alert {
	return r.render(epoch, result, startsAt, endsAt,
		fmt.Sprintf("%d operators have too many validators with negative balance delta", len(result)),
		"lost balance")
}

// missedProposalsRule fires for operators with excessive missed block
// proposals.
type missedProposalsRule struct{ baseRule }

func (r *missedProposalsRule) Evaluate(operators []domain.OperatorStats) domain.RuleResult {
	return r.filterOperators(operators, func(op domain.OperatorStats) uint64 { return op.MissedProposals })
}

func (r *missedProposalsRule) Render(epoch domain.Epoch, result domain.RuleResult, startsAt, endsAt time.Time) domain.Alert {
	return r.render(epoch, result, startsAt, endsAt,
		fmt.Sprintf("%d operators missed block proposals", len(result)),
		"missed their proposal")
}

// missedAttestationsRule fires for operators with excessive missed
// attestations.
type missedAttestationsRule struct{ baseRule }

func (r *missedAttestationsRule) Evaluate(operators []domain.OperatorStats) domain.RuleResult {
	return r.filterOperators(operators, func(op domain.OperatorStats) uint64 { return op.MissedAttestations })
}

func (r *missedAttestationsRule) Render(epoch domain.Epoch, result domain.RuleResult, startsAt, endsAt time.Time) domain.Alert {
	return r.render(epoch, result, startsAt, endsAt,
		fmt.Sprintf("%d operators have too many missed attestations", len(result)),
		"missed attestations")
}

// slashedValidatorsRule fires for operators with any slashed validators. The
// fraction threshold does not apply: one slashing is already severe.
type slashedValidatorsRule struct{ baseRule }

func (r *slashedValidatorsRule) Evaluate(operators []domain.OperatorStats) domain.RuleResult {
	result := make(domain.RuleResult)
	for _, op := range operators {
		if op.Slashed > 0 {
			result[op.OperatorName] = domain.AlertOperatorState{
				Affected: op.Slashed,
				Ongoing:  op.ActiveValidators,
			}
		}
	}
	return result
}

func (r *slashedValidatorsRule) Render(epoch domain.Epoch, result domain.RuleResult, startsAt, endsAt time.Time) domain.Alert {
	return r.render(epoch, result, startsAt, endsAt,
		fmt.Sprintf("%d operators have slashed validators", len(result)),
		"slashed")
}
