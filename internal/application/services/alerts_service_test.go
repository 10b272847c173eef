package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

const testSlot = domain.Slot(63)

func newEngineUnderTest(storage *fakeStorage, sink *fakeSink) (*AlertEngine, *time.Time) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := AlertEngineConfig{
		BadFractionRatio:   1.0 / 3.0,
		MinValidators:      100,
		DefaultInterval:    6 * time.Hour,
		EscalationInterval: time.Hour,
		DataStaleAfter:     30 * time.Minute,
		SlotsPerEpoch:      32,
		SlotDuration:       12 * time.Second,
		// Genesis placed so the processed slot's wall time equals base.
		GenesisTime: base.Add(-time.Duration(uint64(testSlot)) * 12 * time.Second).Unix(),
	}
	e := NewAlertEngine(storage, sink, cfg)
	now := base
	e.now = func() time.Time { return now }
	return e, &now
}

func badDeltaStats(affected uint64) []domain.OperatorStats {
	return []domain.OperatorStats{{
		OperatorName:     "op-a",
		ActiveValidators: 300,
		NegativeDelta:    affected,
	}}
}

func TestAlertEngineFiresOnThresholdBreach(t *testing.T) {
	storage := &fakeStorage{stats: badDeltaStats(150)}
	sink := &fakeSink{configured: true}
	e, _ := newEngineUnderTest(storage, sink)

	e.Fire(context.Background(), 1, testSlot)

	names := sink.sentNames()
	require.Equal(t, []string{"NegativeValidatorBalanceDelta"}, names)
	require.Contains(t, sink.sent[0].Description, "op-a")
	require.Contains(t, sink.sent[0].Description, "150 of 300")
}

func TestAlertEngineRateLimitsUnchangedResult(t *testing.T) {
	storage := &fakeStorage{stats: badDeltaStats(150)}
	sink := &fakeSink{configured: true}
	e, now := newEngineUnderTest(storage, sink)

	e.Fire(context.Background(), 1, testSlot)
	require.Len(t, sink.sentNames(), 1)

	// Same result two hours later: past escalation but not worsened, within
	// the default interval. No resend.
	*now = now.Add(2 * time.Hour)
	e.Fire(context.Background(), 2, testSlot)
	require.Len(t, sink.sentNames(), 1)
}

func TestAlertEngineEscalatesOnWorsening(t *testing.T) {
	storage := &fakeStorage{stats: badDeltaStats(150)}
	sink := &fakeSink{configured: true}
	e, now := newEngineUnderTest(storage, sink)

	e.Fire(context.Background(), 1, testSlot)
	require.Len(t, sink.sentNames(), 1)

	// Worsened but inside the escalation interval: still suppressed.
	storage.stats = badDeltaStats(200)
	*now = now.Add(30 * time.Minute)
	e.Fire(context.Background(), 2, testSlot)
	require.Len(t, sink.sentNames(), 1)

	// Worsened and past the escalation interval: resend.
	*now = now.Add(time.Hour)
	e.Fire(context.Background(), 3, testSlot)
	require.Len(t, sink.sentNames(), 2)
}

func TestAlertEngineResendsAfterDefaultInterval(t *testing.T) {
	storage := &fakeStorage{stats: badDeltaStats(150)}
	sink := &fakeSink{configured: true}
	e, now := newEngineUnderTest(storage, sink)

	e.Fire(context.Background(), 1, testSlot)
	*now = now.Add(7 * time.Hour)
	e.Fire(context.Background(), 2, testSlot)
	require.Len(t, sink.sentNames(), 2, "unchanged result resends once the default interval elapsed")
}

func TestAlertEngineEmptyResultNeverFires(t *testing.T) {
	// 90 of 300 is under the one-third threshold.
	storage := &fakeStorage{stats: badDeltaStats(90)}
	sink := &fakeSink{configured: true}
	e, now := newEngineUnderTest(storage, sink)

	e.Fire(context.Background(), 1, testSlot)
	*now = now.Add(24 * time.Hour)
	e.Fire(context.Background(), 2, testSlot)
	require.Empty(t, sink.sentNames())
}

func TestAlertEngineSmallOperatorsExempt(t *testing.T) {
	storage := &fakeStorage{stats: []domain.OperatorStats{{
		OperatorName:     "op-small",
		ActiveValidators: 50,
		NegativeDelta:    50,
	}}}
	sink := &fakeSink{configured: true}
	e, _ := newEngineUnderTest(storage, sink)

	e.Fire(context.Background(), 1, testSlot)
	require.Empty(t, sink.sentNames())
}

func TestAlertEngineSlashedBypassesThresholds(t *testing.T) {
	storage := &fakeStorage{stats: []domain.OperatorStats{{
		OperatorName:     "op-small",
		ActiveValidators: 50,
		Slashed:          1,
	}}}
	sink := &fakeSink{configured: true}
	e, _ := newEngineUnderTest(storage, sink)

	e.Fire(context.Background(), 1, testSlot)
	require.Equal(t, []string{"SlashedValidators"}, sink.sentNames())
}

func TestAlertEngineFailedDeliveryKeepsBaseline(t *testing.T) {
	storage := &fakeStorage{stats: badDeltaStats(150)}
	sink := &fakeSink{configured: true, failNext: true}
	e, _ := newEngineUnderTest(storage, sink)

	e.Fire(context.Background(), 1, testSlot)
	require.Empty(t, sink.sentNames())

	// The failed send left no record, so the next cycle retries immediately.
	e.Fire(context.Background(), 2, testSlot)
	require.Len(t, sink.sentNames(), 1)
}

func TestAlertEngineSkipsStaleData(t *testing.T) {
	storage := &fakeStorage{stats: badDeltaStats(150)}
	sink := &fakeSink{configured: true}
	e, now := newEngineUnderTest(storage, sink)

	*now = now.Add(time.Hour) // slot wall time is now an hour old
	e.Fire(context.Background(), 1, testSlot)
	require.Empty(t, sink.sentNames())
}

func TestAlertEngineSkipsWithoutSink(t *testing.T) {
	storage := &fakeStorage{stats: badDeltaStats(150)}
	sink := &fakeSink{configured: false}
	e, _ := newEngineUnderTest(storage, sink)

	e.Fire(context.Background(), 1, testSlot)
	require.Empty(t, sink.sentNames())
}
