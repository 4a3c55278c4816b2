package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundscope/crawler-cli/internal/model"
)

func outcomesFor(url string, done, failed, quality int) []model.JobOutcome {
	var out []model.JobOutcome
	for i := 0; i < done; i++ {
		out = append(out, model.JobOutcome{URL: url, Status: model.JobStatusDone, QualityScore: quality})
	}
	for i := 0; i < failed; i++ {
		out = append(out, model.JobOutcome{URL: url, Status: model.JobStatusFailed})
	}
	return out
}

func findStats(t *testing.T, stats []InstitutionStats, name string) InstitutionStats {
	t.Helper()
	for _, s := range stats {
		if s.Institution == name {
			return s
		}
	}
	t.Fatalf("no stats for institution %q", name)
	return InstitutionStats{}
}

func TestRebalanceShiftsScoresTowardTheMean(t *testing.T) {
	store := newFakeStore()
	// KfW: 18/20 done (rate 0.9), BAFA: 3/10 done (rate 0.3). Average 0.6,
	// so KfW gets (0.9-0.6)*30 = +9 and BAFA -9.
	store.outcomes = append(
		outcomesFor("https://www.kfw.de/programm/1", 18, 2, 80),
		outcomesFor("https://www.bafa.de/programm/2", 3, 7, 60)...,
	)

	b := NewBalancer(store, BalancerOptions{})
	stats, err := b.Rebalance(context.Background())
	require.NoError(t, err)

	kfw := findStats(t, stats, "KfW")
	assert.Equal(t, 20, kfw.Total)
	assert.InDelta(t, 0.9, kfw.SuccessRate, 0.001)
	assert.InDelta(t, 80, kfw.AvgQuality, 0.001)
	assert.Equal(t, 9, kfw.Adjustment)

	bafa := findStats(t, stats, "BAFA")
	assert.Equal(t, -9, bafa.Adjustment)

	require.Len(t, store.adjusts, 2)
	for _, call := range store.adjusts {
		assert.Equal(t, 100, call.maxScore)
		switch call.pattern {
		case "kfw.de":
			assert.Equal(t, 9, call.delta)
		case "bafa.de":
			assert.Equal(t, -9, call.delta)
		default:
			t.Fatalf("unexpected adjust pattern %q", call.pattern)
		}
	}
}

func TestRebalanceClampsAdjustment(t *testing.T) {
	store := newFakeStore()
	// Rates 1.0 and 0.0 around average 0.5 would give ±15 after clamping.
	store.outcomes = append(
		outcomesFor("https://www.kfw.de/a", 10, 0, 70),
		outcomesFor("https://www.bafa.de/b", 0, 10, 0)...,
	)

	b := NewBalancer(store, BalancerOptions{})
	stats, err := b.Rebalance(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 15, findStats(t, stats, "KfW").Adjustment)
	assert.Equal(t, -15, findStats(t, stats, "BAFA").Adjustment)
}

func TestRebalanceSkipsSmallSamplesAndOther(t *testing.T) {
	store := newFakeStore()
	store.outcomes = append(
		outcomesFor("https://www.kfw.de/a", 2, 8, 50), // rate 0.2, 10 observations
		append(
			outcomesFor("https://www.bafa.de/b", 2, 1, 50), // only 3 observations
			outcomesFor("https://unknown.example.org/c", 9, 1, 70)..., // Other
		)...,
	)

	b := NewBalancer(store, BalancerOptions{})
	stats, err := b.Rebalance(context.Background())
	require.NoError(t, err)

	// KfW is the only eligible institution, so its rate equals the average
	// and nothing is adjusted. BAFA and Other still appear in the report.
	assert.Empty(t, store.adjusts)
	assert.Equal(t, 0, findStats(t, stats, "KfW").Adjustment)
	bafa := findStats(t, stats, "BAFA")
	assert.Equal(t, 3, bafa.Total)
	assert.Equal(t, 0, bafa.Adjustment)
	other := findStats(t, stats, OtherInstitution)
	assert.Equal(t, 10, other.Total)
	assert.InDelta(t, 0.9, other.SuccessRate, 0.001)
	assert.Equal(t, 0, other.Adjustment)
}

func TestRebalanceIgnoresTinyDeltas(t *testing.T) {
	store := newFakeStore()
	// Rates 0.6 and 0.5 around average 0.55: 0.05*30 = 1.5 rounds to 2,
	// which is inside the dead band.
	store.outcomes = append(
		outcomesFor("https://www.kfw.de/a", 6, 4, 70),
		outcomesFor("https://www.bafa.de/b", 5, 5, 70)...,
	)

	b := NewBalancer(store, BalancerOptions{})
	stats, err := b.Rebalance(context.Background())
	require.NoError(t, err)

	assert.Empty(t, store.adjusts)
	assert.Equal(t, 0, findStats(t, stats, "KfW").Adjustment)
	assert.Equal(t, 0, findStats(t, stats, "BAFA").Adjustment)
}

func TestRebalanceWindow(t *testing.T) {
	store := newFakeStore()
	b := NewBalancer(store, BalancerOptions{WindowDays: 14})
	fixed := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	_, err := b.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fixed.AddDate(0, 0, -14), store.since)
}
