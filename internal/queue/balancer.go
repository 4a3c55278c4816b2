package queue

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/crawler-cli/internal/model"
)

// BalancerOptions tunes the institution balancer.
type BalancerOptions struct {
	WindowDays      int
	MinObservations int
	MaxScore        int
}

func (o BalancerOptions) withDefaults() BalancerOptions {
	if o.WindowDays <= 0 {
		o.WindowDays = 7
	}
	if o.MinObservations <= 0 {
		o.MinObservations = 5
	}
	if o.MaxScore <= 0 {
		o.MaxScore = 100
	}
	return o
}

// InstitutionStats aggregates recent job outcomes for one institution.
type InstitutionStats struct {
	Institution string  `json:"institution"`
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	AvgQuality  float64 `json:"avg_quality"`
	Adjustment  int     `json:"adjustment"`
	Adjusted    int64   `json:"adjusted"`
}

// Balancer shifts queued priorities between institutions based on their
// recent success rates, so a consistently failing source stops starving
// productive ones.
type Balancer struct {
	store Store
	opts  BalancerOptions
	now   func() time.Time
}

// NewBalancer creates a balancer over the given store.
func NewBalancer(store Store, opts BalancerOptions) *Balancer {
	return &Balancer{store: store, opts: opts.withDefaults(), now: time.Now}
}

// Rebalance aggregates finished jobs inside the window per institution,
// compares each institution's success rate against the cross-institution
// average, and nudges queued scores toward the mean. Institutions with fewer
// than MinObservations outcomes are reported but not adjusted, as is the
// fallback group that has no URL pattern to target.
func (b *Balancer) Rebalance(ctx context.Context) ([]InstitutionStats, error) {
	since := b.now().UTC().AddDate(0, 0, -b.opts.WindowDays)
	outcomes, err := b.store.JobOutcomes(ctx, since)
	if err != nil {
		return nil, eris.Wrap(err, "queue: loading job outcomes")
	}

	groups := map[string]*InstitutionStats{}
	patterns := map[string]string{}
	for _, o := range outcomes {
		inst := InstitutionOf(o.URL)
		g, ok := groups[inst.Name]
		if !ok {
			g = &InstitutionStats{Institution: inst.Name}
			groups[inst.Name] = g
			patterns[inst.Name] = inst.URLPattern
		}
		g.Total++
		switch o.Status {
		case model.JobStatusDone:
			g.Successful++
			g.AvgQuality += float64(o.QualityScore)
		case model.JobStatusFailed:
			g.Failed++
		}
	}

	var eligible []*InstitutionStats
	var rateSum float64
	for name, g := range groups {
		if g.Successful > 0 {
			g.AvgQuality /= float64(g.Successful)
		}
		g.SuccessRate = float64(g.Successful) / float64(g.Total)
		if g.Total < b.opts.MinObservations || name == OtherInstitution {
			continue
		}
		eligible = append(eligible, g)
		rateSum += g.SuccessRate
	}

	if len(eligible) > 0 {
		avg := rateSum / float64(len(eligible))
		for _, g := range eligible {
			g.Adjustment = adjustment(g.SuccessRate, avg)
			if abs(g.Adjustment) <= 2 {
				g.Adjustment = 0
				continue
			}
			n, err := b.store.AdjustQueuedScores(ctx, patterns[g.Institution], g.Adjustment, b.opts.MaxScore)
			if err != nil {
				return nil, eris.Wrapf(err, "queue: adjusting scores for %s", g.Institution)
			}
			g.Adjusted = n
			zap.L().Info("queue: rebalanced institution",
				zap.String("institution", g.Institution),
				zap.Float64("success_rate", g.SuccessRate),
				zap.Int("adjustment", g.Adjustment),
				zap.Int64("jobs", n))
		}
	}

	stats := make([]InstitutionStats, 0, len(groups))
	for _, g := range groups {
		stats = append(stats, *g)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Institution < stats[j].Institution })
	return stats, nil
}

// adjustment converts the distance from the mean success rate into a score
// delta, clamped to ±15.
func adjustment(rate, avg float64) int {
	delta := (rate - avg) * 30
	if delta > 15 {
		delta = 15
	}
	if delta < -15 {
		delta = -15
	}
	return int(math.Round(delta))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
