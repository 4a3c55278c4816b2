package feedback

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fundscope/crawler-cli/internal/model"
	"github.com/fundscope/crawler-cli/internal/store"
)

// Store is the persistence surface for classification outcomes.
type Store interface {
	UpsertOutcome(ctx context.Context, o *model.ClassificationOutcome) error
	OutcomeStats(ctx context.Context) (*store.AccuracyReport, error)
	RecentMistakes(ctx context.Context, limit int) ([]model.ClassificationOutcome, error)
	DeleteOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Mistake is an incorrect outcome with a human-readable explanation.
type Mistake struct {
	URL            string    `json:"url"`
	PredictedLabel string    `json:"predicted_label"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// Loop records predicted vs. actual classification outcomes. Writes are
// best-effort telemetry: RecordOutcome logs failures instead of returning
// them so the extraction path is never blocked.
type Loop struct {
	store             Store
	positiveThreshold int
}

// New creates a feedback loop. positiveThreshold is the extracted-field
// count at which a page counts as an actual positive (5 in production).
func New(store Store, positiveThreshold int) *Loop {
	if positiveThreshold <= 0 {
		positiveThreshold = 5
	}
	return &Loop{store: store, positiveThreshold: positiveThreshold}
}

// RecordOutcome derives correctness from the actual field count and upserts
// the outcome, last write wins. It never fails the caller.
func (l *Loop) RecordOutcome(ctx context.Context, url string, predicted model.PredictedLabel, predictedQuality, actualFieldCount, actualQuality int) {
	actual := actualFieldCount >= l.positiveThreshold
	o := &model.ClassificationOutcome{
		URL:              url,
		PredictedLabel:   predicted,
		PredictedQuality: predictedQuality,
		ActualPositive:   actual,
		ActualQuality:    actualQuality,
		WasCorrect:       wasCorrect(predicted, actual),
	}
	if err := l.store.UpsertOutcome(ctx, o); err != nil {
		zap.L().Warn("feedback: outcome write failed",
			zap.String("url", url),
			zap.Error(err),
		)
	}
}

// wasCorrect: yes and maybe are correct on a positive, no is correct on a
// negative.
func wasCorrect(predicted model.PredictedLabel, actual bool) bool {
	switch predicted {
	case model.LabelYes, model.LabelMaybe:
		return actual
	case model.LabelNo:
		return !actual
	default:
		return false
	}
}

// Accuracy returns aggregate correctness statistics.
func (l *Loop) Accuracy(ctx context.Context) (*store.AccuracyReport, error) {
	return l.store.OutcomeStats(ctx)
}

// CommonMistakes returns the most recent incorrect outcomes, each with a
// reason string suitable for classifier guidance.
func (l *Loop) CommonMistakes(ctx context.Context, limit int) ([]Mistake, error) {
	outcomes, err := l.store.RecentMistakes(ctx, limit)
	if err != nil {
		return nil, err
	}

	mistakes := make([]Mistake, 0, len(outcomes))
	for _, o := range outcomes {
		mistakes = append(mistakes, Mistake{
			URL:            o.URL,
			PredictedLabel: string(o.PredictedLabel),
			Reason:         mistakeReason(o),
			CreatedAt:      o.CreatedAt,
		})
	}
	return mistakes, nil
}

func mistakeReason(o model.ClassificationOutcome) string {
	if o.ActualPositive {
		return fmt.Sprintf("false negative: was a program but classified as %s", o.PredictedLabel)
	}
	return fmt.Sprintf("false positive: classified as %s but yielded no program", o.PredictedLabel)
}

// Prune deletes outcomes older than the retention window.
func (l *Loop) Prune(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return l.store.DeleteOutcomesBefore(ctx, cutoff)
}
