package feedback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundscope/crawler-cli/internal/model"
	"github.com/fundscope/crawler-cli/internal/store"
)

type fakeStore struct {
	outcomes  map[string]model.ClassificationOutcome
	upsertErr error
	deleted   time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{outcomes: make(map[string]model.ClassificationOutcome)}
}

func (f *fakeStore) UpsertOutcome(_ context.Context, o *model.ClassificationOutcome) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.outcomes[o.URL] = *o
	return nil
}

func (f *fakeStore) OutcomeStats(context.Context) (*store.AccuracyReport, error) {
	r := &store.AccuracyReport{}
	for _, o := range f.outcomes {
		r.Total++
		if o.WasCorrect {
			r.Correct++
			continue
		}
		if o.ActualPositive {
			r.FalseNegatives++
		} else {
			r.FalsePositives++
		}
	}
	if r.Total > 0 {
		r.Accuracy = float64(r.Correct) / float64(r.Total) * 100
	}
	return r, nil
}

func (f *fakeStore) RecentMistakes(_ context.Context, limit int) ([]model.ClassificationOutcome, error) {
	var out []model.ClassificationOutcome
	for _, o := range f.outcomes {
		if !o.WasCorrect && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteOutcomesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.deleted = cutoff
	return 3, nil
}

func TestRecordOutcome_CorrectnessDerivation(t *testing.T) {
	cases := []struct {
		name        string
		predicted   model.PredictedLabel
		fieldCount  int
		wantActual  bool
		wantCorrect bool
	}{
		{"yes with enough fields", model.LabelYes, 6, true, true},
		{"yes with too few fields", model.LabelYes, 2, false, false},
		{"no with enough fields", model.LabelNo, 6, true, false},
		{"no with zero fields", model.LabelNo, 0, false, true},
		{"maybe with enough fields", model.LabelMaybe, 5, true, true},
		{"maybe with too few fields", model.LabelMaybe, 4, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFakeStore()
			l := New(fs, 5)

			l.RecordOutcome(context.Background(), "https://example.org/p", tc.predicted, 60, tc.fieldCount, 50)

			o := fs.outcomes["https://example.org/p"]
			assert.Equal(t, tc.wantActual, o.ActualPositive)
			assert.Equal(t, tc.wantCorrect, o.WasCorrect)
		})
	}
}

func TestRecordOutcome_FalseNegativeCounted(t *testing.T) {
	fs := newFakeStore()
	l := New(fs, 5)
	ctx := context.Background()

	l.RecordOutcome(ctx, "https://example.org/fn", model.LabelNo, 20, 6, 70)

	r, err := l.Accuracy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Total)
	assert.Equal(t, 0, r.Correct)
	assert.Equal(t, 1, r.FalseNegatives)
	assert.Equal(t, 0, r.FalsePositives)
}

func TestRecordOutcome_LastWriteWins(t *testing.T) {
	fs := newFakeStore()
	l := New(fs, 5)
	ctx := context.Background()

	l.RecordOutcome(ctx, "https://example.org/p", model.LabelYes, 60, 0, 0)
	l.RecordOutcome(ctx, "https://example.org/p", model.LabelYes, 60, 7, 80)

	require.Len(t, fs.outcomes, 1)
	assert.True(t, fs.outcomes["https://example.org/p"].WasCorrect)
}

func TestRecordOutcome_StoreFailureDoesNotPropagate(t *testing.T) {
	fs := newFakeStore()
	fs.upsertErr = errors.New("store down")
	l := New(fs, 5)

	// Must not panic and must not surface the error.
	l.RecordOutcome(context.Background(), "https://example.org/p", model.LabelYes, 60, 6, 80)
	assert.Empty(t, fs.outcomes)
}

func TestRecordOutcome_TunableThreshold(t *testing.T) {
	fs := newFakeStore()
	l := New(fs, 3)

	l.RecordOutcome(context.Background(), "https://example.org/p", model.LabelYes, 60, 3, 40)
	assert.True(t, fs.outcomes["https://example.org/p"].ActualPositive)
}

func TestCommonMistakes_ReasonStrings(t *testing.T) {
	fs := newFakeStore()
	l := New(fs, 5)
	ctx := context.Background()

	l.RecordOutcome(ctx, "https://example.org/fn", model.LabelNo, 20, 8, 70)
	l.RecordOutcome(ctx, "https://example.org/fp", model.LabelMaybe, 55, 1, 10)
	l.RecordOutcome(ctx, "https://example.org/ok", model.LabelYes, 70, 9, 85)

	mistakes, err := l.CommonMistakes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, mistakes, 2)

	byURL := map[string]Mistake{}
	for _, m := range mistakes {
		byURL[m.URL] = m
	}
	assert.Contains(t, byURL["https://example.org/fn"].Reason, "false negative")
	assert.Contains(t, byURL["https://example.org/fn"].Reason, "classified as no")
	assert.Contains(t, byURL["https://example.org/fp"].Reason, "false positive")
}

func TestPrune(t *testing.T) {
	fs := newFakeStore()
	l := New(fs, 5)

	n, err := l.Prune(context.Background(), 90)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -90), fs.deleted, time.Minute)
}
