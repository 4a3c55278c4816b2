package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundscope/crawler-cli/internal/model"
)

func deadline(daysOut int) *time.Time {
	d := time.Now().AddDate(0, 0, daysOut)
	return &d
}

func TestScore_EmptyRecord(t *testing.T) {
	a := Score(&model.Record{URL: "https://example.org/x"}, 0)

	assert.Zero(t, a.Score)
	assert.Zero(t, a.Completeness)
	assert.False(t, a.IsValid)
	assert.Equal(t, QualityPoor, a.DataQuality)
	assert.Equal(t, CategoryService, a.Category)
}

func TestScore_AmountAddsExactlyTwentyPoints(t *testing.T) {
	empty := Score(&model.Record{}, 0)
	withAmount := Score(&model.Record{FundingAmountMax: 50000}, 0)

	assert.Equal(t, 20, withAmount.Breakdown["funding_amount"])
	assert.GreaterOrEqual(t, withAmount.Completeness, empty.Completeness)
	assert.GreaterOrEqual(t, withAmount.Score, empty.Score)
}

func TestScore_FieldCountPartialCredit(t *testing.T) {
	three := Score(&model.Record{}, 3)
	five := Score(&model.Record{}, 5)
	nine := Score(&model.Record{}, 9)

	assert.Equal(t, 12, three.Breakdown["extracted_fields"])
	assert.Equal(t, 20, five.Breakdown["extracted_fields"])
	assert.Equal(t, 20, nine.Breakdown["extracted_fields"])
}

func TestScore_CompleteFundingRecord(t *testing.T) {
	rec := &model.Record{
		URL:              "https://example.at/foerderung/x",
		Title:            "Digitalisierungsprämie",
		Description:      "Zuschuss für kleine und mittlere Unternehmen zur Einführung digitaler Systeme.",
		FundingAmountMax: 100000,
		Currency:         "EUR",
		Deadline:         deadline(30),
		ContactEmail:     "info@example.at",
		FundingTypes:     []string{"grant"},
	}
	a := Score(rec, 6)

	// 20 amount + 15 deadline + 20 fields + 10 desc + 10 contact + 15 type + 10 not-info = 100
	assert.Equal(t, 100, a.Score)
	assert.Equal(t, CategoryFunding, a.Category)
	assert.True(t, a.IsValid)
	assert.Equal(t, QualityExcellent, a.DataQuality)
	assert.Empty(t, a.Violations)
}

func TestScore_GrantWithoutDeadlineIsInvalid(t *testing.T) {
	rec := &model.Record{
		FundingAmountMax: 50000,
		FundingTypes:     []string{"grant"},
		ContactEmail:     "info@example.org",
	}
	a := Score(rec, 6)

	assert.False(t, a.IsValid)
	require.Len(t, a.Violations, 1)
	assert.Contains(t, a.Violations[0], "grant without deadline")
	// 20 amount + 20 fields + 10 contact + 15 type + 10 not-info = 75, minus 20 penalty
	assert.Equal(t, 55, a.Score)
	assert.Equal(t, 75, a.Completeness)
}

func TestScore_OpenDeadlineSatisfiesGrantRule(t *testing.T) {
	rec := &model.Record{
		FundingAmountMax: 50000,
		OpenDeadline:     true,
		FundingTypes:     []string{"grant"},
	}
	a := Score(rec, 6)

	assert.True(t, a.IsValid)
	assert.Empty(t, a.Violations)
}

func TestScore_FundingWithoutAmountIsInvalid(t *testing.T) {
	rec := &model.Record{
		Deadline:     deadline(14),
		FundingTypes: []string{"subsidy"},
	}
	a := Score(rec, 6)

	assert.Equal(t, CategoryFunding, a.Category)
	assert.False(t, a.IsValid)
	require.NotEmpty(t, a.Violations)
	assert.Contains(t, a.Violations[len(a.Violations)-1], "without any funding amount")
}

func TestScore_LoanWarningsAreSoft(t *testing.T) {
	rec := &model.Record{
		FundingAmountMax: 200000,
		Deadline:         deadline(60),
		ContactPhone:     "+43 1 234567",
		FundingTypes:     []string{"loan"},
		Description:      "Zinsgünstiger Kredit für Investitionen in Betriebsmittel und Anlagen.",
	}
	a := Score(rec, 5)

	assert.True(t, a.IsValid)
	assert.Empty(t, a.Violations)
	require.Len(t, a.Warnings, 1)
	assert.Contains(t, a.Warnings[0], "hard deadline")
}

func TestScore_UnknownFundingTypeEarnsNoTypePoints(t *testing.T) {
	a := Score(&model.Record{FundingTypes: []string{"unknown", ""}}, 0)
	assert.Zero(t, a.Breakdown["funding_type"])

	b := Score(&model.Record{FundingTypes: []string{"Grant"}}, 0)
	assert.Equal(t, 15, b.Breakdown["funding_type"])
}

func TestInferCategory(t *testing.T) {
	cases := []struct {
		name string
		rec  model.Record
		want Category
	}{
		{"financial type wins", model.Record{FundingTypes: []string{"coaching", "loan"}}, CategoryFunding},
		{"support type", model.Record{FundingTypes: []string{"Coaching"}}, CategorySupport},
		{"no signals at all", model.Record{}, CategoryService},
		{"amount but no type", model.Record{FundingAmountMax: 1000}, CategoryInformation},
		{"deadline but no type", model.Record{Deadline: deadline(7)}, CategoryInformation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, InferCategory(&tc.rec))
		})
	}
}

func TestScore_Buckets(t *testing.T) {
	assert.Equal(t, QualityPoor, bucket(39))
	assert.Equal(t, QualityFair, bucket(40))
	assert.Equal(t, QualityGood, bucket(60))
	assert.Equal(t, QualityExcellent, bucket(80))
}

func TestScore_NeverNegative(t *testing.T) {
	// Grant with no deadline and funding category without amount stacks
	// two penalties on a tiny base score.
	rec := &model.Record{FundingTypes: []string{"grant"}}
	a := Score(rec, 1)

	assert.GreaterOrEqual(t, a.Score, 0)
	assert.False(t, a.IsValid)
	assert.Len(t, a.Violations, 2)
}
