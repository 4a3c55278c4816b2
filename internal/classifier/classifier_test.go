package classifier

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundscope/crawler-cli/internal/model"
	"github.com/fundscope/crawler-cli/pkg/anthropic"
)

type fakeClient struct {
	responses []string
	requests  []anthropic.MessageRequest
	err       error
}

func (f *fakeClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	text := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}, nil
}

func TestClassify(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"label": "yes", "quality_estimate": 85, "reason": "concrete grant with deadline"}`,
	}}
	c := New(client, "claude-haiku-4-5-20251001", 1024)

	pred, err := c.Classify(context.Background(), "https://www.kfw.de/p/1", "Zuschuss bis 25.000 EUR")
	require.NoError(t, err)
	assert.Equal(t, model.LabelYes, pred.Label)
	assert.Equal(t, 85, pred.QualityEstimate)
}

func TestClassifyStripsCodeFences(t *testing.T) {
	client := &fakeClient{responses: []string{
		"```json\n{\"label\": \"no\", \"quality_estimate\": 5}\n```",
	}}
	c := New(client, "m", 0)

	pred, err := c.Classify(context.Background(), "https://example.com/impressum", "Impressum")
	require.NoError(t, err)
	assert.Equal(t, model.LabelNo, pred.Label)
}

func TestClassifyDegradesUnknownLabel(t *testing.T) {
	client := &fakeClient{responses: []string{
		`{"label": "probably", "quality_estimate": 150}`,
	}}
	c := New(client, "m", 0)

	pred, err := c.Classify(context.Background(), "https://example.com/x", "text")
	require.NoError(t, err)
	assert.Equal(t, model.LabelMaybe, pred.Label)
	assert.Equal(t, 100, pred.QualityEstimate)
}

func TestClassifyUnparseableResponse(t *testing.T) {
	client := &fakeClient{responses: []string{"I cannot answer that."}}
	c := New(client, "m", 0)

	_, err := c.Classify(context.Background(), "https://example.com/x", "text")
	require.Error(t, err)
}

func TestClassifyTruncatesLongContent(t *testing.T) {
	client := &fakeClient{responses: []string{`{"label": "no", "quality_estimate": 0}`}}
	c := New(client, "m", 0)

	_, err := c.Classify(context.Background(), "https://example.com/x", strings.Repeat("a", maxContentChars*2))
	require.NoError(t, err)
	require.Len(t, client.requests, 1)
	assert.LessOrEqual(t, len(client.requests[0].Messages[0].Content), maxContentChars+200)
}

func TestExtractFields(t *testing.T) {
	client := &fakeClient{responses: []string{`{
		"record": {
			"title": "Digitalisierungszuschuss",
			"description": "Zuschuss für die Digitalisierung kleiner Unternehmen.",
			"funding_amount_min": 50000, "funding_amount_max": 5000,
			"currency": "EUR",
			"deadline": "2026-12-31",
			"funding_types": ["grant", "Grant"],
			"region": "NRW"
		},
		"fields": [
			{"category": "eligibility", "type": "company_size", "value": "weniger als 250 Mitarbeiter", "confidence": 0.9, "meaningfulness": 80},
			{"category": "funding_rate", "type": "rate", "value": "bis zu 50%", "confidence": 1.7, "meaningfulness": 250},
			{"category": "", "type": "t", "value": "missing category"},
			{"category": "application", "type": "t", "value": "   "}
		]
	}`}}
	c := New(client, "m", 0)

	ex, err := c.ExtractFields(context.Background(), "https://www.kfw.de/p/1", "content", "KfW")
	require.NoError(t, err)

	rec := ex.Record
	assert.Equal(t, "https://www.kfw.de/p/1", rec.URL)
	assert.Equal(t, "Digitalisierungszuschuss", rec.Title)
	// min/max arrived swapped and get put back in order
	assert.Equal(t, float64(5000), rec.FundingAmountMin)
	assert.Equal(t, float64(50000), rec.FundingAmountMax)
	require.NotNil(t, rec.Deadline)
	assert.Equal(t, "2026-12-31", rec.Deadline.Format("2006-01-02"))
	assert.Equal(t, []string{"grant"}, rec.FundingTypes)
	assert.False(t, rec.FetchedAt.IsZero())

	require.Len(t, ex.Fields, 2)
	assert.Equal(t, model.MethodModel, ex.Fields[0].Method)
	assert.Equal(t, 1.0, ex.Fields[1].Confidence)
	assert.Equal(t, 100, ex.Fields[1].Meaningfulness)
}

func TestExtractFieldsBadDeadline(t *testing.T) {
	client := &fakeClient{responses: []string{`{
		"record": {"title": "T", "deadline": "Ende 2026"},
		"fields": []
	}`}}
	c := New(client, "m", 0)

	ex, err := c.ExtractFields(context.Background(), "https://example.com/p", "content", "")
	require.NoError(t, err)
	assert.Nil(t, ex.Record.Deadline)
}

func TestExtractFieldsCap(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"record": {"title": "T"}, "fields": [`)
	for i := 0; i < maxFields+10; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"category": "c", "type": "t", "value": "v", "confidence": 0.5, "meaningfulness": 50}`)
	}
	sb.WriteString(`]}`)

	client := &fakeClient{responses: []string{sb.String()}}
	c := New(client, "m", 0)

	ex, err := c.ExtractFields(context.Background(), "https://example.com/p", "content", "")
	require.NoError(t, err)
	assert.Len(t, ex.Fields, maxFields)
}
