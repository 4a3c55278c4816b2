// Package classifier calls the LLM to label pages and extract structured
// funding data. Model output is untrusted: everything is parsed defensively
// and clamped before it reaches the store.
package classifier

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/crawler-cli/internal/model"
	"github.com/fundscope/crawler-cli/pkg/anthropic"
)

const (
	maxContentChars = 30000
	maxFields       = 50
)

// Prediction is the classifier's verdict for a single page.
type Prediction struct {
	Label           model.PredictedLabel `json:"label"`
	QualityEstimate int                  `json:"quality_estimate"`
	Reason          string               `json:"reason,omitempty"`
}

// Extraction is the structured result of extracting a positive page.
type Extraction struct {
	Record *model.Record          `json:"record"`
	Fields []model.ExtractedField `json:"fields"`
}

// Classifier labels pages and extracts fields via the Anthropic API.
type Classifier struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Classifier.
func New(client anthropic.Client, modelID string, maxTokens int64) *Classifier {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Classifier{client: client, model: modelID, maxTokens: maxTokens}
}

// Classify asks the model whether the page describes a funding program.
// Unrecognized labels degrade to "maybe" rather than failing the job.
func (c *Classifier) Classify(ctx context.Context, url, content string) (*Prediction, error) {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(classifySystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: classifyUserPrompt(url, truncate(content, maxContentChars))},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "classifier: classify %s", url)
	}
	resp.Usage.LogCost(c.model, "classify")

	var raw struct {
		Label           string `json:"label"`
		QualityEstimate int    `json:"quality_estimate"`
		Reason          string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &raw); err != nil {
		return nil, eris.Wrapf(err, "classifier: parsing classification for %s", url)
	}

	pred := &Prediction{
		Label:           model.PredictedLabel(strings.ToLower(strings.TrimSpace(raw.Label))),
		QualityEstimate: clampInt(raw.QualityEstimate, 0, 100),
		Reason:          raw.Reason,
	}
	switch pred.Label {
	case model.LabelYes, model.LabelNo, model.LabelMaybe:
	default:
		zap.L().Warn("classifier: unexpected label, degrading to maybe",
			zap.String("url", url),
			zap.String("label", string(pred.Label)))
		pred.Label = model.LabelMaybe
	}
	return pred, nil
}

// ExtractFields pulls the structured record and its fields out of a page
// that classified as a (possible) funding program.
func (c *Classifier) ExtractFields(ctx context.Context, url, content, institution string) (*Extraction, error) {
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(extractSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: extractUserPrompt(url, institution, truncate(content, maxContentChars))},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "classifier: extract %s", url)
	}
	resp.Usage.LogCost(c.model, "extract")

	var raw rawExtraction
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &raw); err != nil {
		return nil, eris.Wrapf(err, "classifier: parsing extraction for %s", url)
	}

	return raw.validate(url), nil
}

type rawExtraction struct {
	Record struct {
		Title            string   `json:"title"`
		Description      string   `json:"description"`
		FundingAmountMin float64  `json:"funding_amount_min"`
		FundingAmountMax float64  `json:"funding_amount_max"`
		Currency         string   `json:"currency"`
		Deadline         string   `json:"deadline"`
		OpenDeadline     bool     `json:"open_deadline"`
		ContactEmail     string   `json:"contact_email"`
		ContactPhone     string   `json:"contact_phone"`
		FundingTypes     []string `json:"funding_types"`
		ProgramFocus     []string `json:"program_focus"`
		Region           string   `json:"region"`
		IsOverview       bool     `json:"is_overview"`
	} `json:"record"`
	Fields []struct {
		Category       string  `json:"category"`
		Type           string  `json:"type"`
		Value          string  `json:"value"`
		Confidence     float64 `json:"confidence"`
		Meaningfulness int     `json:"meaningfulness"`
	} `json:"fields"`
}

// validate converts raw model output into domain types, dropping malformed
// fields and clamping every numeric range.
func (raw *rawExtraction) validate(url string) *Extraction {
	rec := &model.Record{
		URL:              url,
		Title:            strings.TrimSpace(raw.Record.Title),
		Description:      strings.TrimSpace(raw.Record.Description),
		FundingAmountMin: nonNegative(raw.Record.FundingAmountMin),
		FundingAmountMax: nonNegative(raw.Record.FundingAmountMax),
		Currency:         strings.TrimSpace(raw.Record.Currency),
		OpenDeadline:     raw.Record.OpenDeadline,
		ContactEmail:     strings.TrimSpace(raw.Record.ContactEmail),
		ContactPhone:     strings.TrimSpace(raw.Record.ContactPhone),
		FundingTypes:     raw.Record.FundingTypes,
		ProgramFocus:     raw.Record.ProgramFocus,
		Region:           strings.TrimSpace(raw.Record.Region),
		IsOverview:       raw.Record.IsOverview,
		FetchedAt:        time.Now().UTC(),
	}
	rec.NormalizeFundingTypes()
	if rec.FundingAmountMax > 0 && rec.FundingAmountMin > rec.FundingAmountMax {
		rec.FundingAmountMin, rec.FundingAmountMax = rec.FundingAmountMax, rec.FundingAmountMin
	}
	if raw.Record.Deadline != "" {
		if d, err := time.Parse("2006-01-02", raw.Record.Deadline); err == nil {
			rec.Deadline = &d
		} else {
			zap.L().Debug("classifier: dropping unparseable deadline",
				zap.String("url", url),
				zap.String("deadline", raw.Record.Deadline))
		}
	}

	fields := make([]model.ExtractedField, 0, len(raw.Fields))
	for _, f := range raw.Fields {
		category := strings.TrimSpace(f.Category)
		value := strings.TrimSpace(f.Value)
		if category == "" || value == "" {
			continue
		}
		fields = append(fields, model.ExtractedField{
			RecordURL:      url,
			Category:       category,
			Type:           strings.TrimSpace(f.Type),
			Value:          value,
			Confidence:     clampFloat(f.Confidence, 0, 1),
			Meaningfulness: clampInt(f.Meaningfulness, 0, 100),
			Method:         model.MethodModel,
		})
		if len(fields) == maxFields {
			zap.L().Warn("classifier: field list truncated",
				zap.String("url", url),
				zap.Int("reported", len(raw.Fields)))
			break
		}
	}

	return &Extraction{Record: rec, Fields: fields}
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
