// Package enrich fills organization profiles with language-model generated
// summaries and sector labels.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/venturelink/sync-be/internal/faults"
	"github.com/venturelink/sync-be/internal/orgs"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second

	maxRetries  = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 32 * time.Second
)

// ErrAPIKeyNotSet is returned when no API key is configured
var ErrAPIKeyNotSet = errors.New("enrichment API key not set")

// Profile is what the model returns for one organization
type Profile struct {
	Summary string `json:"summary"`
	Sector  string `json:"sector"`
}

// Enricher generates profiles via the OpenAI chat completions API
type Enricher struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewEnricher creates an enricher
func NewEnricher(apiKey, model string, timeout time.Duration) (*Enricher, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Enricher{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
	}, nil
}

// Enrich asks the model for a profile of one organization. Rate limiting
// backs off and retries; a response that is not the expected JSON shape is a
// validation failure.
func (e *Enricher) Enrich(ctx context.Context, org *orgs.Organization) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	content, err := e.completeWithRetry(ctx, buildPrompt(org))
	if err != nil {
		return nil, err
	}

	return parseProfile(content)
}

func (e *Enricher) completeWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * baseBackoff
			if backoff > maxBackoff {
				backoff = maxBackoff
			}

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		params := openai.ChatCompletionNewParams{
			Model: shared.ChatModel(e.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
			Temperature: openai.Float(0.2),
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{
					Type: "json_object",
				},
			},
		}

		completion, err := e.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err

			if isRateLimitError(err) {
				continue
			}

			return "", faults.Network(fmt.Errorf("enrichment api call failed: %w", err))
		}

		if len(completion.Choices) == 0 {
			return "", faults.Validation(errors.New("no completion choices returned"))
		}

		return completion.Choices[0].Message.Content, nil
	}

	return "", faults.RateLimit(fmt.Errorf("enrichment retries exhausted: %w", lastErr))
}

func buildPrompt(org *orgs.Organization) string {
	var b strings.Builder
	b.WriteString("Write a profile for the following organization as JSON with exactly two string fields, ")
	b.WriteString(`"summary" (two sentences, neutral tone) and "sector" (a short industry label).`)
	b.WriteString("\n\nName: ")
	b.WriteString(org.Name)
	b.WriteString("\nKind: ")
	b.WriteString(org.Kind)
	if org.Website != "" {
		b.WriteString("\nWebsite: ")
		b.WriteString(org.Website)
	}
	if org.Stage != "" {
		b.WriteString("\nStage: ")
		b.WriteString(org.Stage)
	}
	if org.Description != "" {
		b.WriteString("\nDescription: ")
		b.WriteString(org.Description)
	}
	return b.String()
}

// parseProfile decodes the model output. Missing fields make the response
// unusable, so they classify as validation failures.
func parseProfile(content string) (*Profile, error) {
	var profile Profile
	if err := json.Unmarshal([]byte(content), &profile); err != nil {
		return nil, faults.Validation(fmt.Errorf("failed to decode enrichment response: %w", err))
	}

	profile.Summary = strings.TrimSpace(profile.Summary)
	profile.Sector = strings.TrimSpace(profile.Sector)

	if profile.Summary == "" || profile.Sector == "" {
		return nil, faults.Validation(errors.New("enrichment response missing summary or sector"))
	}

	return &profile, nil
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}
