// Package chat turns free-form detector requests into the structured
// input that seeds a run.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/forgeworks/forge/internal/models"
)

const extractPrompt = `Extract a detector request from the user's message.
Respond with only a JSON object with these keys:
  "title": short detector name
  "description": what the detector should catch
  "event_source": the ETW provider to watch, or "" if not stated
  "repository": the target repository, or "" if not stated

User message:
%s`

// Intake extracts DetectorRequests from chat messages. Without a model it
// falls back to treating the whole message as the description.
type Intake struct {
	model llms.Model
}

func NewIntake(model llms.Model) *Intake {
	return &Intake{model: model}
}

func (i *Intake) Extract(ctx context.Context, userID, text string) (models.DetectorRequest, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.DetectorRequest{}, fmt.Errorf("empty request")
	}

	req := models.DetectorRequest{UserID: userID, Description: text}
	if i.model == nil {
		return req, nil
	}

	resp, err := llms.GenerateFromSinglePrompt(ctx, i.model, fmt.Sprintf(extractPrompt, text))
	if err != nil {
		return models.DetectorRequest{}, fmt.Errorf("intake extraction failed: %w", err)
	}

	var extracted models.DetectorRequest
	if err := json.Unmarshal([]byte(jsonBody(resp)), &extracted); err != nil {
		// Model went off script; the raw text still makes a valid request.
		return req, nil
	}

	extracted.UserID = userID
	if extracted.Description == "" {
		extracted.Description = text
	}
	return extracted, nil
}

// jsonBody trims code fences and any prose around the JSON object.
func jsonBody(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}
