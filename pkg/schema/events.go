// pkg/schema/events.go
package schema

import "encoding/json"

// ResultEvent is published on the result queue once the PDF stage finishes a
// job. OriginalText carries the normalized text when normalization ran, the
// raw OCR text otherwise.
type ResultEvent struct {
	ID             string `json:"id"`
	OutputPath     string `json:"output_path"`
	OriginalText   string `json:"original_text,omitempty"`
	TranslatedText string `json:"translated_text,omitempty"`
	Status         Status `json:"status"`
	HappenedAt     int64  `json:"happened_at"`
}

// DeadLetterEvent wraps a message a stage gave up on, for operator
// inspection. Payload is the original queue message, verbatim.
type DeadLetterEvent struct {
	Stage      string          `json:"stage"`
	Error      string          `json:"error"`
	Payload    json.RawMessage `json:"payload"`
	HappenedAt int64           `json:"happened_at"`
}

// NewResultEvent builds the completion event for a finished record.
func NewResultEvent(rec JobRecord, happenedAt int64) ResultEvent {
	original := rec.NormalizedText
	if original == "" {
		original = rec.OriginalText
	}
	return ResultEvent{
		ID:             rec.ID,
		OutputPath:     rec.OutputPath,
		OriginalText:   original,
		TranslatedText: rec.TranslatedText,
		Status:         rec.Status,
		HappenedAt:     happenedAt,
	}
}
