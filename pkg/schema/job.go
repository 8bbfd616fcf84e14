// pkg/schema/job.go
package schema

import "time"

// Status tracks a job's progress through the pipeline.
type Status string

const (
	StatusUploaded              Status = "uploaded"
	StatusOcrProcessing         Status = "ocr_processing"
	StatusOcrCompleted          Status = "ocr_completed"
	StatusOcrFailed             Status = "ocr_failed"
	StatusTranslationProcessing Status = "translation_processing"
	StatusTranslationCompleted  Status = "translation_completed"
	StatusTranslationFailed     Status = "translation_failed"
	StatusPdfProcessing         Status = "pdf_processing"
	StatusPdfFailed             Status = "pdf_failed"
	StatusCompleted             Status = "completed"
)

// transitions encodes the legal moves of the status state machine. Failed
// states and "completed" have no successors.
var transitions = map[Status][]Status{
	StatusUploaded:              {StatusOcrProcessing},
	StatusOcrProcessing:         {StatusOcrCompleted, StatusOcrFailed},
	StatusOcrCompleted:          {StatusTranslationProcessing},
	StatusTranslationProcessing: {StatusTranslationCompleted, StatusTranslationFailed},
	StatusTranslationCompleted:  {StatusPdfProcessing},
	StatusPdfProcessing:         {StatusCompleted, StatusPdfFailed},
}

// Terminal reports whether no further stage will ever touch a record in
// this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusOcrFailed, StatusTranslationFailed, StatusPdfFailed, StatusCompleted:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step of the
// state machine.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// JobRecord is the unit of work tracked end-to-end. SourcePath is the natural
// key: queue payloads are copies and may be stale, so stages always join back
// to the stored record by SourcePath.
type JobRecord struct {
	ID             string    `json:"id"`
	SourcePath     string    `json:"source_path"`
	Status         Status    `json:"status"`
	OriginalText   string    `json:"original_text,omitempty"`
	NormalizedText string    `json:"normalized_text,omitempty"`
	TranslatedText string    `json:"translated_text,omitempty"`
	OutputPath     string    `json:"output_path,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Merge copies every non-zero field of src onto dst and returns the result.
// dst is not modified.
func Merge(dst, src JobRecord) JobRecord {
	out := dst
	if src.ID != "" {
		out.ID = src.ID
	}
	if src.SourcePath != "" {
		out.SourcePath = src.SourcePath
	}
	if src.Status != "" {
		out.Status = src.Status
	}
	if src.OriginalText != "" {
		out.OriginalText = src.OriginalText
	}
	if src.NormalizedText != "" {
		out.NormalizedText = src.NormalizedText
	}
	if src.TranslatedText != "" {
		out.TranslatedText = src.TranslatedText
	}
	if src.OutputPath != "" {
		out.OutputPath = src.OutputPath
	}
	if src.Error != "" {
		out.Error = src.Error
	}
	if !src.Timestamp.IsZero() {
		out.Timestamp = src.Timestamp
	}
	return out
}
