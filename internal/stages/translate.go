// internal/stages/translate.go
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/hoangvt/docpipe/internal/runtime"
	"github.com/hoangvt/docpipe/pkg/schema"
)

// Translator converts text from the source to the target language.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Translate builds the second pipeline stage: undo OCR line-wrapping, then
// run the translation engine on the normalized text.
func Translate(engine Translator, opts Options) runtime.Stage {
	s := runtime.Stage{
		Name:       "translate",
		Processing: schema.StatusTranslationProcessing,
		Completed:  schema.StatusTranslationCompleted,
		Failed:     schema.StatusTranslationFailed,
		Handler: func(ctx context.Context, rec schema.JobRecord) (schema.JobRecord, error) {
			if strings.TrimSpace(rec.OriginalText) == "" {
				return schema.JobRecord{}, fmt.Errorf("record has no extracted text")
			}
			normalized := Normalize(rec.OriginalText)
			translated, err := engine.Translate(ctx, normalized)
			if err != nil {
				return schema.JobRecord{}, fmt.Errorf("translate: %w", err)
			}
			return schema.JobRecord{
				NormalizedText: normalized,
				TranslatedText: translated,
			}, nil
		},
	}
	opts.apply(&s)
	return s
}

// Normalize undoes the hard line-wrapping OCR introduces: blank lines
// delimit paragraphs, non-blank lines within a paragraph are trimmed and
// joined with a single space, paragraphs are separated by one blank line.
// Idempotent.
func Normalize(text string) string {
	var paragraphs []string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(current) > 0 {
				paragraphs = append(paragraphs, strings.Join(current, " "))
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, strings.Join(current, " "))
	}
	return strings.Join(paragraphs, "\n\n")
}
