// internal/stages/ocr.go
package stages

import (
	"context"
	"fmt"

	"github.com/hoangvt/docpipe/internal/runtime"
	"github.com/hoangvt/docpipe/pkg/schema"
)

// TextExtractor turns a document image into text.
type TextExtractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

// OCR builds the first pipeline stage: image in, recognized text out.
func OCR(engine TextExtractor, opts Options) runtime.Stage {
	s := runtime.Stage{
		Name:       "ocr",
		Processing: schema.StatusOcrProcessing,
		Completed:  schema.StatusOcrCompleted,
		Failed:     schema.StatusOcrFailed,
		Handler: func(ctx context.Context, rec schema.JobRecord) (schema.JobRecord, error) {
			text, err := engine.ExtractText(ctx, rec.SourcePath)
			if err != nil {
				return schema.JobRecord{}, fmt.Errorf("extract text: %w", err)
			}
			return schema.JobRecord{OriginalText: text}, nil
		},
	}
	opts.apply(&s)
	return s
}
