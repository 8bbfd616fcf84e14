// internal/stages/pdf.go
package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hoangvt/docpipe/internal/runtime"
	"github.com/hoangvt/docpipe/pkg/schema"
)

// Renderer writes text to a PDF and returns the document path.
type Renderer interface {
	Render(text, sourcePath string) (string, error)
}

// PDF builds the final pipeline stage. The completed record is forwarded to
// the result queue as a ResultEvent for the ingress gateway to consume.
func PDF(renderer Renderer, opts Options) runtime.Stage {
	s := runtime.Stage{
		Name:       "pdf",
		Processing: schema.StatusPdfProcessing,
		Completed:  schema.StatusCompleted,
		Failed:     schema.StatusPdfFailed,
		Handler: func(ctx context.Context, rec schema.JobRecord) (schema.JobRecord, error) {
			if strings.TrimSpace(rec.TranslatedText) == "" {
				return schema.JobRecord{}, fmt.Errorf("record has no translated text")
			}
			path, err := renderer.Render(rec.TranslatedText, rec.SourcePath)
			if err != nil {
				return schema.JobRecord{}, fmt.Errorf("render document: %w", err)
			}
			return schema.JobRecord{OutputPath: path}, nil
		},
		Forward: func(rec schema.JobRecord) any {
			return schema.NewResultEvent(rec, time.Now().Unix())
		},
	}
	opts.apply(&s)
	return s
}
