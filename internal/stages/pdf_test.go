package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoangvt/docpipe/pkg/schema"
)

type stubRenderer struct {
	gotText   string
	gotSource string
	out       string
	err       error
}

func (s *stubRenderer) Render(text, sourcePath string) (string, error) {
	s.gotText = text
	s.gotSource = sourcePath
	return s.out, s.err
}

func TestPDFHandlerRendersTranslatedText(t *testing.T) {
	renderer := &stubRenderer{out: "output/scan_123.pdf"}
	stage := PDF(renderer, Options{InQueue: "in", OutQueue: "out"})

	out, err := stage.Handler(context.Background(), schema.JobRecord{
		SourcePath:     "data/scan.png",
		TranslatedText: "translated",
	})
	require.NoError(t, err)
	assert.Equal(t, "translated", renderer.gotText)
	assert.Equal(t, "data/scan.png", renderer.gotSource)
	assert.Equal(t, "output/scan_123.pdf", out.OutputPath)
}

func TestPDFHandlerRejectsEmptyTranslation(t *testing.T) {
	renderer := &stubRenderer{}
	stage := PDF(renderer, Options{})

	_, err := stage.Handler(context.Background(), schema.JobRecord{SourcePath: "data/scan.png"})
	require.Error(t, err)
	assert.Empty(t, renderer.gotText)
}

func TestPDFHandlerPropagatesRendererError(t *testing.T) {
	renderer := &stubRenderer{err: errors.New("disk full")}
	stage := PDF(renderer, Options{})

	_, err := stage.Handler(context.Background(), schema.JobRecord{TranslatedText: "t"})
	require.ErrorContains(t, err, "disk full")
}

func TestPDFStageForwardsResultEvent(t *testing.T) {
	stage := PDF(&stubRenderer{}, Options{})
	require.NotNil(t, stage.Forward)

	rec := schema.JobRecord{
		ID:             "j1",
		NormalizedText: "normalized",
		TranslatedText: "translated",
		OutputPath:     "output/x.pdf",
		Status:         schema.StatusCompleted,
	}
	payload := stage.Forward(rec)
	evt, ok := payload.(schema.ResultEvent)
	require.True(t, ok, "pdf stage must forward a result event, got %T", payload)
	assert.Equal(t, "j1", evt.ID)
	assert.Equal(t, "output/x.pdf", evt.OutputPath)
	assert.Equal(t, "normalized", evt.OriginalText)
	assert.Equal(t, schema.StatusCompleted, evt.Status)
}

func TestPDFStageStatuses(t *testing.T) {
	stage := PDF(&stubRenderer{}, Options{})
	assert.Equal(t, schema.StatusPdfProcessing, stage.Processing)
	assert.Equal(t, schema.StatusCompleted, stage.Completed)
	assert.Equal(t, schema.StatusPdfFailed, stage.Failed)
}
