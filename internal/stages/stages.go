// internal/stages/stages.go

// Package stages wires the pipeline's three handlers (OCR, translate, PDF)
// onto the shared stage runtime.
package stages

import (
	"time"

	"github.com/hoangvt/docpipe/internal/runtime"
)

// Options carries the per-stage knobs every constructor shares.
type Options struct {
	InQueue    string
	OutQueue   string
	DeadLetter string
	Prefetch   int

	HandlerTimeout time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
}

func (o Options) apply(s *runtime.Stage) {
	s.InQueue = o.InQueue
	s.OutQueue = o.OutQueue
	s.DeadLetter = o.DeadLetter
	s.Prefetch = o.Prefetch
	s.HandlerTimeout = o.HandlerTimeout
	s.MaxAttempts = o.MaxAttempts
	s.RetryDelay = o.RetryDelay
}
