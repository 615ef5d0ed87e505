package mtb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source yields the rows of one case per call, in a stable case order, and
// io.EOF after the last case.
type Source interface {
	Next(ctx context.Context) (CaseRows, error)
}

// Sink receives fully rendered rows.
type Sink interface {
	Write(record []string) error
}

// Reporter receives the outcome of every case. Implementations own logging.
type Reporter interface {
	ReportCase(ctx context.Context, r CaseResult)
}

type Outcome string

const (
	OutcomeExported Outcome = "exported"
	OutcomeSkipped  Outcome = "skipped"
)

// CaseResult describes what happened to one case.
type CaseResult struct {
	CaseID   string
	Outcome  Outcome
	Entities int
	Rows     int
	Defects  []Defect
	Duration time.Duration
}

// Summary aggregates a batch run.
type Summary struct {
	Cases    int
	Exported int
	Skipped  int
	Rows     int
	Fatal    int
	Warnings int
	// SkippedCases keeps the full result of every skipped case.
	SkippedCases []CaseResult
}

func (s *Summary) add(r CaseResult) {
	s.Cases++
	s.Rows += r.Rows
	fatal, warning := CountBySeverity(r.Defects)
	s.Fatal += fatal
	s.Warnings += warning
	if r.Outcome == OutcomeSkipped {
		s.Skipped++
		s.SkippedCases = append(s.SkippedCases, r)
		return
	}
	s.Exported++
}

// SourceError wraps a failure of the row source.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string { return "read source: " + e.Err.Error() }
func (e *SourceError) Unwrap() error { return e.Err }

// SinkError wraps a failure of the output sink.
type SinkError struct {
	CaseID string
	Err    error
}

func (e *SinkError) Error() string {
	if e.CaseID == "" {
		return "write output: " + e.Err.Error()
	}
	return fmt.Sprintf("write case %s: %s", e.CaseID, e.Err.Error())
}
func (e *SinkError) Unwrap() error { return e.Err }

// Batch drives the pipeline over a source. Cases are processed in parallel
// windows and emitted strictly in source order, so the output does not
// depend on the number of workers.
type Batch struct {
	pipeline *Pipeline
	workers  int
	reporter Reporter
}

func NewBatch(p *Pipeline, workers int, r Reporter) *Batch {
	if workers < 1 {
		workers = 1
	}
	return &Batch{pipeline: p, workers: workers, reporter: r}
}

type processed struct {
	out      *CaseOutput
	duration time.Duration
}

// Run consumes src until io.EOF. Cancellation is observed between cases.
// Source and sink failures end the run and are returned as SourceError and
// SinkError; per-case defects never are.
func (b *Batch) Run(ctx context.Context, src Source, sink Sink) (*Summary, error) {
	sum := &Summary{}
	schema := b.pipeline.profile.Schema

	for {
		window, done, err := b.readWindow(ctx, src)
		if err != nil {
			return sum, err
		}

		results := make([]processed, len(window))
		var g errgroup.Group
		g.SetLimit(b.workers)
		for i := range window {
			g.Go(func() error {
				start := time.Now()
				results[i] = processed{out: b.pipeline.Process(window[i]), duration: time.Since(start)}
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range results {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			r, err := b.emit(res, schema, sink)
			if b.reporter != nil {
				b.reporter.ReportCase(ctx, r)
			}
			sum.add(r)
			if err != nil {
				return sum, err
			}
		}
		if done {
			return sum, nil
		}
	}
}

func (b *Batch) readWindow(ctx context.Context, src Source) ([]CaseRows, bool, error) {
	window := make([]CaseRows, 0, b.workers)
	for len(window) < b.workers {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		rows, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return window, true, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, false, err
			}
			return nil, false, &SourceError{Err: err}
		}
		window = append(window, rows)
	}
	return window, false, nil
}

func (b *Batch) emit(res processed, schema *Schema, sink Sink) (CaseResult, error) {
	out := res.out
	r := CaseResult{
		CaseID:   out.Graph.CaseID,
		Entities: out.Graph.Size(),
		Defects:  out.Defects,
		Duration: res.duration,
	}
	if out.Skipped() {
		r.Outcome = OutcomeSkipped
		return r, nil
	}

	r.Outcome = OutcomeExported
	for row := range Flatten(out.Graph, schema, out.Defects) {
		if err := sink.Write(row.values); err != nil {
			return r, &SinkError{CaseID: r.CaseID, Err: err}
		}
		r.Rows++
	}
	return r, nil
}
