// Package export runs exports end to end: it reads cases from Onkostar,
// maps and validates them, writes the CSV and keeps a history of runs.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/onkostar/mtbexport/internal/domain/mtb"
	"github.com/onkostar/mtbexport/internal/platform/blobstore"
	"github.com/onkostar/mtbexport/internal/platform/csvout"
	"github.com/onkostar/mtbexport/internal/platform/db"
	"github.com/onkostar/mtbexport/internal/platform/onkostar"
	"github.com/onkostar/mtbexport/internal/platform/reporting"
	"github.com/onkostar/mtbexport/internal/platform/telemetry"
)

const csvContentType = "text/csv; charset=utf-8"

// Config holds the settings shared by every run of a Service.
type Config struct {
	Workers          int
	FilterIncomplete bool
	CSV              csvout.Options
	// Header writes the schema header row.
	Header bool
}

// SourceOpener returns the case source for a selection.
type SourceOpener func(ctx context.Context, sel onkostar.Selection) (mtb.Source, error)

type Service struct {
	profile  *mtb.Profile
	pipeline *mtb.Pipeline
	cfg      Config
	open     SourceOpener
	runs     RunRepository
	store    blobstore.Store
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

func NewService(d db.DB, p *mtb.Profile, cfg Config, runs RunRepository, logger zerolog.Logger) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	s := &Service{
		profile:  p,
		pipeline: mtb.NewPipeline(p, mtb.Options{FilterIncomplete: cfg.FilterIncomplete}),
		cfg:      cfg,
		runs:     runs,
		logger:   logger,
	}
	s.open = func(_ context.Context, sel onkostar.Selection) (mtb.Source, error) {
		r, err := onkostar.NewReader(d, p, sel, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return s
}

func (s *Service) SetStore(st blobstore.Store)     { s.store = st }
func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }
func (s *Service) SetSourceOpener(o SourceOpener)  { s.open = o }
func (s *Service) Profile() *mtb.Profile           { return s.profile }
func (s *Service) Store() blobstore.Store          { return s.store }
func (s *Service) Runs() RunRepository             { return s.runs }

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*RunReport, error) {
	return s.runs.GetByID(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, limit, offset int) ([]*RunReport, int, error) {
	return s.runs.List(ctx, limit, offset)
}

type runOptions struct {
	id          uuid.UUID
	requestedBy string
	defects     io.Writer
	defectsAll  bool
	reporters   []mtb.Reporter
}

type RunOption func(*runOptions)

// WithRunID fixes the run id, e.g. to announce it before the run starts.
func WithRunID(id uuid.UUID) RunOption {
	return func(o *runOptions) { o.id = id }
}

func WithRequestedBy(user string) RunOption {
	return func(o *runOptions) { o.requestedBy = user }
}

// WithDefectReport writes a JSON Lines defect report to w. Cases without
// defects are included when all is set.
func WithDefectReport(w io.Writer, all bool) RunOption {
	return func(o *runOptions) {
		o.defects = w
		o.defectsAll = all
	}
}

// WithReporter adds a reporter that sees every case.
func WithReporter(r mtb.Reporter) RunOption {
	return func(o *runOptions) { o.reporters = append(o.reporters, r) }
}

// Run exports the selected cases as CSV to w and records the run. The
// returned report is never nil. The error is non-nil only for failures that
// end the run: the source or the output failed, or ctx was cancelled.
// Skipped cases are not errors; they are listed in the report.
func (s *Service) Run(ctx context.Context, sel onkostar.Selection, w io.Writer, opts ...RunOption) (*RunReport, error) {
	o := runOptions{id: uuid.New()}
	for _, fn := range opts {
		fn(&o)
	}

	report := &RunReport{
		ID:             o.id,
		Status:         StatusRunning,
		Selection:      sel,
		RequestedBy:    o.requestedBy,
		ProfileVersion: s.profile.Version,
		Workers:        s.cfg.Workers,
		StartedAt:      time.Now().UTC(),
	}
	_ = s.runs.Save(ctx, report)
	logger := s.logger.With().Str("run_id", report.ID.String()).Logger()

	sum, jl, err := s.execute(ctx, sel, w, report.ID, o, logger)
	report.apply(sum)
	if jl != nil {
		if jerr := jl.Err(); jerr != nil {
			logger.Warn().Err(jerr).Msg("defect report incomplete")
		}
	}
	s.finish(ctx, report, err, logger)
	return report, err
}

func (s *Service) execute(ctx context.Context, sel onkostar.Selection, w io.Writer, runID uuid.UUID, o runOptions, logger zerolog.Logger) (*mtb.Summary, *reporting.JSONLines, error) {
	src, err := s.open(ctx, sel)
	if err != nil {
		return nil, nil, &mtb.SourceError{Err: err}
	}

	csvOpts := s.cfg.CSV
	csvOpts.Header = nil
	if s.cfg.Header {
		csvOpts.Header = s.profile.Schema.Header()
	}
	cw, err := csvout.NewWriter(w, csvOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("csv writer: %w", err)
	}

	reporters := reporting.Multi{reporting.NewLogger(logger)}
	if s.metrics != nil {
		reporters = append(reporters, s.metrics)
	}
	var jl *reporting.JSONLines
	if o.defects != nil {
		jl = reporting.NewJSONLines(o.defects, runID.String())
		jl.All = o.defectsAll
		reporters = append(reporters, jl)
	}
	reporters = append(reporters, o.reporters...)

	sum, err := mtb.NewBatch(s.pipeline, s.cfg.Workers, reporters).Run(ctx, src, cw)
	// Nothing is flushed for a run that failed before its first row, so a
	// caller streaming to a client can still answer with an error status.
	// A failed sink is not written again.
	var sinkErr *mtb.SinkError
	if !errors.As(err, &sinkErr) && (err == nil || cw.Rows() > 0) {
		if ferr := cw.Flush(); ferr != nil && err == nil {
			err = &mtb.SinkError{Err: ferr}
		}
	}
	return sum, jl, err
}

func (s *Service) finish(ctx context.Context, report *RunReport, err error, logger zerolog.Logger) {
	now := time.Now().UTC()
	report.FinishedAt = &now
	switch {
	case err == nil:
		report.Status = StatusCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		report.Status = StatusCancelled
		report.Error = err.Error()
	default:
		report.Status = StatusFailed
		report.Error = err.Error()
	}
	if s.metrics != nil {
		s.metrics.RunFinished(string(report.Status))
	}
	// The request context may be gone; the history must still be updated.
	_ = s.runs.Save(context.WithoutCancel(ctx), report)

	evt := logger.Info()
	if err != nil {
		evt = logger.Error().Err(err)
	}
	evt.
		Str("status", string(report.Status)).
		Int("cases", report.Cases).
		Int("exported", report.Exported).
		Int("skipped", report.Skipped).
		Int("rows", report.Rows).
		Int("warnings", report.Warnings).
		Dur("duration", report.Duration()).
		Msg("export run finished")
}

// DefaultKey returns the artifact key of a run stored without an explicit key.
func DefaultKey(id uuid.UUID, started time.Time) string {
	return path.Join("exports", started.UTC().Format("2006-01-02"), id.String()+".csv")
}

func defectKey(key string) string {
	return strings.TrimSuffix(key, path.Ext(key)) + ".defects.jsonl"
}

// Export runs like Run and stores the CSV under key in the artifact store,
// together with the defect report when any case had defects. An empty key
// selects DefaultKey. Nothing is stored for a failed run.
func (s *Service) Export(ctx context.Context, sel onkostar.Selection, key string, opts ...RunOption) (*RunReport, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	id := uuid.New()
	if key == "" {
		key = DefaultKey(id, time.Now())
	}
	if err := blobstore.ValidateKey(key); err != nil {
		return nil, err
	}

	var csvBuf, defectBuf bytes.Buffer
	opts = append([]RunOption{WithRunID(id), WithDefectReport(&defectBuf, false)}, opts...)
	report, err := s.Run(ctx, sel, &csvBuf, opts...)
	if err != nil {
		return report, err
	}

	obj, err := s.store.Put(ctx, key, &csvBuf, csvContentType)
	if err != nil {
		return report, s.storeFailed(ctx, report, fmt.Errorf("store artifact: %w", err))
	}
	report.Artifact = obj

	if defectBuf.Len() > 0 {
		obj, err := s.store.Put(ctx, defectKey(key), &defectBuf, "application/x-ndjson")
		if err != nil {
			return report, s.storeFailed(ctx, report, fmt.Errorf("store defect report: %w", err))
		}
		report.DefectReport = obj
	}
	_ = s.runs.Save(ctx, report)
	s.logger.Info().
		Str("run_id", report.ID.String()).
		Str("location", report.Artifact.Location).
		Int64("size", report.Artifact.Size).
		Msg("export stored")
	return report, nil
}

func (s *Service) storeFailed(ctx context.Context, report *RunReport, err error) error {
	report.Status = StatusFailed
	report.Error = err.Error()
	_ = s.runs.Save(ctx, report)
	return err
}

// OpenArtifact opens the stored CSV of a run.
func (s *Service) OpenArtifact(ctx context.Context, id uuid.UUID) (io.ReadCloser, *blobstore.Object, error) {
	report, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if report.Artifact == nil || s.store == nil {
		return nil, nil, fmt.Errorf("%w: run %s has no stored artifact", blobstore.ErrNotFound, id)
	}
	return s.store.Open(ctx, report.Artifact.Key)
}
