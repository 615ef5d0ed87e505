// Package reporting publishes per-case export outcomes: as structured log
// events and as a JSON Lines defect report.
package reporting

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/onkostar/mtbexport/internal/domain/mtb"
)

// Logger reports cases through zerolog. Skipped cases are logged at warn
// level with their fatal defects; exported cases at debug level.
type Logger struct {
	logger zerolog.Logger
}

func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "export").Logger()}
}

func (l *Logger) ReportCase(_ context.Context, r mtb.CaseResult) {
	fatal, warnings := mtb.CountBySeverity(r.Defects)
	if r.Outcome == mtb.OutcomeSkipped {
		labels := make([]string, 0, fatal)
		for _, d := range r.Defects {
			if d.Fatal() {
				labels = append(labels, d.String())
			}
		}
		l.logger.Warn().
			Str("case_id", r.CaseID).
			Int("fatal", fatal).
			Int("warnings", warnings).
			Strs("defects", labels).
			Msg("case skipped")
		return
	}
	l.logger.Debug().
		Str("case_id", r.CaseID).
		Int("entities", r.Entities).
		Int("rows", r.Rows).
		Int("warnings", warnings).
		Dur("duration", r.Duration).
		Msg("case exported")
}

// DefectRecord is the JSON form of one defect.
type DefectRecord struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Variant  string `json:"variant,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	Attr     string `json:"attr,omitempty"`
	Target   string `json:"target,omitempty"`
	Column   string `json:"column,omitempty"`
	RowID    string `json:"row_id,omitempty"`
	Message  string `json:"message"`
}

// CaseRecord is one line of the defect report.
type CaseRecord struct {
	RunID      string         `json:"run_id,omitempty"`
	CaseID     string         `json:"case_id"`
	Outcome    string         `json:"outcome"`
	Entities   int            `json:"entities"`
	Rows       int            `json:"rows"`
	DurationMS float64        `json:"duration_ms"`
	Defects    []DefectRecord `json:"defects"`
}

// NewCaseRecord converts a case result for serialization.
func NewCaseRecord(runID string, r mtb.CaseResult) CaseRecord {
	rec := CaseRecord{
		RunID:      runID,
		CaseID:     r.CaseID,
		Outcome:    string(r.Outcome),
		Entities:   r.Entities,
		Rows:       r.Rows,
		DurationMS: float64(r.Duration.Microseconds()) / 1000,
		Defects:    make([]DefectRecord, len(r.Defects)),
	}
	for i, d := range r.Defects {
		rec.Defects[i] = DefectRecord{
			Kind:     string(d.Kind),
			Severity: d.Severity.String(),
			Variant:  string(d.Variant),
			EntityID: d.EntityID,
			Attr:     d.Attr,
			Target:   d.Target,
			Column:   d.Column,
			RowID:    d.RowID,
			Message:  d.Message,
		}
	}
	return rec
}

// JSONLines writes one CaseRecord per line. Cases without defects are
// omitted unless All is set. Write errors are kept and returned by Err.
type JSONLines struct {
	RunID string
	All   bool

	mu  sync.Mutex
	enc *json.Encoder
	err error
	n   int
}

func NewJSONLines(w io.Writer, runID string) *JSONLines {
	return &JSONLines{RunID: runID, enc: json.NewEncoder(w)}
}

func (j *JSONLines) ReportCase(_ context.Context, r mtb.CaseResult) {
	if len(r.Defects) == 0 && !j.All {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return
	}
	if err := j.enc.Encode(NewCaseRecord(j.RunID, r)); err != nil {
		j.err = err
		return
	}
	j.n++
}

// Written returns the number of records written.
func (j *JSONLines) Written() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.n
}

// Err returns the first write error.
func (j *JSONLines) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Multi fans a case out to several reporters in order.
type Multi []mtb.Reporter

func (m Multi) ReportCase(ctx context.Context, r mtb.CaseResult) {
	for _, rep := range m {
		if rep != nil {
			rep.ReportCase(ctx, r)
		}
	}
}
