package export

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/onkostar/mtbexport/internal/domain/mtb"
	"github.com/onkostar/mtbexport/internal/platform/blobstore"
	"github.com/onkostar/mtbexport/internal/platform/onkostar"
	"github.com/onkostar/mtbexport/internal/platform/reporting"
)

var (
	ErrRunNotFound    = errors.New("export run not found")
	ErrNoStore        = errors.New("no artifact store configured")
	ErrEmptySelection = errors.New("select patient_ids, case_numbers or all")
	ErrMixedSelection = errors.New("all cannot be combined with patient_ids or case_numbers")
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Request is the body of POST /api/v1/exports.
type Request struct {
	PatientIDs  []string `json:"patient_ids"`
	CaseNumbers []string `json:"case_numbers"`
	All         bool     `json:"all"`
	// Store writes the CSV to the artifact store instead of the response.
	Store bool   `json:"store"`
	Key   string `json:"key"`
}

// Selection validates the request and returns the case selection. Reading
// every case must be asked for explicitly.
func (r Request) Selection() (onkostar.Selection, error) {
	sel := onkostar.Selection{PatientIDs: r.PatientIDs, CaseNumbers: r.CaseNumbers}
	switch {
	case r.All && !sel.All():
		return sel, ErrMixedSelection
	case !r.All && sel.All():
		return sel, ErrEmptySelection
	}
	return sel, nil
}

// SkippedCase lists why one case was left out of the export.
type SkippedCase struct {
	CaseID  string                   `json:"case_id"`
	Defects []reporting.DefectRecord `json:"defects"`
}

// RunReport is the outcome of one export run.
type RunReport struct {
	ID             uuid.UUID          `json:"id"`
	Status         Status             `json:"status"`
	Selection      onkostar.Selection `json:"selection"`
	RequestedBy    string             `json:"requested_by,omitempty"`
	ProfileVersion string             `json:"profile_version"`
	Workers        int                `json:"workers"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Cases    int `json:"cases"`
	Exported int `json:"exported"`
	Skipped  int `json:"skipped"`
	Rows     int `json:"rows"`
	Fatal    int `json:"fatal_defects"`
	Warnings int `json:"warning_defects"`

	SkippedCases []SkippedCase     `json:"skipped_cases,omitempty"`
	Artifact     *blobstore.Object `json:"artifact,omitempty"`
	DefectReport *blobstore.Object `json:"defect_report,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Duration returns the wall time of a finished run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *RunReport) apply(sum *mtb.Summary) {
	if sum == nil {
		return
	}
	r.Cases = sum.Cases
	r.Exported = sum.Exported
	r.Skipped = sum.Skipped
	r.Rows = sum.Rows
	r.Fatal = sum.Fatal
	r.Warnings = sum.Warnings
	r.SkippedCases = make([]SkippedCase, len(sum.SkippedCases))
	for i, c := range sum.SkippedCases {
		r.SkippedCases[i] = SkippedCase{
			CaseID:  c.CaseID,
			Defects: reporting.NewCaseRecord("", c).Defects,
		}
	}
}

func (r *RunReport) clone() *RunReport {
	out := *r
	out.SkippedCases = append([]SkippedCase(nil), r.SkippedCases...)
	return &out
}
