package onkostar

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/onkostar/mtbexport/internal/domain/mtb"
	"github.com/onkostar/mtbexport/internal/platform/coerce"
	"github.com/onkostar/mtbexport/internal/platform/db"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// Schema returns the Onkostar tables read by the exporter as numbered SQL
// files, for use with db.Migrator.
func Schema() fs.FS {
	sub, err := fs.Sub(schemaFiles, "schema")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrCaseNotFound is returned when a selected patient or case number does
// not exist in the source database.
var ErrCaseNotFound = errors.New("case not found")

// reportTable holds the molecular report a finding subform belongs to.
const reportTable = "dk_molekulargenetik"

const displayLookups = 4

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Selection restricts which cases are read. An empty selection reads every
// patient with a non-deleted KPA form.
type Selection struct {
	PatientIDs  []string `json:"patient_ids,omitempty"`
	CaseNumbers []string `json:"case_numbers,omitempty"`
}

func (s Selection) All() bool {
	return len(s.PatientIDs) == 0 && len(s.CaseNumbers) == 0
}

// Reader yields one case per patient in ascending patient id order.
// It implements mtb.Source and is not safe for concurrent use.
type Reader struct {
	db        db.DB
	profile   *mtb.Profile
	sel       Selection
	catalogue *Catalogue
	display   map[string][]string
	logger    zerolog.Logger

	ids      []string
	pos      int
	resolved bool
}

func NewReader(d db.DB, p *mtb.Profile, sel Selection, logger zerolog.Logger) (*Reader, error) {
	for _, v := range mtb.Variants() {
		if t := p.Variant(v).Table; !identRe.MatchString(t) {
			return nil, fmt.Errorf("invalid table name %q for %s", t, v)
		}
	}
	return &Reader{
		db:        d,
		profile:   p,
		sel:       sel,
		catalogue: NewCatalogue(d),
		display:   p.DisplayColumns(),
		logger:    logger.With().Str("component", "onkostar").Logger(),
	}, nil
}

// Cases resolves the selection and returns the case ids in read order.
func (r *Reader) Cases(ctx context.Context) ([]string, error) {
	if err := r.ensureResolved(ctx); err != nil {
		return nil, err
	}
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out, nil
}

// Next returns the rows of the next case, or io.EOF after the last one.
func (r *Reader) Next(ctx context.Context) (mtb.CaseRows, error) {
	if err := ctx.Err(); err != nil {
		return mtb.CaseRows{}, err
	}
	if err := r.ensureResolved(ctx); err != nil {
		return mtb.CaseRows{}, err
	}
	if r.pos >= len(r.ids) {
		return mtb.CaseRows{}, io.EOF
	}
	id := r.ids[r.pos]
	r.pos++

	rows, err := r.load(ctx, id)
	if err != nil {
		return mtb.CaseRows{}, fmt.Errorf("load case %s: %w", id, err)
	}
	r.logger.Debug().Str("case_id", id).Int("records", rows.Len()).Msg("case loaded")
	return rows, nil
}

func (r *Reader) ensureResolved(ctx context.Context) error {
	if r.resolved {
		return nil
	}
	ids, err := r.resolve(ctx)
	if err != nil {
		return err
	}
	r.ids = ids
	r.resolved = true
	r.logger.Info().Int("cases", len(ids)).Bool("all", r.sel.All()).Msg("case selection resolved")
	return nil
}

func (r *Reader) resolve(ctx context.Context) ([]string, error) {
	var ids []string

	if r.sel.All() {
		rows, err := r.db.Query(ctx, `SELECT DISTINCT prozedur.patient_id FROM dk_dnpm_kpa
JOIN prozedur ON (prozedur.id = dk_dnpm_kpa.id)
WHERE prozedur.geloescht = 0`)
		if err != nil {
			return nil, fmt.Errorf("query cases: %w", err)
		}
		for _, row := range rows {
			if id := identifier(row, "patient_id"); id != "" {
				ids = append(ids, id)
			}
		}
		return sortIDs(ids), nil
	}

	if n := len(r.sel.PatientIDs); n > 0 {
		rows, err := r.db.Query(ctx, "SELECT id FROM patient WHERE id IN ("+db.Placeholders(n)+")", idArgs(r.sel.PatientIDs)...)
		if err != nil {
			return nil, fmt.Errorf("query patients: %w", err)
		}
		have := make(map[string]bool, len(rows))
		for _, row := range rows {
			have[identifier(row, "id")] = true
		}
		for _, id := range r.sel.PatientIDs {
			id = strings.TrimSpace(id)
			if !have[id] {
				return nil, fmt.Errorf("%w: patient %s", ErrCaseNotFound, id)
			}
			ids = append(ids, id)
		}
	}

	if n := len(r.sel.CaseNumbers); n > 0 {
		args := make([]any, n)
		for i, c := range r.sel.CaseNumbers {
			args[i] = strings.TrimSpace(c)
		}
		rows, err := r.db.Query(ctx, `SELECT dk_dnpm_kpa.fallnummermv, prozedur.patient_id FROM dk_dnpm_kpa
JOIN prozedur ON (prozedur.id = dk_dnpm_kpa.id)
WHERE prozedur.geloescht = 0 AND dk_dnpm_kpa.fallnummermv IN (`+db.Placeholders(n)+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("query case numbers: %w", err)
		}
		byCase := make(map[string]string, len(rows))
		for _, row := range rows {
			byCase[text(row, "fallnummermv")] = identifier(row, "patient_id")
		}
		for _, a := range args {
			pid, ok := byCase[a.(string)]
			if !ok || pid == "" {
				return nil, fmt.Errorf("%w: case number %s", ErrCaseNotFound, a)
			}
			ids = append(ids, pid)
		}
	}
	return sortIDs(ids), nil
}

func formQuery(table string) string {
	return fmt.Sprintf(`SELECT prozedur.patient_id, prozedur.hauptprozedur_id, %[1]s.* FROM %[1]s
JOIN prozedur ON (prozedur.id = %[1]s.id)
WHERE prozedur.geloescht = 0 AND prozedur.patient_id = ?
ORDER BY %[1]s.id`, table)
}

var formVariants = []mtb.Variant{
	mtb.VariantDiagnosis,
	mtb.VariantProcedure,
	mtb.VariantTherapyLine,
	mtb.VariantPerformanceStatus,
	mtb.VariantFamilyMemberHistory,
	mtb.VariantHistology,
	mtb.VariantCarePlan,
	mtb.VariantRecommendation,
}

// reportVariants are subforms of a molecular report.
var reportVariants = []mtb.Variant{
	mtb.VariantFinding,
	mtb.VariantMSI,
}

func (r *Reader) load(ctx context.Context, patientID string) (mtb.CaseRows, error) {
	out := mtb.CaseRows{CaseID: patientID, Records: make(map[mtb.Variant][]mtb.SourceRecord)}
	arg := idArg(patientID)
	byTable := make(map[string][]map[string]any)

	patients, err := r.db.Query(ctx, "SELECT * FROM patient WHERE id = ?", arg)
	if err != nil {
		return out, fmt.Errorf("query patient: %w", err)
	}

	forms := make(map[mtb.Variant][]map[string]any, len(formVariants))
	for _, v := range formVariants {
		table := r.profile.Variant(v).Table
		rows, err := r.db.Query(ctx, formQuery(table), arg)
		if err != nil {
			return out, fmt.Errorf("query %s: %w", table, err)
		}
		forms[v] = rows
		byTable[table] = append(byTable[table], rows...)
	}

	reports, err := r.db.Query(ctx, formQuery(reportTable), arg)
	if err != nil {
		return out, fmt.Errorf("query %s: %w", reportTable, err)
	}
	byTable[reportTable] = reports
	subforms := make(map[mtb.Variant][]map[string]any, len(reportVariants))
	for _, v := range reportVariants {
		table := r.profile.Variant(v).Table
		rows, err := r.db.Query(ctx, formQuery(table), arg)
		if err != nil {
			return out, fmt.Errorf("query %s: %w", table, err)
		}
		subforms[v] = rows
		byTable[table] = rows
	}
	subforms[mtb.VariantMSI] = msiRows(subforms[mtb.VariantMSI])

	if err := r.addDisplays(ctx, byTable); err != nil {
		return out, err
	}

	for _, row := range patients {
		out.Records[mtb.VariantPatient] = append(out.Records[mtb.VariantPatient], record(row))
	}
	for _, v := range formVariants {
		for _, row := range forms[v] {
			out.Records[v] = append(out.Records[v], record(row))
		}
	}
	byReport := reportOwners(reports, forms)
	for _, v := range reportVariants {
		out.Records[v] = joinReports(byReport, subforms[v])
	}
	return out, nil
}

// reportOwners indexes the molecular reports by id. Each report gains a
// ref_kpa column naming the diagnosis it belongs to: the KPA whose care plan
// recommends on the report, else the patient's latest KPA.
func reportOwners(reports []map[string]any, forms map[mtb.Variant][]map[string]any) map[string]map[string]any {
	planKPA := make(map[string]string)
	for _, plan := range forms[mtb.VariantCarePlan] {
		planKPA[identifier(plan, "id")] = identifier(plan, "ref_dnpm_klinikanamnese")
	}
	reportKPA := make(map[string]string)
	for _, rec := range forms[mtb.VariantRecommendation] {
		rep := identifier(rec, "ref_molekulargenetik")
		kpa := planKPA[identifier(rec, "hauptprozedur_id")]
		if _, seen := reportKPA[rep]; rep != "" && kpa != "" && !seen {
			reportKPA[rep] = kpa
		}
	}
	fallback := latestDiagnosis(forms[mtb.VariantDiagnosis])

	byID := make(map[string]map[string]any, len(reports))
	for _, rep := range reports {
		delete(rep, "hauptprozedur_id")
		id := identifier(rep, "id")
		if kpa, ok := reportKPA[id]; ok {
			rep["ref_kpa"] = kpa
		} else if fallback != "" {
			rep["ref_kpa"] = fallback
		}
		byID[id] = rep
	}
	return byID
}

// joinReports pairs each subform row with its report row.
func joinReports(byID map[string]map[string]any, subforms []map[string]any) []mtb.SourceRecord {
	out := make([]mtb.SourceRecord, 0, len(subforms))
	for _, sub := range subforms {
		if rep, ok := byID[identifier(sub, "hauptprozedur_id")]; ok {
			out = append(out, record(sub, rep))
			continue
		}
		out = append(out, record(sub))
	}
	return out
}

// msiRows keeps the MSI entries of the complex biomarker subform. Onkostar
// allows several analysis methods per entry; the preferred one is exported
// as analysemethode. The percentage is only meaningful for sequencing.
func msiRows(rows []map[string]any) []map[string]any {
	var out []map[string]any
	for _, row := range rows {
		if !strings.EqualFold(text(row, "komplexerbiomarker"), "MSI") {
			continue
		}
		method := msiMethod(text(row, "analysemethoden"))
		if method == "" {
			row["analysemethode"] = nil
		} else {
			row["analysemethode"] = method
		}
		if method != "S" {
			row["seqprozentwert"] = nil
		}
		out = append(out, row)
	}
	return out
}

// msiMethod picks sequencing over PCR over immunohistochemistry.
func msiMethod(list string) string {
	have := make(map[string]bool)
	for _, m := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ';' || r == ' ' }) {
		have[strings.ToUpper(m)] = true
	}
	for _, m := range []string{"S", "P", "I"} {
		if have[m] {
			return m
		}
	}
	return ""
}

// latestDiagnosis picks the KPA with the latest MTB referral date, then the
// highest id.
func latestDiagnosis(kpas []map[string]any) string {
	var bestID, bestDate string
	for _, k := range kpas {
		id := identifier(k, "id")
		date := dateText(k, "anmeldedatummtb")
		if bestID == "" || date > bestDate || (date == bestDate && mtb.CompareIDs(id, bestID) > 0) {
			bestID, bestDate = id, date
		}
	}
	return bestID
}

type displayKey struct {
	code    string
	version int64
}

// addDisplays sets <column>_display on rows of tables with catalogue-coded
// columns. Codes missing from the catalogue are left without display.
func (r *Reader) addDisplays(ctx context.Context, byTable map[string][]map[string]any) error {
	wanted := make(map[displayKey]*Entry)
	for table, cols := range r.display {
		for _, row := range byTable[table] {
			for _, col := range cols {
				if k, ok := displayKeyOf(row, col); ok {
					wanted[k] = nil
				}
			}
		}
	}
	if len(wanted) == 0 {
		return nil
	}

	keys := make([]displayKey, 0, len(wanted))
	for k := range wanted {
		keys = append(keys, k)
	}
	entries := make([]*Entry, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(displayLookups)
	for i, k := range keys {
		g.Go(func() error {
			e, err := r.catalogue.Lookup(gctx, k.code, k.version)
			if errors.Is(err, ErrEntryNotFound) {
				r.logger.Warn().Str("code", k.code).Int64("version", k.version).Msg("property catalogue entry missing")
				return nil
			}
			entries[i] = e
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, k := range keys {
		wanted[k] = entries[i]
	}

	for table, cols := range r.display {
		for _, row := range byTable[table] {
			for _, col := range cols {
				k, ok := displayKeyOf(row, col)
				if !ok {
					continue
				}
				if e := wanted[k]; e != nil {
					row[col+"_display"] = e.ShortDesc
				}
			}
		}
	}
	return nil
}

func displayKeyOf(row map[string]any, col string) (displayKey, bool) {
	code := text(row, col)
	version, err := strconv.ParseInt(identifier(row, col+"_propcat_version"), 10, 64)
	if code == "" || err != nil {
		return displayKey{}, false
	}
	return displayKey{code: code, version: version}, true
}

func record(rows ...map[string]any) mtb.SourceRecord {
	rec := mtb.SourceRecord{Rows: make([]coerce.RawRow, len(rows))}
	for i, r := range rows {
		rec.Rows[i] = coerce.RawRow(r)
	}
	return rec
}

var (
	stringType = coerce.Type{Kind: coerce.KindString}
	idType     = coerce.Type{Kind: coerce.KindIdentifier}
	dateType   = coerce.Type{Kind: coerce.KindDate}
)

func scalar(row map[string]any, col string, typ coerce.Type) string {
	f, err := coerce.Coerce(coerce.RawRow(row), col, typ, "")
	if err != nil || !f.Value.Present {
		return ""
	}
	return f.Value.Text()
}

func text(row map[string]any, col string) string       { return scalar(row, col, stringType) }
func identifier(row map[string]any, col string) string { return scalar(row, col, idType) }
func dateText(row map[string]any, col string) string   { return scalar(row, col, dateType) }

// idArg passes numeric ids as integers so typed drivers bind them to
// integer columns.
func idArg(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func idArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = idArg(strings.TrimSpace(id))
	}
	return out
}

func sortIDs(ids []string) []string {
	sort.Slice(ids, func(i, j int) bool { return mtb.CompareIDs(ids[i], ids[j]) < 0 })
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if len(out) == 0 || out[len(out)-1] != id {
			out = append(out, id)
		}
	}
	return out
}
