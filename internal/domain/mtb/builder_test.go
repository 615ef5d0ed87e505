package mtb

import (
	"strings"
	"testing"

	"github.com/onkostar/mtbexport/internal/platform/coerce"
)

func TestBuilder_Diagnosis(t *testing.T) {
	b := NewBuilder(testProfile(t))
	e := b.Build(VariantDiagnosis, diagnosisRow("101", "1"))

	if e.ID != "101" || e.ParentID != "1" || e.PatientID != "1" {
		t.Fatalf("unexpected identity: id=%q parent=%q patient=%q", e.ID, e.ParentID, e.PatientID)
	}
	if e.Source.Table != "dk_dnpm_kpa" || e.Source.RowID != "101" {
		t.Errorf("unexpected provenance: %+v", e.Source)
	}
	if got := e.Attr("icd_code").String(); got != "C34.1" {
		t.Errorf("icd_code = %q", got)
	}
	if got := e.Attr("date").String(); got != "2024-01-15" {
		t.Errorf("date = %q", got)
	}
	if got := e.Attr("guideline_status").String(); got != "exhausted" {
		t.Errorf("guideline_status = %q", got)
	}
	if e.Attr("referral_date").Present {
		t.Error("referral_date should be absent")
	}
	if len(e.Defects()) != 0 {
		t.Errorf("unexpected defects: %v", e.Defects())
	}
}

func TestBuilder_StableIdentifier(t *testing.T) {
	b := NewBuilder(testProfile(t))
	row := diagnosisRow("101", "1")
	row["id"] = int64(101)
	first := b.Build(VariantDiagnosis, row)
	second := b.Build(VariantDiagnosis, row)
	if first.ID != "101" || first.ID != second.ID {
		t.Errorf("identifiers differ: %q vs %q", first.ID, second.ID)
	}
}

func TestBuilder_MissingRequired(t *testing.T) {
	b := NewBuilder(testProfile(t))
	row := diagnosisRow("101", "1")
	delete(row, "datumerstdiagnose")
	row["icd10"] = "  "

	e := b.Build(VariantDiagnosis, row)
	missing := defectsOf(e.Defects(), DefectMissingRequired)
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing-required defects, got %v", e.Defects())
	}
	attrs := map[string]bool{}
	for _, d := range missing {
		attrs[d.Attr] = true
		if !d.Fatal() {
			t.Errorf("missing-required should be fatal: %v", d)
		}
		if d.EntityID != "101" || d.Variant != VariantDiagnosis {
			t.Errorf("defect not attached to entity: %v", d)
		}
	}
	if !attrs["date"] || !attrs["icd_code"] {
		t.Errorf("unexpected attrs: %v", attrs)
	}
}

func TestBuilder_MissingIdentifier(t *testing.T) {
	b := NewBuilder(testProfile(t))
	row := diagnosisRow("", "1")
	e := b.Build(VariantDiagnosis, row)
	if e.ID != "" {
		t.Fatalf("expected empty id, got %q", e.ID)
	}
	missing := defectsOf(e.Defects(), DefectMissingRequired)
	if len(missing) != 1 || missing[0].Attr != "id" {
		t.Errorf("expected missing id defect, got %v", e.Defects())
	}
}

func TestBuilder_CoercionDefect(t *testing.T) {
	b := NewBuilder(testProfile(t))
	row := diagnosisRow("101", "1")
	row["leitlinienstatus"] = "maybe"
	row["datumerstdiagnose"] = "15/01/2024"

	e := b.Build(VariantDiagnosis, row)
	coercion := defectsOf(e.Defects(), DefectCoercion)
	if len(coercion) != 2 {
		t.Fatalf("expected 2 coercion defects, got %v", e.Defects())
	}
	for _, d := range coercion {
		if d.Column == "" || d.RowID != "101" {
			t.Errorf("coercion defect lacks provenance: %+v", d)
		}
	}
	// A value that failed coercion is not additionally reported as missing.
	if n := len(defectsOf(e.Defects(), DefectMissingRequired)); n != 0 {
		t.Errorf("unexpected missing-required defects: %d", n)
	}
}

func TestBuilder_JoinedRows(t *testing.T) {
	b := NewBuilder(testProfile(t))
	e := b.Build(VariantFinding, findingRows("31", "300", "101", "1", "2024-02-20")...)

	if e.ID != "31" {
		t.Errorf("id should come from the first row, got %q", e.ID)
	}
	if e.ParentID != "101" || e.PatientID != "1" {
		t.Errorf("parent/patient from report row: %q %q", e.ParentID, e.PatientID)
	}
	checks := map[string]string{
		"report_id":        "300",
		"report_date":      "2024-02-20",
		"result":           "snv",
		"gene":             "BRAF",
		"allele_frequency": "0.42",
		"sequencing_type":  "panel",
		"specimen_id":      "H/2024/300",
	}
	for attr, want := range checks {
		if got := e.Attr(attr).String(); got != want {
			t.Errorf("%s = %q, want %q", attr, got, want)
		}
	}
	if len(e.Defects()) != 0 {
		t.Errorf("unexpected defects: %v", e.Defects())
	}
}

func TestBuilder_NullInFirstRowFallsThrough(t *testing.T) {
	b := NewBuilder(testProfile(t))
	rows := findingRows("31", "300", "101", "1", "2024-02-20")
	rows[0]["datum"] = nil
	e := b.Build(VariantFinding, rows...)
	if got := e.Attr("report_date").String(); got != "2024-02-20" {
		t.Errorf("report_date = %q", got)
	}
}

func TestBuilder_RecommendationReferences(t *testing.T) {
	b := NewBuilder(testProfile(t))
	e := b.Build(VariantRecommendation,
		recommendationRow("51", "40", "1", `[{"id":"31","gen":"BRAF"},{"id":30,"gen":"KRAS"},{"gen":"TP53"}]`))

	if got := e.Attr("evidence_level").String(); got != "m1C" {
		t.Errorf("evidence_level = %q", got)
	}
	if got := e.Attr("priority").String(); got != "1" {
		t.Errorf("priority = %q", got)
	}
	if got := e.Attr("category").String(); got != "systemic" {
		t.Errorf("category = %q", got)
	}
	if got := e.Attr("medications").String(); got != "Dabrafenib" {
		t.Errorf("medications = %q", got)
	}
	if got := e.Attr("supporting_variants").String(); got != "31,30" {
		t.Errorf("supporting_variants = %q", got)
	}
	if got := e.Attr("supporting_genes").String(); got != "BRAF,KRAS,TP53" {
		t.Errorf("supporting_genes = %q", got)
	}
	refs := e.Refs()
	if len(refs) != 2 || refs[0].Key() != "finding/31" || refs[1].Key() != "finding/30" {
		t.Errorf("unexpected refs: %+v", refs)
	}
}

func TestBuilder_MalformedJSONList(t *testing.T) {
	b := NewBuilder(testProfile(t))
	e := b.Build(VariantRecommendation, recommendationRow("51", "40", "1", `[{"id":"31"`))

	coercion := defectsOf(e.Defects(), DefectCoercion)
	if len(coercion) != 2 {
		t.Fatalf("expected a coercion defect per list attribute, got %v", e.Defects())
	}
	if !strings.Contains(coercion[0].Message, "invalid JSON list") {
		t.Errorf("unexpected message: %s", coercion[0].Message)
	}
	if len(e.Refs()) != 0 {
		t.Errorf("no refs expected from malformed list")
	}
}

func TestBuilder_ProcedureBasedOn(t *testing.T) {
	b := NewBuilder(testProfile(t))
	row := procedureRow("61", "101", "1", "2024-02-01")
	row["ref_einzelempfehlung"] = int64(51)
	row["therapielinie"] = int64(2)
	e := b.Build(VariantProcedure, row)

	if refs := e.Refs(); len(refs) != 1 || refs[0].Key() != "recommendation/51" || refs[0].Attr != "based_on" {
		t.Errorf("unexpected refs: %+v", refs)
	}
	if got := e.Attr("type").String(); got != "surgery" {
		t.Errorf("type = %q", got)
	}
	if got := e.Attr("therapy_line").String(); got != "2" {
		t.Errorf("therapy_line = %q", got)
	}
}

func TestBuilder_PatientGender(t *testing.T) {
	b := NewBuilder(testProfile(t))
	tests := []struct {
		raw  any
		want string
	}{
		{"M", "male"},
		{"w", "female"},
		{"x", "other"},
		{nil, "unknown"},
	}
	for _, tt := range tests {
		row := patientRow("1")
		row["geschlecht"] = tt.raw
		e := b.Build(VariantPatient, row)
		if got := e.Attr("gender").String(); got != tt.want {
			t.Errorf("%v: gender = %q, want %q", tt.raw, got, tt.want)
		}
		if e.ParentID != "" {
			t.Errorf("patient must not have a parent id")
		}
	}
}

func TestBuilder_InsuranceType(t *testing.T) {
	b := NewBuilder(testProfile(t))
	row := patientRow("1")
	row["artderkrankenkasse"] = "gkv"
	e := b.Build(VariantPatient, row)
	if got := e.Attr("insurance_type").String(); got != "GKV" {
		t.Errorf("insurance_type = %q", got)
	}

	row["artderkrankenkasse"] = "AOK"
	e = b.Build(VariantPatient, row)
	if n := len(defectsOf(e.Defects(), DefectCoercion)); n != 1 {
		t.Errorf("expected coercion defect for unknown insurance type, got %v", e.Defects())
	}
}

func TestFirstWith(t *testing.T) {
	rows := []coerce.RawRow{{"a": nil}, {"a": "x"}, {"b": "y"}}
	if r := firstWith(rows, "a"); r["a"] != "x" {
		t.Errorf("expected non-null row, got %v", r)
	}
	if r := firstWith(rows[:1], "a"); r == nil {
		t.Error("expected declaring row for null column")
	}
	if r := firstWith(rows, "c"); r != nil {
		t.Errorf("expected nil for undeclared column, got %v", r)
	}
}

func TestBuilder_DiagnosisLeaves(t *testing.T) {
	b := NewBuilder(testProfile(t))
	tests := []struct {
		name    string
		variant Variant
		rows    []coerce.RawRow
		parent  string
		want    map[string]string
	}{
		{
			name:    "therapy line",
			variant: VariantTherapyLine,
			rows:    []coerce.RawRow{therapyLineRow("60", "101", "1", "2024-04-02")},
			parent:  "101",
			want: map[string]string{
				"start":       "2024-04-02",
				"recorded_on": "2024-04-01",
				"number":      "2",
				"intent":      "P",
				"status":      "on-going",
				"medications": "Dabrafenib,Trametinib",
			},
		},
		{
			name:    "family member history",
			variant: VariantFamilyMemberHistory,
			rows:    []coerce.RawRow{familyMemberRow("61", "101", "1", "EXT")},
			parent:  "101",
			want:    map[string]string{"relationship": "EXT"},
		},
		{
			name:    "histology",
			variant: VariantHistology,
			rows:    []coerce.RawRow{histologyRow("62", "101", "1", "300")},
			parent:  "101",
			want: map[string]string{
				"report_id":          "300",
				"issued_on":          "2024-02-18",
				"morphology":         "8140/3",
				"tumor_cell_content": "60",
			},
		},
		{
			name:    "msi joined with report",
			variant: VariantMSI,
			rows:    msiRows("63", "300", "101", "1", "S"),
			parent:  "101",
			want: map[string]string{
				"report_id":   "300",
				"report_date": "2024-02-20",
				"specimen_id": "H/2024/300",
				"method":      "bioinformatic",
				"value":       "3.5",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := b.Build(tt.variant, tt.rows...)
			if e.ParentID != tt.parent || e.PatientID != "1" {
				t.Errorf("parent=%q patient=%q", e.ParentID, e.PatientID)
			}
			for attr, want := range tt.want {
				if got := e.Attr(attr).String(); got != want {
					t.Errorf("%s = %q, want %q", attr, got, want)
				}
			}
			if len(e.Defects()) != 0 {
				t.Errorf("unexpected defects: %v", e.Defects())
			}
		})
	}
}

func TestBuilder_TherapyLineRequiresDates(t *testing.T) {
	b := NewBuilder(testProfile(t))
	row := therapyLineRow("60", "101", "1", "")
	delete(row, "erfassungsdatum")

	e := b.Build(VariantTherapyLine, row)
	missing := defectsOf(e.Defects(), DefectMissingRequired)
	if len(missing) != 2 {
		t.Fatalf("expected start and recorded_on missing, got %v", e.Defects())
	}
}

func TestBuilder_UnknownRelationship(t *testing.T) {
	b := NewBuilder(testProfile(t))
	e := b.Build(VariantFamilyMemberHistory, familyMemberRow("61", "101", "1", "SIB"))
	if n := len(defectsOf(e.Defects(), DefectCoercion)); n != 1 {
		t.Errorf("expected one coercion defect, got %v", e.Defects())
	}
}
