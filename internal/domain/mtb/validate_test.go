package mtb

import (
	"reflect"
	"testing"
)

func validateCase(t *testing.T, rows CaseRows) []Defect {
	t.Helper()
	p := testProfile(t)
	g := NewAssembler(p, false).Assemble(rows.CaseID, buildAll(t, p, rows))
	return NewValidator(p).Validate(g)
}

func TestValidate_CleanCase(t *testing.T) {
	if defects := validateCase(t, basicCase("1")); len(defects) != 0 {
		t.Errorf("unexpected defects: %v", defects)
	}
}

func TestValidate_MissingDiagnosisDate(t *testing.T) {
	rows := basicCase("1")
	delete(rows.Records[VariantDiagnosis][0].Rows[0], "datumerstdiagnose")

	defects := validateCase(t, rows)
	if !HasFatal(defects) {
		t.Fatal("expected a fatal defect")
	}
	missing := defectsOf(defects, DefectMissingRequired)
	if len(missing) != 1 || missing[0].EntityID != "101" || missing[0].Attr != "date" {
		t.Errorf("unexpected defects: %v", defects)
	}
}

func TestValidate_DuplicateSiblings(t *testing.T) {
	rows := basicCase("1")
	rows.Records[VariantFinding] = append(rows.Records[VariantFinding],
		record(findingRows("31", "300", "101", "1", "2024-02-20")...))

	defects := validateCase(t, rows)
	dups := defectsOf(defects, DefectDuplicateIdentifier)
	if len(dups) != 1 || dups[0].EntityID != "31" || !dups[0].Fatal() {
		t.Errorf("unexpected duplicate defects: %v", defects)
	}
}

func TestValidate_BusinessRules(t *testing.T) {
	rows := basicCase("1")
	rows.Records[VariantPatient][0].Rows[0]["sterbedatum"] = "1950-01-01"

	proc := procedureRow("70", "101", "1", "2024-02-01")
	proc["ende"] = "2024-01-01"
	rows.Records[VariantProcedure] = []SourceRecord{record(proc)}

	rows.Records[VariantPerformanceStatus] = []SourceRecord{record(map[string]any{
		"id": "80", "hauptprozedur_id": "101", "patient_id": "1", "datum": "2024-01-20",
	})}

	line := therapyLineRow("75", "101", "1", "2024-04-01")
	line["ende"] = "2024-03-01"
	rows.Records[VariantTherapyLine] = []SourceRecord{record(line)}

	histo := histologyRow("85", "101", "1", "300")
	histo["tumorzellgehalt"] = "120"
	rows.Records[VariantHistology] = []SourceRecord{record(histo), record(histologyRow("86", "101", "1", "300"))}

	rows.Records[VariantMSI] = []SourceRecord{
		record(msiRows("90", "300", "101", "1", "S")...),
		record(msiRows("91", "300", "101", "1", "")...),
	}

	rows.Records[VariantCarePlan] = []SourceRecord{record(carePlanRow("40", "101", "1"))}
	rows.Records[VariantRecommendation] = []SourceRecord{
		record(recommendationRow("51", "40", "1", `[]`)),
		record(recommendationRow("52", "40", "1", `[{"id":"30"}]`)),
	}

	defects := validateCase(t, rows)
	rules := defectsOf(defects, DefectBusinessRule)
	got := make([]string, len(rules))
	for i, d := range rules {
		got[i] = d.Label()
	}
	want := []string{
		"business-rule:patient/1.death_date",
		"business-rule:procedure/70.end",
		"business-rule:therapy_line/75.end",
		"business-rule:performance_status/80.ecog",
		"business-rule:histology/85.tumor_cell_content",
		"business-rule:msi/91.method",
		"business-rule:recommendation/51.supporting_variants",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if HasFatal(defects) {
		t.Errorf("business rules are warnings by default: %v", defects)
	}
}

func TestValidate_Deterministic(t *testing.T) {
	rows := basicCase("1")
	rows.Records[VariantFinding] = append(rows.Records[VariantFinding],
		record(findingRows("40", "310", "999", "1", "2024-02-01")...),
		record(findingRows("41", "311", "101", "1", "bad-date")...),
	)
	first := validateCase(t, rows)
	for i := 0; i < 5; i++ {
		if again := validateCase(t, rows); !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%v\n%v", i, first, again)
		}
	}
}

func TestSortDefects(t *testing.T) {
	defects := []Defect{
		{Kind: DefectMissingRequired, Variant: VariantFinding, EntityID: "10", Attr: "gene"},
		{Kind: DefectCoercion, Variant: VariantFinding, EntityID: "10", Attr: "result"},
		{Kind: DefectCoercion, Variant: VariantFinding, EntityID: "9"},
		{Kind: DefectOrphanedRow, Variant: VariantDiagnosis, EntityID: "200"},
		{Kind: DefectMissingRequired, Variant: VariantPatient, EntityID: "1", Attr: "birth_date"},
	}
	SortDefects(defects)
	var got []string
	for _, d := range defects {
		got = append(got, d.Label())
	}
	want := []string{
		"missing-required:patient/1.birth_date",
		"orphaned-row:diagnosis/200",
		"coercion-error:finding/9",
		"coercion-error:finding/10.result",
		"missing-required:finding/10.gene",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDefect_String(t *testing.T) {
	d := Defect{
		Kind: DefectDanglingReference, Severity: SeverityWarning, Variant: VariantRecommendation,
		EntityID: "51", Attr: "supporting_variants", Target: "finding/77", Message: "referenced entity not in case",
	}
	want := "WARNING dangling-reference:recommendation/51.supporting_variants -> finding/77: referenced entity not in case"
	if d.String() != want {
		t.Errorf("got %q", d.String())
	}
}
