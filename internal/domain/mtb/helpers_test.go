package mtb

import (
	"testing"

	"github.com/onkostar/mtbexport/internal/platform/coerce"
)

func testProfile(t *testing.T) *Profile {
	t.Helper()
	p, err := DefaultProfile()
	if err != nil {
		t.Fatalf("DefaultProfile: %v", err)
	}
	return p
}

func patientRow(id string) coerce.RawRow {
	return coerce.RawRow{
		"id":           id,
		"patienten_id": "PID-" + id,
		"geschlecht":   "w",
		"geburtsdatum": "1961-04-12",
	}
}

func diagnosisRow(id, patient string) coerce.RawRow {
	return coerce.RawRow{
		"id":                id,
		"patient_id":        patient,
		"fallnummermv":      "F-" + id,
		"icd10":             "C34.1",
		"datumerstdiagnose": "2024-01-15",
		"leitlinienstatus":  "exhausted",
	}
}

// findingRows returns the subform row and the report row of one finding.
func findingRows(id, report, kpa, patient, date string) []coerce.RawRow {
	return []coerce.RawRow{
		{
			"id":               id,
			"hauptprozedur_id": report,
			"ergebnis":         "P",
			"untersucht":       "BRAF",
			"cdnanomenklatur":  "c.1799T>A",
			"allelfrequenz":    "0.42",
		},
		{
			"id":                  report,
			"patient_id":          patient,
			"ref_kpa":             kpa,
			"datum":               date,
			"einsendenummer":      "H/2024/" + report,
			"artdersequenzierung": "PanelKit",
		},
	}
}

func carePlanRow(id, kpa, patient string) coerce.RawRow {
	return coerce.RawRow{
		"id":                      id,
		"patient_id":              patient,
		"ref_dnpm_klinikanamnese": kpa,
		"datum":                   "2024-03-01",
		"mit_einzelempfehlung":    int64(1),
	}
}

func recommendationRow(id, plan, patient, variants string) coerce.RawRow {
	return coerce.RawRow{
		"id":                   id,
		"hauptprozedur_id":     plan,
		"patient_id":           patient,
		"datum":                "2024-03-01",
		"prio":                 int64(1),
		"evidenzlevel":         "3",
		"empfehlungskategorie": "systemisch",
		"wirkstoffe_json":      `[{"code":"L01EC02","name":"Dabrafenib","system":"ATC"}]`,
		"st_mol_alt_variante":  variants,
	}
}

func procedureRow(id, kpa, patient, start string) coerce.RawRow {
	return coerce.RawRow{
		"id":               id,
		"hauptprozedur_id": kpa,
		"patient_id":       patient,
		"typ":              "OP",
		"beginn":           start,
		"erfassungsdatum":  "2024-02-01",
	}
}

func therapyLineRow(id, kpa, patient, start string) coerce.RawRow {
	return coerce.RawRow{
		"id":               id,
		"hauptprozedur_id": kpa,
		"patient_id":       patient,
		"erfassungsdatum":  "2024-04-01",
		"beginn":           start,
		"nummer":           int64(2),
		"intention":        "P",
		"status":           "on-going",
		"wirkstoffcodes":   `[{"code":"L01EC02","name":"Dabrafenib"},{"code":"L01EE01","name":"Trametinib"}]`,
	}
}

func familyMemberRow(id, kpa, patient, degree string) coerce.RawRow {
	return coerce.RawRow{
		"id":                  id,
		"hauptprozedur_id":    kpa,
		"patient_id":          patient,
		"verwandtschaftsgrad": degree,
	}
}

func histologyRow(id, kpa, patient, report string) coerce.RawRow {
	return coerce.RawRow{
		"id":               id,
		"hauptprozedur_id": kpa,
		"patient_id":       patient,
		"histologie":       report,
		"erstellungsdatum": "2024-02-18",
		"morphologie":      "8140/3",
		"tumorzellgehalt":  int64(60),
	}
}

// msiRows returns the MSI subform row and the report row it belongs to.
func msiRows(id, report, kpa, patient, method string) []coerce.RawRow {
	return []coerce.RawRow{
		{
			"id":               id,
			"hauptprozedur_id": report,
			"analysemethode":   method,
			"seqprozentwert":   "3.5",
		},
		{
			"id":             report,
			"patient_id":     patient,
			"ref_kpa":        kpa,
			"datum":          "2024-02-20",
			"einsendenummer": "H/2024/" + report,
		},
	}
}

func record(rows ...coerce.RawRow) SourceRecord { return SourceRecord{Rows: rows} }

// basicCase is one patient with one diagnosis and two findings.
func basicCase(patient string) CaseRows {
	return CaseRows{
		CaseID: patient,
		Records: map[Variant][]SourceRecord{
			VariantPatient:   {record(patientRow(patient))},
			VariantDiagnosis: {record(diagnosisRow("10"+patient, patient))},
			VariantFinding: {
				record(findingRows("31", "300", "10"+patient, patient, "2024-02-20")...),
				record(findingRows("30", "300", "10"+patient, patient, "2024-02-20")...),
			},
		},
	}
}

func buildAll(t *testing.T, p *Profile, rows CaseRows) []*Entity {
	t.Helper()
	b := NewBuilder(p)
	var out []*Entity
	for _, v := range Variants() {
		for _, rec := range rows.Records[v] {
			out = append(out, b.Build(v, rec.Rows...))
		}
	}
	return out
}

func defectsOf(defects []Defect, kind DefectKind) []Defect {
	var out []Defect
	for _, d := range defects {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}
