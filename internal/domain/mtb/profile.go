package mtb

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/onkostar/mtbexport/internal/platform/coerce"
)

//go:embed profile.yaml
var defaultProfile []byte

// FormatJSONList marks a column holding a JSON array of objects; Key selects
// the member extracted from each object.
const FormatJSONList = "json-list"

const (
	ColumnRecordType = "record_type"
	ColumnWarnings   = "warnings"
)

// displaySuffix marks columns filled from the property catalogue.
const displaySuffix = "_display"

// profileDoc is the YAML form of a mapping profile.
type profileDoc struct {
	Version      string                   `yaml:"version"`
	Severities   map[string]string        `yaml:"severities,omitempty"`
	Vocabularies map[string][]coerce.Term `yaml:"vocabularies"`
	Variants     map[string]variantDoc    `yaml:"variants"`
	Columns      []columnDoc              `yaml:"columns"`
}

type variantDoc struct {
	Table   string     `yaml:"table"`
	ID      string     `yaml:"id"`
	Parent  string     `yaml:"parent,omitempty"`
	Patient string     `yaml:"patient"`
	Order   string     `yaml:"order,omitempty"`
	Fields  []fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	Attr       string `yaml:"attr"`
	Column     string `yaml:"column"`
	Type       string `yaml:"type"`
	Vocabulary string `yaml:"vocabulary,omitempty"`
	Required   bool   `yaml:"required,omitempty"`
	Scale      int32  `yaml:"scale,omitempty"`
	Precision  int32  `yaml:"precision,omitempty"`
	Ref        string `yaml:"ref,omitempty"`
	Format     string `yaml:"format,omitempty"`
	Key        string `yaml:"key,omitempty"`
}

type columnDoc struct {
	Name    string `yaml:"name"`
	Variant string `yaml:"variant"`
	Attr    string `yaml:"attr"`
}

// FieldSpec declares how one attribute is read from a source column.
type FieldSpec struct {
	Attr     string
	Column   string
	Type     coerce.Type
	Required bool
	Ref      Variant
	Format   string
	Key      string
}

// VariantSpec declares the source table and fields of one variant.
type VariantSpec struct {
	Variant       Variant
	Table         string
	IDColumn      string
	ParentColumn  string
	PatientColumn string
	OrderAttr     string
	Fields        []FieldSpec
}

// Required returns the names of the required attributes.
func (s *VariantSpec) Required() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Attr)
		}
	}
	return out
}

func (s *VariantSpec) field(attr string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Attr == attr {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Profile is the static configuration of the mapping: vocabularies, field
// declarations per variant, defect severities and the export column schema.
type Profile struct {
	Version      string
	Vocabularies map[string]*coerce.Vocabulary
	Schema       *Schema

	variants   map[Variant]*VariantSpec
	severities map[DefectKind]Severity
	doc        profileDoc
}

// DefaultProfile returns the profile shipped with the binary.
func DefaultProfile() (*Profile, error) {
	return LoadProfile(bytes.NewReader(defaultProfile))
}

// LoadProfileFile reads a profile from path; an empty path selects the
// embedded default.
func LoadProfileFile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer f.Close()
	p, err := LoadProfile(f)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// LoadProfile decodes and validates a YAML profile. Unknown keys are
// rejected.
func LoadProfile(r io.Reader) (*Profile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc profileDoc
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty profile")
		}
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return compileProfile(doc)
}

func compileProfile(doc profileDoc) (*Profile, error) {
	if strings.TrimSpace(doc.Version) == "" {
		return nil, errors.New("profile version is required")
	}
	p := &Profile{
		Version:      doc.Version,
		Vocabularies: make(map[string]*coerce.Vocabulary, len(doc.Vocabularies)),
		variants:     make(map[Variant]*VariantSpec, len(doc.Variants)),
		severities:   make(map[DefectKind]Severity, len(DefaultSeverities)),
		doc:          doc,
	}

	for k, s := range DefaultSeverities {
		p.severities[k] = s
	}
	for name, raw := range doc.Severities {
		kind := DefectKind(name)
		if _, ok := DefaultSeverities[kind]; !ok {
			return nil, fmt.Errorf("severities: unknown defect kind %q", name)
		}
		sev, err := ParseSeverity(raw)
		if err != nil {
			return nil, fmt.Errorf("severities.%s: %w", name, err)
		}
		p.severities[kind] = sev
	}

	for name, terms := range doc.Vocabularies {
		v, err := coerce.NewVocabulary(name, terms)
		if err != nil {
			return nil, err
		}
		p.Vocabularies[name] = v
	}

	for name, vd := range doc.Variants {
		variant, err := ParseVariant(name)
		if err != nil {
			return nil, fmt.Errorf("variants: %w", err)
		}
		spec, err := p.compileVariant(variant, vd)
		if err != nil {
			return nil, fmt.Errorf("variant %s: %w", name, err)
		}
		p.variants[variant] = spec
	}
	for _, v := range variants {
		if _, ok := p.variants[v]; !ok {
			return nil, fmt.Errorf("variant %s is not declared", v)
		}
	}

	schema, err := p.compileSchema(doc.Columns)
	if err != nil {
		return nil, err
	}
	p.Schema = schema
	return p, nil
}

func (p *Profile) compileVariant(v Variant, vd variantDoc) (*VariantSpec, error) {
	spec := &VariantSpec{
		Variant:       v,
		Table:         vd.Table,
		IDColumn:      vd.ID,
		ParentColumn:  vd.Parent,
		PatientColumn: vd.Patient,
		OrderAttr:     vd.Order,
	}
	if spec.Table == "" || spec.IDColumn == "" || spec.PatientColumn == "" {
		return nil, errors.New("table, id and patient are required")
	}
	if _, hasParent := v.Parent(); hasParent && spec.ParentColumn == "" {
		return nil, errors.New("parent column is required")
	}

	seen := make(map[string]bool, len(vd.Fields))
	for _, fd := range vd.Fields {
		if fd.Attr == "" || fd.Column == "" {
			return nil, errors.New("field needs attr and column")
		}
		if fd.Attr == "id" || seen[fd.Attr] {
			return nil, fmt.Errorf("field %s: duplicate attribute", fd.Attr)
		}
		seen[fd.Attr] = true

		kind, err := coerce.ParseKind(fd.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fd.Attr, err)
		}
		fs := FieldSpec{
			Attr:     fd.Attr,
			Column:   fd.Column,
			Type:     coerce.Type{Kind: kind, Scale: fd.Scale, Precision: fd.Precision},
			Required: fd.Required,
			Format:   fd.Format,
			Key:      fd.Key,
		}
		if kind == coerce.KindEnum {
			vocab, ok := p.Vocabularies[fd.Vocabulary]
			if !ok {
				return nil, fmt.Errorf("field %s: unknown vocabulary %q", fd.Attr, fd.Vocabulary)
			}
			fs.Type.Vocabulary = vocab
		}
		if fd.Ref != "" {
			target, err := ParseVariant(fd.Ref)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", fd.Attr, err)
			}
			fs.Ref = target
		}
		switch fd.Format {
		case "":
		case FormatJSONList:
			if kind != coerce.KindString {
				return nil, fmt.Errorf("field %s: %s requires type string", fd.Attr, FormatJSONList)
			}
			if fs.Key == "" {
				fs.Key = "id"
			}
		default:
			return nil, fmt.Errorf("field %s: unknown format %q", fd.Attr, fd.Format)
		}
		spec.Fields = append(spec.Fields, fs)
	}

	if spec.OrderAttr != "" {
		f, ok := spec.field(spec.OrderAttr)
		if !ok || f.Type.Kind != coerce.KindDate {
			return nil, fmt.Errorf("order attribute %q must be a declared date field", spec.OrderAttr)
		}
	}
	return spec, nil
}

func (p *Profile) compileSchema(cols []columnDoc) (*Schema, error) {
	if len(cols) == 0 {
		return nil, errors.New("columns: at least one column is required")
	}
	s := &Schema{Version: p.Version}
	names := map[string]bool{ColumnRecordType: true, ColumnWarnings: true}
	for _, cd := range cols {
		v, err := ParseVariant(cd.Variant)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", cd.Name, err)
		}
		if cd.Name == "" || names[cd.Name] {
			return nil, fmt.Errorf("column %q: empty or duplicate name", cd.Name)
		}
		names[cd.Name] = true
		if cd.Attr != "id" {
			if _, ok := p.variants[v].field(cd.Attr); !ok {
				return nil, fmt.Errorf("column %s: %s has no attribute %q", cd.Name, v, cd.Attr)
			}
		}
		s.Columns = append(s.Columns, Column{Name: cd.Name, Variant: v, Attr: cd.Attr})
	}
	return s, nil
}

// Variant returns the declaration of v.
func (p *Profile) Variant(v Variant) *VariantSpec { return p.variants[v] }

// Severity returns the configured severity of a defect kind.
func (p *Profile) Severity(kind DefectKind) Severity {
	if s, ok := p.severities[kind]; ok {
		return s
	}
	return SeverityFatal
}

// DisplayColumns lists, per source table, the coded columns whose catalogue
// display text the profile reads from "<column>_display".
func (p *Profile) DisplayColumns() map[string][]string {
	out := make(map[string][]string)
	for _, v := range variants {
		spec := p.variants[v]
		for _, f := range spec.Fields {
			if base, ok := strings.CutSuffix(f.Column, displaySuffix); ok && base != "" {
				out[spec.Table] = append(out[spec.Table], base)
			}
		}
	}
	return out
}

// WriteYAML renders the profile in its source form.
func (p *Profile) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p.doc); err != nil {
		return err
	}
	return enc.Close()
}

// SeverityRule pairs a defect kind with its effective severity.
type SeverityRule struct {
	Kind     DefectKind
	Severity Severity
}

// Severities returns the effective severity per defect kind in a fixed order.
func (p *Profile) Severities() []SeverityRule {
	out := make([]SeverityRule, 0, len(defectKinds))
	for _, k := range defectKinds {
		out = append(out, SeverityRule{Kind: k, Severity: p.Severity(k)})
	}
	return out
}
