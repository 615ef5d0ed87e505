package coerce

import (
	"fmt"
	"sort"
	"strings"
)

// Term is one entry of a vocabulary. Code is matched against source values;
// Target is the exported code (defaults to Code).
type Term struct {
	Code    string `yaml:"code"`
	Target  string `yaml:"target,omitempty"`
	Display string `yaml:"display,omitempty"`
}

// Vocabulary is a fixed set of accepted enum codes. Besides its source
// codes it accepts its own target codes, so canonical output coerces back
// to the same value.
type Vocabulary struct {
	Name    string
	terms   map[string]Term
	targets map[string]Term
}

// NewVocabulary indexes terms by lower-cased code and target. Two terms
// whose codes differ only in case are rejected since matching is
// case-insensitive, and so is a target that equals the code of a term with
// a different target. When several codes share a target, the first one
// declared stands for it.
func NewVocabulary(name string, terms []Term) (*Vocabulary, error) {
	v := &Vocabulary{
		Name:    name,
		terms:   make(map[string]Term, len(terms)),
		targets: make(map[string]Term, len(terms)),
	}
	ordered := make([]Term, 0, len(terms))
	for _, t := range terms {
		code := strings.TrimSpace(t.Code)
		if code == "" {
			return nil, fmt.Errorf("vocabulary %s: empty code", name)
		}
		key := strings.ToLower(code)
		if _, dup := v.terms[key]; dup {
			return nil, fmt.Errorf("vocabulary %s: duplicate code %q", name, code)
		}
		t.Code = code
		t.Target = strings.TrimSpace(t.Target)
		if t.Target == "" {
			t.Target = code
		}
		v.terms[key] = t
		ordered = append(ordered, t)
	}
	for _, t := range ordered {
		key := strings.ToLower(t.Target)
		if other, ok := v.terms[key]; ok && !strings.EqualFold(other.Target, t.Target) {
			return nil, fmt.Errorf("vocabulary %s: target %q of code %q is also the code of %q",
				name, t.Target, t.Code, other.Target)
		}
		if _, seen := v.targets[key]; !seen {
			v.targets[key] = t
		}
	}
	return v, nil
}

// Lookup matches a source code, then a target code, case-insensitively.
func (v *Vocabulary) Lookup(code string) (Term, bool) {
	key := strings.ToLower(strings.TrimSpace(code))
	if t, ok := v.terms[key]; ok {
		return t, true
	}
	t, ok := v.targets[key]
	return t, ok
}

// Codes returns the accepted source codes in sorted order.
func (v *Vocabulary) Codes() []string {
	codes := make([]string, 0, len(v.terms))
	for _, t := range v.terms {
		codes = append(codes, t.Code)
	}
	sort.Strings(codes)
	return codes
}

// Terms returns all terms sorted by code.
func (v *Vocabulary) Terms() []Term {
	out := make([]Term, 0, len(v.terms))
	for _, t := range v.terms {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
