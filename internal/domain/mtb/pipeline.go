package mtb

// Options tune the per-case pipeline.
type Options struct {
	// FilterIncomplete drops non-root entities missing required attributes
	// instead of skipping the whole case.
	FilterIncomplete bool
}

// Pipeline runs build, assembly and validation for one case. It holds no
// per-case state and is safe for concurrent use.
type Pipeline struct {
	profile   *Profile
	builder   *Builder
	assembler *Assembler
	validator *Validator
}

func NewPipeline(p *Profile, opts Options) *Pipeline {
	return &Pipeline{
		profile:   p,
		builder:   NewBuilder(p),
		assembler: NewAssembler(p, opts.FilterIncomplete),
		validator: NewValidator(p),
	}
}

func (p *Pipeline) Profile() *Profile { return p.profile }

// CaseOutput is a validated case ready for flattening, or a skipped case.
type CaseOutput struct {
	Graph   *CaseGraph
	Defects []Defect
	Sources int
}

// Skipped reports whether the case must not be exported.
func (o *CaseOutput) Skipped() bool {
	return o.Graph.Root == nil || HasFatal(o.Defects)
}

// Process builds the entities of one case in schema order, assembles them
// and validates the result.
func (p *Pipeline) Process(rows CaseRows) *CaseOutput {
	entities := make([]*Entity, 0, rows.Len())
	for _, v := range variants {
		for _, rec := range rows.Records[v] {
			entities = append(entities, p.builder.Build(v, rec.Rows...))
		}
	}
	g := p.assembler.Assemble(rows.CaseID, entities)
	return &CaseOutput{
		Graph:   g,
		Defects: p.validator.Validate(g),
		Sources: len(entities),
	}
}
