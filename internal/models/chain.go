package models

// Chain is the static declaration of a linear pipeline: an ordered list of
// steps executed strictly in sequence, some gated on human approval.
type Chain struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Steps       []*StepDef `yaml:"steps"`
}

type StepDef struct {
	Kind        StepKind `yaml:"kind"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Gated       bool     `yaml:"gated,omitempty"`
}
