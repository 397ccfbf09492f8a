package strategy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rule table errors.
var (
	// ErrUnknownCondition indicates a path condition with no rule. Callers
	// log and count it; it never aborts a search.
	ErrUnknownCondition = errors.New("unknown path condition")

	// ErrInvalidRules indicates a malformed rule table.
	ErrInvalidRules = errors.New("invalid rule table")
)

// Candidate is one manipulation the rule table offers for a condition.
// A candidate without an action code is a skip: the position may be left
// unmanipulated.
type Candidate struct {
	Code   ActionCode `yaml:"action,omitempty"`
	Params string     `yaml:"param,omitempty"`
	Locus  Locus      `yaml:"locus"`
}

// Skip reports whether the candidate leaves the position unmanipulated.
func (c Candidate) Skip() bool { return c.Code == "" }

// String renders the candidate for logs.
func (c Candidate) String() string {
	if c.Skip() {
		return "skip/" + string(c.Locus)
	}
	return string(c.Code) + "(" + c.Params + ")/" + string(c.Locus)
}

// RuleTable maps model state names to the proxy's state names and path
// conditions to candidate manipulations.
type RuleTable struct {
	States     map[string]string      `yaml:"states"`
	Conditions map[string][]Candidate `yaml:"conditions"`
}

// DefaultRules returns the built-in rule table.
func DefaultRules() RuleTable {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded rules: %v", err))
	}
	return r
}

// LoadRules reads a rule table from a YAML file.
func LoadRules(path string) (RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleTable{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	r, err := ParseRules(data)
	if err != nil {
		return RuleTable{}, fmt.Errorf("rules %s: %w", path, err)
	}
	return r, nil
}

// ParseRules decodes and validates a YAML rule table.
func ParseRules(data []byte) (RuleTable, error) {
	var r RuleTable
	if err := yaml.Unmarshal(data, &r); err != nil {
		return RuleTable{}, fmt.Errorf("decode: %w", err)
	}
	if err := r.Validate(); err != nil {
		return RuleTable{}, err
	}
	return r, nil
}

// Validate checks every candidate's action code and locus.
func (r RuleTable) Validate() error {
	var errs []error
	for cond, cands := range r.Conditions {
		if strings.TrimSpace(cond) == "" {
			errs = append(errs, fmt.Errorf("empty condition: %w", ErrInvalidRules))
		}
		for i, c := range cands {
			if !c.Locus.Valid() {
				errs = append(errs, fmt.Errorf("%q candidate %d: %w", cond, i, ErrInvalidLocus))
			}
			if !c.Skip() && !c.Code.Valid() {
				errs = append(errs, fmt.Errorf("%q candidate %d %q: %w", cond, i, c.Code, ErrUnknownActionCode))
			}
		}
	}
	return errors.Join(errs...)
}

// MapState returns the proxy's name for a model state. Unknown names pass
// through unchanged.
func (r RuleTable) MapState(name string) string {
	if mapped, ok := r.States[name]; ok {
		return mapped
	}
	return name
}

// Lookup returns a copy of the candidates for a condition, or
// ErrUnknownCondition.
func (r RuleTable) Lookup(cond string) ([]Candidate, error) {
	cands, ok := r.Conditions[cond]
	if !ok {
		return nil, fmt.Errorf("%q: %w", cond, ErrUnknownCondition)
	}
	return slices.Clone(cands), nil
}
