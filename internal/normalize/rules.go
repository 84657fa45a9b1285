package normalize

import (
	"fmt"

	"github.com/lochness-labs/facebook-ingestion/pkg/config"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
)

// Rule is how one field of a raw record becomes row columns
type Rule int

const (
	// RuleDirect copies the value unchanged
	RuleDirect Rule = iota
	// RuleNestedID takes the id of a nested object
	RuleNestedID
	// RuleFirstOfList takes the first element of a list
	RuleFirstOfList
	// RuleScalarFromValueWrapper takes "value" of the first element of a
	// list of {action_type, value} objects
	RuleScalarFromValueWrapper
	// RuleExpandTargeting keeps the targeting object and lifts the placement
	// lists into their own columns
	RuleExpandTargeting
)

var ruleNames = map[Rule]string{
	RuleDirect:                 config.RuleDirect,
	RuleNestedID:               config.RuleNestedID,
	RuleFirstOfList:            config.RuleFirstOfList,
	RuleScalarFromValueWrapper: config.RuleScalarFromValueWrapper,
	RuleExpandTargeting:        config.RuleExpandTargeting,
}

func (r Rule) String() string {
	if n, ok := ruleNames[r]; ok {
		return n
	}
	return fmt.Sprintf("rule(%d)", int(r))
}

// ParseRule parses a rule name as written in the configuration
func ParseRule(name string) (Rule, error) {
	for r, n := range ruleNames {
		if n == name {
			return r, nil
		}
	}
	return RuleDirect, errors.Newf(errors.ErrorTypeConfig, "unknown field rule %q", name)
}

// catalogue holds the built-in rule of fields with a known shape
var catalogue = map[string]Rule{
	"creative":                RuleNestedID,
	"pacing_type":             RuleFirstOfList,
	"cost_per_outbound_click": RuleScalarFromValueWrapper,
	"outbound_clicks":         RuleScalarFromValueWrapper,
	"targeting":               RuleExpandTargeting,
}

// DefaultRule returns the built-in rule of a field
func DefaultRule(field string) Rule {
	if r, ok := catalogue[field]; ok {
		return r
	}
	return RuleDirect
}

// Field is a configured field with its resolved rule
type Field struct {
	Name string
	Rule Rule
}

// Compile resolves the rules of a field schema. An explicit rule overrides
// the catalogue.
func Compile(specs []config.FieldSpec) ([]Field, error) {
	fields := make([]Field, 0, len(specs))
	for _, s := range specs {
		rule := DefaultRule(s.Name)
		if s.Rule != "" {
			r, err := ParseRule(s.Rule)
			if err != nil {
				return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "field %q", s.Name)
			}
			rule = r
		}
		fields = append(fields, Field{Name: s.Name, Rule: rule})
	}
	return fields, nil
}

// Names returns the field names in order
func Names(fields []Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}
