package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Field rule names accepted in a FieldSpec
const (
	RuleDirect                 = "direct"
	RuleNestedID               = "nested-id"
	RuleFirstOfList            = "first-of-list"
	RuleScalarFromValueWrapper = "scalar-from-value-wrapper"
	RuleExpandTargeting        = "expand-targeting"
)

// FieldRules lists every rule name
var FieldRules = []string{
	RuleDirect,
	RuleNestedID,
	RuleFirstOfList,
	RuleScalarFromValueWrapper,
	RuleExpandTargeting,
}

// FieldSpec is one entry of a field schema. In YAML it is either a bare
// field name, which uses the built-in rule for that name, or a mapping with
// an explicit rule:
//
//	field_keys:
//	  ad:
//	    - id
//	    - creative            # nested-id by default
//	    - name: bid_info
//	      rule: direct
type FieldSpec struct {
	Name string `yaml:"name"`
	Rule string `yaml:"rule,omitempty"`
}

// UnmarshalYAML accepts both the scalar and the mapping form
func (f *FieldSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		f.Name = node.Value
		f.Rule = ""
		return nil
	case yaml.MappingNode:
		type plain FieldSpec
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*f = FieldSpec(p)
		return nil
	default:
		return fmt.Errorf("line %d: field must be a name or a {name, rule} mapping", node.Line)
	}
}

// MarshalYAML writes the scalar form when no rule override is set
func (f FieldSpec) MarshalYAML() (interface{}, error) {
	if f.Rule == "" {
		return f.Name, nil
	}
	type plain FieldSpec
	return plain(f), nil
}

// Names returns a FieldSpec list for plain field names
func Names(names ...string) []FieldSpec {
	specs := make([]FieldSpec, len(names))
	for i, n := range names {
		specs[i] = FieldSpec{Name: n}
	}
	return specs
}
