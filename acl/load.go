package acl

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadRules decodes a YAML policy into rules, keeping declared order:
//
//	rules:
//	  - rule: DriverReadsOwnCar
//	    description: Drivers can read their own cars
//	    participant(p): org.acme.Driver
//	    operation: READ
//	    resource(r): org.acme.Car
//	    condition: r.owner.getIdentifier() === p.getIdentifier()
//	    action: ALLOW
//
// The resource, participant and transaction keys take an optional variable
// name in parentheses; operation is a list or a comma-separated string;
// condition defaults to true.
func LoadRules(r io.Reader) (StaticRules, error) {
	var doc struct {
		Rules []yaml.Node `yaml:"rules"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("acl: %w", err)
	}
	rules := make(StaticRules, 0, len(doc.Rules))
	for i := range doc.Rules {
		rule, err := decodeRule(&doc.Rules[i])
		if err != nil {
			return nil, fmt.Errorf("acl: rules[%d] (line %d): %w", i, doc.Rules[i].Line, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

var patternKeyRe = regexp.MustCompile(`^(resource|participant|transaction)(?:\(\s*([A-Za-z_$][A-Za-z0-9_$]*)\s*\))?$`)

func decodeRule(node *yaml.Node) (*Rule, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("rule must be a mapping")
	}
	var cfg RuleConfig
	var action string
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		if m := patternKeyRe.FindStringSubmatch(key); m != nil {
			if val.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("%s must be a string", key)
			}
			p := ParsePattern(val.Value)
			p.Variable = m[2]
			switch m[1] {
			case "resource":
				cfg.Noun = p
			case "participant":
				cfg.Participant = &p
			case "transaction":
				cfg.Transaction = &p
			}
			continue
		}
		switch key {
		case "rule", "name":
			cfg.Name = val.Value
		case "description":
			cfg.Description = val.Value
		case "condition", "predicate":
			cfg.Predicate = val.Value
		case "action":
			action = val.Value
		case "operation", "operations":
			verbs, err := decodeVerbs(val)
			if err != nil {
				return nil, err
			}
			cfg.Verbs = verbs
		default:
			return nil, fmt.Errorf("unknown key %q", key)
		}
	}
	a, err := ParseAction(action)
	if err != nil {
		return nil, err
	}
	cfg.Action = a
	return NewRule(cfg)
}

func decodeVerbs(node *yaml.Node) ([]Access, error) {
	var names []string
	switch node.Kind {
	case yaml.ScalarNode:
		names = strings.Split(node.Value, ",")
	case yaml.SequenceNode:
		if err := node.Decode(&names); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("operation must be a string or a list")
	}
	verbs := make([]Access, 0, len(names))
	for _, n := range names {
		a, err := ParseAccess(n)
		if err != nil {
			return nil, err
		}
		verbs = append(verbs, a)
	}
	return verbs, nil
}
