// Package acl decides whether a participant may perform an access on a
// resource, by evaluating an ordered list of rules. The first rule that
// matches decides; when no rule matches, access is denied.
package acl

import (
	"fmt"
	"slices"
	"strings"
)

// Access is the kind of operation being checked. All is only meaningful in
// rules, where it matches every access.
type Access string

const (
	Create Access = "CREATE"
	Read   Access = "READ"
	Update Access = "UPDATE"
	Delete Access = "DELETE"
	All    Access = "ALL"
)

func ParseAccess(s string) (Access, error) {
	a := Access(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case Create, Read, Update, Delete, All:
		return a, nil
	default:
		return "", fmt.Errorf("acl: unknown access %q", s)
	}
}

type Action string

const (
	Allow Action = "ALLOW"
	Deny  Action = "DENY"
)

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case Allow, Deny:
		return a, nil
	default:
		return "", fmt.Errorf("acl: unknown action %q", s)
	}
}

// Resource is anything rules can name: assets, participants, transactions.
type Resource interface {
	FullyQualifiedType() string
	Namespace() string
	Identifier() string
}

// FieldResource exposes resource fields to predicates.
type FieldResource interface {
	Resource
	Field(name string) (any, bool)
}

// SuperTyped resources also match rules naming one of their supertypes.
type SuperTyped interface {
	SuperTypes() []string
}

// FullyQualifiedIdentifier returns "type#id", or "" for a nil resource.
func FullyQualifiedIdentifier(r Resource) string {
	if r == nil {
		return ""
	}
	return r.FullyQualifiedType() + "#" + r.Identifier()
}

// Pattern names a type, a namespace or everything, optionally narrowed to
// one instance, and optionally binds the matched value to a predicate
// variable.
//
// Name forms: "org.acme.Car" (type), "org.acme" (namespace), "org.acme.*"
// (namespace), "org.acme.**" (namespace and its sub-namespaces), "ANY" or
// "*" (everything).
type Pattern struct {
	Name       string
	InstanceID string
	Variable   string
}

// ParsePattern parses "name" or "name#instance".
func ParsePattern(s string) Pattern {
	s = strings.TrimSpace(s)
	if name, id, ok := strings.Cut(s, "#"); ok {
		return Pattern{Name: name, InstanceID: id}
	}
	return Pattern{Name: s}
}

func (p Pattern) String() string {
	s := p.Name
	if p.InstanceID != "" {
		s += "#" + p.InstanceID
	}
	if p.Variable != "" {
		s = p.Variable + ": " + s
	}
	return s
}

func (p Pattern) matches(subject Resource) bool {
	if subject == nil {
		return false
	}
	if !matchName(p.Name, subject) {
		return false
	}
	return p.InstanceID == "" || p.InstanceID == subject.Identifier()
}

func matchName(name string, subject Resource) bool {
	if name == "ANY" || name == "*" {
		return true
	}
	fqt, ns := subject.FullyQualifiedType(), subject.Namespace()
	if name == fqt || name == ns {
		return true
	}
	if base, ok := strings.CutSuffix(name, ".**"); ok {
		return ns == base || strings.HasPrefix(ns, base+".")
	}
	if base, ok := strings.CutSuffix(name, ".*"); ok {
		return ns == base
	}
	if st, ok := subject.(SuperTyped); ok {
		return slices.Contains(st.SuperTypes(), name)
	}
	return false
}

// RuleConfig holds the parts of a rule for NewRule.
type RuleConfig struct {
	Name        string
	Description string
	Noun        Pattern
	Verbs       []Access
	Participant *Pattern
	Transaction *Pattern
	Predicate   string
	Action      Action
}

// Rule is an immutable ACL statement.
type Rule struct {
	name        string
	description string
	noun        Pattern
	verbs       []Access
	participant *Pattern
	transaction *Pattern
	predicate   string
	action      Action
}

// NewRule validates cfg and builds a rule. An empty predicate means "true".
func NewRule(cfg RuleConfig) (*Rule, error) {
	if cfg.Noun.Name == "" {
		return nil, fmt.Errorf("acl: rule %s: missing resource", cfg.Name)
	}
	if len(cfg.Verbs) == 0 {
		return nil, fmt.Errorf("acl: rule %s: missing operation", cfg.Name)
	}
	for _, v := range cfg.Verbs {
		if _, err := ParseAccess(string(v)); err != nil {
			return nil, fmt.Errorf("acl: rule %s: %w", cfg.Name, err)
		}
	}
	if _, err := ParseAction(string(cfg.Action)); err != nil {
		return nil, fmt.Errorf("acl: rule %s: %w", cfg.Name, err)
	}
	r := &Rule{
		name:        cfg.Name,
		description: cfg.Description,
		noun:        cfg.Noun,
		verbs:       slices.Clone(cfg.Verbs),
		predicate:   strings.TrimSpace(cfg.Predicate),
		action:      cfg.Action,
	}
	if r.predicate == "" {
		r.predicate = "true"
	}
	if cfg.Participant != nil {
		p := *cfg.Participant
		r.participant = &p
	}
	if cfg.Transaction != nil {
		t := *cfg.Transaction
		r.transaction = &t
	}
	return r, nil
}

// MustRule is NewRule for statically known rules; it panics on error.
func MustRule(cfg RuleConfig) *Rule {
	r, err := NewRule(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rule) Name() string        { return r.name }
func (r *Rule) Description() string { return r.description }
func (r *Rule) Noun() Pattern       { return r.noun }
func (r *Rule) Verbs() []Access     { return slices.Clone(r.verbs) }
func (r *Rule) Predicate() string   { return r.predicate }
func (r *Rule) Action() Action      { return r.action }

// Participant returns the participant pattern; ok is false when the rule
// applies to any participant.
func (r *Rule) Participant() (p Pattern, ok bool) {
	if r.participant == nil {
		return Pattern{}, false
	}
	return *r.participant, true
}

func (r *Rule) Transaction() (p Pattern, ok bool) {
	if r.transaction == nil {
		return Pattern{}, false
	}
	return *r.transaction, true
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s: %s %v %s", r.name, r.action, r.verbs, r.noun)
}

func (r *Rule) matchVerb(access Access) bool {
	for _, v := range r.verbs {
		if v == All || v == access {
			return true
		}
	}
	return false
}

func (r *Rule) matchParticipant(participant Resource) bool {
	return r.participant == nil || r.participant.matches(participant)
}

func (r *Rule) matchTransaction(tx Resource) bool {
	return r.transaction == nil || r.transaction.matches(tx)
}

// variables binds the variable names the rule declares, and only those.
func (r *Rule) variables(resource, participant, tx Resource) map[string]any {
	vars := make(map[string]any, 3)
	if r.noun.Variable != "" {
		vars[r.noun.Variable] = resource
	}
	if r.participant != nil && r.participant.Variable != "" {
		vars[r.participant.Variable] = participant
	}
	if r.transaction != nil && r.transaction.Variable != "" {
		vars[r.transaction.Variable] = tx
	}
	return vars
}

// RuleProvider supplies rules in evaluation order. The controller never
// modifies the returned slice.
type RuleProvider interface {
	Rules() []*Rule
}

type StaticRules []*Rule

func (s StaticRules) Rules() []*Rule {
	return s
}
