package acl

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testResource struct {
	fqt    string
	id     string
	fields map[string]any
	supers []string
}

func (r *testResource) FullyQualifiedType() string { return r.fqt }
func (r *testResource) Identifier() string         { return r.id }
func (r *testResource) Namespace() string {
	return r.fqt[:strings.LastIndexByte(r.fqt, '.')]
}
func (r *testResource) Field(name string) (any, bool) {
	v, ok := r.fields[name]
	return v, ok
}
func (r *testResource) SuperTypes() []string { return r.supers }

func newResource(fqt, id string, fields map[string]any) *testResource {
	return &testResource{fqt: fqt, id: id, fields: fields}
}

func rule(name string, action Action, noun string, verbs ...Access) *Rule {
	return MustRule(RuleConfig{Name: name, Noun: ParsePattern(noun), Verbs: verbs, Action: action})
}

func TestCheck_denyShortCircuits(t *testing.T) {
	c := NewController(StaticRules{
		rule("NoReadX", Deny, "org.acme.AssetX", Read),
		rule("AllowAll", Allow, "ANY", All),
	}, Options{})
	asset := newResource("org.acme.AssetX", "A1", nil)
	alice := newResource("org.acme.Person", "alice", nil)

	err := c.Check(asset, Read, alice)
	var ae *AccessError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "org.acme.AssetX#A1", ae.ResourceID)
	assert.Equal(t, Read, ae.Access)
	assert.Equal(t, "org.acme.Person#alice", ae.ParticipantID)
	require.NotNil(t, ae.Rule)
	assert.Equal(t, "NoReadX", ae.Rule.Name())

	assert.NoError(t, c.Check(asset, Update, alice))
	assert.NoError(t, c.Check(newResource("org.acme.AssetY", "B", nil), Read, alice))
}

func TestCheck_defaultDeny(t *testing.T) {
	c := NewController(StaticRules{
		rule("ReadCars", Allow, "org.acme.Car", Read),
	}, Options{})
	err := c.Check(newResource("org.acme.Boat", "1", nil), Read, nil)
	var ae *AccessError
	require.ErrorAs(t, err, &ae)
	assert.Nil(t, ae.Rule)
	assert.Nil(t, ae.Err)
	assert.Contains(t, ae.Error(), "<anonymous>")

	err = NewController(StaticRules{}, Options{}).Check(newResource("org.acme.Car", "1", nil), Read, nil)
	require.ErrorAs(t, err, &ae)
}

func TestCheck_allowFirstMatch(t *testing.T) {
	c := NewController(StaticRules{
		rule("AllowCars", Allow, "org.acme.Car", All),
		rule("DenyAll", Deny, "ANY", All),
	}, Options{})
	assert.NoError(t, c.Check(newResource("org.acme.Car", "1", nil), Delete, nil))
	assert.Error(t, c.Check(newResource("org.acme.Boat", "1", nil), Delete, nil))
}

func TestMatchNoun(t *testing.T) {
	car := &testResource{fqt: "org.acme.vehicles.Car", id: "C1", supers: []string{"org.acme.vehicles.Vehicle"}}
	tests := []struct {
		pattern string
		want    bool
	}{
		{"org.acme.vehicles.Car", true},
		{"org.acme.vehicles.Car#C1", true},
		{"org.acme.vehicles.Car#C2", false},
		{"org.acme.vehicles", true},
		{"org.acme.vehicles.*", true},
		{"org.acme.*", false},
		{"org.acme.**", true},
		{"org.acme", false},
		{"org.acme.vehicles.Vehicle", true},
		{"org.acme.vehicles.Boat", false},
		{"ANY", true},
		{"*", true},
		{"ANY#C1", true},
		{"ANY#C9", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePattern(tt.pattern).matches(car))
		})
	}
	assert.False(t, ParsePattern("ANY").matches(nil))
}

func TestCheck_participantAndVerb(t *testing.T) {
	c := NewController(StaticRules{
		MustRule(RuleConfig{
			Name:        "AdminsWrite",
			Noun:        ParsePattern("org.acme"),
			Verbs:       []Access{Create, Update},
			Participant: &Pattern{Name: "org.acme.Admin"},
			Action:      Allow,
		}),
	}, Options{})
	doc := newResource("org.acme.Doc", "d", nil)
	admin := newResource("org.acme.Admin", "root", nil)
	user := newResource("org.acme.User", "u", nil)

	assert.NoError(t, c.Check(doc, Create, admin))
	assert.NoError(t, c.Check(doc, Update, admin))
	assert.Error(t, c.Check(doc, Delete, admin))
	assert.Error(t, c.Check(doc, Create, user))
	assert.Error(t, c.Check(doc, Create, nil))
}

func TestCheckInTransaction(t *testing.T) {
	c := NewController(StaticRules{
		MustRule(RuleConfig{
			Name:        "TradeMovesCars",
			Noun:        ParsePattern("org.acme.Car"),
			Verbs:       []Access{Update},
			Transaction: &Pattern{Name: "org.acme.Trade"},
			Action:      Allow,
		}),
	}, Options{})
	car := newResource("org.acme.Car", "1", nil)
	assert.NoError(t, c.CheckInTransaction(car, Update, nil, newResource("org.acme.Trade", "tx1", nil)))
	assert.Error(t, c.CheckInTransaction(car, Update, nil, newResource("org.acme.Scrap", "tx2", nil)))
	assert.Error(t, c.Check(car, Update, nil))
}

func TestCheck_predicate(t *testing.T) {
	c := NewController(StaticRules{
		MustRule(RuleConfig{
			Name:        "OwnerReads",
			Noun:        Pattern{Name: "org.acme.Car", Variable: "r"},
			Verbs:       []Access{Read},
			Participant: &Pattern{Name: "org.acme.Driver", Variable: "p"},
			Predicate:   "r.owner.getIdentifier() === p.getIdentifier()",
			Action:      Allow,
		}),
	}, Options{})
	alice := newResource("org.acme.Driver", "alice", nil)
	bob := newResource("org.acme.Driver", "bob", nil)
	car := newResource("org.acme.Car", "C1", map[string]any{"owner": alice})

	assert.NoError(t, c.Check(car, Read, alice))

	err := c.Check(car, Read, bob)
	var ae *AccessError
	require.ErrorAs(t, err, &ae)
	assert.Nil(t, ae.Rule, "a false predicate is no match, so default deny decides")
}

func TestCheck_predicateErrorsDeny(t *testing.T) {
	tests := []struct {
		name      string
		predicate string
	}{
		{"syntax", "r.owner ==="},
		{"unbound variable", "p.getIdentifier() === 'x'"},
		{"null member", "r.missing.name === 'x'"},
		{"unknown method", "r.explode()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(StaticRules{
				MustRule(RuleConfig{
					Name:      "Broken",
					Noun:      Pattern{Name: "ANY", Variable: "r"},
					Verbs:     []Access{All},
					Predicate: tt.predicate,
					Action:    Allow,
				}),
				rule("AllowAll", Allow, "ANY", All),
			}, Options{})

			err := c.Check(newResource("org.acme.Car", "1", map[string]any{"missing": nil}), Read, nil)
			var ae *AccessError
			require.ErrorAs(t, err, &ae)
			require.NotNil(t, ae.Rule)
			assert.Equal(t, "Broken", ae.Rule.Name())
			var pe *PredicateError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestCheck_falsePredicateFastPath(t *testing.T) {
	c := NewController(StaticRules{
		MustRule(RuleConfig{Name: "Never", Noun: ParsePattern("ANY"), Verbs: []Access{All}, Predicate: "false", Action: Allow}),
		MustRule(RuleConfig{Name: "Always", Noun: ParsePattern("ANY"), Verbs: []Access{All}, Predicate: " true ", Action: Deny}),
	}, Options{})
	err := c.Check(newResource("org.acme.Car", "1", nil), Read, nil)
	var ae *AccessError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "Always", ae.Rule.Name())
	assert.Equal(t, 0, c.predicates.Len())
}

func TestCheck_predicateCached(t *testing.T) {
	pred := "r.value > 10"
	c := NewController(StaticRules{
		MustRule(RuleConfig{Name: "Big", Noun: Pattern{Name: "ANY", Variable: "r"}, Verbs: []Access{Read}, Predicate: pred, Action: Allow}),
	}, Options{PredicateCacheSize: 4})
	assert.NoError(t, c.Check(newResource("org.acme.Car", "1", map[string]any{"value": 11}), Read, nil))
	assert.Error(t, c.Check(newResource("org.acme.Car", "2", map[string]any{"value": 10}), Read, nil))
	assert.Equal(t, 1, c.predicates.Len())
	assert.True(t, c.predicates.Contains(pred))
}

func TestNewRule_validation(t *testing.T) {
	_, err := NewRule(RuleConfig{Name: "x", Verbs: []Access{Read}, Action: Allow})
	assert.Error(t, err)
	_, err = NewRule(RuleConfig{Name: "x", Noun: ParsePattern("ANY"), Action: Allow})
	assert.Error(t, err)
	_, err = NewRule(RuleConfig{Name: "x", Noun: ParsePattern("ANY"), Verbs: []Access{"PEEK"}, Action: Allow})
	assert.Error(t, err)
	_, err = NewRule(RuleConfig{Name: "x", Noun: ParsePattern("ANY"), Verbs: []Access{Read}, Action: "MAYBE"})
	assert.Error(t, err)

	verbs := []Access{Read}
	r, err := NewRule(RuleConfig{Name: "x", Noun: ParsePattern("ANY"), Verbs: verbs, Action: Allow})
	require.NoError(t, err)
	verbs[0] = Delete
	assert.Equal(t, []Access{Read}, r.Verbs())
	assert.Equal(t, "true", r.Predicate())
	_, ok := r.Participant()
	assert.False(t, ok)
}
