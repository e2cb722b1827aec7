package acl

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultPredicateCacheSize = 256

type Options struct {
	// PredicateCacheSize bounds the number of parsed predicates kept.
	// Zero means DefaultPredicateCacheSize.
	PredicateCacheSize int
	Logger             *slog.Logger
}

// Controller evaluates rules. It is safe for concurrent use; checks have no
// side effects beyond the predicate cache and debug logging.
type Controller struct {
	rules      RuleProvider
	predicates *lru.Cache[string, *Predicate]
	logger     *slog.Logger
}

func NewController(rules RuleProvider, opt Options) *Controller {
	size := opt.PredicateCacheSize
	if size <= 0 {
		size = DefaultPredicateCacheSize
	}
	cache, err := lru.New[string, *Predicate](size)
	if err != nil {
		panic(err)
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{rules: rules, predicates: cache, logger: logger}
}

// Check returns nil if the first matching rule allows the access, and an
// *AccessError if it denies it, if no rule matches, or if the predicate of
// a candidate rule cannot be evaluated.
func (c *Controller) Check(resource Resource, access Access, participant Resource) error {
	return c.CheckInTransaction(resource, access, participant, nil)
}

// CheckInTransaction is Check for an access made by a transaction; rules
// with a transaction pattern only match when tx matches it.
func (c *Controller) CheckInTransaction(resource Resource, access Access, participant Resource, tx Resource) error {
	for _, rule := range c.rules.Rules() {
		ok, err := c.checkRule(rule, resource, access, participant, tx)
		if err != nil {
			return c.deny(resource, access, participant, rule, err)
		}
		if !ok {
			continue
		}
		if rule.Action() == Allow {
			return nil
		}
		return c.deny(resource, access, participant, rule, nil)
	}
	return c.deny(resource, access, participant, nil, nil)
}

func (c *Controller) checkRule(rule *Rule, resource Resource, access Access, participant, tx Resource) (bool, error) {
	if !rule.noun.matches(resource) {
		return false, nil
	}
	if !rule.matchVerb(access) {
		return false, nil
	}
	if !rule.matchParticipant(participant) {
		return false, nil
	}
	if !rule.matchTransaction(tx) {
		return false, nil
	}
	return c.matchPredicate(rule, resource, participant, tx)
}

func (c *Controller) matchPredicate(rule *Rule, resource, participant, tx Resource) (bool, error) {
	switch rule.predicate {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	p, err := c.predicate(rule.predicate)
	if err != nil {
		return false, err
	}
	return p.Eval(rule.variables(resource, participant, tx))
}

func (c *Controller) predicate(src string) (*Predicate, error) {
	if p, ok := c.predicates.Get(src); ok {
		return p, nil
	}
	p, err := CompilePredicate(src)
	if err != nil {
		return nil, err
	}
	c.predicates.Add(src, p)
	return p, nil
}

func (c *Controller) deny(resource Resource, access Access, participant Resource, rule *Rule, cause error) error {
	e := &AccessError{
		ResourceID:    FullyQualifiedIdentifier(resource),
		Access:        access,
		ParticipantID: FullyQualifiedIdentifier(participant),
		Rule:          rule,
		Err:           cause,
	}
	attrs := []slog.Attr{
		slog.String("resource", e.ResourceID),
		slog.String("access", string(access)),
		slog.String("participant", e.ParticipantID),
	}
	if rule != nil {
		attrs = append(attrs, slog.String("rule", rule.Name()))
	}
	if cause != nil {
		attrs = append(attrs, slog.Any("err", cause))
	}
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "acl: DENY", attrs...)
	return e
}
