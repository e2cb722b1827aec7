package worldstate

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
)

type matcher interface {
	match(doc map[string]any) bool
}

// condition tests one field value; present is false for a missing field.
type condition interface {
	test(v any, present bool) bool
}

type matchAll struct{}

func (matchAll) match(map[string]any) bool { return true }

type andMatcher []matcher

func (m andMatcher) match(doc map[string]any) bool {
	for _, sub := range m {
		if !sub.match(doc) {
			return false
		}
	}
	return true
}

type orMatcher []matcher

func (m orMatcher) match(doc map[string]any) bool {
	for _, sub := range m {
		if sub.match(doc) {
			return true
		}
	}
	return false
}

type notMatcher struct{ inner matcher }

func (m notMatcher) match(doc map[string]any) bool { return !m.inner.match(doc) }

type fieldMatcher struct {
	path []string
	cond condition
}

func (m fieldMatcher) match(doc map[string]any) bool {
	v, ok := lookupPath(doc, m.path)
	return m.cond.test(v, ok)
}

func compileSelector(sel map[string]any) (matcher, error) {
	if len(sel) == 0 {
		return matchAll{}, nil
	}
	keys := make([]string, 0, len(sel))
	for k := range sel {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var parts andMatcher
	for _, k := range keys {
		v := sel[k]
		switch k {
		case "$and", "$or", "$nor":
			subs, err := compileSelectorList(k, v)
			if err != nil {
				return nil, err
			}
			switch k {
			case "$and":
				parts = append(parts, andMatcher(subs))
			case "$or":
				parts = append(parts, orMatcher(subs))
			default:
				parts = append(parts, notMatcher{orMatcher(subs)})
			}
		case "$not":
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("worldstate: $not requires a selector, got %T", v)
			}
			inner, err := compileSelector(m)
			if err != nil {
				return nil, err
			}
			parts = append(parts, notMatcher{inner})
		default:
			if strings.HasPrefix(k, "$") {
				return nil, fmt.Errorf("worldstate: unsupported selector operator %s", k)
			}
			cond, err := compileCondition(v)
			if err != nil {
				return nil, fmt.Errorf("worldstate: field %s: %w", k, err)
			}
			parts = append(parts, fieldMatcher{splitFieldPath(k), cond})
		}
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts, nil
}

func compileSelectorList(op string, v any) ([]matcher, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("worldstate: %s requires an array, got %T", op, v)
	}
	subs := make([]matcher, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("worldstate: %s elements must be selectors, got %T", op, e)
		}
		sub, err := compileSelector(m)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func isOperatorMap(m map[string]any) (bool, error) {
	var ops, fields int
	for k := range m {
		if strings.HasPrefix(k, "$") {
			ops++
		} else {
			fields++
		}
	}
	if ops > 0 && fields > 0 {
		return false, fmt.Errorf("cannot mix operators and field names")
	}
	return ops > 0, nil
}

func compileCondition(v any) (condition, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return eqCond{v}, nil
	}
	isOps, err := isOperatorMap(m)
	if err != nil {
		return nil, err
	}
	if !isOps {
		sub, err := compileSelector(m)
		if err != nil {
			return nil, err
		}
		return subdocCond{sub}, nil
	}

	ops := make([]string, 0, len(m))
	for k := range m {
		ops = append(ops, k)
	}
	slices.Sort(ops)

	var conds andCond
	for _, op := range ops {
		c, err := compileOperator(op, m[op])
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	if len(conds) == 1 {
		return conds[0], nil
	}
	return conds, nil
}

func compileOperator(op string, arg any) (condition, error) {
	switch op {
	case "$eq":
		return eqCond{arg}, nil
	case "$ne":
		return cmpCond{arg, func(c int) bool { return c != 0 }}, nil
	case "$gt":
		return cmpCond{arg, func(c int) bool { return c > 0 }}, nil
	case "$gte":
		return cmpCond{arg, func(c int) bool { return c >= 0 }}, nil
	case "$lt":
		return cmpCond{arg, func(c int) bool { return c < 0 }}, nil
	case "$lte":
		return cmpCond{arg, func(c int) bool { return c <= 0 }}, nil
	case "$in", "$nin", "$all":
		list, ok := arg.([]any)
		if !ok {
			return nil, fmt.Errorf("%s requires an array, got %T", op, arg)
		}
		switch op {
		case "$in":
			return inCond{list, false}, nil
		case "$nin":
			return inCond{list, true}, nil
		default:
			return allCond{list}, nil
		}
	case "$exists":
		b, ok := arg.(bool)
		if !ok {
			return nil, fmt.Errorf("$exists requires a boolean, got %T", arg)
		}
		return existsCond{b}, nil
	case "$size":
		n, ok := toFloat(arg)
		if !ok {
			return nil, fmt.Errorf("$size requires a number, got %T", arg)
		}
		return sizeCond{int(n)}, nil
	case "$type":
		s, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("$type requires a string, got %T", arg)
		}
		return typeCond{s}, nil
	case "$regex":
		s, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("$regex requires a string, got %T", arg)
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("$regex: %w", err)
		}
		return regexCond{re}, nil
	case "$mod":
		list, ok := arg.([]any)
		if !ok || len(list) != 2 {
			return nil, fmt.Errorf("$mod requires [divisor, remainder]")
		}
		d, ok1 := toFloat(list[0])
		r, ok2 := toFloat(list[1])
		if !ok1 || !ok2 || d == 0 {
			return nil, fmt.Errorf("$mod requires a non-zero integer divisor and an integer remainder")
		}
		return modCond{int64(d), int64(r)}, nil
	case "$not":
		inner, err := compileCondition(arg)
		if err != nil {
			return nil, err
		}
		return notCond{inner}, nil
	case "$elemMatch", "$allMatch":
		m, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s requires an object, got %T", op, arg)
		}
		inner, err := compileCondition(m)
		if err != nil {
			return nil, err
		}
		return elemCond{inner, op == "$allMatch"}, nil
	default:
		return nil, fmt.Errorf("unsupported operator %s", op)
	}
}

type andCond []condition

func (c andCond) test(v any, present bool) bool {
	for _, sub := range c {
		if !sub.test(v, present) {
			return false
		}
	}
	return true
}

type eqCond struct{ want any }

func (c eqCond) test(v any, present bool) bool {
	return present && compareValues(v, c.want) == 0
}

type cmpCond struct {
	arg any
	ok  func(c int) bool
}

func (c cmpCond) test(v any, present bool) bool {
	return present && c.ok(compareValues(v, c.arg))
}

type inCond struct {
	list   []any
	negate bool
}

func (c inCond) test(v any, present bool) bool {
	if !present {
		return false
	}
	found := slices.ContainsFunc(c.list, func(e any) bool { return compareValues(v, e) == 0 })
	return found != c.negate
}

type allCond struct{ list []any }

func (c allCond) test(v any, present bool) bool {
	arr, ok := v.([]any)
	if !present || !ok {
		return false
	}
	for _, want := range c.list {
		if !slices.ContainsFunc(arr, func(e any) bool { return compareValues(e, want) == 0 }) {
			return false
		}
	}
	return true
}

type existsCond struct{ want bool }

func (c existsCond) test(v any, present bool) bool { return present == c.want }

type sizeCond struct{ n int }

func (c sizeCond) test(v any, present bool) bool {
	arr, ok := v.([]any)
	return present && ok && len(arr) == c.n
}

type typeCond struct{ name string }

func (c typeCond) test(v any, present bool) bool {
	return present && typeName(v) == c.name
}

type regexCond struct{ re *regexp.Regexp }

func (c regexCond) test(v any, present bool) bool {
	s, ok := v.(string)
	return present && ok && c.re.MatchString(s)
}

type modCond struct{ d, r int64 }

func (c modCond) test(v any, present bool) bool {
	f, ok := toFloat(v)
	if !present || !ok || f != math.Trunc(f) {
		return false
	}
	return int64(f)%c.d == c.r
}

type notCond struct{ inner condition }

func (c notCond) test(v any, present bool) bool { return !c.inner.test(v, present) }

type elemCond struct {
	inner condition
	all   bool
}

func (c elemCond) test(v any, present bool) bool {
	arr, ok := v.([]any)
	if !present || !ok || len(arr) == 0 {
		return false
	}
	for _, e := range arr {
		if c.inner.test(e, true) != c.all {
			return !c.all
		}
	}
	return c.all
}

type subdocCond struct{ sel matcher }

func (c subdocCond) test(v any, present bool) bool {
	m, ok := v.(map[string]any)
	return present && ok && c.sel.match(m)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return "unknown"
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

// collation rank: null < false < true < numbers < strings < arrays < objects
func collationRank(v any) int {
	switch v := v.(type) {
	case nil:
		return 0
	case bool:
		if v {
			return 2
		}
		return 1
	case string:
		return 4
	case []any:
		return 5
	case map[string]any:
		return 6
	}
	if _, ok := toFloat(v); ok {
		return 3
	}
	return 7
}

// compareValues orders two document values using view collation.
func compareValues(a, b any) int {
	ra, rb := collationRank(a), collationRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 3:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 4:
		return strings.Compare(a.(string), b.(string))
	case 5:
		aa, ba := a.([]any), b.([]any)
		for i := 0; i < len(aa) && i < len(ba); i++ {
			if c := compareValues(aa[i], ba[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(aa), len(ba))
	case 6:
		am, bm := a.(map[string]any), b.(map[string]any)
		ak, bk := sortedKeys(am), sortedKeys(bm)
		for i := 0; i < len(ak) && i < len(bk); i++ {
			if c := strings.Compare(ak[i], bk[i]); c != 0 {
				return c
			}
			if c := compareValues(am[ak[i]], bm[bk[i]]); c != 0 {
				return c
			}
		}
		return cmpInt(len(ak), len(bk))
	default:
		return 0
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
