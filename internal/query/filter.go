package query

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// regexCache memoizes compiled patterns across Match calls so a $regex
// predicate evaluated against many documents compiles once. Grounded on
// the general "cache compiled work" idea in the teacher's memory pool,
// implemented with an LRU since regex patterns, unlike pooled buffers,
// are unboundedly many distinct keys.
var regexCache = mustNewRegexCache()

func mustNewRegexCache() *lru.Cache[string, *regexp.Regexp] {
	c, err := lru.New[string, *regexp.Regexp](256)
	if err != nil {
		panic(err)
	}
	return c
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Add(pattern, re)
	return re, nil
}

// Match evaluates filter against doc, recursing through $or/$and logical
// operators and per-field operator maps (spec §4.5).
func Match(doc Document, filter Document) bool {
	for key, raw := range filter {
		switch key {
		case "$or":
			subfilters, ok := raw.([]interface{})
			if !ok || len(subfilters) == 0 {
				return false
			}
			matched := false
			for _, sf := range subfilters {
				sub, ok := sf.(Document)
				if !ok {
					continue
				}
				if Match(doc, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "$and":
			subfilters, ok := raw.([]interface{})
			if !ok {
				return false
			}
			for _, sf := range subfilters {
				sub, ok := sf.(Document)
				if !ok {
					return false
				}
				if !Match(doc, sub) {
					return false
				}
			}
		default:
			if !matchField(doc, key, raw) {
				return false
			}
		}
	}
	return true
}

// matchField evaluates one field path's predicate: a bare scalar means
// equality, an object means an operator map where every operator must
// match.
func matchField(doc Document, path string, predicate interface{}) bool {
	value, exists := GetPath(doc, path)

	ops, isOperatorMap := predicate.(map[string]interface{})
	if !isOperatorMap {
		return exists && Compare(value, predicate) == 0
	}

	for op, arg := range ops {
		if !matchOperator(op, value, exists, arg) {
			return false
		}
	}
	return true
}

func matchOperator(op string, value interface{}, exists bool, arg interface{}) bool {
	switch op {
	case "$eq":
		return exists && Compare(value, arg) == 0
	case "$ne":
		return !exists || Compare(value, arg) != 0
	case "$gt":
		return exists && Compare(value, arg) > 0
	case "$gte":
		return exists && Compare(value, arg) >= 0
	case "$lt":
		return exists && Compare(value, arg) < 0
	case "$lte":
		return exists && Compare(value, arg) <= 0
	case "$in":
		values, ok := arg.([]interface{})
		if !ok || !exists {
			return false
		}
		for _, v := range values {
			if Compare(value, v) == 0 {
				return true
			}
		}
		return false
	case "$nin":
		values, ok := arg.([]interface{})
		if !ok {
			return true
		}
		if !exists {
			return true
		}
		for _, v := range values {
			if Compare(value, v) == 0 {
				return false
			}
		}
		return true
	case "$contains":
		s, okS := value.(string)
		sub, okSub := arg.(string)
		return exists && okS && okSub && strings.Contains(s, sub)
	case "$startsWith":
		s, okS := value.(string)
		prefix, okPfx := arg.(string)
		return exists && okS && okPfx && strings.HasPrefix(s, prefix)
	case "$endsWith":
		s, okS := value.(string)
		suffix, okSfx := arg.(string)
		return exists && okS && okSfx && strings.HasSuffix(s, suffix)
	case "$regex":
		s, okS := value.(string)
		pattern, okPat := arg.(string)
		if !exists || !okS || !okPat {
			return false
		}
		re, err := compileRegex(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			want = true
		}
		return exists == want
	case "$between":
		bounds, ok := arg.([]interface{})
		if !ok || len(bounds) != 2 || !exists {
			return false
		}
		return Compare(value, bounds[0]) >= 0 && Compare(value, bounds[1]) <= 0
	default:
		return false
	}
}
