package recordstore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ltessier/mediastore/pkg/record"
)

var filterPattern = regexp.MustCompile(`^:(.+?):(.+)$`)

// Matcher evaluates a compiled meta constraint against a stored value.
type Matcher func(value any, present bool) bool

// Compile turns a Query into a record predicate. Meta string values are
// interpreted through the filter language:
//
//	::<value>            literal value starting with a colon
//	:range:<min>:<max>   inclusive numeric range
//	:lte:<n> / :gte:<n>  numeric comparison
//	:re:<expr>           regular expression
//	:re.i:<expr>         case-insensitive regular expression
//	:like:<pattern>      anchored match with % wildcards
//	:ilike:<pattern>     case-insensitive :like:
//
// Any other meta value must compare equal to the stored one. Unrecognised
// directives and malformed operands are reported as errors so callers can
// reject the query.
func Compile(q Query, onlyAnonymous bool) (func(*record.Record) bool, error) {
	metaMatchers := make(map[string]Matcher, len(q.Meta))
	for key, value := range q.Meta {
		m, err := compileMetaValue(value)
		if err != nil {
			return nil, fmt.Errorf("%w: meta filter %q: %v", ErrBadFilter, key, err)
		}
		metaMatchers[key] = m
	}

	var mimePrefix bool
	if q.Mime != "" && !strings.Contains(q.Mime, "/") {
		mimePrefix = true
	}

	return func(r *record.Record) bool {
		if onlyAnonymous && r.Keys.Read != nil {
			return false
		}
		if q.Family.Set && !sameFamily(q.Family.Name, r.Physical.Family) {
			return false
		}
		if !q.Ctime.Contains(r.Physical.Ctime) {
			return false
		}
		if !q.Atime.Contains(float64(r.Physical.Atime)) {
			return false
		}
		if !q.Accesses.Contains(float64(r.Stats.Accesses)) {
			return false
		}
		if q.Mime != "" {
			if mimePrefix {
				if !strings.HasPrefix(r.Physical.Format.Mime, q.Mime+"/") {
					return false
				}
			} else if r.Physical.Format.Mime != q.Mime {
				return false
			}
		}
		for key, match := range metaMatchers {
			value, present := r.Meta[key]
			if !match(value, present) {
				return false
			}
		}
		return true
	}, nil
}

func sameFamily(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func compileMetaValue(value any) (Matcher, error) {
	s, isString := value.(string)
	if !isString {
		return equalityMatcher(value), nil
	}

	if strings.HasPrefix(s, "::") {
		return equalityMatcher(s[1:]), nil
	}

	m := filterPattern.FindStringSubmatch(s)
	if m == nil {
		return equalityMatcher(s), nil
	}
	directive, operand := m[1], m[2]

	switch directive {
	case "range":
		bounds := strings.SplitN(operand, ":", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("range needs <min>:<max>, got %q", operand)
		}
		min, err := strconv.ParseFloat(bounds[0], 64)
		if err != nil {
			return nil, fmt.Errorf("range min %q: %w", bounds[0], err)
		}
		max, err := strconv.ParseFloat(bounds[1], 64)
		if err != nil {
			return nil, fmt.Errorf("range max %q: %w", bounds[1], err)
		}
		return numericMatcher(func(v float64) bool { return v >= min && v <= max }), nil
	case "lte":
		n, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return nil, fmt.Errorf("lte operand %q: %w", operand, err)
		}
		return numericMatcher(func(v float64) bool { return v <= n }), nil
	case "gte":
		n, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return nil, fmt.Errorf("gte operand %q: %w", operand, err)
		}
		return numericMatcher(func(v float64) bool { return v >= n }), nil
	case "re":
		return regexMatcher(operand)
	case "re.i":
		return regexMatcher("(?i)" + operand)
	case "like":
		return regexMatcher(likeExpr(operand))
	case "ilike":
		return regexMatcher("(?i)" + likeExpr(operand))
	default:
		return nil, fmt.Errorf("unrecognised filter directive %q", directive)
	}
}

// likeExpr translates an SQL-LIKE pattern into an anchored regular
// expression. A single trailing wildcard compiles to a plain prefix match.
func likeExpr(pattern string) string {
	if strings.Count(pattern, "%") == 1 && strings.HasSuffix(pattern, "%") {
		return "^" + regexp.QuoteMeta(strings.TrimSuffix(pattern, "%"))
	}
	parts := strings.Split(pattern, "%")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return "^" + strings.Join(parts, ".*") + "$"
}

func equalityMatcher(want any) Matcher {
	return func(value any, present bool) bool {
		if !present {
			return false
		}
		if wantNum, ok := toFloat(want); ok {
			got, ok := toFloat(value)
			return ok && got == wantNum
		}
		return value == want
	}
}

func numericMatcher(test func(float64) bool) Matcher {
	return func(value any, present bool) bool {
		if !present {
			return false
		}
		v, ok := toFloat(value)
		return ok && test(v)
	}
}

func regexMatcher(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	return func(value any, present bool) bool {
		if !present {
			return false
		}
		s, ok := value.(string)
		return ok && re.MatchString(s)
	}, nil
}

// toFloat coerces the numeric types JSON decoding can produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
