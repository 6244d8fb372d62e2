// Package query implements the filter predicate tree, dot-path field
// extraction, and sort comparator used by Collection's find operations
// (spec §4.5). Grounded on the teacher's internal/docdb/path.go
// ParsePath/GetValue algorithm, generalized here from JSON-Pointer
// segments ("/a/b") to dot-notation ("a.b"), and on
// internal/query/merge.go's compareValuesForOrder, generalized to the
// full type-rank total order spec §4.5/§9 mandates.
package query

import "strings"

// Document is the JSON-object representation every filter and path
// operation traverses.
type Document = map[string]interface{}

// splitPath breaks a dot-notation field path into its segments. An empty
// path yields a single empty segment, which GetPath looks up as the key "".
func splitPath(path string) []string {
	if path == "" {
		return []string{""}
	}
	return strings.Split(path, ".")
}

// GetPath retrieves the value at a dot-notation path within doc. ok is
// false if any segment is missing or traverses through a non-object,
// non-array value.
func GetPath(doc Document, path string) (interface{}, bool) {
	segments := splitPath(path)
	var current interface{} = doc

	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]interface{}:
			val, exists := v[seg]
			if !exists {
				return nil, false
			}
			current = val
		case []interface{}:
			idx, err := parseIndex(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}

	return current, true
}

func parseIndex(seg string) (int, error) {
	n := 0
	if seg == "" {
		return 0, errNotANumber
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

var errNotANumber = pathError("path segment is not a numeric array index")

type pathError string

func (e pathError) Error() string { return string(e) }
