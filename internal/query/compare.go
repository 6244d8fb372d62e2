package query

// typeRank assigns the total order spec §4.5/§9 mandates for
// cross-type comparisons: null < boolean < number < string < array <
// object.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, int, int64, float32:
		return 2
	case string:
		return 3
	case []interface{}:
		return 4
	case map[string]interface{}:
		return 5
	default:
		return 6
	}
}

// Compare returns -1, 0, or 1 for a versus b under the type-rank total
// order: same-type values compare by natural order, cross-type values
// compare by type rank.
func Compare(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch ra {
	case 0: // null == null
		return 0
	case 1:
		ba, bb := a.(bool), b.(bool)
		if ba == bb {
			return 0
		}
		if !ba && bb {
			return -1
		}
		return 1
	case 2:
		fa, fb := toFloat(a), toFloat(b)
		if fa < fb {
			return -1
		}
		if fa > fb {
			return 1
		}
		return 0
	case 3:
		sa, sb := a.(string), b.(string)
		if sa < sb {
			return -1
		}
		if sa > sb {
			return 1
		}
		return 0
	case 4:
		return compareArrays(a.([]interface{}), b.([]interface{}))
	case 5:
		return compareObjects(a.(map[string]interface{}), b.(map[string]interface{}))
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return 0
	}
}

// compareArrays compares element-by-element, shorter-array-first when
// one is a prefix of the other.
func compareArrays(a, b []interface{}) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	}
	if len(a) > len(b) {
		return 1
	}
	return 0
}

// compareObjects walks both objects' sorted keys pairwise, comparing key
// then value, and falls back to key count only when one key list is a
// prefix of the other; objects have no intrinsic order, so this gives a total but otherwise
// arbitrary ordering sufficient only to satisfy totality, not to imply
// meaningful sort semantics for nested-object sort fields.
func compareObjects(a, b map[string]interface{}) int {
	keysA := sortedKeys(a)
	keysB := sortedKeys(b)
	n := len(keysA)
	if len(keysB) < n {
		n = len(keysB)
	}
	for i := 0; i < n; i++ {
		if keysA[i] != keysB[i] {
			if keysA[i] < keysB[i] {
				return -1
			}
			return 1
		}
		if c := Compare(a[keysA[i]], b[keysB[i]]); c != 0 {
			return c
		}
	}
	if len(keysA) < len(keysB) {
		return -1
	}
	if len(keysA) > len(keysB) {
		return 1
	}
	return 0
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort is fine here: object keys used as sort fields are rare and small
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
