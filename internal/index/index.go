// Package index implements IndexManager: per-collection, per-field hash
// indexes used to accelerate equality, $eq and $in queries (spec §4.4).
// Grounded on the teacher's internal/docdb/index.go sharded
// value-to-document structure, generalized from "index of document id by
// document id" (primary-key visibility index) to "index of document id
// set by extracted field value" (secondary hash index).
package index

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/kartikbazzad/lmcs/internal/errors"
	"github.com/kartikbazzad/lmcs/internal/query"
)

// Definition describes one index: the ordered field paths it covers, and
// its unique/sparse flags.
type Definition struct {
	Fields []string
	Unique bool
	Sparse bool
}

// Name derives the index's canonical identifier: "field1:field2:...".
func (d Definition) Name() string {
	return strings.Join(d.Fields, ":")
}

// index is one field-set's live structure: canonical key -> set of ids.
type index struct {
	def  Definition
	keys map[string]map[string]struct{}
}

func newIndex(def Definition) *index {
	return &index{def: def, keys: make(map[string]map[string]struct{})}
}

// Manager holds every index definition across every collection.
type Manager struct {
	mu   sync.RWMutex
	byCol map[string]map[string]*index // collection -> index name -> index
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{byCol: make(map[string]map[string]*index)}
}

// CreateIndex registers a new index definition for collection. Refuses a
// duplicate under the derived name.
func (m *Manager) CreateIndex(collection string, def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	indexes, ok := m.byCol[collection]
	if !ok {
		indexes = make(map[string]*index)
		m.byCol[collection] = indexes
	}

	name := def.Name()
	if _, exists := indexes[name]; exists {
		return errors.ValidationError(errors.CodeBadConfig, "index already exists: "+name, nil)
	}
	indexes[name] = newIndex(def)
	return nil
}

// Indexes returns the definitions registered for collection.
func (m *Manager) Indexes(collection string) []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	indexes := m.byCol[collection]
	defs := make([]Definition, 0, len(indexes))
	for _, idx := range indexes {
		defs = append(defs, idx.def)
	}
	return defs
}

// extractKey pulls the compound key out of doc following def's field
// paths. ok is false when a component is missing and the index is sparse
// (the document is then left out of the index entirely), or when the key
// cannot be serialized; a non-sparse index records a missing component as
// null.
func extractKey(def Definition, doc query.Document) (string, bool) {
	values := make([]interface{}, len(def.Fields))
	for i, field := range def.Fields {
		v, found := query.GetPath(doc, field)
		if !found {
			if def.Sparse {
				return "", false
			}
			values[i] = nil
			continue
		}
		values[i] = v
	}
	key, err := canonicalKey(values)
	if err != nil {
		return "", false
	}
	return key, true
}

// canonicalKey serializes an ordered value list into a stable string via
// JSON marshaling (map keys are not part of this path, so encoding/json's
// deterministic field order is not a concern here — only array order,
// which is preserved).
func canonicalKey(values []interface{}) (string, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// IndexDocument adds id to every registered index's key set for
// collection, deriving each index's key from doc. Unique violations are
// detected before any index is mutated and raise ValidationError.
func (m *Manager) IndexDocument(collection, id string, doc query.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	indexes := m.byCol[collection]
	if len(indexes) == 0 {
		return nil
	}

	type pending struct {
		idx *index
		key string
	}
	var toApply []pending

	for _, idx := range indexes {
		key, ok := extractKey(idx.def, doc)
		if !ok {
			continue
		}
		if idx.def.Unique {
			if existing, has := idx.keys[key]; has && len(existing) > 0 {
				for existingID := range existing {
					if existingID != id {
						return errors.ValidationError(errors.CodeUniqueViolation, "unique index violation on "+idx.def.Name(), nil)
					}
				}
			}
		}
		toApply = append(toApply, pending{idx: idx, key: key})
	}

	for _, p := range toApply {
		set, ok := p.idx.keys[p.key]
		if !ok {
			set = make(map[string]struct{})
			p.idx.keys[p.key] = set
		}
		set[id] = struct{}{}
	}
	return nil
}

// RemoveDocument removes id from every registered index's key set for
// collection, dropping empty key sets.
func (m *Manager) RemoveDocument(collection, id string, doc query.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()

	indexes := m.byCol[collection]
	for _, idx := range indexes {
		key, ok := extractKey(idx.def, doc)
		if !ok {
			continue
		}
		set, ok := idx.keys[key]
		if !ok {
			continue
		}
		delete(set, id)
		if len(set) == 0 {
			delete(idx.keys, key)
		}
	}
}

// QueryByIndex inspects filter for top-level fields that have a
// registered single-field index and an equality-shaped predicate
// ($eq/$in/bare scalar), computing the candidate id set for each and
// intersecting them. Returns (nil, false) when no applicable index
// exists, meaning the caller must fall back to a linear scan.
func (m *Manager) QueryByIndex(collection string, filter query.Document) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	indexes := m.byCol[collection]
	if len(indexes) == 0 {
		return nil, false
	}

	var candidateSets []map[string]struct{}
	for field, raw := range filter {
		if strings.HasPrefix(field, "$") {
			continue
		}
		idx, ok := indexes[field]
		if !ok {
			continue
		}

		set, applicable := m.candidatesForField(idx, raw)
		if !applicable {
			continue
		}
		candidateSets = append(candidateSets, set)
	}

	if len(candidateSets) == 0 {
		return nil, false
	}

	result := intersect(candidateSets)
	ids := make([]string, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, true
}

// candidatesForField computes the id set an index can serve for one
// field's predicate: equality (bare scalar or $eq), or union across
// $in's values. Any other operator shape is not applicable.
func (m *Manager) candidatesForField(idx *index, raw interface{}) (map[string]struct{}, bool) {
	switch v := raw.(type) {
	case map[string]interface{}:
		if eq, ok := v["$eq"]; ok && len(v) == 1 {
			return m.lookupOne(idx, eq), true
		}
		if in, ok := v["$in"]; ok && len(v) == 1 {
			values, ok := in.([]interface{})
			if !ok {
				return nil, false
			}
			union := make(map[string]struct{})
			for _, val := range values {
				for id := range m.lookupOne(idx, val) {
					union[id] = struct{}{}
				}
			}
			return union, true
		}
		return nil, false
	default:
		return m.lookupOne(idx, v), true
	}
}

func (m *Manager) lookupOne(idx *index, value interface{}) map[string]struct{} {
	if len(idx.def.Fields) != 1 {
		return nil
	}
	key, err := canonicalKey([]interface{}{value})
	if err != nil {
		return nil
	}
	return idx.keys[key]
}

func intersect(sets []map[string]struct{}) map[string]struct{} {
	if len(sets) == 0 {
		return nil
	}
	result := make(map[string]struct{}, len(sets[0]))
	for id := range sets[0] {
		result[id] = struct{}{}
	}
	for _, s := range sets[1:] {
		for id := range result {
			if _, ok := s[id]; !ok {
				delete(result, id)
			}
		}
	}
	return result
}

// DropCollection removes every index registered for collection.
func (m *Manager) DropCollection(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byCol, collection)
}
