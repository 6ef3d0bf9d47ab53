package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// apply evaluates u against the current body of a document and returns the
// new body. current is nil when the document does not exist.
// Used by the backends that cannot express updates natively.
func apply(current json.RawMessage, u Update) (json.RawMessage, error) {
	if current == nil {
		return nil, ErrNotFound
	}

	var doc map[string]any
	if err := json.Unmarshal(current, &doc); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}

	for _, c := range u.Conditions {
		ok, err := holds(doc, c)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrConditionFailed
		}
	}

	for _, field := range sortedKeys(u.Set) {
		v, err := normalize(u.Set[field])
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", field, err)
		}
		doc[field] = v
	}

	for field, delta := range u.Add {
		switch n := doc[field].(type) {
		case nil:
			doc[field] = float64(delta)
		case float64:
			doc[field] = n + float64(delta)
		default:
			return nil, fmt.Errorf("add %s: field is not numeric", field)
		}
	}

	for field, entry := range u.Append {
		switch list := doc[field].(type) {
		case nil:
			doc[field] = []any{entry}
		case []any:
			doc[field] = append(list, entry)
		default:
			return nil, fmt.Errorf("append %s: field is not a list", field)
		}
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return body, nil
}

func holds(doc map[string]any, c Condition) (bool, error) {
	v, present := doc[c.Field]
	if c.Missing {
		return !present || v == nil, nil
	}
	want, err := normalize(c.Equals)
	if err != nil {
		return false, fmt.Errorf("condition %s: %w", c.Field, err)
	}
	return present && reflect.DeepEqual(v, want), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
