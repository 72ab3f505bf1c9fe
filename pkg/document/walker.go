package document

import (
	"sort"
	"strconv"
)

// Document is a decoded JSON-like record body.
type Document = map[string]any

// WalkContext describes one node during a walk.
type WalkContext struct {
	// Path is the dotted field path without array indexes, e.g.
	// "code.coding.system". Used for matching extraction rules.
	Path string

	// IndexedPath carries array positions, e.g. "name[0].given[1]".
	// Used where a path must identify one occurrence, such as a
	// reference edge.
	IndexedPath string

	// Key is the field name of this node within its parent.
	Key string

	// Value is the node itself: map[string]any, []any, or a scalar.
	Value any

	// Depth is 0 at the document root's direct children.
	Depth int
}

// VisitorFunc is called for every node in document order. Returning a
// non-nil error stops the walk and propagates the error.
type VisitorFunc func(wc *WalkContext) error

// Walk traverses doc depth-first, calling visitor for each field value,
// each array element, and each nested field. Map keys are visited in
// sorted order so two walks over the same body see nodes in the same
// sequence.
func Walk(doc Document, visitor VisitorFunc) error {
	return walkObject(doc, "", "", 0, visitor)
}

func walkObject(obj map[string]any, path, indexedPath string, depth int, visitor VisitorFunc) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		childPath := joinPath(path, k)
		childIndexed := joinPath(indexedPath, k)
		if err := walkValue(obj[k], k, childPath, childIndexed, depth, visitor); err != nil {
			return err
		}
	}
	return nil
}

func walkValue(v any, key, path, indexedPath string, depth int, visitor VisitorFunc) error {
	switch val := v.(type) {
	case []any:
		for i, elem := range val {
			idx := indexedPath + "[" + strconv.Itoa(i) + "]"
			if err := walkValue(elem, key, path, idx, depth, visitor); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		if err := visitor(&WalkContext{Path: path, IndexedPath: indexedPath, Key: key, Value: val, Depth: depth}); err != nil {
			return err
		}
		return walkObject(val, path, indexedPath, depth+1, visitor)
	default:
		return visitor(&WalkContext{Path: path, IndexedPath: indexedPath, Key: key, Value: val, Depth: depth})
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// Get returns the value at a dotted path, descending through the first
// element of any intermediate array. The second return is false when any
// segment is absent.
func Get(doc Document, path string) (any, bool) {
	var cur any = doc
	start := 0
	for i := 0; i <= len(path); i++ {
		if i != len(path) && path[i] != '.' {
			continue
		}
		seg := path[start:i]
		start = i + 1
		if arr, ok := cur.([]any); ok {
			if len(arr) == 0 {
				return nil, false
			}
			cur = arr[0]
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
