package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// volatileFields are stripped before hashing so that two bodies differing
// only in identity or metadata normalize to the same shape.
var volatileFields = map[string]bool{
	"id":       true,
	"meta":     true,
	"language": true,
}

// Normalize returns a deep copy of doc with volatile top-level fields
// removed. The input is never modified.
func Normalize(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		if volatileFields[k] {
			continue
		}
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = deepCopy(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopy(elem)
		}
		return out
	default:
		return v
	}
}

// Hash returns a stable hex digest of the normalized document. Maps are
// serialized with sorted keys so logically equal bodies hash equally.
func Hash(doc Document) string {
	h := sha256.New()
	writeCanonical(h, Normalize(doc))
	return hex.EncodeToString(h.Sum(nil))
}

func writeCanonical(h interface{ Write([]byte) (int, error) }, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte{'{'})
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{':'})
			writeCanonical(h, val[k])
			h.Write([]byte{','})
		}
		h.Write([]byte{'}'})
	case []any:
		h.Write([]byte{'['})
		for _, elem := range val {
			writeCanonical(h, elem)
			h.Write([]byte{','})
		}
		h.Write([]byte{']'})
	default:
		b, _ := json.Marshal(val)
		h.Write(b)
	}
}
