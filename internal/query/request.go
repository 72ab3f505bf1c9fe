// Package query evaluates declarative search requests against the
// search index tables: parameter constraints with AND semantics,
// reverse chaining, include/revinclude expansion, and deterministic
// pagination. Record bodies are only touched for final materialization.
package query

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	recordstore "github.com/openclin/recordstore"
)

// Constraint is one parsed search parameter: name, optional modifier
// (":exact", ":contains", ":missing"), and the raw value including any
// comparator prefix.
type Constraint struct {
	Name     string
	Modifier string
	Value    string
}

// HasClause is one reverse-chaining directive
// (_has:SourceType:refParam:param=value): match target records that are
// referenced via refParam by a SourceType record satisfying Constraint.
type HasClause struct {
	SourceType string
	RefParam   string
	Constraint Constraint
}

// Include names a reference parameter of the matched type whose targets
// are bundled with the result (_include=Type:param).
type Include struct {
	SourceType string
	Param      string
}

// RevInclude names a referencing type and parameter whose sources are
// bundled when they point at a matched record (_revinclude=Type:param).
type RevInclude struct {
	SourceType string
	Param      string
}

// Request is a fully parsed search.
type Request struct {
	RecordType  string
	Constraints []Constraint
	Has         []HasClause
	Includes    []Include
	RevIncludes []RevInclude
	Sort        string
	Count       int
	Offset      int
}

const (
	defaultCount = 50
	maxCount     = 1000
)

// Parse builds a Request from URL query parameters. Unknown control
// parameters (underscore-prefixed) and malformed directives are
// rejected with ErrBadRequest; names are validated against the registry
// later, at evaluation time.
func Parse(recordType string, values url.Values) (*Request, error) {
	req := &Request{RecordType: recordType, Count: defaultCount}

	// Stable iteration keeps constraint order deterministic.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, value := range values[key] {
			if err := parseOne(req, key, value); err != nil {
				return nil, err
			}
		}
	}

	if req.Count < 1 {
		req.Count = defaultCount
	}
	if req.Count > maxCount {
		req.Count = maxCount
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	return req, nil
}

func parseOne(req *Request, key, value string) error {
	switch {
	case key == "_count":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return recordstore.BadRequestf("invalid _count %q", value)
		}
		req.Count = n
	case key == "_offset":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return recordstore.BadRequestf("invalid _offset %q", value)
		}
		req.Offset = n
	case key == "_sort":
		req.Sort = value
	case key == "_include":
		src, param, ok := strings.Cut(value, ":")
		if !ok || src != req.RecordType {
			return recordstore.BadRequestf("invalid _include %q", value)
		}
		req.Includes = append(req.Includes, Include{SourceType: src, Param: param})
	case key == "_revinclude":
		src, param, ok := strings.Cut(value, ":")
		if !ok || src == "" || param == "" {
			return recordstore.BadRequestf("invalid _revinclude %q", value)
		}
		req.RevIncludes = append(req.RevIncludes, RevInclude{SourceType: src, Param: param})
	case strings.HasPrefix(key, "_has:"):
		parts := strings.Split(key, ":")
		if len(parts) != 4 || parts[1] == "" || parts[2] == "" || parts[3] == "" {
			return recordstore.BadRequestf("invalid _has key %q", key)
		}
		if strings.HasPrefix(parts[3], "_has") {
			return recordstore.BadRequestf("nested _has is not supported")
		}
		name, modifier := splitModifier(parts[3])
		req.Has = append(req.Has, HasClause{
			SourceType: parts[1],
			RefParam:   parts[2],
			Constraint: Constraint{Name: name, Modifier: modifier, Value: value},
		})
	case strings.HasPrefix(key, "_"):
		return recordstore.BadRequestf("unsupported parameter %q", key)
	default:
		name, modifier := splitModifier(key)
		req.Constraints = append(req.Constraints, Constraint{Name: name, Modifier: modifier, Value: value})
	}
	return nil
}

func splitModifier(key string) (name, modifier string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}
