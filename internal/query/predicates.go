package query

import (
	"strconv"
	"strings"
	"time"

	recordstore "github.com/openclin/recordstore"
	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/internal/index"
)

// buildPredicate translates one constraint into a SQL fragment over the
// search_index value columns (unqualified, so the fragment binds to the
// innermost table of the enclosing subquery). Operator/kind mismatches
// are ErrBadRequest.
func buildPredicate(rule index.Rule, c Constraint) (string, []any, error) {
	switch rule.Kind {
	case schema.KindString:
		return stringPredicate(c)
	case schema.KindToken:
		return tokenPredicate(c)
	case schema.KindDate:
		return datePredicate(c)
	case schema.KindNumber:
		return numberPredicate(c, false)
	case schema.KindQuantity:
		return numberPredicate(c, true)
	case schema.KindReference:
		return referencePredicate(c)
	case schema.KindComposite:
		return compositePredicate(rule, c)
	default:
		return "", nil, recordstore.BadRequestf("parameter %q has unsupported kind %q", c.Name, rule.Kind)
	}
}

func stringPredicate(c Constraint) (string, []any, error) {
	switch c.Modifier {
	case "":
		return `LOWER(string_value) LIKE ? ESCAPE '\'`, []any{strings.ToLower(escapeLike(c.Value)) + "%"}, nil
	case "contains":
		return `LOWER(string_value) LIKE ? ESCAPE '\'`, []any{"%" + strings.ToLower(escapeLike(c.Value)) + "%"}, nil
	case "exact":
		return "string_value = ?", []any{c.Value}, nil
	default:
		return "", nil, recordstore.BadRequestf("modifier %q not valid for string parameter %q", c.Modifier, c.Name)
	}
}

func tokenPredicate(c Constraint) (string, []any, error) {
	if c.Modifier != "" {
		return "", nil, recordstore.BadRequestf("modifier %q not valid for token parameter %q", c.Modifier, c.Name)
	}
	system, code, hasSystem := strings.Cut(c.Value, "|")
	if !hasSystem {
		return "code = ?", []any{c.Value}, nil
	}
	if system == "" {
		// "|code": code with no system.
		return "system = '' AND code = ?", []any{code}, nil
	}
	if code == "" {
		// "system|": any code in the system.
		return "system = ?", []any{system}, nil
	}
	return "system = ? AND code = ?", []any{system, code}, nil
}

func datePredicate(c Constraint) (string, []any, error) {
	if c.Modifier != "" {
		return "", nil, recordstore.BadRequestf("modifier %q not valid for date parameter %q", c.Modifier, c.Name)
	}
	op, rest := splitComparator(c.Value)
	start, end, err := dateRange(rest)
	if err != nil {
		return "", nil, recordstore.BadRequestf("invalid date value %q for parameter %q", c.Value, c.Name)
	}

	switch op {
	case "eq":
		return "date_value >= ? AND date_value < ?", []any{start, end}, nil
	case "ne":
		return "NOT (date_value >= ? AND date_value < ?)", []any{start, end}, nil
	case "gt":
		return "date_value >= ?", []any{end}, nil
	case "ge":
		return "date_value >= ?", []any{start}, nil
	case "lt":
		return "date_value < ?", []any{start}, nil
	case "le":
		return "date_value < ?", []any{end}, nil
	default:
		return "", nil, recordstore.BadRequestf("invalid comparator %q for parameter %q", op, c.Name)
	}
}

func numberPredicate(c Constraint, quantity bool) (string, []any, error) {
	if c.Modifier != "" {
		return "", nil, recordstore.BadRequestf("modifier %q not valid for numeric parameter %q", c.Modifier, c.Name)
	}
	op, rest := splitComparator(c.Value)

	var unit string
	if quantity {
		// value[|system][|code]; the unit is the last segment.
		parts := strings.Split(rest, "|")
		rest = parts[0]
		if len(parts) == 3 {
			unit = parts[2]
		} else if len(parts) == 2 {
			unit = parts[1]
		}
	}

	num, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return "", nil, recordstore.BadRequestf("invalid numeric value %q for parameter %q", c.Value, c.Name)
	}

	var sql string
	args := []any{num}
	switch op {
	case "eq":
		sql = "number_value = ?"
	case "ne":
		sql = "number_value <> ?"
	case "gt":
		sql = "number_value > ?"
	case "ge":
		sql = "number_value >= ?"
	case "lt":
		sql = "number_value < ?"
	case "le":
		sql = "number_value <= ?"
	default:
		return "", nil, recordstore.BadRequestf("invalid comparator %q for parameter %q", op, c.Name)
	}

	if unit != "" {
		sql += " AND unit = ?"
		args = append(args, unit)
	}
	return sql, args, nil
}

func referencePredicate(c Constraint) (string, []any, error) {
	if c.Modifier != "" {
		return "", nil, recordstore.BadRequestf("modifier %q not valid for reference parameter %q", c.Modifier, c.Name)
	}
	if targetType, targetID, ok := strings.Cut(c.Value, "/"); ok {
		return "target_type = ? AND target_id = ?", []any{targetType, targetID}, nil
	}
	return "target_id = ?", []any{c.Value}, nil
}

// compositePredicate requires a single index entry to satisfy every
// component, distinguishing same-entry co-occurrence from record-wide
// co-occurrence.
func compositePredicate(rule index.Rule, c Constraint) (string, []any, error) {
	if c.Modifier != "" {
		return "", nil, recordstore.BadRequestf("modifier %q not valid for composite parameter %q", c.Modifier, c.Name)
	}
	parts := strings.Split(c.Value, "$")
	if len(parts) != len(rule.Components) {
		return "", nil, recordstore.BadRequestf("composite parameter %q expects %d components, got %d",
			c.Name, len(rule.Components), len(parts))
	}

	var clauses []string
	var args []any
	for i, comp := range rule.Components {
		compRule := index.Rule{Name: c.Name, Kind: comp.Kind}
		sql, compArgs, err := buildPredicate(compRule, Constraint{Name: c.Name, Value: parts[i]})
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "("+sql+")")
		args = append(args, compArgs...)
	}
	return strings.Join(clauses, " AND "), args, nil
}

var comparators = map[string]bool{"eq": true, "ne": true, "gt": true, "lt": true, "ge": true, "le": true}

// splitComparator peels a two-letter comparator prefix off a value;
// absent prefix means eq.
func splitComparator(v string) (op, rest string) {
	if len(v) > 2 && comparators[v[:2]] {
		return v[:2], v[2:]
	}
	return "eq", v
}

// dateRange returns the half-open period a date literal denotes at its
// precision.
func dateRange(v string) (start, end time.Time, err error) {
	switch len(v) {
	case 4: // YYYY
		start, err = time.Parse("2006", v)
		if err != nil {
			return
		}
		return start, start.AddDate(1, 0, 0), nil
	case 7: // YYYY-MM
		start, err = time.Parse("2006-01", v)
		if err != nil {
			return
		}
		return start, start.AddDate(0, 1, 0), nil
	case 10: // YYYY-MM-DD
		start, err = time.Parse("2006-01-02", v)
		if err != nil {
			return
		}
		return start, start.AddDate(0, 0, 1), nil
	default:
		start, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return
		}
		start = start.UTC()
		return start, start.Add(time.Second), nil
	}
}

// escapeLike escapes LIKE wildcards in user-supplied values.
func escapeLike(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "%", `\%`)
	v = strings.ReplaceAll(v, "_", `\_`)
	return v
}
