package query

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"

	recordstore "github.com/openclin/recordstore"
	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/internal/index"
	"github.com/openclin/recordstore/internal/store"
)

// Result is the assembled search envelope. Matches are the records
// satisfying the request; Includes are referenced (or referencing)
// records bundled by include directives, deduplicated across the page.
type Result struct {
	Total    int64                 `json:"total"`
	Matches  []*store.StoredRecord `json:"matches"`
	Includes []*store.StoredRecord `json:"includes,omitempty"`
}

// Engine evaluates search requests against the index tables. It never
// reads record bodies except to materialize the final page.
type Engine struct {
	db       *gorm.DB
	registry *index.Registry
	logger   *slog.Logger
}

// NewEngine creates a query engine over the store's database handle and
// search parameter registry.
func NewEngine(db *gorm.DB, registry *index.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, registry: registry, logger: logger}
}

// cond is one accumulated WHERE fragment, applied identically to the
// count and page queries.
type cond struct {
	sql  string
	args []any
}

// Search evaluates req. Zero matches is an empty result, not an error.
// The caller's context deadline aborts between phases: either the full
// page is returned or an error, never a truncated envelope.
func (e *Engine) Search(ctx context.Context, req *Request) (*Result, error) {
	if _, ok := e.registry.Lookup(req.RecordType); !ok {
		return nil, recordstore.BadRequestf("unknown record type %q", req.RecordType)
	}

	conds, err := e.buildConditions(req)
	if err != nil {
		return nil, err
	}

	// Reverse chaining runs first: each clause narrows the candidate id
	// set, and an empty intersection short-circuits the whole search.
	if len(req.Has) > 0 {
		ids, empty, err := e.resolveHas(ctx, req)
		if err != nil {
			return nil, err
		}
		if empty {
			return &Result{Total: 0, Matches: []*store.StoredRecord{}}, nil
		}
		conds = append(conds, cond{sql: "records.record_id IN ?", args: []any{ids}})
	}

	orderExpr, err := sortOrder(req.Sort)
	if err != nil {
		return nil, err
	}

	base := func() *gorm.DB {
		q := e.db.WithContext(ctx).Model(&schema.Record{}).
			Where("records.record_type = ? AND records.deleted = ?", req.RecordType, false)
		for _, c := range conds {
			q = q.Where(c.sql, c.args...)
		}
		return q
	}

	// Total via a dedicated count query, not by fetching all rows.
	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, storageErr("count matches", err)
	}

	// Requests built without Parse still get sane page bounds.
	limit := req.Count
	if limit < 1 {
		limit = defaultCount
	}
	if limit > maxCount {
		limit = maxCount
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	var rows []schema.Record
	if err := base().Order(orderExpr).Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, storageErr("fetch matches", err)
	}

	matches := make([]*store.StoredRecord, 0, len(rows))
	matchIDs := make([]string, 0, len(rows))
	for i := range rows {
		rec, err := store.Materialize(&rows[i])
		if err != nil {
			return nil, err
		}
		matches = append(matches, rec)
		matchIDs = append(matchIDs, rows[i].RecordID)
	}

	result := &Result{Total: total, Matches: matches}

	if len(matchIDs) > 0 && (len(req.Includes) > 0 || len(req.RevIncludes) > 0) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		includes, err := e.expandIncludes(ctx, req, matchIDs)
		if err != nil {
			return nil, err
		}
		result.Includes = includes
	}

	return result, nil
}

// buildConditions translates the request's constraints into EXISTS
// subqueries over search_index, one per constraint, ANDed together.
func (e *Engine) buildConditions(req *Request) ([]cond, error) {
	var conds []cond
	for _, c := range req.Constraints {
		rule, ok := e.registry.Definition(req.RecordType, c.Name)
		if !ok {
			return nil, recordstore.BadRequestf("unknown search parameter %q for type %q", c.Name, req.RecordType)
		}

		if c.Modifier == "missing" {
			prefix := "EXISTS"
			switch c.Value {
			case "true":
				prefix = "NOT EXISTS"
			case "false":
			default:
				return nil, recordstore.BadRequestf(":missing expects true or false, got %q", c.Value)
			}
			conds = append(conds, cond{
				sql: prefix + ` (SELECT 1 FROM search_index WHERE search_index.record_type = records.record_type
					AND search_index.record_id = records.record_id AND search_index.param_name = ?)`,
				args: []any{c.Name},
			})
			continue
		}

		pred, args, err := buildPredicate(rule, c)
		if err != nil {
			return nil, err
		}
		sql := `EXISTS (SELECT 1 FROM search_index WHERE search_index.record_type = records.record_type
			AND search_index.record_id = records.record_id
			AND search_index.param_name = ? AND search_index.param_kind = ? AND (` + pred + `))`
		conds = append(conds, cond{sql: sql, args: append([]any{c.Name, rule.Kind}, args...)})
	}
	return conds, nil
}

// resolveHas evaluates every _has clause and intersects the referenced
// target id sets. empty reports that some clause matched nothing.
func (e *Engine) resolveHas(ctx context.Context, req *Request) ([]string, bool, error) {
	var acc mapset.Set[string]
	for _, clause := range req.Has {
		ids, err := e.hasTargetIDs(ctx, req.RecordType, clause)
		if err != nil {
			return nil, false, err
		}
		set := mapset.NewSet(ids...)
		if acc == nil {
			acc = set
		} else {
			acc = acc.Intersect(set)
		}
		if acc.Cardinality() == 0 {
			return nil, true, nil
		}
	}
	return acc.ToSlice(), false, nil
}

// hasTargetIDs finds the target ids referenced (via clause.RefParam) by
// source records satisfying the clause's constraint.
func (e *Engine) hasTargetIDs(ctx context.Context, targetType string, clause HasClause) ([]string, error) {
	refRule, ok := e.registry.Definition(clause.SourceType, clause.RefParam)
	if !ok || refRule.Kind != schema.KindReference {
		return nil, recordstore.BadRequestf("_has reference parameter %q unknown for type %q", clause.RefParam, clause.SourceType)
	}
	rule, ok := e.registry.Definition(clause.SourceType, clause.Constraint.Name)
	if !ok {
		return nil, recordstore.BadRequestf("_has parameter %q unknown for type %q", clause.Constraint.Name, clause.SourceType)
	}

	pred, args, err := buildPredicate(rule, clause.Constraint)
	if err != nil {
		return nil, err
	}

	var ids []string
	q := e.db.WithContext(ctx).
		Table("search_index AS ref").
		Distinct("ref.target_id").
		Where("ref.record_type = ? AND ref.param_name = ? AND ref.param_kind = ? AND ref.target_type = ?",
			clause.SourceType, clause.RefParam, schema.KindReference, targetType).
		Where(`EXISTS (SELECT 1 FROM search_index WHERE search_index.record_type = ref.record_type
			AND search_index.record_id = ref.record_id
			AND search_index.param_name = ? AND (`+pred+`))`,
			append([]any{clause.Constraint.Name}, args...)...)
	if err := q.Pluck("ref.target_id", &ids).Error; err != nil {
		return nil, storageErr("resolve _has clause", err)
	}
	return ids, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, recordstore.ErrStorageUnavailable)
}

func sortOrder(sort string) (string, error) {
	switch sort {
	case "", "-_lastUpdated":
		return "records.last_modified DESC, records.record_id ASC", nil
	case "_lastUpdated":
		return "records.last_modified ASC, records.record_id ASC", nil
	case "_id":
		return "records.record_id ASC", nil
	case "-_id":
		return "records.record_id DESC", nil
	default:
		return "", recordstore.BadRequestf("unsupported _sort %q", sort)
	}
}
