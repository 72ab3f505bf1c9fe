package query

import (
	"context"

	recordstore "github.com/openclin/recordstore"
	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/internal/store"
)

// refTarget is one distinct (type, id) pair to bundle.
type refTarget struct {
	TargetType string
	TargetID   string
}

// expandIncludes resolves _include and _revinclude directives for the
// matched page. Each directive is one batch query plus one batch fetch
// per target type; included records are deduplicated across directives
// so a shared target appears once.
func (e *Engine) expandIncludes(ctx context.Context, req *Request, matchIDs []string) ([]*store.StoredRecord, error) {
	seen := make(map[refTarget]bool)
	var wanted []refTarget

	for _, inc := range req.Includes {
		rule, ok := e.registry.Definition(inc.SourceType, inc.Param)
		if !ok || rule.Kind != schema.KindReference {
			return nil, recordstore.BadRequestf("_include parameter %q unknown for type %q", inc.Param, inc.SourceType)
		}

		var targets []refTarget
		err := e.db.WithContext(ctx).Model(&schema.SearchIndexEntry{}).
			Distinct("target_type", "target_id").
			Where("record_type = ? AND param_name = ? AND param_kind = ? AND record_id IN ?",
				req.RecordType, inc.Param, schema.KindReference, matchIDs).
			Find(&targets).Error
		if err != nil {
			return nil, storageErr("resolve _include targets", err)
		}
		for _, t := range targets {
			if t.TargetType == "" || seen[t] {
				continue
			}
			seen[t] = true
			wanted = append(wanted, t)
		}
	}

	for _, rev := range req.RevIncludes {
		rule, ok := e.registry.Definition(rev.SourceType, rev.Param)
		if !ok || rule.Kind != schema.KindReference {
			return nil, recordstore.BadRequestf("_revinclude parameter %q unknown for type %q", rev.Param, rev.SourceType)
		}

		var sourceIDs []string
		err := e.db.WithContext(ctx).Model(&schema.SearchIndexEntry{}).
			Distinct("record_id").
			Where("record_type = ? AND param_name = ? AND param_kind = ? AND target_type = ? AND target_id IN ?",
				rev.SourceType, rev.Param, schema.KindReference, req.RecordType, matchIDs).
			Pluck("record_id", &sourceIDs).Error
		if err != nil {
			return nil, storageErr("resolve _revinclude sources", err)
		}
		for _, id := range sourceIDs {
			t := refTarget{TargetType: rev.SourceType, TargetID: id}
			if seen[t] {
				continue
			}
			seen[t] = true
			wanted = append(wanted, t)
		}
	}

	return e.fetchTargets(ctx, wanted)
}

// fetchTargets batch-fetches the included records grouped by type: one
// query per record type, never one per record.
func (e *Engine) fetchTargets(ctx context.Context, targets []refTarget) ([]*store.StoredRecord, error) {
	byType := make(map[string][]string)
	var typeOrder []string
	for _, t := range targets {
		if _, ok := byType[t.TargetType]; !ok {
			typeOrder = append(typeOrder, t.TargetType)
		}
		byType[t.TargetType] = append(byType[t.TargetType], t.TargetID)
	}

	var out []*store.StoredRecord
	for _, recordType := range typeOrder {
		var rows []schema.Record
		err := e.db.WithContext(ctx).
			Where("record_type = ? AND record_id IN ? AND deleted = ?", recordType, byType[recordType], false).
			Order("record_id ASC").
			Find(&rows).Error
		if err != nil {
			return nil, storageErr("fetch included records", err)
		}
		for i := range rows {
			rec, err := store.Materialize(&rows[i])
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}
