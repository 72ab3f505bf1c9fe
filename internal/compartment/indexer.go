// Package compartment maintains the denormalized membership table that
// groups records under their owning subject, supporting
// authorization-scoped retrieval.
package compartment

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openclin/recordstore/internal/db/schema"
)

// Definition names the reference fields of one record type that place
// the record in a compartment. A reference edge whose field path matches
// (array indexes ignored) and whose target type equals CompartmentType
// produces a membership row.
type Definition struct {
	CompartmentType string
	FieldPaths      []string
}

// Definitions maps record type to its compartment-defining fields.
type Definitions map[string][]Definition

// DefaultDefinitions covers the core clinical types: any record whose
// subject field references a Patient belongs to that patient's
// compartment.
func DefaultDefinitions() Definitions {
	subject := []Definition{{CompartmentType: "Patient", FieldPaths: []string{"subject", "patient"}}}
	return Definitions{
		"Observation": subject,
		"Condition":   subject,
		"Encounter":   subject,
	}
}

// Indexer applies incremental membership updates on each write and
// removal on delete. Full recompute is a separate maintenance job, not
// part of the write path.
type Indexer struct {
	defs Definitions
}

// NewIndexer creates an indexer over the given definitions.
func NewIndexer(defs Definitions) *Indexer {
	if defs == nil {
		defs = DefaultDefinitions()
	}
	return &Indexer{defs: defs}
}

// MembershipsFor derives the membership rows implied by a record's
// current edge set.
func (ix *Indexer) MembershipsFor(recordType, recordID string, edges []schema.ReferenceEdge) []schema.CompartmentMembership {
	defs, ok := ix.defs[recordType]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var rows []schema.CompartmentMembership
	for _, def := range defs {
		for _, edge := range edges {
			if edge.TargetType != def.CompartmentType || edge.TargetID == "" {
				continue
			}
			if !matchesFieldPath(edge.FieldPath, def.FieldPaths) {
				continue
			}
			key := def.CompartmentType + "/" + edge.TargetID
			if seen[key] {
				continue
			}
			seen[key] = true
			rows = append(rows, schema.CompartmentMembership{
				CompartmentType: def.CompartmentType,
				CompartmentID:   edge.TargetID,
				MemberType:      recordType,
				MemberID:        recordID,
			})
		}
	}
	return rows
}

// Refresh replaces the record's membership rows inside the caller's
// transaction.
func (ix *Indexer) Refresh(tx *gorm.DB, recordType, recordID string, edges []schema.ReferenceEdge) error {
	if err := tx.Where("member_type = ? AND member_id = ?", recordType, recordID).
		Delete(&schema.CompartmentMembership{}).Error; err != nil {
		return fmt.Errorf("clear compartment membership: %w", err)
	}

	rows := ix.MembershipsFor(recordType, recordID, edges)
	if len(rows) == 0 {
		return nil
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert compartment membership: %w", err)
	}
	return nil
}

// Remove deletes all membership rows for a record, used on soft delete
// and purge.
func (ix *Indexer) Remove(tx *gorm.DB, recordType, recordID string) error {
	if err := tx.Where("member_type = ? AND member_id = ?", recordType, recordID).
		Delete(&schema.CompartmentMembership{}).Error; err != nil {
		return fmt.Errorf("remove compartment membership: %w", err)
	}
	return nil
}

// Members returns the record references inside one compartment.
func (ix *Indexer) Members(ctx context.Context, db *gorm.DB, compartmentType, compartmentID string) ([]schema.CompartmentMembership, error) {
	var rows []schema.CompartmentMembership
	if err := db.WithContext(ctx).
		Where("compartment_type = ? AND compartment_id = ?", compartmentType, compartmentID).
		Order("member_type, member_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list compartment members: %w", err)
	}
	return rows, nil
}

// matchesFieldPath compares an edge's indexed field path against the
// definition paths, ignoring array positions: "contact[2].patient"
// matches "contact.patient".
func matchesFieldPath(edgePath string, defPaths []string) bool {
	stripped := stripIndexes(edgePath)
	for _, p := range defPaths {
		if stripped == p {
			return true
		}
	}
	return false
}

func stripIndexes(path string) string {
	var b strings.Builder
	skip := false
	for _, r := range path {
		switch {
		case r == '[':
			skip = true
		case r == ']':
			skip = false
		case !skip:
			b.WriteRune(r)
		}
	}
	return b.String()
}
