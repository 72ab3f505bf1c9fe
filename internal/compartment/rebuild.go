package compartment

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openclin/recordstore/internal/db/schema"
)

// Rebuilder recomputes compartment membership from the reference edge
// table. It is an offline maintenance operation: the write path only
// ever performs incremental refreshes.
type Rebuilder struct {
	db     *gorm.DB
	ix     *Indexer
	logger *slog.Logger
}

// NewRebuilder creates a rebuilder using the same definitions as the
// write-path indexer.
func NewRebuilder(db *gorm.DB, ix *Indexer, logger *slog.Logger) *Rebuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{db: db, ix: ix, logger: logger}
}

// Rebuild recomputes membership for one record type, or for every type
// with compartment definitions when recordType is empty. Soft-deleted
// records keep no membership. Returns the number of membership rows
// written.
func (rb *Rebuilder) Rebuild(ctx context.Context, recordType string) (int, error) {
	types := []string{recordType}
	if recordType == "" {
		types = types[:0]
		for t := range rb.ix.defs {
			types = append(types, t)
		}
	}

	total := 0
	for _, t := range types {
		n, err := rb.rebuildType(ctx, t)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (rb *Rebuilder) rebuildType(ctx context.Context, recordType string) (int, error) {
	written := 0
	err := rb.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("member_type = ?", recordType).
			Delete(&schema.CompartmentMembership{}).Error; err != nil {
			return fmt.Errorf("clear memberships for %s: %w", recordType, err)
		}

		var records []schema.Record
		if err := tx.Where("record_type = ? AND deleted = ?", recordType, false).
			Find(&records).Error; err != nil {
			return fmt.Errorf("load %s records: %w", recordType, err)
		}

		for _, rec := range records {
			var edges []schema.ReferenceEdge
			if err := tx.Where("source_type = ? AND source_id = ?", rec.RecordType, rec.RecordID).
				Find(&edges).Error; err != nil {
				return fmt.Errorf("load edges for %s/%s: %w", rec.RecordType, rec.RecordID, err)
			}
			rows := rb.ix.MembershipsFor(rec.RecordType, rec.RecordID, edges)
			if len(rows) == 0 {
				continue
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return fmt.Errorf("write memberships for %s/%s: %w", rec.RecordType, rec.RecordID, err)
			}
			written += len(rows)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	rb.logger.Info("compartment rebuild complete", "recordType", recordType, "rows", written)
	return written, nil
}
