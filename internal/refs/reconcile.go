package refs

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/openclin/recordstore/internal/db/schema"
)

// Reconciler performs the second resolution pass over edges a bulk
// import left dangling: forward URN references recorded before their
// referent was seen. It runs after the import (or as a maintenance job),
// once the session table is complete.
type Reconciler struct {
	db      *gorm.DB
	session *SessionResolver
	logger  *slog.Logger
}

// NewReconciler creates a reconciler over the given session table.
func NewReconciler(db *gorm.DB, session *SessionResolver, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{db: db, session: session, logger: logger}
}

// Reconcile re-resolves every edge with an empty target type and updates
// the rows that now resolve. It returns the number of edges repaired.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	var dangling []schema.ReferenceEdge
	if err := r.db.WithContext(ctx).
		Where("target_type = ? OR target_type IS NULL", "").
		Find(&dangling).Error; err != nil {
		return 0, fmt.Errorf("load dangling edges: %w", err)
	}

	repaired := 0
	for _, edge := range dangling {
		target, ok := Resolve(edge.RawRef, r.session)
		if !ok {
			continue
		}
		res := r.db.WithContext(ctx).Model(&schema.ReferenceEdge{}).
			Where("id = ?", edge.ID).
			Updates(map[string]any{
				"target_type": target.Type,
				"target_id":   target.ID,
			})
		if res.Error != nil {
			return repaired, fmt.Errorf("repair edge %d: %w", edge.ID, res.Error)
		}
		repaired++
	}

	if repaired > 0 {
		r.logger.Info("reference reconciliation pass complete",
			"dangling", len(dangling), "repaired", repaired)
	}
	return repaired, nil
}
