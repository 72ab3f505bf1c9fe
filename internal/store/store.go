// Package store owns the durable record table and its version history,
// and coordinates every write with the derived-state indexers inside a
// single transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	recordstore "github.com/openclin/recordstore"
	"github.com/openclin/recordstore/internal/compartment"
	"github.com/openclin/recordstore/internal/db/schema"
	"github.com/openclin/recordstore/internal/index"
	"github.com/openclin/recordstore/internal/refs"
	"github.com/openclin/recordstore/internal/validation"
	"github.com/openclin/recordstore/pkg/document"
)

// StoredRecord is a materialized record returned to callers.
type StoredRecord struct {
	RecordType   string            `json:"recordType"`
	RecordID     string            `json:"recordId"`
	Version      int               `json:"version"`
	Body         document.Document `json:"body"`
	Deleted      bool              `json:"deleted,omitempty"`
	LastModified time.Time         `json:"lastModified"`
}

// HistoryEntry is one committed version of a record.
type HistoryEntry struct {
	Version     int               `json:"version"`
	Operation   schema.Operation  `json:"operation"`
	Body        document.Document `json:"body"`
	CommittedAt time.Time         `json:"committedAt"`
}

// Store implements create/read/update/soft-delete with optimistic
// versioning. Every mutation validates through the caching validator,
// bumps the version, appends history, and regenerates the search index,
// reference edges, and compartment membership, all in one transaction.
type Store struct {
	db           *gorm.DB
	validator    validation.Validator
	indexer      *index.Indexer
	extractor    *refs.Extractor
	compartments *compartment.Indexer
	logger       *slog.Logger
	now          func() time.Time
}

// New wires a store from its collaborators, constructed once at process
// start and passed by reference to request handlers.
func New(db *gorm.DB, validator validation.Validator, indexer *index.Indexer, extractor *refs.Extractor, compartments *compartment.Indexer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:           db,
		validator:    validator,
		indexer:      indexer,
		extractor:    extractor,
		compartments: compartments,
		logger:       logger,
		now:          time.Now,
	}
}

// DB exposes the underlying handle for the query engine and maintenance
// jobs.
func (s *Store) DB() *gorm.DB { return s.db }

// Registry exposes the search parameter registry.
func (s *Store) Registry() *index.Registry { return s.indexer.Registry() }

// Create persists a new record. The id is taken from the body's "id"
// field when present, otherwise assigned. Fails with ErrConflict when
// the (type, id) pair exists, soft-deleted rows included.
func (s *Store) Create(ctx context.Context, recordType string, body document.Document) (*StoredRecord, error) {
	if err := s.validate(ctx, recordType, body); err != nil {
		return nil, err
	}

	recordID, _ := body["id"].(string)
	if recordID == "" {
		recordID = uuid.New().String()
	}

	now := s.now().UTC()
	rec := schema.Record{
		RecordType:   recordType,
		RecordID:     recordID,
		Version:      1,
		Deleted:      false,
		LastModified: now,
	}

	raw, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	rec.Body = raw

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&schema.Record{}).
			Where("record_type = ? AND record_id = ?", recordType, recordID).
			Count(&count).Error; err != nil {
			return storageErr("check existing record", err)
		}
		if count > 0 {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, recordstore.ErrConflict)
		}

		if err := tx.Create(&rec).Error; err != nil {
			return storageErr("insert record", err)
		}
		if err := s.appendHistory(tx, &rec, schema.OpCreate, now); err != nil {
			return err
		}
		return s.reindex(tx, recordType, recordID, body)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("record created", "recordType", recordType, "recordID", recordID)
	return &StoredRecord{RecordType: recordType, RecordID: recordID, Version: 1, Body: body, LastModified: now}, nil
}

// Read returns the current non-deleted record, or ErrNotFound.
func (s *Store) Read(ctx context.Context, recordType, recordID string) (*StoredRecord, error) {
	var rec schema.Record
	err := s.db.WithContext(ctx).
		Where("record_type = ? AND record_id = ?", recordType, recordID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, recordstore.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("read record", err)
	}
	if rec.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, recordstore.ErrNotFound)
	}
	return Materialize(&rec)
}

// Update replaces a record's body. With a non-nil expectedVersion the
// write is preconditioned on the stored version; a mismatch returns
// ErrVersionConflict and never increments anything. Updating a
// soft-deleted record reinstates it; its identifier was never released.
func (s *Store) Update(ctx context.Context, recordType, recordID string, body document.Document, expectedVersion *int) (*StoredRecord, error) {
	if err := s.validate(ctx, recordType, body); err != nil {
		return nil, err
	}

	raw, err := marshalBody(body)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var updated schema.Record

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur schema.Record
		err := tx.Where("record_type = ? AND record_id = ?", recordType, recordID).First(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, recordstore.ErrNotFound)
		}
		if err != nil {
			return storageErr("read current version", err)
		}

		if expectedVersion != nil && *expectedVersion != cur.Version {
			return fmt.Errorf("%s/%s expected %d, stored %d: %w",
				recordType, recordID, *expectedVersion, cur.Version, recordstore.ErrVersionConflict)
		}

		// The version guard on the UPDATE serializes concurrent writers
		// that both read the same current row; the loser's write matches
		// zero rows.
		res := tx.Model(&schema.Record{}).
			Where("record_type = ? AND record_id = ? AND version = ?", recordType, recordID, cur.Version).
			Updates(map[string]any{
				"version":       cur.Version + 1,
				"body":          raw,
				"deleted":       false,
				"last_modified": now,
			})
		if res.Error != nil {
			return storageErr("update record", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%s/%s concurrent update: %w", recordType, recordID, recordstore.ErrVersionConflict)
		}

		updated = cur
		updated.Version = cur.Version + 1
		updated.Body = raw
		updated.Deleted = false
		updated.LastModified = now

		if err := s.appendHistory(tx, &updated, schema.OpUpdate, now); err != nil {
			return err
		}
		return s.reindex(tx, recordType, recordID, body)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("record updated", "recordType", recordType, "recordID", recordID, "version", updated.Version)
	return &StoredRecord{RecordType: recordType, RecordID: recordID, Version: updated.Version, Body: body, LastModified: now}, nil
}

// SoftDelete marks the record deleted, bumps the version, and removes
// its derived state so it is no longer discoverable by query. History is
// retained. Deleting an already-deleted record is a no-op.
func (s *Store) SoftDelete(ctx context.Context, recordType, recordID string) error {
	now := s.now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur schema.Record
		err := tx.Where("record_type = ? AND record_id = ?", recordType, recordID).First(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, recordstore.ErrNotFound)
		}
		if err != nil {
			return storageErr("read current version", err)
		}
		if cur.Deleted {
			return nil
		}

		res := tx.Model(&schema.Record{}).
			Where("record_type = ? AND record_id = ? AND version = ?", recordType, recordID, cur.Version).
			Updates(map[string]any{
				"version":       cur.Version + 1,
				"deleted":       true,
				"last_modified": now,
			})
		if res.Error != nil {
			return storageErr("soft delete record", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%s/%s concurrent update: %w", recordType, recordID, recordstore.ErrVersionConflict)
		}

		cur.Version++
		cur.Deleted = true
		cur.LastModified = now
		if err := s.appendHistory(tx, &cur, schema.OpDelete, now); err != nil {
			return err
		}

		if err := s.clearDerived(tx, recordType, recordID); err != nil {
			return err
		}
		return s.compartments.Remove(tx, recordType, recordID)
	})
	if err != nil {
		return err
	}

	s.logger.Info("record soft-deleted", "recordType", recordType, "recordID", recordID)
	return nil
}

// ReadVersion returns a historical snapshot, including versions of
// soft-deleted records.
func (s *Store) ReadVersion(ctx context.Context, recordType, recordID string, version int) (*StoredRecord, error) {
	var h schema.RecordHistory
	err := s.db.WithContext(ctx).
		Where("record_type = ? AND record_id = ? AND version = ?", recordType, recordID, version).
		First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s version %d: %w", recordType, recordID, version, recordstore.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("read version", err)
	}

	body, err := unmarshalBody(h.Body)
	if err != nil {
		return nil, err
	}
	return &StoredRecord{
		RecordType:   recordType,
		RecordID:     recordID,
		Version:      h.Version,
		Body:         body,
		Deleted:      h.Operation == schema.OpDelete,
		LastModified: h.CommittedAt,
	}, nil
}

// History lists every committed version, newest first.
func (s *Store) History(ctx context.Context, recordType, recordID string) ([]HistoryEntry, error) {
	var rows []schema.RecordHistory
	err := s.db.WithContext(ctx).
		Where("record_type = ? AND record_id = ?", recordType, recordID).
		Order("version DESC").
		Find(&rows).Error
	if err != nil {
		return nil, storageErr("list history", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, recordstore.ErrNotFound)
	}

	out := make([]HistoryEntry, 0, len(rows))
	for _, h := range rows {
		body, err := unmarshalBody(h.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, HistoryEntry{Version: h.Version, Operation: h.Operation, Body: body, CommittedAt: h.CommittedAt})
	}
	return out, nil
}

// Purge hard-deletes a record with its history, derived state, and
// compartment rows. This is the only operation that removes history.
func (s *Store) Purge(ctx context.Context, recordType, recordID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("record_type = ? AND record_id = ?", recordType, recordID).Delete(&schema.Record{})
		if res.Error != nil {
			return storageErr("purge record", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, recordstore.ErrNotFound)
		}
		if err := tx.Where("record_type = ? AND record_id = ?", recordType, recordID).
			Delete(&schema.RecordHistory{}).Error; err != nil {
			return storageErr("purge history", err)
		}
		if err := s.clearDerived(tx, recordType, recordID); err != nil {
			return err
		}
		return s.compartments.Remove(tx, recordType, recordID)
	})
}

func (s *Store) validate(ctx context.Context, recordType string, body document.Document) error {
	valid, issues, err := s.validator.Validate(ctx, recordType, body)
	if err != nil {
		return fmt.Errorf("external validator: %w", err)
	}
	if !valid {
		return &recordstore.ValidationError{RecordType: recordType, Issues: issues}
	}
	return nil
}

func (s *Store) appendHistory(tx *gorm.DB, rec *schema.Record, op schema.Operation, at time.Time) error {
	h := schema.RecordHistory{
		RecordType:  rec.RecordType,
		RecordID:    rec.RecordID,
		Version:     rec.Version,
		Operation:   op,
		Body:        rec.Body,
		CommittedAt: at,
	}
	if err := tx.Create(&h).Error; err != nil {
		return storageErr("append history", err)
	}
	return nil
}

// reindex regenerates the record's derived state: search index entries,
// reference edges, and compartment membership. Old rows are deleted and
// the current sets inserted; derived state is never mutated in place.
func (s *Store) reindex(tx *gorm.DB, recordType, recordID string, body document.Document) error {
	if err := s.clearDerived(tx, recordType, recordID); err != nil {
		return err
	}

	edges := s.extractor.Extract(recordType, recordID, body)
	if len(edges) > 0 {
		if err := tx.Create(&edges).Error; err != nil {
			return storageErr("insert reference edges", err)
		}
	}

	entries := s.indexer.Extract(recordType, recordID, body)
	if len(entries) > 0 {
		if err := tx.Create(&entries).Error; err != nil {
			return storageErr("insert search index entries", err)
		}
	}

	return s.compartments.Refresh(tx, recordType, recordID, edges)
}

func (s *Store) clearDerived(tx *gorm.DB, recordType, recordID string) error {
	if err := tx.Where("record_type = ? AND record_id = ?", recordType, recordID).
		Delete(&schema.SearchIndexEntry{}).Error; err != nil {
		return storageErr("clear search index", err)
	}
	if err := tx.Where("source_type = ? AND source_id = ?", recordType, recordID).
		Delete(&schema.ReferenceEdge{}).Error; err != nil {
		return storageErr("clear reference edges", err)
	}
	return nil
}

// Materialize converts a schema row into a StoredRecord.
func Materialize(rec *schema.Record) (*StoredRecord, error) {
	body, err := unmarshalBody(rec.Body)
	if err != nil {
		return nil, err
	}
	return &StoredRecord{
		RecordType:   rec.RecordType,
		RecordID:     rec.RecordID,
		Version:      rec.Version,
		Body:         body,
		Deleted:      rec.Deleted,
		LastModified: rec.LastModified,
	}, nil
}

func marshalBody(body document.Document) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode record body: %w", err)
	}
	return string(raw), nil
}

func unmarshalBody(raw string) (document.Document, error) {
	var body document.Document
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, fmt.Errorf("decode record body: %w", err)
	}
	return body, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, recordstore.ErrStorageUnavailable)
}
