// Package schema defines the GORM models for the record store's persisted
// layout: current records, version history, the derived search index,
// reference edges, and compartment membership.
package schema

import (
	"time"
)

// Operation is the kind of write recorded in a history entry.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Record is the current row for one (record_type, record_id). The pair is
// unique across live and soft-deleted rows, so deletion never frees an
// identifier for reuse.
type Record struct {
	ID           int64     `gorm:"primaryKey;autoIncrement;column:id"`
	RecordType   string    `gorm:"column:record_type;uniqueIndex:idx_record_type_id,priority:1;not null"`
	RecordID     string    `gorm:"column:record_id;uniqueIndex:idx_record_type_id,priority:2;type:varchar(64);not null"`
	Version      int       `gorm:"column:version;not null;default:1"`
	Body         string    `gorm:"column:body;not null"`
	Deleted      bool      `gorm:"column:deleted;index:idx_record_deleted;not null;default:false"`
	LastModified time.Time `gorm:"column:last_modified;index:idx_record_modified;not null"`
}

func (Record) TableName() string { return "records" }

// RecordHistory is one committed version of a record. Append-only: rows
// are never updated, and removed only by a full purge of the record.
type RecordHistory struct {
	ID          int64     `gorm:"primaryKey;autoIncrement;column:id"`
	RecordType  string    `gorm:"column:record_type;uniqueIndex:idx_history_version,priority:1;not null"`
	RecordID    string    `gorm:"column:record_id;uniqueIndex:idx_history_version,priority:2;type:varchar(64);not null"`
	Version     int       `gorm:"column:version;uniqueIndex:idx_history_version,priority:3;not null"`
	Operation   Operation `gorm:"column:operation;not null"`
	Body        string    `gorm:"column:body;not null"`
	CommittedAt time.Time `gorm:"column:committed_at;not null"`
}

func (RecordHistory) TableName() string { return "record_history" }

// ParamKind is the typed shape of a search index entry.
type ParamKind string

const (
	KindString    ParamKind = "string"
	KindNumber    ParamKind = "number"
	KindDate      ParamKind = "date"
	KindToken     ParamKind = "token"
	KindReference ParamKind = "reference"
	KindQuantity  ParamKind = "quantity"
	KindComposite ParamKind = "composite"
)

// SearchIndexEntry is one derived, queryable fact extracted from a record
// body for one named parameter. All entries for a record are deleted and
// rewritten on every update; they are never mutated in place.
type SearchIndexEntry struct {
	ID         int64     `gorm:"primaryKey;autoIncrement;column:id"`
	RecordType string    `gorm:"column:record_type;index:idx_search_lookup,priority:1;not null"`
	RecordID   string    `gorm:"column:record_id;index:idx_search_record;type:varchar(64);not null"`
	ParamName  string    `gorm:"column:param_name;index:idx_search_lookup,priority:2;not null"`
	ParamKind  ParamKind `gorm:"column:param_kind;index:idx_search_lookup,priority:3;not null"`

	// Value columns; which are set depends on ParamKind.
	StringValue string     `gorm:"column:string_value"`
	System      string     `gorm:"column:system"`
	Code        string     `gorm:"column:code"`
	DateValue   *time.Time `gorm:"column:date_value"`
	NumberValue *float64   `gorm:"column:number_value"`
	Unit        string     `gorm:"column:unit"`
	TargetType  string     `gorm:"column:target_type"`
	TargetID    string     `gorm:"column:target_id;type:varchar(64)"`

	// CompositeKey groups the component entries of one composite value,
	// so a composite query can demand same-entry co-occurrence.
	CompositeKey string `gorm:"column:composite_key;index:idx_search_composite"`
}

func (SearchIndexEntry) TableName() string { return "search_index" }

// ReferenceEdge is one occurrence of a reference literal in a record body.
// Duplicate literals at distinct paths produce distinct edges. TargetType
// is empty for references that could not be resolved (URN not yet seen,
// or an absolute external URL).
type ReferenceEdge struct {
	ID         int64  `gorm:"primaryKey;autoIncrement;column:id"`
	SourceType string `gorm:"column:source_type;index:idx_edge_source,priority:1;not null"`
	SourceID   string `gorm:"column:source_id;index:idx_edge_source,priority:2;type:varchar(64);not null"`
	TargetType string `gorm:"column:target_type;index:idx_edge_target,priority:1"`
	TargetID   string `gorm:"column:target_id;index:idx_edge_target,priority:2;type:varchar(64)"`
	FieldPath  string `gorm:"column:field_path;not null"`
	RawRef     string `gorm:"column:raw_ref;not null"`
}

func (ReferenceEdge) TableName() string { return "reference_edges" }

// CompartmentMembership is a derived row placing a record inside an
// owning subject's compartment.
type CompartmentMembership struct {
	ID              int64  `gorm:"primaryKey;autoIncrement;column:id"`
	CompartmentType string `gorm:"column:compartment_type;uniqueIndex:idx_compartment_member,priority:1;not null"`
	CompartmentID   string `gorm:"column:compartment_id;uniqueIndex:idx_compartment_member,priority:2;type:varchar(64);not null"`
	MemberType      string `gorm:"column:member_type;uniqueIndex:idx_compartment_member,priority:3;index:idx_compartment_by_member,priority:1;not null"`
	MemberID        string `gorm:"column:member_id;uniqueIndex:idx_compartment_member,priority:4;index:idx_compartment_by_member,priority:2;type:varchar(64);not null"`
}

func (CompartmentMembership) TableName() string { return "compartment_membership" }

// All returns every model managed by AutoMigrate, maintenance jobs
// included.
func All() []any {
	return []any{
		&Record{},
		&RecordHistory{},
		&SearchIndexEntry{},
		&ReferenceEdge{},
		&CompartmentMembership{},
		&MaintenanceJob{},
	}
}
