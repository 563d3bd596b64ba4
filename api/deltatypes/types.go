// Package deltatypes holds the wire and in-memory data model shared across
// the change-data-capture target: change events as they arrive from the
// upstream producer, the per-table warehouse bookkeeping state, and the
// intermediate batch/blob descriptors that flow between the batch writer,
// the load stage and the merge engine.
package deltatypes

import (
	"encoding/json"
	"strings"
	"time"
)

// DDLOperation enumerates the schema-change operations a producer may emit.
type DDLOperation string

const (
	OpCreateDatabase DDLOperation = "CREATE_DATABASE"
	OpDropDatabase   DDLOperation = "DROP_DATABASE"
	OpCreateTable    DDLOperation = "CREATE_TABLE"
	OpDropTable      DDLOperation = "DROP_TABLE"
	OpAlterTable     DDLOperation = "ALTER_TABLE"
	OpTruncateTable  DDLOperation = "TRUNCATE_TABLE"
	OpRenameTable    DDLOperation = "RENAME_TABLE"
)

// DMLOperation enumerates the row-level change kinds.
type DMLOperation string

const (
	DMLInsert DMLOperation = "INSERT"
	DMLUpdate DMLOperation = "UPDATE"
	DMLDelete DMLOperation = "DELETE"
)

// SourceOrdering describes whether the upstream producer delivers events for
// a table in strict sequence-number order.
type SourceOrdering string

const (
	Ordered   SourceOrdering = "ORDERED"
	Unordered SourceOrdering = "UNORDERED"
)

// BlobFormat is the row encoding used for a staged blob object.
type BlobFormat string

const (
	FormatAvro BlobFormat = "AVRO"
	FormatJSON BlobFormat = "JSON"
)

// BlobKind distinguishes a one-shot snapshot copy from an incremental
// streaming batch; snapshot blobs bypass staging and merge entirely.
type BlobKind string

const (
	BlobSnapshot  BlobKind = "SNAPSHOT"
	BlobStreaming BlobKind = "STREAMING"
)

// Column describes one field of a source table schema.
type Column struct {
	Name     string
	Type     string // logical type tag: int64, string, bool, float64, bytes, timestamp, numeric, struct...
	Nullable bool
}

// ClusterEligible reports whether this column's declared type may appear in
// a warehouse clustering clause. Floating point and nested/struct columns
// are excluded, since BigQuery itself rejects them as clustering keys.
func (c Column) ClusterEligible() bool {
	switch c.Type {
	case "float32", "float64", "struct", "record", "array":
		return false
	default:
		return true
	}
}

// TableID identifies a table within a warehouse project.
type TableID struct {
	Project string
	Dataset string
	Table   string
}

func (t TableID) String() string {
	return t.Project + "." + t.Dataset + "." + t.Table
}

// DDLEvent is one schema-change event from the upstream producer.
type DDLEvent struct {
	Operation       DDLOperation
	Database        string
	Table           string
	PrevTable       string // set only for RenameTable
	Schema          []Column
	PrimaryKey      []string
	Snapshot        bool
	Offset          []byte
	SequenceNumber  int64
}

// DMLEvent is one row-level change event from the upstream producer.
type DMLEvent struct {
	Operation       DMLOperation
	Database        string
	Table           string
	Before          map[string]any // pre-image of primary-key columns, Update only
	After           map[string]any // post-image of all columns
	RowID           string         // opaque, empty if unsupported
	HasRowID        bool
	SourceTimestamp int64 // microseconds, 0 if absent
	HasTimestamp    bool
	SortKeys        []any
	Offset          []byte
	SequenceNumber  int64
	Snapshot        bool
}

// TargetTableState is the per-table bookkeeping persisted to the state
// store and cached in memory by the consumer orchestrator.
type TargetTableState struct {
	ID                   TableID
	PrimaryKeys          []string
	SortKeyTypes         []string // empty unless source ordering is Unordered
	SortKeyAddedToTarget bool
}

// StateStoreKey returns the key under which this table's TargetTableState is
// persisted in the state store: "bigquery-<dataset>-<table>".
func (t TableID) StateStoreKey() string {
	return "bigquery-" + t.Dataset + "-" + t.Table
}

// DirectLoadFlagKey returns the key guarding a table's in-progress snapshot
// direct-load, used to detect an abandoned load on the next CreateTable.
func (t TableID) DirectLoadFlagKey() string {
	return "bigquery-direct-load-in-progress-" + t.Dataset + "-" + t.Table
}

// EncodeState serializes a TargetTableState as a record mirrored to the
// state store.
func (s TargetTableState) EncodeState() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return b
}

// DecodeState is the inverse of EncodeState; a malformed or empty record
// decodes to the zero value with ok=false.
func DecodeState(b []byte) (TargetTableState, bool) {
	var s TargetTableState
	if len(b) == 0 {
		return s, false
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, false
	}
	return s, true
}

// SchemaFingerprint is an identity for one version of a column schema; a
// change in fingerprint ends the batch shard currently open for a table.
type SchemaFingerprint string

// FingerprintSchema derives a SchemaFingerprint from a column list. Column
// order matters: a reorder is treated as a new schema version, matching how
// a source DDL event re-describes the full column list on every change.
func FingerprintSchema(cols []Column) SchemaFingerprint {
	var b strings.Builder
	for _, c := range cols {
		b.WriteString(c.Name)
		b.WriteByte(':')
		b.WriteString(c.Type)
		if c.Nullable {
			b.WriteString(":null")
		}
		b.WriteByte('|')
	}
	return SchemaFingerprint(b.String())
}

// BatchShard accumulates DML events for one (table, schema version) pair
// between flushes.
type BatchShard struct {
	Table              TableID
	Fingerprint        SchemaFingerprint
	BatchID            int64 // ms wall-clock at first append
	Kind               BlobKind
	Events             []DMLEvent
	Schema             []Column
	PrimaryKey         []string
	HasRowID           bool
	HasSortKeys        bool
	HighestSeen        int64
}

// TableBlob is the descriptor C2/C3 hand to the load stage after a shard is
// serialized and written to the blob store.
type TableBlob struct {
	Table          TableID
	SourceSchema   string
	BatchID        int64
	Kind           BlobKind
	BlobPath       string
	StagingSchema  []Column
	TargetSchema   []Column
	NumEvents      int
	Format         BlobFormat
}

// TableStatus is the operator-visible lifecycle state of one table, kept by
// the consumer orchestrator in place of a host callback.
type TableStatus struct {
	Table         TableID
	Snapshotting  bool
	Replicating   bool
	LastError     string
	LastErrorTime time.Time
	UpdatedAt     time.Time
}

// SequenceCounters tracks the high-water marks needed to make merges
// idempotent under replay, per TableID, held under the orchestrator mutex.
type SequenceCounters struct {
	LatestSeen   int64 // highest sequence number written to a blob
	LatestMerged int64 // highest sequence number known-applied to target
}
