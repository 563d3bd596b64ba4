package deltablob

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/chendingplano/deltatarget/api/deltalog"
	"github.com/chendingplano/deltatarget/api/deltaretry"
	"github.com/chendingplano/deltatarget/api/deltatypes"
)

const LOC_BATCH_FLUSH = "DLT_BAT_001"

type shardKey struct {
	table       deltatypes.TableID
	fingerprint deltatypes.SchemaFingerprint
}

// BatchWriter is the Batch Writer (C3): shards DML events by
// (TableID, schemaFingerprint), and on flush hands each shard to the blob
// client and returns descriptors grouped by blob kind.
type BatchWriter struct {
	mu     sync.Mutex
	shards map[shardKey]*deltatypes.BatchShard
	blob   *Client
	app    string
	logger *deltalog.Logger
}

// NewBatchWriter constructs a BatchWriter for one process lifetime.
func NewBatchWriter(blob *Client, app string, logger *deltalog.Logger) *BatchWriter {
	return &BatchWriter{
		shards: make(map[shardKey]*deltatypes.BatchShard),
		blob:   blob,
		app:    app,
		logger: logger,
	}
}

// Append adds one DML event to the open shard for its (table, schema)
// pair, allocating a new shard with batchId = now() if none is open yet.
func (w *BatchWriter) Append(table deltatypes.TableID, fp deltatypes.SchemaFingerprint, schema []deltatypes.Column, primaryKey []string, kind deltatypes.BlobKind, ev deltatypes.DMLEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := shardKey{table: table, fingerprint: fp}
	shard, ok := w.shards[key]
	if !ok {
		shard = &deltatypes.BatchShard{
			Table:       table,
			Fingerprint: fp,
			BatchID:     nowMillis(),
			Kind:        kind,
			Schema:      schema,
			PrimaryKey:  primaryKey,
			HasRowID:    ev.HasRowID,
			HasSortKeys: len(ev.SortKeys) > 0,
		}
		w.shards[key] = shard
	}
	shard.Events = append(shard.Events, ev)
	if ev.SequenceNumber > shard.HighestSeen {
		shard.HighestSeen = ev.SequenceNumber
	}
}

// OpenShardCount reports how many shards are currently open, used by the
// orchestrator to decide whether a flush has anything to do.
func (w *BatchWriter) OpenShardCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.shards)
}

// Flush closes every open shard, serializes each to a blob object via C2,
// and returns descriptors grouped by blob kind (snapshot vs streaming). It
// does not clear the orchestrator's
// sequence counters; the caller updates those only after a successful merge.
func (w *BatchWriter) Flush(ctx context.Context) (map[deltatypes.BlobKind][]deltatypes.TableBlob, error) {
	w.mu.Lock()
	shards := w.shards
	w.shards = make(map[shardKey]*deltatypes.BatchShard)
	w.mu.Unlock()

	result := map[deltatypes.BlobKind][]deltatypes.TableBlob{
		deltatypes.BlobSnapshot:  nil,
		deltatypes.BlobStreaming: nil,
	}

	for _, shard := range shards {
		blob, err := w.writeShard(ctx, shard)
		if err != nil {
			return nil, fmt.Errorf("flushing shard for %s: %w (%s)", shard.Table, err, LOC_BATCH_FLUSH)
		}
		result[shard.Kind] = append(result[shard.Kind], blob)
	}
	return result, nil
}

func (w *BatchWriter) writeShard(ctx context.Context, shard *deltatypes.BatchShard) (deltatypes.TableBlob, error) {
	numericCols := numericColumns(shard.Schema)
	rows := make([]map[string]any, 0, len(shard.Events))
	for _, ev := range shard.Events {
		rows = append(rows, rowFromEvent(shard, ev, numericCols))
	}

	path := ObjectPath(w.app, shard.Table.Dataset, shard.Table.Table, shard.BatchID)
	var uri string
	err := deltaretry.Do(ctx, deltaretry.WriterPolicy(nil, w.logger), func(ctx context.Context) error {
		var werr error
		uri, werr = w.blob.Write(ctx, path, rows, deltatypes.FormatJSON)
		return werr
	})
	if err != nil {
		return deltatypes.TableBlob{}, err
	}

	staging := stagingSchema(shard)
	return deltatypes.TableBlob{
		Table:         shard.Table,
		SourceSchema:  string(shard.Fingerprint),
		BatchID:       shard.BatchID,
		Kind:          shard.Kind,
		BlobPath:      uri,
		StagingSchema: staging,
		TargetSchema:  shard.Schema,
		NumEvents:     len(shard.Events),
		Format:        deltatypes.FormatJSON,
	}, nil
}

// numericColumns returns the set of column names declared numeric/decimal,
// the only types normalized through decimal.Decimal before encoding.
func numericColumns(schema []deltatypes.Column) map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range schema {
		if c.Type == "numeric" || c.Type == "decimal" || c.Type == "bignumeric" {
			set[c.Name] = struct{}{}
		}
	}
	return set
}

// normalizeNumeric round-trips a numeric/decimal source value through
// decimal.Decimal so the JSON blob carries the exact string form the
// warehouse load expects, rather than a float64 that may have already lost
// precision crossing the producer's wire encoding.
func normalizeNumeric(v any) any {
	switch n := v.(type) {
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return n
		}
		if d.Exponent() < 0 {
			return d.StringFixed(-d.Exponent())
		}
		return d.String()
	case float64:
		return decimal.NewFromFloat(n).String()
	default:
		return v
	}
}

// rowFromEvent builds one staging row, mirroring the source schema plus
// bookkeeping columns: _op, _batch_id, _sequence_num, and
// _before_<pk> / _row_id / _source_timestamp / _sort as applicable.
func rowFromEvent(shard *deltatypes.BatchShard, ev deltatypes.DMLEvent, numericCols map[string]struct{}) map[string]any {
	row := make(map[string]any, len(ev.After)+8)
	for k, v := range ev.After {
		if _, ok := numericCols[k]; ok {
			v = normalizeNumeric(v)
		}
		row[k] = v
	}
	row["_op"] = string(ev.Operation)
	row["_batch_id"] = shard.BatchID
	row["_sequence_num"] = ev.SequenceNumber

	if !ev.HasRowID {
		for k, v := range ev.Before {
			row["_before_"+k] = v
		}
	}
	if ev.HasRowID {
		row["_row_id"] = ev.RowID
	}
	if ev.HasTimestamp {
		row["_source_timestamp"] = ev.SourceTimestamp
	}
	if len(ev.SortKeys) > 0 {
		sortStruct := make(map[string]any, len(ev.SortKeys))
		for i, v := range ev.SortKeys {
			sortStruct[fmt.Sprintf("_key_%d", i)] = v
		}
		row["_sort"] = sortStruct
	}
	return row
}

// stagingSchema is the source schema plus the bookkeeping columns that this
// shard's rows actually carry.
func stagingSchema(shard *deltatypes.BatchShard) []deltatypes.Column {
	cols := append([]deltatypes.Column{}, shard.Schema...)
	cols = append(cols,
		deltatypes.Column{Name: "_op", Type: "string"},
		deltatypes.Column{Name: "_batch_id", Type: "int64"},
		deltatypes.Column{Name: "_sequence_num", Type: "int64"},
	)
	if shard.HasRowID {
		cols = append(cols, deltatypes.Column{Name: "_row_id", Type: "string", Nullable: true})
	} else {
		byName := make(map[string]deltatypes.Column, len(shard.Schema))
		for _, c := range shard.Schema {
			byName[c.Name] = c
		}
		for _, pkName := range shard.PrimaryKey {
			pkType := "string"
			if c, ok := byName[pkName]; ok {
				pkType = c.Type
			}
			cols = append(cols, deltatypes.Column{Name: "_before_" + pkName, Type: pkType, Nullable: true})
		}
	}
	if shard.HasSortKeys {
		cols = append(cols,
			deltatypes.Column{Name: "_source_timestamp", Type: "int64", Nullable: true},
			deltatypes.Column{Name: "_sort", Type: "struct", Nullable: true},
		)
	}
	return cols
}
