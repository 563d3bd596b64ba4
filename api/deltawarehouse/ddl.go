package deltawarehouse

import (
	"context"
	"fmt"

	"github.com/chendingplano/deltatarget/api/deltaerrors"
	"github.com/chendingplano/deltatarget/api/deltalog"
	"github.com/chendingplano/deltatarget/api/deltaretry"
	"github.com/chendingplano/deltatarget/api/deltatypes"
)

const (
	LOC_DDL_CREATE_DB   = "DLT_DDL_001"
	LOC_DDL_DROP_DB     = "DLT_DDL_002"
	LOC_DDL_CREATE_TBL  = "DLT_DDL_003"
	LOC_DDL_DROP_TBL    = "DLT_DDL_004"
	LOC_DDL_ALTER_TBL   = "DLT_DDL_005"
	LOC_DDL_TRUNC_TBL   = "DLT_DDL_006"
	LOC_DDL_RENAME_TBL  = "DLT_DDL_007"
	LOC_DDL_EMPTY_PK    = "DLT_DDL_008"
)

// StateStore is the narrow slice of the C1 contract the DDL applier needs.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// FlushFunc lets the DDL applier trigger the batch writer's flush before a
// structurally destructive operation.
type FlushFunc func(ctx context.Context) error

// DDLApplier is the DDL Applier (C4): translates DDL events into warehouse
// metadata operations with idempotent handling, wrapped by the retry
// coordinator per operation.
type DDLApplier struct {
	wh                   Warehouse
	state                StateStore
	logger               *deltalog.Logger
	project              string
	location             string
	maxClusteringColumns int
	requireManualDrops   bool
	encryptionKeyName    string
	ordering             deltatypes.SourceOrdering
	shouldStop           deltaretry.ShouldStop
	flush                FlushFunc
}

// NewDDLApplier builds a C4 instance. project/location come from the
// configured warehouse project and staging bucket region, so a created
// dataset is colocated with the staging bucket rather than addressing an
// empty project. ordering is the fixed source property that decides
// whether created/altered tables carry the sort-key bookkeeping columns.
func NewDDLApplier(wh Warehouse, state StateStore, logger *deltalog.Logger, project, location string, maxClusteringColumns int, requireManualDrops bool, encryptionKeyName string, ordering deltatypes.SourceOrdering, shouldStop deltaretry.ShouldStop, flush FlushFunc) *DDLApplier {
	return &DDLApplier{
		wh:                   wh,
		state:                state,
		logger:               logger,
		project:              project,
		location:             location,
		maxClusteringColumns: maxClusteringColumns,
		requireManualDrops:   requireManualDrops,
		encryptionKeyName:    encryptionKeyName,
		ordering:             ordering,
		shouldStop:           shouldStop,
		flush:                flush,
	}
}

func (d *DDLApplier) retryPolicy(loc string) deltaretry.Policy {
	p := deltaretry.BaseLoadPolicy(90, 120, d.shouldStop, d.logger)
	p.Retriable = deltaretry.ReasonAwareRetriable(p.Retriable)
	p.Loc = loc
	return p
}

// Apply dispatches one DDL event to the matching operation. The switch is
// exhaustive over deltatypes.DDLOperation.
func (d *DDLApplier) Apply(ctx context.Context, ev deltatypes.DDLEvent) error {
	switch ev.Operation {
	case deltatypes.OpCreateDatabase:
		return d.createDatabase(ctx, ev)
	case deltatypes.OpDropDatabase:
		return d.dropDatabase(ctx, ev)
	case deltatypes.OpCreateTable:
		return d.createTable(ctx, ev)
	case deltatypes.OpDropTable:
		return d.dropTable(ctx, ev)
	case deltatypes.OpAlterTable:
		return d.alterTable(ctx, ev)
	case deltatypes.OpTruncateTable:
		return d.truncateTable(ctx, ev)
	case deltatypes.OpRenameTable:
		d.logger.Warn(LOC_DDL_RENAME_TBL, "RenameTable is not supported, skipping", "database", ev.Database, "table", ev.Table)
		return nil
	default:
		return deltaerrors.Fatalf("Apply", ev.Table, LOC_DDL_RENAME_TBL, "unrecognized DDL operation %q", ev.Operation)
	}
}

func (d *DDLApplier) createDatabase(ctx context.Context, ev deltatypes.DDLEvent) error {
	return deltaretry.Do(ctx, d.retryPolicy(LOC_DDL_CREATE_DB), func(ctx context.Context) error {
		return d.wh.CreateDataset(ctx, d.project, ev.Database, d.location)
	})
}

func (d *DDLApplier) dropDatabase(ctx context.Context, ev deltatypes.DDLEvent) error {
	if d.requireManualDrops {
		return deltaerrors.Fatalf("DropDatabase", ev.Database, LOC_DDL_DROP_DB,
			"require_manual_drops is set: drop dataset %s manually", ev.Database)
	}
	return deltaretry.Do(ctx, d.retryPolicy(LOC_DDL_DROP_DB), func(ctx context.Context) error {
		return d.wh.DeleteDataset(ctx, d.project, ev.Database)
	})
}

func (d *DDLApplier) createTable(ctx context.Context, ev deltatypes.DDLEvent) error {
	if len(ev.PrimaryKey) == 0 {
		return deltaerrors.Fatalf("CreateTable", ev.Table, LOC_DDL_EMPTY_PK, "table %s declares an empty primary key", ev.Table)
	}
	table := deltatypes.TableID{Project: d.project, Dataset: ev.Database, Table: ev.Table}

	flagKey := table.DirectLoadFlagKey()
	flag, ok, err := d.state.Get(ctx, flagKey)
	if err == nil && ok && len(flag) > 0 && flag[0] == 1 {
		_, exists, err := d.wh.GetTable(ctx, table)
		if err == nil && exists {
			d.logger.Warn(LOC_DDL_CREATE_TBL, "deleting table left behind by an abandoned direct load", "table", table)
			if err := d.wh.DeleteTable(ctx, table); err != nil {
				return fmt.Errorf("removing abandoned snapshot table %s: %w (%s)", table, err, LOC_DDL_CREATE_TBL)
			}
		}
	}

	if err := d.state.Put(ctx, table.StateStoreKey(), deltatypes.TargetTableState{ID: table, PrimaryKeys: ev.PrimaryKey}.EncodeState()); err != nil {
		return fmt.Errorf("persisting table state for %s: %w (%s)", table, err, LOC_DDL_CREATE_TBL)
	}

	_, exists, err := d.wh.GetTable(ctx, table)
	if err != nil {
		return err
	}
	if exists {
		return nil // no-op: table already present and correctly tracked
	}

	meta := TableMetadata{
		Schema:            augmentWithSupplementaryColumns(ev.Schema, d.ordering == deltatypes.Unordered),
		ClusterColumns:    clusterColumns(ev.Schema, ev.PrimaryKey, d.maxClusteringColumns),
		EncryptionKeyName: d.encryptionKeyName,
	}
	return deltaretry.Do(ctx, d.retryPolicy(LOC_DDL_CREATE_TBL), func(ctx context.Context) error {
		return d.wh.CreateTable(ctx, table, meta)
	})
}

func (d *DDLApplier) dropTable(ctx context.Context, ev deltatypes.DDLEvent) error {
	table := deltatypes.TableID{Project: d.project, Dataset: ev.Database, Table: ev.Table}
	if d.flush != nil {
		if err := d.flush(ctx); err != nil {
			return fmt.Errorf("flushing before DropTable %s: %w (%s)", table, err, LOC_DDL_DROP_TBL)
		}
	}
	if err := deltaretry.Do(ctx, d.retryPolicy(LOC_DDL_DROP_TBL), func(ctx context.Context) error {
		return d.wh.DeleteTable(ctx, table)
	}); err != nil {
		return err
	}
	return d.state.Put(ctx, table.StateStoreKey(), nil)
}

func (d *DDLApplier) alterTable(ctx context.Context, ev deltatypes.DDLEvent) error {
	if len(ev.PrimaryKey) == 0 {
		return deltaerrors.Fatalf("AlterTable", ev.Table, LOC_DDL_EMPTY_PK, "table %s declares an empty primary key", ev.Table)
	}
	table := deltatypes.TableID{Project: d.project, Dataset: ev.Database, Table: ev.Table}
	if d.flush != nil {
		if err := d.flush(ctx); err != nil {
			return fmt.Errorf("flushing before AlterTable %s: %w (%s)", table, err, LOC_DDL_ALTER_TBL)
		}
	}

	meta := TableMetadata{
		Schema:            augmentWithSupplementaryColumns(ev.Schema, d.ordering == deltatypes.Unordered),
		ClusterColumns:    clusterColumns(ev.Schema, ev.PrimaryKey, d.maxClusteringColumns),
		EncryptionKeyName: d.encryptionKeyName,
	}

	_, exists, err := d.wh.GetTable(ctx, table)
	if err != nil {
		return err
	}
	op := func(ctx context.Context) error { return d.wh.CreateTable(ctx, table, meta) }
	if exists {
		op = func(ctx context.Context) error { return d.wh.UpdateTable(ctx, table, meta) }
	}
	if err := deltaretry.Do(ctx, d.retryPolicy(LOC_DDL_ALTER_TBL), op); err != nil {
		return err
	}
	return d.state.Put(ctx, table.StateStoreKey(), deltatypes.TargetTableState{ID: table, PrimaryKeys: ev.PrimaryKey}.EncodeState())
}

func (d *DDLApplier) truncateTable(ctx context.Context, ev deltatypes.DDLEvent) error {
	table := deltatypes.TableID{Project: d.project, Dataset: ev.Database, Table: ev.Table}
	if d.flush != nil {
		if err := d.flush(ctx); err != nil {
			return fmt.Errorf("flushing before TruncateTable %s: %w (%s)", table, err, LOC_DDL_TRUNC_TBL)
		}
	}

	existing, exists, err := d.wh.GetTable(ctx, table)
	if err != nil {
		return err
	}

	// When the table is absent, a definition is reconstructed from whatever
	// schema the event carries, treated as best-effort: logged, not
	// escalated to fatal (see DESIGN.md).
	meta := TableMetadata{EncryptionKeyName: d.encryptionKeyName}
	if exists {
		meta.Schema = existing.Schema
		meta.ClusterColumns = existing.ClusterColumns
	} else {
		d.logger.Warn(LOC_DDL_TRUNC_TBL, "TruncateTable on absent table, reconstructing from event schema (best-effort)", "table", table)
		meta.Schema = augmentWithSupplementaryColumns(ev.Schema, d.ordering == deltatypes.Unordered)
		meta.ClusterColumns = clusterColumns(ev.Schema, ev.PrimaryKey, d.maxClusteringColumns)
	}

	return deltaretry.Do(ctx, d.retryPolicy(LOC_DDL_TRUNC_TBL), func(ctx context.Context) error {
		if exists {
			if err := d.wh.DeleteTable(ctx, table); err != nil {
				return err
			}
		}
		return d.wh.CreateTable(ctx, table, meta)
	})
}

// clusterColumns filters the primary key down to the first n
// cluster-eligible columns: not every PK column type is clustering-eligible.
func clusterColumns(schema []deltatypes.Column, pk []string, n int) []string {
	byName := make(map[string]deltatypes.Column, len(schema))
	for _, c := range schema {
		byName[c.Name] = c
	}
	var out []string
	for _, name := range pk {
		if len(out) >= n {
			break
		}
		if c, ok := byName[name]; ok && !c.ClusterEligible() {
			continue
		}
		out = append(out, name)
	}
	return out
}

// augmentWithSupplementaryColumns adds the bookkeeping columns every target
// table carries. When unordered is true, the sort-key and
// source-timestamp columns are included.
func augmentWithSupplementaryColumns(schema []deltatypes.Column, unordered bool) []deltatypes.Column {
	cols := append([]deltatypes.Column{}, schema...)
	cols = append(cols,
		deltatypes.Column{Name: "_sequence_num", Type: "int64"},
		deltatypes.Column{Name: "_is_deleted", Type: "bool", Nullable: true},
		deltatypes.Column{Name: "_row_id", Type: "string", Nullable: true},
	)
	if unordered {
		cols = append(cols,
			deltatypes.Column{Name: "_source_timestamp", Type: "int64", Nullable: true},
			deltatypes.Column{Name: "_sort", Type: "struct", Nullable: true},
		)
	}
	return cols
}
