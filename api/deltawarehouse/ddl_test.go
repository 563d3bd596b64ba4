package deltawarehouse

import (
	"context"
	"testing"

	"github.com/chendingplano/deltatarget/api/deltaerrors"
	"github.com/chendingplano/deltatarget/api/deltalog"
	"github.com/chendingplano/deltatarget/api/deltatypes"
)

func testLogger() *deltalog.Logger {
	return deltalog.New(deltalog.FormatText)
}

// fakeWarehouse is a minimal in-memory Warehouse used to exercise the DDL
// Applier's idempotency and error-propagation behavior without a live
// BigQuery project.
type fakeWarehouse struct {
	tables      map[deltatypes.TableID]TableMetadata
	createCalls int
	updateCalls int
	deleteCalls int
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{tables: make(map[deltatypes.TableID]TableMetadata)}
}

func (f *fakeWarehouse) CreateDataset(ctx context.Context, project, dataset, location string) error { return nil }
func (f *fakeWarehouse) DeleteDataset(ctx context.Context, project, dataset string) error           { return nil }

func (f *fakeWarehouse) GetTable(ctx context.Context, table deltatypes.TableID) (*TableMetadata, bool, error) {
	meta, ok := f.tables[table]
	if !ok {
		return nil, false, nil
	}
	return &meta, true, nil
}

func (f *fakeWarehouse) CreateTable(ctx context.Context, table deltatypes.TableID, meta TableMetadata) error {
	f.createCalls++
	f.tables[table] = meta
	return nil
}

func (f *fakeWarehouse) UpdateTable(ctx context.Context, table deltatypes.TableID, meta TableMetadata) error {
	f.updateCalls++
	f.tables[table] = meta
	return nil
}

func (f *fakeWarehouse) DeleteTable(ctx context.Context, table deltatypes.TableID) error {
	f.deleteCalls++
	delete(f.tables, table)
	return nil
}

func (f *fakeWarehouse) MaxSequenceNumber(ctx context.Context, table deltatypes.TableID) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeWarehouse) SubmitLoad(ctx context.Context, jobID string, table deltatypes.TableID, schema []deltatypes.Column, blobURI string) error {
	return nil
}
func (f *fakeWarehouse) SubmitQuery(ctx context.Context, jobID, project, sql string) error { return nil }
func (f *fakeWarehouse) WaitForJob(ctx context.Context, jobID string) (JobStatus, error)   { return JobDone, nil }

func (f *fakeWarehouse) AddColumn(ctx context.Context, table deltatypes.TableID, col deltatypes.Column) error {
	meta := f.tables[table]
	for _, c := range meta.Schema {
		if c.Name == col.Name {
			return nil
		}
	}
	meta.Schema = append(meta.Schema, col)
	f.tables[table] = meta
	return nil
}

type fakeState struct {
	values map[string][]byte
}

func newFakeState() *fakeState { return &fakeState{values: make(map[string][]byte)} }

func (s *fakeState) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := s.values[key]
	return v, ok, nil
}
func (s *fakeState) Put(ctx context.Context, key string, value []byte) error {
	s.values[key] = value
	return nil
}

func newTestApplier(wh Warehouse, state StateStore) *DDLApplier {
	return NewDDLApplier(wh, state, testLogger(), "p", "US", 4, false, "", deltatypes.Ordered, func() bool { return false }, nil)
}

func TestCreateTableRejectsEmptyPrimaryKey(t *testing.T) {
	d := newTestApplier(newFakeWarehouse(), newFakeState())
	err := d.Apply(context.Background(), deltatypes.DDLEvent{
		Operation: deltatypes.OpCreateTable, Database: "d", Table: "t",
		Schema: []deltatypes.Column{{Name: "id", Type: "int64"}},
	})
	if !deltaerrors.IsFatal(err) {
		t.Fatalf("expected a fatal error for an empty primary key, got %v", err)
	}
}

func TestCreateTableIsIdempotent(t *testing.T) {
	wh := newFakeWarehouse()
	d := newTestApplier(wh, newFakeState())
	ev := deltatypes.DDLEvent{
		Operation: deltatypes.OpCreateTable, Database: "d", Table: "t",
		Schema: []deltatypes.Column{{Name: "id", Type: "int64"}}, PrimaryKey: []string{"id"},
	}
	if err := d.Apply(context.Background(), ev); err != nil {
		t.Fatalf("first CreateTable failed: %v", err)
	}
	if err := d.Apply(context.Background(), ev); err != nil {
		t.Fatalf("second CreateTable (idempotent replay) failed: %v", err)
	}
	if wh.createCalls != 1 {
		t.Fatalf("expected exactly one CreateTable call across two identical events, got %d", wh.createCalls)
	}
}

func TestDropDatabaseRequiresManualDropsWhenConfigured(t *testing.T) {
	d := NewDDLApplier(newFakeWarehouse(), newFakeState(), testLogger(), "p", "US", 4, true, "", deltatypes.Ordered, func() bool { return false }, nil)
	err := d.Apply(context.Background(), deltatypes.DDLEvent{Operation: deltatypes.OpDropDatabase, Database: "d"})
	if !deltaerrors.IsFatal(err) {
		t.Fatalf("expected require_manual_drops to produce a fatal error, got %v", err)
	}
}

func TestAlterTableCreatesWhenAbsentAndUpdatesWhenPresent(t *testing.T) {
	wh := newFakeWarehouse()
	d := newTestApplier(wh, newFakeState())
	ev := deltatypes.DDLEvent{
		Operation: deltatypes.OpAlterTable, Database: "d", Table: "t",
		Schema: []deltatypes.Column{{Name: "id", Type: "int64"}}, PrimaryKey: []string{"id"},
	}
	if err := d.Apply(context.Background(), ev); err != nil {
		t.Fatalf("AlterTable on an absent table failed: %v", err)
	}
	if wh.createCalls != 1 {
		t.Fatalf("expected AlterTable on an absent table to create it, got %d creates", wh.createCalls)
	}
	if err := d.Apply(context.Background(), ev); err != nil {
		t.Fatalf("AlterTable on an existing table failed: %v", err)
	}
	if wh.updateCalls != 1 {
		t.Fatalf("expected AlterTable on an existing table to update it, got %d updates", wh.updateCalls)
	}
}

func TestRenameTableIsSkippedNotFatal(t *testing.T) {
	d := newTestApplier(newFakeWarehouse(), newFakeState())
	err := d.Apply(context.Background(), deltatypes.DDLEvent{Operation: deltatypes.OpRenameTable, Database: "d", Table: "t"})
	if err != nil {
		t.Fatalf("expected RenameTable to be a no-op, got %v", err)
	}
}

func TestDropTableFlushesFirst(t *testing.T) {
	wh := newFakeWarehouse()
	flushed := false
	d := NewDDLApplier(wh, newFakeState(), testLogger(), "p", "US", 4, false, "", deltatypes.Ordered, func() bool { return false }, func(ctx context.Context) error {
		flushed = true
		return nil
	})
	wh.tables[deltatypes.TableID{Project: "p", Dataset: "d", Table: "t"}] = TableMetadata{}
	if err := d.Apply(context.Background(), deltatypes.DDLEvent{Operation: deltatypes.OpDropTable, Database: "d", Table: "t"}); err != nil {
		t.Fatalf("DropTable failed: %v", err)
	}
	if !flushed {
		t.Fatalf("expected DropTable to flush before deleting the table")
	}
	if wh.deleteCalls != 1 {
		t.Fatalf("expected DropTable to delete exactly once, got %d", wh.deleteCalls)
	}
}
