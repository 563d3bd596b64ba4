package deltawarehouse

import (
	"context"
	"testing"

	"github.com/chendingplano/deltatarget/api/deltatypes"
)

type fakeBlobDeleter struct {
	deleted []string
}

func (f *fakeBlobDeleter) Delete(ctx context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

func newTestLoadStage(wh Warehouse, state StateStore, blob BlobDeleter) *LoadStage {
	return NewLoadStage(wh, state, blob, testLogger(), "app", "_staging_", false, "", func() bool { return false })
}

func TestLoadStagedCreatesStagingTableOnce(t *testing.T) {
	wh := newFakeWarehouse()
	l := newTestLoadStage(wh, newFakeState(), &fakeBlobDeleter{})
	blob := deltatypes.TableBlob{
		Table:         deltatypes.TableID{Dataset: "d", Table: "orders"},
		BatchID:       1,
		Kind:          deltatypes.BlobStreaming,
		StagingSchema: []deltatypes.Column{{Name: "id", Type: "int64"}},
	}
	result, err := l.Load(context.Background(), blob, 0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if result.Staging.Table != "_staging_orders" {
		t.Fatalf("expected the staging table to be prefixed, got %q", result.Staging.Table)
	}
	if wh.createCalls != 1 {
		t.Fatalf("expected exactly one staging table creation, got %d", wh.createCalls)
	}

	if _, err := l.Load(context.Background(), blob, 0); err != nil {
		t.Fatalf("second Load (same attempt, idempotent) failed: %v", err)
	}
	if wh.createCalls != 1 {
		t.Fatalf("expected the staging table creation to stay idempotent, got %d creates", wh.createCalls)
	}
}

func TestLoadDirectSetsAndClearsAbandonmentFlag(t *testing.T) {
	wh := newFakeWarehouse()
	state := newFakeState()
	blobDel := &fakeBlobDeleter{}
	l := newTestLoadStage(wh, state, blobDel)
	table := deltatypes.TableID{Dataset: "d", Table: "orders"}
	blob := deltatypes.TableBlob{Table: table, BatchID: 1, Kind: deltatypes.BlobSnapshot, BlobPath: "gs://bucket/obj"}

	result, err := l.Load(context.Background(), blob, 0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !result.DirectLoaded {
		t.Fatalf("expected a snapshot blob to report DirectLoaded")
	}

	flag, ok, err := state.Get(context.Background(), table.DirectLoadFlagKey())
	if err != nil || !ok || len(flag) == 0 || flag[0] != 0 {
		t.Fatalf("expected the abandonment flag to be cleared after a successful direct load, got %v (ok=%v)", flag, ok)
	}
	if len(blobDel.deleted) != 1 {
		t.Fatalf("expected the source blob to be cleaned up after a direct load, got %v", blobDel.deleted)
	}
}

func TestDropStagingHonorsRetainFlag(t *testing.T) {
	wh := newFakeWarehouse()
	staging := deltatypes.TableID{Dataset: "d", Table: "_staging_orders"}
	wh.tables[staging] = TableMetadata{}

	retaining := NewLoadStage(wh, newFakeState(), &fakeBlobDeleter{}, testLogger(), "app", "_staging_", true, "", func() bool { return false })
	if err := retaining.DropStaging(context.Background(), staging); err != nil {
		t.Fatalf("DropStaging failed: %v", err)
	}
	if wh.deleteCalls != 0 {
		t.Fatalf("expected retain_staging_table to prevent deletion, got %d deletes", wh.deleteCalls)
	}

	dropping := newTestLoadStage(wh, newFakeState(), &fakeBlobDeleter{})
	if err := dropping.DropStaging(context.Background(), staging); err != nil {
		t.Fatalf("DropStaging failed: %v", err)
	}
	if wh.deleteCalls != 1 {
		t.Fatalf("expected the staging table to be dropped once retain_staging_table is unset, got %d deletes", wh.deleteCalls)
	}
}
