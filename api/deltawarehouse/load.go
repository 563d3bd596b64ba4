package deltawarehouse

import (
	"context"
	"fmt"

	"github.com/chendingplano/deltatarget/api/deltalog"
	"github.com/chendingplano/deltatarget/api/deltaretry"
	"github.com/chendingplano/deltatarget/api/deltatypes"
)

const (
	LOC_LOAD_STAGE_CREATE = "DLT_LOD_001"
	LOC_LOAD_SUBMIT       = "DLT_LOD_002"
	LOC_LOAD_SCAN_PRIOR   = "DLT_LOD_003"
	LOC_LOAD_DIRECT       = "DLT_LOD_004"
	LOC_LOAD_BLOB_CLEANUP = "DLT_LOD_005"
)

// BlobDeleter is the narrow slice of the C2 contract the Load Stage needs to
// best-effort clean up an object once it has been durably loaded.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// LoadStage is the Load Stage (C5): loads one TableBlob into a staging table
// for streaming blobs, or directly into the target for snapshot blobs,
// scanning prior attempts first so retried batches never double-load.
type LoadStage struct {
	wh                Warehouse
	state             StateStore
	blob              BlobDeleter
	logger            *deltalog.Logger
	app               string
	stagingPrefix     string
	retainStaging     bool
	shouldStop        deltaretry.ShouldStop
	encryptionKeyName string
}

// NewLoadStage builds a C5 instance.
func NewLoadStage(wh Warehouse, state StateStore, blob BlobDeleter, logger *deltalog.Logger, app, stagingPrefix string, retainStaging bool, encryptionKeyName string, shouldStop deltaretry.ShouldStop) *LoadStage {
	return &LoadStage{
		wh:                wh,
		state:             state,
		blob:              blob,
		logger:            logger,
		app:               app,
		stagingPrefix:     stagingPrefix,
		retainStaging:     retainStaging,
		encryptionKeyName: encryptionKeyName,
		shouldStop:        shouldStop,
	}
}

func (l *LoadStage) retryPolicy(loc string) deltaretry.Policy {
	p := deltaretry.BaseLoadPolicy(90, 300, l.shouldStop, l.logger)
	p.Retriable = deltaretry.ReasonAwareRetriable(p.Retriable)
	p.Loc = loc
	return p
}

// stagingTableID names the staging table for a target: <prefix><table>, same
// dataset as the target.
func (l *LoadStage) stagingTableID(target deltatypes.TableID) deltatypes.TableID {
	return deltatypes.TableID{Project: target.Project, Dataset: target.Dataset, Table: l.stagingPrefix + target.Table}
}

// LoadResult is what the caller needs to hand off to the Merge Engine, or,
// for a direct-loaded snapshot, an indication that no merge is required.
type LoadResult struct {
	Staging      deltatypes.TableID
	DirectLoaded bool
}

// Load runs C5 for one blob at the given attempt number. On
// retry (attempt >= 1) it first scans job ids for attempts
// [attempt-1, ..., 0]; if any of them exists and did not fail, that job's
// work is treated as already durable and the load is skipped.
func (l *LoadStage) Load(ctx context.Context, blob deltatypes.TableBlob, attempt int) (LoadResult, error) {
	if blob.Kind == deltatypes.BlobSnapshot {
		return l.loadDirect(ctx, blob, attempt)
	}
	return l.loadStaged(ctx, blob, attempt)
}

func (l *LoadStage) priorAttemptSucceeded(ctx context.Context, jobIDFor func(attempt int) string, attempt int) (bool, error) {
	if attempt == 0 {
		return false, nil
	}
	for a := attempt - 1; a >= 0; a-- {
		status, err := l.wh.WaitForJob(ctx, jobIDFor(a))
		if err != nil {
			return false, fmt.Errorf("scanning prior load attempt %d: %w (%s)", a, err, LOC_LOAD_SCAN_PRIOR)
		}
		if status == JobDone {
			return true, nil
		}
		if status == JobRunning {
			return true, nil // in flight under a previous supervisor; do not resubmit
		}
	}
	return false, nil
}

func (l *LoadStage) loadStaged(ctx context.Context, blob deltatypes.TableBlob, attempt int) (LoadResult, error) {
	staging := l.stagingTableID(blob.Table)
	jobIDFor := func(a int) string { return DeterministicJobID(l.app, JobStage, blob.Table, blob.BatchID, a) }

	if err := deltaretry.Do(ctx, l.retryPolicy(LOC_LOAD_STAGE_CREATE), func(ctx context.Context) error {
		_, exists, err := l.wh.GetTable(ctx, staging)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return l.wh.CreateTable(ctx, staging, TableMetadata{
			Schema:            blob.StagingSchema,
			ClusterColumns:    []string{"_batch_id"},
			EncryptionKeyName: l.encryptionKeyName,
		})
	}); err != nil {
		return LoadResult{}, err
	}

	reused, err := l.priorAttemptSucceeded(ctx, jobIDFor, attempt)
	if err != nil {
		return LoadResult{}, err
	}
	if reused {
		l.logger.Info(LOC_LOAD_SCAN_PRIOR, "reusing durable prior load attempt", "table", blob.Table, "batch", blob.BatchID)
		return LoadResult{Staging: staging}, nil
	}

	jobID := jobIDFor(attempt)
	if err := deltaretry.Do(ctx, l.retryPolicy(LOC_LOAD_SUBMIT), func(ctx context.Context) error {
		return l.wh.SubmitLoad(ctx, jobID, staging, blob.StagingSchema, blob.BlobPath)
	}); err != nil {
		return LoadResult{}, fmt.Errorf("loading blob %s into staging %s: %w (%s)", blob.BlobPath, staging, err, LOC_LOAD_SUBMIT)
	}

	return LoadResult{Staging: staging}, nil
}

// loadDirect loads a snapshot blob straight into the target table, bypassing
// staging and merge entirely: snapshot data is copied as-is rather than
// merged, since there is nothing yet to reconcile against. The direct-load
// flag guards against a table left half-populated by a crash mid-load.
func (l *LoadStage) loadDirect(ctx context.Context, blob deltatypes.TableBlob, attempt int) (LoadResult, error) {
	jobIDFor := func(a int) string { return DeterministicJobID(l.app, JobTarget, blob.Table, blob.BatchID, a) }

	if err := l.state.Put(ctx, blob.Table.DirectLoadFlagKey(), []byte{1}); err != nil {
		return LoadResult{}, fmt.Errorf("setting direct-load flag for %s: %w (%s)", blob.Table, err, LOC_LOAD_DIRECT)
	}

	reused, err := l.priorAttemptSucceeded(ctx, jobIDFor, attempt)
	if err != nil {
		return LoadResult{}, err
	}
	if !reused {
		jobID := jobIDFor(attempt)
		if err := deltaretry.Do(ctx, l.retryPolicy(LOC_LOAD_DIRECT), func(ctx context.Context) error {
			return l.wh.SubmitLoad(ctx, jobID, blob.Table, blob.TargetSchema, blob.BlobPath)
		}); err != nil {
			return LoadResult{}, fmt.Errorf("direct-loading blob %s into %s: %w (%s)", blob.BlobPath, blob.Table, err, LOC_LOAD_DIRECT)
		}
	}

	if err := l.state.Put(ctx, blob.Table.DirectLoadFlagKey(), []byte{0}); err != nil {
		l.logger.Warn(LOC_LOAD_DIRECT, "clearing direct-load flag failed, next CreateTable may see a stale in-progress marker", "table", blob.Table, "error", err)
	}

	l.cleanupBlob(ctx, blob.BlobPath)
	return LoadResult{DirectLoaded: true}, nil
}

// cleanupBlob best-effort deletes the staged object once its contents are
// durably represented in the warehouse; failures are logged, not fatal —
// blob deletion is a cleanup step, not a correctness one.
func (l *LoadStage) cleanupBlob(ctx context.Context, path string) {
	if l.blob == nil {
		return
	}
	if err := l.blob.Delete(ctx, path); err != nil {
		l.logger.Warn(LOC_LOAD_BLOB_CLEANUP, "best-effort blob cleanup failed", "path", path, "error", err)
	}
}

// RetainStagingTable reports whether the staging table should survive a
// completed merge, per operator configuration (useful for debugging a
// misbehaving merge).
func (l *LoadStage) RetainStagingTable() bool {
	return l.retainStaging
}

// DropStaging removes a staging table after a successful merge, unless
// retainStaging is set.
func (l *LoadStage) DropStaging(ctx context.Context, staging deltatypes.TableID) error {
	if l.retainStaging {
		return nil
	}
	return l.wh.DeleteTable(ctx, staging)
}
