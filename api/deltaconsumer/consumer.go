// Package deltaconsumer implements the Consumer Orchestrator (C8): the
// single entry point a producer drives with applyDDL/applyDML, and the
// scheduled flush that turns accumulated batches into warehouse merges.
package deltaconsumer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chendingplano/deltatarget/api/deltablob"
	"github.com/chendingplano/deltatarget/api/deltaerrors"
	"github.com/chendingplano/deltatarget/api/deltalog"
	"github.com/chendingplano/deltatarget/api/deltaretry"
	"github.com/chendingplano/deltatarget/api/deltastate"
	"github.com/chendingplano/deltatarget/api/deltatypes"
	"github.com/chendingplano/deltatarget/api/deltawarehouse"
)

const (
	LOC_CONSUMER_START     = "DLT_CNS_001"
	LOC_CONSUMER_STOP      = "DLT_CNS_002"
	LOC_CONSUMER_APPLY_DDL = "DLT_CNS_003"
	LOC_CONSUMER_APPLY_DML = "DLT_CNS_004"
	LOC_CONSUMER_FLUSH     = "DLT_CNS_005"
	LOC_CONSUMER_SEED      = "DLT_CNS_006"
	LOC_CONSUMER_COMMIT    = "DLT_CNS_007"
)

// maxConcurrentTables bounds the per-table worker pool dispatched by flush:
// tables replicate concurrently, but a table's own batches never overlap.
const maxConcurrentTables = 8

// Config carries the orchestrator's tunables, a subset of deltaconfig.Config
// expressed in the orchestrator's own terms so this package does not import
// the config package directly.
type Config struct {
	Project               string
	StagingBucketLocation string
	AppName               string
	LoadIntervalSeconds   int
	StopGracePeriod       time.Duration
	SoftDeletes           bool
	RowIDSupported        bool
	Ordering              deltatypes.SourceOrdering
	MaxClusteringColumns  int
	RequireManualDrops    bool
	EncryptionKeyName     string
	StagingTablePrefix    string
	RetainStagingTable    bool
	MaxRetrySeconds       int
}

// Consumer is the Consumer Orchestrator (C8). Two mutexes are in play:
// ingestMu serializes the public operations (applyDDL/applyDML/flush)
// against each other, so callers see the same behavior as if every call
// ran under one lock — it is held for the duration of a whole flush cycle,
// including the concurrent per-table phase. stateMu is the
// finer-grained lock protecting the bookkeeping maps themselves, since the
// per-table worker pool dispatched inside a flush cycle mutates them
// concurrently and cannot itself take ingestMu without deadlocking against
// the goroutine that is holding it for the cycle's duration.
type Consumer struct {
	cfg    Config
	wh     deltawarehouse.Warehouse
	state  *deltastate.Store
	blob   *deltablob.Client
	batch  *deltablob.BatchWriter
	ddl    *deltawarehouse.DDLApplier
	load   *deltawarehouse.LoadStage
	merge  *deltawarehouse.MergeEngine
	logger *deltalog.Logger

	ingestMu sync.Mutex

	stateMu     sync.Mutex
	counters    map[deltatypes.TableID]*deltatypes.SequenceCounters
	primaryKeys map[deltatypes.TableID][]string
	sortTypes   map[deltatypes.TableID][]string
	tableStatus map[deltatypes.TableID]*deltatypes.TableStatus

	pendingOffset []byte // highest offset observed, not yet durably committed
	pendingSeq    int64

	flushErr   atomic.Value // stores error
	shouldStop atomic.Bool
	running    atomic.Bool
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New wires a Consumer from its already-constructed collaborators, building
// C4/C5/C6 internally so each can be handed a FlushFunc/ShouldStop closure
// that reaches back into this Consumer. DDL operations that are structurally
// destructive flush any pending data for the affected table before they run.
func New(cfg Config, wh deltawarehouse.Warehouse, state *deltastate.Store, blob *deltablob.Client, logger *deltalog.Logger) *Consumer {
	c := &Consumer{
		cfg:         cfg,
		wh:          wh,
		state:       state,
		blob:        blob,
		logger:      logger,
		counters:    make(map[deltatypes.TableID]*deltatypes.SequenceCounters),
		primaryKeys: make(map[deltatypes.TableID][]string),
		sortTypes:   make(map[deltatypes.TableID][]string),
		tableStatus: make(map[deltatypes.TableID]*deltatypes.TableStatus),
	}
	c.batch = deltablob.NewBatchWriter(blob, cfg.AppName, logger)
	c.ddl = deltawarehouse.NewDDLApplier(wh, state, logger, cfg.Project, cfg.StagingBucketLocation, cfg.MaxClusteringColumns, cfg.RequireManualDrops, cfg.EncryptionKeyName, cfg.Ordering, c.ShouldStop, c.flushLocked)
	c.load = deltawarehouse.NewLoadStage(wh, state, blob, logger, cfg.AppName, cfg.StagingTablePrefix, cfg.RetainStagingTable, cfg.EncryptionKeyName, c.ShouldStop)
	c.merge = deltawarehouse.NewMergeEngine(wh, state)
	return c
}

// ShouldStop is handed to the retry coordinator so in-flight operations
// abort promptly once Stop is called.
func (c *Consumer) ShouldStop() bool { return c.shouldStop.Load() }

// Start schedules the periodic flush at cfg.LoadIntervalSeconds.
// It returns immediately; the flush loop runs until Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("consumer is already running (%s)", LOC_CONSUMER_START)
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	interval := time.Duration(c.cfg.LoadIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 90 * time.Second
	}

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if err := c.flush(ctx); err != nil {
					c.logger.Error(LOC_CONSUMER_FLUSH, "scheduled flush failed", "error", err)
				}
			}
		}
	}()

	c.logger.Info(LOC_CONSUMER_START, "consumer started", "load_interval_seconds", c.cfg.LoadIntervalSeconds)
	return nil
}

// Stop cancels the scheduled flush, sets the process-wide should-stop flag,
// and waits up to cfg.StopGracePeriod for the flush loop to exit.
func (c *Consumer) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	c.shouldStop.Store(true)
	close(c.stopCh)

	grace := c.cfg.StopGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-c.doneCh:
	case <-time.After(grace):
		c.logger.Warn(LOC_CONSUMER_STOP, "flush loop did not exit within grace period", "grace", grace)
	}

	if err := c.flush(ctx); err != nil {
		c.logger.Error(LOC_CONSUMER_STOP, "final flush on shutdown failed", "error", err)
		return err
	}
	return nil
}

// checkFlushErr implements the fail-fast re-throw: any public ingestion
// call first checks for a latched asynchronous flush failure and, if
// present, re-throws it instead of accepting more work.
func (c *Consumer) checkFlushErr() error {
	if v := c.flushErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Consumer) latchFlushErr(err error) {
	if err != nil {
		c.flushErr.Store(err)
	}
}

// ApplyDDL dispatches one DDL event to C4, then records its offset and
// refreshes the table's external status. Held under ingestMu
// for the whole call: C4 may itself invoke flushLocked (e.g. before
// DropTable), which is safe only because flushLocked never tries to
// re-acquire ingestMu.
func (c *Consumer) ApplyDDL(ctx context.Context, ev deltatypes.DDLEvent) error {
	if err := c.checkFlushErr(); err != nil {
		return err
	}
	c.ingestMu.Lock()
	defer c.ingestMu.Unlock()

	table := deltatypes.TableID{Project: c.cfg.Project, Dataset: ev.Database, Table: ev.Table}
	if err := c.ddl.Apply(ctx, ev); err != nil {
		if deltaerrors.IsFatal(err) {
			c.latchFlushErr(err)
		}
		c.recordError(table, err)
		return err
	}

	c.stateMu.Lock()
	switch ev.Operation {
	case deltatypes.OpCreateTable, deltatypes.OpAlterTable:
		c.primaryKeys[table] = ev.PrimaryKey
	case deltatypes.OpDropDatabase:
		c.purgeDatabaseLocked(ev.Database)
	case deltatypes.OpDropTable:
		delete(c.primaryKeys, table)
		delete(c.counters, table)
	}
	c.stateMu.Unlock()

	c.touchStatus(table, func(s *deltatypes.TableStatus) {
		s.Snapshotting = ev.Snapshot
		s.Replicating = !ev.Snapshot
	})
	c.recordOffset(ev.Offset, ev.SequenceNumber)
	return nil
}

// purgeDatabaseLocked drops cached per-table bookkeeping for every table in
// database (caller holds stateMu), mirroring C4's DropDatabase.
func (c *Consumer) purgeDatabaseLocked(database string) {
	for t := range c.primaryKeys {
		if t.Dataset == database {
			delete(c.primaryKeys, t)
			delete(c.counters, t)
		}
	}
}

// ApplyDML normalizes and appends a DML event, seeding latestMerged from the
// warehouse on first sight of a table so a cross-restart redelivery of
// already-merged events is dropped here rather than shipped to staging.
func (c *Consumer) ApplyDML(ctx context.Context, ev deltatypes.DMLEvent) error {
	if err := c.checkFlushErr(); err != nil {
		return err
	}
	c.ingestMu.Lock()
	defer c.ingestMu.Unlock()

	table := deltatypes.TableID{Project: c.cfg.Project, Dataset: ev.Database, Table: ev.Table}
	counters, err := c.seedLatestMerged(ctx, table)
	if err != nil {
		c.recordError(table, err)
		return err
	}

	if ev.SequenceNumber <= counters.LatestMerged {
		c.logger.Debug(LOC_CONSUMER_APPLY_DML, "dropping already-merged replayed event", "table", table, "sequence", ev.SequenceNumber, "latest_merged", counters.LatestMerged)
		c.recordOffset(ev.Offset, ev.SequenceNumber)
		return nil
	}

	c.stateMu.Lock()
	if len(ev.SortKeys) > 0 && len(c.sortTypes[table]) == 0 {
		types := make([]string, len(ev.SortKeys))
		for i, v := range ev.SortKeys {
			types[i] = fmt.Sprintf("%T", v)
		}
		c.sortTypes[table] = types
	}
	pk := c.primaryKeys[table]
	c.stateMu.Unlock()

	cols := columnsFromEvent(ev)
	fp := deltatypes.FingerprintSchema(cols)
	kind := deltatypes.BlobStreaming
	if ev.Snapshot {
		kind = deltatypes.BlobSnapshot
	}
	c.batch.Append(table, fp, cols, pk, kind, ev)

	c.stateMu.Lock()
	if ev.SequenceNumber > counters.LatestSeen {
		counters.LatestSeen = ev.SequenceNumber
	}
	c.stateMu.Unlock()

	c.touchStatus(table, func(s *deltatypes.TableStatus) {
		s.Replicating = true
	})
	c.recordOffset(ev.Offset, ev.SequenceNumber)
	return nil
}

// seedLatestMerged returns this table's counters, seeding them from
// MaxSequenceNumber on the table's first sight in this process.
func (c *Consumer) seedLatestMerged(ctx context.Context, table deltatypes.TableID) (*deltatypes.SequenceCounters, error) {
	c.stateMu.Lock()
	if counters, ok := c.counters[table]; ok {
		c.stateMu.Unlock()
		return counters, nil
	}
	c.stateMu.Unlock()

	latest, _, err := c.wh.MaxSequenceNumber(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("seeding latestMerged for %s: %w (%s)", table, err, LOC_CONSUMER_SEED)
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if counters, ok := c.counters[table]; ok {
		return counters, nil // lost the race to another caller; theirs wins
	}
	counters := &deltatypes.SequenceCounters{LatestMerged: latest, LatestSeen: latest}
	c.counters[table] = counters
	return counters, nil
}

func columnsFromEvent(ev deltatypes.DMLEvent) []deltatypes.Column {
	cols := make([]deltatypes.Column, 0, len(ev.After))
	for k, v := range ev.After {
		cols = append(cols, deltatypes.Column{Name: k, Type: goTypeTag(v), Nullable: v == nil})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols
}

func goTypeTag(v any) string {
	switch v.(type) {
	case int64, int32, int:
		return "int64"
	case float64, float32:
		return "float64"
	case bool:
		return "bool"
	case []byte:
		return "bytes"
	default:
		return "string"
	}
}

func (c *Consumer) touchStatus(table deltatypes.TableID, mutate func(*deltatypes.TableStatus)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	s, ok := c.tableStatus[table]
	if !ok {
		s = &deltatypes.TableStatus{Table: table}
		c.tableStatus[table] = s
	}
	mutate(s)
	s.UpdatedAt = time.Now()
}

func (c *Consumer) recordError(table deltatypes.TableID, err error) {
	c.touchStatus(table, func(s *deltatypes.TableStatus) {
		s.LastError = err.Error()
		s.LastErrorTime = time.Now()
	})
}

// recordOffset buffers the highest offset/sequence number observed so far.
// It is not durable: a process crash before the next successful flush loses
// nothing, since the previously *committed* offset is still behind this
// event and replay will redeliver it: offsets are only committed once the
// entire current flush cycle succeeds.
func (c *Consumer) recordOffset(offset []byte, seq int64) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if len(offset) == 0 || seq <= c.pendingSeq {
		return
	}
	c.pendingOffset = offset
	c.pendingSeq = seq
}

// commitPendingOffset durably persists the most recently recorded offset via
// C1, called only once a full flush cycle has succeeded.
func (c *Consumer) commitPendingOffset(ctx context.Context) error {
	c.stateMu.Lock()
	offset, seq := c.pendingOffset, c.pendingSeq
	c.stateMu.Unlock()
	if len(offset) == 0 {
		return nil
	}
	err := deltaretry.Do(ctx, deltaretry.CommitPolicy(c.ShouldStop, c.logger), func(ctx context.Context) error {
		return c.state.CommitOffset(ctx, offset, seq)
	})
	if err != nil {
		return fmt.Errorf("committing offset at sequence %d: %w (%s)", seq, err, LOC_CONSUMER_COMMIT)
	}
	return nil
}

// flush is the ticker/Stop entry point: it acquires ingestMu itself before
// running the flush cycle, serializing against any in-flight applyDDL or
// applyDML call.
func (c *Consumer) flush(ctx context.Context) error {
	c.ingestMu.Lock()
	defer c.ingestMu.Unlock()
	return c.flushLocked(ctx)
}

// flushLocked closes every open shard, loads and merges each table's
// streaming blobs concurrently (bounded by maxConcurrentTables),
// direct-loads snapshot blobs, and advances latestMerged only for tables
// that fully succeeded. Callers must already hold
// ingestMu; this is also the FlushFunc handed to C4, which calls it while
// applyDDL is already holding that lock.
func (c *Consumer) flushLocked(ctx context.Context) error {
	if c.batch.OpenShardCount() == 0 {
		return nil
	}
	blobs, err := c.batch.Flush(ctx)
	if err != nil {
		c.latchFlushErr(err)
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentTables)

	for _, b := range blobs[deltatypes.BlobSnapshot] {
		blob := b
		group.Go(func() error { return c.flushOneSnapshot(gctx, blob) })
	}
	for _, b := range blobs[deltatypes.BlobStreaming] {
		blob := b
		group.Go(func() error { return c.flushOneStreaming(gctx, blob) })
	}

	if err := group.Wait(); err != nil {
		c.latchFlushErr(err)
		return err
	}
	return c.commitPendingOffset(ctx)
}

func (c *Consumer) flushOneSnapshot(ctx context.Context, blob deltatypes.TableBlob) error {
	_, err := c.load.Load(ctx, blob, 0)
	if err != nil {
		c.recordError(blob.Table, err)
		return err
	}
	c.touchStatus(blob.Table, func(s *deltatypes.TableStatus) { s.Snapshotting = false })
	return nil
}

func (c *Consumer) flushOneStreaming(ctx context.Context, blob deltatypes.TableBlob) error {
	result, err := c.load.Load(ctx, blob, 0)
	if err != nil {
		c.recordError(blob.Table, err)
		return err
	}

	c.stateMu.Lock()
	counters := c.counters[blob.Table]
	latestMerged := int64(0)
	if counters != nil {
		latestMerged = counters.LatestMerged
	}
	pk := c.primaryKeys[blob.Table]
	sortWidth := len(c.sortTypes[blob.Table])
	c.stateMu.Unlock()

	ordering := c.cfg.Ordering

	spec := deltawarehouse.MergeSpec{
		Target:         blob.Table,
		Staging:        result.Staging,
		BatchID:        blob.BatchID,
		LatestMerged:   latestMerged,
		Columns:        columnNames(blob.TargetSchema),
		PrimaryKey:     pk,
		RowIDSupported: c.cfg.RowIDSupported,
		Ordering:       ordering,
		SoftDeletes:    c.cfg.SoftDeletes || ordering == deltatypes.Unordered,
		SortKeyWidth:   sortWidth,
	}

	jobID := deltawarehouse.DeterministicJobID(c.cfg.AppName, deltawarehouse.JobMerge, blob.Table, blob.BatchID, 0)
	mergePolicy := deltaretry.BaseLoadPolicy(c.cfg.LoadIntervalSeconds, c.cfg.MaxRetrySeconds, c.ShouldStop, c.logger)
	mergePolicy.Retriable = deltaretry.ReasonAwareRetriable(mergePolicy.Retriable)
	mergePolicy.Loc = LOC_CONSUMER_FLUSH
	if err := deltaretry.Do(ctx, mergePolicy, func(ctx context.Context) error {
		return c.merge.Execute(ctx, jobID, spec)
	}); err != nil {
		c.recordError(blob.Table, err)
		return err
	}

	if err := c.load.DropStaging(ctx, result.Staging); err != nil {
		c.logger.Warn(LOC_CONSUMER_FLUSH, "best-effort staging drop failed", "staging", result.Staging, "error", err)
	}
	if err := c.blob.Delete(ctx, blob.BlobPath); err != nil {
		c.logger.Warn(LOC_CONSUMER_FLUSH, "best-effort blob cleanup failed", "path", blob.BlobPath, "error", err)
	}

	c.stateMu.Lock()
	if counters != nil {
		counters.LatestMerged = counters.LatestSeen
	}
	c.stateMu.Unlock()
	c.touchStatus(blob.Table, func(s *deltatypes.TableStatus) {})
	return nil
}

func columnNames(cols []deltatypes.Column) []string {
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		if len(c.Name) > 0 && c.Name[0] != '_' {
			names = append(names, c.Name)
		}
	}
	return names
}

// TableStatuses returns a snapshot of every known table's status, read by
// the status HTTP handler.
func (c *Consumer) TableStatuses() []deltatypes.TableStatus {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	out := make([]deltatypes.TableStatus, 0, len(c.tableStatus))
	for _, s := range c.tableStatus {
		out = append(out, *s)
	}
	return out
}
