// Package deltawarehouse implements the warehouse-facing components: the
// DDL Applier (C4), the Load Stage (C5) and the Merge Engine (C6), plus the
// narrow Warehouse contract they are built against. The concrete
// implementation targets BigQuery via cloud.google.com/go/bigquery.
package deltawarehouse

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/chendingplano/deltatarget/api/deltaerrors"
	"github.com/chendingplano/deltatarget/api/deltatypes"
)

const (
	LOC_WH_DATASET = "DLT_WHS_001"
	LOC_WH_TABLE   = "DLT_WHS_002"
	LOC_WH_JOB     = "DLT_WHS_003"
)

// JobKind tags a warehouse job by what it does, used to build the
// deterministic job id: <app>_<jobKind>_<dataset>_<table>_<batchId>_<attempt>.
type JobKind string

const (
	JobStage  JobKind = "stage"
	JobTarget JobKind = "target"
	JobMerge  JobKind = "merge"
)

// JobStatus is the state of a submitted job as reported by WaitForJob.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobDone
	JobFailed
)

// DeterministicJobID builds a job id that is stable across retries of the
// same attempt, so a resubmitted job is recognized as already in flight.
func DeterministicJobID(app string, kind JobKind, table deltatypes.TableID, batchID int64, attempt int) string {
	return fmt.Sprintf("%s_%s_%s_%s_%d_%d", app, kind, table.Dataset, table.Table, batchID, attempt)
}

// Warehouse is the narrow contract this module needs: dataset/table
// lifecycle plus typed job submission with a client-provided deterministic
// id and poll-to-completion.
type Warehouse interface {
	CreateDataset(ctx context.Context, project, dataset, location string) error
	DeleteDataset(ctx context.Context, project, dataset string) error

	GetTable(ctx context.Context, table deltatypes.TableID) (*TableMetadata, bool, error)
	CreateTable(ctx context.Context, table deltatypes.TableID, meta TableMetadata) error
	UpdateTable(ctx context.Context, table deltatypes.TableID, meta TableMetadata) error
	DeleteTable(ctx context.Context, table deltatypes.TableID) error
	AddColumn(ctx context.Context, table deltatypes.TableID, col deltatypes.Column) error

	MaxSequenceNumber(ctx context.Context, table deltatypes.TableID) (int64, bool, error)

	SubmitLoad(ctx context.Context, jobID string, table deltatypes.TableID, schema []deltatypes.Column, blobURI string) error
	SubmitQuery(ctx context.Context, jobID, project, sql string) error
	WaitForJob(ctx context.Context, jobID string) (JobStatus, error)
}

// TableMetadata is the subset of warehouse table metadata this module
// manages: schema, clustering, and (for the target table) the supplementary
// bookkeeping columns already folded in by the caller.
type TableMetadata struct {
	Schema            []deltatypes.Column
	ClusterColumns    []string
	EncryptionKeyName string
}

// BigQueryWarehouse is the Warehouse implementation backing the deployed
// target.
type BigQueryWarehouse struct {
	client *bigquery.Client
}

// NewBigQueryWarehouse wraps an already-constructed bigquery.Client.
func NewBigQueryWarehouse(client *bigquery.Client) *BigQueryWarehouse {
	return &BigQueryWarehouse{client: client}
}

func (w *BigQueryWarehouse) CreateDataset(ctx context.Context, project, dataset, location string) error {
	ds := w.client.DatasetInProject(project, dataset)
	err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: location})
	if err != nil {
		if isConflictErr(err) {
			return nil // tolerate racing workers
		}
		return fmt.Errorf("creating dataset %s.%s: %w (%s)", project, dataset, err, LOC_WH_DATASET)
	}
	return nil
}

func (w *BigQueryWarehouse) DeleteDataset(ctx context.Context, project, dataset string) error {
	ds := w.client.DatasetInProject(project, dataset)
	if err := ds.DeleteWithContents(ctx); err != nil && !isNotFoundErr(err) {
		return fmt.Errorf("deleting dataset %s.%s: %w (%s)", project, dataset, err, LOC_WH_DATASET)
	}
	return nil
}

func (w *BigQueryWarehouse) GetTable(ctx context.Context, table deltatypes.TableID) (*TableMetadata, bool, error) {
	t := w.client.DatasetInProject(table.Project, table.Dataset).Table(table.Table)
	md, err := t.Metadata(ctx)
	if isNotFoundErr(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetching metadata for %s: %w (%s)", table, err, LOC_WH_TABLE)
	}
	return toTableMetadata(md), true, nil
}

func (w *BigQueryWarehouse) CreateTable(ctx context.Context, table deltatypes.TableID, meta TableMetadata) error {
	t := w.client.DatasetInProject(table.Project, table.Dataset).Table(table.Table)
	md := fromTableMetadata(meta)
	if err := t.Create(ctx, md); err != nil {
		if isConflictErr(err) {
			return nil
		}
		return fmt.Errorf("creating table %s: %w (%s)", table, err, LOC_WH_TABLE)
	}
	return nil
}

func (w *BigQueryWarehouse) UpdateTable(ctx context.Context, table deltatypes.TableID, meta TableMetadata) error {
	t := w.client.DatasetInProject(table.Project, table.Dataset).Table(table.Table)
	cur, err := t.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("fetching metadata before update for %s: %w (%s)", table, err, LOC_WH_TABLE)
	}
	upd := fromTableMetadataToUpdate(meta)
	if _, err := t.Update(ctx, upd, cur.ETag); err != nil {
		return fmt.Errorf("updating table %s: %w (%s)", table, err, LOC_WH_TABLE)
	}
	return nil
}

// AddColumn appends col to the table's schema if not already present,
// the lazy single-column ALTER TABLE ADD COLUMN the Unordered merge path
// needs to self-heal a target created before sort keys existed.
func (w *BigQueryWarehouse) AddColumn(ctx context.Context, table deltatypes.TableID, col deltatypes.Column) error {
	t := w.client.DatasetInProject(table.Project, table.Dataset).Table(table.Table)
	cur, err := t.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("fetching metadata before adding column to %s: %w (%s)", table, err, LOC_WH_TABLE)
	}
	for _, f := range cur.Schema {
		if f.Name == col.Name {
			return nil
		}
	}
	schema := append(cur.Schema, &bigquery.FieldSchema{Name: col.Name, Type: toBQType(col.Type), Required: !col.Nullable})
	if _, err := t.Update(ctx, bigquery.TableMetadataToUpdate{Schema: schema}, cur.ETag); err != nil {
		return fmt.Errorf("adding column %s to %s: %w (%s)", col.Name, table, err, LOC_WH_TABLE)
	}
	return nil
}

func (w *BigQueryWarehouse) DeleteTable(ctx context.Context, table deltatypes.TableID) error {
	t := w.client.DatasetInProject(table.Project, table.Dataset).Table(table.Table)
	if err := t.Delete(ctx); err != nil && !isNotFoundErr(err) {
		return fmt.Errorf("deleting table %s: %w (%s)", table, err, LOC_WH_TABLE)
	}
	return nil
}

func (w *BigQueryWarehouse) MaxSequenceNumber(ctx context.Context, table deltatypes.TableID) (int64, bool, error) {
	_, exists, err := w.GetTable(ctx, table)
	if err != nil || !exists {
		return 0, exists, err
	}
	q := w.client.Query(fmt.Sprintf("SELECT MAX(`_sequence_num`) AS m FROM `%s.%s.%s`", table.Project, table.Dataset, table.Table))
	it, err := q.Read(ctx)
	if err != nil {
		return 0, true, fmt.Errorf("reading max sequence for %s: %w (%s)", table, err, LOC_WH_JOB)
	}
	var row struct {
		M bigquery.NullInt64
	}
	if err := it.Next(&row); err != nil {
		return 0, true, nil
	}
	if !row.M.Valid {
		return 0, true, nil
	}
	return row.M.Int64, true, nil
}

func (w *BigQueryWarehouse) SubmitLoad(ctx context.Context, jobID string, table deltatypes.TableID, schema []deltatypes.Column, blobURI string) error {
	t := w.client.DatasetInProject(table.Project, table.Dataset).Table(table.Table)
	ref := bigquery.NewGCSReference(blobURI)
	ref.SourceFormat = bigquery.JSON
	ref.Schema = toBQSchema(schema)
	loader := t.LoaderFrom(ref)
	loader.JobID = jobID
	loader.WriteDisposition = bigquery.WriteAppend
	loader.SchemaUpdateOptions = []string{"ALLOW_FIELD_ADDITION"}
	job, err := loader.Run(ctx)
	if isConflictErr(err) {
		job, err = w.client.JobFromID(ctx, jobID)
	}
	if err != nil {
		return fmt.Errorf("submitting load job %s: %w (%s)", jobID, err, LOC_WH_JOB)
	}
	return w.waitJob(ctx, job)
}

func (w *BigQueryWarehouse) SubmitQuery(ctx context.Context, jobID, project, sql string) error {
	q := w.client.Query(sql)
	q.JobID = jobID
	job, err := q.Run(ctx)
	if isConflictErr(err) {
		job, err = w.client.JobFromID(ctx, jobID)
	}
	if err != nil {
		return fmt.Errorf("submitting query job %s: %w (%s)", jobID, err, LOC_WH_JOB)
	}
	return w.waitJob(ctx, job)
}

func (w *BigQueryWarehouse) waitJob(ctx context.Context, job *bigquery.Job) error {
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job %s: %w (%s)", job.ID(), err, LOC_WH_JOB)
	}
	if err := status.Err(); err != nil {
		if isInvalidOperation(err) {
			return deltaerrors.Fatal("warehouse-job", job.ID(), LOC_WH_JOB, err)
		}
		return fmt.Errorf("job %s failed: %w (%s)", job.ID(), err, LOC_WH_JOB)
	}
	return nil
}

// WaitForJob re-fetches a previously submitted job by id and waits for it,
// used by the previous-attempt-scanning logic in the Load Stage.
func (w *BigQueryWarehouse) WaitForJob(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := w.client.JobFromID(ctx, jobID)
	if err != nil {
		if isNotFoundErr(err) {
			return JobPending, nil
		}
		return JobPending, fmt.Errorf("fetching job %s: %w (%s)", jobID, err, LOC_WH_JOB)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return JobRunning, fmt.Errorf("waiting for job %s: %w (%s)", jobID, err, LOC_WH_JOB)
	}
	if status.Done() {
		if status.Err() != nil {
			return JobFailed, nil
		}
		return JobDone, nil
	}
	return JobRunning, nil
}

func toBQSchema(cols []deltatypes.Column) bigquery.Schema {
	schema := make(bigquery.Schema, 0, len(cols))
	for _, c := range cols {
		schema = append(schema, &bigquery.FieldSchema{
			Name:     c.Name,
			Type:     toBQType(c.Type),
			Required: !c.Nullable,
		})
	}
	return schema
}

func toBQType(t string) bigquery.FieldType {
	switch t {
	case "int64":
		return bigquery.IntegerFieldType
	case "float64", "float32":
		return bigquery.FloatFieldType
	case "bool":
		return bigquery.BooleanFieldType
	case "bytes":
		return bigquery.BytesFieldType
	case "timestamp":
		return bigquery.TimestampFieldType
	case "numeric":
		return bigquery.NumericFieldType
	case "struct", "record":
		return bigquery.RecordFieldType
	default:
		return bigquery.StringFieldType
	}
}

func toTableMetadata(md *bigquery.TableMetadata) *TableMetadata {
	cols := make([]deltatypes.Column, 0, len(md.Schema))
	for _, f := range md.Schema {
		cols = append(cols, deltatypes.Column{Name: f.Name, Type: fromBQType(f.Type), Nullable: !f.Required})
	}
	var cluster []string
	if md.Clustering != nil {
		cluster = md.Clustering.Fields
	}
	return &TableMetadata{Schema: cols, ClusterColumns: cluster}
}

func fromBQType(t bigquery.FieldType) string {
	switch t {
	case bigquery.IntegerFieldType:
		return "int64"
	case bigquery.FloatFieldType:
		return "float64"
	case bigquery.BooleanFieldType:
		return "bool"
	case bigquery.BytesFieldType:
		return "bytes"
	case bigquery.TimestampFieldType:
		return "timestamp"
	case bigquery.NumericFieldType:
		return "numeric"
	case bigquery.RecordFieldType:
		return "struct"
	default:
		return "string"
	}
}

func fromTableMetadata(meta TableMetadata) *bigquery.TableMetadata {
	md := &bigquery.TableMetadata{Schema: toBQSchema(meta.Schema)}
	if len(meta.ClusterColumns) > 0 {
		md.Clustering = &bigquery.Clustering{Fields: meta.ClusterColumns}
	}
	if meta.EncryptionKeyName != "" {
		md.EncryptionConfig = &bigquery.EncryptionConfig{KMSKeyName: meta.EncryptionKeyName}
	}
	return md
}

func fromTableMetadataToUpdate(meta TableMetadata) bigquery.TableMetadataToUpdate {
	upd := bigquery.TableMetadataToUpdate{Schema: toBQSchema(meta.Schema)}
	return upd
}

func isConflictErr(err error) bool {
	var apiErr *googleapi.Error
	if e, ok := err.(*googleapi.Error); ok {
		apiErr = e
	}
	return apiErr != nil && apiErr.Code == 409
}

func isNotFoundErr(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if e, ok := err.(*googleapi.Error); ok {
		apiErr = e
	}
	return apiErr != nil && apiErr.Code == 404
}

func isInvalidOperation(err error) bool {
	var apiErr *googleapi.Error
	if e, ok := err.(*googleapi.Error); ok {
		apiErr = e
	}
	return apiErr != nil && apiErr.Code == 400
}
