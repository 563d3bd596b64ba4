package deltawarehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/chendingplano/deltatarget/api/deltatypes"
)

const (
	LOC_MERGE_BUILD   = "DLT_MRG_001"
	LOC_MERGE_EXECUTE = "DLT_MRG_002"
)

// MergeEngine is the Merge Engine (C6): builds and executes the single SQL
// MERGE statement that reconciles one batch from staging into the target,
// across the four variants selected by (sourceRowIdSupported,
// sourceEventOrdering).
type MergeEngine struct {
	wh    Warehouse
	state StateStore
}

// NewMergeEngine builds a C6 instance.
func NewMergeEngine(wh Warehouse, state StateStore) *MergeEngine {
	return &MergeEngine{wh: wh, state: state}
}

// MergeSpec carries everything the query builder needs for one batch.
type MergeSpec struct {
	Target           deltatypes.TableID
	Staging          deltatypes.TableID
	BatchID          int64
	LatestMerged     int64
	Columns          []string // target columns excluding bookkeeping
	PrimaryKey       []string
	RowIDSupported   bool
	Ordering         deltatypes.SourceOrdering
	SoftDeletes      bool
	SortKeyWidth     int // number of _key_N fields in _sort, 0 if none declared yet
}

// aliasA/aliasB are the self-join aliases used throughout the
// generated SQL.
const (
	aliasA = "A"
	aliasB = "B"
)

// orderingExpr encodes "<left> happens before <right>". For ordered sources
// this is a plain sequence-number comparison;
// for unordered sources it is the lexicographic sort-key comparator with a
// timestamp/sequence fallback when either side's sort key is null.
func orderingExpr(left, right string, spec MergeSpec) string {
	if spec.Ordering == deltatypes.Ordered {
		return fmt.Sprintf("%s._sequence_num < %s._sequence_num", left, right)
	}

	lexical := lexicographicLess(left, right, spec.SortKeyWidth)
	fallback := fmt.Sprintf(
		"(%s._source_timestamp < %s._source_timestamp OR (%s._source_timestamp = %s._source_timestamp AND %s._sequence_num < %s._sequence_num))",
		left, right, left, right, left, right,
	)
	nullGuard := fmt.Sprintf("(%s._sort._key_0 IS NULL OR %s._sort._key_0 IS NULL)", left, right)

	if spec.SortKeyWidth == 0 {
		return fallback
	}
	return fmt.Sprintf("(%s)\nOR\n(%s AND %s)", lexical, nullGuard, fallback)
}

// lexicographicLess builds the nested lexicographic comparison over
// _sort._key_0 .. _key_{n-1}.
func lexicographicLess(left, right string, width int) string {
	if width == 0 {
		return "FALSE"
	}
	var build func(i int) string
	build = func(i int) string {
		lk := fmt.Sprintf("%s._sort._key_%d", left, i)
		rk := fmt.Sprintf("%s._sort._key_%d", right, i)
		if i == width-1 {
			return fmt.Sprintf("%s < %s", lk, rk)
		}
		return fmt.Sprintf("(%s < %s OR (%s = %s AND %s))", lk, rk, lk, rk, build(i+1))
	}
	notNullGuard := fmt.Sprintf("%s._sort._key_0 IS NOT NULL AND %s._sort._key_0 IS NOT NULL", left, right)
	return fmt.Sprintf("%s AND\n(%s)", notNullGuard, build(0))
}

// BuildDiffQuery builds the inner self-outer-join that flattens a batch to
// one surviving event per logical row.
func (m *MergeEngine) BuildDiffQuery(spec MergeSpec) string {
	base := fmt.Sprintf("SELECT * FROM `%s` WHERE _batch_id = %d AND _sequence_num > %d",
		qualifiedName(spec.Staging), spec.BatchID, spec.LatestMerged)

	var join, where string
	if spec.RowIDSupported {
		join = fmt.Sprintf("%s._row_id = %s._row_id AND %s", aliasA, aliasB, orderingExpr(aliasA, aliasB, spec))
		where = fmt.Sprintf("%s._row_id IS NULL", aliasB)
	} else {
		var eqs []string
		var nulls []string
		for _, k := range spec.PrimaryKey {
			eqs = append(eqs, fmt.Sprintf("%s.`%s` = %s.`_before_%s`", aliasA, k, aliasB, k))
			nulls = append(nulls, fmt.Sprintf("%s.`_before_%s` IS NULL", aliasB, k))
		}
		join = strings.Join(eqs, " AND ") + " AND " + orderingExpr(aliasA, aliasB, spec)
		where = strings.Join(nulls, " AND ")
	}

	return fmt.Sprintf(
		"SELECT %s.* FROM\n  (%s) AS %s\n  LEFT OUTER JOIN\n  (%s) AS %s\n  ON %s  WHERE %s",
		aliasA, base, aliasA, base, aliasB, join, where,
	)
}

// BuildMergeQuery builds the full MERGE statement.
func (m *MergeEngine) BuildMergeQuery(spec MergeSpec) string {
	diff := m.BuildDiffQuery(spec)

	match := matchClause(spec, "T", "D")

	updateSet := updateSetList(spec, true)
	insertCols, insertVals := insertLists(spec, false)

	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE `%s` T USING (%s) D ON %s\n", qualifiedName(spec.Target), diff, match)

	switch {
	case spec.Ordering == deltatypes.Ordered && !spec.SoftDeletes:
		fmt.Fprintf(&sb, "WHEN MATCHED AND D._op = 'DELETE' THEN DELETE\n")
		fmt.Fprintf(&sb, "WHEN MATCHED AND D._op IN ('INSERT','UPDATE') THEN UPDATE SET %s\n", updateSet)

	case spec.Ordering == deltatypes.Ordered && spec.SoftDeletes:
		cond := "T._is_deleted IS NOT TRUE"
		fmt.Fprintf(&sb, "WHEN MATCHED AND D._op = 'DELETE' AND %s THEN UPDATE SET _is_deleted = TRUE, _sequence_num = D._sequence_num\n", cond)
		fmt.Fprintf(&sb, "WHEN MATCHED AND D._op IN ('INSERT','UPDATE') AND %s THEN UPDATE SET %s\n", cond, updateSet)

	default: // Unordered: delete is always soft, with a terminal-tombstone clause.
		order := orderingExpr("T", "D", spec)
		fmt.Fprintf(&sb, "WHEN MATCHED AND D._op = 'DELETE' AND (%s) THEN UPDATE SET %s, _is_deleted = TRUE\n", order, allColumnsSet(spec, "D"))
		fmt.Fprintf(&sb, "WHEN MATCHED AND D._op IN ('INSERT','UPDATE') AND (%s) THEN UPDATE SET %s\n", order, updateSet)
	}

	fmt.Fprintf(&sb, "WHEN NOT MATCHED AND D._op IN ('INSERT','UPDATE') THEN INSERT (%s) VALUES (%s)\n", insertCols, insertVals)

	if spec.Ordering == deltatypes.Unordered {
		tombstoneCols, tombstoneVals := insertLists(spec, true)
		fmt.Fprintf(&sb, "WHEN NOT MATCHED AND D._op = 'DELETE' THEN INSERT (%s) VALUES (%s)\n", tombstoneCols, tombstoneVals)
	}

	return sb.String()
}

func matchClause(spec MergeSpec, t, d string) string {
	if spec.RowIDSupported {
		return fmt.Sprintf("%s._row_id = %s._row_id", t, d)
	}
	var eqs []string
	for _, k := range spec.PrimaryKey {
		eqs = append(eqs, fmt.Sprintf("%s.`%s` = %s.`_before_%s`", t, k, d, k))
	}
	return strings.Join(eqs, " AND ")
}

// updateSetList builds the UPDATE SET clause for the non-delete path. When
// clearTombstone is set (as BuildMergeQuery always passes) it clears
// _is_deleted, since a reinsert of a previously soft-deleted row should
// clear the tombstone. It carries forward _sequence_num
// and, when applicable, _row_id/_source_timestamp/_sort.
func updateSetList(spec MergeSpec, clearTombstone bool) string {
	var sets []string
	for _, c := range spec.Columns {
		sets = append(sets, fmt.Sprintf("`%s` = D.`%s`", c, c))
	}
	sets = append(sets, "_sequence_num = D._sequence_num")
	if clearTombstone {
		sets = append(sets, "_is_deleted = NULL")
	}
	if spec.RowIDSupported {
		sets = append(sets, "_row_id = D._row_id")
	}
	if spec.Ordering == deltatypes.Unordered {
		sets = append(sets, "_source_timestamp = D._source_timestamp", "_sort = D._sort")
	}
	return strings.Join(sets, ", ")
}

func allColumnsSet(spec MergeSpec, d string) string {
	var sets []string
	for _, c := range spec.Columns {
		sets = append(sets, fmt.Sprintf("`%s` = %s.`%s`", c, d, c))
	}
	sets = append(sets, fmt.Sprintf("_sequence_num = %s._sequence_num", d))
	if spec.RowIDSupported {
		sets = append(sets, fmt.Sprintf("_row_id = %s._row_id", d))
	}
	if spec.Ordering == deltatypes.Unordered {
		sets = append(sets, fmt.Sprintf("_source_timestamp = %s._source_timestamp", d), fmt.Sprintf("_sort = %s._sort", d))
	}
	return strings.Join(sets, ", ")
}

// insertLists builds the INSERT column/value lists. tombstone=true builds
// the unordered-only terminal clause that inserts a dead row so a
// later-arriving older update cannot resurrect it.
func insertLists(spec MergeSpec, tombstone bool) (cols, vals string) {
	colList := append([]string{}, spec.Columns...)
	valList := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		valList[i] = "D.`" + c + "`"
	}

	colList = append(colList, "_sequence_num")
	if tombstone {
		valList = append(valList, "D._sequence_num")
	} else {
		valList = append(valList, "D._sequence_num")
	}

	colList = append(colList, "_is_deleted")
	if tombstone {
		valList = append(valList, "TRUE")
	} else {
		valList = append(valList, "NULL")
	}

	if spec.RowIDSupported {
		colList = append(colList, "_row_id")
		valList = append(valList, "D._row_id")
	}
	if spec.Ordering == deltatypes.Unordered {
		colList = append(colList, "_source_timestamp", "_sort")
		valList = append(valList, "D._source_timestamp", "D._sort")
	}

	quoted := make([]string, len(colList))
	for i, c := range colList {
		if strings.HasPrefix(c, "_") {
			quoted[i] = c
		} else {
			quoted[i] = "`" + c + "`"
		}
	}
	return strings.Join(quoted, ", "), strings.Join(valList, ", ")
}

func qualifiedName(t deltatypes.TableID) string {
	if t.Project != "" {
		return fmt.Sprintf("%s.%s.%s", t.Project, t.Dataset, t.Table)
	}
	return fmt.Sprintf("%s.%s", t.Dataset, t.Table)
}

// Execute submits the merge query with the deterministic job id and waits
// for completion. For an unordered batch with sort keys it first ensures
// the target carries the _sort column, lazily adding it and latching
// sortKeyAddedToTarget so a table created before sort keys existed can
// self-heal instead of failing the MERGE against a missing column.
func (m *MergeEngine) Execute(ctx context.Context, jobID string, spec MergeSpec) error {
	if spec.Ordering == deltatypes.Unordered && spec.SortKeyWidth > 0 {
		if err := m.ensureSortColumn(ctx, spec.Target); err != nil {
			return err
		}
	}
	sql := m.BuildMergeQuery(spec)
	return m.wh.SubmitQuery(ctx, jobID, spec.Target.Project, sql)
}

func (m *MergeEngine) ensureSortColumn(ctx context.Context, table deltatypes.TableID) error {
	if m.state == nil {
		return nil
	}
	key := table.StateStoreKey()
	raw, ok, err := m.state.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("loading table state for %s: %w (%s)", table, err, LOC_MERGE_EXECUTE)
	}
	state, _ := deltatypes.DecodeState(raw)
	if ok && state.SortKeyAddedToTarget {
		return nil
	}
	if err := m.wh.AddColumn(ctx, table, deltatypes.Column{Name: "_sort", Type: "struct", Nullable: true}); err != nil {
		return fmt.Errorf("adding _sort column to %s: %w (%s)", table, err, LOC_MERGE_EXECUTE)
	}
	state.ID = table
	state.SortKeyAddedToTarget = true
	return m.state.Put(ctx, key, state.EncodeState())
}
