package deltawarehouse

import (
	"strings"
	"testing"

	"github.com/chendingplano/deltatarget/api/deltatypes"
)

func baseSpec() MergeSpec {
	return MergeSpec{
		Target:       deltatypes.TableID{Project: "p", Dataset: "d", Table: "orders"},
		Staging:      deltatypes.TableID{Project: "p", Dataset: "d", Table: "_staging_orders"},
		BatchID:      1000,
		LatestMerged: 42,
		Columns:      []string{"id", "amount"},
		PrimaryKey:   []string{"id"},
		Ordering:     deltatypes.Ordered,
	}
}

func TestBuildDiffQueryFiltersByLatestMerged(t *testing.T) {
	m := NewMergeEngine(nil, nil)
	sql := m.BuildDiffQuery(baseSpec())
	if !strings.Contains(sql, "_sequence_num > 42") {
		t.Fatalf("expected the diff query to filter on latestMerged, got: %s", sql)
	}
	if !strings.Contains(sql, "_batch_id = 1000") {
		t.Fatalf("expected the diff query to filter on the batch id, got: %s", sql)
	}
}

func TestBuildDiffQueryUsesRowIDWhenSupported(t *testing.T) {
	spec := baseSpec()
	spec.RowIDSupported = true
	m := NewMergeEngine(nil, nil)
	sql := m.BuildDiffQuery(spec)
	if !strings.Contains(sql, "_row_id = B._row_id") {
		t.Fatalf("expected a row-id join when RowIDSupported is set, got: %s", sql)
	}
}

func TestBuildDiffQueryUsesPrimaryKeyWhenRowIDUnsupported(t *testing.T) {
	spec := baseSpec()
	m := NewMergeEngine(nil, nil)
	sql := m.BuildDiffQuery(spec)
	if !strings.Contains(sql, "A.`id` = B.`_before_id`") {
		t.Fatalf("expected a primary-key join when RowIDSupported is unset, got: %s", sql)
	}
}

func TestBuildMergeQueryOrderedHardDelete(t *testing.T) {
	m := NewMergeEngine(nil, nil)
	sql := m.BuildMergeQuery(baseSpec())
	if !strings.Contains(sql, "WHEN MATCHED AND D._op = 'DELETE' THEN DELETE") {
		t.Fatalf("expected a hard DELETE clause for ordered+hard-delete, got: %s", sql)
	}
	if strings.Contains(sql, "_is_deleted = TRUE") {
		t.Fatalf("did not expect a soft-delete clause for ordered+hard-delete, got: %s", sql)
	}
}

func TestBuildMergeQueryOrderedSoftDelete(t *testing.T) {
	spec := baseSpec()
	spec.SoftDeletes = true
	m := NewMergeEngine(nil, nil)
	sql := m.BuildMergeQuery(spec)
	if !strings.Contains(sql, "_is_deleted = TRUE") {
		t.Fatalf("expected a soft-delete clause for ordered+soft-delete, got: %s", sql)
	}
	if strings.Contains(sql, "THEN DELETE\n") {
		t.Fatalf("did not expect a hard DELETE clause for ordered+soft-delete, got: %s", sql)
	}
}

func TestBuildMergeQueryUnorderedHasTombstoneInsert(t *testing.T) {
	spec := baseSpec()
	spec.Ordering = deltatypes.Unordered
	spec.SortKeyWidth = 2
	m := NewMergeEngine(nil, nil)
	sql := m.BuildMergeQuery(spec)
	if !strings.Contains(sql, "WHEN NOT MATCHED AND D._op = 'DELETE' THEN INSERT") {
		t.Fatalf("expected a terminal tombstone-insert clause for an unordered source, got: %s", sql)
	}
	if !strings.Contains(sql, "_sort._key_0") {
		t.Fatalf("expected the lexicographic sort-key comparator to appear, got: %s", sql)
	}
}

func TestBuildMergeQueryAlwaysInsertsNewRows(t *testing.T) {
	m := NewMergeEngine(nil, nil)
	sql := m.BuildMergeQuery(baseSpec())
	if !strings.Contains(sql, "WHEN NOT MATCHED AND D._op IN ('INSERT','UPDATE') THEN INSERT") {
		t.Fatalf("expected an unconditional insert-on-no-match clause, got: %s", sql)
	}
}

func TestLexicographicLessSingleKey(t *testing.T) {
	got := lexicographicLess("A", "B", 1)
	if !strings.Contains(got, "A._sort._key_0 < B._sort._key_0") {
		t.Fatalf("expected a single-key comparison, got: %s", got)
	}
}

func TestQualifiedNameWithAndWithoutProject(t *testing.T) {
	withProject := qualifiedName(deltatypes.TableID{Project: "p", Dataset: "d", Table: "t"})
	if withProject != "p.d.t" {
		t.Fatalf("qualifiedName() = %q, want %q", withProject, "p.d.t")
	}
	withoutProject := qualifiedName(deltatypes.TableID{Dataset: "d", Table: "t"})
	if withoutProject != "d.t" {
		t.Fatalf("qualifiedName() = %q, want %q", withoutProject, "d.t")
	}
}

func TestDeterministicJobIDIsStable(t *testing.T) {
	table := deltatypes.TableID{Dataset: "d", Table: "t"}
	a := DeterministicJobID("app", JobMerge, table, 7, 0)
	b := DeterministicJobID("app", JobMerge, table, 7, 0)
	if a != b {
		t.Fatalf("expected DeterministicJobID to be stable for identical inputs, got %q and %q", a, b)
	}
	c := DeterministicJobID("app", JobMerge, table, 7, 1)
	if a == c {
		t.Fatalf("expected a different attempt number to change the job id")
	}
}
