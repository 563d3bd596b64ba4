package deltawarehouse

import (
	"testing"

	"github.com/chendingplano/deltatarget/api/deltatypes"
)

func TestClusterColumnsFiltersIneligibleAndCaps(t *testing.T) {
	schema := []deltatypes.Column{
		{Name: "id", Type: "int64"},
		{Name: "score", Type: "float64"},
		{Name: "region", Type: "string"},
		{Name: "zone", Type: "string"},
	}
	got := clusterColumns(schema, []string{"id", "score", "region", "zone"}, 2)
	want := []string{"id", "region"}
	if len(got) != len(want) {
		t.Fatalf("clusterColumns() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("clusterColumns() = %v, want %v", got, want)
		}
	}
}

func TestClusterColumnsUnknownColumnPassesThrough(t *testing.T) {
	got := clusterColumns(nil, []string{"id"}, 4)
	if len(got) != 1 || got[0] != "id" {
		t.Fatalf("expected an unknown primary-key column to pass through, got %v", got)
	}
}

func TestAugmentWithSupplementaryColumnsOrdered(t *testing.T) {
	schema := []deltatypes.Column{{Name: "id", Type: "int64"}}
	got := augmentWithSupplementaryColumns(schema, false)
	names := columnNames(got)
	for _, want := range []string{"id", "_sequence_num", "_is_deleted", "_row_id"} {
		if !contains(names, want) {
			t.Fatalf("expected augmented schema to contain %q, got %v", want, names)
		}
	}
	if contains(names, "_sort") {
		t.Fatalf("did not expect _sort column for an ordered table, got %v", names)
	}
}

func TestAugmentWithSupplementaryColumnsUnordered(t *testing.T) {
	schema := []deltatypes.Column{{Name: "id", Type: "int64"}}
	got := augmentWithSupplementaryColumns(schema, true)
	names := columnNames(got)
	for _, want := range []string{"_source_timestamp", "_sort"} {
		if !contains(names, want) {
			t.Fatalf("expected augmented schema to contain %q, got %v", want, names)
		}
	}
}

func columnNames(cols []deltatypes.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
