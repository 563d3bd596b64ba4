package deltablob

import "testing"

func TestObjectPath(t *testing.T) {
	got := ObjectPath("app", "db", "orders", 1000)
	want := "cdap/delta/app/db/orders/1000"
	if got != want {
		t.Fatalf("ObjectPath() = %q, want %q", got, want)
	}
}

func TestTrimSchemeStripsBucketPrefix(t *testing.T) {
	got := trimScheme("mybucket", "gs://mybucket/cdap/delta/app/db/orders/1000")
	want := "cdap/delta/app/db/orders/1000"
	if got != want {
		t.Fatalf("trimScheme() = %q, want %q", got, want)
	}
}

func TestTrimSchemeLeavesBarePathUntouched(t *testing.T) {
	path := "cdap/delta/app/db/orders/1000"
	if got := trimScheme("mybucket", path); got != path {
		t.Fatalf("trimScheme() = %q, want %q unchanged", got, path)
	}
}

func TestTrimSchemeIgnoresAnotherBucketsPrefix(t *testing.T) {
	path := "gs://other-bucket/obj"
	if got := trimScheme("mybucket", path); got != path {
		t.Fatalf("trimScheme() = %q, want the path left untouched when the scheme names a different bucket", got)
	}
}
