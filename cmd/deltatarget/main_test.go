package main

import (
	"context"
	"testing"

	"github.com/chendingplano/deltatarget/api/deltaconfig"
	"github.com/chendingplano/deltatarget/api/deltatypes"
)

func TestResolveCredentialOptionUsesExplicitKeyFile(t *testing.T) {
	cfg := &deltaconfig.Config{ServiceAccountKey: "/etc/delta-target/sa.json"}

	opt, err := resolveCredentialOption(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resolveCredentialOption() error = %v", err)
	}
	if opt == nil {
		t.Fatalf("expected a non-nil option for an explicit service account key")
	}
}

func TestConsumerConfigMapsTunables(t *testing.T) {
	cfg := &deltaconfig.Config{
		Project:               "my-project",
		StagingBucketLocation: "US",
		ApplicationName:       "orders-cdc",
		LoadIntervalSeconds:   90,
		SoftDeletes:           true,
		SourceRowIDSupported:  true,
		SourceOrdering:        "unordered",
		MaxClusteringColumns:  3,
		RequireManualDrops:    true,
		StagingTablePrefix:    "_staging_",
		RetainStagingTable:    true,
		MaxRetrySeconds:       120,
	}

	got := consumerConfig(cfg)

	if got.Project != cfg.Project {
		t.Fatalf("Project = %q, want %q", got.Project, cfg.Project)
	}
	if got.StagingBucketLocation != cfg.StagingBucketLocation {
		t.Fatalf("StagingBucketLocation = %q, want %q", got.StagingBucketLocation, cfg.StagingBucketLocation)
	}
	if got.AppName != cfg.ApplicationName {
		t.Fatalf("AppName = %q, want %q", got.AppName, cfg.ApplicationName)
	}
	if got.LoadIntervalSeconds != cfg.LoadIntervalSeconds {
		t.Fatalf("LoadIntervalSeconds = %d, want %d", got.LoadIntervalSeconds, cfg.LoadIntervalSeconds)
	}
	if got.SoftDeletes != cfg.SoftDeletes {
		t.Fatalf("SoftDeletes = %v, want %v", got.SoftDeletes, cfg.SoftDeletes)
	}
	if got.MaxClusteringColumns != cfg.MaxClusteringColumns {
		t.Fatalf("MaxClusteringColumns = %d, want %d", got.MaxClusteringColumns, cfg.MaxClusteringColumns)
	}
	if got.RequireManualDrops != cfg.RequireManualDrops {
		t.Fatalf("RequireManualDrops = %v, want %v", got.RequireManualDrops, cfg.RequireManualDrops)
	}
	if got.StagingTablePrefix != cfg.StagingTablePrefix {
		t.Fatalf("StagingTablePrefix = %q, want %q", got.StagingTablePrefix, cfg.StagingTablePrefix)
	}
	if got.RetainStagingTable != cfg.RetainStagingTable {
		t.Fatalf("RetainStagingTable = %v, want %v", got.RetainStagingTable, cfg.RetainStagingTable)
	}
	if got.MaxRetrySeconds != cfg.MaxRetrySeconds {
		t.Fatalf("MaxRetrySeconds = %d, want %d", got.MaxRetrySeconds, cfg.MaxRetrySeconds)
	}
	if !got.RowIDSupported {
		t.Fatalf("expected RowIDSupported to be wired through from source_row_id_supported")
	}
	if got.Ordering != deltatypes.Unordered {
		t.Fatalf("Ordering = %v, want %v", got.Ordering, deltatypes.Unordered)
	}
}
