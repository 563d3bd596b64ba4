package deltaconfig

import "testing"

func validConfig() *Config {
	return &Config{
		DatasetName:          "analytics",
		LoadIntervalSeconds:  90,
		MaxClusteringColumns: 2,
		StateStoreDriver:     "postgres",
		StateStoreDSN:        "postgres://localhost/delta",
		SourceOrdering:       "ordered",
	}
}

func TestValidateRequiresDatasetName(t *testing.T) {
	cfg := validConfig()
	cfg.DatasetName = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject an empty dataset_name")
	}
}

func TestValidateRejectsNonPositiveLoadInterval(t *testing.T) {
	cfg := validConfig()
	cfg.LoadIntervalSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a non-positive load_interval_seconds")
	}
}

func TestValidateRejectsOutOfRangeClusteringColumns(t *testing.T) {
	cfg := validConfig()
	cfg.MaxClusteringColumns = 5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject max_clustering_columns > 4")
	}
}

func TestValidateRejectsUnknownStateStoreDriver(t *testing.T) {
	cfg := validConfig()
	cfg.StateStoreDriver = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject an unsupported state_store_driver")
	}
}

func TestValidateRequiresStateStoreDSN(t *testing.T) {
	cfg := validConfig()
	cfg.StateStoreDSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to require state_store_dsn")
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected a well-formed config to validate, got %v", err)
	}
}

func TestResolvedEncryptionKeyNamePrefersRuntimeArg(t *testing.T) {
	cfg := validConfig()
	cfg.EncryptionKeyName = "configured-key"
	cfg.runtimeArgs = map[string]string{"gcp.cmek.key.name": "runtime-key"}
	if got := cfg.ResolvedEncryptionKeyName(); got != "runtime-key" {
		t.Fatalf("ResolvedEncryptionKeyName() = %q, want %q", got, "runtime-key")
	}
}

func TestResolvedEncryptionKeyNameFallsBackToConfigured(t *testing.T) {
	cfg := validConfig()
	cfg.EncryptionKeyName = "configured-key"
	if got := cfg.ResolvedEncryptionKeyName(); got != "configured-key" {
		t.Fatalf("ResolvedEncryptionKeyName() = %q, want %q", got, "configured-key")
	}
}

func TestDeriveStagingBucketNameDefaultsAndNormalizes(t *testing.T) {
	cfg := validConfig()
	cfg.Namespace = "Prod"
	cfg.ApplicationName = "DeltaTarget"
	cfg.Generation = 3
	got := cfg.DeriveStagingBucketName()
	want := "df-rbq-prod-deltatarget-3"
	if got != want {
		t.Fatalf("DeriveStagingBucketName() = %q, want %q", got, want)
	}
}

func TestDeriveStagingBucketNameHonorsExplicitValue(t *testing.T) {
	cfg := validConfig()
	cfg.StagingBucket = "gs://My-Bucket"
	got := cfg.DeriveStagingBucketName()
	want := "my-bucket"
	if got != want {
		t.Fatalf("DeriveStagingBucketName() = %q, want %q", got, want)
	}
}

func TestIsAutoDetect(t *testing.T) {
	if !IsAutoDetect("auto-detect") || !IsAutoDetect("") {
		t.Fatalf("expected the auto-detect sentinel and empty string to be auto-detect")
	}
	if IsAutoDetect("my-project") {
		t.Fatalf("expected an explicit project id to not be auto-detect")
	}
}

func TestRuntimeArgLookup(t *testing.T) {
	cfg := validConfig()
	cfg.runtimeArgs = map[string]string{"gcp.cmek.key.name": "k"}
	if v, ok := cfg.RuntimeArg("gcp.cmek.key.name"); !ok || v != "k" {
		t.Fatalf("RuntimeArg lookup failed: got (%q, %v)", v, ok)
	}
	if _, ok := cfg.RuntimeArg("missing"); ok {
		t.Fatalf("expected a missing runtime arg to report ok=false")
	}
}
