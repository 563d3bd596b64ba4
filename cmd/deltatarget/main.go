// deltatarget is the change-data-capture target daemon: it applies DDL/DML
// events from a single upstream producer into a BigQuery-backed warehouse,
// staging and merging streaming batches and direct-loading snapshots.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/chendingplano/deltatarget/api/deltablob"
	"github.com/chendingplano/deltatarget/api/deltaconfig"
	"github.com/chendingplano/deltatarget/api/deltaconsumer"
	"github.com/chendingplano/deltatarget/api/deltalog"
	"github.com/chendingplano/deltatarget/api/deltastate"
	"github.com/chendingplano/deltatarget/api/deltastatus"
	"github.com/chendingplano/deltatarget/api/deltawarehouse"
)

const (
	LOC_MAIN_CONFIG  = "DLT_MAIN_001"
	LOC_MAIN_CONNECT = "DLT_MAIN_002"
	LOC_MAIN_RUN     = "DLT_MAIN_003"
)

func main() {
	if err := run(); err != nil {
		slog.Error("deltatarget exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := deltaconfig.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w (%s)", err, LOC_MAIN_CONFIG)
	}

	logger := deltalog.New(deltalog.ParseFormat(cfg.LogFormat))
	logger.Info(LOC_MAIN_CONFIG, "configuration loaded", "dataset", cfg.DatasetName, "project", cfg.Project)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	credOpt, err := resolveCredentialOption(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resolving cloud credentials: %w (%s)", err, LOC_MAIN_CONNECT)
	}

	bqClient, err := newBigQueryClient(ctx, cfg, credOpt)
	if err != nil {
		return fmt.Errorf("connecting to BigQuery: %w (%s)", err, LOC_MAIN_CONNECT)
	}
	defer bqClient.Close()
	wh := deltawarehouse.NewBigQueryWarehouse(bqClient)

	blobClient, err := newBlobClient(ctx, cfg, logger, credOpt)
	if err != nil {
		return fmt.Errorf("connecting to the blob store: %w (%s)", err, LOC_MAIN_CONNECT)
	}
	defer blobClient.Close()

	stateStore, err := deltastate.Open(ctx, deltastate.Driver(cfg.StateStoreDriver), cfg.StateStoreDSN, logger)
	if err != nil {
		return fmt.Errorf("connecting to the state store: %w (%s)", err, LOC_MAIN_CONNECT)
	}
	defer stateStore.Close()

	consumer := deltaconsumer.New(consumerConfig(cfg), wh, stateStore, blobClient, logger)
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("starting consumer: %w (%s)", err, LOC_MAIN_RUN)
	}

	status := deltastatus.New(consumer, logger)
	go func() {
		if err := status.Start(cfg.StatusListenAddr); err != nil {
			logger.Error(LOC_MAIN_RUN, "status server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info(LOC_MAIN_RUN, "received signal, shutting down", "signal", sig.String())

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer stopCancel()
	if err := consumer.Stop(stopCtx); err != nil {
		logger.Error(LOC_MAIN_RUN, "consumer did not shut down cleanly", "error", err)
	}
	status.Shutdown()

	return nil
}

func consumerConfig(cfg *deltaconfig.Config) deltaconsumer.Config {
	return deltaconsumer.Config{
		Project:               cfg.Project,
		StagingBucketLocation: cfg.StagingBucketLocation,
		AppName:               cfg.ApplicationName,
		LoadIntervalSeconds:   cfg.LoadIntervalSeconds,
		StopGracePeriod:       30 * time.Second,
		SoftDeletes:           cfg.SoftDeletes,
		RowIDSupported:        cfg.SourceRowIDSupported,
		Ordering:              cfg.Ordering(),
		MaxClusteringColumns:  cfg.MaxClusteringColumns,
		RequireManualDrops:    cfg.RequireManualDrops,
		EncryptionKeyName:     cfg.ResolvedEncryptionKeyName(),
		StagingTablePrefix:    cfg.StagingTablePrefix,
		RetainStagingTable:    cfg.RetainStagingTable,
		MaxRetrySeconds:       cfg.MaxRetrySeconds,
	}
}

// resolveCredentialOption picks how the BigQuery and GCS clients authenticate:
// an explicit service account key file when one is configured, or ambient
// Application Default Credentials detected via the GCE metadata server
// otherwise. A nil option tells the client libraries to fall back to their
// own default credential search.
func resolveCredentialOption(ctx context.Context, cfg *deltaconfig.Config) (option.ClientOption, error) {
	if !deltaconfig.IsAutoDetect(cfg.ServiceAccountKey) {
		return option.WithCredentialsFile(cfg.ServiceAccountKey), nil
	}

	if !metadata.OnGCE() {
		return nil, nil
	}

	creds, err := google.FindDefaultCredentials(ctx, bigquery.Scope, storage.ScopeReadWrite)
	if err != nil {
		return nil, fmt.Errorf("finding ambient GCP credentials: %w (%s)", err, LOC_MAIN_CONNECT)
	}
	return option.WithTokenSource(creds.TokenSource), nil
}

func newBigQueryClient(ctx context.Context, cfg *deltaconfig.Config, credOpt option.ClientOption) (*bigquery.Client, error) {
	opts := []option.ClientOption{}
	if credOpt != nil {
		opts = append(opts, credOpt)
	}
	if deltaconfig.IsAutoDetect(cfg.Project) {
		return bigquery.NewClient(ctx, bigquery.DetectProjectID, opts...)
	}
	return bigquery.NewClient(ctx, cfg.Project, opts...)
}

func newBlobClient(ctx context.Context, cfg *deltaconfig.Config, logger *deltalog.Logger, credOpt option.ClientOption) (*deltablob.Client, error) {
	bucket := cfg.DeriveStagingBucketName()
	opts := []option.ClientOption{}
	if credOpt != nil {
		opts = append(opts, credOpt)
	}
	client, err := deltablob.Connect(ctx, bucket, logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx, cfg.Project, cfg.StagingBucketLocation); err != nil {
		return nil, err
	}
	return client, nil
}
