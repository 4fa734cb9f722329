// Package boot provides shared cold-start bootstrap for the recognizer
// binaries. Every host needs some subset of: AWS config, S3, DynamoDB,
// Rekognition, SSM parameter fetch, and startup logging. This package
// extracts the common init patterns so each main's init is a short
// composition of helpers.
package boot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/blob-recognizer/internal/audit"
	"github.com/fpang/blob-recognizer/internal/blobstore"
	"github.com/fpang/blob-recognizer/internal/callback"
	"github.com/fpang/blob-recognizer/internal/config"
	"github.com/fpang/blob-recognizer/internal/labels"
	"github.com/fpang/blob-recognizer/internal/logging"
	"github.com/fpang/blob-recognizer/internal/machine"
	"github.com/fpang/blob-recognizer/internal/metrics"
	"github.com/fpang/blob-recognizer/internal/recognizer"
	"github.com/fpang/blob-recognizer/internal/record"
)

// Environment variables binding deployed resources.
const (
	EnvBlobBucket = "BLOB_BUCKET"
	EnvTableName  = "RECOGNIZER_TABLE"
	EnvEventBus   = "ALERT_EVENT_BUS"
)

// SSM parameter paths used when the resource env vars are unset.
const (
	ssmBlobBucketParam = "/blob-recognizer/prod/blob-bucket"
	ssmTableParam      = "/blob-recognizer/prod/table-name"
)

// AWSClients holds the core AWS SDK clients shared across binaries.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// Deps is the fully wired recognizer, plus everything a host binary needs
// for startup logging and lifecycle control.
type Deps struct {
	Service    *recognizer.Service
	Executor   *machine.Executor
	Records    record.Store
	Executions machine.ExecutionStore
	Options    config.Options
	Bucket     string
	Table      string
}

// InitService wires the complete recognizer: record, execution, and audit
// stores on one DynamoDB table, the S3 blob store, the Rekognition backend,
// the callback invoker, and the executor with EMF metrics attached.
// Resource names come from env vars with SSM parameter fallback. Fatals on
// anything unrecoverable; a half-wired recognizer is worse than no process.
func InitService(name string, initStart time.Time) Deps {
	ctx := context.Background()
	clients := InitAWS()

	config.LoadSSMParam(ctx, clients.SSM, EnvBlobBucket, ssmBlobBucketParam)
	config.LoadSSMParam(ctx, clients.SSM, EnvTableName, ssmTableParam)

	bucket := os.Getenv(EnvBlobBucket)
	if bucket == "" {
		log.Fatal().Str("envVar", EnvBlobBucket).Msg("Blob bucket is required")
	}
	table := os.Getenv(EnvTableName)
	if table == "" {
		log.Fatal().Str("envVar", EnvTableName).Msg("DynamoDB table is required")
	}

	opts, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	s3Client := s3.NewFromConfig(clients.Config)
	objects := blobstore.NewS3Store(s3Client, s3.NewPresignClient(s3Client), bucket)

	ddb := dynamodb.NewFromConfig(clients.Config)
	records := record.NewDynamoStore(ddb, table)
	execStore := machine.NewDynamoExecutionStore(ddb, table)

	auditors := audit.MultiRecorder{audit.NewDynamoRecorder(ddb, table)}
	if bus := os.Getenv(EnvEventBus); bus != "" {
		auditors = append(auditors, audit.NewEventBridgeAlerter(eventbridge.NewFromConfig(clients.Config), bus))
	}

	detector := labels.NewRekognitionDetector(rekognition.NewFromConfig(clients.Config), bucket)
	invoker := callback.NewInvoker(opts.CallbackTimeout)

	executor := machine.NewExecutor(execStore,
		machine.WithObserver(metrics.NewExecutorObserver(metrics.Namespace)))

	svc, err := recognizer.NewService(records, objects, detector, invoker, auditors, executor, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire recognizer service")
	}

	logging.NewStartupLogger(name).
		S3Bucket("blobs", bucket).
		DynamoTable("recognizer", table).
		Config("uploadingWaitingTime", opts.UploadingWaitingTime.String()).
		Config("presignedUrlTTL", opts.PresignedURLTTL.String()).
		Config("minConfidence", logging.EnvOrDefault(config.EnvMinConfidence, "50")).
		InitDuration(time.Since(initStart)).
		Log()

	return Deps{
		Service:    svc,
		Executor:   executor,
		Records:    records,
		Executions: execStore,
		Options:    opts,
		Bucket:     bucket,
		Table:      table,
	}
}
