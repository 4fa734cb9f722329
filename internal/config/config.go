// Package config holds the recognized configuration surface of the blob
// recognizer. Values come from environment variables with sane defaults;
// deployment-time values may be resolved from SSM Parameter Store.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

// Environment variable names for each option.
const (
	EnvPresignedURLTTL      = "PRESIGNED_URL_TTL_SECONDS"
	EnvUploadingWaitingTime = "UPLOADING_WAITING_TIME_SECONDS"
	EnvMaxLabels            = "MAX_LABELS"
	EnvMinConfidence        = "MIN_CONFIDENCE"
	EnvCallbackTimeout      = "CALLBACK_TIMEOUT_SECONDS"
	EnvMaxUploadChecks      = "MAX_UPLOAD_CHECKS"
)

// Defaults applied when an environment variable is unset.
const (
	DefaultPresignedURLTTL      = 300 * time.Second
	DefaultUploadingWaitingTime = 10 * time.Second
	DefaultMaxLabels            = 10
	DefaultMinConfidence        = 50.0
	DefaultCallbackTimeout      = 5 * time.Second
)

// Options is the recognized configuration surface.
type Options struct {
	// PresignedURLTTL is how long the upload URL remains valid.
	PresignedURLTTL time.Duration

	// UploadingWaitingTime is the duration of one upload-watch wait cycle.
	UploadingWaitingTime time.Duration

	// MaxLabels caps the number of labels kept after transformation.
	MaxLabels int

	// MinConfidence is the inclusive confidence threshold (0-100) a label
	// must meet to survive transformation.
	MinConfidence float64

	// CallbackTimeout bounds the outbound callback delivery.
	CallbackTimeout time.Duration

	// MaxUploadChecks caps upload-watch re-arming. Zero means derive from
	// PresignedURLTTL / UploadingWaitingTime.
	MaxUploadChecks int
}

// FromEnv builds Options from environment variables, applying defaults
// for anything unset. Malformed values are rejected rather than silently
// replaced.
func FromEnv() (Options, error) {
	opts := Options{
		PresignedURLTTL:      DefaultPresignedURLTTL,
		UploadingWaitingTime: DefaultUploadingWaitingTime,
		MaxLabels:            DefaultMaxLabels,
		MinConfidence:        DefaultMinConfidence,
		CallbackTimeout:      DefaultCallbackTimeout,
	}

	if err := envSeconds(EnvPresignedURLTTL, &opts.PresignedURLTTL); err != nil {
		return Options{}, err
	}
	if err := envSeconds(EnvUploadingWaitingTime, &opts.UploadingWaitingTime); err != nil {
		return Options{}, err
	}
	if err := envSeconds(EnvCallbackTimeout, &opts.CallbackTimeout); err != nil {
		return Options{}, err
	}
	if err := envInt(EnvMaxLabels, &opts.MaxLabels); err != nil {
		return Options{}, err
	}
	if err := envInt(EnvMaxUploadChecks, &opts.MaxUploadChecks); err != nil {
		return Options{}, err
	}
	if v := os.Getenv(EnvMinConfidence); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Options{}, fmt.Errorf("parse %s=%q: %w", EnvMinConfidence, v, err)
		}
		opts.MinConfidence = f
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate rejects option combinations that cannot drive the workflows.
func (o Options) Validate() error {
	if o.PresignedURLTTL <= 0 {
		return fmt.Errorf("presigned URL TTL must be positive, got %s", o.PresignedURLTTL)
	}
	if o.UploadingWaitingTime <= 0 {
		return fmt.Errorf("uploading waiting time must be positive, got %s", o.UploadingWaitingTime)
	}
	if o.MaxLabels <= 0 {
		return fmt.Errorf("max labels must be positive, got %d", o.MaxLabels)
	}
	if o.MinConfidence < 0 || o.MinConfidence > 100 {
		return fmt.Errorf("min confidence must be within [0,100], got %g", o.MinConfidence)
	}
	if o.CallbackTimeout <= 0 {
		return fmt.Errorf("callback timeout must be positive, got %s", o.CallbackTimeout)
	}
	if o.MaxUploadChecks < 0 {
		return fmt.Errorf("max upload checks must not be negative, got %d", o.MaxUploadChecks)
	}
	return nil
}

// UploadCheckLimit returns the effective cap on upload-watch cycles.
// When MaxUploadChecks is unset it is derived from the presigned URL TTL,
// so the watch gives up once the upload URL can no longer be used.
func (o Options) UploadCheckLimit() int {
	if o.MaxUploadChecks > 0 {
		return o.MaxUploadChecks
	}
	n := int(o.PresignedURLTTL / o.UploadingWaitingTime)
	if n < 1 {
		n = 1
	}
	return n
}

func envSeconds(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s=%q: %w", name, v, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s=%q: %w", name, v, err)
	}
	*dst = n
	return nil
}

// LoadSSMParam fetches a parameter from SSM Parameter Store and stores it
// in the named environment variable unless the variable is already set.
// Fatals on SSM errors: a missing deployment parameter is unrecoverable.
func LoadSSMParam(ctx context.Context, client *ssm.Client, envVar, paramName string) {
	if os.Getenv(envVar) != "" {
		return
	}
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		log.Fatal().Err(err).Str("param", paramName).Msg("Failed to read parameter from SSM")
	}
	os.Setenv(envVar, *result.Parameter.Value)
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(start)).Msg("Parameter loaded from SSM")
}
