package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	opts, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if opts.PresignedURLTTL != DefaultPresignedURLTTL {
		t.Errorf("expected default TTL %s, got %s", DefaultPresignedURLTTL, opts.PresignedURLTTL)
	}
	if opts.MaxLabels != DefaultMaxLabels {
		t.Errorf("expected default max labels %d, got %d", DefaultMaxLabels, opts.MaxLabels)
	}
	if opts.MinConfidence != DefaultMinConfidence {
		t.Errorf("expected default min confidence %g, got %g", DefaultMinConfidence, opts.MinConfidence)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv(EnvUploadingWaitingTime, "1")
	t.Setenv(EnvMaxLabels, "3")
	t.Setenv(EnvMinConfidence, "75.5")

	opts, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if opts.UploadingWaitingTime != time.Second {
		t.Errorf("expected 1s waiting time, got %s", opts.UploadingWaitingTime)
	}
	if opts.MaxLabels != 3 {
		t.Errorf("expected max labels 3, got %d", opts.MaxLabels)
	}
	if opts.MinConfidence != 75.5 {
		t.Errorf("expected min confidence 75.5, got %g", opts.MinConfidence)
	}
}

func TestFromEnv_Malformed(t *testing.T) {
	t.Setenv(EnvMaxLabels, "lots")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for malformed MAX_LABELS")
	}
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero TTL", func(o *Options) { o.PresignedURLTTL = 0 }},
		{"zero wait", func(o *Options) { o.UploadingWaitingTime = 0 }},
		{"zero max labels", func(o *Options) { o.MaxLabels = 0 }},
		{"negative confidence", func(o *Options) { o.MinConfidence = -1 }},
		{"confidence above 100", func(o *Options) { o.MinConfidence = 101 }},
		{"zero callback timeout", func(o *Options) { o.CallbackTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{
				PresignedURLTTL:      DefaultPresignedURLTTL,
				UploadingWaitingTime: DefaultUploadingWaitingTime,
				MaxLabels:            DefaultMaxLabels,
				MinConfidence:        DefaultMinConfidence,
				CallbackTimeout:      DefaultCallbackTimeout,
			}
			tt.mutate(&opts)
			if err := opts.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestUploadCheckLimit_Derived(t *testing.T) {
	opts := Options{
		PresignedURLTTL:      60 * time.Second,
		UploadingWaitingTime: 10 * time.Second,
	}
	if got := opts.UploadCheckLimit(); got != 6 {
		t.Errorf("expected derived limit 6, got %d", got)
	}

	opts.MaxUploadChecks = 2
	if got := opts.UploadCheckLimit(); got != 2 {
		t.Errorf("expected explicit limit 2, got %d", got)
	}

	opts = Options{PresignedURLTTL: time.Second, UploadingWaitingTime: 10 * time.Second}
	if got := opts.UploadCheckLimit(); got != 1 {
		t.Errorf("expected floor of 1, got %d", got)
	}
}
