// Package lode is kiln's storage backend over the Lode store library.
//
// Attempt files and reports are written as plain keys through FileStore;
// finished jobs are indexed in a Lode dataset through Ledger. Both share
// one StoreFactory so a single bucket or directory holds everything.
package lode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// Backend selects the store implementation.
type Backend string

const (
	BackendFS     Backend = "fs"
	BackendS3     Backend = "s3"
	BackendMemory Backend = "memory"
)

// Config selects and configures a store backend.
type Config struct {
	Backend Backend
	// Path is the root directory for the fs backend.
	Path string
	// S3 configures the s3 backend.
	S3 S3Config
}

// Validate checks that the selected backend is fully configured.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendFS:
		if c.Path == "" {
			return errors.New("storage path is required for fs backend")
		}
	case BackendS3:
		return c.S3.Validate()
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q (must be fs, s3 or memory)", c.Backend)
	}
	return nil
}

// S3Config holds configuration for S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not subdomain).
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(path string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(path, "/")
	return bucket, prefix
}

// NewStoreFactory builds the StoreFactory for cfg.
// The memory backend returns a factory bound to one shared in-memory store.
func NewStoreFactory(ctx context.Context, cfg Config) (lode.StoreFactory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendS3:
		return newS3Factory(ctx, cfg.S3)
	case BackendMemory:
		return SharedFactory(lode.NewMemory()), nil
	default:
		return lode.NewFSFactory(cfg.Path), nil
	}
}

// SharedFactory returns a StoreFactory that always returns the given store.
func SharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

// newS3Factory loads the AWS default credential chain (env vars, shared
// config, IAM role) and returns a factory for a Lode S3 store.
func newS3Factory(ctx context.Context, s3cfg S3Config) (lode.StoreFactory, error) {
	var opts []func(*config.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, config.WithRegion(s3cfg.Region))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, WrapInitError(fmt.Errorf("failed to load AWS config: %w", err), s3cfg.Bucket)
	}

	var s3Opts []func(*s3.Options)
	if s3cfg.Endpoint != "" {
		endpoint := s3cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if s3cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	return func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: s3cfg.Bucket,
			Prefix: s3cfg.Prefix,
		})
	}, nil
}
