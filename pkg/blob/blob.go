package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrNotFound        = errors.New("blob not found")
	ErrInvalidKey      = errors.New("invalid blob key")
	ErrUnsupportedType = errors.New("unsupported blob store type")
)

// Store holds job images, checkpoints, manifests and bundles.
// Keys are slash-separated; deleting a missing key or prefix is not an error.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Config selects and configures a blob backend
type Config struct {
	Type string `mapstructure:"type"` // "memory", "local" or "s3"
	Dir  string `mapstructure:"dir"`

	// S3 and S3-compatible services
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// Breaker wraps the backend in a circuit breaker when set
	Breaker bool `mapstructure:"breaker"`
}

// New creates a blob store based on configuration
func New(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Type {
	case "memory":
		s = NewMemoryStore()
	case "local", "":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/blobs"
		}
		s, err = NewLocalStore(dir)
	case "s3":
		s, err = NewS3Store(ctx, S3Options{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker {
		s = NewBreakerStore(s, "blob-"+cfg.Type)
	}
	return s, nil
}

// JobPrefix is the key prefix every artifact of a job lives under
func JobPrefix(jobID string) string {
	return "jobs/" + jobID + "/"
}

// ImageKey is where the rendered image of item index is stored
func ImageKey(jobID string, index int) string {
	return fmt.Sprintf("%simages/%05d.png", JobPrefix(jobID), index)
}

// CheckpointKey is where the results of one batch are stored
func CheckpointKey(jobID string, batch int) string {
	return fmt.Sprintf("%sresults/%05d.json", JobPrefix(jobID), batch)
}

// ManifestKey is the CSV manifest of a job
func ManifestKey(jobID string) string {
	return JobPrefix(jobID) + "manifest.csv"
}

// ArchiveKey is the ZIP bundle of a job
func ArchiveKey(jobID string) string {
	return JobPrefix(jobID) + "bundle.zip"
}

// cleanKey rejects keys that could escape the store root
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
