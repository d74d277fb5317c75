package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/config"
)

const (
	DriverS3         = "s3"
	DriverFilesystem = "filesystem"
)

// ErrNotFound is returned by Stat and Read for a missing key.
var ErrNotFound = errors.New("artifact not found")

type Info struct {
	ContentType   string
	ContentLength int64
}

type Object struct {
	io.ReadCloser
	Info
}

// Store is durable blob storage for source archives and build logs.
// Write overwrites; there is no retry at this layer.
type Store interface {
	Stat(ctx context.Context, key string) (*Info, error)
	Read(ctx context.Context, key string) (*Object, error)
	Write(ctx context.Context, key string, body Body) error
}

// Exists reports whether key is present. Only I/O failures are errors.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// New builds the store selected by cfg. Test mode always uses the local
// filesystem.
func New(ctx context.Context, cfg *config.StorageConfig, testMode bool, logger *zap.Logger) (Store, error) {
	driver := cfg.Driver
	if testMode {
		driver = DriverFilesystem
	}

	switch driver {
	case DriverFilesystem:
		logger.Info("using filesystem artifact store", zap.String("root", cfg.Root))
		return NewFileStore(cfg.Root)
	case DriverS3, "":
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("using s3 artifact store",
			zap.String("bucket", cfg.Bucket),
			zap.String("endpoint", cfg.Endpoint))
		return NewS3Store(client, cfg.Bucket), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
