// Package providers builds the remote.Client a mission runs against from its
// configuration and credential.
package providers

import (
	"context"
	"fmt"
	nethttp "net/http"

	"github.com/rescale/mission-int/internal/batch"
	"github.com/rescale/mission-int/internal/cloud/providers/azure"
	"github.com/rescale/mission-int/internal/cloud/providers/s3"
	"github.com/rescale/mission-int/internal/config"
	"github.com/rescale/mission-int/internal/credentials"
	"github.com/rescale/mission-int/internal/http"
	"github.com/rescale/mission-int/internal/logging"
	"github.com/rescale/mission-int/internal/remote"
	"github.com/rescale/mission-int/internal/remote/memory"
)

// NewClient creates the compute and storage clients selected by cfg.Service and
// wraps them with the configured per-call timeouts. The memory backend needs no
// credential.
func NewClient(ctx context.Context, cfg *config.Config, cred credentials.Credential, logger *logging.Logger) (remote.Client, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var client remote.Client
	switch cfg.Service.Backend {
	case config.BackendMemory:
		mem, err := memory.New(memory.Options{AutoProgress: true, PersistPath: cfg.Service.MemoryStatePath})
		if err != nil {
			return nil, fmt.Errorf("failed to open memory backend: %w", err)
		}
		logger.Info().Str("state", cfg.Service.MemoryStatePath).Msg("Using in-memory backend")
		client = mem

	case config.BackendAzure:
		if missing := cred.Missing(); len(missing) > 0 {
			return nil, fmt.Errorf("credential is incomplete: missing %v", missing)
		}
		httpClient, err := http.NewClient(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}

		pools, err := batch.New(batch.Options{
			Endpoint:          cred.ServiceEndpointURL,
			AccountName:       cred.ServiceAccountName,
			AccountKey:        cred.ServiceAccountKey,
			APIVersion:        cfg.Service.BatchAPIVersion,
			RequestsPerSecond: float64(cfg.Service.RequestsPerSecond),
			HTTPClient:        httpClient,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create batch client: %w", err)
		}

		storage, err := newStorage(ctx, cfg, cred, httpClient, logger)
		if err != nil {
			return nil, err
		}
		client = remote.Compose(pools, pools, storage)

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.Service.Backend)
	}

	return remote.WithTimeout(client, cfg.Timeouts()), nil
}

func newStorage(ctx context.Context, cfg *config.Config, cred credentials.Credential, httpClient *nethttp.Client, logger *logging.Logger) (remote.StorageService, error) {
	switch cfg.Service.Storage {
	case config.StorageS3:
		storage, err := s3.New(ctx, s3.Options{
			Region:     cfg.Service.S3Region,
			Endpoint:   cfg.Service.S3Endpoint,
			AccessKey:  cred.StorageAccountName,
			SecretKey:  cred.StorageAccountKey,
			HTTPClient: httpClient,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		return storage, nil
	case config.StorageAzure, "":
		storage, err := azure.New(azure.Options{
			AccountName: cred.StorageAccountName,
			AccountKey:  cred.StorageAccountKey,
			HTTPClient:  httpClient,
			Concurrency: cfg.Transfer.Concurrency,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create blob storage client: %w", err)
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStorage, cfg.Service.Storage)
	}
}
