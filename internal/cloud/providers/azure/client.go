// Package azure implements remote.StorageService on Azure Blob Storage.
//
// The client authenticates with the storage account key. Tasks never see the
// key: they receive container SAS URLs signed with it.
package azure

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/rescale/mission-int/internal/logging"
	"github.com/rescale/mission-int/internal/remote"
)

const (
	defaultBlockSize   = 8 * 1024 * 1024
	defaultConcurrency = 4
	// SAS start times are backdated to tolerate clock skew between hosts.
	sasClockSkew = 15 * time.Minute
)

// Options configures a Client.
type Options struct {
	AccountName string
	AccountKey  string

	// ServiceURL overrides https://<account>.blob.core.windows.net/, e.g. for Azurite.
	ServiceURL string

	// HTTPClient carries proxy and connection pool settings.
	HTTPClient *nethttp.Client

	// BlockSize and Concurrency tune block uploads of one blob.
	BlockSize   int64
	Concurrency int

	Logger *logging.Logger
}

// Client is a blob storage client for one storage account.
type Client struct {
	client      *azblob.Client
	blockSize   int64
	concurrency int
	logger      *logging.Logger
}

// New creates a Client authenticated with the account key.
func New(opts Options) (*Client, error) {
	if opts.AccountName == "" || opts.AccountKey == "" {
		return nil, fmt.Errorf("storage account name and key are required")
	}
	cred, err := azblob.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid storage account key: %w", err)
	}

	serviceURL := opts.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", opts.AccountName)
	}

	clientOpts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			// Retries are driven by the caller's retry policy.
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}
	if opts.HTTPClient != nil {
		clientOpts.Transport = opts.HTTPClient
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	if opts.BlockSize <= 0 {
		opts.BlockSize = defaultBlockSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Client{
		client:      client,
		blockSize:   opts.BlockSize,
		concurrency: opts.Concurrency,
		logger:      logger.Named("azblob"),
	}, nil
}

// CreateContainer creates a private container.
func (c *Client) CreateContainer(ctx context.Context, name string) error {
	c.logger.Info().Str("resource", name).Msg("Creating container")
	_, err := c.client.CreateContainer(ctx, name, nil)
	return mapError(err, "create container "+name)
}

// ContainerExists reports whether the container exists. A container that is
// being deleted still exists.
func (c *Client) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := c.client.ServiceClient().NewContainerClient(name).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return false, nil
	}
	if bloberror.HasCode(err, bloberror.ContainerBeingDeleted) {
		return true, nil
	}
	return false, mapError(err, "get container "+name)
}

// DeleteContainer requests deletion; the service removes the container asynchronously.
func (c *Client) DeleteContainer(ctx context.Context, name string) error {
	_, err := c.client.DeleteContainer(ctx, name, nil)
	return mapError(err, "delete container "+name)
}

// ContainerURL returns a container SAS URL with read, write, list, add and create rights.
func (c *Client) ContainerURL(ctx context.Context, name string, validity time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	start := time.Now().UTC().Add(-sasClockSkew)
	perms := sas.ContainerPermissions{Read: true, Add: true, Create: true, Write: true, List: true}
	cc := c.client.ServiceClient().NewContainerClient(name)
	u, err := cc.GetSASURL(perms, time.Now().UTC().Add(validity), &container.GetSASURLOptions{StartTime: &start})
	if err != nil {
		return "", fmt.Errorf("failed to sign container URL for %s: %w", name, err)
	}
	return u, nil
}

// mapError converts storage errors into remote error categories.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", remote.ErrTransient, op, err)
	}

	category := remote.CategoryForStatus(respErr.StatusCode)
	if bloberror.HasCode(err, bloberror.ContainerBeingDeleted) {
		category = remote.ErrBeingDeleted
	}
	return &remote.ServiceError{
		Category:   category,
		StatusCode: respErr.StatusCode,
		Code:       respErr.ErrorCode,
		Message:    op,
	}
}

var _ remote.StorageService = (*Client)(nil)
