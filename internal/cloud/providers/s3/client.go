// Package s3 implements remote.StorageService on S3-compatible object storage.
//
// Each mission container maps to one bucket. Task-facing container URLs are
// presigned requests on the bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/rescale/mission-int/internal/logging"
	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/remote"
	"github.com/rescale/mission-int/internal/util/buffers"
)

// DefaultPartSize is the multipart upload part size. Smaller blobs go up in one PUT.
const DefaultPartSize = 16 * 1024 * 1024

// Options configures a Client.
type Options struct {
	Region    string
	AccessKey string
	SecretKey string

	// Endpoint selects an S3-compatible service instead of AWS; it implies path-style addressing.
	Endpoint string

	HTTPClient *nethttp.Client
	PartSize   int64
	Logger     *logging.Logger
}

// Client is an object storage client for one set of credentials.
type Client struct {
	client   *s3.Client
	presign  *s3.PresignClient
	region   string
	partSize int64
	parts    *buffers.Pool
	logger   *logging.Logger
}

// New creates a Client with static credentials.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("s3 access key and secret are required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		// Retries are driven by the caller's retry policy.
		config.WithRetryMaxAttempts(1),
	}
	if opts.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(opts.HTTPClient))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	if opts.PartSize <= 0 {
		opts.PartSize = DefaultPartSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Client{
		client:   client,
		presign:  s3.NewPresignClient(client),
		region:   opts.Region,
		partSize: opts.PartSize,
		parts:    buffers.ForSize(int(opts.PartSize)),
		logger:   logger.Named("s3"),
	}, nil
}

// CreateContainer creates the bucket.
func (c *Client) CreateContainer(ctx context.Context, name string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if c.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.region),
		}
	}
	c.logger.Info().Str("resource", name).Str("region", c.region).Msg("Creating bucket")
	_, err := c.client.CreateBucket(ctx, input)
	return mapError(err, "create bucket "+name)
}

// ContainerExists reports whether the bucket exists and is reachable.
func (c *Client) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		return true, nil
	}
	mapped := mapError(err, "head bucket "+name)
	if remote.IsNotFound(mapped) {
		return false, nil
	}
	return false, mapped
}

// DeleteContainer empties the bucket, then deletes it.
func (c *Client) DeleteContainer(ctx context.Context, name string) error {
	blobs, err := c.ListBlobs(ctx, name, "")
	if err != nil {
		return err
	}
	for start := 0; start < len(blobs); start += 1000 {
		end := start + 1000
		if end > len(blobs) {
			end = len(blobs)
		}
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, b := range blobs[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(b.Name)})
		}
		_, err := c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(name),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return mapError(err, "empty bucket "+name)
		}
	}

	_, err = c.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	return mapError(err, "delete bucket "+name)
}

// ContainerURL returns a presigned bucket URL valid for validity.
func (c *Client) ContainerURL(ctx context.Context, name string, validity time.Duration) (string, error) {
	req, err := c.presign.PresignHeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)},
		s3.WithPresignExpires(validity))
	if err != nil {
		return "", fmt.Errorf("failed to presign bucket URL for %s: %w", name, err)
	}
	return req.URL, nil
}

// UploadBlob writes r to the object, using a multipart upload when size exceeds one part.
func (c *Client) UploadBlob(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	if size >= 0 && size <= c.partSize {
		data, err := io.ReadAll(io.LimitReader(r, c.partSize+1))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		if int64(len(data)) <= c.partSize {
			_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(bucket),
				Key:           aws.String(key),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
			})
			return mapError(err, "put "+bucket+"/"+key)
		}
		r = io.MultiReader(bytes.NewReader(data), r)
	}
	return c.uploadMultipart(ctx, bucket, key, r)
}

func (c *Client) uploadMultipart(ctx context.Context, bucket, key string, r io.Reader) error {
	created, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapError(err, "create multipart upload "+bucket+"/"+key)
	}
	uploadID := created.UploadId

	abort := func(cause error) error {
		// Best effort; the bucket lifecycle reaps abandoned uploads otherwise
		_, _ = c.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		return cause
	}

	var parts []types.CompletedPart
	buf := c.parts.Get()
	defer c.parts.Put(buf)
	buffer := *buf
	for partNum := int32(1); ; partNum++ {
		n, readErr := io.ReadFull(r, buffer)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return abort(fmt.Errorf("failed to read part %d of %s: %w", partNum, key, readErr))
		}
		if n == 0 && partNum > 1 {
			break
		}

		resp, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNum),
			Body:          bytes.NewReader(buffer[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return abort(mapError(err, fmt.Sprintf("upload part %d of %s/%s", partNum, bucket, key)))
		}
		parts = append(parts, types.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int32(partNum)})

		if readErr != nil {
			break
		}
	}

	_, err = c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return abort(mapError(err, "complete multipart upload "+bucket+"/"+key))
	}
	c.logger.Debug().Str("blob", key).Int("parts", len(parts)).Msg("Uploaded object")
	return nil
}

// DownloadBlob copies the object to w.
func (c *Client) DownloadBlob(ctx context.Context, bucket, key string, w io.Writer) error {
	resp, err := c.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return mapError(err, "get "+bucket+"/"+key)
	}
	defer resp.Body.Close()

	buf := buffers.Copy.Get()
	defer buffers.Copy.Put(buf)
	if _, err := io.CopyBuffer(w, resp.Body, *buf); err != nil {
		return mapError(err, "read "+bucket+"/"+key)
	}
	return nil
}

// ListBlobs returns every object whose key starts with prefix.
func (c *Client) ListBlobs(ctx context.Context, bucket, prefix string) ([]models.BlobInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	paginator := s3.NewListObjectsV2Paginator(c.client, input)

	var blobs []models.BlobInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, fmt.Sprintf("list %s/%s", bucket, prefix))
		}
		for _, obj := range page.Contents {
			blobs = append(blobs, objectInfo(obj))
		}
	}
	return blobs, nil
}

func objectInfo(obj types.Object) models.BlobInfo {
	info := models.BlobInfo{
		Name: aws.ToString(obj.Key),
		Size: aws.ToInt64(obj.Size),
		ETag: aws.ToString(obj.ETag),
	}
	if obj.LastModified != nil {
		info.LastModified = *obj.LastModified
	}
	// Single-part ETags are the content MD5; multipart ones carry a -N suffix.
	etag := strings.Trim(info.ETag, `"`)
	if len(etag) == 32 && !strings.Contains(etag, "-") {
		info.Fingerprint = strings.ToLower(etag)
	}
	return info
}

// DeleteBlob removes one object.
func (c *Client) DeleteBlob(ctx context.Context, bucket, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return mapError(err, "delete "+bucket+"/"+key)
}

// mapError converts SDK errors into remote error categories.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if status == 0 && code == "" {
		return fmt.Errorf("%w: %s: %v", remote.ErrTransient, op, err)
	}

	var category error
	switch code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		category = remote.ErrNotFound
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		category = remote.ErrConflict
	case "OperationAborted":
		// A bucket of the same name is still being deleted
		category = remote.ErrBeingDeleted
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied":
		category = remote.ErrAuthentication
	default:
		category = remote.CategoryForStatus(status)
	}
	return &remote.ServiceError{Category: category, StatusCode: status, Code: code, Message: op}
}

var _ remote.StorageService = (*Client)(nil)
