package azure

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/rescale/mission-int/internal/models"
	"github.com/rescale/mission-int/internal/util/buffers"
)

// UploadBlob streams r into a block blob, overwriting any existing blob.
// Blobs larger than one block are uploaded in parallel blocks. When r can seek,
// its MD5 is stored as the blob's Content-MD5 so later listings carry a fingerprint.
func (c *Client) UploadBlob(ctx context.Context, containerName, blobPath string, r io.Reader, size int64) error {
	blockSize := c.blockSize
	if size > 0 && size < blockSize {
		blockSize = size
	}
	opts := &azblob.UploadStreamOptions{
		BlockSize:   blockSize,
		Concurrency: c.concurrency,
	}
	if rs, ok := r.(io.ReadSeeker); ok {
		sum, err := contentMD5(rs)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", blobPath, err)
		}
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentMD5: sum}
	}
	_, err := c.client.UploadStream(ctx, containerName, blobPath, r, opts)
	if err != nil {
		return mapError(err, "upload "+containerName+"/"+blobPath)
	}
	c.logger.Debug().Str("blob", blobPath).Int64("size", size).Msg("Uploaded blob")
	return nil
}

// contentMD5 hashes rs from its current offset and seeks back to it.
func contentMD5(rs io.ReadSeeker) ([]byte, error) {
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	buf := buffers.Copy.Get()
	defer buffers.Copy.Put(buf)
	h := md5.New()
	if _, err := io.CopyBuffer(h, rs, *buf); err != nil {
		return nil, err
	}
	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// DownloadBlob copies the blob's content to w.
func (c *Client) DownloadBlob(ctx context.Context, containerName, blobPath string, w io.Writer) error {
	resp, err := c.client.DownloadStream(ctx, containerName, blobPath, nil)
	if err != nil {
		return mapError(err, "download "+containerName+"/"+blobPath)
	}
	body := resp.NewRetryReader(ctx, &azblob.RetryReaderOptions{MaxRetries: 3})
	defer body.Close()

	buf := buffers.Copy.Get()
	defer buffers.Copy.Put(buf)
	if _, err := io.CopyBuffer(w, body, *buf); err != nil {
		return mapError(err, "read "+containerName+"/"+blobPath)
	}
	return nil
}

// ListBlobs returns every blob whose name starts with prefix.
func (c *Client) ListBlobs(ctx context.Context, containerName, prefix string) ([]models.BlobInfo, error) {
	opts := &container.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}
	pager := c.client.NewListBlobsFlatPager(containerName, opts)

	var blobs []models.BlobInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, fmt.Sprintf("list %s/%s", containerName, prefix))
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			blobs = append(blobs, blobInfo(item))
		}
	}
	return blobs, nil
}

func blobInfo(item *container.BlobItem) models.BlobInfo {
	info := models.BlobInfo{Name: *item.Name}
	p := item.Properties
	if p == nil {
		return info
	}
	if p.ContentLength != nil {
		info.Size = *p.ContentLength
	}
	if len(p.ContentMD5) > 0 {
		info.Fingerprint = hex.EncodeToString(p.ContentMD5)
	}
	if p.ETag != nil {
		info.ETag = string(*p.ETag)
	}
	if p.LastModified != nil {
		info.LastModified = *p.LastModified
	}
	return info
}

// DeleteBlob removes one blob.
func (c *Client) DeleteBlob(ctx context.Context, containerName, blobPath string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobPath, nil)
	return mapError(err, "delete "+containerName+"/"+blobPath)
}
