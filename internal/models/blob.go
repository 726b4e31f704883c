package models

import "time"

// BlobInfo describes one object in a storage container.
// Fingerprint is the lowercase hex MD5 of the content when the service reports one.
type BlobInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"lastModified"`
}
