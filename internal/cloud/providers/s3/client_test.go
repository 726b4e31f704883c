package s3

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/rescale/mission-int/internal/remote"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")
	c, err := New(context.Background(), Options{
		Region:    "eu-west-1",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Endpoint:  "http://localhost:9000",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(context.Background(), Options{AccessKey: "a", SecretKey: "b"}); err == nil {
		t.Error("New() without region should fail")
	}
	if _, err := New(context.Background(), Options{Region: "eu-west-1"}); err == nil {
		t.Error("New() without keys should fail")
	}
}

func TestContainerURLIsPresigned(t *testing.T) {
	c := newTestClient(t)

	raw, err := c.ContainerURL(context.Background(), "flood-container", time.Hour)
	if err != nil {
		t.Fatalf("ContainerURL() error = %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "localhost:9000" || u.Path != "/flood-container" {
		t.Errorf("URL = %s, want path-style bucket URL", raw)
	}
	q := u.Query()
	if q.Get("X-Amz-Signature") == "" {
		t.Error("URL is not signed")
	}
	if q.Get("X-Amz-Expires") != "3600" {
		t.Errorf("X-Amz-Expires = %q, want 3600", q.Get("X-Amz-Expires"))
	}
}

func withStatus(err error, status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      err,
		},
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", withStatus(&smithy.GenericAPIError{Code: "NoSuchKey"}, 404), remote.ErrNotFound},
		{"head not found", withStatus(&smithy.GenericAPIError{Code: "NotFound"}, 404), remote.ErrNotFound},
		{"owned", withStatus(&smithy.GenericAPIError{Code: "BucketAlreadyOwnedByYou"}, 409), remote.ErrConflict},
		{"deleting", withStatus(&smithy.GenericAPIError{Code: "OperationAborted"}, 409), remote.ErrBeingDeleted},
		{"denied", withStatus(&smithy.GenericAPIError{Code: "AccessDenied"}, 403), remote.ErrAuthentication},
		{"slow down", withStatus(&smithy.GenericAPIError{Code: "SlowDown"}, 503), remote.ErrTransient},
		{"network", errors.New("dial tcp: connection refused"), remote.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.err, "op"); !errors.Is(got, tt.want) {
				t.Errorf("mapError() = %v, want %v", got, tt.want)
			}
		})
	}
	if mapError(nil, "op") != nil {
		t.Error("mapError(nil) should be nil")
	}
	if got := mapError(context.Canceled, "op"); !errors.Is(got, context.Canceled) {
		t.Errorf("mapError(canceled) = %v", got)
	}
}

func TestObjectInfo(t *testing.T) {
	modified := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	single := objectInfo(types.Object{
		Key:          aws.String("c1/_output/fort.q0001"),
		Size:         aws.Int64(10),
		ETag:         aws.String(`"9E107D9D372BB6826BD81D3542A419D6"`),
		LastModified: &modified,
	})
	if single.Name != "c1/_output/fort.q0001" || single.Size != 10 || !single.LastModified.Equal(modified) {
		t.Errorf("objectInfo() = %+v", single)
	}
	if single.Fingerprint != "9e107d9d372bb6826bd81d3542a419d6" {
		t.Errorf("Fingerprint = %q", single.Fingerprint)
	}

	multi := objectInfo(types.Object{Key: aws.String("big"), ETag: aws.String(`"d41d8cd98f00b204e9800998ecf8427e-3"`)})
	if multi.Fingerprint != "" {
		t.Errorf("multipart Fingerprint = %q, want empty", multi.Fingerprint)
	}
}
