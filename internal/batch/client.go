// Package batch is a REST client for the Azure Batch service. It implements
// the pool and job halves of remote.Client.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/logging"
	"github.com/rescale/mission-int/internal/ratelimit"
	"github.com/rescale/mission-int/internal/remote"
)

const contentTypeJSON = "application/json; odata=minimalmetadata"

// Error codes the service returns for resources that are still going away.
var beingDeletedCodes = map[string]bool{
	"PoolBeingDeleted": true,
	"JobBeingDeleted":  true,
}

// Options configures a Client.
type Options struct {
	// Endpoint is the account URL, e.g. https://myaccount.westeurope.batch.azure.com.
	Endpoint    string
	AccountName string
	AccountKey  string
	APIVersion  string

	RequestsPerSecond float64
	Burst             int

	// HTTPClient carries proxy and connection pool settings.
	HTTPClient *nethttp.Client
	// RetryMax bounds transport-level retries of 5xx, 429 and connection errors.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	Logger *logging.Logger
}

// Client talks to one Batch account.
type Client struct {
	endpoint   *url.URL
	apiVersion string
	cred       *SharedKeyCredential
	http       *retryablehttp.Client
	limits     *ratelimit.Registry
	logger     *logging.Logger
}

// retryLogger routes retryablehttp's messages into zerolog.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// Per-request chatter is too noisy for info
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// New creates a Client. Zero option fields take their defaults.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("batch endpoint is required")
	}
	endpoint, err := url.Parse(strings.TrimSuffix(opts.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid batch endpoint %q: %w", opts.Endpoint, err)
	}
	if endpoint.Scheme != "https" && endpoint.Scheme != "http" {
		return nil, fmt.Errorf("invalid batch endpoint %q: scheme must be https", opts.Endpoint)
	}
	cred, err := NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, err
	}

	if opts.APIVersion == "" {
		opts.APIVersion = constants.BatchAPIVersion
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = constants.BatchRequestsPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = constants.BatchBurst
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 1 * time.Second
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Named("batch")

	retryClient := retryablehttp.NewClient()
	if opts.HTTPClient != nil {
		retryClient.HTTPClient = opts.HTTPClient
	}
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = opts.RetryWaitMin
	retryClient.RetryWaitMax = opts.RetryWaitMax
	retryClient.Logger = &retryLogger{logger: logger}
	// Hand the last response back so its status can be categorised.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.PrepareRetry = cred.Sign

	return &Client{
		endpoint:   endpoint,
		apiVersion: opts.APIVersion,
		cred:       cred,
		http:       retryClient,
		limits:     ratelimit.NewRegistry(opts.RequestsPerSecond, opts.Burst, logger),
		logger:     logger,
	}, nil
}

// batchError is the service's error body.
type batchError struct {
	Code    string `json:"code"`
	Message struct {
		Value string `json:"value"`
	} `json:"message"`
}

// do sends one request. body is JSON-encoded when non-nil; out, when non-nil,
// receives the decoded response. Non-2xx responses become *remote.ServiceError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limits.Limiter(method, path).Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter cancelled: %w", err)
	}

	u := *c.endpoint
	u.Path = c.endpoint.Path + path
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("api-version", c.apiVersion)
	u.RawQuery = q.Encode()

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var reqBody any
	if raw != nil {
		reqBody = raw
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("client-request-id", requestID)
	req.Header.Set("return-client-request-id", "true")
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	if err := c.cred.Sign(req.Request); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Str("request_id", requestID).
			Msg("Batch request failed")
		return fmt.Errorf("%w: %s %s: %v", remote.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
		return nil
	}

	return c.serviceError(resp, method, path, requestID)
}

func (c *Client) serviceError(resp *nethttp.Response, method, path, requestID string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var be batchError
	if err := json.Unmarshal(data, &be); err != nil || be.Message.Value == "" {
		be.Message.Value = strings.TrimSpace(string(data))
	}
	if be.Message.Value == "" {
		be.Message.Value = nethttp.StatusText(resp.StatusCode)
	}

	category := remote.CategoryForStatus(resp.StatusCode)
	if beingDeletedCodes[be.Code] {
		category = remote.ErrBeingDeleted
	}
	c.logger.Debug().Int("status", resp.StatusCode).Str("code", be.Code).Str("method", method).
		Str("path", path).Str("request_id", requestID).Msg("Batch request rejected")

	return &remote.ServiceError{
		Category:   category,
		StatusCode: resp.StatusCode,
		Code:       be.Code,
		Message:    fmt.Sprintf("%s %s: %s", method, path, be.Message.Value),
	}
}

// escape encodes one path segment.
func escape(s string) string {
	return url.PathEscape(s)
}
