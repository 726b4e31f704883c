package constants

import (
	"time"
)

// Remote resource naming
const (
	// PoolSuffix is appended to the mission name to form the pool ID
	PoolSuffix = "-pool"

	// JobSuffix is appended to the mission name to form the job ID
	JobSuffix = "-job"

	// ContainerSuffix is appended to the mission name to form the blob container name
	ContainerSuffix = "-container"

	// BackupFileSuffix is appended to the mission name to form the local backup file name
	BackupFileSuffix = "_backup.dat"

	// MissionLogFileName is the per-mission log file written into the working directory
	MissionLogFileName = "mission.log"
)

// Retry configuration
const (
	// MaxRetries - maximum number of attempts for transient errors
	MaxRetries = 10

	// RetryInitialDelay - initial delay before first retry (200ms)
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay - maximum delay between retries (15s)
	// Exponential backoff with jitter caps at this value
	RetryMaxDelay = 15 * time.Second

	// ContainerDeletingRetryInterval - wait between attempts to recreate a container
	// that the storage service is still deleting
	ContainerDeletingRetryInterval = 5 * time.Second

	// ContainerDeletingMaxWait - how long to keep waiting for a container deletion to finish
	ContainerDeletingMaxWait = 10 * time.Minute
)

// Remote call timeouts
const (
	// DefaultCallTimeout - per-call timeout applied to every remote request
	DefaultCallTimeout = 60 * time.Second

	// TransferCallTimeout - per-call timeout for blob uploads and downloads
	TransferCallTimeout = 30 * time.Minute

	// ContainerURLValidity - lifetime of the signed container URL handed to tasks
	ContainerURLValidity = 7 * 24 * time.Hour
)

// Monitoring
const (
	// DefaultMonitorInterval - default interval between status polls (30s)
	DefaultMonitorInterval = 30 * time.Second

	// MinMonitorInterval - lower bound for caller-supplied poll intervals
	MinMonitorInterval = 1 * time.Second

	// DefaultMonitorFailureThreshold - consecutive failed polls tolerated before Watch gives up
	DefaultMonitorFailureThreshold = 5
)

// Transfer concurrency
const (
	// DefaultConcurrency - default number of cases or artifacts transferred in parallel
	DefaultConcurrency = 4

	// MaxConcurrency - upper bound for caller-supplied concurrency
	MaxConcurrency = 32
)

// Pool defaults
const (
	// DefaultNodeCount - nodes requested when a pool is first created
	DefaultNodeCount = 1

	// DefaultNodeType - VM size used when none is configured
	DefaultNodeType = "STANDARD_H8"

	// DefaultPoolImage - container image preloaded on every node
	DefaultPoolImage = "barbagroup/landspill:bionic"

	// MaxTasksPerNode - tasks scheduled concurrently on one node
	MaxTasksPerNode = 1

	// AutoScaleEvaluationInterval - how often the service re-evaluates the auto-scale formula
	AutoScaleEvaluationInterval = 5 * time.Minute
)

// Credential encryption
const (
	// PBKDF2Iterations - key derivation work factor for passcode-derived keys
	PBKDF2Iterations = 600000

	// MinPBKDF2Iterations - smallest work factor accepted when decrypting
	MinPBKDF2Iterations = 10000

	// MaxPBKDF2Iterations - largest work factor accepted when decrypting
	MaxPBKDF2Iterations = 10 * PBKDF2Iterations
)

// Event bus configuration
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// Batch service API
const (
	// BatchAPIVersion - REST API version sent with every Batch request
	BatchAPIVersion = "2023-11-01.18.0"

	// BatchRequestsPerSecond - sustained request rate allowed against the Batch account
	BatchRequestsPerSecond = 20

	// BatchBurst - token bucket burst for Batch requests
	BatchBurst = 40
)

// HTTP transport tuning
const (
	// HTTPDialTimeout - TCP connect timeout
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - TCP keep-alive period
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPIdleConnTimeout - how long idle connections stay pooled
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - extended for slow networks and high concurrency
	HTTPTLSHandshakeTimeout = 30 * time.Second

	// HTTPExpectContinueTimeout - wait for 100-continue before sending a body
	HTTPExpectContinueTimeout = 5 * time.Second

	// DefaultProxyPort - used when a proxy host is configured without a port
	DefaultProxyPort = 8080
)
