package http

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rescale/mission-int/internal/constants"
	"github.com/rescale/mission-int/internal/remote"
)

// ErrorClass tells the retry loop what to do with a failed attempt.
type ErrorClass int

const (
	ClassOK ErrorClass = iota
	// ClassCredential covers rejected keys, expired tokens and bad signatures.
	ClassCredential
	// ClassNetwork covers resets, refused connections and timeouts.
	ClassNetwork
	// ClassRetryable covers throttling and 5xx answers.
	ClassRetryable
	// ClassFatal is anything a second attempt cannot fix.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassCredential:
		return "credential"
	case ClassNetwork:
		return "network"
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Config holds retry parameters for ExecuteWithRetry.
type Config struct {
	MaxRetries   int // total attempts, including the first
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// OnRetry, when set, runs before every new attempt.
	OnRetry func(attempt int, err error, class ErrorClass)
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   constants.MaxRetries,
		InitialDelay: constants.RetryInitialDelay,
		MaxDelay:     constants.RetryMaxDelay,
	}
}

// Message fragments, lower-cased, used for errors that did not come through
// the remote package's categories. S3 and Azure both surface their codes in
// the error text.
var messageClasses = []struct {
	class     ErrorClass
	fragments []string
}{
	{ClassCredential, []string{
		"expired", "invalid token", "403", "unauthorized", "authentication failed",
		"authenticationfailed", "invalid sas", "sas token", "signature not valid",
		"authorization failure",
	}},
	{ClassNetwork, []string{
		"connection reset", "connection refused", "broken pipe", "eof", "timeout",
	}},
	{ClassRetryable, []string{
		"internalerror", "serviceunavailable", "service unavailable", "slowdown",
		"throttl", "server busy", "serverbusy", "429", "500", "502", "503", "504",
	}},
}

// Classify sorts err into an ErrorClass. Categorised remote errors win over
// message matching; unknown errors are fatal so nothing retries forever.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassFatal
	case errors.Is(err, remote.ErrTransient), errors.Is(err, remote.ErrBeingDeleted):
		return ClassRetryable
	case errors.Is(err, remote.ErrAuthentication):
		return ClassCredential
	case errors.Is(err, remote.ErrNotFound), errors.Is(err, remote.ErrConflict),
		errors.Is(err, remote.ErrInvalidSpec), errors.Is(err, remote.ErrRemoteUnavailable):
		return ClassFatal
	}

	msg := strings.ToLower(err.Error())
	// "requesttimeout" and "operationtimeout" are server answers, not socket timeouts.
	if strings.Contains(msg, "requesttimeout") || strings.Contains(msg, "operationtimeout") {
		return ClassRetryable
	}
	for _, mc := range messageClasses {
		for _, frag := range mc.fragments {
			if strings.Contains(msg, frag) {
				return mc.class
			}
		}
	}
	return ClassFatal
}

// NewBackOff returns the policy between attempts: exponential from
// InitialDelay, capped at MaxDelay, 50% jitter, at most MaxRetries attempts.
func NewBackOff(ctx context.Context, cfg Config) backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         cfg.MaxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	retries := uint64(max(cfg.MaxRetries-1, 0))
	return backoff.WithContext(backoff.WithMaxRetries(exp, retries), ctx)
}

// ExecuteWithRetry runs operation until it succeeds, fails permanently or
// the attempts run out.
//
// Credential failures come back at once wrapped in remote.ErrAuthentication.
// Fatal failures and cancellation come back at once unchanged. Exhausting
// the attempts on network or retryable failures yields
// remote.ErrRemoteUnavailable wrapping the last failure.
func ExecuteWithRetry(ctx context.Context, cfg Config, operation func() error) error {
	cfg.MaxRetries = max(cfg.MaxRetries, 1)

	var (
		attempts int
		last     ErrorClass
	)
	attempt := func() error {
		attempts++
		err := operation()
		last = Classify(err)
		switch last {
		case ClassOK:
			return nil
		case ClassCredential:
			if !errors.Is(err, remote.ErrAuthentication) {
				err = fmt.Errorf("%w: %w", remote.ErrAuthentication, err)
			}
			return backoff.Permanent(err)
		case ClassFatal:
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempts, err, last)
		}
	}

	err := backoff.RetryNotify(attempt, NewBackOff(ctx, cfg), notify)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		if errors.Is(err, ctx.Err()) {
			return err
		}
		return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
	case last == ClassNetwork || last == ClassRetryable:
		return fmt.Errorf("%w: gave up after %d attempts: %w", remote.ErrRemoteUnavailable, attempts, err)
	}
	return err
}
