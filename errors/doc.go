// Package errors provides the error classification used across zonestream.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, worth retrying), Invalid
// (bad input or configuration, never retried) and Fatal (unrecoverable, stop the
// affected component). The zone streaming core itself never surfaces errors to
// its callers; classification matters at the edges, where world backends are
// retried, configuration is validated and transports are connected.
//
// # Wrapping
//
// Wrapping follows the format "component.method: action failed: %w":
//
//	root, err := backend.Load(ctx, name, report)
//	if err != nil {
//	    return errors.WrapTransient(err, "Loader", "fetch", "backend load")
//	}
//
// Classified errors keep working with errors.Is and errors.As from the standard
// library, so sentinel checks such as errors.Is(err, ErrZoneNotFound) still match
// through any number of wrapping layers.
//
// # Retry Integration
//
// RetryConfig.ShouldRetry decides whether an error is worth another attempt and
// RetryConfig.ToRetryConfig converts the policy for pkg/retry:
//
//	policy := errors.DefaultRetryConfig()
//	err := retry.Do(ctx, policy.ToRetryConfig(), func() error {
//	    return fetch(ctx)
//	})
package errors
