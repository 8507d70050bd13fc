package services

import (
	"context"

	"classmesh/internal/core/domain"
	"classmesh/pkg/retry"
)

// writePolicy is policy with the outcomes that retrying cannot change
// marked final.
func writePolicy(policy retry.Policy) retry.Policy {
	final := []error{
		domain.ErrDocumentNotFound,
		domain.ErrDocumentExists,
		domain.ErrSignalingClosed,
		context.Canceled,
	}
	policy.NonRetryable = append(final, policy.NonRetryable...)
	return policy
}

// writeSignaling retries a signaling write for transient store errors.
func writeSignaling(ctx context.Context, policy retry.Policy, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, writePolicy(policy), func() error {
		return fn(ctx)
	})
}
