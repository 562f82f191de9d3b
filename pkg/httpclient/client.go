// Package httpclient builds the retrying HTTP client used for outbound calls
// to the object gateway and the notification webhook.
package httpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// New creates a retryable HTTP client with the given retry budget and overall timeout.
func New(retryMax int, retryWaitMin, retryWaitMax, timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.HTTPClient.Timeout = timeout
	client.Logger = nil // Disable retryablehttp logging
	client.CheckRetry = RetryPolicy
	return client
}

// RetryPolicy retries connection errors, 429 and 5xx responses.
// Other statuses are final so callers see the real response.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	// Do not retry if context is cancelled
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return true, nil
	}
	return false, nil
}
