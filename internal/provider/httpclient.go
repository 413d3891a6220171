package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"feedwatch/pkg/logx"
)

// leveledLogx adapts logx to retryablehttp.LeveledLogger. Client errors are
// logged at warn since the request is retried.
type leveledLogx struct{ inner logx.Logger }

func (l leveledLogx) Error(msg string, kv ...any) { l.inner.Warn(msg, kvFields(kv)...) }
func (l leveledLogx) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kvFields(kv)...) }
func (l leveledLogx) Info(msg string, kv ...any)  { l.inner.Debug(msg, kvFields(kv)...) }
func (l leveledLogx) Debug(msg string, kv ...any) { l.inner.Debug(msg, kvFields(kv)...) }

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

// newRESTClient returns a stdlib client with retryablehttp logic inside.
// It retries connection errors and 5xx (except 501) but never 429: rate
// limiting is surfaced to the caller as a ratelimit error.
func newRESTClient(retryMax int, timeout time.Duration, log logx.Logger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = cleanhttp.DefaultPooledTransport()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(leveledLogx{inner: log})
	rc.CheckRetry = retryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c := rc.StandardClient()
	c.Timeout = timeout
	return c
}

func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// newStreamClient has no overall timeout: the stream is long-lived and ends
// through context cancellation.
func newStreamClient() *http.Client {
	return cleanhttp.DefaultPooledClient()
}
