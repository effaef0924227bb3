package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ppiankov/thesiswatch/internal/cache"
	"github.com/ppiankov/thesiswatch/internal/metrics"
	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/util"
	"github.com/ppiankov/thesiswatch/internal/worker"
)

// maxBodyBytes caps a single response (companyfacts for large filers runs ~30MB)
const maxBodyBytes = 64 << 20

// HTTPStatusError is a non-2xx response
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// retryable reports whether a status is worth another attempt
func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// fetcher is the shared GET path: cache, coalescing, rate limit, retry
type fetcher struct {
	source  string
	client  *resty.Client
	limiter *worker.Limiter
	cache   cache.Cache
	ttl     time.Duration
	policy  RetryPolicy
	group   singleflight.Group
	log     zerolog.Logger
}

type fetchOptions struct {
	source    string
	userAgent string
	timeout   time.Duration
	limiter   *worker.Limiter
	cache     cache.Cache
	ttl       time.Duration
	fetch     model.FetchConfig
	log       zerolog.Logger
}

func newFetcher(o fetchOptions) *fetcher {
	client := resty.New()
	client.SetTimeout(o.timeout)
	client.SetHeader("User-Agent", o.userAgent)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(3))
	client.SetTransport(util.NewTransport(util.NewProxyFunc(o.fetch.HTTPProxy, o.fetch.HTTPSProxy, o.fetch.NoProxy)))
	c := o.cache
	if c == nil {
		c = cache.Nop{}
	}
	return &fetcher{
		source:  o.source,
		client:  client,
		limiter: o.limiter,
		cache:   c,
		ttl:     o.ttl,
		policy:  PolicyFrom(o.fetch),
		log:     o.log,
	}
}

// get returns the body at url. Concurrent calls for the same url share one
// request; successful bodies are cached for ttl.
func (f *fetcher) get(ctx context.Context, url string) ([]byte, error) {
	key := cache.CacheKey(url)
	if body, ok := f.cache.Get(key); ok {
		metrics.FetchesTotal.WithLabelValues(f.source, "cache_hit").Inc()
		return body, nil
	}

	v, err, shared := f.group.Do(url, func() (interface{}, error) {
		start := time.Now()
		body, err := f.fetch(ctx, url)
		metrics.ObserveFetch(f.source, start, err)
		if err != nil {
			return nil, err
		}
		if err := f.cache.Set(key, body, f.ttl); err != nil {
			f.log.Warn().Err(err).Str("url", url).Msg("cache write failed")
		}
		return body, nil
	})
	if err != nil {
		var status *HTTPStatusError
		if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, url, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if shared {
		f.log.Debug().Str("url", url).Msg("coalesced fetch")
	}
	return v.([]byte), nil
}

func (f *fetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	attempt := 0
	err := Retry(ctx, f.policy, func() error {
		attempt++
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, url); err != nil {
				return backoff.Permanent(err)
			}
		}
		resp, err := f.client.R().SetContext(ctx).Get(url)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			f.log.Debug().Err(err).Int("attempt", attempt).Str("url", url).Msg("fetch failed")
			return err
		}
		if code := resp.StatusCode(); code < 200 || code >= 300 {
			statusErr := &HTTPStatusError{StatusCode: code, URL: url}
			if retryable(code) {
				f.log.Debug().Int("status", code).Int("attempt", attempt).Str("url", url).Msg("retrying")
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		if len(resp.Body()) > maxBodyBytes {
			return backoff.Permanent(fmt.Errorf("%s: body exceeds %d bytes", url, maxBodyBytes))
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
