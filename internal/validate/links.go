// Package validate checks the provenance of a brief: every number must carry
// a traceable citation, and cited URLs can be checked for reachability.
package validate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ppiankov/thesiswatch/internal/model"
	"github.com/ppiankov/thesiswatch/internal/util"
	"github.com/ppiankov/thesiswatch/internal/worker"
)

const linkMaxAttempts = 3

// linkRetryInterval is the first backoff sleep between attempts; tests shorten it
var linkRetryInterval = time.Second

// LinkOptions configures a LinkChecker
type LinkOptions struct {
	Timeout    time.Duration
	MaxWorkers int
	UserAgent  string
	Authority  *AuthorityConfig
	Proxy      func(*http.Request) (*url.URL, error)
	Limiter    *worker.Limiter // Optional per-host pacing
}

// LinkChecker checks citation URLs concurrently
type LinkChecker struct {
	httpClient *http.Client
	maxWorkers int
	userAgent  string
	authority  *AuthorityClassifier
	limiter    *worker.Limiter
}

// NewLinkChecker creates a new link checker
func NewLinkChecker(opts LinkOptions) *LinkChecker {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	return &LinkChecker{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: util.NewTransport(opts.Proxy),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		},
		maxWorkers: opts.MaxWorkers,
		userAgent:  opts.UserAgent,
		authority:  NewAuthorityClassifier(opts.Authority),
		limiter:    opts.Limiter,
	}
}

// CheckBrief checks every distinct URL cited anywhere in the brief
func (v *LinkChecker) CheckBrief(ctx context.Context, b *model.Brief) []model.LinkCheck {
	return v.Check(ctx, CitationURLs(b))
}

// Check checks all URLs concurrently; results keep the input order
func (v *LinkChecker) Check(ctx context.Context, urls []string) []model.LinkCheck {
	results := make([]model.LinkCheck, len(urls))
	var wg sync.WaitGroup

	semaphore := make(chan struct{}, v.maxWorkers)

	for i, u := range urls {
		wg.Add(1)
		go func(idx int, rawURL string) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				results[idx] = model.LinkCheck{
					URL:       rawURL,
					Authority: v.authority.Classify(rawURL),
					Error:     "context cancelled",
				}
				return
			case semaphore <- struct{}{}:
			}
			defer func() { <-semaphore }()

			results[idx] = v.checkWithRetry(ctx, rawURL)
		}(i, u)
	}

	wg.Wait()
	return results
}

// checkWithRetry retries transient failures with exponential backoff
func (v *LinkChecker) checkWithRetry(ctx context.Context, rawURL string) model.LinkCheck {
	var result model.LinkCheck

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = linkRetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, linkMaxAttempts-1), ctx)

	_ = backoff.Retry(func() error {
		result = v.checkSingle(ctx, rawURL)
		if isRetryable(result) {
			return errors.New(result.Error)
		}
		return nil
	}, policy)
	return result
}

// checkSingle checks a single link with a HEAD request
func (v *LinkChecker) checkSingle(ctx context.Context, rawURL string) model.LinkCheck {
	result := model.LinkCheck{
		URL:       rawURL,
		Authority: v.authority.Classify(rawURL),
	}

	if v.limiter != nil {
		if err := v.limiter.Wait(ctx, rawURL); err != nil {
			result.Error = fmt.Sprintf("rate limit: %v", err)
			return result
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		result.Error = fmt.Sprintf("create request: %v", err)
		result.IsDead = true
		return result
	}
	if v.userAgent != "" {
		req.Header.Set("User-Agent", v.userAgent)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		result.IsDead = true
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	result.StatusCode = resp.StatusCode

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		result.IsAccessible = true
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		result.IsDead = true
	}

	if final := resp.Request.URL.String(); final != rawURL {
		result.RedirectURL = final
	}

	return result
}

// isRetryable returns true for results that indicate transient failures
func isRetryable(result model.LinkCheck) bool {
	if result.StatusCode >= 500 && result.StatusCode < 600 {
		return true
	}
	if result.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if result.Error != "" {
		s := strings.ToLower(result.Error)
		return strings.Contains(s, "timeout") ||
			strings.Contains(s, "connection refused") ||
			strings.Contains(s, "connection reset")
	}
	return false
}

// CitationURLs collects the distinct URLs cited in the brief, including the
// inputs of computed citations, in sorted order
func CitationURLs(b *model.Brief) []string {
	seen := make(map[string]bool)
	if b != nil {
		collectURLs(reflect.ValueOf(b), seen)
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func collectURLs(v reflect.Value, seen map[string]bool) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			collectURLs(v.Elem(), seen)
		}
	case reflect.Struct:
		if v.Type() == citationType {
			collectCitation(v.Interface().(model.Citation), seen)
			return
		}
		if v.Type() == timeType {
			return
		}
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				collectURLs(v.Field(i), seen)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			collectURLs(v.Index(i), seen)
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			collectURLs(v.MapIndex(k), seen)
		}
	}
}

func collectCitation(c model.Citation, seen map[string]bool) {
	if c.URL != "" {
		seen[c.URL] = true
	}
	for _, in := range c.Inputs {
		collectCitation(in, seen)
	}
}
