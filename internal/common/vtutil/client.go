// Package vtutil looks up file reputations on the VirusTotal API. The client
// throttles requests to the account's rate limit, retries failed calls and
// caches results by hash.
package vtutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/logger"

	vt "github.com/VirusTotal/vt-go"
)

// Default settings
const (
	DefaultRateLimitPerMinute = 4    // Default API request limit per minute (free tier)
	DefaultRetryCount         = 3    // Default number of retries for failed requests
	DefaultRetryDelay         = 5    // Default delay between retries in seconds
	DefaultResultCacheTTL     = 3600 // Default cache TTL in seconds (1 hour)
)

// ClientConfig holds configuration for the VirusTotal client
type ClientConfig struct {
	APIKey           string        // VirusTotal API key
	RateLimitPerMin  int           // Rate limit for API requests per minute
	RetryCount       int           // Number of retries for failed requests
	RetryDelay       time.Duration // Delay between retries
	ResultCacheTTL   int           // Time-to-live for cached results in seconds
	CustomHost       string        // Optional custom VirusTotal API host
	DisableRateLimit bool          // Option to disable rate limiting (use with caution)
}

// DefaultClientConfig returns a default configuration for the client
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RateLimitPerMin: DefaultRateLimitPerMinute,
		RetryCount:      DefaultRetryCount,
		RetryDelay:      time.Duration(DefaultRetryDelay) * time.Second,
		ResultCacheTTL:  DefaultResultCacheTTL,
	}
}

// WithRateLimit sets the rate limit for API requests
func WithRateLimit(requestsPerMinute int) func(*ClientConfig) {
	return func(c *ClientConfig) {
		if requestsPerMinute > 0 {
			c.RateLimitPerMin = requestsPerMinute
		}
	}
}

// WithRetrySettings configures retry behavior
func WithRetrySettings(count int, delay time.Duration) func(*ClientConfig) {
	return func(c *ClientConfig) {
		if count >= 0 {
			c.RetryCount = count
		}
		if delay > 0 {
			c.RetryDelay = delay
		}
	}
}

// WithCacheTTL sets the cache time-to-live
func WithCacheTTL(ttlSeconds int) func(*ClientConfig) {
	return func(c *ClientConfig) {
		if ttlSeconds >= 0 {
			c.ResultCacheTTL = ttlSeconds
		}
	}
}

// WithCustomHost sets a custom API host
func WithCustomHost(host string) func(*ClientConfig) {
	return func(c *ClientConfig) {
		c.CustomHost = host
	}
}

// WithDisableRateLimit disables rate limiting
func WithDisableRateLimit(disable bool) func(*ClientConfig) {
	return func(c *ClientConfig) {
		c.DisableRateLimit = disable
	}
}

// cacheEntry is one cached lookup
type cacheEntry struct {
	report    *FileReputation
	timestamp time.Time
}

// Client is a thread-safe wrapper for the VirusTotal client
type Client struct {
	config ClientConfig

	// fetch retrieves the file object for a hash
	fetch func(hash string) (*vt.Object, error)

	mutex        sync.Mutex // guards the rate limit window
	windowStart  time.Time
	requestCount int

	cacheMutex sync.RWMutex
	cache      map[string]cacheEntry

	now func() time.Time
}

// NewClient creates a client for apiKey
func NewClient(apiKey string, options ...func(*ClientConfig)) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: VirusTotal API key is required", commonerrors.ErrAPIKeyMissing)
	}

	config := DefaultClientConfig()
	config.APIKey = apiKey
	for _, option := range options {
		option(&config)
	}

	if config.CustomHost != "" {
		vt.SetHost(config.CustomHost)
	}
	vtClient := vt.NewClient(apiKey)

	c := newClient(config, func(hash string) (*vt.Object, error) {
		return vtClient.GetObject(vt.URL("files/%s", hash))
	})

	logger.LogInfo("VirusTotal client initialized", map[string]interface{}{
		"rateLimit": config.RateLimitPerMin,
		"retries":   config.RetryCount,
	})
	return c, nil
}

func newClient(config ClientConfig, fetch func(string) (*vt.Object, error)) *Client {
	return &Client{
		config: config,
		fetch:  fetch,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// reserve takes one request slot and returns how long to wait before it
// may be used
func (c *Client) reserve() time.Duration {
	if c.config.DisableRateLimit || c.config.RateLimitPerMin <= 0 {
		return 0
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	elapsed := now.Sub(c.windowStart)
	if elapsed >= time.Minute {
		c.windowStart = now
		c.requestCount = 1
		return 0
	}
	if c.requestCount < c.config.RateLimitPerMin {
		c.requestCount++
		return 0
	}

	// The slot belongs to the next window
	wait := time.Minute - elapsed
	c.windowStart = c.windowStart.Add(time.Minute)
	c.requestCount = 1
	logger.LogInfo("Rate limit reached, throttling requests", map[string]interface{}{
		"waitTime": wait.String(),
	})
	return wait
}

// executeWithRetry executes fn with rate limiting and retry logic.
// Errors for which retryable returns false end the loop at once.
func (c *Client) executeWithRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		if wait := c.reserve(); wait > 0 {
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}

		logger.LogWarn(fmt.Sprintf("VirusTotal API request failed (attempt %d/%d): %s",
			attempt+1, c.config.RetryCount+1, operation), map[string]interface{}{
			"error": err.Error(),
		})

		if attempt < c.config.RetryCount {
			if err := sleep(ctx, c.config.RetryDelay); err != nil {
				return err
			}
		}
	}

	logger.LogError(fmt.Sprintf("VirusTotal API request failed after %d attempts: %s",
		c.config.RetryCount+1, operation), lastErr, nil)
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// translateError maps API error codes onto the package sentinels
func translateError(err error) error {
	var apiErr vt.Error
	if !asAPIError(err, &apiErr) {
		return fmt.Errorf("%w: %v", commonerrors.ErrAPICommunicationError, err)
	}
	switch apiErr.Code {
	case "NotFoundError":
		return fmt.Errorf("%w: %s", commonerrors.ErrResourceNotFound, apiErr.Message)
	case "WrongCredentialsError", "AuthenticationRequiredError", "ForbiddenError":
		return fmt.Errorf("%w: %s", commonerrors.ErrAPIAuthenticationFailed, apiErr.Message)
	case "QuotaExceededError":
		return fmt.Errorf("%w: %s", commonerrors.ErrAPIQuotaExceeded, apiErr.Message)
	case "TooManyRequestsError":
		return fmt.Errorf("%w: %s", commonerrors.ErrAPIRateLimitExceeded, apiErr.Message)
	}
	return fmt.Errorf("%w: %s: %s", commonerrors.ErrAPICommunicationError, apiErr.Code, apiErr.Message)
}

func asAPIError(err error, target *vt.Error) bool {
	switch e := err.(type) {
	case vt.Error:
		*target = e
		return true
	case *vt.Error:
		if e != nil {
			*target = *e
			return true
		}
	}
	return false
}

// retryable reports whether a translated error may succeed on another attempt
func retryable(err error) bool {
	switch {
	case errors.Is(err, commonerrors.ErrResourceNotFound),
		errors.Is(err, commonerrors.ErrAPIAuthenticationFailed),
		errors.Is(err, commonerrors.ErrAPIQuotaExceeded):
		return false
	}
	return true
}

// getCachedResult retrieves a cached result if available and not expired
func (c *Client) getCachedResult(hash string) (*FileReputation, bool) {
	c.cacheMutex.RLock()
	defer c.cacheMutex.RUnlock()

	entry, ok := c.cache[hash]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.timestamp) > time.Duration(c.config.ResultCacheTTL)*time.Second {
		return nil, false
	}
	return entry.report, true
}

// cacheResult stores a result in the cache
func (c *Client) cacheResult(hash string, report *FileReputation) {
	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()

	c.cache[hash] = cacheEntry{report: report, timestamp: c.now()}
}

func normalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
