// Package urlutil fetches remote images so they can be scanned like local
// files.
package urlutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deploymenttheory/go-rawscan/internal/common/cryptoutil"
	"github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/common/fsutil"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
)

// DownloadOptions represents options for downloading files
type DownloadOptions struct {
	// Output file path (if empty, the filename from the URL inside OutputDir)
	OutputPath string
	OutputDir  string

	// HTTP timeout (default: 30 minutes, images are large)
	Timeout time.Duration

	// Expected file checksum for verification
	ExpectedChecksum string

	// Checksum algorithm (md5, sha1, sha256, sha512, blake2b)
	ChecksumAlgorithm string

	// HTTP headers to send with the request
	Headers map[string]string

	// Auto-retry settings
	MaxRetries int
	RetryDelay time.Duration

	// Progress callback (receives bytes downloaded and total size)
	ProgressCallback func(bytesDownloaded, totalBytes int64)
}

// Default values for download options
const (
	DefaultTimeout    = 30 * time.Minute
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
)

// DefaultDownloadOptions returns a DownloadOptions with sensible defaults
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Timeout:           DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		ChecksumAlgorithm: "sha256",
	}
}

// IsRemote reports whether source names an http or https resource
func IsRemote(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// DownloadFile downloads a file from a URL and returns the local path
func DownloadFile(ctx context.Context, sourceURL string, options DownloadOptions) (string, error) {
	if err := ValidateURL(sourceURL); err != nil {
		return "", err
	}

	outputPath := options.OutputPath
	if outputPath == "" {
		filename, err := GetFilenameFromURL(sourceURL)
		if err != nil {
			parsed, _ := url.Parse(sourceURL)
			filename = fmt.Sprintf("%s-%d", parsed.Hostname(), time.Now().Unix())
		}
		outputPath = filepath.Join(options.OutputDir, filename)
	}

	if err := fsutil.CreateDirIfNotExists(filepath.Dir(outputPath)); err != nil {
		return "", fmt.Errorf("%w: failed to create output directory: %s", errors.ErrFileWriteError, err.Error())
	}

	client := createHTTPClient(options)

	var resp *http.Response
	var downloadErr error

	for attempt := 0; attempt <= options.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.LogInfo(fmt.Sprintf("Retrying download (attempt %d/%d)...", attempt, options.MaxRetries), map[string]interface{}{
				"url": sourceURL,
			})
			select {
			case <-time.After(options.RetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
		if err != nil {
			return "", fmt.Errorf("%w: failed to create request: %s", errors.ErrInvalidArgument, err.Error())
		}
		for key, value := range options.Headers {
			req.Header.Add(key, value)
		}
		if _, ok := options.Headers["User-Agent"]; !ok {
			req.Header.Add("User-Agent", "go-rawscan/1.0")
		}

		resp, downloadErr = client.Do(req)
		if downloadErr == nil && resp.StatusCode < 500 {
			break // Success or client error (don't retry 4xx errors)
		}
		if resp != nil {
			resp.Body.Close()
			resp = nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	if downloadErr != nil {
		return "", fmt.Errorf("%w: %s", errors.ErrPathNotAccessible, downloadErr.Error())
	}
	if resp == nil {
		return "", fmt.Errorf("%w: %s: server error", errors.ErrPathNotAccessible, sourceURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", errors.ErrFileNotFound, sourceURL)
		}
		return "", fmt.Errorf("%w: HTTP status %d", errors.ErrPathNotAccessible, resp.StatusCode)
	}

	outputFile, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}
	defer outputFile.Close()

	var writer io.Writer = outputFile
	var checksummer *cryptoutil.HashWriter
	if options.ExpectedChecksum != "" {
		algorithm := options.ChecksumAlgorithm
		if algorithm == "" {
			algorithm = "sha256"
		}
		checksummer, err = cryptoutil.NewHashWriter(cryptoutil.HashAlgorithm(strings.ToLower(algorithm)))
		if err != nil {
			return "", err
		}
		writer = io.MultiWriter(outputFile, checksummer)
	}

	if options.ProgressCallback != nil && resp.ContentLength > 0 {
		writer = &progressWriter{
			Writer:   writer,
			FileSize: resp.ContentLength,
			Callback: options.ProgressCallback,
		}
	}

	if _, err := io.Copy(writer, resp.Body); err != nil {
		// Remove partial download on error
		outputFile.Close()
		os.Remove(outputPath)
		return "", fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}

	if checksummer != nil {
		actual := checksummer.SumHex()
		if !strings.EqualFold(actual, options.ExpectedChecksum) {
			outputFile.Close()
			os.Remove(outputPath)
			return "", fmt.Errorf("%w: checksum mismatch: expected %s, got %s",
				errors.ErrFileReadError, options.ExpectedChecksum, actual)
		}
	}

	logger.LogInfo("Downloaded image", map[string]interface{}{
		"url":  sourceURL,
		"path": outputPath,
	})
	return outputPath, nil
}

// createHTTPClient creates an HTTP client with the specified options
func createHTTPClient(options DownloadOptions) *http.Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// progressWriter wraps an io.Writer to provide progress updates
type progressWriter struct {
	Writer         io.Writer
	FileSize       int64
	BytesProcessed int64
	Callback       func(int64, int64)
}

// Write implements io.Writer and updates progress
func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if err != nil {
		return n, err
	}

	pw.BytesProcessed += int64(n)
	if pw.Callback != nil {
		pw.Callback(pw.BytesProcessed, pw.FileSize)
	}

	return n, nil
}

// ValidateURL checks that a URL is an absolute http or https URL
func ValidateURL(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %s", errors.ErrInvalidArgument, err.Error())
	}

	if parsedURL.Scheme == "" {
		return fmt.Errorf("%w: missing scheme (http:// or https://)", errors.ErrInvalidArgument)
	}

	// Only allow HTTP and HTTPS
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme '%s'", errors.ErrInvalidArgument, parsedURL.Scheme)
	}

	if parsedURL.Host == "" {
		return fmt.Errorf("%w: missing host", errors.ErrInvalidArgument)
	}

	return nil
}

// GetFilenameFromURL extracts the filename from a URL
func GetFilenameFromURL(rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %s", errors.ErrInvalidArgument, err.Error())
	}

	filename := filepath.Base(parsedURL.Path)

	// If the URL ends with a slash, the filename will be empty or "."
	if filename == "" || filename == "." || filename == "/" {
		return "", fmt.Errorf("%w: could not determine filename from URL", errors.ErrInvalidArgument)
	}

	return filename, nil
}
