package errors

import (
	"errors"
)

var (
	// General Errors
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrUnsupportedFile   = errors.New("unsupported file format")
	ErrPathNotAccessible = errors.New("path is not accessible")

	// Compression Errors
	ErrUnsupportedCompression = errors.New("unsupported compression format")
	ErrDecompressionFailed    = errors.New("decompression failed")

	// File & Directory Errors
	ErrFileNotFound   = errors.New("file not found")
	ErrFileReadError  = errors.New("error reading file")
	ErrFileWriteError = errors.New("error writing to file")

	// Hash Errors
	ErrInvalidHasher = errors.New("invalid hasher")

	// Plan Errors
	ErrInvalidPlan     = errors.New("invalid scan plan")
	ErrUnknownStepType = errors.New("unknown plan step type")

	// VirusTotal API Errors
	ErrAPIKeyMissing           = errors.New("API key is required")
	ErrAPIRateLimitExceeded    = errors.New("API rate limit exceeded")
	ErrAPICommunicationError   = errors.New("error communicating with VirusTotal API")
	ErrAPIAuthenticationFailed = errors.New("VirusTotal API authentication failed")
	ErrAPIQuotaExceeded        = errors.New("VirusTotal API quota exceeded")
	ErrResourceNotFound        = errors.New("requested resource not found")
)
