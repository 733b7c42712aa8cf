package vtutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/logger"

	vt "github.com/VirusTotal/vt-go"
)

// Supported hash types for lookups
const (
	HashTypeMD5    = "md5"
	HashTypeSHA1   = "sha1"
	HashTypeSHA256 = "sha256"
)

// ThreatLevel represents a standardized threat severity
type ThreatLevel int

// Threat level constants
const (
	ThreatLevelUnknown  ThreatLevel = -1
	ThreatLevelClean    ThreatLevel = 0
	ThreatLevelLow      ThreatLevel = 1
	ThreatLevelMedium   ThreatLevel = 2
	ThreatLevelHigh     ThreatLevel = 3
	ThreatLevelCritical ThreatLevel = 4
)

// String returns the lowercase level name
func (l ThreatLevel) String() string {
	switch l {
	case ThreatLevelClean:
		return "clean"
	case ThreatLevelLow:
		return "low"
	case ThreatLevelMedium:
		return "medium"
	case ThreatLevelHigh:
		return "high"
	case ThreatLevelCritical:
		return "critical"
	}
	return "unknown"
}

// FileReputation is the last analysis VirusTotal holds for a file
type FileReputation struct {
	Hash       string    `json:"hash" plist:"hash"`
	Name       string    `json:"name,omitempty" plist:"name,omitempty"`
	Type       string    `json:"type,omitempty" plist:"type,omitempty"`
	Malicious  int       `json:"malicious" plist:"malicious"`
	Suspicious int       `json:"suspicious" plist:"suspicious"`
	Harmless   int       `json:"harmless" plist:"harmless"`
	Undetected int       `json:"undetected" plist:"undetected"`
	TotalCount int       `json:"total" plist:"total"`
	ScanDate   time.Time `json:"scan_date,omitempty" plist:"scan_date,omitempty"`
	Permalink  string    `json:"permalink" plist:"permalink"`
	Known      bool      `json:"known" plist:"known"`
}

// ThreatLevel rates the share of engines flagging the file as malicious
func (r *FileReputation) ThreatLevel() ThreatLevel {
	if !r.Known || r.TotalCount == 0 {
		return ThreatLevelUnknown
	}

	ratio := float64(r.Malicious) / float64(r.TotalCount)

	switch {
	case ratio == 0:
		return ThreatLevelClean
	case ratio < 0.05:
		return ThreatLevelLow
	case ratio < 0.15:
		return ThreatLevelMedium
	case ratio < 0.30:
		return ThreatLevelHigh
	default:
		return ThreatLevelCritical
	}
}

// LookupFileByHash returns the reputation of the file with the given MD5,
// SHA-1 or SHA-256 hash. A hash VirusTotal has never seen yields a report
// with Known false and no error.
func (c *Client) LookupFileByHash(ctx context.Context, hash string) (*FileReputation, error) {
	hash = normalizeHash(hash)
	if detectHashType(hash) == "" {
		return nil, fmt.Errorf("%w: not an md5, sha1 or sha256 hash: %q", commonerrors.ErrInvalidArgument, hash)
	}

	if cached, ok := c.getCachedResult(hash); ok {
		logger.LogDebug("Using cached VirusTotal result", map[string]interface{}{
			"hash": hash,
		})
		return cached, nil
	}

	var obj *vt.Object
	err := c.executeWithRetry(ctx, "LookupFileByHash", func() error {
		var fetchErr error
		obj, fetchErr = c.fetch(hash)
		if fetchErr != nil {
			return translateError(fetchErr)
		}
		return nil
	})

	result := &FileReputation{
		Hash:      hash,
		Permalink: fmt.Sprintf("https://www.virustotal.com/gui/file/%s", hash),
	}
	switch {
	case err == nil:
		parseFileObject(obj, result)
	case errors.Is(err, commonerrors.ErrResourceNotFound):
		// unknown to VirusTotal
	default:
		return nil, err
	}

	c.cacheResult(hash, result)
	return result, nil
}

// parseFileObject copies the fields used in reports out of a file object
func parseFileObject(obj *vt.Object, result *FileReputation) {
	result.Known = true

	if name, err := obj.GetString("meaningful_name"); err == nil {
		result.Name = name
	}
	if fileType, err := obj.GetString("type_description"); err == nil {
		result.Type = fileType
	}
	if scanDate, err := obj.GetTime("last_analysis_date"); err == nil {
		result.ScanDate = scanDate
	}

	raw, err := obj.Get("last_analysis_stats")
	if err != nil {
		return
	}
	stats, ok := raw.(map[string]interface{})
	if !ok {
		return
	}
	total := 0
	for key, value := range stats {
		n := toInt(value)
		total += n
		switch key {
		case "malicious":
			result.Malicious = n
		case "suspicious":
			result.Suspicious = n
		case "harmless":
			result.Harmless = n
		case "undetected":
			result.Undetected = n
		}
	}
	result.TotalCount = total
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

// detectHashType tries to determine the hash type from its format
func detectHashType(hash string) string {
	hash = strings.TrimSpace(hash)
	if !isHexString(hash) {
		return ""
	}

	switch len(hash) {
	case 32:
		return HashTypeMD5
	case 40:
		return HashTypeSHA1
	case 64:
		return HashTypeSHA256
	}
	return ""
}

// isHexString checks if a string is a valid hexadecimal string
func isHexString(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return s != ""
}
