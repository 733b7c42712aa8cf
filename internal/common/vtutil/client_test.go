package vtutil

import (
	"context"
	"errors"
	"testing"
	"time"

	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"

	vt "github.com/VirusTotal/vt-go"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func fileObject(t *testing.T, malicious, harmless, undetected int) *vt.Object {
	t.Helper()
	obj := vt.NewObjectWithID("file", helloSHA256)
	if err := obj.Set("meaningful_name", "hello.txt"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	stats := map[string]interface{}{
		"malicious":  float64(malicious),
		"suspicious": float64(0),
		"harmless":   float64(harmless),
		"undetected": float64(undetected),
	}
	if err := obj.Set("last_analysis_stats", stats); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	return obj
}

func testConfig() ClientConfig {
	config := DefaultClientConfig()
	config.APIKey = "test"
	config.RetryDelay = time.Millisecond
	config.DisableRateLimit = true
	return config
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(""); !errors.Is(err, commonerrors.ErrAPIKeyMissing) {
		t.Fatalf("NewClient(\"\") error = %v, want ErrAPIKeyMissing", err)
	}
}

func TestDefaultClientConfig(t *testing.T) {
	config := DefaultClientConfig()
	WithRateLimit(0)(&config)
	WithRetrySettings(-1, 0)(&config)
	WithCacheTTL(-5)(&config)

	if config.RateLimitPerMin != DefaultRateLimitPerMinute {
		t.Errorf("RateLimitPerMin = %d, want %d", config.RateLimitPerMin, DefaultRateLimitPerMinute)
	}
	if config.RetryCount != DefaultRetryCount {
		t.Errorf("RetryCount = %d, want %d", config.RetryCount, DefaultRetryCount)
	}
	if config.RetryDelay != DefaultRetryDelay*time.Second {
		t.Errorf("RetryDelay = %v, want %v", config.RetryDelay, DefaultRetryDelay*time.Second)
	}
	if config.ResultCacheTTL != DefaultResultCacheTTL {
		t.Errorf("ResultCacheTTL = %d, want %d", config.ResultCacheTTL, DefaultResultCacheTTL)
	}

	WithRateLimit(10)(&config)
	WithRetrySettings(0, time.Second)(&config)
	if config.RateLimitPerMin != 10 || config.RetryCount != 0 || config.RetryDelay != time.Second {
		t.Errorf("options not applied: %+v", config)
	}
}

func TestLookupFileByHash(t *testing.T) {
	calls := 0
	c := newClient(testConfig(), func(hash string) (*vt.Object, error) {
		calls++
		if hash != helloSHA256 {
			t.Errorf("fetch(%q), want lowercase hash", hash)
		}
		return fileObject(t, 3, 10, 47), nil
	})

	rep, err := c.LookupFileByHash(context.Background(), "  "+helloSHA256+" ")
	if err != nil {
		t.Fatalf("LookupFileByHash() error = %v", err)
	}
	if !rep.Known || rep.Name != "hello.txt" {
		t.Errorf("report = %+v, want known hello.txt", rep)
	}
	if rep.Malicious != 3 || rep.Harmless != 10 || rep.Undetected != 47 || rep.TotalCount != 60 {
		t.Errorf("counts = %d/%d/%d total %d", rep.Malicious, rep.Harmless, rep.Undetected, rep.TotalCount)
	}
	if rep.ThreatLevel() != ThreatLevelMedium {
		t.Errorf("ThreatLevel() = %v, want medium", rep.ThreatLevel())
	}

	if _, err := c.LookupFileByHash(context.Background(), helloSHA256); err != nil {
		t.Fatalf("second LookupFileByHash() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("fetch called %d times, want 1 (cached)", calls)
	}
}

func TestLookupFileByHashNotFound(t *testing.T) {
	calls := 0
	c := newClient(testConfig(), func(string) (*vt.Object, error) {
		calls++
		return nil, vt.Error{Code: "NotFoundError", Message: "not found"}
	})

	rep, err := c.LookupFileByHash(context.Background(), helloSHA256)
	if err != nil {
		t.Fatalf("LookupFileByHash() error = %v", err)
	}
	if rep.Known {
		t.Error("Known = true for an unseen hash")
	}
	if rep.ThreatLevel() != ThreatLevelUnknown {
		t.Errorf("ThreatLevel() = %v, want unknown", rep.ThreatLevel())
	}
	if calls != 1 {
		t.Errorf("fetch called %d times, want 1", calls)
	}
}

func TestLookupFileByHashRetries(t *testing.T) {
	config := testConfig()
	config.RetryCount = 2

	calls := 0
	c := newClient(config, func(string) (*vt.Object, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return fileObject(t, 0, 5, 5), nil
	})

	rep, err := c.LookupFileByHash(context.Background(), helloSHA256)
	if err != nil {
		t.Fatalf("LookupFileByHash() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("fetch called %d times, want 3", calls)
	}
	if rep.ThreatLevel() != ThreatLevelClean {
		t.Errorf("ThreatLevel() = %v, want clean", rep.ThreatLevel())
	}

	calls = 0
	failing := newClient(config, func(string) (*vt.Object, error) {
		calls++
		return nil, vt.Error{Code: "WrongCredentialsError", Message: "bad key"}
	})
	if _, err := failing.LookupFileByHash(context.Background(), helloSHA256); !errors.Is(err, commonerrors.ErrAPIAuthenticationFailed) {
		t.Errorf("error = %v, want ErrAPIAuthenticationFailed", err)
	}
	if calls != 1 {
		t.Errorf("fetch called %d times for an auth failure, want 1", calls)
	}
}

func TestLookupFileByHashInvalid(t *testing.T) {
	c := newClient(testConfig(), func(string) (*vt.Object, error) {
		t.Fatal("fetch called for an invalid hash")
		return nil, nil
	})
	for _, hash := range []string{"", "abc", "zz" + helloSHA256[2:]} {
		if _, err := c.LookupFileByHash(context.Background(), hash); !errors.Is(err, commonerrors.ErrInvalidArgument) {
			t.Errorf("LookupFileByHash(%q) error = %v, want ErrInvalidArgument", hash, err)
		}
	}
}

func TestRateLimit(t *testing.T) {
	config := testConfig()
	config.DisableRateLimit = false
	config.RateLimitPerMin = 2

	c := newClient(config, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if wait := c.reserve(); wait != 0 {
		t.Fatalf("first reserve() = %v, want 0", wait)
	}
	now = now.Add(10 * time.Second)
	if wait := c.reserve(); wait != 0 {
		t.Fatalf("second reserve() = %v, want 0", wait)
	}
	if wait := c.reserve(); wait != 50*time.Second {
		t.Fatalf("third reserve() = %v, want 50s", wait)
	}

	now = now.Add(2 * time.Minute)
	if wait := c.reserve(); wait != 0 {
		t.Fatalf("reserve() after window = %v, want 0", wait)
	}
}

func TestCacheExpiry(t *testing.T) {
	config := testConfig()
	config.ResultCacheTTL = 60

	c := newClient(config, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.cacheResult(helloSHA256, &FileReputation{Hash: helloSHA256})
	if _, ok := c.getCachedResult(helloSHA256); !ok {
		t.Fatal("fresh entry not returned")
	}
	now = now.Add(61 * time.Second)
	if _, ok := c.getCachedResult(helloSHA256); ok {
		t.Fatal("expired entry returned")
	}
}

func TestThreatLevel(t *testing.T) {
	tests := []struct {
		name      string
		malicious int
		total     int
		want      ThreatLevel
	}{
		{"no engines", 0, 0, ThreatLevelUnknown},
		{"clean", 0, 70, ThreatLevelClean},
		{"low", 1, 70, ThreatLevelLow},
		{"medium", 7, 70, ThreatLevelMedium},
		{"high", 14, 70, ThreatLevelHigh},
		{"critical", 40, 70, ThreatLevelCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &FileReputation{Known: true, Malicious: tt.malicious, TotalCount: tt.total}
			if got := r.ThreatLevel(); got != tt.want {
				t.Errorf("ThreatLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
