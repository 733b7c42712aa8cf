package urlutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestIsRemote(t *testing.T) {
	tests := []struct {
		source string
		want   bool
	}{
		{"https://example.com/disk.E01", true},
		{"HTTP://example.com/disk.img", true},
		{"/dev/sda", false},
		{"disk.img", false},
		{"ftp://example.com/disk.img", false},
	}
	for _, tt := range tests {
		if got := IsRemote(tt.source); got != tt.want {
			t.Errorf("IsRemote(%q) = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/a.img", false},
		{"example.com/a.img", true},
		{"file:///tmp/a.img", true},
		{"https:///a.img", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, commonerrors.ErrInvalidArgument) {
			t.Errorf("ValidateURL(%q) error = %v, want ErrInvalidArgument", tt.url, err)
		}
	}
}

func TestGetFilenameFromURL(t *testing.T) {
	name, err := GetFilenameFromURL("https://example.com/images/disk.E01?token=1")
	if err != nil || name != "disk.E01" {
		t.Errorf("GetFilenameFromURL() = %q, %v", name, err)
	}
	if _, err := GetFilenameFromURL("https://example.com/"); err == nil {
		t.Error("expected an error for a URL without a filename")
	}
}

func TestDownloadFile(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky.img":
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("hello"))
		case "/disk.img":
			w.Write([]byte("hello"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	opts := DefaultDownloadOptions()
	opts.OutputDir = dir
	opts.RetryDelay = time.Millisecond

	t.Run("checksum", func(t *testing.T) {
		o := opts
		o.ExpectedChecksum = helloSHA256
		var progress int64
		o.ProgressCallback = func(done, total int64) { progress = done }

		path, err := DownloadFile(context.Background(), srv.URL+"/disk.img", o)
		if err != nil {
			t.Fatalf("DownloadFile() error = %v", err)
		}
		if path != filepath.Join(dir, "disk.img") {
			t.Errorf("path = %s", path)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "hello" {
			t.Errorf("content = %q", data)
		}
		if progress != 5 {
			t.Errorf("progress = %d, want 5", progress)
		}
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		o := opts
		o.OutputPath = filepath.Join(dir, "bad.img")
		o.ExpectedChecksum = "00"
		if _, err := DownloadFile(context.Background(), srv.URL+"/disk.img", o); err == nil {
			t.Fatal("expected a checksum error")
		}
		if _, err := os.Stat(o.OutputPath); !os.IsNotExist(err) {
			t.Error("mismatching download left on disk")
		}
	})

	t.Run("retry", func(t *testing.T) {
		if _, err := DownloadFile(context.Background(), srv.URL+"/flaky.img", opts); err != nil {
			t.Fatalf("DownloadFile() error = %v", err)
		}
		if calls.Load() != 2 {
			t.Errorf("requests = %d, want 2", calls.Load())
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := DownloadFile(context.Background(), srv.URL+"/missing.img", opts)
		if !errors.Is(err, commonerrors.ErrFileNotFound) {
			t.Fatalf("DownloadFile() error = %v, want ErrFileNotFound", err)
		}
	})
}
