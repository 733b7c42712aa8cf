package tooling

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/testimage"
)

func TestMain(m *testing.M) {
	home, err := os.MkdirTemp("", "rawscan-tooling")
	if err != nil {
		panic(err)
	}
	for _, key := range []string{"HOME", "XDG_CONFIG_HOME", "XDG_CACHE_HOME", "XDG_STATE_HOME", "XDG_DATA_HOME"} {
		os.Setenv(key, home)
	}
	if err := Initialize(InitOptions{SuppressLog: true}); err != nil {
		panic(err)
	}

	code := m.Run()
	os.RemoveAll(home)
	os.Exit(code)
}

func TestScanImages(t *testing.T) {
	disk := testimage.Write(t, "disk.img", testimage.MBRDisk(testimage.TinyExt()))

	opts := DefaultScanOptions()
	opts.TempDir = t.TempDir()
	r, err := ScanImages(context.Background(), []string{disk}, opts)
	if err != nil {
		t.Fatalf("ScanImages() error = %v", err)
	}
	if r.Totals.Files != 1 || len(r.Files) != 1 || r.Files[0].Path != disk+"#p1/"+testimage.TinyFile {
		t.Errorf("report = %+v", r.Files)
	}

	out := filepath.Join(t.TempDir(), "report.bplist")
	if err := WriteReport(out, r, "binary-plist"); err != nil {
		t.Fatalf("WriteReport() error = %v", err)
	}
}

func TestDescribeImage(t *testing.T) {
	plain := testimage.Write(t, "plain.img", testimage.TinyExt())

	desc, err := DescribeImage(plain)
	if err != nil {
		t.Fatalf("DescribeImage() error = %v", err)
	}
	if len(desc.Volumes) != 1 || desc.Volumes[0].Info.Label != testimage.TinyLabel {
		t.Errorf("volumes = %+v", desc.Volumes)
	}
}

func TestExecutePlanFromYAML(t *testing.T) {
	plain := testimage.Write(t, "plain.img", testimage.TinyExt())

	res, err := ExecutePlanFromYAML(context.Background(), `
name: quick
steps:
  - name: files
    type: scan
    source: `+plain+`
    content: false
`)
	if err != nil {
		t.Fatalf("ExecutePlanFromYAML() error = %v", err)
	}
	if !res.Success || res.Report == nil || res.Report.Totals.Files != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Report.Files[0].Hash != "" {
		t.Error("content hashed with content: false")
	}

	res, err = ExecutePlanFromYAML(context.Background(), "name: broken\nsteps:\n  - name: x\n    type: upload\n")
	if !errors.Is(err, commonerrors.ErrUnknownStepType) {
		t.Fatalf("error = %v, want ErrUnknownStepType", err)
	}
	if res.Success || res.ErrorMessage == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("empty version")
	}
}
