package composition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	compression "github.com/deploymenttheory/go-rawscan/internal/common/compressionutil"
	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/common/jsonutil"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/testimage"
	"github.com/deploymenttheory/go-rawscan/internal/report"
	"github.com/deploymenttheory/go-rawscan/internal/runner"
)

func writePlan(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecutePlan(t *testing.T) {
	raw := testimage.Write(t, "disk.img", testimage.MBRDisk(testimage.TinyExt()))
	packed := filepath.Join(t.TempDir(), "disk.img.gz")
	if err := compression.Compress(compression.FormatGZIP, raw, packed); err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	work := t.TempDir()

	path := writePlan(t, `
name: triage
description: expand, describe and scan one image
variables:
  image: `+packed+`
  work: `+work+`
steps:
  - name: expand
    type: extract
    source: "{{ .image }}"
    destination: "{{ .work }}/expanded/disk.img"
  - name: geometry
    type: info
    source: "{{ .expand_output }}"
  - name: files
    type: scan
    sources:
      - "{{ .expand_output }}"
    root_label: disk
    content: true
  - name: skipped
    type: scan
    condition: "{{ if eq .geometry_volumes 0 }}true{{ end }}"
    source: /does/not/exist
  - name: write
    type: report
    output: "{{ .work }}/report.json"
    format: json
`)

	plan, err := LoadPlan(path)
	if err != nil {
		t.Fatalf("LoadPlan() error = %v", err)
	}
	if plan.Name != "triage" || len(plan.Steps) != 5 {
		t.Fatalf("plan = %+v", plan)
	}

	run, err := Execute(context.Background(), plan, runner.Options{TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := run.Variables["expand_format"]; got != string(compression.FormatGZIP) {
		t.Errorf("expand_format = %v, want gzip", got)
	}
	if got := run.Variables["geometry_volumes"]; got != 1 {
		t.Errorf("geometry_volumes = %v, want 1", got)
	}
	if got := run.Variables["geometry_filesystems"]; got != "ext4" {
		t.Errorf("geometry_filesystems = %v, want ext4", got)
	}
	if _, ok := run.Variables["skipped_files"]; ok {
		t.Error("conditional step ran")
	}

	var written report.Report
	if err := jsonutil.ReadFile(filepath.Join(work, "report.json"), &written); err != nil {
		t.Fatalf("reading report: %v", err)
	}
	if len(written.Files) != 1 || written.Files[0].Path != "disk/"+testimage.TinyFile {
		t.Errorf("Files = %+v", written.Files)
	}
	if written.Files[0].Hash == "" {
		t.Error("content was not hashed")
	}
}

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		want error
	}{
		{
			name: "valid",
			plan: Plan{Name: "p", Steps: []Step{{Name: "s", Type: StepScan, Parameters: map[string]interface{}{"source": "x"}}}},
		},
		{
			name: "missing name",
			plan: Plan{Steps: []Step{{Name: "s", Type: StepInfo, Parameters: map[string]interface{}{"source": "x"}}}},
			want: commonerrors.ErrInvalidPlan,
		},
		{
			name: "no steps",
			plan: Plan{Name: "p"},
			want: commonerrors.ErrInvalidPlan,
		},
		{
			name: "unknown type",
			plan: Plan{Name: "p", Steps: []Step{{Name: "s", Type: "upload"}}},
			want: commonerrors.ErrUnknownStepType,
		},
		{
			name: "missing parameter",
			plan: Plan{Name: "p", Steps: []Step{{Name: "s", Type: StepExtract, Parameters: map[string]interface{}{"source": "x"}}}},
			want: commonerrors.ErrInvalidPlan,
		},
		{
			name: "scan without sources",
			plan: Plan{Name: "p", Steps: []Step{{Name: "s", Type: StepScan}}},
			want: commonerrors.ErrInvalidPlan,
		},
		{
			name: "duplicate step",
			plan: Plan{Name: "p", Steps: []Step{
				{Name: "s", Type: StepReport},
				{Name: "s", Type: StepReport},
			}},
			want: commonerrors.ErrInvalidPlan,
		},
		{
			name: "bad template",
			plan: Plan{Name: "p", Steps: []Step{{Name: "s", Type: StepInfo, Parameters: map[string]interface{}{"source": "{{ .x "}}}},
			want: commonerrors.ErrInvalidPlan,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidatePlan(&tt.plan)
			if tt.want == nil {
				if len(errs) != 0 {
					t.Fatalf("ValidatePlan() = %v, want no errors", errs)
				}
				return
			}
			if len(errs) == 0 {
				t.Fatalf("ValidatePlan() returned no errors, want %v", tt.want)
			}
			found := false
			for _, err := range errs {
				if errors.Is(err, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("ValidatePlan() = %v, want %v", errs, tt.want)
			}
		})
	}
}

func TestExecuteReportBeforeScan(t *testing.T) {
	plan := &Plan{Name: "p", Steps: []Step{{Name: "write", Type: StepReport}}}
	_, err := Execute(context.Background(), plan, runner.Options{})
	if !errors.Is(err, commonerrors.ErrInvalidPlan) {
		t.Fatalf("Execute() error = %v, want ErrInvalidPlan", err)
	}
}

func TestExecuteInvalidPlan(t *testing.T) {
	plan := &Plan{Name: "p", Steps: []Step{{Name: "s", Type: "sign"}}}
	if _, err := Execute(context.Background(), plan, runner.Options{}); !errors.Is(err, commonerrors.ErrUnknownStepType) {
		t.Fatalf("Execute() error = %v, want ErrUnknownStepType", err)
	}
}

func TestExecuteMissingVariable(t *testing.T) {
	plan := &Plan{Name: "p", Steps: []Step{{
		Name:       "s",
		Type:       StepInfo,
		Parameters: map[string]interface{}{"source": "{{ .nope }}"},
	}}}
	_, err := Execute(context.Background(), plan, runner.Options{})
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("Execute() error = %v, want missing variable error", err)
	}
}

func TestLoadPlanErrors(t *testing.T) {
	if _, err := LoadPlan(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, commonerrors.ErrFileNotFound) {
		t.Errorf("LoadPlan(missing) error = %v, want ErrFileNotFound", err)
	}
	if _, err := LoadPlan(writePlan(t, "steps: [\n")); !errors.Is(err, commonerrors.ErrInvalidPlan) {
		t.Errorf("LoadPlan(broken) error = %v, want ErrInvalidPlan", err)
	}
}

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]interface{}{"flag": "yes", "n": 0}
	tests := []struct {
		condition string
		want      bool
	}{
		{"true", true},
		{"{{ .flag }}", true},
		{"{{ if eq .n 0 }}1{{ end }}", true},
		{"{{ if eq .n 1 }}1{{ end }}", false},
		{"no", false},
	}
	for _, tt := range tests {
		got, err := evaluateCondition(tt.condition, vars)
		if err != nil {
			t.Fatalf("evaluateCondition(%q) error = %v", tt.condition, err)
		}
		if got != tt.want {
			t.Errorf("evaluateCondition(%q) = %v, want %v", tt.condition, got, tt.want)
		}
	}
}
