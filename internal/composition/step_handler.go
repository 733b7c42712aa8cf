package composition

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	compression "github.com/deploymenttheory/go-rawscan/internal/common/compressionutil"
	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/common/fsutil"
	"github.com/deploymenttheory/go-rawscan/internal/config"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/device"
	"github.com/deploymenttheory/go-rawscan/internal/report"
	"github.com/deploymenttheory/go-rawscan/internal/runner"
)

// StepHandler executes one plan step and returns variables for later steps
type StepHandler func(ctx context.Context, run *Run, step Step) (map[string]interface{}, error)

var stepHandlers = map[string]StepHandler{
	StepExtract: handleExtractStep,
	StepInfo:    handleInfoStep,
	StepScan:    handleScanStep,
	StepReport:  handleReportStep,
}

// evaluateCondition evaluates a condition string using the provided variables
func evaluateCondition(condition string, variables map[string]interface{}) (bool, error) {
	result, err := processTemplate(condition, variables)
	if err != nil {
		return false, err
	}

	result = strings.TrimSpace(strings.ToLower(result))
	return result == "true" || result == "yes" || result == "1", nil
}

// output names a variable produced by step
func output(step Step, name string) string {
	return step.Name + "_" + name
}

func stringParam(step Step, name string) (string, bool) {
	value, ok := step.Parameters[name]
	if !ok || value == nil {
		return "", false
	}
	return fmt.Sprint(value), true
}

func requireString(step Step, name string) (string, error) {
	s, ok := stringParam(step, name)
	if !ok || s == "" {
		logger.LogError(fmt.Sprintf("%s step requires a %s parameter", step.Type, name), nil, nil)
		return "", fmt.Errorf("%w: missing parameter '%s'", commonerrors.ErrInvalidArgument, name)
	}
	return s, nil
}

func boolParam(step Step, name string, def bool) (bool, error) {
	value, ok := step.Parameters[name]
	if !ok {
		return def, nil
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: parameter '%s' is not a boolean: %q", commonerrors.ErrInvalidArgument, name, v)
		}
		return b, nil
	}
	return false, fmt.Errorf("%w: parameter '%s' is not a boolean", commonerrors.ErrInvalidArgument, name)
}

func intParam(step Step, name string, def int) (int, error) {
	value, ok := step.Parameters[name]
	if !ok {
		return def, nil
	}
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: parameter '%s' is not a number: %q", commonerrors.ErrInvalidArgument, name, v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: parameter '%s' is not a number", commonerrors.ErrInvalidArgument, name)
}

// sourcesParam collects "source" and the entries of "sources"
func sourcesParam(step Step) []string {
	var sources []string
	if s, ok := stringParam(step, "source"); ok && s != "" {
		sources = append(sources, s)
	}
	switch v := step.Parameters["sources"].(type) {
	case []interface{}:
		for _, item := range v {
			if s := fmt.Sprint(item); s != "" {
				sources = append(sources, s)
			}
		}
	case []string:
		sources = append(sources, v...)
	case string:
		if v != "" {
			sources = append(sources, v)
		}
	}
	return sources
}

func handleExtractStep(_ context.Context, _ *Run, step Step) (map[string]interface{}, error) {
	src, err := requireString(step, "source")
	if err != nil {
		return nil, err
	}
	dst, err := requireString(step, "destination")
	if err != nil {
		return nil, err
	}

	if err := fsutil.CreateDirIfNotExists(filepath.Dir(dst)); err != nil {
		return nil, err
	}

	format, err := compression.Decompress(src, dst)
	if err != nil {
		logger.LogError("Failed to extract image", err, map[string]interface{}{
			"source": src,
		})
		return nil, fmt.Errorf("%w: %v", commonerrors.ErrDecompressionFailed, err)
	}

	logger.LogInfo("Image extracted", map[string]interface{}{
		"source":      src,
		"destination": dst,
		"format":      string(format),
	})
	return map[string]interface{}{
		output(step, "output"): dst,
		output(step, "format"): string(format),
	}, nil
}

func handleInfoStep(_ context.Context, run *Run, step Step) (map[string]interface{}, error) {
	src, err := requireString(step, "source")
	if err != nil {
		return nil, err
	}

	desc, err := runner.Inspect(src, device.Options{TempDir: run.Base.TempDir})
	if err != nil {
		return nil, err
	}

	var filesystems []string
	for _, v := range desc.Volumes {
		fields := map[string]interface{}{
			"source":    desc.Source,
			"kind":      string(desc.Kind),
			"partition": v.Partition,
			"offset":    v.Offset,
			"length":    v.Length,
		}
		if v.Err != nil {
			fields["error"] = v.Err.Error()
			logger.LogWarn("Volume not recognised", fields)
			continue
		}
		fields["filesystem"] = string(v.Info.Type)
		fields["label"] = v.Info.Label
		fields["cluster_size"] = v.Info.ClusterSize
		logger.LogInfo("Volume found", fields)
		filesystems = append(filesystems, string(v.Info.Type))
	}

	return map[string]interface{}{
		output(step, "volumes"):     len(filesystems),
		output(step, "filesystems"): strings.Join(filesystems, ","),
	}, nil
}

func handleScanStep(ctx context.Context, run *Run, step Step) (map[string]interface{}, error) {
	opts := run.Base
	opts.Sources = sourcesParam(step)
	if len(opts.Sources) == 0 {
		return nil, fmt.Errorf("%w: scan step has no sources", commonerrors.ErrInvalidArgument)
	}

	if prefix, ok := stringParam(step, "prefix"); ok {
		opts.Prefix = prefix
	}
	if label, ok := stringParam(step, "root_label"); ok {
		opts.RootLabel = label
	}
	if hash, ok := stringParam(step, "hash"); ok {
		opts.HashAlgorithm = hash
	}

	var err error
	if opts.Content, err = boolParam(step, "content", opts.Content); err != nil {
		return nil, err
	}
	if opts.VirusTotal, err = boolParam(step, "virustotal", opts.VirusTotal); err != nil {
		return nil, err
	}
	if opts.Workers, err = intParam(step, "workers", opts.Workers); err != nil {
		return nil, err
	}
	if opts.ChunkSize, err = intParam(step, "chunk_size", opts.ChunkSize); err != nil {
		return nil, err
	}

	r, err := runner.Scan(ctx, opts)
	if err != nil {
		return nil, err
	}
	run.Report = r

	return map[string]interface{}{
		output(step, "files"):   r.Totals.Files,
		output(step, "failed"):  r.Totals.Failed,
		output(step, "flagged"): r.Totals.Flagged,
	}, nil
}

func handleReportStep(_ context.Context, run *Run, step Step) (map[string]interface{}, error) {
	if run.Report == nil {
		return nil, fmt.Errorf("%w: report step '%s' runs before any scan step", commonerrors.ErrInvalidPlan, step.Name)
	}

	format, ok := stringParam(step, "format")
	if !ok || format == "" {
		format = config.Instance.Report.Format
	}
	out, _ := stringParam(step, "output")

	if err := report.WriteFile(out, run.Report, format); err != nil {
		return nil, err
	}

	logger.LogInfo("Report written", map[string]interface{}{
		"output": out,
		"format": format,
	})
	return map[string]interface{}{
		output(step, "output"): out,
	}, nil
}
