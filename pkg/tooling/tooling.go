// Package tooling is the public API of go-rawscan: scanning images, describing
// their volumes and running scan plans from other Go programs.
package tooling

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/deploymenttheory/go-rawscan/internal/composition"
	"github.com/deploymenttheory/go-rawscan/internal/config"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/rawfs/device"
	"github.com/deploymenttheory/go-rawscan/internal/report"
	"github.com/deploymenttheory/go-rawscan/internal/runner"
)

type (
	// Report is the result of a scan
	Report = report.Report
	// ScanOptions configures ScanImages
	ScanOptions = runner.Options
	// SourceDescription lists the volumes of an image
	SourceDescription = runner.SourceDescription
)

// InitOptions contains options for initializing the tooling API
type InitOptions struct {
	ConfigFile  string // Path to configuration file
	Debug       bool   // Enable debug logging
	LogFormat   string // Log format: "human" or "json"
	LogFile     string // Path to log file
	SuppressLog bool   // Suppress all logging
}

// PlanResult contains the results of a plan execution
type PlanResult struct {
	Success      bool                   // Whether the plan completed successfully
	ErrorMessage string                 // Error message if any
	Variables    map[string]interface{} // Final state of variables after plan execution
	Report       *Report                // Report of the last scan step, nil without one
}

var initialized bool

// Initialize initializes the tooling API with the given options
func Initialize(options InitOptions) error {
	if initialized {
		return nil // Already initialized
	}

	configErr := config.Initialize(options.ConfigFile)

	// Update config with provided options
	if options.Debug {
		config.Instance.Debug = true
	}
	if options.LogFormat != "" {
		config.Instance.LogFormat = options.LogFormat
	}
	if options.LogFile != "" {
		config.Instance.LogFile = options.LogFile
	}

	if !options.SuppressLog {
		logConfig := logger.LoggerConfig{
			Debug:     config.Instance.Debug,
			LogFormat: config.Instance.LogFormat,
			LogFile:   config.Instance.LogFile,
		}
		if err := logger.InitLogger(logConfig); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		logger.LogInfo("Tooling API initialized", map[string]interface{}{
			"config_file": options.ConfigFile,
			"debug":       options.Debug,
			"log_format":  options.LogFormat,
		})
		if configErr != nil {
			logger.LogWarn("Configuration initialization warning", map[string]interface{}{
				"error": configErr.Error(),
			})
		}
	}

	initialized = true
	return nil
}

// DefaultOptions returns the default initialization options
func DefaultOptions() InitOptions {
	return InitOptions{
		Debug:       false,
		LogFormat:   "human",
		SuppressLog: false,
	}
}

func ensureInitialized() error {
	if initialized {
		return nil
	}
	if err := Initialize(DefaultOptions()); err != nil {
		return fmt.Errorf("failed to initialize tooling API: %w", err)
	}
	return nil
}

// DefaultScanOptions returns scan options taken from the configuration
func DefaultScanOptions() ScanOptions {
	_ = ensureInitialized()
	return runner.OptionsFromConfig(&config.Instance)
}

// ScanImages scans every volume of the given images. Volumes that cannot be
// read are listed in the report with their error.
func ScanImages(ctx context.Context, sources []string, opts ScanOptions) (*Report, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}
	opts.Sources = sources
	return runner.Scan(ctx, opts)
}

// DescribeImage lists the partitions and volumes of an image
func DescribeImage(path string) (*SourceDescription, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}
	return runner.Inspect(path, device.Options{TempDir: config.Instance.Image.TempDir})
}

// WriteReport writes r to path in format (json, plist, xml or binary-plist).
// An empty path writes to stdout.
func WriteReport(path string, r *Report, format string) error {
	return report.WriteFile(path, r, format)
}

// ExecutePlan executes a scan plan defined in a file
func ExecutePlan(ctx context.Context, planFile string) (*PlanResult, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}

	logger.LogInfo("Executing plan", map[string]interface{}{
		"file": planFile,
	})

	plan, err := composition.LoadPlan(planFile)
	if err != nil {
		return &PlanResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("Failed to load plan: %s", err.Error()),
		}, err
	}

	if errs := composition.ValidatePlan(plan); len(errs) > 0 {
		var messages []string
		for _, err := range errs {
			messages = append(messages, err.Error())
		}
		message := fmt.Sprintf("Plan validation failed with %d errors: %s", len(errs), strings.Join(messages, "; "))
		return &PlanResult{
			Success:      false,
			ErrorMessage: message,
		}, errs[0]
	}

	run, err := composition.Execute(ctx, plan, runner.OptionsFromConfig(&config.Instance))
	result := &PlanResult{Success: err == nil}
	if run != nil {
		result.Variables = run.Variables
		result.Report = run.Report
	}
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("Plan execution failed: %s", err.Error())
	}
	return result, err
}

// ExecutePlanFromYAML executes a scan plan defined in a YAML string
func ExecutePlanFromYAML(ctx context.Context, planYAML string) (*PlanResult, error) {
	tempFile, err := os.CreateTemp("", "plan-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.WriteString(planYAML); err != nil {
		tempFile.Close()
		return nil, fmt.Errorf("failed to write plan to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temporary file: %w", err)
	}

	return ExecutePlan(ctx, tempFile.Name())
}

// SetVirusTotalAPIKey enables reputation lookups with the given key
func SetVirusTotalAPIKey(apiKey string) {
	_ = ensureInitialized()

	config.Instance.VirusTotal.APIKey = apiKey
	config.Instance.VirusTotal.Enabled = apiKey != ""
}

// GetVersion returns the current version of the tooling API
func GetVersion() string {
	return config.Version
}

// Shutdown performs any necessary cleanup before the application exits
func Shutdown() error {
	if initialized {
		logger.LogInfo("Tooling API shutting down", nil)
		_ = logger.Sync()
	}
	return nil
}
