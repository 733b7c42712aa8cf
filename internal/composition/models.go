package composition

import (
	"github.com/deploymenttheory/go-rawscan/internal/report"
	"github.com/deploymenttheory/go-rawscan/internal/runner"
)

// Plan represents an ordered list of scan steps
type Plan struct {
	// Name of the plan (required)
	Name string `mapstructure:"name"`

	// Optional description of the plan
	Description string `mapstructure:"description,omitempty"`

	// Version of the plan definition
	Version string `mapstructure:"version,omitempty"`

	// Author or creator of the plan
	Author string `mapstructure:"author,omitempty"`

	// Ordered list of steps to execute
	Steps []Step `mapstructure:"steps"`

	// Variables that can be referenced in step parameters.
	// Keys are lowercased when the plan is loaded.
	Variables map[string]interface{} `mapstructure:"variables,omitempty"`
}

// Step represents a single step in the plan
type Step struct {
	// Unique name for the step (required)
	Name string `mapstructure:"name"`

	// Type of operation to perform (required)
	Type string `mapstructure:"type"`

	// Optional human-readable description of the step
	Description string `mapstructure:"description,omitempty"`

	// Optional conditional execution expression
	Condition string `mapstructure:"condition,omitempty"`

	// Flexible parameters for the step
	// Uses ",remain" to capture all additional parameters
	Parameters map[string]interface{} `mapstructure:",remain"`
}

// Run is the state of one plan execution
type Run struct {
	Plan *Plan

	// Variables holds the plan variables plus the outputs of finished steps
	Variables map[string]interface{}

	// Base supplies the scan settings a scan step does not override
	Base runner.Options

	// Report is the result of the most recent scan step
	Report *report.Report
}
