// Package composition loads and executes scan plans: ordered steps that
// expand images, describe them, scan them and write reports.
package composition

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/config"
	"github.com/deploymenttheory/go-rawscan/internal/logger"
	"github.com/deploymenttheory/go-rawscan/internal/runner"
	"github.com/spf13/viper"
)

// Step types
const (
	StepExtract = "extract"
	StepInfo    = "info"
	StepScan    = "scan"
	StepReport  = "report"
)

// LoadPlan loads a scan plan from a YAML, JSON or TOML file
func LoadPlan(filePath string) (*Plan, error) {
	// Create a new viper instance for the plan
	v := viper.New()

	// Check if the file exists
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", commonerrors.ErrFileNotFound, filePath)
	}

	v.SetConfigFile(filePath)

	// Determine the file extension for type
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext != "" && ext != ".yml" {
		v.SetConfigType(ext[1:]) // Remove the leading dot
	} else {
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: error reading plan file: %v", commonerrors.ErrInvalidPlan, err)
	}

	plan := &Plan{}
	if err := v.Unmarshal(plan); err != nil {
		return nil, fmt.Errorf("%w: error parsing plan: %v", commonerrors.ErrInvalidPlan, err)
	}

	if plan.Variables == nil {
		plan.Variables = make(map[string]interface{})
	}
	return plan, nil
}

// addSystemVariables adds system and config variables to the run's variables
func addSystemVariables(vars map[string]interface{}) {
	vars["temp_dir"] = config.Instance.Image.TempDir

	if cwd, err := os.Getwd(); err == nil {
		vars["current_dir"] = cwd
	}

	vars["timestamp"] = fmt.Sprintf("%d", time.Now().Unix())
}

// expandParameters processes template strings in step parameters, walking
// into lists
func expandParameters(step Step, variables map[string]interface{}) (map[string]interface{}, error) {
	processed := make(map[string]interface{}, len(step.Parameters))
	for key, value := range step.Parameters {
		expanded, err := expandValue(value, variables)
		if err != nil {
			return nil, fmt.Errorf("error processing template in step %s, parameter %s: %w", step.Name, key, err)
		}
		processed[key] = expanded
	}
	return processed, nil
}

func expandValue(value interface{}, variables map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return processTemplate(v, variables)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			expanded, err := expandValue(item, variables)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		// Keep non-string values as is
		return value, nil
	}
}

// processTemplate processes a single template string
func processTemplate(templateString string, variables map[string]interface{}) (string, error) {
	// Only process if the string contains template markers
	if !strings.Contains(templateString, "{{") {
		return templateString, nil
	}

	tmpl, err := template.New("inline").Option("missingkey=error").Parse(templateString)
	if err != nil {
		return "", err
	}

	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, variables); err != nil {
		return "", err
	}
	return buffer.String(), nil
}

// ValidatePlan validates the plan structure and parameters
func ValidatePlan(plan *Plan) []error {
	var errs []error

	if plan.Name == "" {
		errs = append(errs, fmt.Errorf("%w: plan name is required", commonerrors.ErrInvalidPlan))
	}

	if len(plan.Steps) == 0 {
		errs = append(errs, fmt.Errorf("%w: plan must contain at least one step", commonerrors.ErrInvalidPlan))
	}

	seen := make(map[string]bool)
	for i, step := range plan.Steps {
		if step.Name == "" {
			errs = append(errs, fmt.Errorf("%w: step %d: name is required", commonerrors.ErrInvalidPlan, i+1))
		} else if seen[step.Name] {
			errs = append(errs, fmt.Errorf("%w: step %d: duplicate name '%s'", commonerrors.ErrInvalidPlan, i+1, step.Name))
		}
		seen[step.Name] = true

		if _, ok := stepHandlers[step.Type]; !ok {
			errs = append(errs, fmt.Errorf("%w: step %d (%s): '%s'", commonerrors.ErrUnknownStepType, i+1, step.Name, step.Type))
			continue
		}

		for _, err := range validateStepParameters(step) {
			errs = append(errs, fmt.Errorf("%w: step %d (%s): %v", commonerrors.ErrInvalidPlan, i+1, step.Name, err))
		}
		for key, value := range step.Parameters {
			if err := checkTemplates(value); err != nil {
				errs = append(errs, fmt.Errorf("%w: step %d (%s), parameter %s: %v", commonerrors.ErrInvalidPlan, i+1, step.Name, key, err))
			}
		}
	}

	return errs
}

// checkTemplates parses every template in value without executing it
func checkTemplates(value interface{}) error {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, "{{") {
			_, err := template.New("inline").Parse(v)
			return err
		}
	case []interface{}:
		for _, item := range v {
			if err := checkTemplates(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateStepParameters validates parameters for a specific step type
func validateStepParameters(step Step) []error {
	var errs []error

	require := func(names ...string) {
		for _, name := range names {
			if _, ok := step.Parameters[name]; !ok {
				errs = append(errs, fmt.Errorf("missing required parameter '%s'", name))
			}
		}
	}

	switch step.Type {
	case StepExtract:
		require("source", "destination")
	case StepInfo:
		require("source")
	case StepScan:
		_, one := step.Parameters["source"]
		_, many := step.Parameters["sources"]
		if !one && !many {
			errs = append(errs, fmt.Errorf("missing required parameter 'source' or 'sources'"))
		}
	}

	return errs
}

// Execute validates and runs the plan steps in order. Step outputs are
// merged into the run variables and can be referenced by later steps.
func Execute(ctx context.Context, plan *Plan, base runner.Options) (*Run, error) {
	if errs := ValidatePlan(plan); len(errs) > 0 {
		for _, err := range errs {
			logger.LogError("Plan validation error", err, nil)
		}
		return nil, fmt.Errorf("plan validation failed with %d errors: %w", len(errs), errs[0])
	}

	run := &Run{
		Plan:      plan,
		Variables: make(map[string]interface{}, len(plan.Variables)+3),
		Base:      base,
	}
	for k, v := range plan.Variables {
		run.Variables[k] = v
	}
	addSystemVariables(run.Variables)

	logger.LogInfo("Starting plan execution", map[string]interface{}{
		"plan":  plan.Name,
		"steps": len(plan.Steps),
	})

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return run, err
		}

		logger.LogInfo(fmt.Sprintf("Executing step %d/%d: %s", i+1, len(plan.Steps), step.Name),
			map[string]interface{}{
				"type":        step.Type,
				"description": step.Description,
			})

		// Check if step should be skipped based on condition
		if step.Condition != "" {
			shouldRun, err := evaluateCondition(step.Condition, run.Variables)
			if err != nil {
				return run, fmt.Errorf("error evaluating condition for step '%s': %w", step.Name, err)
			}

			if !shouldRun {
				logger.LogInfo(fmt.Sprintf("Skipping step %d/%d: %s (condition not met)", i+1, len(plan.Steps), step.Name), nil)
				continue
			}
		}

		params, err := expandParameters(step, run.Variables)
		if err != nil {
			return run, err
		}
		step.Parameters = params

		result, err := stepHandlers[step.Type](ctx, run, step)
		if err != nil {
			return run, fmt.Errorf("error executing step '%s': %w", step.Name, err)
		}

		for k, v := range result {
			run.Variables[k] = v
		}

		logger.LogInfo(fmt.Sprintf("Completed step %d/%d: %s", i+1, len(plan.Steps), step.Name), nil)
	}

	logger.LogInfo("Plan execution completed successfully", map[string]interface{}{
		"plan": plan.Name,
	})
	return run, nil
}
