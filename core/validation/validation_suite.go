package validation

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"sdlora_server/core"
)

// ValidationStep represents a single validation step with its status.
type ValidationStep struct {
	Name    string
	Status  StepStatus
	Message string
	Error   error
	Latency time.Duration
}

// StepStatus represents the status of a validation step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepPassed
	StepFailed
	StepWarning
	StepSkipped
)

var stepStatusNames = [...]string{"pending", "running", "passed", "failed", "warning", "skipped"}

func (s StepStatus) String() string {
	if s < 0 || int(s) >= len(stepStatusNames) {
		return "unknown"
	}
	return stepStatusNames[s]
}

// stepStyle is the checklist icon and color for a finished step.
type stepStyle struct {
	icon  string
	color *color.Color
}

var stepStyles = map[StepStatus]stepStyle{
	StepPassed:  {"✓", color.New(color.FgGreen)},
	StepFailed:  {"✗", color.New(color.FgRed)},
	StepWarning: {"!", color.New(color.FgYellow)},
	StepSkipped: {"○", color.New(color.FgHiBlack)},
}

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	dimColor    = color.New(color.FgHiBlack)
)

// SuiteResult represents the complete result of validation suite execution.
type SuiteResult struct {
	Steps       []ValidationStep
	TotalSteps  int
	PassedSteps int
	FailedSteps int
	Warnings    int
	Duration    time.Duration
	Success     bool
}

// ValidationSuite runs the startup checks in order and prints a colored checklist.
// Checks after the configuration step need a parsed Config and are skipped
// when it fails.
type ValidationSuite struct {
	output          io.Writer
	configValidator *ConfigValidator
	minFreeDisk     uint64
	dataDir         func() string
	checkListen     bool
	showProgress    bool
	failFast        bool

	config *core.Config
}

// NewValidationSuite creates a new ValidationSuite with default settings.
func NewValidationSuite() *ValidationSuite {
	return &ValidationSuite{
		output:          os.Stdout,
		configValidator: NewConfigValidator(),
		minFreeDisk:     MinFreeDiskSpace,
		dataDir:         core.GetDataDirectory,
		checkListen:     true,
		showProgress:    true,
		failFast:        false,
	}
}

// WithOutput sets the output writer for progress messages.
func (s *ValidationSuite) WithOutput(w io.Writer) *ValidationSuite {
	s.output = w
	return s
}

// WithShowProgress enables or disables progress output.
func (s *ValidationSuite) WithShowProgress(show bool) *ValidationSuite {
	s.showProgress = show
	return s
}

// WithFailFast stops validation on first failure if enabled.
func (s *ValidationSuite) WithFailFast(failFast bool) *ValidationSuite {
	s.failFast = failFast
	return s
}

// WithEnvPath sets a custom path for the .env file.
func (s *ValidationSuite) WithEnvPath(path string) *ValidationSuite {
	s.configValidator.WithEnvPath(path)
	return s
}

// WithConfigLoader replaces core.LoadConfig.
func (s *ValidationSuite) WithConfigLoader(fn func() (*core.Config, error)) *ValidationSuite {
	s.configValidator.WithConfigLoader(fn)
	return s
}

// WithMinFreeDisk sets the free space threshold of the disk check.
func (s *ValidationSuite) WithMinFreeDisk(bytes uint64) *ValidationSuite {
	s.minFreeDisk = bytes
	return s
}

// WithDataDir overrides the directory measured by the disk check.
func (s *ValidationSuite) WithDataDir(dir string) *ValidationSuite {
	s.dataDir = func() string { return dir }
	return s
}

// WithListenCheck enables or disables the listen address probe.
func (s *ValidationSuite) WithListenCheck(enabled bool) *ValidationSuite {
	s.checkListen = enabled
	return s
}

// Config returns the configuration parsed by the last Validate run, or nil.
func (s *ValidationSuite) Config() *core.Config {
	return s.config
}

// Validate runs all validation checks in sequence with progress output.
func (s *ValidationSuite) Validate() SuiteResult {
	startTime := time.Now()
	steps := make([]ValidationStep, 0, 6)
	s.config = nil

	if s.showProgress {
		s.printHeader("Stable Diffusion LoRA Server Startup Checks")
	}

	step := s.runStep("Environment File", s.configValidator.CheckEnvFile)
	steps = append(steps, step)

	var cfg *core.Config
	step = s.runStep("Configuration", func() ValidationResult {
		var result ValidationResult
		cfg, result = s.configValidator.CheckConfig()
		return result
	})
	steps = append(steps, step)

	if cfg == nil {
		for _, name := range []string{"Base Model", "LoRA Adapter", "Disk Space", "Listen Address"} {
			steps = append(steps, s.skipStep(name, "Skipped due to configuration errors"))
		}
		return s.finish(steps, startTime)
	}
	s.config = cfg

	checks := []namedCheck{
		{"Base Model", func() ValidationResult { return s.configValidator.CheckBaseModel(cfg) }},
		{"LoRA Adapter", func() ValidationResult { return s.configValidator.CheckLoRAAdapter(cfg) }},
		{"Disk Space", func() ValidationResult { return CheckDiskSpace(s.dataDir(), s.minFreeDisk) }},
	}
	if s.checkListen {
		checks = append(checks, namedCheck{"Listen Address", func() ValidationResult {
			return CheckListenAddress(cfg.Addr())
		}})
	}

	for _, check := range checks {
		step := s.runStep(check.name, check.fn)
		steps = append(steps, step)
		if s.failFast && step.Status == StepFailed {
			break
		}
	}

	return s.finish(steps, startTime)
}

// ValidateQuick runs only the environment and configuration checks.
func (s *ValidationSuite) ValidateQuick() SuiteResult {
	startTime := time.Now()
	s.config = nil

	if s.showProgress {
		s.printHeader("Quick Configuration Check")
	}

	steps := []ValidationStep{s.runStep("Environment File", s.configValidator.CheckEnvFile)}
	steps = append(steps, s.runStep("Configuration", func() ValidationResult {
		cfg, result := s.configValidator.CheckConfig()
		s.config = cfg
		return result
	}))

	return s.finish(steps, startTime)
}

type namedCheck struct {
	name string
	fn   func() ValidationResult
}

func (s *ValidationSuite) finish(steps []ValidationStep, startTime time.Time) SuiteResult {
	result := s.buildResult(steps, startTime)
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

func (s *ValidationSuite) skipStep(name, reason string) ValidationStep {
	step := ValidationStep{Name: name, Status: StepSkipped, Message: reason}
	if s.showProgress {
		s.printStep(step)
	}
	return step
}

// runStep executes a validation step with timing and progress output.
func (s *ValidationSuite) runStep(name string, fn func() ValidationResult) ValidationStep {
	step := ValidationStep{Name: name, Status: StepRunning}

	if s.showProgress {
		s.printStepStart(name)
	}

	startTime := time.Now()
	result := fn()
	step.Latency = time.Since(startTime)
	step.Message = result.Message
	step.Error = result.Error

	switch {
	case !result.Valid:
		step.Status = StepFailed
	case result.Warning:
		step.Status = StepWarning
	default:
		step.Status = StepPassed
	}

	if s.showProgress {
		s.printStep(step)
	}

	return step
}

func (s *ValidationSuite) buildResult(steps []ValidationStep, startTime time.Time) SuiteResult {
	result := SuiteResult{Steps: steps, TotalSteps: len(steps), Duration: time.Since(startTime)}
	for _, step := range steps {
		switch step.Status {
		case StepPassed:
			result.PassedSteps++
		case StepFailed:
			result.FailedSteps++
		case StepWarning:
			result.Warnings++
		}
	}
	result.Success = result.FailedSteps == 0
	return result
}

func (s *ValidationSuite) printHeader(title string) {
	headerColor.Fprintf(s.output, "\n━━━ %s ━━━\n\n", title)
}

// printStepStart leaves the cursor on the line; printStep overwrites it.
func (s *ValidationSuite) printStepStart(name string) {
	fmt.Fprintf(s.output, "  ◌ %s...", name)
}

func (s *ValidationSuite) printStep(step ValidationStep) {
	style, ok := stepStyles[step.Status]
	if !ok {
		style = stepStyle{"?", color.New(color.FgWhite)}
	}

	fmt.Fprint(s.output, "\r")
	style.color.Fprintf(s.output, "  %s %s", style.icon, step.Name)
	if step.Message != "" {
		dimColor.Fprintf(s.output, " - %s", step.Message)
	}
	fmt.Fprintln(s.output)

	if step.Error != nil && (step.Status == StepFailed || step.Status == StepWarning) {
		style.color.Fprintf(s.output, "    └─ %v\n", step.Error)
	}
}

func (s *ValidationSuite) printSummary(result SuiteResult) {
	banner := color.New(color.FgGreen, color.Bold)
	title := "Validation Passed"
	detail := fmt.Sprintf("(%d/%d checks passed in %v)",
		result.PassedSteps, result.TotalSteps, result.Duration.Round(time.Millisecond))
	if !result.Success {
		banner = color.New(color.FgRed, color.Bold)
		title = "Validation Failed"
		detail = fmt.Sprintf("(%d passed, %d failed)", result.PassedSteps, result.FailedSteps)
	}

	fmt.Fprintln(s.output)
	banner.Fprintf(s.output, "━━━ %s ", title)
	dimColor.Fprint(s.output, detail)
	banner.Fprintln(s.output, " ━━━")
	fmt.Fprintln(s.output)
}

// GetErrors returns the errors of failed steps. Warning details are not included.
func (r SuiteResult) GetErrors() []error {
	var errs []error
	for _, step := range r.Steps {
		if step.Status == StepFailed && step.Error != nil {
			errs = append(errs, step.Error)
		}
	}
	return errs
}

// GetFirstError returns the first error from failed steps, or nil if none failed.
func (r SuiteResult) GetFirstError() error {
	if errs := r.GetErrors(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Summary renders the result on one line, e.g.
// "Validation Failed: 4/6 checks passed, 1 failed, 1 warnings (took 12ms)".
func (r SuiteResult) Summary() string {
	outcome := "Passed"
	if !r.Success {
		outcome = "Failed"
	}
	parts := []string{fmt.Sprintf("%d/%d checks passed", r.PassedSteps, r.TotalSteps)}
	if r.FailedSteps > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", r.FailedSteps))
	}
	if r.Warnings > 0 {
		parts = append(parts, fmt.Sprintf("%d warnings", r.Warnings))
	}
	return fmt.Sprintf("Validation %s: %s (took %v)", outcome, strings.Join(parts, ", "), r.Duration.Round(time.Millisecond))
}
