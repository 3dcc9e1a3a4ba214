// Package config loads and validates the sandbox's configuration record
// from the environment, failing fast with every invalid field reported at
// once rather than one at a time.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Environment constants.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Backend is the execution backend a session is configured to use.
type Backend string

const (
	BackendDirect    Backend = "direct"
	BackendContainer Backend = "container"
	BackendPod       Backend = "pod"
	BackendPodlike   Backend = "podlike"
)

var validBackends = map[Backend]bool{
	BackendDirect:    true,
	BackendContainer: true,
	BackendPod:       true,
	BackendPodlike:   true,
}

var memoryLimitPattern = regexp.MustCompile(`^[0-9]+[kKmMgG]$`)

// SandboxConfig is the construction-time configuration record for one
// sandbox session.
type SandboxConfig struct {
	MemoryLimit     string
	CPULimit        float64
	TimeoutSeconds  int
	Image           string
	BuildFile       string
	Backend         Backend
	Namespace       string
	Language        string
	KeepTemplate    bool
	NetworkEnabled  bool
	AllowFileWrites bool
	EnvVars         map[string]string
	Volumes         []string
	ExtraArgs       []string
	PodManifest     string
	Verbose         bool
}

// DefaultSandboxConfig returns the configuration record's documented
// defaults.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MemoryLimit:     "256m",
		CPULimit:        1.0,
		TimeoutSeconds:  30,
		Image:           "python:3.9-slim",
		Backend:         BackendDirect,
		Namespace:       "default",
		Language:        "python",
		AllowFileWrites: true,
		EnvVars:         map[string]string{},
	}
}

// SandboxConfigError aggregates every invalid field found during
// validation, rather than failing on the first.
type SandboxConfigError struct {
	Fields []string
}

func (e *SandboxConfigError) Error() string {
	return fmt.Sprintf("configuration-error: invalid fields: %s", strings.Join(e.Fields, ", "))
}

// HasErrors reports whether any field failed validation.
func (e *SandboxConfigError) HasErrors() bool {
	return len(e.Fields) > 0
}

// Validate checks backend enum membership, the memory_limit unit grammar,
// and that cpu_limit/timeout_seconds are positive. It returns a
// *SandboxConfigError naming every offending field, or nil.
func (c SandboxConfig) Validate() error {
	var fields []string

	if !validBackends[c.Backend] {
		fields = append(fields, fmt.Sprintf("backend=%q", c.Backend))
	}
	if !memoryLimitPattern.MatchString(c.MemoryLimit) {
		fields = append(fields, fmt.Sprintf("memory_limit=%q", c.MemoryLimit))
	}
	if c.CPULimit <= 0 {
		fields = append(fields, fmt.Sprintf("cpu_limit=%v", c.CPULimit))
	}
	if c.TimeoutSeconds <= 0 {
		fields = append(fields, fmt.Sprintf("timeout_seconds=%v", c.TimeoutSeconds))
	}

	if len(fields) > 0 {
		return &SandboxConfigError{Fields: fields}
	}
	return nil
}

// MemoryLimitBytes parses the unit-suffixed memory_limit ("256m", "1g")
// into bytes. Validate must have already confirmed the grammar matches.
func (c SandboxConfig) MemoryLimitBytes() (int64, error) {
	if len(c.MemoryLimit) < 2 {
		return 0, fmt.Errorf("malformed memory_limit %q", c.MemoryLimit)
	}
	unit := strings.ToLower(c.MemoryLimit[len(c.MemoryLimit)-1:])
	n, err := strconv.ParseInt(c.MemoryLimit[:len(c.MemoryLimit)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed memory_limit %q: %w", c.MemoryLimit, err)
	}
	switch unit {
	case "k":
		return n * 1024, nil
	case "m":
		return n * 1024 * 1024, nil
	case "g":
		return n * 1024 * 1024 * 1024, nil
	default:
		return 0, fmt.Errorf("unknown memory_limit unit in %q", c.MemoryLimit)
	}
}

// FromEnv populates a SandboxConfig from environment variables, starting
// from DefaultSandboxConfig for any unset variable, and validates the
// result. Callers that need fail-fast startup semantics should treat a
// non-nil error as fatal.
func FromEnv() (SandboxConfig, error) {
	cfg := DefaultSandboxConfig()

	if v := os.Getenv("SANDBOX_MEMORY_LIMIT"); v != "" {
		cfg.MemoryLimit = v
	}
	if v := os.Getenv("SANDBOX_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CPULimit = f
		}
	}
	if v := os.Getenv("SANDBOX_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("SANDBOX_BUILD_FILE"); v != "" {
		cfg.BuildFile = v
	}
	if v := os.Getenv("SANDBOX_BACKEND"); v != "" {
		cfg.Backend = Backend(v)
	}
	if v := os.Getenv("SANDBOX_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("SANDBOX_LANGUAGE"); v != "" {
		cfg.Language = v
	}
	if v := os.Getenv("SANDBOX_KEEP_TEMPLATE"); v != "" {
		cfg.KeepTemplate = v == "true" || v == "1"
	}
	if v := os.Getenv("SANDBOX_NETWORK_ENABLED"); v != "" {
		cfg.NetworkEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SANDBOX_ALLOW_FILE_WRITES"); v != "" {
		cfg.AllowFileWrites = v == "true" || v == "1"
	}
	if v := os.Getenv("SANDBOX_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MustFromEnv is FromEnv but fatal on invalid configuration, for use at
// process startup the way the teacher's secret validation used to fail
// fast before serving traffic.
func MustFromEnv() SandboxConfig {
	cfg, err := FromEnv()
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnvironment returns the deployment environment, defaulting to
// development.
func GetEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	if env == "" {
		return EnvDevelopment
	}
	return env
}

// IsProductionEnvironment reports whether ENVIRONMENT=production.
func IsProductionEnvironment() bool {
	return GetEnvironment() == EnvProduction
}
