// Container backend (CLI variant): isolated code execution via `docker run`,
// with the security.Profile policy composer supplying seccomp, capability
// drop, read-only root and tmpfs scratch space, plus per-language resource
// limits. The session façade uses this backend for container and auto
// requests; podlike requests go to the Docker-SDK-native variant in
// sandbox/v2 and fall back to this backend when that one is not configured.

package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sandboxd/internal/logging"
	"sandboxd/internal/security"
)

// ContainerSandbox provides Docker-based isolated code execution
type ContainerSandbox struct {
	config          *ContainerSandboxConfig
	executions      map[string]*containerExecution
	executionsMu    sync.RWMutex
	baseTempDir     string
	seccompProfile  string
	auditLogger     *AuditLogger
	dockerAvailable bool
	imageCache      map[string]bool
	imageCacheMu    sync.RWMutex
	stats           *SandboxStats
	pkgCache        *ToolchainCacheManager
	policy          security.Profile
}

// ContainerSandboxConfig holds container sandbox configuration
type ContainerSandboxConfig struct {
	// Docker socket path (default: /var/run/docker.sock)
	DockerSocket string

	// Base image prefix for language containers
	ImagePrefix string

	// Default resource limits
	DefaultMemoryLimit int64         // bytes (default: 256MB)
	DefaultCPULimit    float64       // cores (default: 0.5)
	DefaultTimeout     time.Duration // (default: 30s)
	DefaultPidsLimit   int64         // max processes (default: 100)

	// Per-language resource overrides
	LanguageLimits map[string]*LanguageResourceLimits

	// Security settings. Policy is the isolation policy composed into
	// docker run flags by buildDockerArgs; the Enable*/DropAll/NoNewPrivileges
	// fields below override the corresponding fields on Policy per execution
	// so that LanguageLimits can still vary tmpfs size and exec bit.
	EnableSeccomp       bool
	EnableAppArmor      bool
	EnableReadOnlyRoot  bool
	DropAllCapabilities bool
	NoNewPrivileges     bool
	Policy              security.Profile

	// Network settings
	DisableNetwork bool
	NetworkMode    string // none, bridge, host (default: none)

	// Filesystem settings
	TmpfsSize           string // size of /tmp tmpfs mount (default: 64m)
	WorkDirSize         string // size of /work tmpfs mount (default: 32m)
	EnablePackageCache  bool
	PackageCacheBaseDir string

	// Logging
	EnableAuditLog bool
	AuditLogPath   string

	// Cleanup settings
	AutoCleanup     bool
	CleanupInterval time.Duration
	MaxContainerAge time.Duration

	// Concurrent execution limits
	MaxConcurrentExecs int32
}

// LanguageResourceLimits defines per-language resource constraints
type LanguageResourceLimits struct {
	MemoryLimit int64         // bytes
	CPULimit    float64       // cores
	Timeout     time.Duration // max execution time
	PidsLimit   int64         // max processes
	TmpfsSize   string        // /tmp size
}

// containerExecution tracks an active container execution
type containerExecution struct {
	ID          string
	ContainerID string
	Language    string
	StartTime   time.Time
	TempDir     string
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// AuditLogger handles security audit logging
type AuditLogger struct {
	logPath string
	mu      sync.Mutex
	file    *os.File
}

// AuditEntry represents a single audit log entry
type AuditEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	ContainerID string    `json:"container_id,omitempty"`
	Language    string    `json:"language"`
	Action      string    `json:"action"` // start, complete, timeout, kill, error
	Duration    int64     `json:"duration_ms,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
	MemoryUsed  int64     `json:"memory_used,omitempty"`
	Error       string    `json:"error,omitempty"`
	CodeHash    string    `json:"code_hash,omitempty"`
}

// SandboxStats tracks execution statistics
type SandboxStats struct {
	TotalExecutions    int64
	SuccessfulExecs    int64
	FailedExecs        int64
	TimeoutExecs       int64
	KilledExecs        int64
	ConcurrentExecs    int32
	MaxConcurrentExecs int32
	TotalCPUTime       int64
	TotalMemoryUsed    int64
}

// DefaultContainerSandboxConfig returns production-ready default configuration
func DefaultContainerSandboxConfig() *ContainerSandboxConfig {
	return &ContainerSandboxConfig{
		DockerSocket:        "/var/run/docker.sock",
		ImagePrefix:         "sandboxd",
		DefaultMemoryLimit:  256 * 1024 * 1024, // 256MB
		DefaultCPULimit:     0.5,
		DefaultTimeout:      30 * time.Second,
		DefaultPidsLimit:    100,
		EnableSeccomp:       true,
		EnableAppArmor:      runtime.GOOS == "linux",
		EnableReadOnlyRoot:  true,
		DropAllCapabilities: true,
		NoNewPrivileges:     true,
		Policy:              security.DefaultProfile(),
		DisableNetwork:      true,
		NetworkMode:         "none",
		TmpfsSize:           "64m",
		WorkDirSize:         "32m",
		EnablePackageCache:  true,
		PackageCacheBaseDir: filepath.Join(os.TempDir(), "sandboxd-toolchain-cache"),
		EnableAuditLog:      true,
		AuditLogPath:        "/var/log/sandboxd/audit.log",
		AutoCleanup:         true,
		CleanupInterval:     5 * time.Minute,
		MaxContainerAge:     10 * time.Minute,
		MaxConcurrentExecs:  50,
		LanguageLimits: map[string]*LanguageResourceLimits{
			"python": {
				MemoryLimit: 256 * 1024 * 1024,
				CPULimit:    0.5,
				Timeout:     30 * time.Second,
				PidsLimit:   50,
				TmpfsSize:   "64m",
			},
			"javascript": {
				MemoryLimit: 256 * 1024 * 1024,
				CPULimit:    0.5,
				Timeout:     30 * time.Second,
				PidsLimit:   50,
				TmpfsSize:   "64m",
			},
			"go": {
				MemoryLimit: 512 * 1024 * 1024,
				CPULimit:    1.0,
				Timeout:     60 * time.Second,
				PidsLimit:   100,
				TmpfsSize:   "128m",
			},
			"rust": {
				MemoryLimit: 512 * 1024 * 1024,
				CPULimit:    1.0,
				Timeout:     60 * time.Second,
				PidsLimit:   100,
				TmpfsSize:   "128m",
			},
			"java": {
				MemoryLimit: 512 * 1024 * 1024,
				CPULimit:    1.0,
				Timeout:     60 * time.Second,
				PidsLimit:   200,
				TmpfsSize:   "128m",
			},
			"c": {
				MemoryLimit: 128 * 1024 * 1024,
				CPULimit:    0.5,
				Timeout:     30 * time.Second,
				PidsLimit:   50,
				TmpfsSize:   "32m",
			},
			"cpp": {
				MemoryLimit: 256 * 1024 * 1024,
				CPULimit:    0.5,
				Timeout:     30 * time.Second,
				PidsLimit:   50,
				TmpfsSize:   "64m",
			},
		},
	}
}

// NewContainerSandbox creates a new container-based sandbox
func NewContainerSandbox(config *ContainerSandboxConfig) (*ContainerSandbox, error) {
	if config == nil {
		config = DefaultContainerSandboxConfig()
	}

	// Docker Desktop/non-Linux hosts can reject our custom seccomp profile while the
	// Linux production path should keep seccomp enabled by default.
	if runtime.GOOS != "linux" && config.EnableSeccomp {
		cfgCopy := *config
		cfgCopy.EnableSeccomp = false
		config = &cfgCopy
	}

	// Create base temp directory
	baseTempDir := filepath.Join(os.TempDir(), "sandboxd-container")
	if err := os.MkdirAll(baseTempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox temp directory: %w", err)
	}

	policy := config.Policy
	if policy.Seccomp.DefaultAction == "" {
		policy = security.DefaultProfile()
	}

	sandbox := &ContainerSandbox{
		config:      config,
		executions:  make(map[string]*containerExecution),
		baseTempDir: baseTempDir,
		imageCache:  make(map[string]bool),
		stats:       &SandboxStats{},
		pkgCache:    NewToolchainCacheManager(config.PackageCacheBaseDir, config.EnablePackageCache),
		policy:      policy,
	}

	// Check Docker availability
	sandbox.dockerAvailable = sandbox.checkDockerAvailable()
	if !sandbox.dockerAvailable {
		return nil, fmt.Errorf("Docker is not available - container sandbox requires Docker")
	}

	// Generate seccomp profile from the composed policy
	seccompPath := filepath.Join(baseTempDir, "seccomp-profile.json")
	if err := sandbox.writeSeccompProfile(seccompPath); err != nil {
		return nil, fmt.Errorf("failed to write seccomp profile: %w", err)
	}
	sandbox.seccompProfile = seccompPath

	// Initialize audit logger
	if config.EnableAuditLog {
		auditDir := filepath.Dir(config.AuditLogPath)
		if err := os.MkdirAll(auditDir, 0750); err != nil {
			// Non-fatal: continue without audit logging
			logging.S().Warnw("could not create audit log directory", "path", auditDir, "error", err)
		} else {
			logger, err := NewAuditLogger(config.AuditLogPath)
			if err != nil {
				logging.S().Warnw("could not initialize audit logger", "path", config.AuditLogPath, "error", err)
			} else {
				sandbox.auditLogger = logger
			}
		}
	}

	// Ensure sandbox images exist
	if err := sandbox.ensureImages(); err != nil {
		return nil, fmt.Errorf("failed to ensure sandbox images: %w", err)
	}

	// Start cleanup goroutine
	if config.AutoCleanup {
		go sandbox.cleanupLoop()
	}

	return sandbox, nil
}

// checkDockerAvailable verifies Docker daemon is accessible
func (s *ContainerSandbox) checkDockerAvailable() bool {
	cmd := osexec.Command("docker", "info")
	cmd.Env = append(os.Environ(), "DOCKER_HOST=unix://"+s.config.DockerSocket)
	return cmd.Run() == nil
}

// writeSeccompProfile persists this sandbox's composed policy's seccomp
// filter to path, in the document shape Docker's --security-opt
// seccomp=<path> expects.
func (s *ContainerSandbox) writeSeccompProfile(path string) error {
	return s.policy.Seccomp.WriteTo(path)
}

// ensureImages ensures all sandbox images are available
func (s *ContainerSandbox) ensureImages() error {
	languages := []string{"python", "javascript", "go", "rust", "java", "c", "cpp"}

	for _, lang := range languages {
		imageName := fmt.Sprintf("%s-%s:latest", s.config.ImagePrefix, lang)

		// Check if image exists
		cmd := osexec.Command("docker", "image", "inspect", imageName)
		if cmd.Run() == nil {
			s.imageCacheMu.Lock()
			s.imageCache[lang] = true
			s.imageCacheMu.Unlock()
			continue
		}

		// Build the image
		dockerfile := s.generateDockerfile(lang)
		if err := s.buildImage(lang, dockerfile); err != nil {
			// Log warning but continue - will use fallback base images
			logging.S().Warnw("could not build sandbox image", "language", lang, "error", err)
		} else {
			s.imageCacheMu.Lock()
			s.imageCache[lang] = true
			s.imageCacheMu.Unlock()
		}
	}

	return nil
}

// generateDockerfile creates a minimal, secure Dockerfile for a language
func (s *ContainerSandbox) generateDockerfile(language string) string {
	switch language {
	case "python":
		return `FROM python:3.12-slim-bookworm
RUN useradd -m -s /bin/false sandbox && \
    apt-get update && apt-get install -y --no-install-recommends \
    ca-certificates && \
    rm -rf /var/lib/apt/lists/* && \
    mkdir -p /work /tmp && \
    chown -R sandbox:sandbox /work /tmp
USER sandbox
WORKDIR /work
ENV PYTHONDONTWRITEBYTECODE=1 PYTHONUNBUFFERED=1
`
	case "javascript":
		return `FROM node:20-slim
RUN useradd -m -s /bin/false sandbox && \
    mkdir -p /work /tmp && \
    chown -R sandbox:sandbox /work /tmp
USER sandbox
WORKDIR /work
ENV NODE_ENV=production
`
	case "go":
		return `FROM golang:1.22-bookworm
RUN useradd -m -s /bin/false sandbox && \
    mkdir -p /work /tmp /tmp/go-cache /tmp/go-mod && \
    chown -R sandbox:sandbox /work /tmp /go
USER sandbox
WORKDIR /work
ENV GOCACHE=/tmp/go-cache GOMODCACHE=/tmp/go-mod TMPDIR=/tmp CGO_ENABLED=0
`
	case "rust":
		return `FROM rust:1.75-slim-bookworm
RUN useradd -m -s /bin/false sandbox && \
    mkdir -p /work /tmp && \
    chown -R sandbox:sandbox /work /tmp
USER sandbox
WORKDIR /work
ENV CARGO_HOME=/tmp/.cargo
`
	case "java":
		return `FROM eclipse-temurin:21-jdk-jammy
RUN useradd -m -s /bin/false sandbox && \
    mkdir -p /work /tmp && \
    chown -R sandbox:sandbox /work /tmp
USER sandbox
WORKDIR /work
`
	case "c", "cpp":
		return `FROM gcc:13-bookworm
RUN useradd -m -s /bin/false sandbox && \
    mkdir -p /work /tmp && \
    chown -R sandbox:sandbox /work /tmp
USER sandbox
WORKDIR /work
`
	default:
		return `FROM debian:bookworm-slim
RUN useradd -m -s /bin/false sandbox && \
    mkdir -p /work /tmp && \
    chown -R sandbox:sandbox /work /tmp
USER sandbox
WORKDIR /work
`
	}
}

// buildImage builds a Docker image from a Dockerfile string
func (s *ContainerSandbox) buildImage(language, dockerfile string) error {
	imageName := fmt.Sprintf("%s-%s:latest", s.config.ImagePrefix, language)

	// Create temp directory for Dockerfile
	tmpDir, err := os.MkdirTemp("", "sandboxd-dockerfile-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	// Write Dockerfile
	dockerfilePath := filepath.Join(tmpDir, "Dockerfile")
	if err := os.WriteFile(dockerfilePath, []byte(dockerfile), 0644); err != nil {
		return err
	}

	// Build image
	cmd := osexec.Command("docker", "build", "-t", imageName, "-f", dockerfilePath, tmpDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker build failed: %s", string(output))
	}

	return nil
}

// Execute runs code in an isolated container
func (s *ContainerSandbox) Execute(ctx context.Context, language, code, stdin string) (*ExecutionResult, error) {
	execID := uuid.New().String()
	startTime := time.Now()

	// Check concurrent execution limit
	current := atomic.AddInt32(&s.stats.ConcurrentExecs, 1)
	defer atomic.AddInt32(&s.stats.ConcurrentExecs, -1)

	if current > s.config.MaxConcurrentExecs {
		atomic.AddInt64(&s.stats.FailedExecs, 1)
		return &ExecutionResult{
			ID:          execID,
			Status:      "failed",
			ErrorOutput: "Too many concurrent executions. Please try again later.",
			ExitCode:    1,
			Language:    language,
			StartedAt:   startTime,
		}, nil
	}

	// Update max concurrent
	for {
		max := atomic.LoadInt32(&s.stats.MaxConcurrentExecs)
		if current <= max || atomic.CompareAndSwapInt32(&s.stats.MaxConcurrentExecs, max, current) {
			break
		}
	}

	// Get resource limits for language
	limits := s.getResourceLimits(language)

	// Create temp directory for code
	tempDir, err := os.MkdirTemp(s.baseTempDir, fmt.Sprintf("exec-%s-", execID[:8]))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	// Create execution context with timeout
	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)

	// Track execution
	exec := &containerExecution{
		ID:        execID,
		Language:  language,
		StartTime: startTime,
		TempDir:   tempDir,
		Cancel:    cancel,
		Done:      make(chan struct{}),
	}

	s.executionsMu.Lock()
	s.executions[execID] = exec
	s.executionsMu.Unlock()

	defer func() {
		cancel()
		close(exec.Done)
		s.executionsMu.Lock()
		delete(s.executions, execID)
		s.executionsMu.Unlock()
		// Cleanup temp directory
		go s.cleanupTempDir(tempDir)
	}()

	// Write code to temp file
	filename, err := s.writeCodeFile(tempDir, language, code)
	if err != nil {
		return &ExecutionResult{
			ID:          execID,
			Status:      "failed",
			ErrorOutput: fmt.Sprintf("Failed to write code: %v", err),
			ExitCode:    1,
			Language:    language,
			StartedAt:   startTime,
		}, nil
	}

	// Build and run container
	result := s.runContainer(execCtx, exec, filename, stdin, limits)

	// Log execution
	s.logExecution(exec, result)

	// Update stats
	atomic.AddInt64(&s.stats.TotalExecutions, 1)
	switch result.Status {
	case "completed":
		atomic.AddInt64(&s.stats.SuccessfulExecs, 1)
	case "timeout":
		atomic.AddInt64(&s.stats.TimeoutExecs, 1)
	case "killed":
		atomic.AddInt64(&s.stats.KilledExecs, 1)
	default:
		atomic.AddInt64(&s.stats.FailedExecs, 1)
	}

	return result, nil
}

// getResourceLimits returns the resource limits for a language
func (s *ContainerSandbox) getResourceLimits(language string) *LanguageResourceLimits {
	if limits, ok := s.config.LanguageLimits[language]; ok {
		return limits
	}

	return &LanguageResourceLimits{
		MemoryLimit: s.config.DefaultMemoryLimit,
		CPULimit:    s.config.DefaultCPULimit,
		Timeout:     s.config.DefaultTimeout,
		PidsLimit:   s.config.DefaultPidsLimit,
		TmpfsSize:   s.config.TmpfsSize,
	}
}

// writeCodeFile writes code to the appropriate file for the language. Only
// languages with a built sandbox image (ensureImages/generateDockerfile)
// are handled here; the broader runner registry in runner.go drives the
// direct backend instead, where no per-language image build is needed.
func (s *ContainerSandbox) writeCodeFile(tempDir, language, code string) (string, error) {
	var filename string
	var processedCode string

	switch language {
	case "python":
		filename = "main.py"
		processedCode = code
	case "javascript":
		filename = "main.js"
		processedCode = code
	case "go":
		filename = "main.go"
		// Ensure package main
		if !strings.Contains(code, "package ") {
			processedCode = "package main\n\n" + code
		} else {
			processedCode = code
		}
	case "rust":
		filename = "main.rs"
		// Ensure main function
		if !strings.Contains(code, "fn main") {
			processedCode = "fn main() {\n" + code + "\n}"
		} else {
			processedCode = code
		}
	case "java":
		// Extract class name
		className := extractJavaClassNameFromCode(code)
		if className == "" {
			code = "public class Main {\n    public static void main(String[] args) {\n        " + code + "\n    }\n}"
			className = "Main"
		}
		filename = className + ".java"
		processedCode = code
	case "c":
		filename = "main.c"
		if !strings.Contains(code, "#include") {
			processedCode = "#include <stdio.h>\n#include <stdlib.h>\n#include <string.h>\n\n" + code
		} else {
			processedCode = code
		}
	case "cpp":
		filename = "main.cpp"
		if !strings.Contains(code, "#include") {
			processedCode = "#include <iostream>\n#include <vector>\n#include <string>\n#include <algorithm>\nusing namespace std;\n\n" + code
		} else {
			processedCode = code
		}
	default:
		return "", fmt.Errorf("unsupported language: %s", language)
	}

	filePath := filepath.Join(tempDir, filename)
	if err := os.WriteFile(filePath, []byte(processedCode), 0644); err != nil {
		return "", err
	}

	return filename, nil
}

// extractJavaClassNameFromCode extracts public class name from Java code
func extractJavaClassNameFromCode(code string) string {
	re := regexp.MustCompile(`public\s+class\s+(\w+)`)
	matches := re.FindStringSubmatch(code)
	if len(matches) > 1 {
		return matches[1]
	}
	return ""
}

// runContainer executes code in a Docker container
func (s *ContainerSandbox) runContainer(ctx context.Context, exec *containerExecution, filename, stdin string, limits *LanguageResourceLimits) *ExecutionResult {
	result := &ExecutionResult{
		ID:        exec.ID,
		Language:  exec.Language,
		StartedAt: exec.StartTime,
	}

	// Get image name
	imageName := s.getImageName(exec.Language)

	// Build docker run command
	args := s.buildDockerArgs(exec, filename, limits, imageName)
	if stdin != "" {
		// Required for piping stdin into `docker run`.
		args = append(args[:1], append([]string{"-i"}, args[1:]...)...)
	}

	// Create docker command
	cmd := osexec.CommandContext(ctx, "docker", args...)

	// Setup stdio
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: 1024 * 1024} // 1MB limit
	cmd.Stderr = &limitedWriter{w: &stderr, limit: 1024 * 1024}

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	// Run container
	err := cmd.Run()

	completedAt := time.Now()
	result.CompletedAt = &completedAt
	result.Duration = time.Since(exec.StartTime)
	result.DurationMs = result.Duration.Milliseconds()
	result.Output = stdout.String()
	result.ErrorOutput = stderr.String()

	// Check for context cancellation (timeout)
	if ctx.Err() == context.DeadlineExceeded {
		result.Status = "timeout"
		result.TimedOut = true
		result.ExitCode = 124

		// Force kill the container
		go s.forceKillContainer(exec.ContainerID)
	} else if ctx.Err() == context.Canceled {
		result.Status = "killed"
		result.Killed = true
		result.ExitCode = 137
	} else if err != nil {
		if exitErr, ok := err.(*osexec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Status = "failed"
		} else {
			result.Status = "failed"
			result.ExitCode = 1
			result.ErrorOutput = err.Error()
		}
	} else {
		result.Status = "completed"
		result.ExitCode = 0
	}

	return result
}

// tmpfsSizeMB parses a docker-style size string ("64m") into megabytes,
// falling back to 64 if it can't be parsed.
func tmpfsSizeMB(size string) int {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(size), "m"))
	if err != nil || n <= 0 {
		return 64
	}
	return n
}

// policyForExecution composes this sandbox's base policy with the
// per-language resource limits and exec-bit requirement for one run, so a
// single security.Profile drives both the container and pod backends'
// security-flag emission for the session being executed.
func (s *ContainerSandbox) policyForExecution(language string, limits *LanguageResourceLimits) security.Profile {
	p := s.policy
	p.DropAllCaps = s.config.DropAllCapabilities
	p.NoNewPrivileges = s.config.NoNewPrivileges
	p.ReadOnlyRoot = s.config.EnableReadOnlyRoot
	p.AllowNetwork = !s.config.DisableNetwork
	p.TmpfsMounts = []security.TmpfsMount{
		{Path: "/tmp", SizeMB: tmpfsSizeMB(limits.TmpfsSize), Exec: s.languageNeedsExecutableTmp(language), Mode: "1777"},
	}
	return p
}

// buildDockerArgs constructs the docker run command arguments. The
// resource-limit and language-specific flags are this backend's own
// concern; the capability/seccomp/read-only/network/user flags are
// delegated to the composed security.Profile so the container and pod
// backends enforce the same policy.
func (s *ContainerSandbox) buildDockerArgs(exec *containerExecution, filename string, limits *LanguageResourceLimits, imageName string) []string {
	containerName := fmt.Sprintf("sandboxd-exec-%s", exec.ID[:12])
	exec.ContainerID = containerName

	args := []string{
		"run",
		"--rm",
		"--name", containerName,
		// Resource limits
		"--memory", fmt.Sprintf("%d", limits.MemoryLimit),
		"--memory-swap", fmt.Sprintf("%d", limits.MemoryLimit), // Disable swap
		"--cpus", fmt.Sprintf("%.2f", limits.CPULimit),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
	}

	execPolicy := s.policyForExecution(exec.Language, limits)
	seccompPath := ""
	if s.config.EnableSeccomp {
		seccompPath = s.seccompProfile
	}
	args = append(args, execPolicy.EmitDockerArgs(seccompPath)...)

	// Custom network modes (bridge/host) aren't expressible through the
	// policy's binary AllowNetwork flag; apply them on top when networking
	// is allowed and a mode was explicitly configured.
	if execPolicy.AllowNetwork && s.config.NetworkMode != "" && s.config.NetworkMode != "none" {
		args = append(args, "--network="+s.config.NetworkMode)
	}

	// Mount code directory (read-only)
	args = append(args,
		"-v", fmt.Sprintf("%s:/work:ro", exec.TempDir),
	)

	// Shared package caches for faster warm starts across sessions
	if s.pkgCache != nil && s.pkgCache.Enabled() {
		for _, cacheMount := range s.pkgCache.MountsForLanguage(exec.Language) {
			mode := "rw"
			if cacheMount.ReadOnly {
				mode = "ro"
			}
			args = append(args, "-v", fmt.Sprintf("%s:%s:%s", cacheMount.HostPath, cacheMount.ContainerPath, mode))
			for k, v := range cacheMount.EnvironmentMap {
				args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
			}
		}
	}

	// The profile's RunAsUser is left unset (-1) by default since the
	// sandbox images define a named, unprivileged "sandbox" user; a
	// profile that does pin a numeric UID (e.g. from a per-tenant policy)
	// takes precedence via EmitDockerArgs above, so only fall back here.
	if execPolicy.RunAsUser < 0 {
		args = append(args, "--user", "sandbox")
	}

	// Working directory
	args = append(args, "-w", "/work")

	// Add image
	args = append(args, imageName)

	// Add execution command
	execCmd := s.getExecutionCommand(exec.Language, filename)
	args = append(args, execCmd...)

	return args
}

// getImageName returns the Docker image name for a language
func (s *ContainerSandbox) getImageName(language string) string {
	s.imageCacheMu.RLock()
	exists := s.imageCache[language]
	s.imageCacheMu.RUnlock()

	if exists {
		return fmt.Sprintf("%s-%s:latest", s.config.ImagePrefix, language)
	}

	// Fallback to public images
	switch language {
	case "python":
		return "python:3.12-slim"
	case "javascript":
		return "node:20-slim"
	case "go":
		return "golang:1.22"
	case "rust":
		return "rust:1.75-slim"
	case "java":
		return "eclipse-temurin:21-jdk"
	case "c", "cpp":
		return "gcc:13"
	default:
		return "debian:bookworm-slim"
	}
}

// getExecutionCommand returns the command to execute code in the container
func (s *ContainerSandbox) getExecutionCommand(language, filename string) []string {
	switch language {
	case "python":
		return []string{"python3", "-u", filename}
	case "javascript":
		// `--jitless` avoids executable-memory permission issues in hardened container runtimes.
		return []string{"node", "--jitless", filename}
	case "go":
		return []string{"sh", "-c", fmt.Sprintf("go run %s", filename)}
	case "rust":
		return []string{"sh", "-c", fmt.Sprintf("rustc -o /tmp/main %s && /tmp/main", filename)}
	case "java":
		className := strings.TrimSuffix(filename, ".java")
		return []string{"sh", "-c", fmt.Sprintf("javac -d /tmp %s && java -cp /tmp %s", filename, className)}
	case "c":
		return []string{"sh", "-c", fmt.Sprintf("gcc -o /tmp/main %s -lm && /tmp/main", filename)}
	case "cpp":
		return []string{"sh", "-c", fmt.Sprintf("g++ -o /tmp/main -std=c++17 %s && /tmp/main", filename)}
	default:
		return []string{"sh", "-c", "echo 'Unsupported language'"}
	}
}

// languageNeedsExecutableTmp returns true when /tmp must allow executing compiled artifacts.
func (s *ContainerSandbox) languageNeedsExecutableTmp(language string) bool {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "go", "rust", "c", "cpp", "java":
		return true
	default:
		return false
	}
}

// forceKillContainer forcefully removes a container
func (s *ContainerSandbox) forceKillContainer(containerID string) {
	if containerID == "" {
		return
	}

	// First try graceful stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopCmd := osexec.CommandContext(ctx, "docker", "stop", "-t", "2", containerID)
	stopCmd.Run()

	// Then force remove
	rmCmd := osexec.Command("docker", "rm", "-f", containerID)
	rmCmd.Run()
}

// Kill terminates a running execution
func (s *ContainerSandbox) Kill(execID string) error {
	s.executionsMu.RLock()
	exec, exists := s.executions[execID]
	s.executionsMu.RUnlock()

	if !exists {
		return fmt.Errorf("execution %s not found", execID)
	}

	// Cancel context
	exec.Cancel()

	// Force kill container
	if exec.ContainerID != "" {
		s.forceKillContainer(exec.ContainerID)
	}

	return nil
}

// cleanupTempDir removes a temporary directory
func (s *ContainerSandbox) cleanupTempDir(tempDir string) {
	if tempDir == "" || !strings.HasPrefix(tempDir, s.baseTempDir) {
		return
	}

	// Small delay to ensure container has released files
	time.Sleep(500 * time.Millisecond)
	os.RemoveAll(tempDir)
}

// cleanupLoop periodically cleans up orphaned containers and temp directories
func (s *ContainerSandbox) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.cleanupOrphanedContainers()
		s.cleanupOldTempDirs()
	}
}

// cleanupOrphanedContainers removes any orphaned sandbox containers
func (s *ContainerSandbox) cleanupOrphanedContainers() {
	cmd := osexec.Command("docker", "ps", "-a", "--filter", "name=sandboxd-exec-", "--format", "{{.Names}}\t{{.Status}}")
	output, err := cmd.Output()
	if err != nil {
		return
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}

		containerName := parts[0]
		status := parts[1]

		// Remove exited or created containers
		if strings.Contains(status, "Exited") || strings.Contains(status, "Created") {
			osexec.Command("docker", "rm", "-f", containerName).Run()
		}
	}
}

// cleanupOldTempDirs removes temp directories older than MaxContainerAge
func (s *ContainerSandbox) cleanupOldTempDirs() {
	entries, err := os.ReadDir(s.baseTempDir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-s.config.MaxContainerAge)

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "exec-") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			os.RemoveAll(filepath.Join(s.baseTempDir, entry.Name()))
		}
	}
}

// logExecution logs an execution to the audit log
func (s *ContainerSandbox) logExecution(exec *containerExecution, result *ExecutionResult) {
	if s.auditLogger == nil {
		return
	}

	entry := AuditEntry{
		Timestamp:   time.Now(),
		ExecutionID: exec.ID,
		ContainerID: exec.ContainerID,
		Language:    exec.Language,
		Action:      result.Status,
		Duration:    result.DurationMs,
		ExitCode:    result.ExitCode,
		MemoryUsed:  result.MemoryUsed,
	}

	if result.Status == "failed" && result.ErrorOutput != "" {
		// Truncate error output for logging
		errOutput := result.ErrorOutput
		if len(errOutput) > 500 {
			errOutput = errOutput[:500] + "..."
		}
		entry.Error = errOutput
	}

	s.auditLogger.Log(entry)
}

// GetStats returns sandbox statistics
func (s *ContainerSandbox) GetStats() *SandboxStats {
	return &SandboxStats{
		TotalExecutions:    atomic.LoadInt64(&s.stats.TotalExecutions),
		SuccessfulExecs:    atomic.LoadInt64(&s.stats.SuccessfulExecs),
		FailedExecs:        atomic.LoadInt64(&s.stats.FailedExecs),
		TimeoutExecs:       atomic.LoadInt64(&s.stats.TimeoutExecs),
		KilledExecs:        atomic.LoadInt64(&s.stats.KilledExecs),
		ConcurrentExecs:    atomic.LoadInt32(&s.stats.ConcurrentExecs),
		MaxConcurrentExecs: atomic.LoadInt32(&s.stats.MaxConcurrentExecs),
	}
}

// GetActiveExecutions returns the count of active executions
func (s *ContainerSandbox) GetActiveExecutions() int {
	s.executionsMu.RLock()
	defer s.executionsMu.RUnlock()
	return len(s.executions)
}

// Cleanup cleans up all sandbox resources
func (s *ContainerSandbox) Cleanup() error {
	// Kill all active executions
	s.executionsMu.RLock()
	ids := make([]string, 0, len(s.executions))
	for id := range s.executions {
		ids = append(ids, id)
	}
	s.executionsMu.RUnlock()
	for _, id := range ids {
		s.Kill(id)
	}

	// Cleanup orphaned containers
	s.cleanupOrphanedContainers()

	// Remove base temp directory
	if err := os.RemoveAll(s.baseTempDir); err != nil {
		return err
	}

	// Close audit logger
	if s.auditLogger != nil {
		s.auditLogger.Close()
	}

	return nil
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}

	return &AuditLogger{
		logPath: path,
		file:    file,
	}, nil
}

// Log writes an audit entry
func (l *AuditLogger) Log(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.file.Write(data)
	l.file.WriteString("\n")
}

// Close closes the audit logger
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// CommandContext creates an exec.Cmd with context
func (e *containerExecution) CommandContext(ctx context.Context, name string, args ...string) *osexec.Cmd {
	return osexec.CommandContext(ctx, name, args...)
}
