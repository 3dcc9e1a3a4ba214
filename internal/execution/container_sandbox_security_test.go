// Container sandbox security tests: verifies that the security.Profile
// policy composer is what actually drives seccomp, capability drop, and
// read-only root enforcement for the container backend, and that the
// per-language resource limits cover the seven languages that have a
// container image (python/javascript/go/rust/java/c/cpp).
package execution

import (
	"os"
	"testing"

	"sandboxd/internal/security"
)

func TestDefaultContainerSandboxConfig(t *testing.T) {
	config := DefaultContainerSandboxConfig()

	// SECURITY: Verify secure defaults are set
	tests := []struct {
		name     string
		check    func() bool
		expected bool
		desc     string
	}{
		{
			name:     "Seccomp enabled",
			check:    func() bool { return config.EnableSeccomp },
			expected: true,
			desc:     "Seccomp syscall filtering should be enabled by default",
		},
		{
			name:     "Read-only root",
			check:    func() bool { return config.EnableReadOnlyRoot },
			expected: true,
			desc:     "Read-only root filesystem should be enabled by default",
		},
		{
			name:     "All capabilities dropped",
			check:    func() bool { return config.DropAllCapabilities },
			expected: true,
			desc:     "All capabilities should be dropped by default",
		},
		{
			name:     "No new privileges",
			check:    func() bool { return config.NoNewPrivileges },
			expected: true,
			desc:     "No new privileges should be enabled by default",
		},
		{
			name:     "Network disabled",
			check:    func() bool { return config.DisableNetwork },
			expected: true,
			desc:     "Network should be disabled by default for untrusted code",
		},
		{
			name:     "Network mode is none",
			check:    func() bool { return config.NetworkMode == "none" },
			expected: true,
			desc:     "Network mode should be 'none' by default",
		},
		{
			name:     "Policy seeded with the default isolation policy",
			check:    func() bool { return config.Policy.Seccomp.DefaultAction == security.DefaultProfile().Seccomp.DefaultAction },
			expected: true,
			desc:     "ContainerSandboxConfig.Policy should start from security.DefaultProfile()",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(); got != tt.expected {
				t.Errorf("%s: got %v, want %v. %s", tt.name, got, tt.expected, tt.desc)
			}
		})
	}
}

func TestDefaultResourceLimits(t *testing.T) {
	config := DefaultContainerSandboxConfig()

	// SECURITY: Verify resource limits are set
	if config.DefaultMemoryLimit != 256*1024*1024 {
		t.Errorf("Default memory limit should be 256MB, got %d", config.DefaultMemoryLimit)
	}

	if config.DefaultCPULimit != 0.5 {
		t.Errorf("Default CPU limit should be 0.5 cores, got %f", config.DefaultCPULimit)
	}

	if config.DefaultTimeout.Seconds() != 30 {
		t.Errorf("Default timeout should be 30 seconds, got %v", config.DefaultTimeout)
	}

	if config.DefaultPidsLimit != 100 {
		t.Errorf("Default PIDs limit should be 100, got %d", config.DefaultPidsLimit)
	}
}

func TestLanguageResourceLimits(t *testing.T) {
	config := DefaultContainerSandboxConfig()

	// Only the languages with a built sandbox image (see writeCodeFile /
	// generateDockerfile) need a resource-limit entry here; the rest run
	// through the direct backend's runner registry instead.
	languagesWithLimits := []string{"python", "javascript", "go", "rust", "java", "c", "cpp"}

	for _, lang := range languagesWithLimits {
		if limits, ok := config.LanguageLimits[lang]; !ok {
			t.Errorf("Language %s should have resource limits configured", lang)
		} else {
			if limits.MemoryLimit <= 0 {
				t.Errorf("Language %s should have a positive memory limit", lang)
			}
			if limits.CPULimit <= 0 {
				t.Errorf("Language %s should have a positive CPU limit", lang)
			}
			if limits.Timeout <= 0 {
				t.Errorf("Language %s should have a positive timeout", lang)
			}
			if limits.PidsLimit <= 0 {
				t.Errorf("Language %s should have a positive PIDs limit", lang)
			}
		}
	}
}

func TestSandboxFactoryConfig(t *testing.T) {
	config := DefaultSandboxFactoryConfig()

	// SECURITY: Verify factory prefers container sandbox
	if !config.PreferContainer {
		t.Error("SandboxFactory should prefer container sandbox by default")
	}

	// Container config should have secure defaults
	if config.ContainerConfig == nil {
		t.Fatal("ContainerConfig should not be nil")
	}

	if !config.ContainerConfig.EnableSeccomp {
		t.Error("Container config should have seccomp enabled")
	}

	if !config.ContainerConfig.DisableNetwork {
		t.Error("Container config should have network disabled by default")
	}

	if config.IsolatedConfig != nil {
		t.Error("IsolatedConfig should be nil by default; isolated backend is opt-in")
	}
}

func TestDockerStatusSecurity(t *testing.T) {
	status := CheckDockerStatus()

	// This test documents the status rather than requiring Docker
	t.Logf("Docker available: %v", status.Available)
	if status.Available {
		t.Logf("Docker version: %s", status.Version)
		t.Logf("Docker API version: %s", status.APIVersion)
	} else {
		t.Logf("Docker error: %s", status.Error)
	}
}

func TestSeccompProfileWritesComposedPolicy(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/seccomp.json"

	sandbox := &ContainerSandbox{
		config: DefaultContainerSandboxConfig(),
		policy: security.DefaultProfile(),
	}

	if err := sandbox.writeSeccompProfile(path); err != nil {
		t.Fatalf("writeSeccompProfile failed: %v", err)
	}

	if _, err := os.ReadFile(path); err != nil {
		t.Fatalf("expected seccomp profile to be written to %s: %v", path, err)
	}
}

func TestPolicyForExecutionAppliesLanguageAndConfigOverrides(t *testing.T) {
	config := DefaultContainerSandboxConfig()
	config.DisableNetwork = true
	config.EnableReadOnlyRoot = true
	config.DropAllCapabilities = true
	config.NoNewPrivileges = true

	sandbox := &ContainerSandbox{
		config: config,
		policy: security.DefaultProfile(),
	}

	limits := &LanguageResourceLimits{TmpfsSize: "128m"}

	policy := sandbox.policyForExecution("go", limits)

	if policy.AllowNetwork {
		t.Error("expected network to stay disabled when config.DisableNetwork is set")
	}
	if !policy.ReadOnlyRoot || !policy.DropAllCaps || !policy.NoNewPrivileges {
		t.Error("expected config's isolation flags to override the base policy")
	}
	if len(policy.TmpfsMounts) != 1 || policy.TmpfsMounts[0].SizeMB != 128 {
		t.Errorf("expected a single 128MB tmpfs mount, got %+v", policy.TmpfsMounts)
	}
}

func TestDockerArgsConstruction(t *testing.T) {
	config := DefaultContainerSandboxConfig()

	// Simulate container execution args
	exec := &containerExecution{
		ID:       "test-12345678",
		Language: "python",
		TempDir:  "/tmp/test",
	}

	limits := &LanguageResourceLimits{
		MemoryLimit: 256 * 1024 * 1024,
		CPULimit:    0.5,
		Timeout:     30,
		PidsLimit:   100,
		TmpfsSize:   "64m",
	}

	// Create a sandbox to test arg building
	sandbox := &ContainerSandbox{
		config:         config,
		policy:         security.DefaultProfile(),
		baseTempDir:    "/tmp/sandboxd-test",
		seccompProfile: "/tmp/seccomp.json",
	}

	args := sandbox.buildDockerArgs(exec, "main.py", limits, "sandboxd-python:latest")

	// The composed security.Profile, not hand-rolled flags, must be what
	// produces these — assert against its own rendering so the test fails
	// if the delegation in buildDockerArgs is ever bypassed.
	execPolicy := sandbox.policyForExecution(exec.Language, limits)
	wantArgs := execPolicy.EmitDockerArgs(sandbox.seccompProfile)

	argsMap := make(map[string]bool)
	for _, arg := range args {
		argsMap[arg] = true
	}

	for _, required := range wantArgs {
		if !argsMap[required] {
			t.Errorf("expected docker arg %q (from security.Profile.EmitDockerArgs) in buildDockerArgs output", required)
		}
	}

	// Verify memory and CPU limits are set
	found := false
	for i, arg := range args {
		if arg == "--memory" && i+1 < len(args) {
			found = true
			break
		}
	}
	if !found {
		t.Error("Memory limit argument not found in Docker args")
	}
}

func TestBuildDockerArgsHonorsPinnedRunAsUser(t *testing.T) {
	config := DefaultContainerSandboxConfig()
	policy := security.DefaultProfile()
	policy.RunAsUser = 1000
	policy.RunAsGroup = 1000

	sandbox := &ContainerSandbox{
		config:         config,
		policy:         policy,
		baseTempDir:    "/tmp/sandboxd-test",
		seccompProfile: "/tmp/seccomp.json",
	}

	exec := &containerExecution{ID: "test-87654321", Language: "python", TempDir: "/tmp/test"}
	limits := &LanguageResourceLimits{MemoryLimit: 1, CPULimit: 0.5, PidsLimit: 10, TmpfsSize: "64m"}

	args := sandbox.buildDockerArgs(exec, "main.py", limits, "sandboxd-python:latest")

	foundPinned, foundFallback := false, false
	for i, arg := range args {
		if arg == "--user" && i+1 < len(args) {
			if args[i+1] == "1000:1000" {
				foundPinned = true
			}
			if args[i+1] == "sandbox" {
				foundFallback = true
			}
		}
	}
	if !foundPinned {
		t.Error("expected --user 1000:1000 when the policy pins RunAsUser/RunAsGroup")
	}
	if foundFallback {
		t.Error("the fallback 'sandbox' user should not be used once the policy pins a numeric uid")
	}
}
